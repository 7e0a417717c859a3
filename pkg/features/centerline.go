package features

import (
	"gonum.org/v1/gonum/spatial/kdtree"

	"emboscan/pkg/volume"
)

// Point3D is a centerline point in physical millimetre coordinates.
type Point3D struct {
	X, Y, Z float64
}

// Compare implements the kdtree.Comparable interface
func (p Point3D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point3D)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point3D) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point3D) Distance(c kdtree.Comparable) float64 {
	q := c.(Point3D)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Points3D is a collection of Point3D that satisfies kdtree.Interface
type Points3D []Point3D

func (p Points3D) Index(i int) kdtree.Comparable     { return p[i] }
func (p Points3D) Len() int                          { return len(p) }
func (p Points3D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points3D) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points3D: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{Points3D: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for Points3D
type pointPlane struct {
	Points3D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points3D[i].X < p.Points3D[j].X
	case 1:
		return p.Points3D[i].Y < p.Points3D[j].Y
	case 2:
		return p.Points3D[i].Z < p.Points3D[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points3D: p.Points3D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points3D[i], p.Points3D[j] = p.Points3D[j], p.Points3D[i]
}

// Centerline is the thinned skeleton of the vessel mask, indexed for
// physical-radius proximity queries.
type Centerline struct {
	// Points are skeleton voxel centers in millimetres.
	Points Points3D

	// Voxels are the same points in voxel coordinates.
	Voxels [][3]int

	tree *kdtree.Tree
}

func emptyCenterline() *Centerline {
	return &Centerline{}
}

// NewCenterline thins the vessel mask to a one-voxel-wide skeleton and
// builds the spatial index.
func NewCenterline(vessel *volume.Mask, spacing [3]float64) *Centerline {
	skel := Skeletonize(vessel)

	c := &Centerline{}
	for i, on := range skel.Data {
		if !on {
			continue
		}
		x, y, z := skel.Coords(i)
		c.Voxels = append(c.Voxels, [3]int{x, y, z})
		c.Points = append(c.Points, Point3D{
			X: float64(x) * spacing[0],
			Y: float64(y) * spacing[1],
			Z: float64(z) * spacing[2],
		})
	}
	if len(c.Points) > 0 {
		c.tree = kdtree.New(c.Points, true)
	}
	return c
}

// CountWithinMM reports how many centerline points lie within radiusMM of a
// physical position.
func (c *Centerline) CountWithinMM(posMM [3]float64, radiusMM float64) int {
	if c.tree == nil {
		return 0
	}
	keeper := kdtree.NewDistKeeper(radiusMM * radiusMM)
	c.tree.NearestSet(keeper, Point3D{X: posMM[0], Y: posMM[1], Z: posMM[2]})
	count := 0
	for _, item := range keeper.Heap {
		if item.Comparable != nil {
			count++
		}
	}
	return count
}

// Skeletonize reduces a mask to a centerline by iterative directional
// thinning. Each pass peels simple border voxels from the six face
// directions in turn; endpoints are preserved so the skeleton keeps the
// tube's full extent. Deletion is sequential, with the simple-point test
// re-evaluated against the current mask, so connectivity is never broken.
func Skeletonize(m *volume.Mask) *volume.Mask {
	skel := m.Clone()
	dirs := [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}

	for {
		deleted := 0
		for _, dir := range dirs {
			// Border voxels exposed to this direction.
			var border []int
			for i, on := range skel.Data {
				if !on {
					continue
				}
				x, y, z := skel.Coords(i)
				nx, ny, nz := x+dir[0], y+dir[1], z+dir[2]
				if nx < 0 || nx >= skel.Width || ny < 0 || ny >= skel.Height || nz < 0 || nz >= skel.Depth {
					continue // field border is not background
				}
				if !skel.At(nx, ny, nz) {
					border = append(border, i)
				}
			}
			for _, i := range border {
				x, y, z := skel.Coords(i)
				if neighborCount(skel, x, y, z) < 2 {
					continue // endpoint
				}
				if isSimple(skel, x, y, z) {
					skel.Data[i] = false
					deleted++
				}
			}
		}
		if deleted == 0 {
			break
		}
	}
	return skel
}

func neighborCount(m *volume.Mask, x, y, z int) int {
	count := 0
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				nx, ny, nz := x+dx, y+dy, z+dz
				if nx >= 0 && nx < m.Width && ny >= 0 && ny < m.Height && nz >= 0 && nz < m.Depth && m.At(nx, ny, nz) {
					count++
				}
			}
		}
	}
	return count
}

// isSimple checks the (26,6) simple-point condition: removing the voxel must
// leave exactly one 26-connected foreground component in its neighborhood
// and exactly one 6-connected background component touching it.
func isSimple(m *volume.Mask, x, y, z int) bool {
	// Local 3x3x3 snapshot; out-of-field cells count as background.
	var local [27]bool
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny, nz := x+dx, y+dy, z+dz
				if nx >= 0 && nx < m.Width && ny >= 0 && ny < m.Height && nz >= 0 && nz < m.Depth {
					local[localIdx(dx, dy, dz)] = m.At(nx, ny, nz)
				}
			}
		}
	}
	return foregroundComponents26(local) == 1 && backgroundComponents6(local) == 1
}

func localIdx(dx, dy, dz int) int {
	return (dz+1)*9 + (dy+1)*3 + (dx + 1)
}

func localCoords(i int) (dx, dy, dz int) {
	return i%3 - 1, (i/3)%3 - 1, i/9 - 1
}

// foregroundComponents26 counts 26-connected foreground components among
// the 26 neighbors, the center excluded.
func foregroundComponents26(local [27]bool) int {
	const center = 13
	visited := [27]bool{}
	components := 0
	for seed := 0; seed < 27; seed++ {
		if seed == center || !local[seed] || visited[seed] {
			continue
		}
		components++
		stack := []int{seed}
		visited[seed] = true
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			cx, cy, cz := localCoords(cur)
			for next := 0; next < 27; next++ {
				if next == center || visited[next] || !local[next] {
					continue
				}
				nx, ny, nz := localCoords(next)
				if abs(nx-cx) <= 1 && abs(ny-cy) <= 1 && abs(nz-cz) <= 1 {
					visited[next] = true
					stack = append(stack, next)
				}
			}
		}
	}
	return components
}

// backgroundComponents6 counts 6-connected background components within the
// 18-neighborhood that are face-adjacent to the center.
func backgroundComponents6(local [27]bool) int {
	const center = 13
	inN18 := func(i int) bool {
		dx, dy, dz := localCoords(i)
		return i != center && abs(dx)+abs(dy)+abs(dz) <= 2
	}
	visited := [27]bool{}
	components := 0
	for seed := 0; seed < 27; seed++ {
		if !inN18(seed) || local[seed] || visited[seed] {
			continue
		}
		stack := []int{seed}
		visited[seed] = true
		touches := false
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			cx, cy, cz := localCoords(cur)
			if abs(cx)+abs(cy)+abs(cz) == 1 {
				touches = true
			}
			for next := 0; next < 27; next++ {
				if !inN18(next) || visited[next] || local[next] {
					continue
				}
				nx, ny, nz := localCoords(next)
				if abs(nx-cx)+abs(ny-cy)+abs(nz-cz) == 1 {
					visited[next] = true
					stack = append(stack, next)
				}
			}
		}
		if touches {
			components++
		}
	}
	return components
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
