package morph3d

import (
	"github.com/theodesp/unionfind"

	"emboscan/pkg/volume"
)

// Component is one 26-connected region of a labeled mask.
type Component struct {
	// Label is the compacted component id, starting at 1.
	Label int

	// Voxels holds flat indices of the member voxels.
	Voxels []int

	// Bounds is the inclusive bounding box {x0, x1, y0, y1, z0, z1}.
	Bounds [6]int
}

// Size returns the voxel count of the component.
func (c *Component) Size() int { return len(c.Voxels) }

// Label assigns a component id to every set voxel of m using 26-connectivity.
// It returns a flat field of labels (0 for background, components numbered
// from 1) and the number of components. Provisional labels from the raster
// scan are merged with a union-find and compacted.
func Label(m *volume.Mask) ([]int32, int) {
	labels := make([]int32, m.Len())
	trueCount := m.Count()
	if trueCount == 0 {
		return labels, 0
	}

	uf := unionfind.NewThreadSafeUnionFind(trueCount + 2)

	// Raster-order neighbor offsets that have already been visited.
	type offset struct{ dx, dy, dz int }
	var prev []offset
	for dz := -1; dz <= 0; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dz == 0 && (dy > 0 || (dy == 0 && dx >= 0)) {
					continue
				}
				prev = append(prev, offset{dx, dy, dz})
			}
		}
	}

	var next int32 = 1
	for z := 0; z < m.Depth; z++ {
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				idx := m.Idx(x, y, z)
				if !m.Data[idx] {
					continue
				}

				best := int32(0)
				for _, o := range prev {
					nx, ny, nz := x+o.dx, y+o.dy, z+o.dz
					if nx < 0 || nx >= m.Width || ny < 0 || ny >= m.Height || nz < 0 {
						continue
					}
					nl := labels[m.Idx(nx, ny, nz)]
					if nl == 0 {
						continue
					}
					if best == 0 {
						best = nl
						continue
					}
					if nl != best {
						// Two provisional labels meet here; join them,
						// lower label first as in the 2-D labeling pass.
						if nl < best {
							uf.Union(int(nl), int(best))
							best = nl
						} else {
							uf.Union(int(best), int(nl))
						}
					}
				}

				if best == 0 {
					best = next
					next++
				}
				labels[idx] = best
			}
		}
	}

	// Resolve each provisional label to the smallest label of its set.
	canon := make([]int32, next)
	rootMin := make(map[int]int32)
	for l := int32(1); l < next; l++ {
		if root := uf.Root(int(l)); root >= 0 {
			if cur, ok := rootMin[root]; !ok || l < cur {
				rootMin[root] = l
			}
		}
	}
	for l := int32(1); l < next; l++ {
		canon[l] = l
		if root := uf.Root(int(l)); root >= 0 {
			canon[l] = rootMin[root]
		}
	}

	// Compact to 1..n.
	compact := make(map[int32]int32)
	var count int32
	for i, l := range labels {
		if l == 0 {
			continue
		}
		c := canon[l]
		id, ok := compact[c]
		if !ok {
			count++
			id = count
			compact[c] = id
		}
		labels[i] = id
	}
	return labels, int(count)
}

// Components gathers voxel lists and bounding boxes for a labeled field.
func Components(labels []int32, count int, m *volume.Mask) []Component {
	if count == 0 {
		return nil
	}
	comps := make([]Component, count)
	for i := range comps {
		comps[i].Label = i + 1
		comps[i].Bounds = [6]int{m.Width, -1, m.Height, -1, m.Depth, -1}
	}
	for idx, l := range labels {
		if l == 0 {
			continue
		}
		c := &comps[l-1]
		c.Voxels = append(c.Voxels, idx)
		x, y, z := m.Coords(idx)
		if x < c.Bounds[0] {
			c.Bounds[0] = x
		}
		if x > c.Bounds[1] {
			c.Bounds[1] = x
		}
		if y < c.Bounds[2] {
			c.Bounds[2] = y
		}
		if y > c.Bounds[3] {
			c.Bounds[3] = y
		}
		if z < c.Bounds[4] {
			c.Bounds[4] = z
		}
		if z > c.Bounds[5] {
			c.Bounds[5] = z
		}
	}
	return comps
}

// RemoveSmall clears every 26-connected component below minVoxels and
// returns the filtered mask.
func RemoveSmall(m *volume.Mask, minVoxels int) *volume.Mask {
	if minVoxels <= 1 {
		return m.Clone()
	}
	labels, count := Label(m)
	if count == 0 {
		return m.Clone()
	}
	sizes := make([]int, count+1)
	for _, l := range labels {
		if l > 0 {
			sizes[l]++
		}
	}
	out := volume.NewMask(m.Width, m.Height, m.Depth)
	for i, l := range labels {
		if l > 0 && sizes[l] >= minVoxels {
			out.Data[i] = true
		}
	}
	return out
}
