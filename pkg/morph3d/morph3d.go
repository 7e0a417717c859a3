// Package morph3d implements the binary 3-D morphology the pipeline stages
// share: box dilation and erosion, closing, hole filling, a chamfer distance
// transform in physical millimeters, and connected-component labeling.
//
// Structuring elements are separable boxes, so an operation with radii
// (rx, ry, rz) costs one pass per axis instead of a full kernel sweep.
// Physical-radius variants convert a millimeter radius to per-axis voxel
// radii from the volume spacing, which keeps the effective physical extent
// constant across acquisition resolutions.
package morph3d

import (
	"math"

	"emboscan/pkg/volume"
)

// PhysicalRadii converts a millimeter radius into per-axis voxel radii.
// A positive radius never collapses to zero voxels.
func PhysicalRadii(mm float64, spacing [3]float64) (rx, ry, rz int) {
	conv := func(s float64) int {
		if mm <= 0 {
			return 0
		}
		r := int(math.Round(mm / s))
		if r < 1 {
			r = 1
		}
		return r
	}
	return conv(spacing[0]), conv(spacing[1]), conv(spacing[2])
}

// dilateAxis runs a max filter of the given radius along one axis.
func dilateAxis(m *volume.Mask, radius int, axis int) *volume.Mask {
	if radius <= 0 {
		return m.Clone()
	}
	out := volume.NewMask(m.Width, m.Height, m.Depth)
	var step, length int
	switch axis {
	case 0:
		step, length = 1, m.Width
	case 1:
		step, length = m.Width, m.Height
	default:
		step, length = m.Width*m.Height, m.Depth
	}
	for i := range m.Data {
		if !m.Data[i] {
			continue
		}
		x, y, z := m.Coords(i)
		var pos int
		switch axis {
		case 0:
			pos = x
		case 1:
			pos = y
		default:
			pos = z
		}
		lo := pos - radius
		if lo < 0 {
			lo = 0
		}
		hi := pos + radius
		if hi > length-1 {
			hi = length - 1
		}
		base := i - pos*step
		for p := lo; p <= hi; p++ {
			out.Data[base+p*step] = true
		}
	}
	return out
}

// Dilate grows the mask by a box of the given per-axis radii.
func Dilate(m *volume.Mask, rx, ry, rz int) *volume.Mask {
	out := dilateAxis(m, rx, 0)
	out = dilateAxis(out, ry, 1)
	out = dilateAxis(out, rz, 2)
	return out
}

// DilatePhysical grows the mask by a physical millimeter radius.
func DilatePhysical(m *volume.Mask, mm float64, spacing [3]float64) *volume.Mask {
	rx, ry, rz := PhysicalRadii(mm, spacing)
	return Dilate(m, rx, ry, rz)
}

// Erode shrinks the mask by a box of the given per-axis radii. Implemented
// as dilation of the complement, so the boundary of the field acts as
// background.
func Erode(m *volume.Mask, rx, ry, rz int) *volume.Mask {
	inv := volume.NewMask(m.Width, m.Height, m.Depth)
	for i, b := range m.Data {
		inv.Data[i] = !b
	}
	grown := Dilate(inv, rx, ry, rz)
	out := volume.NewMask(m.Width, m.Height, m.Depth)
	for i, b := range grown.Data {
		out.Data[i] = !b
	}
	return out
}

// Close fills gaps narrower than the radii: dilation followed by erosion.
func Close(m *volume.Mask, rx, ry, rz int) *volume.Mask {
	return Erode(Dilate(m, rx, ry, rz), rx, ry, rz)
}

// Open removes protrusions narrower than the radii: erosion then dilation.
func Open(m *volume.Mask, rx, ry, rz int) *volume.Mask {
	return Dilate(Erode(m, rx, ry, rz), rx, ry, rz)
}

// FillHoles sets every background voxel not reachable from the field border
// through 6-connected background steps. Cavities fully enclosed by the mask
// become part of it.
func FillHoles(m *volume.Mask) *volume.Mask {
	reached := volume.NewMask(m.Width, m.Height, m.Depth)
	queue := make([]int, 0, m.Len()/8)

	push := func(x, y, z int) {
		idx := m.Idx(x, y, z)
		if !m.Data[idx] && !reached.Data[idx] {
			reached.Data[idx] = true
			queue = append(queue, idx)
		}
	}

	// Seed from all six faces.
	for z := 0; z < m.Depth; z++ {
		for y := 0; y < m.Height; y++ {
			push(0, y, z)
			push(m.Width-1, y, z)
		}
		for x := 0; x < m.Width; x++ {
			push(x, 0, z)
			push(x, m.Height-1, z)
		}
	}
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			push(x, y, 0)
			push(x, y, m.Depth-1)
		}
	}

	for len(queue) > 0 {
		idx := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		x, y, z := m.Coords(idx)
		if x > 0 {
			push(x-1, y, z)
		}
		if x < m.Width-1 {
			push(x+1, y, z)
		}
		if y > 0 {
			push(x, y-1, z)
		}
		if y < m.Height-1 {
			push(x, y+1, z)
		}
		if z > 0 {
			push(x, y, z-1)
		}
		if z < m.Depth-1 {
			push(x, y, z+1)
		}
	}

	out := volume.NewMask(m.Width, m.Height, m.Depth)
	for i := range out.Data {
		out.Data[i] = m.Data[i] || !reached.Data[i]
	}
	return out
}

// FillHolesSlicewise fills enclosed background independently per axial
// slice. Unlike FillHoles, a cavity that reaches another slice's border
// through the z axis still counts as a hole; this is the right fill for the
// body silhouette, where the airways connect the lung interior to outside
// air in 3-D but every axial cross-section is closed.
func FillHolesSlicewise(m *volume.Mask) *volume.Mask {
	out := volume.NewMask(m.Width, m.Height, m.Depth)
	plane := m.Width * m.Height
	reached := make([]bool, plane)
	queue := make([]int, 0, plane/8)

	for z := 0; z < m.Depth; z++ {
		for i := range reached {
			reached[i] = false
		}
		queue = queue[:0]
		base := z * plane

		push := func(x, y int) {
			i := y*m.Width + x
			if !m.Data[base+i] && !reached[i] {
				reached[i] = true
				queue = append(queue, i)
			}
		}
		for y := 0; y < m.Height; y++ {
			push(0, y)
			push(m.Width-1, y)
		}
		for x := 0; x < m.Width; x++ {
			push(x, 0)
			push(x, m.Height-1)
		}
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			x, y := i%m.Width, i/m.Width
			if x > 0 {
				push(x-1, y)
			}
			if x < m.Width-1 {
				push(x+1, y)
			}
			if y > 0 {
				push(x, y-1)
			}
			if y < m.Height-1 {
				push(x, y+1)
			}
		}
		for i := 0; i < plane; i++ {
			out.Data[base+i] = m.Data[base+i] || !reached[i]
		}
	}
	return out
}

// DistanceToMM returns, per voxel, the approximate physical distance in mm
// to the nearest set voxel of m, using a two-pass 26-neighbor chamfer with
// spacing-weighted steps. Voxels inside m get distance 0. When m is empty
// every distance is +Inf.
func DistanceToMM(m *volume.Mask, spacing [3]float64) []float64 {
	dist := make([]float64, m.Len())
	for i, b := range m.Data {
		if b {
			dist[i] = 0
		} else {
			dist[i] = math.Inf(1)
		}
	}

	type offset struct {
		dx, dy, dz int
		w          float64
	}
	var forward []offset
	for dz := -1; dz <= 0; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dz == 0 && (dy > 0 || (dy == 0 && dx >= 0)) {
					continue
				}
				w := math.Sqrt(sq(float64(dx)*spacing[0]) +
					sq(float64(dy)*spacing[1]) + sq(float64(dz)*spacing[2]))
				forward = append(forward, offset{dx, dy, dz, w})
			}
		}
	}

	relax := func(x, y, z int, offs []offset, sign int) {
		idx := m.Idx(x, y, z)
		best := dist[idx]
		for _, o := range offs {
			nx, ny, nz := x+sign*o.dx, y+sign*o.dy, z+sign*o.dz
			if nx < 0 || nx >= m.Width || ny < 0 || ny >= m.Height || nz < 0 || nz >= m.Depth {
				continue
			}
			if d := dist[m.Idx(nx, ny, nz)] + o.w; d < best {
				best = d
			}
		}
		dist[idx] = best
	}

	for z := 0; z < m.Depth; z++ {
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				relax(x, y, z, forward, 1)
			}
		}
	}
	for z := m.Depth - 1; z >= 0; z-- {
		for y := m.Height - 1; y >= 0; y-- {
			for x := m.Width - 1; x >= 0; x-- {
				relax(x, y, z, forward, -1)
			}
		}
	}
	return dist
}

func sq(v float64) float64 { return v * v }
