package volume

// Mask is a boolean field with the same shape and indexing as a Volume.
type Mask struct {
	Data                 []bool
	Width, Height, Depth int
}

// NewMask returns an all-false mask of the given dimensions. A depth of 0 is
// upgraded to 1, matching the rank normalization of Volume.
func NewMask(width, height, depth int) *Mask {
	if depth <= 0 {
		depth = 1
	}
	return &Mask{
		Data:   make([]bool, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// MaskOf returns an all-false mask shaped like v.
func MaskOf(v *Volume) *Mask {
	return NewMask(v.Width, v.Height, v.Depth)
}

// Idx converts voxel coordinates to the flat index.
func (m *Mask) Idx(x, y, z int) int {
	return z*m.Width*m.Height + y*m.Width + x
}

// Coords converts a flat index back to voxel coordinates.
func (m *Mask) Coords(idx int) (x, y, z int) {
	plane := m.Width * m.Height
	z = idx / plane
	rem := idx % plane
	y = rem / m.Width
	x = rem % m.Width
	return x, y, z
}

// At reports whether the voxel is set.
func (m *Mask) At(x, y, z int) bool {
	return m.Data[m.Idx(x, y, z)]
}

// Set marks or clears a voxel.
func (m *Mask) Set(x, y, z int, value bool) {
	m.Data[m.Idx(x, y, z)] = value
}

// Len returns the total voxel count.
func (m *Mask) Len() int {
	return m.Width * m.Height * m.Depth
}

// Count returns the number of set voxels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Data {
		if b {
			n++
		}
	}
	return n
}

// Empty reports whether no voxel is set.
func (m *Mask) Empty() bool {
	for _, b := range m.Data {
		if b {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	data := make([]bool, len(m.Data))
	copy(data, m.Data)
	out := *m
	out.Data = data
	return &out
}

// SameShape reports whether two masks have identical dimensions.
func (m *Mask) SameShape(o *Mask) bool {
	return m.Width == o.Width && m.Height == o.Height && m.Depth == o.Depth
}

// And intersects m with o in place and returns m.
func (m *Mask) And(o *Mask) *Mask {
	for i, b := range o.Data {
		m.Data[i] = m.Data[i] && b
	}
	return m
}

// Subtract clears every voxel of m that is set in o and returns m.
func (m *Mask) Subtract(o *Mask) *Mask {
	for i, b := range o.Data {
		if b {
			m.Data[i] = false
		}
	}
	return m
}

// Or unions o into m in place and returns m.
func (m *Mask) Or(o *Mask) *Mask {
	for i, b := range o.Data {
		m.Data[i] = m.Data[i] || b
	}
	return m
}

// Overlaps reports whether any voxel is set in both masks.
func (m *Mask) Overlaps(o *Mask) bool {
	for i, b := range m.Data {
		if b && o.Data[i] {
			return true
		}
	}
	return false
}
