// Package volume holds the scalar-volume and mask types shared by every
// pipeline stage. A Volume is a rank-3 Hounsfield-unit field stored flat in
// row-major order (index = z*w*h + y*w + x) together with its physical voxel
// spacing in millimeters. Rank is normalized at construction: single-slice
// inputs are upgraded to depth 1 rather than collapsing to 2-D, so index
// alignment between stages can never silently break.
package volume

import (
	"errors"
	"fmt"
)

// ErrBadSpacing reports a malformed voxel spacing. This is a caller contract
// violation and fails fast, unlike the soft-failure paths inside the pipeline.
var ErrBadSpacing = errors.New("volume: spacing must be three positive millimeter values")

// Volume is an immutable 3-D scalar field in Hounsfield units.
type Volume struct {
	// Data is the HU values in row-major order.
	Data []float64

	// Width, Height and Depth are the voxel dimensions.
	Width, Height, Depth int

	// Spacing is the physical voxel size in mm along x, y, z.
	Spacing [3]float64
}

// New builds a Volume and normalizes its rank. A depth of 0 is upgraded to 1
// so a single-slice acquisition still yields a rank-3 field. The data length
// must match the final dimensions.
func New(data []float64, width, height, depth int, spacing [3]float64) (*Volume, error) {
	if depth <= 0 {
		depth = 1
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("volume: non-positive dimensions %dx%dx%d", width, height, depth)
	}
	if err := CheckSpacing(spacing); err != nil {
		return nil, err
	}
	if len(data) != width*height*depth {
		return nil, fmt.Errorf("volume: data length %d does not match %dx%dx%d",
			len(data), width, height, depth)
	}
	return &Volume{
		Data:    data,
		Width:   width,
		Height:  height,
		Depth:   depth,
		Spacing: spacing,
	}, nil
}

// CheckSpacing validates a voxel spacing triple.
func CheckSpacing(spacing [3]float64) error {
	for _, s := range spacing {
		if s <= 0 {
			return fmt.Errorf("%w: got %v", ErrBadSpacing, spacing)
		}
	}
	return nil
}

// Idx converts voxel coordinates to the flat index.
func (v *Volume) Idx(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// Coords converts a flat index back to voxel coordinates.
func (v *Volume) Coords(idx int) (x, y, z int) {
	plane := v.Width * v.Height
	z = idx / plane
	rem := idx % plane
	y = rem / v.Width
	x = rem % v.Width
	return x, y, z
}

// At returns the HU value at the given voxel.
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Idx(x, y, z)]
}

// Set writes a voxel value. Only pipeline-internal working copies are
// mutated; input volumes are treated as immutable by convention.
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Idx(x, y, z)] = value
}

// Len returns the total voxel count.
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// VoxelVolumeMM3 returns the physical volume of one voxel in cubic mm.
func (v *Volume) VoxelVolumeMM3() float64 {
	return v.Spacing[0] * v.Spacing[1] * v.Spacing[2]
}

// Clone returns a deep copy with the same dimensions and spacing.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	out := *v
	out.Data = data
	return &out
}

// CropBounds records an applied z crop so it can be reversed exactly.
type CropBounds struct {
	// Start and End are the inclusive-exclusive slice range that was kept.
	Start, End int

	// OriginalDepth is the depth before cropping.
	OriginalDepth int
}

// CropZ returns a working copy restricted to slices [z0, z1) along with the
// bounds needed to restore the original shape. Out-of-range bounds are
// clamped; a degenerate range keeps a single slice so the result stays
// rank 3.
func (v *Volume) CropZ(z0, z1 int) (*Volume, CropBounds) {
	if z0 < 0 {
		z0 = 0
	}
	if z1 > v.Depth {
		z1 = v.Depth
	}
	if z1 <= z0 {
		z1 = z0 + 1
		if z1 > v.Depth {
			z0, z1 = v.Depth-1, v.Depth
		}
	}
	plane := v.Width * v.Height
	data := make([]float64, (z1-z0)*plane)
	copy(data, v.Data[z0*plane:z1*plane])
	cropped := &Volume{
		Data:    data,
		Width:   v.Width,
		Height:  v.Height,
		Depth:   z1 - z0,
		Spacing: v.Spacing,
	}
	return cropped, CropBounds{Start: z0, End: z1, OriginalDepth: v.Depth}
}

// Restore reverses a z crop, placing the cropped slices back at their
// original position and filling the removed slices with fill. The result has
// exactly the pre-crop shape.
func Restore(cropped *Volume, bounds CropBounds, fill float64) *Volume {
	plane := cropped.Width * cropped.Height
	data := make([]float64, bounds.OriginalDepth*plane)
	if fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	copy(data[bounds.Start*plane:bounds.End*plane], cropped.Data)
	return &Volume{
		Data:    data,
		Width:   cropped.Width,
		Height:  cropped.Height,
		Depth:   bounds.OriginalDepth,
		Spacing: cropped.Spacing,
	}
}
