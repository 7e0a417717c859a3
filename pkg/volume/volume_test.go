package volume

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUpgradesRank(t *testing.T) {
	// A single-slice acquisition arrives with depth 0; it must come back
	// rank 3 with depth 1 instead of collapsing.
	data := make([]float64, 4*3)
	v, err := New(data, 4, 3, 0, [3]float64{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Depth)
	assert.Equal(t, 12, v.Len())
}

func TestNewRejectsBadSpacing(t *testing.T) {
	data := make([]float64, 8)
	_, err := New(data, 2, 2, 2, [3]float64{1, 0, 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadSpacing)

	_, err = New(data, 2, 2, 2, [3]float64{1, 1, -0.5})
	assert.ErrorIs(t, err, ErrBadSpacing)
}

func TestNewRejectsLengthMismatch(t *testing.T) {
	_, err := New(make([]float64, 7), 2, 2, 2, [3]float64{1, 1, 1})
	require.Error(t, err)
}

func TestIdxCoordsRoundTrip(t *testing.T) {
	v, err := New(make([]float64, 5*4*3), 5, 4, 3, [3]float64{1, 1, 2})
	require.NoError(t, err)

	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				gx, gy, gz := v.Coords(v.Idx(x, y, z))
				require.Equal(t, [3]int{x, y, z}, [3]int{gx, gy, gz})
			}
		}
	}
}

func TestCropRestoreRoundTrip(t *testing.T) {
	// Crop bounds applied to, then reversed from, a working volume must
	// restore the original shape exactly.
	const w, h, d = 6, 5, 10
	data := make([]float64, w*h*d)
	for i := range data {
		data[i] = float64(i)
	}
	v, err := New(data, w, h, d, [3]float64{0.7, 0.7, 1.25})
	require.NoError(t, err)

	cropped, bounds := v.CropZ(3, 8)
	assert.Equal(t, 5, cropped.Depth)
	assert.Equal(t, 3, bounds.Start)
	assert.Equal(t, 8, bounds.End)
	assert.Equal(t, d, bounds.OriginalDepth)

	restored := Restore(cropped, bounds, 0)
	assert.Equal(t, v.Depth, restored.Depth)
	for z := bounds.Start; z < bounds.End; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				assert.Equal(t, v.At(x, y, z), restored.At(x, y, z))
			}
		}
	}
	// Removed slices are fill-valued.
	assert.Equal(t, 0.0, restored.At(0, 0, 0))
	assert.Equal(t, 0.0, restored.At(0, 0, d-1))
}

func TestCropZClampsDegenerateRange(t *testing.T) {
	v, err := New(make([]float64, 2*2*4), 2, 2, 4, [3]float64{1, 1, 1})
	require.NoError(t, err)

	cropped, bounds := v.CropZ(3, 3)
	assert.Equal(t, 1, cropped.Depth, "degenerate crop keeps one slice to stay rank 3")
	assert.Equal(t, bounds.End-bounds.Start, cropped.Depth)
}

func TestMaskOps(t *testing.T) {
	a := NewMask(3, 3, 2)
	b := NewMask(3, 3, 2)
	a.Set(1, 1, 0, true)
	a.Set(2, 2, 1, true)
	b.Set(1, 1, 0, true)

	assert.True(t, a.Overlaps(b))
	assert.Equal(t, 2, a.Count())

	c := a.Clone().And(b)
	assert.Equal(t, 1, c.Count())

	d := a.Clone().Subtract(b)
	assert.Equal(t, 1, d.Count())
	assert.False(t, d.At(1, 1, 0))
	assert.True(t, d.At(2, 2, 1))
}

func writeRawHU(t *testing.T, path string, values []int16) {
	t.Helper()
	buf := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	require.NoError(t, os.WriteFile(path, buf, 0644))
}

func TestOpenRawResidentAndMapped(t *testing.T) {
	const w, h, d = 4, 3, 5
	values := make([]int16, w*h*d)
	for i := range values {
		values[i] = int16(i - 1000)
	}
	path := filepath.Join(t.TempDir(), "vol.raw")
	writeRawHU(t, path, values)

	spacing := [3]float64{0.8, 0.8, 1.0}

	// Resident path (threshold above slice count).
	resident, err := OpenRaw(path, w, h, d, spacing, 64)
	require.NoError(t, err)

	// Mapped path (threshold below slice count).
	mapped, err := OpenRaw(path, w, h, d, spacing, 2)
	require.NoError(t, err)

	require.Equal(t, resident.Len(), mapped.Len())
	for i := range resident.Data {
		assert.Equal(t, float64(values[i]), resident.Data[i])
		assert.Equal(t, resident.Data[i], mapped.Data[i])
	}
}

func TestOpenRawSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.raw")
	writeRawHU(t, path, make([]int16, 10))

	_, err := OpenRaw(path, 4, 4, 4, [3]float64{1, 1, 1}, 64)
	require.Error(t, err)
}
