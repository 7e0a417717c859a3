package visualization

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emboscan/internal/models"
	"emboscan/pkg/detect"
	"emboscan/pkg/volume"
)

func testVolume(t *testing.T) *volume.Volume {
	t.Helper()
	const w, h, d = 16, 16, 8
	data := make([]float64, w*h*d)
	for i := range data {
		data[i] = -200 // mid-window gray
	}
	vol, err := volume.New(data, w, h, d, [3]float64{1, 1, 1})
	require.NoError(t, err)
	return vol
}

func testResult(vol *volume.Volume) *detect.Result {
	definite := models.Region{ID: 1, Tier: models.TierDefinite}
	for x := 2; x < 5; x++ {
		definite.Voxels = append(definite.Voxels, vol.Idx(x, 3, 4))
	}
	rejected := models.Region{ID: 2, RejectedBy: detect.RejectShape,
		Voxels: []int{vol.Idx(10, 10, 4)}}
	return &detect.Result{Regions: []models.Region{definite, rejected}}
}

func TestTierSliceColorsByClass(t *testing.T) {
	vol := testVolume(t)
	vessel := volume.MaskOf(vol)
	vessel.Set(8, 8, 4, true)

	o := NewOverlay(vol, vessel, testResult(vol))
	img, err := o.TierSlice(4)
	require.NoError(t, err)

	background := img.RGBAAt(0, 0)
	assert.Equal(t, background.R, background.G)
	assert.Equal(t, background.G, background.B)

	clot := img.RGBAAt(3, 3)
	assert.Greater(t, clot.R, clot.G) // red-dominant

	pv := img.RGBAAt(8, 8)
	assert.Greater(t, pv.B, pv.R) // blue-dominant

	// Rejected regions render as plain anatomy.
	rej := img.RGBAAt(10, 10)
	assert.Equal(t, rej.R, rej.G)
}

func TestRGBVolumeMatchesTierSlices(t *testing.T) {
	vol := testVolume(t)
	vessel := volume.MaskOf(vol)
	vessel.Set(8, 8, 4, true)

	o := NewOverlay(vol, vessel, testResult(vol))
	rgb := o.RGBVolume()
	require.Len(t, rgb, 3*vol.Len())

	img, err := o.TierSlice(4)
	require.NoError(t, err)
	for _, p := range [][2]int{{0, 0}, {3, 3}, {8, 8}, {10, 10}} {
		idx := 3 * vol.Idx(p[0], p[1], 4)
		c := img.RGBAAt(p[0], p[1])
		assert.Equal(t, c.R, rgb[idx])
		assert.Equal(t, c.G, rgb[idx+1])
		assert.Equal(t, c.B, rgb[idx+2])
	}

	clot := 3 * vol.Idx(3, 3, 4)
	assert.Greater(t, rgb[clot], rgb[clot+1]) // red-dominant
}

func TestTierSliceOutOfRange(t *testing.T) {
	o := NewOverlay(testVolume(t), nil, nil)
	_, err := o.TierSlice(99)
	assert.Error(t, err)
}

func TestROISlice(t *testing.T) {
	mask := volume.NewMask(8, 8, 4)
	mask.Set(2, 2, 1, true)

	img, err := ROISlice(mask, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 255, img.GrayAt(2, 2).Y)
	assert.EqualValues(t, 0, img.GrayAt(3, 3).Y)
}

func TestGraySliceAxes(t *testing.T) {
	o := NewOverlay(testVolume(t), nil, nil)
	for _, axis := range []string{"x", "y", "z"} {
		img, err := o.GraySlice(axis, 2)
		require.NoError(t, err, axis)
		assert.NotNil(t, img)
	}
	_, err := o.GraySlice("w", 0)
	assert.Error(t, err)
}

func TestSaveOverlaySequence(t *testing.T) {
	vol := testVolume(t)
	res := testResult(vol)
	o := NewOverlay(vol, nil, res)

	findings := []models.Finding{{
		ID: 1, Centroid: [3]float64{3, 3, 4}, SliceMin: 4, SliceMax: 4,
	}}
	dir := filepath.Join(t.TempDir(), "overlays")
	require.NoError(t, o.SaveOverlaySequence(dir, findings))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3) // slices 3, 4, 5

	// No findings, no output.
	empty := filepath.Join(t.TempDir(), "none")
	require.NoError(t, o.SaveOverlaySequence(empty, nil))
	_, err = os.Stat(empty)
	assert.True(t, os.IsNotExist(err))
}

func TestPickList(t *testing.T) {
	findings := []models.Finding{
		{ID: 1, TierName: "definite", Centroid: [3]float64{5, 5, 9.6}, VolumeMM3: 1500},
		{ID: 2, TierName: "suspicious", Centroid: [3]float64{1, 1, 2}, VolumeMM3: 40},
	}
	items := PickList(findings)
	require.Len(t, items, 2)
	assert.Equal(t, 10, items[0].Slice)
	assert.InDelta(t, 1.5, items[0].VolumeCM3, 1e-9)
	assert.Contains(t, items[0].Label, "definite")
}
