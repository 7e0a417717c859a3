package severity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emboscan/internal/models"
	"emboscan/pkg/config"
	"emboscan/pkg/detect"
	"emboscan/pkg/volume"
)

func newVolume(t *testing.T, w, h, d int) *volume.Volume {
	t.Helper()
	vol, err := volume.New(make([]float64, w*h*d), w, h, d, [3]float64{1, 1, 1})
	require.NoError(t, err)
	return vol
}

// blockRegion builds a surviving region covering the given box.
func blockRegion(vol *volume.Volume, id, x0, x1, y0, y1, z0, z1 int) models.Region {
	r := models.Region{ID: id}
	for z := z0; z < z1; z++ {
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				r.Voxels = append(r.Voxels, vol.Idx(x, y, z))
			}
		}
	}
	r.VolumeMM3 = float64(len(r.Voxels)) * vol.VoxelVolumeMM3()
	return r
}

func vesselBox(vol *volume.Volume, x0, x1, y0, y1, z0, z1 int) *volume.Mask {
	m := volume.MaskOf(vol)
	for z := z0; z < z1; z++ {
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				m.Set(x, y, z, true)
			}
		}
	}
	return m
}

func TestSummarizeVolumesAndObstruction(t *testing.T) {
	vol := newVolume(t, 40, 40, 40)
	vessel := vesselBox(vol, 0, 40, 10, 30, 10, 30) // 32000 voxels

	// Clot entirely within the left territory (x < 15).
	region := blockRegion(vol, 1, 2, 12, 12, 22, 12, 22)
	det := &detect.Result{Regions: []models.Region{region}}

	q := NewQuantifier(config.DefaultConfig().Severity, nil)
	sum := q.Summarize(vol, vessel, det, make([]float64, vol.Len()), nil)

	assert.InDelta(t, 1.0, sum.TotalClotVolumeCM3, 1e-9) // 1000 voxels at 1 mm3
	assert.Greater(t, sum.Obstruction.LeftPct, 0.0)
	assert.Zero(t, sum.Obstruction.RightPct)
	assert.Greater(t, sum.QanadliScore, 0.0)
	assert.LessOrEqual(t, sum.QanadliScore, 40.0)
	assert.Greater(t, sum.UncertaintyCM3, 0.0)
}

func TestSummarizeRejectedRegionsExcluded(t *testing.T) {
	vol := newVolume(t, 20, 20, 20)
	vessel := vesselBox(vol, 0, 20, 0, 20, 0, 20)

	rejected := blockRegion(vol, 1, 5, 10, 5, 10, 5, 10)
	rejected.RejectedBy = detect.RejectShape
	det := &detect.Result{Regions: []models.Region{rejected}}

	q := NewQuantifier(config.DefaultConfig().Severity, nil)
	sum := q.Summarize(vol, vessel, det, make([]float64, vol.Len()), nil)

	assert.Zero(t, sum.TotalClotVolumeCM3)
	assert.Empty(t, sum.LysisTargets)
}

func TestSummarizeEmptyVesselMaskWarns(t *testing.T) {
	vol := newVolume(t, 10, 10, 10)
	det := &detect.Result{}

	q := NewQuantifier(config.DefaultConfig().Severity, nil)
	sum := q.Summarize(vol, volume.MaskOf(vol), det, make([]float64, vol.Len()), []string{"upstream"})

	assert.Contains(t, sum.Warnings, "upstream")
	require.Len(t, sum.Warnings, 2)
	assert.Zero(t, sum.Obstruction.MainPct)
}

func TestMeanPAPPiecewise(t *testing.T) {
	cfg := config.DefaultConfig().Severity
	q := NewQuantifier(cfg, nil)

	assert.InDelta(t, cfg.MPAPBasemmHg, q.meanPAP(0), 1e-9)

	atBreak := q.meanPAP(cfg.MPAPBreakpointPct)
	// The slope steepens past the breakpoint.
	lowStep := q.meanPAP(cfg.MPAPBreakpointPct) - q.meanPAP(cfg.MPAPBreakpointPct-10)
	highStep := q.meanPAP(cfg.MPAPBreakpointPct+10) - atBreak
	assert.Greater(t, highStep, lowStep)

	// Monotone in obstruction.
	assert.Greater(t, q.meanPAP(80), q.meanPAP(40))
}

func TestRVImpactBounds(t *testing.T) {
	q := NewQuantifier(config.DefaultConfig().Severity, nil)
	assert.Zero(t, q.rvImpact(0))
	assert.InDelta(t, 1.0, q.rvImpact(100), 1e-9)
	mid := q.rvImpact(50)
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 1.0)
}

func TestVirtualLysisRanksByVolumeTimesGain(t *testing.T) {
	vol := newVolume(t, 30, 30, 30)

	big := blockRegion(vol, 1, 2, 8, 2, 8, 2, 8)    // 216 voxels
	small := blockRegion(vol, 2, 20, 23, 20, 23, 20, 23) // 27 voxels
	det := &detect.Result{Regions: []models.Region{small, big}}

	// Coherence zero everywhere: both shells predict full gain, so volume
	// alone decides the ranking.
	q := NewQuantifier(config.DefaultConfig().Severity, nil)
	targets := q.virtualLysis(vol, det, make([]float64, vol.Len()))

	require.Len(t, targets, 2)
	assert.Equal(t, 1, targets[0].FindingID)
	assert.Greater(t, targets[0].Priority, targets[1].Priority)

	// A laminar (high-coherence) neighborhood demotes the gain.
	coher := make([]float64, vol.Len())
	for i := range coher {
		coher[i] = 0.9
	}
	targets = q.virtualLysis(vol, det, coher)
	for _, tg := range targets {
		assert.InDelta(t, 0.1, tg.CoherenceGain, 1e-9)
	}
}
