package detect

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emboscan/internal/models"
	"emboscan/pkg/config"
	"emboscan/pkg/features"
	"emboscan/pkg/morph3d"
	"emboscan/pkg/volume"
)

func newVolume(t *testing.T, w, h, d int, fill float64) *volume.Volume {
	t.Helper()
	data := make([]float64, w*h*d)
	for i := range data {
		data[i] = fill
	}
	vol, err := volume.New(data, w, h, d, [3]float64{1, 1, 1})
	require.NoError(t, err)
	return vol
}

func fullMask(vol *volume.Volume) *volume.Mask {
	m := volume.MaskOf(vol)
	for i := range m.Data {
		m.Data[i] = true
	}
	return m
}

// neutralMaps returns all-zero feature fields: anisotropy and coherence
// both read as fully disrupted, kurtosis and vesselness contribute nothing.
func neutralMaps(n int) *features.Maps {
	return &features.Maps{
		Kurtosis:   make([]float64, n),
		Anisotropy: make([]float64, n),
		Coherence:  make([]float64, n),
		Vesselness: make([]float64, n),
	}
}

func paintSphere(vol *volume.Volume, cx, cy, cz int, radius, hu float64) {
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				dx, dy, dz := float64(x-cx), float64(y-cy), float64(z-cz)
				if math.Sqrt(dx*dx+dy*dy+dz*dz) <= radius {
					vol.Set(x, y, z, hu)
				}
			}
		}
	}
}

func TestScoreContrastInhibitor(t *testing.T) {
	vol := newVolume(t, 12, 12, 12, 50) // in thrombus band
	// A patent, contrast-filled patch; flat enough that the artifact
	// sensors stay quiet inside it.
	for z := 4; z < 7; z++ {
		for y := 4; y < 7; y++ {
			for x := 4; x < 7; x++ {
				vol.Set(x, y, z, 400)
			}
		}
	}
	mask := fullMask(vol)
	maps := neutralMaps(vol.Len())

	d := NewDetector(config.DefaultConfig().Detect, nil)

	score, _ := d.scoreField(vol, mask, maps, true)
	assert.Zero(t, score[vol.Idx(5, 5, 5)])
	assert.Greater(t, score[vol.Idx(2, 2, 2)], 0.0)

	// In non-contrast mode the inhibitor is disabled, but 400 HU is also
	// outside the narrow band, so only the indicator terms remain.
	score, _ = d.scoreField(vol, mask, maps, false)
	assert.Greater(t, score[vol.Idx(5, 5, 5)], 0.0)
}

func TestScoreArtifactFilter(t *testing.T) {
	vol := newVolume(t, 11, 11, 11, 50)
	vol.Set(5, 5, 5, 3000) // metal-like spike
	mask := fullMask(vol)
	maps := neutralMaps(vol.Len())

	d := NewDetector(config.DefaultConfig().Detect, nil)
	score, _ := d.scoreField(vol, mask, maps, true)

	assert.Zero(t, score[vol.Idx(5, 5, 5)])
	assert.Zero(t, score[vol.Idx(5, 5, 6)]) // curvature spills to neighbors
	assert.Greater(t, score[vol.Idx(1, 1, 1)], 0.0)
}

func TestRunDetectsDarkSphere(t *testing.T) {
	vol := newVolume(t, 40, 40, 40, 300)
	paintSphere(vol, 20, 20, 20, 4, 50)
	mask := fullMask(vol)
	maps := neutralMaps(vol.Len())

	d := NewDetector(config.DefaultConfig().Detect, nil)
	res := d.Run(vol, mask, nil, maps, true)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.InDelta(t, 20, f.Centroid[0], 1)
	assert.InDelta(t, 20, f.Centroid[1], 1)
	assert.InDelta(t, 20, f.Centroid[2], 1)
	// Bridge closing may annex a few surrounding patent voxels.
	assert.InDelta(t, 50, f.MeanHU, 20)
	assert.Greater(t, f.VolumeMM3, 30.0)
}

func TestRunHomogeneousVolumeHasNoFindings(t *testing.T) {
	vol := newVolume(t, 20, 20, 20, 300)
	d := NewDetector(config.DefaultConfig().Detect, nil)
	res := d.Run(vol, fullMask(vol), nil, neutralMaps(vol.Len()), true)
	assert.Empty(t, res.Findings)
}

func TestRunRejectsRibLikeCluster(t *testing.T) {
	vol := newVolume(t, 40, 40, 20, 300)
	// Long, one-voxel-thin in-band line: passes intensity and volume
	// gates but projects to a maximally eccentric shape.
	for x := 5; x < 35; x++ {
		vol.Set(x, 20, 10, 60)
	}
	d := NewDetector(config.DefaultConfig().Detect, nil)
	res := d.Run(vol, fullMask(vol), nil, neutralMaps(vol.Len()), true)

	assert.Empty(t, res.Findings)
	require.Len(t, res.Regions, 1)
	assert.Equal(t, RejectShape, res.Regions[0].RejectedBy)
}

func TestRunAnnexesClotInterior(t *testing.T) {
	vol := newVolume(t, 40, 40, 40, 300)
	paintSphere(vol, 20, 20, 20, 8, 50)
	mask := fullMask(vol)
	maps := neutralMaps(vol.Len())
	// Rim gradients smoothed into the structure tensor make the clot's
	// mid-depth read as oriented laminar flow, dropping those voxels
	// below the suspicious threshold while core and rim still seed.
	for i := range maps.Anisotropy {
		x, y, z := vol.Coords(i)
		dx, dy, dz := float64(x-20), float64(y-20), float64(z-20)
		r := math.Sqrt(dx*dx + dy*dy + dz*dz)
		if r >= 4 && r <= 7 {
			maps.Anisotropy[i] = 0.95
			maps.Coherence[i] = 0.95
		}
	}

	d := NewDetector(config.DefaultConfig().Detect, nil)
	res := d.Run(vol, mask, nil, maps, true)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.InDelta(t, 50, f.MeanHU, 5)
	assert.InDelta(t, 20, f.Centroid[0], 0.5)
	assert.InDelta(t, 20, f.Centroid[2], 0.5)
	// The whole sphere, not just the seed shells.
	assert.Greater(t, f.VolumeMM3, 1900.0)
}

func TestAirwayWallRequiresLumen(t *testing.T) {
	d := NewDetector(config.DefaultConfig().Detect, nil)
	vol := newVolume(t, 30, 30, 30, 300)
	maps := neutralMaps(vol.Len())

	var voxels []int
	for z := 12; z < 16; z++ {
		for y := 12; y < 16; y++ {
			for x := 12; x < 16; x++ {
				vol.Set(x, y, z, 50)
				voxels = append(voxels, vol.Idx(x, y, z))
			}
		}
	}
	region := regionWithVoxels(vol, voxels)
	// Even with both wall statistics past their cutoffs, a region wrapped
	// in blood is no airway.
	region.MeanAnisotropy = 0.9
	region.Periodicity = 0.8
	assert.Empty(t, d.reject(&region, vol, nil, maps))

	// Carve an air lumen along one face and the same statistics do read
	// as an airway wall.
	for z := 12; z < 16; z++ {
		for y := 12; y < 16; y++ {
			vol.Set(11, y, z, -900)
		}
	}
	region = regionWithVoxels(vol, voxels)
	region.MeanAnisotropy = 0.9
	region.Periodicity = 0.8
	assert.Equal(t, RejectAirway, d.reject(&region, vol, nil, maps))
}

func TestRejectChainOrder(t *testing.T) {
	cfg := config.DefaultConfig().Detect
	d := NewDetector(cfg, nil)
	vol := newVolume(t, 30, 30, 30, 300)
	maps := neutralMaps(vol.Len())

	tiny := regionWithVoxels(vol, []int{vol.Idx(10, 10, 10)})
	assert.Equal(t, RejectVolume, d.reject(&tiny, vol, nil, maps))

	// Air-density region above the volume gate.
	var airVoxels []int
	for z := 10; z < 14; z++ {
		for y := 10; y < 14; y++ {
			for x := 10; x < 14; x++ {
				vol.Set(x, y, z, -800)
				airVoxels = append(airVoxels, vol.Idx(x, y, z))
			}
		}
	}
	air := regionWithVoxels(vol, airVoxels)
	assert.Equal(t, RejectAirway, d.reject(&air, vol, nil, maps))
}

func TestRejectBoneAdjacency(t *testing.T) {
	cfg := config.DefaultConfig().Detect
	d := NewDetector(cfg, nil)
	vol := newVolume(t, 20, 20, 20, 60)
	maps := neutralMaps(vol.Len())

	// Thin 2x4x4 region hugging a bone plate at x=7: half its voxels are
	// face-adjacent to bone.
	var voxels []int
	bone := volume.MaskOf(vol)
	for z := 5; z < 9; z++ {
		for y := 5; y < 9; y++ {
			for x := 5; x < 7; x++ {
				voxels = append(voxels, vol.Idx(x, y, z))
			}
			bone.Set(7, y, z, true)
		}
	}
	region := regionWithVoxels(vol, voxels)
	assert.Equal(t, RejectBoneEdge, d.reject(&region, vol, bone, maps))
	assert.Empty(t, d.reject(&region, vol, nil, maps))
}

func TestRejectPositionGuard(t *testing.T) {
	cfg := config.DefaultConfig().Detect
	d := NewDetector(cfg, nil)
	vol := newVolume(t, 30, 30, 30, 60)

	// Empty centerline: nothing vascular anywhere near the apex region.
	vessel := volume.NewMask(30, 30, 30)
	vessel.Set(15, 15, 29, true)
	maps := neutralMaps(vol.Len())
	maps.Centerline = features.NewCenterline(vessel, vol.Spacing)

	var voxels []int
	for z := 0; z < 4; z++ {
		for y := 5; y < 9; y++ {
			for x := 5; x < 9; x++ {
				voxels = append(voxels, vol.Idx(x, y, z))
			}
		}
	}
	region := regionWithVoxels(vol, voxels)
	assert.Equal(t, RejectPosition, d.reject(&region, vol, nil, maps))

	disabled := cfg
	disabled.PositionGuardEnabled = false
	d2 := NewDetector(disabled, nil)
	assert.Empty(t, d2.reject(&region, vol, nil, maps))
}

func TestPeriodicityRingedProfile(t *testing.T) {
	vol := newVolume(t, 64, 64, 5, 0)
	// 4 mm intensity oscillation along x through the centroid slice.
	for z := 0; z < 5; z++ {
		for y := 0; y < 64; y++ {
			for x := 0; x < 64; x++ {
				vol.Set(x, y, z, 200*math.Sin(2*math.Pi*float64(x)/4))
			}
		}
	}
	ringed := periodicityScore(vol, [3]float64{32, 32, 2})

	flat := newVolume(t, 64, 64, 5, 100)
	smooth := periodicityScore(flat, [3]float64{32, 32, 2})

	assert.Greater(t, ringed, 0.9)
	assert.Less(t, smooth, 0.05)
}

// regionWithVoxels builds a Region the way Run's describe step would,
// computing the descriptors the rejection chain reads.
func regionWithVoxels(vol *volume.Volume, voxels []int) (r models.Region) {
	var sumHU float64
	var cx, cy, cz float64
	bounds := [6]int{vol.Width, -1, vol.Height, -1, vol.Depth, -1}
	for _, idx := range voxels {
		sumHU += vol.Data[idx]
		x, y, z := vol.Coords(idx)
		cx += float64(x)
		cy += float64(y)
		cz += float64(z)
		if x < bounds[0] {
			bounds[0] = x
		}
		if x > bounds[1] {
			bounds[1] = x
		}
		if y < bounds[2] {
			bounds[2] = y
		}
		if y > bounds[3] {
			bounds[3] = y
		}
		if z < bounds[4] {
			bounds[4] = z
		}
		if z > bounds[5] {
			bounds[5] = z
		}
	}
	n := float64(len(voxels))
	r.Voxels = voxels
	r.Bounds = bounds
	r.VolumeMM3 = n * vol.VoxelVolumeMM3()
	r.MeanHU = sumHU / n
	r.Centroid = [3]float64{cx / n, cy / n, cz / n}
	comp := morph3d.Component{Label: 1, Voxels: voxels, Bounds: bounds}
	r.Eccentricity, r.Solidity = axialShape(comp, vol)
	r.Periodicity = periodicityScore(vol, r.Centroid)
	r.LumenBorderFraction = lumenBorderFraction(voxels, vol, config.DefaultConfig().Detect.AirwayLumenHUMax)
	return r
}
