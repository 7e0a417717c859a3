// Package detect fuses the feature fields into a per-voxel score, thresholds
// it into candidate regions, and runs the rejection-filter chain that turns
// surviving regions into findings.
package detect

import (
	"fmt"

	"go.uber.org/zap"

	"emboscan/internal/models"
	"emboscan/pkg/config"
	"emboscan/pkg/features"
	"emboscan/pkg/morph3d"
	"emboscan/pkg/volume"
)

// Rejection filter names recorded on discarded regions.
const (
	RejectVolume   = "volume"
	RejectAirway   = "airway"
	RejectBoneEdge = "bone-edge"
	RejectShape    = "shape"
	RejectPosition = "position"
)

// Result carries the score field and everything derived from it.
type Result struct {
	// Score is the fused per-voxel score, zero outside the domain mask.
	Score []float64

	// Candidates is the thresholded, bridge-closed candidate mask.
	Candidates *volume.Mask

	// Regions lists every labeled candidate, rejected ones included
	// (RejectedBy names the filter that discarded them).
	Regions []models.Region

	// Findings are the survivors of the rejection chain.
	Findings []models.Finding
}

// Detector scores a volume and extracts findings.
type Detector struct {
	cfg config.DetectConfig
	log *zap.Logger
}

// NewDetector creates a detector. A nil logger disables logging.
func NewDetector(cfg config.DetectConfig, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{cfg: cfg, log: log}
}

// Run executes scoring, thresholding and the rejection chain. The bone mask
// is the dilated bone region from the mask constructor; contrastEnhanced
// selects the intensity band, enables the contrast inhibitor and keeps the
// score thresholds at full strength.
func (d *Detector) Run(vol *volume.Volume, mask, bone *volume.Mask, maps *features.Maps, contrastEnhanced bool) *Result {
	res := &Result{}
	score, support := d.scoreField(vol, mask, maps, contrastEnhanced)
	res.Score = score

	suspicious := d.cfg.SuspiciousThreshold
	definite := d.cfg.DefiniteThreshold
	if !contrastEnhanced {
		suspicious *= d.cfg.NonContrastFactor
		definite *= d.cfg.NonContrastFactor
	}

	candidates := volume.MaskOf(vol)
	for i, s := range res.Score {
		candidates.Data[i] = s >= suspicious
	}
	// Hysteresis growth: the mid-depth of a large clot can locally miss
	// the score threshold (rim gradients smooth into the structure tensor
	// and read as oriented flow) while its core and rim seed strongly.
	// With contrast, clot density is unique inside the domain, so every
	// in-band voxel connected to a seed is annexed. Plain studies share
	// the band with patent blood and skip this.
	if contrastEnhanced && !candidates.Empty() {
		labels, count := morph3d.Label(support)
		seeded := make([]bool, count+1)
		for i, on := range candidates.Data {
			if on && labels[i] != 0 {
				seeded[labels[i]] = true
			}
		}
		for i, l := range labels {
			if l != 0 && seeded[l] {
				candidates.Data[i] = true
			}
		}
	}
	if r := d.cfg.BridgeClosingVoxels; r > 0 && !candidates.Empty() {
		candidates = morph3d.Close(candidates, r, r, r)
		// Closing must not leak outside the domain.
		candidates.And(mask)
	}
	res.Candidates = candidates

	labels, count := morph3d.Label(candidates)
	comps := morph3d.Components(labels, count, candidates)

	voxelVol := vol.VoxelVolumeMM3()
	for _, comp := range comps {
		region := d.describe(comp, vol, res.Score, maps, voxelVol, definite)
		region.RejectedBy = d.reject(&region, vol, bone, maps)
		res.Regions = append(res.Regions, region)
		if region.RejectedBy == "" {
			res.Findings = append(res.Findings, models.Finding{
				ID:        region.ID,
				Centroid:  region.Centroid,
				VolumeMM3: region.VolumeMM3,
				MeanHU:    region.MeanHU,
				MeanScore: region.MeanScore,
				Tier:      region.Tier,
				TierName:  region.Tier.String(),
				SliceMin:  region.SliceMin,
				SliceMax:  region.SliceMax,
			})
		}
	}

	d.log.Info("detection complete",
		zap.Int("candidates", len(res.Regions)),
		zap.Int("findings", len(res.Findings)))
	return res
}

// scoreField fuses the indicator terms into one score per voxel. The
// returned support mask marks every in-band voxel of the domain, before any
// inhibitor or artifact exclusion, and feeds the hysteresis growth step.
func (d *Detector) scoreField(vol *volume.Volume, mask *volume.Mask, maps *features.Maps, contrastEnhanced bool) ([]float64, *volume.Mask) {
	huMin, huMax := d.cfg.ThrombusHUMin, d.cfg.ThrombusHUMax
	if !contrastEnhanced {
		huMin, huMax = d.cfg.NonContrastThrombusHUMin, d.cfg.NonContrastThrombusHUMax
	}

	laplacian := laplacianField(vol)
	divergence := divergenceField(vol)

	score := make([]float64, vol.Len())
	support := volume.MaskOf(vol)
	for i := range score {
		if !mask.Data[i] {
			continue
		}
		hu := vol.Data[i]
		support.Data[i] = hu >= huMin && hu <= huMax

		// Patent vessel: definitively contrast-filled, cannot be clot. In
		// non-contrast mode this rule would erase the only usable signal.
		if contrastEnhanced && hu > d.cfg.ContrastInhibitHU {
			continue
		}
		// Residual bone/metal edges show up as extreme curvature.
		if abs(laplacian[i]) > d.cfg.LaplacianArtifactThreshold ||
			abs(divergence[i]) > d.cfg.DivergenceArtifactThreshold {
			continue
		}

		var s float64
		if hu >= huMin && hu <= huMax {
			s += d.cfg.WeightIntensity
		}
		if maps.Kurtosis[i] > d.cfg.KurtosisThreshold {
			s += d.cfg.WeightKurtosis
		}
		if maps.Anisotropy[i] < d.cfg.AnisotropyThreshold {
			s += d.cfg.WeightAnisotropy
		}
		if maps.Coherence[i] < d.cfg.CoherenceThreshold {
			s += d.cfg.WeightCoherence
			if maps.Coherence[i] < d.cfg.SevereCoherenceThreshold {
				s += d.cfg.SevereCoherenceBoost
			}
		}
		if maps.Vesselness[i] > 0 {
			s += d.cfg.WeightVesselness * maps.Vesselness[i]
		}
		score[i] = s
	}
	return score, support
}

// describe computes the attributes of one labeled component.
func (d *Detector) describe(comp morph3d.Component, vol *volume.Volume, score []float64, maps *features.Maps, voxelVol, definiteThreshold float64) models.Region {
	region := models.Region{
		ID:        comp.Label,
		Voxels:    comp.Voxels,
		Bounds:    comp.Bounds,
		VolumeMM3: float64(comp.Size()) * voxelVol,
		SliceMin:  comp.Bounds[4],
		SliceMax:  comp.Bounds[5],
	}

	var sumHU, sumScore float64
	var cx, cy, cz float64
	for _, idx := range comp.Voxels {
		sumHU += vol.Data[idx]
		sumScore += score[idx]
		x, y, z := vol.Coords(idx)
		cx += float64(x)
		cy += float64(y)
		cz += float64(z)
	}
	n := float64(comp.Size())
	region.MeanHU = sumHU / n
	region.MeanScore = sumScore / n
	region.Centroid = [3]float64{cx / n, cy / n, cz / n}

	region.MeanAnisotropy = interiorMeanAnisotropy(comp.Voxels, vol, maps.Anisotropy)
	region.LumenBorderFraction = lumenBorderFraction(comp.Voxels, vol, d.cfg.AirwayLumenHUMax)
	region.Eccentricity, region.Solidity = axialShape(comp, vol)
	region.Periodicity = periodicityScore(vol, region.Centroid)

	if region.MeanScore >= definiteThreshold {
		region.Tier = models.TierDefinite
	} else {
		region.Tier = models.TierSuspicious
	}
	return region
}

// reject runs the filter chain in order and returns the name of the first
// filter that discards the region, or "" for survivors.
func (d *Detector) reject(region *models.Region, vol *volume.Volume, bone *volume.Mask, maps *features.Maps) string {
	if region.VolumeMM3 < d.cfg.MinVolumeMM3 {
		return RejectVolume
	}

	if region.MeanHU <= d.cfg.AirwayMeanHUMax {
		return RejectAirway
	}
	// The wall signature alone is not specific: a clot's rim gradients
	// raise anisotropy, and its density transitions land in the bronchial
	// wavelength band. An actual airway additionally wraps an air lumen.
	if region.MeanAnisotropy >= d.cfg.AirwayAnisotropyMin &&
		region.Periodicity >= d.cfg.AirwayPeriodicityMin &&
		region.LumenBorderFraction >= d.cfg.AirwayLumenFractionMin {
		return RejectAirway
	}

	if bone != nil && !bone.Empty() {
		if boneBorderFraction(region.Voxels, vol, bone) >= d.cfg.BoneBorderFraction {
			return RejectBoneEdge
		}
	}

	if region.Eccentricity >= d.cfg.EccentricityMax || region.Solidity <= d.cfg.SolidityMin {
		return RejectShape
	}

	if d.cfg.PositionGuardEnabled && maps.Centerline != nil {
		apexLimit := d.cfg.ApexSliceFraction * float64(vol.Depth)
		if region.Centroid[2] < apexLimit {
			posMM := [3]float64{
				region.Centroid[0] * vol.Spacing[0],
				region.Centroid[1] * vol.Spacing[1],
				region.Centroid[2] * vol.Spacing[2],
			}
			if maps.Centerline.CountWithinMM(posMM, d.cfg.CenterlineRadiusMM) < d.cfg.MinCenterlinePointsNear {
				return RejectPosition
			}
		}
	}
	return ""
}

var faceOffsets = [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}

// interiorMeanAnisotropy averages the anisotropy field over region voxels
// whose six face neighbors all belong to the region. Regions too thin to
// have an interior fall back to the full voxel set.
func interiorMeanAnisotropy(voxels []int, vol *volume.Volume, aniso []float64) float64 {
	if len(voxels) == 0 {
		return 0
	}
	member := make(map[int]struct{}, len(voxels))
	for _, idx := range voxels {
		member[idx] = struct{}{}
	}

	var sum float64
	var n int
	for _, idx := range voxels {
		x, y, z := vol.Coords(idx)
		interior := true
		for _, o := range faceOffsets {
			nx, ny, nz := x+o[0], y+o[1], z+o[2]
			if nx < 0 || nx >= vol.Width || ny < 0 || ny >= vol.Height || nz < 0 || nz >= vol.Depth {
				interior = false
				break
			}
			if _, ok := member[vol.Idx(nx, ny, nz)]; !ok {
				interior = false
				break
			}
		}
		if interior {
			sum += aniso[idx]
			n++
		}
	}
	if n == 0 {
		for _, idx := range voxels {
			sum += aniso[idx]
		}
		n = len(voxels)
	}
	return sum / float64(n)
}

// lumenBorderFraction is the fraction of region voxels with at least one
// face neighbor at air density.
func lumenBorderFraction(voxels []int, vol *volume.Volume, lumenHUMax float64) float64 {
	if len(voxels) == 0 {
		return 0
	}
	bordering := 0
	for _, idx := range voxels {
		x, y, z := vol.Coords(idx)
		for _, o := range faceOffsets {
			nx, ny, nz := x+o[0], y+o[1], z+o[2]
			if nx < 0 || nx >= vol.Width || ny < 0 || ny >= vol.Height || nz < 0 || nz >= vol.Depth {
				continue
			}
			if vol.At(nx, ny, nz) <= lumenHUMax {
				bordering++
				break
			}
		}
	}
	return float64(bordering) / float64(len(voxels))
}

// boneBorderFraction is the fraction of region voxels face-adjacent to (or
// inside) the dilated bone region.
func boneBorderFraction(voxels []int, vol *volume.Volume, bone *volume.Mask) float64 {
	if len(voxels) == 0 {
		return 0
	}
	adjacent := 0
	for _, idx := range voxels {
		if bone.Data[idx] {
			adjacent++
			continue
		}
		x, y, z := vol.Coords(idx)
		for _, o := range faceOffsets {
			nx, ny, nz := x+o[0], y+o[1], z+o[2]
			if nx < 0 || nx >= vol.Width || ny < 0 || ny >= vol.Height || nz < 0 || nz >= vol.Depth {
				continue
			}
			if bone.At(nx, ny, nz) {
				adjacent++
				break
			}
		}
	}
	return float64(adjacent) / float64(len(voxels))
}

// laplacianField is the sum of second differences in HU per square
// millimetre, the bone/metal edge sensor.
func laplacianField(vol *volume.Volume) []float64 {
	w, h, d := vol.Width, vol.Height, vol.Depth
	out := make([]float64, vol.Len())
	sx2 := vol.Spacing[0] * vol.Spacing[0]
	sy2 := vol.Spacing[1] * vol.Spacing[1]
	sz2 := vol.Spacing[2] * vol.Spacing[2]

	at := func(x, y, z int) float64 {
		return vol.Data[clampi(z, d)*w*h+clampi(y, h)*w+clampi(x, w)]
	}
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := vol.Data[z*w*h+y*w+x]
				out[z*w*h+y*w+x] = (at(x+1, y, z)-2*c+at(x-1, y, z))/sx2 +
					(at(x, y+1, z)-2*c+at(x, y-1, z))/sy2 +
					(at(x, y, z+1)-2*c+at(x, y, z-1))/sz2
			}
		}
	}
	return out
}

// divergenceField applies a wider divergence stencil to the central-
// difference gradient field. It responds to the same curvature as the
// Laplacian but saturates later, which separates genuine clot boundaries
// from metal and reconstruction artifacts.
func divergenceField(vol *volume.Volume) []float64 {
	w, h, d := vol.Width, vol.Height, vol.Depth
	gx, gy, gz := gradientField(vol)
	out := make([]float64, vol.Len())

	at := func(f []float64, x, y, z int) float64 {
		return f[clampi(z, d)*w*h+clampi(y, h)*w+clampi(x, w)]
	}
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := z*w*h + y*w + x
				out[idx] = (at(gx, x+1, y, z)-at(gx, x-1, y, z))/(2*vol.Spacing[0]) +
					(at(gy, x, y+1, z)-at(gy, x, y-1, z))/(2*vol.Spacing[1]) +
					(at(gz, x, y, z+1)-at(gz, x, y, z-1))/(2*vol.Spacing[2])
			}
		}
	}
	return out
}

func gradientField(vol *volume.Volume) (gx, gy, gz []float64) {
	w, h, d := vol.Width, vol.Height, vol.Depth
	gx = make([]float64, vol.Len())
	gy = make([]float64, vol.Len())
	gz = make([]float64, vol.Len())
	at := func(x, y, z int) float64 {
		return vol.Data[clampi(z, d)*w*h+clampi(y, h)*w+clampi(x, w)]
	}
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := z*w*h + y*w + x
				gx[idx] = (at(x+1, y, z) - at(x-1, y, z)) / (2 * vol.Spacing[0])
				gy[idx] = (at(x, y+1, z) - at(x, y-1, z)) / (2 * vol.Spacing[1])
				gz[idx] = (at(x, y, z+1) - at(x, y, z-1)) / (2 * vol.Spacing[2])
			}
		}
	}
	return gx, gy, gz
}

func clampi(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// String summarizes a result for verbose logs.
func (r *Result) String() string {
	return fmt.Sprintf("%d candidates, %d findings", len(r.Regions), len(r.Findings))
}
