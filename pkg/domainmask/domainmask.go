// Package domainmask builds the anatomically-constrained search volume for
// the detection engine. The constructor chains air-seed segmentation,
// solidification, an anatomical z crop bounded by a diaphragm estimate,
// hilar dilation, bone exclusion and chest-wall erosion. It fails soft: a
// sub-step that finds nothing logs the condition and hands the previous
// mask to the next step, so the pipeline always receives a best-effort mask
// together with its provenance.
package domainmask

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"emboscan/internal/models"
	"emboscan/pkg/config"
	"emboscan/pkg/morph3d"
	"emboscan/pkg/volume"
)

// Result is the constructed search volume plus everything downstream stages
// need to honor its boundaries.
type Result struct {
	// Mask is the domain mask, a strict subset of the body silhouette that
	// excludes all dilated-bone voxels.
	Mask *volume.Mask

	// Bone is the dilated bone mask that was subtracted; the feature
	// extractor and the bone-edge filter reuse it.
	Bone *volume.Mask

	// Provenance records crop bounds, exclusion counts and warnings.
	Provenance models.MaskProvenance
}

// Constructor computes domain masks. It is stateless apart from its
// configuration; one instance can serve sequential volumes.
type Constructor struct {
	cfg config.MaskConfig
	log *zap.Logger
}

// NewConstructor creates a constructor with the given parameters. A nil
// logger disables logging.
func NewConstructor(cfg config.MaskConfig, log *zap.Logger) *Constructor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Constructor{cfg: cfg, log: log}
}

// Build derives the domain mask for a volume. It never returns an error:
// degraded inputs produce a degraded mask with warnings in the provenance.
func (c *Constructor) Build(vol *volume.Volume) *Result {
	res := &Result{
		Bone: volume.MaskOf(vol),
	}
	res.Provenance.CropStart = 0
	res.Provenance.CropEnd = vol.Depth
	res.Provenance.DiaphragmSlice = -1

	warn := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		c.log.Warn("domain mask degraded", zap.String("condition", msg))
		res.Provenance.Warnings = append(res.Provenance.Warnings, msg)
	}

	// Step 1: air-seed segmentation in the lung band.
	mask := c.airSeed(vol)
	if mask.Empty() {
		warn("no voxels in lung air band [%.0f, %.0f] HU", c.cfg.LungHUMin, c.cfg.LungHUMax)
		res.Mask = mask
		return res
	}

	// The filled body silhouette is shared by the diaphragm detector,
	// hilar dilation and the chest-wall erosion.
	body := c.bodySilhouette(vol)

	// Step 2: solidification with resolution-adaptive closing.
	mask = c.solidify(mask, vol.Spacing)

	// Step 3: anatomical z crop.
	mask = c.cropZ(vol, mask, body, res, warn)

	// Step 4: hilar dilation to recapture vessels at the lung root.
	mask = c.hilarDilate(vol, mask, body, warn)

	// Step 5: bone exclusion with a physical dilation margin.
	mask = c.excludeBone(vol, mask, res, warn)

	// Step 6: chest-wall erosion inside a physical band of the body
	// surface, stronger on the anterior third.
	mask = c.chestWallErode(vol, mask, body, res, warn)

	res.Mask = mask
	return res
}

// ClosingIterations computes the voxel iteration count that keeps the
// physical closing radius constant across acquisition resolutions.
func ClosingIterations(targetMM, spacing, safety float64, minIterations int) int {
	n := int(math.Round(targetMM / spacing * safety))
	if n < minIterations {
		n = minIterations
	}
	return n
}

func (c *Constructor) airSeed(vol *volume.Volume) *volume.Mask {
	seed := volume.MaskOf(vol)
	for i, hu := range vol.Data {
		seed.Data[i] = hu >= c.cfg.LungHUMin && hu <= c.cfg.LungHUMax
	}
	filtered := morph3d.RemoveSmall(seed, c.cfg.MinAirComponentVoxels)
	if filtered.Empty() && !seed.Empty() {
		// Every air component was below the size gate; keep the raw seed
		// rather than dying here.
		c.log.Warn("all air components below size gate, keeping raw seed",
			zap.Int("minVoxels", c.cfg.MinAirComponentVoxels))
		return seed
	}
	return filtered
}

func (c *Constructor) solidify(mask *volume.Mask, spacing [3]float64) *volume.Mask {
	out := morph3d.FillHoles(mask)

	spacingXY := (spacing[0] + spacing[1]) / 2
	rxy := ClosingIterations(c.cfg.ClosingTargetMM, spacingXY,
		c.cfg.ClosingSafetyFactor, c.cfg.ClosingMinIterations)
	rz := ClosingIterations(c.cfg.ClosingTargetMM, spacing[2],
		c.cfg.ClosingSafetyFactor, c.cfg.ClosingMinIterations)
	if mask.Depth == 1 {
		rz = 0
	}

	out = morph3d.Close(out, rxy, rxy, rz)
	return morph3d.FillHoles(out)
}

// cropZ keeps the slice range where the mask cross-section is anatomically
// plausible. A slice is valid when its area passes EITHER the relative OR
// the absolute threshold; requiring both collapsed the ROI prematurely on
// short patients. The diaphragm estimate bounds the inferior end
// independent of patient height.
func (c *Constructor) cropZ(vol *volume.Volume, mask, body *volume.Mask, res *Result,
	warn func(string, ...interface{})) *volume.Mask {

	plane := mask.Width * mask.Height
	areas := make([]int, mask.Depth)
	maxArea := 0
	for z := 0; z < mask.Depth; z++ {
		n := 0
		for i := z * plane; i < (z+1)*plane; i++ {
			if mask.Data[i] {
				n++
			}
		}
		areas[z] = n
		if n > maxArea {
			maxArea = n
		}
	}
	if maxArea == 0 {
		warn("z crop skipped: mask empty before crop")
		return mask
	}

	relCut := int(float64(maxArea) * c.cfg.CropRelativeAreaFraction)
	first, last := -1, -1
	for z, a := range areas {
		if a >= relCut || a >= c.cfg.CropAbsoluteVoxels {
			if first < 0 {
				first = z
			}
			last = z
		}
	}
	if first < 0 {
		warn("z crop skipped: no slice passed the area thresholds")
		return mask
	}

	if dia := c.detectDiaphragm(vol, body); dia >= 0 {
		res.Provenance.DiaphragmSlice = dia
		if dia < last {
			last = dia
		}
	}

	first -= c.cfg.CropMarginSlices
	last += c.cfg.CropMarginSlices
	if first < 0 {
		first = 0
	}
	if last > mask.Depth-1 {
		last = mask.Depth - 1
	}
	if last < first {
		warn("z crop skipped: diaphragm estimate collapsed the range")
		return mask
	}

	res.Provenance.CropStart = first
	res.Provenance.CropEnd = last + 1

	out := mask.Clone()
	for z := 0; z < mask.Depth; z++ {
		if z >= first && z <= last {
			continue
		}
		for i := z * plane; i < (z+1)*plane; i++ {
			out.Data[i] = false
		}
	}
	if out.Empty() {
		warn("z crop emptied the mask, keeping uncropped mask")
		return mask
	}
	return out
}

// detectDiaphragm returns the first slice in the inferior half where soft
// tissue dominates the filled body cross-section, or -1 when no transition
// exists. The ratio is taken over the silhouette (lung air included), which
// bounds the lower crop independent of patient height.
func (c *Constructor) detectDiaphragm(vol *volume.Volume, body *volume.Mask) int {
	plane := vol.Width * vol.Height
	for z := vol.Depth / 2; z < vol.Depth; z++ {
		area, soft := 0, 0
		for i := z * plane; i < (z+1)*plane; i++ {
			if !body.Data[i] {
				continue
			}
			area++
			hu := vol.Data[i]
			if hu >= c.cfg.DiaphragmSoftHUMin && hu <= c.cfg.DiaphragmSoftHUMax {
				soft++
			}
		}
		if area > 0 && float64(soft)/float64(area) >= c.cfg.DiaphragmBodyRatio {
			return z
		}
	}
	return -1
}

func (c *Constructor) hilarDilate(vol *volume.Volume, mask, body *volume.Mask,
	warn func(string, ...interface{})) *volume.Mask {

	out := morph3d.DilatePhysical(mask, c.cfg.HilarDilationMM, vol.Spacing)
	// The dilation must not leak outside the body silhouette.
	out.And(body)
	if out.Empty() {
		warn("hilar dilation left nothing inside the body silhouette")
		return mask
	}
	return out
}

// bodySilhouette thresholds at the body HU floor and fills slice-wise,
// which keeps the lung interior (connected to outside air through the
// airways in 3-D) inside the silhouette.
func (c *Constructor) bodySilhouette(vol *volume.Volume) *volume.Mask {
	body := volume.MaskOf(vol)
	for i, hu := range vol.Data {
		body.Data[i] = hu >= c.cfg.BodyHUMin
	}
	return morph3d.FillHolesSlicewise(body)
}

func (c *Constructor) excludeBone(vol *volume.Volume, mask *volume.Mask, res *Result,
	warn func(string, ...interface{})) *volume.Mask {

	bone := volume.MaskOf(vol)
	for i, hu := range vol.Data {
		bone.Data[i] = hu >= c.cfg.BoneHUMin
	}
	if bone.Empty() {
		warn("no bone voxels above %.0f HU", c.cfg.BoneHUMin)
		return mask
	}

	dilated := morph3d.DilatePhysical(bone, c.cfg.BoneDilationMM, vol.Spacing)
	res.Bone = dilated

	before := mask.Count()
	out := mask.Clone().Subtract(dilated)
	res.Provenance.BoneVoxels = before - out.Count()
	if out.Empty() {
		warn("bone exclusion emptied the mask, keeping prior mask")
		res.Provenance.BoneVoxels = 0
		return mask
	}
	return out
}

func (c *Constructor) chestWallErode(vol *volume.Volume, mask, body *volume.Mask, res *Result,
	warn func(string, ...interface{})) *volume.Mask {

	// Distance from each voxel to the nearest exterior (non-body) voxel
	// gives depth below the body surface.
	exterior := volume.MaskOf(vol)
	for i, b := range body.Data {
		exterior.Data[i] = !b
	}
	if exterior.Empty() {
		warn("chest-wall erosion skipped: no exterior voxels (body fills field)")
		return mask
	}
	depth := morph3d.DistanceToMM(exterior, vol.Spacing)

	anteriorCut := int(float64(mask.Height) * c.cfg.AnteriorFraction)
	before := mask.Count()
	out := mask.Clone()
	for i, set := range out.Data {
		if !set {
			continue
		}
		band := c.cfg.ChestWallBandMM
		_, y, _ := mask.Coords(i)
		if y < anteriorCut {
			// Sternum and the vessel-dense anterior zone get a wider
			// safety corridor.
			band += c.cfg.AnteriorExtraBandMM
		}
		if depth[i] <= band {
			out.Data[i] = false
		}
	}

	eroded := before - out.Count()
	res.Provenance.ErodedVoxels = eroded
	if out.Empty() {
		warn("chest-wall erosion emptied the mask, keeping prior mask")
		res.Provenance.ErodedVoxels = 0
		res.Provenance.RetentionRatio = 1
		return mask
	}

	ratio := float64(out.Count()) / float64(before)
	res.Provenance.RetentionRatio = ratio
	if ratio < c.cfg.MinRetentionRatio {
		res.Provenance.ReviewRequired = true
		warn("retention ratio %.2f below %.2f, mask flagged for review",
			ratio, c.cfg.MinRetentionRatio)
	}
	return out
}
