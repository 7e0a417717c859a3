// Package pipeline wires the analysis stages into one synchronous engine:
// validation, domain-mask construction, contrast verification, feature
// extraction, detection and severity quantification, executed in order on a
// single volume. Degraded inputs degrade to warnings; only unusable inputs
// (unsupported modality, invalid geometry, unresolvable contrast mode) fail.
package pipeline

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"emboscan/internal/models"
	"emboscan/pkg/config"
	"emboscan/pkg/contrast"
	"emboscan/pkg/detect"
	"emboscan/pkg/domainmask"
	"emboscan/pkg/features"
	"emboscan/pkg/morph3d"
	"emboscan/pkg/severity"
	"emboscan/pkg/volume"
)

// ErrUnsupportedModality reports a modality the engine has no implementation
// for. The modality set is closed; new ones are added here, not by callers.
var ErrUnsupportedModality = errors.New("pipeline: unsupported modality")

// Input is one analysis request.
type Input struct {
	Volume   *volume.Volume
	Modality models.Modality

	// MaskOverride substitutes an externally produced domain mask for the
	// built-in constructor.
	MaskOverride *volume.Mask

	// ContrastKnown marks ContrastEnhanced as externally decided, which
	// also resolves an otherwise ambiguous physical check.
	ContrastKnown    bool
	ContrastEnhanced bool

	// Metadata is the acquisition metadata for the contrast verifier.
	Metadata contrast.Metadata
}

// Output collects every stage product.
type Output struct {
	Mask       *volume.Mask
	Bone       *volume.Mask
	Vessel     *volume.Mask
	Provenance models.MaskProvenance

	Contrast         contrast.Classification
	ContrastEnhanced bool

	Features  *features.Maps
	Detection *detect.Result
	Summary   models.SeveritySummary
}

// modalityEngine is the per-modality stage contract. Dispatch is a closed
// switch on the modality value.
type modalityEngine interface {
	Validate(in *Input) error
	ComputeDomainMask(in *Input, out *Output) error
	ExtractFeatures(in *Input, out *Output) error
	ScoreAndDetect(in *Input, out *Output) error
	Quantify(in *Input, out *Output) error
}

// Engine runs the full analysis pipeline.
type Engine struct {
	cfg *config.Config
	log *zap.Logger
}

// New creates an engine. A nil logger disables logging.
func New(cfg *config.Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, log: log}
}

// Run executes the staged pipeline on one volume.
func (e *Engine) Run(in *Input) (*Output, error) {
	var me modalityEngine
	switch in.Modality {
	case models.ModalityCTPulmonary:
		me = &ctEngine{cfg: e.cfg, log: e.log}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModality, in.Modality)
	}

	if err := me.Validate(in); err != nil {
		return nil, err
	}

	out := &Output{}
	stages := []struct {
		name string
		run  func(*Input, *Output) error
	}{
		{"domain mask", me.ComputeDomainMask},
		{"features", me.ExtractFeatures},
		{"detection", me.ScoreAndDetect},
		{"severity", me.Quantify},
	}
	for _, stage := range stages {
		e.log.Info("stage start", zap.String("stage", stage.name))
		if err := stage.run(in, out); err != nil {
			return nil, fmt.Errorf("%s stage: %w", stage.name, err)
		}
	}
	return out, nil
}

// ctEngine implements the contrast-enhanced chest CT pipeline.
type ctEngine struct {
	cfg *config.Config
	log *zap.Logger

	warnings []string
}

func (c *ctEngine) warn(msg string) {
	c.log.Warn(msg)
	c.warnings = append(c.warnings, msg)
}

func (c *ctEngine) Validate(in *Input) error {
	if in.Volume == nil {
		return errors.New("pipeline: nil volume")
	}
	if err := volume.CheckSpacing(in.Volume.Spacing); err != nil {
		return err
	}
	if in.MaskOverride != nil && in.MaskOverride.Len() != in.Volume.Len() {
		return errors.New("pipeline: mask override shape does not match volume")
	}
	return nil
}

func (c *ctEngine) ComputeDomainMask(in *Input, out *Output) error {
	if in.MaskOverride != nil {
		out.Mask = in.MaskOverride
		out.Provenance = models.MaskProvenance{
			CropStart:      0,
			CropEnd:        in.Volume.Depth,
			DiaphragmSlice: -1,
			RetentionRatio: 1,
			Warnings:       []string{"external domain mask supplied; constructor skipped"},
		}
		// The constructor normally supplies the dilated bone region; with
		// an external mask it is rebuilt from intensity alone.
		bone := volume.MaskOf(in.Volume)
		for i, hu := range in.Volume.Data {
			bone.Data[i] = hu >= c.cfg.Mask.BoneHUMin
		}
		out.Bone = morph3d.DilatePhysical(bone, c.cfg.Mask.BoneDilationMM, in.Volume.Spacing)
	} else {
		constructor := domainmask.NewConstructor(c.cfg.Mask, c.log)
		res := constructor.Build(in.Volume)
		out.Mask = res.Mask
		out.Bone = res.Bone
		out.Provenance = res.Provenance
	}
	c.warnings = append(c.warnings, out.Provenance.Warnings...)
	if out.Mask.Empty() {
		c.warn("domain mask is empty; downstream stages will report no findings")
	}
	return nil
}

func (c *ctEngine) ExtractFeatures(in *Input, out *Output) error {
	verifier := contrast.NewVerifier(c.cfg.Contrast, c.log)
	cls, err := verifier.Classify(in.Volume, out.Mask, in.Metadata)
	if err != nil {
		if !errors.Is(err, contrast.ErrAmbiguousContrast) || !in.ContrastKnown {
			return err
		}
		c.warn("ambiguous contrast mode resolved by caller-supplied flag")
	}
	out.Contrast = cls
	out.ContrastEnhanced = cls.ContrastEnhanced
	if in.ContrastKnown {
		out.ContrastEnhanced = in.ContrastEnhanced
	}
	if cls.Quality == models.QualityInadequate {
		c.warn("contrast enhancement inadequate; detection sensitivity reduced")
	}

	out.Vessel = c.vesselMask(in.Volume, out.Mask, out.ContrastEnhanced)
	extractor := features.NewExtractor(c.cfg.Features, c.log)
	out.Features = extractor.Extract(in.Volume, out.Mask, out.Bone, out.Vessel)
	return nil
}

// vesselMask approximates the opacified vasculature: enhancing voxels inside
// the domain mask. Without contrast there is no enhancement signal, so the
// whole domain mask stands in.
func (c *ctEngine) vesselMask(vol *volume.Volume, mask *volume.Mask, contrastEnhanced bool) *volume.Mask {
	if !contrastEnhanced {
		return mask.Clone()
	}
	vessel := volume.MaskOf(vol)
	for i, on := range mask.Data {
		vessel.Data[i] = on && vol.Data[i] >= c.cfg.Contrast.EnhancementHUMin
	}
	return vessel
}

func (c *ctEngine) ScoreAndDetect(in *Input, out *Output) error {
	detector := detect.NewDetector(c.cfg.Detect, c.log)
	out.Detection = detector.Run(in.Volume, out.Mask, out.Bone, out.Features, out.ContrastEnhanced)
	if len(out.Detection.Findings) == 0 {
		c.log.Info("no findings above threshold")
	}
	return nil
}

func (c *ctEngine) Quantify(in *Input, out *Output) error {
	quantifier := severity.NewQuantifier(c.cfg.Severity, c.log)
	out.Summary = quantifier.Summarize(in.Volume, out.Vessel, out.Detection, out.Features.Coherence, c.warnings)
	return nil
}
