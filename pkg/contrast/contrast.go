// Package contrast grades contrast adequacy and decides between
// contrast-enhanced and non-contrast acquisition mode. Both results steer
// parameter selection downstream: non-contrast mode narrows the thrombus
// intensity band and disables the contrast-based score suppression.
package contrast

import (
	"errors"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"emboscan/internal/models"
	"emboscan/pkg/config"
	"emboscan/pkg/volume"
)

// ErrAmbiguousContrast reports that neither the physical check nor the
// acquisition metadata allows a mode decision. The caller must resolve this
// explicitly (manual selection, or a pre-computed flag), rather than the
// verifier guessing.
var ErrAmbiguousContrast = errors.New("contrast: acquisition mode is ambiguous")

// Metadata carries the acquisition information relevant to the mode check.
type Metadata struct {
	// HasContrastTag reports whether the acquisition metadata carried a
	// contrast-agent tag at all.
	HasContrastTag bool

	// ContrastAgent is the tag value when present.
	ContrastAgent bool
}

// Classification is the verifier's output.
type Classification struct {
	Quality models.ContrastQuality

	// MeanEnhancementHU is the mean intensity inside the enhancement band,
	// the basis of the quality grade.
	MeanEnhancementHU float64

	// CentralMeanHU is the physical-check sample used for the mode
	// decision.
	CentralMeanHU float64

	// ContrastEnhanced is the decided acquisition mode.
	ContrastEnhanced bool

	// MetadataConflict is set when the physical check overrode a
	// contradicting metadata tag.
	MetadataConflict bool
}

// Verifier classifies contrast adequacy and acquisition mode.
type Verifier struct {
	cfg config.ContrastConfig
	log *zap.Logger
}

// NewVerifier creates a verifier. A nil logger disables logging.
func NewVerifier(cfg config.ContrastConfig, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{cfg: cfg, log: log}
}

// Classify grades the study and decides the acquisition mode. The mask
// restricts the enhancement-band sample; a nil or empty mask falls back to
// the whole field. The physical central-region check takes priority over
// the metadata tag when the two contradict; when the physical check is
// indecisive the tag decides, and with no tag either the result is
// ErrAmbiguousContrast.
func (v *Verifier) Classify(vol *volume.Volume, mask *volume.Mask, meta Metadata) (Classification, error) {
	var out Classification

	out.MeanEnhancementHU = v.enhancementMean(vol, mask)
	switch {
	case out.MeanEnhancementHU >= v.cfg.OptimalMeanHU:
		out.Quality = models.QualityOptimal
	case out.MeanEnhancementHU >= v.cfg.GoodMeanHU:
		out.Quality = models.QualityGood
	case out.MeanEnhancementHU >= v.cfg.SuboptimalMeanHU:
		out.Quality = models.QualitySuboptimal
	default:
		out.Quality = models.QualityInadequate
	}

	central, ok := v.centralMean(vol)
	out.CentralMeanHU = central

	switch {
	case ok && central >= v.cfg.ContrastModeHU:
		out.ContrastEnhanced = true
	case ok && central <= v.cfg.NonContrastModeHU:
		out.ContrastEnhanced = false
	case meta.HasContrastTag:
		out.ContrastEnhanced = meta.ContrastAgent
	default:
		return out, ErrAmbiguousContrast
	}

	if meta.HasContrastTag && ok && meta.ContrastAgent != out.ContrastEnhanced {
		// Physical evidence wins over the tag.
		out.MetadataConflict = true
		v.log.Warn("contrast tag contradicts physical check",
			zap.Bool("tag", meta.ContrastAgent),
			zap.Float64("centralMeanHU", central))
	}

	v.log.Info("contrast classification",
		zap.String("quality", out.Quality.String()),
		zap.Bool("contrastEnhanced", out.ContrastEnhanced),
		zap.Float64("meanEnhancementHU", out.MeanEnhancementHU))
	return out, nil
}

// enhancementMean averages HU over the enhancement band, restricted to the
// mask when one is available.
func (v *Verifier) enhancementMean(vol *volume.Volume, mask *volume.Mask) float64 {
	var sample []float64
	useMask := mask != nil && !mask.Empty()
	for i, hu := range vol.Data {
		if useMask && !mask.Data[i] {
			continue
		}
		if hu >= v.cfg.EnhancementHUMin && hu <= v.cfg.EnhancementHUMax {
			sample = append(sample, hu)
		}
	}
	if len(sample) == 0 {
		return 0
	}
	return stat.Mean(sample, nil)
}

// centralMean samples the central box of the volume, ignoring air, and
// reports whether the sample was decisive at all.
func (v *Verifier) centralMean(vol *volume.Volume) (float64, bool) {
	fx := v.cfg.CentralFraction
	x0, x1 := centerRange(vol.Width, fx)
	y0, y1 := centerRange(vol.Height, fx)
	z0, z1 := centerRange(vol.Depth, fx)

	var sample []float64
	for z := z0; z < z1; z++ {
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				hu := vol.At(x, y, z)
				if hu > -300 { // skip lung air, keep vessels and tissue
					sample = append(sample, hu)
				}
			}
		}
	}
	if len(sample) == 0 {
		return 0, false
	}
	mean := stat.Mean(sample, nil)
	// A mean inside the gray zone between the two cutoffs is indecisive.
	decisive := mean >= v.cfg.ContrastModeHU || mean <= v.cfg.NonContrastModeHU
	return mean, decisive
}

func centerRange(n int, fraction float64) (int, int) {
	span := int(float64(n) * fraction)
	if span < 1 {
		span = 1
	}
	start := (n - span) / 2
	return start, start + span
}
