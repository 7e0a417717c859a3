// Package features computes the per-voxel feature fields the detection
// engine scores: local intensity kurtosis, structure-tensor anisotropy and
// flow coherence, multi-scale Hessian vesselness, and the vessel centerline.
// Every map shares the volume's shape and is zero outside the domain mask.
package features

import (
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"emboscan/pkg/config"
	"emboscan/pkg/morph3d"
	"emboscan/pkg/volume"
)

// Maps bundles the aligned feature fields.
type Maps struct {
	Kurtosis   []float64
	Anisotropy []float64
	Coherence  []float64
	Vesselness []float64
	Centerline *Centerline
}

// Extractor computes feature maps over a domain mask.
type Extractor struct {
	cfg config.FeaturesConfig
	log *zap.Logger
}

// NewExtractor creates a feature extractor. A nil logger disables logging.
func NewExtractor(cfg config.FeaturesConfig, log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{cfg: cfg, log: log}
}

// Extract computes all feature fields. The bone mask (already dilated by the
// mask constructor) suppresses coherence near bone edges; the vessel mask
// feeds the centerline skeleton. Either mask may be nil.
func (e *Extractor) Extract(vol *volume.Volume, mask, bone, vessel *volume.Mask) *Maps {
	m := &Maps{
		Kurtosis:   e.kurtosisMap(vol, mask),
		Vesselness: e.vesselnessMap(vol, mask),
	}
	m.Anisotropy, m.Coherence = e.tensorMaps(vol, mask, bone)

	if vessel != nil && !vessel.Empty() {
		m.Centerline = NewCenterline(vessel, vol.Spacing)
	} else {
		m.Centerline = emptyCenterline()
	}

	e.log.Info("feature extraction complete",
		zap.Int("maskVoxels", mask.Count()),
		zap.Int("centerlinePoints", len(m.Centerline.Points)))
	return m
}

// kurtosisMap computes the local fourth standardized moment over a cubic
// window. Flat windows have no defined kurtosis and map to zero.
func (e *Extractor) kurtosisMap(vol *volume.Volume, mask *volume.Mask) []float64 {
	w, h, d := vol.Width, vol.Height, vol.Depth
	r := e.cfg.KurtosisWindowRadius
	out := make([]float64, vol.Len())
	window := make([]float64, 0, (2*r+1)*(2*r+1)*(2*r+1))

	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := z*w*h + y*w + x
				if !mask.Data[idx] {
					continue
				}
				window = window[:0]
				for dz := -r; dz <= r; dz++ {
					zz := clamp(z+dz, d)
					for dy := -r; dy <= r; dy++ {
						yy := clamp(y+dy, h)
						for dx := -r; dx <= r; dx++ {
							xx := clamp(x+dx, w)
							window = append(window, vol.Data[zz*w*h+yy*w+xx])
						}
					}
				}
				if _, sd := stat.MeanStdDev(window, nil); sd > 1e-9 {
					out[idx] = stat.ExKurtosis(window, nil) + 3
				}
			}
		}
	}
	return out
}

// speckleClean zeroes positive entries of a field belonging to connected
// components below the minimum voxel count.
func speckleClean(field []float64, w, h, d, minVoxels int) {
	if minVoxels <= 1 {
		return
	}
	m := volume.NewMask(w, h, d)
	for i, v := range field {
		m.Data[i] = v > 0
	}
	labels, count := morph3d.Label(m)
	if count == 0 {
		return
	}
	sizes := make([]int, count+1)
	for _, l := range labels {
		if l > 0 {
			sizes[l]++
		}
	}
	for i, l := range labels {
		if l > 0 && sizes[l] < minVoxels {
			field[i] = 0
		}
	}
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
