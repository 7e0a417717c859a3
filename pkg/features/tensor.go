package features

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"emboscan/pkg/morph3d"
	"emboscan/pkg/volume"
)

// tensorTraceFloor is the minimum smoothed gradient energy, in (HU/mm)²,
// for an eigenvalue spread to be meaningful.
const tensorTraceFloor = 25.0

// tensorMaps builds the structure tensor on Gaussian-smoothed gradients and
// derives two eigenvalue-spread fields from it: a fractional-anisotropy-style
// alignment measure and the flow-coherence index. Coherence is additionally
// zeroed inside a buffered bone region and on sub-minimum speckle.
func (e *Extractor) tensorMaps(vol *volume.Volume, mask, bone *volume.Mask) (aniso, coher []float64) {
	smoothed := smoothMM(vol, e.cfg.GradientSigmaMM)
	tmp := &volume.Volume{Data: smoothed, Width: vol.Width, Height: vol.Height, Depth: vol.Depth, Spacing: vol.Spacing}
	gx, gy, gz := gradients(smoothed, tmp)

	n := vol.Len()
	comps := [6][]float64{
		make([]float64, n), make([]float64, n), make([]float64, n),
		make([]float64, n), make([]float64, n), make([]float64, n),
	}
	for i := 0; i < n; i++ {
		comps[0][i] = gx[i] * gx[i]
		comps[1][i] = gx[i] * gy[i]
		comps[2][i] = gx[i] * gz[i]
		comps[3][i] = gy[i] * gy[i]
		comps[4][i] = gy[i] * gz[i]
		comps[5][i] = gz[i] * gz[i]
	}
	for c := range comps {
		t := &volume.Volume{Data: comps[c], Width: vol.Width, Height: vol.Height, Depth: vol.Depth, Spacing: vol.Spacing}
		comps[c] = smoothMM(t, e.cfg.TensorSigmaMM)
	}

	aniso = make([]float64, n)
	coher = make([]float64, n)
	var excluded *volume.Mask
	if bone != nil && !bone.Empty() {
		excluded = morph3d.DilatePhysical(bone, e.cfg.CoherenceBoneBufferMM, vol.Spacing)
	}

	sym := mat.NewSymDense(3, nil)
	var eig mat.EigenSym
	for i := 0; i < n; i++ {
		if !mask.Data[i] {
			continue
		}
		// Both spread measures are scale-invariant, so a vanishing
		// residue of a distant edge smoothed into a flat region would
		// still read as fully oriented. Below ~5 HU/mm of gradient
		// magnitude there is no structure to measure.
		if comps[0][i]+comps[3][i]+comps[5][i] < tensorTraceFloor {
			continue
		}
		sym.SetSym(0, 0, comps[0][i])
		sym.SetSym(0, 1, comps[1][i])
		sym.SetSym(0, 2, comps[2][i])
		sym.SetSym(1, 1, comps[3][i])
		sym.SetSym(1, 2, comps[4][i])
		sym.SetSym(2, 2, comps[5][i])
		if !eig.Factorize(sym, false) {
			continue
		}
		ev := eig.Values(nil) // ascending
		aniso[i] = fractionalAnisotropy(ev)
		if excluded == nil || !excluded.Data[i] {
			coher[i] = eigenSpread(ev)
		}
	}

	speckleClean(coher, vol.Width, vol.Height, vol.Depth, e.cfg.CoherenceMinComponentVoxels)
	return aniso, coher
}

// fractionalAnisotropy maps the eigenvalue spread onto [0,1]: 0 for an
// isotropic tensor, 1 when a single direction dominates.
func fractionalAnisotropy(ev []float64) float64 {
	mean := (ev[0] + ev[1] + ev[2]) / 3
	var num, den float64
	for _, l := range ev {
		num += (l - mean) * (l - mean)
		den += l * l
	}
	if den < 1e-12 {
		return 0
	}
	fa := math.Sqrt(1.5 * num / den)
	if fa > 1 {
		fa = 1
	}
	return fa
}

// eigenSpread is the coherence index (λmax−λmin)/(λmax+λmin): near 1 for a
// laminar edge, near 0 for a disrupted or signal-free region.
func eigenSpread(ev []float64) float64 {
	sum := ev[2] + ev[0]
	if sum < 1e-12 {
		return 0
	}
	c := (ev[2] - ev[0]) / sum
	if c < 0 {
		c = 0
	}
	return c
}
