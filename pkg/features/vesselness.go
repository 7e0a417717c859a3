package features

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"emboscan/pkg/volume"
)

// vesselnessMap computes a multi-scale Hessian tubularity score. At each
// physical scale the volume is smoothed, the scale-normalized Hessian is
// eigendecomposed, and a Frangi-style similarity combines the eigenvalue
// ratios; the per-voxel result is the maximum over scales.
//
// Polarity: the two dominant eigenvalues must both be positive, which is the
// signature of a dark tube on a bright background (hypodense clot inside an
// opacified vessel). Bright tubes, however tubular, score zero.
func (e *Extractor) vesselnessMap(vol *volume.Volume, mask *volume.Mask) []float64 {
	out := make([]float64, vol.Len())
	for _, scale := range e.cfg.VesselnessScalesMM {
		e.vesselnessAtScale(vol, mask, scale, out)
	}
	return out
}

func (e *Extractor) vesselnessAtScale(vol *volume.Volume, mask *volume.Mask, scaleMM float64, out []float64) {
	smoothed := smoothMM(vol, scaleMM)
	hxx, hyy, hzz, hxy, hxz, hyz := hessian(smoothed, vol)

	alpha2 := 2 * e.cfg.VesselnessAlpha * e.cfg.VesselnessAlpha
	beta2 := 2 * e.cfg.VesselnessBeta * e.cfg.VesselnessBeta
	c2 := 2 * e.cfg.VesselnessC * e.cfg.VesselnessC
	norm := scaleMM * scaleMM // gamma-normalized derivatives

	sym := mat.NewSymDense(3, nil)
	var eig mat.EigenSym
	for i := range out {
		if !mask.Data[i] {
			continue
		}
		sym.SetSym(0, 0, norm*hxx[i])
		sym.SetSym(1, 1, norm*hyy[i])
		sym.SetSym(2, 2, norm*hzz[i])
		sym.SetSym(0, 1, norm*hxy[i])
		sym.SetSym(0, 2, norm*hxz[i])
		sym.SetSym(1, 2, norm*hyz[i])
		if !eig.Factorize(sym, false) {
			continue
		}
		l1, l2, l3 := sortByMagnitude(eig.Values(nil))
		if l2 <= 0 || l3 <= 0 {
			continue // wrong polarity for a dark tube
		}
		ra := math.Abs(l2) / math.Abs(l3)
		rb := math.Abs(l1) / math.Sqrt(math.Abs(l2*l3))
		s2 := l1*l1 + l2*l2 + l3*l3

		v := (1 - math.Exp(-ra*ra/alpha2)) *
			math.Exp(-rb*rb/beta2) *
			(1 - math.Exp(-s2/c2))
		if v > out[i] {
			out[i] = v
		}
	}
}

// sortByMagnitude orders three eigenvalues so |l1| <= |l2| <= |l3|.
func sortByMagnitude(ev []float64) (l1, l2, l3 float64) {
	l1, l2, l3 = ev[0], ev[1], ev[2]
	if math.Abs(l1) > math.Abs(l2) {
		l1, l2 = l2, l1
	}
	if math.Abs(l2) > math.Abs(l3) {
		l2, l3 = l3, l2
	}
	if math.Abs(l1) > math.Abs(l2) {
		l1, l2 = l2, l1
	}
	return l1, l2, l3
}

// hessian computes second derivatives in HU per square millimetre from a
// pre-smoothed field. Mixed terms come from differentiating the first
// derivatives.
func hessian(data []float64, vol *volume.Volume) (hxx, hyy, hzz, hxy, hxz, hyz []float64) {
	w, h, d := vol.Width, vol.Height, vol.Depth
	n := len(data)
	hxx = make([]float64, n)
	hyy = make([]float64, n)
	hzz = make([]float64, n)

	sx2 := vol.Spacing[0] * vol.Spacing[0]
	sy2 := vol.Spacing[1] * vol.Spacing[1]
	sz2 := vol.Spacing[2] * vol.Spacing[2]

	at := func(x, y, z int) float64 {
		return data[clamp(z, d)*w*h+clamp(y, h)*w+clamp(x, w)]
	}
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := z*w*h + y*w + x
				c := data[idx]
				hxx[idx] = (at(x+1, y, z) - 2*c + at(x-1, y, z)) / sx2
				hyy[idx] = (at(x, y+1, z) - 2*c + at(x, y-1, z)) / sy2
				hzz[idx] = (at(x, y, z+1) - 2*c + at(x, y, z-1)) / sz2
			}
		}
	}

	gx, gy, _ := gradients(data, vol)
	_, hxy, hxz = gradients(gx, vol)
	_, _, hyz = gradients(gy, vol)
	return hxx, hyy, hzz, hxy, hxz, hyz
}
