package features

import (
	"math"

	"emboscan/pkg/volume"
)

// gaussianKernel builds a normalized 1-D Gaussian kernel for a sigma given
// in voxels. The radius covers three sigmas.
func gaussianKernel(sigmaVox float64) []float64 {
	if sigmaVox <= 0 {
		return []float64{1}
	}
	radius := int(math.Ceil(3 * sigmaVox))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigmaVox * sigmaVox))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// convolveAxis applies a 1-D kernel along one axis with clamped borders.
// axis: 0=x, 1=y, 2=z.
func convolveAxis(data []float64, w, h, d int, kernel []float64, axis int) []float64 {
	out := make([]float64, len(data))
	radius := len(kernel) / 2

	var stride, extent int
	switch axis {
	case 0:
		stride, extent = 1, w
	case 1:
		stride, extent = w, h
	default:
		stride, extent = w*h, d
	}

	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := z*w*h + y*w + x
				var pos int
				switch axis {
				case 0:
					pos = x
				case 1:
					pos = y
				default:
					pos = z
				}
				var acc float64
				for k := -radius; k <= radius; k++ {
					p := pos + k
					if p < 0 {
						p = 0
					} else if p >= extent {
						p = extent - 1
					}
					acc += kernel[k+radius] * data[idx+(p-pos)*stride]
				}
				out[idx] = acc
			}
		}
	}
	return out
}

// smoothMM applies separable Gaussian smoothing with a physical sigma; the
// per-axis voxel sigma is derived from the spacing so the smoothing scale
// stays isotropic in millimetres.
func smoothMM(vol *volume.Volume, sigmaMM float64) []float64 {
	data := vol.Data
	for axis := 0; axis < 3; axis++ {
		sigmaVox := sigmaMM / vol.Spacing[axis]
		data = convolveAxis(data, vol.Width, vol.Height, vol.Depth, gaussianKernel(sigmaVox), axis)
	}
	return data
}

// gradients computes central-difference first derivatives in HU per
// millimetre along each axis.
func gradients(data []float64, vol *volume.Volume) (gx, gy, gz []float64) {
	w, h, d := vol.Width, vol.Height, vol.Depth
	gx = make([]float64, len(data))
	gy = make([]float64, len(data))
	gz = make([]float64, len(data))

	diff := func(lo, hi, span int, spacing float64) float64 {
		return (data[hi] - data[lo]) / (float64(span) * spacing)
	}

	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := z*w*h + y*w + x

				xm, xp, sx := idx, idx, 0
				if x > 0 {
					xm -= 1
					sx++
				}
				if x < w-1 {
					xp += 1
					sx++
				}
				if sx > 0 {
					gx[idx] = diff(xm, xp, sx, vol.Spacing[0])
				}

				ym, yp, sy := idx, idx, 0
				if y > 0 {
					ym -= w
					sy++
				}
				if y < h-1 {
					yp += w
					sy++
				}
				if sy > 0 {
					gy[idx] = diff(ym, yp, sy, vol.Spacing[1])
				}

				zm, zp, sz := idx, idx, 0
				if z > 0 {
					zm -= w * h
					sz++
				}
				if z < d-1 {
					zp += w * h
					sz++
				}
				if sz > 0 {
					gz[idx] = diff(zm, zp, sz, vol.Spacing[2])
				}
			}
		}
	}
	return gx, gy, gz
}
