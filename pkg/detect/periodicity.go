package detect

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"emboscan/pkg/volume"
)

const (
	// Bronchial wall rings repeat at roughly this physical wavelength.
	bronchialWavelengthMinMM = 2.0
	bronchialWavelengthMaxMM = 8.0

	profileLength = 32
)

// periodicityScore measures how much of the local intensity variation is
// concentrated at bronchial wall spacing. Profiles through the centroid
// along x and y in the centroid's axial slice are mean-removed and
// transformed; the score is the larger fraction of spectral power inside
// the bronchial wavelength band. Airways (dark lumen, bright ring) score
// high; solid clot scores near zero.
func periodicityScore(vol *volume.Volume, centroid [3]float64) float64 {
	cx := int(math.Round(centroid[0]))
	cy := int(math.Round(centroid[1]))
	cz := clampi(int(math.Round(centroid[2])), vol.Depth)

	px := profileAlongX(vol, cx, cy, cz)
	py := profileAlongY(vol, cx, cy, cz)

	sx := bandPowerFraction(px, vol.Spacing[0])
	sy := bandPowerFraction(py, vol.Spacing[1])
	return math.Max(sx, sy)
}

func profileAlongX(vol *volume.Volume, cx, cy, cz int) []float64 {
	out := make([]float64, profileLength)
	start := cx - profileLength/2
	y := clampi(cy, vol.Height)
	for i := range out {
		out[i] = vol.At(clampi(start+i, vol.Width), y, cz)
	}
	return out
}

func profileAlongY(vol *volume.Volume, cx, cy, cz int) []float64 {
	out := make([]float64, profileLength)
	start := cy - profileLength/2
	x := clampi(cx, vol.Width)
	for i := range out {
		out[i] = vol.At(x, clampi(start+i, vol.Height), cz)
	}
	return out
}

// bandPowerFraction is spectral power inside the bronchial band over total
// non-DC power.
func bandPowerFraction(profile []float64, spacingMM float64) float64 {
	// Remove the mean so the DC bin carries no signal.
	var mean float64
	for _, v := range profile {
		mean += v
	}
	mean /= float64(len(profile))
	seq := make([]float64, len(profile))
	for i, v := range profile {
		seq[i] = v - mean
	}

	fft := fourier.NewFFT(len(seq))
	coeffs := fft.Coefficients(nil, seq)

	var total, band float64
	n := float64(len(seq)) * spacingMM // physical profile length in mm
	for k := 1; k < len(coeffs); k++ {
		power := real(coeffs[k])*real(coeffs[k]) + imag(coeffs[k])*imag(coeffs[k])
		total += power
		wavelength := n / float64(k)
		if wavelength >= bronchialWavelengthMinMM && wavelength <= bronchialWavelengthMaxMM {
			band += power
		}
	}
	if total < 1e-9 {
		return 0
	}
	return band / total
}
