package detect

import (
	"math"

	"emboscan/pkg/morph3d"
	"emboscan/pkg/volume"
)

// axialShape projects a component onto the axial plane and derives two
// shape descriptors: the eccentricity of the equivalent ellipse from image
// central moments, and the solidity as the fill fraction of the 3-D
// bounding box. Ribs and plate-like bone remnants project to long thin
// shapes with high eccentricity or sparse boxes with low solidity.
func axialShape(comp morph3d.Component, vol *volume.Volume) (eccentricity, solidity float64) {
	seen := make(map[[2]int]struct{}, len(comp.Voxels))
	var m00, m10, m01, m11, m20, m02 float64
	for _, idx := range comp.Voxels {
		x, y, _ := vol.Coords(idx)
		key := [2]int{x, y}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		fx, fy := float64(x), float64(y)
		m00++
		m10 += fx
		m01 += fy
		m11 += fx * fy
		m20 += fx * fx
		m02 += fy * fy
	}
	if m00 == 0 {
		return 0, 0
	}

	meanX := m10 / m00
	meanY := m01 / m00
	mu20 := m20/m00 - meanX*meanX
	mu02 := m02/m00 - meanY*meanY
	mu11 := m11/m00 - meanX*meanY

	base := mu20 + mu02
	root := math.Sqrt(4*mu11*mu11 + (mu20-mu02)*(mu20-mu02))
	minor := math.Sqrt(8 * math.Max(base-root, 0))
	major := math.Sqrt(8 * (base + root))
	if major > 1e-9 {
		eccentricity = math.Sqrt(1 - minor/major)
	}

	bbox := (comp.Bounds[1] - comp.Bounds[0] + 1) *
		(comp.Bounds[3] - comp.Bounds[2] + 1) *
		(comp.Bounds[5] - comp.Bounds[4] + 1)
	if bbox > 0 {
		solidity = float64(comp.Size()) / float64(bbox)
	}
	return eccentricity, solidity
}
