package morph3d

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emboscan/pkg/volume"
)

// cubeMask builds a mask with a solid cube of the given half-size centered
// in an n^3 field.
func cubeMask(n, half int) *volume.Mask {
	m := volume.NewMask(n, n, n)
	c := n / 2
	for z := c - half; z <= c+half; z++ {
		for y := c - half; y <= c+half; y++ {
			for x := c - half; x <= c+half; x++ {
				m.Set(x, y, z, true)
			}
		}
	}
	return m
}

func TestDilateErodeInverse(t *testing.T) {
	m := cubeMask(15, 3)
	grown := Dilate(m, 2, 2, 2)
	back := Erode(grown, 2, 2, 2)

	// A convex solid away from the border survives close-like round trips.
	assert.Equal(t, m.Count(), back.Count())
	for i := range m.Data {
		require.Equal(t, m.Data[i], back.Data[i])
	}
}

func TestDilateGrowsByRadius(t *testing.T) {
	m := volume.NewMask(9, 9, 9)
	m.Set(4, 4, 4, true)
	grown := Dilate(m, 1, 1, 1)
	assert.Equal(t, 27, grown.Count())

	grown = Dilate(m, 2, 1, 0)
	assert.Equal(t, 5*3*1, grown.Count())
}

func TestPhysicalRadiiScalesWithSpacing(t *testing.T) {
	// Doubling the voxel spacing must halve the voxel radius for the same
	// physical extent.
	rx1, _, _ := PhysicalRadii(10, [3]float64{1, 1, 1})
	rx2, _, _ := PhysicalRadii(10, [3]float64{2, 2, 2})
	assert.Equal(t, 10, rx1)
	assert.Equal(t, 5, rx2)

	// A positive physical radius never rounds away entirely.
	rx3, _, _ := PhysicalRadii(0.3, [3]float64{1, 1, 1})
	assert.Equal(t, 1, rx3)

	rx0, ry0, rz0 := PhysicalRadii(0, [3]float64{1, 1, 1})
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{rx0, ry0, rz0})
}

func TestCloseBridgesGap(t *testing.T) {
	m := volume.NewMask(20, 7, 7)
	for x := 0; x < 8; x++ {
		m.Set(x, 3, 3, true)
	}
	for x := 11; x < 19; x++ {
		m.Set(x, 3, 3, true)
	}
	closed := Close(m, 2, 0, 0)
	for x := 8; x < 11; x++ {
		assert.True(t, closed.At(x, 3, 3), "gap voxel %d should be bridged", x)
	}
}

func TestFillHolesClosesCavity(t *testing.T) {
	m := cubeMask(11, 3)
	c := 5
	// Carve an interior cavity.
	m.Set(c, c, c, false)
	m.Set(c+1, c, c, false)

	filled := FillHoles(m)
	assert.True(t, filled.At(c, c, c))
	assert.True(t, filled.At(c+1, c, c))

	// Exterior background stays background.
	assert.False(t, filled.At(0, 0, 0))
}

func TestDistanceToMM(t *testing.T) {
	m := volume.NewMask(11, 11, 11)
	m.Set(5, 5, 5, true)
	spacing := [3]float64{1, 1, 2}
	dist := DistanceToMM(m, spacing)

	assert.Equal(t, 0.0, dist[m.Idx(5, 5, 5)])
	assert.InDelta(t, 1.0, dist[m.Idx(6, 5, 5)], 1e-9)
	assert.InDelta(t, 2.0, dist[m.Idx(5, 5, 6)], 1e-9, "z step is 2mm")
	// Chamfer approximation stays within a few percent of Euclidean.
	assert.InDelta(t, 3.0, dist[m.Idx(8, 5, 5)], 0.2)

	empty := volume.NewMask(3, 3, 3)
	for _, d := range DistanceToMM(empty, spacing) {
		assert.True(t, math.IsInf(d, 1))
	}
}

func TestLabelSeparatesComponents(t *testing.T) {
	m := volume.NewMask(12, 6, 6)
	// Two blobs separated by more than one voxel (26-connectivity).
	for x := 0; x < 3; x++ {
		m.Set(x, 2, 2, true)
	}
	for x := 7; x < 10; x++ {
		m.Set(x, 2, 2, true)
	}
	labels, n := Label(m)
	require.Equal(t, 2, n)
	assert.NotEqual(t, labels[m.Idx(0, 2, 2)], labels[m.Idx(7, 2, 2)])
	assert.Equal(t, labels[m.Idx(0, 2, 2)], labels[m.Idx(2, 2, 2)])
}

func TestLabelMergesDiagonal(t *testing.T) {
	m := volume.NewMask(5, 5, 5)
	m.Set(1, 1, 1, true)
	m.Set(2, 2, 2, true) // 26-connected diagonal neighbor
	_, n := Label(m)
	assert.Equal(t, 1, n)
}

func TestLabelUShapeMerges(t *testing.T) {
	// A U shape forces two provisional labels that must be unioned when the
	// bottom of the U is reached.
	m := volume.NewMask(7, 7, 1)
	for y := 0; y < 5; y++ {
		m.Set(1, y, 0, true)
		m.Set(5, y, 0, true)
	}
	for x := 1; x <= 5; x++ {
		m.Set(x, 5, 0, true)
	}
	_, n := Label(m)
	assert.Equal(t, 1, n)
}

func TestComponentsBounds(t *testing.T) {
	m := volume.NewMask(10, 10, 10)
	for z := 2; z <= 4; z++ {
		m.Set(3, 3, z, true)
	}
	labels, n := Label(m)
	comps := Components(labels, n, m)
	require.Len(t, comps, 1)
	assert.Equal(t, 3, comps[0].Size())
	assert.Equal(t, [6]int{3, 3, 3, 3, 2, 4}, comps[0].Bounds)
}

func TestRemoveSmall(t *testing.T) {
	m := volume.NewMask(12, 6, 6)
	for x := 0; x < 5; x++ {
		m.Set(x, 2, 2, true)
	}
	m.Set(9, 4, 4, true) // isolated speckle

	out := RemoveSmall(m, 3)
	assert.Equal(t, 5, out.Count())
	assert.False(t, out.At(9, 4, 4))
}
