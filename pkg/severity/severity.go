// Package severity turns validated findings into volumetric, obstruction
// and hemodynamic metrics, with an explicit uncertainty estimate. All model
// constants are configuration, not learned values.
package severity

import (
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"emboscan/internal/models"
	"emboscan/pkg/config"
	"emboscan/pkg/detect"
	"emboscan/pkg/morph3d"
	"emboscan/pkg/volume"
)

// Quantifier computes the severity summary.
type Quantifier struct {
	cfg config.SeverityConfig
	log *zap.Logger
}

// NewQuantifier creates a quantifier. A nil logger disables logging.
func NewQuantifier(cfg config.SeverityConfig, log *zap.Logger) *Quantifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Quantifier{cfg: cfg, log: log}
}

// Summarize aggregates the detection result against the vascular mask. The
// coherence map drives the virtual-lysis ranking; warnings accumulated by
// earlier stages are carried into the summary. Degenerate inputs (no
// findings, empty vascular mask) produce zeroed metrics plus a warning,
// never an error.
func (q *Quantifier) Summarize(vol *volume.Volume, vessel *volume.Mask, det *detect.Result, coherence []float64, warnings []string) models.SeveritySummary {
	sum := models.SeveritySummary{Warnings: warnings}

	clot := clotMask(vol, det)
	clotVoxels := clot.Count()
	voxelVol := vol.VoxelVolumeMM3()
	totalMM3 := float64(clotVoxels) * voxelVol
	sum.TotalClotVolumeCM3 = totalMM3 / 1000

	var obstructionPct float64
	if vessel == nil || vessel.Empty() {
		sum.Warnings = append(sum.Warnings, "vascular mask empty; obstruction percentages unavailable")
	} else {
		sum.Obstruction, obstructionPct = q.obstruction(vol, vessel, clot)
	}

	sum.QanadliScore = math.Min(q.cfg.QanadliMaxScore, q.cfg.QanadliMaxScore*obstructionPct/100)
	sum.UncertaintyCM3 = q.uncertainty(vol, clot, voxelVol) / 1000
	sum.MeanPAPmmHg = q.meanPAP(obstructionPct)
	sum.PVRWoodUnits = q.cfg.PVRBaseWood * math.Exp(q.cfg.PVRExpK*obstructionPct)
	sum.RVImpactIndex = q.rvImpact(obstructionPct)
	sum.LysisTargets = q.virtualLysis(vol, det, coherence)

	q.log.Info("severity summary",
		zap.Float64("clotVolumeCM3", sum.TotalClotVolumeCM3),
		zap.Float64("obstructionPct", obstructionPct),
		zap.Float64("qanadli", sum.QanadliScore))
	return sum
}

// clotMask unions the voxel sets of the surviving regions.
func clotMask(vol *volume.Volume, det *detect.Result) *volume.Mask {
	m := volume.MaskOf(vol)
	for _, region := range det.Regions {
		if region.RejectedBy != "" {
			continue
		}
		for _, idx := range region.Voxels {
			m.Data[idx] = true
		}
	}
	return m
}

// obstruction partitions the vascular mask into main/left/right territories
// along the patient's transverse axis and reports clot load per territory,
// plus the overall obstruction percentage.
func (q *Quantifier) obstruction(vol *volume.Volume, vessel, clot *volume.Mask) (models.ObstructionBreakdown, float64) {
	// Main pulmonary territory: central band one quarter of the width.
	lo := vol.Width * 3 / 8
	hi := vol.Width * 5 / 8

	var vesselCount, clotCount [3]int // main, left, right
	territory := func(x int) int {
		switch {
		case x >= lo && x < hi:
			return 0
		case x < lo:
			return 1
		default:
			return 2
		}
	}
	for i, on := range vessel.Data {
		if !on {
			continue
		}
		x, _, _ := vessel.Coords(i)
		t := territory(x)
		vesselCount[t]++
		if clot.Data[i] {
			clotCount[t]++
		}
	}

	pct := func(t int) float64 {
		if vesselCount[t] == 0 {
			return 0
		}
		return 100 * float64(clotCount[t]) / float64(vesselCount[t])
	}
	breakdown := models.ObstructionBreakdown{
		MainPct:  pct(0),
		LeftPct:  pct(1),
		RightPct: pct(2),
	}

	total := vesselCount[0] + vesselCount[1] + vesselCount[2]
	clots := clotCount[0] + clotCount[1] + clotCount[2]
	var overall float64
	if total > 0 {
		overall = 100 * float64(clots) / float64(total)
	}
	return breakdown, overall
}

// uncertainty combines three error terms by root-sum-of-squares, in mm^3:
// a counting term for the discrete geometry, an intensity-noise term scaled
// by the scanner noise floor, and a partial-volume term over the boundary
// voxels.
func (q *Quantifier) uncertainty(vol *volume.Volume, clot *volume.Mask, voxelVol float64) float64 {
	clotVoxels := clot.Count()
	if clotVoxels == 0 {
		return 0
	}
	geometric := voxelVol * math.Sqrt(float64(clotVoxels))
	noise := float64(clotVoxels) * voxelVol * q.cfg.IntensityNoiseHU / 100
	boundary := float64(boundaryVoxels(clot)) * voxelVol * q.cfg.BoundaryUncertaintyFraction
	return math.Sqrt(geometric*geometric + noise*noise + boundary*boundary)
}

// boundaryVoxels counts clot voxels with at least one 6-neighbor outside
// the clot.
func boundaryVoxels(m *volume.Mask) int {
	offsets := [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}
	count := 0
	for i, on := range m.Data {
		if !on {
			continue
		}
		x, y, z := m.Coords(i)
		for _, o := range offsets {
			nx, ny, nz := x+o[0], y+o[1], z+o[2]
			if nx < 0 || nx >= m.Width || ny < 0 || ny >= m.Height || nz < 0 || nz >= m.Depth || !m.At(nx, ny, nz) {
				count++
				break
			}
		}
	}
	return count
}

// meanPAP is the piecewise-linear empirical pressure model: a shallow slope
// up to the breakpoint, then a steep one.
func (q *Quantifier) meanPAP(obstructionPct float64) float64 {
	bp := q.cfg.MPAPBreakpointPct
	if obstructionPct <= bp {
		return q.cfg.MPAPBasemmHg + q.cfg.MPAPLowSlope*obstructionPct
	}
	return q.cfg.MPAPBasemmHg + q.cfg.MPAPLowSlope*bp + q.cfg.MPAPHighSlope*(obstructionPct-bp)
}

// rvImpact normalizes the pressure estimate onto [0,1], 1 meaning the model
// maximum at complete obstruction.
func (q *Quantifier) rvImpact(obstructionPct float64) float64 {
	maxPAP := q.meanPAP(100)
	base := q.cfg.MPAPBasemmHg
	if maxPAP <= base {
		return 0
	}
	impact := (q.meanPAP(obstructionPct) - base) / (maxPAP - base)
	return math.Min(1, math.Max(0, impact))
}

// virtualLysis estimates, per finding, the coherence recovered if the clot
// were removed: one minus the mean coherence in a shell around the region.
// Findings are ranked by volume times predicted gain.
func (q *Quantifier) virtualLysis(vol *volume.Volume, det *detect.Result, coherence []float64) []models.LysisTarget {
	if len(coherence) != vol.Len() {
		return nil
	}
	var targets []models.LysisTarget
	for _, region := range det.Regions {
		if region.RejectedBy != "" {
			continue
		}
		m := volume.MaskOf(vol)
		for _, idx := range region.Voxels {
			m.Data[idx] = true
		}
		shell := morph3d.DilatePhysical(m, q.cfg.LysisShellMM, vol.Spacing).Subtract(m)

		var sample []float64
		for i, on := range shell.Data {
			if on {
				sample = append(sample, coherence[i])
			}
		}
		gain := 1.0
		if len(sample) > 0 {
			mean, err := stats.Mean(sample)
			if err == nil {
				gain = math.Max(0, 1-mean)
			}
		}
		targets = append(targets, models.LysisTarget{
			FindingID:     region.ID,
			CoherenceGain: gain,
			Priority:      region.VolumeMM3 * gain,
		})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Priority > targets[j].Priority })
	return targets
}

// FormatObstruction renders the breakdown for reports.
func FormatObstruction(b models.ObstructionBreakdown) string {
	return fmt.Sprintf("main %.1f%%, left %.1f%%, right %.1f%%", b.MainPct, b.LeftPct, b.RightPct)
}
