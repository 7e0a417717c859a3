package models

// Modality identifies the acquisition type a pipeline engine is built for.
// The set is closed: adding a modality means adding a case to the pipeline
// dispatch, not subclassing a shared base.
type Modality int

const (
	// ModalityUnknown is the zero value and is always rejected.
	ModalityUnknown Modality = iota

	// ModalityCTPulmonary is a contrast-enhanced (or plain) chest CT
	// acquired for pulmonary-artery analysis.
	ModalityCTPulmonary
)

// String returns a human-readable modality name.
func (m Modality) String() string {
	switch m {
	case ModalityCTPulmonary:
		return "ct-pulmonary"
	default:
		return "unknown"
	}
}

// ContrastQuality grades how well the pulmonary arteries are opacified.
type ContrastQuality int

const (
	QualityInadequate ContrastQuality = iota
	QualitySuboptimal
	QualityGood
	QualityOptimal
)

func (q ContrastQuality) String() string {
	switch q {
	case QualityOptimal:
		return "optimal"
	case QualityGood:
		return "good"
	case QualitySuboptimal:
		return "suboptimal"
	default:
		return "inadequate"
	}
}

// ConfidenceTier classifies a finding by which score threshold it cleared.
type ConfidenceTier int

const (
	TierSuspicious ConfidenceTier = iota
	TierDefinite
)

func (t ConfidenceTier) String() string {
	if t == TierDefinite {
		return "definite"
	}
	return "suspicious"
}

// MaskProvenance records how the domain mask was derived so that downstream
// consumers (and the round-trip crop property) can reason about it.
type MaskProvenance struct {
	// CropStart and CropEnd are the inclusive-exclusive z bounds that were
	// kept after the anatomical crop. Applying and then reversing them must
	// restore the original shape exactly.
	CropStart int `json:"crop_start"`
	CropEnd   int `json:"crop_end"`

	// DiaphragmSlice is the estimated slice index of the diaphragm, or -1
	// when the detector found no soft-tissue transition.
	DiaphragmSlice int `json:"diaphragm_slice"`

	// BoneVoxels is the number of voxels removed by bone exclusion,
	// including the dilation margin.
	BoneVoxels int `json:"bone_voxels"`

	// ErodedVoxels is the number of voxels removed by the chest-wall
	// erosion band.
	ErodedVoxels int `json:"eroded_voxels"`

	// RetentionRatio is final mask volume over the pre-erosion volume.
	RetentionRatio float64 `json:"retention_ratio"`

	// ReviewRequired is set when the retention ratio fell below the
	// configured minimum; the mask is still returned.
	ReviewRequired bool `json:"review_required"`

	// Warnings collects human-readable notes about degraded sub-steps.
	Warnings []string `json:"warnings,omitempty"`
}

// Region is a connected component of the thresholded score field together
// with the descriptors the rejection chain needs. Regions that survive every
// filter are converted into Findings.
type Region struct {
	ID     int   `json:"id"`
	Voxels []int `json:"-"`

	// Bounds is the inclusive bounding box {x0, x1, y0, y1, z0, z1}.
	Bounds [6]int `json:"bounds"`

	Centroid  [3]float64 `json:"centroid"`
	VolumeMM3 float64    `json:"volume_mm3"`
	MeanHU    float64    `json:"mean_hu"`
	MeanScore float64    `json:"mean_score"`

	Tier     ConfidenceTier `json:"tier"`
	SliceMin int            `json:"slice_min"`
	SliceMax int            `json:"slice_max"`

	// Shape and texture descriptors used by the rejection chain.
	// MeanAnisotropy is averaged over interior voxels only: the rim of
	// any region reads the boundary gradient, not the region's fabric.
	MeanAnisotropy float64 `json:"mean_anisotropy"`
	Eccentricity   float64 `json:"eccentricity"`
	Solidity       float64 `json:"solidity"`
	Periodicity    float64 `json:"periodicity"`

	// LumenBorderFraction is the fraction of region voxels face-adjacent
	// to air-density voxels. Airway walls wrap an air lumen; clot is
	// wrapped in blood.
	LumenBorderFraction float64 `json:"lumen_border_fraction"`

	// RejectedBy names the filter that discarded the region, empty for
	// survivors.
	RejectedBy string `json:"rejected_by,omitempty"`
}

// Finding is a validated filling-defect candidate. Immutable once emitted.
type Finding struct {
	ID        int            `json:"id"`
	Centroid  [3]float64     `json:"centroid"`
	VolumeMM3 float64        `json:"volume_mm3"`
	MeanHU    float64        `json:"mean_hu"`
	MeanScore float64        `json:"mean_score"`
	Tier      ConfidenceTier `json:"-"`
	TierName  string         `json:"tier"`
	SliceMin  int            `json:"slice_min"`
	SliceMax  int            `json:"slice_max"`
}

// LysisTarget ranks a finding by the estimated benefit of removing it.
type LysisTarget struct {
	FindingID     int     `json:"finding_id"`
	CoherenceGain float64 `json:"coherence_gain"`
	Priority      float64 `json:"priority"`
}

// ObstructionBreakdown holds per-territory obstruction percentages.
type ObstructionBreakdown struct {
	MainPct  float64 `json:"main_pct"`
	LeftPct  float64 `json:"left_pct"`
	RightPct float64 `json:"right_pct"`
}

// SeveritySummary aggregates the volumetric, obstruction and hemodynamic
// metrics derived from the validated findings. Recomputed on every run.
type SeveritySummary struct {
	TotalClotVolumeCM3 float64              `json:"total_clot_volume_cm3"`
	Obstruction        ObstructionBreakdown `json:"obstruction"`

	// QanadliScore is the 0-40 volumetric analog of the clinical
	// obstruction index.
	QanadliScore float64 `json:"qanadli_score"`

	// UncertaintyCM3 is the root-sum-of-squares of the geometric,
	// intensity-noise and boundary-voxel terms.
	UncertaintyCM3 float64 `json:"uncertainty_cm3"`

	MeanPAPmmHg   float64 `json:"mean_pap_mmhg"`
	PVRWoodUnits  float64 `json:"pvr_wood_units"`
	RVImpactIndex float64 `json:"rv_impact_index"`

	LysisTargets []LysisTarget `json:"lysis_targets,omitempty"`

	// Warnings is the single soft-failure channel of the pipeline.
	Warnings []string `json:"warnings,omitempty"`
}
