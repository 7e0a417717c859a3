// Package config provides configuration loading and management for emboscan.
// It handles loading configuration from YAML files and provides default
// values tuned for contrast-enhanced chest CT. Every threshold the detection
// engine uses is a fixed or config-supplied constant; nothing is learned.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MaskConfig controls the domain-mask constructor.
type MaskConfig struct {
	// LungHUMin and LungHUMax bound the air-seed segmentation band.
	LungHUMin float64 `yaml:"lungHUMin"`
	LungHUMax float64 `yaml:"lungHUMax"`

	// MinAirComponentVoxels drops air components smaller than this count.
	MinAirComponentVoxels int `yaml:"minAirComponentVoxels"`

	// ClosingTargetMM is the physical closing radius; the voxel iteration
	// count is derived from it so the radius stays constant across
	// resolutions.
	ClosingTargetMM      float64 `yaml:"closingTargetMM"`
	ClosingMinIterations int     `yaml:"closingMinIterations"`
	ClosingSafetyFactor  float64 `yaml:"closingSafetyFactor"`

	// Z-crop slice validity: a slice is valid when its cross-sectional area
	// passes EITHER the relative OR the absolute threshold.
	CropRelativeAreaFraction float64 `yaml:"cropRelativeAreaFraction"`
	CropAbsoluteVoxels       int     `yaml:"cropAbsoluteVoxels"`
	CropMarginSlices         int     `yaml:"cropMarginSlices"`

	// Diaphragm detector: the first slice where soft tissue exceeds the
	// ratio of body area bounds the lower crop.
	DiaphragmSoftHUMin float64 `yaml:"diaphragmSoftHUMin"`
	DiaphragmSoftHUMax float64 `yaml:"diaphragmSoftHUMax"`
	DiaphragmBodyRatio float64 `yaml:"diaphragmBodyRatio"`

	// HilarDilationMM recaptures vessels at the lung root after the crop.
	HilarDilationMM float64 `yaml:"hilarDilationMM"`

	// Bone exclusion.
	BoneHUMin      float64 `yaml:"boneHUMin"`
	BoneDilationMM float64 `yaml:"boneDilationMM"`

	// Chest-wall erosion band from the body surface, with a stronger band
	// on the anterior third of the coronal axis.
	ChestWallBandMM     float64 `yaml:"chestWallBandMM"`
	AnteriorExtraBandMM float64 `yaml:"anteriorExtraBandMM"`
	AnteriorFraction    float64 `yaml:"anteriorFraction"`

	// MinRetentionRatio flags the mask for review when the final volume
	// over the pre-erosion volume drops below it.
	MinRetentionRatio float64 `yaml:"minRetentionRatio"`

	// BodyHUMin separates the body silhouette from surrounding air.
	BodyHUMin float64 `yaml:"bodyHUMin"`
}

// ContrastConfig controls the contrast/quality verifier.
type ContrastConfig struct {
	// EnhancementHUMin/Max bound the contrast-enhancement band whose mean
	// intensity grades the study.
	EnhancementHUMin float64 `yaml:"enhancementHUMin"`
	EnhancementHUMax float64 `yaml:"enhancementHUMax"`

	// Quality grade cutoffs on mean enhancement HU.
	OptimalMeanHU    float64 `yaml:"optimalMeanHU"`
	GoodMeanHU       float64 `yaml:"goodMeanHU"`
	SuboptimalMeanHU float64 `yaml:"suboptimalMeanHU"`

	// CentralFraction is the fraction of each axis sampled around the
	// volume center for the physical contrast-mode check.
	CentralFraction float64 `yaml:"centralFraction"`

	// Central mean HU above ContrastModeHU implies contrast-enhanced;
	// below NonContrastModeHU implies non-contrast; between the two the
	// classification is ambiguous and must be resolved by the caller.
	ContrastModeHU    float64 `yaml:"contrastModeHU"`
	NonContrastModeHU float64 `yaml:"nonContrastModeHU"`
}

// FeaturesConfig controls the feature extractor.
type FeaturesConfig struct {
	// KurtosisWindowRadius is the half-width of the local moment window.
	KurtosisWindowRadius int `yaml:"kurtosisWindowRadius"`

	// GradientSigmaMM smooths the field before gradients are taken;
	// TensorSigmaMM smooths the structure tensor itself.
	GradientSigmaMM float64 `yaml:"gradientSigmaMM"`
	TensorSigmaMM   float64 `yaml:"tensorSigmaMM"`

	// VesselnessScalesMM are the Hessian scales of the multi-scale
	// tubularity score.
	VesselnessScalesMM []float64 `yaml:"vesselnessScalesMM"`

	// Frangi-style vesselness sensitivity parameters.
	VesselnessAlpha float64 `yaml:"vesselnessAlpha"`
	VesselnessBeta  float64 `yaml:"vesselnessBeta"`
	VesselnessC     float64 `yaml:"vesselnessC"`

	// Coherence cleanup: dilated-bone buffer and minimum speckle size.
	CoherenceBoneBufferMM       float64 `yaml:"coherenceBoneBufferMM"`
	CoherenceMinComponentVoxels int     `yaml:"coherenceMinComponentVoxels"`
}

// DetectConfig controls score fusion, thresholds and the rejection chain.
type DetectConfig struct {
	// Thrombus HU band; the non-contrast band is narrower.
	ThrombusHUMin            float64 `yaml:"thrombusHUMin"`
	ThrombusHUMax            float64 `yaml:"thrombusHUMax"`
	NonContrastThrombusHUMin float64 `yaml:"nonContrastThrombusHUMin"`
	NonContrastThrombusHUMax float64 `yaml:"nonContrastThrombusHUMax"`

	// Indicator weights. Intensity carries the highest weight since
	// density is the primary evidence.
	WeightIntensity  float64 `yaml:"weightIntensity"`
	WeightKurtosis   float64 `yaml:"weightKurtosis"`
	WeightAnisotropy float64 `yaml:"weightAnisotropy"`
	WeightCoherence  float64 `yaml:"weightCoherence"`
	WeightVesselness float64 `yaml:"weightVesselness"`

	// Indicator thresholds.
	KurtosisThreshold        float64 `yaml:"kurtosisThreshold"`
	AnisotropyThreshold      float64 `yaml:"anisotropyThreshold"`
	CoherenceThreshold       float64 `yaml:"coherenceThreshold"`
	SevereCoherenceThreshold float64 `yaml:"severeCoherenceThreshold"`
	SevereCoherenceBoost     float64 `yaml:"severeCoherenceBoost"`

	// ContrastInhibitHU zeroes the score above this HU (patent vessel)
	// unless the study is non-contrast.
	ContrastInhibitHU float64 `yaml:"contrastInhibitHU"`

	// Topology/noise filter cutoffs.
	LaplacianArtifactThreshold  float64 `yaml:"laplacianArtifactThreshold"`
	DivergenceArtifactThreshold float64 `yaml:"divergenceArtifactThreshold"`

	// Score thresholds; the non-contrast factor lowers both.
	DefiniteThreshold   float64 `yaml:"definiteThreshold"`
	SuspiciousThreshold float64 `yaml:"suspiciousThreshold"`
	NonContrastFactor   float64 `yaml:"nonContrastFactor"`

	// BridgeClosingVoxels bridges candidate fragments across slices.
	BridgeClosingVoxels int `yaml:"bridgeClosingVoxels"`

	// Rejection chain.
	MinVolumeMM3         float64 `yaml:"minVolumeMM3"`
	AirwayMeanHUMax      float64 `yaml:"airwayMeanHUMax"`
	AirwayAnisotropyMin  float64 `yaml:"airwayAnisotropyMin"`
	AirwayPeriodicityMin float64 `yaml:"airwayPeriodicityMin"`

	// The wall signature (anisotropy + periodicity) only counts as an
	// airway when the region actually borders an air lumen.
	AirwayLumenHUMax       float64 `yaml:"airwayLumenHUMax"`
	AirwayLumenFractionMin float64 `yaml:"airwayLumenFractionMin"`
	BoneBorderFraction   float64 `yaml:"boneBorderFraction"`
	EccentricityMax      float64 `yaml:"eccentricityMax"`
	SolidityMin          float64 `yaml:"solidityMin"`

	// Anatomical position guard (optional).
	PositionGuardEnabled    bool    `yaml:"positionGuardEnabled"`
	ApexSliceFraction       float64 `yaml:"apexSliceFraction"`
	CenterlineRadiusMM      float64 `yaml:"centerlineRadiusMM"`
	MinCenterlinePointsNear int     `yaml:"minCenterlinePointsNear"`
}

// SeverityConfig controls the quantifier and the hemodynamic model.
type SeverityConfig struct {
	// IntensityNoiseHU is the assumed HU noise floor of the scanner.
	IntensityNoiseHU float64 `yaml:"intensityNoiseHU"`

	// BoundaryUncertaintyFraction is the assumed partial-volume
	// uncertainty per boundary voxel.
	BoundaryUncertaintyFraction float64 `yaml:"boundaryUncertaintyFraction"`

	// Piecewise mPAP model: base pressure, low slope up to the breakpoint,
	// then the steep slope.
	MPAPBasemmHg      float64 `yaml:"mpapBasemmHg"`
	MPAPLowSlope      float64 `yaml:"mpapLowSlope"`
	MPAPBreakpointPct float64 `yaml:"mpapBreakpointPct"`
	MPAPHighSlope     float64 `yaml:"mpapHighSlope"`

	// Exponential PVR model: PVR = base * exp(k * obstruction).
	PVRBaseWood float64 `yaml:"pvrBaseWood"`
	PVRExpK     float64 `yaml:"pvrExpK"`

	// Qanadli mapping: obstruction percent mapped onto the 0-40 index.
	QanadliMaxScore float64 `yaml:"qanadliMaxScore"`

	// Virtual lysis shell radius used to estimate coherence gain.
	LysisShellMM float64 `yaml:"lysisShellMM"`
}

// ProcessingConfig holds resource parameters.
type ProcessingConfig struct {
	// MmapSliceThreshold: raw volumes with more slices than this are
	// memory-mapped during load instead of read outright.
	MmapSliceThreshold int `yaml:"mmapSliceThreshold"`
}

// OutputConfig controls CLI reporting.
type OutputConfig struct {
	Verbose bool `yaml:"verbose"`

	// SaveOverlaySlices exports overlay slices as JPEG when set.
	SaveOverlaySlices bool   `yaml:"saveOverlaySlices"`
	OverlayDir        string `yaml:"overlayDir"`
}

// Config represents the application configuration loaded from YAML.
type Config struct {
	Mask       MaskConfig       `yaml:"mask"`
	Contrast   ContrastConfig   `yaml:"contrast"`
	Features   FeaturesConfig   `yaml:"features"`
	Detect     DetectConfig     `yaml:"detect"`
	Severity   SeverityConfig   `yaml:"severity"`
	Processing ProcessingConfig `yaml:"processing"`
	Output     OutputConfig     `yaml:"output"`
}

// DefaultConfig returns a configuration with default values tuned for
// standard-dose CTPA acquisitions.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Mask.LungHUMin = -1000
	cfg.Mask.LungHUMax = -400
	cfg.Mask.MinAirComponentVoxels = 1000
	cfg.Mask.ClosingTargetMM = 10.0
	cfg.Mask.ClosingMinIterations = 2
	cfg.Mask.ClosingSafetyFactor = 1.2
	cfg.Mask.CropRelativeAreaFraction = 0.12
	cfg.Mask.CropAbsoluteVoxels = 500
	cfg.Mask.CropMarginSlices = 3
	cfg.Mask.DiaphragmSoftHUMin = 10
	cfg.Mask.DiaphragmSoftHUMax = 100
	cfg.Mask.DiaphragmBodyRatio = 0.45
	cfg.Mask.HilarDilationMM = 6.0
	cfg.Mask.BoneHUMin = 400
	cfg.Mask.BoneDilationMM = 3.0
	cfg.Mask.ChestWallBandMM = 8.0
	cfg.Mask.AnteriorExtraBandMM = 6.0
	cfg.Mask.AnteriorFraction = 1.0 / 3.0
	cfg.Mask.MinRetentionRatio = 0.35
	cfg.Mask.BodyHUMin = -500

	cfg.Contrast.EnhancementHUMin = 150
	cfg.Contrast.EnhancementHUMax = 600
	cfg.Contrast.OptimalMeanHU = 350
	cfg.Contrast.GoodMeanHU = 250
	cfg.Contrast.SuboptimalMeanHU = 180
	cfg.Contrast.CentralFraction = 0.34
	cfg.Contrast.ContrastModeHU = 120
	cfg.Contrast.NonContrastModeHU = 60

	cfg.Features.KurtosisWindowRadius = 2
	cfg.Features.GradientSigmaMM = 1.0
	cfg.Features.TensorSigmaMM = 1.5
	cfg.Features.VesselnessScalesMM = []float64{2.0, 3.5}
	cfg.Features.VesselnessAlpha = 0.5
	cfg.Features.VesselnessBeta = 0.5
	cfg.Features.VesselnessC = 200
	cfg.Features.CoherenceBoneBufferMM = 2.0
	cfg.Features.CoherenceMinComponentVoxels = 10

	cfg.Detect.ThrombusHUMin = 20
	cfg.Detect.ThrombusHUMax = 100
	cfg.Detect.NonContrastThrombusHUMin = 35
	cfg.Detect.NonContrastThrombusHUMax = 75
	cfg.Detect.WeightIntensity = 3.0
	cfg.Detect.WeightKurtosis = 1.5
	cfg.Detect.WeightAnisotropy = 1.0
	cfg.Detect.WeightCoherence = 1.5
	cfg.Detect.WeightVesselness = 2.0
	cfg.Detect.KurtosisThreshold = 3.5
	cfg.Detect.AnisotropyThreshold = 0.4
	cfg.Detect.CoherenceThreshold = 0.3
	cfg.Detect.SevereCoherenceThreshold = 0.12
	cfg.Detect.SevereCoherenceBoost = 1.0
	cfg.Detect.ContrastInhibitHU = 200
	cfg.Detect.LaplacianArtifactThreshold = 900
	cfg.Detect.DivergenceArtifactThreshold = 700
	cfg.Detect.DefiniteThreshold = 6.5
	cfg.Detect.SuspiciousThreshold = 4.0
	cfg.Detect.NonContrastFactor = 0.75
	cfg.Detect.BridgeClosingVoxels = 1
	cfg.Detect.MinVolumeMM3 = 30
	cfg.Detect.AirwayMeanHUMax = -400
	cfg.Detect.AirwayAnisotropyMin = 0.75
	cfg.Detect.AirwayPeriodicityMin = 0.45
	cfg.Detect.AirwayLumenHUMax = -400
	cfg.Detect.AirwayLumenFractionMin = 0.1
	cfg.Detect.BoneBorderFraction = 0.35
	cfg.Detect.EccentricityMax = 0.95
	cfg.Detect.SolidityMin = 0.35
	cfg.Detect.PositionGuardEnabled = true
	cfg.Detect.ApexSliceFraction = 0.15
	cfg.Detect.CenterlineRadiusMM = 15
	cfg.Detect.MinCenterlinePointsNear = 3

	cfg.Severity.IntensityNoiseHU = 12
	cfg.Severity.BoundaryUncertaintyFraction = 0.5
	cfg.Severity.MPAPBasemmHg = 14
	cfg.Severity.MPAPLowSlope = 0.2
	cfg.Severity.MPAPBreakpointPct = 30
	cfg.Severity.MPAPHighSlope = 0.6
	cfg.Severity.PVRBaseWood = 1.0
	cfg.Severity.PVRExpK = 0.03
	cfg.Severity.QanadliMaxScore = 40
	cfg.Severity.LysisShellMM = 5.0

	cfg.Processing.MmapSliceThreshold = 256

	cfg.Output.Verbose = true
	cfg.Output.SaveOverlaySlices = false
	cfg.Output.OverlayDir = "overlay_slices"

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
