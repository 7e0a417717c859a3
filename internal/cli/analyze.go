package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"emboscan/internal/models"
	"emboscan/pkg/config"
	"emboscan/pkg/contrast"
	"emboscan/pkg/pipeline"
	"emboscan/pkg/severity"
	"emboscan/pkg/visualization"
	"emboscan/pkg/volume"
)

var (
	infoColor    = color.New(color.FgBlue).SprintFunc()
	successColor = color.New(color.FgGreen).SprintFunc()
	warningColor = color.New(color.FgYellow).SprintFunc()
	alertColor   = color.New(color.FgRed, color.Bold).SprintFunc()
)

var (
	analyzeWidth    int
	analyzeHeight   int
	analyzeDepth    int
	analyzeSpacing  []float64
	analyzeContrast string
	analyzeOverlay  string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <volume.raw>",
	Short: "Analyze a raw CT volume for pulmonary emboli",
	Long: `Analyze reads a raw little-endian int16 HU volume, runs the full
detection pipeline and prints the findings and severity summary.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().IntVar(&analyzeWidth, "width", 512, "volume width in voxels")
	analyzeCmd.Flags().IntVar(&analyzeHeight, "height", 512, "volume height in voxels")
	analyzeCmd.Flags().IntVar(&analyzeDepth, "depth", 0, "number of slices")
	analyzeCmd.Flags().Float64SliceVar(&analyzeSpacing, "spacing", []float64{0.7, 0.7, 1.25}, "voxel spacing in mm (x,y,z)")
	analyzeCmd.Flags().StringVar(&analyzeContrast, "contrast", "auto", "acquisition mode: auto, enhanced or plain")
	analyzeCmd.Flags().StringVar(&analyzeOverlay, "overlay-dir", "", "export overlay slices as JPEG into this directory")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Output.Verbose {
		verbose = true
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	if len(analyzeSpacing) != 3 {
		return fmt.Errorf("spacing needs exactly three values, got %d", len(analyzeSpacing))
	}
	spacing := [3]float64{analyzeSpacing[0], analyzeSpacing[1], analyzeSpacing[2]}

	fmt.Printf("%s loading %s (%dx%dx%d)\n", infoColor("==>"), args[0], analyzeWidth, analyzeHeight, analyzeDepth)
	vol, err := volume.OpenRaw(args[0], analyzeWidth, analyzeHeight, analyzeDepth, spacing, cfg.Processing.MmapSliceThreshold)
	if err != nil {
		return fmt.Errorf("loading volume: %w", err)
	}

	in := &pipeline.Input{
		Volume:   vol,
		Modality: models.ModalityCTPulmonary,
	}
	switch analyzeContrast {
	case "auto":
	case "enhanced":
		in.ContrastKnown = true
		in.ContrastEnhanced = true
	case "plain":
		in.ContrastKnown = true
		in.ContrastEnhanced = false
	default:
		return fmt.Errorf("unknown contrast mode %q (auto, enhanced or plain)", analyzeContrast)
	}

	engine := pipeline.New(cfg, log)
	start := time.Now()
	out, err := engine.Run(in)
	if err != nil {
		if analyzeContrast == "auto" && isAmbiguousContrast(err) {
			return fmt.Errorf("%w; rerun with --contrast enhanced or --contrast plain", err)
		}
		return err
	}
	elapsed := time.Since(start)

	printReport(out, elapsed)

	overlayDir := analyzeOverlay
	if overlayDir == "" && cfg.Output.SaveOverlaySlices {
		overlayDir = cfg.Output.OverlayDir
	}
	if overlayDir != "" {
		overlay := visualization.NewOverlay(vol, out.Vessel, out.Detection)
		if err := overlay.SaveOverlaySequence(overlayDir, out.Detection.Findings); err != nil {
			return fmt.Errorf("exporting overlays: %w", err)
		}
		fmt.Printf("%s overlay slices written to %s\n", infoColor("==>"), overlayDir)
	}
	return nil
}

func isAmbiguousContrast(err error) bool {
	return errors.Is(err, contrast.ErrAmbiguousContrast)
}

func printReport(out *pipeline.Output, elapsed time.Duration) {
	fmt.Printf("\nAnalysis completed in %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("Contrast: %s (%s mode)\n", out.Contrast.Quality, modeName(out.ContrastEnhanced))
	fmt.Printf("Domain mask: slices [%d,%d), retention %.2f\n",
		out.Provenance.CropStart, out.Provenance.CropEnd, out.Provenance.RetentionRatio)

	if len(out.Detection.Findings) == 0 {
		fmt.Printf("\n%s no filling defects detected\n", successColor("CLEAR:"))
	} else {
		fmt.Printf("\n%s %d filling defect(s) detected\n", alertColor("POSITIVE:"), len(out.Detection.Findings))
		fmt.Println("  id  tier        volume     mean HU  slices")
		for _, item := range visualization.PickList(out.Detection.Findings) {
			f := findingByID(out.Detection.Findings, item.FindingID)
			fmt.Printf("  %-3d %-10s %8.2f cm3 %8.1f  %d-%d\n",
				f.ID, f.TierName, item.VolumeCM3, f.MeanHU, f.SliceMin, f.SliceMax)
		}
	}

	s := out.Summary
	fmt.Printf("\nSeverity\n")
	fmt.Printf("  clot volume:   %.2f cm3 (± %.2f)\n", s.TotalClotVolumeCM3, s.UncertaintyCM3)
	fmt.Printf("  obstruction:   %s\n", severity.FormatObstruction(s.Obstruction))
	fmt.Printf("  qanadli index: %.1f / 40\n", s.QanadliScore)
	fmt.Printf("  est. mPAP:     %.1f mmHg\n", s.MeanPAPmmHg)
	fmt.Printf("  est. PVR:      %.2f Wood units\n", s.PVRWoodUnits)
	fmt.Printf("  RV impact:     %.2f\n", s.RVImpactIndex)
	for _, target := range s.LysisTargets {
		fmt.Printf("  lysis target:  finding %d (gain %.2f, priority %.1f)\n",
			target.FindingID, target.CoherenceGain, target.Priority)
	}
	for _, w := range s.Warnings {
		fmt.Printf("%s %s\n", warningColor("warning:"), w)
	}
}

func modeName(enhanced bool) string {
	if enhanced {
		return "contrast-enhanced"
	}
	return "non-contrast"
}

func findingByID(findings []models.Finding, id int) models.Finding {
	for _, f := range findings {
		if f.ID == id {
			return f
		}
	}
	return models.Finding{}
}
