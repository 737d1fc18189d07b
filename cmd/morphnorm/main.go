package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"morphnorm/pkg/config"
	"morphnorm/pkg/dataset"
	"morphnorm/pkg/pipeline"
	"morphnorm/pkg/report"
	"morphnorm/pkg/scale"
)

func main() {
	// Parse command line arguments
	imagesPath := flag.String("images", "", "CSV with per-image metadata (plate, well, compound, concentration)")
	objectsPath := flag.String("objects", "", "CSV with per-object measurements keyed by table/image number")
	moaPath := flag.String("moa", "", "CSV with ground-truth mechanism-of-action annotations")
	outputPath := flag.String("output", "normalized.csv", "Output CSV filename for the normalized table")
	configPath := flag.String("config", "morphnorm.yaml", "Configuration file (defaults are used if absent)")
	strategyFlag := flag.String("strategy", "", "Override scaling strategy: per-batch or pooled")
	quantileFlag := flag.Float64("quantile", 0, "Override glog shift quantile")
	thresholdFlag := flag.Float64("threshold", 0, "Override variability exclusion threshold")
	reportDir := flag.String("report", "", "Override diagnostics output directory")
	flag.Parse()

	// Validate inputs
	if *imagesPath == "" || *objectsPath == "" || *moaPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *strategyFlag != "" {
		cfg.Normalization.ScalingStrategy = *strategyFlag
	}
	if *quantileFlag != 0 {
		cfg.Normalization.GlogQuantile = *quantileFlag
	}
	if *thresholdFlag != 0 {
		cfg.Normalization.VariabilityThreshold = *thresholdFlag
	}
	if *reportDir != "" {
		cfg.Output.SaveDiagnostics = true
		cfg.Output.DiagnosticsDir = *reportDir
	}

	fmt.Println("================================")
	fmt.Println("MORPHNORM: ROBUST NORMALIZATION OF MORPHOLOGICAL SCREENING PROFILES")
	fmt.Println("glog stabilization, batch-variability exclusion, median centering,")
	fmt.Println("control-anchored MAD scaling")
	fmt.Println("================================")

	// Join the three sources into the working table
	fmt.Println("Loading and joining screening data...")
	tbl, features, err := dataset.LoadFiles(*imagesPath, *objectsPath, *moaPath)
	if err != nil {
		log.Fatalf("Failed to load dataset: %v", err)
	}
	fmt.Printf("Loaded %d object rows with %d feature columns\n", tbl.NumRows(), len(features))

	// Build the pipeline from configuration
	p, err := pipeline.New(pipeline.Options{
		Features:             features,
		BatchKey:             cfg.Columns.BatchKey,
		ControlColumn:        cfg.Columns.Compound,
		ControlValue:         cfg.Columns.NegativeControl,
		GlogQuantile:         cfg.Normalization.GlogQuantile,
		VariabilityThreshold: cfg.Normalization.VariabilityThreshold,
		Strategy:             scale.Strategy(cfg.Normalization.ScalingStrategy),
		Workers:              cfg.Processing.NumWorkers,
		OnFailure:            pipeline.FailurePolicy(cfg.Processing.FailurePolicy),
		Verbose:              cfg.Output.Verbose,
	})
	if err != nil {
		log.Fatalf("Invalid pipeline configuration: %v", err)
	}

	fmt.Println("Starting normalization pipeline...")
	startTime := time.Now()
	result, err := p.Run(tbl)
	if err != nil {
		log.Fatalf("Normalization failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nNormalization completed in %.2f seconds\n", processingTime.Seconds())
	fmt.Printf("Features in: %d, surviving: %d (excluded: %d, dropped: %d)\n",
		len(features), len(result.Features), len(result.Excluded), len(result.Dropped))
	for feature, count := range result.Stabilize.NonFinite {
		fmt.Printf("Warning: feature %q produced %d non-finite values during stabilization\n", feature, count)
	}

	// Write the normalized table: metadata columns, control flag, then
	// the surviving features.
	columns := []string{
		dataset.ColPlate, dataset.ColWell, dataset.ColCompound,
		dataset.ColConcentration, dataset.ColMechanism, pipeline.ControlFlagColumn,
	}
	columns = append(columns, result.Features...)

	outFile, err := os.Create(*outputPath)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	if err := result.Table.WriteCSV(outFile, columns); err != nil {
		outFile.Close()
		log.Fatalf("Failed to write output: %v", err)
	}
	if err := outFile.Close(); err != nil {
		log.Fatalf("Failed to close output file: %v", err)
	}
	fmt.Printf("Normalized table saved to: %s\n", *outputPath)

	// Write diagnostics for downstream plotting/QC tooling
	if cfg.Output.SaveDiagnostics {
		summary := report.Summary{
			Rows:                 result.Table.NumRows(),
			FeaturesIn:           len(features),
			FeaturesOut:          len(result.Features),
			GlogQuantile:         cfg.Normalization.GlogQuantile,
			VariabilityThreshold: cfg.Normalization.VariabilityThreshold,
			ScalingStrategy:      cfg.Normalization.ScalingStrategy,
			Excluded:             result.Excluded,
			Dropped:              result.Dropped,
			NonFinite:            result.Stabilize.NonFinite,
		}
		if err := report.Write(cfg.Output.DiagnosticsDir, summary, result.Variability); err != nil {
			log.Printf("Warning: failed to write diagnostics: %v", err)
		} else {
			fmt.Printf("Diagnostics saved to: %s\n", cfg.Output.DiagnosticsDir)
		}
	}
}
