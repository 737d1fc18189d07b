// Package report serializes the pipeline's diagnostic side outputs so
// downstream tooling (plotting, QC dashboards) can consume them without
// touching the pipeline: the full variability ranking as CSV and a run
// summary as YAML.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"morphnorm/pkg/variability"
)

// RankingFile and SummaryFile are the artifact names written into the
// diagnostics directory.
const (
	RankingFile = "variability_ranking.csv"
	SummaryFile = "summary.yaml"
)

// Summary describes one pipeline run.
type Summary struct {
	// Rows is the (invariant) row count of the table.
	Rows int `yaml:"rows"`

	// FeaturesIn and FeaturesOut count the feature columns before and
	// after exclusion and unit failures.
	FeaturesIn  int `yaml:"featuresIn"`
	FeaturesOut int `yaml:"featuresOut"`

	// GlogQuantile, VariabilityThreshold and ScalingStrategy record the
	// parameters the run used.
	GlogQuantile         float64 `yaml:"glogQuantile"`
	VariabilityThreshold float64 `yaml:"variabilityThreshold"`
	ScalingStrategy      string  `yaml:"scalingStrategy"`

	// Excluded lists features removed by the variability threshold.
	Excluded []string `yaml:"excluded,omitempty"`

	// Dropped lists features removed by per-unit statistical failures.
	Dropped []string `yaml:"dropped,omitempty"`

	// NonFinite counts, per feature, stabilizer outputs that were not
	// finite and were recorded as missing.
	NonFinite map[string]int `yaml:"nonFinite,omitempty"`
}

// Write saves the ranking and the summary into dir, creating it if needed.
func Write(dir string, summary Summary, ranking *variability.Report) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create diagnostics directory: %w", err)
	}
	if err := WriteRanking(filepath.Join(dir, RankingFile), ranking); err != nil {
		return err
	}
	return WriteSummary(filepath.Join(dir, SummaryFile), summary)
}

// WriteRanking writes the descending variability ranking as CSV with an
// excluded marker per feature.
func WriteRanking(path string, report *variability.Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create ranking file: %w", err)
	}
	defer file.Close()

	excluded := make(map[string]bool, len(report.Excluded))
	for _, f := range report.Excluded {
		excluded[f] = true
	}

	w := csv.NewWriter(file)
	if err := w.Write([]string{"feature", "spread", "excluded"}); err != nil {
		return fmt.Errorf("failed to write ranking header: %w", err)
	}
	for _, fs := range report.Ranking {
		record := []string{
			fs.Feature,
			strconv.FormatFloat(fs.Spread, 'g', -1, 64),
			strconv.FormatBool(excluded[fs.Feature]),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write ranking row for %q: %w", fs.Feature, err)
		}
	}
	w.Flush()
	return w.Error()
}

// WriteSummary writes the run summary as YAML.
func WriteSummary(path string, summary Summary) error {
	data, err := yaml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write summary file: %w", err)
	}
	return nil
}
