// Package variability ranks features by how much their per-batch medians
// move from plate to plate. A feature that is stable within every plate
// but shifts between plates is dominated by systematic batch effects
// rather than biological signal, so features whose cross-batch spread
// reaches a threshold are flagged for exclusion before centering and
// scaling.
package variability

import (
	"fmt"
	"sort"

	"github.com/montanaflynn/stats"
	gostat "gonum.org/v1/gonum/stat"

	"morphnorm/pkg/table"
)

// DegenerateFeatureError reports a feature whose cross-batch spread
// statistic is undefined, e.g. because fewer than two batches have any
// finite value for it.
type DegenerateFeatureError struct {
	Feature string
	Reason  string
}

func (e *DegenerateFeatureError) Error() string {
	return fmt.Sprintf("degenerate feature %q: %s", e.Feature, e.Reason)
}

// FeatureSpread pairs a feature with its cross-batch spread statistic.
type FeatureSpread struct {
	Feature string
	Spread  float64
}

// Report is the structured output of one analysis pass.
type Report struct {
	// Threshold is the exclusion threshold the report was built with.
	Threshold float64

	// Spread maps each scored feature to the standard deviation of its
	// per-batch medians.
	Spread map[string]float64

	// Ranking lists scored features by descending spread. Ties are
	// ordered by feature name so the presentation is stable; exclusion
	// never depends on rank order.
	Ranking []FeatureSpread

	// Excluded lists, in input order, the features whose spread is at or
	// above the threshold.
	Excluded []string

	// Failures lists features that could not be scored.
	Failures []*DegenerateFeatureError
}

// Surviving returns the given features minus the excluded ones,
// preserving order.
func (r *Report) Surviving(features []string) []string {
	drop := make(map[string]bool, len(r.Excluded))
	for _, f := range r.Excluded {
		drop[f] = true
	}
	out := make([]string, 0, len(features))
	for _, f := range features {
		if !drop[f] {
			out = append(out, f)
		}
	}
	return out
}

// Analyzer computes the cross-batch variability report. It never
// mutates the table.
type Analyzer struct {
	threshold float64
}

// New creates an analyzer with the given exclusion threshold.
func New(threshold float64) *Analyzer {
	return &Analyzer{threshold: threshold}
}

// Analyze groups rows by the batch column, computes each feature's
// median within each batch, and scores the feature with the sample
// standard deviation of those medians. The exclusion set is a pure
// function of the data and the threshold: permuting rows changes
// nothing, and ties in the statistic cannot move a feature across the
// threshold comparison.
func (a *Analyzer) Analyze(tbl *table.Table, features []string, batchKey string) (*Report, error) {
	batches, err := tbl.GroupBy(batchKey)
	if err != nil {
		return nil, err
	}
	if len(batches) < 2 {
		return nil, fmt.Errorf("variability analysis requires at least 2 batches, got %d", len(batches))
	}

	report := &Report{
		Threshold: a.threshold,
		Spread:    make(map[string]float64, len(features)),
	}

	for _, f := range features {
		col, ok := tbl.Numeric(f)
		if !ok {
			return nil, fmt.Errorf("feature column %q not found", f)
		}

		// One median per batch that has finite values for this feature.
		medians := make([]float64, 0, len(batches))
		for _, b := range batches {
			finite := table.Finite(table.Gather(col, b.Rows))
			if len(finite) == 0 {
				continue
			}
			m, err := stats.Median(finite)
			if err != nil {
				return nil, fmt.Errorf("median of feature %q in batch %q: %w", f, b.Key, err)
			}
			medians = append(medians, m)
		}
		if len(medians) < 2 {
			report.Failures = append(report.Failures, &DegenerateFeatureError{
				Feature: f,
				Reason:  fmt.Sprintf("finite medians in only %d of %d batches", len(medians), len(batches)),
			})
			continue
		}

		spread := gostat.StdDev(medians, nil)
		report.Spread[f] = spread
		report.Ranking = append(report.Ranking, FeatureSpread{Feature: f, Spread: spread})
		if spread >= a.threshold {
			report.Excluded = append(report.Excluded, f)
		}
	}

	sort.SliceStable(report.Ranking, func(i, j int) bool {
		if report.Ranking[i].Spread != report.Ranking[j].Spread {
			return report.Ranking[i].Spread > report.Ranking[j].Spread
		}
		return report.Ranking[i].Feature < report.Ranking[j].Feature
	})

	return report, nil
}
