// Package scale computes robust z-scores anchored on the negative
// control population. For every batch the location is the median of
// that batch's control rows; the spread is 1.4826 times a median
// absolute deviation, estimated either from the same batch's controls
// (PerBatch) or from the controls of all batches pooled (Pooled).
// Pooling trades sensitivity to batch-specific spread differences for a
// more powerful MAD estimate when plates carry few control replicates;
// which trade-off is right is a caller decision, so both strategies are
// explicit configuration rather than a hard-coded default.
package scale

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"github.com/montanaflynn/stats"

	"morphnorm/pkg/table"
)

// madScale makes the MAD a consistent estimator of the standard
// deviation under normality.
const madScale = 1.4826

// Strategy selects how the spread of the control population is estimated.
type Strategy string

const (
	// PerBatch estimates location and spread from the controls of each
	// batch independently.
	PerBatch Strategy = "per-batch"

	// Pooled estimates the location per batch but the spread from the
	// control rows of all batches pooled together.
	Pooled Strategy = "pooled"
)

// ParseStrategy converts a configuration string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case PerBatch, Pooled:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown scaling strategy %q (want %q or %q)", s, PerBatch, Pooled)
	}
}

// NoControlsInBatchError reports a batch with no rows in the control
// population. Location is undefined for every feature of such a batch,
// and batches cannot be dropped without removing rows, so this fails
// the whole scaling stage.
type NoControlsInBatchError struct {
	Batch string
}

func (e *NoControlsInBatchError) Error() string {
	return fmt.Sprintf("batch %q has no control rows", e.Batch)
}

// DegenerateSpreadError reports a feature whose control statistics are
// undefined: the MAD is exactly zero (all control values identical) or
// the controls hold no finite values. Batch is empty when the pooled
// spread is the degenerate statistic.
type DegenerateSpreadError struct {
	Feature string
	Batch   string
	Reason  string
}

func (e *DegenerateSpreadError) Error() string {
	if e.Batch == "" {
		return fmt.Sprintf("degenerate control spread for feature %q: %s", e.Feature, e.Reason)
	}
	return fmt.Sprintf("degenerate control spread for feature %q in batch %q: %s", e.Feature, e.Batch, e.Reason)
}

// Scaler applies control-anchored robust z-scoring in place.
type Scaler struct {
	strategy Strategy
	workers  int
}

// New creates a scaler. A non-positive workers value uses all available
// cores.
func New(strategy Strategy, workers int) *Scaler {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Scaler{strategy: strategy, workers: workers}
}

// Result holds the per-feature diagnostics of one scaling pass.
type Result struct {
	// Failures lists features whose control statistics were degenerate.
	// Their columns are left exactly as the centering stage produced
	// them; no value of a failed feature is partially scaled.
	Failures []*DegenerateSpreadError
}

// FailedFeatures returns the names of the failed features in input order.
func (r *Result) FailedFeatures() []string {
	names := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		names = append(names, f.Feature)
	}
	return names
}

// Apply z-scores every listed feature column in place. Batches with no
// control rows are all collected first and reported together as a fatal
// stage error. Per-feature statistical failures are collected in the
// result; all other features are still transformed.
func (s *Scaler) Apply(tbl *table.Table, features []string, batchKey, controlFlag string) (*Result, error) {
	columns := make([][]float64, len(features))
	for i, f := range features {
		col, ok := tbl.Numeric(f)
		if !ok {
			return nil, fmt.Errorf("feature column %q not found", f)
		}
		columns[i] = col
	}
	mask, ok := tbl.Flag(controlFlag)
	if !ok {
		return nil, fmt.Errorf("control flag column %q not found", controlFlag)
	}

	batches, err := tbl.GroupBy(batchKey)
	if err != nil {
		return nil, err
	}

	// Control membership per batch. Every control-less batch is
	// reported, not just the first one found.
	controlRows := make([][]int, len(batches))
	var noControls []error
	for bi, b := range batches {
		for _, r := range b.Rows {
			if mask[r] {
				controlRows[bi] = append(controlRows[bi], r)
			}
		}
		if len(controlRows[bi]) == 0 {
			noControls = append(noControls, &NoControlsInBatchError{Batch: b.Key})
		}
	}
	if len(noControls) > 0 {
		return nil, fmt.Errorf("scaling undefined: %w", errors.Join(noControls...))
	}

	type featureResult struct {
		idx     int
		failure *DegenerateSpreadError
	}

	jobs := make(chan int)
	results := make(chan featureResult)

	for w := 0; w < s.workers; w++ {
		go func() {
			for idx := range jobs {
				results <- featureResult{idx: idx, failure: s.scaleFeature(features[idx], columns[idx], batches, controlRows)}
			}
		}()
	}

	go func() {
		for i := range features {
			jobs <- i
		}
		close(jobs)
	}()

	failed := make([]*DegenerateSpreadError, len(features))
	for range features {
		res := <-results
		failed[res.idx] = res.failure
	}

	out := &Result{}
	for _, f := range failed {
		if f != nil {
			out.Failures = append(out.Failures, f)
		}
	}
	return out, nil
}

// scaleFeature fits the control statistics for one feature and, only if
// every batch's statistics are well-defined, applies the z-score to the
// whole column. The fit-then-apply split keeps failed features
// untouched rather than half-transformed.
func (s *Scaler) scaleFeature(feature string, col []float64, batches []table.Batch, controlRows [][]int) *DegenerateSpreadError {
	locations := make([]float64, len(batches))
	spreads := make([]float64, len(batches))

	var pooledSpread float64
	if s.strategy == Pooled {
		var pool []float64
		for bi := range batches {
			pool = append(pool, table.Finite(table.Gather(col, controlRows[bi]))...)
		}
		if len(pool) == 0 {
			return &DegenerateSpreadError{Feature: feature, Reason: "no finite control values"}
		}
		mad, err := stats.MedianAbsoluteDeviation(pool)
		if err != nil || madScale*mad == 0 {
			return &DegenerateSpreadError{Feature: feature, Reason: "pooled MAD is zero"}
		}
		pooledSpread = madScale * mad
	}

	for bi, b := range batches {
		controls := table.Finite(table.Gather(col, controlRows[bi]))
		if len(controls) == 0 {
			return &DegenerateSpreadError{Feature: feature, Batch: b.Key, Reason: "no finite control values"}
		}
		loc, err := stats.Median(controls)
		if err != nil {
			return &DegenerateSpreadError{Feature: feature, Batch: b.Key, Reason: err.Error()}
		}
		locations[bi] = loc

		switch s.strategy {
		case Pooled:
			spreads[bi] = pooledSpread
		default:
			mad, err := stats.MedianAbsoluteDeviation(controls)
			if err != nil || madScale*mad == 0 {
				return &DegenerateSpreadError{Feature: feature, Batch: b.Key, Reason: "MAD is zero"}
			}
			spreads[bi] = madScale * mad
		}
	}

	for bi, b := range batches {
		loc, spread := locations[bi], spreads[bi]
		for _, r := range b.Rows {
			if math.IsNaN(col[r]) {
				continue
			}
			col[r] = (col[r] - loc) / spread
		}
	}
	return nil
}
