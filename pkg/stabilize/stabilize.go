// Package stabilize implements generalized-log variance stabilization of
// feature columns. Raw morphological measurements are strongly
// right-skewed and, after background subtraction, frequently zero or
// negative, which rules out a plain logarithm. The generalized log
// (Durbin et al., 2002) behaves like log(x) for x well above the shift
// parameter and stays finite and real for all inputs.
package stabilize

import (
	"fmt"
	"math"
	"runtime"
	"sort"

	"gonum.org/v1/gonum/stat"

	"morphnorm/pkg/table"
)

// DegenerateFeatureError reports a feature whose shift parameter is
// undefined, e.g. because every value in the column is missing.
type DegenerateFeatureError struct {
	// Feature is the name of the feature column.
	Feature string

	// Reason describes why the statistic could not be computed.
	Reason string
}

func (e *DegenerateFeatureError) Error() string {
	return fmt.Sprintf("degenerate feature %q: %s", e.Feature, e.Reason)
}

// Glog is the generalized logarithm ln((x + sqrt(x^2 + c^2)) / 2). For
// c > 0 it is defined, finite and monotonically increasing over all
// finite x, unlike log which is undefined for x <= 0.
func Glog(x, c float64) float64 {
	return math.Log((x + math.Sqrt(x*x+c*c)) / 2)
}

// Stabilizer applies the glog transform to each feature column
// independently, using a per-feature shift parameter estimated from a
// low quantile of the observed values.
type Stabilizer struct {
	// quantile is the probability of the quantile used as the shift
	// parameter c for each feature.
	quantile float64

	// workers bounds the number of features transformed concurrently.
	workers int
}

// New creates a stabilizer with the given shift quantile. A
// non-positive workers value uses all available cores.
func New(quantile float64, workers int) *Stabilizer {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Stabilizer{quantile: quantile, workers: workers}
}

// Result holds the per-feature diagnostics of one stabilization pass.
type Result struct {
	// Shift maps each successfully transformed feature to the shift
	// parameter c that was used.
	Shift map[string]float64

	// NonFinite counts, per feature, transform outputs that were not
	// finite and were written back as NaN instead.
	NonFinite map[string]int

	// Failures lists features whose shift parameter was undefined.
	// Their columns are left untouched.
	Failures []*DegenerateFeatureError
}

// FailedFeatures returns the names of the failed features in input order.
func (r *Result) FailedFeatures() []string {
	names := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		names = append(names, f.Feature)
	}
	return names
}

// Apply transforms every listed feature column in place. Features are
// independent, so they are dispatched across workers; each worker owns
// exactly one column slice and no locking is needed. Missing (NaN)
// inputs stay missing. A missing column is a configuration error and
// aborts immediately; per-feature statistical failures are collected in
// the result instead.
func (s *Stabilizer) Apply(tbl *table.Table, features []string) (*Result, error) {
	columns := make([][]float64, len(features))
	for i, f := range features {
		col, ok := tbl.Numeric(f)
		if !ok {
			return nil, fmt.Errorf("feature column %q not found", f)
		}
		columns[i] = col
	}

	type featureResult struct {
		idx       int
		shift     float64
		nonFinite int
		failure   *DegenerateFeatureError
	}

	jobs := make(chan int)
	results := make(chan featureResult)

	for w := 0; w < s.workers; w++ {
		go func() {
			for idx := range jobs {
				res := featureResult{idx: idx}
				col := columns[idx]

				finite := table.Finite(col)
				if len(finite) == 0 {
					res.failure = &DegenerateFeatureError{
						Feature: features[idx],
						Reason:  "no finite values, shift quantile undefined",
					}
					results <- res
					continue
				}
				sort.Float64s(finite)
				c := stat.Quantile(s.quantile, stat.LinInterp, finite, nil)

				for i, v := range col {
					if math.IsNaN(v) {
						continue
					}
					g := Glog(v, c)
					if math.IsNaN(g) || math.IsInf(g, 0) {
						col[i] = math.NaN()
						res.nonFinite++
						continue
					}
					col[i] = g
				}
				res.shift = c
				results <- res
			}
		}()
	}

	go func() {
		for i := range features {
			jobs <- i
		}
		close(jobs)
	}()

	out := &Result{
		Shift:     make(map[string]float64),
		NonFinite: make(map[string]int),
	}
	failed := make([]*DegenerateFeatureError, len(features))
	for range features {
		res := <-results
		if res.failure != nil {
			failed[res.idx] = res.failure
			continue
		}
		out.Shift[features[res.idx]] = res.shift
		if res.nonFinite > 0 {
			out.NonFinite[features[res.idx]] = res.nonFinite
		}
	}
	// Report failures in input order so diagnostics are deterministic.
	for _, f := range failed {
		if f != nil {
			out.Failures = append(out.Failures, f)
		}
	}
	return out, nil
}
