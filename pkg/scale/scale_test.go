package scale

import (
	"errors"
	"math"
	"strings"
	"testing"

	"morphnorm/pkg/center"
	"morphnorm/pkg/table"
)

// referenceTable builds the two-batch reference scenario: feature F with
// control rows [10 12] and [50 52] and non-control rows [14 16] and
// [54 56] in batches p1 and p2.
func referenceTable() *table.Table {
	tbl := table.New(8)
	tbl.AddLabel("plate", []string{"p1", "p1", "p1", "p1", "p2", "p2", "p2", "p2"})
	tbl.AddNumeric("F", []float64{10, 12, 14, 16, 50, 52, 54, 56})
	tbl.AddFlag("is_control", []bool{true, true, false, false, true, true, false, false})
	return tbl
}

// TestPerBatchHandComputedChain reproduces the reference arithmetic end
// to end: centering shifts batch p1 by -13 and batch p2 by -53, both
// batches become [-3 -1 1 3] with controls [-3 -1]; the control median
// is -2 and the control MAD is 1, so the z-scores are
// (x + 2) / 1.4826 = [-0.6745 0.6745 2.0234 3.3724] in both batches
func TestPerBatchHandComputedChain(t *testing.T) {
	tbl := referenceTable()
	if err := center.New(1).Center(tbl, []string{"F"}, "plate"); err != nil {
		t.Fatalf("Center failed: %v", err)
	}

	result, err := New(PerBatch, 1).Apply(tbl, []string{"F"}, "plate", "is_control")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("Unexpected failures: %v", result.Failures)
	}

	col, _ := tbl.Numeric("F")
	expectedBatch := []float64{-1 / 1.4826, 1 / 1.4826, 3 / 1.4826, 5 / 1.4826}
	expected := append(append([]float64(nil), expectedBatch...), expectedBatch...)
	for i, want := range expected {
		if math.Abs(col[i]-want) > 1e-9 {
			t.Errorf("Row %d: expected %v, got %v", i, want, col[i])
		}
	}
}

// TestStrategiesAgreeOnEqualControlSpread verifies the per-batch and
// pooled strategies produce identical output when every batch has the
// same control spread
func TestStrategiesAgreeOnEqualControlSpread(t *testing.T) {
	perBatch := referenceTable()
	pooled := referenceTable()
	if err := center.New(1).Center(perBatch, []string{"F"}, "plate"); err != nil {
		t.Fatalf("Center failed: %v", err)
	}
	if err := center.New(1).Center(pooled, []string{"F"}, "plate"); err != nil {
		t.Fatalf("Center failed: %v", err)
	}

	if _, err := New(PerBatch, 1).Apply(perBatch, []string{"F"}, "plate", "is_control"); err != nil {
		t.Fatalf("PerBatch apply failed: %v", err)
	}
	if _, err := New(Pooled, 1).Apply(pooled, []string{"F"}, "plate", "is_control"); err != nil {
		t.Fatalf("Pooled apply failed: %v", err)
	}

	a, _ := perBatch.Numeric("F")
	b, _ := pooled.Numeric("F")
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-12 {
			t.Errorf("Row %d: strategies disagree: %v vs %v", i, a[i], b[i])
		}
	}
}

// TestDegenerateSpread verifies identical control values yield a
// collected DegenerateSpread failure, never an infinite z-score
func TestDegenerateSpread(t *testing.T) {
	tbl := table.New(4)
	tbl.AddLabel("plate", []string{"p1", "p1", "p1", "p1"})
	tbl.AddNumeric("F", []float64{7, 7, 9, 11})
	tbl.AddNumeric("ok", []float64{1, 3, 5, 7})
	tbl.AddFlag("is_control", []bool{true, true, false, false})

	result, err := New(PerBatch, 1).Apply(tbl, []string{"F", "ok"}, "plate", "is_control")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if len(result.Failures) != 1 {
		t.Fatalf("Expected 1 failure, got %+v", result.Failures)
	}
	failure := result.Failures[0]
	if failure.Feature != "F" || failure.Batch != "p1" {
		t.Errorf("Expected failure for (F, p1), got %+v", failure)
	}

	// The failed column is untouched, with no partial scaling and no
	// non-finite values
	col, _ := tbl.Numeric("F")
	expected := []float64{7, 7, 9, 11}
	for i, want := range expected {
		if col[i] != want {
			t.Errorf("Row %d of failed feature modified: expected %v, got %v", i, want, col[i])
		}
	}

	// The healthy feature is scaled: controls [1 3], median 2, MAD 1
	ok, _ := tbl.Numeric("ok")
	wantOK := []float64{-1 / 1.4826, 1 / 1.4826, 3 / 1.4826, 5 / 1.4826}
	for i, want := range wantOK {
		if math.Abs(ok[i]-want) > 1e-9 {
			t.Errorf("Healthy feature row %d: expected %v, got %v", i, want, ok[i])
		}
	}
}

// TestNoControlsInBatch verifies every control-less batch is reported
// and the stage fails before transforming anything
func TestNoControlsInBatch(t *testing.T) {
	tbl := table.New(6)
	tbl.AddLabel("plate", []string{"p1", "p1", "p2", "p2", "p3", "p3"})
	tbl.AddNumeric("F", []float64{1, 2, 3, 4, 5, 6})
	tbl.AddFlag("is_control", []bool{true, false, false, false, false, false})

	_, err := New(PerBatch, 1).Apply(tbl, []string{"F"}, "plate", "is_control")
	if err == nil {
		t.Fatal("Expected error for batches without controls")
	}

	var noControls *NoControlsInBatchError
	if !errors.As(err, &noControls) {
		t.Errorf("Expected NoControlsInBatchError, got %v", err)
	}
	for _, batch := range []string{"p2", "p3"} {
		if !strings.Contains(err.Error(), batch) {
			t.Errorf("Expected error to name batch %q, got: %v", batch, err)
		}
	}

	// Nothing may have been transformed
	col, _ := tbl.Numeric("F")
	for i, want := range []float64{1, 2, 3, 4, 5, 6} {
		if col[i] != want {
			t.Errorf("Row %d modified despite stage failure: %v", i, col[i])
		}
	}
}

// TestPooledSpreadUsesAllControls verifies the pooled strategy scales
// with a single MAD estimated across batches while keeping per-batch
// locations
func TestPooledSpreadUsesAllControls(t *testing.T) {
	tbl := table.New(8)
	tbl.AddLabel("plate", []string{"p1", "p1", "p1", "p1", "p2", "p2", "p2", "p2"})
	// Controls: p1 [0 2] (median 1), p2 [10 16] (median 13).
	// Pooled control values [0 2 10 16]: median 6, deviations [6 4 4 10],
	// MAD 5, spread 7.413.
	tbl.AddNumeric("F", []float64{0, 2, 4, 6, 10, 16, 20, 26})
	tbl.AddFlag("is_control", []bool{true, true, false, false, true, true, false, false})

	result, err := New(Pooled, 1).Apply(tbl, []string{"F"}, "plate", "is_control")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("Unexpected failures: %v", result.Failures)
	}

	spread := 1.4826 * 5
	expected := []float64{
		(0 - 1.0) / spread, (2 - 1.0) / spread, (4 - 1.0) / spread, (6 - 1.0) / spread,
		(10 - 13.0) / spread, (16 - 13.0) / spread, (20 - 13.0) / spread, (26 - 13.0) / spread,
	}
	col, _ := tbl.Numeric("F")
	for i, want := range expected {
		if math.Abs(col[i]-want) > 1e-9 {
			t.Errorf("Row %d: expected %v, got %v", i, want, col[i])
		}
	}
}

// TestScaleIgnoresMissingValues verifies NaN rows stay NaN and controls
// with missing values still anchor on their finite values
func TestScaleIgnoresMissingValues(t *testing.T) {
	tbl := table.New(4)
	tbl.AddLabel("plate", []string{"p1", "p1", "p1", "p1"})
	tbl.AddNumeric("F", []float64{1, 3, math.NaN(), 7})
	tbl.AddFlag("is_control", []bool{true, true, false, false})

	_, err := New(PerBatch, 1).Apply(tbl, []string{"F"}, "plate", "is_control")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	col, _ := tbl.Numeric("F")
	if !math.IsNaN(col[2]) {
		t.Errorf("Missing value was filled in: %v", col[2])
	}
	// Controls [1 3]: median 2, MAD 1
	if math.Abs(col[3]-5/1.4826) > 1e-9 {
		t.Errorf("Expected %v, got %v", 5/1.4826, col[3])
	}
}

// TestParseStrategy verifies strategy parsing accepts only the two
// documented values
func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy("per-batch"); err != nil || s != PerBatch {
		t.Errorf("ParseStrategy(per-batch) = %v, %v", s, err)
	}
	if s, err := ParseStrategy("pooled"); err != nil || s != Pooled {
		t.Errorf("ParseStrategy(pooled) = %v, %v", s, err)
	}
	if _, err := ParseStrategy("zscore"); err == nil {
		t.Errorf("Expected error for unknown strategy")
	}
}

// TestScaleMissingColumns verifies missing columns are fatal
func TestScaleMissingColumns(t *testing.T) {
	tbl := table.New(2)
	tbl.AddLabel("plate", []string{"p1", "p1"})
	tbl.AddNumeric("F", []float64{1, 2})
	tbl.AddFlag("is_control", []bool{true, false})

	s := New(PerBatch, 1)
	if _, err := s.Apply(tbl, []string{"ghost"}, "plate", "is_control"); err == nil {
		t.Errorf("Expected error for missing feature column")
	}
	if _, err := s.Apply(tbl, []string{"F"}, "ghost", "is_control"); err == nil {
		t.Errorf("Expected error for missing batch column")
	}
	if _, err := s.Apply(tbl, []string{"F"}, "plate", "ghost"); err == nil {
		t.Errorf("Expected error for missing control flag column")
	}
}
