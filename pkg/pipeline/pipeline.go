// Package pipeline chains the normalization stages over a screening
// table: glog variance stabilization, cross-batch variability analysis
// with feature exclusion, per-batch median centering and
// control-anchored robust scaling. The feature list shrinks as stages
// exclude or fail features; each stage runs to completion before the
// next starts, since exclusion, centering medians and control statistics
// all need a complete view of the previous stage's output.
package pipeline

import (
	"errors"
	"fmt"
	"runtime"

	"morphnorm/pkg/center"
	"morphnorm/pkg/scale"
	"morphnorm/pkg/stabilize"
	"morphnorm/pkg/table"
	"morphnorm/pkg/variability"
)

// FailurePolicy decides what happens to features that fail a stage.
type FailurePolicy string

const (
	// DropFailed removes failed feature columns from the output and
	// records them in the result.
	DropFailed FailurePolicy = "drop"

	// Abort stops the run at the first stage that reports unit failures,
	// returning the collected errors.
	Abort FailurePolicy = "abort"
)

// ParseFailurePolicy converts a configuration string into a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case DropFailed, Abort:
		return FailurePolicy(s), nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (want %q or %q)", s, DropFailed, Abort)
	}
}

// ControlFlagColumn is the derived boolean column marking rows of the
// negative-control population.
const ControlFlagColumn = "is_control"

// Options configures a pipeline run.
type Options struct {
	// Features are the feature column names, in output order.
	Features []string

	// BatchKey is the label column whose values partition rows into
	// batches, typically the plate identifier.
	BatchKey string

	// ControlColumn and ControlValue define the control predicate: a row
	// is a control iff its ControlColumn label equals ControlValue
	// (e.g. compound == "DMSO").
	ControlColumn string
	ControlValue  string

	// GlogQuantile is the quantile of each feature used as the glog
	// shift parameter. Zero means the default 0.05.
	GlogQuantile float64

	// VariabilityThreshold excludes features whose cross-batch spread
	// statistic is at or above it. Zero means the default 0.3.
	VariabilityThreshold float64

	// Strategy selects the control spread estimator. Empty means Pooled.
	Strategy scale.Strategy

	// Workers bounds per-stage parallelism. Zero means all cores.
	Workers int

	// OnFailure is the unit failure policy. Empty means DropFailed.
	OnFailure FailurePolicy

	// Verbose enables stage progress logging.
	Verbose bool
}

// Result is the output of a pipeline run.
type Result struct {
	// Table holds the transformed feature columns plus the untouched
	// metadata columns and the derived control flag. The caller's input
	// table is never modified.
	Table *table.Table

	// Features are the surviving feature columns, in input order.
	Features []string

	// Excluded lists features removed by the variability threshold.
	Excluded []string

	// Dropped lists features removed by unit failures under the
	// DropFailed policy.
	Dropped []string

	// Stabilize, Variability and Scale carry the per-stage diagnostics.
	Stabilize   *stabilize.Result
	Variability *variability.Report
	Scale       *scale.Result
}

// Pipeline runs the normalization stages in their documented order.
type Pipeline struct {
	opts Options
}

// New validates the options, fills in defaults and creates a pipeline.
func New(opts Options) (*Pipeline, error) {
	if len(opts.Features) == 0 {
		return nil, fmt.Errorf("no feature columns configured")
	}
	if opts.BatchKey == "" {
		return nil, fmt.Errorf("no batch key column configured")
	}
	if opts.ControlColumn == "" || opts.ControlValue == "" {
		return nil, fmt.Errorf("control predicate requires a column and a value")
	}
	if opts.GlogQuantile == 0 {
		opts.GlogQuantile = 0.05
	}
	if opts.GlogQuantile < 0 || opts.GlogQuantile >= 1 {
		return nil, fmt.Errorf("glog quantile %v out of range [0, 1)", opts.GlogQuantile)
	}
	if opts.VariabilityThreshold == 0 {
		opts.VariabilityThreshold = 0.3
	}
	if opts.VariabilityThreshold < 0 {
		return nil, fmt.Errorf("variability threshold %v must be nonnegative", opts.VariabilityThreshold)
	}
	if opts.Strategy == "" {
		opts.Strategy = scale.Pooled
	}
	if _, err := scale.ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}
	if opts.OnFailure == "" {
		opts.OnFailure = DropFailed
	}
	if _, err := ParseFailurePolicy(string(opts.OnFailure)); err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Pipeline{opts: opts}, nil
}

// Run normalizes the table. The input is cloned first; all transforms
// happen on the clone, which is returned in the result. A missing
// required column is a fatal configuration error; statistical failures
// of individual features are handled according to the failure policy.
func (p *Pipeline) Run(input *table.Table) (*Result, error) {
	if err := p.validateSchema(input); err != nil {
		return nil, err
	}

	tbl := input.Clone()
	features := append([]string(nil), p.opts.Features...)
	res := &Result{}

	// Derive the control membership flag from the control predicate.
	labels, _ := tbl.Label(p.opts.ControlColumn)
	mask := make([]bool, tbl.NumRows())
	controls := 0
	for i, v := range labels {
		if v == p.opts.ControlValue {
			mask[i] = true
			controls++
		}
	}
	if controls == 0 {
		return nil, fmt.Errorf("no rows match control predicate %s == %q",
			p.opts.ControlColumn, p.opts.ControlValue)
	}
	tbl.DropColumn(ControlFlagColumn)
	if err := tbl.AddFlag(ControlFlagColumn, mask); err != nil {
		return nil, err
	}
	p.logf("Control population: %d of %d rows (%s == %q)\n",
		controls, tbl.NumRows(), p.opts.ControlColumn, p.opts.ControlValue)

	// Stage 1: variance stabilization.
	p.logf("Stage 1: glog variance stabilization (quantile %.3g)...\n", p.opts.GlogQuantile)
	stabResult, err := stabilize.New(p.opts.GlogQuantile, p.opts.Workers).Apply(tbl, features)
	if err != nil {
		return nil, fmt.Errorf("variance stabilization failed: %w", err)
	}
	res.Stabilize = stabResult
	features, err = p.resolveFailures(tbl, res, features, stabResult.FailedFeatures(), asErrors(stabResult.Failures))
	if err != nil {
		return nil, err
	}

	// Stage 2: cross-batch variability analysis and exclusion.
	p.logf("Stage 2: batch variability analysis (threshold %.3g)...\n", p.opts.VariabilityThreshold)
	varReport, err := variability.New(p.opts.VariabilityThreshold).Analyze(tbl, features, p.opts.BatchKey)
	if err != nil {
		return nil, fmt.Errorf("variability analysis failed: %w", err)
	}
	res.Variability = varReport
	var varFailed []string
	var varErrs []error
	for _, f := range varReport.Failures {
		varFailed = append(varFailed, f.Feature)
		varErrs = append(varErrs, f)
	}
	features, err = p.resolveFailures(tbl, res, features, varFailed, varErrs)
	if err != nil {
		return nil, err
	}
	res.Excluded = append([]string(nil), varReport.Excluded...)
	features = varReport.Surviving(features)
	for _, f := range res.Excluded {
		tbl.DropColumn(f)
	}
	p.logf("Excluded %d of %d features at threshold %.3g\n",
		len(res.Excluded), len(features)+len(res.Excluded), p.opts.VariabilityThreshold)

	// Stage 3: per-batch median centering.
	p.logf("Stage 3: per-batch median centering...\n")
	if err := center.New(p.opts.Workers).Center(tbl, features, p.opts.BatchKey); err != nil {
		return nil, fmt.Errorf("batch centering failed: %w", err)
	}

	// Stage 4: control-anchored robust scaling.
	p.logf("Stage 4: control-anchored scaling (%s spread)...\n", p.opts.Strategy)
	scaleResult, err := scale.New(p.opts.Strategy, p.opts.Workers).Apply(tbl, features, p.opts.BatchKey, ControlFlagColumn)
	if err != nil {
		return nil, fmt.Errorf("control-anchored scaling failed: %w", err)
	}
	res.Scale = scaleResult
	features, err = p.resolveFailures(tbl, res, features, scaleResult.FailedFeatures(), asErrors(scaleResult.Failures))
	if err != nil {
		return nil, err
	}

	res.Table = tbl
	res.Features = features
	return res, nil
}

// validateSchema checks that every configured column exists with the
// right kind before any work starts.
func (p *Pipeline) validateSchema(tbl *table.Table) error {
	for _, f := range p.opts.Features {
		if _, ok := tbl.Numeric(f); !ok {
			return fmt.Errorf("feature column %q missing or not numeric", f)
		}
	}
	if _, ok := tbl.Label(p.opts.BatchKey); !ok {
		return fmt.Errorf("batch key column %q missing or not categorical", p.opts.BatchKey)
	}
	if _, ok := tbl.Label(p.opts.ControlColumn); !ok {
		return fmt.Errorf("control column %q missing or not categorical", p.opts.ControlColumn)
	}
	return nil
}

// resolveFailures applies the failure policy to a stage's failed
// features: under DropFailed the columns are removed and recorded,
// under Abort the collected unit errors end the run.
func (p *Pipeline) resolveFailures(tbl *table.Table, res *Result, features, failed []string, errs []error) ([]string, error) {
	if len(failed) == 0 {
		return features, nil
	}
	if p.opts.OnFailure == Abort {
		return nil, errors.Join(errs...)
	}
	drop := make(map[string]bool, len(failed))
	for _, f := range failed {
		drop[f] = true
		tbl.DropColumn(f)
	}
	res.Dropped = append(res.Dropped, failed...)
	out := make([]string, 0, len(features))
	for _, f := range features {
		if !drop[f] {
			out = append(out, f)
		}
	}
	p.logf("Dropped %d failed features\n", len(failed))
	return out, nil
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.opts.Verbose {
		fmt.Printf(format, args...)
	}
}

func asErrors[E error](failures []E) []error {
	out := make([]error, 0, len(failures))
	for _, f := range failures {
		out = append(out, f)
	}
	return out
}
