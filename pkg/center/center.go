// Package center removes per-batch location bias by subtracting each
// batch's median from every value of that batch, feature by feature.
// Plates acquired on different days carry additive offsets; after
// centering, the median of every feature within every batch is zero up
// to floating-point rounding, so cross-batch comparisons no longer see
// the plate offset.
package center

import (
	"fmt"
	"runtime"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"morphnorm/pkg/table"
)

// Centerer subtracts per-batch medians in place.
type Centerer struct {
	workers int
}

// New creates a centerer. A non-positive workers value uses all
// available cores.
func New(workers int) *Centerer {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Centerer{workers: workers}
}

// Center transforms every listed feature column in place. Batches are
// disjoint row partitions, so one goroutine per batch writes disjoint
// cells and no locking is needed. Missing (NaN) values are ignored by
// the median and stay missing. Row count and batch membership are
// unchanged.
func (c *Centerer) Center(tbl *table.Table, features []string, batchKey string) error {
	columns := make([][]float64, len(features))
	for i, f := range features {
		col, ok := tbl.Numeric(f)
		if !ok {
			return fmt.Errorf("feature column %q not found", f)
		}
		columns[i] = col
	}

	batches, err := tbl.GroupBy(batchKey)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(c.workers)
	for _, b := range batches {
		b := b
		g.Go(func() error {
			for i := range features {
				col := columns[i]
				finite := table.Finite(table.Gather(col, b.Rows))
				if len(finite) == 0 {
					// Nothing to center; every value in this batch is missing.
					continue
				}
				m, err := stats.Median(finite)
				if err != nil {
					return fmt.Errorf("median of feature %q in batch %q: %w", features[i], b.Key, err)
				}
				for _, r := range b.Rows {
					col[r] -= m
				}
			}
			return nil
		})
	}
	return g.Wait()
}
