// Package table provides the in-memory columnar table the normalization
// pipeline operates on. A table holds a fixed number of rows and named
// columns of three kinds: numeric feature columns, categorical label
// columns (plate, well, compound) and boolean flag columns (control
// membership). Rows are never added or removed; stages transform numeric
// columns in place or drop columns.
package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// Batch is a disjoint group of row indices sharing one value of a
// grouping column. Rows are ascending, so workers assigned different
// batches touch disjoint cells.
type Batch struct {
	// Key is the grouping column value, e.g. a plate identifier.
	Key string

	// Rows are the indices of the rows in this batch, in ascending order.
	Rows []int
}

// Table is a fixed-row-count columnar dataset.
type Table struct {
	nrows   int
	order   []string
	numeric map[string][]float64
	labels  map[string][]string
	flags   map[string][]bool
}

// New creates an empty table with the given row count.
func New(nrows int) *Table {
	return &Table{
		nrows:   nrows,
		numeric: make(map[string][]float64),
		labels:  make(map[string][]string),
		flags:   make(map[string][]bool),
	}
}

// NumRows returns the row count, which is invariant for the table's lifetime.
func (t *Table) NumRows() int {
	return t.nrows
}

// Columns returns the column names in insertion order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// HasColumn reports whether a column of any kind exists.
func (t *Table) HasColumn(name string) bool {
	if _, ok := t.numeric[name]; ok {
		return true
	}
	if _, ok := t.labels[name]; ok {
		return true
	}
	_, ok := t.flags[name]
	return ok
}

// AddNumeric adds a numeric column. Missing values are represented as NaN.
func (t *Table) AddNumeric(name string, values []float64) error {
	if err := t.checkAdd(name, len(values)); err != nil {
		return err
	}
	t.numeric[name] = values
	t.order = append(t.order, name)
	return nil
}

// AddLabel adds a categorical column.
func (t *Table) AddLabel(name string, values []string) error {
	if err := t.checkAdd(name, len(values)); err != nil {
		return err
	}
	t.labels[name] = values
	t.order = append(t.order, name)
	return nil
}

// AddFlag adds a boolean column.
func (t *Table) AddFlag(name string, values []bool) error {
	if err := t.checkAdd(name, len(values)); err != nil {
		return err
	}
	t.flags[name] = values
	t.order = append(t.order, name)
	return nil
}

func (t *Table) checkAdd(name string, n int) error {
	if t.HasColumn(name) {
		return fmt.Errorf("column %q already exists", name)
	}
	if n != t.nrows {
		return fmt.Errorf("column %q has %d values, table has %d rows", name, n, t.nrows)
	}
	return nil
}

// Numeric returns the backing slice of a numeric column. Callers that
// transform values write through this slice; that is the documented
// ownership model for in-place stages.
func (t *Table) Numeric(name string) ([]float64, bool) {
	v, ok := t.numeric[name]
	return v, ok
}

// Label returns the backing slice of a categorical column.
func (t *Table) Label(name string) ([]string, bool) {
	v, ok := t.labels[name]
	return v, ok
}

// Flag returns the backing slice of a boolean column.
func (t *Table) Flag(name string) ([]bool, bool) {
	v, ok := t.flags[name]
	return v, ok
}

// DropColumn removes a column of any kind. Dropping an absent column is a no-op.
func (t *Table) DropColumn(name string) {
	delete(t.numeric, name)
	delete(t.labels, name)
	delete(t.flags, name)
	for i, c := range t.order {
		if c == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Clone returns a deep copy of the table. Stages that must not mutate
// their input operate on a clone.
func (t *Table) Clone() *Table {
	c := New(t.nrows)
	c.order = append(c.order, t.order...)
	for name, v := range t.numeric {
		cp := make([]float64, len(v))
		copy(cp, v)
		c.numeric[name] = cp
	}
	for name, v := range t.labels {
		cp := make([]string, len(v))
		copy(cp, v)
		c.labels[name] = cp
	}
	for name, v := range t.flags {
		cp := make([]bool, len(v))
		copy(cp, v)
		c.flags[name] = cp
	}
	return c
}

// GroupBy partitions the rows by the values of a categorical column.
// Batches are returned sorted by key and row indices ascending, so the
// result is a pure function of column content regardless of insertion
// history.
func (t *Table) GroupBy(name string) ([]Batch, error) {
	labels, ok := t.labels[name]
	if !ok {
		return nil, fmt.Errorf("grouping column %q not found", name)
	}
	groups := make(map[string][]int)
	for i, v := range labels {
		groups[v] = append(groups[v], i)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batches := make([]Batch, 0, len(keys))
	for _, k := range keys {
		batches = append(batches, Batch{Key: k, Rows: groups[k]})
	}
	return batches, nil
}

// Gather copies the values at the given row indices into a new slice.
func Gather(values []float64, rows []int) []float64 {
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		out = append(out, values[r])
	}
	return out
}

// Finite filters a slice down to its finite values, dropping NaN and
// infinities. The input is not modified.
func Finite(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// WriteCSV writes the named columns as CSV with a header row. Numeric
// NaN values are written as empty fields, the same convention ReadCSV
// in pkg/dataset accepts for missing measurements.
func (t *Table) WriteCSV(w io.Writer, columns []string) error {
	for _, c := range columns {
		if !t.HasColumn(c) {
			return fmt.Errorf("column %q not found", c)
		}
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	record := make([]string, len(columns))
	for i := 0; i < t.nrows; i++ {
		for j, c := range columns {
			switch {
			case t.numeric[c] != nil:
				v := t.numeric[c][i]
				if math.IsNaN(v) {
					record[j] = ""
				} else {
					record[j] = strconv.FormatFloat(v, 'g', -1, 64)
				}
			case t.labels[c] != nil:
				record[j] = t.labels[c][i]
			default:
				record[j] = strconv.FormatBool(t.flags[c][i])
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
