// Package table provides the in-memory column table the feature pipeline
// works on, and its file I/O (CSV through gota, XLSX through excelize).
//
// Columns keep their load order. Numeric columns store NaN for missing
// values; string columns carry an explicit missing mask. Operations in the
// features package never mutate a Table they receive: they Clone it first.
package table

import (
	"math"
	"sort"

	"github.com/YuminosukeSato/agipredict/pkg/errors"
)

// Kind is the storage kind of a column.
type Kind int

const (
	// Numeric columns hold float64 values, NaN meaning missing.
	Numeric Kind = iota
	// String columns hold text plus a missing mask.
	String
)

func (k Kind) String() string {
	if k == Numeric {
		return "numeric"
	}
	return "string"
}

// Column is one named column of a Table.
type Column struct {
	Name    string
	Kind    Kind
	Num     []float64
	Str     []string
	Missing []bool
}

// IsMissing reports whether row i of the column is missing.
func (c *Column) IsMissing(i int) bool {
	if c.Kind == Numeric {
		return math.IsNaN(c.Num[i])
	}
	return c.Missing[i]
}

// MissingCount returns the number of missing entries.
func (c *Column) MissingCount() int {
	n := 0
	for i := 0; i < c.Len(); i++ {
		if c.IsMissing(i) {
			n++
		}
	}
	return n
}

// Len returns the number of rows.
func (c *Column) Len() int {
	if c.Kind == Numeric {
		return len(c.Num)
	}
	return len(c.Str)
}

func (c *Column) clone() *Column {
	out := &Column{Name: c.Name, Kind: c.Kind}
	if c.Kind == Numeric {
		out.Num = append([]float64(nil), c.Num...)
		return out
	}
	out.Str = append([]string(nil), c.Str...)
	out.Missing = append([]bool(nil), c.Missing...)
	return out
}

// Table is an ordered set of equally long named columns.
type Table struct {
	cols  []*Column
	index map[string]int
	nrows int
}

// New returns an empty table with nrows rows and no columns.
func New(nrows int) *Table {
	return &Table{index: make(map[string]int), nrows: nrows}
}

// NRows returns the number of rows.
func (t *Table) NRows() int { return t.nrows }

// NCols returns the number of columns.
func (t *Table) NCols() int { return len(t.cols) }

// Names returns the column names in order.
func (t *Table) Names() []string {
	out := make([]string, len(t.cols))
	for i, c := range t.cols {
		out[i] = c.Name
	}
	return out
}

// NumericNames returns the numeric column names in order.
func (t *Table) NumericNames() []string {
	var out []string
	for _, c := range t.cols {
		if c.Kind == Numeric {
			out = append(out, c.Name)
		}
	}
	return out
}

// Has reports whether the table has a column called name.
func (t *Table) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column returns the column called name.
func (t *Table) Column(name string) (*Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.cols[i], true
}

// Columns returns the columns in order. Callers must not modify them.
func (t *Table) Columns() []*Column { return t.cols }

// Numeric returns the values of a numeric column.
func (t *Table) Numeric(name string) ([]float64, bool) {
	c, ok := t.Column(name)
	if !ok || c.Kind != Numeric {
		return nil, false
	}
	return c.Num, true
}

// Strings returns the values of a column as text; numeric columns are
// not converted.
func (t *Table) Strings(name string) ([]string, bool) {
	c, ok := t.Column(name)
	if !ok || c.Kind != String {
		return nil, false
	}
	return c.Str, true
}

// SetNumeric adds or replaces a numeric column. A new column is appended
// at the end; a replaced column keeps its position.
func (t *Table) SetNumeric(name string, values []float64) error {
	return t.set(&Column{Name: name, Kind: Numeric, Num: values})
}

// SetString adds or replaces a string column. missing may be nil.
func (t *Table) SetString(name string, values []string, missing []bool) error {
	if missing == nil {
		missing = make([]bool, len(values))
	}
	if len(missing) != len(values) {
		return errors.NewDimensionError("SetString", len(values), len(missing), 0)
	}
	return t.set(&Column{Name: name, Kind: String, Str: values, Missing: missing})
}

func (t *Table) set(c *Column) error {
	if len(t.cols) == 0 && t.nrows == 0 {
		t.nrows = c.Len()
	}
	if c.Len() != t.nrows {
		return errors.NewDimensionError("SetColumn "+c.Name, t.nrows, c.Len(), 0)
	}
	if i, ok := t.index[c.Name]; ok {
		t.cols[i] = c
		return nil
	}
	t.index[c.Name] = len(t.cols)
	t.cols = append(t.cols, c)
	return nil
}

// Drop removes the named columns; unknown names are ignored.
func (t *Table) Drop(names ...string) {
	if len(names) == 0 {
		return
	}
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	kept := t.cols[:0]
	for _, c := range t.cols {
		if !drop[c.Name] {
			kept = append(kept, c)
		}
	}
	t.cols = kept
	t.reindex()
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.cols))
	for i, c := range t.cols {
		t.index[c.Name] = i
	}
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	out := &Table{cols: make([]*Column, len(t.cols)), nrows: t.nrows}
	for i, c := range t.cols {
		out.cols[i] = c.clone()
	}
	out.reindex()
	return out
}

// Filter returns a new table with the rows where keep is true.
func (t *Table) Filter(keep []bool) (*Table, error) {
	if len(keep) != t.nrows {
		return nil, errors.NewDimensionError("Filter", t.nrows, len(keep), 0)
	}
	rows := make([]int, 0, t.nrows)
	for i, k := range keep {
		if k {
			rows = append(rows, i)
		}
	}
	return t.Rows(rows), nil
}

// Rows returns a new table with the given rows, in the given order.
func (t *Table) Rows(rows []int) *Table {
	out := &Table{cols: make([]*Column, len(t.cols)), nrows: len(rows)}
	for j, c := range t.cols {
		nc := &Column{Name: c.Name, Kind: c.Kind}
		if c.Kind == Numeric {
			nc.Num = make([]float64, len(rows))
			for k, r := range rows {
				nc.Num[k] = c.Num[r]
			}
		} else {
			nc.Str = make([]string, len(rows))
			nc.Missing = make([]bool, len(rows))
			for k, r := range rows {
				nc.Str[k] = c.Str[r]
				nc.Missing[k] = c.Missing[r]
			}
		}
		out.cols[j] = nc
	}
	out.reindex()
	return out
}

// MissingFraction returns the share of missing entries in a column.
func (t *Table) MissingFraction(name string) float64 {
	c, ok := t.Column(name)
	if !ok || t.nrows == 0 {
		return 0
	}
	return float64(c.MissingCount()) / float64(t.nrows)
}

// FromRecords builds a numeric table from records. Columns are the union
// of the record keys in sorted order; absent keys become NaN.
func FromRecords(records []map[string]float64) *Table {
	seen := make(map[string]bool)
	var names []string
	for _, r := range records {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)

	t := New(len(records))
	for _, name := range names {
		vals := make([]float64, len(records))
		for i, r := range records {
			if v, ok := r[name]; ok {
				vals[i] = v
			} else {
				vals[i] = math.NaN()
			}
		}
		_ = t.SetNumeric(name, vals)
	}
	return t
}
