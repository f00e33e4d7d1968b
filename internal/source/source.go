// Package source defines the uniform read/write/metadata capability over
// one physical file or database, the descriptor that configures it, and
// the kind registry backends register themselves with.
package source

import (
	"context"
	"fmt"

	"github.com/tabflow/tabflow/internal/table"
)

// WriteMode selects how Write treats an existing table or file.
type WriteMode string

const (
	// ModeReplace drops any existing data first.
	ModeReplace WriteMode = "replace"
	// ModeAppend adds rows to existing data, creating it when absent.
	ModeAppend WriteMode = "append"
)

// FilterOp is a simple comparison operator for read-side filtering.
type FilterOp string

const (
	FilterEq FilterOp = "eq"
	FilterNe FilterOp = "ne"
	FilterLt FilterOp = "lt"
	FilterLe FilterOp = "le"
	FilterGt FilterOp = "gt"
	FilterGe FilterOp = "ge"
	FilterIn FilterOp = "in"
)

// Filter restricts a read to rows matching a column comparison.
// FilterIn uses Values; every other operator uses Value.
type Filter struct {
	Column string
	Op     FilterOp
	Value  any
	Values []any
}

// ReadOptions shape a Read. Zero value means "everything".
type ReadOptions struct {
	// Query is backend query text (SQL kinds only).
	Query string
	// Table names the table to read for database kinds.
	Table string
	// Columns projects the result onto a subset, in the given order.
	Columns []string
	// Filters keep only matching rows.
	Filters []Filter
	// Limit caps the row count; 0 means unlimited.
	Limit int64
}

// WriteOptions shape a Write.
type WriteOptions struct {
	// Table names the destination table for database kinds; file kinds
	// may use it as a sheet or dataset name.
	Table string
	// Mode defaults to ModeReplace.
	Mode WriteMode
}

// Source is one readable/writable tabular resource. Implementations
// return tables whole; no operation retries internally, the caller owns
// retry policy. Close must be idempotent.
type Source interface {
	Kind() string
	Read(ctx context.Context, opts ReadOptions) (*table.Table, error)
	Write(ctx context.Context, tbl *table.Table, opts WriteOptions) error
	Metadata(ctx context.Context) (map[string]any, error)
	Close() error
}

// ApplyFilters returns the rows of t matching every filter. Columns are
// untouched. Unknown filter columns fail rather than silently matching.
func ApplyFilters(t *table.Table, filters []Filter) (*table.Table, error) {
	if len(filters) == 0 {
		return t, nil
	}
	idx := make([]int, len(filters))
	for i, f := range filters {
		col := t.ColumnIndex(f.Column)
		if col < 0 {
			return nil, fmt.Errorf("filter column %q not found", f.Column)
		}
		idx[i] = col
	}

	out := &table.Table{Columns: t.Columns}
	for _, row := range t.Rows {
		keep := true
		for i, f := range filters {
			match, err := f.match(row[idx[i]])
			if err != nil {
				return nil, err
			}
			if !match {
				keep = false
				break
			}
		}
		if keep {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func (f Filter) match(cell any) (bool, error) {
	switch f.Op {
	case FilterEq:
		return compareCells(cell, f.Value) == 0, nil
	case FilterNe:
		return compareCells(cell, f.Value) != 0, nil
	case FilterLt:
		return compareCells(cell, f.Value) < 0, nil
	case FilterLe:
		return compareCells(cell, f.Value) <= 0, nil
	case FilterGt:
		return compareCells(cell, f.Value) > 0, nil
	case FilterGe:
		return compareCells(cell, f.Value) >= 0, nil
	case FilterIn:
		for _, v := range f.Values {
			if compareCells(cell, v) == 0 {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown filter operator %q", f.Op)
	}
}

// compareCells orders two cells, coercing numerics so int64 and float64
// compare naturally. Incomparable pairs order by rendered string.
func compareCells(a, b any) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := table.RenderCell(a), table.RenderCell(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
