// Package table provides the in-memory tabular dataset exchanged between
// sources and pipeline steps.
package table

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cell type names used for serialization and DDL generation.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeTime   = "time"
)

// Table holds an ordered column set and row-major cells. Cells are nil,
// string, int64, float64, bool, or time.Time. A column holds one scalar
// kind; nil marks a missing value.
type Table struct {
	Columns []string
	Rows    [][]any
}

// New creates an empty table with the given columns.
func New(columns ...string) *Table {
	return &Table{Columns: columns}
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// NumCols returns the number of columns.
func (t *Table) NumCols() int {
	if t == nil {
		return 0
	}
	return len(t.Columns)
}

// IsEmpty reports whether the table has no rows.
func (t *Table) IsEmpty() bool {
	return t.NumRows() == 0
}

// ColumnIndex returns the position of a column, or -1 when absent.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the column exists.
func (t *Table) HasColumn(name string) bool {
	return t.ColumnIndex(name) >= 0
}

// MissingColumns returns every name in required that the table lacks,
// in the order given.
func (t *Table) MissingColumns(required []string) []string {
	var missing []string
	for _, name := range required {
		if !t.HasColumn(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// AppendRow adds a row. The cell count must match the column count.
func (t *Table) AppendRow(cells ...any) error {
	if len(cells) != len(t.Columns) {
		return fmt.Errorf("row has %d cells, table has %d columns", len(cells), len(t.Columns))
	}
	t.Rows = append(t.Rows, cells)
	return nil
}

// Value returns the cell at row for the named column, or nil when the
// column is absent.
func (t *Table) Value(row int, column string) any {
	idx := t.ColumnIndex(column)
	if idx < 0 || row < 0 || row >= len(t.Rows) {
		return nil
	}
	return t.Rows[row][idx]
}

// Select returns a new table projected onto the given columns.
func (t *Table) Select(columns []string) (*Table, error) {
	indexes := make([]int, len(columns))
	for i, name := range columns {
		idx := t.ColumnIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("column %q not found", name)
		}
		indexes[i] = idx
	}

	out := &Table{Columns: append([]string(nil), columns...)}
	out.Rows = make([][]any, len(t.Rows))
	for r, row := range t.Rows {
		cells := make([]any, len(indexes))
		for i, idx := range indexes {
			cells[i] = row[idx]
		}
		out.Rows[r] = cells
	}
	return out, nil
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	out := &Table{Columns: append([]string(nil), t.Columns...)}
	out.Rows = make([][]any, len(t.Rows))
	for i, row := range t.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}
	return out
}

// ColumnType derives the type name of a column from its first non-nil
// cell. Columns with no values default to string.
func (t *Table) ColumnType(idx int) string {
	for _, row := range t.Rows {
		switch row[idx].(type) {
		case nil:
			continue
		case int64:
			return TypeInt
		case float64:
			return TypeFloat
		case bool:
			return TypeBool
		case time.Time:
			return TypeTime
		default:
			return TypeString
		}
	}
	return TypeString
}

// Equal reports whether two tables have identical columns and cells.
func (t *Table) Equal(other *Table) bool {
	if t.NumRows() != other.NumRows() || t.NumCols() != other.NumCols() {
		return false
	}
	for i := range t.Columns {
		if t.Columns[i] != other.Columns[i] {
			return false
		}
	}
	for r := range t.Rows {
		for c := range t.Rows[r] {
			if !cellEqual(t.Rows[r][c], other.Rows[r][c]) {
				return false
			}
		}
	}
	return true
}

func cellEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return a == b
}

// RenderCell formats a cell for text formats (CSV, spreadsheets).
// nil renders as the empty string.
func RenderCell(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case int64:
		return strconv.FormatInt(c, 10)
	case float64:
		return strconv.FormatFloat(c, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(c)
	case time.Time:
		return c.Format(time.RFC3339)
	default:
		return fmt.Sprint(c)
	}
}

// FromStrings builds a table from a string grid, as produced by CSV and
// spreadsheet readers. When infer is true each column is parsed to the
// narrowest kind that fits every non-empty cell (int, then float, then
// bool, falling back to string) and empty cells become nil; when false
// every cell stays a string.
func FromStrings(columns []string, records [][]string, infer bool) *Table {
	t := &Table{Columns: append([]string(nil), columns...)}
	t.Rows = make([][]any, len(records))

	if !infer {
		for r, rec := range records {
			row := make([]any, len(columns))
			for c := range columns {
				if c < len(rec) {
					row[c] = rec[c]
				} else {
					row[c] = ""
				}
			}
			t.Rows[r] = row
		}
		return t
	}

	kinds := make([]string, len(columns))
	for c := range columns {
		kinds[c] = inferColumnKind(records, c)
	}
	for r, rec := range records {
		row := make([]any, len(columns))
		for c := range columns {
			var raw string
			if c < len(rec) {
				raw = rec[c]
			}
			row[c] = parseCell(raw, kinds[c])
		}
		t.Rows[r] = row
	}
	return t
}

func inferColumnKind(records [][]string, col int) string {
	kind := ""
	for _, rec := range records {
		if col >= len(rec) || rec[col] == "" {
			continue
		}
		raw := rec[col]
		switch {
		case isInt(raw):
			if kind == "" || kind == TypeInt {
				kind = TypeInt
			} else if kind == TypeFloat {
				// int fits in a float column
			} else {
				return TypeString
			}
		case isFloat(raw):
			if kind == "" || kind == TypeInt || kind == TypeFloat {
				kind = TypeFloat
			} else {
				return TypeString
			}
		case isBool(raw):
			if kind == "" || kind == TypeBool {
				kind = TypeBool
			} else {
				return TypeString
			}
		default:
			return TypeString
		}
	}
	if kind == "" {
		return TypeString
	}
	return kind
}

func parseCell(raw, kind string) any {
	if raw == "" {
		return nil
	}
	switch kind {
	case TypeInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			return n
		}
	case TypeFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			return f
		}
	case TypeBool:
		b, err := strconv.ParseBool(strings.ToLower(raw))
		if err == nil {
			return b
		}
	}
	return raw
}

func isInt(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func isFloat(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func isBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false":
		return true
	}
	return false
}
