package table

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// tableJSON is the wire form used for checkpoints. The type vector lets a
// decode restore the exact cell kinds (int64 vs float64, time.Time).
type tableJSON struct {
	Columns []string `json:"columns"`
	Types   []string `json:"types"`
	Rows    [][]any  `json:"rows"`
}

// MarshalJSON encodes the table with a per-column type vector.
func (t *Table) MarshalJSON() ([]byte, error) {
	aux := tableJSON{
		Columns: t.Columns,
		Types:   make([]string, len(t.Columns)),
		Rows:    make([][]any, len(t.Rows)),
	}
	for i := range t.Columns {
		aux.Types[i] = t.ColumnType(i)
	}
	for r, row := range t.Rows {
		cells := make([]any, len(row))
		for c, v := range row {
			if ts, ok := v.(time.Time); ok {
				cells[c] = ts.Format(time.RFC3339Nano)
			} else {
				cells[c] = v
			}
		}
		aux.Rows[r] = cells
	}
	return json.Marshal(aux)
}

// UnmarshalJSON decodes the wire form, restoring cell types from the
// type vector.
func (t *Table) UnmarshalJSON(data []byte) error {
	var aux tableJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&aux); err != nil {
		return err
	}
	if len(aux.Types) != len(aux.Columns) {
		return fmt.Errorf("table JSON: %d types for %d columns", len(aux.Types), len(aux.Columns))
	}

	t.Columns = aux.Columns
	t.Rows = make([][]any, len(aux.Rows))
	for r, row := range aux.Rows {
		if len(row) != len(aux.Columns) {
			return fmt.Errorf("table JSON: row %d has %d cells, want %d", r, len(row), len(aux.Columns))
		}
		cells := make([]any, len(row))
		for c, v := range row {
			cell, err := decodeCell(v, aux.Types[c])
			if err != nil {
				return fmt.Errorf("table JSON: row %d column %q: %w", r, aux.Columns[c], err)
			}
			cells[c] = cell
		}
		t.Rows[r] = cells
	}
	return nil
}

func decodeCell(v any, kind string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case TypeInt:
		num, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		return num.Int64()
	case TypeFloat:
		num, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		return num.Float64()
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil
	case TypeTime:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected timestamp string, got %T", v)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return ts, nil
	default:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	}
}
