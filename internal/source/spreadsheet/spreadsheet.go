// Package spreadsheet implements the workbook source backend (XLSX) with
// configurable sheet selection, header row, and dtype handling.
package spreadsheet

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/tabflow/tabflow/internal/source"
	"github.com/tabflow/tabflow/internal/table"
	"github.com/tabflow/tabflow/internal/workerpool"
)

// Kind is the canonical backend name.
const Kind = "spreadsheet"

func init() {
	source.Register(&source.Backend{
		Kind:       Kind,
		Aliases:    []string{"excel", "xlsx", "workbook"},
		Extensions: []string{".xlsx", ".xlsm"},
		Required:   []string{"path"},
		FileBacked: true,
		PoolSize:   4,
		New:        New,
	})
}

// Source reads and writes one workbook file.
type Source struct {
	mu sync.Mutex

	path       string
	sheet      string
	sheetIndex int
	header     bool
	skipRows   int
	infer      bool
	pool       *workerpool.Pool
}

// New constructs the backend from a validated descriptor. Parameters:
// sheet (name), sheet_index (0-based, used when sheet is empty), header
// (default true), skip_rows (rows ignored before the header), dtypes
// ("infer" default, or "raw").
func New(desc source.Descriptor) (source.Source, error) {
	header, err := desc.BoolParam("header", true)
	if err != nil {
		return nil, err
	}
	skipRows, err := desc.IntParam("skip_rows", 0)
	if err != nil {
		return nil, err
	}
	if skipRows < 0 {
		return nil, &source.ConfigError{Kind: Kind, Reason: fmt.Sprintf("parameter \"skip_rows\": must be >= 0, got %d", skipRows)}
	}
	sheetIndex, err := desc.IntParam("sheet_index", 0)
	if err != nil {
		return nil, err
	}
	dtypes := desc.ParamOr("dtypes", "infer")
	switch dtypes {
	case "infer", "raw":
	default:
		return nil, &source.ConfigError{Kind: Kind, Reason: fmt.Sprintf("parameter \"dtypes\": want infer or raw, got %q", dtypes)}
	}

	return &Source{
		path:       desc.EffectivePath(),
		sheet:      desc.Param("sheet"),
		sheetIndex: sheetIndex,
		header:     header,
		skipRows:   skipRows,
		infer:      dtypes == "infer",
		pool:       workerpool.ForKind(Kind, 4),
	}, nil
}

// Kind returns the backend name.
func (s *Source) Kind() string { return Kind }

func (s *Source) openFile() (*excelize.File, error) {
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &source.NotFoundError{Path: s.path}
		}
		return nil, fmt.Errorf("opening %s: %w", s.path, err)
	}
	return f, nil
}

func (s *Source) resolveSheet(f *excelize.File) (string, error) {
	if s.sheet != "" {
		for _, name := range f.GetSheetList() {
			if name == s.sheet {
				return name, nil
			}
		}
		return "", fmt.Errorf("sheet %q not found in %s (sheets: %v)", s.sheet, s.path, f.GetSheetList())
	}
	sheets := f.GetSheetList()
	if s.sheetIndex < 0 || s.sheetIndex >= len(sheets) {
		return "", fmt.Errorf("sheet index %d out of range in %s (%d sheets)", s.sheetIndex, s.path, len(sheets))
	}
	return sheets[s.sheetIndex], nil
}

// Read loads the selected sheet into a table.
func (s *Source) Read(ctx context.Context, opts source.ReadOptions) (*table.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t *table.Table
	err := s.pool.Run(ctx, func() error {
		f, err := s.openFile()
		if err != nil {
			return err
		}
		defer f.Close()

		sheet, err := s.resolveSheet(f)
		if err != nil {
			return err
		}

		rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
		if err != nil {
			return fmt.Errorf("reading sheet %q of %s: %w", sheet, s.path, err)
		}
		if s.skipRows < len(rows) {
			rows = rows[s.skipRows:]
		} else {
			rows = nil
		}

		var columns []string
		var records [][]string
		if s.header {
			if len(rows) > 0 {
				columns = rows[0]
				records = rows[1:]
			}
		} else {
			records = rows
			width := 0
			for _, r := range records {
				if len(r) > width {
					width = len(r)
				}
			}
			columns = make([]string, width)
			for i := range columns {
				columns[i] = fmt.Sprintf("col_%d", i)
			}
		}

		if opts.Limit > 0 && int64(len(records)) > opts.Limit {
			records = records[:opts.Limit]
		}
		t = table.FromStrings(columns, records, s.infer)
		return nil
	})
	if err != nil {
		return nil, err
	}

	t, err = source.ApplyFilters(t, opts.Filters)
	if err != nil {
		return nil, err
	}
	if len(opts.Columns) > 0 {
		return t.Select(opts.Columns)
	}
	return t, nil
}

// Write persists the table to the workbook. ModeReplace creates a fresh
// file with one sheet; ModeAppend adds rows below the existing data,
// creating the file when absent. The sheet name comes from opts.Table,
// the descriptor's sheet parameter, or "Sheet1".
func (s *Source) Write(ctx context.Context, tbl *table.Table, opts source.WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sheet := opts.Table
	if sheet == "" {
		sheet = s.sheet
	}
	if sheet == "" {
		sheet = "Sheet1"
	}

	return s.pool.Run(ctx, func() error {
		mode := opts.Mode
		if mode == "" {
			mode = source.ModeReplace
		}
		if mode == source.ModeAppend {
			if _, err := os.Stat(s.path); err == nil {
				return s.appendRows(tbl, sheet)
			}
		}
		return s.writeFresh(tbl, sheet)
	})
}

func (s *Source) writeFresh(tbl *table.Table, sheet string) error {
	f := excelize.NewFile()
	defer f.Close()

	if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			return fmt.Errorf("naming sheet %q: %w", sheet, err)
		}
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("stream writer for %s: %w", s.path, err)
	}

	row := 1
	if s.header {
		if err := sw.SetRow("A1", cellValues(tbl.Columns)); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
		row = 2
	}
	for _, r := range tbl.Rows {
		axis, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		if err := sw.SetRow(axis, renderRow(r)); err != nil {
			return fmt.Errorf("writing row %d: %w", row, err)
		}
		row++
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", s.path, err)
	}
	if err := f.SaveAs(s.path); err != nil {
		return fmt.Errorf("saving %s: %w", s.path, err)
	}
	return nil
}

func (s *Source) appendRows(tbl *table.Table, sheet string) error {
	f, err := s.openFile()
	if err != nil {
		return err
	}
	defer f.Close()

	existing, err := f.GetRows(sheet)
	if err != nil {
		return fmt.Errorf("reading sheet %q of %s: %w", sheet, s.path, err)
	}

	row := len(existing) + 1
	for _, r := range tbl.Rows {
		rendered := renderRow(r)
		for col, v := range rendered {
			axis, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, axis, v); err != nil {
				return fmt.Errorf("writing cell %s: %w", axis, err)
			}
		}
		row++
	}
	if err := f.Save(); err != nil {
		return fmt.Errorf("saving %s: %w", s.path, err)
	}
	return nil
}

func cellValues(names []string) []any {
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out
}

// renderRow converts cells for excelize: numerics as-is, everything else
// as text. Bools and times go through RenderCell so a later read parses
// them back; a native boolean cell's raw value is "1"/"0", which would
// reload as an integer.
func renderRow(row []any) []any {
	out := make([]any, len(row))
	for i, cell := range row {
		switch cell.(type) {
		case nil:
			out[i] = ""
		case int64, float64:
			out[i] = cell
		default:
			out[i] = table.RenderCell(cell)
		}
	}
	return out
}

// Metadata reports sheet names and the selected sheet's dimensions.
func (s *Source) Metadata(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta map[string]any
	err := s.pool.Run(ctx, func() error {
		f, err := s.openFile()
		if err != nil {
			return err
		}
		defer f.Close()

		sheet, err := s.resolveSheet(f)
		if err != nil {
			return err
		}
		rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
		if err != nil {
			return fmt.Errorf("reading sheet %q of %s: %w", sheet, s.path, err)
		}

		dataRows := len(rows)
		cols := 0
		if dataRows > 0 {
			cols = len(rows[0])
			if s.header {
				dataRows--
			}
		}
		meta = map[string]any{
			"kind":    Kind,
			"path":    s.path,
			"sheet":   sheet,
			"sheets":  f.GetSheetList(),
			"rows":    dataRows,
			"columns": cols,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// Close is a no-op; the workbook is opened per operation.
func (s *Source) Close() error { return nil }
