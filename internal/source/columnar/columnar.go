// Package columnar implements the Parquet source backend. Tables are
// written with an explicit schema derived from column types, and read
// back by walking row groups, so files interoperate with other Parquet
// tooling while round-tripping cell types exactly.
package columnar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/tabflow/tabflow/internal/source"
	"github.com/tabflow/tabflow/internal/table"
	"github.com/tabflow/tabflow/internal/workerpool"
)

// Kind is the canonical backend name.
const Kind = "columnar"

// columnsKey is the file metadata entry preserving logical column order;
// Parquet group fields are stored sorted by name.
const columnsKey = "tabflow.columns"

func init() {
	source.Register(&source.Backend{
		Kind:       Kind,
		Aliases:    []string{"parquet"},
		Extensions: []string{".parquet"},
		Required:   []string{"path"},
		FileBacked: true,
		PoolSize:   4,
		New:        New,
	})
}

// Source reads and writes one Parquet file.
type Source struct {
	mu sync.Mutex

	path      string
	codec     compress.Codec
	chunkSize int
	pool      *workerpool.Pool
}

// New constructs the backend from a validated descriptor. The
// compression parameter accepts snappy (default), zstd, gzip, or none.
func New(desc source.Descriptor) (source.Source, error) {
	codec, err := codecFor(desc.ParamOr("compression", "snappy"))
	if err != nil {
		return nil, err
	}
	chunk := desc.ChunkSize
	if chunk <= 0 {
		chunk = 10000
	}
	return &Source{
		path:      desc.EffectivePath(),
		codec:     codec,
		chunkSize: chunk,
		pool:      workerpool.ForKind(Kind, 4),
	}, nil
}

func codecFor(name string) (compress.Codec, error) {
	switch strings.ToLower(name) {
	case "snappy":
		return &parquet.Snappy, nil
	case "zstd":
		return &parquet.Zstd, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "none", "uncompressed":
		return &parquet.Uncompressed, nil
	default:
		return nil, &source.ConfigError{Kind: Kind, Reason: fmt.Sprintf("parameter \"compression\": want snappy, zstd, gzip, or none, got %q", name)}
	}
}

// Kind returns the backend name.
func (s *Source) Kind() string { return Kind }

// Read loads the file into a table, preserving the column order recorded
// at write time.
func (s *Source) Read(ctx context.Context, opts source.ReadOptions) (*table.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t *table.Table
	err := s.pool.Run(ctx, func() error {
		var err error
		t, err = s.readAll(ctx, opts.Limit)
		return err
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

func (s *Source) readAll(ctx context.Context, limit int64) (*table.Table, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &source.NotFoundError{Path: s.path}
		}
		return nil, fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}

	fields := pf.Schema().Fields()
	names := make([]string, len(fields))
	for i, fld := range fields {
		names[i] = fld.Name()
	}
	t := table.New(names...)

	buf := make([]parquet.Row, 128)
rowGroups:
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			if err := ctx.Err(); err != nil {
				rows.Close()
				return nil, err
			}
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				cells := make([]any, len(fields))
				for _, v := range row {
					cells[v.Column()] = cellValue(fields[v.Column()], v)
				}
				t.Rows = append(t.Rows, cells)
				if limit > 0 && int64(len(t.Rows)) >= limit {
					rows.Close()
					break rowGroups
				}
			}
			if err != nil {
				rows.Close()
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("reading %s: %w", s.path, err)
			}
		}
	}

	if order, ok := pf.Lookup(columnsKey); ok {
		var cols []string
		if err := json.Unmarshal([]byte(order), &cols); err == nil && len(t.MissingColumns(cols)) == 0 && len(cols) == len(t.Columns) {
			return t.Select(cols)
		}
	}
	return t, nil
}

// cellValue converts a Parquet leaf value to a table cell using the
// field's logical and physical type.
func cellValue(fld parquet.Field, v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	if lt := fld.Type().LogicalType(); lt != nil && lt.Timestamp != nil {
		return time.UnixMilli(v.Int64()).UTC()
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return v.String()
	}
}

// Write persists the table. ModeReplace rewrites the file; ModeAppend
// reads the existing rows and rewrites the file with both sets, since
// Parquet files cannot grow in place.
func (s *Source) Write(ctx context.Context, tbl *table.Table, opts source.WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pool.Run(ctx, func() error {
		out := tbl
		if opts.Mode == source.ModeAppend {
			existing, err := s.readAll(ctx, 0)
			if err == nil && !existing.IsEmpty() {
				merged := existing.Clone()
				for _, row := range tbl.Rows {
					cells := make([]any, len(merged.Columns))
					for i, col := range merged.Columns {
						if idx := tbl.ColumnIndex(col); idx >= 0 {
							cells[i] = row[idx]
						}
					}
					merged.Rows = append(merged.Rows, cells)
				}
				out = merged
			} else if err != nil && !source.IsNotFound(err) {
				return err
			}
		}
		return s.writeFile(out)
	})
}

func (s *Source) writeFile(tbl *table.Table) error {
	group := parquet.Group{}
	for i, col := range tbl.Columns {
		group[col] = parquet.Optional(nodeFor(tbl.ColumnType(i)))
	}
	schema := parquet.NewSchema("table", group)

	order, err := json.Marshal(tbl.Columns)
	if err != nil {
		return err
	}

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", s.path, err)
	}

	w := parquet.NewGenericWriter[map[string]any](f, schema,
		parquet.Compression(s.codec),
		parquet.KeyValueMetadata(columnsKey, string(order)),
	)

	batch := make([]map[string]any, 0, s.chunkSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := w.Write(batch); err != nil {
			return fmt.Errorf("writing %s: %w", s.path, err)
		}
		batch = batch[:0]
		return nil
	}

	for _, row := range tbl.Rows {
		m := make(map[string]any, len(tbl.Columns))
		for i, col := range tbl.Columns {
			switch cell := row[i].(type) {
			case nil:
			case time.Time:
				m[col] = cell.UnixMilli()
			default:
				m[col] = cell
			}
		}
		batch = append(batch, m)
		if len(batch) >= s.chunkSize {
			if err := flush(); err != nil {
				f.Close()
				return err
			}
		}
	}
	if err := flush(); err != nil {
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("closing writer for %s: %w", s.path, err)
	}
	return f.Close()
}

func nodeFor(kind string) parquet.Node {
	switch kind {
	case table.TypeInt:
		return parquet.Int(64)
	case table.TypeFloat:
		return parquet.Leaf(parquet.DoubleType)
	case table.TypeBool:
		return parquet.Leaf(parquet.BooleanType)
	case table.TypeTime:
		return parquet.Timestamp(parquet.Millisecond)
	default:
		return parquet.String()
	}
}

// Metadata reports row and row-group counts from the file footer.
func (s *Source) Metadata(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta map[string]any
	err := s.pool.Run(ctx, func() error {
		f, err := os.Open(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				return &source.NotFoundError{Path: s.path}
			}
			return err
		}
		defer f.Close()

		stat, err := f.Stat()
		if err != nil {
			return err
		}
		pf, err := parquet.OpenFile(f, stat.Size())
		if err != nil {
			return fmt.Errorf("parsing %s: %w", s.path, err)
		}

		fields := pf.Schema().Fields()
		names := make([]string, len(fields))
		for i, fld := range fields {
			names[i] = fld.Name()
		}
		meta = map[string]any{
			"kind":         Kind,
			"path":         s.path,
			"rows":         pf.NumRows(),
			"row_groups":   len(pf.RowGroups()),
			"columns":      len(fields),
			"column_names": names,
			"size_bytes":   stat.Size(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// Close is a no-op; the file is opened per operation.
func (s *Source) Close() error { return nil }
