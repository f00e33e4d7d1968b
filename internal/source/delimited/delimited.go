// Package delimited implements the delimited-text source backend
// (CSV, TSV) with configurable separator, header, and text encoding.
package delimited

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/tabflow/tabflow/internal/source"
	"github.com/tabflow/tabflow/internal/table"
	"github.com/tabflow/tabflow/internal/workerpool"
)

// Kind is the canonical backend name.
const Kind = "delimited"

const defaultChunkSize = 10000

func init() {
	source.Register(&source.Backend{
		Kind:       Kind,
		Aliases:    []string{"csv", "tsv", "text"},
		Extensions: []string{".csv", ".tsv", ".txt"},
		Required:   []string{"path"},
		FileBacked: true,
		PoolSize:   8,
		New:        New,
	})
}

// Source reads and writes one delimited text file.
type Source struct {
	mu sync.Mutex

	path      string
	sep       rune
	header    bool
	infer     bool
	enc       encoding.Encoding
	chunkSize int
	pool      *workerpool.Pool
}

// New constructs the backend from a validated descriptor. Parameters:
// sep (default "," or "\t" for .tsv), header (default true), dtypes
// ("infer" default, or "raw").
func New(desc source.Descriptor) (source.Source, error) {
	path := desc.EffectivePath()

	sep := desc.ParamOr("sep", defaultSep(path))
	runes := []rune(sep)
	if sep == `\t` {
		runes = []rune{'\t'}
	}
	if len(runes) != 1 {
		return nil, &source.ConfigError{Kind: Kind, Reason: fmt.Sprintf("parameter \"sep\": want a single character, got %q", sep)}
	}

	header, err := desc.BoolParam("header", true)
	if err != nil {
		return nil, err
	}

	dtypes := desc.ParamOr("dtypes", "infer")
	switch dtypes {
	case "infer", "raw":
	default:
		return nil, &source.ConfigError{Kind: Kind, Reason: fmt.Sprintf("parameter \"dtypes\": want infer or raw, got %q", dtypes)}
	}

	enc, err := encodingFor(desc.Encoding)
	if err != nil {
		return nil, err
	}

	chunk := desc.ChunkSize
	if chunk == 0 {
		chunk = defaultChunkSize
	}

	return &Source{
		path:      path,
		sep:       runes[0],
		header:    header,
		infer:     dtypes == "infer",
		enc:       enc,
		chunkSize: chunk,
		pool:      workerpool.ForKind(Kind, 8),
	}, nil
}

func defaultSep(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		return "\t"
	}
	return ","
}

func encodingFor(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "latin-1", "latin1", "iso-8859-1":
		return charmap.ISO8859_1, nil
	case "iso-8859-15":
		return charmap.ISO8859_15, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	default:
		return nil, &source.ConfigError{Kind: Kind, Reason: fmt.Sprintf("unsupported encoding %q", name)}
	}
}

// Kind returns the backend name.
func (s *Source) Kind() string { return Kind }

// Read parses the file into a table, optionally projecting columns,
// applying filters, and capping rows.
func (s *Source) Read(ctx context.Context, opts source.ReadOptions) (*table.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t *table.Table
	err := s.pool.Run(ctx, func() error {
		columns, records, err := s.parse(ctx, opts.Limit)
		if err != nil {
			return err
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

func (s *Source) parse(ctx context.Context, limit int64) ([]string, [][]string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, &source.NotFoundError{Path: s.path}
		}
		return nil, nil, fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	r := csv.NewReader(s.decode(f))
	r.Comma = s.sep
	r.FieldsPerRecord = -1

	var columns []string
	if s.header {
		rec, err := r.Read()
		if err == io.EOF {
			return nil, nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading header of %s: %w", s.path, err)
		}
		columns = rec
	}

	var records [][]string
	for {
		if len(records)%s.chunkSize == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading %s: %w", s.path, err)
		}
		if columns == nil {
			columns = syntheticColumns(len(rec))
		}
		records = append(records, rec)
		if limit > 0 && int64(len(records)) >= limit {
			break
		}
	}
	return columns, records, nil
}

func syntheticColumns(n int) []string {
	columns := make([]string, n)
	for i := range columns {
		columns[i] = fmt.Sprintf("col_%d", i)
	}
	return columns
}

func (s *Source) decode(r io.Reader) io.Reader {
	if s.enc == nil {
		return r
	}
	return transform.NewReader(r, s.enc.NewDecoder())
}

func (s *Source) encode(w io.Writer) io.Writer {
	if s.enc == nil {
		return w
	}
	return transform.NewWriter(w, s.enc.NewEncoder())
}

// Write persists the table to the file. ModeReplace rewrites it with a
// header; ModeAppend adds rows, creating the file (with header) when it
// does not exist yet.
func (s *Source) Write(ctx context.Context, tbl *table.Table, opts source.WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pool.Run(ctx, func() error {
		mode := opts.Mode
		if mode == "" {
			mode = source.ModeReplace
		}

		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		writeHeader := s.header
		if mode == source.ModeAppend {
			flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
			if fi, err := os.Stat(s.path); err == nil && fi.Size() > 0 {
				writeHeader = false
			}
		}

		f, err := os.OpenFile(s.path, flags, 0644)
		if err != nil {
			return fmt.Errorf("opening %s for write: %w", s.path, err)
		}

		w := csv.NewWriter(s.encode(f))
		w.Comma = s.sep

		if writeHeader {
			if err := w.Write(tbl.Columns); err != nil {
				f.Close()
				return fmt.Errorf("writing header to %s: %w", s.path, err)
			}
		}
		record := make([]string, tbl.NumCols())
		for _, row := range tbl.Rows {
			for i, cell := range row {
				record[i] = table.RenderCell(cell)
			}
			if err := w.Write(record); err != nil {
				f.Close()
				return fmt.Errorf("writing to %s: %w", s.path, err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return fmt.Errorf("flushing %s: %w", s.path, err)
		}
		return f.Close()
	})
}

// Metadata reports row and column counts plus file facts.
func (s *Source) Metadata(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta map[string]any
	err := s.pool.Run(ctx, func() error {
		columns, records, err := s.parse(ctx, 0)
		if err != nil {
			return err
		}
		fi, err := os.Stat(s.path)
		if err != nil {
			return fmt.Errorf("checking %s: %w", s.path, err)
		}
		meta = map[string]any{
			"kind":       Kind,
			"path":       s.path,
			"rows":       len(records),
			"columns":    len(columns),
			"names":      columns,
			"size_bytes": fi.Size(),
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
