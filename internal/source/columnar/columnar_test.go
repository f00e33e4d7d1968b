package columnar

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tabflow/tabflow/internal/source"
	"github.com/tabflow/tabflow/internal/table"
)

func newSource(t *testing.T, path string, params map[string]string) source.Source {
	t.Helper()
	src, err := New(source.Descriptor{Kind: Kind, Path: path, Params: params})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return src
}

func sample() *table.Table {
	ts := time.Date(2026, 3, 31, 23, 59, 0, 500000000, time.UTC)
	tbl := table.New("zone", "amount", "ratio", "open", "booked_at")
	tbl.AppendRow("north", int64(250), 0.25, true, ts)
	tbl.AppendRow("south", int64(-75), 1.5, false, ts.Add(time.Hour))
	tbl.AppendRow("west", nil, nil, true, ts.Add(2*time.Hour))
	return tbl
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.parquet")
	src := newSource(t, path, nil)

	in := sample()
	if err := src.Write(context.Background(), in, source.WriteOptions{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := src.Read(context.Background(), source.ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !in.Equal(out) {
		t.Errorf("round trip mismatch:\nin:  %v %+v\nout: %v %+v", in.Columns, in.Rows, out.Columns, out.Rows)
	}
}

func TestColumnOrderPreserved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order.parquet")
	src := newSource(t, path, nil)

	in := table.New("zebra", "alpha", "middle")
	in.AppendRow(int64(1), int64(2), int64(3))
	if err := src.Write(context.Background(), in, source.WriteOptions{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := src.Read(context.Background(), source.ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []string{"zebra", "alpha", "middle"}
	for i, col := range want {
		if out.Columns[i] != col {
			t.Fatalf("columns = %v, want %v", out.Columns, want)
		}
	}
}

func TestReadMissingFile(t *testing.T) {
	src := newSource(t, filepath.Join(t.TempDir(), "absent.parquet"), nil)
	_, err := src.Read(context.Background(), source.ReadOptions{})
	if !source.IsNotFound(err) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestCompressionParam(t *testing.T) {
	if _, err := New(source.Descriptor{Kind: Kind, Path: "x.parquet", Params: map[string]string{"compression": "lz77"}}); !source.IsConfig(err) {
		t.Errorf("err = %v, want ConfigError", err)
	}

	path := filepath.Join(t.TempDir(), "z.parquet")
	src := newSource(t, path, map[string]string{"compression": "zstd"})
	in := sample()
	if err := src.Write(context.Background(), in, source.WriteOptions{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := src.Read(context.Background(), source.ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !in.Equal(out) {
		t.Error("zstd round trip mismatch")
	}
}

func TestReadProjectionFilterLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.parquet")
	src := newSource(t, path, nil)
	if err := src.Write(context.Background(), sample(), source.WriteOptions{}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	tbl, err := src.Read(context.Background(), source.ReadOptions{
		Columns: []string{"amount", "zone"},
		Filters: []source.Filter{{Column: "open", Op: source.FilterEq, Value: true}},
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if tbl.NumRows() != 2 || len(tbl.Columns) != 2 || tbl.Columns[0] != "amount" {
		t.Errorf("got rows=%d columns=%v", tbl.NumRows(), tbl.Columns)
	}

	tbl, err = src.Read(context.Background(), source.ReadOptions{Limit: 1})
	if err != nil {
		t.Fatalf("Read with limit: %v", err)
	}
	if tbl.NumRows() != 1 {
		t.Errorf("limit ignored, rows = %d", tbl.NumRows())
	}
}

func TestAppendMergesRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.parquet")
	src := newSource(t, path, nil)

	first := table.New("id", "note")
	first.AppendRow(int64(1), "a")
	if err := src.Write(context.Background(), first, source.WriteOptions{Mode: source.ModeAppend}); err != nil {
		t.Fatalf("first append: %v", err)
	}

	second := table.New("id", "note")
	second.AppendRow(int64(2), "b")
	if err := src.Write(context.Background(), second, source.WriteOptions{Mode: source.ModeAppend}); err != nil {
		t.Fatalf("second append: %v", err)
	}

	tbl, err := src.Read(context.Background(), source.ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if tbl.NumRows() != 2 {
		t.Fatalf("rows = %d, want 2", tbl.NumRows())
	}
	if tbl.Value(1, "id") != int64(2) || tbl.Value(1, "note") != "b" {
		t.Errorf("appended row = %v", tbl.Rows[1])
	}
}

func TestMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.parquet")
	src := newSource(t, path, nil)
	if err := src.Write(context.Background(), sample(), source.WriteOptions{}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	meta, err := src.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta["rows"] != int64(3) {
		t.Errorf("rows = %v, want 3", meta["rows"])
	}
	if meta["columns"] != 5 {
		t.Errorf("columns = %v, want 5", meta["columns"])
	}
}

func TestCloseIdempotent(t *testing.T) {
	src := newSource(t, filepath.Join(t.TempDir(), "c.parquet"), nil)
	if err := src.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
