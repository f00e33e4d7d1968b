package mssql

import (
	"strings"
	"testing"

	"github.com/tabflow/tabflow/internal/source"
	"github.com/tabflow/tabflow/internal/table"
)

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent("plain"); got != "[plain]" {
		t.Errorf("got %q", got)
	}
	if got := quoteIdent("odd]name"); got != "[odd]]name]" {
		t.Errorf("got %q", got)
	}
}

func TestBuildSelect(t *testing.T) {
	query, args, err := buildSelect("dbo", "ledger", source.ReadOptions{})
	if err != nil {
		t.Fatalf("buildSelect: %v", err)
	}
	if query != "SELECT * FROM [dbo].[ledger]" || len(args) != 0 {
		t.Errorf("got %q args %v", query, args)
	}

	query, args, err = buildSelect("fin", "ledger", source.ReadOptions{
		Columns: []string{"zone", "amount"},
		Filters: []source.Filter{
			{Column: "amount", Op: source.FilterGe, Value: 10},
			{Column: "zone", Op: source.FilterIn, Values: []any{"north", "south"}},
		},
		Limit: 5,
	})
	if err != nil {
		t.Fatalf("buildSelect: %v", err)
	}
	want := "SELECT TOP 5 [zone], [amount] FROM [fin].[ledger] WHERE [amount] >= @p1 AND [zone] IN (@p2, @p3)"
	if query != want {
		t.Errorf("query = %q\nwant    %q", query, want)
	}
	if len(args) != 3 || args[0] != 10 || args[1] != "north" {
		t.Errorf("args = %v", args)
	}
}

func TestStageDDL(t *testing.T) {
	tbl := table.New("zone", "amount", "ratio", "open")
	tbl.AppendRow("north", int64(1), 0.5, true)

	ddl := stageDDL("#tf_stage_ab12cd34", tbl)
	for _, frag := range []string{
		"CREATE TABLE #tf_stage_ab12cd34",
		"[zone] NVARCHAR(MAX)",
		"[amount] BIGINT",
		"[ratio] FLOAT",
		"[open] BIT",
	} {
		if !strings.Contains(ddl, frag) {
			t.Errorf("ddl %q missing %q", ddl, frag)
		}
	}
}

func TestMergeStatements(t *testing.T) {
	cols := []string{"a", "b"}

	replace := mergeStatements("dbo", "tgt", "#tf_stage_x", cols, source.ModeReplace)
	if len(replace) != 3 {
		t.Fatalf("replace statements = %d, want 3", len(replace))
	}
	if !strings.Contains(replace[0], "DROP TABLE [dbo].[tgt]") {
		t.Errorf("replace[0] = %q", replace[0])
	}
	if !strings.Contains(replace[1], "SELECT * INTO [dbo].[tgt] FROM #tf_stage_x") {
		t.Errorf("replace[1] = %q", replace[1])
	}

	app := mergeStatements("dbo", "tgt", "#tf_stage_x", cols, source.ModeAppend)
	if len(app) != 3 {
		t.Fatalf("append statements = %d, want 3", len(app))
	}
	if !strings.Contains(app[0], "WHERE 1 = 0") {
		t.Errorf("append[0] = %q", app[0])
	}
	if !strings.Contains(app[1], "INSERT INTO [dbo].[tgt] ([a], [b]) SELECT [a], [b] FROM #tf_stage_x") {
		t.Errorf("append[1] = %q", app[1])
	}
}

func TestNewValidatesParams(t *testing.T) {
	_, err := New(source.Descriptor{Kind: Kind, Params: map[string]string{"dsn": "sqlserver://u@h", "max_connections": "0"}, Lazy: true})
	if !source.IsConfig(err) {
		t.Errorf("max_connections=0: err = %v, want ConfigError", err)
	}
}

func TestLazyDefersConnection(t *testing.T) {
	src, err := New(source.Descriptor{Kind: Kind, Params: map[string]string{"dsn": "sqlserver://user@localhost:1?database=nope"}, Lazy: true})
	if err != nil {
		t.Fatalf("New with lazy: %v", err)
	}
	if src.Kind() != Kind {
		t.Errorf("Kind = %q", src.Kind())
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
