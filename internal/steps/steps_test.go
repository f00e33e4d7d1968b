package steps

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tabflow/tabflow/internal/pipeline"
	"github.com/tabflow/tabflow/internal/pool"
	"github.com/tabflow/tabflow/internal/source"
	"github.com/tabflow/tabflow/internal/table"
)

func primaryContext(t *testing.T) *pipeline.Context {
	t.Helper()
	pc := pipeline.NewContext(pipeline.Meta{RunID: "r1"})
	tbl := table.New("account", "amount")
	if err := tbl.AppendRow("acct-1", int64(100)); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	if err := tbl.AppendRow("acct-2", int64(200)); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	pc.SetPrimary(tbl)
	return pc
}

func TestBuildUnknownType(t *testing.T) {
	_, err := Build("transmogrify", pipeline.StepInfo{Name: "x"}, nil)
	if err == nil {
		t.Fatal("Build accepted an unknown step type")
	}
	if !strings.Contains(err.Error(), "available") {
		t.Errorf("err = %v, want the available types listed", err)
	}
}

func TestValidateStepPass(t *testing.T) {
	s, err := Build("validate", pipeline.StepInfo{Name: "check"}, map[string]any{
		"columns": []any{"account", "amount"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	pc := primaryContext(t)
	res, err := s.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Message, "2 rows") {
		t.Errorf("message = %q", res.Message)
	}
	if !pc.Valid() {
		t.Error("context invalid after a passing validation")
	}
	if ok, exists := pc.Validations()["check"]; !exists || !ok {
		t.Errorf("validations = %v, want check=true", pc.Validations())
	}
}

func TestValidateStepMissingColumns(t *testing.T) {
	s, err := Build("validate", pipeline.StepInfo{Name: "check"}, map[string]any{
		"columns": []any{"account", "entity"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	pc := primaryContext(t)
	_, err = s.Execute(context.Background(), pc)
	if err == nil {
		t.Fatal("Execute passed with a column missing")
	}
	if !source.IsValidation(err) {
		t.Errorf("err = %v, want ValidationError", err)
	}
	if pc.Valid() {
		t.Error("context still valid after a failed validation")
	}
}

func TestValidateStepEmptyDataset(t *testing.T) {
	pc := pipeline.NewContext(pipeline.Meta{})
	pc.SetPrimary(table.New("account"))

	s, err := Build("validate", pipeline.StepInfo{Name: "check"}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := s.Execute(context.Background(), pc); err == nil {
		t.Error("Execute passed an empty dataset without allow_empty")
	}

	lenient, err := Build("validate", pipeline.StepInfo{Name: "lenient"}, map[string]any{
		"allow_empty": true,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := lenient.Execute(context.Background(), pc); err != nil {
		t.Errorf("Execute with allow_empty: %v", err)
	}
}

func TestValidateStepAbsentAuxSkips(t *testing.T) {
	s, err := Build("validate", pipeline.StepInfo{Name: "check"}, map[string]any{
		"dataset": "extras",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res, err := s.Execute(context.Background(), primaryContext(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != pipeline.StatusSkipped {
		t.Errorf("status = %v, want skipped for an absent aux dataset", res.Status)
	}
}

func TestValidateStepRequiresPrimary(t *testing.T) {
	s, err := Build("validate", pipeline.StepInfo{Name: "check"}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.ValidateInput(pipeline.NewContext(pipeline.Meta{})) {
		t.Error("ValidateInput passed with no primary dataset")
	}
}

func TestExportStepRoundTrip(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")

	s, err := Build("export", pipeline.StepInfo{Name: "export"}, map[string]any{
		"path": out,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	pc := primaryContext(t)
	res, err := s.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Metadata["rows"] != "2" {
		t.Errorf("metadata = %v", res.Metadata)
	}

	src, err := pool.Open(source.Descriptor{Path: out})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	got, err := src.Read(context.Background(), source.ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !got.Equal(pc.Primary()) {
		t.Errorf("exported data differs:\nwant %+v\ngot  %+v", pc.Primary().Rows, got.Rows)
	}
}

func TestExportStepAppend(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")

	s, err := Build("export", pipeline.StepInfo{Name: "export"}, map[string]any{
		"path": out,
		"mode": "append",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	pc := primaryContext(t)
	for i := 0; i < 2; i++ {
		if _, err := s.Execute(context.Background(), pc); err != nil {
			t.Fatalf("Execute #%d: %v", i+1, err)
		}
	}

	src, err := pool.Open(source.Descriptor{Path: out})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	got, err := src.Read(context.Background(), source.ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.NumRows() != 4 {
		t.Errorf("rows after two appends = %d, want 4", got.NumRows())
	}
}

func TestExportStepAbsentAuxSkips(t *testing.T) {
	dir := t.TempDir()
	s, err := Build("export", pipeline.StepInfo{Name: "export"}, map[string]any{
		"path":    filepath.Join(dir, "out.csv"),
		"dataset": "extras",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res, err := s.Execute(context.Background(), primaryContext(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != pipeline.StatusSkipped {
		t.Errorf("status = %v, want skipped", res.Status)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.csv")); !os.IsNotExist(err) {
		t.Error("export wrote a file for an absent dataset")
	}
}

func TestExportStepBadMode(t *testing.T) {
	_, err := Build("export", pipeline.StepInfo{Name: "export"}, map[string]any{
		"path": "out.csv",
		"mode": "merge",
	})
	if err == nil {
		t.Fatal("Build accepted mode=merge")
	}
}

func TestExportStepRollbackRemovesCreatedFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")

	built, err := Build("export", pipeline.StepInfo{Name: "export"}, map[string]any{
		"path": out,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	s := built.(*exportStep)

	pc := primaryContext(t)
	if _, err := s.Execute(context.Background(), pc); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("export did not create %s: %v", out, err)
	}

	if err := s.Rollback(context.Background(), pc, os.ErrClosed); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("rollback left the created file behind")
	}
}

func TestSnapshotStep(t *testing.T) {
	s, err := Build("snapshot", pipeline.StepInfo{Name: "snap"}, map[string]any{
		"name": "backup",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	pc := primaryContext(t)
	if _, err := s.Execute(context.Background(), pc); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	backup, ok := pc.Aux("backup")
	if !ok || backup.NumRows() != 2 {
		t.Fatalf("aux backup missing or wrong size")
	}

	// The snapshot must be a copy, not a view of the live table.
	pc.Primary().Rows[0][1] = int64(999)
	if backup.Rows[0][1] == int64(999) {
		t.Error("snapshot shares row storage with the primary dataset")
	}
}
