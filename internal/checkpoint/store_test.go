package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/tabflow/tabflow/internal/pipeline"
	"github.com/tabflow/tabflow/internal/table"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	return n
}

func testMeta(runID string) pipeline.Meta {
	return pipeline.Meta{
		RunID:    runID,
		Pipeline: "monthly-close",
		Entity:   "acme",
		Period:   "202503",
		RunKind:  "scheduled",
	}
}

func TestCreateAndCompleteRun(t *testing.T) {
	s := newStore(t)

	if err := s.CreateRun(testMeta("run-1"), map[string]string{"entity": "acme"}); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	run, err := s.RunByID("run-1")
	if err != nil {
		t.Fatalf("RunByID() error: %v", err)
	}
	if run == nil {
		t.Fatal("RunByID() returned nil for a recorded run")
	}
	if run.Status != "running" {
		t.Errorf("new run status = %q, want running", run.Status)
	}
	if run.Pipeline != "monthly-close" || run.Entity != "acme" || run.Period != "202503" {
		t.Errorf("run metadata not stored: %+v", run)
	}
	if run.CompletedAt != nil {
		t.Error("new run has a completion time")
	}

	if err := s.CompleteRun("run-1", "success"); err != nil {
		t.Fatalf("CompleteRun() error: %v", err)
	}
	run, err = s.RunByID("run-1")
	if err != nil {
		t.Fatalf("RunByID() error: %v", err)
	}
	if run.Status != "success" {
		t.Errorf("completed run status = %q, want success", run.Status)
	}
	if run.CompletedAt == nil {
		t.Error("completed run has no completion time")
	}
}

func TestRunByIDUnknown(t *testing.T) {
	s := newStore(t)

	run, err := s.RunByID("no-such-run")
	if err != nil {
		t.Fatalf("RunByID() error: %v", err)
	}
	if run != nil {
		t.Errorf("RunByID() = %+v, want nil for unknown run", run)
	}
}

func TestGetLastIncompleteRun(t *testing.T) {
	s := newStore(t)

	run, err := s.GetLastIncompleteRun()
	if err != nil {
		t.Fatalf("GetLastIncompleteRun() error: %v", err)
	}
	if run != nil {
		t.Fatalf("empty store returned an incomplete run: %+v", run)
	}

	if err := s.CreateRun(testMeta("run-old"), nil); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	if err := s.CreateRun(testMeta("run-new"), nil); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	// Separate the start times; datetime('now') has one-second resolution.
	if _, err := s.db.Exec(`UPDATE runs SET started_at = datetime('now', '-1 hour') WHERE id = 'run-old'`); err != nil {
		t.Fatalf("backdating run: %v", err)
	}

	run, err = s.GetLastIncompleteRun()
	if err != nil {
		t.Fatalf("GetLastIncompleteRun() error: %v", err)
	}
	if run == nil || run.ID != "run-new" {
		t.Fatalf("GetLastIncompleteRun() = %+v, want run-new", run)
	}

	if err := s.CompleteRun("run-new", "failed"); err != nil {
		t.Fatalf("CompleteRun() error: %v", err)
	}
	run, err = s.GetLastIncompleteRun()
	if err != nil {
		t.Fatalf("GetLastIncompleteRun() error: %v", err)
	}
	if run == nil || run.ID != "run-old" {
		t.Fatalf("GetLastIncompleteRun() after completion = %+v, want run-old", run)
	}
}

func TestMarkRunAsResumed(t *testing.T) {
	s := newStore(t)

	if err := s.CreateRun(testMeta("run-1"), nil); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	if err := s.CompleteRun("run-1", "failed"); err != nil {
		t.Fatalf("CompleteRun() error: %v", err)
	}
	if err := s.MarkRunAsResumed("run-1"); err != nil {
		t.Fatalf("MarkRunAsResumed() error: %v", err)
	}

	run, err := s.RunByID("run-1")
	if err != nil {
		t.Fatalf("RunByID() error: %v", err)
	}
	if run.Status != "running" {
		t.Errorf("resumed run status = %q, want running", run.Status)
	}
	if run.CompletedAt != nil {
		t.Error("resumed run still has a completion time")
	}
	if run.Resumed != 1 {
		t.Errorf("resumed counter = %d, want 1", run.Resumed)
	}
}

func TestSaveStepResultOverwrites(t *testing.T) {
	s := newStore(t)

	if err := s.CreateRun(testMeta("run-1"), nil); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	first := pipeline.StepResult{
		StepName: "load",
		Status:   pipeline.StatusFailed,
		Attempts: 3,
		Duration: 1200 * time.Millisecond,
		Err:      errors.New("disk full"),
	}
	if err := s.SaveStepResult("run-1", first); err != nil {
		t.Fatalf("SaveStepResult() error: %v", err)
	}

	second := pipeline.StepResult{
		StepName: "load",
		Status:   pipeline.StatusSuccess,
		Message:  "loaded 3 of 3 files",
		Attempts: 1,
		Duration: 800 * time.Millisecond,
	}
	if err := s.SaveStepResult("run-1", second); err != nil {
		t.Fatalf("SaveStepResult() error: %v", err)
	}

	if n := countRows(t, s.db, `SELECT COUNT(*) FROM step_results WHERE run_id = ?`, "run-1"); n != 1 {
		t.Fatalf("step_results rows = %d, want 1 after overwrite", n)
	}

	records, err := s.StepResults("run-1")
	if err != nil {
		t.Fatalf("StepResults() error: %v", err)
	}
	rec := records[0]
	if rec.Status != "success" || rec.Attempts != 1 || rec.Error != "" {
		t.Errorf("overwritten record = %+v, want the later outcome", rec)
	}
	if rec.Message != "loaded 3 of 3 files" {
		t.Errorf("message = %q", rec.Message)
	}
	if rec.Duration != 800*time.Millisecond {
		t.Errorf("duration = %v, want 800ms", rec.Duration)
	}
}

func TestStepResultsExecutionOrder(t *testing.T) {
	s := newStore(t)

	if err := s.CreateRun(testMeta("run-1"), nil); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	for _, name := range []string{"load", "validate", "export"} {
		res := pipeline.StepResult{StepName: name, Status: pipeline.StatusSuccess, Attempts: 1}
		if err := s.SaveStepResult("run-1", res); err != nil {
			t.Fatalf("SaveStepResult(%s) error: %v", name, err)
		}
	}

	records, err := s.StepResults("run-1")
	if err != nil {
		t.Fatalf("StepResults() error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("StepResults() returned %d records, want 3", len(records))
	}
	for i, want := range []string{"load", "validate", "export"} {
		if records[i].StepName != want {
			t.Errorf("records[%d] = %q, want %q", i, records[i].StepName, want)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newStore(t)

	if err := s.CreateRun(testMeta("run-1"), nil); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	pc := pipeline.NewContext(testMeta("run-1"))
	tbl := table.New("account", "amount")
	if err := tbl.AppendRow("acct-1", 125.50); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	if err := tbl.AppendRow("acct-2", 80.25); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	pc.SetPrimary(tbl)
	pc.SetVar("rows_loaded", int64(2))
	pc.SetValidation("balance", true)
	pc.AddWarning("optional adjustments file missing")

	if err := s.SaveCheckpoint("run-1", "load", pc); err != nil {
		t.Fatalf("SaveCheckpoint() error: %v", err)
	}

	restored, err := s.GetCheckpoint("run-1", "load")
	if err != nil {
		t.Fatalf("GetCheckpoint() error: %v", err)
	}
	if !restored.Primary().Equal(tbl) {
		t.Error("restored primary differs from the snapshot")
	}
	if v, _ := restored.Var("rows_loaded"); v != int64(2) {
		t.Errorf("restored rows_loaded = %v (%T), want int64(2)", v, v)
	}
	if !restored.Valid() {
		t.Error("restored validations lost")
	}
	if w := restored.Warnings(); len(w) != 1 || w[0] != "optional adjustments file missing" {
		t.Errorf("restored warnings = %v", w)
	}
	if restored.Meta().RunID != "run-1" {
		t.Errorf("restored run ID = %q", restored.Meta().RunID)
	}
}

func TestGetCheckpointMissing(t *testing.T) {
	s := newStore(t)

	if _, err := s.GetCheckpoint("run-1", "load"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("GetCheckpoint() error = %v, want ErrNoCheckpoint", err)
	}
	if _, _, err := s.LatestCheckpoint("run-1"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("LatestCheckpoint() error = %v, want ErrNoCheckpoint", err)
	}
}

func TestLatestCheckpointTracksNewestSave(t *testing.T) {
	s := newStore(t)

	if err := s.CreateRun(testMeta("run-1"), nil); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	pc := pipeline.NewContext(testMeta("run-1"))
	if err := s.SaveCheckpoint("run-1", "load", pc); err != nil {
		t.Fatalf("SaveCheckpoint(load) error: %v", err)
	}
	if err := s.SaveCheckpoint("run-1", "validate", pc); err != nil {
		t.Fatalf("SaveCheckpoint(validate) error: %v", err)
	}

	step, _, err := s.LatestCheckpoint("run-1")
	if err != nil {
		t.Fatalf("LatestCheckpoint() error: %v", err)
	}
	if step != "validate" {
		t.Errorf("latest checkpoint step = %q, want validate", step)
	}

	// Re-saving an earlier step (a resumed run re-executing it) makes that
	// snapshot the newest.
	pc.SetVar("replayed", true)
	if err := s.SaveCheckpoint("run-1", "load", pc); err != nil {
		t.Fatalf("SaveCheckpoint(load again) error: %v", err)
	}
	step, restored, err := s.LatestCheckpoint("run-1")
	if err != nil {
		t.Fatalf("LatestCheckpoint() error: %v", err)
	}
	if step != "load" {
		t.Errorf("latest checkpoint step after re-save = %q, want load", step)
	}
	if v, _ := restored.Var("replayed"); v != true {
		t.Errorf("latest checkpoint content is stale: replayed = %v", v)
	}
	if n := countRows(t, s.db, `SELECT COUNT(*) FROM checkpoints WHERE run_id = ?`, "run-1"); n != 2 {
		t.Errorf("checkpoints rows = %d, want 2 (one per step)", n)
	}
}

func TestPruneCheckpoints(t *testing.T) {
	s := newStore(t)

	if err := s.CreateRun(testMeta("run-1"), nil); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	pc := pipeline.NewContext(testMeta("run-1"))
	if err := s.SaveCheckpoint("run-1", "load", pc); err != nil {
		t.Fatalf("SaveCheckpoint() error: %v", err)
	}
	res := pipeline.StepResult{StepName: "load", Status: pipeline.StatusSuccess, Attempts: 1}
	if err := s.SaveStepResult("run-1", res); err != nil {
		t.Fatalf("SaveStepResult() error: %v", err)
	}

	if err := s.PruneCheckpoints("run-1"); err != nil {
		t.Fatalf("PruneCheckpoints() error: %v", err)
	}
	if _, _, err := s.LatestCheckpoint("run-1"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("LatestCheckpoint() after prune = %v, want ErrNoCheckpoint", err)
	}
	if n := countRows(t, s.db, `SELECT COUNT(*) FROM step_results WHERE run_id = ?`, "run-1"); n != 1 {
		t.Errorf("pruning removed step results: %d rows left, want 1", n)
	}
}

func TestRunStats(t *testing.T) {
	s := newStore(t)

	if err := s.CreateRun(testMeta("run-1"), nil); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	outcomes := map[string]pipeline.Status{
		"load":     pipeline.StatusSuccess,
		"validate": pipeline.StatusSuccess,
		"adjust":   pipeline.StatusSkipped,
		"export":   pipeline.StatusFailed,
	}
	for name, status := range outcomes {
		res := pipeline.StepResult{StepName: name, Status: status, Attempts: 1}
		if err := s.SaveStepResult("run-1", res); err != nil {
			t.Fatalf("SaveStepResult(%s) error: %v", name, err)
		}
	}

	stats, err := s.RunStats("run-1")
	if err != nil {
		t.Fatalf("RunStats() error: %v", err)
	}
	want := Stats{Total: 4, Success: 2, Failed: 1, Skipped: 1}
	if stats != want {
		t.Errorf("RunStats() = %+v, want %+v", stats, want)
	}
}

func TestAllRunsNewestFirst(t *testing.T) {
	s := newStore(t)

	for _, id := range []string{"run-a", "run-b", "run-c"} {
		if err := s.CreateRun(testMeta(id), nil); err != nil {
			t.Fatalf("CreateRun(%s) error: %v", id, err)
		}
	}
	if _, err := s.db.Exec(`UPDATE runs SET started_at = datetime('now', '-2 hours') WHERE id = 'run-a'`); err != nil {
		t.Fatalf("backdating run: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE runs SET started_at = datetime('now', '-1 hour') WHERE id = 'run-b'`); err != nil {
		t.Fatalf("backdating run: %v", err)
	}

	runs, err := s.AllRuns()
	if err != nil {
		t.Fatalf("AllRuns() error: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("AllRuns() returned %d runs, want 3", len(runs))
	}
	for i, want := range []string{"run-c", "run-b", "run-a"} {
		if runs[i].ID != want {
			t.Errorf("runs[%d] = %q, want %q", i, runs[i].ID, want)
		}
	}
}

// storeTestStep is a minimal deterministic step for resume tests.
type storeTestStep struct {
	pipeline.BaseStep
	run func(pc *pipeline.Context) error
}

func (s *storeTestStep) Execute(_ context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	return nil, s.run(pc)
}

func newStep(name string, run func(pc *pipeline.Context) error) *storeTestStep {
	return &storeTestStep{
		BaseStep: pipeline.BaseStep{Info: pipeline.StepInfo{Name: name, Required: true}},
		run:      run,
	}
}

func closingSteps(t *testing.T) []pipeline.Step {
	t.Helper()
	seed := newStep("seed", func(pc *pipeline.Context) error {
		tbl := table.New("account", "amount")
		rows := []struct {
			account string
			amount  float64
		}{
			{"acct-1", 120.00},
			{"acct-2", 80.50},
			{"acct-3", 200.25},
		}
		for _, r := range rows {
			if err := tbl.AppendRow(r.account, r.amount); err != nil {
				return err
			}
		}
		pc.SetPrimary(tbl)
		pc.SetVar("seeded_rows", int64(tbl.NumRows()))
		return nil
	})
	enrich := newStep("enrich", func(pc *pipeline.Context) error {
		in := pc.Primary()
		out := table.New("account", "amount", "large")
		for i := 0; i < in.NumRows(); i++ {
			amount := in.Value(i, "amount").(float64)
			if err := out.AppendRow(in.Value(i, "account"), amount, amount >= 100); err != nil {
				return err
			}
		}
		pc.SetPrimary(out)
		return nil
	})
	summarize := newStep("summarize", func(pc *pipeline.Context) error {
		in := pc.Primary()
		large := 0
		for i := 0; i < in.NumRows(); i++ {
			if in.Value(i, "large") == true {
				large++
			}
		}
		pc.SetVar("large_count", int64(large))
		pc.SetValidation("enrichment", true)
		return nil
	})
	return []pipeline.Step{seed, enrich, summarize}
}

// TestResumeReproducesRun checkpoints after every step, then restores the
// snapshot taken after step two and replays only step three. The resumed
// context must end up identical to an uninterrupted run.
func TestResumeReproducesRun(t *testing.T) {
	s := newStore(t)

	p := &pipeline.Pipeline{
		Name:        "monthly-close",
		StopOnError: true,
		Steps:       closingSteps(t),
	}

	// Uninterrupted run.
	fresh := pipeline.NewContext(testMeta("run-fresh"))
	run, err := pipeline.NewExecutor(p, pipeline.Hooks{}).Run(context.Background(), fresh)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if run.Status != pipeline.StatusSuccess {
		t.Fatalf("uninterrupted run status = %v", run.Status)
	}

	// Interrupted run: persist a checkpoint after every successful step.
	meta := testMeta("run-resumed")
	if err := s.CreateRun(meta, nil); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	hooks := pipeline.Hooks{
		StepFinished: func(res pipeline.StepResult, pc *pipeline.Context) {
			if err := s.SaveStepResult(meta.RunID, res); err != nil {
				t.Errorf("SaveStepResult(%s): %v", res.StepName, err)
			}
			if res.Status == pipeline.StatusSuccess {
				if err := s.SaveCheckpoint(meta.RunID, res.StepName, pc); err != nil {
					t.Errorf("SaveCheckpoint(%s): %v", res.StepName, err)
				}
			}
		},
	}
	twoSteps := &pipeline.Pipeline{
		Name:        p.Name,
		StopOnError: true,
		Steps:       p.Steps[:2],
	}
	partial := pipeline.NewContext(meta)
	if _, err := pipeline.NewExecutor(twoSteps, hooks).Run(context.Background(), partial); err != nil {
		t.Fatalf("partial Run() error: %v", err)
	}

	// Restore the snapshot and replay from step three only.
	stepName, restored, err := s.LatestCheckpoint(meta.RunID)
	if err != nil {
		t.Fatalf("LatestCheckpoint() error: %v", err)
	}
	if stepName != "enrich" {
		t.Fatalf("latest checkpoint after partial run = %q, want enrich", stepName)
	}
	resumedRun, err := pipeline.NewExecutor(p, pipeline.Hooks{}).RunFrom(context.Background(), restored, "summarize")
	if err != nil {
		t.Fatalf("RunFrom() error: %v", err)
	}
	if resumedRun.Status != pipeline.StatusSuccess {
		t.Fatalf("resumed run status = %v", resumedRun.Status)
	}

	if !restored.Primary().Equal(fresh.Primary()) {
		t.Error("resumed primary dataset differs from the uninterrupted run")
	}
	freshCount, _ := fresh.Var("large_count")
	resumedCount, _ := restored.Var("large_count")
	if freshCount != resumedCount {
		t.Errorf("large_count: resumed %v, fresh %v", resumedCount, freshCount)
	}
	seeded, _ := restored.Var("seeded_rows")
	if seeded != int64(3) {
		t.Errorf("seeded_rows carried through checkpoint = %v (%T), want int64(3)", seeded, seeded)
	}
	if len(restored.History()) != len(fresh.History()) {
		t.Errorf("history length: resumed %d, fresh %d", len(restored.History()), len(fresh.History()))
	}
	if !restored.Valid() {
		t.Error("resumed validations lost")
	}
}
