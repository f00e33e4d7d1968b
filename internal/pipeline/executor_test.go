package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func init() {
	// Millisecond backoff keeps retry tests fast.
	retryUnit = time.Millisecond
}

// testStep drives the executor through arbitrary behavior per test.
type testStep struct {
	BaseStep
	validate func(*Context) bool
	execute  func(context.Context, *Context) (*StepResult, error)
	rollback func(context.Context, *Context, error) error
}

func (s *testStep) ValidateInput(pc *Context) bool {
	if s.validate == nil {
		return true
	}
	return s.validate(pc)
}

func (s *testStep) Execute(ctx context.Context, pc *Context) (*StepResult, error) {
	if s.execute == nil {
		return nil, nil
	}
	return s.execute(ctx, pc)
}

func (s *testStep) Rollback(ctx context.Context, pc *Context, cause error) error {
	if s.rollback == nil {
		return nil
	}
	return s.rollback(ctx, pc, cause)
}

func newTestStep(name string, required bool) *testStep {
	return &testStep{BaseStep: BaseStep{Info: StepInfo{Name: name, Required: required}}}
}

func TestRunAllSuccess(t *testing.T) {
	var order []string
	steps := make([]Step, 0, 3)
	for _, name := range []string{"one", "two", "three"} {
		name := name
		s := newTestStep(name, true)
		s.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
			order = append(order, name)
			return nil, nil
		}
		steps = append(steps, s)
	}

	p := &Pipeline{Name: "test", StopOnError: true, Steps: steps}
	pc := NewContext(Meta{RunID: "r1"})

	run, err := NewExecutor(p, Hooks{}).Run(context.Background(), pc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != StatusSuccess {
		t.Errorf("status = %v, want %v", run.Status, StatusSuccess)
	}
	if len(run.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(run.Results))
	}
	for i, name := range []string{"one", "two", "three"} {
		if order[i] != name {
			t.Errorf("execution order[%d] = %q, want %q", i, order[i], name)
		}
		if run.Results[i].Status != StatusSuccess {
			t.Errorf("step %s status = %v, want success", name, run.Results[i].Status)
		}
		if run.Results[i].Attempts != 1 {
			t.Errorf("step %s attempts = %d, want 1", name, run.Results[i].Attempts)
		}
	}
	if len(pc.History()) != 3 {
		t.Errorf("history length = %d, want 3", len(pc.History()))
	}
}

func TestValidateInputFailureSkipsExecute(t *testing.T) {
	executed := false
	s := newTestStep("guarded", true)
	s.validate = func(*Context) bool { return false }
	s.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
		executed = true
		return nil, nil
	}

	p := &Pipeline{Name: "test", StopOnError: true, Steps: []Step{s}}
	run, err := NewExecutor(p, Hooks{}).Run(context.Background(), NewContext(Meta{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if executed {
		t.Error("Execute ran despite ValidateInput returning false")
	}
	if run.Results[0].Status != StatusFailed {
		t.Errorf("status = %v, want failed", run.Results[0].Status)
	}
	if run.Results[0].Message != "input validation failed" {
		t.Errorf("message = %q", run.Results[0].Message)
	}
	if run.Status != StatusFailed {
		t.Errorf("run status = %v, want failed", run.Status)
	}
}

func TestOptionalFailureContinues(t *testing.T) {
	failing := newTestStep("flaky", false)
	failing.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
		return nil, errors.New("boom")
	}
	ran := false
	after := newTestStep("after", true)
	after.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
		ran = true
		return nil, nil
	}

	p := &Pipeline{Name: "test", StopOnError: true, Steps: []Step{failing, after}}
	pc := NewContext(Meta{})
	run, err := NewExecutor(p, Hooks{}).Run(context.Background(), pc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran {
		t.Error("step after optional failure did not run")
	}
	if run.Status != StatusSuccess {
		t.Errorf("run status = %v, want success", run.Status)
	}
	if len(pc.Warnings()) != 1 {
		t.Errorf("warnings = %v, want one entry", pc.Warnings())
	}
	if len(pc.Errors()) != 0 {
		t.Errorf("errors = %v, want none", pc.Errors())
	}
}

func TestRequiredFailureStopsPipeline(t *testing.T) {
	failing := newTestStep("load", true)
	failing.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
		return nil, errors.New("boom")
	}
	ran := false
	after := newTestStep("after", true)
	after.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
		ran = true
		return nil, nil
	}

	p := &Pipeline{Name: "test", StopOnError: true, Steps: []Step{failing, after}}
	pc := NewContext(Meta{})
	run, err := NewExecutor(p, Hooks{}).Run(context.Background(), pc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran {
		t.Error("step after required failure ran with StopOnError=true")
	}
	if run.Status != StatusFailed {
		t.Errorf("run status = %v, want failed", run.Status)
	}
	if len(run.Results) != 1 {
		t.Errorf("results = %d, want 1", len(run.Results))
	}
	if len(pc.Errors()) != 1 {
		t.Errorf("errors = %v, want one entry", pc.Errors())
	}
}

func TestStopOnErrorFalseCollectsFailures(t *testing.T) {
	mk := func(name string, fail bool) *testStep {
		s := newTestStep(name, true)
		s.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
			if fail {
				return nil, fmt.Errorf("%s failed", name)
			}
			return nil, nil
		}
		return s
	}

	p := &Pipeline{
		Name:        "test",
		StopOnError: false,
		Steps:       []Step{mk("a", true), mk("b", false), mk("c", true)},
	}
	pc := NewContext(Meta{})
	run, err := NewExecutor(p, Hooks{}).Run(context.Background(), pc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(run.Results) != 3 {
		t.Fatalf("results = %d, want 3 (all steps should run)", len(run.Results))
	}
	if run.Status != StatusFailed {
		t.Errorf("run status = %v, want failed", run.Status)
	}
	if got := len(run.Failures()); got != 2 {
		t.Errorf("failures = %d, want 2", got)
	}
	if got := len(pc.Errors()); got != 2 {
		t.Errorf("collected errors = %d, want 2", got)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	s := newTestStep("flaky", true)
	s.Info.Retries = 3
	s.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return nil, nil
	}

	p := &Pipeline{Name: "test", StopOnError: true, Steps: []Step{s}}
	run, err := NewExecutor(p, Hooks{}).Run(context.Background(), NewContext(Meta{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if run.Results[0].Status != StatusSuccess {
		t.Errorf("status = %v, want success", run.Results[0].Status)
	}
	if run.Results[0].Attempts != 3 {
		t.Errorf("recorded attempts = %d, want 3", run.Results[0].Attempts)
	}
}

func TestRetriesExhaustedInvokesRollback(t *testing.T) {
	attempts := 0
	rollbacks := 0
	var rollbackCause error

	s := newTestStep("doomed", true)
	s.Info.Retries = 2
	s.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
		attempts++
		return nil, errors.New("permanent")
	}
	s.rollback = func(ctx context.Context, pc *Context, cause error) error {
		rollbacks++
		rollbackCause = cause
		return nil
	}

	p := &Pipeline{Name: "test", StopOnError: true, Steps: []Step{s}}
	run, err := NewExecutor(p, Hooks{}).Run(context.Background(), NewContext(Meta{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
	if rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", rollbacks)
	}
	if rollbackCause == nil || rollbackCause.Error() != "permanent" {
		t.Errorf("rollback cause = %v, want the execute error", rollbackCause)
	}
	if run.Results[0].Status != StatusFailed {
		t.Errorf("status = %v, want failed", run.Results[0].Status)
	}
}

func TestRollbackErrorIsSwallowed(t *testing.T) {
	s := newTestStep("doomed", false)
	s.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
		return nil, errors.New("boom")
	}
	s.rollback = func(ctx context.Context, pc *Context, cause error) error {
		return errors.New("rollback also failed")
	}
	after := newTestStep("after", true)

	p := &Pipeline{Name: "test", StopOnError: true, Steps: []Step{s, after}}
	run, err := NewExecutor(p, Hooks{}).Run(context.Background(), NewContext(Meta{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != StatusSuccess {
		t.Errorf("run status = %v, want success (rollback errors are logged only)", run.Status)
	}
}

func TestStepTimeout(t *testing.T) {
	s := newTestStep("slow", true)
	s.Info.Timeout = 20 * time.Millisecond
	s.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	}

	p := &Pipeline{Name: "test", StopOnError: true, Steps: []Step{s}}
	run, err := NewExecutor(p, Hooks{}).Run(context.Background(), NewContext(Meta{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := run.Results[0]
	if res.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", res.Status)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", res.Err)
	}
}

func TestAbortOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	first := newTestStep("first", true)
	first.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
		cancel()
		return nil, nil
	}
	ran := false
	second := newTestStep("second", true)
	second.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
		ran = true
		return nil, nil
	}

	p := &Pipeline{Name: "test", StopOnError: true, Steps: []Step{first, second}}
	run, err := NewExecutor(p, Hooks{}).Run(ctx, NewContext(Meta{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran {
		t.Error("step ran after the run context was cancelled")
	}
	if !run.Aborted {
		t.Error("Aborted = false, want true")
	}
	if run.Status != StatusFailed {
		t.Errorf("run status = %v, want failed", run.Status)
	}
}

func TestRunFromStartsAtNamedStep(t *testing.T) {
	var order []string
	steps := make([]Step, 0, 3)
	for _, name := range []string{"one", "two", "three"} {
		name := name
		s := newTestStep(name, true)
		s.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
			order = append(order, name)
			return nil, nil
		}
		steps = append(steps, s)
	}

	p := &Pipeline{Name: "test", StopOnError: true, Steps: steps}
	pc := NewContext(Meta{})
	run, err := NewExecutor(p, Hooks{}).RunFrom(context.Background(), pc, "two")
	if err != nil {
		t.Fatalf("RunFrom: %v", err)
	}
	if len(order) != 2 || order[0] != "two" || order[1] != "three" {
		t.Errorf("execution order = %v, want [two three]", order)
	}
	if run.Status != StatusSuccess {
		t.Errorf("run status = %v, want success", run.Status)
	}
}

func TestRunFromUnknownStep(t *testing.T) {
	p := &Pipeline{Name: "test", Steps: []Step{newTestStep("only", true)}}
	_, err := NewExecutor(p, Hooks{}).RunFrom(context.Background(), NewContext(Meta{}), "missing")
	if err == nil {
		t.Fatal("RunFrom with unknown step name succeeded, want error")
	}
}

func TestSkippedStatusPreserved(t *testing.T) {
	s := newTestStep("maybe", true)
	s.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
		return &StepResult{Status: StatusSkipped, Message: "nothing to do"}, nil
	}

	p := &Pipeline{Name: "test", StopOnError: true, Steps: []Step{s}}
	run, err := NewExecutor(p, Hooks{}).Run(context.Background(), NewContext(Meta{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Results[0].Status != StatusSkipped {
		t.Errorf("status = %v, want skipped", run.Results[0].Status)
	}
	if run.Results[0].Message != "nothing to do" {
		t.Errorf("message = %q", run.Results[0].Message)
	}
	if run.Status != StatusSuccess {
		t.Errorf("run status = %v, want success", run.Status)
	}
}

func TestHooksObserveEveryStep(t *testing.T) {
	var started, finished []string
	hooks := Hooks{
		StepStarted: func(step Step, index, total int) {
			started = append(started, step.Name())
		},
		StepFinished: func(res StepResult, pc *Context) {
			finished = append(finished, res.StepName)
			// The result must already be visible in history.
			hist := pc.History()
			if len(hist) == 0 || hist[len(hist)-1].StepName != res.StepName {
				t.Errorf("history does not end with %s", res.StepName)
			}
		},
	}

	fail := newTestStep("fail", false)
	fail.execute = func(ctx context.Context, pc *Context) (*StepResult, error) {
		return nil, errors.New("boom")
	}
	ok := newTestStep("ok", true)

	p := &Pipeline{Name: "test", StopOnError: true, Steps: []Step{fail, ok}}
	if _, err := NewExecutor(p, hooks).Run(context.Background(), NewContext(Meta{})); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(started) != 2 || len(finished) != 2 {
		t.Fatalf("started = %v, finished = %v, want both steps", started, finished)
	}
}

func TestEmptyPipeline(t *testing.T) {
	p := &Pipeline{Name: "empty"}
	_, err := NewExecutor(p, Hooks{}).Run(context.Background(), NewContext(Meta{}))
	if err == nil {
		t.Fatal("running an empty pipeline succeeded, want error")
	}
}
