package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/tabflow/tabflow/internal/logging"
)

// Pipeline is a named, ordered list of steps run for one entity. Order is
// author-declared and never reordered. When StopOnError is false, required
// failures are collected and execution continues to the end.
type Pipeline struct {
	Name        string
	Entity      string
	StopOnError bool
	Steps       []Step
}

// Hooks observe step lifecycle events during a run. Nil fields are skipped.
// StepFinished fires after the result has been appended to the context
// history, so a hook that persists a checkpoint sees the complete state.
type Hooks struct {
	StepStarted  func(step Step, index, total int)
	StepFinished func(res StepResult, pc *Context)
}

// RunResult is the executor's terminal outcome for one run.
type RunResult struct {
	Status   Status
	Results  []StepResult
	Aborted  bool
	Duration time.Duration
}

// Failures returns the failed step results in execution order.
func (r *RunResult) Failures() []StepResult {
	var out []StepResult
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}
	return out
}

// Summary returns a one-line human-readable outcome.
func (r *RunResult) Summary() string {
	var succeeded, failed, skipped int
	for _, res := range r.Results {
		switch res.Status {
		case StatusSuccess:
			succeeded++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return fmt.Sprintf("steps=%d, succeeded=%d, failed=%d, skipped=%d, duration=%s",
		len(r.Results), succeeded, failed, skipped, r.Duration.Round(time.Millisecond))
}

// retryUnit scales the exponential backoff between attempts. Tests shrink it.
var retryUnit = time.Second

// rollbackTimeout bounds best-effort rollback after a final failure, so a
// cancelled run still gets its compensating action.
const rollbackTimeout = 30 * time.Second

// Executor drives a pipeline's steps strictly in order against one context.
type Executor struct {
	pipeline *Pipeline
	hooks    Hooks
}

// NewExecutor creates an executor for the pipeline.
func NewExecutor(p *Pipeline, hooks Hooks) *Executor {
	return &Executor{pipeline: p, hooks: hooks}
}

// Run executes every step in order. The returned error covers usage problems
// only; execution failures are reported through the RunResult.
func (e *Executor) Run(ctx context.Context, pc *Context) (*RunResult, error) {
	return e.RunFrom(ctx, pc, "")
}

// RunFrom executes the pipeline starting at the named step, as when resuming
// from a checkpoint. An empty name starts from the first step. Terminal
// status is success only when no required step failed and the run was not
// aborted by context cancellation.
func (e *Executor) RunFrom(ctx context.Context, pc *Context, startAt string) (*RunResult, error) {
	p := e.pipeline
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("pipeline %s has no steps", p.Name)
	}

	start := 0
	if startAt != "" {
		start = -1
		for i, s := range p.Steps {
			if s.Name() == startAt {
				start = i
				break
			}
		}
		if start < 0 {
			return nil, fmt.Errorf("pipeline %s has no step %q", p.Name, startAt)
		}
		logging.Info("Pipeline %s: resuming at step %d (%s)", p.Name, start+1, startAt)
	}

	run := &RunResult{Status: StatusSuccess}
	began := time.Now()
	requiredFailed := false

steps:
	for i := start; i < len(p.Steps); i++ {
		step := p.Steps[i]

		select {
		case <-ctx.Done():
			run.Aborted = true
			break steps
		default:
		}

		if e.hooks.StepStarted != nil {
			e.hooks.StepStarted(step, i, len(p.Steps))
		}
		logging.Info("Step %d/%d: %s", i+1, len(p.Steps), step.Name())

		res := e.runStep(ctx, step, pc)
		pc.AppendHistory(res)
		run.Results = append(run.Results, res)
		if e.hooks.StepFinished != nil {
			e.hooks.StepFinished(res, pc)
		}

		if res.Status != StatusFailed {
			continue
		}
		if !step.Required() {
			pc.AddWarning("optional step %s failed: %v", step.Name(), res.Err)
			logging.Warn("Optional step %s failed, continuing: %v", step.Name(), res.Err)
			continue
		}

		requiredFailed = true
		pc.AddError("step %s failed: %v", step.Name(), res.Err)
		if ctx.Err() != nil {
			run.Aborted = true
			break steps
		}
		if p.StopOnError {
			logging.Error("Required step %s failed, stopping pipeline: %v", step.Name(), res.Err)
			break steps
		}
		logging.Error("Required step %s failed, continuing to collect failures: %v", step.Name(), res.Err)
	}

	if requiredFailed || run.Aborted {
		run.Status = StatusFailed
	}
	run.Duration = time.Since(began)

	if run.Aborted {
		logging.Warn("Pipeline %s aborted after %s", p.Name, run.Duration.Round(time.Millisecond))
	} else {
		logging.Info("Pipeline %s finished: %s", p.Name, run.Summary())
	}
	return run, nil
}

// runStep takes one step from pending to a terminal status, retrying failed
// attempts with exponential backoff and invoking rollback after the final
// failure.
func (e *Executor) runStep(ctx context.Context, step Step, pc *Context) StepResult {
	res := StepResult{
		StepName:  step.Name(),
		Status:    StatusPending,
		StartedAt: time.Now(),
	}

	if !step.ValidateInput(pc) {
		res.Status = StatusFailed
		res.Message = "input validation failed"
		res.Err = fmt.Errorf("step %s: input validation failed", step.Name())
		res.Duration = time.Since(res.StartedAt)
		return res
	}

	retries := step.Retries()
	if retries < 0 {
		retries = 0
	}

	var lastErr error
retryLoop:
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * retryUnit
			logging.Warn("Retry %d/%d for step %s after %v (error: %v)",
				attempt, retries, step.Name(), backoff, lastErr)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retryLoop
			case <-time.After(backoff):
			}
		}

		res.Status = StatusRunning
		res.Attempts = attempt + 1

		out, err := e.executeOnce(ctx, step, pc)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				// The run itself was cancelled; further attempts
				// cannot succeed.
				break retryLoop
			}
			continue
		}

		res.Status = StatusSuccess
		if out != nil {
			if out.Status == StatusSkipped {
				res.Status = StatusSkipped
			}
			res.Message = out.Message
			res.Data = out.Data
			res.Metadata = out.Metadata
		}
		res.Duration = time.Since(res.StartedAt)
		return res
	}

	res.Status = StatusFailed
	res.Err = lastErr
	res.Message = lastErr.Error()
	res.Duration = time.Since(res.StartedAt)

	rbCtx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	if rbErr := step.Rollback(rbCtx, pc, lastErr); rbErr != nil {
		logging.Error("Rollback for step %s failed: %v", step.Name(), rbErr)
	}
	return res
}

type execOutcome struct {
	result *StepResult
	err    error
}

// executeOnce runs a single Execute attempt under the step's timeout. A step
// that ignores its context keeps running in the background after the
// deadline; its late result is dropped here.
func (e *Executor) executeOnce(ctx context.Context, step Step, pc *Context) (*StepResult, error) {
	stepCtx := ctx
	if t := step.Timeout(); t > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	done := make(chan execOutcome, 1)
	go func() {
		result, err := step.Execute(stepCtx, pc)
		done <- execOutcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-stepCtx.Done():
		return nil, fmt.Errorf("step %s: %w", step.Name(), stepCtx.Err())
	}
}
