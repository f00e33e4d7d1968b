// Package orchestrator assembles a pipeline from configuration and
// drives runs end to end: state recording, checkpointing, progress,
// notifications, and resume.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tabflow/tabflow/internal/checkpoint"
	"github.com/tabflow/tabflow/internal/config"
	"github.com/tabflow/tabflow/internal/logging"
	"github.com/tabflow/tabflow/internal/notify"
	"github.com/tabflow/tabflow/internal/pipeline"
	"github.com/tabflow/tabflow/internal/progress"
	"github.com/tabflow/tabflow/internal/workerpool"
)

// EventType classifies orchestrator events.
type EventType string

const (
	EventStepStarted  EventType = "step_started"
	EventStepFinished EventType = "step_finished"
	EventRunFinished  EventType = "run_finished"
)

// Event is a run lifecycle notification for live observers (the TUI).
type Event struct {
	Type    EventType
	RunID   string
	Step    string
	Index   int
	Total   int
	Status  pipeline.Status
	Message string
	Summary string
	Err     error
}

// Options adjust orchestrator construction.
type Options struct {
	// DataDir overrides the configured state directory.
	DataDir string
	// RunID fixes the run identifier (for Airflow); default is a fresh
	// short UUID per run.
	RunID string
	// Reporter receives progress updates; nil means no reporting.
	Reporter progress.Reporter
	// OnEvent, when set, receives run lifecycle events.
	OnEvent func(Event)
}

// Orchestrator coordinates pipeline runs against one config.
type Orchestrator struct {
	cfg      *config.Config
	opts     Options
	store    *checkpoint.Store
	notifier *notify.Notifier
	reporter progress.Reporter
}

// New creates an orchestrator: opens the checkpoint store and arms the
// configured worker pools so backends find them sized on first use.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = cfg.State.DataDir
	}
	store, err := checkpoint.New(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	for kind, size := range cfg.Pools {
		workerpool.ForKind(kind, size)
	}

	reporter := opts.Reporter
	if reporter == nil {
		reporter = &progress.NullReporter{}
	}

	return &Orchestrator{
		cfg:      cfg,
		opts:     opts,
		store:    store,
		notifier: notify.New(&cfg.Slack),
		reporter: reporter,
	}, nil
}

// Close releases the state store and the progress reporter.
func (o *Orchestrator) Close() {
	o.reporter.Close()
	o.store.Close()
}

// Store exposes the checkpoint store for status/history views.
func (o *Orchestrator) Store() *checkpoint.Store {
	return o.store
}

// Run executes a fresh pipeline run. Entity and period override the
// configured run metadata when non-empty.
func (o *Orchestrator) Run(ctx context.Context, entity, period string) error {
	p, err := o.buildPipeline()
	if err != nil {
		return err
	}

	runID := o.opts.RunID
	if runID == "" {
		runID = uuid.New().String()[:8]
	}
	if entity == "" {
		entity = o.cfg.Pipeline.Entity
	}

	meta := pipeline.Meta{
		RunID:    runID,
		Pipeline: o.cfg.Pipeline.Name,
		Entity:   entity,
		Period:   period,
		RunKind:  o.cfg.Pipeline.RunKind,
	}
	pc := pipeline.NewContext(meta)
	if period != "" {
		pc.SetVar("period", period)
	}

	if err := o.store.CreateRun(meta, o.cfg.Sanitized()); err != nil {
		return fmt.Errorf("recording run: %w", err)
	}

	logging.Info("Starting run %s (pipeline %s, %d steps)", runID, p.Name, len(p.Steps))
	if err := o.notifier.RunStarted(runID, p.Name, entity, len(p.Steps)); err != nil {
		logging.Warn("Start notification failed: %v", err)
	}

	began := time.Now()
	exec := pipeline.NewExecutor(p, o.hooks(runID, len(p.Steps)))
	run, err := exec.Run(ctx, pc)
	if err != nil {
		o.store.CompleteRun(runID, "failed")
		return err
	}
	return o.finish(runID, began, run, pc)
}

// Resume continues an interrupted run from its latest checkpoint. An
// empty runID picks the most recent incomplete run; fromStep overrides
// the step the run restarts at.
func (o *Orchestrator) Resume(ctx context.Context, runID, fromStep string) error {
	run, err := o.resumableRun(runID)
	if err != nil {
		return err
	}

	stepName, pc, err := o.store.LatestCheckpoint(run.ID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return fmt.Errorf("run %s has no checkpoint to resume from; start a new run", run.ID)
		}
		return fmt.Errorf("loading checkpoint: %w", err)
	}

	p, err := o.buildPipeline()
	if err != nil {
		return err
	}

	startAt := fromStep
	if startAt == "" {
		startAt, err = stepAfter(p, stepName)
		if err != nil {
			return err
		}
		if startAt == "" {
			logging.Info("Run %s already checkpointed past its last step, marking complete", run.ID)
			return o.store.CompleteRun(run.ID, "success")
		}
	}

	if err := o.store.MarkRunAsResumed(run.ID); err != nil {
		return fmt.Errorf("reopening run: %w", err)
	}
	logging.Info("Resuming run %s at step %s (checkpoint after %s)", run.ID, startAt, stepName)

	began := time.Now()
	exec := pipeline.NewExecutor(p, o.hooks(run.ID, len(p.Steps)))
	result, err := exec.RunFrom(ctx, pc, startAt)
	if err != nil {
		o.store.CompleteRun(run.ID, "failed")
		return err
	}
	return o.finish(run.ID, began, result, pc)
}

// resumableRun resolves which run to resume.
func (o *Orchestrator) resumableRun(runID string) (*checkpoint.Run, error) {
	if runID != "" {
		run, err := o.store.RunByID(runID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, fmt.Errorf("run not found: %s", runID)
		}
		return run, nil
	}

	run, err := o.store.GetLastIncompleteRun()
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("no interrupted run to resume")
	}
	return run, nil
}

// stepAfter returns the name of the step following stepName in declared
// order, or "" when stepName is the last step.
func stepAfter(p *pipeline.Pipeline, stepName string) (string, error) {
	for i, s := range p.Steps {
		if s.Name() == stepName {
			if i+1 < len(p.Steps) {
				return p.Steps[i+1].Name(), nil
			}
			return "", nil
		}
	}
	return "", fmt.Errorf("checkpointed step %q is not in the pipeline; the config has changed, use --from-step", stepName)
}

// hooks wires the executor's lifecycle into state, progress,
// notifications, and events.
func (o *Orchestrator) hooks(runID string, total int) pipeline.Hooks {
	complete := 0
	return pipeline.Hooks{
		StepStarted: func(step pipeline.Step, index, totalSteps int) {
			o.reporter.ReportImmediate(progress.Update{
				RunID:         runID,
				Step:          step.Name(),
				Status:        string(pipeline.StatusRunning),
				StepsComplete: complete,
				StepsTotal:    total,
				ProgressPct:   pct(complete, total),
			})
			o.emit(Event{
				Type: EventStepStarted, RunID: runID,
				Step: step.Name(), Index: index, Total: totalSteps,
				Status: pipeline.StatusRunning,
			})
		},
		StepFinished: func(res pipeline.StepResult, pc *pipeline.Context) {
			complete++

			if err := o.store.SaveStepResult(runID, res); err != nil {
				logging.Warn("Recording step result for %s: %v", res.StepName, err)
			}
			if res.Status != pipeline.StatusFailed && o.cfg.State.CheckpointsEnabled() {
				if err := o.store.SaveCheckpoint(runID, res.StepName, pc); err != nil {
					logging.Warn("Saving checkpoint after %s: %v", res.StepName, err)
				}
			}
			if res.Status == pipeline.StatusFailed {
				if err := o.notifier.StepFailed(runID, res.StepName, res.Err); err != nil {
					logging.Warn("Step failure notification: %v", err)
				}
			}

			o.reporter.ReportImmediate(progress.Update{
				RunID:         runID,
				Step:          res.StepName,
				Status:        string(res.Status),
				StepsComplete: complete,
				StepsTotal:    total,
				ProgressPct:   pct(complete, total),
				Message:       res.Message,
				ErrorCount:    len(pc.Errors()),
			})
			o.emit(Event{
				Type: EventStepFinished, RunID: runID,
				Step: res.StepName, Total: total,
				Status: res.Status, Message: res.Message, Err: res.Err,
			})
		},
	}
}

// finish records the terminal state, prunes checkpoints on success,
// sends the closing notification, and prints the final report.
func (o *Orchestrator) finish(runID string, began time.Time, run *pipeline.RunResult, pc *pipeline.Context) error {
	duration := time.Since(began)

	status := "success"
	switch {
	case run.Aborted:
		status = "aborted"
	case run.Status == pipeline.StatusFailed:
		status = "failed"
	}
	if err := o.store.CompleteRun(runID, status); err != nil {
		logging.Warn("Completing run record: %v", err)
	}

	failures := run.Failures()
	switch {
	case status == "success":
		if err := o.store.PruneCheckpoints(runID); err != nil {
			logging.Warn("Pruning checkpoints: %v", err)
		}
		rows := 0
		if t := pc.Primary(); t != nil {
			rows = t.NumRows()
		}
		if err := o.notifier.RunCompleted(runID, began, duration, len(run.Results), rows); err != nil {
			logging.Warn("Completion notification: %v", err)
		}
	case !o.cfg.Pipeline.StopsOnError() && len(failures) > 0 && !run.Aborted:
		var names []string
		succeeded := 0
		for _, res := range run.Results {
			if res.Status == pipeline.StatusSuccess {
				succeeded++
			}
		}
		for _, res := range failures {
			names = append(names, res.StepName)
		}
		if err := o.notifier.RunCompletedWithErrors(runID, began, duration, succeeded, len(failures), names); err != nil {
			logging.Warn("Completion notification: %v", err)
		}
	default:
		var cause error
		if len(failures) > 0 {
			cause = failures[len(failures)-1].Err
		}
		if err := o.notifier.RunFailed(runID, cause, duration); err != nil {
			logging.Warn("Failure notification: %v", err)
		}
	}

	o.printReport(runID, status, run, pc)
	o.emit(Event{Type: EventRunFinished, RunID: runID, Status: run.Status, Summary: run.Summary()})

	if status == "success" {
		return nil
	}
	if run.Aborted {
		return fmt.Errorf("run %s aborted", runID)
	}
	return fmt.Errorf("run %s failed: %d step(s) failed", runID, len(failures))
}

// printReport surfaces the run outcome with the context's error and
// warning logs verbatim.
func (o *Orchestrator) printReport(runID, status string, run *pipeline.RunResult, pc *pipeline.Context) {
	logging.Print("\nRun %s: %s (%s)\n", runID, status, run.Summary())
	if period := pc.VarString("period"); period != "" {
		logging.Print("Period: %s\n", period)
	}
	if errs := pc.Errors(); len(errs) > 0 {
		logging.Print("Errors:\n")
		for _, e := range errs {
			logging.Print("  - %s\n", e)
		}
	}
	if warnings := pc.Warnings(); len(warnings) > 0 {
		logging.Print("Warnings:\n")
		for _, w := range warnings {
			logging.Print("  - %s\n", w)
		}
	}
}

func (o *Orchestrator) emit(ev Event) {
	if o.opts.OnEvent != nil {
		o.opts.OnEvent(ev)
	}
}

func pct(complete, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(complete) / float64(total) * 100
}
