package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tabflow/tabflow/internal/logging"
)

// Tracker renders an interactive per-step progress bar on the terminal.
// It implements Reporter so the orchestrator drives it and the JSON
// stream through the same hooks.
type Tracker struct {
	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	total     int
	complete  int
	startTime time.Time
	failures  int
}

// NewTracker creates a tracker for a run of totalSteps steps.
func NewTracker(totalSteps int) *Tracker {
	t := &Tracker{
		total:     totalSteps,
		startTime: time.Now(),
	}
	t.bar = progressbar.NewOptions(
		totalSteps,
		progressbar.OptionSetDescription("Running"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	return t
}

// Report updates the bar description for a running step and advances it
// for a finished one.
func (t *Tracker) Report(update Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar == nil {
		return
	}

	switch update.Status {
	case "running":
		t.bar.Describe(fmt.Sprintf("Step %d/%d: %s", update.StepsComplete+1, t.total, update.Step))
		t.bar.RenderBlank()
	case "failed":
		t.failures++
		t.advance(update)
	case "success", "skipped":
		t.advance(update)
	}
}

// advance must be called with mu held.
func (t *Tracker) advance(update Update) {
	if update.StepsComplete > t.complete {
		t.bar.Add(update.StepsComplete - t.complete)
		t.complete = update.StepsComplete
	}
}

// ReportImmediate is identical to Report; the bar throttles itself.
func (t *Tracker) ReportImmediate(update Update) {
	t.Report(update)
}

// Close finishes the bar and prints a one-line wrap-up.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar == nil {
		return
	}
	t.bar.Finish()
	t.bar = nil

	elapsed := time.Since(t.startTime)
	fmt.Println()
	if t.failures > 0 {
		logging.Info("Run finished: %d/%d steps, %d failed, %s",
			t.complete, t.total, t.failures, elapsed.Round(time.Second))
		return
	}
	logging.Info("Run finished: %d/%d steps in %s",
		t.complete, t.total, elapsed.Round(time.Second))
}
