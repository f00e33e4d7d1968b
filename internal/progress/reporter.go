// Package progress emits run progress: a throttled JSON line stream for
// automation, or an interactive terminal bar when stdout is a TTY.
package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/tabflow/tabflow/internal/logging"
)

// Update represents a JSON progress update for automation/Airflow.
type Update struct {
	Timestamp     string  `json:"timestamp"`
	RunID         string  `json:"run_id,omitempty"`
	Step          string  `json:"step,omitempty"`
	Status        string  `json:"status,omitempty"`
	StepsComplete int     `json:"steps_complete"`
	StepsTotal    int     `json:"steps_total"`
	ProgressPct   float64 `json:"progress_pct"`
	Message       string  `json:"message,omitempty"`
	ErrorCount    int     `json:"error_count,omitempty"`
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update Update)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update Update)
	// Close cleans up any resources
	Close()
}

// IsInteractive reports whether stdout is a terminal, deciding between
// the bar tracker and the JSON stream.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// JSONReporter outputs JSON progress updates to a writer (typically stderr).
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a new JSON progress reporter.
// interval specifies the minimum time between updates (to avoid flooding).
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:   writer,
		interval: interval,
	}
}

// Report emits a JSON progress update to the writer.
// Updates are throttled based on the configured interval.
func (r *JSONReporter) Report(update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.lastReport = now

	r.write(update, now)
}

// ReportImmediate emits a progress update immediately, bypassing
// throttling. Use for step transitions and the terminal state.
func (r *JSONReporter) ReportImmediate(update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.write(update, time.Now())
	r.lastReport = time.Now()
}

func (r *JSONReporter) write(update Update, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.Format(time.RFC3339)
	}

	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}

	fmt.Fprintln(r.writer, string(data))
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

// Report does nothing.
func (r *NullReporter) Report(update Update) {}

// ReportImmediate does nothing.
func (r *NullReporter) ReportImmediate(update Update) {}

// Close does nothing.
func (r *NullReporter) Close() {}
