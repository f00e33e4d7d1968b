package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tabflow/tabflow/internal/table"
)

// Status is the lifecycle state of a step invocation.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Step is the unit of work the executor drives. ValidateInput runs before
// Execute; returning false fails the step without executing it. Execute
// errors are retried per Retries, each attempt re-entering running. Rollback
// runs once after the final failed attempt; its error is logged, never
// re-raised.
type Step interface {
	Name() string
	Required() bool
	Retries() int
	Timeout() time.Duration

	ValidateInput(pc *Context) bool
	// Execute does the work. A nil result with a nil error counts as
	// success; a returned result may set StatusSkipped to record that the
	// step deliberately did nothing. Failure is signalled by the error
	// return alone.
	Execute(ctx context.Context, pc *Context) (*StepResult, error)
	Rollback(ctx context.Context, pc *Context, cause error) error
}

// StepInfo is the static configuration every step shares.
type StepInfo struct {
	Name     string
	Required bool
	Retries  int
	Timeout  time.Duration
}

// BaseStep implements the configuration half of Step plus permissive
// defaults for ValidateInput and Rollback. Concrete steps embed it and
// provide Execute.
type BaseStep struct {
	Info StepInfo
}

func (b *BaseStep) Name() string           { return b.Info.Name }
func (b *BaseStep) Required() bool         { return b.Info.Required }
func (b *BaseStep) Retries() int           { return b.Info.Retries }
func (b *BaseStep) Timeout() time.Duration { return b.Info.Timeout }

func (b *BaseStep) ValidateInput(*Context) bool { return true }

func (b *BaseStep) Rollback(context.Context, *Context, error) error { return nil }

// StepResult is the outcome record of one step invocation.
type StepResult struct {
	StepName  string
	Status    Status
	Message   string
	Data      *table.Table
	StartedAt time.Time
	Duration  time.Duration
	Attempts  int
	Metadata  map[string]string
	Err       error
}

// AddMetadata records a diagnostic key/value on the result.
func (r *StepResult) AddMetadata(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

// stepResultJSON is the wire form used when a Context is checkpointed.
// Errors survive as text only.
type stepResultJSON struct {
	Step       string            `json:"step"`
	Status     Status            `json:"status"`
	Message    string            `json:"message,omitempty"`
	Error      string            `json:"error,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	DurationMS int64             `json:"duration_ms"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Data       *table.Table      `json:"data,omitempty"`
}

func (r StepResult) MarshalJSON() ([]byte, error) {
	aux := stepResultJSON{
		Step:       r.StepName,
		Status:     r.Status,
		Message:    r.Message,
		Attempts:   r.Attempts,
		StartedAt:  r.StartedAt,
		DurationMS: r.Duration.Milliseconds(),
		Metadata:   r.Metadata,
		Data:       r.Data,
	}
	if r.Err != nil {
		aux.Error = r.Err.Error()
	}
	return json.Marshal(aux)
}

func (r *StepResult) UnmarshalJSON(data []byte) error {
	var aux stepResultJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.StepName = aux.Step
	r.Status = aux.Status
	r.Message = aux.Message
	r.Attempts = aux.Attempts
	r.StartedAt = aux.StartedAt
	r.Duration = time.Duration(aux.DurationMS) * time.Millisecond
	r.Metadata = aux.Metadata
	r.Data = aux.Data
	r.Err = nil
	if aux.Error != "" {
		r.Err = errors.New(aux.Error)
	}
	return nil
}
