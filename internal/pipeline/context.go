// Package pipeline executes named steps in author-declared order against a
// single shared run context, with per-step retry, timeout, and rollback.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tabflow/tabflow/internal/table"
)

// Meta is the run-identifying metadata carried by a Context.
type Meta struct {
	RunID     string    `json:"run_id,omitempty"`
	Pipeline  string    `json:"pipeline,omitempty"`
	Entity    string    `json:"entity,omitempty"`
	Period    string    `json:"period,omitempty"`
	RunKind   string    `json:"run_kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Context is the only shared-mutable state in a run. Every step reads and
// writes through it. The primary dataset is replaced whole or not at all;
// auxiliary datasets are last-writer-wins; error and warning logs are
// append-only. All methods are safe for concurrent use, which the loading
// stage relies on while its fanned-out loads report in.
type Context struct {
	mu          sync.RWMutex
	meta        Meta
	primary     *table.Table
	aux         map[string]*table.Table
	vars        map[string]any
	errors      []string
	warnings    []string
	validations map[string]bool
	history     []StepResult
}

// NewContext creates the context for one run. Zero timestamps in meta are
// filled with the current time.
func NewContext(meta Meta) *Context {
	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = now
	}
	return &Context{
		meta:        meta,
		aux:         make(map[string]*table.Table),
		vars:        make(map[string]any),
		validations: make(map[string]bool),
	}
}

// touch must be called with mu held for writing.
func (c *Context) touch() {
	c.meta.UpdatedAt = time.Now().UTC()
}

// Meta returns a copy of the run metadata.
func (c *Context) Meta() Meta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// SetPeriod records the processing period on the run metadata.
func (c *Context) SetPeriod(period string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta.Period = period
	c.touch()
}

// Primary returns the primary dataset, nil before the first load.
func (c *Context) Primary() *table.Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primary
}

// SetPrimary replaces the primary dataset whole. Steps never mutate the
// installed table in place; they build a new one and swap it.
func (c *Context) SetPrimary(t *table.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primary = t
	c.touch()
}

// Aux returns the named auxiliary dataset. Absence means "no data
// available", not an error; consumers must tolerate it.
func (c *Context) Aux(name string) (*table.Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.aux[name]
	return t, ok
}

// SetAux installs an auxiliary dataset under name, replacing any previous
// holder of that name.
func (c *Context) SetAux(name string, t *table.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aux[name] = t
	c.touch()
}

// AuxNames returns the auxiliary dataset names in sorted order.
func (c *Context) AuxNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.aux))
	for name := range c.aux {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Var returns a shared variable.
func (c *Context) Var(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[name]
	return v, ok
}

// VarString returns a shared variable as a string, or "" when it is absent
// or not a string.
func (c *Context) VarString(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.vars[name].(string); ok {
		return s
	}
	return ""
}

// SetVar records a shared variable. Values must be JSON-encodable or the
// context can no longer be checkpointed.
func (c *Context) SetVar(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = value
	c.touch()
}

// AddError appends a formatted entry to the run's error log.
func (c *Context) AddError(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, fmt.Sprintf(format, args...))
	c.touch()
}

// AddWarning appends a formatted entry to the run's warning log.
func (c *Context) AddWarning(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
	c.touch()
}

// Errors returns a copy of the error log in append order.
func (c *Context) Errors() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.errors))
	copy(out, c.errors)
	return out
}

// Warnings returns a copy of the warning log in append order.
func (c *Context) Warnings() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// SetValidation records a named validation outcome.
func (c *Context) SetValidation(name string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validations[name] = ok
	c.touch()
}

// Valid reports the logical AND of every recorded validation outcome. A
// context with no recorded outcomes is valid.
func (c *Context) Valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ok := range c.validations {
		if !ok {
			return false
		}
	}
	return true
}

// Validations returns a copy of the validation outcomes keyed by validator
// name.
func (c *Context) Validations() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.validations))
	for name, ok := range c.validations {
		out[name] = ok
	}
	return out
}

// AppendHistory appends a step result to the execution history.
func (c *Context) AppendHistory(res StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, res)
	c.touch()
}

// History returns a copy of the execution history in append order.
func (c *Context) History() []StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StepResult, len(c.history))
	copy(out, c.history)
	return out
}

// contextJSON is the checkpoint wire form.
type contextJSON struct {
	Meta        Meta                    `json:"meta"`
	Primary     *table.Table            `json:"primary,omitempty"`
	Aux         map[string]*table.Table `json:"aux,omitempty"`
	Vars        map[string]any          `json:"vars,omitempty"`
	Errors      []string                `json:"errors,omitempty"`
	Warnings    []string                `json:"warnings,omitempty"`
	Validations map[string]bool         `json:"validations,omitempty"`
	History     []StepResult            `json:"history,omitempty"`
}

// MarshalJSON snapshots the whole context for checkpointing.
func (c *Context) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(contextJSON{
		Meta:        c.meta,
		Primary:     c.primary,
		Aux:         c.aux,
		Vars:        c.vars,
		Errors:      c.errors,
		Warnings:    c.warnings,
		Validations: c.validations,
		History:     c.history,
	})
}

// UnmarshalJSON restores a checkpointed context. Numeric shared variables
// come back as int64 when integral, float64 otherwise.
func (c *Context) UnmarshalJSON(data []byte) error {
	var aux contextJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&aux); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta = aux.Meta
	c.primary = aux.Primary
	c.aux = aux.Aux
	if c.aux == nil {
		c.aux = make(map[string]*table.Table)
	}
	c.vars = make(map[string]any, len(aux.Vars))
	for name, v := range aux.Vars {
		c.vars[name] = normalizeVar(v)
	}
	c.errors = aux.Errors
	c.warnings = aux.Warnings
	c.validations = aux.Validations
	if c.validations == nil {
		c.validations = make(map[string]bool)
	}
	c.history = aux.History
	return nil
}

func normalizeVar(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		for i := range x {
			x[i] = normalizeVar(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeVar(x[k])
		}
		return x
	default:
		return v
	}
}
