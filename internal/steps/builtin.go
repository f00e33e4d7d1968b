package steps

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/tabflow/tabflow/internal/logging"
	"github.com/tabflow/tabflow/internal/pipeline"
	"github.com/tabflow/tabflow/internal/pool"
	"github.com/tabflow/tabflow/internal/source"
)

func init() {
	Register("validate", newValidateStep)
	Register("export", newExportStep)
	Register("snapshot", newSnapshotStep)
}

// validateStep checks a dataset's structure and records the outcome under
// the step's name. Params: dataset (aux name, default primary), columns
// (required column list), allow_empty (bool).
type validateStep struct {
	pipeline.BaseStep
	dataset    string
	columns    []string
	allowEmpty bool
}

func newValidateStep(info pipeline.StepInfo, params map[string]any) (pipeline.Step, error) {
	s := &validateStep{BaseStep: pipeline.BaseStep{Info: info}}
	var err error
	if s.dataset, err = strParam(params, "dataset", ""); err != nil {
		return nil, fmt.Errorf("step %s: %w", info.Name, err)
	}
	if s.columns, err = stringsParam(params, "columns"); err != nil {
		return nil, fmt.Errorf("step %s: %w", info.Name, err)
	}
	if s.allowEmpty, err = boolParam(params, "allow_empty", false); err != nil {
		return nil, fmt.Errorf("step %s: %w", info.Name, err)
	}
	return s, nil
}

func (s *validateStep) ValidateInput(pc *pipeline.Context) bool {
	if s.dataset != "" {
		return true
	}
	return pc.Primary() != nil
}

func (s *validateStep) Execute(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	tbl := pc.Primary()
	label := "primary"
	if s.dataset != "" {
		label = s.dataset
		var ok bool
		if tbl, ok = pc.Aux(s.dataset); !ok {
			return &pipeline.StepResult{
				Status:  pipeline.StatusSkipped,
				Message: fmt.Sprintf("dataset %s absent, nothing to validate", s.dataset),
			}, nil
		}
	}

	if missing := tbl.MissingColumns(s.columns); len(missing) > 0 {
		pc.SetValidation(s.Name(), false)
		return nil, &source.ValidationError{Subject: label, Missing: missing}
	}
	if !s.allowEmpty && tbl.NumRows() == 0 {
		pc.SetValidation(s.Name(), false)
		return nil, &source.ValidationError{Subject: label, Reason: "dataset is empty"}
	}

	pc.SetValidation(s.Name(), true)
	res := &pipeline.StepResult{
		Message: fmt.Sprintf("%s: %d rows, %d columns", label, tbl.NumRows(), tbl.NumCols()),
	}
	res.AddMetadata("dataset", label)
	res.AddMetadata("rows", fmt.Sprint(tbl.NumRows()))
	return res, nil
}

// exportStep writes a dataset to a destination source. Params: path, kind,
// table, mode (replace/append), dataset (aux name, default primary),
// source_params (backend settings, e.g. a dsn).
type exportStep struct {
	pipeline.BaseStep
	dataset   string
	desc      source.Descriptor
	tableName string
	mode      source.WriteMode
	created   atomic.Bool
}

func newExportStep(info pipeline.StepInfo, params map[string]any) (pipeline.Step, error) {
	s := &exportStep{BaseStep: pipeline.BaseStep{Info: info}}
	var err error
	if s.dataset, err = strParam(params, "dataset", ""); err != nil {
		return nil, fmt.Errorf("step %s: %w", info.Name, err)
	}
	if s.desc.Path, err = strParam(params, "path", ""); err != nil {
		return nil, fmt.Errorf("step %s: %w", info.Name, err)
	}
	if s.desc.Kind, err = strParam(params, "kind", ""); err != nil {
		return nil, fmt.Errorf("step %s: %w", info.Name, err)
	}
	if s.desc.Params, err = mapParam(params, "source_params"); err != nil {
		return nil, fmt.Errorf("step %s: %w", info.Name, err)
	}
	if s.tableName, err = strParam(params, "table", ""); err != nil {
		return nil, fmt.Errorf("step %s: %w", info.Name, err)
	}
	mode, err := strParam(params, "mode", string(source.ModeReplace))
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", info.Name, err)
	}
	switch source.WriteMode(mode) {
	case source.ModeReplace, source.ModeAppend:
		s.mode = source.WriteMode(mode)
	default:
		return nil, fmt.Errorf("step %s: mode must be replace or append, got %q", info.Name, mode)
	}

	// The destination may not exist yet; required-parameter problems
	// should still surface at build time.
	s.desc.AllowCreate = true
	if err := s.desc.Normalize(); err != nil {
		return nil, fmt.Errorf("step %s: %w", info.Name, err)
	}
	if err := s.desc.Validate(); err != nil {
		return nil, fmt.Errorf("step %s: %w", info.Name, err)
	}
	return s, nil
}

func (s *exportStep) ValidateInput(pc *pipeline.Context) bool {
	if s.dataset != "" {
		return true
	}
	return pc.Primary() != nil
}

func (s *exportStep) Execute(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	tbl := pc.Primary()
	label := "primary"
	if s.dataset != "" {
		label = s.dataset
		var ok bool
		if tbl, ok = pc.Aux(s.dataset); !ok {
			return &pipeline.StepResult{
				Status:  pipeline.StatusSkipped,
				Message: fmt.Sprintf("dataset %s absent, nothing to export", s.dataset),
			}, nil
		}
	}

	// Remember whether this run created the destination so rollback can
	// remove a partial file.
	if path := s.desc.EffectivePath(); path != "" && !s.created.Load() {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			s.created.Store(true)
		}
	}

	src, err := pool.Open(s.desc)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			logging.Warn("Closing export destination: %v", cerr)
		}
	}()

	if err := src.Write(ctx, tbl, source.WriteOptions{Table: s.tableName, Mode: s.mode}); err != nil {
		return nil, fmt.Errorf("exporting %s: %w", label, err)
	}

	res := &pipeline.StepResult{
		Message: fmt.Sprintf("exported %s (%d rows) to %s", label, tbl.NumRows(), s.desc.EffectivePath()),
	}
	res.AddMetadata("dataset", label)
	res.AddMetadata("destination", s.desc.EffectivePath())
	res.AddMetadata("rows", fmt.Sprint(tbl.NumRows()))
	return res, nil
}

// Rollback removes a destination file this step created, so a failed
// export does not leave a partial artifact behind.
func (s *exportStep) Rollback(ctx context.Context, pc *pipeline.Context, cause error) error {
	if !s.created.Load() {
		return nil
	}
	path := s.desc.EffectivePath()
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing partial export %s: %w", path, err)
	}
	logging.Info("Removed partial export %s", path)
	return nil
}

// snapshotStep copies the primary dataset into an aux slot so later steps
// can compare against the state at this point. Params: name (aux slot,
// default "snapshot").
type snapshotStep struct {
	pipeline.BaseStep
	name string
}

func newSnapshotStep(info pipeline.StepInfo, params map[string]any) (pipeline.Step, error) {
	s := &snapshotStep{BaseStep: pipeline.BaseStep{Info: info}}
	var err error
	if s.name, err = strParam(params, "name", "snapshot"); err != nil {
		return nil, fmt.Errorf("step %s: %w", info.Name, err)
	}
	return s, nil
}

func (s *snapshotStep) ValidateInput(pc *pipeline.Context) bool {
	return pc.Primary() != nil
}

func (s *snapshotStep) Execute(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	snap := pc.Primary().Clone()
	pc.SetAux(s.name, snap)
	res := &pipeline.StepResult{
		Message: fmt.Sprintf("snapshot of %d rows under %s", snap.NumRows(), s.name),
	}
	res.AddMetadata("name", s.name)
	return res, nil
}
