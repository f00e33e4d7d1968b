package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tabflow/tabflow/internal/config"
	"github.com/tabflow/tabflow/internal/logging"
	"github.com/tabflow/tabflow/internal/pipeline"
	"github.com/tabflow/tabflow/internal/pool"
	"github.com/tabflow/tabflow/internal/source"
	"github.com/tabflow/tabflow/internal/stage"
	"github.com/tabflow/tabflow/internal/steps"
	"github.com/tabflow/tabflow/internal/table"
)

// buildPipeline turns the config into an executable pipeline: the
// loading stage first, then every configured step in declared order.
func (o *Orchestrator) buildPipeline() (*pipeline.Pipeline, error) {
	cfg := o.cfg

	stageCfg := stage.Config{
		Required:        cfg.Files.Required,
		Roles:           make(map[string]source.Descriptor, len(cfg.Files.Roles)),
		RequiredColumns: cfg.Files.RequiredColumns,
	}
	for role, spec := range cfg.Files.Roles {
		stageCfg.Roles[role] = spec.Descriptor
	}
	if len(cfg.References) > 0 {
		stageCfg.References = referenceLoader(cfg.References)
		stageCfg.ReferenceNames = referenceNames(cfg.References)
	}

	loadStep, err := stage.New(pipeline.StepInfo{Name: "load", Required: true}, stageCfg)
	if err != nil {
		return nil, err
	}

	seq := []pipeline.Step{loadStep}
	for _, sc := range cfg.Steps {
		info := pipeline.StepInfo{
			Name:     sc.Name,
			Required: sc.IsRequired(),
			Retries:  sc.Retries,
			Timeout:  time.Duration(sc.Timeout),
		}
		built, err := steps.Build(sc.Type, info, sc.Params)
		if err != nil {
			return nil, fmt.Errorf("building step %s: %w", sc.Name, err)
		}
		seq = append(seq, built)
	}

	return &pipeline.Pipeline{
		Name:        cfg.Pipeline.Name,
		Entity:      cfg.Pipeline.Entity,
		StopOnError: cfg.Pipeline.StopsOnError(),
		Steps:       seq,
	}, nil
}

// referenceLoader reads every configured reference dataset through its
// own source. One failing reference fails the hook whole; the stage
// then installs empty placeholders for all of them.
func referenceLoader(refs map[string]config.RoleSpec) stage.ReferenceLoader {
	return func(ctx context.Context, pc *pipeline.Context) (map[string]*table.Table, error) {
		out := make(map[string]*table.Table, len(refs))
		for name, spec := range refs {
			src, err := pool.Open(spec.Descriptor)
			if err != nil {
				return nil, fmt.Errorf("reference %s: %w", name, err)
			}
			tbl, err := src.Read(ctx, source.ReadOptions{
				Table: spec.Param("table"),
				Query: spec.Param("query"),
			})
			if cerr := src.Close(); cerr != nil {
				logging.Warn("Closing reference source %s: %v", name, cerr)
			}
			if err != nil {
				return nil, fmt.Errorf("reference %s: %w", name, err)
			}
			out[name] = tbl
		}
		return out, nil
	}
}

func referenceNames(refs map[string]config.RoleSpec) []string {
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
