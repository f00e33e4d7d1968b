// Package stage provides the concurrent loading step: it fans out one
// load per configured file role, applies required/optional failure
// policy, and merges the results into the run context.
package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tabflow/tabflow/internal/logging"
	"github.com/tabflow/tabflow/internal/pipeline"
	"github.com/tabflow/tabflow/internal/pool"
	"github.com/tabflow/tabflow/internal/source"
	"github.com/tabflow/tabflow/internal/table"
)

// ReferenceLoader loads lookup datasets not tied to the file roles.
// Returned tables are installed as aux datasets under their map keys.
type ReferenceLoader func(ctx context.Context, pc *pipeline.Context) (map[string]*table.Table, error)

// Config declares the files a LoadStage brings into the run context.
type Config struct {
	// Required names the role whose file must exist and load; its table
	// becomes the primary dataset and its filename carries the period,
	// unless the run metadata already names one.
	Required string
	// Roles maps role name to file descriptor. A descriptor carrying
	// only a path is complete; the kind is sniffed from the extension.
	Roles map[string]source.Descriptor
	// RequiredColumns is the minimum column set the required table must
	// carry; missing columns fail the stage.
	RequiredColumns []string
	// References, when set, runs after the file loads. On failure every
	// name in ReferenceNames gets an empty placeholder aux table so
	// downstream steps observe a defined-but-empty value.
	References     ReferenceLoader
	ReferenceNames []string
}

// LoadStage is the concurrent loading step.
type LoadStage struct {
	pipeline.BaseStep
	cfg Config
}

// New builds a LoadStage. The required role must be declared in Roles.
func New(info pipeline.StepInfo, cfg Config) (*LoadStage, error) {
	if info.Name == "" {
		info.Name = "load"
	}
	if len(cfg.Roles) == 0 {
		return nil, fmt.Errorf("stage %s: no file roles declared", info.Name)
	}
	if cfg.Required == "" {
		return nil, fmt.Errorf("stage %s: a required role must be named", info.Name)
	}
	if _, ok := cfg.Roles[cfg.Required]; !ok {
		return nil, fmt.Errorf("stage %s: required role %q is not declared in roles", info.Name, cfg.Required)
	}
	return &LoadStage{BaseStep: pipeline.BaseStep{Info: info}, cfg: cfg}, nil
}

// periodPattern matches a six-digit token delimited by non-digits, so an
// eight-digit date never yields a period.
var periodPattern = regexp.MustCompile(`(?:^|[^0-9])([0-9]{6})(?:[^0-9]|$)`)

// extractPeriod pulls the reporting period token out of a file name.
func extractPeriod(path string) (string, bool) {
	m := periodPattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return "", false
	}
	return m[1], true
}

type loadResult struct {
	role   string
	tbl    *table.Table
	period string
	err    error
}

// Execute runs the six loading phases: existence checks, concurrent
// fan-out, join, context install, reference hook, pool release.
func (s *LoadStage) Execute(ctx context.Context, pc *pipeline.Context) (*pipeline.StepResult, error) {
	// The required file fails the stage before any fan-out or context
	// mutation.
	reqDesc := s.cfg.Roles[s.cfg.Required]
	reqPath := reqDesc.EffectivePath()
	if reqPath == "" {
		return nil, &source.ConfigError{Reason: fmt.Sprintf("role %s needs a path", s.cfg.Required)}
	}
	if _, err := os.Stat(reqPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("required role %s: %w", s.cfg.Required, &source.NotFoundError{Path: reqPath})
		}
		return nil, fmt.Errorf("required role %s: checking %s: %w", s.cfg.Required, reqPath, err)
	}

	survivors := map[string]source.Descriptor{s.cfg.Required: reqDesc}
	validated := []string{reqPath}
	for role, desc := range s.cfg.Roles {
		if role == s.cfg.Required {
			continue
		}
		path := desc.EffectivePath()
		if path == "" {
			pc.AddWarning("optional file %s has no path, skipping", role)
			continue
		}
		if _, err := os.Stat(path); err != nil {
			pc.AddWarning("optional file %s missing, skipping: %s", role, path)
			logging.Warn("Optional file %s missing, skipping: %s", role, path)
			continue
		}
		survivors[role] = desc
		validated = append(validated, path)
	}

	sp := pool.New()
	// Every source the fan-out registers is released no matter how the
	// stage ends.
	defer sp.CloseAll()

	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan loadResult, len(survivors))
	var wg sync.WaitGroup
	for role, desc := range survivors {
		wg.Add(1)
		go func(role string, desc source.Descriptor) {
			defer wg.Done()
			res := loadResult{role: role}
			res.tbl, res.period, res.err = s.loadRole(loadCtx, sp, pc, role, desc)
			if res.err != nil && role == s.cfg.Required {
				// The stage is already lost; stop feeding the rest.
				cancel()
			}
			results <- res
		}(role, desc)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Join. Loads already in flight are not preempted; they drain here
	// and a late result after a required failure is simply dropped.
	tables := make(map[string]*table.Table, len(survivors))
	var period string
	var requiredErr error
	for res := range results {
		switch {
		case res.err != nil && res.role == s.cfg.Required:
			if requiredErr == nil {
				requiredErr = res.err
			}
		case res.err != nil:
			pc.AddWarning("optional load %s failed: %v", res.role, res.err)
			logging.Warn("Optional load %s failed: %v", res.role, res.err)
		default:
			tables[res.role] = res.tbl
			if res.role == s.cfg.Required {
				period = res.period
			}
		}
	}
	if requiredErr != nil {
		return nil, fmt.Errorf("required load %s: %w", s.cfg.Required, requiredErr)
	}

	// Install: the required table becomes the primary dataset whole;
	// non-empty optional results become aux datasets under their roles.
	pc.SetPrimary(tables[s.cfg.Required])
	pc.SetPeriod(period)
	pc.SetVar("period", period)
	loaded := make([]string, 0, len(tables))
	for role, tbl := range tables {
		loaded = append(loaded, role)
		if role == s.cfg.Required || tbl.IsEmpty() {
			continue
		}
		pc.SetAux(role, tbl)
	}
	sort.Strings(loaded)

	if s.cfg.References != nil {
		refs, err := s.cfg.References(ctx, pc)
		if err != nil {
			pc.AddWarning("reference load failed: %v", err)
			logging.Warn("Reference load failed: %v", err)
			for _, name := range s.cfg.ReferenceNames {
				pc.SetAux(name, table.New())
			}
		} else {
			for name, tbl := range refs {
				pc.SetAux(name, tbl)
			}
		}
	}

	res := &pipeline.StepResult{
		Message: fmt.Sprintf("loaded %d of %d files, primary %d rows",
			len(tables), len(s.cfg.Roles), tables[s.cfg.Required].NumRows()),
	}
	res.AddMetadata("period", period)
	res.AddMetadata("files_validated", strings.Join(validated, ", "))
	res.AddMetadata("roles_loaded", strings.Join(loaded, ", "))
	return res, nil
}

// loadRole opens, pool-registers, and reads one role's source. The
// required role additionally yields the reporting period and must satisfy
// the minimum column set.
func (s *LoadStage) loadRole(ctx context.Context, sp *pool.Pool, pc *pipeline.Context, role string, desc source.Descriptor) (*table.Table, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	src, err := sp.OpenAndRegister(role, desc)
	if err != nil {
		return nil, "", err
	}

	tbl, err := src.Read(ctx, source.ReadOptions{
		Table: desc.Param("table"),
		Query: desc.Param("query"),
	})
	if err != nil {
		return nil, "", err
	}

	if role != s.cfg.Required {
		return tbl, "", nil
	}

	// A period already on the run metadata is an explicit override;
	// filename detection only fills the gap.
	period := pc.Meta().Period
	if period == "" {
		var found bool
		period, found = extractPeriod(desc.EffectivePath())
		if !found {
			period = time.Now().Format("200601")
			pc.AddWarning("no period token in %s, defaulting to %s", filepath.Base(desc.EffectivePath()), period)
			logging.Warn("No period token in %s, defaulting to %s", filepath.Base(desc.EffectivePath()), period)
		}
	}
	if missing := tbl.MissingColumns(s.cfg.RequiredColumns); len(missing) > 0 {
		return nil, "", &source.ValidationError{Subject: role, Missing: missing}
	}
	if tbl.NumRows() == 0 {
		return nil, "", &source.ValidationError{Subject: role, Reason: "dataset is empty"}
	}
	return tbl, period, nil
}
