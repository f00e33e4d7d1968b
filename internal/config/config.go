// Package config loads and validates the YAML run configuration: the
// pipeline identity, the file roles the loading stage ingests, the step
// sequence, worker pool sizes, and checkpoint/notification settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tabflow/tabflow/internal/source"
)

// Config holds all configuration for one pipeline run.
type Config struct {
	Pipeline   PipelineConfig      `yaml:"pipeline"`
	Files      FilesConfig         `yaml:"files"`
	References map[string]RoleSpec `yaml:"references,omitempty"`
	Steps      []StepConfig        `yaml:"steps"`
	Pools      map[string]int      `yaml:"pools,omitempty"`
	State      StateConfig         `yaml:"state,omitempty"`
	Slack      SlackConfig         `yaml:"slack,omitempty"`
}

// PipelineConfig identifies the pipeline and its failure policy.
type PipelineConfig struct {
	Name    string `yaml:"name"`
	Entity  string `yaml:"entity"`
	RunKind string `yaml:"run_kind"`
	// StopOnError stops the pipeline at the first required-step failure.
	// When false, failures are collected and reported at the end.
	StopOnError *bool `yaml:"stop_on_error,omitempty"`
}

// StopsOnError returns the effective stop-on-error policy (default true).
func (p PipelineConfig) StopsOnError() bool {
	if p.StopOnError == nil {
		return true
	}
	return *p.StopOnError
}

// FilesConfig declares the files the loading stage brings into the run.
type FilesConfig struct {
	// Required names the role whose file must exist and load.
	Required string `yaml:"required"`
	// Roles maps role name to file spec. A bare string is a path.
	Roles map[string]RoleSpec `yaml:"roles"`
	// RequiredColumns is the minimum column set the required table must
	// carry.
	RequiredColumns []string `yaml:"required_columns,omitempty"`
}

// RoleSpec is a source descriptor that also accepts a bare path string
// in YAML, so `detail: /data/detail_202507.csv` and a full mapping are
// equivalent.
type RoleSpec struct {
	source.Descriptor
}

// UnmarshalYAML accepts either a scalar path or a descriptor mapping.
func (r *RoleSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var path string
		if err := value.Decode(&path); err != nil {
			return err
		}
		r.Descriptor = source.Descriptor{Path: path}
		return nil
	}
	var d source.Descriptor
	if err := value.Decode(&d); err != nil {
		return err
	}
	r.Descriptor = d
	return nil
}

// StepConfig declares one pipeline step assembled from the step registry.
type StepConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// Required defaults to true; a failing optional step never aborts
	// the pipeline.
	Required *bool          `yaml:"required,omitempty"`
	Retries  int            `yaml:"retries,omitempty"`
	Timeout  Duration       `yaml:"timeout,omitempty"`
	Params   map[string]any `yaml:"params,omitempty"`
}

// IsRequired returns the effective required flag (default true).
func (s StepConfig) IsRequired() bool {
	if s.Required == nil {
		return true
	}
	return *s.Required
}

// Duration parses YAML scalars like "30s" or "5m" into a time.Duration.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string; empty means zero.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// StateConfig controls the checkpoint store.
type StateConfig struct {
	// DataDir holds the SQLite state database (default ~/.tabflow).
	DataDir string `yaml:"data_dir,omitempty"`
	// Checkpoints enables per-step context snapshots (default true).
	Checkpoints *bool `yaml:"checkpoints,omitempty"`
}

// CheckpointsEnabled returns the effective checkpoint flag (default true).
func (s StateConfig) CheckpointsEnabled() bool {
	if s.Checkpoints == nil {
		return true
	}
	return *s.Checkpoints
}

// SlackConfig holds Slack notification settings.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Warn about world-readable config before reading; it may carry a
	// webhook URL or database credentials in role params.
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes. Environment variables
// in the document are expanded before parsing.
func LoadBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".tabflow")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	if c.Pipeline.Name == "" {
		c.Pipeline.Name = "tabflow"
	}
	if c.Pipeline.RunKind == "" {
		c.Pipeline.RunKind = "standard"
	}
	if c.Files.Required == "" && len(c.Files.Roles) == 1 {
		// A single declared role is the required one.
		for role := range c.Files.Roles {
			c.Files.Required = role
		}
	}
	if c.State.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.State.DataDir = filepath.Join(home, ".tabflow")
	} else {
		c.State.DataDir = expandTilde(c.State.DataDir)
	}
}

// validate collects every problem before failing so a config with three
// mistakes reports all three at once.
func (c *Config) validate() error {
	var problems []string

	if len(c.Files.Roles) == 0 {
		problems = append(problems, "files.roles is required")
	}
	if c.Files.Required == "" {
		problems = append(problems, "files.required is required")
	} else if len(c.Files.Roles) > 0 {
		if _, ok := c.Files.Roles[c.Files.Required]; !ok {
			problems = append(problems,
				fmt.Sprintf("files.required %q is not declared in files.roles", c.Files.Required))
		}
	}
	for role, spec := range c.Files.Roles {
		if spec.EffectivePath() == "" && spec.Kind == "" {
			problems = append(problems,
				fmt.Sprintf("files.roles.%s needs a path or a kind", role))
		}
	}
	for name, spec := range c.References {
		if spec.EffectivePath() == "" && spec.Kind == "" {
			problems = append(problems,
				fmt.Sprintf("references.%s needs a path or a kind", name))
		}
	}

	seen := make(map[string]bool)
	for i, s := range c.Steps {
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("steps[%d]", i)
		}
		if s.Name == "" {
			problems = append(problems, fmt.Sprintf("%s: name is required", label))
		}
		if s.Type == "" {
			problems = append(problems, fmt.Sprintf("%s: type is required", label))
		}
		if s.Name != "" && seen[s.Name] {
			problems = append(problems, fmt.Sprintf("%s: duplicate step name", label))
		}
		seen[s.Name] = true
		if s.Retries < 0 {
			problems = append(problems, fmt.Sprintf("%s: retries must be >= 0", label))
		}
		if s.Timeout < 0 {
			problems = append(problems, fmt.Sprintf("%s: timeout must be >= 0", label))
		}
	}

	for kind, size := range c.Pools {
		if size <= 0 {
			problems = append(problems, fmt.Sprintf("pools.%s must be > 0, got %d", kind, size))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// Sanitized returns a copy of the config with sensitive fields redacted
// so it can be logged or stored with a run record.
func (c *Config) Sanitized() *Config {
	sanitized := *c

	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	// Role params may carry DSNs with credentials.
	sanitized.Files.Roles = sanitizeRoles(c.Files.Roles)
	sanitized.References = sanitizeRoles(c.References)

	return &sanitized
}

func sanitizeRoles(roles map[string]RoleSpec) map[string]RoleSpec {
	if roles == nil {
		return nil
	}
	out := make(map[string]RoleSpec, len(roles))
	for name, spec := range roles {
		if dsn := spec.Param("dsn"); dsn != "" {
			params := make(map[string]string, len(spec.Params))
			for k, v := range spec.Params {
				params[k] = v
			}
			params["dsn"] = "[REDACTED]"
			spec.Params = params
		}
		out[name] = spec
	}
	return out
}

// expandTilde expands ~ or ~/ at the start of a path to the user's home
// directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
