package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Descriptor identifies a source's backend kind and connection
// parameters. It is the unit the factory validates and constructs from.
type Descriptor struct {
	// Kind names the backend; empty means sniff from Path's extension.
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
	// Path is the backing file for file-backed kinds.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// Params carries backend-specific settings (sheet, separator, dsn, ...).
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	// Cache retains one copy of the last read until ClearCache.
	Cache bool `yaml:"cache,omitempty" json:"cache,omitempty"`
	// Lazy defers opening heavy resources until first use.
	Lazy bool `yaml:"lazy,omitempty" json:"lazy,omitempty"`
	// AllowCreate skips the existence check for file-backed kinds so a
	// write target may point at a file that does not exist yet.
	AllowCreate bool `yaml:"allow_create,omitempty" json:"allow_create,omitempty"`
	// Encoding is the text encoding for delimited files (default utf-8).
	Encoding string `yaml:"encoding,omitempty" json:"encoding,omitempty"`
	// ChunkSize is rows per read batch for chunked parsers; 0 = default.
	ChunkSize int `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty"`
}

// Param returns a parameter value, or "" when unset.
func (d Descriptor) Param(key string) string {
	return d.Params[key]
}

// ParamOr returns a parameter value with a default.
func (d Descriptor) ParamOr(key, def string) string {
	if v, ok := d.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// IntParam parses an integer parameter with a default.
func (d Descriptor) IntParam(key string, def int) (int, error) {
	v, ok := d.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Kind: d.Kind, Reason: fmt.Sprintf("parameter %q: invalid value %q", key, v)}
	}
	return n, nil
}

// BoolParam parses a boolean parameter with a default.
func (d Descriptor) BoolParam(key string, def bool) (bool, error) {
	v, ok := d.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &ConfigError{Kind: d.Kind, Reason: fmt.Sprintf("parameter %q: invalid value %q", key, v)}
	}
	return b, nil
}

// EffectivePath returns Path, falling back to the "path" parameter.
func (d Descriptor) EffectivePath() string {
	if d.Path != "" {
		return d.Path
	}
	return d.Params["path"]
}

// Normalize resolves an omitted kind from the path's file extension and
// canonicalizes aliases. A descriptor with neither kind nor a recognized
// extension fails with a ConfigError.
func (d *Descriptor) Normalize() error {
	if d.Kind != "" {
		d.Kind = Canonicalize(d.Kind)
		return nil
	}
	path := d.EffectivePath()
	if path == "" {
		return &ConfigError{Reason: "descriptor needs a kind or a path"}
	}
	kind, err := KindForExtension(filepath.Ext(path))
	if err != nil {
		return err
	}
	d.Kind = kind
	return nil
}

// Validate checks the descriptor against its backend's requirements,
// reporting every missing required parameter at once, and for
// file-backed kinds that the file exists (unless AllowCreate).
func (d Descriptor) Validate() error {
	if d.Kind == "" {
		return &ConfigError{Reason: "descriptor needs a kind or a path"}
	}
	b, err := Get(d.Kind)
	if err != nil {
		return err
	}

	var missing []string
	for _, name := range b.Required {
		if name == "path" {
			if d.EffectivePath() == "" {
				missing = append(missing, name)
			}
			continue
		}
		if d.Param(name) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &ConfigError{Kind: b.Kind, Missing: missing}
	}

	if d.ChunkSize < 0 {
		return &ConfigError{Kind: b.Kind, Reason: fmt.Sprintf("chunk_size must be >= 0, got %d", d.ChunkSize)}
	}

	if b.FileBacked && !d.AllowCreate {
		path := d.EffectivePath()
		// In-memory databases have no file to check.
		if path != "" && path != ":memory:" {
			if _, err := os.Stat(path); err != nil {
				if os.IsNotExist(err) {
					return &NotFoundError{Path: path}
				}
				return fmt.Errorf("checking %s: %w", path, err)
			}
		}
	}
	return nil
}
