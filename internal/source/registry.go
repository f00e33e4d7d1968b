package source

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Backend describes one registered source kind: how to construct it and
// what its descriptor must carry.
type Backend struct {
	// Kind is the canonical lowercase name (e.g. "delimited", "duckdb").
	Kind string
	// Aliases are alternate names resolving to the same backend.
	Aliases []string
	// Extensions are file extensions (with dot, lowercase) that map to
	// this kind when a descriptor omits one.
	Extensions []string
	// Required lists parameter names Validate demands. "path" is
	// satisfied by the descriptor's Path field.
	Required []string
	// FileBacked marks kinds whose path must exist at validation time.
	FileBacked bool
	// PoolSize is the default worker pool width for the kind.
	PoolSize int
	// New constructs a source from a validated descriptor.
	New func(Descriptor) (Source, error)
}

var (
	registryMu sync.RWMutex
	backends   = make(map[string]*Backend)
	extensions = make(map[string]string)
)

// Register adds a backend to the global registry. Called from each
// backend package's init(); blank imports in the pool package pull
// them in.
//
// Panics if the kind, an alias, or an extension is already registered.
func Register(b *Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()

	kind := strings.ToLower(b.Kind)
	if _, exists := backends[kind]; exists {
		panic(fmt.Sprintf("source kind %q already registered", kind))
	}
	backends[kind] = b

	for _, alias := range b.Aliases {
		alias = strings.ToLower(alias)
		if _, exists := backends[alias]; exists {
			panic(fmt.Sprintf("source alias %q already registered", alias))
		}
		backends[alias] = b
	}

	for _, ext := range b.Extensions {
		ext = strings.ToLower(ext)
		if _, exists := extensions[ext]; exists {
			panic(fmt.Sprintf("source extension %q already registered", ext))
		}
		extensions[ext] = kind
	}
}

// Get retrieves a backend by kind or alias (case-insensitive).
func Get(kind string) (*Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	b, exists := backends[strings.ToLower(kind)]
	if !exists {
		return nil, &ConfigError{Reason: fmt.Sprintf("unknown source kind: %q (available: %v)", kind, availableLocked())}
	}
	return b, nil
}

// Canonicalize returns the canonical kind for a name or alias, or the
// input unchanged when nothing matches.
func Canonicalize(kind string) string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	b, exists := backends[strings.ToLower(kind)]
	if !exists {
		return kind
	}
	return b.Kind
}

// KindForExtension resolves a file extension (with or without dot) to a
// registered kind.
func KindForExtension(ext string) (string, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	kind, exists := extensions[ext]
	if !exists {
		return "", &ConfigError{Reason: fmt.Sprintf("no source kind registered for extension %q", ext)}
	}
	return kind, nil
}

// Available returns the sorted canonical kind names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return availableLocked()
}

func availableLocked() []string {
	seen := make(map[string]bool)
	for _, b := range backends {
		seen[b.Kind] = true
	}
	kinds := make([]string, 0, len(seen))
	for kind := range seen {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// IsRegistered reports whether a kind or alias exists (case-insensitive).
func IsRegistered(kind string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, exists := backends[strings.ToLower(kind)]
	return exists
}
