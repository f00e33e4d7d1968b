// Package steps provides the built-in configurable step types and the
// registry the orchestrator assembles pipelines from, so config files can
// declare a pipeline without code.
package steps

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tabflow/tabflow/internal/pipeline"
)

// Builder constructs one step type from its static info and free-form
// config params.
type Builder func(info pipeline.StepInfo, params map[string]any) (pipeline.Step, error)

var (
	registryMu sync.RWMutex
	builders   = make(map[string]Builder)
)

// Register adds a step type to the global registry. Called from init().
//
// Panics if the type is already registered.
func Register(kind string, b Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := builders[kind]; exists {
		panic(fmt.Sprintf("step type %q already registered", kind))
	}
	builders[kind] = b
}

// Build constructs a step of the named type.
func Build(kind string, info pipeline.StepInfo, params map[string]any) (pipeline.Step, error) {
	registryMu.RLock()
	b, exists := builders[kind]
	registryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown step type: %q (available: %v)", kind, Available())
	}
	return b(info, params)
}

// Available returns the sorted registered step type names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(builders))
	for kind := range builders {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// strParam reads an optional string parameter.
func strParam(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q: expected string, got %T", key, v)
	}
	return s, nil
}

// boolParam reads an optional boolean parameter.
func boolParam(params map[string]any, key string, def bool) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("parameter %q: expected bool, got %T", key, v)
	}
	return b, nil
}

// stringsParam reads an optional string-list parameter. A single string is
// treated as a one-element list; YAML hands lists over as []any.
func stringsParam(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case string:
		return []string{x}, nil
	case []string:
		return x, nil
	case []any:
		out := make([]string, len(x))
		for i, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q: element %d: expected string, got %T", key, i, e)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q: expected string list, got %T", key, v)
	}
}

// mapParam reads an optional string-map parameter, rendering scalar values.
func mapParam(params map[string]any, key string) (map[string]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parameter %q: expected map, got %T", key, v)
	}
	out := make(map[string]string, len(m))
	for k, e := range m {
		switch s := e.(type) {
		case string:
			out[k] = s
		case bool, int, int64, float64:
			out[k] = fmt.Sprint(s)
		default:
			return nil, fmt.Errorf("parameter %q: key %q: expected scalar, got %T", key, k, e)
		}
	}
	return out, nil
}
