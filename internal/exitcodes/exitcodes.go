// Package exitcodes defines standard exit codes for CLI operations so that
// Airflow, Kubernetes, and other schedulers can distinguish retryable
// failures from permanent ones.
package exitcodes

import (
	"errors"
	"os"
	"strings"
)

const (
	// Success - run completed without errors
	Success = 0

	// ConfigError - configuration/YAML parsing or descriptor validation errors (don't retry)
	ConfigError = 1

	// SourceError - opening a data source or database failed (recoverable)
	SourceError = 2

	// LoadError - reading, transforming, or writing a dataset failed (non-recoverable)
	LoadError = 3

	// ValidationError - missing required columns or an empty required dataset (non-recoverable)
	ValidationError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - checkpoint store errors or resume mismatch (non-recoverable)
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// It examines error messages and types to classify the error.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	// File-level errors first (exit code 7)
	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// Validation errors (exit code 4) - checked before ConfigError so
	// "column validation failed" doesn't match ConfigError keywords
	if containsAny(errStr, []string{
		"required column",
		"missing column",
		"empty dataset",
		"validation failed",
		"row count",
	}) {
		return ValidationError
	}

	// Config errors (exit code 1) - parsing and descriptor problems
	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid configuration",
		"missing required",
		"invalid value",
		"unknown backend",
		"unknown source kind",
		"parsing config",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	// Source open/connection errors (exit code 2)
	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"unreachable",
		"no such host",
		"login failed",
		"authentication",
		"opening source",
		"opening database",
	}) {
		return SourceError
	}

	// Cancelled (exit code 5)
	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"aborted",
		"context canceled",
		"context deadline",
		"timed out",
	}) {
		return Cancelled
	}

	// State errors (exit code 6)
	if containsAny(errStr, []string{
		"checkpoint",
		"state",
		"resume",
		"run not found",
		"already completed",
	}) {
		return StateError
	}

	// Default: something went wrong mid-load
	return LoadError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case SourceError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case SourceError:
		return "source error (recoverable)"
	case LoadError:
		return "load error"
	case ValidationError:
		return "validation error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
