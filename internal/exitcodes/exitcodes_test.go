package exitcodes

import (
	"errors"
	"os"
	"testing"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil error", nil, Success},
		{"path error", &os.PathError{Op: "open", Path: "/foo", Err: errors.New("no such file")}, IOError},
		{"yaml parse error", errors.New("yaml: unmarshal error"), ConfigError},
		{"unknown kind", errors.New("unknown source kind: \"feather\""), ConfigError},
		{"missing params", errors.New("missing required parameters: path, sheet"), ConfigError},
		{"no such file", errors.New("open data.csv: no such file or directory"), IOError},
		{"connection refused", errors.New("dial tcp: connection refused"), SourceError},
		{"login failed", errors.New("login failed for user"), SourceError},
		{"column validation", errors.New("required column \"account\" validation failed"), ValidationError},
		{"empty dataset", errors.New("empty dataset for step positions"), ValidationError},
		{"context canceled", errors.New("context canceled"), Cancelled},
		{"state error", errors.New("checkpoint not found for run abc123"), StateError},
		{"unknown error", errors.New("something unexpected happened"), LoadError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got != tt.expected {
				t.Errorf("FromError(%v) = %d (%s), want %d (%s)",
					tt.err, got, Description(got), tt.expected, Description(tt.expected))
			}
		})
	}
}

func TestExitError(t *testing.T) {
	inner := errors.New("inner error")
	exitErr := NewExitError(inner, SourceError)

	if exitErr.Code != SourceError {
		t.Errorf("expected code %d, got %d", SourceError, exitErr.Code)
	}

	if exitErr.Error() != "inner error" {
		t.Errorf("expected error message 'inner error', got '%s'", exitErr.Error())
	}

	if errors.Unwrap(exitErr) != inner {
		t.Error("Unwrap should return inner error")
	}

	if FromError(exitErr) != SourceError {
		t.Errorf("FromError should extract code from ExitError")
	}
}

func TestIsRecoverable(t *testing.T) {
	recoverable := []int{SourceError, Cancelled, IOError}
	nonRecoverable := []int{Success, ConfigError, LoadError, ValidationError, StateError}

	for _, code := range recoverable {
		if !IsRecoverable(code) {
			t.Errorf("expected code %d (%s) to be recoverable", code, Description(code))
		}
	}

	for _, code := range nonRecoverable {
		if IsRecoverable(code) {
			t.Errorf("expected code %d (%s) to be non-recoverable", code, Description(code))
		}
	}
}

func TestDescription(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{Success, "success"},
		{ConfigError, "configuration error"},
		{SourceError, "source error (recoverable)"},
		{LoadError, "load error"},
		{ValidationError, "validation error"},
		{Cancelled, "cancelled (recoverable)"},
		{StateError, "state error"},
		{IOError, "I/O error (recoverable)"},
		{99, "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got := Description(tt.code)
			if got != tt.expected {
				t.Errorf("Description(%d) = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}
