package source

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports an invalid or incomplete descriptor. It is fatal at
// construction and never retried.
type ConfigError struct {
	Kind    string
	Missing []string
	Reason  string
}

func (e *ConfigError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s source: missing required parameters: %s", e.Kind, strings.Join(e.Missing, ", "))
	}
	if e.Kind == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s source: %s", e.Kind, e.Reason)
}

// NotFoundError reports a missing backing file.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}

// ValidationError reports a dataset that failed a structural check, such
// as missing required columns or an empty required dataset.
type ValidationError struct {
	Subject string
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: missing required columns: %s", e.Subject, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Subject, e.Reason)
}

// IsConfig reports whether err is a descriptor configuration error.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is a missing-file error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a dataset validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
