// Package schema holds the field-level validation errors shared by config
// loading and webhook payload decoding.
package schema

import (
	"fmt"
	"strings"
)

// ValidationError represents a single validation failure with the path to the
// offending field and a human-readable message.
type ValidationError struct {
	Path    string // dot-separated path (e.g. "stripe.webhook_secret")
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors collects multiple validation failures.
type ValidationErrors []*ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("validation failed with %d error(s):\n  - %s",
		len(ve), strings.Join(msgs, "\n  - "))
}

// Add records a failure at path.
func (ve *ValidationErrors) Add(path, format string, args ...any) {
	*ve = append(*ve, &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Required records a failure at path when value is empty.
func (ve *ValidationErrors) Required(path, value string) {
	if value == "" {
		ve.Add(path, "is required")
	}
}

// Err returns ve as an error, or nil when nothing failed.
func (ve ValidationErrors) Err() error {
	if len(ve) == 0 {
		return nil
	}
	return ve
}
