// Package compose validates release manifests before they are shipped.
// This is part of the Functional Core - all functions are pure with no I/O.
package compose

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrInvalidManifest is wrapped by every validation failure.
	ErrInvalidManifest = errors.New("invalid release manifest")

	ErrEmptyInput         = errors.New("manifest is empty")
	ErrInvalidYAML        = errors.New("invalid YAML syntax")
	ErrNoServices         = errors.New("manifest must define at least one service")
	ErrServiceNoImage     = errors.New("service must reference an image")
	ErrUnsupportedFeature = errors.New("unsupported compose feature")
)

// ParseError wraps errors with context about where validation failed.
type ParseError struct {
	Field   string // e.g., "services.web.build"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrInvalidManifest, e.Err}
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
