package buildcache

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrCacheMiss is returned by Load when no usable entry exists for a key.
// A corrupted entry is discarded and reported as a miss.
var ErrCacheMiss = errors.New("cache miss")

// ValidationError represents one or more validation errors that occurred
// while building a key.
type ValidationError struct {
	Errors []error
}

func (ve *ValidationError) Error() string {
	if len(ve.Errors) == 0 {
		return "validation failed"
	}
	if len(ve.Errors) == 1 {
		return fmt.Sprintf("validation failed: %v", ve.Errors[0])
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "validation failed with %d errors:\n", len(ve.Errors))
	for i, err := range ve.Errors {
		fmt.Fprintf(&buf, "  %d. %v\n", i+1, err)
	}
	return buf.String()
}

// Unwrap returns the underlying errors for use with errors.Is and errors.As.
func (ve *ValidationError) Unwrap() []error {
	return ve.Errors
}

// newValidationError returns nil if errs is empty.
func newValidationError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}
