package modulecache

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnsupportedOperation is matched by writes to a read-only cache.
// Such a write is a programming error in the caller.
var ErrUnsupportedOperation = errors.New("operation shouldn't have been called")

// UnsupportedOperationError is returned by the write operations of [ReadOnly].
type UnsupportedOperationError struct {
	Op string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("read-only module metadata cache: %s: operation shouldn't have been called", e.Op)
}

func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrUnsupportedOperation
}

func unsupported(op string) error {
	return errors.WithStack(&UnsupportedOperationError{Op: op})
}

// DescriptorParseError is returned when a stored entry cannot be decoded.
type DescriptorParseError struct {
	Repository string
	Component  string
	Err        error
}

func (e *DescriptorParseError) Error() string {
	return fmt.Sprintf("parse cached descriptor of %s in repository %s: %v", e.Component, e.Repository, e.Err)
}

func (e *DescriptorParseError) Unwrap() error {
	return e.Err
}
