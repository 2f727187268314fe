package store

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a key has no value.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// LockTimeoutError is returned when the store's lock file could not be
// acquired in time.
type LockTimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for lock %s", e.Timeout, e.Path)
}
