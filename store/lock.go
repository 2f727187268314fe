package store

import (
	"context"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"zombiezen.com/go/log"
)

const lockRetryDelay = 10 * time.Millisecond

// fileLock is a cross-process lock on a file.
// Each acquisition opens its own descriptor,
// so it also excludes other goroutines of the same process.
type fileLock struct {
	path    string
	timeout time.Duration
}

// with runs f while holding the lock, exclusively or shared.
// The lock is released on every return path.
func (l *fileLock) with(ctx context.Context, exclusive bool, f func() error) error {
	fl := flock.New(l.path)
	lockCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var locked bool
	var err error
	if exclusive {
		locked, err = fl.TryLockContext(lockCtx, lockRetryDelay)
	} else {
		locked, err = fl.TryRLockContext(lockCtx, lockRetryDelay)
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(err, "lock %s", l.path)
	}
	if !locked {
		return errors.WithStack(&LockTimeoutError{Path: l.path, Timeout: l.timeout})
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			log.Warnf(ctx, "Unlock %s: %v", l.path, err)
		}
	}()
	return f()
}
