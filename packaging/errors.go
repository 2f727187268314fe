package packaging

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCorruptedEntry is matched by every error that indicates an archive
// which cannot be restored as-is. Callers typically discard the entry and
// recompute the outputs.
var ErrCorruptedEntry = errors.New("corrupted cache entry")

// CorruptedEntryError describes an archive that does not match the entity it
// is unpacked for, or that is malformed.
type CorruptedEntryError struct {
	// Entry is the archive entry name, if any.
	Entry  string
	Reason string
}

func (e *CorruptedEntryError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("corrupted cache entry: %s", e.Reason)
	}
	return fmt.Sprintf("corrupted cache entry at %q: %s", e.Entry, e.Reason)
}

func (e *CorruptedEntryError) Is(target error) bool {
	return target == ErrCorruptedEntry
}

func corrupted(entry, format string, args ...any) error {
	return errors.WithStack(&CorruptedEntryError{Entry: entry, Reason: fmt.Sprintf(format, args...)})
}

// DestinationNotMissingError is returned when unpacking would overwrite
// something that already exists.
type DestinationNotMissingError struct {
	Path string
}

func (e *DestinationNotMissingError) Error() string {
	return fmt.Sprintf("destination %s already exists", e.Path)
}

func (e *DestinationNotMissingError) Is(target error) bool {
	return target == ErrCorruptedEntry
}
