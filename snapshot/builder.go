package snapshot

import (
	"io/fs"

	"github.com/pkg/errors"
)

// Builder assembles a snapshot from a depth-first sequence of events,
// the way an archive reader encounters entries.
type Builder struct {
	stack  []*pendingDir
	result *Snapshot
	err    error
}

type pendingDir struct {
	path, name string
	mode       fs.FileMode
	children   []*Snapshot
}

// PreVisitDirectory opens a directory; following entries become its children
// until the matching PostVisitDirectory.
func (b *Builder) PreVisitDirectory(path, name string, mode fs.FileMode) {
	b.stack = append(b.stack, &pendingDir{path: path, name: name, mode: mode})
}

// Visit adds a file or missing entry to the currently open directory,
// or makes it the result if no directory is open.
func (b *Builder) Visit(s *Snapshot) {
	b.add(s)
}

// PostVisitDirectory closes the most recently opened directory.
func (b *Builder) PostVisitDirectory() {
	if len(b.stack) == 0 {
		b.fail(errors.New("snapshot builder: no open directory"))
		return
	}
	top := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	dir, err := NewDirectory(top.path, top.name, top.mode, top.children...)
	if err != nil {
		b.fail(err)
		return
	}
	b.add(dir)
}

// Depth returns the number of open directories.
func (b *Builder) Depth() int {
	return len(b.stack)
}

// Result returns the assembled snapshot.
// All directories must have been closed.
func (b *Builder) Result() (*Snapshot, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.stack) > 0 {
		return nil, errors.Errorf("snapshot builder: %d directories still open", len(b.stack))
	}
	if b.result == nil {
		return nil, errors.New("snapshot builder: empty")
	}
	return b.result, nil
}

func (b *Builder) add(s *Snapshot) {
	if len(b.stack) == 0 {
		if b.result != nil {
			b.fail(errors.Errorf("snapshot builder: multiple roots (%s and %s)", b.result.Path, s.Path))
			return
		}
		b.result = s
		return
	}
	top := b.stack[len(b.stack)-1]
	top.children = append(top.children, s)
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}
