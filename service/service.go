// Package service stores and retrieves packed cache entries.
//
// A [Service] is a dumb blob store addressed by [cachekey.Key]. [LocalService]
// keeps entries in a directory, [S3Service] in an S3 bucket. [Handle] wraps a
// Service and reports every call to a [Listener].
package service

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/gophersatwork/buildcache/cachekey"
)

// EntryReader consumes the content of a cache entry.
type EntryReader func(r io.Reader) error

// EntryWriter produces the content of a cache entry.
type EntryWriter interface {
	// WriteTo writes the entry to w. It may be called more than once.
	WriteTo(w io.Writer) (int64, error)
	// Size returns the number of bytes WriteTo writes.
	Size() int64
}

// Service is a store of cache entries.
type Service interface {
	// Load calls reader with the entry for key and reports whether there was one.
	// Errors from reader are returned unchanged.
	Load(ctx context.Context, key cachekey.Key, reader EntryReader) (bool, error)
	// Store saves the entry for key, replacing any previous one.
	Store(ctx context.Context, key cachekey.Key, writer EntryWriter) error
	Close() error
}

// FileEntry is an [EntryWriter] that reads from a file.
type FileEntry struct {
	fs   afero.Fs
	path string
	size int64
}

// NewFileEntry returns an entry with the content of path.
func NewFileEntry(fs afero.Fs, path string) (*FileEntry, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.Errorf("%s is not a regular file", path)
	}
	return &FileEntry{fs: fs, path: path, size: info.Size()}, nil
}

func (e *FileEntry) Size() int64 { return e.size }

func (e *FileEntry) WriteTo(w io.Writer) (int64, error) {
	f, err := e.fs.Open(e.path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	if err != nil {
		return n, errors.WithStack(err)
	}
	if n != e.size {
		return n, errors.Errorf("%s changed while storing: wrote %d bytes, expected %d", e.path, n, e.size)
	}
	return n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
