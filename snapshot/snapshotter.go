package snapshot

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gophersatwork/buildcache/hashing"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"zombiezen.com/go/log"
)

// Snapshotter takes snapshots of locations in a file system.
type Snapshotter struct {
	fs       afero.Fs
	hashFunc hashing.HashFunc
}

// NewSnapshotter returns a Snapshotter reading from fsys.
// If hashFunc is nil, [hashing.DefaultHashFunc] is used.
func NewSnapshotter(fsys afero.Fs, hashFunc hashing.HashFunc) *Snapshotter {
	if hashFunc == nil {
		hashFunc = hashing.DefaultHashFunc
	}
	return &Snapshotter{fs: fsys, hashFunc: hashFunc}
}

// Snapshot records the current state of path.
// A path that does not exist produces a Missing snapshot.
// Symbolic links and other special files are never followed:
// they are recorded as Missing leaves.
func (s *Snapshotter) Snapshot(ctx context.Context, path string) (*Snapshot, error) {
	path = filepath.Clean(path)
	info, err := s.lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewMissing(path, filepath.Base(path)), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "snapshot %s", path)
	}
	return s.snapshot(ctx, path, info)
}

func (s *Snapshotter) snapshot(ctx context.Context, path string, info os.FileInfo) (*Snapshot, error) {
	name := filepath.Base(path)
	switch {
	case info.Mode().IsRegular():
		hash, n, err := hashing.HashFile(s.fs, path, s.hashFunc)
		if err != nil {
			return nil, err
		}
		return NewRegularFile(path, name, n, hash, info.Mode()), nil
	case info.IsDir():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := afero.ReadDir(s.fs, path)
		if err != nil {
			return nil, errors.Wrapf(err, "snapshot %s", path)
		}
		children := make([]*Snapshot, 0, len(entries))
		for _, entry := range entries {
			childPath := filepath.Join(path, entry.Name())
			childInfo, err := s.lstat(childPath)
			if err != nil {
				return nil, errors.Wrapf(err, "snapshot %s", childPath)
			}
			child, err := s.snapshot(ctx, childPath, childInfo)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return NewDirectory(path, name, info.Mode(), children...)
	default:
		log.Debugf(ctx, "Treating %s (%v) as missing", path, info.Mode().Type())
		return NewMissing(path, name), nil
	}
}

func (s *Snapshotter) lstat(path string) (os.FileInfo, error) {
	if lstater, ok := s.fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(path)
		return info, err
	}
	return s.fs.Stat(path)
}
