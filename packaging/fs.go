package packaging

import (
	"io/fs"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// FileSystemSupport holds the file system preconditions checked while unpacking.
// It is safe for concurrent use on disjoint trees.
type FileSystemSupport struct {
	fs afero.Fs
}

// NewFileSystemSupport returns a FileSystemSupport operating on fsys.
func NewFileSystemSupport(fsys afero.Fs) *FileSystemSupport {
	return &FileSystemSupport{fs: fsys}
}

// EnsureFileIsMissing fails with a [*DestinationNotMissingError] if path exists.
// Nothing is deleted.
func (s *FileSystemSupport) EnsureFileIsMissing(path string) error {
	_, err := lstat(s.fs, path)
	if err == nil {
		return errors.WithStack(&DestinationNotMissingError{Path: path})
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return errors.Wrapf(err, "check %s", path)
}

// EnsureDirectoryForTree creates the directories needed to write root as a tree of typ:
// root itself for a directory tree, its parent for a file tree.
// Existing directories are fine.
func (s *FileSystemSupport) EnsureDirectoryForTree(typ TreeType, root string) error {
	dir := root
	if typ == FileTree {
		dir = filepath.Dir(root)
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", root)
	}
	return nil
}

// RemoveIfPresent deletes path and everything below it.
// A path that does not exist is not an error.
func (s *FileSystemSupport) RemoveIfPresent(path string) error {
	if err := s.fs.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}

func lstat(fsys afero.Fs, path string) (fs.FileInfo, error) {
	if lstater, ok := fsys.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(path)
		return info, err
	}
	return fsys.Stat(path)
}
