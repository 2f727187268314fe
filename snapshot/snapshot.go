// Package snapshot models the state of a file system subtree at a point in time.
//
// A snapshot is an immutable tree of regular files, directories and missing
// entries. Children of a directory are sorted by name and unique, so walking a
// snapshot always visits paths in the order the packer relies on.
package snapshot

import (
	"io/fs"
	"sort"

	"github.com/gophersatwork/buildcache/hashing"
	"github.com/pkg/errors"
)

// FileType is the kind of a snapshotted file system location.
type FileType int

const (
	RegularFile FileType = iota
	Directory
	Missing
)

func (t FileType) String() string {
	switch t {
	case RegularFile:
		return "RegularFile"
	case Directory:
		return "Directory"
	case Missing:
		return "Missing"
	default:
		return "FileType(?)"
	}
}

// Snapshot is one node of a file system snapshot.
type Snapshot struct {
	Type FileType
	// Path is the absolute path of the location when it was snapshotted.
	Path string
	// Name is the last element of Path.
	Name string

	// Length and Hash are only set for regular files.
	Length int64
	Hash   hashing.HashCode

	// Mode holds the permission bits for files and directories.
	Mode fs.FileMode

	// Children is sorted by Name. Only set for directories.
	Children []*Snapshot
}

// NewRegularFile returns a snapshot of a regular file.
func NewRegularFile(path, name string, length int64, hash hashing.HashCode, mode fs.FileMode) *Snapshot {
	return &Snapshot{
		Type:   RegularFile,
		Path:   path,
		Name:   name,
		Length: length,
		Hash:   hash,
		Mode:   mode.Perm(),
	}
}

// NewMissing returns a snapshot of a location with nothing in it.
func NewMissing(path, name string) *Snapshot {
	return &Snapshot{
		Type: Missing,
		Path: path,
		Name: name,
	}
}

// NewDirectory returns a snapshot of a directory.
// The children are sorted by name; duplicate names are an error.
func NewDirectory(path, name string, mode fs.FileMode, children ...*Snapshot) (*Snapshot, error) {
	sorted := append([]*Snapshot(nil), children...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return nil, errors.Errorf("directory %s: duplicate child %q", path, sorted[i].Name)
		}
	}
	return &Snapshot{
		Type:     Directory,
		Path:     path,
		Name:     name,
		Mode:     mode.Perm(),
		Children: sorted,
	}, nil
}

// Visitor receives the nodes of a snapshot in depth-first pre-order.
type Visitor interface {
	// PreVisitDirectory is called before the children of a directory.
	// Returning false skips the children and the matching PostVisitDirectory.
	PreVisitDirectory(dir *Snapshot) bool
	// VisitFile is called for regular files and missing entries.
	VisitFile(file *Snapshot)
	// PostVisitDirectory is called after all children of a directory.
	PostVisitDirectory(dir *Snapshot)
}

// Accept walks the snapshot.
func (s *Snapshot) Accept(v Visitor) {
	if s.Type != Directory {
		v.VisitFile(s)
		return
	}
	if !v.PreVisitDirectory(s) {
		return
	}
	for _, child := range s.Children {
		child.Accept(v)
	}
	v.PostVisitDirectory(s)
}

// Count returns the number of nodes in the snapshot, including s.
func (s *Snapshot) Count() int {
	n := 1
	for _, child := range s.Children {
		n += child.Count()
	}
	return n
}
