// Package packaging serializes the output trees of a cacheable entity into a
// single archive and restores them from it.
//
// The core format is a tar stream with one record per snapshot node, grouped by
// output tree, followed by a METADATA record carrying origin metadata.
// Compression is layered on top by decorators such as [Gzip] and [Zstd].
package packaging

import (
	"context"
	"io"
	"sort"

	"github.com/gophersatwork/buildcache/origin"
	"github.com/gophersatwork/buildcache/snapshot"
	"github.com/pkg/errors"
)

// TreeType is the declared shape of an output tree.
type TreeType int

const (
	FileTree TreeType = iota
	DirectoryTree
)

func (t TreeType) String() string {
	if t == DirectoryTree {
		return "directory"
	}
	return "file"
}

// OutputTree is one named output of a cacheable entity.
type OutputTree struct {
	Name string
	Type TreeType
	// Root is the location of the tree. An empty Root marks an optional
	// output that was not produced.
	Root string
}

// CacheableEntity is a unit of work whose outputs can be cached.
type CacheableEntity interface {
	DisplayName() string
	OutputTrees() []OutputTree
}

// Entity is a plain [CacheableEntity].
type Entity struct {
	Name  string
	Trees []OutputTree
}

func (e *Entity) DisplayName() string       { return e.Name }
func (e *Entity) OutputTrees() []OutputTree { return e.Trees }

// OriginWriter writes the origin metadata record.
type OriginWriter func(w io.Writer) error

// OriginReader parses the origin metadata record.
type OriginReader func(r io.Reader) (*origin.Metadata, error)

// PackResult summarizes a pack operation.
type PackResult struct {
	// Entries is the number of archive records, including the metadata record.
	Entries int64
	// Size is the number of bytes written to the output.
	Size int64
}

// UnpackResult summarizes an unpack operation.
type UnpackResult struct {
	Origin *origin.Metadata
	// Entries is the number of archive records read.
	Entries int64
	// Snapshots holds the restored state of each output tree, by tree name.
	Snapshots map[string]*snapshot.Snapshot
}

// Packer converts between output trees and archives.
// A Packer may be used for multiple operations concurrently,
// but each operation reads or writes its stream sequentially.
type Packer interface {
	// Pack writes the trees of entity, in the state described by snapshots
	// (keyed by tree name), to w. writeOrigin is called once after all trees.
	Pack(ctx context.Context, entity CacheableEntity, snapshots map[string]*snapshot.Snapshot, w io.Writer, writeOrigin OriginWriter) (PackResult, error)

	// Unpack restores the trees of entity from r.
	// Errors matching [ErrCorruptedEntry] mean the archive cannot be used
	// for entity; other errors are I/O failures.
	Unpack(ctx context.Context, entity CacheableEntity, r io.Reader, readOrigin OriginReader) (UnpackResult, error)
}

// sortedTrees returns the output trees of entity ordered by name.
func sortedTrees(entity CacheableEntity) ([]OutputTree, error) {
	trees := append([]OutputTree(nil), entity.OutputTrees()...)
	sort.Slice(trees, func(i, j int) bool { return trees[i].Name < trees[j].Name })
	for i := range trees {
		if trees[i].Name == "" {
			return nil, errors.Errorf("%s: output tree with empty name", entity.DisplayName())
		}
		if i > 0 && trees[i].Name == trees[i-1].Name {
			return nil, errors.Errorf("%s: duplicate output tree %q", entity.DisplayName(), trees[i].Name)
		}
	}
	return trees, nil
}

// countingWriter counts the bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
