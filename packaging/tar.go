package packaging

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gophersatwork/buildcache/hashing"
	"github.com/gophersatwork/buildcache/origin"
	"github.com/gophersatwork/buildcache/snapshot"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"zombiezen.com/go/log"
)

const (
	metadataEntry = "METADATA"
	treePrefix    = "tree-"
	missingPrefix = "missing-"

	fileMode       = 0o644
	executableMode = 0o755
	dirMode        = 0o755
)

// treePath matches tree record names: an optional missing marker,
// the escaped tree name and an optional path below the tree root.
var treePath = regexp.MustCompile(`^(missing-)?tree-([^/]+)(?:/(.*))?$`)

// TarPacker is the uncompressed core [Packer].
//
// Records are written per output tree in tree name order, each tree walked
// depth-first with children sorted by name. Headers are normalized so that
// equal snapshots always produce equal archives: modification times are the
// Unix epoch, owners are zero, files are 0644 or 0755 and directories 0755.
type TarPacker struct {
	fs       afero.Fs
	support  *FileSystemSupport
	hashFunc hashing.HashFunc
}

// NewTarPacker returns a TarPacker reading and writing trees in fsys.
// If hashFunc is nil, [hashing.DefaultHashFunc] is used.
func NewTarPacker(fsys afero.Fs, hashFunc hashing.HashFunc) *TarPacker {
	if hashFunc == nil {
		hashFunc = hashing.DefaultHashFunc
	}
	return &TarPacker{
		fs:       fsys,
		support:  NewFileSystemSupport(fsys),
		hashFunc: hashFunc,
	}
}

// Pack implements [Packer].
func (p *TarPacker) Pack(ctx context.Context, entity CacheableEntity, snapshots map[string]*snapshot.Snapshot, w io.Writer, writeOrigin OriginWriter) (PackResult, error) {
	trees, err := sortedTrees(entity)
	if err != nil {
		return PackResult{}, err
	}
	cw := &countingWriter{w: w}
	tw := tar.NewWriter(cw)

	var entries int64
	for _, tree := range trees {
		n, err := p.packTree(ctx, tw, tree, snapshots[tree.Name])
		entries += n
		if err != nil {
			return PackResult{}, errors.Wrapf(err, "pack tree %q of %s", tree.Name, entity.DisplayName())
		}
	}

	var metadata bytes.Buffer
	if err := writeOrigin(&metadata); err != nil {
		return PackResult{}, errors.Wrap(err, "write origin metadata")
	}
	if err := writeHeader(tw, metadataEntry, tar.TypeReg, fileMode, int64(metadata.Len())); err != nil {
		return PackResult{}, err
	}
	if _, err := tw.Write(metadata.Bytes()); err != nil {
		return PackResult{}, errors.Wrap(err, "write origin metadata")
	}
	entries++
	if err := tw.Close(); err != nil {
		return PackResult{}, errors.Wrap(err, "finish archive")
	}

	log.Debugf(ctx, "Packed %s: %d entries, %d bytes", entity.DisplayName(), entries, cw.n)
	return PackResult{Entries: entries, Size: cw.n}, nil
}

func (p *TarPacker) packTree(ctx context.Context, tw *tar.Writer, tree OutputTree, snap *snapshot.Snapshot) (int64, error) {
	root := treePrefix + url.QueryEscape(tree.Name)
	if tree.Root == "" || (snap != nil && snap.Type == snapshot.Missing) {
		return 1, writeHeader(tw, missingPrefix+root, tar.TypeReg, fileMode, 0)
	}
	if snap == nil {
		return 0, errors.Errorf("no snapshot for %s", tree.Root)
	}
	switch {
	case tree.Type == FileTree && snap.Type != snapshot.RegularFile:
		return 0, errors.Errorf("expected a regular file at %s, found %v", tree.Root, snap.Type)
	case tree.Type == DirectoryTree && snap.Type != snapshot.Directory:
		return 0, errors.Errorf("expected a directory at %s, found %v", tree.Root, snap.Type)
	}

	v := &packingVisitor{ctx: ctx, packer: p, tw: tw, root: root}
	snap.Accept(v)
	return v.entries, v.err
}

// packingVisitor writes one record per visited snapshot node.
type packingVisitor struct {
	ctx    context.Context
	packer *TarPacker
	tw     *tar.Writer
	root   string

	// directory names between the tree root and the current node
	segments []string
	depth    int
	entries  int64
	err      error
}

func (v *packingVisitor) target(name string) string {
	return v.root + "/" + path.Join(path.Join(v.segments...), name)
}

func (v *packingVisitor) PreVisitDirectory(dir *snapshot.Snapshot) bool {
	if v.err != nil {
		return false
	}
	if v.err = v.ctx.Err(); v.err != nil {
		return false
	}
	target := v.root + "/"
	if v.depth > 0 {
		target = v.target(dir.Name) + "/"
		v.segments = append(v.segments, dir.Name)
	}
	v.depth++
	if v.err = writeHeader(v.tw, target, tar.TypeDir, dirMode, 0); v.err != nil {
		return false
	}
	v.entries++
	return true
}

func (v *packingVisitor) VisitFile(file *snapshot.Snapshot) {
	if v.err != nil {
		return
	}
	if v.err = v.ctx.Err(); v.err != nil {
		return
	}
	target := v.root
	if v.depth > 0 {
		target = v.target(file.Name)
	}
	switch file.Type {
	case snapshot.Missing:
		v.err = writeHeader(v.tw, missingPrefix+target, tar.TypeReg, fileMode, 0)
	default:
		v.err = v.packer.writeFile(v.tw, target, file)
	}
	if v.err == nil {
		v.entries++
	}
}

func (v *packingVisitor) PostVisitDirectory(*snapshot.Snapshot) {
	v.depth--
	if v.depth > 0 {
		v.segments = v.segments[:len(v.segments)-1]
	}
}

func (p *TarPacker) writeFile(tw *tar.Writer, target string, file *snapshot.Snapshot) error {
	f, err := p.fs.Open(file.Path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	mode := fs.FileMode(fileMode)
	if file.Mode&0o111 != 0 {
		mode = executableMode
	}
	if err := writeHeader(tw, target, tar.TypeReg, mode, file.Length); err != nil {
		return err
	}
	h := p.hashFunc()
	n, err := hashing.HashCopy(tw, io.LimitReader(f, file.Length), h)
	if err != nil {
		return errors.Wrapf(err, "pack %s", file.Path)
	}
	if n != file.Length {
		return errors.Errorf("%s changed while packing: read %d of %d bytes", file.Path, n, file.Length)
	}
	if !file.Hash.IsZero() && hashing.FromSum(h) != file.Hash {
		return errors.Errorf("%s changed while packing: content hash differs from snapshot", file.Path)
	}
	return nil
}

func writeHeader(tw *tar.Writer, name string, typeflag byte, mode fs.FileMode, size int64) error {
	hdr := &tar.Header{
		Typeflag: typeflag,
		Name:     name,
		Mode:     int64(mode.Perm()),
		Size:     size,
		ModTime:  time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "write archive entry %s", name)
	}
	return nil
}

// Unpack implements [Packer].
func (p *TarPacker) Unpack(ctx context.Context, entity CacheableEntity, r io.Reader, readOrigin OriginReader) (UnpackResult, error) {
	trees, err := sortedTrees(entity)
	if err != nil {
		return UnpackResult{}, err
	}
	byName := make(map[string]OutputTree, len(trees))
	for _, tree := range trees {
		byName[tree.Name] = tree
	}

	u := &unpacker{
		ctx:    ctx,
		packer: p,
		tr:     tar.NewReader(r),
		result: UnpackResult{Snapshots: make(map[string]*snapshot.Snapshot, len(trees))},
	}
	hdr, err := u.next()
	for err == nil && hdr != nil {
		if u.result.Origin != nil {
			return UnpackResult{}, corrupted(hdr.Name, "entry after origin metadata")
		}
		if hdr.Name == metadataEntry {
			if err := u.readOrigin(readOrigin); err != nil {
				return UnpackResult{}, err
			}
			hdr, err = u.next()
			continue
		}

		m := treePath.FindStringSubmatch(hdr.Name)
		if m == nil {
			return UnpackResult{}, corrupted(hdr.Name, "invalid entry name")
		}
		name, uerr := url.QueryUnescape(m[2])
		if uerr != nil {
			return UnpackResult{}, corrupted(hdr.Name, "invalid tree name: %v", uerr)
		}
		tree, ok := byName[name]
		if !ok {
			return UnpackResult{}, corrupted(hdr.Name, "no output tree %q declared by %s", name, entity.DisplayName())
		}
		if _, dup := u.result.Snapshots[name]; dup {
			return UnpackResult{}, corrupted(hdr.Name, "output tree %q appears twice", name)
		}
		if m[3] != "" {
			return UnpackResult{}, corrupted(hdr.Name, "root must be the first entry of output tree %q", name)
		}
		hdr, err = u.unpackTree(tree, hdr, m[1] != "")
	}
	if err != nil {
		return UnpackResult{}, err
	}

	if u.result.Origin == nil {
		return UnpackResult{}, corrupted("", "no origin metadata found")
	}
	for _, tree := range trees {
		if _, ok := u.result.Snapshots[tree.Name]; !ok {
			return UnpackResult{}, corrupted("", "output tree %q is absent", tree.Name)
		}
	}
	log.Debugf(ctx, "Unpacked %s: %d entries", entity.DisplayName(), u.result.Entries)
	return u.result, nil
}

// unpacker holds the state of a single Unpack call.
type unpacker struct {
	ctx    context.Context
	packer *TarPacker
	tr     *tar.Reader
	result UnpackResult
}

// next returns the next archive header, or nil at the end of the archive.
func (u *unpacker) next() (*tar.Header, error) {
	if err := u.ctx.Err(); err != nil {
		return nil, err
	}
	hdr, err := u.tr.Next()
	if err == io.EOF {
		return nil, nil
	}
	if errors.Is(err, tar.ErrHeader) {
		return nil, corrupted("", "%v", err)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read archive")
	}
	u.result.Entries++
	return hdr, nil
}

func (u *unpacker) readOrigin(readOrigin OriginReader) error {
	md, err := readOrigin(u.tr)
	var parseErr *origin.ParseError
	if errors.As(err, &parseErr) {
		return corrupted(metadataEntry, "%v", err)
	}
	if err != nil {
		return errors.Wrap(err, "read origin metadata")
	}
	u.result.Origin = md
	return nil
}

// unpackTree restores the tree whose root record is hdr.
// It returns the first header that does not belong to the tree.
func (u *unpacker) unpackTree(tree OutputTree, hdr *tar.Header, missing bool) (*tar.Header, error) {
	support := u.packer.support
	if missing {
		if tree.Root != "" {
			if err := support.RemoveIfPresent(tree.Root); err != nil {
				return nil, err
			}
		}
		u.result.Snapshots[tree.Name] = snapshot.NewMissing(tree.Root, filepath.Base(tree.Root))
		return u.next()
	}
	if tree.Root == "" {
		return nil, errors.Errorf("output tree %q has no location to unpack to", tree.Name)
	}

	isDir := hdr.Typeflag == tar.TypeDir
	if err := support.EnsureDirectoryForTree(tree.Type, tree.Root); err != nil {
		return nil, err
	}
	if tree.Type == FileTree {
		if isDir {
			return nil, corrupted(hdr.Name, "output tree %q should be a file", tree.Name)
		}
		if err := support.EnsureFileIsMissing(tree.Root); err != nil {
			return nil, err
		}
		s, err := u.unpackFile(hdr, tree.Root, filepath.Base(tree.Root))
		if err != nil {
			return nil, err
		}
		u.result.Snapshots[tree.Name] = s
		return u.next()
	}

	if !isDir {
		return nil, corrupted(hdr.Name, "output tree %q should be a directory", tree.Name)
	}
	if err := u.packer.fs.Chmod(tree.Root, fs.FileMode(hdr.Mode).Perm()); err != nil {
		return nil, errors.WithStack(err)
	}
	return u.unpackDirectory(tree, hdr)
}

func (u *unpacker) unpackDirectory(tree OutputTree, rootHeader *tar.Header) (*tar.Header, error) {
	support := u.packer.support
	parser := NewRelativePathParser(rootHeader.Name)
	var b snapshot.Builder
	b.PreVisitDirectory(tree.Root, filepath.Base(tree.Root), fs.FileMode(rootHeader.Mode).Perm())
	exit := func(string) { b.PostVisitDirectory() }

	var next *tar.Header
	for {
		hdr, err := u.next()
		if err != nil {
			return nil, err
		}
		if hdr == nil {
			break
		}
		name, missing := strings.CutPrefix(hdr.Name, missingPrefix)
		isDir := hdr.Typeflag == tar.TypeDir
		if parser.NextPath(name, isDir, exit) {
			return nil, corrupted(hdr.Name, "repeated root of output tree %q", tree.Name)
		}
		if parser.Depth() == 0 {
			next = hdr
			break
		}

		rel := parser.RelativePath()
		if !validRelativePath(rel) {
			return nil, corrupted(hdr.Name, "invalid path")
		}
		target := filepath.Join(tree.Root, filepath.FromSlash(rel))
		perm := fs.FileMode(hdr.Mode).Perm()
		switch {
		case missing:
			if err := support.RemoveIfPresent(target); err != nil {
				return nil, err
			}
			b.Visit(snapshot.NewMissing(target, parser.Name()))
		case isDir:
			if err := support.EnsureFileIsMissing(target); err != nil {
				return nil, err
			}
			if err := u.packer.fs.Mkdir(target, perm); err != nil {
				return nil, errors.WithStack(err)
			}
			if err := u.packer.fs.Chmod(target, perm); err != nil {
				return nil, errors.WithStack(err)
			}
			b.PreVisitDirectory(target, parser.Name(), perm)
		case hdr.Typeflag == tar.TypeReg:
			if err := support.EnsureFileIsMissing(target); err != nil {
				return nil, err
			}
			s, err := u.unpackFile(hdr, target, parser.Name())
			if err != nil {
				return nil, err
			}
			b.Visit(s)
		default:
			return nil, corrupted(hdr.Name, "unsupported entry type %q", hdr.Typeflag)
		}
	}
	for i := parser.Depth(); i > 0; i-- {
		b.PostVisitDirectory()
	}

	s, err := b.Result()
	if err != nil {
		return nil, corrupted(rootHeader.Name, "%v", err)
	}
	u.result.Snapshots[tree.Name] = s
	return next, nil
}

func (u *unpacker) unpackFile(hdr *tar.Header, target, name string) (*snapshot.Snapshot, error) {
	perm := fs.FileMode(hdr.Mode).Perm()
	f, err := u.packer.fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	h := u.packer.hashFunc()
	n, err := hashing.HashCopy(f, u.tr, h)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "unpack %s", target)
	}
	if err := f.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := u.packer.fs.Chmod(target, perm); err != nil {
		return nil, errors.WithStack(err)
	}
	return snapshot.NewRegularFile(target, name, n, hashing.FromSum(h), perm), nil
}

func validRelativePath(rel string) bool {
	if rel == "" || path.IsAbs(rel) || path.Clean(rel) != rel {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}
