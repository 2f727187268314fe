package buildcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/gophersatwork/buildcache/cachekey"
	"github.com/gophersatwork/buildcache/fingerprint"
	"github.com/gophersatwork/buildcache/snapshot"
)

// KeyBuilder provides a fluent API for building cache keys.
// It validates inputs eagerly and accumulates errors instead of panicking.
// Errors are only surfaced when the key is used.
type KeyBuilder struct {
	cache            *Cache
	inputs           []input
	extras           map[string]string
	errors           []error
	accumulateErrors bool
}

// Key represents an opaque cache key.
// Users should not construct this directly, use Cache.Key() instead.
type Key struct {
	inputs []input
	extras map[string]string
	cache  *Cache
	errors []error
}

// input is a component of a key that depends on the file system.
type input interface {
	addTo(ctx context.Context, b *cachekey.Builder, c *Cache) error
	String() string
}

// fileInput is a single file, fingerprinted by name and content.
type fileInput struct {
	path string
}

func (f fileInput) addTo(ctx context.Context, b *cachekey.Builder, c *Cache) error {
	snap, err := c.snapshotter.Snapshot(ctx, f.path)
	if err != nil {
		return err
	}
	if snap.Type != snapshot.RegularFile {
		return errors.Errorf("file %s: found %v", f.path, snap.Type)
	}
	b.Fingerprints(f.String(), fingerprint.Collect(fingerprint.RelativePath, snap))
	return nil
}

func (f fileInput) String() string {
	return fmt.Sprintf("file:%s", f.path)
}

// globInput is the set of files matching a pattern.
// Matches are fingerprinted by content only, so renaming or moving a match
// does not change the key.
type globInput struct {
	pattern string
}

func (g globInput) addTo(ctx context.Context, b *cachekey.Builder, c *Cache) error {
	matches, err := expandGlob(g.pattern, c.fs)
	if err != nil {
		return errors.Wrapf(err, "glob %s", g.pattern)
	}
	sort.Strings(matches)

	snaps := make([]*snapshot.Snapshot, 0, len(matches))
	for _, match := range matches {
		snap, err := c.snapshotter.Snapshot(ctx, match)
		if err != nil {
			return errors.Wrapf(err, "glob match %s", match)
		}
		snaps = append(snaps, snap)
	}
	b.Fingerprints(g.String(), fingerprint.Collect(fingerprint.IgnoredPath, snaps...))
	return nil
}

func (g globInput) String() string {
	return fmt.Sprintf("glob:%s", g.pattern)
}

// dirInput is a directory tree, fingerprinted by relative paths and content.
type dirInput struct {
	path    string
	exclude []string
}

func (d dirInput) addTo(ctx context.Context, b *cachekey.Builder, c *Cache) error {
	snap, err := c.snapshotter.Snapshot(ctx, d.path)
	if err != nil {
		return err
	}
	if snap.Type != snapshot.Directory {
		return errors.Errorf("dir %s: found %v", d.path, snap.Type)
	}
	if len(d.exclude) > 0 {
		if snap, err = excludeFiles(snap, d.exclude); err != nil {
			return errors.Wrapf(err, "dir %s", d.path)
		}
	}
	b.Fingerprints(d.String(), fingerprint.Collect(fingerprint.RelativePath, snap))
	return nil
}

func (d dirInput) String() string {
	if len(d.exclude) == 0 {
		return fmt.Sprintf("dir:%s", d.path)
	}
	return fmt.Sprintf("dir:%s(exclude:%s)", d.path, strings.Join(d.exclude, ","))
}

// excludeFiles returns dir without the regular files whose base name matches
// one of the patterns.
func excludeFiles(dir *snapshot.Snapshot, patterns []string) (*snapshot.Snapshot, error) {
	children := make([]*snapshot.Snapshot, 0, len(dir.Children))
	for _, child := range dir.Children {
		switch child.Type {
		case snapshot.Directory:
			filtered, err := excludeFiles(child, patterns)
			if err != nil {
				return nil, err
			}
			children = append(children, filtered)
		case snapshot.RegularFile:
			excluded := false
			for _, pattern := range patterns {
				matched, err := filepath.Match(pattern, child.Name)
				if err != nil {
					return nil, errors.Wrapf(err, "invalid exclude pattern %s", pattern)
				}
				if matched {
					excluded = true
					break
				}
			}
			if !excluded {
				children = append(children, child)
			}
		default:
			children = append(children, child)
		}
	}
	return snapshot.NewDirectory(dir.Path, dir.Name, dir.Mode, children...)
}

// bytesInput is raw data.
type bytesInput struct {
	data []byte
}

func (r bytesInput) addTo(ctx context.Context, b *cachekey.Builder, c *Cache) error {
	b.Bytes(r.String(), r.data)
	return nil
}

func (r bytesInput) String() string {
	return fmt.Sprintf("bytes:%d", len(r.data))
}

// File adds a file input to the cache key.
// Validates that the file exists and accumulates any errors.
func (kb *KeyBuilder) File(path string) *KeyBuilder {
	if !kb.accumulateErrors && len(kb.errors) > 0 {
		kb.inputs = append(kb.inputs, fileInput{path: path})
		return kb
	}

	exists, err := afero.Exists(kb.cache.fs, path)
	if err != nil {
		kb.errors = append(kb.errors, errors.Wrapf(err, "failed to check file %s", path))
	} else if !exists {
		kb.errors = append(kb.errors, errors.Errorf("file does not exist: %s", path))
	}

	kb.inputs = append(kb.inputs, fileInput{path: path})
	return kb
}

// Glob adds a glob pattern input to the cache key.
// Patterns support ** for recursive matching. Only the content of the matched
// files contributes to the key, not their names.
func (kb *KeyBuilder) Glob(pattern string) *KeyBuilder {
	if !kb.accumulateErrors && len(kb.errors) > 0 {
		kb.inputs = append(kb.inputs, globInput{pattern: pattern})
		return kb
	}

	if _, err := expandGlob(pattern, kb.cache.fs); err != nil {
		kb.errors = append(kb.errors, errors.Wrapf(err, "invalid glob pattern %s", pattern))
	}

	kb.inputs = append(kb.inputs, globInput{pattern: pattern})
	return kb
}

// Dir adds a directory input to the cache key.
// All files in the directory are included recursively.
// exclude patterns match against basenames only.
func (kb *KeyBuilder) Dir(path string, exclude ...string) *KeyBuilder {
	if !kb.accumulateErrors && len(kb.errors) > 0 {
		kb.inputs = append(kb.inputs, dirInput{path: path, exclude: exclude})
		return kb
	}

	exists, err := afero.DirExists(kb.cache.fs, path)
	if err != nil {
		kb.errors = append(kb.errors, errors.Wrapf(err, "failed to check directory %s", path))
	} else if !exists {
		kb.errors = append(kb.errors, errors.Errorf("directory does not exist: %s", path))
	}

	for _, pattern := range exclude {
		if _, err := filepath.Match(pattern, "test"); err != nil {
			kb.errors = append(kb.errors, errors.Wrapf(err, "invalid exclude pattern %s", pattern))
			if !kb.accumulateErrors {
				break
			}
		}
	}

	kb.inputs = append(kb.inputs, dirInput{path: path, exclude: exclude})
	return kb
}

// Bytes adds raw byte data as an input to the cache key.
func (kb *KeyBuilder) Bytes(data []byte) *KeyBuilder {
	kb.inputs = append(kb.inputs, bytesInput{data: data})
	return kb
}

// String adds a key-value pair to the cache key.
func (kb *KeyBuilder) String(key, value string) *KeyBuilder {
	if kb.extras == nil {
		kb.extras = make(map[string]string)
	}
	kb.extras[key] = value
	return kb
}

// Version is sugar for String("version", v).
func (kb *KeyBuilder) Version(v string) *KeyBuilder {
	return kb.String("version", v)
}

// Env adds an environment variable to the cache key.
// If the variable is not set, it uses an empty string.
func (kb *KeyBuilder) Env(key string) *KeyBuilder {
	return kb.String("env:"+key, os.Getenv(key))
}

// Build finalizes the key builder and returns an opaque Key.
func (kb *KeyBuilder) Build() Key {
	return Key{
		inputs: kb.inputs,
		extras: kb.extras,
		cache:  kb.cache,
		errors: kb.errors,
	}
}

// Hash computes the key and returns it in string form.
// Returns empty string if there are validation errors.
func (kb *KeyBuilder) Hash() string {
	return kb.Build().Hash()
}

// Hash returns the key in string form.
// Returns empty string if the key cannot be computed.
func (k Key) Hash() string {
	d, err := k.digest(context.Background())
	if err != nil {
		return ""
	}
	return d.String()
}

// digest computes the cache key. Inputs contribute in the order they were
// added, extras in sorted order.
func (k Key) digest(ctx context.Context) (cachekey.Key, error) {
	if err := newValidationError(k.errors); err != nil {
		return cachekey.Key{}, err
	}
	if k.cache == nil {
		return cachekey.Key{}, errors.New("key was not built by a cache")
	}

	b := cachekey.NewBuilder()
	for _, in := range k.inputs {
		if err := in.addTo(ctx, b, k.cache); err != nil {
			return cachekey.Key{}, err
		}
	}

	names := make([]string, 0, len(k.extras))
	for name := range k.extras {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.String("extra:"+name, k.extras[name])
	}

	// Entries written with another format or compression are never reused.
	b.String("format", archiveFormat+"+"+string(k.cache.compression))
	return b.Key(), nil
}

// expandGlob returns the regular files matching pattern.
// A "**" segment matches any number of directories; other segments match
// a single path element as in [filepath.Match].
func expandGlob(pattern string, fs afero.Fs) ([]string, error) {
	segments := strings.Split(filepath.ToSlash(pattern), "/")
	for _, seg := range segments {
		if seg == "**" {
			continue
		}
		if _, err := filepath.Match(seg, ""); err != nil {
			return nil, err
		}
	}

	if !strings.Contains(pattern, "**") {
		candidates, err := afero.Glob(fs, pattern)
		if err != nil {
			return nil, err
		}
		var matches []string
		for _, path := range candidates {
			info, err := fs.Stat(path)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			if info.Mode().IsRegular() {
				matches = append(matches, path)
			}
		}
		return matches, nil
	}

	root := staticPrefix(segments)
	exists, err := afero.DirExists(fs, root)
	if err != nil || !exists {
		return nil, err
	}
	var matches []string
	err = afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && matchSegments(strings.Split(filepath.ToSlash(path), "/"), segments) {
			matches = append(matches, path)
		}
		return nil
	})
	return matches, errors.WithStack(err)
}

// staticPrefix returns the directory formed by the leading segments that
// contain no pattern characters.
func staticPrefix(segments []string) string {
	n := 0
	for n < len(segments)-1 && !strings.ContainsAny(segments[n], `*?[\`) {
		n++
	}
	switch prefix := strings.Join(segments[:n], "/"); {
	case prefix == "" && n > 0:
		return "/"
	case prefix == "":
		return "."
	default:
		return filepath.FromSlash(prefix)
	}
}

func matchSegments(path, pattern []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(path, pattern[1:]) {
			return true
		}
		return len(path) > 0 && matchSegments(path[1:], pattern)
	}
	if len(path) == 0 {
		return false
	}
	if ok, _ := filepath.Match(pattern[0], path[0]); !ok {
		return false
	}
	return matchSegments(path[1:], pattern[1:])
}
