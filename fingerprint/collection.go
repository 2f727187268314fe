package fingerprint

import (
	"fmt"
	"path"
	"sort"

	"github.com/gophersatwork/buildcache/hashing"
	"github.com/gophersatwork/buildcache/snapshot"
)

// Entry is the fingerprint of one snapshotted location.
type Entry struct {
	AbsolutePath string
	Fingerprint  Fingerprint
}

// FileCollectionFingerprint is the fingerprint of a set of snapshot roots
// under a single policy.
type FileCollectionFingerprint struct {
	Policy  Policy
	Entries []Entry
}

// Fingerprints returns the fingerprints keyed by absolute path.
func (c FileCollectionFingerprint) Fingerprints() map[string]Fingerprint {
	m := make(map[string]Fingerprint, len(c.Entries))
	for _, e := range c.Entries {
		m[e.AbsolutePath] = e.Fingerprint
	}
	return m
}

// Hash combines all fingerprints into a single hash code.
// For [IgnoredPath] the fingerprints are combined in sorted order,
// which makes the result independent of file names and visiting order.
func (c FileCollectionFingerprint) Hash(newHash hashing.HashFunc) hashing.HashCode {
	fps := make([]Fingerprint, len(c.Entries))
	for i, e := range c.Entries {
		fps[i] = e.Fingerprint
	}
	if c.Policy == IgnoredPath {
		sort.SliceStable(fps, func(i, j int) bool { return fps[i].Compare(fps[j]) < 0 })
	}

	h := newHash()
	fmt.Fprintf(h, "%s:%d", c.Policy, len(fps))
	for _, fp := range fps {
		fp.AppendToHasher(h)
	}
	return hashing.FromSum(h)
}

// Collect normalizes the given snapshot roots under policy.
func Collect(policy Policy, roots ...*snapshot.Snapshot) FileCollectionFingerprint {
	c := FileCollectionFingerprint{Policy: policy}
	for _, root := range roots {
		v := &collector{policy: policy, out: &c.Entries}
		root.Accept(v)
	}
	return c
}

// collector turns snapshot visits into fingerprint entries.
type collector struct {
	policy Policy
	out    *[]Entry
	// relative path segments below the root; nil while at the root
	segments []string
	depth    int
}

func (v *collector) PreVisitDirectory(dir *snapshot.Snapshot) bool {
	isRoot := v.depth == 0
	if !isRoot {
		v.segments = append(v.segments, dir.Name)
	}
	v.depth++
	if v.policy == IgnoredPath {
		return true
	}
	normalized := v.normalizedPath(dir, isRoot)
	v.add(dir, normalized)
	return true
}

func (v *collector) VisitFile(file *snapshot.Snapshot) {
	isRoot := v.depth == 0
	if v.policy == IgnoredPath && file.Type != snapshot.RegularFile {
		return
	}
	if !isRoot {
		v.segments = append(v.segments, file.Name)
	}
	v.add(file, v.normalizedPath(file, isRoot))
	if !isRoot {
		v.segments = v.segments[:len(v.segments)-1]
	}
}

func (v *collector) PostVisitDirectory(*snapshot.Snapshot) {
	v.depth--
	if v.depth > 0 {
		v.segments = v.segments[:len(v.segments)-1]
	}
}

func (v *collector) normalizedPath(s *snapshot.Snapshot, isRoot bool) string {
	switch v.policy {
	case AbsolutePath:
		return s.Path
	case RelativePath:
		if isRoot {
			if s.Type == snapshot.Directory {
				return ""
			}
			return s.Name
		}
		return path.Join(v.segments...)
	case NameOnly:
		if isRoot && s.Type == snapshot.Directory {
			return ""
		}
		return s.Name
	default:
		return ""
	}
}

func (v *collector) add(s *snapshot.Snapshot, normalized string) {
	*v.out = append(*v.out, Entry{
		AbsolutePath: s.Path,
		Fingerprint:  New(v.policy, s.Type, normalized, s.Hash),
	})
}
