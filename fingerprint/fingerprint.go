// Package fingerprint normalizes snapshots into comparable values used for
// change detection and cache key computation.
//
// A [Fingerprint] combines the type of a file system location with its content
// hash and a path normalized according to a [Policy]. Two fingerprints are equal
// (with ==) iff their policy, type, normalized path and content hash are equal.
package fingerprint

import (
	"hash"
	"strings"

	"github.com/gophersatwork/buildcache/hashing"
	"github.com/gophersatwork/buildcache/snapshot"
)

// Policy describes whether and how a location's path contributes to its fingerprint.
type Policy int

const (
	// AbsolutePath keeps the full path.
	AbsolutePath Policy = iota
	// RelativePath keeps the path relative to the snapshot root.
	RelativePath
	// NameOnly keeps the file name.
	NameOnly
	// IgnoredPath drops the path: only type and content matter.
	IgnoredPath
)

func (p Policy) String() string {
	switch p {
	case AbsolutePath:
		return "ABSOLUTE_PATH"
	case RelativePath:
		return "RELATIVE_PATH"
	case NameOnly:
		return "NAME_ONLY"
	case IgnoredPath:
		return "IGNORED_PATH"
	default:
		return "Policy(?)"
	}
}

// ParsePolicy converts the output of [Policy.String] back to a Policy.
func ParsePolicy(s string) (Policy, bool) {
	for p := AbsolutePath; p <= IgnoredPath; p++ {
		if strings.EqualFold(p.String(), s) {
			return p, true
		}
	}
	return 0, false
}

// Content hashes of the locations that have no content of their own.
var (
	DirSignature     = hashing.Signature("DIR")
	MissingSignature = hashing.Signature("MISSING")
)

// Fingerprint is the normalized summary of one file system location.
// The zero value is not a valid fingerprint.
type Fingerprint struct {
	policy Policy
	typ    snapshot.FileType
	path   string
	hash   hashing.HashCode
}

var (
	ignoredDirectory = Fingerprint{policy: IgnoredPath, typ: snapshot.Directory, hash: DirSignature}
	ignoredMissing   = Fingerprint{policy: IgnoredPath, typ: snapshot.Missing, hash: MissingSignature}
)

// New returns the fingerprint of a location under policy.
// For directories and missing locations the content hash is replaced by the
// corresponding signature. For [IgnoredPath] the path is discarded.
func New(policy Policy, typ snapshot.FileType, normalizedPath string, contentHash hashing.HashCode) Fingerprint {
	if policy == IgnoredPath {
		return Ignored(typ, contentHash)
	}
	return Fingerprint{
		policy: policy,
		typ:    typ,
		path:   normalizedPath,
		hash:   normalizeHash(typ, contentHash),
	}
}

// Ignored returns an [IgnoredPath] fingerprint.
// Directories and missing locations always yield the same value.
func Ignored(typ snapshot.FileType, contentHash hashing.HashCode) Fingerprint {
	switch typ {
	case snapshot.Directory:
		return ignoredDirectory
	case snapshot.Missing:
		return ignoredMissing
	default:
		return Fingerprint{policy: IgnoredPath, typ: typ, hash: contentHash}
	}
}

func normalizeHash(typ snapshot.FileType, contentHash hashing.HashCode) hashing.HashCode {
	switch typ {
	case snapshot.Directory:
		return DirSignature
	case snapshot.Missing:
		return MissingSignature
	default:
		return contentHash
	}
}

// Policy returns the normalization policy of the fingerprint.
func (f Fingerprint) Policy() Policy { return f.policy }

// Type returns the type of the fingerprinted location.
func (f Fingerprint) Type() snapshot.FileType { return f.typ }

// NormalizedPath returns the path as seen by the policy.
// It is always empty for [IgnoredPath].
func (f Fingerprint) NormalizedPath() string { return f.path }

// NormalizedContentHash returns the content hash, or a signature for
// directories and missing locations.
func (f Fingerprint) NormalizedContentHash() hashing.HashCode { return f.hash }

// Compare orders fingerprints of the same policy by normalized path and then
// by content hash. A fingerprint compared against one of a different policy
// always sorts first; collections must not mix policies.
func (f Fingerprint) Compare(other Fingerprint) int {
	if f.policy != other.policy {
		return -1
	}
	if f.policy != IgnoredPath {
		if c := strings.Compare(f.path, other.path); c != 0 {
			return c
		}
	}
	return strings.Compare(string(f.hash), string(other.hash))
}

// AppendToHasher feeds the normalized path and content hash into h.
func (f Fingerprint) AppendToHasher(h hash.Hash) {
	if f.path != "" {
		h.Write([]byte(f.path))
	}
	h.Write([]byte{0})
	h.Write([]byte(f.hash))
	h.Write([]byte{0})
}

func (f Fingerprint) String() string {
	if f.policy == IgnoredPath {
		return "IGNORED / " + f.typ.String() + " / " + string(f.hash)
	}
	return "'" + f.path + "' / " + f.typ.String() + " / " + string(f.hash)
}
