// Package cachekey defines the keys build cache entries are addressed by.
package cachekey

import (
	"fmt"
	"hash"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/gophersatwork/buildcache/fingerprint"
)

// Key identifies a cache entry. The zero Key is invalid.
type Key struct {
	d digest.Digest
}

// FromDigest returns the key for d.
func FromDigest(d digest.Digest) (Key, error) {
	if err := d.Validate(); err != nil {
		return Key{}, errors.Wrapf(err, "invalid cache key %q", d)
	}
	return Key{d: d}, nil
}

// Parse parses a key in its String form. A bare hex string is accepted as a
// sha256 key.
func Parse(s string) (Key, error) {
	if !strings.Contains(s, ":") {
		s = string(digest.Canonical) + ":" + s
	}
	d, err := digest.Parse(s)
	if err != nil {
		return Key{}, errors.Wrapf(err, "parse cache key %q", s)
	}
	return Key{d: d}, nil
}

// String returns the key as "<algorithm>:<hex>".
func (k Key) String() string {
	return k.d.String()
}

// Hex returns the encoded portion of the key.
// It is safe to use in file and object names.
func (k Key) Hex() string {
	if k.d == "" {
		return ""
	}
	return k.d.Encoded()
}

// Digest returns the key's underlying digest.
func (k Key) Digest() digest.Digest {
	return k.d
}

func (k Key) IsZero() bool {
	return k.d == ""
}

func (k Key) Equal(other Key) bool {
	return k.d == other.d
}

// Builder accumulates named inputs into a key.
// Inputs are order-sensitive.
type Builder struct {
	digester digest.Digester
	h        hash.Hash
}

// NewBuilder returns a Builder using the canonical digest algorithm.
func NewBuilder() *Builder {
	d := digest.Canonical.Digester()
	return &Builder{digester: d, h: d.Hash()}
}

// String adds a named string input.
func (b *Builder) String(name, value string) *Builder {
	b.field("s", name, []byte(value))
	return b
}

// Bytes adds a named byte input.
func (b *Builder) Bytes(name string, data []byte) *Builder {
	b.field("b", name, data)
	return b
}

// Fingerprints adds a named file collection.
func (b *Builder) Fingerprints(name string, c fingerprint.FileCollectionFingerprint) *Builder {
	hc := c.Hash(digest.Canonical.Hash)
	b.field("f", name, []byte(hc))
	return b
}

// Key returns the key for the inputs added so far.
func (b *Builder) Key() Key {
	return Key{d: b.digester.Digest()}
}

func (b *Builder) field(kind, name string, value []byte) {
	fmt.Fprintf(b.h, "%s%d:%s%d:", kind, len(name), name, len(value))
	b.h.Write(value)
}
