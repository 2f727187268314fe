// Package hashing provides the content hashes used by snapshots, fingerprints and
// the tar packer.
package hashing

import (
	"encoding/hex"
	"hash"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Default size for the buffer used when hashing files
const defaultBufferSize = 32 * 1024 // 32KB

// HashFunc defines a function that creates a new hash.Hash instance.
type HashFunc func() hash.Hash

// DefaultHashFunc returns the default hash function (xxHash64).
func DefaultHashFunc() hash.Hash {
	return xxhash.New()
}

// HashCode is the hex encoded result of a hash computation.
// The zero value means "no hash".
type HashCode string

// FromSum returns the HashCode of h's current sum.
func FromSum(h hash.Hash) HashCode {
	return HashCode(hex.EncodeToString(h.Sum(nil)))
}

// IsZero reports whether hc is the empty hash code.
func (hc HashCode) IsZero() bool {
	return hc == ""
}

func (hc HashCode) String() string {
	return string(hc)
}

// bufferPool is a pool of byte slices used for file I/O during hashing
var bufferPool = sync.Pool{
	New: func() interface{} {
		buffer := make([]byte, defaultBufferSize)
		return &buffer
	},
}

// GetBuffer borrows a copy buffer from the shared pool.
// The returned function gives it back.
func GetBuffer() ([]byte, func()) {
	bufPtr := bufferPool.Get().(*[]byte)
	return *bufPtr, func() { bufferPool.Put(bufPtr) }
}

// HashReader hashes the content from a reader using the provided hash function.
func HashReader(content io.Reader, newHash HashFunc) (HashCode, int64, error) {
	h := newHash()
	n, err := HashCopy(io.Discard, content, h)
	if err != nil {
		return "", n, err
	}
	return FromSum(h), n, nil
}

// HashCopy copies src to dst, feeding every byte through h.
func HashCopy(dst io.Writer, src io.Reader, h hash.Hash) (int64, error) {
	buffer, release := GetBuffer()
	defer release()

	n, err := io.CopyBuffer(io.MultiWriter(dst, h), src, buffer)
	if err != nil {
		return n, errors.Wrap(err, "failed to copy content")
	}
	return n, nil
}

// HashFile hashes the file at path in fs.
// It returns the hash and the number of bytes read.
func HashFile(fs afero.Fs, path string, newHash HashFunc) (HashCode, int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", 0, errors.WithStack(err)
	}
	defer f.Close()

	hc, n, err := HashReader(f, newHash)
	if err != nil {
		return "", n, errors.Wrapf(err, "hash %s", path)
	}
	return hc, n, nil
}

// HashBytes hashes data.
func HashBytes(data []byte, newHash HashFunc) HashCode {
	h := newHash()
	h.Write(data)
	return FromSum(h)
}

// HashString hashes s.
func HashString(s string, newHash HashFunc) HashCode {
	return HashBytes([]byte(s), newHash)
}

// Signature returns a constant hash code for a marker name.
// Signatures do not depend on the configured hash function so that they stay
// stable across caches.
func Signature(name string) HashCode {
	return HashString("SIGNATURE:"+name, DefaultHashFunc)
}
