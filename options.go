package buildcache

import (
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/gophersatwork/buildcache/hashing"
	"github.com/gophersatwork/buildcache/packaging"
	"github.com/gophersatwork/buildcache/service"
)

// Option defines a function that configures a Cache.
type Option func(*Cache)

// WithFs sets the filesystem holding the cache objects and the outputs of
// cached entities. This is primarily useful for testing with in-memory
// filesystems.
//
// Example:
//
//	cache, err := buildcache.Open(".cache", buildcache.WithFs(afero.NewMemMapFs()))
func WithFs(fs afero.Fs) Option {
	return func(c *Cache) {
		c.fs = fs
	}
}

// WithHashFunc sets the hash function used to fingerprint file content.
// The default is xxHash64.
//
// Note: Changing the hash function will invalidate existing cache entries.
func WithHashFunc(hashFunc hashing.HashFunc) Option {
	return func(c *Cache) {
		c.hashFunc = hashFunc
	}
}

// WithNowFunc sets a custom time function for the cache.
// This is primarily useful for testing with deterministic timestamps.
func WithNowFunc(nowFunc NowFunc) Option {
	return func(c *Cache) {
		c.nowFunc = nowFunc
	}
}

// WithAccumulateErrors configures key building to collect all validation
// errors instead of stopping at the first one.
func WithAccumulateErrors() Option {
	return func(c *Cache) {
		c.accumulateErrors = true
	}
}

// WithRemote adds a remote service consulted after the local one.
// Entries are uploaded to it only if push is true.
func WithRemote(remote service.Service, push bool) Option {
	return func(c *Cache) {
		c.remote = remote
		c.push = push
	}
}

// WithListener registers a listener for every local and remote operation.
func WithListener(l service.Listener) Option {
	return func(c *Cache) {
		c.listeners = append(c.listeners, l)
	}
}

// WithCompression selects the compression of new entries.
// The default is gzip.
func WithCompression(compression Compression) Option {
	return func(c *Cache) {
		c.compression = compression
	}
}

// WithStoreBackend selects the database holding the entry index.
// The default is bolt.
func WithStoreBackend(backend StoreBackend) Option {
	return func(c *Cache) {
		c.backend = backend
	}
}

// WithBuildInvocationID sets the build ID recorded in the origin metadata
// of stored entries.
func WithBuildInvocationID(id string) Option {
	return func(c *Cache) {
		c.buildInvocationID = id
	}
}

// WithLockTimeout bounds the wait for the index lock file.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.lockTimeout = d
	}
}

// Compression is the compression applied to archives.
type Compression string

const (
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// Decorator returns the packer decorator applying comp.
func (comp Compression) Decorator() (packaging.Decorator, error) {
	switch comp {
	case "", CompressionGzip:
		return packaging.Gzip(gzip.DefaultCompression), nil
	case CompressionZstd:
		return packaging.Zstd(zstd.SpeedDefault), nil
	default:
		return nil, errors.Errorf("unknown compression %q", string(comp))
	}
}

// StoreBackend is the database used for the entry index.
type StoreBackend string

const (
	StoreBackendBolt   StoreBackend = "bolt"
	StoreBackendSQLite StoreBackend = "sqlite"
)
