// Package store provides durable key/value storage shared between processes.
//
// A [PersistentStore] holds named buckets of raw byte entries. Physical writes
// to the files of a store are serialized across processes by a lock file in the
// store directory. Flush is the durability fence: every Put that happened
// before a Flush is visible to any process that opens the store after the Flush
// returns.
//
// Typed access goes through [IndexedCache], created with [CreateCache].
package store

import (
	"context"
	"time"
)

// PersistentStore is a directory of named buckets.
type PersistentStore interface {
	// OpenBucket returns the bucket with the given name, creating it as needed.
	OpenBucket(ctx context.Context, name string) (Bucket, error)
	// Flush makes all previous writes durable and visible to other processes.
	Flush(ctx context.Context) error
	// Close flushes and releases the store. Further calls fail with ErrClosed.
	Close() error
}

// Bucket is a namespace of entries within a store.
// Keys and values passed to or returned from a Bucket are copied.
type Bucket interface {
	Name() string
	// Get returns the value stored for key or an error matching ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)
	// Put replaces the value stored for key.
	Put(ctx context.Context, key, value []byte) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key []byte) error
	// ForEach calls fn for every entry in key order.
	ForEach(ctx context.Context, fn func(key, value []byte) error) error
}

// Options configures a store.
type Options struct {
	// LockTimeout bounds the wait for the store's lock file.
	// Zero means DefaultLockTimeout.
	LockTimeout time.Duration
}

// DefaultLockTimeout is the lock timeout used when none is configured.
const DefaultLockTimeout = 10 * time.Second

const lockFileName = "store.lock"

func (opts *Options) lockTimeout() time.Duration {
	if opts == nil || opts.LockTimeout <= 0 {
		return DefaultLockTimeout
	}
	return opts.LockTimeout
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
