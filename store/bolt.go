package store

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"zombiezen.com/go/log"
)

const boltFileName = "store.db"

// BoltStore is a [PersistentStore] backed by a bbolt database.
//
// Writes are buffered in memory and become visible to other processes when
// the store is flushed: all pending entries are written in a single bbolt
// transaction while holding the store's lock exclusively. The database file
// is only open while the lock is held, so any number of processes can share
// the store.
type BoltStore struct {
	path string
	lock *fileLock

	mu sync.Mutex
	// pending writes by bucket and key; a nil value is a removal
	pending map[string]map[string][]byte
	closed  bool
}

// OpenBolt opens the bbolt store in dir, creating the directory if needed.
// The database itself is created by the first flush.
func OpenBolt(dir string, opts *Options) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "open bolt store")
	}
	return &BoltStore{
		path:    filepath.Join(dir, boltFileName),
		lock:    &fileLock{path: filepath.Join(dir, lockFileName), timeout: opts.lockTimeout()},
		pending: make(map[string]map[string][]byte),
	}, nil
}

// OpenBucket implements [PersistentStore].
func (s *BoltStore) OpenBucket(ctx context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, errors.New("open bucket: empty name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &boltBucket{store: s, name: name}, nil
}

// Flush implements [PersistentStore].
func (s *BoltStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked(ctx)
}

func (s *BoltStore) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	n := 0
	err := s.lock.with(ctx, true, func() error {
		db, err := bolt.Open(s.path, 0o644, &bolt.Options{Timeout: s.lock.timeout})
		if err != nil {
			return errors.Wrap(err, "flush")
		}
		err = db.Update(func(tx *bolt.Tx) error {
			for name, entries := range s.pending {
				b, err := tx.CreateBucketIfNotExists([]byte(name))
				if err != nil {
					return err
				}
				for k, v := range entries {
					if v == nil {
						err = b.Delete([]byte(k))
					} else {
						err = b.Put([]byte(k), v)
					}
					if err != nil {
						return err
					}
					n++
				}
			}
			return nil
		})
		if closeErr := db.Close(); err == nil {
			err = closeErr
		}
		return errors.Wrap(err, "flush")
	})
	if err != nil {
		return err
	}
	s.pending = make(map[string]map[string][]byte)
	log.Debugf(ctx, "Flushed %d entries to %s", n, s.path)
	return nil
}

// Close flushes pending writes and closes the store.
// If the flush fails, the store stays open with its writes pending
// and Close may be retried.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.flushLocked(context.Background()); err != nil {
		return err
	}
	s.closed = true
	return nil
}

// view runs f in a read transaction on the database under the shared lock.
// If the database does not exist yet, f is not called.
func (s *BoltStore) view(ctx context.Context, f func(tx *bolt.Tx) error) error {
	return s.lock.with(ctx, false, func() error {
		if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		db, err := bolt.Open(s.path, 0o644, &bolt.Options{ReadOnly: true, Timeout: s.lock.timeout})
		if err != nil {
			return errors.Wrap(err, "read store")
		}
		defer db.Close()
		return db.View(f)
	})
}

type boltBucket struct {
	store *BoltStore
	name  string
}

func (b *boltBucket) Name() string { return b.name }

// lookupPending reports the pending value of key, if any.
// The caller must hold b.store.mu.
func (b *boltBucket) lookupPending(key []byte) (value []byte, ok bool) {
	entries := b.store.pending[b.name]
	if entries == nil {
		return nil, false
	}
	value, ok = entries[string(key)]
	return value, ok
}

func (b *boltBucket) Get(ctx context.Context, key []byte) ([]byte, error) {
	b.store.mu.Lock()
	if b.store.closed {
		b.store.mu.Unlock()
		return nil, ErrClosed
	}
	v, ok := b.lookupPending(key)
	b.store.mu.Unlock()
	if ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return copyBytes(v), nil
	}

	var value []byte
	found := false
	err := b.store.view(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(b.name))
		if bucket == nil {
			return nil
		}
		k, v := bucket.Cursor().Seek(key)
		if bytes.Equal(k, key) {
			value = append([]byte{}, v...)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

func (b *boltBucket) Put(ctx context.Context, key, value []byte) error {
	if len(key) == 0 {
		return errors.New("put: empty key")
	}
	if value == nil {
		value = []byte{}
	}
	return b.setPending(key, copyBytes(value))
}

func (b *boltBucket) Remove(ctx context.Context, key []byte) error {
	return b.setPending(key, nil)
}

func (b *boltBucket) setPending(key, value []byte) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.store.closed {
		return ErrClosed
	}
	entries := b.store.pending[b.name]
	if entries == nil {
		entries = make(map[string][]byte)
		b.store.pending[b.name] = entries
	}
	entries[string(key)] = value
	return nil
}

func (b *boltBucket) ForEach(ctx context.Context, fn func(key, value []byte) error) error {
	merged := make(map[string][]byte)
	err := b.store.view(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(b.name))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			merged[string(k)] = copyBytes(v)
			return nil
		})
	})
	if err != nil {
		return err
	}

	b.store.mu.Lock()
	if b.store.closed {
		b.store.mu.Unlock()
		return ErrClosed
	}
	for k, v := range b.store.pending[b.name] {
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = copyBytes(v)
		}
	}
	b.store.mu.Unlock()

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}
