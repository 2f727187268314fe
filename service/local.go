package service

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"zombiezen.com/go/log"

	"github.com/gophersatwork/buildcache/cachekey"
	"github.com/gophersatwork/buildcache/store"
)

const indexName = "entries"

// EntryInfo is the index record of a stored entry.
type EntryInfo struct {
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
	AccessedAt time.Time `json:"accessedAt"`
}

// Entry describes a stored entry.
type Entry struct {
	Key cachekey.Key
	EntryInfo
}

// Stats represents cache statistics.
type Stats struct {
	Entries     int           // Total number of cache entries
	TotalSize   int64         // Total size of all entries in bytes
	OldestEntry time.Duration // Age of the oldest entry
	NewestEntry time.Duration // Age of the newest entry
}

// LocalService keeps entries as files below a root directory.
// Objects live at objects/<first two hex digits>/<hex> and are published by
// renaming a fully written temporary file. Entry sizes and access times are
// indexed in a [store.PersistentStore].
type LocalService struct {
	fs    afero.Fs
	root  string
	now   func() time.Time
	store store.PersistentStore
	index *store.IndexedCache[string, EntryInfo]
	locks mutexMap[string]
}

// NewLocal returns a service rooted at root that indexes entries in st.
// The service takes ownership of st.
func NewLocal(ctx context.Context, fs afero.Fs, root string, st store.PersistentStore, now func() time.Time) (*LocalService, error) {
	if now == nil {
		now = time.Now
	}
	s := &LocalService{fs: fs, root: root, now: now, store: st}
	if err := fs.MkdirAll(s.objectsDir(), 0o755); err != nil {
		return nil, errors.Wrap(err, "create objects directory")
	}
	index, err := store.CreateCache(ctx, st, indexName, store.StringSerializer{}, store.JSONSerializer[EntryInfo]{})
	if err != nil {
		return nil, err
	}
	s.index = index
	return s, nil
}

func (s *LocalService) lock(ctx context.Context, key cachekey.Key) (func(), error) {
	if key.IsZero() {
		return nil, errors.New("zero cache key")
	}
	return s.locks.lock(ctx, key.Hex())
}

// Load implements [Service].
func (s *LocalService) Load(ctx context.Context, key cachekey.Key, reader EntryReader) (bool, error) {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	f, err := s.fs.Open(s.objectPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "open entry %v", key)
	}
	defer f.Close()
	if err := reader(f); err != nil {
		return true, err
	}

	if err := s.touch(ctx, key, f); err != nil {
		log.Warnf(ctx, "Update access time of %v: %v", key, err)
	}
	return true, nil
}

// Contains reports whether an entry exists for key.
// Unlike Load it does not update the access time.
func (s *LocalService) Contains(ctx context.Context, key cachekey.Key) (bool, error) {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	exists, err := afero.Exists(s.fs, s.objectPath(key))
	if err != nil {
		return false, errors.Wrapf(err, "stat entry %v", key)
	}
	return exists, nil
}

func (s *LocalService) touch(ctx context.Context, key cachekey.Key, f afero.File) error {
	now := s.now()
	info, err := s.index.GetIfPresent(ctx, key.String())
	if errors.Is(err, store.ErrNotFound) {
		// Published by a process that has not flushed its index yet.
		fi, statErr := f.Stat()
		if statErr != nil {
			return errors.WithStack(statErr)
		}
		info = EntryInfo{Size: fi.Size(), CreatedAt: now}
	} else if err != nil {
		return err
	}
	info.AccessedAt = now
	return s.index.Put(ctx, key.String(), info)
}

// Store implements [Service].
func (s *LocalService) Store(ctx context.Context, key cachekey.Key, writer EntryWriter) (err error) {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	dst := s.objectPath(key)
	dir := filepath.Dir(dst)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "store %v", key)
	}
	tmp, err := afero.TempFile(s.fs, dir, key.Hex()+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "store %v", key)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			if rmErr := s.fs.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Warnf(ctx, "Remove %s: %v", tmpPath, rmErr)
			}
		}
	}()

	n, err := writer.WriteTo(tmp)
	closeErr := tmp.Close()
	if err != nil {
		return errors.Wrapf(err, "store %v", key)
	}
	if closeErr != nil {
		return errors.Wrapf(closeErr, "store %v", key)
	}
	if err := s.fs.Rename(tmpPath, dst); err != nil {
		return errors.Wrapf(err, "store %v", key)
	}

	now := s.now()
	if err := s.index.Put(ctx, key.String(), EntryInfo{Size: n, CreatedAt: now, AccessedAt: now}); err != nil {
		return errors.Wrapf(err, "index %v", key)
	}
	log.Debugf(ctx, "Stored %v (%d bytes)", key, n)
	return nil
}

// Remove deletes the entry for key. Removing an absent entry is not an error.
func (s *LocalService) Remove(ctx context.Context, key cachekey.Key) error {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return s.remove(ctx, key.String(), key.Hex())
}

func (s *LocalService) remove(ctx context.Context, indexKey, hex string) error {
	if err := s.fs.Remove(s.hexPath(hex)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove entry %s", indexKey)
	}
	return s.index.Remove(ctx, indexKey)
}

// Entries returns all indexed entries in key order.
func (s *LocalService) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.walk(ctx, func(key cachekey.Key, info EntryInfo) error {
		entries = append(entries, Entry{Key: key, EntryInfo: info})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Stats returns statistics about the cache.
func (s *LocalService) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{}
	var oldest, newest time.Time

	err := s.walk(ctx, func(_ cachekey.Key, info EntryInfo) error {
		stats.Entries++
		stats.TotalSize += info.Size
		if oldest.IsZero() || info.CreatedAt.Before(oldest) {
			oldest = info.CreatedAt
		}
		if newest.IsZero() || info.CreatedAt.After(newest) {
			newest = info.CreatedAt
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	now := s.now()
	if !oldest.IsZero() {
		stats.OldestEntry = now.Sub(oldest)
	}
	if !newest.IsZero() {
		stats.NewestEntry = now.Sub(newest)
	}
	return stats, nil
}

// Prune removes entries created more than olderThan ago.
// Returns the number of entries removed.
func (s *LocalService) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	return s.removeWhere(ctx, func(info EntryInfo) bool {
		return info.CreatedAt.Before(cutoff)
	})
}

// PruneUnused removes entries not accessed within notAccessedSince.
// Returns the number of entries removed.
func (s *LocalService) PruneUnused(ctx context.Context, notAccessedSince time.Duration) (int, error) {
	cutoff := s.now().Add(-notAccessedSince)
	return s.removeWhere(ctx, func(info EntryInfo) bool {
		return info.AccessedAt.Before(cutoff)
	})
}

func (s *LocalService) removeWhere(ctx context.Context, match func(EntryInfo) bool) (int, error) {
	var toRemove []cachekey.Key
	err := s.walk(ctx, func(key cachekey.Key, info EntryInfo) error {
		if match(info) {
			toRemove = append(toRemove, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, key := range toRemove {
		if err := s.Remove(ctx, key); err != nil {
			return count, err
		}
		count++
	}
	if err := s.store.Flush(ctx); err != nil {
		return count, err
	}
	log.Debugf(ctx, "Pruned %d entries", count)
	return count, nil
}

// Clear removes all entries.
func (s *LocalService) Clear(ctx context.Context) error {
	var keys []string
	err := s.index.ForEach(ctx, func(key string, _ EntryInfo) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.index.Remove(ctx, k); err != nil {
			return err
		}
	}
	if err := s.fs.RemoveAll(s.objectsDir()); err != nil {
		return errors.Wrap(err, "remove objects")
	}
	if err := s.fs.MkdirAll(s.objectsDir(), 0o755); err != nil {
		return errors.Wrap(err, "recreate objects directory")
	}
	return s.store.Flush(ctx)
}

// Flush makes index updates visible to other processes.
func (s *LocalService) Flush(ctx context.Context) error {
	return s.store.Flush(ctx)
}

// Close implements [Service]. It flushes and closes the index store.
func (s *LocalService) Close() error {
	return s.store.Close()
}

// walk calls fn for each indexed entry. Index records with unparseable keys
// are skipped.
func (s *LocalService) walk(ctx context.Context, fn func(cachekey.Key, EntryInfo) error) error {
	return s.index.ForEach(ctx, func(k string, info EntryInfo) error {
		key, err := cachekey.Parse(k)
		if err != nil {
			log.Warnf(ctx, "Skipping index record %q: %v", k, err)
			return nil
		}
		return fn(key, info)
	})
}

func (s *LocalService) objectsDir() string {
	return filepath.Join(s.root, "objects")
}

func (s *LocalService) objectPath(key cachekey.Key) string {
	return s.hexPath(key.Hex())
}

func (s *LocalService) hexPath(hex string) string {
	return filepath.Join(s.objectsDir(), hex[:2], hex)
}
