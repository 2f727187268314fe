package modulecache

import (
	"context"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/pkg/errors"
	"zombiezen.com/go/log"

	"github.com/gophersatwork/buildcache/store"
)

// BucketName is the store bucket that holds module descriptors.
const BucketName = "module-metadata"

// Persistent is a [ModuleMetadataCache] backed by a [store.PersistentStore].
// Entries read or written during the build are also kept in memory.
type Persistent struct {
	base
	store store.PersistentStore
}

// NewPersistent opens the module metadata cache in st.
// now returns the time the build commenced and is used to timestamp new entries.
func NewPersistent(ctx context.Context, st store.PersistentStore, now NowFunc) (*Persistent, error) {
	c, err := store.CreateCache(ctx, st, BucketName, keySerializer{}, store.BytesSerializer{})
	if err != nil {
		return nil, err
	}
	e := &persistentEntries{
		cache:  c,
		memory: make(map[ModuleComponentAtRepositoryKey]*CachedMetadata),
	}
	return &Persistent{base: newBase(now, e), store: st}, nil
}

// Flush makes the entries written so far visible to other processes.
func (p *Persistent) Flush(ctx context.Context) error {
	return p.store.Flush(ctx)
}

type persistentEntries struct {
	cache *store.IndexedCache[ModuleComponentAtRepositoryKey, []byte]

	mu     sync.Mutex
	memory map[ModuleComponentAtRepositoryKey]*CachedMetadata
}

func (e *persistentEntries) get(ctx context.Context, key ModuleComponentAtRepositoryKey) (*CachedMetadata, bool, error) {
	e.mu.Lock()
	entry, ok := e.memory[key]
	e.mu.Unlock()
	if ok {
		return entry, true, nil
	}

	data, err := e.cache.GetIfPresent(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read cached descriptor of %v", key)
	}
	entry = new(CachedMetadata)
	if err := jsonv2.Unmarshal(data, entry, jsonv2.RejectUnknownMembers(false)); err != nil {
		return nil, false, &DescriptorParseError{
			Repository: key.RepositoryID,
			Component:  key.Component(),
			Err:        err,
		}
	}
	if !entry.Missing && entry.Metadata == nil {
		return nil, false, &DescriptorParseError{
			Repository: key.RepositoryID,
			Component:  key.Component(),
			Err:        errors.New("entry has neither metadata nor missing marker"),
		}
	}

	e.mu.Lock()
	e.memory[key] = entry
	e.mu.Unlock()
	return entry, true, nil
}

func (e *persistentEntries) store(ctx context.Context, key ModuleComponentAtRepositoryKey, entry *CachedMetadata) error {
	data, err := jsonv2.Marshal(entry, jsonv2.Deterministic(true))
	if err != nil {
		return errors.Wrapf(err, "marshal descriptor of %v", key)
	}
	if err := e.cache.Put(ctx, key, data); err != nil {
		return errors.Wrapf(err, "store descriptor of %v", key)
	}
	e.mu.Lock()
	e.memory[key] = entry
	e.mu.Unlock()
	log.Debugf(ctx, "Cached module descriptor %v (missing=%t)", key, entry.Missing)
	return nil
}

// ReadOnly is a view of a [Persistent] cache that refuses every write.
// Reads see whatever the underlying cache holds.
type ReadOnly struct {
	base
}

// NewReadOnly returns a read-only view of p.
func NewReadOnly(p *Persistent) *ReadOnly {
	return &ReadOnly{base: newBase(p.now, readOnlyEntries{p.entries})}
}

// CacheMissing always fails with an error matching [ErrUnsupportedOperation].
func (r *ReadOnly) CacheMissing(ctx context.Context, key ModuleComponentAtRepositoryKey) (*CachedMetadata, error) {
	return nil, unsupported("CacheMissing")
}

// CacheMetaData always fails with an error matching [ErrUnsupportedOperation].
func (r *ReadOnly) CacheMetaData(ctx context.Context, key ModuleComponentAtRepositoryKey, md *ModuleMetadata) (*CachedMetadata, error) {
	return nil, unsupported("CacheMetaData")
}

type readOnlyEntries struct {
	delegate entries
}

func (r readOnlyEntries) get(ctx context.Context, key ModuleComponentAtRepositoryKey) (*CachedMetadata, bool, error) {
	return r.delegate.get(ctx, key)
}

func (r readOnlyEntries) store(ctx context.Context, key ModuleComponentAtRepositoryKey, entry *CachedMetadata) error {
	return unsupported("store")
}

// TwoStage consults a read-only cache first and falls back to a writable one.
// All writes go to the writable cache.
type TwoStage struct {
	readOnly ModuleMetadataCache
	writable ModuleMetadataCache
}

// NewTwoStage returns a cache that layers writable under readOnly.
func NewTwoStage(readOnly, writable ModuleMetadataCache) *TwoStage {
	return &TwoStage{readOnly: readOnly, writable: writable}
}

func (t *TwoStage) CachedModuleDescriptor(ctx context.Context, key ModuleComponentAtRepositoryKey) (*CachedMetadata, bool, error) {
	entry, found, err := t.readOnly.CachedModuleDescriptor(ctx, key)
	if err != nil || found {
		return entry, found, err
	}
	return t.writable.CachedModuleDescriptor(ctx, key)
}

func (t *TwoStage) CacheMissing(ctx context.Context, key ModuleComponentAtRepositoryKey) (*CachedMetadata, error) {
	return t.writable.CacheMissing(ctx, key)
}

func (t *TwoStage) CacheMetaData(ctx context.Context, key ModuleComponentAtRepositoryKey, md *ModuleMetadata) (*CachedMetadata, error) {
	return t.writable.CacheMetaData(ctx, key, md)
}

var (
	_ ModuleMetadataCache = (*Persistent)(nil)
	_ ModuleMetadataCache = (*ReadOnly)(nil)
	_ ModuleMetadataCache = (*TwoStage)(nil)
)
