package buildcache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"zombiezen.com/go/log"

	"github.com/gophersatwork/buildcache/cachekey"
	"github.com/gophersatwork/buildcache/hashing"
	"github.com/gophersatwork/buildcache/origin"
	"github.com/gophersatwork/buildcache/packaging"
	"github.com/gophersatwork/buildcache/service"
	"github.com/gophersatwork/buildcache/snapshot"
	"github.com/gophersatwork/buildcache/store"
)

// ToolVersion is recorded in the origin metadata of stored entries.
const ToolVersion = "buildcache/1"

// archiveFormat changes whenever archives become unreadable by older versions.
const archiveFormat = "tar/1"

// NowFunc defines a function that returns the current time.
type NowFunc func() time.Time

// Cache stores the outputs of cacheable entities keyed by their inputs.
// Entries are looked up in the local directory first and then in the remote
// service, if one is configured.
type Cache struct {
	root             string
	fs               afero.Fs
	hashFunc         hashing.HashFunc
	nowFunc          NowFunc
	accumulateErrors bool

	backend           StoreBackend
	compression       Compression
	lockTimeout       time.Duration
	remote            service.Service
	push              bool
	listeners         []service.Listener
	buildInvocationID string

	// indexDir is removed on Close if it was created by Open.
	indexDir     string
	ownsIndexDir bool

	local        *service.LocalService
	localHandle  *service.Handle
	remoteHandle *service.Handle
	packer       packaging.Packer
	snapshotter  *snapshot.Snapshotter
	support      *packaging.FileSystemSupport
	origins      *origin.Factory

	mu     sync.Mutex
	closed bool
}

// Open creates a cache at the given root directory.
// The directory will be created if it doesn't exist.
//
// The entry index is kept in root/index when the cache uses the OS file
// system and in a temporary directory otherwise.
func Open(root string, options ...Option) (*Cache, error) {
	c := &Cache{
		root:        root,
		fs:          afero.NewOsFs(),
		hashFunc:    hashing.DefaultHashFunc,
		nowFunc:     time.Now,
		backend:     StoreBackendBolt,
		compression: CompressionGzip,
	}
	for _, option := range options {
		option(c)
	}
	ctx := context.Background()

	decorator, err := c.compression.Decorator()
	if err != nil {
		return nil, err
	}
	if c.buildInvocationID == "" {
		c.buildInvocationID = uuid.NewString()
	}

	if _, ok := c.fs.(*afero.OsFs); ok {
		c.indexDir = filepath.Join(root, "index")
		if err := os.MkdirAll(c.indexDir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create index directory")
		}
	} else {
		c.indexDir, err = os.MkdirTemp("", "buildcache-index-")
		if err != nil {
			return nil, errors.Wrap(err, "create index directory")
		}
		c.ownsIndexDir = true
	}

	st, err := c.openStore()
	if err != nil {
		c.removeIndexDir()
		return nil, err
	}
	c.local, err = service.NewLocal(ctx, c.fs, root, st, c.nowFunc)
	if err != nil {
		st.Close()
		c.removeIndexDir()
		return nil, err
	}

	var listener service.Listener = service.LogListener{}
	if len(c.listeners) > 0 {
		listener = append(service.MultiListener{service.LogListener{}}, c.listeners...)
	}
	c.localHandle = service.NewHandle("local", c.local, true, listener)
	if c.remote != nil {
		c.remoteHandle = service.NewHandle("remote", c.remote, c.push, listener)
	}

	c.packer = packaging.Chain(packaging.NewTarPacker(c.fs, c.hashFunc), decorator)
	c.snapshotter = snapshot.NewSnapshotter(c.fs, c.hashFunc)
	c.support = packaging.NewFileSystemSupport(c.fs)
	c.origins = origin.NewFactory(c.buildInvocationID, ToolVersion)
	c.origins.Now = c.nowFunc
	return c, nil
}

func (c *Cache) openStore() (store.PersistentStore, error) {
	opts := &store.Options{LockTimeout: c.lockTimeout}
	switch c.backend {
	case "", StoreBackendBolt:
		return store.OpenBolt(c.indexDir, opts)
	case StoreBackendSQLite:
		return store.OpenSQLite(c.indexDir, opts)
	default:
		return nil, errors.Errorf("unknown store backend %q", string(c.backend))
	}
}

// OpenTemp creates a temporary in-memory cache for testing.
func OpenTemp() *Cache {
	c, err := Open("/buildcache", WithFs(afero.NewMemMapFs()))
	if err != nil {
		panic(fmt.Sprintf("failed to create temp cache: %v", err))
	}
	return c
}

// Key creates a new KeyBuilder for building cache keys.
func (c *Cache) Key() *KeyBuilder {
	return &KeyBuilder{
		cache:            c,
		accumulateErrors: c.accumulateErrors,
	}
}

// LoadResult describes the entry restored by Load.
type LoadResult struct {
	Key cachekey.Key
	// Source is "local" or "remote".
	Source      string
	Origin      *origin.Metadata
	Entries     int64
	ArchiveSize int64
	// Snapshots holds the restored state of each output tree, by tree name.
	Snapshots map[string]*snapshot.Snapshot
}

// StoreResult describes the entry written by Store.
type StoreResult struct {
	Key         cachekey.Key
	Entries     int64
	ArchiveSize int64
	// Pushed reports whether the entry was uploaded to the remote service.
	Pushed bool
}

// Load restores the outputs of entity from the entry for key.
// The output trees are removed before unpacking.
//
// Returns ErrCacheMiss if there is no entry or the entry is corrupted; a
// corrupted entry is removed. Returns a ValidationError if the key has
// validation errors. Other errors are I/O failures.
func (c *Cache) Load(ctx context.Context, key Key, entity packaging.CacheableEntity) (*LoadResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	k, err := key.digest(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.unpackFrom(ctx, k, entity)
	if err != nil || res != nil {
		return res, err
	}
	if c.remoteHandle == nil {
		return nil, ErrCacheMiss
	}

	found, err := c.download(ctx, k)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrCacheMiss
	}
	res, err = c.unpackFrom(ctx, k, entity)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrCacheMiss
	}
	res.Source = "remote"
	return res, nil
}

// unpackFrom restores entity from the local entry for k.
// It returns nil, nil on a miss.
func (c *Cache) unpackFrom(ctx context.Context, k cachekey.Key, entity packaging.CacheableEntity) (*LoadResult, error) {
	var unpacked packaging.UnpackResult
	lr, err := c.localHandle.Load(ctx, k, func(r io.Reader) error {
		if err := c.removeOutputs(entity); err != nil {
			return err
		}
		var err error
		unpacked, err = c.packer.Unpack(ctx, entity, r, c.origins.CreateReader(k.String()))
		return err
	})
	if errors.Is(err, packaging.ErrCorruptedEntry) {
		log.Warnf(ctx, "Discarding corrupted cache entry %v for %s: %v", k, entity.DisplayName(), err)
		if err := c.local.Remove(ctx, k); err != nil {
			log.Warnf(ctx, "Remove %v: %v", k, err)
		}
		if err := c.removeOutputs(entity); err != nil {
			log.Warnf(ctx, "Clean outputs of %s: %v", entity.DisplayName(), err)
		}
		return nil, nil
	}
	if err != nil {
		if rmErr := c.removeOutputs(entity); rmErr != nil {
			log.Warnf(ctx, "Clean outputs of %s: %v", entity.DisplayName(), rmErr)
		}
		return nil, err
	}
	if !lr.Hit {
		return nil, nil
	}
	return &LoadResult{
		Key:         k,
		Source:      "local",
		Origin:      unpacked.Origin,
		Entries:     unpacked.Entries,
		ArchiveSize: lr.ArchiveSize,
		Snapshots:   unpacked.Snapshots,
	}, nil
}

// download copies the remote entry for k into the local service.
func (c *Cache) download(ctx context.Context, k cachekey.Key) (bool, error) {
	tmp, err := c.tempFile("download-*")
	if err != nil {
		return false, err
	}
	defer c.removeTemp(ctx, tmp)

	lr, err := c.remoteHandle.Load(ctx, k, func(r io.Reader) error {
		_, err := io.Copy(tmp, r)
		return errors.WithStack(err)
	})
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = errors.WithStack(closeErr)
	}
	if err != nil || !lr.Hit {
		return false, err
	}

	entry, err := service.NewFileEntry(c.fs, tmp.Name())
	if err != nil {
		return false, err
	}
	if _, err := c.localHandle.Store(ctx, k, entry); err != nil {
		return false, err
	}
	return true, nil
}

// Store packs the current state of the outputs of entity and stores it under
// key. executionTime is the time it took to produce the outputs.
func (c *Cache) Store(ctx context.Context, key Key, entity packaging.CacheableEntity, executionTime time.Duration) (*StoreResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	k, err := key.digest(ctx)
	if err != nil {
		return nil, err
	}

	snapshots := make(map[string]*snapshot.Snapshot)
	for _, tree := range entity.OutputTrees() {
		if tree.Root == "" {
			continue
		}
		snap, err := c.snapshotter.Snapshot(ctx, tree.Root)
		if err != nil {
			return nil, err
		}
		snapshots[tree.Name] = snap
	}

	tmp, err := c.tempFile("pack-*")
	if err != nil {
		return nil, err
	}
	defer c.removeTemp(ctx, tmp)

	writeOrigin := c.origins.CreateWriter(entity.DisplayName(), "entity", executionTime)
	packed, err := c.packer.Pack(ctx, entity, snapshots, tmp, writeOrigin)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = errors.WithStack(closeErr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", entity.DisplayName())
	}

	entry, err := service.NewFileEntry(c.fs, tmp.Name())
	if err != nil {
		return nil, err
	}
	if _, err := c.localHandle.Store(ctx, k, entry); err != nil {
		return nil, err
	}
	result := &StoreResult{Key: k, Entries: packed.Entries, ArchiveSize: packed.Size}
	if c.remoteHandle != nil {
		sr, err := c.remoteHandle.Store(ctx, k, entry)
		if err != nil {
			return result, errors.Wrapf(err, "push %v", k)
		}
		result.Pushed = sr.Stored
	}
	return result, nil
}

// Has reports whether a local entry exists for key.
// It does not count as a use of the entry for PruneUnused.
func (c *Cache) Has(ctx context.Context, key Key) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	k, err := key.digest(ctx)
	if err != nil {
		return false, err
	}
	return c.local.Contains(ctx, k)
}

// Delete removes the local entry for key.
func (c *Cache) Delete(ctx context.Context, key Key) error {
	k, err := key.digest(ctx)
	if err != nil {
		return err
	}
	return c.local.Remove(ctx, k)
}

// Stats returns statistics about the local entries.
func (c *Cache) Stats(ctx context.Context) (service.Stats, error) {
	return c.local.Stats(ctx)
}

// Entries returns all local entries.
func (c *Cache) Entries(ctx context.Context) ([]service.Entry, error) {
	return c.local.Entries(ctx)
}

// Prune removes local entries older than the given duration.
// Returns the number of entries removed.
func (c *Cache) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	return c.local.Prune(ctx, olderThan)
}

// PruneUnused removes local entries not accessed since the given duration.
// Returns the number of entries removed.
func (c *Cache) PruneUnused(ctx context.Context, notAccessedSince time.Duration) (int, error) {
	return c.local.PruneUnused(ctx, notAccessedSince)
}

// Clear removes all local entries.
func (c *Cache) Clear(ctx context.Context) error {
	return c.local.Clear(ctx)
}

// Close flushes the entry index and releases the cache.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.localHandle.Close()
	if c.remoteHandle != nil {
		if remoteErr := c.remoteHandle.Close(); err == nil {
			err = remoteErr
		}
	}
	c.removeIndexDir()
	return err
}

func (c *Cache) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("cache is closed")
	}
	return nil
}

// removeOutputs deletes the output trees of entity.
func (c *Cache) removeOutputs(entity packaging.CacheableEntity) error {
	for _, tree := range entity.OutputTrees() {
		if tree.Root == "" {
			continue
		}
		if err := c.support.RemoveIfPresent(tree.Root); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) tempDir() string {
	return filepath.Join(c.root, "tmp")
}

func (c *Cache) tempFile(pattern string) (afero.File, error) {
	if err := c.fs.MkdirAll(c.tempDir(), 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	f, err := afero.TempFile(c.fs, c.tempDir(), pattern)
	return f, errors.WithStack(err)
}

func (c *Cache) removeTemp(ctx context.Context, f afero.File) {
	f.Close()
	if err := c.fs.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
		log.Warnf(ctx, "Remove %s: %v", f.Name(), err)
	}
}

func (c *Cache) removeIndexDir() {
	if c.ownsIndexDir {
		os.RemoveAll(c.indexDir)
	}
}
