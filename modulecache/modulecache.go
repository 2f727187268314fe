// Package modulecache caches resolved module descriptors per repository.
//
// Entries are keyed by repository and component coordinates and record either
// the resolved metadata or the fact that the module is missing from the
// repository. Every entry is timestamped with the time the build commenced,
// which is what expiry decisions are based on.
package modulecache

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ModuleComponentAtRepositoryKey identifies a module version within a repository.
type ModuleComponentAtRepositoryKey struct {
	RepositoryID string `json:"repositoryId"`
	Group        string `json:"group"`
	Module       string `json:"module"`
	Version      string `json:"version"`
}

// Component returns the group:module:version coordinates.
func (k ModuleComponentAtRepositoryKey) Component() string {
	return k.Group + ":" + k.Module + ":" + k.Version
}

func (k ModuleComponentAtRepositoryKey) String() string {
	return k.RepositoryID + ":" + k.Component()
}

// keySerializer stores keys as their NUL-separated fields.
type keySerializer struct{}

func (keySerializer) Marshal(k ModuleComponentAtRepositoryKey) ([]byte, error) {
	fields := []string{k.RepositoryID, k.Group, k.Module, k.Version}
	for _, f := range fields {
		if strings.IndexByte(f, 0) >= 0 {
			return nil, errors.Errorf("invalid module key %v", k)
		}
	}
	return []byte(strings.Join(fields, "\x00")), nil
}

func (keySerializer) Unmarshal(data []byte) (ModuleComponentAtRepositoryKey, error) {
	fields := strings.Split(string(data), "\x00")
	if len(fields) != 4 {
		return ModuleComponentAtRepositoryKey{}, errors.Errorf("invalid module key %q", data)
	}
	return ModuleComponentAtRepositoryKey{
		RepositoryID: fields[0],
		Group:        fields[1],
		Module:       fields[2],
		Version:      fields[3],
	}, nil
}

// ModuleMetadata is a resolved module descriptor.
type ModuleMetadata struct {
	// Format is the descriptor format, e.g. "maven" or "ivy".
	Format       string            `json:"format"`
	Status       string            `json:"status,omitempty"`
	Changing     bool              `json:"changing,omitzero"`
	Packaging    string            `json:"packaging,omitempty"`
	Dependencies []Dependency      `json:"dependencies,omitempty"`
	Variants     []Variant         `json:"variants,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	// SourcesChecksum is the checksum of the descriptor file the metadata was parsed from.
	SourcesChecksum string `json:"sourcesChecksum,omitempty"`
}

// Dependency is a dependency declared by a module.
type Dependency struct {
	Group   string `json:"group"`
	Module  string `json:"module"`
	Version string `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

// Variant is a published variant of a module.
type Variant struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Files      []VariantFile     `json:"files,omitempty"`
}

// VariantFile is a file of a variant.
type VariantFile struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// CachedMetadata is a cache entry.
type CachedMetadata struct {
	// Metadata is nil for missing modules.
	Metadata *ModuleMetadata `json:"metadata,omitzero"`
	Missing  bool            `json:"missing,omitzero"`
	CachedAt time.Time       `json:"cachedAt"`
}

// IsMissing reports whether the entry records a missing module.
func (c *CachedMetadata) IsMissing() bool {
	return c.Missing
}

// Age returns how long ago the entry was cached.
func (c *CachedMetadata) Age(now time.Time) time.Duration {
	return now.Sub(c.CachedAt)
}

// ModuleMetadataCache is the cache of module descriptors.
type ModuleMetadataCache interface {
	// CachedModuleDescriptor returns the entry for key.
	// found is false if nothing is cached.
	CachedModuleDescriptor(ctx context.Context, key ModuleComponentAtRepositoryKey) (entry *CachedMetadata, found bool, err error)
	// CacheMissing records that the module is missing from the repository.
	CacheMissing(ctx context.Context, key ModuleComponentAtRepositoryKey) (*CachedMetadata, error)
	// CacheMetaData records resolved metadata.
	CacheMetaData(ctx context.Context, key ModuleComponentAtRepositoryKey, md *ModuleMetadata) (*CachedMetadata, error)
}

// NowFunc returns the time the current build commenced.
type NowFunc func() time.Time

// entries is the storage behind a cache.
type entries interface {
	get(ctx context.Context, key ModuleComponentAtRepositoryKey) (*CachedMetadata, bool, error)
	store(ctx context.Context, key ModuleComponentAtRepositoryKey, entry *CachedMetadata) error
}

// base implements [ModuleMetadataCache] on top of entries.
type base struct {
	now     NowFunc
	entries entries
}

func newBase(now NowFunc, e entries) base {
	if now == nil {
		now = time.Now
	}
	return base{now: now, entries: e}
}

func (b *base) CachedModuleDescriptor(ctx context.Context, key ModuleComponentAtRepositoryKey) (*CachedMetadata, bool, error) {
	return b.entries.get(ctx, key)
}

func (b *base) CacheMissing(ctx context.Context, key ModuleComponentAtRepositoryKey) (*CachedMetadata, error) {
	entry := &CachedMetadata{Missing: true, CachedAt: b.now()}
	if err := b.entries.store(ctx, key, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (b *base) CacheMetaData(ctx context.Context, key ModuleComponentAtRepositoryKey, md *ModuleMetadata) (*CachedMetadata, error) {
	if md == nil {
		return nil, errors.Errorf("cache metadata for %v: nil metadata", key)
	}
	entry := &CachedMetadata{Metadata: md, CachedAt: b.now()}
	if err := b.entries.store(ctx, key, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Store writes entry as it is.
func (b *base) Store(ctx context.Context, key ModuleComponentAtRepositoryKey, entry *CachedMetadata) error {
	return b.entries.store(ctx, key, entry)
}
