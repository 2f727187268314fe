package modulecache

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/gophersatwork/buildcache/internal/testcontext"
	"github.com/gophersatwork/buildcache/store"
)

var buildStarted = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return buildStarted }

var guavaKey = ModuleComponentAtRepositoryKey{
	RepositoryID: "central",
	Group:        "com.google.guava",
	Module:       "guava",
	Version:      "33.0.0-jre",
}

func testMetadata() *ModuleMetadata {
	return &ModuleMetadata{
		Format:    "maven",
		Status:    "release",
		Packaging: "bundle",
		Dependencies: []Dependency{
			{Group: "com.google.guava", Module: "failureaccess", Version: "1.0.2"},
		},
		Variants: []Variant{{
			Name:       "jreApiElements",
			Attributes: map[string]string{"org.gradle.usage": "java-api"},
			Files:      []VariantFile{{Name: "guava-33.0.0-jre.jar", URI: "guava-33.0.0-jre.jar"}},
		}},
		SourcesChecksum: "0123abcd",
	}
}

func openPersistent(ctx context.Context, t *testing.T, dir string) (*Persistent, store.PersistentStore) {
	t.Helper()
	st, err := store.OpenBolt(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
			t.Error(err)
		}
	})
	p, err := NewPersistent(ctx, st, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	return p, st
}

func TestPersistentRoundTrip(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	dir := t.TempDir()
	p, _ := openPersistent(ctx, t, dir)

	if _, found, err := p.CachedModuleDescriptor(ctx, guavaKey); err != nil || found {
		t.Fatalf("CachedModuleDescriptor on empty cache = found %t, %v", found, err)
	}

	stored, err := p.CacheMetaData(ctx, guavaKey, testMetadata())
	if err != nil {
		t.Fatal(err)
	}
	if !stored.CachedAt.Equal(buildStarted) {
		t.Errorf("CachedAt = %v; want %v", stored.CachedAt, buildStarted)
	}

	missingKey := guavaKey
	missingKey.Version = "0.0.1"
	if _, err := p.CacheMissing(ctx, missingKey); err != nil {
		t.Fatal(err)
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	// A fresh cache over the same directory sees the flushed entries.
	reopened, _ := openPersistent(ctx, t, dir)
	got, found, err := reopened.CachedModuleDescriptor(ctx, guavaKey)
	if err != nil || !found {
		t.Fatalf("CachedModuleDescriptor after reopen = found %t, %v", found, err)
	}
	want := &CachedMetadata{Metadata: testMetadata(), CachedAt: buildStarted}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entry (-want +got):\n%s", diff)
	}
	if got.IsMissing() {
		t.Error("resolved entry reported as missing")
	}
	if age := got.Age(buildStarted.Add(time.Hour)); age != time.Hour {
		t.Errorf("Age = %v; want 1h", age)
	}

	missing, found, err := reopened.CachedModuleDescriptor(ctx, missingKey)
	if err != nil || !found {
		t.Fatalf("CachedModuleDescriptor(missing) = found %t, %v", found, err)
	}
	if !missing.IsMissing() || missing.Metadata != nil {
		t.Errorf("missing entry = %+v", missing)
	}
}

func TestPersistentRejectsMalformedEntry(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	p, st := openPersistent(ctx, t, t.TempDir())
	bucket, err := st.OpenBucket(ctx, BucketName)
	if err != nil {
		t.Fatal(err)
	}
	kb, err := keySerializer{}.Marshal(guavaKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := bucket.Put(ctx, kb, []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	_, _, err = p.CachedModuleDescriptor(ctx, guavaKey)
	var parseErr *DescriptorParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error = %v; want *DescriptorParseError", err)
	}
	if parseErr.Component != "com.google.guava:guava:33.0.0-jre" || parseErr.Repository != "central" {
		t.Errorf("parse error = %+v", parseErr)
	}
}

func TestReadOnlyRefusesWrites(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	p, _ := openPersistent(ctx, t, t.TempDir())
	if _, err := p.CacheMetaData(ctx, guavaKey, testMetadata()); err != nil {
		t.Fatal(err)
	}
	ro := NewReadOnly(p)

	got, found, err := ro.CachedModuleDescriptor(ctx, guavaKey)
	if err != nil || !found || got.Metadata.SourcesChecksum != "0123abcd" {
		t.Errorf("read through read-only view = %+v, %t, %v", got, found, err)
	}

	other := guavaKey
	other.Module = "guava-testlib"
	tests := []struct {
		name string
		call func() error
	}{
		{"CacheMissing", func() error { _, err := ro.CacheMissing(ctx, other); return err }},
		{"CacheMetaData", func() error { _, err := ro.CacheMetaData(ctx, other, testMetadata()); return err }},
		{"Store", func() error { return ro.Store(ctx, other, &CachedMetadata{Missing: true}) }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.call()
			if !errors.Is(err, ErrUnsupportedOperation) {
				t.Fatalf("error = %v; want ErrUnsupportedOperation", err)
			}
			var opErr *UnsupportedOperationError
			if !errors.As(err, &opErr) {
				t.Fatalf("error = %v; want *UnsupportedOperationError", err)
			}
		})
	}

	if _, found, err := p.CachedModuleDescriptor(ctx, other); err != nil || found {
		t.Errorf("refused write reached the underlying cache: found %t, %v", found, err)
	}
}

func TestTwoStage(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	shared, _ := openPersistent(ctx, t, t.TempDir())
	if _, err := shared.CacheMetaData(ctx, guavaKey, testMetadata()); err != nil {
		t.Fatal(err)
	}
	writable, _ := openPersistent(ctx, t, t.TempDir())
	c := NewTwoStage(NewReadOnly(shared), writable)

	if _, found, err := c.CachedModuleDescriptor(ctx, guavaKey); err != nil || !found {
		t.Errorf("entry from read-only stage: found %t, %v", found, err)
	}

	other := guavaKey
	other.Version = "32.1.3-jre"
	if _, err := c.CacheMissing(ctx, other); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := writable.CachedModuleDescriptor(ctx, other); !found {
		t.Error("write did not reach the writable stage")
	}
	if _, found, _ := shared.CachedModuleDescriptor(ctx, other); found {
		t.Error("write reached the read-only stage")
	}
	if entry, found, err := c.CachedModuleDescriptor(ctx, other); err != nil || !found || !entry.IsMissing() {
		t.Errorf("entry from writable stage = %+v, %t, %v", entry, found, err)
	}
}

func TestKeySerializer(t *testing.T) {
	data, err := keySerializer{}.Marshal(guavaKey)
	if err != nil {
		t.Fatal(err)
	}
	got, err := keySerializer{}.Unmarshal(data)
	if err != nil || got != guavaKey {
		t.Errorf("Unmarshal(Marshal(key)) = %v, %v", got, err)
	}

	bad := guavaKey
	bad.Group = "com\x00evil"
	if _, err := (keySerializer{}).Marshal(bad); err == nil {
		t.Error("Marshal accepted a key containing NUL")
	}
}
