package buildcache

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/gophersatwork/buildcache/cachekey"
	"github.com/gophersatwork/buildcache/internal/testcontext"
	"github.com/gophersatwork/buildcache/packaging"
	"github.com/gophersatwork/buildcache/service"
)

func newTestCache(t *testing.T, fs afero.Fs, opts ...Option) *Cache {
	t.Helper()
	opts = append([]Option{WithFs(fs), WithNowFunc(fixedNowFunc), WithBuildInvocationID("build-1")}, opts...)
	c, err := Open("/cache", opts...)
	if err != nil {
		t.Fatalf("Failed to open cache: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Error(err)
		}
	})
	return c
}

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func assertContent(t *testing.T, fs afero.Fs, path, want string) {
	t.Helper()
	got, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Errorf("Failed to read %s: %v", path, err)
		return
	}
	if string(got) != want {
		t.Errorf("%s = %q; want %q", path, got, want)
	}
}

func assertMissing(t *testing.T, fs afero.Fs, path string) {
	t.Helper()
	if ok, _ := afero.Exists(fs, path); ok {
		t.Errorf("%s exists", path)
	}
}

func compileEntity() *packaging.Entity {
	return &packaging.Entity{
		Name: ":app:compile",
		Trees: []packaging.OutputTree{
			{Name: "classes", Type: packaging.DirectoryTree, Root: "/work/build/classes"},
			{Name: "report", Type: packaging.FileTree, Root: "/work/build/report.txt"},
			{Name: "log", Type: packaging.FileTree, Root: "/work/build/compile.log"},
		},
	}
}

// setupWork creates sources and the outputs of compileEntity.
func setupWork(t *testing.T, fs afero.Fs) {
	t.Helper()
	writeFile(t, fs, "/work/src/main.go", "package main")
	writeFile(t, fs, "/work/src/util/util.go", "package util")
	writeFile(t, fs, "/work/build/classes/main.o", "main object")
	writeFile(t, fs, "/work/build/classes/util/util.o", "util object")
	writeFile(t, fs, "/work/build/report.txt", "2 files compiled")
}

func TestStoreAndLoad(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	fs := afero.NewMemMapFs()
	setupWork(t, fs)
	c := newTestCache(t, fs)
	key := c.Key().Dir("/work/src").Version("1").Build()
	entity := compileEntity()

	if _, err := c.Load(ctx, key, entity); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Load before Store: %v; want ErrCacheMiss", err)
	}
	assertContent(t, fs, "/work/build/report.txt", "2 files compiled")

	stored, err := c.Store(ctx, key, entity, 3*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Pushed {
		t.Error("Pushed without a remote")
	}
	// Two directories, two class files, the report, the missing log and
	// the metadata.
	if stored.Entries != 7 {
		t.Errorf("stored %d entries; want 7", stored.Entries)
	}

	// Outputs changed since the store must not survive a load.
	writeFile(t, fs, "/work/build/classes/stale.o", "stale")
	writeFile(t, fs, "/work/build/compile.log", "stale log")
	if err := fs.Remove("/work/build/report.txt"); err != nil {
		t.Fatal(err)
	}

	loaded, err := c.Load(ctx, key, entity)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Source != "local" || !loaded.Key.Equal(stored.Key) {
		t.Errorf("LoadResult = %+v", loaded)
	}
	if loaded.Entries != stored.Entries {
		t.Errorf("loaded %d entries; stored %d", loaded.Entries, stored.Entries)
	}
	assertContent(t, fs, "/work/build/classes/main.o", "main object")
	assertContent(t, fs, "/work/build/classes/util/util.o", "util object")
	assertContent(t, fs, "/work/build/report.txt", "2 files compiled")
	assertMissing(t, fs, "/work/build/classes/stale.o")
	assertMissing(t, fs, "/work/build/compile.log")

	if loaded.Origin == nil {
		t.Fatal("no origin metadata")
	}
	if loaded.Origin.Identity != ":app:compile" || loaded.Origin.BuildInvocationID != "build-1" ||
		loaded.Origin.ExecutionMillis != 3000 || loaded.Origin.ToolVersion != ToolVersion {
		t.Errorf("Origin = %+v", loaded.Origin)
	}
	if snap := loaded.Snapshots["report"]; snap == nil || snap.Length != int64(len("2 files compiled")) {
		t.Errorf("report snapshot = %+v", snap)
	}

	if has, err := c.Has(ctx, key); err != nil || !has {
		t.Errorf("Has = %t, %v", has, err)
	}
	if err := c.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Load(ctx, key, entity); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Load after Delete: %v; want ErrCacheMiss", err)
	}
}

func TestKeyTracksInputs(t *testing.T) {
	fs := afero.NewMemMapFs()
	setupWork(t, fs)
	writeFile(t, fs, "/work/proto/a/api.proto", "service A {}")
	c := newTestCache(t, fs)

	hash := func(kb *KeyBuilder) string {
		t.Helper()
		h := kb.Hash()
		if h == "" {
			t.Fatal("key has validation errors")
		}
		return h
	}

	dirKey := hash(c.Key().Dir("/work/src"))
	if again := hash(c.Key().Dir("/work/src")); again != dirKey {
		t.Error("directory key is not stable")
	}
	writeFile(t, fs, "/work/src/util/util.go", "package util // changed")
	if hash(c.Key().Dir("/work/src")) == dirKey {
		t.Error("content change did not change the directory key")
	}

	globKey := hash(c.Key().Glob("/work/proto/**/*.proto"))
	if err := fs.MkdirAll("/work/proto/b", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rename("/work/proto/a/api.proto", "/work/proto/b/api.proto"); err != nil {
		t.Fatal(err)
	}
	if hash(c.Key().Glob("/work/proto/**/*.proto")) != globKey {
		t.Error("moving a glob match changed the key")
	}

	withTmp := hash(c.Key().Dir("/work/src", "*.tmp"))
	writeFile(t, fs, "/work/src/scratch.tmp", "scratch")
	if hash(c.Key().Dir("/work/src", "*.tmp")) != withTmp {
		t.Error("excluded file changed the key")
	}

	a := hash(c.Key().String("target", "linux").Version("1"))
	b := hash(c.Key().Version("1").String("target", "linux"))
	if a != b {
		t.Error("extras are order dependent")
	}
	if hash(c.Key().Version("2").String("target", "linux")) == a {
		t.Error("version did not change the key")
	}
}

func TestGlobMatchesSingleLevel(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/p/src/a.txt", "a")
	c := newTestCache(t, fs)

	key := c.Key().Glob("/p/src/*.txt").Hash()
	if key == "" {
		t.Fatal("key has validation errors")
	}
	writeFile(t, fs, "/p/src/sub/b.txt", "nested")
	if got := c.Key().Glob("/p/src/*.txt").Hash(); got != key {
		t.Error("nested file changed a single-level glob key")
	}
	if c.Key().Glob("/p/src/**/*.txt").Hash() == key {
		t.Error("recursive glob ignored the nested file")
	}
	writeFile(t, fs, "/p/src/c.txt", "c")
	if c.Key().Glob("/p/src/*.txt").Hash() == key {
		t.Error("new match did not change the key")
	}
}

func TestKeyIncludesCompression(t *testing.T) {
	fs := afero.NewMemMapFs()
	setupWork(t, fs)
	gz := newTestCache(t, fs)
	zst := newTestCache(t, fs, WithCompression(CompressionZstd))

	if gz.Key().File("/work/src/main.go").Hash() == zst.Key().File("/work/src/main.go").Hash() {
		t.Error("gzip and zstd caches share keys")
	}
}

func TestKeyValidation(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	fs := afero.NewMemMapFs()
	setupWork(t, fs)

	tests := []struct {
		name       string
		opts       []Option
		wantErrors int
	}{
		{"FailFast", nil, 1},
		{"Accumulate", []Option{WithAccumulateErrors()}, 3},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := newTestCache(t, fs, test.opts...)
			key := c.Key().
				File("/work/missing.go").
				Dir("/work/nodir").
				Glob("/work/[").
				Build()

			if key.Hash() != "" {
				t.Error("invalid key has a hash")
			}
			_, err := c.Load(ctx, key, compileEntity())
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Load error = %v; want ValidationError", err)
			}
			if len(ve.Errors) != test.wantErrors {
				t.Errorf("got %d errors; want %d: %v", len(ve.Errors), test.wantErrors, ve)
			}
		})
	}
}

func TestCorruptedEntryIsEvicted(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	fs := afero.NewMemMapFs()
	setupWork(t, fs)
	c := newTestCache(t, fs)
	key := c.Key().Dir("/work/src").Build()
	k, err := key.digest(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// A well-formed stream without the metadata trailer.
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	if err := tw.WriteHeader(&tar.Header{Name: "tree-report", Typeflag: tar.TypeReg, Mode: 0o644, Size: 3}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte("bad")); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.local.Store(ctx, k, bytesEntry(buf.Bytes())); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Load(ctx, key, compileEntity()); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Load of corrupted entry: %v; want ErrCacheMiss", err)
	}
	assertMissing(t, fs, "/work/build/report.txt")
	assertMissing(t, fs, "/work/build/classes")
	if has, err := c.Has(ctx, key); err != nil || has {
		t.Errorf("corrupted entry kept: Has = %t, %v", has, err)
	}
}

type bytesEntry []byte

func (b bytesEntry) Size() int64 { return int64(len(b)) }

func (b bytesEntry) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b)
	return int64(n), err
}

// memService is an in-memory remote.
type memService struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemService() *memService {
	return &memService{objects: make(map[string][]byte)}
}

func (m *memService) Load(ctx context.Context, key cachekey.Key, reader service.EntryReader) (bool, error) {
	m.mu.Lock()
	data, ok := m.objects[key.String()]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, reader(bytes.NewReader(data))
}

func (m *memService) Store(ctx context.Context, key cachekey.Key, writer service.EntryWriter) error {
	var buf bytes.Buffer
	if _, err := writer.WriteTo(&buf); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key.String()] = buf.Bytes()
	return nil
}

func (m *memService) Close() error { return nil }

func (m *memService) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type countingListener struct {
	mu    sync.Mutex
	loads map[string][]service.Outcome
}

func (l *countingListener) LoadFinished(ctx context.Context, e service.LoadEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loads == nil {
		l.loads = make(map[string][]service.Outcome)
	}
	l.loads[e.Service] = append(l.loads[e.Service], e.Outcome())
}

func (l *countingListener) StoreFinished(ctx context.Context, e service.StoreEvent) {}

func TestRemote(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	remote := newMemService()

	producerFs := afero.NewMemMapFs()
	setupWork(t, producerFs)
	producer := newTestCache(t, producerFs, WithRemote(remote, true))
	stored, err := producer.Store(ctx, producer.Key().Dir("/work/src").Build(), compileEntity(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Pushed || remote.len() != 1 {
		t.Fatalf("Pushed = %t, remote holds %d entries", stored.Pushed, remote.len())
	}

	consumerFs := afero.NewMemMapFs()
	writeFile(t, consumerFs, "/work/src/main.go", "package main")
	writeFile(t, consumerFs, "/work/src/util/util.go", "package util")
	l := new(countingListener)
	consumer := newTestCache(t, consumerFs, WithRemote(remote, false), WithListener(l))
	key := consumer.Key().Dir("/work/src").Build()

	loaded, err := consumer.Load(ctx, key, compileEntity())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Source != "remote" || !loaded.Key.Equal(stored.Key) {
		t.Errorf("LoadResult = %+v", loaded)
	}
	assertContent(t, consumerFs, "/work/build/classes/util/util.o", "util object")

	// The second load is served by the local copy.
	loaded, err = consumer.Load(ctx, key, compileEntity())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Source != "local" {
		t.Errorf("second load from %s", loaded.Source)
	}
	if got := l.loads["remote"]; len(got) != 1 || got[0] != service.OutcomeHit {
		t.Errorf("remote loads = %v", got)
	}

	// Push is disabled for the consumer.
	writeFile(t, consumerFs, "/work/src/main.go", "package main // v2")
	stored, err = consumer.Store(ctx, consumer.Key().Dir("/work/src").Build(), compileEntity(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Pushed || remote.len() != 1 {
		t.Errorf("Pushed = %t, remote holds %d entries", stored.Pushed, remote.len())
	}
}

func TestStatsAndPrune(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	now := fixedNowFunc()
	fs := afero.NewMemMapFs()
	setupWork(t, fs)
	c := newTestCache(t, fs, WithNowFunc(func() time.Time { return now }))

	for _, v := range []string{"1", "2"} {
		if _, err := c.Store(ctx, c.Key().Version(v).Build(), compileEntity(), 0); err != nil {
			t.Fatal(err)
		}
	}
	now = now.Add(48 * time.Hour)
	if _, err := c.Store(ctx, c.Key().Version("3").Build(), compileEntity(), 0); err != nil {
		t.Fatal(err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 3 || stats.OldestEntry != 48*time.Hour || stats.TotalSize <= 0 {
		t.Errorf("Stats = %+v", stats)
	}

	n, err := c.Prune(ctx, 24*time.Hour)
	if err != nil || n != 2 {
		t.Fatalf("Prune = %d, %v; want 2", n, err)
	}
	entries, err := c.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("%d entries after Prune; want 1", len(entries))
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if stats, _ := c.Stats(ctx); stats.Entries != 0 {
		t.Errorf("Stats after Clear = %+v", stats)
	}
}

func TestHasDoesNotCountAsUse(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	now := fixedNowFunc()
	fs := afero.NewMemMapFs()
	setupWork(t, fs)
	c := newTestCache(t, fs, WithNowFunc(func() time.Time { return now }))
	key := c.Key().Version("1").Build()
	if _, err := c.Store(ctx, key, compileEntity(), 0); err != nil {
		t.Fatal(err)
	}

	now = now.Add(48 * time.Hour)
	if has, err := c.Has(ctx, key); err != nil || !has {
		t.Fatalf("Has = %t, %v", has, err)
	}
	n, err := c.PruneUnused(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Errorf("PruneUnused after Has = %d, %v; want 1", n, err)
	}
}

func TestClosedCache(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	c, err := Open("/cache", WithFs(afero.NewMemMapFs()))
	if err != nil {
		t.Fatal(err)
	}
	key := c.Key().Version("1").Build()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := c.Load(ctx, key, compileEntity()); err == nil {
		t.Error("Load on closed cache succeeded")
	}
	if _, err := c.Store(ctx, key, compileEntity(), 0); err == nil {
		t.Error("Store on closed cache succeeded")
	}
	if _, err := c.Has(ctx, key); err == nil {
		t.Error("Has on closed cache succeeded")
	}
}
