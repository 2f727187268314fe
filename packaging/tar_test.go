package packaging

import (
	"archive/tar"
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gophersatwork/buildcache/fingerprint"
	"github.com/gophersatwork/buildcache/hashing"
	"github.com/gophersatwork/buildcache/internal/testcontext"
	"github.com/gophersatwork/buildcache/origin"
	"github.com/gophersatwork/buildcache/snapshot"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var testOrigin = &origin.Factory{
	BuildInvocationID: "invocation-1",
	ToolVersion:       "test",
	Now:               func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	OperatingSystem:   "linux",
}

func createTestFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory for %s: %v", path, err)
	}
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to create test file %s: %v", path, err)
	}
}

func assertFileContent(t *testing.T, fs afero.Fs, path, want string) {
	t.Helper()
	got, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Errorf("Failed to read %s: %v", path, err)
		return
	}
	if string(got) != want {
		t.Errorf("%s content = %q; want %q", path, got, want)
	}
}

// setupOutputs creates a typical set of outputs under base.
func setupOutputs(t *testing.T, fs afero.Fs, base string) {
	t.Helper()
	createTestFile(t, fs, base+"/out/a.txt", "hello")
	createTestFile(t, fs, base+"/out/sub/b.bin", "binary")
	if err := fs.Chmod(base+"/out/sub/b.bin", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.MkdirAll(base+"/out/empty", 0o755); err != nil {
		t.Fatal(err)
	}
	createTestFile(t, fs, base+"/report.txt", "report")
}

func testEntity(base string) *Entity {
	return &Entity{
		Name: ":compile",
		Trees: []OutputTree{
			{Name: "report", Type: FileTree, Root: base + "/report.txt"},
			{Name: "classes", Type: DirectoryTree, Root: base + "/out"},
			{Name: "gone", Type: FileTree, Root: base + "/gone.txt"},
			{Name: "optional", Type: DirectoryTree},
		},
	}
}

func snapshotEntity(ctx context.Context, t *testing.T, fs afero.Fs, entity CacheableEntity) map[string]*snapshot.Snapshot {
	t.Helper()
	s := snapshot.NewSnapshotter(fs, nil)
	snaps := make(map[string]*snapshot.Snapshot)
	for _, tree := range entity.OutputTrees() {
		if tree.Root == "" {
			continue
		}
		snap, err := s.Snapshot(ctx, tree.Root)
		if err != nil {
			t.Fatal(err)
		}
		snaps[tree.Name] = snap
	}
	return snaps
}

func pack(ctx context.Context, t *testing.T, p Packer, fs afero.Fs, entity CacheableEntity) ([]byte, PackResult) {
	t.Helper()
	var buf bytes.Buffer
	result, err := p.Pack(ctx, entity, snapshotEntity(ctx, t, fs, entity), &buf, testOrigin.CreateWriter(entity.DisplayName(), "task", time.Second))
	if err != nil {
		t.Fatal("Pack:", err)
	}
	return buf.Bytes(), result
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		decorator Decorator
	}{
		{"tar", nil},
		{"gzip", Gzip(6)},
		{"zstd", Zstd(zstd.SpeedDefault)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ctx, cancel := testcontext.New(t)
			defer cancel()

			fs := afero.NewMemMapFs()
			setupOutputs(t, fs, "/src")
			var p Packer = NewTarPacker(fs, nil)
			if test.decorator != nil {
				p = Chain(p, test.decorator)
			}
			archive, packResult := pack(ctx, t, p, fs, testEntity("/src"))
			if packResult.Size != int64(len(archive)) {
				t.Errorf("PackResult.Size = %d; want %d", packResult.Size, len(archive))
			}
			// classes: root, a.txt, empty/, sub/, sub/b.bin; gone; optional; report; METADATA
			if packResult.Entries != 9 {
				t.Errorf("PackResult.Entries = %d; want 9", packResult.Entries)
			}

			createTestFile(t, fs, "/dst/gone.txt", "stale")
			dst := testEntity("/dst")
			result, err := p.Unpack(ctx, dst, bytes.NewReader(archive), testOrigin.CreateReader("test"))
			if err != nil {
				t.Fatal("Unpack:", err)
			}
			if result.Entries != packResult.Entries {
				t.Errorf("UnpackResult.Entries = %d; want %d", result.Entries, packResult.Entries)
			}
			if result.Origin == nil || result.Origin.BuildInvocationID != "invocation-1" || result.Origin.Identity != ":compile" {
				t.Errorf("UnpackResult.Origin = %+v", result.Origin)
			}

			assertFileContent(t, fs, "/dst/out/a.txt", "hello")
			assertFileContent(t, fs, "/dst/out/sub/b.bin", "binary")
			assertFileContent(t, fs, "/dst/report.txt", "report")
			if ok, _ := afero.DirExists(fs, "/dst/out/empty"); !ok {
				t.Error("empty directory was not restored")
			}
			if ok, _ := afero.Exists(fs, "/dst/gone.txt"); ok {
				t.Error("missing output was not deleted")
			}
			if info, err := fs.Stat("/dst/out/sub/b.bin"); err != nil {
				t.Error(err)
			} else if info.Mode().Perm() != 0o755 {
				t.Errorf("b.bin mode = %v; want 0755", info.Mode().Perm())
			}

			// The restored snapshots match both the original outputs and the disk.
			src := snapshotEntity(ctx, t, fs, testEntity("/src"))
			onDisk := snapshotEntity(ctx, t, fs, dst)
			for _, name := range []string{"classes", "report", "gone"} {
				want := fingerprint.Collect(fingerprint.RelativePath, src[name]).Hash(hashing.DefaultHashFunc)
				got := fingerprint.Collect(fingerprint.RelativePath, result.Snapshots[name]).Hash(hashing.DefaultHashFunc)
				disk := fingerprint.Collect(fingerprint.RelativePath, onDisk[name]).Hash(hashing.DefaultHashFunc)
				if got != want || disk != want {
					t.Errorf("tree %s: restored fingerprint %s, on disk %s; want %s", name, got, disk, want)
				}
			}
			if s := result.Snapshots["optional"]; s == nil || s.Type != snapshot.Missing {
				t.Errorf("optional tree snapshot = %+v; want missing", s)
			}
		})
	}
}

func TestPackIsDeterministic(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	fs := afero.NewMemMapFs()
	setupOutputs(t, fs, "/one")
	setupOutputs(t, fs, "/two")
	later := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := fs.Chtimes("/two/out/a.txt", later, later); err != nil {
		t.Fatal(err)
	}

	p := NewGzipPacker(NewTarPacker(fs, nil))
	first, _ := pack(ctx, t, p, fs, testEntity("/one"))
	again, _ := pack(ctx, t, p, fs, testEntity("/one"))
	elsewhere, _ := pack(ctx, t, p, fs, testEntity("/two"))

	if !bytes.Equal(first, again) {
		t.Error("packing the same outputs twice produced different archives")
	}
	if !bytes.Equal(first, elsewhere) {
		t.Error("packing equal outputs from another location produced a different archive")
	}

	createTestFile(t, fs, "/two/out/a.txt", "changed")
	changed, _ := pack(ctx, t, p, fs, testEntity("/two"))
	if bytes.Equal(first, changed) {
		t.Error("changing content did not change the archive")
	}
}

func TestUnpackRefusesToOverwrite(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	fs := afero.NewMemMapFs()
	setupOutputs(t, fs, "/src")
	p := NewGzipPacker(NewTarPacker(fs, nil))
	archive, _ := pack(ctx, t, p, fs, testEntity("/src"))

	createTestFile(t, fs, "/dst/out/a.txt", "stale")
	_, err := p.Unpack(ctx, testEntity("/dst"), bytes.NewReader(archive), testOrigin.CreateReader("test"))
	var notMissing *DestinationNotMissingError
	if !errors.As(err, &notMissing) {
		t.Fatalf("Unpack error = %v; want *DestinationNotMissingError", err)
	}
	if notMissing.Path != "/dst/out/a.txt" {
		t.Errorf("Path = %q; want /dst/out/a.txt", notMissing.Path)
	}
	if !errors.Is(err, ErrCorruptedEntry) {
		t.Error("error does not match ErrCorruptedEntry")
	}
	assertFileContent(t, fs, "/dst/out/a.txt", "stale")
}

func TestUnpackMismatchedEntity(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	fs := afero.NewMemMapFs()
	setupOutputs(t, fs, "/src")
	p := NewTarPacker(fs, nil)
	archive, _ := pack(ctx, t, p, fs, testEntity("/src"))

	tests := []struct {
		name   string
		entity *Entity
	}{
		{
			name: "undeclared tree",
			entity: &Entity{Name: "other", Trees: []OutputTree{
				{Name: "report", Type: FileTree, Root: "/x/report.txt"},
			}},
		},
		{
			name: "declared tree absent",
			entity: &Entity{Name: "more", Trees: append(testEntity("/y").Trees,
				OutputTree{Name: "extra", Type: FileTree, Root: "/y/extra"})},
		},
		{
			name: "type mismatch",
			entity: &Entity{Name: "swapped", Trees: []OutputTree{
				{Name: "report", Type: DirectoryTree, Root: "/z/report.txt"},
				{Name: "classes", Type: DirectoryTree, Root: "/z/out"},
				{Name: "gone", Type: FileTree, Root: "/z/gone.txt"},
				{Name: "optional", Type: DirectoryTree},
			}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := p.Unpack(ctx, test.entity, bytes.NewReader(archive), testOrigin.CreateReader("test"))
			if !errors.Is(err, ErrCorruptedEntry) {
				t.Errorf("Unpack error = %v; want ErrCorruptedEntry", err)
			}
		})
	}
}

type rawEntry struct {
	name     string
	typeflag byte
	content  string
}

func rawArchive(t *testing.T, entries ...rawEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: e.typeflag, Mode: 0o644, Size: int64(len(e.content))}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0o755
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(e.content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUnpackMalformedArchives(t *testing.T) {
	var metadata bytes.Buffer
	if err := testOrigin.CreateWriter("e", "task", 0)(&metadata); err != nil {
		t.Fatal(err)
	}
	meta := rawEntry{name: "METADATA", typeflag: tar.TypeReg, content: metadata.String()}
	file := rawEntry{name: "tree-f", typeflag: tar.TypeReg, content: "x"}

	tests := []struct {
		name    string
		entries []rawEntry
	}{
		{"no metadata", []rawEntry{file}},
		{"entry after metadata", []rawEntry{meta, file}},
		{"invalid name", []rawEntry{{name: "../../etc/passwd", typeflag: tar.TypeReg}, meta}},
		{"duplicate tree", []rawEntry{file, file, meta}},
		{"child before root", []rawEntry{{name: "tree-f/child", typeflag: tar.TypeReg}, meta}},
		{"malformed metadata", []rawEntry{file, {name: "METADATA", typeflag: tar.TypeReg, content: "{"}}},
		{"escaping path", []rawEntry{
			{name: "tree-d/", typeflag: tar.TypeDir},
			{name: "tree-d/a/../../x", typeflag: tar.TypeReg},
			meta,
		}},
	}
	entity := &Entity{Name: "e", Trees: []OutputTree{
		{Name: "f", Type: FileTree, Root: "/dst/f"},
		{Name: "d", Type: DirectoryTree, Root: "/dst/d"},
	}}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ctx, cancel := testcontext.New(t)
			defer cancel()

			p := NewTarPacker(afero.NewMemMapFs(), nil)
			_, err := p.Unpack(ctx, entity, bytes.NewReader(rawArchive(t, test.entries...)), testOrigin.CreateReader("test"))
			if !errors.Is(err, ErrCorruptedEntry) {
				t.Errorf("Unpack error = %v; want ErrCorruptedEntry", err)
			}
		})
	}
}

func TestUnpackTruncatedStreamIsNotCorruption(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	fs := afero.NewMemMapFs()
	setupOutputs(t, fs, "/src")
	p := NewGzipPacker(NewTarPacker(fs, nil))
	archive, _ := pack(ctx, t, p, fs, testEntity("/src"))

	truncated := archive[:len(archive)/2]
	_, err := p.Unpack(ctx, testEntity("/dst"), bytes.NewReader(truncated), testOrigin.CreateReader("test"))
	if err == nil {
		t.Fatal("Unpack of truncated archive succeeded")
	}
	if errors.Is(err, ErrCorruptedEntry) {
		t.Errorf("truncated stream reported as corruption: %v", err)
	}
}

func TestPackDetectsChangedFile(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	fs := afero.NewMemMapFs()
	createTestFile(t, fs, "/src/report.txt", "report")
	entity := &Entity{Name: "e", Trees: []OutputTree{{Name: "report", Type: FileTree, Root: "/src/report.txt"}}}
	snaps := snapshotEntity(ctx, t, fs, entity)
	createTestFile(t, fs, "/src/report.txt", "REPORT")

	var buf bytes.Buffer
	_, err := NewTarPacker(fs, nil).Pack(ctx, entity, snaps, &buf, testOrigin.CreateWriter("e", "task", 0))
	if err == nil {
		t.Error("Pack succeeded although the file changed after snapshotting")
	}
}

func TestPackMissingChild(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	fs := afero.NewMemMapFs()
	createTestFile(t, fs, "/src/out/a.txt", "hello")
	a, err := snapshot.NewSnapshotter(fs, nil).Snapshot(ctx, "/src/out/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	// A symlink is snapshotted as missing.
	out, err := snapshot.NewDirectory("/src/out", "out", 0o755, a, snapshot.NewMissing("/src/out/link", "link"))
	if err != nil {
		t.Fatal(err)
	}
	entity := &Entity{Name: "e", Trees: []OutputTree{{Name: "out", Type: DirectoryTree, Root: "/src/out"}}}

	var buf bytes.Buffer
	p := NewTarPacker(fs, nil)
	if _, err := p.Pack(ctx, entity, map[string]*snapshot.Snapshot{"out": out}, &buf, testOrigin.CreateWriter("e", "task", 0)); err != nil {
		t.Fatal(err)
	}

	var names []string
	tr := tar.NewReader(bytes.NewReader(buf.Bytes()))
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	want := []string{"tree-out/", "tree-out/a.txt", "missing-tree-out/link", "METADATA"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("archive records (-want +got):\n%s", diff)
	}

	dst := &Entity{Name: "e", Trees: []OutputTree{{Name: "out", Type: DirectoryTree, Root: "/dst/out"}}}
	result, err := p.Unpack(ctx, dst, bytes.NewReader(buf.Bytes()), testOrigin.CreateReader("test"))
	if err != nil {
		t.Fatal("Unpack:", err)
	}
	assertFileContent(t, fs, "/dst/out/a.txt", "hello")
	if ok, _ := afero.Exists(fs, "/dst/out/link"); ok {
		t.Error("missing child was materialized")
	}

	restored := result.Snapshots["out"]
	if restored == nil || len(restored.Children) != 2 {
		t.Fatalf("restored snapshot = %+v", restored)
	}
	if link := restored.Children[1]; link.Name != "link" || link.Type != snapshot.Missing {
		t.Errorf("restored child = %+v; want missing link", link)
	}
}
