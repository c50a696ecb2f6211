package datacache

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"judgeflow/internal/judge/lock"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

type fakeFetcher struct {
	mu       sync.Mutex
	files    map[string][]byte
	fail     map[string]bool
	block    map[string]bool
	opened   []string
	resolved int
}

func newFakeFetcher(files map[string]string) *fakeFetcher {
	f := &fakeFetcher{files: map[string][]byte{}, fail: map[string]bool{}, block: map[string]bool{}}
	for k, v := range files {
		f.files[k] = []byte(v)
	}
	return f
}

func (f *fakeFetcher) Resolve(_ context.Context, _ string, _ []string) (Source, error) {
	f.mu.Lock()
	f.resolved++
	f.mu.Unlock()
	return f, nil
}

func (f *fakeFetcher) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.opened = append(f.opened, name)
	fail, block := f.fail[name], f.block[name]
	data, ok := f.files[name]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail || !ok {
		return nil, errors.New("boom")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeFetcher) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func manifest(names ...string) []model.FileInfo {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.FileInfo, 0, len(names))
	for _, n := range names {
		out = append(out, model.FileInfo{Name: n, ETag: "etag-" + n, LastModified: ts})
	}
	return out
}

func newSync(t *testing.T, f Fetcher) *Synchronizer {
	t.Helper()
	s, err := NewSynchronizer(Config{Root: t.TempDir(), FileTimeout: 200 * time.Millisecond}, f)
	if err != nil {
		t.Fatalf("new synchronizer: %v", err)
	}
	return s
}

func TestEnsureLocalCopyIdempotent(t *testing.T) {
	t.Parallel()
	f := newFakeFetcher(map[string]string{"1.in": "1 2", "1.out": "3", "sub/2.in": "x"})
	s := newSync(t, f)
	ctx := context.Background()
	files := manifest("1.in", "1.out", "sub/2.in")

	var progress []string
	dir, err := s.EnsureLocalCopy(ctx, "system/1000", files, func(msg string) { progress = append(progress, msg) })
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if f.openCount() != 3 {
		t.Fatalf("expected 3 downloads, got %d", f.openCount())
	}
	if len(progress) != 1 || progress[0] != SyncingMessage {
		t.Fatalf("unexpected progress messages %v", progress)
	}
	data, err := os.ReadFile(filepath.Join(dir, "sub", "2.in"))
	if err != nil || string(data) != "x" {
		t.Fatalf("nested file not written: %q %v", data, err)
	}

	progress = nil
	if _, err := s.EnsureLocalCopy(ctx, "system/1000", files, func(msg string) { progress = append(progress, msg) }); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if f.openCount() != 3 {
		t.Fatalf("second sync must not download, got %d opens", f.openCount())
	}
	if len(progress) != 0 {
		t.Fatalf("no progress expected without downloads, got %v", progress)
	}
	if _, err := os.Stat(filepath.Join(dir, usageFileName)); err != nil {
		t.Fatalf("lastUsage missing: %v", err)
	}
}

func TestEnsureLocalCopyChangedStamp(t *testing.T) {
	t.Parallel()
	f := newFakeFetcher(map[string]string{"a.in": "old"})
	s := newSync(t, f)
	ctx := context.Background()
	files := manifest("a.in")
	dir, err := s.EnsureLocalCopy(ctx, "d/1", files, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	f.files["a.in"] = []byte("new")
	files[0].ETag = "etag-2"
	if _, err := s.EnsureLocalCopy(ctx, "d/1", files, nil); err != nil {
		t.Fatalf("resync: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "a.in"))
	if string(data) != "new" {
		t.Fatalf("expected refreshed content, got %q", data)
	}
}

func TestEnsureLocalCopyEvictsRemovedFiles(t *testing.T) {
	t.Parallel()
	f := newFakeFetcher(map[string]string{"a": "1", "b": "2"})
	s := newSync(t, f)
	ctx := context.Background()
	dir, err := s.EnsureLocalCopy(ctx, "d/2", manifest("a", "b"), nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := s.EnsureLocalCopy(ctx, "d/2", manifest("a"), nil); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "b")); !os.IsNotExist(err) {
		t.Fatalf("expected b to be removed, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a")); err != nil {
		t.Fatalf("expected a to stay: %v", err)
	}
	if stamps := loadStamps(dir); len(stamps) != 1 {
		t.Fatalf("expected one stamp, got %v", stamps)
	}
}

func TestEnsureLocalCopyFailureKeepsStamps(t *testing.T) {
	t.Parallel()
	f := newFakeFetcher(map[string]string{"a": "1", "b": "2"})
	s := newSync(t, f)
	ctx := context.Background()
	dir, err := s.EnsureLocalCopy(ctx, "d/3", manifest("a"), nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	before, _ := os.ReadFile(filepath.Join(dir, stampFileName))

	f.fail["b"] = true
	_, err = s.EnsureLocalCopy(ctx, "d/3", manifest("a", "b"), nil)
	if !appErr.Is(err, appErr.DataDownloadFailed) {
		t.Fatalf("expected download failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "DownloadFail(b)") {
		t.Fatalf("error should name the file: %v", err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, stampFileName))
	if !bytes.Equal(before, after) {
		t.Fatalf("etags changed after failed sync: %s -> %s", before, after)
	}
}

func TestEnsureLocalCopyTimeout(t *testing.T) {
	t.Parallel()
	f := newFakeFetcher(map[string]string{"slow": "1"})
	f.block["slow"] = true
	s := newSync(t, f)
	_, err := s.EnsureLocalCopy(context.Background(), "d/4", manifest("slow"), nil)
	if !appErr.Is(err, appErr.Timeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "DownloadTimeout(slow") {
		t.Fatalf("timeout error should name the file: %v", err)
	}
}

func TestEnsureLocalCopyRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := newSync(t, newFakeFetcher(nil))
	ctx := context.Background()

	if _, err := s.EnsureLocalCopy(ctx, "d/5", nil, nil); !appErr.Is(err, appErr.ProblemDataNotFound) {
		t.Fatalf("expected not found for empty manifest, got %v", err)
	}
	for _, name := range []string{"../x", "/etc/passwd", "a/../../b", "etags"} {
		_, err := s.EnsureLocalCopy(ctx, "d/5", manifest(name), nil)
		if !appErr.Is(err, appErr.InvalidFileName) {
			t.Fatalf("name %q: expected invalid file name, got %v", name, err)
		}
		if !appErr.GetCode(err).IsFormat() {
			t.Fatalf("name %q: expected format error class", name)
		}
	}
}

func TestEnsureLocalCopyCorruptStampFile(t *testing.T) {
	t.Parallel()
	f := newFakeFetcher(map[string]string{"a": "1"})
	s := newSync(t, f)
	dir, _ := s.Dir("d/6")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, stampFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsureLocalCopy(context.Background(), "d/6", manifest("a"), nil); err != nil {
		t.Fatalf("sync over corrupt etags: %v", err)
	}
	if f.openCount() != 1 {
		t.Fatalf("expected a full download, got %d", f.openCount())
	}
}

func buildPack(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestEnsureLocalCopyExtractsPack(t *testing.T) {
	t.Parallel()
	f := newFakeFetcher(nil)
	f.files["data.tar.zst"] = buildPack(t, map[string]string{"1.in": "a", "dir/1.out": "b"})
	s := newSync(t, f)
	ctx := context.Background()
	dir, err := s.EnsureLocalCopy(ctx, "d/7", manifest("data.tar.zst"), nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "data", "dir", "1.out"))
	if err != nil || string(data) != "b" {
		t.Fatalf("pack not extracted: %q %v", data, err)
	}

	f.files["other"] = []byte("z")
	if _, err := s.EnsureLocalCopy(ctx, "d/7", manifest("other"), nil); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); !os.IsNotExist(err) {
		t.Fatalf("extracted pack should be evicted with its archive, stat err=%v", err)
	}
}

func compress(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestEnsureLocalCopyDecompressesSingleFile(t *testing.T) {
	t.Parallel()
	f := newFakeFetcher(nil)
	f.files["1.in.zst"] = compress(t, "1 2\n")
	s := newSync(t, f)
	ctx := context.Background()
	dir, err := s.EnsureLocalCopy(ctx, "d/8", manifest("1.in.zst"), nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "1.in"))
	if err != nil || string(data) != "1 2\n" {
		t.Fatalf("file not decompressed: %q %v", data, err)
	}

	f.files["other"] = []byte("z")
	if _, err := s.EnsureLocalCopy(ctx, "d/8", manifest("other"), nil); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "1.in")); !os.IsNotExist(err) {
		t.Fatalf("decompressed file should be evicted with its source, stat err=%v", err)
	}
}

func TestExtractPackRejectsEscape(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	src := filepath.Join(root, "bad.tar.zst")
	if err := os.WriteFile(src, buildPack(t, map[string]string{"../evil": "x"}), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := extractPack(src, filepath.Join(root, "bad")); !appErr.Is(err, appErr.ProblemDataInvalid) {
		t.Fatalf("expected invalid pack, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "evil")); !os.IsNotExist(err) {
		t.Fatalf("escaped file written")
	}
}

func TestLockedSynchronizerPrune(t *testing.T) {
	t.Parallel()
	f := newFakeFetcher(map[string]string{"a": "1"})
	s := newSync(t, f)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ls := NewLockedSynchronizer(s, lock.NewLocalLock(time.Millisecond), "")
	ctx := context.Background()

	oldDir, err := ls.Open(ctx, "d/old", manifest("a"), nil)
	if err != nil {
		t.Fatalf("open old: %v", err)
	}
	now = now.Add(48 * time.Hour)
	newDir, err := ls.Open(ctx, "d/new", manifest("a"), nil)
	if err != nil {
		t.Fatalf("open new: %v", err)
	}

	removed, err := ls.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one pruned source, got %d", removed)
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Fatalf("old source should be removed")
	}
	if _, err := os.Stat(newDir); err != nil {
		t.Fatalf("new source should stay: %v", err)
	}
}
