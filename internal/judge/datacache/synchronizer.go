// Package datacache keeps a local copy of each problem's test data in sync
// with the blob store. A directory is invalidated per file by etag and
// modification time recorded in an "etags" side file.
package datacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"judgeflow/internal/common/metrics"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	stampFileName = "etags"
	usageFileName = "lastUsage"

	defaultConcurrency = 10
	defaultFileTimeout = 60 * time.Second

	// SyncingMessage is reported before any download starts.
	SyncingMessage = "Syncing testdata, please wait..."
)

// Config controls the local cache layout and download behaviour.
type Config struct {
	Root        string        `yaml:"root"`
	Concurrency int           `yaml:"concurrency"`
	FileTimeout time.Duration `yaml:"fileTimeout"`
}

// Synchronizer downloads changed files of a manifest into Root/<source>.
// It does no locking of its own; callers serialize per source, see Opener.
type Synchronizer struct {
	root        string
	concurrency int
	fileTimeout time.Duration
	fetcher     Fetcher
	now         func() time.Time
}

func NewSynchronizer(cfg Config, fetcher Fetcher) (*Synchronizer, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.FileTimeout <= 0 {
		cfg.FileTimeout = defaultFileTimeout
	}
	return &Synchronizer{
		root:        cfg.Root,
		concurrency: cfg.Concurrency,
		fileTimeout: cfg.FileTimeout,
		fetcher:     fetcher,
		now:         time.Now,
	}, nil
}

// Dir returns the local directory for source without touching the disk.
func (s *Synchronizer) Dir(source string) (string, error) {
	return safeJoin(s.root, source)
}

// EnsureLocalCopy makes the directory of source match files and returns it.
// progress, when set, is called once before the first download.
func (s *Synchronizer) EnsureLocalCopy(ctx context.Context, source string, files []model.FileInfo, progress func(string)) (string, error) {
	if len(files) == 0 {
		return "", appErr.New(appErr.ProblemDataNotFound).WithMessage("Problem data not found.")
	}
	dir, err := s.Dir(source)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", appErr.Wrapf(err, appErr.CacheError, "create cache dir failed")
	}

	old := loadStamps(dir)
	version := make(map[string]string, len(files))
	var fetch []string
	for _, f := range files {
		target, err := safeJoin(dir, f.Name)
		if err != nil {
			return "", err
		}
		stamp := f.Stamp()
		if _, seen := version[f.Name]; !seen && (old[f.Name] != stamp || !exists(target)) {
			fetch = append(fetch, f.Name)
		}
		version[f.Name] = stamp
	}

	for name := range old {
		if _, keep := version[name]; keep {
			continue
		}
		s.removeEntry(ctx, dir, name)
	}

	if len(fetch) > 0 {
		logger.Info(ctx, "syncing problem data", zap.String("source", source), zap.Int("files", len(fetch)))
		if progress != nil {
			progress(SyncingMessage)
		}
		if err := s.download(ctx, source, dir, fetch); err != nil {
			return "", err
		}
		if err := writeFileAtomic(dir, stampFileName, version); err != nil {
			return "", err
		}
	} else if len(old) != len(version) {
		if err := writeFileAtomic(dir, stampFileName, version); err != nil {
			return "", err
		}
	}

	usage := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := os.WriteFile(filepath.Join(dir, usageFileName), []byte(usage), 0o644); err != nil {
		return "", appErr.Wrapf(err, appErr.CacheError, "write lastUsage failed")
	}
	return dir, nil
}

func (s *Synchronizer) download(ctx context.Context, source, dir string, names []string) error {
	src, err := s.fetcher.Resolve(ctx, source, names)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, name := range names {
		name := name
		g.Go(func() error {
			return s.downloadOne(gctx, src, dir, name)
		})
	}
	if err := g.Wait(); err != nil {
		metrics.DownloadErrors.Inc()
		return err
	}
	return nil
}

func (s *Synchronizer) downloadOne(ctx context.Context, src Source, dir, name string) error {
	start := s.now()
	ctx, cancel := context.WithTimeout(ctx, s.fileTimeout)
	defer cancel()

	fail := func(err error) error {
		elapsed := s.now().Sub(start).Round(time.Millisecond)
		if errors.Is(err, context.DeadlineExceeded) {
			return appErr.Wrapf(err, appErr.Timeout, "DownloadTimeout(%s, %s)", name, s.fileTimeout)
		}
		return appErr.Wrapf(err, appErr.DataDownloadFailed, "DownloadFail(%s) after %s: %v", name, elapsed, err)
	}

	target, err := safeJoin(dir, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fail(err)
	}
	rc, err := src.Open(ctx, name)
	if err != nil {
		return fail(err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return fail(err)
	}
	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: rc})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fail(err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fail(err)
	}
	metrics.DownloadSize.Observe(float64(n))

	switch {
	case isPack(name):
		return extractPack(target, packDir(target))
	case isCompressed(name):
		return decompressFile(target, decompressedPath(target))
	}
	return nil
}

func (s *Synchronizer) removeEntry(ctx context.Context, dir, name string) {
	target, err := safeJoin(dir, name)
	if err != nil {
		return
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn(ctx, "remove stale test data failed", zap.String("file", target), zap.Error(err))
	}
	switch {
	case isPack(name):
		_ = os.RemoveAll(packDir(target))
	case isCompressed(name):
		_ = os.Remove(decompressedPath(target))
	}
}

// StaleSources lists cached sources whose lastUsage is older than cutoff.
func (s *Synchronizer) StaleSources(cutoff time.Time) ([]string, error) {
	var stale []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Name() != usageFileName {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil || time.UnixMilli(ms).Before(cutoff) {
			rel, err := filepath.Rel(s.root, filepath.Dir(path))
			if err == nil {
				stale = append(stale, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	return stale, err
}

// Remove deletes the local copy of source.
func (s *Synchronizer) Remove(source string) error {
	dir, err := s.Dir(source)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func loadStamps(dir string) map[string]string {
	stamps := map[string]string{}
	data, err := os.ReadFile(filepath.Join(dir, stampFileName))
	if err != nil {
		return stamps
	}
	if err := json.Unmarshal(data, &stamps); err != nil || stamps == nil {
		return map[string]string{}
	}
	return stamps
}

func writeFileAtomic(dir, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "encode %s failed", name)
	}
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "write %s failed", name)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return appErr.Wrapf(err, appErr.CacheError, "write %s failed", name)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return appErr.Wrapf(err, appErr.CacheError, "write %s failed", name)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return appErr.Wrapf(err, appErr.CacheError, "replace %s failed", name)
	}
	return nil
}

// safeJoin joins a slash separated relative name under base and rejects escapes.
func safeJoin(base, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return "", appErr.Newf(appErr.InvalidFileName, "invalid file name %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." || part == "." {
			return "", appErr.Newf(appErr.InvalidFileName, "invalid file name %q", name)
		}
	}
	if name == stampFileName || name == usageFileName {
		return "", appErr.Newf(appErr.InvalidFileName, "reserved file name %q", name)
	}
	return filepath.Join(base, filepath.FromSlash(name)), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
