package datacache

import (
	"context"
	"time"

	"judgeflow/internal/judge/lock"
	"judgeflow/internal/judge/model"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// LockedSynchronizer serializes synchronization of each source through a
// Locker, so concurrent judges of one problem never race on its directory.
type LockedSynchronizer struct {
	sync   *Synchronizer
	locker lock.Locker
	prefix string
}

// NewLockedSynchronizer builds a synchronizer guarded by locker. prefix is
// prepended to lock keys, remote workers use their server host.
func NewLockedSynchronizer(s *Synchronizer, locker lock.Locker, prefix string) *LockedSynchronizer {
	return &LockedSynchronizer{sync: s, locker: locker, prefix: prefix}
}

func (l *LockedSynchronizer) key(source string) string {
	if l.prefix == "" {
		return source
	}
	return l.prefix + "/" + source
}

// Open makes the local copy of source current and returns its directory.
func (l *LockedSynchronizer) Open(ctx context.Context, source string, files []model.FileInfo, progress func(string)) (string, error) {
	var dir string
	err := lock.With(ctx, l.locker, l.key(source), func() error {
		var err error
		dir, err = l.sync.EnsureLocalCopy(ctx, source, files, progress)
		return err
	})
	if err != nil {
		logger.Warn(ctx, "cache open failed", zap.String("source", source), zap.Error(err))
		return "", err
	}
	return dir, nil
}

// Prune removes sources that have not been used since olderThan ago.
func (l *LockedSynchronizer) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := l.sync.now().Add(-olderThan)
	stale, err := l.sync.StaleSources(cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, source := range stale {
		err := lock.With(ctx, l.locker, l.key(source), func() error {
			return l.sync.Remove(source)
		})
		if err != nil {
			logger.Warn(ctx, "prune cache failed", zap.String("source", source), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
