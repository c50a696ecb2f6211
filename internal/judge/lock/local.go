package lock

import (
	"context"
	"sync"
	"time"

	appErr "judgeflow/pkg/errors"
)

// LocalLock guards keys within one process.
type LocalLock struct {
	mu       sync.Mutex
	held     map[string]bool
	interval time.Duration
}

var _ Locker = (*LocalLock)(nil)

// NewLocalLock creates a lock that polls at interval; zero means DefaultPollInterval.
func NewLocalLock(interval time.Duration) *LocalLock {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &LocalLock{held: make(map[string]bool), interval: interval}
}

func (l *LocalLock) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false
	}
	l.held[key] = true
	return true
}

func (l *LocalLock) Acquire(ctx context.Context, key string) error {
	if l.tryAcquire(key) {
		return nil
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return appErr.Wrapf(ctx.Err(), appErr.LockFailed, "wait for lock %s canceled", key)
		case <-ticker.C:
			if l.tryAcquire(key) {
				return nil
			}
		}
	}
}

func (l *LocalLock) Release(_ context.Context, key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
}

// Held reports whether key is currently held.
func (l *LocalLock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}
