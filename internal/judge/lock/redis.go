package lock

import (
	"context"
	"sync"
	"time"

	"judgeflow/internal/common/cache"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	lockKeyPrefix = "judge:lock:"
	// DefaultLeaseTTL bounds how long a crashed holder can block a key.
	DefaultLeaseTTL = 5 * time.Minute
)

// RedisLock is a lease based lock shared by every worker using the same redis.
// The lease expires on its own, so a holder that dies never blocks a key forever.
type RedisLock struct {
	ops      cache.LockOps
	ttl      time.Duration
	interval time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

var _ Renewer = (*RedisLock)(nil)

func NewRedisLock(ops cache.LockOps, ttl, interval time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &RedisLock{ops: ops, ttl: ttl, interval: interval, tokens: make(map[string]string)}
}

func (l *RedisLock) Acquire(ctx context.Context, key string) error {
	token := uuid.NewString()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		ok, err := l.ops.TryLock(ctx, lockKeyPrefix+key, token, l.ttl)
		if err != nil {
			return appErr.Wrapf(err, appErr.LockFailed, "acquire lock %s failed", key)
		}
		if ok {
			l.mu.Lock()
			l.tokens[key] = token
			l.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return appErr.Wrapf(ctx.Err(), appErr.LockFailed, "wait for lock %s canceled", key)
		case <-ticker.C:
		}
	}
}

func (l *RedisLock) Release(ctx context.Context, key string) {
	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return
	}
	released, err := l.ops.Unlock(ctx, lockKeyPrefix+key, token)
	if err != nil {
		logger.Warn(ctx, "release lock failed", zap.String("key", key), zap.Error(err))
		return
	}
	if !released {
		logger.Warn(ctx, "lock lease expired before release", zap.String("key", key))
	}
}

// LeaseTTL is the lease granted by Acquire and Extend.
func (l *RedisLock) LeaseTTL() time.Duration {
	return l.ttl
}

// Extend renews the lease of a held key.
func (l *RedisLock) Extend(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.tokens[key]
	l.mu.Unlock()
	if !ok {
		return appErr.Newf(appErr.LockFailed, "lock %s is not held", key)
	}
	extended, err := l.ops.ExtendLock(ctx, lockKeyPrefix+key, token, l.ttl)
	if err != nil {
		return appErr.Wrapf(err, appErr.LockFailed, "extend lock %s failed", key)
	}
	if !extended {
		return appErr.Newf(appErr.LockFailed, "lock %s lease lost", key)
	}
	return nil
}
