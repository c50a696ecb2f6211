// Package lock serializes work on a shared resource key, such as the cache
// directory of one problem.
package lock

import (
	"context"
	"time"

	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often a waiter re-checks a held key.
const DefaultPollInterval = 100 * time.Millisecond

// Locker is a keyed mutual exclusion service. Waiting is not fair.
type Locker interface {
	// Acquire blocks until key is free, then marks it held.
	Acquire(ctx context.Context, key string) error
	// Release frees key. Releasing a key that is not held is a no-op.
	Release(ctx context.Context, key string)
}

// Renewer is a Locker whose holds expire after LeaseTTL unless extended.
type Renewer interface {
	Locker
	Extend(ctx context.Context, key string) error
	LeaseTTL() time.Duration
}

// With runs fn while holding key. A Renewer lease is extended every third
// of its TTL until fn returns.
func With(ctx context.Context, l Locker, key string, fn func() error) error {
	if err := l.Acquire(ctx, key); err != nil {
		return err
	}
	defer l.Release(context.WithoutCancel(ctx), key)
	if r, ok := l.(Renewer); ok {
		stop := keepAlive(ctx, r, key)
		defer stop()
	}
	return fn()
}

func keepAlive(ctx context.Context, r Renewer, key string) func() {
	interval := r.LeaseTTL() / 3
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Extend(ctx, key); err != nil {
					logger.Warn(ctx, "extend lock lease failed", zap.String("key", key), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
