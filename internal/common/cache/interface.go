package cache

import (
	"context"
	"time"
)

// Cache is the key-value store abstraction used by the judge queue and the
// lease lock. RedisCache is the production implementation; tests run it
// against miniredis.
type Cache interface {
	BasicOps
	HashOps
	ZSetOps
	LockOps
	ScriptOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get returns "" and no error when the key does not exist
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	Del(ctx context.Context, keys ...string) error

	Incr(ctx context.Context, key string) (int64, error)
}

// HashOps defines hash (map) operations
type HashOps interface {
	HSet(ctx context.Context, key, field string, value interface{}) error

	// HGet returns "" and no error when the field does not exist
	HGet(ctx context.Context, key, field string) (string, error)

	// HMGet returns one entry per field, nil for the missing ones
	HMGet(ctx context.Context, key string, fields ...string) ([]interface{}, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)

	HDel(ctx context.Context, key string, fields ...string) error
}

// ZSetOps defines sorted set operations
type ZSetOps interface {
	ZAdd(ctx context.Context, key string, members ...ZMember) error

	ZRem(ctx context.Context, key string, members ...string) error

	ZCard(ctx context.Context, key string) (int64, error)

	// ZRangeByScore returns up to limit members whose score lies in [min, max].
	// min and max accept the redis range syntax ("-inf", "(5").
	ZRangeByScore(ctx context.Context, key, min, max string, limit int64) ([]string, error)
}

// LockOps defines distributed lock operations.
// A lock is a key holding the owner token; only the owner may release or extend it.
type LockOps interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	Unlock(ctx context.Context, key, token string) (bool, error)

	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// ScriptOps runs server side scripts.
type ScriptOps interface {
	// Eval runs a Lua script. The result is the raw redis reply.
	Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error)
}

// ZMember represents a member in a sorted set with its score
type ZMember struct {
	Score  float64
	Member string
}
