package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

const statusKeyPrefix = "judge:status:"

// DefaultStatusTTL keeps snapshots of finished records around for polling clients.
const DefaultStatusTTL = time.Hour

// StatusRepository caches the latest snapshot of each record in redis so
// status polling does not hit the record store.
type StatusRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cache.Cache, ttl time.Duration) *StatusRepository {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &StatusRepository{cache: cacheClient, TTL: ttl}
}

// Get returns the cached snapshot, or nil when it is not cached.
func (r *StatusRepository) Get(ctx context.Context, recordID string) (*model.Record, error) {
	if recordID == "" {
		return nil, appErr.ValidationError("rid", "required")
	}
	if r.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKeyPrefix+recordID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "load status failed")
	}
	if val == "" {
		return nil, nil
	}
	var rec model.Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return &rec, nil
}

// Save stores the snapshot of rec.
func (r *StatusRepository) Save(ctx context.Context, rec *model.Record) error {
	if rec == nil || rec.ID == "" {
		return appErr.ValidationError("rid", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+rec.ID, string(data), r.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	return nil
}
