package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process. Updates are serialized by a mutex,
// which makes the conditional update atomic.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.Record
	now     func() time.Time
}

var _ RecordStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*model.Record), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, domainID, id string) (*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || (domainID != "" && rec.DomainID != domainID) {
		return nil, recordNotFound(domainID, id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Insert(_ context.Context, rec *model.Record) error {
	if rec == nil {
		return appErr.ValidationError("record", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, ok := s.records[rec.ID]; ok {
		return appErr.Newf(appErr.RecordAlreadyExists, "record %s already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, domainID, id string, upd model.RecordUpdate, cond model.UpdateCondition) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || (domainID != "" && rec.DomainID != domainID) {
		return nil, recordNotFound(domainID, id)
	}
	if !cond.Matches(rec) {
		return nil, conditionError(rec, cond)
	}
	if upd.Empty() {
		return rec.Clone(), nil
	}
	upd.Apply(rec)
	return rec.Clone(), nil
}

func (s *MemoryStore) GetMulti(_ context.Context, domainID string, q model.RecordQuery) ([]*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Record
	for _, rec := range s.records {
		if matchesQuery(rec, domainID, q) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
