// Package router applies worker events to records and broadcasts every
// persisted change.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"judgeflow/internal/common/metrics"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/repository"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/contextkey"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// Observer receives record changes in the order they were persisted.
type Observer func(ctx context.Context, change model.RecordChange)

// TaskDeleter drops queued work of finished records.
type TaskDeleter interface {
	DeleteByRecord(ctx context.Context, recordIDs ...string) (int, error)
}

// Config wires the router. Only Store is required.
type Config struct {
	Store     repository.RecordStore
	Tasks     TaskDeleter
	Status    *repository.StatusRepository
	Publisher repository.ChangePublisher
}

type Router struct {
	store     repository.RecordStore
	tasks     TaskDeleter
	status    *repository.StatusRepository
	publisher repository.ChangePublisher
	now       func() time.Time

	mu        sync.RWMutex
	observers map[int]Observer
	nextID    int
}

func New(cfg Config) *Router {
	return &Router{
		store:     cfg.Store,
		tasks:     cfg.Tasks,
		status:    cfg.Status,
		publisher: cfg.Publisher,
		now:       time.Now,
		observers: make(map[int]Observer),
	}
}

// Subscribe registers fn and returns a func that removes it.
func (r *Router) Subscribe(fn Observer) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.observers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

// OnNext persists a progress event. Events for finished records are
// dropped and reported as nil, nil.
func (r *Router) OnNext(ctx context.Context, ev model.JudgeEvent) (*model.Record, error) {
	ctx = context.WithValue(ctx, contextkey.RecordID, ev.RecordID)
	upd := nextUpdate(ev)
	rec, err := r.store.Update(ctx, ev.DomainID, ev.RecordID, upd, model.UpdateCondition{NotTerminal: true})
	if err != nil {
		return nil, r.dropped(ctx, model.EventNext, err)
	}
	r.broadcast(ctx, model.RecordChange{Record: rec, Event: &ev, Reason: model.EventNext})
	return rec, nil
}

// OnEnd finalizes a record, removes its queued tasks and broadcasts.
func (r *Router) OnEnd(ctx context.Context, ev model.JudgeEvent) (*model.Record, error) {
	ctx = context.WithValue(ctx, contextkey.RecordID, ev.RecordID)
	upd := endUpdate(ev, r.now())
	rec, err := r.store.Update(ctx, ev.DomainID, ev.RecordID, upd, model.UpdateCondition{NotTerminal: true})
	if err != nil {
		return nil, r.dropped(ctx, model.EventEnd, err)
	}
	if r.tasks != nil {
		if _, err := r.tasks.DeleteByRecord(ctx, rec.ID); err != nil {
			logger.Warn(ctx, "delete tasks of finished record failed", zap.Error(err))
		}
	}
	metrics.RecordsFinished.WithLabelValues(rec.Status.String()).Inc()
	logger.Info(ctx, "record finished",
		zap.String("status", rec.Status.String()),
		zap.Int("score", rec.Score),
		zap.Int64("time_ms", rec.Time),
		zap.Int64("memory_kb", rec.Memory),
	)
	r.broadcast(ctx, model.RecordChange{Record: rec, Event: &ev, Reason: model.EventEnd})
	return rec, nil
}

// Restart clears the judge output an interrupted attempt left on the record
// of t, so the next attempt starts from an empty record. It returns false
// when the record is finished or gone and t should not run again.
func (r *Router) Restart(ctx context.Context, t *model.Task) (bool, error) {
	ctx = context.WithValue(ctx, contextkey.RecordID, t.RecordID)
	upd := model.RecordUpdate{
		Unset: true,
		Set: model.RecordSet{
			Status:  model.Ptr(model.StatusWaiting),
			Judger:  model.Ptr(""),
			JudgeAt: model.Ptr(time.Time{}),
		},
	}
	rec, err := r.store.Update(ctx, t.DomainID, t.RecordID, upd, model.UpdateCondition{NotTerminal: true})
	if err != nil {
		if appErr.Is(err, appErr.RecordFinished) || appErr.Is(err, appErr.RecordNotFound) {
			logger.Info(ctx, "record of retried task is done", zap.String("task", t.ID), zap.Error(err))
			return false, nil
		}
		return false, err
	}
	logger.Info(ctx, "record reset for retried task", zap.String("task", t.ID), zap.Int("attempt", t.Attempt))
	r.broadcast(ctx, model.RecordChange{Record: rec, Reason: "reset"})
	return true, nil
}

// Broadcast notifies observers of a change made outside the event path,
// such as a reset or a cancel.
func (r *Router) Broadcast(ctx context.Context, change model.RecordChange) {
	r.broadcast(ctx, change)
}

// dropped turns the store error of a rejected update into the router result.
func (r *Router) dropped(ctx context.Context, key string, err error) error {
	switch {
	case appErr.Is(err, appErr.RecordFinished):
		status, _ := appErr.GetError(err).Details["status"].(model.Status)
		if status == model.StatusCanceled {
			metrics.EventsDropped.WithLabelValues("canceled").Inc()
			logger.Warn(ctx, "event for canceled record dropped", zap.String("key", key))
			return nil
		}
		metrics.EventsDropped.WithLabelValues("finished").Inc()
		logger.Info(ctx, "event for finished record dropped", zap.String("key", key), zap.String("status", status.String()))
		return nil
	case appErr.Is(err, appErr.RecordNotFound):
		metrics.EventsDropped.WithLabelValues("not_found").Inc()
		logger.Warn(ctx, "event for unknown record dropped", zap.String("key", key))
		return nil
	}
	return err
}

func (r *Router) broadcast(ctx context.Context, change model.RecordChange) {
	r.mu.RLock()
	ids := make([]int, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, r.observers[id])
	}
	r.mu.RUnlock()

	for _, fn := range observers {
		fn(ctx, change)
	}
	if r.status != nil {
		if err := r.status.Save(ctx, change.Record); err != nil {
			logger.Warn(ctx, "cache record snapshot failed", zap.Error(err))
		}
	}
	if r.publisher != nil {
		if err := r.publisher.PublishChange(ctx, change); err != nil {
			logger.Warn(ctx, "publish record change failed", zap.Error(err))
		}
	}
}

func nextUpdate(ev model.JudgeEvent) model.RecordUpdate {
	var upd model.RecordUpdate
	upd.Set.Status = ev.Status
	upd.Set.Score = ev.Score
	upd.Set.Time = ev.Time
	upd.Set.Memory = ev.Memory
	upd.Set.Progress = ev.Progress
	if ev.Judger != "" {
		upd.Set.Judger = model.Ptr(ev.Judger)
	}
	if ev.Subtasks != nil {
		upd.Set.Subtasks = ev.Subtasks
	}
	if ev.Case != nil {
		upd.Push.TestCases = append(upd.Push.TestCases, *ev.Case)
	}
	upd.Push.TestCases = append(upd.Push.TestCases, ev.Cases...)
	if ev.Message != "" {
		upd.Push.JudgeTexts = []string{ev.Message}
	}
	if ev.CompilerText != "" {
		upd.Push.CompilerTexts = []string{ev.CompilerText}
	}
	upd.Inc.Progress = ev.AddProgress
	return upd
}

func endUpdate(ev model.JudgeEvent, now time.Time) model.RecordUpdate {
	upd := nextUpdate(ev)
	upd.Inc.Progress = 0
	if upd.Set.Status == nil || upd.Set.Status.IsPending() {
		upd.Set.Status = model.Ptr(model.StatusSystemError)
	}
	if upd.Set.Score == nil {
		upd.Set.Score = model.Ptr(0)
	}
	upd.Set.JudgeAt = model.Ptr(now)
	upd.Set.Progress = nil
	return upd
}
