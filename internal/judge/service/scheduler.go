package service

import (
	"context"

	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/repository"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// Judger runs one merged task to completion.
type Judger interface {
	Handle(ctx context.Context, jc model.JudgeContext) error
}

// Scheduler feeds claimed tasks of the builtin worker to a Judger.
type Scheduler struct {
	store  repository.RecordStore
	judger Judger
}

func NewScheduler(store repository.RecordStore, judger Judger) *Scheduler {
	return &Scheduler{store: store, judger: judger}
}

// HandleTask resolves the record of t and judges it. Tasks whose record is
// gone are dropped without an event.
func (s *Scheduler) HandleTask(ctx context.Context, t *model.Task) error {
	rec, err := s.store.Get(ctx, t.DomainID, t.RecordID)
	if err != nil {
		if appErr.Is(err, appErr.RecordNotFound) {
			logger.Debug(ctx, "record not found, task dropped", zap.String("domain", t.DomainID), zap.String("task", t.ID))
			return nil
		}
		return err
	}
	return s.judger.Handle(ctx, model.MergeTask(rec, *t))
}
