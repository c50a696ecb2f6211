package task

import (
	"context"
	"sync"

	"judgeflow/internal/judge/model"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// emitter stamps events with the task identity, cleans user visible text
// and, in performance mode, holds plain case reports back until the end.
type emitter struct {
	backend     Backend
	jc          model.JudgeContext
	judger      string
	performance bool
	detail      bool

	mu       sync.Mutex
	buffered []model.TestCase
	ended    bool
}

var _ Emitter = (*emitter)(nil)

func newEmitter(b Backend, jc model.JudgeContext, judger string, performance bool) *emitter {
	return &emitter{
		backend:     b,
		jc:          jc,
		judger:      judger,
		performance: performance || jc.Meta.Rejudge || jc.Meta.HackRejudge != "",
		detail:      jc.Config.ShowDetail(),
	}
}

func (e *emitter) prepare(ev *model.JudgeEvent, key string) {
	ev.Key = key
	ev.RecordID = e.jc.RecordID
	ev.DomainID = e.jc.DomainID
	if ev.Judger == "" {
		ev.Judger = e.judger
	}
	ev.Message = RemoveNixPath(ev.Message)
	ev.CompilerText = RemoveNixPath(ev.CompilerText)
	if ev.Case != nil {
		c := e.cleanCase(*ev.Case)
		ev.Case = &c
	}
	for i := range ev.Cases {
		ev.Cases[i] = e.cleanCase(ev.Cases[i])
	}
}

func (e *emitter) cleanCase(c model.TestCase) model.TestCase {
	if !e.detail {
		c.Message = ""
		return c
	}
	c.Message = RemoveNixPath(c.Message)
	return c
}

func (e *emitter) Next(ctx context.Context, ev model.JudgeEvent) error {
	e.prepare(&ev, model.EventNext)
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		logger.Warn(ctx, "next after end ignored")
		return nil
	}
	if e.performance && ev.Bufferable() {
		e.buffered = append(e.buffered, *ev.Case)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	logger.Debug(ctx, "judge next", zap.Any("event", ev))
	return e.backend.Next(ctx, ev)
}

func (e *emitter) End(ctx context.Context, ev model.JudgeEvent) error {
	e.prepare(&ev, model.EventEnd)
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return nil
	}
	e.ended = true
	if len(e.buffered) > 0 {
		ev.Cases = append(e.buffered, ev.Cases...)
		e.buffered = nil
	}
	e.mu.Unlock()
	fields := []zap.Field{zap.Int("cases", len(ev.Cases))}
	if ev.Status != nil {
		fields = append(fields, zap.String("status", ev.Status.String()))
	}
	if ev.Score != nil {
		fields = append(fields, zap.Int("score", *ev.Score))
	}
	logger.Info(ctx, "judge end", fields...)
	return e.backend.End(ctx, ev)
}

func (e *emitter) hasEnded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}
