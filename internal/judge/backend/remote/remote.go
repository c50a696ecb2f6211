// Package remote judges submissions on third party online judges.
package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/task"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// Verdict is the final result reported by a remote judge.
type Verdict struct {
	Status model.Status
	Time   int64
	Memory int64
}

// Provider talks to one remote online judge.
type Provider interface {
	// EnsureLogin makes sure the stored session is valid, logging in again
	// when it is not.
	EnsureLogin(ctx context.Context) error
	// Submit sends code for problem target and returns the remote id.
	Submit(ctx context.Context, target, lang, code string) (string, error)
	// Poll waits for the final verdict of a submission.
	Poll(ctx context.Context, id string) (*Verdict, error)
}

// Judge dispatches remote judge tasks to the provider named by the
// problem's sub type.
type Judge struct {
	providers map[string]Provider
}

var _ task.RemoteJudge = (*Judge)(nil)

func NewJudge(providers map[string]Provider) *Judge {
	return &Judge{providers: providers}
}

func (j *Judge) Judge(ctx context.Context, jc model.JudgeContext, lang *model.LanguageConfig, emit task.Emitter) error {
	name := jc.Config.SubType
	if name == "" && lang != nil {
		name = lang.Remote
	}
	p, ok := j.providers[strings.ToLower(name)]
	if !ok {
		return appErr.SystemError("Remote judge %s is not configured", name)
	}
	if err := p.EnsureLogin(ctx); err != nil {
		return appErr.Wrapf(err, appErr.RemoteLoginFailed, "login to %s failed", name)
	}
	id, err := p.Submit(ctx, jc.Config.Target, jc.Lang, jc.Code)
	if err != nil {
		if appErr.Is(err, appErr.LanguageNotSupported) {
			return emit.End(ctx, model.JudgeEvent{
				Status:  model.Ptr(model.StatusCompileError),
				Score:   model.Ptr(0),
				Message: appErr.GetError(err).Message,
			})
		}
		return err
	}
	logger.Info(ctx, "submitted to remote judge", zap.String("provider", name), zap.String("remote_id", id))
	if err := emit.Next(ctx, model.JudgeEvent{Status: model.Ptr(model.StatusJudging), Message: "Submitted as " + id}); err != nil {
		return err
	}
	v, err := p.Poll(ctx, id)
	if err != nil {
		return err
	}
	score := 0
	if v.Status == model.StatusAccepted {
		score = task.FullScore
	}
	return emit.End(ctx, model.JudgeEvent{
		Status: model.Ptr(v.Status),
		Score:  model.Ptr(score),
		Time:   model.Ptr(v.Time),
		Memory: model.Ptr(v.Memory),
	})
}

// CookieStore keeps provider sessions across restarts.
type CookieStore interface {
	Load(ctx context.Context, key string) (string, error)
	Save(ctx context.Context, key, cookie string) error
}

// MemoryCookies keeps sessions in process.
type MemoryCookies struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemoryCookies() *MemoryCookies {
	return &MemoryCookies{m: make(map[string]string)}
}

func (c *MemoryCookies) Load(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[key], nil
}

func (c *MemoryCookies) Save(_ context.Context, key, cookie string) error {
	c.mu.Lock()
	c.m[key] = cookie
	c.mu.Unlock()
	return nil
}

// RedisCookies shares sessions between judge servers.
type RedisCookies struct {
	ops    cache.BasicOps
	prefix string
	ttl    time.Duration
}

func NewRedisCookies(ops cache.BasicOps, prefix string, ttl time.Duration) *RedisCookies {
	return &RedisCookies{ops: ops, prefix: prefix, ttl: ttl}
}

func (c *RedisCookies) Load(ctx context.Context, key string) (string, error) {
	v, err := c.ops.Get(ctx, c.prefix+key)
	if err != nil {
		return "", fmt.Errorf("load cookie: %w", err)
	}
	return v, nil
}

func (c *RedisCookies) Save(ctx context.Context, key, cookie string) error {
	if err := c.ops.Set(ctx, c.prefix+key, cookie, c.ttl); err != nil {
		return fmt.Errorf("save cookie: %w", err)
	}
	return nil
}
