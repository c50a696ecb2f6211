package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"judgeflow/internal/common/metrics"
	"judgeflow/internal/judge/model"
	"judgeflow/pkg/utils/contextkey"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	// FastLanePriority is the exclusive lower bound of the fast lane.
	FastLanePriority = -50

	defaultPollInterval = time.Second
	maxClaimBackoff     = 30 * time.Second
)

// Handler judges one task. Its error is logged and the task is acked
// anyway, unless the consumer is shutting down, in which case the task goes
// back to pending for another worker.
type Handler func(ctx context.Context, t *model.Task) error

// RetryFunc prepares a task claimed again after an earlier claim ended
// without an ack. It returns false when the task should be dropped.
type RetryFunc func(ctx context.Context, t *model.Task) (bool, error)

// ConsumerConfig configures the worker loops of one process.
type ConsumerConfig struct {
	Parallelism  int           `yaml:"parallelism"`
	PollInterval time.Duration `yaml:"pollInterval"`
	WorkerID     string        `yaml:"workerId"`
	// LeaseRenew is how often a running task's lease is extended.
	LeaseRenew time.Duration `yaml:"leaseRenew"`
}

// Consumer runs claim loops against a Queue.
type Consumer struct {
	queue    Queue
	parallel int
	poll     time.Duration
	worker   string
	renew    time.Duration
	retry    RetryFunc
}

func NewConsumer(q Queue, cfg ConsumerConfig) *Consumer {
	parallel := cfg.Parallelism
	if parallel < 2 {
		parallel = 2
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	renew := cfg.LeaseRenew
	if renew <= 0 {
		renew = DefaultLeaseTTL / 3
	}
	return &Consumer{queue: q, parallel: parallel, poll: poll, worker: cfg.WorkerID, renew: renew}
}

// OnRetry sets the func run before a retried task is handed to the handler.
func (c *Consumer) OnRetry(fn RetryFunc) *Consumer {
	c.retry = fn
	return c
}

// Lane is one claim loop and what it accepts.
type Lane struct {
	Name    string
	Matcher Matcher
	// Select, when set, is called before every claim and replaces Matcher.
	Select func() Matcher
}

// Lanes returns the loops Run starts for taskType: parallelism-1 general
// loops and one loop that only takes tasks above FastLanePriority.
func (c *Consumer) Lanes(taskType string) []Lane {
	lanes := make([]Lane, 0, c.parallel)
	for i := 0; i < c.parallel-1; i++ {
		lanes = append(lanes, Lane{Name: "normal-" + strconv.Itoa(i), Matcher: Matcher{Type: taskType}})
	}
	fast := FastLanePriority
	lanes = append(lanes, Lane{Name: "fast", Matcher: Matcher{Type: taskType, MinPriority: &fast}})
	return lanes
}

// Run starts every lane for taskType and blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context, taskType string, h Handler) {
	var wg sync.WaitGroup
	for _, lane := range c.Lanes(taskType) {
		wg.Add(1)
		go func(lane Lane) {
			defer wg.Done()
			c.Consume(ctx, lane, h)
		}(lane)
	}
	wg.Wait()
}

// Consume runs a single claim loop until ctx is done.
func (c *Consumer) Consume(ctx context.Context, lane Lane, h Handler) {
	failures := 0
	for ctx.Err() == nil {
		m := lane.Matcher
		if lane.Select != nil {
			m = lane.Select()
		}
		t, err := c.queue.Claim(ctx, m, c.worker)
		if err != nil {
			failures++
			logger.Error(ctx, "claim task failed", zap.String("lane", lane.Name), zap.Error(err))
			c.sleep(ctx, Backoff(failures, c.poll, maxClaimBackoff))
			continue
		}
		failures = 0
		if t == nil {
			c.wait(ctx)
			continue
		}
		metrics.TasksClaimed.WithLabelValues(lane.Name).Inc()
		c.handle(ctx, t, h)
	}
}

func (c *Consumer) handle(ctx context.Context, t *model.Task, h Handler) {
	taskCtx := context.WithValue(ctx, contextkey.TaskID, t.ID)
	taskCtx = context.WithValue(taskCtx, contextkey.RecordID, t.RecordID)

	if t.Retried() && c.retry != nil {
		run, err := c.retry(taskCtx, t)
		if err != nil {
			logger.Error(taskCtx, "prepare retried task failed", zap.Int("attempt", t.Attempt), zap.Error(err))
			if err := c.queue.Requeue(context.WithoutCancel(taskCtx), t.ID); err != nil {
				logger.Error(taskCtx, "requeue task failed", zap.Error(err))
			}
			c.sleep(ctx, c.poll)
			return
		}
		if !run {
			logger.Info(taskCtx, "retried task dropped", zap.Int("attempt", t.Attempt))
			if err := c.queue.Ack(context.WithoutCancel(taskCtx), t.ID); err != nil {
				logger.Error(taskCtx, "ack task failed", zap.Error(err))
			}
			return
		}
	}

	stop := c.keepLease(taskCtx, t.ID)
	err := h(taskCtx, t)
	stop()
	if err != nil {
		logger.Error(taskCtx, "judge task failed", zap.Error(err))
	}
	if ctx.Err() != nil {
		if err := c.queue.Requeue(context.WithoutCancel(taskCtx), t.ID); err != nil {
			logger.Error(taskCtx, "requeue task failed", zap.Error(err))
		}
		return
	}
	if err := c.queue.Ack(context.WithoutCancel(taskCtx), t.ID); err != nil {
		logger.Error(taskCtx, "ack task failed", zap.Error(err))
	}
}

// keepLease extends the lease of id until the returned func is called.
func (c *Consumer) keepLease(ctx context.Context, id string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.renew)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.queue.Extend(ctx, id); err != nil {
					logger.Warn(ctx, "extend task lease failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Consumer) wait(ctx context.Context) {
	timer := time.NewTimer(c.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-c.queue.Notify():
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Backoff doubles base per retry and caps the result at max.
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// RunReaper returns expired leases to pending every interval until ctx is done.
func RunReaper(ctx context.Context, q Queue, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := q.ReclaimExpired(ctx, now)
			if err != nil {
				logger.Error(ctx, "reclaim expired tasks failed", zap.Error(err))
				continue
			}
			if n > 0 {
				metrics.TasksReclaimed.Add(float64(n))
				logger.Warn(ctx, "reclaimed expired tasks", zap.Int("count", n))
			}
		}
	}
}
