package queue

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisQueue(t *testing.T, ttl time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return NewRedisQueue(c, "test:queue:", ttl), mr
}

func implementations(t *testing.T) map[string]Queue {
	rq, _ := newRedisQueue(t, time.Minute)
	return map[string]Queue{
		"memory": NewMemoryQueue(time.Minute),
		"redis":  rq,
	}
}

func judgeTask(rid string, prio int) *model.Task {
	return &model.Task{Type: model.TaskTypeJudge, RecordID: rid, Priority: prio}
}

func TestQueueClaimOrder(t *testing.T) {
	t.Parallel()
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := q.Enqueue(ctx, judgeTask("5a", 5), judgeTask("10", 10), judgeTask("5b", 5)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			var got []string
			for i := 0; i < 3; i++ {
				task, err := q.Claim(ctx, Matcher{}, "w1")
				if err != nil || task == nil {
					t.Fatalf("claim %d: task=%v err=%v", i, task, err)
				}
				got = append(got, task.RecordID)
			}
			want := []string{"10", "5a", "5b"}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("claim order = %v, want %v", got, want)
				}
			}
			task, err := q.Claim(ctx, Matcher{}, "w1")
			if err != nil || task != nil {
				t.Fatalf("expected empty queue, got %v %v", task, err)
			}
		})
	}
}

func TestQueueMatcher(t *testing.T) {
	t.Parallel()
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			remote := &model.Task{Type: model.TaskTypeRemoteJudge, RecordID: "r", Priority: 100}
			if err := q.Enqueue(ctx, judgeTask("low", -60), judgeTask("edge", -50), remote); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			fast := FastLanePriority
			task, err := q.Claim(ctx, Matcher{Type: model.TaskTypeJudge, MinPriority: &fast}, "w")
			if err != nil || task != nil {
				t.Fatalf("fast lane must skip priority <= -50, got %v %v", task, err)
			}
			task, err = q.Claim(ctx, Matcher{Type: model.TaskTypeJudge}, "w")
			if err != nil || task == nil || task.RecordID != "edge" {
				t.Fatalf("expected edge, got %v %v", task, err)
			}
			task, err = q.Claim(ctx, Matcher{Type: model.TaskTypeRemoteJudge}, "w")
			if err != nil || task == nil || task.RecordID != "r" {
				t.Fatalf("expected remote task, got %v %v", task, err)
			}
		})
	}
}

func TestQueueLeaseLifecycle(t *testing.T) {
	t.Parallel()
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := judgeTask("r1", 0)
			if err := q.Enqueue(ctx, task); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if task.ID == "" || task.Seq == 0 {
				t.Fatalf("enqueue must assign id and seq: %+v", task)
			}
			claimed, _ := q.Claim(ctx, Matcher{}, "w")
			if claimed == nil || claimed.ID != task.ID {
				t.Fatalf("claim returned %v", claimed)
			}
			if claimed.Attempt != 1 || claimed.Retried() {
				t.Fatalf("first claim attempt = %d", claimed.Attempt)
			}
			if again, _ := q.Claim(ctx, Matcher{}, "w2"); again != nil {
				t.Fatalf("leased task claimed twice")
			}
			if err := q.Extend(ctx, task.ID); err != nil {
				t.Fatalf("extend: %v", err)
			}
			if err := q.Requeue(ctx, task.ID); err != nil {
				t.Fatalf("requeue: %v", err)
			}
			if err := q.Requeue(ctx, task.ID); !appErr.Is(err, appErr.TaskNotLeased) {
				t.Fatalf("requeue of pending task should fail, got %v", err)
			}
			claimed, _ = q.Claim(ctx, Matcher{}, "w2")
			if claimed == nil || claimed.ID != task.ID {
				t.Fatalf("requeued task not claimable")
			}
			if claimed.Attempt != 2 || !claimed.Retried() {
				t.Fatalf("requeued claim attempt = %d", claimed.Attempt)
			}
			if err := q.Ack(ctx, task.ID); err != nil {
				t.Fatalf("ack: %v", err)
			}
			if err := q.Ack(ctx, task.ID); err != nil {
				t.Fatalf("second ack should be a no-op: %v", err)
			}
			if n, _ := q.Len(ctx); n != 0 {
				t.Fatalf("expected empty queue, len=%d", n)
			}
		})
	}
}

func TestQueueDeleteByRecord(t *testing.T) {
	t.Parallel()
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := q.Enqueue(ctx, judgeTask("a", 1), judgeTask("a", 2), judgeTask("b", 3)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if task, _ := q.Claim(ctx, Matcher{}, "w"); task == nil || task.RecordID != "b" {
				t.Fatalf("expected b first, got %v", task)
			}
			n, err := q.DeleteByRecord(ctx, "a", "b")
			if err != nil {
				t.Fatalf("delete: %v", err)
			}
			if n != 3 {
				t.Fatalf("expected 3 removed tasks, got %d", n)
			}
			if left, _ := q.Len(ctx); left != 0 {
				t.Fatalf("queue not empty: %d", left)
			}
		})
	}
}

func TestMemoryQueueReclaimExpired(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	ctx := context.Background()
	if err := q.Enqueue(ctx, judgeTask("r", 0)); err != nil {
		t.Fatal(err)
	}
	<-q.Notify()
	if task, _ := q.Claim(ctx, Matcher{}, "w"); task == nil {
		t.Fatal("claim failed")
	}
	if n, _ := q.ReclaimExpired(ctx, now.Add(30*time.Second)); n != 0 {
		t.Fatalf("lease reclaimed too early: %d", n)
	}
	if n, _ := q.ReclaimExpired(ctx, now.Add(2*time.Minute)); n != 1 {
		t.Fatalf("expected one reclaimed task, got %d", n)
	}
	select {
	case <-q.Notify():
	default:
		t.Fatal("reclaim should signal waiting consumers")
	}
	if task, _ := q.Claim(ctx, Matcher{}, "w2"); task == nil {
		t.Fatal("reclaimed task not claimable")
	}
}

func TestRedisQueueReclaimExpired(t *testing.T) {
	t.Parallel()
	q, _ := newRedisQueue(t, time.Second)
	ctx := context.Background()
	if err := q.Enqueue(ctx, judgeTask("r", 0)); err != nil {
		t.Fatal(err)
	}
	if task, _ := q.Claim(ctx, Matcher{}, "w"); task == nil {
		t.Fatal("claim failed")
	}
	if n, _ := q.ReclaimExpired(ctx, time.Now()); n != 0 {
		t.Fatalf("lease reclaimed too early: %d", n)
	}
	n, err := q.ReclaimExpired(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one reclaimed task, got %d %v", n, err)
	}
	if task, _ := q.Claim(ctx, Matcher{}, "w2"); task == nil {
		t.Fatal("reclaimed task not claimable")
	}
}

func TestRedisQueueReclaimKeepsRenewedLease(t *testing.T) {
	t.Parallel()
	q, _ := newRedisQueue(t, time.Minute)
	ctx := context.Background()
	if err := q.Enqueue(ctx, judgeTask("r", 0)); err != nil {
		t.Fatal(err)
	}
	task, _ := q.Claim(ctx, Matcher{}, "w")
	if task == nil {
		t.Fatal("claim failed")
	}
	// the lease was listed as expired, then renewed before the move
	listedAt := strconv.FormatInt(time.Now().UnixMilli(), 10)
	moved, err := q.requeue(ctx, task.ID, listedAt)
	if err != nil || moved {
		t.Fatalf("renewed lease must stay claimed, got %v %v", moved, err)
	}
	if again, _ := q.Claim(ctx, Matcher{}, "w2"); again != nil {
		t.Fatal("running task handed out twice")
	}
	n, err := q.ReclaimExpired(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expired lease must be reclaimed, got %d %v", n, err)
	}
}

func TestConsumerPreparesRetriedTasks(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		run     bool
		handled int
	}{
		{name: "run", run: true, handled: 1},
		{name: "drop", run: false, handled: 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			q := NewMemoryQueue(time.Minute)
			bg := context.Background()
			if err := q.Enqueue(bg, judgeTask("a", 0)); err != nil {
				t.Fatal(err)
			}
			// an earlier worker lost the task
			first, _ := q.Claim(bg, Matcher{}, "gone")
			if err := q.Requeue(bg, first.ID); err != nil {
				t.Fatalf("requeue: %v", err)
			}

			var retried, handled int32
			c := NewConsumer(q, ConsumerConfig{PollInterval: 5 * time.Millisecond}).
				OnRetry(func(_ context.Context, task *model.Task) (bool, error) {
					if task.Attempt != 2 {
						t.Errorf("retry attempt = %d", task.Attempt)
					}
					atomic.AddInt32(&retried, 1)
					return tc.run, nil
				})
			ctx, cancel := context.WithCancel(bg)
			done := make(chan struct{})
			go func() {
				c.Consume(ctx, Lane{Name: "test"}, func(context.Context, *model.Task) error {
					if atomic.LoadInt32(&retried) != 1 {
						t.Error("handler ran before the retry hook")
					}
					atomic.AddInt32(&handled, 1)
					return nil
				})
				close(done)
			}()
			deadline := time.After(2 * time.Second)
			for {
				if n, _ := q.Len(bg); n == 0 {
					break
				}
				select {
				case <-deadline:
					t.Fatal("retried task not finished")
				case <-time.After(5 * time.Millisecond):
				}
			}
			cancel()
			<-done
			if got := atomic.LoadInt32(&handled); int(got) != tc.handled {
				t.Fatalf("handled = %d, want %d", got, tc.handled)
			}
		})
	}
}

func TestConsumerLanes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		parallelism int
		want        int
	}{
		{0, 2},
		{1, 2},
		{2, 2},
		{5, 5},
	}
	for _, tc := range cases {
		c := NewConsumer(NewMemoryQueue(0), ConsumerConfig{Parallelism: tc.parallelism})
		lanes := c.Lanes(model.TaskTypeJudge)
		if len(lanes) != tc.want {
			t.Fatalf("parallelism %d: got %d lanes, want %d", tc.parallelism, len(lanes), tc.want)
		}
		fast := 0
		for _, l := range lanes {
			if l.Matcher.MinPriority != nil {
				fast++
				if *l.Matcher.MinPriority != FastLanePriority {
					t.Fatalf("fast lane bound = %d", *l.Matcher.MinPriority)
				}
			}
		}
		if fast != 1 {
			t.Fatalf("expected exactly one fast lane, got %d", fast)
		}
	}
}

func TestConsumerAcksAfterHandlerError(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Enqueue(ctx, judgeTask("a", 0), judgeTask("b", -100)); err != nil {
		t.Fatal(err)
	}
	c := NewConsumer(q, ConsumerConfig{Parallelism: 2, PollInterval: 5 * time.Millisecond})

	var mu sync.Mutex
	seen := map[string]int{}
	var handled int32
	done := make(chan struct{})
	go func() {
		c.Run(ctx, model.TaskTypeJudge, func(_ context.Context, task *model.Task) error {
			mu.Lock()
			seen[task.RecordID]++
			mu.Unlock()
			atomic.AddInt32(&handled, 1)
			return appErr.SystemError("sandbox down")
		})
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&handled) < 2 {
		select {
		case <-deadline:
			t.Fatalf("tasks not handled, seen=%v", seen)
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if seen["a"] != 1 || seen["b"] != 1 {
		t.Fatalf("each task must be handled once, got %v", seen)
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Fatalf("failed tasks must be acked, len=%d", n)
	}
}

func TestConsumerRequeuesOnShutdown(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	if err := q.Enqueue(ctx, judgeTask("a", 0)); err != nil {
		t.Fatal(err)
	}
	c := NewConsumer(q, ConsumerConfig{Parallelism: 2, PollInterval: 5 * time.Millisecond})

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		c.Run(ctx, model.TaskTypeJudge, func(taskCtx context.Context, _ *model.Task) error {
			close(started)
			<-taskCtx.Done()
			return taskCtx.Err()
		})
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task not claimed")
	}
	cancel()
	<-done

	bg := context.Background()
	task, err := q.Claim(bg, Matcher{}, "other")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil || task.RecordID != "a" {
		t.Fatalf("interrupted task must be pending again, got %+v", task)
	}
}

func TestConsumeSelectsMatcherPerClaim(t *testing.T) {
	t.Parallel()
	q := NewMemoryQueue(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Enqueue(ctx, judgeTask("low", -100), judgeTask("high", 10)); err != nil {
		t.Fatal(err)
	}
	c := NewConsumer(q, ConsumerConfig{PollInterval: 5 * time.Millisecond})

	var floor atomic.Int64
	floor.Store(0)
	lane := Lane{Name: "socket", Select: func() Matcher {
		min := int(floor.Load())
		return Matcher{MinPriority: &min}
	}}
	got := make(chan string, 2)
	done := make(chan struct{})
	go func() {
		c.Consume(ctx, lane, func(_ context.Context, task *model.Task) error {
			got <- task.RecordID
			floor.Store(-1000)
			return nil
		})
		close(done)
	}()
	for _, want := range []string{"high", "low"} {
		select {
		case rid := <-got:
			if rid != want {
				t.Fatalf("claimed %s, want %s", rid, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s not claimed", want)
		}
	}
	cancel()
	<-done
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.retry, time.Second, 30*time.Second); got != tc.want {
			t.Fatalf("Backoff(%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}
}
