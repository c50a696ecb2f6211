package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"judgeflow/internal/common/metrics"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"

	"github.com/google/uuid"
)

type taskHeap []*model.Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*model.Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

type lease struct {
	task    *model.Task
	worker  string
	expires time.Time
}

// MemoryQueue is an in-process Queue for single node deployments and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  taskHeap
	leased   map[string]*lease
	seq      int64
	leaseTTL time.Duration
	now      func() time.Time
	notify   chan struct{}
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(leaseTTL time.Duration) *MemoryQueue {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &MemoryQueue{
		leased:   make(map[string]*lease),
		leaseTTL: leaseTTL,
		now:      time.Now,
		notify:   make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, tasks ...*model.Task) error {
	q.mu.Lock()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		q.seq++
		t.Seq = q.seq
		cp := cloneTask(t)
		cp.Attempt = 0
		heap.Push(&q.pending, cp)
		metrics.TasksEnqueued.WithLabelValues(t.Type).Inc()
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, m Matcher, worker string) (*model.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	best := -1
	for i, t := range q.pending {
		if !m.Match(t) {
			continue
		}
		if best < 0 || less(t, q.pending[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil, nil
	}
	t := heap.Remove(&q.pending, best).(*model.Task)
	t.Attempt++
	q.leased[t.ID] = &lease{task: t, worker: worker, expires: q.now().Add(q.leaseTTL)}
	return cloneTask(t), nil
}

func (q *MemoryQueue) Extend(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.leased[id]
	if !ok {
		return appErr.Newf(appErr.TaskNotLeased, "task %s is not leased", id)
	}
	l.expires = q.now().Add(q.leaseTTL)
	return nil
}

func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.leased[id]; ok {
		delete(q.leased, id)
		return nil
	}
	for i, t := range q.pending {
		if t.ID == id {
			heap.Remove(&q.pending, i)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, id string) error {
	q.mu.Lock()
	l, ok := q.leased[id]
	if !ok {
		q.mu.Unlock()
		return appErr.Newf(appErr.TaskNotLeased, "task %s is not leased", id)
	}
	delete(q.leased, id)
	heap.Push(&q.pending, l.task)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) DeleteByRecord(_ context.Context, recordIDs ...string) (int, error) {
	drop := make(map[string]struct{}, len(recordIDs))
	for _, rid := range recordIDs {
		drop[rid] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	kept := q.pending[:0]
	for _, t := range q.pending {
		if _, ok := drop[t.RecordID]; ok {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	heap.Init(&q.pending)
	for id, l := range q.leased {
		if _, ok := drop[l.task.RecordID]; ok {
			delete(q.leased, id)
			removed++
		}
	}
	return removed, nil
}

func (q *MemoryQueue) ReclaimExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	n := 0
	for id, l := range q.leased {
		if l.expires.Before(now) {
			delete(q.leased, id)
			heap.Push(&q.pending, l.task)
			n++
		}
	}
	q.mu.Unlock()
	if n > 0 {
		q.signal()
	}
	return n, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.leased), nil
}

func (q *MemoryQueue) Notify() <-chan struct{} {
	return q.notify
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func cloneTask(t *model.Task) *model.Task {
	cp := *t
	cp.Data = append([]model.FileInfo(nil), t.Data...)
	cp.Config.Subtasks = append([]model.SubtaskConfig(nil), t.Config.Subtasks...)
	return &cp
}
