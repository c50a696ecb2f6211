// Package queue holds pending judge tasks ordered by priority and hands them
// to worker loops under a lease.
package queue

import (
	"context"
	"time"

	"judgeflow/internal/judge/model"
)

// DefaultLeaseTTL is how long a claimed task stays invisible to other
// claimers before ReclaimExpired returns it to pending.
const DefaultLeaseTTL = 30 * time.Minute

// Matcher selects which tasks a claimer accepts.
type Matcher struct {
	// Type is the task type, defaults to "judge".
	Type string
	// MinPriority, when set, is an exclusive lower bound on priority.
	MinPriority *int
}

// TaskType returns the matched type with the default applied.
func (m Matcher) TaskType() string {
	if m.Type == "" {
		return model.TaskTypeJudge
	}
	return m.Type
}

// Match reports whether t is acceptable.
func (m Matcher) Match(t *model.Task) bool {
	if t.Type != m.TaskType() {
		return false
	}
	return m.MinPriority == nil || t.Priority > *m.MinPriority
}

// Queue is the task store shared by producers and workers.
//
// Tasks are ordered by priority descending, then by insertion sequence.
// A claimed task is leased: other claimers skip it until it is acked,
// requeued or its lease expires.
type Queue interface {
	// Enqueue assigns ID (when empty) and Seq, then makes tasks claimable.
	Enqueue(ctx context.Context, tasks ...*model.Task) error
	// Claim leases the best matching task to worker. It returns nil, nil
	// when nothing matches.
	Claim(ctx context.Context, m Matcher, worker string) (*model.Task, error)
	// Extend pushes the lease deadline of a claimed task forward.
	Extend(ctx context.Context, id string) error
	// Ack removes a task, leased or not. Unknown ids are ignored.
	Ack(ctx context.Context, id string) error
	// Requeue returns a leased task to pending.
	Requeue(ctx context.Context, id string) error
	// DeleteByRecord drops every task of the given records.
	DeleteByRecord(ctx context.Context, recordIDs ...string) (int, error)
	// ReclaimExpired returns tasks whose lease ended before now to pending.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
	// Len counts pending and leased tasks.
	Len(ctx context.Context) (int, error)
	// Notify is signalled when new work may be available. It may be nil.
	Notify() <-chan struct{}
}

// less orders two tasks for claiming.
func less(a, b *model.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}
