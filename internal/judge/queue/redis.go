package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/metrics"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"

	"github.com/google/uuid"
)

const defaultKeyPrefix = "judge:queue:"

// Pending tasks live in one sorted set per task type. The score is the
// negated priority and the member is the zero padded sequence followed by
// the task id, so ZRANGEBYSCORE returns the claim order directly.
var (
	enqueueScript = cache.NewScript(`
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
return 1`)

	claimScript = cache.NewScript(`
local m = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #m == 0 then
	return false
end
redis.call("ZREM", KEYS[1], m[1])
local id = string.sub(m[1], 22)
redis.call("ZADD", KEYS[2], ARGV[2], id)
redis.call("HSET", KEYS[4], id, ARGV[3])
local attempt = redis.call("HINCRBY", KEYS[5], id, 1)
return {redis.call("HGET", KEYS[3], id), attempt}`)

	extendScript = cache.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
	return 1
end
return 0`)

	requeueScript = cache.NewScript(`
local expires = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not expires then
	return 0
end
if ARGV[4] ~= "" and tonumber(expires) >= tonumber(ARGV[4]) then
	return 0
end
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
	redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
	redis.call("HDEL", KEYS[3], ARGV[1])
	return 1
end
return 0`)

	ackScript = cache.NewScript(`
local n = redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[4], ARGV[1])
redis.call("HDEL", KEYS[5], ARGV[1])
return n`)
)

// RedisQueue is a Queue shared by every judge server process using the same
// redis. Multi key changes run as Lua scripts so a task is claimed once.
type RedisQueue struct {
	cache    cache.Cache
	prefix   string
	leaseTTL time.Duration
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(c cache.Cache, prefix string, leaseTTL time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &RedisQueue{cache: c, prefix: prefix, leaseTTL: leaseTTL}
}

func (q *RedisQueue) tasksKey() string  { return q.prefix + "tasks" }
func (q *RedisQueue) leasesKey() string { return q.prefix + "leases" }
func (q *RedisQueue) ownersKey() string { return q.prefix + "owners" }
func (q *RedisQueue) seqKey() string    { return q.prefix + "seq" }
func (q *RedisQueue) attemptsKey() string {
	return q.prefix + "attempts"
}
func (q *RedisQueue) pendingKey(taskType string) string {
	return q.prefix + "pending:" + taskType
}

func member(t *model.Task) string {
	return fmt.Sprintf("%020d:%s", t.Seq, t.ID)
}

func score(t *model.Task) string {
	return strconv.Itoa(-t.Priority)
}

func (q *RedisQueue) Enqueue(ctx context.Context, tasks ...*model.Task) error {
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		seq, err := q.cache.Incr(ctx, q.seqKey())
		if err != nil {
			return appErr.Wrapf(err, appErr.QueueError, "allocate task sequence failed")
		}
		t.Seq = seq
		body, err := json.Marshal(t)
		if err != nil {
			return appErr.Wrapf(err, appErr.QueueError, "encode task failed")
		}
		keys := []string{q.tasksKey(), q.pendingKey(t.Type)}
		if _, err := q.cache.Eval(ctx, enqueueScript, keys, t.ID, string(body), score(t), member(t)); err != nil {
			return appErr.Wrapf(err, appErr.QueueError, "enqueue task failed")
		}
		metrics.TasksEnqueued.WithLabelValues(t.Type).Inc()
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, m Matcher, worker string) (*model.Task, error) {
	maxScore := "+inf"
	if m.MinPriority != nil {
		maxScore = "(" + strconv.Itoa(-*m.MinPriority)
	}
	expires := time.Now().Add(q.leaseTTL).UnixMilli()
	keys := []string{q.pendingKey(m.TaskType()), q.leasesKey(), q.tasksKey(), q.ownersKey(), q.attemptsKey()}
	res, err := q.cache.Eval(ctx, claimScript, keys, maxScore, expires, worker)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.QueueError, "claim task failed")
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, nil
	}
	body, _ := reply[0].(string)
	if body == "" {
		return nil, nil
	}
	var t model.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, appErr.Wrapf(err, appErr.QueueError, "decode task failed")
	}
	attempt, _ := reply[1].(int64)
	t.Attempt = int(attempt)
	return &t, nil
}

func (q *RedisQueue) Extend(ctx context.Context, id string) error {
	expires := time.Now().Add(q.leaseTTL).UnixMilli()
	res, err := q.cache.Eval(ctx, extendScript, []string{q.leasesKey()}, id, expires)
	if err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "extend lease failed")
	}
	if n, _ := res.(int64); n == 0 {
		return appErr.Newf(appErr.TaskNotLeased, "task %s is not leased", id)
	}
	return nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (*model.Task, error) {
	body, err := q.cache.HGet(ctx, q.tasksKey(), id)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.QueueError, "load task failed")
	}
	if body == "" {
		return nil, nil
	}
	var t model.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, appErr.Wrapf(err, appErr.QueueError, "decode task failed")
	}
	return &t, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	t, err := q.load(ctx, id)
	if err != nil || t == nil {
		return err
	}
	return q.remove(ctx, t)
}

func (q *RedisQueue) remove(ctx context.Context, t *model.Task) error {
	keys := []string{q.tasksKey(), q.pendingKey(t.Type), q.leasesKey(), q.ownersKey(), q.attemptsKey()}
	if _, err := q.cache.Eval(ctx, ackScript, keys, t.ID, member(t)); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "remove task failed")
	}
	return nil
}

func (q *RedisQueue) Requeue(ctx context.Context, id string) error {
	ok, err := q.requeue(ctx, id, "")
	if err != nil {
		return err
	}
	if !ok {
		return appErr.Newf(appErr.TaskNotLeased, "task %s is not leased", id)
	}
	return nil
}

// requeue moves a leased task back to pending. A non empty before only
// moves it when the lease expired before that unix millisecond.
func (q *RedisQueue) requeue(ctx context.Context, id, before string) (bool, error) {
	t, err := q.load(ctx, id)
	if err != nil {
		return false, err
	}
	if t == nil {
		// body is gone, only the lease entry is left
		_ = q.cache.ZRem(ctx, q.leasesKey(), id)
		return false, nil
	}
	keys := []string{q.leasesKey(), q.pendingKey(t.Type), q.ownersKey()}
	res, err := q.cache.Eval(ctx, requeueScript, keys, id, score(t), member(t), before)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.QueueError, "requeue task failed")
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (q *RedisQueue) DeleteByRecord(ctx context.Context, recordIDs ...string) (int, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}
	drop := make(map[string]struct{}, len(recordIDs))
	for _, rid := range recordIDs {
		drop[rid] = struct{}{}
	}
	all, err := q.cache.HGetAll(ctx, q.tasksKey())
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.QueueError, "list tasks failed")
	}
	removed := 0
	for _, body := range all {
		var t model.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			continue
		}
		if _, ok := drop[t.RecordID]; !ok {
			continue
		}
		if err := q.remove(ctx, &t); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	before := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := q.cache.ZRangeByScore(ctx, q.leasesKey(), "-inf", "("+before, 0)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.QueueError, "list expired leases failed")
	}
	n := 0
	for _, id := range ids {
		ok, err := q.requeue(ctx, id, before)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	all, err := q.cache.HGetAll(ctx, q.tasksKey())
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.QueueError, "count tasks failed")
	}
	return len(all), nil
}

// Notify returns nil, consumers of a RedisQueue rely on polling.
func (q *RedisQueue) Notify() <-chan struct{} {
	return nil
}
