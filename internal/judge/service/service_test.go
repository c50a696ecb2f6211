package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"judgeflow/internal/common/mq"
	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/priority"
	"judgeflow/internal/judge/queue"
	"judgeflow/internal/judge/repository"
	appErr "judgeflow/pkg/errors"
)

const bucket = "judge"

func putObject(t *testing.T, store *storage.MemoryStorage, key, content string) {
	t.Helper()
	if err := store.PutObject(context.Background(), bucket, key, strings.NewReader(content), int64(len(content)), ""); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

type recorder struct {
	mu      sync.Mutex
	changes []model.RecordChange
}

func (r *recorder) Broadcast(_ context.Context, change model.RecordChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *recorder) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.changes {
		out = append(out, c.Reason)
	}
	return out
}

type fixture struct {
	svc   *RecordService
	store *repository.MemoryStore
	queue *queue.MemoryQueue
	blobs *storage.MemoryStorage
	seen  *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs := storage.NewMemoryStorage("http://blob.local")
	putObject(t, blobs, "problem/system/1/testdata/1.in", "1")
	putObject(t, blobs, "problem/system/1/testdata/1.out", "1")
	putObject(t, blobs, "problem/system/1/testdata/config.yaml", "time: 2s\nmemory: 128m\n")
	putObject(t, blobs, "problem/system/1/problem.yaml", "owner: 7\n")
	putObject(t, blobs, "problem/system/2/testdata/config.yaml", "type: remote_judge\nsubType: csgoj\ntarget: P1000\n")
	putObject(t, blobs, "problem/contest/3/problem.yaml", "owner: 9\nreference:\n  domainId: system\n  pid: 1\n")

	store := repository.NewMemoryStore()
	q := queue.NewMemoryQueue(time.Minute)
	seen := &recorder{}
	svc, err := NewRecordService(Config{
		Store:       store,
		Queue:       q,
		Problems:    NewStorageProblems(blobs, bucket, time.Minute, 0),
		Priority:    priority.NewEstimator(store, 0),
		Broadcaster: seen,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &fixture{svc: svc, store: store, queue: q, blobs: blobs, seen: seen}
}

func (f *fixture) claim(t *testing.T, taskType string) *model.Task {
	t.Helper()
	task, err := f.queue.Claim(context.Background(), queue.Matcher{Type: taskType}, "test")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return task
}

func TestStorageProblems(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	src := NewStorageProblems(f.blobs, bucket, 0, time.Second)
	ctx := context.Background()

	p, err := src.Problem(ctx, "system", 1)
	if err != nil {
		t.Fatalf("problem: %v", err)
	}
	if p.Owner != 7 || p.Config.Time != "2s" || p.Config.Memory != "128m" {
		t.Fatalf("problem = %+v", p)
	}
	if len(p.Data) != 3 || p.Data[0].Name != "1.in" || p.Data[0].ETag == "" {
		t.Fatalf("data = %+v", p.Data)
	}
	if p.Source() != "system/1" {
		t.Fatalf("source = %s", p.Source())
	}

	ref, err := src.Problem(ctx, "contest", 3)
	if err != nil {
		t.Fatalf("problem: %v", err)
	}
	if ref.Reference == nil || ref.Reference.DomainID != "system" || ref.Reference.PID != 1 {
		t.Fatalf("reference = %+v", ref.Reference)
	}

	if _, err := src.Problem(ctx, "system", 404); !appErr.Is(err, appErr.ProblemNotFound) {
		t.Fatalf("missing problem err = %v", err)
	}
}

func TestStorageProblemsCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	src := NewStorageProblems(f.blobs, bucket, time.Hour, 0)
	ctx := context.Background()
	if _, err := src.Problem(ctx, "system", 1); err != nil {
		t.Fatal(err)
	}
	putObject(t, f.blobs, "problem/system/1/testdata/config.yaml", "time: 5s\n")
	p, _ := src.Problem(ctx, "system", 1)
	if p.Config.Time != "2s" {
		t.Fatalf("cached config expected, got %q", p.Config.Time)
	}
	src.Invalidate("system", 1)
	p, _ = src.Problem(ctx, "system", 1)
	if p.Config.Time != "5s" {
		t.Fatalf("fresh config expected after invalidate, got %q", p.Config.Time)
	}
}

func TestRecordServiceAdd(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		sub      Submission
		taskType string
		base     int
		check    func(t *testing.T, rec *model.Record, task *model.Task)
	}{
		{
			name:     "judge",
			sub:      Submission{DomainID: "system", PID: 1, UID: 1, Lang: "cc", Code: "x"},
			taskType: model.TaskTypeJudge,
			base:     priority.BaseNormal,
			check: func(t *testing.T, rec *model.Record, task *model.Task) {
				if task.Source != "system/1" || task.Meta.ProblemOwner != 7 || len(task.Data) != 3 {
					t.Fatalf("task = %+v", task)
				}
				if !task.Config.ShowDetail() {
					t.Fatal("detail must default to shown")
				}
			},
		},
		{
			name:     "contest hides detail",
			sub:      Submission{DomainID: "system", PID: 1, UID: 1, Lang: "cc", Code: "x", Contest: "c1", Type: TypeContest},
			taskType: model.TaskTypeJudge,
			base:     priority.BaseContest,
			check: func(t *testing.T, rec *model.Record, task *model.Task) {
				if task.Config.ShowDetail() {
					t.Fatal("contest submissions must hide detail")
				}
				if rec.Contest != "c1" {
					t.Fatalf("contest = %q", rec.Contest)
				}
			},
		},
		{
			name:     "rejudge",
			sub:      Submission{DomainID: "system", PID: 1, UID: 1, Lang: "cc", Code: "x", Type: TypeRejudge},
			taskType: model.TaskTypeJudge,
			base:     priority.BaseNormal,
			check: func(t *testing.T, rec *model.Record, task *model.Task) {
				if !rec.Rejudged || !task.Meta.Rejudge {
					t.Fatalf("rejudge flags missing: %+v %+v", rec, task.Meta)
				}
			},
		},
		{
			name:     "remote",
			sub:      Submission{DomainID: "system", PID: 2, UID: 1, Lang: "csgoj.1", Code: "x"},
			taskType: model.TaskTypeRemoteJudge,
			base:     priority.BaseNormal,
		},
		{
			name:     "hack",
			sub:      Submission{DomainID: "system", PID: 1, UID: 1, Lang: "cc", Code: "x", Type: TypeHack},
			taskType: model.TaskTypeJudge,
			base:     priority.BasePretest,
		},
		{
			name:     "remote pretest stays local",
			sub:      Submission{DomainID: "system", PID: 2, UID: 1, Lang: "cc", Code: "x", Input: "1 2", Type: TypePretest},
			taskType: model.TaskTypeJudge,
			base:     priority.BasePretest,
			check: func(t *testing.T, rec *model.Record, _ *model.Task) {
				if rec.Contest != PretestContest || rec.Input != "1 2" {
					t.Fatalf("pretest record = %+v", rec)
				}
			},
		},
		{
			name:     "reference",
			sub:      Submission{DomainID: "contest", PID: 3, UID: 1, Lang: "cc", Code: "x"},
			taskType: model.TaskTypeJudge,
			base:     priority.BaseNormal,
			check: func(t *testing.T, _ *model.Record, task *model.Task) {
				if task.Source != "system/1" || task.DomainID != "contest" || task.Meta.ProblemOwner != 7 {
					t.Fatalf("task = %+v", task)
				}
			},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			rec, err := f.svc.Add(context.Background(), tc.sub, true)
			if err != nil {
				t.Fatalf("add: %v", err)
			}
			if rec.Status != model.StatusWaiting || rec.ID == "" {
				t.Fatalf("record = %+v", rec)
			}
			task := f.claim(t, tc.taskType)
			if task == nil || task.RecordID != rec.ID {
				t.Fatalf("task for %s not queued as %s", rec.ID, tc.taskType)
			}
			// the new record itself is pending when the priority is computed,
			// unless it is a rejudge
			pending := 1
			if tc.sub.Type == TypeRejudge {
				pending = 0
			}
			if want := priority.Compute(tc.base, pending, 0); task.Priority != want {
				t.Fatalf("priority = %d, want %d", task.Priority, want)
			}
			if tc.check != nil {
				tc.check(t, rec, task)
			}
		})
	}
}

func TestRecordServiceAddValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	bad := []Submission{
		{PID: 1, Lang: "cc", Code: "x"},
		{DomainID: "system", Lang: "cc", Code: "x"},
		{DomainID: "system", PID: 1, Code: "x"},
		{DomainID: "system", PID: 1, Lang: "cc"},
		{DomainID: "system", PID: 1, Lang: "cc", Code: "x", Type: "bogus"},
	}
	for _, sub := range bad {
		if _, err := f.svc.Add(context.Background(), sub, true); !appErr.Is(err, appErr.ValidationFailed) {
			t.Fatalf("Add(%+v) err = %v", sub, err)
		}
	}
}

func TestRecordServiceAddWithoutTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.svc.Add(context.Background(), Submission{DomainID: "system", PID: 1, Lang: "cc", Code: "x"}, false); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.queue.Len(context.Background()); n != 0 {
		t.Fatalf("no task expected, len=%d", n)
	}
}

func TestRecordServiceJudgeUnknownRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	n, err := f.svc.Judge(context.Background(), "system", []string{"missing"}, 0, JudgeOptions{})
	if err != nil || n != 0 {
		t.Fatalf("judge = %d, %v", n, err)
	}
}

func finish(t *testing.T, f *fixture, rid string) {
	t.Helper()
	upd := model.RecordUpdate{
		Set:  model.RecordSet{Status: model.Ptr(model.StatusWrongAnswer), Score: model.Ptr(30), Time: model.Ptr(int64(5))},
		Push: model.RecordPush{TestCases: []model.TestCase{{ID: 1, Status: model.StatusWrongAnswer}}, JudgeTexts: []string{"x"}},
	}
	if _, err := f.store.Update(context.Background(), "system", rid, upd, model.UpdateCondition{}); err != nil {
		t.Fatal(err)
	}
}

func TestRecordServiceRejudge(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.svc.Add(ctx, Submission{DomainID: "system", PID: 1, UID: 1, Lang: "cc", Code: "x"}, true)
	if err != nil {
		t.Fatal(err)
	}
	finish(t, f, rec.ID)

	got, err := f.svc.Rejudge(ctx, "system", rec.ID)
	if err != nil {
		t.Fatalf("rejudge: %v", err)
	}
	if got.Status != model.StatusWaiting || got.Score != 0 || got.Time != 0 || len(got.TestCases) != 0 || len(got.JudgeTexts) != 0 {
		t.Fatalf("record not reset: %+v", got)
	}
	if !got.Rejudged {
		t.Fatal("rejudged flag not set")
	}
	if n, _ := f.queue.Len(ctx); n != 1 {
		t.Fatalf("old task must be replaced, len=%d", n)
	}
	task := f.claim(t, model.TaskTypeJudge)
	if !task.Meta.Rejudge {
		t.Fatalf("task meta = %+v", task.Meta)
	}
	// rejudged records do not count against the submitter
	if want := priority.Compute(priority.BaseRejudge, 0, 0); task.Priority != want {
		t.Fatalf("priority = %d, want %d", task.Priority, want)
	}
	reasons := strings.Join(f.seen.reasons(), ",")
	if reasons != "add,reset" {
		t.Fatalf("broadcasts = %s", reasons)
	}
}

func TestRecordServiceCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.svc.Add(ctx, Submission{DomainID: "system", PID: 1, UID: 1, Lang: "cc", Code: "x"}, true)
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.Cancel(ctx, "system", rec.ID, "canceled by admin")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != model.StatusCanceled || got.Score != 0 {
		t.Fatalf("record = %+v", got)
	}
	if len(got.TestCases) != 1 || got.TestCases[0].Status != model.StatusCanceled {
		t.Fatalf("cases = %+v", got.TestCases)
	}
	if len(got.JudgeTexts) != 1 || got.JudgeTexts[0] != "canceled by admin" {
		t.Fatalf("judge texts = %v", got.JudgeTexts)
	}
	if n, _ := f.queue.Len(ctx); n != 0 {
		t.Fatalf("tasks of canceled record must be removed, len=%d", n)
	}
	if _, err := f.svc.Cancel(ctx, "system", "missing", ""); !appErr.Is(err, appErr.RecordNotFound) {
		t.Fatalf("cancel missing err = %v", err)
	}
}

type fakeJudger struct {
	got []model.JudgeContext
}

func (j *fakeJudger) Handle(_ context.Context, jc model.JudgeContext) error {
	j.got = append(j.got, jc)
	return nil
}

func TestSchedulerHandleTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.svc.Add(ctx, Submission{DomainID: "system", PID: 1, UID: 4, Lang: "py", Code: "print(1)"}, true)
	if err != nil {
		t.Fatal(err)
	}
	j := &fakeJudger{}
	s := NewScheduler(f.store, j)

	task := f.claim(t, model.TaskTypeJudge)
	if err := s.HandleTask(ctx, task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(j.got) != 1 {
		t.Fatalf("judger calls = %d", len(j.got))
	}
	jc := j.got[0]
	if jc.RecordID != rec.ID || jc.Code != "print(1)" || jc.Lang != "py" || jc.UID != 4 || jc.Source != "system/1" || jc.TaskID != task.ID {
		t.Fatalf("merged context = %+v", jc)
	}

	if err := s.HandleTask(ctx, &model.Task{RecordID: "gone", DomainID: "system"}); err != nil {
		t.Fatalf("missing record must be dropped silently, got %v", err)
	}
	if len(j.got) != 1 {
		t.Fatal("judger must not run for a missing record")
	}
}

func TestIntakeHandleMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := NewIntake(f.svc)
	ctx := context.Background()

	body, _ := json.Marshal(Submission{DomainID: "system", PID: 1, UID: 1, Lang: "cc", Code: "x"})
	if err := in.HandleMessage(ctx, &mq.Message{ID: "m1", Body: body}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n, _ := f.queue.Len(ctx); n != 1 {
		t.Fatalf("queued = %d, want 1", n)
	}

	for _, raw := range []string{"{", `{"domainId":"system"}`, `{"domainId":"system","pid":404,"lang":"cc","code":"x"}`} {
		if err := in.HandleMessage(ctx, &mq.Message{ID: "bad", Body: []byte(raw)}); err != nil {
			t.Fatalf("bad message %s must be dropped, got %v", raw, err)
		}
	}
}
