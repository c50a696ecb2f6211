package task

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/priority"
	"judgeflow/internal/judge/queue"
	"judgeflow/internal/judge/repository"
	"judgeflow/internal/judge/router"
	"judgeflow/internal/judge/service"
	appErr "judgeflow/pkg/errors"
)

// routedBackend hands events straight to a router, like the builtin host.
type routedBackend struct {
	dir    string
	router *router.Router
}

func (b *routedBackend) CacheOpen(context.Context, string, []model.FileInfo, func(string)) (string, error) {
	return b.dir, nil
}

func (b *routedBackend) GetLang(name string, doThrow bool) (*model.LanguageConfig, error) {
	cfg, ok := testLangs.Lookup(name)
	if !ok {
		if doThrow {
			return nil, appErr.SystemError("Unsupported language %s", name)
		}
		return nil, nil
	}
	return &cfg, nil
}

func (b *routedBackend) FetchFile(_ context.Context, name string) (string, error) {
	return "", appErr.FormatError("File %s not found.", name)
}

func (b *routedBackend) Next(ctx context.Context, ev model.JudgeEvent) error {
	_, err := b.router.OnNext(ctx, ev)
	return err
}

func (b *routedBackend) End(ctx context.Context, ev model.JudgeEvent) error {
	_, err := b.router.OnEnd(ctx, ev)
	return err
}

type broadcasts struct {
	mu      sync.Mutex
	reasons []string
}

func (b *broadcasts) observe(_ context.Context, c model.RecordChange) {
	b.mu.Lock()
	b.reasons = append(b.reasons, c.Reason)
	b.mu.Unlock()
}

func (b *broadcasts) list() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reasons...)
}

type pipeline struct {
	store   *repository.MemoryStore
	queue   *queue.MemoryQueue
	router  *router.Router
	records *service.RecordService
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	ctx := context.Background()
	blobs := storage.NewMemoryStorage("http://blob.local")
	for key, body := range map[string]string{
		"problem/system/1/testdata/1.in":        "1",
		"problem/system/1/testdata/1.out":       "1",
		"problem/system/1/testdata/config.yaml": "time: 1s\nmemory: 64m\n",
	} {
		if err := blobs.PutObject(ctx, "judge", key, strings.NewReader(body), int64(len(body)), ""); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	store := repository.NewMemoryStore()
	q := queue.NewMemoryQueue(time.Minute)
	r := router.New(router.Config{Store: store, Tasks: q})
	svc, err := service.NewRecordService(service.Config{
		Store:       store,
		Queue:       q,
		Problems:    service.NewStorageProblems(blobs, "judge", time.Minute, 0),
		Priority:    priority.NewEstimator(store, 0),
		Broadcaster: r,
	})
	if err != nil {
		t.Fatalf("record service: %v", err)
	}
	return &pipeline{store: store, queue: q, router: r, records: svc}
}

func TestSubmissionToFinalRecord(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name        string
		performance bool
		want        []string
	}{
		{name: "incremental", want: []string{model.EventNext, model.EventNext, model.EventEnd}},
		{name: "performance", performance: true, want: []string{model.EventEnd}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := newPipeline(t)
			ctx := context.Background()
			rec, err := p.records.Add(ctx, service.Submission{DomainID: "system", PID: 1, UID: 1, Lang: "cc", Code: "x"}, true)
			if err != nil {
				t.Fatalf("add: %v", err)
			}
			claimed, err := p.queue.Claim(ctx, queue.Matcher{}, "w1")
			if err != nil || claimed == nil || claimed.RecordID != rec.ID {
				t.Fatalf("claim = %+v, %v", claimed, err)
			}
			// the fresh record is the one pending submission of its user
			if want := priority.Compute(priority.BaseNormal, 1, 0); claimed.Priority != want {
				t.Fatalf("priority = %d, want %d", claimed.Priority, want)
			}

			seen := &broadcasts{}
			p.router.Subscribe(seen.observe)
			emit := newEmitter(&routedBackend{router: p.router}, model.MergeTask(rec, *claimed), "w1", tc.performance)
			pass := model.TestCase{ID: 1, Status: model.StatusAccepted, Score: 50, Time: 3, Memory: 512}
			fail := model.TestCase{ID: 2, Status: model.StatusWrongAnswer, Time: 4, Memory: 256}
			for _, c := range []model.TestCase{pass, fail} {
				c := c
				if err := emit.Next(ctx, model.JudgeEvent{Case: &c, AddProgress: 50}); err != nil {
					t.Fatalf("next: %v", err)
				}
			}
			err = emit.End(ctx, model.JudgeEvent{
				Status: model.Ptr(model.StatusWrongAnswer),
				Score:  model.Ptr(50),
				Time:   model.Ptr(int64(7)),
				Memory: model.Ptr(int64(512)),
			})
			if err != nil {
				t.Fatalf("end: %v", err)
			}

			got, err := p.store.Get(ctx, "system", rec.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != model.StatusWrongAnswer || got.Score != 50 || len(got.TestCases) != 2 {
				t.Fatalf("final record = %+v", got)
			}
			if got.TestCases[0].ID != 1 || got.TestCases[1].ID != 2 {
				t.Fatalf("cases out of order: %+v", got.TestCases)
			}
			if reasons := seen.list(); strings.Join(reasons, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("broadcasts = %v, want %v", reasons, tc.want)
			}
			if n, _ := p.queue.Len(ctx); n != 0 {
				t.Fatalf("task of finished record left in queue: %d", n)
			}
		})
	}
}

func TestMissingRecordTaskIsSilent(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	seen := &broadcasts{}
	p.router.Subscribe(seen.observe)
	b := &routedBackend{dir: writeData(t, map[string]string{"1.in": "1", "1.out": "1"}), router: p.router}
	scheduler := service.NewScheduler(p.store, NewRunner(b, &fakeExecutor{}, nil, Config{Judger: "w1"}))

	task := &model.Task{ID: "t1", Type: model.TaskTypeJudge, RecordID: "gone", DomainID: "system", Source: "system/1"}
	if err := scheduler.HandleTask(context.Background(), task); err != nil {
		t.Fatalf("missing record must not fail the task, got %v", err)
	}
	if reasons := seen.list(); len(reasons) != 0 {
		t.Fatalf("no record change expected, got %v", reasons)
	}
}
