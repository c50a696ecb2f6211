package task

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/sandbox"
	appErr "judgeflow/pkg/errors"
)

type fakeBackend struct {
	dir   string
	langs model.LanguageMap
	files map[string]string

	mu     sync.Mutex
	events []model.JudgeEvent
}

func (b *fakeBackend) CacheOpen(_ context.Context, _ string, _ []model.FileInfo, progress func(string)) (string, error) {
	progress("Syncing testdata, please wait...")
	return b.dir, nil
}

func (b *fakeBackend) GetLang(name string, doThrow bool) (*model.LanguageConfig, error) {
	cfg, ok := b.langs.Lookup(name)
	if !ok {
		if doThrow {
			return nil, appErr.SystemError("Unsupported language %s", name)
		}
		return nil, nil
	}
	return &cfg, nil
}

func (b *fakeBackend) FetchFile(_ context.Context, name string) (string, error) {
	p, ok := b.files[name]
	if !ok {
		return "", appErr.FormatError("File %s not found.", name)
	}
	return p, nil
}

func (b *fakeBackend) Next(_ context.Context, ev model.JudgeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *fakeBackend) End(ctx context.Context, ev model.JudgeEvent) error {
	return b.Next(ctx, ev)
}

func (b *fakeBackend) ends() []model.JudgeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.JudgeEvent
	for _, ev := range b.events {
		if ev.Key == model.EventEnd {
			out = append(out, ev)
		}
	}
	return out
}

func (b *fakeBackend) caseEvents() []model.JudgeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.JudgeEvent
	for _, ev := range b.events {
		if ev.Key == model.EventNext && ev.Case != nil {
			out = append(out, ev)
		}
	}
	return out
}

// fakeExecutor compiles everything successfully unless compile is set and
// runs programs that echo their input.
type fakeExecutor struct {
	compile func(sandbox.Cmd) sandbox.Result
	run     func(context.Context, sandbox.Cmd) (sandbox.Result, error)

	mu      sync.Mutex
	deleted []string
}

func (e *fakeExecutor) Run(ctx context.Context, cmds ...sandbox.Cmd) ([]sandbox.Result, error) {
	cmd := cmds[0]
	if len(cmd.CopyOutCached) > 0 {
		if e.compile != nil {
			return []sandbox.Result{e.compile(cmd)}, nil
		}
		return []sandbox.Result{{Status: sandbox.StatusAccepted, FileIDs: map[string]string{cmd.CopyOutCached[0]: "bin-1"}}}, nil
	}
	if e.run != nil {
		res, err := e.run(ctx, cmd)
		return []sandbox.Result{res}, err
	}
	return []sandbox.Result{echo(cmd)}, nil
}

func (e *fakeExecutor) DeleteFile(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = append(e.deleted, id)
	return nil
}

func echo(cmd sandbox.Cmd) sandbox.Result {
	in := cmd.Files[0]
	var out string
	switch {
	case in.Content != nil:
		out = *in.Content
	case in.Src != nil:
		b, err := os.ReadFile(*in.Src)
		if err != nil {
			return sandbox.Result{Status: sandbox.StatusFileError, Error: err.Error()}
		}
		out = string(b)
	}
	return sandbox.Result{
		Status: sandbox.StatusAccepted,
		Time:   uint64(10 * time.Millisecond),
		Memory: uint64(len(out)+1) * 1024,
		Files:  map[string]string{"stdout": out},
	}
}

func writeData(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

var testLangs = model.LanguageMap{
	"cc": {Key: "cc", CodeFile: "foo.cc", Compile: "g++ -O2 -o foo foo.cc", Execute: "./foo", Target: "foo"},
	"py": {Key: "py", CodeFile: "foo.py", Execute: "python3 foo.py"},
}

func newTestRunner(b *fakeBackend, e *fakeExecutor, cfg Config) *Runner {
	if cfg.Judger == "" {
		cfg.Judger = "judge-1"
	}
	return NewRunner(b, e, nil, cfg)
}

func judgeContext(lang string) model.JudgeContext {
	return model.JudgeContext{RecordID: "r1", DomainID: "system", Lang: lang, Code: "int main(){}", Source: "system/1"}
}

func TestRunnerAccepted(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{
		dir:   writeData(t, map[string]string{"1.in": "1\n", "1.out": "1", "2.in": "22\n", "2.ans": "22\n"}),
		langs: testLangs,
	}
	e := &fakeExecutor{}
	if err := newTestRunner(b, e, Config{}).Handle(context.Background(), judgeContext("cpp")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var statuses []model.Status
	for _, ev := range b.events {
		if ev.Key == model.EventNext && ev.Status != nil && ev.Case == nil {
			statuses = append(statuses, *ev.Status)
		}
		if ev.RecordID != "r1" || ev.DomainID != "system" || ev.Judger != "judge-1" {
			t.Fatalf("event not stamped: %+v", ev)
		}
	}
	want := []model.Status{model.StatusFetched, model.StatusCompiling, model.StatusJudging}
	if len(statuses) != len(want) {
		t.Fatalf("stage statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("stage statuses = %v, want %v", statuses, want)
		}
	}
	if got := len(b.caseEvents()); got != 2 {
		t.Fatalf("case events = %d, want 2", got)
	}
	ends := b.ends()
	if len(ends) != 1 {
		t.Fatalf("ends = %d, want 1", len(ends))
	}
	end := ends[0]
	if *end.Status != model.StatusAccepted || *end.Score != 100 {
		t.Fatalf("end = %v/%d, want accepted/100", *end.Status, *end.Score)
	}
	if *end.Time != 20 {
		t.Fatalf("time = %d, want sum 20", *end.Time)
	}
	if *end.Memory != 4 {
		t.Fatalf("memory = %d, want max 4", *end.Memory)
	}
	if len(e.deleted) != 1 || e.deleted[0] != "bin-1" {
		t.Fatalf("compiled file not cleaned up: %v", e.deleted)
	}
}

func TestRunnerPerformanceModeBuffersCases(t *testing.T) {
	t.Parallel()
	data := map[string]string{"1.in": "a", "1.out": "a", "2.in": "b", "2.out": "b", "3.in": "c", "3.out": "c"}
	cases := []struct {
		name string
		cfg  Config
		meta model.JudgeMeta
	}{
		{name: "config", cfg: Config{Performance: true}},
		{name: "rejudge", meta: model.JudgeMeta{Rejudge: true}},
		{name: "hack", meta: model.JudgeMeta{HackRejudge: "h1"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := &fakeBackend{dir: writeData(t, data), langs: testLangs}
			jc := judgeContext("cc")
			jc.Meta = tc.meta
			if err := newTestRunner(b, &fakeExecutor{}, tc.cfg).Handle(context.Background(), jc); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if got := len(b.caseEvents()); got != 0 {
				t.Fatalf("case events sent before end: %d", got)
			}
			ends := b.ends()
			if len(ends) != 1 || len(ends[0].Cases) != 3 {
				t.Fatalf("end must carry the 3 cases, got %+v", ends)
			}
			for i, c := range ends[0].Cases {
				if c.ID != i+1 {
					t.Fatalf("cases out of order: %+v", ends[0].Cases)
				}
			}
		})
	}
}

func TestRunnerCompileError(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{dir: writeData(t, map[string]string{"1.in": "a", "1.out": "a"}), langs: testLangs}
	e := &fakeExecutor{compile: func(sandbox.Cmd) sandbox.Result {
		return sandbox.Result{
			Status:     sandbox.StatusNonZeroExitStatus,
			ExitStatus: 1,
			Files: map[string]string{
				"stdout": "  \n",
				"stderr": "/nix/store/0123456789abcdefghijklmnopqrstuv-gcc-13/include/x.h: error",
			},
		}
	}}
	if err := newTestRunner(b, e, Config{}).Handle(context.Background(), judgeContext("cc")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	ends := b.ends()
	if len(ends) != 1 {
		t.Fatalf("ends = %d, want 1", len(ends))
	}
	if *ends[0].Status != model.StatusCompileError {
		t.Fatalf("status = %v, want compile error", *ends[0].Status)
	}
	if ends[0].CompilerText != "/nix/gcc-13/include/x.h: error" {
		t.Fatalf("compilerText = %q", ends[0].CompilerText)
	}
	if len(b.caseEvents()) != 0 {
		t.Fatal("no case must run after a compile error")
	}
}

func TestRunnerCompilerWarningsAreReported(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{dir: writeData(t, map[string]string{"1.in": "a", "1.out": "a"}), langs: testLangs}
	e := &fakeExecutor{compile: func(cmd sandbox.Cmd) sandbox.Result {
		return sandbox.Result{
			Status:  sandbox.StatusAccepted,
			Files:   map[string]string{"stderr": "warning: unused variable"},
			FileIDs: map[string]string{cmd.CopyOutCached[0]: "bin-2"},
		}
	}}
	if err := newTestRunner(b, e, Config{}).Handle(context.Background(), judgeContext("cc")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	found := false
	for _, ev := range b.events {
		if ev.CompilerText == "warning: unused variable" {
			found = true
		}
	}
	if !found {
		t.Fatal("compiler warnings not sent")
	}
	if end := b.ends()[0]; *end.Status != model.StatusAccepted {
		t.Fatalf("status = %v, want accepted", *end.Status)
	}
}

func TestRunnerSystemErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		lang    string
		data    map[string]string
		config  model.ProblemConfig
		message string
	}{
		{
			name:    "unsupported language",
			lang:    "brainfuck",
			data:    map[string]string{"1.in": "a", "1.out": "a"},
			message: "Unsupported language brainfuck",
		},
		{
			name:    "no cases",
			lang:    "cc",
			data:    map[string]string{"readme.md": "x"},
			message: "No test cases found.",
		},
		{
			name: "missing case file",
			lang: "cc",
			data: map[string]string{"1.in": "a"},
			config: model.ProblemConfig{Subtasks: []model.SubtaskConfig{
				{ID: 1, Cases: []model.CaseConfig{{Input: "1.in", Output: "1.out"}}},
			}},
			message: "File 1.out not found.",
		},
		{
			name:    "unsupported problem type",
			lang:    "cc",
			data:    map[string]string{"1.in": "a", "1.out": "a"},
			config:  model.ProblemConfig{Type: model.ProblemTypeObjective},
			message: "Unsupported problem type objective",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := &fakeBackend{dir: writeData(t, tc.data), langs: testLangs}
			jc := judgeContext(tc.lang)
			jc.Config = tc.config
			if err := newTestRunner(b, &fakeExecutor{}, Config{}).Handle(context.Background(), jc); err != nil {
				t.Fatalf("handle: %v", err)
			}
			ends := b.ends()
			if len(ends) != 1 {
				t.Fatalf("ends = %d, want 1", len(ends))
			}
			if *ends[0].Status != model.StatusSystemError {
				t.Fatalf("status = %v, want system error", *ends[0].Status)
			}
			if ends[0].Message != tc.message {
				t.Fatalf("message = %q, want %q", ends[0].Message, tc.message)
			}
		})
	}
}

func TestRunnerSubtaskScoring(t *testing.T) {
	t.Parallel()
	data := map[string]string{
		"1.in": "a", "1.out": "a",
		"2.in": "b", "2.out": "wrong",
		"3.in": "c", "3.out": "c",
		"4.in": "d", "4.out": "d",
		"5.in": "e", "5.out": "wrong",
		"6.in": "f", "6.out": "f",
	}
	cfg := model.ProblemConfig{Subtasks: []model.SubtaskConfig{
		{ID: 1, Type: model.SubtaskMin, Score: 30, Cases: []model.CaseConfig{
			{Input: "1.in", Output: "1.out"}, {Input: "2.in", Output: "2.out"}, {Input: "3.in", Output: "3.out"},
		}},
		{ID: 2, Type: model.SubtaskSum, Score: 40, Cases: []model.CaseConfig{
			{Input: "4.in", Output: "4.out"}, {Input: "5.in", Output: "5.out"},
		}},
		{ID: 3, Type: model.SubtaskMax, Score: 30, Cases: []model.CaseConfig{
			{Input: "6.in", Output: "6.out"},
		}},
	}}
	b := &fakeBackend{dir: writeData(t, data), langs: testLangs}
	jc := judgeContext("py")
	jc.Config = cfg
	if err := newTestRunner(b, &fakeExecutor{}, Config{}).Handle(context.Background(), jc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	cases := b.caseEvents()
	if len(cases) != 6 {
		t.Fatalf("case events = %d, want 6", len(cases))
	}
	wantStatus := []model.Status{
		model.StatusAccepted, model.StatusWrongAnswer, model.StatusIgnored,
		model.StatusAccepted, model.StatusWrongAnswer, model.StatusAccepted,
	}
	var progress float64
	for i, ev := range cases {
		if ev.Case.Status != wantStatus[i] {
			t.Fatalf("case %d status = %v, want %v", i+1, ev.Case.Status, wantStatus[i])
		}
		progress += ev.AddProgress
	}
	if progress < 99.99 || progress > 100.01 {
		t.Fatalf("progress adds up to %v", progress)
	}
	end := b.ends()[0]
	if *end.Status != model.StatusWrongAnswer {
		t.Fatalf("status = %v, want first failure", *end.Status)
	}
	if *end.Score != 0+20+30 {
		t.Fatalf("score = %d, want 50", *end.Score)
	}
	if st := end.Subtasks[1]; st.Score != 0 || st.Status != model.StatusWrongAnswer {
		t.Fatalf("subtask 1 = %+v", st)
	}
	if st := end.Subtasks[2]; st.Score != 20 {
		t.Fatalf("subtask 2 = %+v", st)
	}
	if st := end.Subtasks[3]; st.Score != 30 || st.Status != model.StatusAccepted {
		t.Fatalf("subtask 3 = %+v", st)
	}
}

func TestRunnerRuntimeErrorAndHiddenDetail(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{dir: writeData(t, map[string]string{"1.in": "a", "1.out": "a"}), langs: testLangs}
	e := &fakeExecutor{run: func(context.Context, sandbox.Cmd) (sandbox.Result, error) {
		return sandbox.Result{Status: sandbox.StatusNonZeroExitStatus, ExitStatus: 3}, nil
	}}
	for _, detail := range []bool{true, false} {
		b.events = nil
		jc := judgeContext("cc")
		jc.Config.Detail = model.Ptr(detail)
		if err := newTestRunner(b, e, Config{}).Handle(context.Background(), jc); err != nil {
			t.Fatalf("handle: %v", err)
		}
		c := b.caseEvents()[0].Case
		if c.Status != model.StatusRuntimeError {
			t.Fatalf("status = %v, want runtime error", c.Status)
		}
		want := "ExitCode: 3"
		if !detail {
			want = ""
		}
		if c.Message != want {
			t.Fatalf("detail=%v message = %q, want %q", detail, c.Message, want)
		}
	}
}

func TestRunnerTimeout(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{dir: writeData(t, map[string]string{"1.in": "a", "1.out": "a"}), langs: testLangs}
	e := &fakeExecutor{run: func(ctx context.Context, _ sandbox.Cmd) (sandbox.Result, error) {
		<-ctx.Done()
		return sandbox.Result{}, ctx.Err()
	}}
	r := newTestRunner(b, e, Config{Timeout: 20 * time.Millisecond})
	if err := r.Handle(context.Background(), judgeContext("cc")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	end := b.ends()[0]
	if *end.Status != model.StatusSystemError || !strings.HasPrefix(end.Message, "Judge timed out") {
		t.Fatalf("end = %v %q", *end.Status, end.Message)
	}
}

func TestRunnerShutdownSendsNoEnd(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{dir: writeData(t, map[string]string{"1.in": "a", "1.out": "a"}), langs: testLangs}
	ctx, cancel := context.WithCancel(context.Background())
	e := &fakeExecutor{run: func(runCtx context.Context, _ sandbox.Cmd) (sandbox.Result, error) {
		cancel()
		<-runCtx.Done()
		return sandbox.Result{}, runCtx.Err()
	}}
	err := newTestRunner(b, e, Config{}).Handle(ctx, judgeContext("cc"))
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(b.ends()) != 0 {
		t.Fatal("an interrupted task must stay open for redelivery")
	}
}

func TestRunnerPretest(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{langs: testLangs}
	jc := judgeContext("py")
	jc.Input = "hello"
	if err := newTestRunner(b, &fakeExecutor{}, Config{}).Handle(context.Background(), jc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	end := b.ends()[0]
	if *end.Status != model.StatusAccepted || len(end.Cases) != 1 || end.Cases[0].Message != "hello" {
		t.Fatalf("end = %+v", end)
	}
}

func TestRunnerSubmissionFile(t *testing.T) {
	t.Parallel()
	src := filepath.Join(t.TempDir(), "code.py")
	b := &fakeBackend{
		dir:   writeData(t, map[string]string{"1.in": "a", "1.out": "a"}),
		langs: testLangs,
		files: map[string]string{"abc": src},
	}
	var copied sandbox.CmdFile
	e := &fakeExecutor{run: func(_ context.Context, cmd sandbox.Cmd) (sandbox.Result, error) {
		copied = cmd.CopyIn["foo.py"]
		return echo(cmd), nil
	}}
	jc := judgeContext("py")
	jc.Code = SubmissionFilePrefix + "abc"
	if err := newTestRunner(b, e, Config{}).Handle(context.Background(), jc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if copied.Src == nil || *copied.Src != src {
		t.Fatalf("submission file not copied in: %+v", copied)
	}
}

type fakeRemote struct {
	err error
	end bool
}

func (f *fakeRemote) Judge(ctx context.Context, _ model.JudgeContext, _ *model.LanguageConfig, emit Emitter) error {
	if f.end {
		return emit.End(ctx, model.JudgeEvent{Status: model.Ptr(model.StatusAccepted), Score: model.Ptr(100)})
	}
	return f.err
}

func TestRunnerRemote(t *testing.T) {
	t.Parallel()
	langs := model.LanguageMap{"csgoj.cc": {Key: "csgoj.cc", Remote: "csgoj"}}
	cases := []struct {
		name   string
		remote RemoteJudge
		want   model.Status
	}{
		{name: "ok", remote: &fakeRemote{end: true}, want: model.StatusAccepted},
		{name: "error", remote: &fakeRemote{err: appErr.New(appErr.RemoteSubmitFailed)}, want: model.StatusSystemError},
		{name: "silent", remote: &fakeRemote{}, want: model.StatusSystemError},
		{name: "disabled", want: model.StatusSystemError},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := &fakeBackend{langs: langs}
			jc := judgeContext("csgoj.cc")
			jc.Config.Type = model.ProblemTypeRemote
			r := NewRunner(b, &fakeExecutor{}, tc.remote, Config{Judger: "j"})
			if err := r.Handle(context.Background(), jc); err != nil {
				t.Fatalf("handle: %v", err)
			}
			ends := b.ends()
			if len(ends) != 1 || *ends[0].Status != tc.want {
				t.Fatalf("ends = %+v", ends)
			}
		})
	}
}
