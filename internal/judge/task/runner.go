package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"judgeflow/internal/common/metrics"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/sandbox"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

// SubmissionFilePrefix marks a submission whose code lives in a stored file.
// The rest of the code field names the file.
const SubmissionFilePrefix = "@@submission_file@@"

const (
	defaultCompileTimeMS   = 10000
	defaultCompileMemoryKB = 512 * 1024
	defaultOutputLimit     = 64 << 20
	defaultProcLimit       = 50
	defaultTarget          = "foo"
	stderrLimit            = 4096
	pretestOutputLimit     = 4096
)

var defaultEnv = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=/w", "LANG=C.UTF-8"}

// Config tunes a Runner.
type Config struct {
	Judger      string `yaml:"judger"`
	Performance bool   `yaml:"performance"`
	// Timeout bounds a whole task. Zero means no limit.
	Timeout         time.Duration `yaml:"timeout"`
	CompileTimeMS   int64         `yaml:"compileTimeMs"`
	CompileMemoryKB int64         `yaml:"compileMemoryKb"`
	OutputLimit     int64         `yaml:"outputLimit"`
}

// Runner judges tasks against a Backend using a sandbox Executor.
type Runner struct {
	backend Backend
	exec    sandbox.Executor
	remote  RemoteJudge
	cfg     Config
}

// NewRunner builds a runner. remote may be nil when remote judging is off.
func NewRunner(b Backend, exec sandbox.Executor, remote RemoteJudge, cfg Config) *Runner {
	if cfg.CompileTimeMS <= 0 {
		cfg.CompileTimeMS = defaultCompileTimeMS
	}
	if cfg.CompileMemoryKB <= 0 {
		cfg.CompileMemoryKB = defaultCompileMemoryKB
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = defaultOutputLimit
	}
	return &Runner{backend: b, exec: exec, remote: remote, cfg: cfg}
}

// Handle judges jc and always tries to finish it with an end event. The
// returned error is only non-nil when the result could not be reported or
// the task was interrupted by shutdown.
func (r *Runner) Handle(ctx context.Context, jc model.JudgeContext) error {
	start := time.Now()
	parent := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	emit := newEmitter(r.backend, jc, r.cfg.Judger, r.cfg.Performance)

	err := r.judge(ctx, jc, emit)
	label := "ok"
	switch {
	case err == nil:
	case parent.Err() != nil:
		label = "interrupted"
		logger.Warn(ctx, "judge interrupted", zap.Error(err))
	default:
		label = "failed"
		err = r.fail(ctx, emit, err)
	}
	metrics.TaskDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if label == "interrupted" {
		return parent.Err()
	}
	return err
}

// fail reports err as the end of the task unless an end was already sent.
func (r *Runner) fail(ctx context.Context, emit *emitter, err error) error {
	if emit.hasEnded() {
		logger.Warn(ctx, "error after end", zap.Error(err))
		return nil
	}
	ev := model.JudgeEvent{Score: model.Ptr(0), Time: model.Ptr(int64(0)), Memory: model.Ptr(int64(0))}
	switch {
	case appErr.Is(err, appErr.CompilationError):
		ev.Status = model.Ptr(model.StatusCompileError)
		ev.CompilerText = appErr.GetError(err).Message
	case errors.Is(err, context.DeadlineExceeded):
		ev.Status = model.Ptr(model.StatusSystemError)
		ev.Message = fmt.Sprintf("Judge timed out after %s.", r.cfg.Timeout)
	default:
		ev.Status = model.Ptr(model.StatusSystemError)
		ev.Message = errorMessage(err)
		if appErr.IsFormat(err) {
			logger.Info(ctx, "problem data rejected", zap.Error(err))
		} else {
			logger.Error(ctx, "judge failed", zap.Error(err))
		}
	}
	if endErr := emit.End(context.WithoutCancel(ctx), ev); endErr != nil {
		return appErr.Wrapf(endErr, appErr.PublishFailed, "report failure of record %s", emit.jc.RecordID)
	}
	return nil
}

func errorMessage(err error) string {
	var e *appErr.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

func (r *Runner) judge(ctx context.Context, jc model.JudgeContext, emit *emitter) error {
	if jc.Config.Type == model.ProblemTypeRemote {
		return r.judgeRemote(ctx, jc, emit)
	}
	switch jc.Config.Type {
	case "", model.ProblemTypeDefault:
	default:
		return appErr.SystemError("Unsupported problem type %s", jc.Config.Type)
	}

	if err := emit.Next(ctx, model.JudgeEvent{Status: model.Ptr(model.StatusFetched), Progress: model.Ptr(0.0)}); err != nil {
		return err
	}
	var plan []plannedSubtask
	if jc.Input == "" {
		dir, err := r.backend.CacheOpen(ctx, jc.Source, jc.Data, func(msg string) {
			if err := emit.Next(ctx, model.JudgeEvent{Message: msg}); err != nil {
				logger.Warn(ctx, "send sync progress failed", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
		if plan, err = planCases(dir, jc.Config); err != nil {
			return err
		}
	}
	lang, err := r.backend.GetLang(jc.Lang, true)
	if err != nil {
		return err
	}
	code, err := r.sourceFile(ctx, jc)
	if err != nil {
		return err
	}

	if err := emit.Next(ctx, model.JudgeEvent{Status: model.Ptr(model.StatusCompiling)}); err != nil {
		return err
	}
	exe, err := r.compile(ctx, lang, code, emit)
	if err != nil {
		return err
	}
	if exe.cached != "" {
		defer func() {
			if err := r.exec.DeleteFile(context.WithoutCancel(ctx), exe.cached); err != nil {
				logger.Warn(ctx, "delete compiled file failed", zap.Error(err))
			}
		}()
	}

	if err := emit.Next(ctx, model.JudgeEvent{Status: model.Ptr(model.StatusJudging), Progress: model.Ptr(0.0)}); err != nil {
		return err
	}
	if jc.Input != "" {
		return r.pretest(ctx, jc, lang, exe, emit)
	}
	return r.runPlan(ctx, lang, exe, plan, emit)
}

func (r *Runner) judgeRemote(ctx context.Context, jc model.JudgeContext, emit *emitter) error {
	if r.remote == nil {
		return appErr.SystemError("Remote judge is not enabled on %s", r.cfg.Judger)
	}
	lang, err := r.backend.GetLang(jc.Lang, true)
	if err != nil {
		return err
	}
	if err := emit.Next(ctx, model.JudgeEvent{Status: model.Ptr(model.StatusFetched), Progress: model.Ptr(0.0)}); err != nil {
		return err
	}
	if err := r.remote.Judge(ctx, jc, lang, emit); err != nil {
		return err
	}
	if !emit.hasEnded() {
		return appErr.SystemError("Remote judge finished without a result")
	}
	return nil
}

// sourceFile returns the copy-in source for the submitted code.
func (r *Runner) sourceFile(ctx context.Context, jc model.JudgeContext) (*sandbox.CmdFile, error) {
	if !strings.HasPrefix(jc.Code, SubmissionFilePrefix) {
		return sandbox.FromContent(jc.Code), nil
	}
	name := strings.TrimPrefix(jc.Code, SubmissionFilePrefix)
	p, err := r.backend.FetchFile(ctx, name)
	if err != nil {
		return nil, err
	}
	return sandbox.FromPath(p), nil
}

// executable is what the run stage copies into every case sandbox.
type executable struct {
	name   string
	file   *sandbox.CmdFile
	cached string
}

func (r *Runner) compile(ctx context.Context, lang *model.LanguageConfig, code *sandbox.CmdFile, emit *emitter) (executable, error) {
	if lang.Compile == "" {
		return executable{name: lang.CodeFile, file: code}, nil
	}
	args, err := shlex.Split(lang.Compile)
	if err != nil || len(args) == 0 {
		return executable{}, appErr.SystemError("Bad compile command of language %s", lang.Key)
	}
	target := lang.Target
	if target == "" {
		target = defaultTarget
	}
	cmd := sandbox.Cmd{
		Args: args,
		Env:  defaultEnv,
		Files: []*sandbox.CmdFile{
			sandbox.FromContent(""),
			sandbox.Collector("stdout", CompilerTextLimit),
			sandbox.Collector("stderr", CompilerTextLimit),
		},
		ProcLimit:     defaultProcLimit,
		CopyIn:        map[string]sandbox.CmdFile{lang.CodeFile: *code},
		CopyOutCached: []string{target},
	}
	sandbox.Limits{TimeMS: r.cfg.CompileTimeMS, MemoryKB: r.cfg.CompileMemoryKB}.Apply(&cmd)
	res, err := r.exec.Run(ctx, cmd)
	if err != nil {
		return executable{}, err
	}
	if len(res) != 1 {
		return executable{}, appErr.Newf(appErr.SandboxRunFailed, "expected 1 result, got %d", len(res))
	}
	text := CompilerText(res[0].Files["stdout"], res[0].Files["stderr"])
	if res[0].Status != sandbox.StatusAccepted {
		if res[0].Status == sandbox.StatusTimeLimitExceeded {
			text = strings.TrimSpace(text + "\nCompile time limit exceeded.")
		}
		return executable{}, appErr.CompileError(text)
	}
	id, ok := res[0].FileIDs[target]
	if !ok {
		return executable{}, appErr.CompileError(strings.TrimSpace(text + "\nExecutable file " + target + " not found."))
	}
	if text != "" {
		if err := emit.Next(ctx, model.JudgeEvent{CompilerText: text}); err != nil {
			return executable{}, err
		}
	}
	return executable{name: target, file: sandbox.FromFileID(id), cached: id}, nil
}

func scaleLimit(v int64, rate float64) int64 {
	if rate <= 0 {
		return v
	}
	return int64(float64(v) * rate)
}

// execute runs exe once with stdin taken from in.
func (r *Runner) execute(ctx context.Context, lang *model.LanguageConfig, exe executable, in *sandbox.CmdFile, timeMS, memoryKB int64) (sandbox.Result, error) {
	args, err := shlex.Split(lang.Execute)
	if err != nil || len(args) == 0 {
		return sandbox.Result{}, appErr.SystemError("Bad execute command of language %s", lang.Key)
	}
	cmd := sandbox.Cmd{
		Args: args,
		Env:  defaultEnv,
		Files: []*sandbox.CmdFile{
			in,
			sandbox.Collector("stdout", r.cfg.OutputLimit),
			sandbox.Collector("stderr", stderrLimit),
		},
		ProcLimit: defaultProcLimit,
		CopyIn:    map[string]sandbox.CmdFile{exe.name: *exe.file},
	}
	sandbox.Limits{
		TimeMS:   scaleLimit(timeMS, lang.TimeLimitRate),
		MemoryKB: scaleLimit(memoryKB, lang.MemoryLimitRate),
	}.Apply(&cmd)
	res, err := r.exec.Run(ctx, cmd)
	if err != nil {
		return sandbox.Result{}, err
	}
	if len(res) != 1 {
		return sandbox.Result{}, appErr.Newf(appErr.SandboxRunFailed, "expected 1 result, got %d", len(res))
	}
	return res[0], nil
}

func (r *Runner) runCase(ctx context.Context, lang *model.LanguageConfig, exe executable, c plannedCase) (model.TestCase, error) {
	res, err := r.execute(ctx, lang, exe, sandbox.FromPath(c.Input), c.TimeMS, c.MemoryKB)
	if err != nil {
		return model.TestCase{}, err
	}
	tc := model.TestCase{
		ID:        c.ID,
		SubtaskID: c.Subtask,
		Time:      res.TimeMS(),
		Memory:    res.MemoryKB(),
		Status:    sandbox.JudgeStatus(res),
	}
	switch tc.Status {
	case model.StatusAccepted:
		want, err := os.ReadFile(c.Output)
		if err != nil {
			return model.TestCase{}, appErr.FormatError("File %s not readable.", c.Output)
		}
		if !sameOutput([]byte(res.Files["stdout"]), want) {
			tc.Status = model.StatusWrongAnswer
		}
	case model.StatusRuntimeError:
		if res.Status == sandbox.StatusSignalled {
			tc.Message = fmt.Sprintf("Killed: %s", res.Error)
		} else {
			tc.Message = fmt.Sprintf("ExitCode: %d", res.ExitStatus)
		}
	case model.StatusSystemError:
		tc.Message = res.Error
	}
	if tc.Status == model.StatusAccepted {
		tc.Score = c.Score
	}
	return tc, nil
}

// runPlan runs every case and sends the final result.
func (r *Runner) runPlan(ctx context.Context, lang *model.LanguageConfig, exe executable, plan []plannedSubtask, emit *emitter) error {
	total := 0
	for _, st := range plan {
		total += len(st.Cases)
	}
	step := 100 / float64(total)

	var agg aggregate
	subtasks := make(map[int]model.SubtaskResult, len(plan))
	for _, st := range plan {
		sr := model.SubtaskResult{Type: st.Type, Status: model.StatusAccepted}
		failed := false
		for i, c := range st.Cases {
			var tc model.TestCase
			if failed && st.Type == model.SubtaskMin {
				tc = model.TestCase{ID: c.ID, SubtaskID: c.Subtask, Status: model.StatusIgnored}
			} else {
				var err error
				if tc, err = r.runCase(ctx, lang, exe, c); err != nil {
					return err
				}
			}
			if tc.Status != model.StatusAccepted && tc.Status != model.StatusIgnored {
				failed = true
				if sr.Status == model.StatusAccepted {
					sr.Status = tc.Status
				}
			}
			sr.Score = foldScore(st.Type, sr.Score, tc.Score, i == 0)
			agg.add(tc)
			if err := emit.Next(ctx, model.JudgeEvent{Status: model.Ptr(model.StatusJudging), Case: &tc, AddProgress: step}); err != nil {
				return err
			}
		}
		subtasks[st.ID] = sr
		agg.score += sr.Score
	}
	return emit.End(ctx, model.JudgeEvent{
		Status:   model.Ptr(agg.status()),
		Score:    model.Ptr(agg.score),
		Time:     model.Ptr(agg.time),
		Memory:   model.Ptr(agg.memory),
		Subtasks: subtasks,
	})
}

func foldScore(typ model.SubtaskType, acc, score int, first bool) int {
	if first {
		return score
	}
	switch typ {
	case model.SubtaskMax:
		return max(acc, score)
	case model.SubtaskSum:
		return acc + score
	default:
		return min(acc, score)
	}
}

type aggregate struct {
	first  model.Status
	score  int
	time   int64
	memory int64
}

func (a *aggregate) add(tc model.TestCase) {
	if a.first == model.StatusWaiting && tc.Status != model.StatusAccepted && tc.Status != model.StatusIgnored {
		a.first = tc.Status
	}
	a.time += tc.Time
	a.memory = max(a.memory, tc.Memory)
}

func (a *aggregate) status() model.Status {
	if a.first == model.StatusWaiting {
		return model.StatusAccepted
	}
	return a.first
}

// pretest runs the user supplied input once and reports the program output.
func (r *Runner) pretest(ctx context.Context, jc model.JudgeContext, lang *model.LanguageConfig, exe executable, emit *emitter) error {
	timeMS := model.ParseTimeMS(jc.Config.Time, DefaultTimeMS)
	memoryKB := model.ParseMemoryKB(jc.Config.Memory, DefaultMemoryKB)
	res, err := r.execute(ctx, lang, exe, sandbox.FromContent(jc.Input), timeMS, memoryKB)
	if err != nil {
		return err
	}
	status := sandbox.JudgeStatus(res)
	msg := truncate(res.Files["stdout"], pretestOutputLimit)
	if stderr := res.Files["stderr"]; stderr != "" && !emptyText.MatchString(stderr) {
		msg = strings.TrimSpace(msg + "\n" + truncate(stderr, pretestOutputLimit))
	}
	tc := model.TestCase{ID: 1, SubtaskID: 1, Time: res.TimeMS(), Memory: res.MemoryKB(), Status: status, Message: msg}
	return emit.End(ctx, model.JudgeEvent{
		Status: model.Ptr(status),
		Score:  model.Ptr(0),
		Time:   model.Ptr(tc.Time),
		Memory: model.Ptr(tc.Memory),
		Cases:  []model.TestCase{tc},
	})
}
