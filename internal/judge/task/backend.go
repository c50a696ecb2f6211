// Package task drives one judge task through its stages: fetch test data,
// compile, run every case, then report the final result.
package task

import (
	"context"

	"judgeflow/internal/judge/model"
)

// Backend is the host a task runs on. The builtin host talks to the record
// store directly, the socket host relays everything to a judge server.
type Backend interface {
	// CacheOpen returns a local directory holding the files of source.
	// progress may be used to tell the user about a slow sync.
	CacheOpen(ctx context.Context, source string, files []model.FileInfo, progress func(msg string)) (string, error)
	// GetLang resolves a language key. With doThrow it fails with a system
	// error for unknown keys, otherwise it returns nil, nil.
	GetLang(name string, doThrow bool) (*model.LanguageConfig, error)
	// FetchFile downloads a stored submission file and returns its local path.
	FetchFile(ctx context.Context, name string) (string, error)
	Next(ctx context.Context, ev model.JudgeEvent) error
	End(ctx context.Context, ev model.JudgeEvent) error
}

// Emitter sends the events of one task.
type Emitter interface {
	Next(ctx context.Context, ev model.JudgeEvent) error
	End(ctx context.Context, ev model.JudgeEvent) error
}

// RemoteJudge judges a task on a third party site.
type RemoteJudge interface {
	Judge(ctx context.Context, jc model.JudgeContext, lang *model.LanguageConfig, emit Emitter) error
}
