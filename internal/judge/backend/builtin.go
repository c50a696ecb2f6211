package backend

import (
	"context"
	"fmt"

	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/datacache"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

// EventSink persists the events of a task.
type EventSink interface {
	OnNext(ctx context.Context, ev model.JudgeEvent) (*model.Record, error)
	OnEnd(ctx context.Context, ev model.JudgeEvent) (*model.Record, error)
}

// BuiltinConfig configures the in-process host.
type BuiltinConfig struct {
	Bucket string `yaml:"bucket"`
	TmpDir string `yaml:"tmpDir"`
}

// Builtin runs tasks inside the judge server. Test data comes straight
// from the blob store and events go to the result router.
type Builtin struct {
	cfg   BuiltinConfig
	cache *datacache.LockedSynchronizer
	store storage.ObjectStorage
	langs *Languages
	sink  EventSink
}

func NewBuiltin(cfg BuiltinConfig, cache *datacache.LockedSynchronizer, store storage.ObjectStorage, langs *Languages, sink EventSink) (*Builtin, error) {
	if cache == nil || store == nil || sink == nil {
		return nil, fmt.Errorf("cache, storage and event sink are required")
	}
	if cfg.TmpDir == "" {
		return nil, fmt.Errorf("tmp dir is required")
	}
	if langs == nil {
		langs = NewLanguages(nil)
	}
	return &Builtin{cfg: cfg, cache: cache, store: store, langs: langs, sink: sink}, nil
}

func (b *Builtin) CacheOpen(ctx context.Context, source string, files []model.FileInfo, progress func(string)) (string, error) {
	return b.cache.Open(ctx, source, files, progress)
}

func (b *Builtin) GetLang(name string, doThrow bool) (*model.LanguageConfig, error) {
	return b.langs.Get(name, doThrow)
}

// SubmissionKey is the object key of an uploaded submission file.
func SubmissionKey(name string) string {
	return "submission/" + fileName(name)
}

func (b *Builtin) FetchFile(ctx context.Context, name string) (string, error) {
	name = fileName(name)
	r, err := b.store.GetObject(ctx, b.cfg.Bucket, SubmissionKey(name))
	if err != nil {
		if appErr.Is(err, appErr.ObjectNotFound) {
			return "", appErr.FormatError("File %s not found.", name)
		}
		return "", appErr.Wrapf(err, appErr.StorageError, "read submission file %s failed", name)
	}
	defer r.Close()
	return saveTemp(b.cfg.TmpDir, name, r)
}

func (b *Builtin) Next(ctx context.Context, ev model.JudgeEvent) error {
	_, err := b.sink.OnNext(ctx, ev)
	return err
}

func (b *Builtin) End(ctx context.Context, ev model.JudgeEvent) error {
	_, err := b.sink.OnEnd(ctx, ev)
	return err
}
