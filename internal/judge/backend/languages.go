// Package backend contains the hosts a judge runner can live on: the builtin
// host inside the judge server process and the socket host that connects
// to a remote judge server.
package backend

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

// Languages is a language map that can be replaced while tasks run.
type Languages struct {
	mu sync.RWMutex
	m  model.LanguageMap
}

func NewLanguages(m model.LanguageMap) *Languages {
	return &Languages{m: m}
}

// Set replaces the whole map.
func (l *Languages) Set(m model.LanguageMap) {
	l.mu.Lock()
	l.m = m
	l.mu.Unlock()
}

func (l *Languages) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.m)
}

// Get resolves name. Unknown names fail with a system error when doThrow
// is set and return nil, nil otherwise.
func (l *Languages) Get(name string, doThrow bool) (*model.LanguageConfig, error) {
	l.mu.RLock()
	cfg, ok := l.m.Lookup(name)
	l.mu.RUnlock()
	if !ok {
		if doThrow {
			return nil, appErr.SystemError("Unsupported language %s", name)
		}
		return nil, nil
	}
	return &cfg, nil
}

// fileName drops the "#display name" suffix of a stored submission file.
func fileName(name string) string {
	if i := strings.IndexByte(name, '#'); i >= 0 {
		return name[:i]
	}
	return name
}

// saveTemp writes r into dir under a flattened copy of name.
func saveTemp(dir, name string, r io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(dir, strings.ReplaceAll(name, "/", "_"))
	f, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(target)
		return "", appErr.Wrapf(err, appErr.DataDownloadFailed, "save %s failed", name)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return target, nil
}
