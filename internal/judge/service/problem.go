package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Problem is what scheduling needs to know about a problem.
type Problem struct {
	DomainID  string
	PID       int64
	Owner     int64
	Config    model.ProblemConfig
	Data      []model.FileInfo
	Reference *ProblemRef
}

// ProblemRef points at a problem whose test data is shared.
type ProblemRef struct {
	DomainID string `yaml:"domainId"`
	PID      int64  `yaml:"pid"`
}

// Source is the cache key of the problem's test data.
func (p *Problem) Source() string {
	return SourceKey(p.DomainID, p.PID)
}

func SourceKey(domainID string, pid int64) string {
	return fmt.Sprintf("%s/%d", domainID, pid)
}

// ProblemSource resolves problems by id.
type ProblemSource interface {
	Problem(ctx context.Context, domainID string, pid int64) (*Problem, error)
}

// problemMeta is problem/<domain>/<pid>/problem.yaml.
type problemMeta struct {
	Owner     int64       `yaml:"owner"`
	Reference *ProblemRef `yaml:"reference,omitempty"`
}

const configFile = "config.yaml"

// StorageProblems reads problems from the blob store: the test data lives
// under problem/<domain>/<pid>/testdata/ and includes config.yaml, owner and
// reference come from problem.yaml next to it. Results are cached for ttl.
type StorageProblems struct {
	store   storage.ObjectStorage
	bucket  string
	ttl     time.Duration
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]problemEntry
}

type problemEntry struct {
	problem   *Problem
	expiresAt time.Time
}

func NewStorageProblems(store storage.ObjectStorage, bucket string, ttl, timeout time.Duration) *StorageProblems {
	return &StorageProblems{store: store, bucket: bucket, ttl: ttl, timeout: timeout, cache: make(map[string]problemEntry)}
}

func (s *StorageProblems) Problem(ctx context.Context, domainID string, pid int64) (*Problem, error) {
	if pid <= 0 {
		return nil, appErr.ValidationError("pid", "required")
	}
	key := SourceKey(domainID, pid)
	now := time.Now()
	if s.ttl > 0 {
		s.mu.Lock()
		entry, ok := s.cache[key]
		s.mu.Unlock()
		if ok && now.Before(entry.expiresAt) {
			return entry.problem, nil
		}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	p, err := s.load(ctx, domainID, pid)
	if err != nil {
		return nil, err
	}
	if s.ttl > 0 {
		s.mu.Lock()
		s.cache[key] = problemEntry{problem: p, expiresAt: now.Add(s.ttl)}
		s.mu.Unlock()
	}
	return p, nil
}

// Invalidate drops the cached copy of a problem after its data changed.
func (s *StorageProblems) Invalidate(domainID string, pid int64) {
	s.mu.Lock()
	delete(s.cache, SourceKey(domainID, pid))
	s.mu.Unlock()
}

func (s *StorageProblems) load(ctx context.Context, domainID string, pid int64) (*Problem, error) {
	base := "problem/" + SourceKey(domainID, pid) + "/"
	p := &Problem{DomainID: domainID, PID: pid}

	metaFound := true
	var meta problemMeta
	switch err := s.readYAML(ctx, base+"problem.yaml", &meta); {
	case err == nil:
		p.Owner = meta.Owner
		p.Reference = meta.Reference
	case appErr.Is(err, appErr.ObjectNotFound):
		metaFound = false
	default:
		return nil, err
	}

	objects, err := s.store.ListObjects(ctx, s.bucket, base+"testdata/")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ServiceUnavailable, "list problem data failed")
	}
	if !metaFound && len(objects) == 0 {
		return nil, appErr.Newf(appErr.ProblemNotFound, "problem %s not found", SourceKey(domainID, pid))
	}
	for _, o := range objects {
		name := strings.TrimPrefix(o.Key, base+"testdata/")
		if name == "" {
			continue
		}
		p.Data = append(p.Data, model.FileInfo{Name: name, Size: o.SizeBytes, ETag: o.ETag, LastModified: o.LastModified})
		if name == configFile {
			if err := s.readYAML(ctx, o.Key, &p.Config); err != nil {
				return nil, appErr.Wrapf(err, appErr.ProblemDataInvalid, "problem config of %s is invalid", SourceKey(domainID, pid))
			}
		}
	}
	return p, nil
}

func (s *StorageProblems) readYAML(ctx context.Context, key string, out any) error {
	r, err := s.store.GetObject(ctx, s.bucket, key)
	if err != nil {
		return err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, out)
}
