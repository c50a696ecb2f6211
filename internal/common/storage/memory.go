package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	appErr "judgeflow/pkg/errors"
)

// MemoryStorage keeps objects in process. It backs single node setups and
// tests; presigned URLs point at BaseURL.
type MemoryStorage struct {
	BaseURL string

	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time
}

type memoryObject struct {
	data []byte
	stat ObjectStat
}

func NewMemoryStorage(baseURL string) *MemoryStorage {
	return &MemoryStorage{BaseURL: strings.TrimRight(baseURL, "/"), objects: make(map[string]memoryObject), now: time.Now}
}

func memoryKey(bucket, key string) string {
	return bucket + "/" + key
}

func (s *MemoryStorage) GetObject(_ context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[memoryKey(bucket, objectKey)]
	s.mu.RUnlock()
	if !ok {
		return nil, appErr.Newf(appErr.ObjectNotFound, "object %s not found", objectKey)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStorage) PutObject(_ context.Context, bucket, objectKey string, reader io.Reader, _ int64, contentType string) error {
	if reader == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("reader is required")
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	sum := md5.Sum(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[memoryKey(bucket, objectKey)] = memoryObject{
		data: data,
		stat: ObjectStat{
			Key:          objectKey,
			SizeBytes:    int64(len(data)),
			ETag:         hex.EncodeToString(sum[:]),
			LastModified: s.now().UTC(),
			ContentType:  contentType,
		},
	}
	return nil
}

func (s *MemoryStorage) StatObject(_ context.Context, bucket, objectKey string) (ObjectStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[memoryKey(bucket, objectKey)]
	if !ok {
		return ObjectStat{}, appErr.Newf(appErr.ObjectNotFound, "object %s not found", objectKey)
	}
	return obj.stat, nil
}

func (s *MemoryStorage) ListObjects(_ context.Context, bucket, prefix string) ([]ObjectStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ObjectStat
	full := memoryKey(bucket, prefix)
	for k, obj := range s.objects {
		if strings.HasPrefix(k, full) {
			out = append(out, obj.stat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStorage) PresignGetObject(_ context.Context, bucket, objectKey string, ttl time.Duration) (string, error) {
	if _, err := s.StatObject(context.Background(), bucket, objectKey); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	q := url.Values{}
	q.Set("expires", s.now().Add(ttl).UTC().Format(time.RFC3339))
	return s.BaseURL + "/" + bucket + "/" + objectKey + "?" + q.Encode(), nil
}

// ServeHTTP answers the presigned URLs handed out by PresignGetObject.
// Mount it with http.StripPrefix when BaseURL has a path.
func (s *MemoryStorage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if !ok || key == "" {
		http.NotFound(w, r)
		return
	}
	expires, err := time.Parse(time.RFC3339, r.URL.Query().Get("expires"))
	if err != nil || s.now().After(expires) {
		http.Error(w, "link expired", http.StatusForbidden)
		return
	}
	s.mu.RLock()
	obj, found := s.objects[memoryKey(bucket, key)]
	s.mu.RUnlock()
	if !found {
		http.NotFound(w, r)
		return
	}
	if obj.stat.ContentType != "" {
		w.Header().Set("Content-Type", obj.stat.ContentType)
	}
	w.Header().Set("ETag", obj.stat.ETag)
	http.ServeContent(w, r, key, obj.stat.LastModified, bytes.NewReader(obj.data))
}
