package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStorage is the blob store holding problem test data and submission
// sources. The judge server lists and presigns objects; workers only read.
type ObjectStorage interface {
	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// StatObject returns size, ETag and modification time for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// ListObjects walks every object below prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectStat, error)

	// PresignGetObject returns a time limited download URL for an existing
	// object; missing objects fail with ObjectNotFound.
	PresignGetObject(ctx context.Context, bucket, objectKey string, ttl time.Duration) (string, error)
}

// ObjectStat contains object metadata used for cache validation.
type ObjectStat struct {
	Key          string
	SizeBytes    int64
	ETag         string
	LastModified time.Time
	ContentType  string
}
