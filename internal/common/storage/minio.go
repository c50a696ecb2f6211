package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	appErr "judgeflow/pkg/errors"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds object storage settings for MinIO.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Bucket    string `yaml:"bucket"`

	// PresignTTL controls default presigned URL lifetime.
	PresignTTL time.Duration `yaml:"presignTTL"`
}

// MinIOStorage implements ObjectStorage using MinIO S3-compatible APIs.
type MinIOStorage struct {
	client *minio.Client
}

var _ ObjectStorage = (*MinIOStorage)(nil)

func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("minio accessKey is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio secretKey is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client failed: %w", err)
	}
	return &MinIOStorage{client: client}, nil
}

func (s *MinIOStorage) GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapMinioErr(err, "minio get object failed", objectKey)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller starts copying.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, wrapMinioErr(err, "minio get object failed", objectKey)
	}
	return obj, nil
}

func (s *MinIOStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	if reader == nil {
		return fmt.Errorf("reader is required")
	}
	if objectKey == "" {
		return fmt.Errorf("objectKey is required")
	}
	opts := minio.PutObjectOptions{}
	if contentType != "" {
		opts.ContentType = contentType
	}
	if _, err := s.client.PutObject(ctx, bucket, objectKey, reader, sizeBytes, opts); err != nil {
		return fmt.Errorf("minio put object failed: %w", err)
	}
	return nil
}

func (s *MinIOStorage) StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error) {
	info, err := s.client.StatObject(ctx, bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return ObjectStat{}, wrapMinioErr(err, "minio stat object failed", objectKey)
	}
	return toStat(info), nil
}

func (s *MinIOStorage) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectStat, error) {
	objCh := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	var out []ObjectStat
	for obj := range objCh {
		if obj.Err != nil {
			return nil, fmt.Errorf("minio list objects failed: %w", obj.Err)
		}
		out = append(out, toStat(obj))
	}
	return out, nil
}

func (s *MinIOStorage) PresignGetObject(ctx context.Context, bucket, objectKey string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if _, err := s.StatObject(ctx, bucket, objectKey); err != nil {
		return "", err
	}
	u, err := s.client.Presign(ctx, http.MethodGet, bucket, objectKey, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("minio presign get failed: %w", err)
	}
	return u.String(), nil
}

func toStat(info minio.ObjectInfo) ObjectStat {
	return ObjectStat{
		Key:          info.Key,
		SizeBytes:    info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
	}
}

// wrapMinioErr maps a missing key to ObjectNotFound.
func wrapMinioErr(err error, msg, key string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return appErr.Wrapf(err, appErr.ObjectNotFound, "object %s not found", key)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
