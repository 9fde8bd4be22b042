package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore implements Store with minio-go against MinIO or S3.
type MinioStore struct {
	client *minio.Client
	region string
}

// NewMinioStore builds a client for cfg. The endpoint may be a bare host:port
// or a URL; an https scheme turns on TLS.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			secure = true
		}
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{client: client, region: cfg.Region}, nil
}

// Client exposes the underlying client for bucket notifications.
func (s *MinioStore) Client() *minio.Client { return s.client }

func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	if bucket == "" {
		return errors.New("bucket is required")
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return classify(err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return classify(err)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if err := validate(bucket, key); err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, classify(err))
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := validate(bucket, key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, classify(err))
	}
	defer func() { _ = obj.Close() }()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, classify(err))
	}
	return data, nil
}

func (s *MinioStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	var keys []string
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, classify(obj.Err))
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	if err := validate(bucket, key); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, classify(err))
	}
	return nil
}

// classify maps missing buckets and keys onto ErrNotFound.
func classify(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchBucket", "NoSuchKey":
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Message)
	}
	return err
}
