// Package objectstore reads and writes pipeline objects in S3-compatible
// buckets. MinioStore talks to MinIO or S3; LocalStore maps buckets onto
// directories for local runs and tests.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a bucket or object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the object access a pipeline step needs.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Delete(ctx context.Context, bucket, key string) error
}

// Config locates a MinIO/S3 endpoint.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

// LoadConfigFromEnv reads MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY,
// MINIO_USE_SSL and MINIO_REGION. ok is false when no endpoint is set.
func LoadConfigFromEnv() (Config, bool, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	if endpoint == "" {
		return Config{}, false, nil
	}
	cfg := Config{
		Endpoint:  endpoint,
		AccessKey: strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY")),
		SecretKey: strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY")),
		Region:    strings.TrimSpace(os.Getenv("MINIO_REGION")),
	}
	if v := strings.TrimSpace(os.Getenv("MINIO_USE_SSL")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, false, fmt.Errorf("invalid MINIO_USE_SSL=%q: %w", v, err)
		}
		cfg.UseSSL = b
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return Config{}, false, fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}
	return cfg, true, nil
}

func validate(bucket, key string) error {
	if strings.TrimSpace(bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("object key is required")
	}
	return nil
}

var (
	_ Store = (*MinioStore)(nil)
	_ Store = (*LocalStore)(nil)
)
