package objectstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/objectstore"
)

func exerciseStore(t *testing.T, s objectstore.Store, bucket string) {
	t.Helper()
	ctx := context.Background()

	if err := s.EnsureBucket(ctx, bucket); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	// idempotent
	if err := s.EnsureBucket(ctx, bucket); err != nil {
		t.Fatalf("EnsureBucket again: %v", err)
	}
	for _, key := range []string{"scenes/b.json", "scenes/a.json", "other/c.json"} {
		if err := s.Put(ctx, bucket, key, []byte(`{"key":"`+key+`"}`), "application/json"); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	got, err := s.Get(ctx, bucket, "scenes/a.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"key":"scenes/a.json"}` {
		t.Fatalf("Get=%s", got)
	}

	keys, err := s.List(ctx, bucket, "scenes/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	slices.Sort(keys)
	if !slices.Equal(keys, []string{"scenes/a.json", "scenes/b.json"}) {
		t.Fatalf("List=%v", keys)
	}

	if err := s.Delete(ctx, bucket, "scenes/a.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, bucket, "scenes/a.json"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("Get after delete err=%v want ErrNotFound", err)
	}
}

func TestLocalStore(t *testing.T) {
	t.Parallel()
	s, err := objectstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exerciseStore(t, s, "landing")
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := objectstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, key := range []string{"../outside.txt", "a/../../outside.txt", ""} {
		if err := s.Put(ctx, "landing", key, []byte("x"), ""); err == nil {
			t.Fatalf("Put(%q) succeeded", key)
		}
	}
}

func TestLocalStore_ListMissingBucket(t *testing.T) {
	t.Parallel()
	s, _ := objectstore.NewLocalStore(t.TempDir())
	if _, err := s.List(context.Background(), "nope", ""); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("MINIO_ENDPOINT", "")
	if _, ok, err := objectstore.LoadConfigFromEnv(); ok || err != nil {
		t.Fatalf("ok=%v err=%v want disabled", ok, err)
	}

	t.Setenv("MINIO_ENDPOINT", "localhost:9000")
	t.Setenv("MINIO_ACCESS_KEY", "")
	if _, _, err := objectstore.LoadConfigFromEnv(); err == nil {
		t.Fatalf("expected missing credentials error")
	}

	t.Setenv("MINIO_ACCESS_KEY", "minio")
	t.Setenv("MINIO_SECRET_KEY", "minio123")
	t.Setenv("MINIO_USE_SSL", "maybe")
	if _, _, err := objectstore.LoadConfigFromEnv(); err == nil {
		t.Fatalf("expected invalid MINIO_USE_SSL error")
	}

	t.Setenv("MINIO_USE_SSL", "true")
	cfg, ok, err := objectstore.LoadConfigFromEnv()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if cfg.Endpoint != "localhost:9000" || !cfg.UseSSL || cfg.AccessKey != "minio" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestNewMinioStore_RequiresEndpoint(t *testing.T) {
	t.Parallel()
	if _, err := objectstore.NewMinioStore(objectstore.Config{}); err == nil {
		t.Fatalf("expected error")
	}
}

// Runs against a live MinIO when INGEST_TEST_MINIO_ENDPOINT is set.
func TestMinioStore_Integration(t *testing.T) {
	endpoint := os.Getenv("INGEST_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("INGEST_TEST_MINIO_ENDPOINT not set")
	}
	s, err := objectstore.NewMinioStore(objectstore.Config{
		Endpoint:  endpoint,
		AccessKey: envOr("INGEST_TEST_MINIO_ACCESS_KEY", "minioadmin"),
		SecretKey: envOr("INGEST_TEST_MINIO_SECRET_KEY", "minioadmin"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exerciseStore(t, s, fmt.Sprintf("ingest-test-%d", time.Now().UnixNano()))
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
