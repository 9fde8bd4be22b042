package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/developmentseed/ingest-framework/internal/config"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"INGEST_CONFIG", "INGEST_SCOPE", "INGEST_BUCKET", "INGEST_QUEUE_BACKEND", "INGEST_QUEUE_DSN", "INGEST_LOCAL_ROOT",
		"INGEST_POLL_INTERVAL", "TEMPORAL_HOST_PORT", "TEMPORAL_NAMESPACE", "TEMPORAL_TASK_QUEUE",
		"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_REGION", "MINIO_USE_SSL",
		"WORKERS", "MAX_RETRIES", "REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "FAIL_FAST",
		"GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_BASE_URL", "GEMINI_CAPTURE_AUDIT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.Backend != config.BackendMemory || cfg.Worker.Workers != 10 || cfg.Worker.MaxRetries != 3 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Bucket != "ingest" || cfg.Temporal.TaskQueue != "ingest" || cfg.PollInterval != time.Second {
		t.Fatalf("temporal=%+v poll=%s", cfg.Temporal, cfg.PollInterval)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	secret := filepath.Join(dir, "minio-secret")
	if err := os.WriteFile(secret, []byte("s3cr3t\n"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	file := filepath.Join(dir, "ingest.yaml")
	body := `
scope: ingest-dev
bucket: landing
queue:
  backend: sqlite
  dsn: ` + filepath.Join(dir, "queues.db") + `
object_store:
  endpoint: localhost:9000
  access_key: minio
  secret_key: ` + secret + `
poll_interval: 250ms
worker:
  workers: 4
  request_timeout: 5s
`
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Setenv("INGEST_CONFIG", file)
	t.Setenv("WORKERS", "8")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scope != "ingest-dev" || cfg.Bucket != "landing" || cfg.Queue.Backend != config.BackendSQLite {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Worker.Workers != 8 {
		t.Fatalf("workers=%d want env override 8", cfg.Worker.Workers)
	}
	if cfg.Worker.RequestTimeout != 5*time.Second || cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("timeout=%s poll=%s", cfg.Worker.RequestTimeout, cfg.PollInterval)
	}
	if cfg.ObjectStore.SecretKey != "s3cr3t" {
		t.Fatalf("secret key was not read from file")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad int", map[string]string{"WORKERS": "many"}, `invalid WORKERS="many"`},
		{"zero workers", map[string]string{"WORKERS": "0"}, "invalid WORKERS=0"},
		{"bad duration", map[string]string{"REQUEST_TIMEOUT": "soon"}, `invalid REQUEST_TIMEOUT="soon"`},
		{"bad bool", map[string]string{"FAIL_FAST": "sure"}, `invalid FAIL_FAST="sure"`},
		{"unknown backend", map[string]string{"INGEST_QUEUE_BACKEND": "redis"}, `invalid INGEST_QUEUE_BACKEND="redis"`},
		{"sqlite without dsn", map[string]string{"INGEST_QUEUE_BACKEND": "sqlite"}, "INGEST_QUEUE_DSN is required"},
		{"minio without keys", map[string]string{"MINIO_ENDPOINT": "localhost:9000"}, "MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required"},
		{"missing file", map[string]string{"INGEST_CONFIG": "/does/not/exist.yaml"}, "read INGEST_CONFIG file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want contains %q", err, tc.want)
			}
		})
	}
}
