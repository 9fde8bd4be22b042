// Package config loads runtime settings for the ingest command from an
// optional YAML file (INGEST_CONFIG) overlaid with environment variables.
//
// Example (YAML):
//
//	scope: ingest-dev
//	bucket: landing
//	queue:
//	  backend: sqlite
//	  dsn: /var/lib/ingest/queues.db
//	temporal:
//	  host_port: 127.0.0.1:7233
//	  task_queue: ingest
//	object_store:
//	  endpoint: localhost:9000
//	  access_key: minio
//	  secret_key: /run/secrets/minio
//	worker:
//	  workers: 4
//	  request_timeout: 30s
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/objectstore"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	Scope        string             `yaml:"scope"`
	Bucket       string             `yaml:"bucket"`
	Queue        Queue              `yaml:"queue"`
	Temporal     Temporal           `yaml:"temporal"`
	ObjectStore  objectstore.Config `yaml:"object_store"`
	LocalRoot    string             `yaml:"local_root"`
	PollInterval time.Duration      `yaml:"poll_interval"`
	Worker       Worker             `yaml:"worker"`
	Gemini       Gemini             `yaml:"gemini"`
}

type Queue struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

type Temporal struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`
}

// Worker controls local replays and per-item retries.
type Worker struct {
	Workers        int           `yaml:"workers"`
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	FailFast       bool          `yaml:"fail_fast"`
}

type Gemini struct {
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	BaseURL      string `yaml:"base_url"`
	CaptureAudit bool   `yaml:"capture_audit"`
}

// Default returns the settings used when neither file nor env say otherwise.
func Default() Config {
	return Config{
		Scope:  "ingest",
		Bucket: "ingest",
		Queue:  Queue{Backend: BackendMemory},
		Temporal: Temporal{
			HostPort:  "127.0.0.1:7233",
			Namespace: "default",
			TaskQueue: "ingest",
		},
		LocalRoot:    ".ingest",
		PollInterval: time.Second,
		Worker: Worker{
			Workers:        10,
			MaxRetries:     3,
			RequestTimeout: 30 * time.Second,
		},
	}
}

// Load reads INGEST_CONFIG when set, then applies environment overrides and
// validates the result.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("INGEST_CONFIG")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read INGEST_CONFIG file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse INGEST_CONFIG YAML: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := resolveSecrets(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envString("INGEST_SCOPE", &cfg.Scope)
	envString("INGEST_BUCKET", &cfg.Bucket)
	envString("INGEST_QUEUE_BACKEND", &cfg.Queue.Backend)
	envString("INGEST_QUEUE_DSN", &cfg.Queue.DSN)
	envString("INGEST_LOCAL_ROOT", &cfg.LocalRoot)
	envString("TEMPORAL_HOST_PORT", &cfg.Temporal.HostPort)
	envString("TEMPORAL_NAMESPACE", &cfg.Temporal.Namespace)
	envString("TEMPORAL_TASK_QUEUE", &cfg.Temporal.TaskQueue)
	envString("MINIO_ENDPOINT", &cfg.ObjectStore.Endpoint)
	envString("MINIO_ACCESS_KEY", &cfg.ObjectStore.AccessKey)
	envString("MINIO_SECRET_KEY", &cfg.ObjectStore.SecretKey)
	envString("MINIO_REGION", &cfg.ObjectStore.Region)
	envString("GEMINI_API_KEY", &cfg.Gemini.APIKey)
	envString("GEMINI_MODEL", &cfg.Gemini.Model)
	envString("GEMINI_BASE_URL", &cfg.Gemini.BaseURL)

	var err error
	if cfg.ObjectStore.UseSSL, err = envBool("MINIO_USE_SSL", cfg.ObjectStore.UseSSL); err != nil {
		return err
	}
	if cfg.PollInterval, err = envDuration("INGEST_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return err
	}
	if cfg.Worker.Workers, err = envInt("WORKERS", cfg.Worker.Workers); err != nil {
		return err
	}
	if cfg.Worker.MaxRetries, err = envInt("MAX_RETRIES", cfg.Worker.MaxRetries); err != nil {
		return err
	}
	if cfg.Worker.RequestTimeout, err = envDuration("REQUEST_TIMEOUT", cfg.Worker.RequestTimeout); err != nil {
		return err
	}
	if cfg.Worker.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", cfg.Worker.RateLimitRPS); err != nil {
		return err
	}
	if cfg.Worker.FailFast, err = envBool("FAIL_FAST", cfg.Worker.FailFast); err != nil {
		return err
	}
	if cfg.Gemini.CaptureAudit, err = envBool("GEMINI_CAPTURE_AUDIT", cfg.Gemini.CaptureAudit); err != nil {
		return err
	}
	return nil
}

// resolveSecrets lets secret settings name a mounted file instead of
// carrying the value inline.
func resolveSecrets(cfg *Config) error {
	var err error
	if cfg.ObjectStore.SecretKey, err = readValueOrFile(cfg.ObjectStore.SecretKey, "MINIO_SECRET_KEY"); err != nil {
		return err
	}
	if cfg.Gemini.APIKey, err = readValueOrFile(cfg.Gemini.APIKey, "GEMINI_API_KEY"); err != nil {
		return err
	}
	if cfg.Queue.Backend == BackendPostgres {
		if cfg.Queue.DSN, err = readValueOrFile(cfg.Queue.DSN, "INGEST_QUEUE_DSN"); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("INGEST_BUCKET is required")
	}
	switch c.Queue.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if strings.TrimSpace(c.Queue.DSN) == "" {
			return fmt.Errorf("INGEST_QUEUE_DSN is required for the %s queue backend", c.Queue.Backend)
		}
	default:
		return fmt.Errorf("invalid INGEST_QUEUE_BACKEND=%q: want memory, sqlite or postgres", c.Queue.Backend)
	}
	if c.Worker.Workers <= 0 {
		return fmt.Errorf("invalid WORKERS=%d: must be positive", c.Worker.Workers)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("invalid MAX_RETRIES=%d: must not be negative", c.Worker.MaxRetries)
	}
	if c.Worker.RateLimitRPS < 0 {
		return fmt.Errorf("invalid RATE_LIMIT_RPS=%v: must not be negative", c.Worker.RateLimitRPS)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid INGEST_POLL_INTERVAL=%s: must be positive", c.PollInterval)
	}
	if c.ObjectStore.Endpoint != "" && (c.ObjectStore.AccessKey == "" || c.ObjectStore.SecretKey == "") {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}
	return nil
}

func envString(varName string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(varName)); v != "" {
		*dst = v
	}
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func readValueOrFile(v string, varName string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	if strings.Contains(v, "\n") || strings.Contains(v, "\r") {
		return v, nil
	}
	if fi, err := os.Stat(v); err == nil && !fi.IsDir() {
		b, err := os.ReadFile(v)
		if err != nil {
			return "", fmt.Errorf("read %s file: %w", varName, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return v, nil
}
