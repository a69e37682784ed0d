// Package config loads the service configuration from environment variables
// with an optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chainrep/walletrank/pkg/scoring"
)

// MinioConfig holds the object-store connection used by the arrow audit
// backend and the dead-letter archive.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// AuditConfig selects and tunes the outcome audit backend.
type AuditConfig struct {
	// Backend is one of "off", "duckdb", "arrow".
	Backend    string `yaml:"backend"`
	DuckDBPath string `yaml:"duckdb_path"`
	QueueSize  int    `yaml:"queue_size"`
	BatchSize  int    `yaml:"batch_size"`
	// FlushInterval is environment-only (AUDIT_FLUSH_INTERVAL).
	FlushInterval time.Duration `yaml:"-"`
	Minio         MinioConfig   `yaml:"minio"`
}

// Config holds the application configuration
type Config struct {
	// NATS configuration
	NatsURL        string
	InputStream    string
	InputSubject   string
	OutcomeStream  string
	SuccessSubject string
	FailureSubject string
	ConsumerGroup  string
	DedupWindow    time.Duration

	// Redis configuration
	RedisURL string
	DedupTTL time.Duration

	// Worker pool configuration
	Workers         int
	FetchBatch      int
	AckWait         time.Duration
	RedeliveryDelay time.Duration

	// Publish retry configuration
	PublishMaxAttempts int
	PublishBackoff     time.Duration
	PublishTimeout     time.Duration

	// Startup and shutdown
	ConnectMaxAttempts int
	ConnectBackoff     time.Duration
	ShutdownTimeout    time.Duration

	// HTTP gateway
	HTTPAddr    string
	ServiceName string

	// Logging
	LogLevel  string
	LogFormat string

	// Scoring policy
	Weights scoring.Weights

	// Audit store
	Audit AuditConfig
}

// LoadFromEnv loads configuration from environment variables. A .env file in
// the working directory is honored when present.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		NatsURL:        getEnvWithDefault("NATS_URL", "nats://localhost:4222"),
		InputStream:    getEnvWithDefault("INPUT_STREAM", "WALLET_TX"),
		InputSubject:   getEnvWithDefault("INPUT_SUBJECT", "wallet-transactions"),
		OutcomeStream:  getEnvWithDefault("OUTCOME_STREAM", "WALLET_SCORES"),
		SuccessSubject: getEnvWithDefault("SUCCESS_SUBJECT", "wallet-scores-success"),
		FailureSubject: getEnvWithDefault("FAILURE_SUBJECT", "wallet-scores-failure"),
		ConsumerGroup:  getEnvWithDefault("CONSUMER_GROUP", "walletrank-scorer"),
		DedupWindow:    getEnvAsDuration("DEDUP_WINDOW", 10*time.Minute),

		RedisURL: getEnvWithDefault("REDIS_URL", "localhost:6379"),
		DedupTTL: getEnvAsDuration("DEDUP_TTL", 24*time.Hour),

		Workers:         getEnvAsInt("WORKERS", 4),
		FetchBatch:      getEnvAsInt("FETCH_BATCH", 16),
		AckWait:         getEnvAsDuration("ACK_WAIT", 30*time.Second),
		RedeliveryDelay: getEnvAsDuration("REDELIVERY_DELAY", 30*time.Second),

		PublishMaxAttempts: getEnvAsInt("PUBLISH_MAX_ATTEMPTS", 4),
		PublishBackoff:     getEnvAsDuration("PUBLISH_BACKOFF", 500*time.Millisecond),
		PublishTimeout:     getEnvAsDuration("PUBLISH_TIMEOUT", 10*time.Second),

		ConnectMaxAttempts: getEnvAsInt("CONNECT_MAX_ATTEMPTS", 5),
		ConnectBackoff:     getEnvAsDuration("CONNECT_BACKOFF", 5*time.Second),
		ShutdownTimeout:    getEnvAsDuration("SHUTDOWN_TIMEOUT", 20*time.Second),

		HTTPAddr:    getEnvWithDefault("HTTP_ADDR", ":8000"),
		ServiceName: getEnvWithDefault("SERVICE_NAME", "walletrank"),

		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "text"),

		Weights: scoring.Weights{
			Volume:    getEnvAsFloat("SCORE_WEIGHT_VOLUME", 40),
			Activity:  getEnvAsFloat("SCORE_WEIGHT_ACTIVITY", 25),
			Diversity: getEnvAsFloat("SCORE_WEIGHT_DIVERSITY", 20),
			Span:      getEnvAsFloat("SCORE_WEIGHT_SPAN", 15),
		},

		Audit: AuditConfig{
			Backend:       getEnvWithDefault("AUDIT_BACKEND", "off"),
			DuckDBPath:    getEnvWithDefault("AUDIT_DUCKDB_PATH", "walletrank_audit.db"),
			QueueSize:     getEnvAsInt("AUDIT_QUEUE_SIZE", 256),
			BatchSize:     getEnvAsInt("AUDIT_BATCH_SIZE", 64),
			FlushInterval: getEnvAsDuration("AUDIT_FLUSH_INTERVAL", 30*time.Second),
			Minio: MinioConfig{
				Endpoint:  getEnvWithDefault("MINIO_ENDPOINT", "localhost:9000"),
				AccessKey: getEnvWithDefault("MINIO_ACCESS_KEY", "minioadmin"),
				SecretKey: getEnvWithDefault("MINIO_SECRET_KEY", "minioadmin"),
				Bucket:    getEnvWithDefault("MINIO_BUCKET", "wallet-outcomes"),
				UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileConfig is the YAML overlay. Only the commonly tuned knobs are exposed
// here; the rest stays on the environment.
type fileConfig struct {
	NatsURL        string          `yaml:"nats_url"`
	RedisURL       string          `yaml:"redis_url"`
	InputStream    string          `yaml:"input_stream"`
	InputSubject   string          `yaml:"input_subject"`
	OutcomeStream  string          `yaml:"outcome_stream"`
	SuccessSubject string          `yaml:"success_subject"`
	FailureSubject string          `yaml:"failure_subject"`
	ConsumerGroup  string          `yaml:"consumer_group"`
	Workers        int             `yaml:"workers"`
	HTTPAddr       string          `yaml:"http_addr"`
	ServiceName    string          `yaml:"service_name"`
	LogLevel       string          `yaml:"log_level"`
	LogFormat      string          `yaml:"log_format"`
	Weights        scoring.Weights `yaml:"scoring_weights"`
	Audit          AuditConfig     `yaml:"audit"`
}

// Load reads a YAML config file (path) and overlays it on the environment
// configuration. A missing file falls back to environment-only loading.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadFromEnv()
	}

	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}

	var overlay fileConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setIfNotEmpty(&cfg.NatsURL, overlay.NatsURL)
	setIfNotEmpty(&cfg.RedisURL, overlay.RedisURL)
	setIfNotEmpty(&cfg.InputStream, overlay.InputStream)
	setIfNotEmpty(&cfg.InputSubject, overlay.InputSubject)
	setIfNotEmpty(&cfg.OutcomeStream, overlay.OutcomeStream)
	setIfNotEmpty(&cfg.SuccessSubject, overlay.SuccessSubject)
	setIfNotEmpty(&cfg.FailureSubject, overlay.FailureSubject)
	setIfNotEmpty(&cfg.ConsumerGroup, overlay.ConsumerGroup)
	setIfNotEmpty(&cfg.HTTPAddr, overlay.HTTPAddr)
	setIfNotEmpty(&cfg.ServiceName, overlay.ServiceName)
	setIfNotEmpty(&cfg.LogLevel, overlay.LogLevel)
	setIfNotEmpty(&cfg.LogFormat, overlay.LogFormat)
	if overlay.Workers > 0 {
		cfg.Workers = overlay.Workers
	}
	if overlay.Weights != (scoring.Weights{}) {
		cfg.Weights = overlay.Weights
	}
	setIfNotEmpty(&cfg.Audit.Backend, overlay.Audit.Backend)
	setIfNotEmpty(&cfg.Audit.DuckDBPath, overlay.Audit.DuckDBPath)
	if overlay.Audit.QueueSize > 0 {
		cfg.Audit.QueueSize = overlay.Audit.QueueSize
	}
	if overlay.Audit.BatchSize > 0 {
		cfg.Audit.BatchSize = overlay.Audit.BatchSize
	}
	setIfNotEmpty(&cfg.Audit.Minio.Endpoint, overlay.Audit.Minio.Endpoint)
	setIfNotEmpty(&cfg.Audit.Minio.AccessKey, overlay.Audit.Minio.AccessKey)
	setIfNotEmpty(&cfg.Audit.Minio.SecretKey, overlay.Audit.Minio.SecretKey)
	setIfNotEmpty(&cfg.Audit.Minio.Bucket, overlay.Audit.Minio.Bucket)
	if overlay.Audit.Minio.UseSSL {
		cfg.Audit.Minio.UseSSL = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.NatsURL == "" {
		return fmt.Errorf("NATS_URL must not be empty")
	}
	for name, v := range map[string]string{
		"INPUT_STREAM":    c.InputStream,
		"INPUT_SUBJECT":   c.InputSubject,
		"OUTCOME_STREAM":  c.OutcomeStream,
		"SUCCESS_SUBJECT": c.SuccessSubject,
		"FAILURE_SUBJECT": c.FailureSubject,
		"CONSUMER_GROUP":  c.ConsumerGroup,
	} {
		if v == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	if c.SuccessSubject == c.FailureSubject {
		return fmt.Errorf("success and failure subjects must differ")
	}
	if c.InputSubject == c.SuccessSubject || c.InputSubject == c.FailureSubject {
		return fmt.Errorf("input subject must differ from the outcome subjects")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.FetchBatch <= 0 {
		return fmt.Errorf("FETCH_BATCH must be positive, got %d", c.FetchBatch)
	}
	if c.PublishMaxAttempts <= 0 {
		return fmt.Errorf("PUBLISH_MAX_ATTEMPTS must be positive, got %d", c.PublishMaxAttempts)
	}
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	switch c.Audit.Backend {
	case "off", "duckdb":
	case "arrow":
		if c.Audit.Minio.Endpoint == "" || c.Audit.Minio.Bucket == "" {
			return fmt.Errorf("arrow audit backend requires MINIO_ENDPOINT and MINIO_BUCKET")
		}
	default:
		return fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
	}
	return nil
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// getEnvWithDefault returns environment variable value or default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns environment variable as integer or default if not set
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvAsFloat returns environment variable as float or default if not set
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvAsBool returns environment variable as bool or default if not set
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsDuration returns environment variable as duration or default if not set
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
