package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the task service.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	StoreDriver    string `yaml:"store_driver"`
	DatabaseURL    string `yaml:"database_url"`
	SQLitePath     string `yaml:"sqlite_path"`
	AttachmentsDir string `yaml:"attachments_dir"`

	OperationTimeout  time.Duration `yaml:"operation_timeout"`
	MaxHierarchyDepth int           `yaml:"max_hierarchy_depth"`
	StoreRetries      int           `yaml:"store_retries"`
	RetryBase         time.Duration `yaml:"retry_base"`
	RetryCap          time.Duration `yaml:"retry_cap"`
	StrictBulkAuth    bool          `yaml:"strict_bulk_auth"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

func Defaults() Config {
	return Config{
		BindAddr:          ":8080",
		ShutdownTimeout:   15 * time.Second,
		MetricsNamespace:  "teamtasks",
		OperationTimeout:  10 * time.Second,
		MaxHierarchyDepth: 1000,
		StoreRetries:      3,
		RetryBase:         25 * time.Millisecond,
		RetryCap:          500 * time.Millisecond,
		StrictBulkAuth:    false,
		LogLevel:          "info",
		LogFormat:         "text",
		TraceSampleRate:   1,
	}
}

// Load reads TEAMTASKS_CONFIG (if set) and then environment overrides.
func Load() (Config, error) {
	return LoadFile(stringsTrimSpace("TEAMTASKS_CONFIG"))
}

// LoadFile applies defaults, the YAML file at path when non-empty, then env vars.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.StoreDriver = strings.ToLower(envOrDefault("STORE_DRIVER", cfg.StoreDriver))
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = envOrDefault("SQLITE_PATH", cfg.SQLitePath)
	cfg.AttachmentsDir = envOrDefault("ATTACHMENTS_DIR", cfg.AttachmentsDir)
	cfg.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOrDefault("LOG_FORMAT", cfg.LogFormat))
	cfg.OTLPEndpoint = envOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.OperationTimeout, err = durationFromEnv("TASKS_OPERATION_TIMEOUT", cfg.OperationTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxHierarchyDepth, err = intFromEnv("TASKS_MAX_HIERARCHY_DEPTH", cfg.MaxHierarchyDepth); err != nil {
		return Config{}, err
	}
	if cfg.StoreRetries, err = intFromEnv("TASKS_STORE_RETRIES", cfg.StoreRetries); err != nil {
		return Config{}, err
	}
	if cfg.RetryBase, err = durationFromEnv("TASKS_RETRY_BASE", cfg.RetryBase); err != nil {
		return Config{}, err
	}
	if cfg.RetryCap, err = durationFromEnv("TASKS_RETRY_CAP", cfg.RetryCap); err != nil {
		return Config{}, err
	}
	if cfg.StrictBulkAuth, err = boolFromEnv("TASKS_STRICT_BULK_AUTH", cfg.StrictBulkAuth); err != nil {
		return Config{}, err
	}
	if cfg.TraceSampleRate, err = floatFromEnv("OTEL_TRACES_SAMPLE_RATE", cfg.TraceSampleRate); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case "", "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("STORE_DRIVER must be memory, sqlite or postgres")
	}
	if c.StoreDriver == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres driver")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("TASKS_OPERATION_TIMEOUT must be positive")
	}
	if c.MaxHierarchyDepth <= 0 {
		return fmt.Errorf("TASKS_MAX_HIERARCHY_DEPTH must be positive")
	}
	if c.StoreRetries <= 0 {
		return fmt.Errorf("TASKS_STORE_RETRIES must be positive")
	}
	if c.RetryBase <= 0 || c.RetryCap < c.RetryBase {
		return fmt.Errorf("TASKS_RETRY_CAP must be >= TASKS_RETRY_BASE > 0")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATE must be within [0,1]")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	return nil
}

func ParseLogLevel(v string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", v)
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
