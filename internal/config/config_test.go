package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.StoreDriver != "" {
		t.Fatalf("StoreDriver = %q, want empty (auto)", cfg.StoreDriver)
	}
	if cfg.StrictBulkAuth {
		t.Fatalf("StrictBulkAuth = true, want false by default")
	}
	if cfg.MaxHierarchyDepth != 1000 {
		t.Fatalf("MaxHierarchyDepth = %d, want 1000", cfg.MaxHierarchyDepth)
	}
	if cfg.OperationTimeout != 10*time.Second {
		t.Fatalf("OperationTimeout = %v, want 10s", cfg.OperationTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/tasks.db")
	t.Setenv("TASKS_STRICT_BULK_AUTH", "on")
	t.Setenv("TASKS_RETRY_BASE", "10ms")
	t.Setenv("OTEL_TRACES_SAMPLE_RATE", "0.25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want :9191", cfg.BindAddr)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Fatalf("StoreDriver = %q, want sqlite", cfg.StoreDriver)
	}
	if !cfg.StrictBulkAuth {
		t.Fatalf("StrictBulkAuth = false, want true")
	}
	if cfg.RetryBase != 10*time.Millisecond {
		t.Fatalf("RetryBase = %v, want 10ms", cfg.RetryBase)
	}
	if cfg.TraceSampleRate != 0.25 {
		t.Fatalf("TraceSampleRate = %v, want 0.25", cfg.TraceSampleRate)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "teamtasks.yaml")
	body := "bind_addr: \":7000\"\nstore_driver: memory\nmax_hierarchy_depth: 50\noperation_timeout: 3s\nlog_format: json\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("TEAMTASKS_CONFIG", path)
	t.Setenv("TASKS_MAX_HIERARCHY_DEPTH", "75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7000" {
		t.Fatalf("BindAddr = %q, want file value", cfg.BindAddr)
	}
	if cfg.OperationTimeout != 3*time.Second {
		t.Fatalf("OperationTimeout = %v, want 3s", cfg.OperationTimeout)
	}
	if cfg.MaxHierarchyDepth != 75 {
		t.Fatalf("MaxHierarchyDepth = %d, env should win over file", cfg.MaxHierarchyDepth)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("bind_adress: \":1\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("LoadFile() error = nil, want unknown field error")
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"STORE_DRIVER":              "cassandra",
		"TASKS_MAX_HIERARCHY_DEPTH": "0",
		"TASKS_STORE_RETRIES":       "-1",
		"TASKS_RETRY_CAP":           "1ms",
		"OTEL_TRACES_SAMPLE_RATE":   "2",
		"LOG_LEVEL":                 "loud",
		"LOG_FORMAT":                "xml",
		"APP_ALLOW_ANY_ORIGIN":      "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func TestPostgresDriverRequiresURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("STORE_DRIVER", "postgres")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing DATABASE_URL error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"TEAMTASKS_CONFIG",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"STORE_DRIVER",
		"DATABASE_URL",
		"SQLITE_PATH",
		"ATTACHMENTS_DIR",
		"TASKS_OPERATION_TIMEOUT",
		"TASKS_MAX_HIERARCHY_DEPTH",
		"TASKS_STORE_RETRIES",
		"TASKS_RETRY_BASE",
		"TASKS_RETRY_CAP",
		"TASKS_STRICT_BULK_AUTH",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_TRACES_SAMPLE_RATE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
