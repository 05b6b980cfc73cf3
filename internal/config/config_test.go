package config

import (
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Store.Backend != StoreBackendMemory {
		t.Errorf("expected memory store backend, got %s", cfg.Store.Backend)
	}
	if cfg.Store.Postgres.Image != "postgres:16-alpine" {
		t.Errorf("expected postgres:16-alpine image, got %s", cfg.Store.Postgres.Image)
	}
	if cfg.Dispatch.Backend != DispatchBackendChannel {
		t.Errorf("expected channel dispatch backend, got %s", cfg.Dispatch.Backend)
	}
	if cfg.Dispatch.Kafka.Topic != "docket.batches" {
		t.Errorf("expected docket.batches topic, got %s", cfg.Dispatch.Kafka.Topic)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("expected redis disabled by default, got %s", cfg.Redis.Addr)
	}
	if cfg.Executors.Timeout != 30*time.Second {
		t.Errorf("expected 30s executor timeout, got %s", cfg.Executors.Timeout)
	}
	if cfg.Executors.AutoReviewThreshold != 0.8 {
		t.Errorf("expected 0.8 auto-review threshold, got %f", cfg.Executors.AutoReviewThreshold)
	}
	if cfg.Runner.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Runner.Workers)
	}
	if !cfg.Runner.Enabled {
		t.Error("expected runner enabled by default")
	}
	if cfg.Broadcast.SessionTimeout != 5*time.Minute {
		t.Errorf("expected 5m session timeout, got %s", cfg.Broadcast.SessionTimeout)
	}
	if cfg.Progress.MsPerWeightUnit != 1000 {
		t.Errorf("expected 1000 ms per weight unit, got %d", cfg.Progress.MsPerWeightUnit)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		os.Setenv("TEST_DOCKET_DSN", "secret123")
		defer os.Unsetenv("TEST_DOCKET_DSN")

		result := ResolveEnvVars("${TEST_DOCKET_DSN}")
		if result != "secret123" {
			t.Errorf("expected secret123, got %s", result)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		result := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}")
		if result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		result := ResolveEnvVars("literal-value")
		if result != "literal-value" {
			t.Errorf("expected literal-value, got %s", result)
		}
	})
}

func TestConfig_PostgresDSN(t *testing.T) {
	os.Setenv("TEST_DOCKET_PG", "postgres://app:pw@db:5432/docket")
	defer os.Unsetenv("TEST_DOCKET_PG")

	t.Run("resolves env var reference", func(t *testing.T) {
		cfg := &Config{}
		cfg.Store.Postgres.DSN = "${TEST_DOCKET_PG}"
		if got := cfg.PostgresDSN(); got != "postgres://app:pw@db:5432/docket" {
			t.Errorf("expected resolved DSN, got %s", got)
		}
	})

	t.Run("returns literal value", func(t *testing.T) {
		cfg := &Config{}
		cfg.Store.Postgres.DSN = "postgres://localhost:5432/docket"
		if got := cfg.PostgresDSN(); got != "postgres://localhost:5432/docket" {
			t.Errorf("expected literal DSN, got %s", got)
		}
	})

	t.Run("empty stays empty", func(t *testing.T) {
		cfg := &Config{}
		if got := cfg.PostgresDSN(); got != "" {
			t.Errorf("expected empty DSN, got %s", got)
		}
	})
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configFile := filepath.Join(tmpDir, "config.yaml")

		configContent := `
store:
  backend: postgres
  postgres:
    dsn: "postgres://localhost:5432/test"
    container_name: test-postgres
    image: postgres:16-alpine
    port: "5544"
    user: test
    password: test
    database: test
executors:
  extraction_url: http://extract:9000
  mapping_url: http://map:9001
  timeout: 5s
  auto_review_threshold: 0.9
  min_confidence: 0.6
`
		if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}

		mgr, err := NewManager(configFile)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}

		cfg := mgr.Get()
		if cfg.Store.Backend != StoreBackendPostgres {
			t.Errorf("expected postgres backend, got %s", cfg.Store.Backend)
		}
		if cfg.Store.Postgres.Port != "5544" {
			t.Errorf("expected port 5544, got %s", cfg.Store.Postgres.Port)
		}
		if cfg.Executors.Timeout != 5*time.Second {
			t.Errorf("expected 5s timeout, got %s", cfg.Executors.Timeout)
		}
		if cfg.Executors.ExtractionURL != "http://extract:9000" {
			t.Errorf("expected http://extract:9000, got %s", cfg.Executors.ExtractionURL)
		}

		// Sections absent from the file keep their defaults.
		if cfg.Runner.Workers != 4 {
			t.Errorf("expected default 4 workers, got %d", cfg.Runner.Workers)
		}
		if cfg.Broadcast.HeartbeatInterval != 15*time.Second {
			t.Errorf("expected default 15s heartbeat, got %s", cfg.Broadcast.HeartbeatInterval)
		}
	})
}

func TestManager_OnChange(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
redis:
  addr: "localhost:6379"
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 1 {
		t.Errorf("expected 1 callback, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}

func TestManager_OnChange_Multiple(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configFile, []byte("runner:\n  workers: 2\n  enabled: true\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 3 {
		t.Errorf("expected 3 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}

func TestManager_Get_ThreadSafe(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configFile, []byte("store:\n  backend: memory\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	// Call Get concurrently to verify no race conditions
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				cfg := mgr.Get()
				_ = cfg.Store.Backend
			}
			done <- struct{}{}
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestManager_WatchConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
redis:
  addr: "localhost:6379"
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	cfg := mgr.Get()
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("initial value mismatch: expected localhost:6379, got %s", cfg.Redis.Addr)
	}

	var callbackCount atomic.Int32
	var lastValue atomic.Value

	mgr.OnChange(func(cfg *Config) {
		callbackCount.Add(1)
		lastValue.Store(cfg.Redis.Addr)
	})

	mgr.WatchConfig()

	// Give fsnotify time to set up the watcher
	time.Sleep(100 * time.Millisecond)

	newContent := `
redis:
  addr: "redis.internal:6379"
`
	if err := os.WriteFile(configFile, []byte(newContent), 0644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	// Wait for the watcher to detect the change (fsnotify is async)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if callbackCount.Load() > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if callbackCount.Load() == 0 {
		t.Error("callback was not invoked after config file change")
	}

	newCfg := mgr.Get()
	if newCfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("config not updated: expected redis.internal:6379, got %s", newCfg.Redis.Addr)
	}

	if v := lastValue.Load(); v != "redis.internal:6379" {
		t.Errorf("callback received wrong value: expected redis.internal:6379, got %v", v)
	}
}

// The generated config file must parse back into exactly DefaultConfig,
// otherwise the template and the schema have drifted apart.
func TestWriteDefault_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	if err := WriteDefault(configFile); err != nil {
		t.Fatalf("failed to write default config: %v", err)
	}

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to load generated config: %v", err)
	}

	got := mgr.Get()
	want := DefaultConfig()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("generated config does not match defaults:\ngot  %+v\nwant %+v", got, want)
	}
}
