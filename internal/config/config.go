// Package config loads docket configuration from config.yaml and
// DOCKET_-prefixed environment variables, with hot reload of the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	viper.SetDefault("server", defaults.Server)
	viper.SetDefault("store", defaults.Store)
	viper.SetDefault("dispatch", defaults.Dispatch)
	viper.SetDefault("redis", defaults.Redis)
	viper.SetDefault("executors", defaults.Executors)
	viper.SetDefault("runner", defaults.Runner)
	viper.SetDefault("broadcast", defaults.Broadcast)
	viper.SetDefault("progress", defaults.Progress)

	// Environment variables with DOCKET_ prefix; nested keys use
	// underscores (store.backend -> DOCKET_STORE_BACKEND).
	viper.SetEnvPrefix("DOCKET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.docket")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// PostgresDSN returns the configured DSN with ${ENV_VAR} references
// resolved, or an empty string when docket should manage its own
// container.
func (c *Config) PostgresDSN() string {
	return ResolveEnvVars(c.Store.Postgres.DSN)
}

// defaultConfigYAML is the generated config.yaml. It carries the same
// values as DefaultConfig; the round-trip is covered by a test so the
// two cannot drift. Durations are written as Go duration strings, which
// viper parses back on load.
const defaultConfigYAML = `# docket configuration
# Every value can also be set with a DOCKET_-prefixed environment
# variable, e.g. DOCKET_STORE_BACKEND=postgres.

server:
  host: "127.0.0.1"
  port: "8080"

store:
  # memory or postgres
  backend: memory
  postgres:
    # With dsn set docket connects to that database directly; otherwise
    # it manages its own container with the settings below.
    # dsn supports ${ENV_VAR} references for credentials.
    dsn: ""
    container_name: docket-postgres
    image: postgres:16-alpine
    port: "5433"
    user: docket
    password: docket
    database: docket

dispatch:
  # channel (in-process) or kafka
  backend: channel
  buffer: 64
  kafka:
    brokers:
      - localhost:9092
    topic: docket.batches
    group_id: docket-runner

redis:
  # duration-history cache; empty disables it
  addr: ""

executors:
  extraction_url: http://localhost:8000
  mapping_url: http://localhost:8001
  timeout: 30s
  auto_review_threshold: 0.8
  min_confidence: 0.5

runner:
  workers: 4
  enabled: true

broadcast:
  progress_interval: 1s
  heartbeat_interval: 15s
  session_timeout: 5m

progress:
  ms_per_weight_unit: 1000
`

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
