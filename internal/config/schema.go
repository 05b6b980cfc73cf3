package config

import "time"

// Config holds docket configuration.
// Loaded from ./config.yaml or ~/.docket/config.yaml, overridable with
// DOCKET_-prefixed environment variables.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Executors ExecutorsConfig `mapstructure:"executors" yaml:"executors"`
	Runner    RunnerConfig    `mapstructure:"runner" yaml:"runner"`
	Broadcast BroadcastConfig `mapstructure:"broadcast" yaml:"broadcast"`
	Progress  ProgressConfig  `mapstructure:"progress" yaml:"progress"`
}

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// Store backends.
const (
	StoreBackendMemory   = "memory"
	StoreBackendPostgres = "postgres"
)

// StoreConfig selects and configures the work item store.
type StoreConfig struct {
	// Backend is "memory" or "postgres".
	Backend  string         `mapstructure:"backend" yaml:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig holds Postgres settings. With a DSN set the server
// connects to that database directly; otherwise it manages its own
// container with the settings below.
type PostgresConfig struct {
	// DSN supports ${ENV_VAR} references for credentials.
	DSN           string `mapstructure:"dsn" yaml:"dsn"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	Image         string `mapstructure:"image" yaml:"image"`
	Port          string `mapstructure:"port" yaml:"port"`
	User          string `mapstructure:"user" yaml:"user"`
	Password      string `mapstructure:"password" yaml:"password"`
	Database      string `mapstructure:"database" yaml:"database"`
}

// Dispatch backends.
const (
	DispatchBackendChannel = "channel"
	DispatchBackendKafka   = "kafka"
)

// DispatchConfig selects and configures the batch dispatch transport.
type DispatchConfig struct {
	// Backend is "channel" (in-process) or "kafka".
	Backend string      `mapstructure:"backend" yaml:"backend"`
	Buffer  int         `mapstructure:"buffer" yaml:"buffer"`
	Kafka   KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaConfig holds Kafka settings for the kafka dispatch backend.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
	GroupID string   `mapstructure:"group_id" yaml:"group_id"`
}

// RedisConfig holds the duration-history cache settings. An empty
// address disables the cache and history falls through to the store.
type RedisConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// ExecutorsConfig holds the external stage executor endpoints and the
// confidence thresholds the mapping route uses.
type ExecutorsConfig struct {
	ExtractionURL       string        `mapstructure:"extraction_url" yaml:"extraction_url"`
	MappingURL          string        `mapstructure:"mapping_url" yaml:"mapping_url"`
	Timeout             time.Duration `mapstructure:"timeout" yaml:"timeout"`
	AutoReviewThreshold float64       `mapstructure:"auto_review_threshold" yaml:"auto_review_threshold"`
	MinConfidence       float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
}

// RunnerConfig holds pipeline runner settings. Disabling the runner
// turns the binary into an API-only server; a separate runner process
// then consumes dispatches from Kafka.
type RunnerConfig struct {
	Workers int  `mapstructure:"workers" yaml:"workers"`
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// BroadcastConfig holds status session cadences.
type BroadcastConfig struct {
	ProgressInterval  time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
}

// ProgressConfig holds the ETA fallback rate used when no batch history
// exists for a city.
type ProgressConfig struct {
	MsPerWeightUnit int64 `mapstructure:"ms_per_weight_unit" yaml:"ms_per_weight_unit"`
}

// DefaultConfig returns configuration with sensible defaults: in-memory
// store, in-process dispatch, local executor services.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Store: StoreConfig{
			Backend: StoreBackendMemory,
			Postgres: PostgresConfig{
				ContainerName: "docket-postgres",
				Image:         "postgres:16-alpine",
				Port:          "5433",
				User:          "docket",
				Password:      "docket",
				Database:      "docket",
			},
		},
		Dispatch: DispatchConfig{
			Backend: DispatchBackendChannel,
			Buffer:  64,
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "docket.batches",
				GroupID: "docket-runner",
			},
		},
		Redis: RedisConfig{
			Addr: "",
		},
		Executors: ExecutorsConfig{
			ExtractionURL:       "http://localhost:8000",
			MappingURL:          "http://localhost:8001",
			Timeout:             30 * time.Second,
			AutoReviewThreshold: 0.80,
			MinConfidence:       0.50,
		},
		Runner: RunnerConfig{
			Workers: 4,
			Enabled: true,
		},
		Broadcast: BroadcastConfig{
			ProgressInterval:  time.Second,
			HeartbeatInterval: 15 * time.Second,
			SessionTimeout:    5 * time.Minute,
		},
		Progress: ProgressConfig{
			MsPerWeightUnit: 1000,
		},
	}
}
