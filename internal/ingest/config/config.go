package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/anthanhphan/gosdk/conflux"
	"github.com/anthanhphan/gosdk/logger"
)

// Config holds ingest service configuration
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	App          AppConfig          `json:"app" yaml:"app"`
	Validation   ValidationConfig   `json:"validation" yaml:"validation"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Metadata     MetadataConfig     `json:"metadata" yaml:"metadata"`
	Redis        RedisConfig        `json:"redis" yaml:"redis"`
	Gossip       GossipConfig       `json:"gossip" yaml:"gossip"`
	Notifier     NotifierConfig     `json:"notifier" yaml:"notifier"`
	Logger       logger.Config      `json:"logger" yaml:"logger"`
}

type ServerConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

type AppConfig struct {
	NodeID                int64    `json:"node_id" yaml:"node_id"`
	Version               string   `json:"version" yaml:"version"`
	PartSize              int64    `json:"part_size" yaml:"part_size"`
	MaxPartSize           int64    `json:"max_part_size" yaml:"max_part_size"`
	MaxParts              int      `json:"max_parts" yaml:"max_parts"`
	MaxFileSize           int64    `json:"max_file_size" yaml:"max_file_size"`
	RequiredMetadata      []string `json:"required_metadata" yaml:"required_metadata"`
	SessionTimeoutSeconds int      `json:"session_timeout_seconds" yaml:"session_timeout_seconds"` // inactivity window
	RetentionGraceSeconds int      `json:"retention_grace_seconds" yaml:"retention_grace_seconds"`
	LockTimeoutMS         int      `json:"lock_timeout_ms" yaml:"lock_timeout_ms"`
	StoreTimeoutMS        int      `json:"store_timeout_ms" yaml:"store_timeout_ms"`
	BlobTimeoutMS         int      `json:"blob_timeout_ms" yaml:"blob_timeout_ms"`
}

type ValidationConfig struct {
	SampleRecords int   `json:"sample_records" yaml:"sample_records"`
	SampleBytes   int64 `json:"sample_bytes" yaml:"sample_bytes"`
}

type OrchestratorConfig struct {
	Workers          int     `json:"workers" yaml:"workers"`
	QueueSize        int     `json:"queue_size" yaml:"queue_size"`
	PollIntervalMS   int     `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	BatchSize        int     `json:"batch_size" yaml:"batch_size"`
	MaxAttempts      int     `json:"max_attempts" yaml:"max_attempts"`
	BaseDelayMS      int     `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMS       int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	Jitter           float64 `json:"jitter" yaml:"jitter"` // fraction of the delay, 0..1
	TaskTimeoutMS    int     `json:"task_timeout_ms" yaml:"task_timeout_ms"`
	LeaseMS          int     `json:"lease_ms" yaml:"lease_ms"`
	ReaperIntervalMS int     `json:"reaper_interval_ms" yaml:"reaper_interval_ms"`
	ReaperBatchSize  int     `json:"reaper_batch_size" yaml:"reaper_batch_size"`
}

type StorageConfig struct {
	// BlobURL is a gocloud bucket URL: mem://, file:///path, s3://bucket?region=...
	BlobURL    string `json:"blob_url" yaml:"blob_url"`
	S3Region   string `json:"s3_region" yaml:"s3_region"`
	S3Endpoint string `json:"s3_endpoint" yaml:"s3_endpoint"`
}

type MetadataConfig struct {
	Driver   string `json:"driver" yaml:"driver"` // "memory", "postgres"
	DSN      string `json:"dsn" yaml:"dsn"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
}

type RedisConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	LockTTLMS int    `json:"lock_ttl_ms" yaml:"lock_ttl_ms"`
}

type GossipConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	NodeName string   `json:"node_name" yaml:"node_name"`
	BindAddr string   `json:"bind_addr" yaml:"bind_addr"`
	BindPort int      `json:"bind_port" yaml:"bind_port"`
	Seeds    []string `json:"seeds" yaml:"seeds"`
	VNodes   int      `json:"vnodes" yaml:"vnodes"`
}

type NotifierConfig struct {
	Driver                  string   `json:"driver" yaml:"driver"` // "log", "kafka", "webhook"
	Brokers                 []string `json:"brokers" yaml:"brokers"`
	Topic                   string   `json:"topic" yaml:"topic"`
	WebhookURL              string   `json:"webhook_url" yaml:"webhook_url"`
	TimeoutMS               int      `json:"timeout_ms" yaml:"timeout_ms"`
	QCProfile               string   `json:"qc_profile" yaml:"qc_profile"`
	BreakerFailureThreshold int      `json:"breaker_failure_threshold" yaml:"breaker_failure_threshold"`
	BreakerOpenTimeoutMS    int      `json:"breaker_open_timeout_ms" yaml:"breaker_open_timeout_ms"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8090",
			GRPCAddr: ":9090",
		},
		App: AppConfig{
			NodeID:                1,
			Version:               "0.1.0",
			PartSize:              64 * 1024 * 1024,         // 64MB
			MaxPartSize:           512 * 1024 * 1024,        // 512MB
			MaxParts:              10000,
			MaxFileSize:           200 * 1024 * 1024 * 1024, // 200GB
			RequiredMetadata:      []string{"sample_id", "project_id"},
			SessionTimeoutSeconds: 24 * 60 * 60,
			RetentionGraceSeconds: 7 * 24 * 60 * 60,
			LockTimeoutMS:         30000,
			StoreTimeoutMS:        5000,
			BlobTimeoutMS:         300000,
		},
		Validation: ValidationConfig{
			SampleRecords: 10000,
			SampleBytes:   16 * 1024 * 1024,
		},
		Orchestrator: OrchestratorConfig{
			Workers:          8,
			QueueSize:        16,
			PollIntervalMS:   500,
			BatchSize:        32,
			MaxAttempts:      5,
			BaseDelayMS:      1000,
			MaxDelayMS:       5 * 60 * 1000,
			Jitter:           0.2,
			TaskTimeoutMS:    10 * 60 * 1000,
			LeaseMS:          11 * 60 * 1000,
			ReaperIntervalMS: 60000,
			ReaperBatchSize:  100,
		},
		Storage: StorageConfig{
			BlobURL: "mem://",
		},
		Metadata: MetadataConfig{
			Driver:   "memory",
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			LockTTLMS: 60000,
		},
		Gossip: GossipConfig{
			BindAddr: "0.0.0.0",
			BindPort: 7946,
		},
		Notifier: NotifierConfig{
			Driver:                  "log",
			Topic:                   "ingest.sessions.completed",
			TimeoutMS:               10000,
			QCProfile:               "standard",
			BreakerFailureThreshold: 5,
			BreakerOpenTimeoutMS:    30000,
		},
		Logger: logger.Config{
			LogLevel:    logger.LevelInfo,
			LogEncoding: logger.EncodingJSON,
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	configPath := path
	if configPath == "" {
		env := os.Getenv("ENV")
		if env == "" {
			env = "local"
		}
		configPath = filepath.Join("internal", "ingest", "config", env+".yaml")
	}

	cfg := DefaultConfig()

	parsedCfg, err := conflux.ParseConfig(configPath, cfg)
	if err != nil {
		// logger is not initialised yet; an explicit path must exist, the
		// implicit one falls back to defaults.
		log.Printf("Config file not found or failed to parse, using defaults if file not specified. Path: %s, Error: %v", configPath, err)
		if path != "" {
			return nil, err
		}
		return cfg, nil
	}

	return parsedCfg, nil
}

// MustLoad loads configuration or exits on error
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func millis(v int, def time.Duration) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return def
}

func seconds(v int, def time.Duration) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Second
	}
	return def
}

// SessionTimeout returns the inactivity window after which a session expires.
func (c AppConfig) SessionTimeout() time.Duration {
	return seconds(c.SessionTimeoutSeconds, 24*time.Hour)
}

// RetentionGrace returns how long failed sessions are kept before purge.
func (c AppConfig) RetentionGrace() time.Duration {
	return seconds(c.RetentionGraceSeconds, 7*24*time.Hour)
}

func (c AppConfig) LockTimeout() time.Duration  { return millis(c.LockTimeoutMS, 30*time.Second) }
func (c AppConfig) StoreTimeout() time.Duration { return millis(c.StoreTimeoutMS, 5*time.Second) }
func (c AppConfig) BlobTimeout() time.Duration  { return millis(c.BlobTimeoutMS, 5*time.Minute) }

func (c OrchestratorConfig) PollInterval() time.Duration { return millis(c.PollIntervalMS, 500*time.Millisecond) }
func (c OrchestratorConfig) BaseDelay() time.Duration    { return millis(c.BaseDelayMS, time.Second) }
func (c OrchestratorConfig) MaxDelay() time.Duration     { return millis(c.MaxDelayMS, 5*time.Minute) }
func (c OrchestratorConfig) TaskTimeout() time.Duration  { return millis(c.TaskTimeoutMS, 10*time.Minute) }
func (c OrchestratorConfig) ReaperInterval() time.Duration {
	return millis(c.ReaperIntervalMS, time.Minute)
}

// Lease is never shorter than the task timeout, so a live run cannot be reclaimed.
func (c OrchestratorConfig) Lease() time.Duration {
	lease := millis(c.LeaseMS, 0)
	if floor := c.TaskTimeout() + 30*time.Second; lease < floor {
		return floor
	}
	return lease
}

func (c NotifierConfig) Timeout() time.Duration { return millis(c.TimeoutMS, 10*time.Second) }
func (c NotifierConfig) BreakerOpenTimeout() time.Duration {
	return millis(c.BreakerOpenTimeoutMS, 30*time.Second)
}

func (c RedisConfig) LockTTL() time.Duration { return millis(c.LockTTLMS, time.Minute) }
