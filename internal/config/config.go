package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime settings for the vectorwing service.
type Config struct {
	Environment string
	Log         LogConfig
	Mongo       MongoConfig
	Checkpoints CheckpointConfig
	VectorIndex VectorIndexConfig
	Executor    ExecutorConfig
	Dispatcher  DispatcherConfig
	ResultLog   ResultLogConfig
	Health      HealthConfig
	Telemetry   TelemetryConfig
	Pprof       PprofConfig
}

type LogConfig struct {
	Level string
}

type MongoConfig struct {
	URI      string
	Database string
	// BatchSize caps how many events one change-stream poll returns.
	BatchSize int32
	// FullDocument enables post-image lookup on updates.
	FullDocument bool
}

type CheckpointConfig struct {
	Backend  string
	DSN      string
	Path     string
	Interval time.Duration
	// BatchSize commits the watermark after this many drained records even
	// if the interval has not elapsed.
	BatchSize int
}

type VectorIndexConfig struct {
	Backend string
	DSN     string
	// Dimensions sizes the pgvector column on first migration.
	Dimensions int
}

type ExecutorConfig struct {
	Endpoint    string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type DispatcherConfig struct {
	MaxInFlight  int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	DrainTimeout time.Duration
}

type ResultLogConfig struct {
	Brokers []string
	Topic   string
}

type HealthConfig struct {
	Listen string
	// StallAfter marks the flow not live when no record has advanced and the
	// source is not idle at head for this long.
	StallAfter time.Duration
}

type TelemetryConfig struct {
	ServiceName string
}

type PprofConfig struct {
	Listen string
}

// Load loads config from environment. Flag and file overrides layer on top
// via viper in the commands.
func Load(_ string) (*Config, error) {
	cfg := &Config{
		Environment: getenv("VECTORWING_ENV", "dev"),
		Log: LogConfig{
			Level: getenv("VECTORWING_LOG_LEVEL", "info"),
		},
		Mongo: MongoConfig{
			URI:          getenv("VECTORWING_MONGO_URI", ""),
			Database:     getenv("VECTORWING_MONGO_DATABASE", ""),
			BatchSize:    int32(getenvInt("VECTORWING_MONGO_BATCH_SIZE", 128)),
			FullDocument: getenvBool("VECTORWING_MONGO_FULL_DOCUMENT", true),
		},
		Checkpoints: CheckpointConfig{
			Backend:   getenv("VECTORWING_CHECKPOINT_BACKEND", "sqlite"),
			DSN:       getenv("VECTORWING_CHECKPOINT_DSN", ""),
			Path:      getenv("VECTORWING_CHECKPOINT_PATH", ""),
			Interval:  getenvDuration("VECTORWING_CHECKPOINT_INTERVAL", 2*time.Second),
			BatchSize: getenvInt("VECTORWING_CHECKPOINT_BATCH_SIZE", 64),
		},
		VectorIndex: VectorIndexConfig{
			Backend:    getenv("VECTORWING_INDEX_BACKEND", "pgvector"),
			DSN:        getenv("VECTORWING_INDEX_DSN", ""),
			Dimensions: getenvInt("VECTORWING_INDEX_DIMENSIONS", 384),
		},
		Executor: ExecutorConfig{
			Endpoint:    getenv("VECTORWING_EXECUTOR_ENDPOINT", ""),
			Timeout:     getenvDuration("VECTORWING_EXECUTOR_TIMEOUT", 30*time.Second),
			MaxRetries:  getenvInt("VECTORWING_EXECUTOR_MAX_RETRIES", 3),
			BackoffBase: getenvDuration("VECTORWING_EXECUTOR_BACKOFF_BASE", 200*time.Millisecond),
			BackoffMax:  getenvDuration("VECTORWING_EXECUTOR_BACKOFF_MAX", 5*time.Second),
		},
		Dispatcher: DispatcherConfig{
			MaxInFlight:  getenvInt("VECTORWING_DISPATCH_MAX_IN_FLIGHT", 16),
			MaxAttempts:  getenvInt("VECTORWING_DISPATCH_MAX_ATTEMPTS", 5),
			BackoffBase:  getenvDuration("VECTORWING_DISPATCH_BACKOFF_BASE", 100*time.Millisecond),
			BackoffMax:   getenvDuration("VECTORWING_DISPATCH_BACKOFF_MAX", 10*time.Second),
			DrainTimeout: getenvDuration("VECTORWING_DISPATCH_DRAIN_TIMEOUT", 30*time.Second),
		},
		ResultLog: ResultLogConfig{
			Brokers: getenvCSV("VECTORWING_RESULTLOG_BROKERS", ""),
			Topic:   getenv("VECTORWING_RESULTLOG_TOPIC", ""),
		},
		Health: HealthConfig{
			Listen:     getenv("VECTORWING_HEALTH_LISTEN", ":8089"),
			StallAfter: getenvDuration("VECTORWING_HEALTH_STALL_AFTER", time.Minute),
		},
		Telemetry: TelemetryConfig{
			ServiceName: getenv("VECTORWING_OTEL_SERVICE", "vectorwing"),
		},
		Pprof: PprofConfig{
			Listen: getenv("VECTORWING_PPROF_LISTEN", ""),
		},
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		switch value {
		case "1", "true", "TRUE", "yes", "YES":
			return true
		case "0", "false", "FALSE", "no", "NO":
			return false
		default:
			return fallback
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvCSV(key, fallback string) []string {
	value := getenv(key, fallback)
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trim := strings.TrimSpace(part)
		if trim != "" {
			out = append(out, trim)
		}
	}
	return out
}
