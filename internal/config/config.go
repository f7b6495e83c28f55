// Package config validates and loads the fabric's environment
// configuration, modeled on the teacher's internal/v1/config.ValidateEnv:
// required variables are validated eagerly with accumulated error
// messages, optional variables fall back to documented defaults, and the
// loaded configuration is logged once with secrets redacted.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clusterwire/fabric/internal/logging"
)

// Backend selects the implementation used for a pluggable subsystem.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config holds every tunable named in the fabric's external interface.
type Config struct {
	ListenAddr            string
	BasePath              string
	DefaultNamespaceName  string
	PingInterval          time.Duration
	PongTimeout           time.Duration
	CheckDelayPerClient   time.Duration
	MaxMsgsPerSecond      int
	MaxPayloadBytes       int
	BatchInterval         time.Duration
	RoomIdleTTL           time.Duration
	StateBackend          Backend
	BrokerBackend         Backend
	SchedulerBackend      Backend
	RedisURL              string
	InstanceID            string
	AllowedOrigins        []string
	Development           bool
}

// Load reads and validates the process environment, returning a Config or
// an accumulated validation error.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.ListenAddr = getEnvOrDefault("LISTEN_ADDR", ":8080")
	cfg.BasePath = getEnvOrDefault("BASE_PATH", "/ws")
	cfg.DefaultNamespaceName = getEnvOrDefault("DEFAULT_NAMESPACE_NAME", "default")

	cfg.PingInterval = durationMS("PING_INTERVAL_MS", 30_000)
	cfg.PongTimeout = durationMS("PONG_TIMEOUT_MS", 10_000)
	cfg.CheckDelayPerClient = durationMS("CHECK_DELAY_PER_CLIENT_MS", 10)
	cfg.BatchInterval = durationMS("BATCH_INTERVAL_MS", 20)
	cfg.RoomIdleTTL = durationMS("ROOM_IDLE_TTL_MS", 30_000)

	cfg.MaxMsgsPerSecond = intOrDefault("MAX_MSGS_PER_SECOND", 50)
	cfg.MaxPayloadBytes = intOrDefault("MAX_PAYLOAD_BYTES", 64*1024)

	cfg.StateBackend = Backend(getEnvOrDefault("STATE_BACKEND", string(BackendMemory)))
	cfg.BrokerBackend = Backend(getEnvOrDefault("BROKER_BACKEND", string(BackendMemory)))
	cfg.SchedulerBackend = Backend(getEnvOrDefault("SCHEDULER_BACKEND", string(BackendMemory)))

	for _, b := range []Backend{cfg.StateBackend, cfg.BrokerBackend, cfg.SchedulerBackend} {
		if b != BackendMemory && b != BackendRedis {
			errs = append(errs, fmt.Sprintf("backend must be 'memory' or 'redis', got %q", b))
		}
	}

	needsRedis := cfg.StateBackend == BackendRedis || cfg.BrokerBackend == BackendRedis || cfg.SchedulerBackend == BackendRedis
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if needsRedis && cfg.RedisURL == "" {
		errs = append(errs, "REDIS_URL is required when any backend is set to 'redis'")
	}

	cfg.InstanceID = os.Getenv("INSTANCE_ID")
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	} else {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
	}

	cfg.Development = os.Getenv("GO_ENV") != "production"

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidated(cfg)
	return cfg, nil
}

func logValidated(cfg *Config) {
	logging.L().Sugar().Infow("fabric configuration validated",
		"listen_addr", cfg.ListenAddr,
		"base_path", cfg.BasePath,
		"default_namespace", cfg.DefaultNamespaceName,
		"state_backend", cfg.StateBackend,
		"broker_backend", cfg.BrokerBackend,
		"scheduler_backend", cfg.SchedulerBackend,
		"instance_id", cfg.InstanceID,
		"redis_url", redact(cfg.RedisURL),
	)
}

func redact(s string) string {
	if len(s) <= 8 {
		if s == "" {
			return ""
		}
		return "***"
	}
	return s[:8] + "***"
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func intOrDefault(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func durationMS(key string, defMS int) time.Duration {
	return time.Duration(intOrDefault(key, defMS)) * time.Millisecond
}
