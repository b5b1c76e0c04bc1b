package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the process-wide configuration, loaded once from the
// environment at startup. Every field has a workable default so the
// binaries run unconfigured against a local filesystem backend.
type Config struct {
	// Backend selects the durable store: "filesystem" or "redis".
	Backend   string
	StateDir  string
	RedisAddr string

	Queue          string
	LeaseSeconds   int
	PollInterval   time.Duration
	HeartbeatEvery time.Duration

	// EtcdEndpoints is only consulted when the optional schedule-sweep
	// leader election is enabled.
	EtcdEndpoints       []string
	ScheduleSweepEnable bool
	ScheduleSweepEvery  time.Duration

	APIPort string

	JWTSecret   string
	JWTIssuer   string
	AuthEnabled bool

	LogLevel    string
	LogEncoding string

	OTELEndpoint string
	OTELEnabled  bool
}

// Load reads configuration from the environment, falling back to
// defaults suitable for a single-node local run.
func Load() *Config {
	return &Config{
		Backend:   getEnv("SUBSTANTIAL_BACKEND", "filesystem"),
		StateDir:  getEnv("SUBSTANTIAL_STATE_DIR", "./substantial-data"),
		RedisAddr: getEnv("SUBSTANTIAL_REDIS_ADDR", "localhost:6379"),

		Queue:          getEnv("SUBSTANTIAL_QUEUE", "default"),
		LeaseSeconds:   getEnvAsInt("SUBSTANTIAL_LEASE_SECONDS", 10),
		PollInterval:   getEnvAsDuration("SUBSTANTIAL_POLL_INTERVAL", time.Second),
		HeartbeatEvery: getEnvAsDuration("SUBSTANTIAL_HEARTBEAT_INTERVAL", 3*time.Second),

		EtcdEndpoints:       []string{getEnv("SUBSTANTIAL_ETCD_ENDPOINTS", "localhost:2379")},
		ScheduleSweepEnable: getEnvAsBool("SUBSTANTIAL_SCHEDULE_SWEEP_ENABLED", false),
		ScheduleSweepEvery:  getEnvAsDuration("SUBSTANTIAL_SCHEDULE_SWEEP_INTERVAL", 30*time.Second),

		APIPort: getEnv("SUBSTANTIAL_API_PORT", "8080"),

		JWTSecret:   getEnv("SUBSTANTIAL_JWT_SECRET", ""),
		JWTIssuer:   getEnv("SUBSTANTIAL_JWT_ISSUER", "substantial"),
		AuthEnabled: getEnvAsBool("SUBSTANTIAL_AUTH_ENABLED", false),

		LogLevel:    getEnv("SUBSTANTIAL_LOG_LEVEL", "info"),
		LogEncoding: getEnv("SUBSTANTIAL_LOG_ENCODING", "json"),

		OTELEndpoint: getEnv("SUBSTANTIAL_OTEL_ENDPOINT", "localhost:4318"),
		OTELEnabled:  getEnvAsBool("SUBSTANTIAL_OTEL_ENABLED", false),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	return fallback
}
