// Package config provides configuration loading for the automation engine.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the automation engine.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Store configuration
	StoreType     string // "memory" or "redis"
	StoreTTL      time.Duration
	LogMaxEntries int64

	// OIDC configuration
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCEnabled      bool

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Workflow engine configuration
	WorkflowQueue      string
	WorkflowMaxRetries int
	WorkflowTimeout    time.Duration
	SLACheckInterval   time.Duration
	SLAWarningPercent  int
	SeedDir            string

	// Task orchestrator configuration
	Workers           int
	DefaultQueue      string
	QueueCapacity     int
	DefaultMaxRetries int
	DefaultBackoff    time.Duration
	DefaultTimeout    time.Duration
	DispatchInterval  time.Duration

	// Scheduler configuration
	ScanInterval     time.Duration
	ScheduledQueue   string
	JobTimeout       time.Duration
	FailureThreshold int

	// NATS event ingress
	NATSEnabled  bool
	NATSURL      string
	EventStream  string
	EventSubject string

	// Archive configuration
	ArchiveEnabled   bool
	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveUseSSL    bool
	ArchivePrefix    string
	ArchiveRetention time.Duration
	ArchiveInterval  time.Duration

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string
	TraceSample    float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Store
		StoreType:     getEnv("AUTOMATION_STORE", "memory"), // "memory" or "redis"
		StoreTTL:      getDuration("STORE_TTL", 7*24*time.Hour),
		LogMaxEntries: getInt64("LOG_MAX_ENTRIES", 5000),

		// OIDC
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
		OIDCEnabled:      getBool("OIDC_ENABLED", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Workflow engine
		WorkflowQueue:      getEnv("WORKFLOW_QUEUE", "workflow"),
		WorkflowMaxRetries: getInt("WORKFLOW_MAX_RETRIES", 2),
		WorkflowTimeout:    getDuration("WORKFLOW_TASK_TIMEOUT", 5*time.Minute),
		SLACheckInterval:   getDuration("SLA_CHECK_INTERVAL", 30*time.Second),
		SLAWarningPercent:  getInt("SLA_WARNING_PERCENT", 80),
		SeedDir:            getEnv("DEFINITION_SEED_DIR", ""),

		// Orchestrator
		Workers:           getInt("TASK_WORKERS", 8),
		DefaultQueue:      getEnv("TASK_DEFAULT_QUEUE", "default"),
		QueueCapacity:     getInt("TASK_QUEUE_CAPACITY", 256),
		DefaultMaxRetries: getInt("TASK_MAX_RETRIES_DEFAULT", 2),
		DefaultBackoff:    getDuration("TASK_BACKOFF_DEFAULT", 2*time.Second),
		DefaultTimeout:    getDuration("TASK_TIMEOUT_DEFAULT", 5*time.Minute),
		DispatchInterval:  getDuration("TASK_DISPATCH_INTERVAL", time.Second),

		// Scheduler
		ScanInterval:     getDuration("SCHEDULER_SCAN_INTERVAL", 5*time.Second),
		ScheduledQueue:   getEnv("SCHEDULER_QUEUE", "scheduled"),
		JobTimeout:       getDuration("JOB_TIMEOUT_DEFAULT", 10*time.Minute),
		FailureThreshold: getInt("JOB_FAILURE_THRESHOLD", 3),

		// NATS
		NATSEnabled:  getBool("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		EventStream:  getEnv("EVENT_STREAM", "AUTOMATION_EVENTS"),
		EventSubject: getEnv("EVENT_SUBJECT", "events.>"),

		// Archive
		ArchiveEnabled:   getBool("ARCHIVE_ENABLED", false),
		ArchiveBucket:    getEnv("ARCHIVE_BUCKET", ""),
		ArchiveEndpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveRegion:    getEnv("ARCHIVE_REGION", ""),
		ArchiveAccessKey: getEnv("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: getEnv("ARCHIVE_SECRET_KEY", ""),
		ArchiveUseSSL:    getBool("ARCHIVE_USE_SSL", false),
		ArchivePrefix:    getEnv("ARCHIVE_PREFIX", "automation"),
		ArchiveRetention: getDuration("ARCHIVE_RETENTION", 7*24*time.Hour),
		ArchiveInterval:  getDuration("ARCHIVE_INTERVAL", time.Hour),

		// Tracing
		TracingEnabled: getBool("TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TraceSample:    getFloat("TRACE_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
