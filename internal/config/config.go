package config

import (
	"os"
	"strconv"
	"time"
)

// GetEnv retrieves an environment variable or returns a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves an integer environment variable or returns a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable or returns a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// Database holds PostgreSQL connection settings.
type Database struct {
	Host             string
	Port             string
	Name             string
	User             string
	Password         string
	SSLMode          string
	WritePoolSize    int
	ReadPoolSize     int // 0 disables the read pool
	StatementTimeout time.Duration
	LockTimeout      time.Duration
}

// Anomaly holds the thresholds consumed by the built-in detectors.
type Anomaly struct {
	FlashMessageThreshold    time.Duration
	ZombieMultiplier         float64
	NearDLQThreshold         int
	LongProcessingMultiplier float64
	BurstThresholdCount      int
	BurstThresholdWindow     time.Duration
	BulkOperationThreshold   int
	LargePayloadBytes        int
}

// Config is the full broker configuration, loaded from the environment.
type Config struct {
	HTTPAddr string
	DB       Database

	AckTimeoutSeconds int
	MaxAttempts       int
	MaxPriorityLevels int

	RequeueBatchSize     int
	OverdueCheckInterval time.Duration

	EnqueueBufferEnabled bool
	EnqueueBufferMaxSize int
	EnqueueBufferMaxWait time.Duration

	ActivityLogEnabled    bool
	ActivityBufferMaxSize int
	ActivityBufferFlush   time.Duration

	Anomaly Anomaly

	ChangeChannel         string
	BroadcastPollInterval time.Duration
}

// Load builds the configuration from environment variables with the
// documented defaults.
func Load() Config {
	return Config{
		HTTPAddr: GetEnv("HTTP_ADDR", ":8080"),
		DB: Database{
			Host:             GetEnv("POSTGRES_HOST", "localhost"),
			Port:             GetEnv("POSTGRES_PORT", "5432"),
			Name:             GetEnv("POSTGRES_DB", "relay"),
			User:             GetEnv("POSTGRES_USER", "relay"),
			Password:         GetEnv("POSTGRES_PASSWORD", "relay"),
			SSLMode:          GetEnv("POSTGRES_SSLMODE", "disable"),
			WritePoolSize:    GetEnvInt("DB_WRITE_POOL_SIZE", 10),
			ReadPoolSize:     GetEnvInt("DB_READ_POOL_SIZE", 0),
			StatementTimeout: time.Duration(GetEnvInt("DB_STATEMENT_TIMEOUT_MS", 30000)) * time.Millisecond,
			LockTimeout:      time.Duration(GetEnvInt("DB_LOCK_TIMEOUT_MS", 10000)) * time.Millisecond,
		},

		AckTimeoutSeconds: GetEnvInt("ACK_TIMEOUT_SECONDS", 30),
		MaxAttempts:       GetEnvInt("MAX_ATTEMPTS", 3),
		MaxPriorityLevels: GetEnvInt("MAX_PRIORITY_LEVELS", 10),

		RequeueBatchSize:     GetEnvInt("REQUEUE_BATCH_SIZE", 100),
		OverdueCheckInterval: time.Duration(GetEnvInt("OVERDUE_CHECK_INTERVAL_MS", 5000)) * time.Millisecond,

		EnqueueBufferEnabled: GetEnvBool("ENQUEUE_BUFFER_ENABLED", false),
		EnqueueBufferMaxSize: GetEnvInt("ENQUEUE_BUFFER_MAX_SIZE", 50),
		EnqueueBufferMaxWait: time.Duration(GetEnvInt("ENQUEUE_BUFFER_MAX_WAIT_MS", 100)) * time.Millisecond,

		ActivityLogEnabled:    GetEnvBool("ACTIVITY_LOG_ENABLED", true),
		ActivityBufferMaxSize: GetEnvInt("ACTIVITY_BUFFER_MAX_SIZE", 500),
		ActivityBufferFlush:   time.Duration(GetEnvInt("ACTIVITY_BUFFER_FLUSH_MS", 100)) * time.Millisecond,

		Anomaly: Anomaly{
			FlashMessageThreshold:    time.Duration(GetEnvInt("FLASH_MESSAGE_THRESHOLD_MS", 1000)) * time.Millisecond,
			ZombieMultiplier:         float64(GetEnvInt("ZOMBIE_MULTIPLIER", 2)),
			NearDLQThreshold:         GetEnvInt("NEAR_DLQ_THRESHOLD", 1),
			LongProcessingMultiplier: float64(GetEnvInt("LONG_PROCESSING_MULTIPLIER", 1)),
			BurstThresholdCount:      GetEnvInt("BURST_THRESHOLD_COUNT", 50),
			BurstThresholdWindow:     time.Duration(GetEnvInt("BURST_THRESHOLD_SECONDS", 10)) * time.Second,
			BulkOperationThreshold:   GetEnvInt("BULK_OPERATION_THRESHOLD", 100),
			LargePayloadBytes:        GetEnvInt("LARGE_PAYLOAD_BYTES", 256*1024),
		},

		ChangeChannel:         GetEnv("CHANGE_CHANNEL", "queue_events"),
		BroadcastPollInterval: time.Duration(GetEnvInt("BROADCAST_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
	}
}
