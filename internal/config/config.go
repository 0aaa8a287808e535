package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for both device roles.
type Config struct {
	Port string

	AuthToken   string
	CORSOrigins []string

	DatabaseURL string
	RecordsDir  string
	CompanyID   string
	UserID      string
	Timezone    string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisStream     string
	RedisDLQ        string
	RedisGroup      string
	RedisConsumer   string
	RedisMaxAttempt int
	MailboxPrefix   string

	RateLimitRPS           float64
	RateLimitBurst         int
	SnapshotRequestRPS     float64
	SnapshotRequestBurst   int
	SnapshotLimit          int
	WriteTimeoutMS         int
	FeedRetryMS            int
	TransientSendTimeoutMS int

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int

	WorkerEnabled bool

	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	CompanionPort         string
	CompanionPrimaryURL   string
	CompanionDataDir      string
	CompanionOverlayTTLMS int
	CompanionMaxBackoffMS int
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken:   getEnv("API_AUTH_TOKEN", ""),
		CORSOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RecordsDir:  getEnv("RECORDS_DIR", ""),
		CompanyID:   getEnv("COMPANY_ID", ""),
		UserID:      getEnv("USER_ID", ""),
		Timezone:    getEnv("TIMEZONE", "Local"),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		RedisStream:     getEnv("REDIS_STREAM", "jobsync_status"),
		RedisDLQ:        getEnv("REDIS_DLQ_STREAM", "jobsync_status_dlq"),
		RedisGroup:      getEnv("REDIS_GROUP", "jobsync_relay"),
		RedisConsumer:   getEnv("REDIS_CONSUMER", "primary-1"),
		RedisMaxAttempt: getEnvInt("REDIS_MAX_ATTEMPTS", 3),
		MailboxPrefix:   getEnv("MAILBOX_PREFIX", "jobsync:mailbox"),

		RateLimitRPS:           getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:         getEnvInt("RATE_LIMIT_BURST", 40),
		SnapshotRequestRPS:     getEnvFloat("SNAPSHOT_REQUEST_RPS", 1),
		SnapshotRequestBurst:   getEnvInt("SNAPSHOT_REQUEST_BURST", 3),
		SnapshotLimit:          getEnvInt("SNAPSHOT_LIMIT", 50),
		WriteTimeoutMS:         getEnvInt("WRITE_TIMEOUT_MS", 10000),
		FeedRetryMS:            getEnvInt("FEED_RETRY_MS", 2000),
		TransientSendTimeoutMS: getEnvInt("TRANSIENT_SEND_TIMEOUT_MS", 3000),

		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", false),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),
		QueueBatchMaxInFlight:    getEnvInt("QUEUE_BATCH_MAX_IN_FLIGHT", 4),

		WorkerEnabled: getEnvBool("WORKER_ENABLED", true),

		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 50),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 14),

		CompanionPort:         getEnv("COMPANION_PORT", "8081"),
		CompanionPrimaryURL:   getEnv("COMPANION_PRIMARY_URL", ""),
		CompanionDataDir:      getEnv("COMPANION_DATA_DIR", "data"),
		CompanionOverlayTTLMS: getEnvInt("COMPANION_OVERLAY_TTL_MS", 600000),
		CompanionMaxBackoffMS: getEnvInt("COMPANION_MAX_BACKOFF_MS", 30000),
	}
}

// Location resolves Timezone, falling back to the host zone.
func (c Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func Millis(value int) time.Duration {
	return time.Duration(value) * time.Millisecond
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
