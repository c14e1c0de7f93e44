// shared/config.go
package shared

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAPIGatewayPort = "8080"
	DefaultWorkerPort     = "8081" // Workers expose their own HTTP endpoint for health checks
	DefaultMaxWorkers     = 3
	DefaultAdminToken     = "super-secret-admin-token-change-me" // CHANGE THIS IN PRODUCTION
	DefaultAllowedOrigins = "*"
	DefaultQueueName      = "transcode-jobs"
	DefaultQueueGroup     = "transcode-workers"
	DefaultUploadDir      = "uploads"
	DefaultOutputDir      = "outputs"
	DefaultSQLitePath     = "data/jobs.db"

	DefaultDispatchAttempts      = 3
	DefaultDispatchBackoff       = 5 * time.Second
	DefaultInlineScheduleTimeout = 10 * time.Second
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	QueueNone   = "none"
	QueueMemory = "memory"
	QueueRedis  = "redis"
	QueueKafka  = "kafka"
)

// Config holds global configuration for the services
type Config struct {
	APIGatewayPort string
	WorkerPort     string
	MaxWorkers     int
	AdminToken     string
	// Redis (optional). If RedisAddr is empty, in-memory implementations are used.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Job record store: memory, redis, sqlite or postgres
	StoreBackend string
	SQLitePath   string
	PostgresDSN  string
	// Backend queue: none, memory, redis or kafka
	QueueBackend   string
	QueueName      string
	QueueGroup     string
	QueueMaxLength int
	KafkaBrokers   []string
	// Dispatch policy
	DispatchAttempts      int
	DispatchBackoff       time.Duration
	InlineScheduleTimeout time.Duration
	// CORS
	AllowedOrigins []string
	// Public base URL for API (used by worker for download link construction)
	PublicAPIBaseURL string
	// External binaries and capabilities
	FFmpegPath   string
	FFprobePath  string
	TextOverlays bool
	// Filesystem layout
	UploadDir string
	OutputDir string

	Debug bool
}

// LoadConfig loads configuration from environment variables or uses defaults
func LoadConfig() *Config {
	maxWorkers := intFromEnv("MAX_WORKERS", DefaultMaxWorkers, 1)

	redisDB := intFromEnv("REDIS_DB", 0, 0)
	queueMaxLen := intFromEnv("QUEUE_MAX_LENGTH", 0, 0)
	attempts := intFromEnv("DISPATCH_ATTEMPTS", DefaultDispatchAttempts, 1)
	backoff := time.Duration(intFromEnv("DISPATCH_BACKOFF_SECONDS", int(DefaultDispatchBackoff/time.Second), 0)) * time.Second
	inlineTimeout := time.Duration(intFromEnv("INLINE_SCHEDULE_TIMEOUT_SECONDS", int(DefaultInlineScheduleTimeout/time.Second), 0)) * time.Second

	// Admin token defaulting
	adminToken := os.Getenv("ADMIN_TOKEN")
	if strings.TrimSpace(adminToken) == "" {
		adminToken = DefaultAdminToken
		log.Printf("WARN: ADMIN_TOKEN not set. Using default development token. DO NOT USE IN PRODUCTION.")
	}

	allowedOriginsCSV := os.Getenv("ALLOWED_ORIGINS")
	if strings.TrimSpace(allowedOriginsCSV) == "" {
		allowedOriginsCSV = DefaultAllowedOrigins
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	storeDefault, queueDefault := StoreMemory, QueueNone
	if redisAddr != "" {
		storeDefault, queueDefault = StoreRedis, QueueRedis
	}

	return &Config{
		APIGatewayPort:        valueOrDefault(os.Getenv("API_GATEWAY_PORT"), DefaultAPIGatewayPort),
		WorkerPort:            valueOrDefault(os.Getenv("WORKER_PORT"), DefaultWorkerPort),
		MaxWorkers:            maxWorkers,
		AdminToken:            adminToken,
		RedisAddr:             redisAddr,
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		StoreBackend:          strings.ToLower(valueOrDefault(os.Getenv("STORE_BACKEND"), storeDefault)),
		SQLitePath:            valueOrDefault(os.Getenv("SQLITE_DB_PATH"), DefaultSQLitePath),
		PostgresDSN:           os.Getenv("POSTGRES_DSN"),
		QueueBackend:          strings.ToLower(valueOrDefault(os.Getenv("QUEUE_BACKEND"), queueDefault)),
		QueueName:             valueOrDefault(os.Getenv("QUEUE_NAME"), DefaultQueueName),
		QueueGroup:            valueOrDefault(os.Getenv("QUEUE_GROUP"), DefaultQueueGroup),
		QueueMaxLength:        queueMaxLen,
		KafkaBrokers:          splitAndClean(os.Getenv("KAFKA_BROKERS")),
		DispatchAttempts:      attempts,
		DispatchBackoff:       backoff,
		InlineScheduleTimeout: inlineTimeout,
		AllowedOrigins:        splitAndClean(allowedOriginsCSV),
		PublicAPIBaseURL:      strings.TrimRight(os.Getenv("PUBLIC_API_BASE_URL"), "/"),
		FFmpegPath:            valueOrDefault(os.Getenv("FFMPEG_PATH"), "ffmpeg"),
		FFprobePath:           valueOrDefault(os.Getenv("FFPROBE_PATH"), "ffprobe"),
		TextOverlays:          boolFromEnv("ENGINE_TEXT_OVERLAYS", true),
		UploadDir:             valueOrDefault(os.Getenv("UPLOAD_DIR"), DefaultUploadDir),
		OutputDir:             valueOrDefault(os.Getenv("OUTPUT_DIR"), DefaultOutputDir),
		Debug:                 boolFromEnv("DEBUG", false),
	}
}

// intFromEnv parses key as an int >= min, falling back to def
func intFromEnv(key string, def, min int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		log.Printf("INFO: %s not set or invalid, using default: %d", key, def)
		return def
	}
	return n
}

func boolFromEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("INFO: %s invalid, using default: %t", key, def)
		return def
	}
	return b
}

// valueOrDefault returns fallback if s is empty
func valueOrDefault(s string, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// splitAndClean splits a comma-separated list and trims spaces; empty entries are removed
func splitAndClean(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return []string{}
	}
	parts := strings.Split(csv, ",")
	var out []string
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
