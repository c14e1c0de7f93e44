package shared

import (
	"fmt"
	"os"
	"path/filepath"

	redis "github.com/redis/go-redis/v9"
)

// OpenDatabase builds the job store selected by cfg.StoreBackend
func OpenDatabase(cfg *Config, redisClient *redis.Client) (DatabaseClient, error) {
	switch cfg.StoreBackend {
	case StoreMemory:
		return NewInMemoryDB(), nil
	case StoreRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("store backend redis requires REDIS_ADDR")
		}
		return NewRedisDB(redisClient), nil
	case StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		return NewSQLiteDB(cfg.SQLitePath)
	case StorePostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("store backend postgres requires POSTGRES_DSN")
		}
		return NewPostgresDB(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// OpenQueue builds the backend queue selected by cfg.QueueBackend.
// QueueNone yields a nil client: every submission then runs inline.
func OpenQueue(cfg *Config, redisClient *redis.Client) (MessageQueueClient, error) {
	switch cfg.QueueBackend {
	case QueueNone:
		return nil, nil
	case QueueMemory:
		return NewInMemoryQueue(100), nil
	case QueueRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("queue backend redis requires REDIS_ADDR")
		}
		return NewRedisQueue(redisClient, cfg.QueueName, cfg.QueueGroup, cfg.QueueMaxLength), nil
	case QueueKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("queue backend kafka requires KAFKA_BROKERS")
		}
		return NewKafkaQueue(cfg.KafkaBrokers, cfg.QueueName, cfg.QueueGroup), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}
