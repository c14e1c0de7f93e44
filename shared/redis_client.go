package shared

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// NewRedisClient constructs a go-redis client from Config; nil when Redis is not configured
func NewRedisClient(cfg *Config) *redis.Client {
	if cfg == nil || cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// PingRedis validates the connection. A nil client is healthy by definition.
func PingRedis(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}
