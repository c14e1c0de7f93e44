package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueue implements MessageQueueClient using a Redis stream read through a
// consumer group, so each entry goes to exactly one worker process.
// Entries are XACKed when handed to the consumer.
type RedisQueue struct {
	client   *redis.Client
	name     string
	group    string
	consumer string
	maxLen   int
	block    time.Duration
}

func NewRedisQueue(client *redis.Client, name, group string, maxLen int) *RedisQueue {
	host, _ := os.Hostname()
	return &RedisQueue{
		client:   client,
		name:     name,
		group:    group,
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
		maxLen:   maxLen,
		block:    2 * time.Second,
	}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	if q.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Publish(ctx context.Context, message JobMessage) error {
	if q.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(message)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: q.name, Values: map[string]any{"data": string(b)}}
	if q.maxLen > 0 {
		args.MaxLen = int64(q.maxLen)
		args.Approx = true
	}
	return q.client.XAdd(ctx, args).Err()
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.name, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume reads new entries for this consumer group until ctx is cancelled
func (q *RedisQueue) Consume(ctx context.Context) (<-chan JobMessage, error) {
	out := make(chan JobMessage)
	if q.client == nil {
		close(out)
		return out, fmt.Errorf("redis client is nil")
	}
	if err := q.ensureGroup(ctx); err != nil {
		close(out)
		return out, fmt.Errorf("create consumer group %s: %w", q.group, err)
	}
	go func() {
		defer close(out)
		for {
			res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    q.group,
				Consumer: q.consumer,
				Streams:  []string{q.name, ">"},
				Count:    10,
				Block:    q.block,
			}).Result()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				log.Printf("WARN: Queue: read from stream %s failed: %v", q.name, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			for _, stream := range res {
				for _, msg := range stream.Messages {
					if err := q.client.XAck(ctx, q.name, q.group, msg.ID).Err(); err != nil {
						log.Printf("WARN: Queue: ack of entry %s failed: %v", msg.ID, err)
					}
					raw, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var jm JobMessage
					if err := json.Unmarshal([]byte(raw), &jm); err != nil {
						log.Printf("WARN: Queue: dropping malformed entry %s: %v", msg.ID, err)
						continue
					}
					select {
					case out <- jm:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the client is owned by the process
func (q *RedisQueue) Close() error { return nil }
