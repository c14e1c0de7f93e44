package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/segmentio/kafka-go"
)

// KafkaQueue implements MessageQueueClient on a Kafka topic. Reading through a
// group id commits each offset as the message is read.
type KafkaQueue struct {
	brokers []string
	topic   string
	groupID string
	writer  *kafka.Writer

	mu     sync.Mutex
	reader *kafka.Reader
}

func NewKafkaQueue(brokers []string, topic, groupID string) *KafkaQueue {
	return &KafkaQueue{
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

// Ping dials the first reachable broker
func (q *KafkaQueue) Ping(ctx context.Context) error {
	var lastErr error
	for _, b := range q.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no kafka brokers configured")
	}
	return lastErr
}

func (q *KafkaQueue) Publish(ctx context.Context, message JobMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(message.JobID),
		Value: payload,
	})
}

func (q *KafkaQueue) Consume(ctx context.Context) (<-chan JobMessage, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  q.brokers,
		Topic:    q.topic,
		GroupID:  q.groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	q.mu.Lock()
	if q.reader != nil {
		q.mu.Unlock()
		reader.Close()
		return nil, fmt.Errorf("kafka topic %s is already being consumed", q.topic)
	}
	q.reader = reader
	q.mu.Unlock()

	out := make(chan JobMessage)
	go func() {
		defer close(out)
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("ERROR: Queue: kafka read error: %v", err)
				}
				return
			}
			var jm JobMessage
			if err := json.Unmarshal(m.Value, &jm); err != nil {
				log.Printf("WARN: Queue: dropping malformed kafka message at offset %d: %v", m.Offset, err)
				continue
			}
			select {
			case out <- jm:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (q *KafkaQueue) Close() error {
	err := q.writer.Close()
	q.mu.Lock()
	reader := q.reader
	q.mu.Unlock()
	if reader != nil {
		if rerr := reader.Close(); err == nil {
			err = rerr
		}
	}
	return err
}
