// shared/queue.go
package shared

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrQueueClosed is returned by a queue that no longer accepts messages
var ErrQueueClosed = errors.New("queue is closed")

// JobMessage is what travels through the backend queue; the job itself stays in the store
type JobMessage struct {
	JobID string `json:"job_id"`
}

// MessageQueueClient is the backend queue. Consume hands each message to the caller
// once; backends acknowledge on hand-off, so a delivery is attempted at most once.
type MessageQueueClient interface {
	Ping(ctx context.Context) error
	Publish(ctx context.Context, message JobMessage) error
	Consume(ctx context.Context) (<-chan JobMessage, error)
	Close() error
}

// InMemoryQueue implements MessageQueueClient using a Go channel
type InMemoryQueue struct {
	queue  chan JobMessage
	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a new in-memory queue instance
func NewInMemoryQueue(bufferSize int) *InMemoryQueue {
	return &InMemoryQueue{
		queue: make(chan JobMessage, bufferSize),
	}
}

func (q *InMemoryQueue) Ping(ctx context.Context) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	return ctx.Err()
}

// Publish sends a message to the queue without blocking
func (q *InMemoryQueue) Publish(ctx context.Context, message JobMessage) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.queue <- message:
		log.Printf("INFO: Queue: Published job %s", message.JobID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("queue is full, cannot publish job %s", message.JobID)
	}
}

// Consume returns a channel from which messages can be received; it closes with the queue
func (q *InMemoryQueue) Consume(ctx context.Context) (<-chan JobMessage, error) {
	return q.queue, nil
}

// Close stops the queue from accepting new messages and closes the underlying channel
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	log.Println("INFO: Queue: Closing...")
	q.closed = true
	close(q.queue)
	return nil
}
