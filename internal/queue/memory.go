package queue

import (
	"context"
	"sync"
	"time"

	"github.com/shohag/fanrelay/internal/models"
)

// MemoryQueue is an in-process Queue for single-node deployments and tests.
// Abandoned messages go back to the tail of the queue until they reach
// maxDeliveries, after which they are dead-lettered.
type MemoryQueue struct {
	mu            sync.Mutex
	ready         []*models.Message
	inflight      map[string]*models.Message
	dead          []models.Message
	maxDeliveries int
	notify        chan struct{}
	done          chan struct{}
	closed        bool
}

func NewMemory(maxDeliveries int) *MemoryQueue {
	return &MemoryQueue{
		inflight:      make(map[string]*models.Message),
		maxDeliveries: maxDeliveries,
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg := &models.Message{
		ID:          models.NewID("msg"),
		Body:        append([]byte(nil), body...),
		ContentType: defaultContentType,
		EnqueuedAt:  time.Now().UTC(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.ready = append(q.ready, msg)
	q.mu.Unlock()

	q.signal()
	return msg.ID, nil
}

func (q *MemoryQueue) Receive(ctx context.Context) (*models.Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			msg.DeliveryCount++
			q.inflight[msg.ID] = msg
			more := len(q.ready) > 0
			out := *msg
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return &out, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Complete(_ context.Context, msg *models.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[msg.ID]; !ok {
		return ErrUnknownMessage
	}
	delete(q.inflight, msg.ID)
	return nil
}

func (q *MemoryQueue) Abandon(_ context.Context, msg *models.Message) error {
	q.mu.Lock()
	held, ok := q.inflight[msg.ID]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownMessage
	}
	delete(q.inflight, msg.ID)
	if q.maxDeliveries > 0 && held.DeliveryCount >= q.maxDeliveries {
		q.dead = append(q.dead, *held)
		q.mu.Unlock()
		return nil
	}
	q.ready = append(q.ready, held)
	q.mu.Unlock()

	q.signal()
	return nil
}

// DeadLetters returns the messages that exhausted their delivery budget.
func (q *MemoryQueue) DeadLetters() []models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.Message(nil), q.dead...)
}

// Len reports messages waiting for a receiver and messages currently locked.
func (q *MemoryQueue) Len() (ready, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.inflight)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
