package agent

import (
	"context"
	"sync"
)

// MessageQueue is the standard WriteQueue implementation: a mutex-guarded
// list with a wakeup channel for the single consumer. Push never blocks, so
// callers can enqueue while the runtime is busy or not yet draining.
type MessageQueue struct {
	mu      sync.Mutex
	pending []UserMessage
	wake    chan struct{}
}

// NewMessageQueue creates an empty queue.
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{wake: make(chan struct{}, 1)}
}

// Push appends a message and returns the resulting queue depth.
func (q *MessageQueue) Push(msg UserMessage) int {
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	depth := len(q.pending)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return depth
}

// Depth returns the number of messages waiting to be consumed.
func (q *MessageQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Next blocks until a message is available or ctx is done.
func (q *MessageQueue) Next(ctx context.Context) (UserMessage, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			msg := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return UserMessage{}, ctx.Err()
		}
	}
}
