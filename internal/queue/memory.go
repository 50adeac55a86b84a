package queue

import (
	"context"
	"sync"
	"time"
)

// memoryQueueCap bounds each in-memory channel. Dev mode and tests never
// approach this; a full channel fails the push rather than blocking the
// ingest request.
const memoryQueueCap = 1024

// MemoryQueue is a channel-backed Queue for tests and single-process dev
// mode.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]chan []byte
}

// NewMemoryQueue constructs an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: make(map[string]chan []byte)}
}

func (q *MemoryQueue) channel(name string) chan []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan []byte, memoryQueueCap)
		q.queues[name] = ch
	}
	return ch
}

// Push appends to the named channel.
func (q *MemoryQueue) Push(ctx context.Context, name string, payload any) error {
	data, err := encode(payload)
	if err != nil {
		return err
	}
	select {
	case q.channel(name) <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop receives from the named channel, honoring the poll timeout.
func (q *MemoryQueue) Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data := <-q.channel(name):
		return data, nil
	case <-timer.C:
		return nil, ErrEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the queued message count, for tests.
func (q *MemoryQueue) Len(name string) int {
	return len(q.channel(name))
}
