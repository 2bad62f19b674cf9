package queue

import (
	"context"
	"sync"
	"time"

	"github.com/sazuyakun/Project-Aegis/internal/metrics"
)

// MemoryQueue is an in-memory FIFO queue for demo/development mode and
// tests. A buffered signal channel wakes at most one blocked consumer
// per pushed item.
type MemoryQueue struct {
	name    string
	window  time.Duration
	mu      sync.Mutex
	items   [][]byte
	signal  chan struct{}
	closed  bool
}

// NewMemoryQueue creates an in-memory queue. window bounds how long Pop
// blocks before returning ErrEmpty.
func NewMemoryQueue(name string, window time.Duration) *MemoryQueue {
	return &MemoryQueue{
		name:   name,
		window: window,
		signal: make(chan struct{}, 1024),
	}
}

func (q *MemoryQueue) Name() string { return q.name }

func (q *MemoryQueue) Push(ctx context.Context, payload []byte) error {
	return q.append(payload)
}

// Requeue appends to the tail, same as Push: a retried message goes
// behind everything already waiting.
func (q *MemoryQueue) Requeue(ctx context.Context, payload []byte) error {
	return q.append(payload)
}

func (q *MemoryQueue) append(payload []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	q.items = append(q.items, cp)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context) ([]byte, error) {
	deadline := time.NewTimer(q.window)
	defer deadline.Stop()

	for {
		if payload, ok, err := q.tryPop(); err != nil || ok {
			return payload, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrEmpty
		case <-q.signal:
			// An item may be available; loop and race for it.
		}
	}
}

func (q *MemoryQueue) tryPop() ([]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, false, ErrClosed
	}
	if len(q.items) == 0 {
		return nil, false, nil
	}
	payload := q.items[0]
	q.items = q.items[1:]
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.items)))
	return payload, true, nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	return len(q.items), nil
}

// Close marks the queue closed. Blocked consumers return ErrClosed on
// their next poll.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
