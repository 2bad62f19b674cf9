package queue

import (
	"context"
	"errors"
)

var (
	// ErrEmpty is returned by Pop when no message arrives within the
	// queue's blocking window. Callers loop; this is not a failure.
	ErrEmpty = errors.New("queue: empty")

	// ErrClosed is returned once a queue has been shut down.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a named FIFO work queue. Push appends to the tail; Requeue
// also appends to the tail, so a retried message loses its position.
// Pop blocks up to the implementation's window and returns ErrEmpty on
// timeout so consumers can observe cancellation between polls.
type Queue interface {
	Name() string
	Push(ctx context.Context, payload []byte) error
	Requeue(ctx context.Context, payload []byte) error
	Pop(ctx context.Context) ([]byte, error)
	Len(ctx context.Context) (int, error)
}

// Publisher emits messages to named topics. Downstream consumers
// (live-rail processing, card and bank recovery handlers) are external;
// the engine only publishes.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber delivers messages from named topics. The engine consumes
// the liveness topic and the recovery-status topic.
type Subscriber interface {
	Subscribe(topic string) <-chan []byte
}
