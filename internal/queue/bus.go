package queue

import (
	"context"
	"sync"
)

// Bus is an in-process publish/subscribe fan-out used in demo mode and
// tests. Every subscriber of a topic receives every message published
// to it. Delivery is best effort: a subscriber whose channel buffer is
// full drops the message rather than blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan []byte
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan []byte)}
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.subs[topic] {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		select {
		case ch <- cp:
		default:
		}
	}
	return nil
}

func (b *Bus) Subscribe(topic string) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []byte, 256)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Close closes every subscriber channel. Further publishes return
// ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
