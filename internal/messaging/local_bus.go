package messaging

import (
	"context"
	"sync"
)

// LocalBus delivers messages in-process. Handlers registered before Publish
// run synchronously in publish order, which preserves per-key ordering by
// construction. Used in tests and as a dev fallback when no broker is wired.
type LocalBus struct {
	mu       sync.Mutex
	handlers map[string][]HandlerFunc
	history  map[string][]PublishedMessage
}

// PublishedMessage records one publish for inspection.
type PublishedMessage struct {
	Topic   string
	Key     string
	Payload []byte
}

// NewLocalBus constructs an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		handlers: make(map[string][]HandlerFunc),
		history:  make(map[string][]PublishedMessage),
	}
}

// Publish records the message and invokes the topic's handlers synchronously.
func (b *LocalBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.history[topic] = append(b.history[topic], PublishedMessage{Topic: topic, Key: key, Payload: payload})
	handlers := append([]HandlerFunc(nil), b.handlers[topic]...)
	b.mu.Unlock()

	for _, fn := range handlers {
		if err := fn(ctx, key, payload); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for the topic. It returns immediately; the
// handler runs inside future Publish calls.
func (b *LocalBus) Subscribe(ctx context.Context, topic string, fn HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], fn)
	b.mu.Unlock()
	return nil
}

// Published returns the messages recorded for a topic (for testing/inspection).
func (b *LocalBus) Published(topic string) []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PublishedMessage(nil), b.history[topic]...)
}
