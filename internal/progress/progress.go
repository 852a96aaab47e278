// Package progress delivers fire-and-forget job progress events to whatever
// frontend channel is listening. Delivery is best effort; correctness never
// depends on it.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// Sink receives progress events for a client channel. Implementations must
// never block the caller on delivery.
type Sink interface {
	Emit(ctx context.Context, channel, event string, payload interface{})
}

// NoopSink drops all events.
type NoopSink struct{}

func (NoopSink) Emit(context.Context, string, string, interface{}) {}

type envelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// RedisSink publishes events on Redis pub/sub, one topic per client channel.
// The frontend's socket gateway bridges them to connected players.
type RedisSink struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisSink wraps an existing Redis client. prefix defaults to
// "cinetide:progress:".
func NewRedisSink(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisSink {
	if prefix == "" {
		prefix = "cinetide:progress:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{client: client, prefix: prefix, logger: logger}
}

func (s *RedisSink) Emit(ctx context.Context, channel, event string, payload interface{}) {
	if channel == "" {
		return
	}
	data, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		s.logger.Warn("progress encode failed", "event", event, "error", err)
		return
	}
	if err := s.client.Publish(ctx, s.prefix+channel, data).Err(); err != nil {
		s.logger.Debug("progress publish failed", "channel", channel, "event", event, "error", err)
	}
}

// Event is one captured emission, used by MemorySink.
type Event struct {
	Channel string
	Event   string
	Payload interface{}
}

// MemorySink records events for assertions in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Emit(_ context.Context, channel, event string, payload interface{}) {
	s.mu.Lock()
	s.events = append(s.events, Event{Channel: channel, Event: event, Payload: payload})
	s.mu.Unlock()
}

// Events returns a copy of everything emitted so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}
