package jobqueue

import (
	"context"
	"errors"
	"sync"
)

// MemoryBroker is an in-process Broker used by tests and single-node runs
// without Redis.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   []*memorySubscription
	closed bool
}

// NewMemoryBroker returns an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Publish delivers the task to the first live subscription. Tasks published
// with no subscriber are dropped; durable delivery is the Redis broker's job.
func (b *MemoryBroker) Publish(ctx context.Context, task Task) error {
	if task.JobID == "" {
		return errors.New("task job id is required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("jobqueue: broker closed")
	}
	subs := append([]*memorySubscription(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- task:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	// all buffers full (or no subscriber): block on the first subscriber
	if len(subs) > 0 {
		select {
		case subs[0].ch <- task:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a new consumer.
func (b *MemoryBroker) Subscribe() Subscription {
	sub := &memorySubscription{broker: b, ch: make(chan Task, 64)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Ping always reports success for the in-process broker.
func (b *MemoryBroker) Ping(context.Context) error {
	return nil
}

// Close stops all subscriptions.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		sub.closeChannel()
	}
	return nil
}

type memorySubscription struct {
	broker *MemoryBroker
	once   sync.Once
	ch     chan Task
}

func (s *memorySubscription) Tasks() <-chan Task {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.broker.mu.Lock()
	for i, sub := range s.broker.subs {
		if sub == s {
			s.broker.subs = append(s.broker.subs[:i], s.broker.subs[i+1:]...)
			break
		}
	}
	s.broker.mu.Unlock()
	s.closeChannel()
}

func (s *memorySubscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}
