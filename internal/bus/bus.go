// Package bus implements the message-bus client component (spec.md
// §4.A): topic publish, ephemeral reply queues, and durable
// reconnection. The Broker interface is the seam between the core and
// the underlying transport — MemoryBroker is an in-process reference
// implementation used by the reference deployment and by every other
// package's tests; a real deployment would point ReconnectingClient at
// an AMQP (or similar topic-routed) broker instead.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Delivery is one message handed to a subscriber.
type Delivery struct {
	RoutingKey string
	Payload    []byte
}

// Broker is the transport-level contract: publish by routing key,
// declare/bind/consume named queues. Queue names and routing-key
// patterns follow the dot-segmented convention in spec.md §6.
type Broker interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	DeclareQueue(ctx context.Context, name string) error
	DeleteQueue(ctx context.Context, name string) error
	Bind(ctx context.Context, queue, pattern string) error
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Close() error
}

// MemoryBroker is an in-process topic-routed broker: publish fans out to
// every queue with a matching binding pattern. Delivery is buffered and
// non-blocking — a queue whose consumer falls behind drops messages
// rather than stalling publishers, mirroring a real broker's flow
// control without requiring one.
type MemoryBroker struct {
	mu     sync.RWMutex
	queues map[string]*memQueue
}

type memQueue struct {
	bindings []string
	ch       chan Delivery
}

const queueBufferSize = 256

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]*memQueue)}
}

func (b *MemoryBroker) DeclareQueue(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; ok {
		return nil
	}
	b.queues[name] = &memQueue{ch: make(chan Delivery, queueBufferSize)}
	return nil
}

func (b *MemoryBroker) DeleteQueue(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		close(q.ch)
		delete(b.queues, name)
	}
	return nil
}

func (b *MemoryBroker) Bind(_ context.Context, queue, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("bus: queue %q not declared", queue)
	}
	q.bindings = append(q.bindings, pattern)
	return nil
}

func (b *MemoryBroker) Consume(_ context.Context, queue string) (<-chan Delivery, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("bus: queue %q not declared", queue)
	}
	return q.ch, nil
}

func (b *MemoryBroker) Publish(_ context.Context, routingKey string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, q := range b.queues {
		for _, pattern := range q.bindings {
			if TopicMatch(pattern, routingKey) {
				select {
				case q.ch <- Delivery{RoutingKey: routingKey, Payload: payload}:
				default:
					// Buffer full: drop. Consumers rely on at-least-once
					// semantics elsewhere (the caller's own timeout/retry),
					// not on this buffer as a durable log.
				}
				break
			}
		}
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, q := range b.queues {
		close(q.ch)
		delete(b.queues, name)
	}
	return nil
}

// TopicMatch reports whether routingKey matches the AMQP-style topic
// pattern: "*" matches exactly one dot-segment, "#" matches zero or more
// trailing segments.
func TopicMatch(pattern, routingKey string) bool {
	pSegs := strings.Split(pattern, ".")
	kSegs := strings.Split(routingKey, ".")
	return matchSegs(pSegs, kSegs)
}

func matchSegs(p, k []string) bool {
	if len(p) == 0 {
		return len(k) == 0
	}
	switch p[0] {
	case "#":
		if len(p) == 1 {
			return true
		}
		for i := 0; i <= len(k); i++ {
			if matchSegs(p[1:], k[i:]) {
				return true
			}
		}
		return false
	case "*":
		if len(k) == 0 {
			return false
		}
		return matchSegs(p[1:], k[1:])
	default:
		if len(k) == 0 || k[0] != p[0] {
			return false
		}
		return matchSegs(p[1:], k[1:])
	}
}
