package bus

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Dial constructs a fresh Broker connection. Implementations of a real
// transport supply this; the in-process reference deployment supplies a
// closure that returns the same *MemoryBroker every time (a "reconnect"
// is then a no-op, matching an in-process broker having nothing to lose).
type Dial func(ctx context.Context) (Broker, error)

// ReconnectingClient wraps a Dial with exponential backoff+jitter
// reconnection and re-declaration of queues/bindings on reconnect, per
// spec.md §4.A. Declarations and bindings made through this client are
// remembered and replayed against the new underlying Broker whenever Dial
// is called again.
type ReconnectingClient struct {
	dial   Dial
	logger *slog.Logger

	mu       sync.RWMutex
	broker   Broker
	declared []string
	bound    []binding
}

type binding struct{ queue, pattern string }

const (
	reconnectBaseDelay = 100 * time.Millisecond
	reconnectMaxDelay  = 10 * time.Second
)

// NewReconnectingClient dials once synchronously and returns the client,
// or an error if the very first dial fails.
func NewReconnectingClient(ctx context.Context, dial Dial, logger *slog.Logger) (*ReconnectingClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ReconnectingClient{dial: dial, logger: logger}
	broker, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	c.broker = broker
	return c, nil
}

func (c *ReconnectingClient) current() Broker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.broker
}

// reconnect retries dial indefinitely with exponential backoff+jitter,
// replaying every queue declaration and binding made so far.
func (c *ReconnectingClient) reconnect(ctx context.Context) Broker {
	delay := reconnectBaseDelay
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		broker, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("bus reconnect failed", "attempt", attempt, "error", err)
			jittered := delay/2 + time.Duration(rand.Int64N(int64(delay/2)+1))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(jittered):
			}
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		c.mu.Lock()
		for _, q := range c.declared {
			_ = broker.DeclareQueue(ctx, q)
		}
		for _, b := range c.bound {
			_ = broker.Bind(ctx, b.queue, b.pattern)
		}
		c.broker = broker
		c.mu.Unlock()
		c.logger.Info("bus reconnected", "attempt", attempt)
		return broker
	}
}

func (c *ReconnectingClient) Publish(ctx context.Context, routingKey string, payload []byte) error {
	err := c.current().Publish(ctx, routingKey, payload)
	if err != nil {
		c.reconnect(ctx)
	}
	return err
}

func (c *ReconnectingClient) DeclareQueue(ctx context.Context, name string) error {
	err := c.current().DeclareQueue(ctx, name)
	if err != nil {
		if c.reconnect(ctx) == nil {
			return err
		}
		return c.current().DeclareQueue(ctx, name)
	}
	c.mu.Lock()
	c.declared = append(c.declared, name)
	c.mu.Unlock()
	return nil
}

func (c *ReconnectingClient) DeleteQueue(ctx context.Context, name string) error {
	c.mu.Lock()
	for i, q := range c.declared {
		if q == name {
			c.declared = append(c.declared[:i], c.declared[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return c.current().DeleteQueue(ctx, name)
}

func (c *ReconnectingClient) Bind(ctx context.Context, queue, pattern string) error {
	if err := c.current().Bind(ctx, queue, pattern); err != nil {
		return err
	}
	c.mu.Lock()
	c.bound = append(c.bound, binding{queue, pattern})
	c.mu.Unlock()
	return nil
}

func (c *ReconnectingClient) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	return c.current().Consume(ctx, queue)
}

func (c *ReconnectingClient) Close() error { return c.current().Close() }
