// Package ur implements the Ur remote-execution RPC layer (spec.md
// §4.B): a correlated request/reply protocol over the message bus, with
// per-request ephemeral reply queues, an at-most-once callback contract,
// and broadcast sysinfo collection.
//
// Grounded on the teacher's event-driven Waiter
// (internal/coordinator/waiter.go): waiting on a bus subscription rather
// than polling, generalized here from "task reaches a terminal status in
// the store" to "a reply lands on my correlation id."
package ur

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/fleetcore/internal/bus"
	"github.com/basket/fleetcore/internal/fleeterr"
)

// replyGraceDelay is how long an ephemeral reply queue is kept alive
// after the first reply, to absorb in-flight duplicate replies —
// matching the ~1s delay called out in spec.md §9.
const replyGraceDelay = time.Second

// Reply is one CN agent's response to an execute request.
type Reply struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitStatus int    `json:"exit_status"`
}

// Sysinfo is one compute node's sysinfo document, as collected by
// BroadcastSysinfo.
type Sysinfo struct {
	CNUUID  string         `json:"cn_uuid"`
	Message map[string]any `json:"message"`
}

// ServerSysinfo is emitted for every inbound ur.sysinfo.<uuid> /
// ur.startup.<uuid> message.
type ServerSysinfo struct {
	Message    map[string]any
	RoutingKey string
}

// pending is the correlation-table entry for one in-flight Execute call.
// The latch enforces the at-most-once callback contract: only the first
// caller to flip it delivers a reply.
type pending struct {
	latch atomic.Bool
	ch    chan Reply
}

// Client is the Ur RPC client bound to one Broker.
type Client struct {
	broker bus.Broker
	logger *slog.Logger

	mu    sync.Mutex
	table map[string]*pending // reqid -> pending
}

// New creates a Ur client over broker.
func New(broker bus.Broker, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{broker: broker, logger: logger, table: make(map[string]*pending)}
}

// Execute sends payload to targetUUID's CN agent and waits up to timeout
// for exactly one reply. The correlation id's queue is declared before
// publish and destroyed (after a grace delay) on reply or timeout.
func (c *Client) Execute(ctx context.Context, targetUUID string, payload map[string]any, timeout time.Duration) (Reply, error) {
	reqID := uuid.NewString()
	queueName := bus.ReplyQueueName(reqID)
	replyPattern := bus.ExecuteReplyRoutingKey(targetUUID, reqID)

	if err := c.broker.DeclareQueue(ctx, queueName); err != nil {
		return Reply{}, fleeterr.Wrap(fleeterr.NotConnected, err, "declare reply queue")
	}
	if err := c.broker.Bind(ctx, queueName, replyPattern); err != nil {
		_ = c.broker.DeleteQueue(ctx, queueName)
		return Reply{}, fleeterr.Wrap(fleeterr.NotConnected, err, "bind reply queue")
	}
	deliveries, err := c.broker.Consume(ctx, queueName)
	if err != nil {
		_ = c.broker.DeleteQueue(ctx, queueName)
		return Reply{}, fleeterr.Wrap(fleeterr.NotConnected, err, "consume reply queue")
	}

	p := &pending{ch: make(chan Reply, 1)}
	c.mu.Lock()
	c.table[reqID] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.table, reqID)
		c.mu.Unlock()
		go func() {
			time.Sleep(replyGraceDelay)
			_ = c.broker.DeleteQueue(context.Background(), queueName)
		}()
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, fleeterr.Wrap(fleeterr.InvalidParameters, err, "marshal execute payload")
	}
	if err := c.broker.Publish(ctx, bus.ExecuteRoutingKey(targetUUID, reqID), body); err != nil {
		return Reply{}, fleeterr.Wrap(fleeterr.NotConnected, err, "publish execute")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return Reply{}, fleeterr.New(fleeterr.Internal, "reply queue closed for %s", reqID)
			}
			if !p.latch.CompareAndSwap(false, true) {
				// Duplicate delivery after we already delivered once: drop it.
				continue
			}
			var reply Reply
			if err := json.Unmarshal(d.Payload, &reply); err != nil {
				return Reply{}, fleeterr.Wrap(fleeterr.Internal, err, "decode execute reply")
			}
			return reply, nil
		case <-timer.C:
			return Reply{}, fleeterr.New(fleeterr.Timeout, "command timed out after %s", timeout)
		case <-ctx.Done():
			return Reply{}, fleeterr.Wrap(fleeterr.Timeout, ctx.Err(), "execute canceled")
		}
	}
}

// BroadcastSysinfo publishes a broadcast request and collects replies
// for windowSeconds; non-responders are silently omitted.
func (c *Client) BroadcastSysinfo(ctx context.Context, window time.Duration) ([]Sysinfo, error) {
	reqID := uuid.NewString()
	queueName := bus.ReplyQueueName(reqID)
	if err := c.broker.DeclareQueue(ctx, queueName); err != nil {
		return nil, fleeterr.Wrap(fleeterr.NotConnected, err, "declare broadcast queue")
	}
	defer func() { _ = c.broker.DeleteQueue(context.Background(), queueName) }()

	if err := c.broker.Bind(ctx, queueName, bus.ExecuteReplyPattern(reqID)); err != nil {
		return nil, fleeterr.Wrap(fleeterr.NotConnected, err, "bind broadcast queue")
	}
	deliveries, err := c.broker.Consume(ctx, queueName)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.NotConnected, err, "consume broadcast queue")
	}

	if err := c.broker.Publish(ctx, bus.BroadcastSysinfoRoutingKey(reqID), nil); err != nil {
		return nil, fleeterr.Wrap(fleeterr.NotConnected, err, "publish broadcast")
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()

	var out []Sysinfo
	for {
		select {
		case d := <-deliveries:
			cnUUID, _ := bus.CNUUIDFromRoutingKey(d.RoutingKey)
			var msg map[string]any
			if err := json.Unmarshal(d.Payload, &msg); err != nil {
				c.logger.Warn("broadcast sysinfo decode failed", "error", err)
				continue
			}
			out = append(out, Sysinfo{CNUUID: cnUUID, Message: msg})
		case <-deadline.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

// Subscribe binds ur.sysinfo.# and the legacy ur.startup.# and invokes
// handler for every inbound message until ctx is canceled.
func (c *Client) Subscribe(ctx context.Context, handler func(ServerSysinfo)) error {
	queueName := fmt.Sprintf("ur.cnapi.sysinfo-subscriber.%s", uuid.NewString())
	if err := c.broker.DeclareQueue(ctx, queueName); err != nil {
		return fleeterr.Wrap(fleeterr.NotConnected, err, "declare sysinfo subscription queue")
	}
	if err := c.broker.Bind(ctx, queueName, "ur.sysinfo.#"); err != nil {
		return fleeterr.Wrap(fleeterr.NotConnected, err, "bind ur.sysinfo.#")
	}
	if err := c.broker.Bind(ctx, queueName, "ur.startup.#"); err != nil {
		return fleeterr.Wrap(fleeterr.NotConnected, err, "bind ur.startup.#")
	}
	deliveries, err := c.broker.Consume(ctx, queueName)
	if err != nil {
		return fleeterr.Wrap(fleeterr.NotConnected, err, "consume sysinfo subscription")
	}

	go func() {
		defer func() { _ = c.broker.DeleteQueue(context.Background(), queueName) }()
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var msg map[string]any
				if err := json.Unmarshal(d.Payload, &msg); err != nil {
					c.logger.Warn("sysinfo message decode failed", "error", err)
					continue
				}
				handler(ServerSysinfo{Message: msg, RoutingKey: d.RoutingKey})
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// PendingCount reports the number of in-flight Execute calls, for
// observability.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}
