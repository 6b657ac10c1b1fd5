// Package waitlist is the per-(server,scope,id) FIFO ticket queue
// (spec.md §4.E): admits at most one active writer per triple, with
// create/wait/release semantics and a background director that expires
// stale tickets and promotes the next in line.
//
// Grounded on the teacher's internal/coordinator/waiter.go (event-driven
// completion via bus subscription rather than polling, generalized here
// from "task" events to "ticket became active/expired" events) and
// internal/cron/scheduler.go (ticker-loop shape for the director).
package waitlist

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/fleetcore/internal/fleeterr"
	"github.com/basket/fleetcore/internal/model"
)

// ExpiryPeriod is the director's sweep interval (spec.md §4.E, "≈1s").
const ExpiryPeriod = time.Second

// Triple identifies one FIFO queue.
type Triple = model.Triple

type waiter chan struct{}

type queue struct {
	order   *list.List // of *model.Ticket, oldest first
	byUUID  map[string]*list.Element
	waiters map[string][]waiter // ticket uuid -> waiters blocked on it
}

func newQueue() *queue {
	return &queue{order: list.New(), byUUID: map[string]*list.Element{}, waiters: map[string][]waiter{}}
}

// Waitlist holds every triple's queue in memory. Tickets are not
// persisted to the shared object store: the waitlist is scoped to a
// single control-plane process per spec.md §5 ("at most one director
// instance; multi-node deployments require external leader election").
type Waitlist struct {
	mu     sync.Mutex
	queues map[Triple]*queue
	logger *slog.Logger
}

// New creates an empty Waitlist.
func New(logger *slog.Logger) *Waitlist {
	if logger == nil {
		logger = slog.Default()
	}
	return &Waitlist{queues: map[Triple]*queue{}, logger: logger}
}

// CreateResult is returned by CreateTicket.
type CreateResult struct {
	Ticket *model.Ticket
	Queue  []*model.Ticket
}

// CreateTicket appends a new queued ticket to the (server_uuid, scope,
// id) triple's FIFO, promoting it to active immediately if it is the
// only non-terminal ticket in that triple.
func (w *Waitlist) CreateTicket(serverUUID, scope, id, action string, expiresAt *time.Time, extra map[string]any, reqID string) CreateResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	triple := Triple{ServerUUID: serverUUID, Scope: scope, ID: id}
	q, ok := w.queues[triple]
	if !ok {
		q = newQueue()
		w.queues[triple] = q
	}

	now := time.Now().UTC()
	t := &model.Ticket{
		UUID:       uuid.NewString(),
		ServerUUID: serverUUID,
		Scope:      scope,
		ID:         id,
		Action:     action,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     model.TicketQueued,
		Extra:      extra,
		ReqID:      reqID,
	}
	elem := q.order.PushBack(t)
	q.byUUID[t.UUID] = elem

	if !hasActive(q) {
		t.Status = model.TicketActive
		t.UpdatedAt = now
	}

	return CreateResult{Ticket: t, Queue: snapshot(q)}
}

// Wait blocks until ticketUUID becomes active or terminal, or timeout
// elapses. Returns immediately if already active/terminal.
func (w *Waitlist) Wait(ctx context.Context, ticketUUID string, timeout time.Duration) (*model.Ticket, error) {
	w.mu.Lock()
	t, q := w.find(ticketUUID)
	if t == nil {
		w.mu.Unlock()
		return nil, fleeterr.New(fleeterr.NotFound, "ticket %s not found", ticketUUID)
	}
	if t.Status != model.TicketQueued {
		cp := *t
		w.mu.Unlock()
		return &cp, nil
	}
	ch := make(waiter, 1)
	q.waiters[ticketUUID] = append(q.waiters[ticketUUID], ch)
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		w.mu.Lock()
		defer w.mu.Unlock()
		t, _ := w.find(ticketUUID)
		if t == nil {
			return nil, fleeterr.New(fleeterr.NotFound, "ticket %s not found", ticketUUID)
		}
		cp := *t
		return &cp, nil
	case <-timer.C:
		return nil, fleeterr.New(fleeterr.Timeout, "timed out waiting for ticket %s", ticketUUID)
	case <-ctx.Done():
		return nil, fleeterr.Wrap(fleeterr.Timeout, ctx.Err(), "wait canceled for ticket %s", ticketUUID)
	}
}

// Release marks ticketUUID finished and promotes the next queued ticket
// in its triple to active, if any, waking its waiters.
func (w *Waitlist) Release(ticketUUID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, q := w.find(ticketUUID)
	if t == nil {
		return fleeterr.New(fleeterr.NotFound, "ticket %s not found", ticketUUID)
	}
	if t.Terminal() {
		return nil
	}
	wasActive := t.Status == model.TicketActive
	t.Status = model.TicketFinished
	t.UpdatedAt = time.Now().UTC()
	w.wake(q, ticketUUID)
	if wasActive {
		w.promoteNext(q)
	}
	return nil
}

// Get returns a snapshot copy of ticketUUID, or NotFound.
func (w *Waitlist) Get(ticketUUID string) (*model.Ticket, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, _ := w.find(ticketUUID)
	if t == nil {
		return nil, fleeterr.New(fleeterr.NotFound, "ticket %s not found", ticketUUID)
	}
	cp := *t
	return &cp, nil
}

// List returns a snapshot of every ticket (terminal or not) queued
// against the (server_uuid, scope, id) triple, oldest first.
func (w *Waitlist) List(serverUUID, scope, id string) []*model.Ticket {
	w.mu.Lock()
	defer w.mu.Unlock()
	q, ok := w.queues[Triple{ServerUUID: serverUUID, Scope: scope, ID: id}]
	if !ok {
		return nil
	}
	return snapshot(q)
}

// Director runs the expiry sweep every ExpiryPeriod until ctx is done.
// At most one instance should run per deployment (spec.md §4.E).
func (w *Waitlist) Director(ctx context.Context) {
	ticker := time.NewTicker(ExpiryPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep expires tickets with expires_at <= now and promotes successors.
func (w *Waitlist) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now().UTC()
	for triple, q := range w.queues {
		var toExpire []string
		for e := q.order.Front(); e != nil; e = e.Next() {
			t := e.Value.(*model.Ticket)
			if t.Status != model.TicketQueued && t.Status != model.TicketActive {
				continue
			}
			if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
				toExpire = append(toExpire, t.UUID)
			}
		}
		for _, id := range toExpire {
			t := q.byUUID[id].Value.(*model.Ticket)
			wasActive := t.Status == model.TicketActive
			t.Status = model.TicketExpired
			t.UpdatedAt = now
			w.wake(q, id)
			w.logger.Warn("waitlist ticket expired", "ticket_uuid", id, "server_uuid", triple.ServerUUID, "scope", triple.Scope, "id", triple.ID)
			if wasActive {
				w.promoteNext(q)
			}
		}
	}
}

// find returns the ticket and its queue, or (nil, nil) if not found.
// Caller must hold w.mu.
func (w *Waitlist) find(ticketUUID string) (*model.Ticket, *queue) {
	for _, q := range w.queues {
		if elem, ok := q.byUUID[ticketUUID]; ok {
			return elem.Value.(*model.Ticket), q
		}
	}
	return nil, nil
}

// promoteNext sets the oldest still-queued ticket in q to active.
// Caller must hold w.mu.
func (w *Waitlist) promoteNext(q *queue) {
	for e := q.order.Front(); e != nil; e = e.Next() {
		t := e.Value.(*model.Ticket)
		if t.Status == model.TicketQueued {
			t.Status = model.TicketActive
			t.UpdatedAt = time.Now().UTC()
			w.wake(q, t.UUID)
			return
		}
	}
}

// wake closes every waiter channel registered for ticketUUID.
// Caller must hold w.mu.
func (w *Waitlist) wake(q *queue, ticketUUID string) {
	for _, ch := range q.waiters[ticketUUID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	delete(q.waiters, ticketUUID)
}

func hasActive(q *queue) bool {
	for e := q.order.Front(); e != nil; e = e.Next() {
		t := e.Value.(*model.Ticket)
		if t.Status == model.TicketActive {
			return true
		}
	}
	return false
}

func snapshot(q *queue) []*model.Ticket {
	out := make([]*model.Ticket, 0, q.order.Len())
	for e := q.order.Front(); e != nil; e = e.Next() {
		t := *e.Value.(*model.Ticket)
		out = append(out, &t)
	}
	return out
}
