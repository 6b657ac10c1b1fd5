package bus

import (
	"container/list"
	"sync"
)

// Dedup is a bounded seen-key cache used to make inbound handlers
// idempotent on (server_uuid, reqid) despite at-least-once delivery
// (spec.md §4.A).
type Dedup struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewDedup creates a Dedup holding at most capacity keys, evicting the
// least-recently-seen key once full.
func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Dedup{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Seen records key and reports whether it had already been seen.
func (d *Dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[key]; ok {
		d.order.MoveToFront(el)
		return true
	}
	el := d.order.PushFront(key)
	d.index[key] = el
	if d.order.Len() > d.capacity {
		oldest := d.order.Back()
		if oldest != nil {
			d.order.Remove(oldest)
			delete(d.index, oldest.Value.(string))
		}
	}
	return false
}
