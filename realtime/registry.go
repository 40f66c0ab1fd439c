package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Callback receives a dispatched event.
type Callback func(Event)

type subscriber struct {
	id string
	cb Callback
}

// Registry maps event types to ordered callback lists. It is safe for
// concurrent use; callbacks run outside the lock.
type Registry struct {
	mu   sync.RWMutex
	subs map[EventType][]subscriber
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[EventType][]subscriber)}
}

// Subscribe appends cb to the callbacks for typ. The returned function
// removes only this callback and may be called more than once.
func (r *Registry) Subscribe(typ EventType, cb Callback) (unsubscribe func()) {
	id := uuid.NewString()

	r.mu.Lock()
	r.subs[typ] = append(r.subs[typ], subscriber{id: id, cb: cb})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(typ, id) })
	}
}

func (r *Registry) remove(typ EventType, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.subs[typ]
	filtered := make([]subscriber, 0, len(entries))
	for _, s := range entries {
		if s.id != id {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		delete(r.subs, typ)
	} else {
		r.subs[typ] = filtered
	}
}

// Dispatch invokes every callback registered for ev.Type in registration
// order and returns how many ran.
func (r *Registry) Dispatch(ev Event) int {
	r.mu.RLock()
	targets := make([]Callback, 0, len(r.subs[ev.Type]))
	for _, s := range r.subs[ev.Type] {
		targets = append(targets, s.cb)
	}
	r.mu.RUnlock()

	for _, cb := range targets {
		cb(ev)
	}
	return len(targets)
}

// Count returns the number of callbacks registered for typ.
func (r *Registry) Count(typ EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[typ])
}

// Types returns the event types that currently have subscribers.
func (r *Registry) Types() []EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EventType, 0, len(r.subs))
	for t := range r.subs {
		out = append(out, t)
	}
	return out
}
