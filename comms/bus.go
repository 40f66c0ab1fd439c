package comms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryBus is a thread-safe in-process message bus.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[MessageType][]handlerEntry
	history  []*Message
	maxHist  int
	nextID   int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates an InMemoryBus with a 1000-message history cap.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[MessageType][]handlerEntry),
		maxHist:  1000,
	}
}

// Publish sends a message to the handlers for its type, then to TypeAll
// handlers, each in subscription order.
func (b *InMemoryBus) Publish(ctx context.Context, msg *Message) error {
	if msg.Type == "" || msg.Type == TypeAll {
		return fmt.Errorf("publish: invalid message type %q", msg.Type)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, msg)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}

	// Collect handlers to invoke outside the lock
	var targets []Handler
	for _, e := range b.handlers[msg.Type] {
		targets = append(targets, e.handler)
	}
	for _, e := range b.handlers[TypeAll] {
		targets = append(targets, e.handler)
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %s: %d handler error(s): %w", msg.Type, len(errs), errors.Join(errs...))
	}
	return nil
}

// Subscribe registers a handler for messages of typ.
// The returned function unsubscribes the handler.
func (b *InMemoryBus) Subscribe(typ MessageType, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[typ] = append(b.handlers[typ], handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[typ]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, typ)
		} else {
			b.handlers[typ] = filtered
		}
	}
}

// History returns the most recent limit messages of typ.
func (b *InMemoryBus) History(typ MessageType, limit int) ([]*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Message
	for i := len(b.history) - 1; i >= 0; i-- {
		m := b.history[i]
		if typ == TypeAll || m.Type == typ {
			result = append(result, m)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	// Reverse to chronological order
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result, nil
}
