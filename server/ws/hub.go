// Package ws implements the Server-Sent Events (SSE) hub that streams agent
// and task updates to connected clients.
package ws

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GoCodeAlone/lexagent/comms"
	"github.com/GoCodeAlone/lexagent/internal/metrics"
	"github.com/GoCodeAlone/lexagent/realtime"
)

const clientBuffer = 64

// client represents a single SSE connection.
type client struct {
	ch    chan frame
	types map[realtime.EventType]bool // nil means every type
}

type frame struct {
	typ  realtime.EventType
	data []byte
}

func (c *client) wants(t realtime.EventType) bool {
	return c.types == nil || c.types[t]
}

// Hub manages SSE client connections and broadcasts events.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*client]struct{}
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewHub creates a Hub ready to accept connections. A non-positive heartbeat
// disables keep-alive comments.
func NewHub(logger *zap.Logger, heartbeat time.Duration) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:   make(map[*client]struct{}),
		logger:    logger.Named("hub"),
		heartbeat: heartbeat,
	}
}

// Attach forwards every bus message to connected clients until the returned
// function is called.
func (h *Hub) Attach(bus comms.Bus) (detach func()) {
	return bus.Subscribe(comms.TypeAll, func(_ context.Context, msg *comms.Message) error {
		ev, err := realtime.NewEvent(realtime.EventType(msg.Type), msg.Payload)
		if err != nil {
			return err
		}
		if !msg.Timestamp.IsZero() {
			ev.Timestamp = msg.Timestamp
		}
		h.Broadcast(ev)
		return nil
	})
}

// Broadcast sends an event to all connected clients. Slow clients miss
// events rather than block the publisher.
func (h *Hub) Broadcast(ev realtime.Event) {
	var buf bytes.Buffer
	if err := realtime.WriteFrame(&buf, ev); err != nil {
		h.logger.Error("hub broadcast encode", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	f := frame{typ: ev.Type, data: buf.Bytes()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(f.typ) {
			continue
		}
		select {
		case c.ch <- f:
		default:
			h.logger.Debug("dropping event for slow client", zap.String("type", string(f.typ)))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeSSE handles an SSE connection request. The optional types query
// parameter is a comma-separated list of event types to receive.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	c := &client{ch: make(chan frame, clientBuffer), types: parseTypes(r.URL.Query().Get("types"))}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.StreamClients.Inc()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		metrics.StreamClients.Dec()
	}()

	connected, _ := realtime.NewEvent(realtime.EventConnected, nil)
	if err := realtime.WriteFrame(w, connected); err != nil {
		return
	}
	flusher.Flush()

	var tick <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick:
			if err := realtime.WriteHeartbeat(w); err != nil {
				return
			}
			flusher.Flush()
		case f := <-c.ch:
			if _, err := w.Write(f.data); err != nil {
				h.logger.Debug("client write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func parseTypes(s string) map[realtime.EventType]bool {
	if s == "" {
		return nil
	}
	types := make(map[realtime.EventType]bool)
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[realtime.EventType(t)] = true
		}
	}
	if len(types) == 0 {
		return nil
	}
	return types
}
