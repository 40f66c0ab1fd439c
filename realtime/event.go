// Package realtime implements the agent event stream: the event envelope and
// frame codec shared with the server, a callback registry, and a
// reconnecting Channel that reads the stream over HTTP.
package realtime

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/task"
)

// EventType names a stream event.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventTaskUpdate   EventType = "task_update"
	EventAgentStatus  EventType = "agent_status"
	EventSystemHealth EventType = "system_health"
)

// Event is the envelope carried by every stream message.
type Event struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SystemHealth is the payload of system_health events.
type SystemHealth struct {
	Status        string       `json:"status"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Agents        []agent.Info `json:"agents"`
	TasksInFlight int          `json:"tasks_in_flight"`
}

// NewEvent encodes payload into an Event stamped with the current time.
func NewEvent(typ EventType, payload any) (Event, error) {
	ev := Event{Type: typ, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// Task decodes a task_update payload.
func (e Event) Task() (*task.Task, error) {
	if e.Type != EventTaskUpdate {
		return nil, fmt.Errorf("event %s is not %s", e.Type, EventTaskUpdate)
	}
	var t task.Task
	if err := json.Unmarshal(e.Payload, &t); err != nil {
		return nil, fmt.Errorf("decode task update: %w", err)
	}
	return &t, nil
}

// Agent decodes an agent_status payload.
func (e Event) Agent() (agent.Info, error) {
	var info agent.Info
	if e.Type != EventAgentStatus {
		return info, fmt.Errorf("event %s is not %s", e.Type, EventAgentStatus)
	}
	if err := json.Unmarshal(e.Payload, &info); err != nil {
		return info, fmt.Errorf("decode agent status: %w", err)
	}
	return info, nil
}

// Health decodes a system_health payload.
func (e Event) Health() (SystemHealth, error) {
	var h SystemHealth
	if e.Type != EventSystemHealth {
		return h, fmt.Errorf("event %s is not %s", e.Type, EventSystemHealth)
	}
	if err := json.Unmarshal(e.Payload, &h); err != nil {
		return h, fmt.Errorf("decode system health: %w", err)
	}
	return h, nil
}

// WriteFrame writes ev as a single text/event-stream frame.
func WriteFrame(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// WriteHeartbeat writes an SSE comment line that keeps idle connections open.
func WriteHeartbeat(w io.Writer) error {
	_, err := io.WriteString(w, ": ping\n\n")
	return err
}
