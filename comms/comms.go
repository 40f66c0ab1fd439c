// Package comms provides the in-process event bus that carries task, agent
// and health notifications from the agent backend to stream subscribers.
package comms

import (
	"context"
	"time"
)

// MessageType identifies the kind of bus message.
type MessageType string

const (
	TypeTaskUpdate   MessageType = "task_update"   // task status or progress change
	TypeAgentStatus  MessageType = "agent_status"  // agent lifecycle change
	TypeSystemHealth MessageType = "system_health" // periodic health snapshot

	// TypeAll subscribes to every message type.
	TypeAll MessageType = "*"
)

// Message is one notification on the bus.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Subject   string      `json:"subject,omitempty"` // task ID or agent type
	Payload   any         `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Handler processes a published message.
type Handler func(ctx context.Context, msg *Message) error

// Bus fans messages out to subscribers.
type Bus interface {
	// Publish delivers msg to the handlers subscribed to its type and to
	// TypeAll. Missing IDs and timestamps are filled in.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers a handler for one message type, or TypeAll.
	// Returns an unsubscribe function.
	Subscribe(typ MessageType, handler Handler) (unsubscribe func())

	// History returns up to limit recent messages of typ (TypeAll for any),
	// oldest first.
	History(typ MessageType, limit int) ([]*Message, error)
}
