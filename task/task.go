// Package task defines the task model and persistence for agent work items.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/lexagent/agent"
)

// ErrNotFound is returned by stores when no task has the requested ID.
var ErrNotFound = errors.New("task not found")

// ErrInvalidTransition is returned when a status change would move a task backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether a task may move from one status to another.
// Staying in PROCESSING is allowed so progress can be reported.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || to.rank() < 0 || from.rank() < 0 {
		return false
	}
	if from == to {
		return from == StatusProcessing || from == StatusPending
	}
	return to.rank() > from.rank()
}

// Task is a unit of asynchronous work submitted to an agent.
type Task struct {
	ID        string       `json:"id"`
	AgentType agent.Type   `json:"agent_type"`
	Action    agent.Action `json:"action"`
	Status    Status       `json:"status"`
	Progress  int          `json:"progress"`
	Payload   Payload      `json:"payload,omitempty"`
	Result    Result       `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	RetryOf   string       `json:"retry_of,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Advance moves the task to status with the given progress, enforcing
// monotonic status and non-decreasing progress while processing.
func (t *Task) Advance(status Status, progress int) error {
	if !CanTransition(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if status == t.Status && progress < t.Progress {
		progress = t.Progress
	}
	t.Status = status
	t.Progress = progress
	return nil
}

// taskJSON mirrors Task with raw payload and result for two-phase decoding.
type taskJSON struct {
	ID        string          `json:"id"`
	AgentType agent.Type      `json:"agent_type"`
	Action    agent.Action    `json:"action"`
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	RetryOf   string          `json:"retry_of,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// UnmarshalJSON decodes the payload and result into the concrete shapes for
// the task's agent type.
func (t *Task) UnmarshalJSON(data []byte) error {
	var raw taskJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Task{
		ID:        raw.ID,
		AgentType: raw.AgentType,
		Action:    raw.Action,
		Status:    raw.Status,
		Progress:  raw.Progress,
		Error:     raw.Error,
		RetryOf:   raw.RetryOf,
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
	}
	if isPresent(raw.Payload) {
		p, err := DecodePayload(raw.AgentType, raw.Payload)
		if err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		t.Payload = p
	}
	if isPresent(raw.Result) {
		r, err := DecodeResult(raw.AgentType, raw.Result)
		if err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		t.Result = r
	}
	return nil
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// Store persists and retrieves tasks.
type Store interface {
	// Create persists a new task. An empty ID is replaced with a generated one.
	Create(t *Task) (string, error)

	// Get retrieves a task by ID.
	Get(id string) (*Task, error)

	// Update saves changes to an existing task.
	Update(t *Task) error

	// List returns tasks matching the given filter.
	List(filter Filter) ([]*Task, error)

	// Delete removes a task by ID.
	Delete(id string) error
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status    *Status    `json:"status,omitempty"`
	AgentType agent.Type `json:"agent_type,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// Match reports whether t satisfies the filter's predicates.
func (f Filter) Match(t *Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.AgentType != "" && t.AgentType != f.AgentType {
		return false
	}
	return true
}
