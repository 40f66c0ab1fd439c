// Package agent defines the remote agent types, actions and status reported by
// the agent backend.
package agent

import (
	"fmt"
	"time"
)

// Type identifies which backend agent performs a task.
type Type string

const (
	TypeGeneration     Type = "generation"
	TypeAnalysis       Type = "analysis"
	TypeClassification Type = "classification"
)

// Types lists every known agent type in display order.
var Types = []Type{TypeGeneration, TypeAnalysis, TypeClassification}

// ParseType validates s as a known agent type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown agent type %q", s)
	}
	return t, nil
}

// Valid reports whether t is one of the known agent types.
func (t Type) Valid() bool {
	switch t {
	case TypeGeneration, TypeAnalysis, TypeClassification:
		return true
	}
	return false
}

// Action is an operation requested from an agent.
type Action string

const (
	ActionGenerate  Action = "generate"
	ActionRevise    Action = "revise"
	ActionAnalyze   Action = "analyze"
	ActionSummarize Action = "summarize"
	ActionClassify  Action = "classify"
)

// Actions returns the actions an agent type accepts.
func (t Type) Actions() []Action {
	switch t {
	case TypeGeneration:
		return []Action{ActionGenerate, ActionRevise}
	case TypeAnalysis:
		return []Action{ActionAnalyze, ActionSummarize}
	case TypeClassification:
		return []Action{ActionClassify}
	}
	return nil
}

// Supports reports whether the agent type accepts the action.
func (t Type) Supports(a Action) bool {
	for _, candidate := range t.Actions() {
		if candidate == a {
			return true
		}
	}
	return false
}

// Status represents the current state of an agent.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// ControlOp is a lifecycle command sent to an agent.
type ControlOp string

const (
	OpStart   ControlOp = "start"
	OpStop    ControlOp = "stop"
	OpRestart ControlOp = "restart"
)

// ParseControlOp validates s as a lifecycle command.
func ParseControlOp(s string) (ControlOp, error) {
	switch op := ControlOp(s); op {
	case OpStart, OpStop, OpRestart:
		return op, nil
	}
	return "", fmt.Errorf("unknown agent operation %q", s)
}

// Info provides read-only metadata about an agent.
type Info struct {
	Type          Type      `json:"type"`
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	TasksInFlight int       `json:"tasks_in_flight"`
	TasksDone     int       `json:"tasks_done"`
	StartedAt     time.Time `json:"started_at"`
	LastError     string    `json:"last_error,omitempty"`
}
