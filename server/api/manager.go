// Package api defines the REST API handlers and interfaces for the lexagent server.
package api

import (
	"context"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/task"
)

// AgentManager is the interface the API uses to control agents and their tasks.
// Implemented by sim.Manager.
type AgentManager interface {
	ListAgents() []agent.Info
	Control(ctx context.Context, t agent.Type, op agent.ControlOp) (agent.Info, error)

	Submit(ctx context.Context, t agent.Type, action agent.Action, payload task.Payload) (*task.Task, error)
	GetTask(id string) (*task.Task, error)
	ListTasks(filter task.Filter) ([]*task.Task, error)
	CancelTask(ctx context.Context, id string) (*task.Task, error)
	RetryTask(ctx context.Context, id string) (*task.Task, error)
}

// AgentsResponse is the body of GET /api/agents/status.
type AgentsResponse struct {
	Agents []agent.Info `json:"agents"`
}
