package task

import (
	"encoding/json"

	"github.com/GoCodeAlone/lexagent/agent"
)

// SubmitRequest is the JSON body of POST /api/agents/{agentType}.
type SubmitRequest struct {
	Action  agent.Action    `json:"action" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	TaskID string `json:"taskId"`
}
