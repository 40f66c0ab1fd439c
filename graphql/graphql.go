// Package graphql holds the GraphQL wire envelope and the named operations
// the agent client issues against /api/graphql.
package graphql

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Operation is a named GraphQL document.
type Operation struct {
	Name     string
	Document string
}

const taskFields = `id agent_type action status progress payload result error retry_of created_at updated_at`

var (
	GetTask = Operation{
		Name:     "GetTask",
		Document: `query GetTask($id: ID!) { task(id: $id) { ` + taskFields + ` } }`,
	}
	SubmitAgentTask = Operation{
		Name: "SubmitAgentTask",
		Document: `mutation SubmitAgentTask($agentType: String!, $action: String!, $payload: JSON!) {
  submitAgentTask(agentType: $agentType, action: $action, payload: $payload) { taskId }
}`,
	}
	CancelTask = Operation{
		Name:     "CancelTask",
		Document: `mutation CancelTask($id: ID!) { cancelTask(id: $id) { ` + taskFields + ` } }`,
	}
	RetryTask = Operation{
		Name:     "RetryTask",
		Document: `mutation RetryTask($id: ID!) { retryTask(id: $id) { taskId } }`,
	}
)

var operations = map[string]Operation{
	GetTask.Name:         GetTask,
	SubmitAgentTask.Name: SubmitAgentTask,
	CancelTask.Name:      CancelTask,
	RetryTask.Name:       RetryTask,
}

// Lookup returns the known operation with the given name.
func Lookup(name string) (Operation, bool) {
	op, ok := operations[name]
	return op, ok
}

// Request is the POST body sent to a GraphQL endpoint.
type Request struct {
	Query         string          `json:"query"`
	Variables     json.RawMessage `json:"variables,omitempty"`
	OperationName string          `json:"operationName,omitempty"`
}

// NewRequest encodes vars for op.
func NewRequest(op Operation, vars any) (Request, error) {
	req := Request{Query: op.Document, OperationName: op.Name}
	if vars != nil {
		raw, err := json.Marshal(vars)
		if err != nil {
			return Request{}, fmt.Errorf("encode %s variables: %w", op.Name, err)
		}
		req.Variables = raw
	}
	return req, nil
}

// Response is the GraphQL response envelope.
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []Error         `json:"errors,omitempty"`
}

// Error is one entry of a GraphQL errors array. Extensions.Status carries
// the HTTP-equivalent status of the failure when the server provides one.
type Error struct {
	Message    string      `json:"message"`
	Path       []string    `json:"path,omitempty"`
	Extensions *Extensions `json:"extensions,omitempty"`
}

// Extensions is the error metadata understood by the client.
type Extensions struct {
	Code   string `json:"code,omitempty"`
	Status int    `json:"status,omitempty"`
}

// Status returns the error's status, defaulting to 400.
func (e Error) Status() int {
	if e.Extensions != nil && e.Extensions.Status != 0 {
		return e.Extensions.Status
	}
	return http.StatusBadRequest
}

// Fail builds a single-error response.
func Fail(status int, code, message string) Response {
	return Response{Errors: []Error{{
		Message:    message,
		Extensions: &Extensions{Code: code, Status: status},
	}}}
}

// Data wraps v under field as a successful response.
func Data(field string, v any) (Response, error) {
	raw, err := json.Marshal(map[string]any{field: v})
	if err != nil {
		return Response{}, fmt.Errorf("encode %s: %w", field, err)
	}
	return Response{Data: raw}, nil
}

// Variables used by the named operations.
type (
	TaskVars struct {
		ID string `json:"id"`
	}
	SubmitVars struct {
		AgentType string          `json:"agentType"`
		Action    string          `json:"action"`
		Payload   json.RawMessage `json:"payload"`
	}
	// TaskRef is the result of SubmitAgentTask and RetryTask.
	TaskRef struct {
		TaskID string `json:"taskId"`
	}
)
