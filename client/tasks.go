package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/agenterr"
	"github.com/GoCodeAlone/lexagent/graphql"
	"github.com/GoCodeAlone/lexagent/retry"
	"github.com/GoCodeAlone/lexagent/task"
)

// Submit sends payload to the agent of the given type and returns the new
// task ID. The request is checked locally first; invalid input fails with a
// 400 agenterr.Error without touching the network.
func (c *Client) Submit(ctx context.Context, agentType agent.Type, action agent.Action, payload task.Payload) (string, error) {
	if err := checkSubmission(agentType, action, payload); err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	if c.cfg.Transport == TransportGraphQL {
		var out struct {
			SubmitAgentTask graphql.TaskRef `json:"submitAgentTask"`
		}
		vars := graphql.SubmitVars{AgentType: string(agentType), Action: string(action), Payload: raw}
		if err := c.graphQL(ctx, graphql.SubmitAgentTask, vars, &out, agentType, ""); err != nil {
			return "", err
		}
		return taskRef(out.SubmitAgentTask.TaskID, agentType, "")
	}

	var out task.SubmitResponse
	cl := call{op: "submit", method: http.MethodPost, path: "/api/agents/" + url.PathEscape(string(agentType)), agentType: agentType}
	if err := c.do(ctx, cl, task.SubmitRequest{Action: action, Payload: raw}, &out); err != nil {
		return "", err
	}
	return taskRef(out.TaskID, agentType, "")
}

// taskRef rejects an accepted request that came back without a task ID. The
// request may have created a task, so the 502 wraps agenterr.ErrUnconfirmed
// and is never retried.
func taskRef(id string, agentType agent.Type, taskID string) (string, error) {
	if id == "" {
		return "", &agenterr.Error{StatusCode: http.StatusBadGateway, AgentType: agentType, TaskID: taskID, Message: "server returned no task id", Err: agenterr.ErrUnconfirmed}
	}
	return id, nil
}

func checkSubmission(agentType agent.Type, action agent.Action, payload task.Payload) error {
	invalid := func(msg string, err error) error {
		return &agenterr.Error{StatusCode: http.StatusBadRequest, AgentType: agentType, Message: msg, Err: err}
	}
	if !agentType.Valid() {
		return invalid(fmt.Sprintf("unknown agent type %q", agentType), nil)
	}
	if !agentType.Supports(action) {
		return invalid(fmt.Sprintf("%s agents do not support %q", agentType, action), nil)
	}
	if payload != nil && payload.Kind() != agentType {
		return invalid(fmt.Sprintf("%s payload sent to %s agent", payload.Kind(), agentType), nil)
	}
	if err := task.ValidatePayload(payload); err != nil {
		return invalid("invalid payload", err)
	}
	return nil
}

// SubmitWithRetry submits through r, retrying transient failures. It
// returns false when every attempt failed; r.State().Err holds the cause.
func (c *Client) SubmitWithRetry(ctx context.Context, r *retry.Runner, agentType agent.Type, action agent.Action, payload task.Payload) (string, bool) {
	return retry.Execute(ctx, r, func(ctx context.Context) (string, error) {
		return c.Submit(ctx, agentType, action, payload)
	})
}

// GetTask fetches the current snapshot of a task.
func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	if c.cfg.Transport == TransportGraphQL {
		var out struct {
			Task *task.Task `json:"task"`
		}
		if err := c.graphQL(ctx, graphql.GetTask, graphql.TaskVars{ID: id}, &out, "", id); err != nil {
			return nil, err
		}
		if out.Task == nil {
			return nil, &agenterr.Error{StatusCode: http.StatusNotFound, TaskID: id, Message: "task not found"}
		}
		return out.Task, nil
	}

	var t task.Task
	cl := call{op: "get_task", method: http.MethodGet, path: "/api/tasks/" + url.PathEscape(id), taskID: id}
	if err := c.do(ctx, cl, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns tasks matching filter, newest first.
func (c *Client) ListTasks(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	q := url.Values{}
	if filter.Status != nil {
		q.Set("status", string(*filter.Status))
	}
	if filter.AgentType != "" {
		q.Set("agent_type", string(filter.AgentType))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var tasks []*task.Task
	if err := c.do(ctx, call{op: "list_tasks", method: http.MethodGet, path: path}, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CancelTask asks the server to stop a task and returns its new state.
func (c *Client) CancelTask(ctx context.Context, id string) (*task.Task, error) {
	if c.cfg.Transport == TransportGraphQL {
		var out struct {
			CancelTask *task.Task `json:"cancelTask"`
		}
		if err := c.graphQL(ctx, graphql.CancelTask, graphql.TaskVars{ID: id}, &out, "", id); err != nil {
			return nil, err
		}
		return out.CancelTask, nil
	}

	var t task.Task
	cl := call{op: "cancel_task", method: http.MethodPost, path: "/api/tasks/" + url.PathEscape(id) + "/cancel", taskID: id}
	if err := c.do(ctx, cl, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// RetryTask resubmits a task's input and returns the ID of the new task.
func (c *Client) RetryTask(ctx context.Context, id string) (string, error) {
	if c.cfg.Transport == TransportGraphQL {
		var out struct {
			RetryTask graphql.TaskRef `json:"retryTask"`
		}
		if err := c.graphQL(ctx, graphql.RetryTask, graphql.TaskVars{ID: id}, &out, "", id); err != nil {
			return "", err
		}
		return taskRef(out.RetryTask.TaskID, "", id)
	}

	var out task.SubmitResponse
	cl := call{op: "retry_task", method: http.MethodPost, path: "/api/tasks/" + url.PathEscape(id) + "/retry", taskID: id}
	if err := c.do(ctx, cl, nil, &out); err != nil {
		return "", err
	}
	return taskRef(out.TaskID, "", id)
}
