package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/graphql"
	"github.com/GoCodeAlone/lexagent/task"
)

// GraphQLHandler serves the named task operations. Requests are dispatched
// on operationName; the query document itself is not parsed.
func (m *Manager) GraphQLHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, graphql.Fail(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST"))
			return
		}
		var req graphql.Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, graphql.Fail(http.StatusBadRequest, "BAD_REQUEST", "invalid request body: "+err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, m.Exec(r.Context(), req))
	})
}

// Exec runs a single GraphQL request. Failures are reported in the
// response's errors array with the HTTP-equivalent status in extensions.
func (m *Manager) Exec(ctx context.Context, req graphql.Request) graphql.Response {
	op, ok := graphql.Lookup(req.OperationName)
	if !ok {
		return graphql.Fail(http.StatusBadRequest, "UNKNOWN_OPERATION",
			fmt.Sprintf("unknown operation %q", req.OperationName))
	}

	var (
		field string
		data  any
		err   error
	)
	switch op.Name {
	case graphql.GetTask.Name:
		var vars graphql.TaskVars
		if err = decodeVars(req.Variables, &vars); err == nil {
			field = "task"
			data, err = m.GetTask(vars.ID)
		}
	case graphql.CancelTask.Name:
		var vars graphql.TaskVars
		if err = decodeVars(req.Variables, &vars); err == nil {
			field = "cancelTask"
			data, err = m.CancelTask(ctx, vars.ID)
		}
	case graphql.RetryTask.Name:
		var vars graphql.TaskVars
		if err = decodeVars(req.Variables, &vars); err == nil {
			field = "retryTask"
			var t *task.Task
			if t, err = m.RetryTask(ctx, vars.ID); err == nil {
				data = graphql.TaskRef{TaskID: t.ID}
			}
		}
	case graphql.SubmitAgentTask.Name:
		var vars graphql.SubmitVars
		if err = decodeVars(req.Variables, &vars); err == nil {
			field = "submitAgentTask"
			var t *task.Task
			if t, err = m.submitRaw(ctx, vars); err == nil {
				data = graphql.TaskRef{TaskID: t.ID}
			}
		}
	}
	if err != nil {
		status := StatusCode(err)
		if status >= http.StatusInternalServerError {
			m.logger.Error("graphql operation failed", zap.String("operation", op.Name), zap.Error(err))
		}
		return graphql.Fail(status, errorCode(status), err.Error())
	}

	resp, err := graphql.Data(field, data)
	if err != nil {
		return graphql.Fail(http.StatusInternalServerError, errorCode(http.StatusInternalServerError), err.Error())
	}
	return resp
}

func (m *Manager) submitRaw(ctx context.Context, vars graphql.SubmitVars) (*task.Task, error) {
	t, err := agent.ParseType(vars.AgentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownAgent, err)
	}
	payload, err := task.DecodePayload(t, vars.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return m.Submit(ctx, t, agent.Action(vars.Action), payload)
}

func decodeVars(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: variables are required", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: variables: %v", ErrInvalidPayload, err)
	}
	return nil
}

func errorCode(status int) string {
	return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
