package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/agenterr"
	"github.com/GoCodeAlone/lexagent/graphql"
)

// GraphQL runs op through the GraphQL proxy and decodes its data into out.
// A response carrying errors fails with an agenterr.Error whose status is
// taken from the first error's extensions (400 when absent).
func (c *Client) GraphQL(ctx context.Context, op graphql.Operation, vars, out any) error {
	return c.graphQL(ctx, op, vars, out, "", "")
}

func (c *Client) graphQL(ctx context.Context, op graphql.Operation, vars, out any, agentType agent.Type, taskID string) error {
	req, err := graphql.NewRequest(op, vars)
	if err != nil {
		return err
	}
	var resp graphql.Response
	cl := call{
		op:        "graphql_" + op.Name,
		method:    http.MethodPost,
		path:      c.cfg.GraphQLPath,
		agentType: agentType,
		taskID:    taskID,
	}
	if err := c.do(ctx, cl, req, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return &agenterr.Error{
			StatusCode: resp.Errors[0].Status(),
			AgentType:  agentType,
			TaskID:     taskID,
			Message:    strings.Join(msgs, "; "),
		}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return &agenterr.Error{AgentType: agentType, TaskID: taskID, StatusCode: http.StatusOK, Message: "malformed graphql data", Err: err}
	}
	return nil
}
