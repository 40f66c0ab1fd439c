package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/GoCodeAlone/lexagent/agent"
)

// AgentStatus lists every agent known to the server.
func (c *Client) AgentStatus(ctx context.Context) ([]agent.Info, error) {
	var out struct {
		Agents []agent.Info `json:"agents"`
	}
	if err := c.do(ctx, call{op: "agent_status", method: http.MethodGet, path: "/api/agents/status"}, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// ControlAgent starts, stops or restarts an agent and returns its new state.
func (c *Client) ControlAgent(ctx context.Context, agentType agent.Type, op agent.ControlOp) (agent.Info, error) {
	var info agent.Info
	cl := call{
		op:        "agent_" + string(op),
		method:    http.MethodPost,
		path:      "/api/agents/" + url.PathEscape(string(agentType)) + "/" + string(op),
		agentType: agentType,
	}
	err := c.do(ctx, cl, nil, &info)
	return info, err
}

// Login exchanges credentials for a token and stores it in the session.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	in := map[string]string{"username": username, "password": password}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, call{op: "login", method: http.MethodPost, path: "/api/auth/login"}, in, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("login: server returned no token")
	}
	if c.cfg.Session != nil {
		if err := c.cfg.Session.SetToken(out.Token); err != nil {
			return "", err
		}
	}
	return out.Token, nil
}

// Health is the server's liveness report.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	StreamClients int    `json:"stream_clients"`
}

// Health checks the server's liveness endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, call{op: "health", method: http.MethodGet, path: "/api/health"}, nil, &h)
	return h, err
}
