// Package client is the agent task client: it submits work to agents,
// tracks tasks to a terminal status by polling or through the realtime
// channel, and drives agent lifecycle controls.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/agenterr"
	"github.com/GoCodeAlone/lexagent/internal/metrics"
)

// Transport selects how task operations reach the backend.
type Transport string

const (
	TransportREST    Transport = "rest"
	TransportGraphQL Transport = "graphql"
)

// Credentials holds the bearer token. *session.Session implements it.
type Credentials interface {
	Token() string
	SetToken(token string) error
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	GraphQLPath string    // default /api/graphql
	Transport   Transport // default rest

	Timeout       time.Duration // per request, default 30s
	PollInterval  time.Duration // default 2s
	MaxPollErrors int           // consecutive transient poll failures tolerated, default 5

	Session    Credentials
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// Client talks to the lexagent server.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.GraphQLPath == "" {
		cfg.GraphQLPath = "/api/graphql"
	}
	switch cfg.Transport {
	case "":
		cfg.Transport = TransportREST
	case TransportREST, TransportGraphQL:
	default:
		return nil, fmt.Errorf("client: unknown transport %q", cfg.Transport)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPollErrors <= 0 {
		cfg.MaxPollErrors = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, http: hc, logger: cfg.Logger.Named("client")}, nil
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// StreamURL returns the realtime event stream endpoint.
func (c *Client) StreamURL() string { return c.cfg.BaseURL + "/api/agents/stream" }

func (c *Client) token() string {
	if c.cfg.Session == nil {
		return ""
	}
	return c.cfg.Session.Token()
}

// call identifies a request for errors, logs and metrics.
type call struct {
	op        string
	method    string
	path      string
	agentType agent.Type
	taskID    string
}

// do sends in as JSON and decodes the response into out (when non-nil).
// Non-2xx responses become *agenterr.Error; an expired per-request timeout
// becomes *agenterr.TimeoutError.
func (c *Client) do(ctx context.Context, cl call, in, out any) error {
	start := time.Now()
	err := c.roundTrip(ctx, cl, in, out)

	outcome := "ok"
	var te *agenterr.TimeoutError
	switch {
	case errors.As(err, &te):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	metrics.ClientRequests.WithLabelValues(cl.op, outcome).Inc()

	fields := []zap.Field{
		zap.String("op", cl.op),
		zap.String("path", cl.path),
		zap.Duration("elapsed", time.Since(start)),
	}
	if cl.taskID != "" {
		fields = append(fields, zap.String("task_id", cl.taskID))
	}
	if err != nil {
		c.logger.Debug("request failed", append(fields, zap.Error(err))...)
	} else {
		c.logger.Debug("request", fields...)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, cl call, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", cl.op, err)
		}
		body = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, cl.method, c.cfg.BaseURL+cl.path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", cl.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, reqCtx, cl, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportError(ctx, reqCtx, cl, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return agenterr.FromResponse(resp.StatusCode, data, cl.agentType, cl.taskID)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &agenterr.Error{
			StatusCode: resp.StatusCode,
			AgentType:  cl.agentType,
			TaskID:     cl.taskID,
			Message:    "malformed response",
			Err:        err,
		}
	}
	return nil
}

func (c *Client) transportError(parent, reqCtx context.Context, cl call, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%s: %w", cl.op, parent.Err())
	}
	var ne net.Error
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &agenterr.TimeoutError{AgentType: cl.agentType, TaskID: cl.taskID, Err: err}
	}
	return &agenterr.Error{AgentType: cl.agentType, TaskID: cl.taskID, Err: err}
}
