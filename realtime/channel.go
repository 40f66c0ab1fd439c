package realtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/GoCodeAlone/lexagent/agenterr"
	"github.com/GoCodeAlone/lexagent/internal/metrics"
)

// State is the connection state of a Channel.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateDegraded     State = "degraded"
	StateClosed       State = "closed"
)

// ErrDegraded is returned by Run once the channel gives up reconnecting.
var ErrDegraded = errors.New("realtime channel degraded")

var errStreamEnded = errors.New("stream ended")

// TokenSource supplies the bearer token appended to the stream URL.
type TokenSource interface {
	Token() string
}

// Config configures a Channel.
type Config struct {
	// URL is the stream endpoint, e.g. http://localhost:9090/api/agents/stream.
	URL string
	// Session provides the auth token. May be nil.
	Session    TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger

	InitialInterval     time.Duration // default 1s
	MaxInterval         time.Duration // default 30s
	RandomizationFactor float64       // default 0.5
	MaxRetries          int           // default 10
	// StableAfter is how long a connection must stay open before the retry
	// budget resets when it carried no events. Default 30s.
	StableAfter time.Duration

	OnStateChange func(State)
}

func (c *Config) defaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 30 * time.Second
	}
}

// Channel holds a single event-stream connection and fans decoded events
// out to subscribers. Callers own its lifetime through the context passed
// to Run.
type Channel struct {
	cfg      Config
	registry *Registry
	logger   *zap.Logger

	mu    sync.RWMutex
	state State
}

// NewChannel creates a Channel. Nothing connects until Run is called.
func NewChannel(cfg Config) *Channel {
	cfg.defaults()
	return &Channel{
		cfg:      cfg,
		registry: NewRegistry(),
		logger:   cfg.Logger.Named("realtime"),
		state:    StateClosed,
	}
}

// Subscribe registers cb for events of type typ. A panicking callback is
// logged and does not affect other subscribers.
func (c *Channel) Subscribe(typ EventType, cb Callback) (unsubscribe func()) {
	return c.registry.Subscribe(typ, func(ev Event) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("event callback panicked",
					zap.String("type", string(typ)),
					zap.Any("panic", r))
			}
		}()
		cb(ev)
	})
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.logger.Debug("state changed", zap.String("state", string(s)))
		if c.cfg.OnStateChange != nil {
			c.cfg.OnStateChange(s)
		}
	}
}

func (c *Channel) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialInterval
	exp.MaxInterval = c.cfg.MaxInterval
	exp.RandomizationFactor = c.cfg.RandomizationFactor
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.MaxRetries)), ctx)
}

// Run connects and reads events until ctx is cancelled, reconnecting with
// jittered exponential backoff after each failure. The retry budget resets
// once a connection has delivered an event or stayed open for StableAfter,
// so a server that accepts and immediately drops still runs it out. Run returns nil when ctx ends and an error
// wrapping ErrDegraded when the budget is spent or the server rejects the
// connection with a non-retryable status.
func (c *Channel) Run(ctx context.Context) error {
	b := c.newBackOff(ctx)
	c.setState(StateConnecting)

	for {
		stable, err := c.connect(ctx)
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return nil
		}
		if stable {
			b.Reset()
		}
		if !agenterr.IsRetryable(err) {
			c.setState(StateDegraded)
			c.logger.Error("stream rejected", zap.Error(err))
			return fmt.Errorf("%w: %w", ErrDegraded, err)
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			if ctx.Err() != nil {
				c.setState(StateClosed)
				return nil
			}
			c.setState(StateDegraded)
			c.logger.Error("giving up on stream",
				zap.Int("max_retries", c.cfg.MaxRetries),
				zap.Error(err))
			return fmt.Errorf("%w: %w", ErrDegraded, err)
		}

		c.setState(StateReconnecting)
		metrics.StreamReconnects.Inc()
		c.logger.Warn("stream disconnected, reconnecting",
			zap.Duration("delay", delay),
			zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setState(StateClosed)
			return nil
		case <-t.C:
		}
	}
}

// connect opens one stream and reads it until it ends. stable reports
// whether the connection delivered an event or outlived StableAfter.
func (c *Channel) connect(ctx context.Context) (stable bool, err error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return false, fmt.Errorf("parse stream url: %w", err)
	}
	if c.cfg.Session != nil {
		if tok := c.cfg.Session.Token(); tok != "" {
			q := u.Query()
			q.Set("token", tok)
			u.RawQuery = q.Encode()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, agenterr.Transport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, agenterr.FromResponse(resp.StatusCode, body, "", "")
	}

	c.setState(StateOpen)
	c.logger.Info("stream connected", zap.String("url", c.cfg.URL))
	openedAt := time.Now()
	delivered, err := c.read(resp.Body)
	return delivered > 0 || time.Since(openedAt) >= c.cfg.StableAfter, err
}

// read parses text/event-stream frames from body until it ends and returns
// the number of events delivered, not counting the connected greeting.
func (c *Channel) read(body io.Reader) (delivered int, err error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		name string
		data bytes.Buffer
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if typ, ok := c.dispatch(name, data.Bytes()); ok && typ != EventConnected {
				delivered++
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment / heartbeat
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return delivered, agenterr.Transport(err)
	}
	return delivered, agenterr.Transport(errStreamEnded)
}

func (c *Channel) dispatch(name string, data []byte) (EventType, bool) {
	if len(data) == 0 {
		return "", false
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		metrics.StreamMalformed.Inc()
		c.logger.Warn("dropping malformed event",
			zap.String("event", name),
			zap.ByteString("data", truncate(data, 256)),
			zap.Error(err))
		return "", false
	}
	if ev.Type == "" {
		ev.Type = EventType(name)
	}
	if ev.Type == "" {
		metrics.StreamMalformed.Inc()
		c.logger.Warn("dropping event without type", zap.ByteString("data", truncate(data, 256)))
		return "", false
	}
	c.registry.Dispatch(ev)
	return ev.Type, true
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
