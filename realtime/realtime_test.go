package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/agenterr"
	"github.com/GoCodeAlone/lexagent/session"
	"github.com/GoCodeAlone/lexagent/task"
)

func TestRegistry_DispatchOrderAndUnsubscribe(t *testing.T) {
	r := NewRegistry()
	var calls []string
	unsubA := r.Subscribe(EventTaskUpdate, func(Event) { calls = append(calls, "a") })
	r.Subscribe(EventTaskUpdate, func(Event) { calls = append(calls, "b") })

	n := r.Dispatch(Event{Type: EventTaskUpdate})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, calls)

	calls = nil
	unsubA()
	unsubA()
	r.Dispatch(Event{Type: EventTaskUpdate})
	assert.Equal(t, []string{"b"}, calls)
	assert.Equal(t, 1, r.Count(EventTaskUpdate))
}

func TestRegistry_EmptyTypeIsRemoved(t *testing.T) {
	r := NewRegistry()
	unsub := r.Subscribe(EventAgentStatus, func(Event) {})
	assert.Equal(t, []EventType{EventAgentStatus}, r.Types())
	unsub()
	assert.Empty(t, r.Types())
	assert.Equal(t, 0, r.Dispatch(Event{Type: EventAgentStatus}))
}

func TestRegistry_SameCallbackTwice(t *testing.T) {
	r := NewRegistry()
	count := 0
	cb := func(Event) { count++ }
	unsub1 := r.Subscribe(EventSystemHealth, cb)
	r.Subscribe(EventSystemHealth, cb)

	unsub1()
	r.Dispatch(Event{Type: EventSystemHealth})
	assert.Equal(t, 1, count)
}

func TestWriteFrame_RoundTripsThroughChannelParser(t *testing.T) {
	ev, err := NewEvent(EventTaskUpdate, &task.Task{
		ID:        "t1",
		AgentType: agent.TypeAnalysis,
		Status:    task.StatusCompleted,
		Progress:  100,
		Result:    task.AnalysisResult{Summary: "ok", Score: 0.9},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteHeartbeat(&buf))
	require.NoError(t, WriteFrame(&buf, ev))

	c := NewChannel(Config{Logger: zaptest.NewLogger(t)})
	var got *task.Task
	c.Subscribe(EventTaskUpdate, func(e Event) {
		got, err = e.Task()
	})
	_, _ = c.read(&buf)

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, task.AnalysisResult{Summary: "ok", Score: 0.9}, got.Result)
}

// streamServer serves each connection with the next handler in turn; once
// they are used up it answers 503.
func streamServer(t *testing.T, handlers ...func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(conns.Add(1)) - 1
		if n >= len(handlers) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		handlers[n](w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func fastConfig(t *testing.T, url string) Config {
	return Config{
		URL:             url,
		Logger:          zaptest.NewLogger(t),
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxRetries:      3,
	}
}

func TestChannel_SkipsMalformedFrames(t *testing.T) {
	srv, _ := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, "event: agent_status\ndata: {\"type\":\"agent_status\",\"payload\":{\"type\":\"analysis\",\"status\":\"running\"}}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := NewChannel(fastConfig(t, srv.URL))

	got := make(chan agent.Info, 1)
	c.Subscribe(EventAgentStatus, func(e Event) {
		info, err := e.Agent()
		if err == nil {
			got <- info
		}
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case info := <-got:
		assert.Equal(t, agent.TypeAnalysis, info.Type)
		assert.Equal(t, agent.StatusRunning, info.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("valid event after malformed frame was not delivered")
	}
	assert.Equal(t, StateOpen, c.State())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, c.State())
}

func TestChannel_SendsSessionToken(t *testing.T) {
	tokens := make(chan string, 1)
	srv, _ := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		<-r.Context().Done()
	})

	cfg := fastConfig(t, srv.URL+"/api/agents/stream")
	cfg.Session = session.WithToken("jwt-abc")
	c := NewChannel(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx) //nolint:errcheck

	select {
	case tok := <-tokens:
		assert.Equal(t, "jwt-abc", tok)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
	}
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	frame := func(id string) func(w http.ResponseWriter, r *http.Request) {
		return func(w http.ResponseWriter, r *http.Request) {
			ev, _ := NewEvent(EventTaskUpdate, map[string]any{"id": id, "agent_type": "generation", "status": "PROCESSING"})
			_ = WriteFrame(w, ev)
		}
	}
	srv, conns := streamServer(t, frame("t1"), frame("t2"), func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	var (
		mu     sync.Mutex
		ids    []string
		states []State
	)
	cfg := fastConfig(t, srv.URL)
	cfg.OnStateChange = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	c := NewChannel(cfg)
	c.Subscribe(EventTaskUpdate, func(e Event) {
		tk, err := e.Task()
		if err != nil {
			return
		}
		mu.Lock()
		ids = append(ids, tk.ID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return conns.Load() == 3 && c.State() == StateOpen }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t1", "t2"}, ids)
	assert.Equal(t, StateConnecting, states[0])
	assert.Contains(t, states, StateReconnecting)
	assert.Equal(t, StateClosed, states[len(states)-1])
}

func TestChannel_DegradesAfterMaxRetries(t *testing.T) {
	srv, conns := streamServer(t)
	c := NewChannel(fastConfig(t, srv.URL))

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegraded))
	status, ok := agenterr.StatusCode(err)
	assert.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, int32(4), conns.Load(), "initial attempt plus three retries")
	assert.Equal(t, StateDegraded, c.State())
}

func TestChannel_AcceptThenDropStillDegrades(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		ev, _ := NewEvent(EventConnected, map[string]string{"status": "connected"})
		_ = WriteFrame(w, ev)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := NewChannel(fastConfig(t, srv.URL))
	err := c.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Equal(t, int32(4), conns.Load(), "initial attempt plus three retries")
	assert.Equal(t, StateDegraded, c.State())
}

func TestChannel_UnauthorizedDoesNotRetry(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewChannel(fastConfig(t, srv.URL))
	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Equal(t, int32(1), conns.Load())
	assert.Contains(t, agenterr.RecommendedAction(err), "log in again")
}

func TestChannel_CallbackPanicIsContained(t *testing.T) {
	c := NewChannel(Config{Logger: zaptest.NewLogger(t)})
	second := false
	c.Subscribe(EventSystemHealth, func(Event) { panic("boom") })
	c.Subscribe(EventSystemHealth, func(Event) { second = true })

	c.dispatch("", []byte(`{"type":"system_health","payload":{"status":"ok"}}`))
	assert.True(t, second)
}
