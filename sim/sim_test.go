package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/comms"
	"github.com/GoCodeAlone/lexagent/graphql"
	"github.com/GoCodeAlone/lexagent/realtime"
	"github.com/GoCodeAlone/lexagent/task"
)

// recorder collects task updates published on the bus.
type recorder struct {
	mu      sync.Mutex
	updates map[string][]task.Task
}

func (r *recorder) handle(_ context.Context, msg *comms.Message) error {
	t := *msg.Payload.(*task.Task)
	r.mu.Lock()
	r.updates[t.ID] = append(r.updates[t.ID], t)
	r.mu.Unlock()
	return nil
}

func (r *recorder) of(id string) []task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]task.Task(nil), r.updates[id]...)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *recorder) {
	t.Helper()
	if cfg.StepInterval == 0 {
		cfg.StepInterval = time.Millisecond
	}
	if cfg.Steps == 0 {
		cfg.Steps = 3
	}
	bus := comms.NewInMemoryBus()
	rec := &recorder{updates: make(map[string][]task.Task)}
	bus.Subscribe(comms.TypeTaskUpdate, rec.handle)

	m := NewManager(cfg, task.NewMemStore(), bus, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return m.Health().Status == "ok" }, time.Second, time.Millisecond)
	return m, rec
}

func waitTerminal(t *testing.T, m *Manager, id string) *task.Task {
	t.Helper()
	var got *task.Task
	require.Eventually(t, func() bool {
		tk, err := m.GetTask(id)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status.IsTerminal()
	}, 2*time.Second, time.Millisecond)
	return got
}

func TestSubmit_RunsToCompletion(t *testing.T) {
	m, rec := newTestManager(t, Config{})
	ctx := context.Background()

	created, err := m.Submit(ctx, agent.TypeGeneration, agent.ActionGenerate, task.GenerationRequest{
		TemplateID: "nda",
		Title:      "Mutual NDA",
		Parameters: map[string]string{"party_a": "Acme", "party_b": "Globex"},
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)

	final := waitTerminal(t, m, created.ID)
	require.Equal(t, task.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	res, ok := final.Result.(task.GenerationResult)
	require.True(t, ok)
	assert.Contains(t, res.Content, "# Mutual NDA")
	assert.Contains(t, res.Content, "party_a: Acme")
	assert.Positive(t, res.WordCount)

	updates := rec.of(created.ID)
	require.NotEmpty(t, updates)
	assert.Equal(t, task.StatusPending, updates[0].Status)
	for i := 1; i < len(updates); i++ {
		prev, cur := updates[i-1], updates[i]
		if prev.Status == cur.Status {
			assert.GreaterOrEqual(t, cur.Progress, prev.Progress, "progress must not decrease")
		} else {
			assert.True(t, task.CanTransition(prev.Status, cur.Status), "%s -> %s", prev.Status, cur.Status)
		}
	}
	assert.Equal(t, task.StatusCompleted, updates[len(updates)-1].Status)
}

func TestSubmit_Rejections(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := m.Submit(ctx, "translation", agent.ActionGenerate, task.GenerationRequest{TemplateID: "x", Title: "y"})
	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))

	_, err = m.Submit(ctx, agent.TypeClassification, agent.ActionAnalyze, task.ClassificationRequest{Content: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedAction)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))

	_, err = m.Submit(ctx, agent.TypeAnalysis, agent.ActionAnalyze, task.AnalysisRequest{})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = m.Control(ctx, agent.TypeAnalysis, agent.OpStop)
	require.NoError(t, err)
	_, err = m.Submit(ctx, agent.TypeAnalysis, agent.ActionAnalyze, task.AnalysisRequest{Content: "text"})
	assert.ErrorIs(t, err, ErrAgentStopped)
	assert.Equal(t, http.StatusConflict, StatusCode(err))
	assert.Equal(t, "degraded", m.Health().Status)
}

func TestAnalysis_EmptyDocumentFails(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	created, err := m.Submit(context.Background(), agent.TypeAnalysis, agent.ActionAnalyze, task.AnalysisRequest{DocumentID: "doc-missing"})
	require.NoError(t, err)

	final := waitTerminal(t, m, created.ID)
	assert.Equal(t, task.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "document not found")
	assert.Nil(t, final.Result)

	info, _ := m.GetAgent(agent.TypeAnalysis)
	assert.Contains(t, info.LastError, "document not found")
}

func TestAnalysis_FindsClauses(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	created, err := m.Submit(context.Background(), agent.TypeAnalysis, agent.ActionAnalyze, task.AnalysisRequest{DocumentID: "doc-nda"})
	require.NoError(t, err)

	final := waitTerminal(t, m, created.ID)
	require.Equal(t, task.StatusCompleted, final.Status)
	res := final.Result.(task.AnalysisResult)
	var clauses []string
	for _, f := range res.Findings {
		clauses = append(clauses, f.Clause)
	}
	assert.Equal(t, []string{"Indemnification", "Termination", "Confidentiality"}, clauses)
	assert.InDelta(t, 0.6, res.Score, 0.001)
}

func TestClassification(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	created, err := m.Submit(context.Background(), agent.TypeClassification, agent.ActionClassify,
		task.ClassificationRequest{DocumentID: "doc-lease", Taxonomy: "legal"})
	require.NoError(t, err)

	final := waitTerminal(t, m, created.ID)
	res := final.Result.(task.ClassificationResult)
	assert.Equal(t, "legal/real_estate.lease", res.Category)
	assert.Equal(t, []string{"lease", "landlord", "tenant"}, res.Labels)
	assert.InDelta(t, 0.75, res.Confidence, 0.001)
}

func TestCancelTask(t *testing.T) {
	block := make(chan struct{})
	m, rec := newTestManager(t, Config{
		Responder: ResponderFunc(func(ctx context.Context, _ *task.Task) (task.Result, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return task.GenerationResult{Content: "late"}, nil
		}),
	})
	defer close(block)
	ctx := context.Background()

	created, err := m.Submit(ctx, agent.TypeGeneration, agent.ActionGenerate, task.GenerationRequest{TemplateID: "a", Title: "b"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tk, _ := m.GetTask(created.ID)
		return tk.Status == task.StatusProcessing
	}, time.Second, time.Millisecond)

	canceled, err := m.CancelTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, canceled.Status)
	assert.Equal(t, "canceled", canceled.Error)

	time.Sleep(20 * time.Millisecond)
	final, _ := m.GetTask(created.ID)
	assert.Equal(t, task.StatusFailed, final.Status, "executor must not overwrite a canceled task")
	assert.Nil(t, final.Result)
	updates := rec.of(created.ID)
	assert.Equal(t, task.StatusFailed, updates[len(updates)-1].Status)

	_, err = m.CancelTask(ctx, created.ID)
	assert.ErrorIs(t, err, ErrTaskFinished)
	_, err = m.CancelTask(ctx, "nope")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestRetryTask(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	first, err := m.Submit(ctx, agent.TypeAnalysis, agent.ActionAnalyze, task.AnalysisRequest{DocumentID: "doc-missing"})
	require.NoError(t, err)
	_, err = m.RetryTask(ctx, first.ID)
	if err != nil {
		assert.ErrorIs(t, err, ErrTaskActive)
	}
	waitTerminal(t, m, first.ID)

	second, err := m.RetryTask(ctx, first.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ID, second.RetryOf)
	assert.Equal(t, task.AnalysisRequest{DocumentID: "doc-missing"}, second.Payload)
	waitTerminal(t, m, second.ID)
}

func TestStopAbortsInFlightTask(t *testing.T) {
	m, _ := newTestManager(t, Config{StepInterval: time.Hour})
	ctx := context.Background()

	created, err := m.Submit(ctx, agent.TypeGeneration, agent.ActionGenerate, task.GenerationRequest{TemplateID: "a", Title: "b"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, _ := m.GetAgent(agent.TypeGeneration)
		return info.TasksInFlight == 1
	}, time.Second, time.Millisecond)

	info, err := m.Control(ctx, agent.TypeGeneration, agent.OpStop)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusStopped, info.Status)

	final, _ := m.GetTask(created.ID)
	assert.Equal(t, task.StatusFailed, final.Status)
	assert.Equal(t, "agent stopped", final.Error)

	info, err = m.Control(ctx, agent.TypeGeneration, agent.OpRestart)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusRunning, info.Status)
	assert.Equal(t, 0, info.TasksInFlight)
}

func TestStopFailsQueuedTasks(t *testing.T) {
	m, _ := newTestManager(t, Config{StepInterval: time.Hour})
	ctx := context.Background()
	req := task.GenerationRequest{TemplateID: "a", Title: "b"}

	first, err := m.Submit(ctx, agent.TypeGeneration, agent.ActionGenerate, req)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, _ := m.GetAgent(agent.TypeGeneration)
		return info.TasksInFlight == 1
	}, time.Second, time.Millisecond)

	queued, err := m.Submit(ctx, agent.TypeGeneration, agent.ActionGenerate, req)
	require.NoError(t, err)

	_, err = m.Control(ctx, agent.TypeGeneration, agent.OpStop)
	require.NoError(t, err)

	for _, id := range []string{first.ID, queued.ID} {
		got, err := m.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status, id)
		assert.Equal(t, "agent stopped", got.Error, id)
	}

	// A restarted agent starts with an empty queue.
	_, err = m.Control(ctx, agent.TypeGeneration, agent.OpStart)
	require.NoError(t, err)
	info, _ := m.GetAgent(agent.TypeGeneration)
	assert.Equal(t, 0, info.TasksInFlight)
	got, _ := m.GetTask(queued.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
}

func TestQueueFull(t *testing.T) {
	m, _ := newTestManager(t, Config{StepInterval: time.Hour, QueueSize: 1})
	ctx := context.Background()
	req := task.GenerationRequest{TemplateID: "a", Title: "b"}

	var err error
	for i := 0; i < 4 && err == nil; i++ {
		_, err = m.Submit(ctx, agent.TypeGeneration, agent.ActionGenerate, req)
	}
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
}

func TestHealthMessages(t *testing.T) {
	bus := comms.NewInMemoryBus()
	got := make(chan realtime.SystemHealth, 4)
	bus.Subscribe(comms.TypeSystemHealth, func(_ context.Context, msg *comms.Message) error {
		select {
		case got <- msg.Payload.(realtime.SystemHealth):
		default:
		}
		return nil
	})
	m := NewManager(Config{HealthInterval: 5 * time.Millisecond}, task.NewMemStore(), bus, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case h := <-got:
		assert.Len(t, h.Agents, 3)
	case <-time.After(time.Second):
		t.Fatal("no system_health message")
	}
	cancel()
	require.NoError(t, <-done)
	for _, a := range m.ListAgents() {
		assert.Equal(t, agent.StatusStopped, a.Status)
	}
}

func postGraphQL(t *testing.T, h http.Handler, op graphql.Operation, vars any) graphql.Response {
	t.Helper()
	req, err := graphql.NewRequest(op, vars)
	require.NoError(t, err)
	body, _ := json.Marshal(req)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)
	var resp graphql.Response
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func TestGraphQLHandler(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	h := m.GraphQLHandler()

	resp := postGraphQL(t, h, graphql.SubmitAgentTask, graphql.SubmitVars{
		AgentType: "classification",
		Action:    "classify",
		Payload:   json.RawMessage(`{"content":"This Employment Agreement sets the salary."}`),
	})
	require.Empty(t, resp.Errors)
	var submitted struct {
		SubmitAgentTask graphql.TaskRef `json:"submitAgentTask"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &submitted))
	id := submitted.SubmitAgentTask.TaskID
	require.NotEmpty(t, id)

	waitTerminal(t, m, id)
	resp = postGraphQL(t, h, graphql.GetTask, graphql.TaskVars{ID: id})
	var got struct {
		Task task.Task `json:"task"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, "employment", got.Task.Result.(task.ClassificationResult).Category)

	resp = postGraphQL(t, h, graphql.CancelTask, graphql.TaskVars{ID: id})
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, http.StatusConflict, resp.Errors[0].Status())
	assert.Equal(t, "CONFLICT", resp.Errors[0].Extensions.Code)

	resp = postGraphQL(t, h, graphql.GetTask, graphql.TaskVars{ID: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.Errors[0].Status())

	resp = postGraphQL(t, h, graphql.Operation{Name: "DropTables"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Errors[0].Status())
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusCode(nil))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("disk on fire")))
	assert.Equal(t, http.StatusConflict, StatusCode(ErrTaskActive))
}
