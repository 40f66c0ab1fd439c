package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/comms"
	"github.com/GoCodeAlone/lexagent/internal/metrics"
	"github.com/GoCodeAlone/lexagent/task"
)

const (
	canceledMessage     = "canceled"
	agentStoppedMessage = "agent stopped"
)

// Submit validates a request and queues a new task on the agent.
func (m *Manager) Submit(ctx context.Context, t agent.Type, action agent.Action, payload task.Payload) (*task.Task, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, t)
	}
	if !t.Supports(action) {
		return nil, fmt.Errorf("%w: %s agents cannot %s", ErrUnsupportedAction, t, action)
	}
	if payload == nil || payload.Kind() != t {
		return nil, fmt.Errorf("%w: expected a %s payload", ErrInvalidPayload, t)
	}
	if err := task.ValidatePayload(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return m.enqueue(ctx, &task.Task{
		AgentType: t,
		Action:    action,
		Status:    task.StatusPending,
		Payload:   payload,
	})
}

// RetryTask resubmits a finished task's input as a new task.
func (m *Manager) RetryTask(ctx context.Context, id string) (*task.Task, error) {
	orig, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !orig.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskActive, id, orig.Status)
	}
	return m.enqueue(ctx, &task.Task{
		AgentType: orig.AgentType,
		Action:    orig.Action,
		Status:    task.StatusPending,
		Payload:   orig.Payload,
		RetryOf:   orig.ID,
	})
}

// CancelTask fails a task that has not finished yet.
func (m *Manager) CancelTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.transition(ctx, id, func(t *task.Task) error {
		if t.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrTaskFinished, id, t.Status)
		}
		if err := t.Advance(task.StatusFailed, t.Progress); err != nil {
			return err
		}
		t.Error = canceledMessage
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if cancel, ok := m.running[id]; ok {
		cancel()
	}
	m.mu.Unlock()

	metrics.SimTasks.WithLabelValues(string(t.AgentType), string(t.Status)).Inc()
	m.logger.Info("task canceled", zap.String("task_id", id))
	return t, nil
}

// GetTask returns a task by ID.
func (m *Manager) GetTask(id string) (*task.Task, error) {
	return m.store.Get(id)
}

// ListTasks returns tasks matching filter.
func (m *Manager) ListTasks(filter task.Filter) ([]*task.Task, error) {
	return m.store.List(filter)
}

func (m *Manager) enqueue(ctx context.Context, t *task.Task) (*task.Task, error) {
	m.mu.RLock()
	a := m.agents[t.AgentType]
	running := a.info.Status == agent.StatusRunning
	queue := a.queue
	m.mu.RUnlock()

	if !running {
		return nil, fmt.Errorf("%w: %s", ErrAgentStopped, t.AgentType)
	}
	if len(queue) >= cap(queue) {
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, t.AgentType)
	}

	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	m.taskMu.Lock()
	id, err := m.store.Create(t)
	if err != nil {
		m.taskMu.Unlock()
		return nil, fmt.Errorf("create task: %w", err)
	}
	t.ID = id
	snapshot := *t
	m.publish(ctx, comms.TypeTaskUpdate, id, &snapshot)
	m.taskMu.Unlock()

	// The push happens under the read lock so stop, which flips the status
	// under the write lock before draining, never misses a queued id.
	var reject error
	m.mu.RLock()
	if a.info.Status != agent.StatusRunning {
		reject = ErrAgentStopped
	} else {
		select {
		case queue <- id:
		default:
			reject = ErrQueueFull
		}
	}
	m.mu.RUnlock()
	if reject != nil {
		msg := reject.Error()
		if errors.Is(reject, ErrAgentStopped) {
			msg = agentStoppedMessage
		}
		_, _ = m.transition(ctx, id, func(t *task.Task) error {
			t.Error = msg
			return t.Advance(task.StatusFailed, 0)
		})
		return nil, fmt.Errorf("%w: %s", reject, t.AgentType)
	}

	m.logger.Info("task queued",
		zap.String("task_id", id),
		zap.String("agent", string(t.AgentType)),
		zap.String("action", string(t.Action)))
	return &snapshot, nil
}

// transition applies fn to the stored task, saves it and publishes the new
// state. Nothing is saved when fn fails.
func (m *Manager) transition(ctx context.Context, id string, fn func(t *task.Task) error) (*task.Task, error) {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()

	t, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.UpdatedAt = time.Now().UTC()
	if err := m.store.Update(t); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	snapshot := *t
	m.publish(ctx, comms.TypeTaskUpdate, id, &snapshot)
	return &snapshot, nil
}

// work runs one agent's queue until ctx is cancelled.
func (m *Manager) work(ctx context.Context, t agent.Type, queue <-chan string, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-queue:
			m.execute(ctx, t, id)
		}
	}
}

func (m *Manager) execute(agentCtx context.Context, typ agent.Type, id string) {
	logger := m.logger.With(zap.String("task_id", id), zap.String("agent", string(typ)))

	ctx, cancel := context.WithCancel(agentCtx)
	defer cancel()

	t, err := m.transition(ctx, id, func(t *task.Task) error {
		return t.Advance(task.StatusProcessing, 0)
	})
	if err != nil {
		// Canceled while queued.
		logger.Debug("skipping task", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.running[id] = cancel
	m.agents[typ].info.TasksInFlight++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, id)
		m.agents[typ].info.TasksInFlight--
		m.agents[typ].info.TasksDone++
		m.mu.Unlock()
	}()

	for step := 1; step <= m.cfg.Steps; step++ {
		if err := sleep(ctx, m.cfg.StepInterval); err != nil {
			m.abort(agentCtx, id, logger)
			return
		}
		progress := step * 100 / (m.cfg.Steps + 1)
		if _, err := m.transition(ctx, id, func(t *task.Task) error {
			return t.Advance(task.StatusProcessing, progress)
		}); err != nil {
			logger.Debug("task left processing", zap.Error(err))
			return
		}
	}

	result, rerr := m.cfg.Responder.Respond(ctx, t)
	if ctx.Err() != nil {
		m.abort(agentCtx, id, logger)
		return
	}

	final, err := m.transition(ctx, id, func(t *task.Task) error {
		if rerr != nil {
			t.Error = rerr.Error()
			return t.Advance(task.StatusFailed, t.Progress)
		}
		t.Result = result
		return t.Advance(task.StatusCompleted, 100)
	})
	if err != nil {
		logger.Debug("task finished elsewhere", zap.Error(err))
		return
	}

	metrics.SimTasks.WithLabelValues(string(typ), string(final.Status)).Inc()
	if rerr != nil {
		m.mu.Lock()
		m.agents[typ].info.LastError = rerr.Error()
		m.mu.Unlock()
		logger.Warn("task failed", zap.Error(rerr))
		return
	}
	logger.Info("task completed")
}

// abort fails a task whose agent stopped mid-run. Tasks canceled through
// CancelTask are already terminal and are left alone.
func (m *Manager) abort(agentCtx context.Context, id string, logger *zap.Logger) {
	if agentCtx.Err() == nil {
		return
	}
	m.failStopped(id, logger)
}

// drain fails every task still waiting in a stopped agent's queue.
func (m *Manager) drain(typ agent.Type, queue chan string) {
	for {
		select {
		case id := <-queue:
			m.failStopped(id, m.logger.With(zap.String("task_id", id), zap.String("agent", string(typ))))
		default:
			return
		}
	}
}

func (m *Manager) failStopped(id string, logger *zap.Logger) {
	t, err := m.transition(context.Background(), id, func(t *task.Task) error {
		if t.Status.IsTerminal() {
			return task.ErrInvalidTransition
		}
		t.Error = agentStoppedMessage
		return t.Advance(task.StatusFailed, t.Progress)
	})
	if err != nil {
		if !errors.Is(err, task.ErrInvalidTransition) {
			logger.Warn("fail task on agent stop", zap.Error(err))
		}
		return
	}
	metrics.SimTasks.WithLabelValues(string(t.AgentType), string(t.Status)).Inc()
	logger.Info("task aborted by agent stop")
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
