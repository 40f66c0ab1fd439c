// Package sim is a simulated agent backend. It runs one in-process agent
// per agent type, moves submitted tasks through their lifecycle with canned
// results, and publishes every change on a comms.Bus. It backs the REST and
// GraphQL surfaces in development and tests.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/comms"
	"github.com/GoCodeAlone/lexagent/realtime"
	"github.com/GoCodeAlone/lexagent/task"
)

// Config tunes the simulation.
type Config struct {
	// StepInterval is the simulated work time between progress reports.
	StepInterval time.Duration
	// Steps is the number of progress reports before a task finishes.
	Steps int
	// HealthInterval between system_health messages. Zero disables them.
	HealthInterval time.Duration
	// QueueSize bounds each agent's backlog.
	QueueSize int
	// Responder produces task results. Defaults to Canned over SampleDocuments.
	Responder Responder
}

func (c *Config) defaults() {
	if c.StepInterval <= 0 {
		c.StepInterval = 500 * time.Millisecond
	}
	if c.Steps <= 0 {
		c.Steps = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Responder == nil {
		c.Responder = Canned{Documents: SampleDocuments}
	}
}

// Manager owns the simulated agents and their tasks.
type Manager struct {
	cfg    Config
	store  task.Store
	bus    comms.Bus
	logger *zap.Logger

	ctlMu sync.Mutex // serialises lifecycle changes

	mu      sync.RWMutex
	base    context.Context
	agents  map[agent.Type]*simAgent
	running map[string]context.CancelFunc // task ID -> cancel

	taskMu sync.Mutex // serialises task read-modify-write and its publication

	started time.Time
}

type simAgent struct {
	info   agent.Info
	queue  chan string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager with every agent stopped. Run starts them.
func NewManager(cfg Config, store task.Store, bus comms.Bus, logger *zap.Logger) *Manager {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		logger:  logger.Named("sim"),
		base:    context.Background(),
		agents:  make(map[agent.Type]*simAgent, len(agent.Types)),
		running: make(map[string]context.CancelFunc),
		started: time.Now(),
	}
	for _, t := range agent.Types {
		m.agents[t] = &simAgent{
			info: agent.Info{
				Type:   t,
				Name:   string(t) + "-agent",
				Status: agent.StatusStopped,
			},
			queue: make(chan string, cfg.QueueSize),
		}
	}
	return m
}

// Bus returns the bus updates are published on.
func (m *Manager) Bus() comms.Bus { return m.bus }

// TaskStore returns the underlying task store.
func (m *Manager) TaskStore() task.Store { return m.store }

// Run starts every agent and the health reporter, and blocks until ctx is
// cancelled. Agents are stopped before it returns.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	for _, t := range agent.Types {
		if _, err := m.Control(ctx, t, agent.OpStart); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if m.cfg.HealthInterval > 0 {
		g.Go(func() error {
			m.reportHealth(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err := g.Wait()
	m.Close()
	return err
}

// Close stops every agent and waits for their workers to exit.
func (m *Manager) Close() {
	for _, t := range agent.Types {
		_, _ = m.Control(context.Background(), t, agent.OpStop)
	}
}

func (m *Manager) reportHealth(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publish(ctx, comms.TypeSystemHealth, "system", m.Health())
		}
	}
}

// ListAgents returns every agent in display order.
func (m *Manager) ListAgents() []agent.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]agent.Info, 0, len(m.agents))
	for _, t := range agent.Types {
		infos = append(infos, m.agents[t].info)
	}
	return infos
}

// GetAgent returns one agent's info.
func (m *Manager) GetAgent(t agent.Type) (agent.Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[t]
	if !ok {
		return agent.Info{}, fmt.Errorf("%w: %q", ErrUnknownAgent, t)
	}
	return a.info, nil
}

// Health summarises agent and task state.
func (m *Manager) Health() realtime.SystemHealth {
	agents := m.ListAgents()
	h := realtime.SystemHealth{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(m.started).Seconds()),
		Agents:        agents,
	}
	running := 0
	for _, a := range agents {
		h.TasksInFlight += a.TasksInFlight
		if a.Status == agent.StatusRunning {
			running++
		}
	}
	switch {
	case running == 0:
		h.Status = "down"
	case running < len(agents):
		h.Status = "degraded"
	}
	return h
}

// Control starts, stops or restarts an agent.
func (m *Manager) Control(ctx context.Context, t agent.Type, op agent.ControlOp) (agent.Info, error) {
	m.ctlMu.Lock()
	defer m.ctlMu.Unlock()

	if _, err := m.GetAgent(t); err != nil {
		return agent.Info{}, err
	}
	switch op {
	case agent.OpStart:
		m.start(t)
	case agent.OpStop:
		m.stop(t)
	case agent.OpRestart:
		m.stop(t)
		m.start(t)
	default:
		return agent.Info{}, fmt.Errorf("%w: unknown operation %q", ErrUnsupportedAction, op)
	}

	info, _ := m.GetAgent(t)
	m.publish(ctx, comms.TypeAgentStatus, string(t), info)
	return info, nil
}

func (m *Manager) start(t agent.Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.agents[t]
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.base)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.info.Status = agent.StatusRunning
	a.info.StartedAt = time.Now().UTC()
	a.info.LastError = ""

	go m.work(ctx, t, a.queue, a.done)
	m.logger.Info("agent started", zap.String("agent", string(t)))
}

func (m *Manager) stop(t agent.Type) {
	m.mu.Lock()
	a := m.agents[t]
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.info.Status = agent.StatusStopped
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.drain(t, a.queue)
	m.logger.Info("agent stopped", zap.String("agent", string(t)))
}

func (m *Manager) publish(ctx context.Context, typ comms.MessageType, subject string, payload any) {
	if m.bus == nil {
		return
	}
	msg := &comms.Message{Type: typ, Subject: subject, Payload: payload}
	if err := m.bus.Publish(ctx, msg); err != nil {
		m.logger.Warn("publish failed", zap.String("type", string(typ)), zap.Error(err))
	}
}
