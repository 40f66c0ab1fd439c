package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/GoCodeAlone/lexagent/agent"
	"github.com/GoCodeAlone/lexagent/comms"
	"github.com/GoCodeAlone/lexagent/sim"
	"github.com/GoCodeAlone/lexagent/task"
)

const maxBodyBytes = 1 << 20

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Agents AgentManager
	Bus    comms.Bus
	Logger *zap.Logger

	validate *validator.Validate
}

// RegisterRoutes registers all API routes on the given router.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	if h.validate == nil {
		h.validate = validator.New(validator.WithRequiredStructEnabled())
	}
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}

	r.Get("/api/agents/status", h.agentStatus)
	r.Post("/api/agents/{agentType}", h.submit)
	r.Post("/api/agents/{agentType}/{op}", h.controlAgent)

	r.Get("/api/tasks", h.listTasks)
	r.Get("/api/tasks/{id}", h.getTask)
	r.Post("/api/tasks/{id}/cancel", h.cancelTask)
	r.Post("/api/tasks/{id}/retry", h.retryTask)

	r.Get("/api/messages", h.listMessages)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a backend error to its HTTP status.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := sim.StatusCode(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, err.Error())
}

// --- Agent handlers ---

func (h *Handlers) agentStatus(w http.ResponseWriter, _ *http.Request) {
	agents := h.Agents.ListAgents()
	if agents == nil {
		agents = []agent.Info{}
	}
	writeJSON(w, http.StatusOK, AgentsResponse{Agents: agents})
}

func (h *Handlers) submit(w http.ResponseWriter, r *http.Request) {
	t, err := agent.ParseType(chi.URLParam(r, "agentType"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req task.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	payload, err := task.DecodePayload(t, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	created, err := h.Agents.Submit(r.Context(), t, req.Action, payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task.SubmitResponse{TaskID: created.ID})
}

func (h *Handlers) controlAgent(w http.ResponseWriter, r *http.Request) {
	t, err := agent.ParseType(chi.URLParam(r, "agentType"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	op, err := agent.ParseControlOp(chi.URLParam(r, "op"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	info, err := h.Agents.Control(r.Context(), t, op)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{}

	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		filter.Status = &st
	}
	if a := q.Get("agent_type"); a != "" {
		t, err := agent.ParseType(a)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.AgentType = t
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := h.Agents.ListTasks(filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Agents.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Agents.CancelTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) retryTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Agents.RetryTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task.SubmitResponse{TaskID: t.ID})
}

// --- Message handlers ---

func (h *Handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	if h.Bus == nil {
		writeJSON(w, http.StatusOK, []*comms.Message{})
		return
	}
	typ := comms.MessageType(r.URL.Query().Get("type"))
	if typ == "" {
		typ = comms.TypeAll
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	msgs, err := h.Bus.History(typ, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*comms.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
