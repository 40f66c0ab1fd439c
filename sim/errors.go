package sim

import (
	"errors"
	"net/http"

	"github.com/GoCodeAlone/lexagent/task"
)

var (
	ErrUnknownAgent      = errors.New("unknown agent type")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrAgentStopped      = errors.New("agent is not running")
	ErrTaskFinished      = errors.New("task already finished")
	ErrTaskActive        = errors.New("task is still active")
	ErrQueueFull         = errors.New("agent queue is full")
)

// StatusCode maps backend errors to HTTP status codes.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, task.ErrNotFound), errors.Is(err, ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, ErrUnsupportedAction), errors.Is(err, ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, ErrAgentStopped), errors.Is(err, ErrTaskFinished), errors.Is(err, ErrTaskActive):
		return http.StatusConflict
	case errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
