// Package agenterr defines the typed errors surfaced by the agent task client
// and the rules that classify them as retryable or not.
package agenterr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/lexagent/agent"
)

// ErrUnconfirmed marks a request the server accepted but answered with an
// unusable body. It may already have taken effect, so it is never retried.
var ErrUnconfirmed = errors.New("request outcome unconfirmed")

// Error is a failure reported by, or while talking to, an agent endpoint.
// StatusCode is zero when no HTTP response was received.
type Error struct {
	StatusCode int
	AgentType  agent.Type
	TaskID     string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("agent")
	if e.AgentType != "" {
		b.WriteString(" " + string(e.AgentType))
	}
	if e.TaskID != "" {
		b.WriteString(" task " + e.TaskID)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// TimeoutError is returned when a request to an agent endpoint times out.
type TimeoutError struct {
	AgentType agent.Type
	TaskID    string
	Err       error
}

func (e *TimeoutError) Error() string {
	msg := "agent request timed out"
	if e.AgentType != "" {
		msg = "agent " + string(e.AgentType) + " request timed out"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// StatusCode is always 408 for timeouts.
func (e *TimeoutError) StatusCode() int { return http.StatusRequestTimeout }

// New returns an Error carrying an HTTP status.
func New(status int, message string) *Error {
	return &Error{StatusCode: status, Message: message}
}

// Transport wraps a failure that happened before any response was received.
func Transport(err error) *Error {
	return &Error{Err: err}
}

// errorBody is the JSON error envelope returned by the server.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// FromResponse builds an Error from a non-2xx response body.
func FromResponse(status int, body []byte, agentType agent.Type, taskID string) *Error {
	msg := strings.TrimSpace(string(body))
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		switch {
		case eb.Error != "":
			msg = eb.Error
		case eb.Message != "":
			msg = eb.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{StatusCode: status, AgentType: agentType, TaskID: taskID, Message: msg}
}

// StatusCode extracts the HTTP status carried by err, if any.
func StatusCode(err error) (int, bool) {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.StatusCode(), true
	}
	var ae *Error
	if errors.As(err, &ae) && ae.StatusCode != 0 {
		return ae.StatusCode, true
	}
	return 0, false
}

// IsRetryable reports whether an operation that failed with err may succeed
// if attempted again. Client errors (status below 500) and cancellation are
// final; server errors, timeouts and transport failures are transient.
// Cancellation and ErrUnconfirmed are always final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUnconfirmed) {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	if status, ok := StatusCode(err); ok {
		return status >= 500
	}
	return true
}

// RecommendedAction returns the human-readable next step for err.
func RecommendedAction(err error) string {
	var te *TimeoutError
	if errors.As(err, &te) {
		return "The request timed out. Please try again."
	}
	status, ok := StatusCode(err)
	if !ok {
		return "Could not reach the server. Check your connection and try again."
	}
	switch {
	case status == http.StatusUnauthorized:
		return "Your session has expired. Please log in again."
	case status == http.StatusForbidden:
		return "You do not have permission to perform this action."
	case status == http.StatusNotFound:
		return "The requested item was not found."
	case status == http.StatusConflict:
		return "The agent is not accepting work right now. Start it and try again."
	case status == http.StatusTooManyRequests:
		return "You are being rate limited. Please wait a moment and try again."
	case status >= 500:
		return "A server error occurred and has been logged. Please try again later."
	case status >= 400:
		return "The request was rejected. Check the input and try again."
	}
	return "An unexpected error occurred."
}
