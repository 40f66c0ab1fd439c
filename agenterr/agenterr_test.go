package agenterr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/lexagent/agent"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad request", New(http.StatusBadRequest, "bad"), false},
		{"unauthorized", New(http.StatusUnauthorized, "auth"), false},
		{"rate limited", New(http.StatusTooManyRequests, "slow down"), false},
		{"edge 499", New(499, "client closed"), false},
		{"internal", New(http.StatusInternalServerError, "boom"), true},
		{"bad gateway", New(http.StatusBadGateway, "upstream"), true},
		{"timeout", &TimeoutError{Err: context.DeadlineExceeded}, true},
		{"transport", Transport(io.ErrUnexpectedEOF), true},
		{"plain error", errors.New("dial tcp: refused"), true},
		{"canceled", fmt.Errorf("wrapped: %w", context.Canceled), false},
		{"wrapped 503", fmt.Errorf("submit: %w", New(http.StatusServiceUnavailable, "")), true},
		{"unconfirmed 502", &Error{StatusCode: http.StatusBadGateway, Message: "no task id", Err: ErrUnconfirmed}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, IsRetryable(c.err))
		})
	}
}

func TestFromResponse(t *testing.T) {
	err := FromResponse(http.StatusConflict, []byte(`{"error":"agent generation is stopped"}`), agent.TypeGeneration, "")
	assert.Equal(t, http.StatusConflict, err.StatusCode)
	assert.Equal(t, "agent generation is stopped", err.Message)
	assert.Contains(t, err.Error(), "status 409")

	plain := FromResponse(http.StatusBadGateway, []byte("upstream down\n"), "", "t1")
	assert.Equal(t, "upstream down", plain.Message)
	assert.Contains(t, plain.Error(), "task t1")

	empty := FromResponse(http.StatusServiceUnavailable, nil, "", "")
	assert.Equal(t, "Service Unavailable", empty.Message)
}

func TestStatusCode(t *testing.T) {
	status, ok := StatusCode(&TimeoutError{})
	require.True(t, ok)
	assert.Equal(t, http.StatusRequestTimeout, status)

	_, ok = StatusCode(Transport(io.EOF))
	assert.False(t, ok)

	status, ok = StatusCode(fmt.Errorf("x: %w", New(http.StatusForbidden, "")))
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestRecommendedAction(t *testing.T) {
	assert.Contains(t, RecommendedAction(New(http.StatusUnauthorized, "")), "log in again")
	assert.Contains(t, RecommendedAction(New(http.StatusForbidden, "")), "permission")
	assert.Contains(t, RecommendedAction(New(http.StatusTooManyRequests, "")), "wait")
	assert.Contains(t, RecommendedAction(New(http.StatusInternalServerError, "")), "logged")
	assert.Contains(t, RecommendedAction(&TimeoutError{}), "timed out")
	assert.Contains(t, RecommendedAction(errors.New("dial")), "connection")
}

func TestErrorUnwrap(t *testing.T) {
	err := Transport(io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	te := &TimeoutError{AgentType: agent.TypeAnalysis, Err: context.DeadlineExceeded}
	assert.ErrorIs(t, te, context.DeadlineExceeded)
	assert.Contains(t, te.Error(), "analysis")
}
