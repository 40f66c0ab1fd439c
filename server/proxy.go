package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/GoCodeAlone/lexagent/internal/metrics"
)

const maxProxyBody = 4 << 20

// graphQLProxy forwards GraphQL requests to the upstream backend with a
// bearer token attached. Upstream status and body are passed through as is.
type graphQLProxy struct {
	upstream string
	token    string // used when the caller sends none
	timeout  time.Duration
	client   *http.Client
	logger   *zap.Logger
}

func (p *graphQLProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := p.forward(w, r)
	metrics.ProxyRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	metrics.ProxyDuration.Observe(time.Since(start).Seconds())
}

// forward proxies one request and returns the status written to the caller.
func (p *graphQLProxy) forward(w http.ResponseWriter, r *http.Request) int {
	if p.upstream == "" {
		writeJSONError(w, http.StatusServiceUnavailable, "graphql upstream is not configured")
		return http.StatusServiceUnavailable
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return http.StatusRequestEntityTooLarge
		}
		p.logger.Debug("read proxy request body", zap.Error(err))
		writeJSONError(w, http.StatusBadRequest, "could not read request body")
		return http.StatusBadRequest
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.upstream, bytes.NewReader(body))
	if err != nil {
		p.logger.Error("build upstream request", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "could not build upstream request")
		return http.StatusInternalServerError
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if tok, ok := bearerToken(r); ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	} else if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			p.logger.Warn("graphql upstream timed out", zap.Duration("timeout", p.timeout))
			writeJSONError(w, http.StatusGatewayTimeout, "graphql upstream timed out")
			return http.StatusGatewayTimeout
		}
		p.logger.Warn("graphql upstream unreachable", zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "graphql upstream unreachable")
		return http.StatusBadGateway
	}
	defer resp.Body.Close() //nolint:errcheck

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("copy upstream body", zap.Error(err))
	}
	return resp.StatusCode
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
