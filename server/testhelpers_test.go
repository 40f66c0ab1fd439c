package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/lexagent/comms"
	"github.com/GoCodeAlone/lexagent/config"
	"github.com/GoCodeAlone/lexagent/sim"
	"github.com/GoCodeAlone/lexagent/task"
)

const (
	testUser     = "admin"
	testPassword = "secret"
	testSecret   = "test-secret-key-1234567890"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Server.Addr = ":0"
	cfg.Auth.AdminUser = testUser
	cfg.Auth.AdminPassHash = string(hash)
	cfg.Auth.JWTSecret = testSecret
	cfg.Stream.Heartbeat = config.Duration(time.Hour)
	cfg.Upstream.GraphQLURL = ""
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(testConfig(t), "test", zap.NewNop())
}

// newSimServer wires a running simulator into a server the way the daemon does.
func newSimServer(t *testing.T, cfg *config.Config) (*Server, *sim.Manager) {
	t.Helper()
	bus := comms.NewInMemoryBus()
	mgr := sim.NewManager(sim.Config{StepInterval: time.Millisecond, Steps: 2}, task.NewMemStore(), bus, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	s := New(cfg, "test", zap.NewNop())
	s.SetAgentManager(mgr)
	s.SetBus(bus)
	s.SetGraphQLBackend(mgr.GraphQLHandler())
	return s, mgr
}

func serve(h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func login(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := serve(h, http.MethodPost, "/api/auth/login", "", loginRequest{Username: testUser, Password: testPassword})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}
