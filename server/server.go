// Package server implements the lexagent HTTP server: the REST API, the
// GraphQL proxy, auth, and the SSE event stream.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GoCodeAlone/lexagent/comms"
	"github.com/GoCodeAlone/lexagent/config"
	"github.com/GoCodeAlone/lexagent/server/api"
	"github.com/GoCodeAlone/lexagent/server/ws"
)

// Server is the lexagent HTTP server.
type Server struct {
	cfg     *config.Config
	httpSrv *http.Server
	logger  *zap.Logger

	agents  api.AgentManager
	bus     comms.Bus
	graphql http.Handler
	hub     *ws.Hub

	validate *validator.Validate

	routerOnce sync.Once
	router     http.Handler
	detach     func()

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret []byte

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg *config.Config, ver string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")
	return &Server{
		cfg:       cfg,
		logger:    logger,
		hub:       ws.NewHub(logger, cfg.Stream.Heartbeat.Std()),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		startTime: time.Now(),
		version:   ver,
	}
}

// SetAgentManager attaches an agent manager to the server.
func (s *Server) SetAgentManager(mgr api.AgentManager) {
	s.agents = mgr
}

// SetBus attaches a comms bus whose messages are streamed to SSE clients.
func (s *Server) SetBus(bus comms.Bus) {
	s.bus = bus
}

// SetGraphQLBackend mounts h at POST /graphql behind auth.
func (s *Server) SetGraphQLBackend(h http.Handler) {
	s.graphql = h
}

// Hub returns the SSE hub.
func (s *Server) Hub() *ws.Hub { return s.hub }

// Handler returns the server's router, building it on first use. Setters
// must be called before.
func (s *Server) Handler() http.Handler {
	s.routerOnce.Do(func() {
		s.router = s.routes()
		if s.bus != nil {
			s.detach = s.hub.Attach(s.bus)
		}
	})
	return s.router
}

// Start begins listening. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", zap.String("addr", s.cfg.Server.Addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.detach != nil {
		s.detach()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// routes sets up all HTTP routes.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	proxy := &graphQLProxy{
		upstream: s.cfg.Upstream.GraphQLURL,
		token:    s.cfg.Upstream.Token,
		timeout:  s.cfg.Upstream.Timeout.Std(),
		client:   &http.Client{},
		logger:   s.logger.Named("proxy"),
	}

	// Public routes (no auth required)
	r.Post("/api/auth/login", s.handleLogin)
	r.Get("/api/health", s.handleHealth)
	r.Method(http.MethodPost, "/api/graphql", proxy)
	if s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, promhttp.Handler())
	}

	// SSE: auth handled inline because EventSource can't set headers
	r.Get("/api/agents/stream", s.handleStream)

	// Protected API
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/api/auth/me", s.handleMe)
		if s.agents != nil {
			h := &api.Handlers{Agents: s.agents, Bus: s.bus, Logger: s.logger.Named("api")}
			h.RegisterRoutes(r)
		}
		if s.graphql != nil {
			r.Method(http.MethodPost, "/graphql", s.graphql)
		}
	})
	return r
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	StreamClients int    `json:"stream_clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		StreamClients: s.hub.Clients(),
	})
}

// handleStream verifies the token query parameter (or bearer header) and
// hands the connection to the hub.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = bearerToken(r)
	}
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing token")
		return
	}
	if _, err := verifyJWT(s.jwtSecret(), token); err != nil {
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.hub.ServeSSE(w, r)
}

// requestLogger logs each request with its chi request ID.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)))
	})
}
