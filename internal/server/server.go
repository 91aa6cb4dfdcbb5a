package server

// Package server exposes the diagnostic engine over HTTP and WebSocket.
//
// Routes:
//   POST   /agent                  one conversational turn
//   POST   /upload                 multipart artifact upload (field "file")
//   GET    /uploads/{id}           stored artifact contents
//   GET    /ws/agent               turn protocol over a WebSocket
//   GET    /api/v1/sessions/{id}   stored session state
//   DELETE /api/v1/sessions/{id}   reset a session
//   GET    /api/v1/diagnoses       resolved diagnoses, newest first
//   GET    /api/v1/knowledge       knowledge base summary
//   GET    /health                 liveness and dependency checks
//   GET    /metrics                Prometheus metrics
//
// Middleware order, outermost first: tracing, CORS, rate limiting, then
// per-route recovery and request logging.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/hydrodiag/hydrodiag-ai/internal/artifact"
	"github.com/hydrodiag/hydrodiag-ai/internal/config"
	"github.com/hydrodiag/hydrodiag-ai/internal/db"
	"github.com/hydrodiag/hydrodiag-ai/internal/knowledge"
	"github.com/hydrodiag/hydrodiag-ai/internal/middleware"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/engine"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the server. Engine, Artifacts and
// Knowledge are required.
type Deps struct {
	Engine    engine.Engine
	Artifacts *artifact.Store
	Lessons   db.LessonStore
	Knowledge *knowledge.Base
	Logger    *zap.Logger
	Version   string

	// Checks are run by GET /health, keyed by dependency name.
	Checks map[string]HealthCheck
}

// Server is the HTTP front of the diagnostic engine.
type Server struct {
	cfg       config.ServerConfig
	engine    engine.Engine
	artifacts *artifact.Store
	lessons   db.LessonStore
	kb        *knowledge.Base
	logger    *zap.Logger
	version   string
	checks    map[string]HealthCheck

	limiter  *middleware.RateLimiter
	upgrader websocket.Upgrader

	// ctx is cancelled by Stop to close open WebSocket connections.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a server. It does not start listening.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if deps.Artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if deps.Knowledge == nil {
		return nil, fmt.Errorf("knowledge base is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		engine:    deps.Engine,
		artifacts: deps.Artifacts,
		lessons:   deps.Lessons,
		kb:        deps.Knowledge,
		logger:    deps.Logger.Named("server"),
		version:   deps.Version,
		checks:    deps.Checks,
		upgrader:  newUpgrader(cfg.AllowedOrigins),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.RateLimitPerMin > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst)
	}
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.recoveryMiddleware, s.loggingMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/agent", s.handleAgent).Methods(http.MethodPost)
	router.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	router.HandleFunc("/uploads/{id}", s.handleArtifact).Methods(http.MethodGet)
	router.HandleFunc("/ws/agent", s.handleWebSocket).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleResetSession).Methods(http.MethodDelete)
	api.HandleFunc("/diagnoses", s.handleListDiagnoses).Methods(http.MethodGet)
	api.HandleFunc("/knowledge", s.handleKnowledge).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not allowed on "+r.URL.Path)
	})

	var h http.Handler = router
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", correlationHeader},
		ExposedHeaders:   []string{TraceIDHeader, correlationHeader},
		AllowCredentials: true,
	})
	h = c.Handler(h)

	return tracingMiddleware(h)
}

// Start listens on the configured address and blocks until the server is
// stopped. A clean stop returns nil.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop closes WebSocket connections and drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
