// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/scan-orchestrator/internal/circuitbreaker"
	"github.com/scan-orchestrator/internal/logging"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/queue"
	"github.com/scan-orchestrator/internal/ratelimit"
	"github.com/scan-orchestrator/internal/schedule"
)

// Service interfaces for dependency injection and testing

// QueueService defines the queue operations exposed to users
type QueueService interface {
	Enqueue(ctx context.Context, userID, projectID string, priority int, scheduled bool) (*models.QueueItem, error)
	Status(ctx context.Context, userID, id string) (*models.QueueItem, error)
	Cancel(ctx context.Context, userID, id string) (*models.QueueItem, error)
	Pause(ctx context.Context, userID, id string) (*models.QueueItem, error)
	Resume(ctx context.Context, userID, id string) (*models.QueueItem, error)
}

// WorkerRunner runs one worker invocation
type WorkerRunner interface {
	Run(ctx context.Context) (*queue.RunResult, error)
}

// ScheduleRunner enqueues due scheduled scans
type ScheduleRunner interface {
	EnqueueDue(ctx context.Context) (*schedule.Result, error)
}

// LimitsFunc reports the shared provider call budget
type LimitsFunc func(ctx context.Context) (*ratelimit.UsageReport, error)

// BreakersFunc reports the per-model circuit breakers of this process
type BreakersFunc func() map[string]circuitbreaker.Stats

// HealthChecker is a dependency reported by /health
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	queue      QueueService
	worker     WorkerRunner
	scheduler  ScheduleRunner
	trigger    queue.Trigger
	health     map[string]HealthChecker
	limits     LimitsFunc
	breakers   BreakersFunc
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestsPerSecond and Burst limit each user on the queue routes.
	RequestsPerSecond float64
	Burst             int
	// WorkerSecret guards the worker routes. DevBypass admits unauthenticated
	// worker calls only while no secret is configured.
	WorkerSecret string
	DevBypass    bool
	// WorkerTimeout bounds a worker invocation independently of the caller.
	WorkerTimeout time.Duration
}

// NewServer creates a new API server instance. trigger starts a worker after
// a schedule pass and may be nil.
func NewServer(
	config *ServerConfig,
	queueService QueueService,
	worker WorkerRunner,
	scheduler ScheduleRunner,
	trigger queue.Trigger,
	health map[string]HealthChecker,
) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		queue:     queueService,
		worker:    worker,
		scheduler: scheduler,
		trigger:   trigger,
		health:    health,
		config:    config,
		logger:    logging.GetGlobalLogger().WithComponent("api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Queue endpoints, per user
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)
	queueRoutes := api.PathPrefix("/queue").Subrouter()
	queueRoutes.Use(RequireUser)
	queueRoutes.Use(RateLimitMiddleware(rateLimiter))
	queueRoutes.HandleFunc("", s.handleEnqueue).Methods("POST")
	queueRoutes.HandleFunc("/{id}", s.handleQueueStatus).Methods("GET")
	queueRoutes.HandleFunc("/{id}/cancel", s.handleCancel).Methods("POST")
	queueRoutes.HandleFunc("/{id}/pause", s.handlePause).Methods("POST")
	queueRoutes.HandleFunc("/{id}/resume", s.handleResume).Methods("POST")

	// Worker endpoints, called by the chain and the external timer
	workerRoutes := api.PathPrefix("/worker").Subrouter()
	workerRoutes.Use(WorkerAuthMiddleware(s.config.WorkerSecret, s.config.DevBypass))
	workerRoutes.HandleFunc("", s.handleRunWorker).Methods("POST")
	workerRoutes.HandleFunc("/schedule", s.handleRunSchedule).Methods("POST")
	workerRoutes.HandleFunc("/limits", s.handleLimits).Methods("GET")
}

// SetLimits enables the provider budget report on /api/worker/limits
func (s *Server) SetLimits(fn LimitsFunc) {
	s.limits = fn
}

// SetBreakers adds circuit breaker states to /api/worker/limits
func (s *Server) SetBreakers(fn BreakersFunc) {
	s.breakers = fn
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.health))
	for name, checker := range s.health {
		if err := checker.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":  overall,
		"service": "scan-orchestrator",
		"checks":  checks,
	})
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
