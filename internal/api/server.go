// Package api serves the carrier media-stream endpoint and the operational
// JSON API.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/flowpbx/callbridge/internal/admission"
	"github.com/flowpbx/callbridge/internal/api/middleware"
	"github.com/flowpbx/callbridge/internal/bridge"
	"github.com/flowpbx/callbridge/internal/database"
	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/queue"
	"github.com/flowpbx/callbridge/internal/registry"
	"github.com/flowpbx/callbridge/internal/resilience"
)

// CallServer runs one admitted call. *bridge.Bridge satisfies it.
type CallServer interface {
	Serve(ctx context.Context, conn bridge.Conn, call bridge.Call) error
}

// Admitter decides whether a call may start. *admission.Controller
// satisfies it.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) admission.Decision
}

// CallRegistry is the read side of the call registry.
type CallRegistry interface {
	Count(ctx context.Context) int
	ListActive(ctx context.Context) []registry.CallInfo
	Get(ctx context.Context, callID string) (registry.CallInfo, bool)
	IsShuttingDown() bool
	Ping(ctx context.Context) error
}

// CallQueue is the operator view of the admission queue.
type CallQueue interface {
	Stats(ctx context.Context) queue.Stats
	Peek(ctx context.Context, n int) []queue.QueuedCall
	Position(ctx context.Context, callID string) int
	Remove(ctx context.Context, callID string) bool
	Clear(ctx context.Context) int
}

// CallEvaluator scores a finished call on request. *qa.Evaluator
// satisfies it.
type CallEvaluator interface {
	Evaluate(ctx context.Context, providerCallID string) (*models.CallEvaluation, error)
}

// Deps are the collaborators behind the HTTP surface. Records, Evaluations
// and Metrics may be nil, which leaves their routes unmounted. Evaluator is
// nil when quality evaluation is disabled.
type Deps struct {
	Calls       CallServer
	Admission   Admitter
	Registry    CallRegistry
	Queue       CallQueue
	Circuits    *resilience.Policies
	Records     database.CallRecordRepository
	Evaluations database.EvaluationRepository
	Evaluator   CallEvaluator
	Metrics     http.Handler
	Logger      *slog.Logger

	ConnectLimit middleware.RateLimitConfig
	APILimit     middleware.RateLimitConfig
	TLS          bool
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader

	connectLimiter *middleware.Limiter
	apiLimiter     *middleware.Limiter

	calls sync.WaitGroup
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ConnectLimit.Rate == 0 {
		deps.ConnectLimit = middleware.ConnectRateLimitConfig(5, 20)
	}
	if deps.APILimit.Rate == 0 {
		deps.APILimit = middleware.DefaultRateLimitConfig()
	}

	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: deps.Logger.With("subsystem", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Carrier media gateways do not send a browser Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connectLimiter: middleware.NewLimiter("carrier_connect", deps.ConnectLimit, deps.Logger),
		apiLimiter:     middleware.NewLimiter("api", deps.APILimit, deps.Logger),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Wait blocks until every call started by this server has returned.
func (s *Server) Wait() {
	s.calls.Wait()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.deps.Logger))
	r.Use(middleware.Recoverer(s.deps.Logger))

	// Carrier media streams.
	r.With(middleware.RateLimit(s.connectLimiter)).
		Get("/ws/telephony/{carrier}/{agentID}", s.handleTelephony)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SecurityHeaders(s.deps.TLS))
		r.Use(middleware.RateLimit(s.apiLimiter))

		r.Get("/health", s.handleHealth)
		r.Get("/health/ready", s.handleReady)

		r.Route("/calls", func(r chi.Router) {
			r.Get("/active", s.handleActiveCalls)
			r.Get("/count", s.handleCallCount)
			if s.deps.Records != nil {
				r.Get("/history", s.handleCallHistory)
			}
			r.Get("/{callID}", s.handleGetCall)
		})

		if s.deps.Evaluations != nil {
			r.Route("/evaluations", func(r chi.Router) {
				r.Get("/", s.handleListEvaluations)
				r.Post("/", s.handleEvaluateCall)
				r.Get("/{callRecordID}", s.handleGetEvaluation)
			})
		}

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handleQueueStats)
			r.Delete("/", s.handleClearQueue)
			r.Get("/peek", s.handlePeekQueue)
			r.Get("/{callID}", s.handleQueuePosition)
			r.Delete("/{callID}", s.handleRemoveQueued)
		})

		r.Route("/circuits", func(r chi.Router) {
			r.Get("/", s.handleCircuits)
			r.Post("/{name}/reset", s.handleResetCircuit)
		})
	})

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}
