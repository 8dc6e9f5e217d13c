// Package http exposes the progress engine as a JSON API. Every /v1 route acts
// on behalf of the user named by the bearer token's "sub" claim.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/alem-hub/progress-engine/internal/application/tracker"
	"github.com/alem-hub/progress-engine/internal/domain/answer"
	"github.com/alem-hub/progress-engine/internal/domain/content"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progress-engine/internal/interface/http/handlers"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// JWTSecret verifies HS256 bearer tokens.
	JWTSecret string

	// JWTIssuer, when set, must match the token's "iss" claim.
	JWTIssuer string

	// Version is reported by /health.
	Version string

	// RateLimitRequests per RateLimitWindow are allowed for each user on /v1.
	// Zero disables the limit.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// CORSAllowedOrigins enables CORS when non-empty.
	CORSAllowedOrigins []string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,

		RateLimitRequests: 120,
		RateLimitWindow:   time.Minute,
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// SessionProvider opens and finds per-user progress stores.
type SessionProvider interface {
	Open(ctx context.Context, userID string) (*tracker.Store, error)
	Get(userID string) (*tracker.Store, error)
	SignOut(userID string) error
}

// QuestionLookup finds a question in the content catalog.
type QuestionLookup interface {
	Question(lessonID, questionID string) (content.Question, error)
}

// Leaderboard ranks users by XP.
type Leaderboard interface {
	Top(ctx context.Context, n int) ([]redis.LeaderboardEntry, error)
	Rank(ctx context.Context, userID string) (int64, error)
}

// RequestObserver records request metrics.
type RequestObserver interface {
	ObserveHTTP(method, route string, code int, duration time.Duration)
}

// Dependencies contains all dependencies required by HTTP handlers.
type Dependencies struct {
	Sessions  SessionProvider
	Catalog   QuestionLookup
	Evaluator *answer.Evaluator

	// Leaderboard is optional; without it /v1/leaderboard answers 503.
	Leaderboard Leaderboard

	Health *handlers.CompositeHealthChecker

	// Metrics serves /metrics when set.
	Metrics  http.Handler
	Observer RequestObserver

	Logger *slog.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	router     chi.Router
	httpServer *http.Server
	validate   *validator.Validate
	logger     *slog.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Evaluator == nil {
		deps.Evaluator = answer.NewEvaluator(deps.Logger)
	}
	if deps.Catalog == nil {
		deps.Catalog = content.Empty()
	}
	if deps.Health == nil {
		deps.Health = handlers.NewCompositeHealthChecker(config.Version)
	}

	s := &Server{
		config:   config,
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   deps.Logger,
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         config.Address(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.instrument)
	r.Use(chimiddleware.Recoverer)
	if len(s.config.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Health & Metrics
	// ─────────────────────────────────────────────────────────────────────────
	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// API v1 (bearer token required)
	// ─────────────────────────────────────────────────────────────────────────
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit())

		r.Post("/session", s.handleOpenSession)
		r.Delete("/session", s.handleSignOut)

		r.Get("/progress", s.handleGetProgress)
		r.Get("/stats", s.handleGetStats)
		r.Get("/achievements", s.handleGetAchievements)

		r.Post("/lessons/{lessonID}/complete", s.handleCompleteLesson)
		r.Get("/lessons/{lessonID}/progress", s.handleLessonProgress)
		r.Post("/lessons/{lessonID}/questions/{questionID}/answer", s.handleAnswerQuestion)

		r.Post("/streak/check", s.handleCheckStreak)
		r.Post("/progress/reset", s.handleResetProgress)

		r.Get("/leaderboard", s.handleLeaderboard)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusNotFound, "not_found", "route not found")
	})
	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("http server starting", "address", s.config.Address())
	err := s.httpServer.ListenAndServe()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse represents a standard JSON response.
type JSONResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONResponse{
		Success:   status >= 200 && status < 300,
		Data:      data,
		RequestID: chimiddleware.GetReqID(r.Context()),
	})
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONResponse{
		Error:     &APIError{Code: code, Message: message},
		RequestID: chimiddleware.GetReqID(r.Context()),
	})
}
