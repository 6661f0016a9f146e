// Package api exposes the workflow engine over HTTP. Routes are split
// into two rate classes — reads and mutations — each gated by its own
// token bucket when a rate limiter is configured.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/ratelimit"
)

const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Rate class names for API traffic. Declare them on the Manager passed
// via WithRateLimiter to activate limiting; undeclared classes pass.
const (
	ClassMutations = "mutations"
	ClassReads     = "reads"
)

// Server wraps the chi router and the engine it fronts.
type Server struct {
	router  *chi.Mux
	eng     *engine.Engine
	limiter *ratelimit.Manager
	logger  *slog.Logger
	addr    string
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address. Defaults to ":8080".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRateLimiter gates the API's route classes on the given manager.
// Denied requests get 429.
func WithRateLimiter(m *ratelimit.Manager) Option {
	return func(s *Server) { s.limiter = m }
}

// NewServer creates and configures the HTTP server for an engine.
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		router: chi.NewRouter(),
		eng:    eng,
		logger: slog.Default(),
		addr:   ":8080",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.routes()

	return s
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/v1/workflows", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limit(ClassReads))

			r.Get("/", s.handleListWorkflows)
			r.Get("/{id}", s.handleGetWorkflow)
			r.Get("/{id}/status", s.handleGetStatus)
			r.Get("/{id}/checkpoints", s.handleListCheckpoints)
			r.Get("/{id}/ledger", s.handleListLedger)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.limit(ClassMutations))

			r.Post("/", s.handleCreateWorkflow)
			r.Post("/{id}/submit", s.handleSubmit)
			r.Post("/{id}/pause", s.handlePause)
			r.Post("/{id}/resume", s.handleResume)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Post("/{id}/notes", s.handleInjectNote)
			r.Post("/{id}/direction", s.handleDirectionResponse)
			r.Post("/{id}/topup", s.handleTopUp)
			r.Post("/{id}/steps/{stepID}/rerun", s.handleRerunStep)
			r.Post("/{id}/steps/{stepID}/skip", s.handleSkipStep)
			r.Post("/{id}/steps/{stepID}/inject", s.handleInjectStep)
		})
	})
}

// Router returns the chi router, e.g. for mounting under a larger mux or
// driving with httptest.
func (s *Server) Router() *chi.Mux { return s.router }

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", slog.String("addr", s.addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("loom/api: server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("loom/api: shutdown: %w", err)
	}
	s.logger.Info("api stopped")
	return nil
}

// limit gates a route class on the rate limiter. Without a limiter every
// request passes.
func (s *Server) limit(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter != nil && !s.limiter.Allow(class) {
				writeError(w, fmt.Errorf("loom/api: class %q: %w", class, loom.ErrRateLimited))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
