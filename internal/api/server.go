// Package api serves nodeflow over HTTP: JSON endpoints for runs, history and
// schedules, Server-Sent Events fed by the update hub, and webhook triggers.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rendis/nodeflow/internal/runs"
	"github.com/rendis/nodeflow/internal/scheduler"
)

// Deps holds the dependencies for the HTTP server. Scheduler and MCP are
// optional; without them the matching routes answer 404.
type Deps struct {
	Runs      *runs.Manager
	Scheduler *scheduler.Scheduler
	Webhooks  *WebhookRouter
	MCP       http.Handler
	Logger    *slog.Logger
	// MaxBodyBytes caps request bodies; zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// Server routes HTTP requests to the run manager.
type Server struct {
	deps Deps
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Webhooks == nil {
		deps.Webhooks = NewWebhookRouter()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{deps: deps}
}

// Webhooks returns the router consulted by /webhooks/ requests.
func (s *Server) Webhooks() *WebhookRouter {
	return s.deps.Webhooks
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/handlers", s.handleHandlers)
	mux.HandleFunc("POST /api/validate", s.handleValidate)

	// Live runs.
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/variables", s.handleCreateVariable)
	mux.HandleFunc("POST /api/runs/{id}/{action}", s.handleControl)

	// Persisted history.
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}/replay", s.handleReplay)
	mux.HandleFunc("DELETE /api/executions/{id}", s.handleDeleteExecution)

	// Schedules.
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("PUT /api/schedules/{id...}", s.handleUpdateSchedule)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	mux.HandleFunc("GET /api/webhooks", s.handleListWebhooks)
	mux.HandleFunc("/webhooks/{path...}", s.handleWebhook)

	if s.deps.MCP != nil {
		mux.Handle("/mcp", s.deps.MCP)
	}
	return limitBodies(mux, s.deps.MaxBodyBytes)
}

// ListenAndServe serves Handler on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.deps.Logger.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
