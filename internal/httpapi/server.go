// Package httpapi serves the HTTP management API: workflow and execution
// queries, execute/test triggers, diagrams, and a Server-Sent Events stream
// of execution progress.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// Reader is the read side of the store the API needs.
type Reader interface {
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.WorkflowRecord, error)
	GetExecution(ctx context.Context, id string) (*schema.ExecutionResult, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.ExecutionSummary, error)
}

// Runner triggers workflow runs. Satisfied by engine.Executor.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, triggerData map[string]any, userID string) (*schema.ExecutionResult, error)
	TestWorkflow(ctx context.Context, workflowID string, sampleData map[string]any) (*schema.ExecutionResult, error)
}

// Deps holds the dependencies of the API server. Hub may be nil, which
// disables the event stream. An empty Token disables authentication.
type Deps struct {
	Store    Reader
	Executor Runner
	Hub      streaming.Hub
	Logger   *slog.Logger
	Token    string

	// Heartbeat is the SSE keep-alive interval. Zero means 15s.
	Heartbeat time.Duration
}

// Server serves the management API.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	return &Server{deps: deps}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/workflows", s.handleWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/diagram", s.handleDiagram)
	mux.HandleFunc("POST /api/workflows/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /api/workflows/{id}/test", s.handleTest)

	mux.HandleFunc("GET /api/executions", s.handleExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleExecution)

	mux.HandleFunc("GET /api/events", s.handleEvents)

	return s.authenticate(mux)
}

// authenticate requires "Authorization: Bearer <token>" on everything but
// /healthz when a token is configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.deps.Token == "" {
		return next
	}
	want := []byte(s.deps.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.deps.Logger.Info("http api listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
