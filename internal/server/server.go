// Package server exposes the orchestrator over HTTP: turns, notes, plans,
// resource status, grant issuance, and a websocket event stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/grant"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/notes"
	"github.com/normanking/conductor/internal/orchestrator"
	"github.com/normanking/conductor/internal/resource"
	"github.com/normanking/conductor/internal/store"
)

// Deps wires the server's collaborators. Store and Events may be nil in
// tests; handlers that need them report unavailability instead.
type Deps struct {
	Engine   *orchestrator.Engine
	Notes    *notes.Manager
	Planner  *notes.Planner
	Resource *resource.Monitor
	Adjuster *resource.Adjuster
	Grants   *grant.Service
	Store    *store.Store
	Events   *bus.Bus
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	deps Deps
	http *http.Server
	log  zerolog.Logger
}

// New builds the server and its route table.
func New(addr string, deps Deps) *Server {
	s := &Server{
		deps: deps,
		log:  logging.ForComponent("server"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/events/stream", s.handleEventStream)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", s.handleRunTurn)

		r.Get("/notes", s.handleListNotes)
		r.Post("/notes/{id}/done", s.handleNoteDone)

		r.Get("/plans", s.handleListPlans)
		r.Post("/plans", s.handleCreatePlan)
		r.Get("/plans/{id}", s.handleGetPlan)
		r.Post("/plans/{id}/confirm", s.handleConfirmPlan)
		r.Post("/plans/{id}/reject", s.handleRejectPlan)
		r.Post("/plans/{id}/execute", s.handleExecutePlan)

		r.Get("/resource/status", s.handleResourceStatus)
		r.Get("/resource/actions", s.handleResourceActions)
		r.Post("/resource/actions/{id}/apply", s.handleApplyAction)

		r.Post("/grants", s.handleIssueGrant)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down within grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errKind string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"kind":    errKind,
			"message": fmt.Sprintf(format, args...),
		},
	})
}
