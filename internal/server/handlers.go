package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/normanking/conductor/internal/grant"
	"github.com/normanking/conductor/internal/notes"
	"github.com/normanking/conductor/internal/orchestrator"
	"github.com/normanking/conductor/internal/resource"
	"github.com/normanking/conductor/internal/turn"
)

const maxRequestBody = 1 << 20 // 1MB

type turnRequest struct {
	Text      string `json:"text"`
	Modality  string `json:"modality,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleRunTurn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad_request", "invalid request body: %v", err)
		return
	}

	t, err := s.deps.Engine.RunTurn(r.Context(), orchestrator.Input{
		Text:      req.Text,
		Modality:  turn.Modality(req.Modality),
		SessionID: req.SessionID,
	})
	if err != nil {
		if errors.Is(err, turn.ErrEmptyInput) {
			httpError(w, http.StatusBadRequest, turn.ErrKind(err), "input must not be empty")
			return
		}
		// A typed compose failure still carries a usable turn with a
		// fallback response; surface it with the error kind attached.
		if t != nil && t.Response != "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"turn":       t,
				"error_kind": turn.ErrKind(err),
			})
			return
		}
		s.log.Error().Err(err).Msg("turn failed")
		httpError(w, http.StatusInternalServerError, turn.ErrKind(err), "turn failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turn": t})
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	pendingOnly := r.URL.Query().Get("pending") == "true"
	list, err := s.deps.Notes.List(r.Context(), pendingOnly)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "internal", "listing notes: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": list})
}

func (s *Server) handleNoteDone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Notes.MarkDone(r.Context(), id); err != nil {
		if errors.Is(err, notes.ErrNoteNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note %s not found", id)
			return
		}
		httpError(w, http.StatusInternalServerError, "internal", "marking note done: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"done": true})
}

type createPlanRequest struct {
	NoteIDs []string `json:"note_ids"`
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad_request", "invalid request body: %v", err)
		return
	}
	if len(req.NoteIDs) == 0 {
		httpError(w, http.StatusBadRequest, "bad_request", "note_ids is required")
		return
	}

	plan, err := s.deps.Planner.Plan(r.Context(), req.NoteIDs)
	if err != nil {
		if errors.Is(err, notes.ErrNoteNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		httpError(w, http.StatusInternalServerError, "internal", "creating plan: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"plan": plan})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.deps.Planner.List(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "internal", "listing plans: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.deps.Planner.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, notes.ErrPlanNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		httpError(w, http.StatusInternalServerError, "internal", "loading plan: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": plan})
}

func (s *Server) handleConfirmPlan(w http.ResponseWriter, r *http.Request) {
	s.transitionPlan(w, r, s.deps.Planner.Confirm)
}

func (s *Server) handleRejectPlan(w http.ResponseWriter, r *http.Request) {
	s.transitionPlan(w, r, s.deps.Planner.Reject)
}

// transitionPlan runs a confirm/reject transition. A plan that is not in
// the expected prior state yields 409; the status machine is monotonic.
func (s *Server) transitionPlan(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, notes.ErrPlanNotFound):
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
		case errors.Is(err, turn.ErrPlanNotConfirmed):
			httpError(w, http.StatusConflict, turn.ErrKind(err), "%v", err)
		default:
			httpError(w, http.StatusInternalServerError, "internal", "updating plan: %v", err)
		}
		return
	}
	plan, err := s.deps.Planner.Get(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "internal", "loading plan: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": plan})
}

type grantedRequest struct {
	GrantID string `json:"grant_id"`
	Secret  string `json:"secret"`
}

func (s *Server) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req grantedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad_request", "invalid request body: %v", err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.deps.Planner.Execute(r.Context(), id, req.GrantID, req.Secret); err != nil {
		switch {
		case errors.Is(err, notes.ErrPlanNotFound):
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
		case errors.Is(err, turn.ErrPlanNotConfirmed):
			httpError(w, http.StatusConflict, turn.ErrKind(err), "%v", err)
		case errors.Is(err, grant.ErrNotAuthorized):
			httpError(w, http.StatusForbidden, "not_authorized", "%v", err)
		default:
			httpError(w, http.StatusInternalServerError, "internal", "executing plan: %v", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executed": true})
}

func (s *Server) handleResourceStatus(w http.ResponseWriter, r *http.Request) {
	latest, pending := s.deps.Resource.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"sample":          latest,
		"pending_actions": pending,
	})
}

func (s *Server) handleResourceActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": s.deps.Resource.Actions()})
}

func (s *Server) handleApplyAction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req grantedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad_request", "invalid request body: %v", err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.deps.Adjuster.Apply(r.Context(), id, req.GrantID, req.Secret); err != nil {
		switch {
		case errors.Is(err, resource.ErrActionNotFound):
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
		case errors.Is(err, turn.ErrAdjustmentUnauthorized):
			httpError(w, http.StatusForbidden, turn.ErrKind(err), "%v", err)
		default:
			httpError(w, http.StatusInternalServerError, "internal", "applying action: %v", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": true})
}

type issueGrantRequest struct {
	Scope      string `json:"scope"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *Server) handleIssueGrant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req issueGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad_request", "invalid request body: %v", err)
		return
	}
	if req.Scope != grant.ScopeResourceAdjust && req.Scope != grant.ScopePlanExecute {
		httpError(w, http.StatusBadRequest, "bad_request", "unknown scope %q", req.Scope)
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	g, secret, err := s.deps.Grants.Issue(r.Context(), req.Scope, ttl)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "internal", "issuing grant: %v", err)
		return
	}
	// The secret is returned exactly once; only its hash is stored.
	writeJSON(w, http.StatusCreated, map[string]any{
		"grant":  g,
		"secret": secret,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.deps.Store != nil {
		if err := s.deps.Store.Health(); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{"status": status})
}
