package notes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/grant"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/internal/turn"
)

// ErrPlanNotFound is returned when a plan id has no row.
var ErrPlanNotFound = errors.New("plan not found")

// ModuleCaller is the slice of the dispatcher the planner needs to execute
// confirmed plans.
type ModuleCaller interface {
	Call(ctx context.Context, module, path string, payload json.RawMessage) (*turn.ModuleCall, error)
}

// Verifier checks authorization grants.
type Verifier interface {
	Verify(ctx context.Context, grantID, secret, scope string) error
}

// Planner turns notes into task plans and executes confirmed ones.
// Proposed plans never execute: confirmation is an explicit, separate call.
type Planner struct {
	db       *store.Store
	notes    *Manager
	caller   ModuleCaller
	verifier Verifier
	events   *bus.Bus
	log      zerolog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(db *store.Store, notes *Manager, caller ModuleCaller, verifier Verifier, events *bus.Bus) *Planner {
	return &Planner{
		db:       db,
		notes:    notes,
		caller:   caller,
		verifier: verifier,
		events:   events,
		log:      logging.ForComponent("planner"),
	}
}

// Plan proposes a task plan from the given notes. The plan starts in the
// proposed state and does nothing until confirmed.
func (p *Planner) Plan(ctx context.Context, noteIDs []string) (*Plan, error) {
	if len(noteIDs) == 0 {
		return nil, fmt.Errorf("plan needs at least one note")
	}

	var title string
	maxPriority := 0
	for _, id := range noteIDs {
		n, err := p.notes.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve note %s: %w", id, err)
		}
		if title == "" {
			title = firstLine(n.Content)
		}
		if n.Priority > maxPriority {
			maxPriority = n.Priority
		}
	}

	effort := "medium"
	if len(noteIDs) == 1 {
		effort = "small"
	} else if len(noteIDs) > 3 {
		effort = "large"
	}

	plan := &Plan{
		ID:          uuid.NewString(),
		Title:       title,
		Description: fmt.Sprintf("Plan covering %d note(s), top priority %d.", len(noteIDs), maxPriority),
		NoteIDs:     noteIDs,
		Status:      StatusProposed,
		Effort:      effort,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	ids, err := json.Marshal(plan.NoteIDs)
	if err != nil {
		return nil, fmt.Errorf("encode note ids: %w", err)
	}

	_, err = p.db.DB().ExecContext(ctx,
		`INSERT INTO task_plans (id, title, description, note_ids, status, effort, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.Title, plan.Description, string(ids), plan.Status, plan.Effort, plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert plan: %w", err)
	}

	if p.events != nil {
		_ = p.events.Publish(bus.NewEvent(bus.PlanProposed, "", map[string]any{
			"plan_id": plan.ID,
			"title":   plan.Title,
		}))
	}

	p.log.Info().Str("plan_id", plan.ID).Int("notes", len(noteIDs)).Msg("plan proposed")
	return plan, nil
}

// Get returns a plan by id.
func (p *Planner) Get(ctx context.Context, id string) (*Plan, error) {
	row := p.db.DB().QueryRowContext(ctx,
		`SELECT id, title, description, note_ids, status, effort, created_at, updated_at
		 FROM task_plans WHERE id = ?`, id)
	return scanPlan(row)
}

// List returns all plans, newest first.
func (p *Planner) List(ctx context.Context) ([]*Plan, error) {
	rows, err := p.db.DB().QueryContext(ctx,
		`SELECT id, title, description, note_ids, status, effort, created_at, updated_at
		 FROM task_plans ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	return out, rows.Err()
}

// Confirm moves a proposed plan to confirmed. Only proposed plans can be
// confirmed; every other state is final for this transition.
func (p *Planner) Confirm(ctx context.Context, id string) error {
	return p.transition(ctx, id, StatusProposed, StatusConfirmed)
}

// Reject moves a proposed plan to rejected.
func (p *Planner) Reject(ctx context.Context, id string) error {
	return p.transition(ctx, id, StatusProposed, StatusRejected)
}

func (p *Planner) transition(ctx context.Context, id, from, to string) error {
	res, err := p.db.DB().ExecContext(ctx,
		`UPDATE task_plans SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("transition plan: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		cur, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("plan %s is %s, cannot move to %s: %w", id, cur.Status, to, turn.ErrPlanNotConfirmed)
	}
	p.log.Info().Str("plan_id", id).Str("status", to).Msg("plan transitioned")
	return nil
}

// Execute runs a confirmed plan: each note becomes an erp task creation
// call. The confirmation check runs before any dispatch; a non-confirmed
// plan produces ErrPlanNotConfirmed and zero module calls. Execution also
// requires a grant for the plan:execute scope.
func (p *Planner) Execute(ctx context.Context, planID, grantID, secret string) error {
	plan, err := p.Get(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Status != StatusConfirmed {
		return fmt.Errorf("plan %s is %s: %w", planID, plan.Status, turn.ErrPlanNotConfirmed)
	}
	if err := p.verifier.Verify(ctx, grantID, secret, grant.ScopePlanExecute); err != nil {
		return fmt.Errorf("plan %s execution: %w", planID, err)
	}

	if err := p.transition(ctx, planID, StatusConfirmed, StatusExecuting); err != nil {
		return err
	}

	for _, noteID := range plan.NoteIDs {
		n, err := p.notes.Get(ctx, noteID)
		if err != nil {
			p.log.Warn().Str("note_id", noteID).Err(err).Msg("skipping unresolvable note during execution")
			continue
		}

		payload, err := json.Marshal(map[string]any{
			"title":    firstLine(n.Content),
			"note_id":  n.ID,
			"priority": n.Priority,
			"due_at":   n.DueAt,
		})
		if err != nil {
			return fmt.Errorf("encode task payload: %w", err)
		}

		if _, err := p.caller.Call(ctx, "erp", "tasks/create", payload); err != nil {
			p.log.Warn().Str("note_id", noteID).Err(err).Msg("task creation failed, continuing")
			continue
		}
		if err := p.notes.MarkDone(ctx, noteID); err != nil {
			p.log.Warn().Str("note_id", noteID).Err(err).Msg("could not mark note done")
		}
	}

	return p.transition(ctx, planID, StatusExecuting, StatusDone)
}

func scanPlan(row rowScanner) (*Plan, error) {
	var plan Plan
	var ids string
	err := row.Scan(&plan.ID, &plan.Title, &plan.Description, &ids, &plan.Status, &plan.Effort, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &plan.NoteIDs); err != nil {
		return nil, fmt.Errorf("decode note ids: %w", err)
	}
	return &plan, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	if len(s) > 80 {
		return s[:80]
	}
	return s
}
