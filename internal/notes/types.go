// Package notes captures side-channel notes from turn input, persists them,
// and plans confirmed tasks from them. Notes are append-only: they are
// marked done, never deleted.
package notes

import "time"

// Note types.
const (
	TypeTask      = "task"
	TypeReminder  = "reminder"
	TypeIdea      = "idea"
	TypeImportant = "important"
	TypePlain     = "plain"
)

// Note is one captured note.
type Note struct {
	ID        string     `json:"id"`
	TurnID    string     `json:"turn_id,omitempty"`
	Content   string     `json:"content"`
	Type      string     `json:"type"`
	Priority  int        `json:"priority"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	Done      bool       `json:"done"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Plan statuses. Transitions are monotonic:
// proposed -> confirmed -> executing -> done, or proposed -> rejected.
const (
	StatusProposed  = "proposed"
	StatusConfirmed = "confirmed"
	StatusExecuting = "executing"
	StatusDone      = "done"
	StatusRejected  = "rejected"
)

// Plan is a task plan derived from one or more notes. A plan executes only
// after explicit confirmation.
type Plan struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	NoteIDs     []string  `json:"note_ids"`
	Status      string    `json:"status"`
	Effort      string    `json:"effort"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
