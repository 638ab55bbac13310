package notes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/store"
)

// ErrNoteNotFound is returned when a note id has no row.
var ErrNoteNotFound = errors.New("note not found")

// Manager persists notes. Updates to the same note serialize on a per-note
// lock so concurrent MarkDone calls cannot interleave read-modify-write.
type Manager struct {
	db  *store.Store
	log zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a note manager over the shared store.
func NewManager(db *store.Store) *Manager {
	return &Manager{
		db:    db,
		log:   logging.ForComponent("notes"),
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Create persists a new note. The note's ID and timestamps are assigned here.
func (m *Manager) Create(ctx context.Context, n *Note) error {
	if n.Content == "" {
		return fmt.Errorf("note content cannot be empty")
	}
	if n.Type == "" {
		n.Type = TypePlain
	}

	n.ID = uuid.NewString()
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now

	_, err := m.db.DB().ExecContext(ctx,
		`INSERT INTO notes (id, turn_id, content, type, priority, due_at, done, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		n.ID, n.TurnID, n.Content, n.Type, n.Priority, n.DueAt, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}

	m.log.Debug().Str("note_id", n.ID).Str("type", n.Type).Msg("note created")
	return nil
}

// Get returns a note by id.
func (m *Manager) Get(ctx context.Context, id string) (*Note, error) {
	row := m.db.DB().QueryRowContext(ctx,
		`SELECT id, turn_id, content, type, priority, due_at, done, created_at, updated_at
		 FROM notes WHERE id = ?`, id)
	return scanNote(row)
}

// List returns notes, newest first. When pendingOnly is true, done notes are
// excluded.
func (m *Manager) List(ctx context.Context, pendingOnly bool) ([]*Note, error) {
	q := `SELECT id, turn_id, content, type, priority, due_at, done, created_at, updated_at
	      FROM notes`
	if pendingOnly {
		q += ` WHERE done = 0`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := m.db.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var out []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkDone flags a note as handled. Notes are never deleted.
func (m *Manager) MarkDone(ctx context.Context, id string) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	res, err := m.db.DB().ExecContext(ctx,
		`UPDATE notes SET done = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark note done: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNoteNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (*Note, error) {
	var n Note
	var due sql.NullTime
	var done int
	err := row.Scan(&n.ID, &n.TurnID, &n.Content, &n.Type, &n.Priority, &due, &done, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoteNotFound
		}
		return nil, fmt.Errorf("scan note: %w", err)
	}
	if due.Valid {
		n.DueAt = &due.Time
	}
	n.Done = done == 1
	return &n, nil
}
