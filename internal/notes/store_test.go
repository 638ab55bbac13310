package notes

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/store"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(db)
}

func TestNoteRoundTrip(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	due := time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC)
	n := &Note{
		TurnID:   "turn-1",
		Content:  "remind me to call the supplier",
		Type:     TypeReminder,
		Priority: 2,
		DueAt:    &due,
	}
	require.NoError(t, m.Create(ctx, n))
	require.NotEmpty(t, n.ID)

	got, err := m.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.Content, got.Content)
	assert.Equal(t, n.Type, got.Type)
	assert.Equal(t, n.Priority, got.Priority)
	require.NotNil(t, got.DueAt)
	assert.True(t, got.DueAt.Equal(due))
	assert.False(t, got.Done)
}

func TestCreateRejectsEmptyContent(t *testing.T) {
	m := testManager(t)
	assert.Error(t, m.Create(context.Background(), &Note{}))
}

func TestMarkDoneKeepsNote(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	n := &Note{Content: "task: rotate the stock"}
	require.NoError(t, m.Create(ctx, n))
	require.NoError(t, m.MarkDone(ctx, n.ID))

	// Done notes still exist; they only drop out of the pending list.
	got, err := m.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.True(t, got.Done)

	pending, err := m.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := m.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMarkDoneUnknownNote(t *testing.T) {
	m := testManager(t)
	assert.ErrorIs(t, m.MarkDone(context.Background(), "nope"), ErrNoteNotFound)
}

func TestConcurrentMarkDone(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	n := &Note{Content: "shared note"}
	require.NoError(t, m.Create(ctx, n))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.MarkDone(ctx, n.ID)
		}()
	}
	wg.Wait()

	got, err := m.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.True(t, got.Done)
}
