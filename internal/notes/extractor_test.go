package notes

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/store"
)

func TestHeuristicClassify(t *testing.T) {
	c := NewHeuristicClassifier()

	tests := []struct {
		name     string
		input    string
		wantNote bool
		wantType string
	}{
		{"reminder phrase", "remind me to call the supplier tomorrow", true, TypeReminder},
		{"task phrase", "I need to update the warehouse layout doc", true, TypeTask},
		{"idea phrase", "what if we batched the restock orders weekly", true, TypeIdea},
		{"important phrase", "this is critical: the ledger export is wrong", true, TypeImportant},
		{"plain chatter", "thanks, that answer was helpful", false, ""},
		{"question only", "how many orders shipped yesterday?", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls, ok := c.Classify(tt.input)
			if ok != tt.wantNote {
				t.Fatalf("Classify(%q) ok = %v, want %v", tt.input, ok, tt.wantNote)
			}
			if ok && cls.Type != tt.wantType {
				t.Errorf("Classify(%q) type = %s, want %s", tt.input, cls.Type, tt.wantType)
			}
		})
	}
}

func TestHeuristicClassifyDeterministic(t *testing.T) {
	c := NewHeuristicClassifier()
	input := "important: remind me to review the critical restock task"

	first, ok := c.Classify(input)
	if !ok {
		t.Fatal("expected a note")
	}
	for i := 0; i < 30; i++ {
		cls, ok := c.Classify(input)
		if !ok || cls.Type != first.Type || cls.Priority != first.Priority {
			t.Fatalf("run %d: classification changed: %+v vs %+v", i, cls, first)
		}
	}
}

func TestParseDueTomorrowMorning(t *testing.T) {
	c := NewHeuristicClassifier()
	base := time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	cls, ok := c.Classify("remind me tomorrow at 9am to submit the report")
	require.True(t, ok)
	require.NotNil(t, cls.DueAt)
	assert.Equal(t, time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC), *cls.DueAt)
}

func TestParseDueRelative(t *testing.T) {
	c := NewHeuristicClassifier()
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	cls, ok := c.Classify("don't forget the stand-up in 2 hours")
	require.True(t, ok)
	require.NotNil(t, cls.DueAt)
	assert.Equal(t, base.Add(2*time.Hour), *cls.DueAt)
}

func TestParseDuePM(t *testing.T) {
	c := NewHeuristicClassifier()
	base := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	cls, ok := c.Classify("remind me today at 5pm about the vendor call")
	require.True(t, ok)
	require.NotNil(t, cls.DueAt)
	assert.Equal(t, 17, cls.DueAt.Hour())
}

func TestExtractPersistsNote(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	mgr := NewManager(db)
	ex := NewExtractor(NewHeuristicClassifier(), mgr)

	n, err := ex.Extract(context.Background(), "turn-1", "remind me to email the vendor tomorrow")
	require.NoError(t, err)
	require.NotNil(t, n)

	got, err := mgr.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.Content, got.Content)
	assert.Equal(t, TypeReminder, got.Type)
	assert.Equal(t, "turn-1", got.TurnID)
	assert.False(t, got.Done)
}

func TestExtractNothingToKeep(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	ex := NewExtractor(NewHeuristicClassifier(), NewManager(db))

	n, err := ex.Extract(context.Background(), "turn-2", "ok sounds good")
	require.NoError(t, err)
	assert.Nil(t, n)
}
