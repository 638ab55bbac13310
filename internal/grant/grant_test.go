package grant

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/store"
)

func testService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewService(db)
}

func TestIssueAndVerify(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	g, secret, err := s.Issue(ctx, ScopeResourceAdjust, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, g.ID)
	require.NotEmpty(t, secret)

	assert.NoError(t, s.Verify(ctx, g.ID, secret, ScopeResourceAdjust))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	g, _, err := s.Issue(ctx, ScopePlanExecute, time.Hour)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Verify(ctx, g.ID, "not-the-secret", ScopePlanExecute), ErrNotAuthorized)
}

func TestVerifyRejectsWrongScope(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	g, secret, err := s.Issue(ctx, ScopePlanExecute, time.Hour)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Verify(ctx, g.ID, secret, ScopeResourceAdjust), ErrNotAuthorized)
}

func TestVerifyRejectsExpiredGrant(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	g, secret, err := s.Issue(ctx, ScopeResourceAdjust, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	assert.ErrorIs(t, s.Verify(ctx, g.ID, secret, ScopeResourceAdjust), ErrNotAuthorized)
}

func TestVerifyRejectsUnknownGrant(t *testing.T) {
	s := testService(t)
	assert.ErrorIs(t, s.Verify(context.Background(), "no-such-grant", "secret", ScopePlanExecute), ErrNotAuthorized)
}

func TestRevoke(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	g, secret, err := s.Issue(ctx, ScopeResourceAdjust, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, g.ID))

	assert.ErrorIs(t, s.Verify(ctx, g.ID, secret, ScopeResourceAdjust), ErrNotAuthorized)
}
