// Package grant issues and verifies authorization grants. A grant binds a
// bcrypt-hashed secret to a scope and an expiry; side-effecting operations
// (resource adjustments, plan execution) run only against a verified grant.
package grant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/store"
)

// Scopes recognized by the engine.
const (
	ScopeResourceAdjust = "resource:adjust"
	ScopePlanExecute    = "plan:execute"
)

// bcryptCost balances verification latency against brute-force resistance.
const bcryptCost = 10

// ErrNotAuthorized is returned when a grant is missing, expired, scoped
// differently, or presented with the wrong secret. Callers are told nothing
// more specific on purpose.
var ErrNotAuthorized = errors.New("grant not authorized")

// Grant is the stored form; the secret exists only as a bcrypt hash.
type Grant struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Service manages grants. Safe for concurrent use.
type Service struct {
	db  *store.Store
	log zerolog.Logger
}

// NewService creates a grant service over the shared store.
func NewService(db *store.Store) *Service {
	return &Service{db: db, log: logging.ForComponent("grant")}
}

// Issue creates a grant for a scope with the given lifetime. The returned
// secret is shown exactly once; only its hash is stored.
func (s *Service) Issue(ctx context.Context, scope string, ttl time.Duration) (*Grant, string, error) {
	if scope == "" {
		return nil, "", fmt.Errorf("scope cannot be empty")
	}
	if ttl <= 0 {
		return nil, "", fmt.Errorf("ttl must be positive")
	}

	secret := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash secret: %w", err)
	}

	g := &Grant{
		ID:        uuid.NewString(),
		Scope:     scope,
		ExpiresAt: time.Now().Add(ttl).UTC(),
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.db.DB().ExecContext(ctx,
		`INSERT INTO grants (id, scope, secret_hash, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.Scope, string(hash), g.ExpiresAt, g.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("insert grant: %w", err)
	}

	s.log.Info().Str("grant_id", g.ID).Str("scope", scope).Time("expires_at", g.ExpiresAt).Msg("grant issued")
	return g, secret, nil
}

// Verify checks a presented grant id + secret against the required scope.
// Returns ErrNotAuthorized for every failure mode: unknown id, wrong
// secret, wrong scope, or expiry.
func (s *Service) Verify(ctx context.Context, grantID, secret, scope string) error {
	if grantID == "" || secret == "" {
		return ErrNotAuthorized
	}

	var storedScope, secretHash string
	var expiresAt time.Time
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT scope, secret_hash, expires_at FROM grants WHERE id = ?`, grantID).
		Scan(&storedScope, &secretHash, &expiresAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Error().Err(err).Str("grant_id", grantID).Msg("grant lookup failed")
		}
		return ErrNotAuthorized
	}

	if storedScope != scope {
		return ErrNotAuthorized
	}
	if time.Now().After(expiresAt) {
		return ErrNotAuthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)) != nil {
		return ErrNotAuthorized
	}

	return nil
}

// Revoke deletes a grant immediately.
func (s *Service) Revoke(ctx context.Context, grantID string) error {
	_, err := s.db.DB().ExecContext(ctx, `DELETE FROM grants WHERE id = ?`, grantID)
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	return nil
}
