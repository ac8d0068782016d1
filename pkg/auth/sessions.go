package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gatekeeper/pkg/apierrors"
)

// RevocablePrefix marks session tokens that can be revoked server-side.
// Legacy tokens carry no prefix; the session-upgrade endpoint only accepts
// legacy tokens, since a revocable token has nothing left to upgrade.
const RevocablePrefix = "r:"

// Verifier is the narrow session-verification helper. It is deliberately
// callable from both the main pipeline and the rate-limit user-zone key
// derivation without re-entering rate limiting.
type Verifier interface {
	// Verify returns the user id owning the token. legacy restricts
	// eligibility to tokens without the revocable prefix.
	Verify(ctx context.Context, appID, token string, legacy bool) (string, error)
}

// PGSessions verifies session tokens against PostgreSQL.
type PGSessions struct {
	Pool *pgxpool.Pool
}

// EnsureSessionSchema creates the sessions table. Idempotent.
func EnsureSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
  app_id text NOT NULL,
  token text NOT NULL,
  user_id text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  expires_at timestamptz NOT NULL,
  PRIMARY KEY (app_id, token)
);
CREATE INDEX IF NOT EXISTS sessions_expiry ON sessions (expires_at);
`)
	return err
}

func (s *PGSessions) Verify(ctx context.Context, appID, token string, legacy bool) (string, error) {
	if legacy && strings.HasPrefix(token, RevocablePrefix) {
		return "", apierrors.InvalidSession("invalid legacy session token")
	}
	var user string
	var expires time.Time
	err := s.Pool.QueryRow(ctx,
		`SELECT user_id, expires_at FROM sessions WHERE app_id = $1 AND token = $2`,
		appID, token,
	).Scan(&user, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apierrors.InvalidSession("invalid session token")
	}
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}
	if time.Now().After(expires) {
		return "", apierrors.InvalidSession("session token expired")
	}
	return user, nil
}

// Create writes a session record; used by the session-upgrade flow and by
// tests exercising the verification path.
func (s *PGSessions) Create(ctx context.Context, appID, token, userID string, ttl time.Duration) error {
	_, err := s.Pool.Exec(ctx, `
INSERT INTO sessions (app_id, token, user_id, expires_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (app_id, token) DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at`,
		appID, token, userID, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("session create: %w", err)
	}
	return nil
}
