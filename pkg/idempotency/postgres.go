// pkg/idempotency/postgres.go
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pg unique_violation
const uniqueViolation = "23505"

// PGStore backs the ledger with a unique-insert table in PostgreSQL.
type PGStore struct {
	Pool *pgxpool.Pool
}

// EnsureLedgerSchema creates the ledger table. Idempotent.
func EnsureLedgerSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS idempotency_ledger (
  app_id text NOT NULL,
  request_id text NOT NULL,
  expires_at timestamptz NOT NULL,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  PRIMARY KEY (app_id, request_id)
);
CREATE INDEX IF NOT EXISTS idempotency_ledger_expiry ON idempotency_ledger (expires_at);
`)
	return err
}

func (s *PGStore) SupportsUniqueInsert() bool { return s != nil && s.Pool != nil }

// Insert relies on the primary key for dedup. An expired row with the same
// id is replaced in the same statement, so a retried id becomes first-seen
// again once its TTL lapses.
func (s *PGStore) Insert(ctx context.Context, appID, requestID string, expiresAt time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
INSERT INTO idempotency_ledger (app_id, request_id, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (app_id, request_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
WHERE idempotency_ledger.expires_at <= NOW()`,
		appID, requestID, expiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicate, requestID)
		}
		return fmt.Errorf("ledger insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Conflict hit a live row: the id was seen within its TTL window.
		return fmt.Errorf("%w: %s", ErrDuplicate, requestID)
	}
	return nil
}

// Sweep deletes expired records. Run periodically; dedup correctness does
// not depend on it, it only bounds table growth.
func (s *PGStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM idempotency_ledger WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("ledger sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StartSweeper runs Sweep on an interval until ctx is done.
func (s *PGStore) StartSweeper(ctx context.Context, interval time.Duration, log *zap.SugaredLogger) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := s.Sweep(ctx)
				if err != nil {
					log.Warnw("ledger sweep failed", "err", err)
					continue
				}
				if n > 0 {
					log.Debugw("ledger sweep", "expired", n)
				}
			}
		}
	}()
}
