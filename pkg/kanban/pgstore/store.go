// Package pgstore implements the kanban adapter on PostgreSQL for
// deployments where several bosun processes share one board. Leases live
// in claim columns on the task rows themselves: acquisition runs under
// SELECT ... FOR UPDATE, so processes racing for the same task serialize
// on the row lock and exactly one wins.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/bosun-dev/bosun/pkg/claims"
	"github.com/bosun-dev/bosun/pkg/database"
	"github.com/bosun-dev/bosun/pkg/kanban"
)

//go:embed migrations
var migrationsFS embed.FS

var _ kanban.Adapter = (*Store)(nil)

// Store is a PostgreSQL-backed kanban board.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects to PostgreSQL, applies pending migrations, and returns
// the board.
func Open(ctx context.Context, cfg database.Config) (*Store, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, migrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// NewFromDB wraps an existing connection, useful for tests.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Claim acquires the lease for taskID in one transaction. A live foreign
// lease wins and is reported; an expired or self-owned lease is replaced.
func (s *Store) Claim(ctx context.Context, taskID, holderID string, ttl time.Duration) (kanban.ClaimResult, error) {
	if ttl <= 0 {
		ttl = claims.DefaultTTL
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kanban.ClaimResult{}, fmt.Errorf("claim %s: %w", taskID, err)
	}
	defer tx.Rollback()

	var (
		holder  sql.NullString
		expires sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		`SELECT claimed_by, claim_expires_at FROM tasks WHERE id = $1 FOR UPDATE`, taskID).
		Scan(&holder, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return kanban.ClaimResult{}, fmt.Errorf("claim %s: %w", taskID, kanban.ErrTaskNotFound)
	}
	if err != nil {
		return kanban.ClaimResult{}, fmt.Errorf("claim %s: %w", taskID, err)
	}

	now := s.now().UTC()
	if holder.Valid && holder.String != holderID && expires.Valid && expires.Time.After(now) {
		return kanban.ClaimResult{ExistingHolder: holder.String}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET claimed_by = $2, claim_acquired_at = $3, claim_expires_at = $4 WHERE id = $1`,
		taskID, holderID, now, now.Add(ttl)); err != nil {
		return kanban.ClaimResult{}, fmt.Errorf("claim %s: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return kanban.ClaimResult{}, fmt.Errorf("claim %s: %w", taskID, err)
	}
	return kanban.ClaimResult{OK: true}, nil
}

// Renew refreshes the lease clock, preserving the originally granted TTL.
// Returns claims.ErrClaimStolen when taskID is no longer held by holderID.
func (s *Store) Renew(ctx context.Context, taskID, holderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET claim_expires_at = $3 + (claim_expires_at - claim_acquired_at),
		     claim_acquired_at = $3
		 WHERE id = $1 AND claimed_by = $2`,
		taskID, holderID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("renew claim %s: %w", taskID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew claim %s: %w", taskID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s is not held by %s", claims.ErrClaimStolen, taskID, holderID)
	}
	return nil
}

// Release drops the lease when holderID still owns it. Releasing an absent
// or stolen lease is a no-op so cleanup chains stay idempotent.
func (s *Store) Release(ctx context.Context, taskID, holderID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET claimed_by = NULL, claim_acquired_at = NULL, claim_expires_at = NULL
		 WHERE id = $1 AND claimed_by = $2`,
		taskID, holderID); err != nil {
		return fmt.Errorf("release claim %s: %w", taskID, err)
	}
	return nil
}

// SweepClaims clears every expired lease and returns the freed task IDs.
func (s *Store) SweepClaims(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE tasks
		 SET claimed_by = NULL, claim_acquired_at = NULL, claim_expires_at = NULL
		 WHERE claimed_by IS NOT NULL AND claim_expires_at <= $1
		 RETURNING id`,
		s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("sweep claims: %w", err)
	}
	defer rows.Close()

	var freed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sweep claims: %w", err)
		}
		freed = append(freed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sweep claims: %w", err)
	}
	return freed, nil
}
