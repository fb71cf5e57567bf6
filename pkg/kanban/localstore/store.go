// Package localstore implements the kanban adapter on a single SQLite
// file. It is the default backend for one bosun process working a local
// checkout. Task rows, status history, comments, and pull request records
// live in SQLite; leases do not. Claim, Renew, and Release delegate to the
// file claim store so a second process pointed at the same checkout is
// excluded by the filesystem, not by a database only one process opened.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bosun-dev/bosun/pkg/claims"
	"github.com/bosun-dev/bosun/pkg/kanban"
)

var _ kanban.Adapter = (*Store)(nil)

// Store is a SQLite-backed kanban board.
type Store struct {
	db     *sql.DB
	leases *claims.Store
	now    func() time.Time
}

// Open opens or creates the board database at path and applies any pending
// migrations. Parent directories are created as needed.
func Open(path string, leases *claims.Store) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db, leases: leases, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Claim acquires the lease for taskID through the file claim store.
func (s *Store) Claim(ctx context.Context, taskID, holderID string, ttl time.Duration) (kanban.ClaimResult, error) {
	res, err := s.leases.Acquire(taskID, holderID, ttl)
	if err != nil {
		return kanban.ClaimResult{}, err
	}
	return kanban.ClaimResult{OK: res.OK, ExistingHolder: res.ExistingHolder}, nil
}

// Renew refreshes the lease clock. Returns claims.ErrClaimStolen when the
// stored holder no longer matches.
func (s *Store) Renew(ctx context.Context, taskID, holderID string) error {
	return s.leases.Renew(taskID, holderID)
}

// Release drops the lease when this holder still owns it.
func (s *Store) Release(ctx context.Context, taskID, holderID string) error {
	return s.leases.Release(taskID, holderID)
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, migration1},
	{2, migration2},
	{3, migration3},
	{4, migration4},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

const migration1 = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'backlog',
	priority INTEGER NOT NULL DEFAULT 0,
	tags TEXT NOT NULL DEFAULT '[]',
	branch_name TEXT,
	base_branch TEXT,
	pr_number INTEGER,
	pr_url TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS task_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	source TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_task_transitions_task ON task_transitions(task_id);
`

const migration2 = `
CREATE TABLE IF NOT EXISTS task_comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_task_comments_task ON task_comments(task_id);
`

const migration3 = `
CREATE TABLE IF NOT EXISTS pull_requests (
	number INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	branch TEXT NOT NULL,
	base_branch TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	draft INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pull_requests_branch ON pull_requests(branch, base_branch);
`

const migration4 = `
ALTER TABLE tasks ADD COLUMN creator_login TEXT;
ALTER TABLE tasks ADD COLUMN is_draft INTEGER NOT NULL DEFAULT 0;
`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
