package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bosun-dev/bosun/pkg/kanban"
)

// CreateOrUpdatePR records a pull request for a pushed branch. The branch
// and base branch pair is the identity: publishing the same branch again
// updates the existing record instead of minting a new number. The row is
// locked while updating so concurrent publishers serialize; the scheduler
// claim already guarantees only one process publishes a given task.
func (s *Store) CreateOrUpdatePR(ctx context.Context, req kanban.PRRequest) (kanban.PRResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kanban.PRResult{}, fmt.Errorf("record pull request: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	var number int64
	created := false
	err = tx.QueryRowContext(ctx,
		`SELECT number FROM pull_requests WHERE branch = $1 AND base_branch = $2 FOR UPDATE`,
		req.Branch, req.BaseBranch).Scan(&number)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.QueryRowContext(ctx, `INSERT INTO pull_requests
			(task_id, branch, base_branch, title, body, draft, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			RETURNING number`,
			req.TaskID, req.Branch, req.BaseBranch, req.Title, req.Body, req.Draft, now).
			Scan(&number); err != nil {
			return kanban.PRResult{}, fmt.Errorf("record pull request for %s: %w", req.Branch, err)
		}
		created = true
	case err != nil:
		return kanban.PRResult{}, fmt.Errorf("find pull request for %s: %w", req.Branch, err)
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE pull_requests
			SET task_id = $2, title = $3, body = $4, draft = $5, updated_at = $6
			WHERE number = $1`,
			number, req.TaskID, req.Title, req.Body, req.Draft, now); err != nil {
			return kanban.PRResult{}, fmt.Errorf("update pull request %d: %w", number, err)
		}
	}

	if req.TaskID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks
			SET pr_number = $2, is_draft = $3, updated_at = $4
			WHERE id = $1`,
			req.TaskID, number, req.Draft, now); err != nil {
			return kanban.PRResult{}, fmt.Errorf("link pull request %d to %s: %w", number, req.TaskID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return kanban.PRResult{}, fmt.Errorf("record pull request for %s: %w", req.Branch, err)
	}
	return kanban.PRResult{Number: int(number), Created: created}, nil
}
