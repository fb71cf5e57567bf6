package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bosun-dev/bosun/pkg/kanban"
)

// CreateOrUpdatePR records a pull request for a pushed branch. The branch
// and base branch pair is the identity: publishing the same branch again
// updates the existing record instead of minting a new number. The local
// backend has no forge, so results carry no URL.
func (s *Store) CreateOrUpdatePR(ctx context.Context, req kanban.PRRequest) (kanban.PRResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kanban.PRResult{}, fmt.Errorf("record pull request: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	var number int64
	created := false
	err = tx.QueryRowContext(ctx, `SELECT number FROM pull_requests WHERE branch = ? AND base_branch = ?`,
		req.Branch, req.BaseBranch).Scan(&number)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `INSERT INTO pull_requests
			(task_id, branch, base_branch, title, body, draft, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			req.TaskID, req.Branch, req.BaseBranch, req.Title, req.Body, req.Draft, now, now)
		if err != nil {
			return kanban.PRResult{}, fmt.Errorf("record pull request for %s: %w", req.Branch, err)
		}
		number, err = res.LastInsertId()
		if err != nil {
			return kanban.PRResult{}, fmt.Errorf("pull request number for %s: %w", req.Branch, err)
		}
		created = true
	case err != nil:
		return kanban.PRResult{}, fmt.Errorf("find pull request for %s: %w", req.Branch, err)
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE pull_requests
			SET task_id = ?, title = ?, body = ?, draft = ?, updated_at = ?
			WHERE number = ?`,
			req.TaskID, req.Title, req.Body, req.Draft, now, number); err != nil {
			return kanban.PRResult{}, fmt.Errorf("update pull request %d: %w", number, err)
		}
	}

	if req.TaskID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks
			SET pr_number = ?, is_draft = ?, updated_at = ?
			WHERE id = ?`,
			number, req.Draft, now, req.TaskID); err != nil {
			return kanban.PRResult{}, fmt.Errorf("link pull request %d to %s: %w", number, req.TaskID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return kanban.PRResult{}, fmt.Errorf("record pull request for %s: %w", req.Branch, err)
	}
	return kanban.PRResult{Number: int(number), Created: created}, nil
}
