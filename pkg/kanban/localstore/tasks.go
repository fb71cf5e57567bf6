package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bosun-dev/bosun/pkg/kanban"
	"github.com/bosun-dev/bosun/pkg/models"
)

const taskColumns = `id, title, description, status, priority, tags,
	branch_name, base_branch, creator_login, pr_number, pr_url, is_draft,
	created_at, updated_at`

// List returns tasks in the given status ordered by priority (highest
// first), then creation time, then id. An empty status lists every task.
func (s *Store) List(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority DESC, created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Get returns a single task by id.
func (s *Store) Get(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", taskID, kanban.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// Create inserts a new task row. Status defaults to backlog and timestamps
// default to now when unset.
func (s *Store) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		return errors.New("create task: empty id")
	}
	if task.Status == "" {
		task.Status = models.StatusBacklog
	}
	if !task.Status.Valid() {
		return fmt.Errorf("create task %s: unknown status %q", task.ID, task.Status)
	}
	now := s.now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	tags, err := encodeTags(task.Tags)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks
		(id, title, description, status, priority, tags, branch_name, base_branch,
		 creator_login, pr_number, pr_url, is_draft, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, string(task.Status), task.Priority, tags,
		nullable(task.BranchName), nullable(task.BaseBranch), nullable(task.CreatorLogin),
		nullableInt(task.PRNumber), nullable(task.PRURL), task.IsDraft,
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

// SetStatus moves a task to status, validating the transition against the
// state machine and recording the move with its source. Returns false
// without writing when the task already has the requested status.
func (s *Store) SetStatus(ctx context.Context, taskID string, status models.TaskStatus, source string) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("set status for %s: unknown status %q", taskID, status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("set status for %s: %w", taskID, err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("set status for %s: %w", taskID, kanban.ErrTaskNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("set status for %s: %w", taskID, err)
	}
	current, err := models.ParseTaskStatus(raw)
	if err != nil {
		return false, fmt.Errorf("set status for %s: %w", taskID, err)
	}
	if current == status {
		return false, nil
	}
	if !current.CanTransition(status) {
		return false, fmt.Errorf("task %s: invalid transition %s -> %s", taskID, current, status)
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, taskID); err != nil {
		return false, fmt.Errorf("set status for %s: %w", taskID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO task_transitions
		(task_id, from_status, to_status, source, created_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, string(current), string(status), source, now); err != nil {
		return false, fmt.Errorf("record transition for %s: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("set status for %s: %w", taskID, err)
	}
	return true, nil
}

// AddTag appends a tag to the task unless it already carries it.
func (s *Store) AddTag(ctx context.Context, taskID, tag string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tag task %s: %w", taskID, err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT tags FROM tasks WHERE id = ?`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("tag task %s: %w", taskID, kanban.ErrTaskNotFound)
	}
	if err != nil {
		return fmt.Errorf("tag task %s: %w", taskID, err)
	}
	var tags []string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			return fmt.Errorf("tag task %s: decode tags: %w", taskID, err)
		}
	}
	for _, have := range tags {
		if have == tag {
			return nil
		}
	}
	tags = append(tags, tag)
	encoded, err := encodeTags(tags)
	if err != nil {
		return fmt.Errorf("tag task %s: %w", taskID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET tags = ?, updated_at = ? WHERE id = ?`,
		encoded, s.now().UTC(), taskID); err != nil {
		return fmt.Errorf("tag task %s: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tag task %s: %w", taskID, err)
	}
	return nil
}

// Comment records a comment on the task.
func (s *Store) Comment(ctx context.Context, taskID, body string) error {
	if err := s.ensureTask(ctx, taskID); err != nil {
		return fmt.Errorf("comment on task %s: %w", taskID, err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO task_comments (task_id, body, created_at) VALUES (?, ?, ?)`,
		taskID, body, s.now().UTC()); err != nil {
		return fmt.Errorf("comment on task %s: %w", taskID, err)
	}
	return nil
}

// Comments returns the task's comment bodies in the order they were added.
func (s *Store) Comments(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM task_comments WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("comments for %s: %w", taskID, err)
	}
	defer rows.Close()

	var bodies []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("comments for %s: %w", taskID, err)
		}
		bodies = append(bodies, body)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("comments for %s: %w", taskID, err)
	}
	return bodies, nil
}

func (s *Store) ensureTask(ctx context.Context, taskID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return kanban.ErrTaskNotFound
	}
	return err
}

func scanTask(sc scanner) (*models.Task, error) {
	var (
		task     models.Task
		status   string
		tagsJSON string
		branch   sql.NullString
		base     sql.NullString
		creator  sql.NullString
		prNumber sql.NullInt64
		prURL    sql.NullString
	)
	if err := sc.Scan(&task.ID, &task.Title, &task.Description, &status, &task.Priority, &tagsJSON,
		&branch, &base, &creator, &prNumber, &prURL, &task.IsDraft,
		&task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := models.ParseTaskStatus(status)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	task.Status = parsed
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &task.Tags); err != nil {
			return nil, fmt.Errorf("task %s: decode tags: %w", task.ID, err)
		}
	}
	task.BranchName = branch.String
	task.BaseBranch = base.String
	task.CreatorLogin = creator.String
	if prNumber.Valid {
		task.PRNumber = int(prNumber.Int64)
	}
	task.PRURL = prURL.String
	return &task, nil
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(data), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
