package trust

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bosun-dev/bosun/pkg/models"
)

// Tags the screener writes back to the board.
const (
	// TagScreened marks an item the gate has already evaluated, so each
	// item is screened exactly once.
	TagScreened = "screened"

	// TagQuarantined excludes an item from scheduling until a human
	// removes the tag.
	TagQuarantined = "quarantined"
)

// TaskUpdater is the slice of the kanban adapter the screener needs.
type TaskUpdater interface {
	SetStatus(ctx context.Context, taskID string, status models.TaskStatus) error
	AddTag(ctx context.Context, taskID, tag string) error
	Comment(ctx context.Context, taskID, body string) error
}

// Screener applies gate decisions to the board.
type Screener struct {
	gate  *Gate
	board TaskUpdater
}

// NewScreener wires a gate to a board.
func NewScreener(gate *Gate, board TaskUpdater) *Screener {
	return &Screener{gate: gate, board: board}
}

// NeedsScreening reports whether a task is externally authored and not yet
// evaluated.
func NeedsScreening(task *models.Task) bool {
	return task.CreatorLogin != "" && !task.HasTag(TagScreened)
}

// Screen evaluates one task and applies the outcome: status changes, tags,
// and a public comment where configured. When ingestion is disabled the
// task is left completely untouched, so enabling ingestion later picks it
// up fresh.
func (s *Screener) Screen(ctx context.Context, task *models.Task) (Decision, error) {
	decision := s.gate.Evaluate(Item{
		ID:           task.ID,
		Title:        task.Title,
		Description:  task.Description,
		CreatorLogin: task.CreatorLogin,
	})

	if decision.Action == ActionReject && !s.gate.cfg.IngestionEnabled {
		return decision, nil
	}

	switch decision.Action {
	case ActionReject:
		if err := s.board.SetStatus(ctx, task.ID, models.StatusCancelled); err != nil {
			return decision, fmt.Errorf("cancelling rejected task %s: %w", task.ID, err)
		}
		s.comment(ctx, task.ID,
			fmt.Sprintf("This task was not accepted for autonomous execution: %s.", decision.Reason))

	case ActionQuarantine:
		if err := s.board.AddTag(ctx, task.ID, TagQuarantined); err != nil {
			return decision, fmt.Errorf("quarantining task %s: %w", task.ID, err)
		}
		s.comment(ctx, task.ID, quarantineComment(decision))

	case ActionIngestBacklog, ActionIngestTodo:
		if task.Status != decision.Status() {
			if err := s.board.SetStatus(ctx, task.ID, decision.Status()); err != nil {
				return decision, fmt.Errorf("ingesting task %s: %w", task.ID, err)
			}
		}
	}

	if err := s.board.AddTag(ctx, task.ID, TagScreened); err != nil {
		return decision, fmt.Errorf("marking task %s screened: %w", task.ID, err)
	}

	slog.Info("Screened external task",
		"task_id", task.ID,
		"creator", task.CreatorLogin,
		"action", decision.Action,
		"injection_risk", decision.InjectionRisk)
	return decision, nil
}

// comment posts a board comment when enabled; failures are logged, never
// fatal.
func (s *Screener) comment(ctx context.Context, taskID, body string) {
	if !s.gate.cfg.CommentEnabled() {
		return
	}
	if err := s.board.Comment(ctx, taskID, body); err != nil {
		slog.Warn("Failed to post trust gate comment", "task_id", taskID, "error", err)
	}
}

// quarantineComment renders the review request, including redacted match
// excerpts when the quarantine came from the injection scan.
func quarantineComment(decision Decision) string {
	var b strings.Builder
	b.WriteString("This task was quarantined and will not run until a maintainer reviews it ")
	b.WriteString("and removes the quarantined tag. Reason: ")
	b.WriteString(decision.Reason)
	b.WriteString(".")
	if decision.InjectionRisk {
		b.WriteString("\n\nSuspicious content:")
		for _, excerpt := range decision.Excerpts {
			b.WriteString("\n- `")
			b.WriteString(excerpt)
			b.WriteString("`")
		}
	}
	return b.String()
}
