// Package models defines the domain types shared across bosun components.
package models

import (
	"fmt"
	"time"
)

// TaskStatus is the kanban status of a task.
type TaskStatus string

// Task status constants. These are the wire values stored by every kanban
// backend and must not be renamed.
const (
	StatusBacklog    TaskStatus = "backlog"
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "inprogress"
	StatusInReview   TaskStatus = "inreview"
	StatusDone       TaskStatus = "done"
	StatusCancelled  TaskStatus = "cancelled"
	StatusBlocked    TaskStatus = "blocked"
)

// AllStatuses lists every valid task status.
var AllStatuses = []TaskStatus{
	StatusBacklog, StatusTodo, StatusInProgress, StatusInReview,
	StatusDone, StatusCancelled, StatusBlocked,
}

// ValidTransitions maps each status to the set of statuses it may move to.
// The scheduler only ever drives todo → inprogress → {inreview, todo,
// blocked}; the remaining edges exist for operators and external tools.
var ValidTransitions = map[TaskStatus][]TaskStatus{
	StatusBacklog:    {StatusTodo, StatusCancelled},
	StatusTodo:       {StatusInProgress, StatusBacklog, StatusBlocked, StatusCancelled},
	StatusInProgress: {StatusInReview, StatusTodo, StatusBlocked, StatusDone, StatusCancelled},
	StatusInReview:   {StatusDone, StatusTodo, StatusInProgress, StatusBlocked, StatusCancelled},
	StatusBlocked:    {StatusTodo, StatusCancelled},
	StatusDone:       {},
	StatusCancelled:  {},
}

// IsTerminal reports whether the status ends a task's lifecycle.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether a move from s to next is allowed.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range ValidTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseTaskStatus converts a stored string into a TaskStatus.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	s := TaskStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown task status %q", raw)
	}
	return s, nil
}

// Task is a unit of work pulled from a kanban backend.
//
// IDs are opaque and compared as raw bytes; casing is preserved end to end.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       TaskStatus `json:"status"`
	Tags         []string   `json:"tags,omitempty"`
	Priority     int        `json:"priority,omitempty"`
	BranchName   string     `json:"branch_name,omitempty"`
	BaseBranch   string     `json:"base_branch,omitempty"`
	CreatorLogin string     `json:"creator_login,omitempty"`
	PRNumber     int        `json:"pr_number,omitempty"`
	PRURL        string     `json:"pr_url,omitempty"`
	IsDraft      bool       `json:"is_draft,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}
