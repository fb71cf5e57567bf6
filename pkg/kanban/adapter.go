// Package kanban defines the board contract the scheduler drives. A backend
// supplies task listing, lease management, status transitions, and pull
// request bookkeeping; the scheduler treats every backend uniformly.
package kanban

import (
	"context"
	"errors"
	"time"

	"github.com/bosun-dev/bosun/pkg/models"
)

// ErrTaskNotFound reports an operation against a task id the board does not
// know.
var ErrTaskNotFound = errors.New("task not found")

// Transition sources recorded with every status change.
const (
	SourceScheduler = "scheduler"
	SourceRecovery  = "recovery"
	SourceTrustGate = "trust_gate"
	SourceStartup   = "startup"
	SourceOperator  = "operator"
)

// ClaimResult reports one lease acquisition. A refused claim names the
// holder that owns the live lease.
type ClaimResult struct {
	OK             bool
	ExistingHolder string
}

// PRRequest asks the board to record a pull request for a pushed branch.
type PRRequest struct {
	TaskID     string
	Branch     string
	BaseBranch string
	Title      string
	Body       string
	Draft      bool
}

// PRResult reports the pull request recorded for a branch. Created is false
// when an existing request for the same branch pair was updated instead.
type PRResult struct {
	Number  int
	URL     string
	Created bool
}

// Adapter is the full capability set the scheduler requires from a board
// backend.
//
// Claim, Renew, and Release manage the distributed lease: Renew returns
// claims.ErrClaimStolen when the stored holder differs, which is also the
// scheduler's stolen-claim probe before pushing. SetStatus validates the
// transition, records its source, and reports false without writing when
// the status is already current, so callers can skip event emission.
type Adapter interface {
	List(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
	Get(ctx context.Context, taskID string) (*models.Task, error)
	Claim(ctx context.Context, taskID, holderID string, ttl time.Duration) (ClaimResult, error)
	Renew(ctx context.Context, taskID, holderID string) error
	Release(ctx context.Context, taskID, holderID string) error
	SetStatus(ctx context.Context, taskID string, status models.TaskStatus, source string) (bool, error)
	AddTag(ctx context.Context, taskID, tag string) error
	Comment(ctx context.Context, taskID, body string) error
	CreateOrUpdatePR(ctx context.Context, req PRRequest) (PRResult, error)
}
