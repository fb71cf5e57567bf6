package scheduler

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Slot admission failures the pull loop branches on.
var (
	// ErrNoSlots reports that every execution slot is in use.
	ErrNoSlots = errors.New("no execution slots available")

	// ErrBaseBranchSaturated reports that the per-base-branch slot limit is
	// reached even though overall capacity remains.
	ErrBaseBranchSaturated = errors.New("base branch slot limit reached")
)

// Allocation is one live execution slot. It exists from a successful
// TryAllocate until the guaranteed Release at the end of the task pipeline.
type Allocation struct {
	SlotID      string    `json:"slot_id"`
	TaskID      string    `json:"task_id"`
	SDK         string    `json:"sdk"`
	Branch      string    `json:"branch"`
	BaseBranch  string    `json:"base_branch"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Slots is the bounded execution capacity counter. Mutations are atomic
// under one mutex; no long operation ever runs while it is held.
type Slots struct {
	capacity        int
	baseBranchLimit int

	mu     sync.Mutex
	byID   map[string]*Allocation
	byBase map[string]int

	// released wakes the pull loop when capacity frees up, so a finished
	// task is backfilled without waiting for the next poll tick.
	released chan struct{}

	now func() time.Time
}

// NewSlots creates a slot counter with the given capacity. baseBranchLimit
// caps concurrent allocations sharing one base branch; zero disables the
// sub-limit.
func NewSlots(capacity, baseBranchLimit int) *Slots {
	return &Slots{
		capacity:        capacity,
		baseBranchLimit: baseBranchLimit,
		byID:            make(map[string]*Allocation),
		byBase:          make(map[string]int),
		released:        make(chan struct{}, 1),
		now:             time.Now,
	}
}

// TryAllocate reserves a slot without blocking. It fails with ErrNoSlots at
// capacity and ErrBaseBranchSaturated when the base branch sub-limit is hit.
func (s *Slots) TryAllocate(taskID, sdk, branch, baseBranch string) (*Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.byID) >= s.capacity {
		return nil, ErrNoSlots
	}
	if s.baseBranchLimit > 0 && s.byBase[baseBranch] >= s.baseBranchLimit {
		return nil, ErrBaseBranchSaturated
	}

	alloc := &Allocation{
		SlotID:      uuid.New().String(),
		TaskID:      taskID,
		SDK:         sdk,
		Branch:      branch,
		BaseBranch:  baseBranch,
		AllocatedAt: s.now(),
	}
	s.byID[alloc.SlotID] = alloc
	s.byBase[baseBranch]++
	return alloc, nil
}

// Release frees a slot and wakes the pull loop. Releasing an unknown or
// already-released slot is a no-op, which keeps the cleanup chain idempotent.
func (s *Slots) Release(slotID string) {
	s.mu.Lock()
	alloc, ok := s.byID[slotID]
	if ok {
		delete(s.byID, slotID)
		if s.byBase[alloc.BaseBranch] <= 1 {
			delete(s.byBase, alloc.BaseBranch)
		} else {
			s.byBase[alloc.BaseBranch]--
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	select {
	case s.released <- struct{}{}:
	default:
	}
}

// Released returns the wake channel signalled on each release.
func (s *Slots) Released() <-chan struct{} {
	return s.released
}

// InUse reports the number of live allocations.
func (s *Slots) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Capacity reports the configured maximum.
func (s *Slots) Capacity() int {
	return s.capacity
}

// Snapshot returns the live allocations ordered by allocation time.
func (s *Slots) Snapshot() []Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Allocation, 0, len(s.byID))
	for _, alloc := range s.byID {
		out = append(out, *alloc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AllocatedAt.Equal(out[j].AllocatedAt) {
			return out[i].AllocatedAt.Before(out[j].AllocatedAt)
		}
		return out[i].SlotID < out[j].SlotID
	})
	return out
}
