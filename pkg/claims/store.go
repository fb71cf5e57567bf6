// Package claims implements the file-backed lease store used when tasks
// come from the local kanban backend. One JSON file per task holds the
// lease; exclusive file creation is the cross-process mutual exclusion
// primitive, and the in-process mutex serializes this process's own
// attempts.
package claims

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bosun-dev/bosun/pkg/models"
)

// ErrClaimStolen reports that a lease's stored holder no longer matches the
// process trying to renew it.
var ErrClaimStolen = errors.New("claim stolen by another holder")

// DefaultTTL matches the scheduler's default lease lifetime.
const DefaultTTL = 180 * time.Minute

// tempAge is how old an orphaned renewal temp file must be before a sweep
// removes it.
const tempAge = time.Hour

var errCorruptClaim = errors.New("corrupt claim file")

// validTaskID rejects ids that could escape the claims directory or hide as
// dotfiles.
var validTaskID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Result reports one acquisition attempt. A refused acquisition carries the
// holder that owns the live lease.
type Result struct {
	OK             bool
	ExistingHolder string
}

// Store keeps one lease file per task under a claims directory.
type Store struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewStore opens the store rooted at dir, creating it if missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create claims dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Acquire takes the lease for taskID. An expired, corrupt, or self-owned
// lease is reaped first; a live foreign lease wins and the result names its
// holder.
func (s *Store) Acquire(taskID, holderID string, ttl time.Duration) (Result, error) {
	if err := validate(taskID); err != nil {
		return Result{}, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(taskID)
	for attempt := 0; attempt < 3; attempt++ {
		existing, err := s.read(taskID)
		switch {
		case err == nil && existing.HolderID != holderID && !existing.Expired(s.now()):
			return Result{ExistingHolder: existing.HolderID}, nil
		case err == nil || errors.Is(err, errCorruptClaim):
			// Expired, self-owned, or unreadable leases protect nobody.
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return Result{}, fmt.Errorf("reap claim %s: %w", taskID, err)
			}
		}

		created, err := s.createExclusive(path, models.Claim{
			TaskID:     taskID,
			HolderID:   holderID,
			AcquiredAt: s.now().UTC(),
			TTLMinutes: int((ttl + time.Minute - 1) / time.Minute),
		})
		if err != nil {
			return Result{}, err
		}
		if created {
			return Result{OK: true}, nil
		}
		// Another process created the file between reap and create.
	}
	existing, err := s.read(taskID)
	if err != nil {
		return Result{}, fmt.Errorf("claim %s: lost acquisition race: %w", taskID, err)
	}
	return Result{ExistingHolder: existing.HolderID}, nil
}

// Renew refreshes the lease clock for a claim this holder still owns. The
// rewrite lands via temp file and rename so readers never observe a partial
// file.
func (s *Store) Renew(taskID, holderID string) error {
	if err := validate(taskID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(taskID)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, errCorruptClaim) {
		return fmt.Errorf("%w: no readable lease for %s", ErrClaimStolen, taskID)
	}
	if err != nil {
		return err
	}
	if existing.HolderID != holderID {
		return fmt.Errorf("%w: %s now holds %s", ErrClaimStolen, existing.HolderID, taskID)
	}
	existing.AcquiredAt = s.now().UTC()
	return s.replace(taskID, *existing)
}

// Release drops the lease when this holder still owns it. Releasing an
// absent or stolen lease is a no-op so cleanup chains stay idempotent.
func (s *Store) Release(taskID, holderID string) error {
	if err := validate(taskID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(taskID)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case errors.Is(err, errCorruptClaim):
		return s.remove(taskID)
	case err != nil:
		return err
	case existing.HolderID != holderID:
		slog.Warn("Ignoring release of stolen claim", "task_id", taskID, "holder", existing.HolderID)
		return nil
	}
	return s.remove(taskID)
}

// Holder reports the current lease holder, empty when no readable claim
// exists. Expiry is not applied here: the stolen-claim check compares raw
// ownership.
func (s *Store) Holder(taskID string) (string, error) {
	if err := validate(taskID); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(taskID)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, errCorruptClaim) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return existing.HolderID, nil
}

// Sweep reaps expired and corrupt lease files plus aged renewal temp files,
// returning the task IDs freed.
func (s *Store) Sweep() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read claims dir: %w", err)
	}
	var reaped []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			s.reapTemp(entry)
			continue
		}
		taskID := strings.TrimSuffix(name, ".json")
		claim, err := s.read(taskID)
		switch {
		case errors.Is(err, errCorruptClaim):
			if s.remove(taskID) == nil {
				reaped = append(reaped, taskID)
			}
		case err != nil:
			continue
		case claim.Expired(s.now()):
			slog.Info("Reaping expired claim", "task_id", taskID, "holder", claim.HolderID)
			if s.remove(taskID) == nil {
				reaped = append(reaped, taskID)
			}
		}
	}
	sort.Strings(reaped)
	return reaped, nil
}

// reapTemp removes leftover renewal temp files once they are old enough
// that no live renewal can still be using them.
func (s *Store) reapTemp(entry fs.DirEntry) {
	if !strings.HasPrefix(entry.Name(), ".claim-") {
		return
	}
	info, err := entry.Info()
	if err != nil || s.now().Sub(info.ModTime()) < tempAge {
		return
	}
	_ = os.Remove(filepath.Join(s.dir, entry.Name()))
}

func (s *Store) read(taskID string) (*models.Claim, error) {
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		return nil, err
	}
	var claim models.Claim
	if err := json.Unmarshal(data, &claim); err != nil || claim.HolderID == "" {
		return nil, errCorruptClaim
	}
	if claim.TaskID == "" {
		claim.TaskID = taskID
	}
	return &claim, nil
}

// createExclusive writes the lease under O_EXCL. Returns false when another
// process created the file first.
func (s *Store) createExclusive(path string, claim models.Claim) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create claim %s: %w", claim.TaskID, err)
	}
	data, err := json.Marshal(claim)
	if err == nil {
		_, err = f.Write(append(data, '\n'))
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("write claim %s: %w", claim.TaskID, err)
	}
	return true, nil
}

func (s *Store) replace(taskID string, claim models.Claim) error {
	data, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("marshal claim %s: %w", taskID, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".claim-*")
	if err != nil {
		return fmt.Errorf("temp claim file: %w", err)
	}
	_, err = tmp.Write(append(data, '\n'))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write claim %s: %w", taskID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(taskID)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace claim %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) remove(taskID string) error {
	if err := os.Remove(s.path(taskID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove claim %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

func validate(taskID string) error {
	if !validTaskID.MatchString(taskID) {
		return models.NewFatalAgentError(models.KindRequest, "invalid task id %q", taskID)
	}
	return nil
}
