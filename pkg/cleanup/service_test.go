package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosun-dev/bosun/pkg/config"
)

type stubClaims struct {
	mu    sync.Mutex
	calls int
	freed []string
	err   error
}

func (s *stubClaims) Sweep() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.freed, s.err
}

func (s *stubClaims) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubTrees struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubTrees) Sweep(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubTrees) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubJanitor struct {
	mu        sync.Mutex
	sessions  []time.Duration
	cooldowns int
}

func (s *stubJanitor) PruneStaleSessions(maxAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, maxAge)
}

func (s *stubJanitor) PruneCooldowns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns++
}

func (s *stubJanitor) snapshot() ([]time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sessions...), s.cooldowns
}

func TestServiceRunsAllPassesOnInterval(t *testing.T) {
	claims := &stubClaims{freed: []string{"t1"}}
	trees := &stubTrees{}
	janitor := &stubJanitor{}
	svc := NewService(&config.RetentionConfig{Interval: 10 * time.Millisecond}, claims, trees, janitor, time.Hour)

	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return claims.count() >= 2 && trees.count() >= 2
	}, time.Second, 5*time.Millisecond)

	sessions, cooldowns := janitor.snapshot()
	require.NotEmpty(t, sessions)
	assert.Equal(t, time.Hour, sessions[0])
	assert.GreaterOrEqual(t, cooldowns, 1)
}

func TestServicePassesAreIndependent(t *testing.T) {
	claims := &stubClaims{err: errors.New("claims dir unreadable")}
	trees := &stubTrees{err: errors.New("git worktree prune failed")}
	janitor := &stubJanitor{}
	svc := NewService(&config.RetentionConfig{Interval: time.Hour}, claims, trees, janitor, time.Hour)

	svc.runAll(context.Background())

	assert.Equal(t, 1, claims.count())
	assert.Equal(t, 1, trees.count())
	_, cooldowns := janitor.snapshot()
	assert.Equal(t, 1, cooldowns)
}

func TestServiceSkipsNilDependencies(t *testing.T) {
	svc := NewService(&config.RetentionConfig{Interval: time.Hour}, nil, nil, nil, 0)

	// Must not panic with nothing wired.
	svc.runAll(context.Background())

	svc.Start(context.Background())
	svc.Start(context.Background()) // second Start is a no-op
	svc.Stop()
}

func TestServiceStopWithoutStartIsNoOp(t *testing.T) {
	svc := NewService(&config.RetentionConfig{Interval: time.Hour}, nil, nil, nil, 0)
	svc.Stop()
}

func TestServiceSkipsSessionPruneWithoutAge(t *testing.T) {
	janitor := &stubJanitor{}
	svc := NewService(&config.RetentionConfig{Interval: time.Hour}, nil, nil, janitor, 0)

	svc.runAll(context.Background())

	sessions, cooldowns := janitor.snapshot()
	assert.Empty(t, sessions)
	assert.Equal(t, 1, cooldowns)
}
