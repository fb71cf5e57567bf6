// Package cleanup runs the background retention service: periodic sweeps
// of state that accumulates while the orchestrator runs.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/bosun-dev/bosun/pkg/config"
)

// ClaimSweeper reaps expired task leases and reports the freed task ids.
type ClaimSweeper interface {
	Sweep() ([]string, error)
}

// WorktreeSweeper prunes worktree registrations whose directories are gone
// and removes leftover directories nothing registered.
type WorktreeSweeper interface {
	Sweep(ctx context.Context) error
}

// AnalyzerJanitor evicts idle analyzer sessions and stale alert cooldowns.
type AnalyzerJanitor interface {
	PruneStaleSessions(maxAge time.Duration)
	PruneCooldowns()
}

// Service periodically enforces retention:
//   - reaps expired task leases so orphaned claims free up
//   - reconciles worktree registrations with the on-disk state
//   - evicts idle analyzer sessions and stale alert cooldowns
//
// Every pass is idempotent, and the passes are independent: one failing
// never stops the others.
type Service struct {
	cfg        *config.RetentionConfig
	claims     ClaimSweeper
	trees      WorktreeSweeper
	analyzer   AnalyzerJanitor
	sessionAge time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the retention service. Any dependency may be nil, in
// which case its pass is skipped; sessionAge bounds how long an idle
// analyzer session survives.
func NewService(
	cfg *config.RetentionConfig,
	claims ClaimSweeper,
	trees WorktreeSweeper,
	analyzer AnalyzerJanitor,
	sessionAge time.Duration,
) *Service {
	return &Service{
		cfg:        cfg,
		claims:     claims,
		trees:      trees,
		analyzer:   analyzer,
		sessionAge: sessionAge,
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started", "interval", s.cfg.Interval)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.sweepClaims()
	s.sweepWorktrees(ctx)
	s.pruneAnalyzer()
}

func (s *Service) sweepClaims() {
	if s.claims == nil {
		return
	}
	freed, err := s.claims.Sweep()
	if err != nil {
		slog.Error("Retention: claim sweep failed", "error", err)
		return
	}
	if len(freed) > 0 {
		slog.Info("Retention: reaped expired claims", "count", len(freed), "task_ids", freed)
	}
}

func (s *Service) sweepWorktrees(ctx context.Context) {
	if s.trees == nil {
		return
	}
	if err := s.trees.Sweep(ctx); err != nil {
		slog.Error("Retention: worktree sweep failed", "error", err)
	}
}

func (s *Service) pruneAnalyzer() {
	if s.analyzer == nil {
		return
	}
	if s.sessionAge > 0 {
		s.analyzer.PruneStaleSessions(s.sessionAge)
	}
	s.analyzer.PruneCooldowns()
}
