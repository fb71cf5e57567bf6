package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/bosun-dev/bosun/pkg/api"
	"github.com/bosun-dev/bosun/pkg/claims"
	"github.com/bosun-dev/bosun/pkg/classify"
	"github.com/bosun-dev/bosun/pkg/cleanup"
	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/database"
	"github.com/bosun-dev/bosun/pkg/events"
	"github.com/bosun-dev/bosun/pkg/kanban"
	"github.com/bosun-dev/bosun/pkg/kanban/localstore"
	"github.com/bosun-dev/bosun/pkg/kanban/pgstore"
	"github.com/bosun-dev/bosun/pkg/models"
	"github.com/bosun-dev/bosun/pkg/notify"
	"github.com/bosun-dev/bosun/pkg/runner"
	"github.com/bosun-dev/bosun/pkg/scheduler"
	"github.com/bosun-dev/bosun/pkg/trust"
	"github.com/bosun-dev/bosun/pkg/version"
	"github.com/bosun-dev/bosun/pkg/worktree"
	"github.com/bosun-dev/bosun/pkg/workstream"
)

// resolveHolderID determines this process's claim holder identity.
// Priority: BOSUN_HOLDER_ID env > HOSTNAME env > "local"
func resolveHolderID() string {
	if id := os.Getenv("BOSUN_HOLDER_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("BOSUN_CONFIG"); v != "" {
		return v
	}
	return "bosun.yaml"
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogging installs the default handler: text for development, JSON
// when LOG_FORMAT=json. The flag wins over LOG_LEVEL.
func setupLogging() {
	level := logLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// boardStore is the backend surface the process manages beyond the
// scheduler's adapter view.
type boardStore interface {
	kanban.Adapter
	Ping(ctx context.Context) error
	Close() error
}

// trustGateBoard pins trust-gate attribution on screener status writes; the
// screener's updater contract carries no transition source.
type trustGateBoard struct {
	kanban.Adapter
}

func (b trustGateBoard) SetStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	_, err := b.Adapter.SetStatus(ctx, taskID, status, kanban.SourceTrustGate)
	return err
}

// pgClaimSweeper adapts the Postgres claim sweep to the retention service's
// context-free sweeper contract.
type pgClaimSweeper struct {
	store *pgstore.Store
}

func (p pgClaimSweeper) Sweep() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.store.SweepClaims(ctx)
}

// openStore selects the board backend: Postgres when a DSN is configured,
// otherwise the local SQLite store paired with file claims.
func openStore(ctx context.Context, cfg *config.Config) (boardStore, cleanup.ClaimSweeper, error) {
	driver := cfg.Store.Driver
	if driver == "" {
		if cfg.Store.DSN != "" {
			driver = "postgres"
		} else {
			driver = "sqlite"
		}
	}

	switch driver {
	case "postgres":
		if cfg.Store.DSN == "" {
			return nil, nil, errors.New("store.driver is postgres but no DSN is configured (set BOSUN_DB_URL)")
		}
		store, err := pgstore.Open(ctx, database.Config{
			URL:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Board store ready", "driver", "postgres")
		return store, pgClaimSweeper{store: store}, nil
	default:
		leases, err := claims.NewStore(cfg.ClaimsDir())
		if err != nil {
			return nil, nil, err
		}
		store, err := localstore.Open(cfg.StorePath(), leases)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Board store ready", "driver", "sqlite", "path", cfg.StorePath())
		return store, leases, nil
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()

	// Load .env from beside the config file. godotenv never overrides
	// variables already set, so real environment wins over the file.
	envPath := filepath.Join(filepath.Dir(cfgPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	// Flags land as environment overrides so Load keeps a single
	// precedence chain: flags > environment > file > defaults.
	if workspace != "" {
		os.Setenv("BOSUN_WORKSPACE", workspace)
	}
	if repoRoot != "" {
		os.Setenv("BOSUN_AGENT_REPO_ROOT", repoRoot)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	holderID := resolveHolderID()
	slog.Info("Starting bosun",
		"version", version.Full(),
		"holder_id", holderID,
		"workspace", cfg.Workspace,
		"repo_root", cfg.RepoRoot)

	// 2. Board store
	store, claimSweeper, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open board store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing board store", "error", err)
		}
	}()

	// 3. Event bus
	bus := events.NewBus(cfg.Bus)
	bus.Start(ctx)
	publisher := events.NewPublisher(bus)

	// 4. Work-stream log. Appends double as liveness beats; a session end
	// retires its attempt from stale tracking.
	stream, err := workstream.NewWriter(cfg.WorkStreamPath())
	if err != nil {
		slog.Error("Failed to open work-stream log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			slog.Error("Error closing work-stream log", "error", err)
		}
	}()
	stream.SetObserver(func(evt models.WorkStreamEvent) {
		if evt.EventType == models.EventSessionEnd {
			bus.ClearBeat(evt.AttemptID)
			return
		}
		bus.Beat(evt.AttemptID, evt.TaskID, evt.Executor)
	})

	// 5. Alert log and work-stream analyzer
	alerts, err := workstream.OpenAlertLog(cfg.AlertsPath())
	if err != nil {
		slog.Error("Failed to open alerts log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := alerts.Close(); err != nil {
			slog.Error("Error closing alerts log", "error", err)
		}
	}()

	analyzer := workstream.NewAnalyzer(cfg.Analyzer, cfg.WorkStreamPath(), alerts, publisher)
	analyzer.Start(ctx)

	// 6. Error tracking, worktrees, agent runner
	tracker := classify.NewTracker(cfg.Classifier)
	trees := worktree.NewManager(cfg.Worktree, cfg.RepoRoot)
	agents := runner.NewCLIRunner(cfg.Runner, stream)

	// 7. Scheduler with trust screening and operator notifications.
	// The notifier watch and the HTTP server run under one errgroup, so a
	// subsystem failure cancels the group and triggers shutdown.
	sched := scheduler.New(holderID, cfg, store, trees, agents, tracker, publisher)
	sched.SetScreener(trust.NewScreener(trust.NewGate(cfg.Trust), trustGateBoard{Adapter: store}))

	group, groupCtx := errgroup.WithContext(ctx)

	notifyCtx, stopNotify := context.WithCancel(groupCtx)
	defer stopNotify()
	notifier := notify.NewService(notify.ServiceConfig{
		Token:  os.Getenv(cfg.Notify.TokenEnv),
		ChatID: cfg.Notify.ChatID,
	})
	if notifier != nil {
		sched.SetNotifier(notifier)
		group.Go(func() error {
			notifier.Watch(notifyCtx, bus)
			return nil
		})
	}

	// 8. Retention service
	retention := cleanup.NewService(cfg.Retention, claimSweeper, trees, analyzer, cfg.Analyzer.SessionIdleEviction)
	retention.Start(ctx)

	// 9. Requeue tasks stranded by a previous process, then admit.
	if err := sched.Reconcile(ctx); err != nil {
		slog.Error("Startup reconcile failed", "error", err)
		// Non-fatal, admission continues against the live board.
	}
	if err := sched.Start(ctx); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// 10. HTTP API (non-blocking)
	var apiServer *api.Server
	if !cfg.API.Disabled && cfg.API.Addr != "" {
		apiServer = api.NewServer(cfg.API, sched, bus, tracker, alerts, store)
		group.Go(func() error {
			if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	slog.Info("bosun started",
		"holder_id", holderID,
		"max_parallel", cfg.Scheduler.MaxParallel,
		"poll_interval", cfg.Scheduler.PollInterval)

	// 11. Wait for a shutdown signal or a subsystem failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case <-groupCtx.Done():
		slog.Error("Subsystem failure triggered shutdown")
	}

	// 12. Ordered shutdown: scheduler drains within its own budget, then
	// the watchers, the HTTP surface, the bus, and finally the store via
	// the deferred closes.
	sched.Stop()
	retention.Stop()
	analyzer.Stop()
	stopNotify()

	if apiServer != nil {
		httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
		defer httpCancel()
		if err := apiServer.Shutdown(httpCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}

	bus.Stop()
	if err := group.Wait(); err != nil {
		slog.Error("Subsystem error", "error", err)
	}
	slog.Info("Shutdown complete")
}
