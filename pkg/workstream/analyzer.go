package workstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/models"
)

// Alert recommendations, one stable string per type.
const (
	recommendErrorLoop     = "Agent keeps repeating the same error; restart the session with a different approach or intervene manually"
	recommendToolLoop      = "Agent is calling the same tool in a tight loop; consider interrupting the session"
	recommendRestarts      = "Attempt has restarted repeatedly; review the task before allowing more retries"
	recommendCostAnomaly   = "Session cost exceeded the configured threshold; review the session transcript"
	recommendFailedSession = "Session failed after accumulating many errors; hold the task for review before retrying"
	recommendStuckAgent    = "Agent has gone silent; check the session and restart it if it does not recover"
)

// AlertPublisher forwards alerts to the event bus.
type AlertPublisher interface {
	PublishAgentAlert(alert models.Alert) error
}

// Analyzer tails the work-stream log, keeps rolling per-session state, and
// emits deduplicated alerts to the alerts log and the event bus. Detector
// windows use event timestamps from the log; only the stuck sweep and
// session eviction run on wall-clock time, so replaying a file never makes
// an agent look stuck.
type Analyzer struct {
	cfg       *config.AnalyzerConfig
	alerts    *AlertLog
	publisher AlertPublisher
	cooldowns *cooldownLedger
	tailer    *Tailer

	mu       sync.Mutex
	sessions map[string]*sessionState

	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

// NewAnalyzer wires an analyzer to the work-stream log at streamPath and the
// given alerts log. publisher may be nil when no bus is attached.
func NewAnalyzer(cfg *config.AnalyzerConfig, streamPath string, alerts *AlertLog, publisher AlertPublisher) *Analyzer {
	a := &Analyzer{
		cfg:       cfg,
		alerts:    alerts,
		publisher: publisher,
		cooldowns: newCooldownLedger(cfg),
		sessions:  make(map[string]*sessionState),
		now:       time.Now,
	}
	a.tailer = NewTailer(streamPath, cfg, a.HandleEvent)
	return a
}

// Start hydrates cooldown state from the alerts log, positions the tailer,
// and launches the tail and sweep loops. With ReplayStartup set the whole
// log is folded in before the loops start and sessions that were already old
// at startup are pruned so they cannot trip the stuck sweep.
func (a *Analyzer) Start(ctx context.Context) {
	if err := a.cooldowns.hydrate(a.alerts.Path(), a.now()); err != nil {
		slog.Warn("Alert cooldown hydration failed", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	a.tailer.Start(runCtx)
	if a.cfg.ReplayStartup {
		a.PruneStaleSessions(a.cfg.ReplayMaxSessionAge())
	}
	go a.sweepLoop(runCtx)

	slog.Info("Work-stream analyzer started",
		"replay", a.cfg.ReplayStartup,
		"stuck_threshold", a.cfg.StuckThreshold,
		"sweep_interval", a.cfg.StuckSweepInterval)
}

// Stop halts the tail and sweep loops and waits for them to exit.
func (a *Analyzer) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.tailer.Wait()
	slog.Info("Work-stream analyzer stopped")
}

// HandleEvent folds one work-stream event into its session's state and emits
// whatever alerts the event triggers.
func (a *Analyzer) HandleEvent(event models.WorkStreamEvent) {
	if event.AttemptID == "" {
		return
	}

	a.mu.Lock()
	s := a.sessions[event.AttemptID]
	if s == nil {
		s = &sessionState{attemptID: event.AttemptID, startedAt: event.Timestamp}
		a.sessions[event.AttemptID] = s
	}
	if event.TaskID != "" {
		s.taskID = event.TaskID
	}
	if event.Executor != "" {
		s.executor = event.Executor
	}
	s.lastActivity = event.Timestamp

	var alerts []models.Alert
	switch event.EventType {
	case models.EventSessionStart:
		if pt := event.Data.PromptType; pt == models.PromptFollowup || pt == models.PromptRetry {
			s.restarts++
			if s.restarts >= a.cfg.RestartAlertThreshold {
				alert := a.newAlert(models.AlertExcessiveRestarts, models.SeverityMedium, recommendRestarts, s)
				alert.Occurrences = s.restarts
				alerts = append(alerts, alert)
			}
		}

	case models.EventToolCall:
		if name := event.Data.ToolName; name != "" {
			count := s.recordToolCall(name, event.Timestamp, a.cfg.ToolLoopWindow)
			if count >= a.cfg.ToolLoopThreshold {
				alert := a.newAlert(models.AlertToolLoop, models.SeverityMedium, recommendToolLoop, s)
				alert.ToolName = name
				alert.Occurrences = count
				alert.WindowMS = a.cfg.ToolLoopWindow.Milliseconds()
				alerts = append(alerts, alert)
			}
		}

	case models.EventError:
		fingerprint := event.Data.ErrorFingerprint
		if fingerprint == "" {
			fingerprint = event.Data.ErrorMessage
		}
		if fingerprint != "" {
			count := s.recordError(fingerprint, event.Timestamp, a.cfg.ErrorLoopWindow)
			if count >= a.cfg.ErrorLoopThreshold {
				alert := a.newAlert(models.AlertErrorLoop, models.SeverityHigh, recommendErrorLoop, s)
				alert.Occurrences = count
				alert.WindowMS = a.cfg.ErrorLoopWindow.Milliseconds()
				alert.ErrorFingerprints = []string{fingerprint}
				alerts = append(alerts, alert)
			}
		}

	case models.EventSessionEnd:
		if cost := event.Data.CostUSD; cost != nil && *cost > a.cfg.CostAnomalyThresholdUSD {
			alert := a.newAlert(models.AlertCostAnomaly, models.SeverityMedium, recommendCostAnomaly, s)
			alert.CostUSD = *cost
			alerts = append(alerts, alert)
		}
		if event.Data.CompletionStatus == models.CompletionFailed && s.errorCount >= a.cfg.ErrorLoopThreshold {
			alert := a.newAlert(models.AlertFailedSessionHighErrors, models.SeverityHigh, recommendFailedSession, s)
			alert.ErrorCount = s.errorCount
			alert.ErrorFingerprints = s.distinctFingerprints()
			alerts = append(alerts, alert)
		}
	}
	a.mu.Unlock()

	for _, alert := range alerts {
		a.emit(alert)
	}
}

// PruneStaleSessions drops sessions whose last activity is older than
// maxAge.
func (a *Analyzer) PruneStaleSessions(maxAge time.Duration) {
	cutoff := a.now().Add(-maxAge)
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, s := range a.sessions {
		if s.lastActivity.Before(cutoff) {
			delete(a.sessions, id)
		}
	}
}

// PruneCooldowns drops cooldown entries past the retention window. The
// sweep loop does this on its own cadence; the retention service calls it
// as an additional coarse pass.
func (a *Analyzer) PruneCooldowns() {
	a.cooldowns.prune(a.now())
}

// SessionCount reports how many sessions are currently tracked.
func (a *Analyzer) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *Analyzer) newAlert(alertType models.AlertType, severity models.AlertSeverity, recommendation string, s *sessionState) models.Alert {
	return models.Alert{
		Type:           alertType,
		Timestamp:      a.now(),
		AttemptID:      s.attemptID,
		TaskID:         s.taskID,
		Executor:       s.executor,
		Severity:       severity,
		Recommendation: recommendation,
		CooldownKey:    cooldownKey(alertType, s.taskID, s.attemptID),
	}
}

// emit writes an alert to the log and the bus unless its cooldown key fired
// too recently.
func (a *Analyzer) emit(alert models.Alert) {
	if !a.cooldowns.allow(alert.Type, alert.CooldownKey, a.now()) {
		slog.Debug("Alert suppressed by cooldown", "type", alert.Type, "key", alert.CooldownKey)
		return
	}
	slog.Warn("Agent alert",
		"type", alert.Type,
		"severity", alert.Severity,
		"task_id", alert.TaskID,
		"attempt_id", alert.AttemptID)
	if err := a.alerts.Append(alert); err != nil {
		slog.Error("Failed to append alert", "error", err)
	}
	if a.publisher != nil {
		if err := a.publisher.PublishAgentAlert(alert); err != nil {
			slog.Error("Failed to publish alert", "error", err)
		}
	}
}

// sweep runs the wall-clock checks: stuck detection and idle session
// eviction.
func (a *Analyzer) sweep(now time.Time) {
	var alerts []models.Alert
	a.mu.Lock()
	for id, s := range a.sessions {
		idle := now.Sub(s.lastActivity)
		if idle > a.cfg.SessionIdleEviction {
			delete(a.sessions, id)
			continue
		}
		if idle > a.cfg.StuckThreshold {
			alert := a.newAlert(models.AlertStuckAgent, models.SeverityMedium, recommendStuckAgent, s)
			alert.IdleTimeMS = idle.Milliseconds()
			alert.ThresholdMS = a.cfg.StuckThreshold.Milliseconds()
			alerts = append(alerts, alert)
		}
	}
	a.mu.Unlock()

	for _, alert := range alerts {
		a.emit(alert)
	}
}

func (a *Analyzer) sweepLoop(ctx context.Context) {
	defer close(a.done)
	sweep := time.NewTicker(a.cfg.StuckSweepInterval)
	defer sweep.Stop()
	prune := time.NewTicker(a.cfg.CooldownPruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			a.sweep(a.now())
		case <-prune.C:
			a.cooldowns.prune(a.now())
		}
	}
}
