package config

import "time"

// AnalyzerConfig controls the work-stream analyzer: detector thresholds,
// alert cooldowns, and tailer behaviour.
//
// Every threshold has an environment override (see ApplyEnvOverrides) so
// operators can tune a running deployment without shipping a config file.
type AnalyzerConfig struct {
	// ErrorLoopThreshold is the number of identical error fingerprints
	// within ErrorLoopWindow that constitutes an error loop.
	ErrorLoopThreshold int           `yaml:"error_loop_threshold"`
	ErrorLoopWindow    time.Duration `yaml:"error_loop_window"`

	// ToolLoopThreshold is the number of calls to one tool within
	// ToolLoopWindow that constitutes a tool loop.
	ToolLoopThreshold int           `yaml:"tool_loop_threshold"`
	ToolLoopWindow    time.Duration `yaml:"tool_loop_window"`

	// RestartAlertThreshold is the restart count (followup/retry session
	// starts) at which excessive_restarts fires.
	RestartAlertThreshold int `yaml:"restart_alert_threshold"`

	// CostAnomalyThresholdUSD flags sessions whose cost exceeds it
	// (strictly greater).
	CostAnomalyThresholdUSD float64 `yaml:"cost_anomaly_threshold_usd"`

	// StuckThreshold is the idle time after which a session counts as
	// stuck (strictly greater). Checked only by the timer sweep, never
	// from event handling, so log replay cannot fire it.
	StuckThreshold     time.Duration `yaml:"stuck_threshold"`
	StuckSweepInterval time.Duration `yaml:"stuck_sweep_interval"`

	// ReplayStartup replays the work-stream log from offset 0 on startup
	// instead of seeking to EOF.
	ReplayStartup bool `yaml:"replay_startup"`

	// InitialReplayMaxSessionAge prunes sessions older than this after a
	// replayed startup. Zero derives max(3×StuckThreshold, 15m).
	InitialReplayMaxSessionAge time.Duration `yaml:"initial_replay_max_session_age"`

	// CooldownDefault suppresses duplicate alerts per cooldown key.
	CooldownDefault time.Duration `yaml:"cooldown_default"`

	// CooldownFailedSession is the longer cooldown for
	// failed_session_high_errors alerts.
	CooldownFailedSession time.Duration `yaml:"cooldown_failed_session"`

	// CooldownPruneInterval and CooldownRetention bound cooldown memory.
	CooldownPruneInterval time.Duration `yaml:"cooldown_prune_interval"`
	CooldownRetention     time.Duration `yaml:"cooldown_retention"`

	// SessionIdleEviction evicts sessions idle longer than this.
	SessionIdleEviction time.Duration `yaml:"session_idle_eviction"`

	// AlertCooldownReplayMaxBytes caps how much of the alerts log tail is
	// read to hydrate cooldowns on startup.
	AlertCooldownReplayMaxBytes int64 `yaml:"alert_cooldown_replay_max_bytes"`

	// PollFallbackInterval drives the tailer when no watch events arrive.
	PollFallbackInterval time.Duration `yaml:"poll_fallback_interval"`

	// MaxBatchLines bounds lines processed per tick so a burst cannot
	// monopolise the watcher.
	MaxBatchLines int `yaml:"max_batch_lines"`
}

// DefaultAnalyzerConfig returns the built-in analyzer defaults.
func DefaultAnalyzerConfig() *AnalyzerConfig {
	return &AnalyzerConfig{
		ErrorLoopThreshold:          4,
		ErrorLoopWindow:             10 * time.Minute,
		ToolLoopThreshold:           10,
		ToolLoopWindow:              1 * time.Minute,
		RestartAlertThreshold:       3,
		CostAnomalyThresholdUSD:     1.0,
		StuckThreshold:              5 * time.Minute,
		StuckSweepInterval:          30 * time.Second,
		ReplayStartup:               false,
		CooldownDefault:             5 * time.Minute,
		CooldownFailedSession:       1 * time.Hour,
		CooldownPruneInterval:       10 * time.Minute,
		CooldownRetention:           3 * time.Hour,
		SessionIdleEviction:         1 * time.Hour,
		AlertCooldownReplayMaxBytes: 2 * 1024 * 1024,
		PollFallbackInterval:        1 * time.Second,
		MaxBatchLines:               500,
	}
}

// ReplayMaxSessionAge resolves the post-replay session age cutoff.
func (c *AnalyzerConfig) ReplayMaxSessionAge() time.Duration {
	if c.InitialReplayMaxSessionAge > 0 {
		return c.InitialReplayMaxSessionAge
	}
	derived := 3 * c.StuckThreshold
	if derived < 15*time.Minute {
		derived = 15 * time.Minute
	}
	return derived
}

// CooldownFor returns the cooldown duration for an alert type name.
func (c *AnalyzerConfig) CooldownFor(alertType string) time.Duration {
	if alertType == "failed_session_high_errors" {
		return c.CooldownFailedSession
	}
	return c.CooldownDefault
}
