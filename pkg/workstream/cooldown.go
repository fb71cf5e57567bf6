package workstream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/models"
)

// cooldownKey builds the dedup key for an alert. Task-scoped types suppress
// across fresh attempts on the same task; the rest are per attempt. An empty
// preferred scope falls back to the other one so a partially attributed
// event still dedups against something.
func cooldownKey(alertType models.AlertType, taskID, attemptID string) string {
	scope := attemptID
	if alertType.TaskScoped() {
		scope = taskID
	}
	if scope == "" {
		if taskID != "" {
			scope = taskID
		} else {
			scope = attemptID
		}
	}
	return string(alertType) + ":" + scope
}

// cooldownLedger remembers when each cooldown key last fired. Hydrated from
// the alerts log tail on startup so restarts do not replay recent alerts.
type cooldownLedger struct {
	cfg *config.AnalyzerConfig

	mu        sync.Mutex
	lastFired map[string]time.Time
}

func newCooldownLedger(cfg *config.AnalyzerConfig) *cooldownLedger {
	return &cooldownLedger{cfg: cfg, lastFired: make(map[string]time.Time)}
}

// allow reports whether an alert for key may fire now, and records the
// firing when it may.
func (l *cooldownLedger) allow(alertType models.AlertType, key string, now time.Time) bool {
	cooldown := l.cfg.CooldownFor(string(alertType))
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.lastFired[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	l.lastFired[key] = now
	return true
}

// hydrate seeds the ledger from the tail of the alerts log, keeping only
// entries whose cooldown has not yet elapsed.
func (l *cooldownLedger) hydrate(path string, now time.Time) error {
	lines, err := readTailLines(path, l.cfg.AlertCooldownReplayMaxBytes)
	if err != nil {
		return err
	}
	restored := 0
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range lines {
		var alert models.Alert
		if err := json.Unmarshal(line, &alert); err != nil {
			continue
		}
		if alert.CooldownKey == "" || alert.Timestamp.IsZero() {
			continue
		}
		if now.Sub(alert.Timestamp) >= l.cfg.CooldownFor(string(alert.Type)) {
			continue
		}
		if alert.Timestamp.After(l.lastFired[alert.CooldownKey]) {
			l.lastFired[alert.CooldownKey] = alert.Timestamp
			restored++
		}
	}
	if restored > 0 {
		slog.Info("Hydrated alert cooldowns from log tail", "restored", restored)
	}
	return nil
}

// prune drops entries old enough that no configured cooldown can still
// apply.
func (l *cooldownLedger) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.CooldownRetention)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, last := range l.lastFired {
		if last.Before(cutoff) {
			delete(l.lastFired, key)
		}
	}
}

func (l *cooldownLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lastFired)
}
