// Package notify delivers operator notifications over Telegram: blocked
// tasks, executor gate changes, and high-severity analyzer alerts.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/bosun-dev/bosun/pkg/events"
	"github.com/bosun-dev/bosun/pkg/models"
)

const (
	sendTimeout = 10 * time.Second

	// watchQueueSize buffers the bus subscription. Alerts are rare; a full
	// buffer means Telegram is unreachable and dropping is the right call.
	watchQueueSize = 32
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token  string
	ChatID int64
}

// Service delivers Telegram notifications.
// Nil-safe: all methods are no-ops when the service is nil.
type Service struct {
	bot    *telego.Bot
	chatID int64
	logger *slog.Logger
}

// NewService creates a Telegram notification service.
// Returns nil if Token or ChatID is empty, and on a malformed token;
// notifications are optional and never block startup.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		slog.Warn("Telegram notifications disabled", "error", err)
		return nil
	}
	return NewServiceWithBot(bot, cfg.ChatID)
}

// NewServiceWithBot creates a Service backed by a pre-built bot.
// Useful for testing against a local API server.
func NewServiceWithBot(bot *telego.Bot, chatID int64) *Service {
	return &Service{
		bot:    bot,
		chatID: chatID,
		logger: slog.Default().With("component", "notify"),
	}
}

// TaskBlocked announces a task the recovery policy moved to blocked.
// Fail-open: errors are logged, never returned.
func (s *Service) TaskBlocked(ctx context.Context, task models.Task, reason string) {
	if s == nil {
		return
	}
	s.send(ctx, BuildTaskBlockedMessage(task, reason))
}

// ExecutorPaused announces that task admission stopped.
// Fail-open: errors are logged, never returned.
func (s *Service) ExecutorPaused(ctx context.Context, reason string) {
	if s == nil {
		return
	}
	s.send(ctx, BuildExecutorPausedMessage(reason))
}

// ExecutorResumed announces that task admission restarted.
// Fail-open: errors are logged, never returned.
func (s *Service) ExecutorResumed(ctx context.Context) {
	if s == nil {
		return
	}
	s.send(ctx, BuildExecutorResumedMessage())
}

// Alert forwards one analyzer alert. Only high and critical severities are
// delivered; lower grades stay in the alerts log and the event ring.
func (s *Service) Alert(ctx context.Context, payload events.AgentAlertPayload) {
	if s == nil {
		return
	}
	if !notifiable(payload.Severity) {
		return
	}
	s.send(ctx, BuildAlertMessage(payload))
}

// Watch forwards agent alerts from the bus until ctx is cancelled. Safe to
// call on a nil service; it returns immediately.
func (s *Service) Watch(ctx context.Context, bus *events.Bus) {
	if s == nil || bus == nil {
		return
	}
	ch, cancel := bus.Subscribe(watchQueueSize)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type != events.EventTypeAgentAlert {
				continue
			}
			var payload events.AgentAlertPayload
			if err := json.Unmarshal(evt.Payload, &payload); err != nil {
				s.logger.Warn("Malformed agent alert payload", "event_id", evt.ID, "error", err)
				continue
			}
			s.Alert(ctx, payload)
		}
	}
}

// send posts one plain-text message to the configured chat.
func (s *Service) send(ctx context.Context, text string) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if _, err := s.bot.SendMessage(sendCtx, tu.Message(tu.ID(s.chatID), text)); err != nil {
		s.logger.Error("Failed to send Telegram notification", "error", err)
	}
}

// notifiable reports whether the severity warrants a push notification.
func notifiable(severity string) bool {
	return severity == string(models.SeverityHigh) || severity == string(models.SeverityCritical)
}
