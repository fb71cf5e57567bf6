package notify

import (
	"fmt"
	"strings"

	"github.com/bosun-dev/bosun/pkg/events"
	"github.com/bosun-dev/bosun/pkg/models"
)

// Telegram rejects messages over 4096 characters; leave headroom for the
// framing around truncated reasons.
const maxMessageLength = 3500

var severityEmoji = map[string]string{
	string(models.SeverityHigh):     "⚠️",
	string(models.SeverityCritical): "🚨",
}

// BuildTaskBlockedMessage renders the notification for a task the recovery
// policy gave up on.
func BuildTaskBlockedMessage(task models.Task, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⛔ Task blocked: %s", task.ID)
	if task.Title != "" {
		fmt.Fprintf(&b, "\n%s", task.Title)
	}
	if reason != "" {
		fmt.Fprintf(&b, "\n\nReason: %s", truncate(reason))
	}
	b.WriteString("\n\nThe task needs operator review before it can run again.")
	return b.String()
}

// BuildExecutorPausedMessage renders the admission-stopped notification.
func BuildExecutorPausedMessage(reason string) string {
	if reason == "" {
		reason = "unspecified"
	}
	return fmt.Sprintf("⏸ Task admission paused.\n\nReason: %s\n\nIn-flight tasks keep running; no new tasks start.", truncate(reason))
}

// BuildExecutorResumedMessage renders the admission-restarted notification.
func BuildExecutorResumedMessage() string {
	return "▶️ Task admission resumed."
}

// BuildAlertMessage renders one analyzer alert.
func BuildAlertMessage(p events.AgentAlertPayload) string {
	emoji := severityEmoji[p.Severity]
	if emoji == "" {
		emoji = "ℹ️"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s alert: %s", emoji, p.Severity, p.AlertType)
	if p.TaskID != "" {
		fmt.Fprintf(&b, "\nTask: %s", p.TaskID)
	}
	if p.Executor != "" {
		fmt.Fprintf(&b, "\nExecutor: %s", p.Executor)
	}
	if p.Occurrences > 1 {
		fmt.Fprintf(&b, "\nOccurrences: %d", p.Occurrences)
	}
	if p.Recommendation != "" {
		fmt.Fprintf(&b, "\n\n%s", truncate(p.Recommendation))
	}
	return b.String()
}

func truncate(text string) string {
	if len(text) <= maxMessageLength {
		return text
	}
	return text[:maxMessageLength] + "… (truncated)"
}
