package events

import (
	"time"

	"github.com/bosun-dev/bosun/pkg/models"
)

// Publisher exposes one typed method per event type. Each method stamps the
// payload's Type and Timestamp and routes it through the bus, so callers
// never hand-assemble the wire envelope.
type Publisher struct {
	bus *Bus
}

// NewPublisher creates a Publisher bound to bus.
func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

func (p *Publisher) stamp() string {
	return p.bus.now().Format(time.RFC3339Nano)
}

// PublishTaskStarted announces that an attempt began executing.
func (p *Publisher) PublishTaskStarted(payload TaskStartedPayload) error {
	payload.Type = EventTypeTaskStarted
	payload.Timestamp = p.stamp()
	return p.bus.Publish(EventTypeTaskStarted, payload.TaskID, payload)
}

// PublishTaskCompleted announces that an attempt finished.
func (p *Publisher) PublishTaskCompleted(payload TaskCompletedPayload) error {
	payload.Type = EventTypeTaskCompleted
	payload.Timestamp = p.stamp()
	return p.bus.Publish(EventTypeTaskCompleted, payload.TaskID, payload)
}

// PublishAutoReview announces that a task landed in review with a PR.
func (p *Publisher) PublishAutoReview(payload AutoReviewPayload) error {
	payload.Type = EventTypeAutoReview
	payload.Timestamp = p.stamp()
	return p.bus.Publish(EventTypeAutoReview, payload.TaskID, payload)
}

// PublishTaskFailed announces a terminal attempt failure.
func (p *Publisher) PublishTaskFailed(payload TaskFailedPayload) error {
	payload.Type = EventTypeTaskFailed
	payload.Timestamp = p.stamp()
	return p.bus.Publish(EventTypeTaskFailed, payload.TaskID, payload)
}

// PublishTaskFinalizationFailed announces that agent work could not be
// pushed or turned into a PR.
func (p *Publisher) PublishTaskFinalizationFailed(payload TaskFinalizationFailedPayload) error {
	payload.Type = EventTypeTaskFinalizationFailed
	payload.Timestamp = p.stamp()
	return p.bus.Publish(EventTypeTaskFinalizationFailed, payload.TaskID, payload)
}

// PublishTaskRepairRequested announces a recovery-driven repair attempt.
func (p *Publisher) PublishTaskRepairRequested(payload TaskRepairRequestedPayload) error {
	payload.Type = EventTypeTaskRepairRequested
	payload.Timestamp = p.stamp()
	return p.bus.Publish(EventTypeTaskRepairRequested, payload.TaskID, payload)
}

// PublishAutoCooldown announces a task or executor cooldown.
func (p *Publisher) PublishAutoCooldown(payload AutoCooldownPayload) error {
	payload.Type = EventTypeAutoCooldown
	payload.Timestamp = p.stamp()
	return p.bus.Publish(EventTypeAutoCooldown, payload.TaskID, payload)
}

// PublishExecutorPaused announces that task admission stopped.
func (p *Publisher) PublishExecutorPaused(payload ExecutorPausedPayload) error {
	payload.Type = EventTypeExecutorPaused
	payload.Timestamp = p.stamp()
	return p.bus.Publish(EventTypeExecutorPaused, "", payload)
}

// PublishExecutorResumed announces that task admission restarted.
func (p *Publisher) PublishExecutorResumed(payload ExecutorResumedPayload) error {
	payload.Type = EventTypeExecutorResumed
	payload.Timestamp = p.stamp()
	return p.bus.Publish(EventTypeExecutorResumed, "", payload)
}

// PublishAgentAlert forwards an analyzer alert onto the bus.
func (p *Publisher) PublishAgentAlert(alert models.Alert) error {
	payload := AgentAlertPayload{
		Type:           EventTypeAgentAlert,
		AlertType:      string(alert.Type),
		Severity:       string(alert.Severity),
		TaskID:         alert.TaskID,
		AttemptID:      alert.AttemptID,
		Executor:       alert.Executor,
		Recommendation: alert.Recommendation,
		Occurrences:    alert.Occurrences,
		Timestamp:      p.stamp(),
	}
	return p.bus.Publish(EventTypeAgentAlert, alert.TaskID, payload)
}
