package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/models"
)

func newTestBus(t *testing.T) (*Bus, *time.Time) {
	t.Helper()
	cfg := config.DefaultBusConfig()
	cfg.RingCapacity = 5
	bus := NewBus(cfg)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return now }
	return bus, &now
}

func TestPublishAndRecent(t *testing.T) {
	bus, now := newTestBus(t)

	for i := 0; i < 3; i++ {
		*now = now.Add(time.Second)
		require.NoError(t, bus.Publish(EventTypeTaskStarted, "task-"+string(rune('a'+i)), map[string]string{"n": string(rune('a' + i))}))
	}

	all := bus.Recent(0)
	require.Len(t, all, 3)
	assert.Equal(t, int64(1), all[0].ID)
	assert.Equal(t, int64(3), all[2].ID)
	assert.Equal(t, "task-a", all[0].TaskID)

	limited := bus.Recent(2)
	require.Len(t, limited, 2)
	assert.Equal(t, int64(2), limited[0].ID)
}

func TestRingOverwritesOldest(t *testing.T) {
	bus, now := newTestBus(t)

	for i := 0; i < 8; i++ {
		*now = now.Add(time.Second)
		require.NoError(t, bus.Publish(EventTypeAgentAlert, string(rune('a'+i)), nil))
	}

	all := bus.Recent(0)
	require.Len(t, all, 5)
	assert.Equal(t, int64(4), all[0].ID)
	assert.Equal(t, int64(8), all[4].ID)
}

func TestSince(t *testing.T) {
	bus, now := newTestBus(t)

	for i := 0; i < 4; i++ {
		*now = now.Add(time.Second)
		require.NoError(t, bus.Publish(EventTypeTaskCompleted, string(rune('a'+i)), nil))
	}

	missed := bus.Since(2)
	require.Len(t, missed, 2)
	assert.Equal(t, int64(3), missed[0].ID)
	assert.Equal(t, int64(4), missed[1].ID)

	assert.Empty(t, bus.Since(4))
}

func TestLogFilter(t *testing.T) {
	bus, now := newTestBus(t)

	require.NoError(t, bus.Publish(EventTypeTaskStarted, "t1", nil))
	*now = now.Add(time.Second)
	require.NoError(t, bus.Publish(EventTypeTaskFailed, "t1", nil))
	*now = now.Add(time.Second)
	require.NoError(t, bus.Publish(EventTypeTaskStarted, "t2", nil))

	byType := bus.Log(EventFilter{Type: EventTypeTaskStarted})
	require.Len(t, byType, 2)
	assert.Equal(t, "t1", byType[0].TaskID)
	assert.Equal(t, "t2", byType[1].TaskID)

	byTask := bus.Log(EventFilter{TaskID: "t1"})
	require.Len(t, byTask, 2)

	both := bus.Log(EventFilter{Type: EventTypeTaskFailed, TaskID: "t2"})
	assert.Empty(t, both)

	limited := bus.Log(EventFilter{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, int64(3), limited[0].ID)
}

func TestLiveness(t *testing.T) {
	bus, now := newTestBus(t)

	bus.Beat("b-attempt", "task-2", "codex")
	*now = now.Add(time.Second)
	bus.Beat("a-attempt", "task-1", "claude-code")

	entries := bus.Liveness()
	require.Len(t, entries, 2)
	assert.Equal(t, "a-attempt", entries[0].AttemptID)
	assert.Equal(t, "task-1", entries[0].TaskID)
	assert.Equal(t, "b-attempt", entries[1].AttemptID)
	assert.True(t, entries[0].LastBeat.After(entries[1].LastBeat))
}

func TestDedupSuppressesRepeats(t *testing.T) {
	bus, now := newTestBus(t)

	require.NoError(t, bus.Publish(EventTypeTaskFailed, "t1", nil))
	// Same (type, task) 100ms later: suppressed.
	*now = now.Add(100 * time.Millisecond)
	require.NoError(t, bus.Publish(EventTypeTaskFailed, "t1", nil))
	assert.Len(t, bus.Recent(0), 1)

	// Different task inside the window: delivered.
	require.NoError(t, bus.Publish(EventTypeTaskFailed, "t2", nil))
	assert.Len(t, bus.Recent(0), 2)

	// Different type for the same task: delivered.
	require.NoError(t, bus.Publish(EventTypeTaskCompleted, "t1", nil))
	assert.Len(t, bus.Recent(0), 3)

	// Same (type, task) after the window: delivered.
	*now = now.Add(time.Second)
	require.NoError(t, bus.Publish(EventTypeTaskFailed, "t1", nil))
	assert.Len(t, bus.Recent(0), 4)
}

func TestSubscribeDelivers(t *testing.T) {
	bus, _ := newTestBus(t)

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	require.NoError(t, bus.Publish(EventTypeAutoReview, "t1", AutoReviewPayload{TaskID: "t1", PRNumber: 42}))

	select {
	case evt := <-ch:
		assert.Equal(t, EventTypeAutoReview, evt.Type)
		assert.Equal(t, "t1", evt.TaskID)
		var payload AutoReviewPayload
		require.NoError(t, json.Unmarshal(evt.Payload, &payload))
		assert.Equal(t, 42, payload.PRNumber)
	case <-time.After(time.Second):
		t.Fatal("expected event on subscriber channel")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus, _ := newTestBus(t)

	ch, cancel := bus.Subscribe(1)
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	require.NoError(t, bus.Publish(EventTypeTaskStarted, "t1", nil))
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus, now := newTestBus(t)

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			*now = now.Add(time.Second)
			_ = bus.Publish(EventTypeAgentAlert, string(rune('a'+i)), nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// The buffered event is still delivered.
	evt := <-ch
	assert.Equal(t, int64(1), evt.ID)
}

func TestStaleSweepEmitsOnce(t *testing.T) {
	bus, now := newTestBus(t)

	bus.Beat("attempt-1", "task-1", "claude-code")
	bus.Beat("attempt-2", "task-2", "claude-code")
	assert.Equal(t, 2, bus.TrackedBeats())

	// attempt-2 keeps beating; attempt-1 goes silent past the threshold.
	*now = now.Add(60 * time.Second)
	bus.Beat("attempt-2", "task-2", "claude-code")
	*now = now.Add(60 * time.Second)

	bus.sweepStale()

	all := bus.Recent(0)
	require.Len(t, all, 1)
	assert.Equal(t, EventTypeAgentStale, all[0].Type)
	assert.Equal(t, "task-1", all[0].TaskID)

	var payload AgentStalePayload
	require.NoError(t, json.Unmarshal(all[0].Payload, &payload))
	assert.Equal(t, "attempt-1", payload.AttemptID)

	// The stale attempt left tracking: a second sweep stays quiet.
	bus.sweepStale()
	assert.Len(t, bus.Recent(0), 1)
	assert.Equal(t, 1, bus.TrackedBeats())
}

func TestClearBeatStopsTracking(t *testing.T) {
	bus, now := newTestBus(t)

	bus.Beat("attempt-1", "task-1", "codex")
	bus.ClearBeat("attempt-1")

	*now = now.Add(5 * time.Minute)
	bus.sweepStale()
	assert.Empty(t, bus.Recent(0))
}

func TestPublisherStampsTypeAndTimestamp(t *testing.T) {
	bus, _ := newTestBus(t)
	pub := NewPublisher(bus)

	require.NoError(t, pub.PublishTaskStarted(TaskStartedPayload{
		TaskID:   "t1",
		Title:    "Fix flaky test",
		Executor: "claude-code",
	}))

	all := bus.Recent(0)
	require.Len(t, all, 1)

	var payload TaskStartedPayload
	require.NoError(t, json.Unmarshal(all[0].Payload, &payload))
	assert.Equal(t, EventTypeTaskStarted, payload.Type)
	assert.NotEmpty(t, payload.Timestamp)
	assert.Equal(t, "Fix flaky test", payload.Title)
}

func TestPublishAgentAlertMapsFields(t *testing.T) {
	bus, _ := newTestBus(t)
	pub := NewPublisher(bus)

	require.NoError(t, pub.PublishAgentAlert(models.Alert{
		Type:           models.AlertErrorLoop,
		Severity:       models.SeverityHigh,
		TaskID:         "t9",
		AttemptID:      "a9",
		Recommendation: "Repeated errors suggest the agent is stuck; consider a new session",
		Occurrences:    4,
	}))

	all := bus.Recent(0)
	require.Len(t, all, 1)
	assert.Equal(t, EventTypeAgentAlert, all[0].Type)

	var payload AgentAlertPayload
	require.NoError(t, json.Unmarshal(all[0].Payload, &payload))
	assert.Equal(t, "error_loop", payload.AlertType)
	assert.Equal(t, "high", payload.Severity)
	assert.Equal(t, 4, payload.Occurrences)
}
