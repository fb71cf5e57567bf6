package workstream

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/models"
)

func newTestTailer(t *testing.T) (*Tailer, string, *[]models.WorkStreamEvent) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent-work-stream.jsonl")
	var got []models.WorkStreamEvent
	tailer := NewTailer(path, config.DefaultAnalyzerConfig(), func(e models.WorkStreamEvent) {
		got = append(got, e)
	})
	return tailer, path, &got
}

func appendRaw(t *testing.T, path, raw string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(raw)
	require.NoError(t, err)
}

func appendEvent(t *testing.T, path, attempt string, typ models.WorkStreamEventType) {
	t.Helper()
	data, err := json.Marshal(models.WorkStreamEvent{
		AttemptID: attempt,
		EventType: typ,
		Timestamp: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	appendRaw(t, path, string(data)+"\n")
}

func TestTailerConsumesCompleteLines(t *testing.T) {
	tailer, path, got := newTestTailer(t)
	appendEvent(t, path, "a1", models.EventSessionStart)
	appendEvent(t, path, "a1", models.EventHeartbeat)

	tailer.drain()
	require.Len(t, *got, 2)
	assert.Equal(t, models.EventSessionStart, (*got)[0].EventType)
	assert.Equal(t, models.EventHeartbeat, (*got)[1].EventType)

	// Nothing new: the offset holds and no events repeat.
	tailer.drain()
	assert.Len(t, *got, 2)
}

func TestTailerLeavesPartialLineUnconsumed(t *testing.T) {
	tailer, path, got := newTestTailer(t)
	appendEvent(t, path, "a1", models.EventSessionStart)
	appendRaw(t, path, `{"attempt_id":"a1","event_type":"heartbeat"`)

	tailer.drain()
	require.Len(t, *got, 1)
	offsetBefore := tailer.offset

	// Completing the line makes the whole event visible.
	appendRaw(t, path, `,"timestamp":"2025-06-01T11:00:05Z"}`+"\n")
	tailer.drain()
	require.Len(t, *got, 2)
	assert.Equal(t, models.EventHeartbeat, (*got)[1].EventType)
	assert.Greater(t, tailer.offset, offsetBefore)
}

func TestTailerTruncationRewindsToZero(t *testing.T) {
	tailer, path, got := newTestTailer(t)
	appendEvent(t, path, "a1", models.EventSessionStart)
	appendEvent(t, path, "a1", models.EventHeartbeat)
	tailer.drain()
	require.Len(t, *got, 2)

	require.NoError(t, os.Truncate(path, 0))
	appendEvent(t, path, "a2", models.EventSessionStart)

	tailer.drain()
	require.Len(t, *got, 3)
	assert.Equal(t, "a2", (*got)[2].AttemptID)
}

func TestTailerMissingFileRetries(t *testing.T) {
	tailer, path, got := newTestTailer(t)
	assert.False(t, tailer.drain())
	assert.Empty(t, *got)

	appendEvent(t, path, "a1", models.EventSessionStart)
	tailer.drain()
	assert.Len(t, *got, 1)
}

func TestTailerDeletedFileIsPickedUpAgain(t *testing.T) {
	tailer, path, got := newTestTailer(t)
	appendEvent(t, path, "a1", models.EventSessionStart)
	appendEvent(t, path, "a1", models.EventHeartbeat)
	tailer.drain()
	require.Len(t, *got, 2)

	require.NoError(t, os.Remove(path))
	assert.False(t, tailer.drain())

	// The recreated file is smaller than the known offset, so reading
	// restarts from zero.
	appendEvent(t, path, "a2", models.EventSessionStart)
	tailer.drain()
	require.Len(t, *got, 3)
	assert.Equal(t, "a2", (*got)[2].AttemptID)
}

func TestTailerSkipsMalformedLines(t *testing.T) {
	tailer, path, got := newTestTailer(t)
	appendRaw(t, path, "not json at all\n")
	appendEvent(t, path, "a1", models.EventSessionStart)

	tailer.drain()
	require.Len(t, *got, 1)
	assert.Equal(t, "a1", (*got)[0].AttemptID)
}

func TestTailerPositionSeeksToEOFByDefault(t *testing.T) {
	tailer, path, got := newTestTailer(t)
	appendEvent(t, path, "old", models.EventSessionStart)

	tailer.position()
	tailer.drain()
	assert.Empty(t, *got)

	appendEvent(t, path, "new", models.EventSessionStart)
	tailer.drain()
	require.Len(t, *got, 1)
	assert.Equal(t, "new", (*got)[0].AttemptID)
}

func TestTailerReplayStartsAtZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-work-stream.jsonl")
	cfg := config.DefaultAnalyzerConfig()
	cfg.ReplayStartup = true
	var got []models.WorkStreamEvent
	tailer := NewTailer(path, cfg, func(e models.WorkStreamEvent) { got = append(got, e) })

	appendEvent(t, path, "old", models.EventSessionStart)
	tailer.position()
	tailer.drain()
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].AttemptID)
}

func TestTailerBatchLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-work-stream.jsonl")
	cfg := config.DefaultAnalyzerConfig()
	cfg.MaxBatchLines = 2
	var got []models.WorkStreamEvent
	tailer := NewTailer(path, cfg, func(e models.WorkStreamEvent) { got = append(got, e) })

	for i := 0; i < 5; i++ {
		appendEvent(t, path, "a1", models.EventHeartbeat)
	}

	assert.True(t, tailer.drain())
	assert.Len(t, got, 2)
	assert.True(t, tailer.drain())
	assert.Len(t, got, 4)
	assert.False(t, tailer.drain())
	assert.Len(t, got, 5)
}
