package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosun-dev/bosun/pkg/classify"
	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/events"
	"github.com/bosun-dev/bosun/pkg/models"
	"github.com/bosun-dev/bosun/pkg/scheduler"
)

type stubExecutor struct {
	mu      sync.Mutex
	paused  bool
	reasons []string
	health  scheduler.Health
}

func (e *stubExecutor) Pause(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return false
	}
	e.paused = true
	e.reasons = append(e.reasons, reason)
	return true
}

func (e *stubExecutor) Resume() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return false
	}
	e.paused = false
	return true
}

func (e *stubExecutor) Health() scheduler.Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.health
	h.Paused = e.paused
	return h
}

type stubTracker struct {
	summary   classify.Summary
	histories map[string][]models.ErrorRecord
}

func (t *stubTracker) PatternSummary() classify.Summary { return t.summary }

func (t *stubTracker) History(taskID string) []models.ErrorRecord { return t.histories[taskID] }

type stubAlerts struct {
	alerts []models.Alert
}

func (a *stubAlerts) Recent(limit int) []models.Alert {
	n := len(a.alerts)
	if limit > 0 && limit < n {
		n = limit
	}
	return a.alerts[len(a.alerts)-n:]
}

type stubPinger struct {
	err error
}

func (p *stubPinger) Ping(context.Context) error { return p.err }

// testServer holds a fully wired server with stub dependencies.
type testServer struct {
	srv     *Server
	exec    *stubExecutor
	bus     *events.Bus
	tracker *stubTracker
	alerts  *stubAlerts
	pinger  *stubPinger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		exec:    &stubExecutor{health: scheduler.Health{HolderID: "bosun/test", SlotCapacity: 2}},
		bus:     events.NewBus(config.DefaultBusConfig()),
		tracker: &stubTracker{histories: make(map[string][]models.ErrorRecord)},
		alerts:  &stubAlerts{},
		pinger:  &stubPinger{},
	}
	ts.srv = NewServer(config.DefaultAPIConfig(), ts.exec, ts.bus, ts.tracker, ts.alerts, ts.pinger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("healthy when store responds", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.NotEmpty(t, resp.Version)
		assert.Equal(t, "healthy", resp.Checks["store"].Status)
		require.NotNil(t, resp.Scheduler)
		assert.Equal(t, "bosun/test", resp.Scheduler.HolderID)
	})

	t.Run("returns 503 when store ping fails", func(t *testing.T) {
		ts := newTestServer(t)
		ts.pinger.err = errors.New("connection refused")

		rec := ts.do(t, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "unhealthy", resp.Checks["store"].Status)
		assert.Contains(t, resp.Checks["store"].Message, "connection refused")
	})

	t.Run("paused scheduler stays healthy", func(t *testing.T) {
		ts := newTestServer(t)
		ts.exec.Pause("maintenance")

		rec := ts.do(t, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		require.NotNil(t, resp.Scheduler)
		assert.True(t, resp.Scheduler.Paused)
	})

	t.Run("skips store check without a store", func(t *testing.T) {
		ts := newTestServer(t)
		ts.srv.store = nil

		rec := ts.do(t, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		_, hasStore := resp.Checks["store"]
		assert.False(t, hasStore)
	})
}

type eventListResponse struct {
	Events []events.Event `json:"events"`
	Count  int            `json:"count"`
}

func TestListEvents(t *testing.T) {
	publish := func(t *testing.T, ts *testServer) {
		t.Helper()
		require.NoError(t, ts.bus.Publish(events.EventTypeTaskStarted, "T-1", map[string]string{"k": "a"}))
		require.NoError(t, ts.bus.Publish(events.EventTypeTaskCompleted, "T-1", map[string]string{"k": "b"}))
		require.NoError(t, ts.bus.Publish(events.EventTypeTaskStarted, "T-2", map[string]string{"k": "c"}))
	}

	t.Run("returns all retained events", func(t *testing.T) {
		ts := newTestServer(t)
		publish(t, ts)

		rec := ts.do(t, http.MethodGet, "/api/events", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp eventListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Count)
		require.Len(t, resp.Events, 3)
		assert.Equal(t, int64(1), resp.Events[0].ID)
		assert.Equal(t, int64(3), resp.Events[2].ID)
	})

	t.Run("filters by type and task", func(t *testing.T) {
		ts := newTestServer(t)
		publish(t, ts)

		rec := ts.do(t, http.MethodGet, "/api/events?type=task-started", "")
		var resp eventListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)

		rec = ts.do(t, http.MethodGet, "/api/events?type=task-started&task_id=T-2", "")
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "T-2", resp.Events[0].TaskID)
	})

	t.Run("limit keeps the newest", func(t *testing.T) {
		ts := newTestServer(t)
		publish(t, ts)

		rec := ts.do(t, http.MethodGet, "/api/events?limit=1", "")
		var resp eventListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, int64(3), resp.Events[0].ID)
	})

	t.Run("rejects a malformed limit", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodGet, "/api/events?limit=abc", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = ts.do(t, http.MethodGet, "/api/events?limit=-1", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestLivenessEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.bus.Beat("attempt-1", "T-1", "claude")
	ts.bus.Beat("attempt-2", "T-2", "codex")

	rec := ts.do(t, http.MethodGet, "/api/liveness", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Attempts []events.LivenessEntry `json:"attempts"`
		Count    int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "attempt-1", resp.Attempts[0].AttemptID)
	assert.Equal(t, "codex", resp.Attempts[1].Executor)
}

func TestErrorEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.tracker.summary = classify.Summary{
		Patterns:    map[models.ErrorPattern]int{models.PatternRateLimit: 3},
		TotalErrors: 3,
		Tasks:       1,
		Recoveries:  2,
	}
	ts.tracker.histories["T-9"] = []models.ErrorRecord{
		{Pattern: models.PatternRateLimit, Action: models.ActionPauseExecutor, Confidence: 0.9},
	}

	t.Run("summary", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/errors/summary", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp classify.Summary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Patterns[models.PatternRateLimit])
		assert.Equal(t, 2, resp.Recoveries)
	})

	t.Run("per-task history", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/errors/T-9", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			TaskID string               `json:"task_id"`
			Errors []models.ErrorRecord `json:"errors"`
			Count  int                  `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "T-9", resp.TaskID)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, models.PatternRateLimit, resp.Errors[0].Pattern)
	})

	t.Run("unknown task is empty, not 404", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/errors/nope", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 0, resp.Count)
	})
}

func TestAlertsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i, typ := range []models.AlertType{models.AlertErrorLoop, models.AlertToolLoop, models.AlertStuckAgent} {
		ts.alerts.alerts = append(ts.alerts.alerts, models.Alert{
			Type:      typ,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Severity:  models.SeverityHigh,
		})
	}

	t.Run("default limit returns everything small", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/alerts", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Alerts []models.Alert `json:"alerts"`
			Count  int            `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Count)
	})

	t.Run("limit trims to the newest", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/alerts?limit=2", "")

		var resp struct {
			Alerts []models.Alert `json:"alerts"`
			Count  int            `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, 2, resp.Count)
		assert.Equal(t, models.AlertToolLoop, resp.Alerts[0].Type)
		assert.Equal(t, models.AlertStuckAgent, resp.Alerts[1].Type)
	})
}

func TestExecutorGate(t *testing.T) {
	t.Run("pause records the reason once", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPost, "/api/executor/pause", `{"reason":"deploy window"}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Paused  bool `json:"paused"`
			Changed bool `json:"changed"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Paused)
		assert.True(t, resp.Changed)
		assert.Equal(t, []string{"deploy window"}, ts.exec.reasons)

		// Second pause is a no-op.
		rec = ts.do(t, http.MethodPost, "/api/executor/pause", `{"reason":"again"}`)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Paused)
		assert.False(t, resp.Changed)
	})

	t.Run("empty body defaults the reason", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPost, "/api/executor/pause", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"operator request"}, ts.exec.reasons)
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPost, "/api/executor/pause", `{"reason":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, ts.exec.reasons)
	})

	t.Run("resume flips the gate back", func(t *testing.T) {
		ts := newTestServer(t)
		ts.exec.Pause("x")

		rec := ts.do(t, http.MethodPost, "/api/executor/resume", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Paused  bool `json:"paused"`
			Changed bool `json:"changed"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Paused)
		assert.True(t, resp.Changed)

		rec = ts.do(t, http.MethodPost, "/api/executor/resume", "")
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Changed)
	})
}
