package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/events"
	"github.com/bosun-dev/bosun/pkg/models"
)

// testToken matches the <digits>:<35 word chars> shape the Bot API issues.
const testToken = "1234567890:aaaabbbbccccddddeeeeffffgggghhhhiii"

type sentMessage struct {
	Path   string
	ChatID int64
	Text   string
}

// fakeTelegramAPI records sendMessage calls and answers like the Bot API.
type fakeTelegramAPI struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []sentMessage
}

func newFakeTelegramAPI(t *testing.T) *fakeTelegramAPI {
	t.Helper()
	f := &fakeTelegramAPI{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var params struct {
			ChatID int64  `json:"chat_id"`
			Text   string `json:"text"`
		}
		_ = json.Unmarshal(body, &params)

		f.mu.Lock()
		f.requests = append(f.requests, sentMessage{Path: r.URL.Path, ChatID: params.ChatID, Text: params.Text})
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":1,"chat":{"id":1,"type":"private"}}}`))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTelegramAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTelegramAPI) last() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestService(t *testing.T) (*Service, *fakeTelegramAPI) {
	t.Helper()
	api := newFakeTelegramAPI(t)
	bot, err := telego.NewBot(testToken, telego.WithAPIServer(api.srv.URL))
	require.NoError(t, err)
	return NewServiceWithBot(bot, 42), api
}

func TestService_NilReceiver(t *testing.T) {
	var s *Service

	t.Run("notifications are no-ops", func(_ *testing.T) {
		// Must not panic.
		s.TaskBlocked(context.Background(), models.Task{ID: "T-1"}, "reason")
		s.ExecutorPaused(context.Background(), "reason")
		s.ExecutorResumed(context.Background())
		s.Alert(context.Background(), events.AgentAlertPayload{Severity: "critical"})
	})

	t.Run("Watch returns immediately", func(_ *testing.T) {
		s.Watch(context.Background(), events.NewBus(config.DefaultBusConfig()))
	})
}

func TestNewService(t *testing.T) {
	t.Run("returns nil when token empty", func(t *testing.T) {
		assert.Nil(t, NewService(ServiceConfig{Token: "", ChatID: 42}))
	})

	t.Run("returns nil when chat unset", func(t *testing.T) {
		assert.Nil(t, NewService(ServiceConfig{Token: testToken, ChatID: 0}))
	})

	t.Run("returns nil on malformed token", func(t *testing.T) {
		assert.Nil(t, NewService(ServiceConfig{Token: "not a token", ChatID: 42}))
	})

	t.Run("returns service when configured", func(t *testing.T) {
		assert.NotNil(t, NewService(ServiceConfig{Token: testToken, ChatID: 42}))
	})
}

func TestService_SendsToConfiguredChat(t *testing.T) {
	svc, api := newTestService(t)

	svc.ExecutorPaused(context.Background(), "rate-limit pressure")

	require.Equal(t, 1, api.count())
	msg := api.last()
	assert.Contains(t, msg.Path, "sendMessage")
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Contains(t, msg.Text, "rate-limit pressure")
}

func TestService_TaskBlockedMessage(t *testing.T) {
	svc, api := newTestService(t)

	svc.TaskBlocked(context.Background(), models.Task{ID: "T-9", Title: "Add retries"}, "auth_error")

	require.Equal(t, 1, api.count())
	assert.Contains(t, api.last().Text, "T-9")
	assert.Contains(t, api.last().Text, "auth_error")
}

func TestService_AlertSeverityGate(t *testing.T) {
	svc, api := newTestService(t)

	svc.Alert(context.Background(), events.AgentAlertPayload{AlertType: "tool_loop", Severity: "medium"})
	assert.Equal(t, 0, api.count())

	svc.Alert(context.Background(), events.AgentAlertPayload{AlertType: "tool_loop", Severity: "high"})
	assert.Equal(t, 1, api.count())

	svc.Alert(context.Background(), events.AgentAlertPayload{AlertType: "stuck_agent", Severity: "critical"})
	assert.Equal(t, 2, api.count())
}

func TestService_FailOpenOnAPIError(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	t.Cleanup(failing.Close)

	bot, err := telego.NewBot(testToken, telego.WithAPIServer(failing.URL))
	require.NoError(t, err)
	svc := NewServiceWithBot(bot, 42)

	// Must not panic; the error is logged and swallowed.
	svc.ExecutorResumed(context.Background())
}

func TestService_WatchForwardsBusAlerts(t *testing.T) {
	svc, api := newTestService(t)
	bus := events.NewBus(config.DefaultBusConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Watch(ctx, bus)
	}()

	// The subscription races with the goroutine start; publish under fresh
	// task IDs until one lands after it.
	i := 0
	require.Eventually(t, func() bool {
		i++
		payload := events.AgentAlertPayload{
			Type:      events.EventTypeAgentAlert,
			AlertType: "error_loop",
			Severity:  "critical",
			TaskID:    fmt.Sprintf("T-%d", i),
		}
		require.NoError(t, bus.Publish(events.EventTypeAgentAlert, payload.TaskID, payload))
		return api.count() > 0
	}, 3*time.Second, 50*time.Millisecond)

	assert.Contains(t, api.last().Text, "error_loop")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop on context cancel")
	}
}

func TestService_WatchIgnoresOtherEvents(t *testing.T) {
	svc, api := newTestService(t)
	bus := events.NewBus(config.DefaultBusConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Watch(ctx, bus)

	// Non-alert events must never reach Telegram.
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(events.EventTypeTaskStarted, fmt.Sprintf("T-%d", i), map[string]string{}))
	}
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, api.count())
}
