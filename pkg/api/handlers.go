package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bosun-dev/bosun/pkg/events"
	"github.com/bosun-dev/bosun/pkg/scheduler"
	"github.com/bosun-dev/bosun/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"

	healthCheckTimeout = 5 * time.Second

	defaultAlertLimit = 50
)

// HealthCheck is one named probe inside the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]HealthCheck `json:"checks"`
	Scheduler *scheduler.Health      `json:"scheduler,omitempty"`
}

// health reports store connectivity and the scheduler admission snapshot.
// A failing store check returns 503; a paused scheduler does not, pausing
// is an operator state rather than a fault.
func (s *Server) health(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:  healthStatusHealthy,
		Version: version.GitCommit,
		Checks:  make(map[string]HealthCheck),
	}

	if s.store != nil {
		if err := s.store.Ping(reqCtx); err != nil {
			resp.Status = healthStatusUnhealthy
			resp.Checks["store"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			resp.Checks["store"] = HealthCheck{Status: healthStatusHealthy}
		}
	}
	if s.exec != nil {
		h := s.exec.Health()
		resp.Scheduler = &h
		resp.Checks["scheduler"] = HealthCheck{Status: healthStatusHealthy}
	}

	httpStatus := http.StatusOK
	if resp.Status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}

// listEvents handles GET /api/events. Filters: type, task_id, limit.
func (s *Server) listEvents(c *gin.Context) {
	filter := events.EventFilter{
		Type:   c.Query("type"),
		TaskID: c.Query("task_id"),
	}
	limit, ok := queryLimit(c, 0)
	if !ok {
		return
	}
	filter.Limit = limit

	evts := s.bus.Log(filter)
	c.JSON(http.StatusOK, gin.H{"events": evts, "count": len(evts)})
}

// liveness handles GET /api/liveness: the current agent heartbeat table.
func (s *Server) liveness(c *gin.Context) {
	attempts := s.bus.Liveness()
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "count": len(attempts)})
}

// errorSummary handles GET /api/errors/summary.
func (s *Server) errorSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.PatternSummary())
}

// taskErrors handles GET /api/errors/:taskId.
func (s *Server) taskErrors(c *gin.Context) {
	taskID := c.Param("taskId")
	history := s.tracker.History(taskID)
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "errors": history, "count": len(history)})
}

// listAlerts handles GET /api/alerts: the newest analyzer alerts.
func (s *Server) listAlerts(c *gin.Context) {
	limit, ok := queryLimit(c, defaultAlertLimit)
	if !ok {
		return
	}
	alerts := s.alerts.Recent(limit)
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// pauseRequest is the optional POST /api/executor/pause body.
type pauseRequest struct {
	Reason string `json:"reason"`
}

// pauseExecutor handles POST /api/executor/pause. The body is optional;
// an omitted reason is recorded as an operator request.
func (s *Server) pauseExecutor(c *gin.Context) {
	var req pauseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	changed := s.exec.Pause(req.Reason)
	c.JSON(http.StatusOK, gin.H{"paused": true, "changed": changed})
}

// resumeExecutor handles POST /api/executor/resume.
func (s *Server) resumeExecutor(c *gin.Context) {
	changed := s.exec.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false, "changed": changed})
}

// queryLimit parses the limit query parameter. Writes a 400 response and
// returns ok=false when the value is not a non-negative integer.
func queryLimit(c *gin.Context, fallback int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}
