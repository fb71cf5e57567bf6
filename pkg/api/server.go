// Package api exposes the operational HTTP surface: health and liveness
// probes, the event ring, classifier views, the alerts tail, and the manual
// executor gate. The API binds loopback by default and carries no
// authentication; anything that can reach it is trusted.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bosun-dev/bosun/pkg/classify"
	"github.com/bosun-dev/bosun/pkg/config"
	"github.com/bosun-dev/bosun/pkg/events"
	"github.com/bosun-dev/bosun/pkg/models"
	"github.com/bosun-dev/bosun/pkg/scheduler"
)

// Executor is the scheduler control surface the API drives.
type Executor interface {
	Pause(reason string) bool
	Resume() bool
	Health() scheduler.Health
}

// ErrorTracker serves the classifier views.
type ErrorTracker interface {
	PatternSummary() classify.Summary
	History(taskID string) []models.ErrorRecord
}

// AlertSource serves the alerts tail.
type AlertSource interface {
	Recent(limit int) []models.Alert
}

// StorePinger reports board backend connectivity.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// Server is the operational HTTP server.
type Server struct {
	cfg     *config.APIConfig
	exec    Executor
	bus     *events.Bus
	tracker ErrorTracker
	alerts  AlertSource
	store   StorePinger
	hub     *streamHub
	httpSrv *http.Server
}

// NewServer wires the API against its backing services. Any dependency may
// be nil; the corresponding endpoints then report empty or omit the check.
func NewServer(cfg *config.APIConfig, exec Executor, bus *events.Bus, tracker ErrorTracker, alerts AlertSource, store StorePinger) *Server {
	s := &Server{
		cfg:     cfg,
		exec:    exec,
		bus:     bus,
		tracker: tracker,
		alerts:  alerts,
		store:   store,
		hub:     newStreamHub(bus),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// routes builds the gin engine with all endpoints registered.
func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	r.GET("/health", s.health)

	api := r.Group("/api")
	{
		api.GET("/events", s.listEvents)
		api.GET("/events/ws", s.streamEvents)
		api.GET("/liveness", s.liveness)
		api.GET("/errors/summary", s.errorSummary)
		api.GET("/errors/:taskId", s.taskErrors)
		api.GET("/alerts", s.listAlerts)
		api.POST("/executor/pause", s.pauseExecutor)
		api.POST("/executor/resume", s.resumeExecutor)
	}
	return r
}

// requestLog emits one debug line per request. Debug level keeps steady
// polling by dashboards out of normal logs.
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// Start serves until Shutdown. Returns http.ErrServerClosed after a clean
// shutdown, matching net/http semantics; run it in its own goroutine.
func (s *Server) Start() error {
	slog.Info("HTTP API listening", "addr", s.cfg.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests and closes every live event stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routed engine for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}
