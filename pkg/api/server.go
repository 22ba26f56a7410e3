// Package api serves the local control surface: daemon status and control,
// finding reads, git hook ingestion, Prometheus metrics, and a live
// websocket event stream. It binds to loopback only; the daemon has no
// remote surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigil-dev/vigil/pkg/collector"
	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/manager"
	"github.com/vigil-dev/vigil/pkg/models"
	"github.com/vigil-dev/vigil/pkg/version"
)

// Server is the HTTP control server.
type Server struct {
	cfg  *config.APISettings
	mgr  *manager.Manager
	hub  *streamHub
	http *http.Server
}

// New builds the server and its routes.
func New(cfg *config.APISettings, mgr *manager.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg: cfg,
		mgr: mgr,
		hub: newStreamHub(mgr.Bus()),
	}
	s.routes(router)
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving and the websocket fan-out. Fails fast if the listen
// address is taken (a second daemon instance).
func (s *Server) Start(ctx context.Context) error {
	s.hub.start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control API listen on %s: %w", s.cfg.ListenAddr, err)
	case <-time.After(100 * time.Millisecond):
	}
	slog.Info("Control API started", "addr", s.cfg.ListenAddr)
	return nil
}

// Stop drains connections and shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	s.hub.stop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.Warn("Control API shutdown failed", "error", err)
	}
	slog.Info("Control API stopped")
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", s.handleStream)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.POST("/pause", s.handlePause)
		v1.POST("/resume", s.handleResume)
		v1.POST("/agents/:name/enable", s.handleEnable(true))
		v1.POST("/agents/:name/disable", s.handleEnable(false))
		v1.GET("/index", s.handleIndex)
		v1.GET("/findings/:tier", s.handleFindings)
		v1.POST("/hooks/git", s.handleGitHook)
		v1.GET("/events", s.handleEvents)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"app":     version.AppName,
		"version": version.GitCommit,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.Status())
}

// agentSelector is the body for pause/resume: empty means all agents.
type agentSelector struct {
	Agents []string `json:"agents"`
}

func (s *Server) handlePause(c *gin.Context) {
	var sel agentSelector
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&sel); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := s.mgr.Pause(sel.Agents...); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	var sel agentSelector
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&sel); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := s.mgr.Resume(sel.Agents...); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": true})
}

func (s *Server) handleEnable(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if err := s.mgr.SetAgentEnabled(name, enabled); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"agent": name, "enabled": enabled})
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.Store().Index())
}

func (s *Server) handleFindings(c *gin.Context) {
	tier := models.Tier(c.Param("tier"))
	if !tier.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown tier %q", tier)})
		return
	}
	findings := s.mgr.Store().Tier(tier)
	c.JSON(http.StatusOK, gin.H{"tier": tier, "count": len(findings), "findings": findings})
}

func (s *Server) handleGitHook(c *gin.Context) {
	var desc collector.HookDescriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mgr.Git().Deliver(desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"hook": desc.Hook})
}

func (s *Server) handleEvents(c *gin.Context) {
	events := s.mgr.Events()
	if events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event store disabled"})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}
	list, err := events.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(list), "events": list})
}
