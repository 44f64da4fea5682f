package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"datayoti/go-ingestor/internal/ingest"
	"datayoti/go-ingestor/internal/store"
)

const readyPingTimeout = 2 * time.Second

type statsResponse struct {
	State    string               `json:"state"`
	Store    string               `json:"store"`
	Messages ingest.StatsSnapshot `json:"messages"`
	Cache    cacheStats           `json:"cache"`
}

type cacheStats struct {
	Devices     int        `json:"devices"`
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
}

func (a *App) statusRoutes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLogger())

	r.GET("/healthz", a.handleHealthz)
	r.GET("/readyz", a.handleReadyz)
	r.GET("/api/stats", a.handleStats)
	return r
}

func (a *App) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug("status request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (a *App) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReadyz reports ready only while the loop runs and the store answers.
func (a *App) handleReadyz(c *gin.Context) {
	if a.State() != StateRunning {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": a.State().String()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), readyPingTimeout)
	defer cancel()
	if err := a.gateway.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store unavailable", "store": a.gateway.State().String()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready", "store": store.StateConnected.String()})
}

func (a *App) handleStats(c *gin.Context) {
	resp := statsResponse{
		State:    a.State().String(),
		Store:    a.gateway.State().String(),
		Messages: a.router.Stats().Snapshot(),
		Cache:    cacheStats{Devices: a.cache.Size()},
	}
	if last := a.cache.LastRefresh(); !last.IsZero() {
		resp.Cache.LastRefresh = &last
	}
	c.JSON(http.StatusOK, resp)
}
