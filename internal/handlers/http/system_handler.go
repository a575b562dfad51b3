package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fivecall/internal/core/domain"
	"fivecall/internal/infrastructure/monitoring"
	"fivecall/pkg/utils"
)

const Banner = "This is a WebSocket server for 5minutes-call signaling"

// StatsProvider reports relay occupancy.
type StatsProvider interface {
	Stats() domain.RoomStats
}

type SystemHandler struct {
	stats        StatsProvider
	health       *monitoring.HealthChecker
	gatherer     prometheus.Gatherer
	startedAt    time.Time
	readyTimeout time.Duration
}

// NewSystemHandler serves the banner, liveness, readiness and stats routes.
// A nil gatherer disables /metrics.
func NewSystemHandler(stats StatsProvider, health *monitoring.HealthChecker, gatherer prometheus.Gatherer) *SystemHandler {
	return &SystemHandler{
		stats:        stats,
		health:       health,
		gatherer:     gatherer,
		startedAt:    time.Now(),
		readyTimeout: 2 * time.Second,
	}
}

func (h *SystemHandler) SetupRoutes(router gin.IRoutes) {
	router.GET("/", h.Banner)
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/stats", h.Stats)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *SystemHandler) Banner(c *gin.Context) {
	c.String(http.StatusOK, Banner)
}

func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    utils.FormatDuration(time.Since(h.startedAt)),
	})
}

func (h *SystemHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.readyTimeout)
	defer cancel()

	status := h.health.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *SystemHandler) Stats(c *gin.Context) {
	stats := h.stats.Stats()
	c.JSON(http.StatusOK, gin.H{
		"rooms":    stats.Rooms,
		"sessions": stats.Sessions,
		"uptime":   utils.FormatDuration(time.Since(h.startedAt)),
	})
}
