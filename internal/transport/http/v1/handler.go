// Package v1 provides the HTTP handlers for the observability API.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/tracehub/internal/config"
	"github.com/xiaot623/tracehub/internal/ingest"
	"github.com/xiaot623/tracehub/internal/metrics"
	"github.com/xiaot623/tracehub/internal/relation"
	"github.com/xiaot623/tracehub/internal/store"
)

// Handler handles HTTP requests.
type Handler struct {
	gateway   *ingest.Gateway
	metrics   *metrics.Coordinator
	relations *relation.Engine
	store     *store.SQLiteStore
	cfg       *config.Config
}

// NewHandler creates a new handler.
func NewHandler(gw *ingest.Gateway, coord *metrics.Coordinator, rel *relation.Engine, st *store.SQLiteStore, cfg *config.Config) *Handler {
	return &Handler{
		gateway:   gw,
		metrics:   coord,
		relations: rel,
		store:     st,
		cfg:       cfg,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Ingress
	e.POST("/events", h.IngestEvent)

	// Event queries
	e.GET("/events/recent", h.GetRecentEvents)
	e.GET("/events/session/:session_id", h.GetSessionEvents)

	// Metrics
	e.GET("/metrics", h.GetMetrics)
	e.GET("/metrics/timeline", h.GetTimeline)
	e.GET("/metrics/distribution", h.GetDistribution)
	e.GET("/metrics/tools", h.GetToolUsage)

	// Sessions and relationships
	e.GET("/sessions/:session_id", h.GetSession)
	e.GET("/sessions/:session_id/hierarchy", h.GetHierarchy)
	e.GET("/relationships/stats", h.GetRelationshipStats)

	// Live agents
	e.GET("/agents/active", h.GetActiveAgents)

	// Operations
	e.GET("/health", h.Health)
	e.POST("/cache/resync", h.ResyncCache)
}

// Health reports the status of each storage tier and the derived overall
// status.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	report := h.metrics.Health(c.Request().Context())
	code := http.StatusOK
	if report.Overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

// ResyncCache forces a cache-warming pass.
// POST /cache/resync
func (h *Handler) ResyncCache(c echo.Context) error {
	ran, err := h.metrics.Resync(c.Request().Context(), true)
	if err != nil {
		if errors.Is(err, metrics.ErrAcceleratorDisabled) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "accelerator cache is disabled"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resynced": ran,
	})
}

// GetActiveAgents returns the live agent projections.
// GET /agents/active
func (h *Handler) GetActiveAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"active":             h.metrics.ActiveAgents(),
		"recently_completed": h.metrics.RecentlyCompleted(),
	})
}

// emptyIfNil keeps list responses as [] instead of null.
func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
