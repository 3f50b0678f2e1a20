package v1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// GetMetrics returns the current aggregate summary.
// GET /metrics?since=
func (h *Handler) GetMetrics(c echo.Context) error {
	ctx := c.Request().Context()

	since, err := parseTimeParam(c.QueryParam("since"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid since"})
	}
	if since.IsZero() {
		since = time.Now().UTC().Add(-24 * time.Hour)
	}

	summary, err := h.metrics.GetMetrics(ctx, since)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, summary)
}

// GetTimeline returns execution counts bucketed over time.
// GET /metrics/timeline?since=&bucket=
func (h *Handler) GetTimeline(c echo.Context) error {
	ctx := c.Request().Context()

	since, err := parseTimeParam(c.QueryParam("since"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid since"})
	}
	if since.IsZero() {
		since = time.Now().UTC().Add(-24 * time.Hour)
	}
	bucket := h.cfg.MetricBucket
	if raw := c.QueryParam("bucket"); raw != "" {
		bucket, err = time.ParseDuration(raw)
		if err != nil || bucket <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid bucket"})
		}
	}

	timeline, err := h.metrics.GetTimeline(ctx, since, bucket)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"since":    since,
		"timeline": emptyIfNil(timeline),
	})
}

// GetDistribution returns execution counts per agent type.
// GET /metrics/distribution?since=
func (h *Handler) GetDistribution(c echo.Context) error {
	ctx := c.Request().Context()

	since, err := parseTimeParam(c.QueryParam("since"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid since"})
	}
	if since.IsZero() {
		since = time.Now().UTC().Add(-24 * time.Hour)
	}

	dist, err := h.metrics.GetDistribution(ctx, since)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"since":        since,
		"distribution": emptyIfNil(dist),
	})
}

// GetToolUsage returns invocation counts per tool.
// GET /metrics/tools
func (h *Handler) GetToolUsage(c echo.Context) error {
	ctx := c.Request().Context()

	tools, err := h.metrics.GetToolUsage(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tools": emptyIfNil(tools),
	})
}
