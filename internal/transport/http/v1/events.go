package v1

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/tracehub/internal/domain"
	"github.com/xiaot623/tracehub/internal/ingest"
	"github.com/xiaot623/tracehub/internal/store"
)

// IngestEvent accepts one event.
// POST /events
func (h *Handler) IngestEvent(c echo.Context) error {
	ctx := c.Request().Context()

	var ev domain.Event
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	ev.ID = 0

	stored, err := h.gateway.Ingest(ctx, &ev)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": verr.Error()})
		}
		if store.IsDurable(err) {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "event could not be persisted"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, stored)
}

// GetRecentEvents returns recent events, newest first, with optional filters.
// GET /events/recent?app=&session=&type=&wave=&since=&until=&limit=
func (h *Handler) GetRecentEvents(c echo.Context) error {
	ctx := c.Request().Context()

	filter := domain.EventFilter{
		SourceApp:     c.QueryParam("app"),
		SessionID:     c.QueryParam("session"),
		HookEventType: c.QueryParam("type"),
		WaveID:        c.QueryParam("wave"),
	}
	var err error
	if filter.Since, err = parseTimeParam(c.QueryParam("since")); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid since"})
	}
	if filter.Until, err = parseTimeParam(c.QueryParam("until")); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid until"})
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		filter.Limit = limit
	}

	events, err := h.store.GetRecentEvents(ctx, filter)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": emptyIfNil(events),
	})
}

// GetSessionEvents returns all events for one session in append order.
// GET /events/session/:session_id
func (h *Handler) GetSessionEvents(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")

	events, err := h.store.GetSessionEvents(ctx, sessionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"events":     emptyIfNil(events),
	})
}

// parseTimeParam accepts RFC3339 or unix milliseconds. Empty input yields the
// zero time.
func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}
