package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// GetSession returns one session by ID.
// GET /sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")

	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if sess == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, sess)
}

// GetHierarchy returns the session tree rooted at the given session.
// GET /sessions/:session_id/hierarchy?max_depth=
func (h *Handler) GetHierarchy(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")

	maxDepth := 0
	if raw := c.QueryParam("max_depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid max_depth"})
		}
		maxDepth = d
	}

	tree, err := h.relations.GetHierarchy(ctx, sessionID, maxDepth)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if tree == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, tree)
}

// GetRelationshipStats returns graph-wide relationship statistics.
// GET /relationships/stats
func (h *Handler) GetRelationshipStats(c echo.Context) error {
	ctx := c.Request().Context()

	stats, err := h.relations.Stats(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}
