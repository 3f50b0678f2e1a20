// Package http provides the HTTP server for the observability API.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/tracehub/internal/config"
	"github.com/xiaot623/tracehub/internal/ingest"
	"github.com/xiaot623/tracehub/internal/metrics"
	"github.com/xiaot623/tracehub/internal/relation"
	"github.com/xiaot623/tracehub/internal/store"
	v1 "github.com/xiaot623/tracehub/internal/transport/http/v1"
)

// NewServer creates and configures the HTTP server. streamHandler, when
// non-nil, is mounted at GET /stream for websocket upgrades.
func NewServer(gw *ingest.Gateway, coord *metrics.Coordinator, rel *relation.Engine, st *store.SQLiteStore, cfg *config.Config, streamHandler echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	handler := v1.NewHandler(gw, coord, rel, st, cfg)
	handler.RegisterRoutes(e)

	if streamHandler != nil {
		e.GET("/stream", streamHandler)
	}

	return e
}
