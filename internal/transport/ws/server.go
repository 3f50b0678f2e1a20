// Package ws provides the websocket stream endpoint for dashboard
// subscribers.
package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/tracehub/internal/config"
	"github.com/xiaot623/tracehub/internal/domain"
	"github.com/xiaot623/tracehub/internal/hub"
	"github.com/xiaot623/tracehub/internal/metrics"
	"github.com/xiaot623/tracehub/internal/store"
)

// Server handles websocket subscriptions.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	store    *store.SQLiteStore
	metrics  *metrics.Coordinator
	upgrader websocket.Upgrader
}

// NewServer creates a new websocket server.
func NewServer(cfg *config.Config, h *hub.Hub, st *store.SQLiteStore, coord *metrics.Coordinator) *Server {
	return &Server{
		cfg:     cfg,
		hub:     h,
		store:   st,
		metrics: coord,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Dashboards connect from arbitrary origins.
				return true
			},
		},
	}
}

// HandleStream upgrades the connection, sends the initial snapshot, and
// registers the subscriber for incremental pushes.
// GET /stream
func (s *Server) HandleStream(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws, s.cfg.SnapshotEvents*4)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	// The snapshot is queued before the hub sees the connection, so no
	// broadcast can land ahead of the initial message.
	if err := s.sendSnapshot(c, conn); err != nil {
		slog.Warn("initial snapshot failed", "conn", conn.ID, "error", err)
	}
	s.hub.Register(conn)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// sendSnapshot queues the initial state for a new subscriber.
func (s *Server) sendSnapshot(c echo.Context, conn *hub.Connection) error {
	ctx := c.Request().Context()

	events, err := s.store.GetRecentEvents(ctx, domain.EventFilter{Limit: s.cfg.SnapshotEvents})
	if err != nil {
		return err
	}
	snap := domain.Snapshot{
		RecentEvents:      events,
		ActiveAgents:      s.metrics.ActiveAgents(),
		RecentlyCompleted: s.metrics.RecentlyCompleted(),
	}
	return s.hub.SendJSONToConnection(conn, domain.NewStreamMessage(domain.StreamInitial, snap))
}

// readPump consumes inbound frames. Subscribers are read-only; the pump
// exists to process pongs and detect disconnects.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read error", "conn", conn.ID, "error", err)
			}
			break
		}
	}
}

// writePump drains the send channel to the socket and keeps the connection
// alive with pings.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("websocket write failed", "conn", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
