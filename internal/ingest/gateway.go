// Package ingest implements the write path: validate, timestamp, durably
// append, then fan out to the relationship engine, metric rollups, the live
// agent registry, and stream subscribers.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xiaot623/tracehub/internal/domain"
	"github.com/xiaot623/tracehub/internal/metrics"
	"github.com/xiaot623/tracehub/internal/relation"
	"github.com/xiaot623/tracehub/internal/store"
)

// ValidationError reports a missing required field on an inbound event.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// Broadcaster receives stream messages for fan-out. The hub satisfies it.
type Broadcaster interface {
	Push(msg domain.StreamMessage)
}

// Gateway is the single entry point for event writes. Only validation and
// the durable append can fail a request; every downstream side effect is
// fault-isolated.
type Gateway struct {
	store     *store.SQLiteStore
	relations *relation.Engine
	metrics   *metrics.Coordinator
	registry  *metrics.Registry
	hub       Broadcaster
}

func NewGateway(st *store.SQLiteStore, rel *relation.Engine, coord *metrics.Coordinator, reg *metrics.Registry, hub Broadcaster) *Gateway {
	return &Gateway{store: st, relations: rel, metrics: coord, registry: reg, hub: hub}
}

// Ingest validates and persists one event, then triggers the non-transactional
// side effects. A relationship or metric failure never rolls back the durable
// append and never suppresses the broadcast. Safe for unbounded concurrent
// callers.
func (g *Gateway) Ingest(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	if err := validate(ev); err != nil {
		return nil, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// AppendEvent already classifies its failures as DurableError.
	if err := g.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}

	if err := g.relations.HandleEvent(ctx, ev); err != nil {
		slog.Error("relationship update failed",
			"session", ev.SessionID, "type", ev.HookEventType, "error", err)
	}
	if err := g.metrics.RecordMetric(ctx, ev); err != nil {
		slog.Error("metric record failed",
			"session", ev.SessionID, "type", ev.HookEventType, "error", err)
	}
	g.trackAgent(ev)

	if g.hub != nil {
		g.hub.Push(domain.NewStreamMessage(domain.StreamEvent, ev))
	}
	return ev, nil
}

func validate(ev *domain.Event) error {
	switch {
	case ev.SourceApp == "":
		return &ValidationError{Field: "source_app"}
	case ev.SessionID == "":
		return &ValidationError{Field: "session_id"}
	case ev.HookEventType == "":
		return &ValidationError{Field: "hook_event_type"}
	}
	return nil
}

// trackAgent derives live-agent transitions from lifecycle events. Missing
// payload fields get generic fallbacks rather than failing the event.
func (g *Gateway) trackAgent(ev *domain.Event) {
	switch {
	case ev.IsStartType():
		name := ev.PayloadField("agent_name")
		if name == "" {
			name = ev.SourceApp
		}
		agentType := ev.PayloadField("agent_type")
		if agentType == "" {
			agentType = "generic"
		}
		agentID := g.registry.Start(domain.ActiveAgentStatus{
			AgentName: name,
			AgentType: agentType,
			SessionID: ev.SessionID,
			Status:    domain.AgentRunning,
			StartTime: ev.Timestamp,
		})
		g.pushAgentUpdate(agentID)

	case ev.IsStopType():
		status := domain.AgentComplete
		if s := ev.PayloadField("status"); s == "failed" || s == "error" || ev.PayloadField("error") != "" {
			status = domain.AgentFailed
		}
		durationMs := int64(0)
		if d, ok := ev.PayloadNumber("duration_ms"); ok {
			durationMs = int64(d)
		} else if d, ok := ev.PayloadNumber("duration"); ok {
			durationMs = int64(d * 1000)
		}
		if agent, ok := g.registry.CompleteBySession(ev.SessionID, status, durationMs); ok {
			g.pushAgentUpdate(agent.AgentID)
		}

	default:
		if agentID := ev.PayloadField("agent_id"); agentID != "" {
			if p, ok := ev.PayloadNumber("progress"); ok && g.registry.Progress(agentID, p) {
				g.pushAgentUpdate(agentID)
			}
		}
	}
}

func (g *Gateway) pushAgentUpdate(agentID string) {
	if g.hub == nil {
		return
	}
	g.hub.Push(domain.NewStreamMessage(domain.StreamAgentStatusUpdate, map[string]any{
		"agent_id":           agentID,
		"active":             g.registry.Active(),
		"recently_completed": g.registry.RecentlyCompleted(),
	}))
}
