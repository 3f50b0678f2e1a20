package domain

import "time"

// Stream message types pushed to websocket subscribers.
const (
	StreamInitial               = "initial"
	StreamEvent                 = "event"
	StreamHookStatusUpdate      = "hook_status_update"
	StreamAgentStatusUpdate     = "agent_status_update"
	StreamSessionSpawn          = "session_spawn"
	StreamChildSessionCompleted = "child_session_completed"
	StreamSessionFailed         = "session_failed"
	StreamSessionTimeout        = "session_timeout"
)

// StreamMessage is the envelope for every push to subscribers. Data is an
// opaque payload computed by the relationship engine or fallback coordinator;
// the hub only serializes and fans it out.
type StreamMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
	Data any    `json:"data,omitempty"`
}

// NewStreamMessage builds an envelope stamped with the current time.
func NewStreamMessage(msgType string, data any) StreamMessage {
	return StreamMessage{Type: msgType, Ts: time.Now().UnixMilli(), Data: data}
}

// Snapshot is the initial state sent to a subscriber on connect.
type Snapshot struct {
	RecentEvents      []Event             `json:"recent_events"`
	ActiveAgents      []ActiveAgentStatus `json:"active_agents"`
	RecentlyCompleted []ActiveAgentStatus `json:"recently_completed"`
}

// SessionChange describes a relationship-change notification.
type SessionChange struct {
	SessionID       string        `json:"session_id"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`
	Status          SessionStatus `json:"status,omitempty"`
	DepthLevel      int           `json:"depth_level,omitempty"`
	SessionPath     string        `json:"session_path,omitempty"`
	DurationMs      int64         `json:"duration_ms,omitempty"`
}

// HookCoverage is the periodic per-hook event count summary.
type HookCoverage struct {
	WindowStart time.Time        `json:"window_start"`
	WindowEnd   time.Time        `json:"window_end"`
	Counts      map[string]int64 `json:"counts"`
}
