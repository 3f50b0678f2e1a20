// Package domain defines the core models for the tracehub observability server.
package domain

import (
	"encoding/json"
	"time"
)

// Hook event types emitted by agent processes. Producers are an uncontrolled
// population, so these are documented values, not a closed set: unknown types
// are stored and broadcast as-is.
const (
	HookSessionStart     = "SessionStart"
	HookSessionEnd       = "SessionEnd"
	HookSubagentStart    = "SubagentStart"
	HookSubagentStop     = "SubagentStop"
	HookStop             = "Stop"
	HookPreToolUse       = "PreToolUse"
	HookPostToolUse      = "PostToolUse"
	HookUserPromptSubmit = "UserPromptSubmit"
	HookNotification     = "Notification"
)

// Event is an immutable fact about something a session or agent did.
// Identity is the auto-assigned monotonic ID; events are never mutated
// or deleted by the server.
type Event struct {
	ID                int64           `json:"id"`
	SourceApp         string          `json:"source_app"`
	SessionID         string          `json:"session_id"`
	HookEventType     string          `json:"hook_event_type"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	ParentSessionID   string          `json:"parent_session_id,omitempty"`
	SessionDepth      int             `json:"session_depth,omitempty"`
	WaveID            string          `json:"wave_id,omitempty"`
	DelegationContext json.RawMessage `json:"delegation_context,omitempty"`
	Chat              json.RawMessage `json:"chat,omitempty"`
	Summary           string          `json:"summary,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// IsStartType reports whether the event opens a session lifecycle.
func (e *Event) IsStartType() bool {
	switch e.HookEventType {
	case HookSessionStart, HookSubagentStart:
		return true
	}
	return false
}

// IsStopType reports whether the event closes a session lifecycle.
func (e *Event) IsStopType() bool {
	switch e.HookEventType {
	case HookSessionEnd, HookSubagentStop, HookStop:
		return true
	}
	return false
}

// PayloadField extracts a string field from the opaque payload. Payload
// schemas differ per producer, so absent or non-string values return "".
func (e *Event) PayloadField(key string) string {
	if len(e.Payload) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// PayloadNumber extracts a numeric field from the opaque payload.
func (e *Event) PayloadNumber(key string) (float64, bool) {
	if len(e.Payload) == 0 {
		return 0, false
	}
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return 0, false
	}
	v, ok := m[key].(float64)
	return v, ok
}

// EventFilter narrows event queries. Zero values mean "no constraint".
type EventFilter struct {
	SourceApp     string
	SessionID     string
	HookEventType string
	WaveID        string
	Since         time.Time
	Until         time.Time
	Limit         int
}
