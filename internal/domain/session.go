package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionTimeout   SessionStatus = "timeout"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionTimeout || s == SessionCancelled
}

// SessionType classifies how a session came to exist.
type SessionType string

const (
	SessionTypeMain         SessionType = "main"
	SessionTypeSubagent     SessionType = "subagent"
	SessionTypeWave         SessionType = "wave"
	SessionTypeContinuation SessionType = "continuation"
	SessionTypeIsolated     SessionType = "isolated"
)

// RelationshipType classifies a parent/child session edge.
type RelationshipType string

const (
	RelParentChild  RelationshipType = "parent/child"
	RelSibling      RelationshipType = "sibling"
	RelContinuation RelationshipType = "continuation"
	RelWaveMember   RelationshipType = "wave_member"
)

// Session is the mutable aggregate for a unit of agent work. Created
// implicitly on the first event that references its ID.
type Session struct {
	SessionID       string          `json:"session_id"`
	SourceApp       string          `json:"source_app"`
	SessionType     SessionType     `json:"session_type"`
	ParentSessionID string          `json:"parent_session_id,omitempty"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	DurationMs      int64           `json:"duration_ms,omitempty"`
	Status          SessionStatus   `json:"status"`
	AgentCount      int             `json:"agent_count"`
	TotalTokens     int64           `json:"total_tokens"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// SessionRelationship is a directed parent->child edge. A (parent, child)
// pair is recorded at most once; parent == child is rejected; depth_level is
// the parent's depth plus one, zero for roots.
type SessionRelationship struct {
	ID               int64            `json:"id"`
	ParentSessionID  string           `json:"parent_session_id"`
	ChildSessionID   string           `json:"child_session_id"`
	RelationshipType RelationshipType `json:"relationship_type"`
	SpawnReason      string           `json:"spawn_reason,omitempty"`
	DelegationType   string           `json:"delegation_type,omitempty"`
	DepthLevel       int              `json:"depth_level"`
	SessionPath      string           `json:"session_path"`
	CreatedAt        time.Time        `json:"created_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// HierarchyNode is one session in a tree query result: the session itself,
// its direct child edges, its events, and the recursively expanded children.
type HierarchyNode struct {
	Session       *Session              `json:"session"`
	Relationships []SessionRelationship `json:"relationships,omitempty"`
	Events        []Event               `json:"events,omitempty"`
	Children      []*HierarchyNode      `json:"children,omitempty"`
}

// RelationshipStats summarizes the stored relationship graph.
type RelationshipStats struct {
	TotalRelationships int            `json:"total_relationships"`
	ByType             map[string]int `json:"by_type"`
	BySpawnReason      map[string]int `json:"by_spawn_reason"`
	AvgDepth           float64        `json:"avg_depth"`
	MaxDepth           int            `json:"max_depth"`
	CompletionRate     float64        `json:"completion_rate"`
}
