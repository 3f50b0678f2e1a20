package domain

import "time"

// MetricAggregate is one durable rollup row: one time bucket for one agent
// type. Always recomputable from events; the accelerator tier only mirrors it.
type MetricAggregate struct {
	Bucket          time.Time `json:"bucket"`
	AgentType       string    `json:"agent_type"`
	Count           int64     `json:"count"`
	SuccessCount    int64     `json:"success_count"`
	FailureCount    int64     `json:"failure_count"`
	TotalDurationMs int64     `json:"total_duration_ms"`
	TotalTokens     int64     `json:"total_tokens"`
	TotalCostUSD    float64   `json:"total_cost_usd"`
}

// MetricsSummary is the current aggregate snapshot over a time range.
type MetricsSummary struct {
	Since           time.Time `json:"since"`
	Executions      int64     `json:"executions"`
	SuccessCount    int64     `json:"success_count"`
	FailureCount    int64     `json:"failure_count"`
	AvgDurationMs   float64   `json:"avg_duration_ms"`
	TotalTokens     int64     `json:"total_tokens"`
	TotalCostUSD    float64   `json:"total_cost_usd"`
	FromAccelerator bool      `json:"from_accelerator"`
}

// TimelineBucket is one point of the execution timeline.
type TimelineBucket struct {
	Bucket       time.Time `json:"bucket"`
	Count        int64     `json:"count"`
	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
}

// AgentTypeCount is one slice of the agent-type distribution.
type AgentTypeCount struct {
	AgentType string `json:"agent_type"`
	Count     int64  `json:"count"`
}

// ToolUsageStat counts invocations of one tool across all sessions.
type ToolUsageStat struct {
	ToolName     string `json:"tool_name"`
	Count        int64  `json:"count"`
	FailureCount int64  `json:"failure_count"`
}

// AgentStatus is the execution state of a live agent projection.
type AgentStatus string

const (
	AgentRunning  AgentStatus = "running"
	AgentComplete AgentStatus = "complete"
	AgentFailed   AgentStatus = "failed"
	AgentTimeout  AgentStatus = "timeout"
)

// ActiveAgentStatus is the short-lived projection of a running agent. It is
// created on a start event, updated on progress, and expires if no completion
// arrives before the registry TTL.
type ActiveAgentStatus struct {
	AgentID    string      `json:"agent_id"`
	AgentName  string      `json:"agent_name"`
	AgentType  string      `json:"agent_type"`
	SessionID  string      `json:"session_id,omitempty"`
	Status     AgentStatus `json:"status"`
	StartTime  time.Time   `json:"start_time"`
	Progress   float64     `json:"progress,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`
}

// TierStatus is the health of one storage tier.
type TierStatus string

const (
	TierHealthy     TierStatus = "healthy"
	TierUnavailable TierStatus = "unavailable"
)

// HealthReport describes each tier independently plus the derived overall
// status: healthy only when the durable tier is healthy, degraded when the
// durable tier is healthy but the accelerator is not.
type HealthReport struct {
	Durable     TierStatus `json:"durable"`
	Accelerator TierStatus `json:"accelerator"`
	Overall     string     `json:"overall"`
}
