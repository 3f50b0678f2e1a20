package metrics

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/tracehub/internal/domain"
)

// Registry is the owned, injected set of live agent projections. It replaces
// what would otherwise be ambient process-wide state: created at service
// start, drained at shutdown, handed to the coordinator and hub explicitly.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*domain.ActiveAgentStatus
	recent []recentEntry

	ttl          time.Duration
	recentWindow time.Duration
}

type recentEntry struct {
	status      domain.ActiveAgentStatus
	completedAt time.Time
}

// NewRegistry creates a registry. Agents with no completion within ttl are
// expired by Sweep; completed agents stay visible for recentWindow.
func NewRegistry(ttl, recentWindow time.Duration) *Registry {
	return &Registry{
		agents:       make(map[string]*domain.ActiveAgentStatus),
		ttl:          ttl,
		recentWindow: recentWindow,
	}
}

// Start records a newly started agent and returns its ID.
func (r *Registry) Start(status domain.ActiveAgentStatus) string {
	if status.AgentID == "" {
		status.AgentID = "agt_" + uuid.New().String()[:8]
	}
	if status.StartTime.IsZero() {
		status.StartTime = time.Now()
	}
	status.Status = domain.AgentRunning

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[status.AgentID] = &status
	return status.AgentID
}

// Progress updates the progress of a running agent. Unknown IDs are ignored;
// progress for an already-expired agent is not an error.
func (r *Registry) Progress(agentID string, progress float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	agent.Progress = progress
	return true
}

// Complete removes an agent from the active set and moves it to the
// recently-completed set. Returns the final projection.
func (r *Registry) Complete(agentID string, status domain.AgentStatus, durationMs int64) (*domain.ActiveAgentStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	delete(r.agents, agentID)

	final := *agent
	final.Status = status
	final.DurationMs = durationMs
	if final.DurationMs == 0 {
		final.DurationMs = time.Since(final.StartTime).Milliseconds()
	}
	r.recent = append(r.recent, recentEntry{status: final, completedAt: time.Now()})
	return &final, true
}

// CompleteBySession completes the most recent running agent for a session.
// Stop events identify the session, not the agent the start event minted.
func (r *Registry) CompleteBySession(sessionID string, status domain.AgentStatus, durationMs int64) (*domain.ActiveAgentStatus, bool) {
	r.mu.RLock()
	var target string
	var newest time.Time
	for id, agent := range r.agents {
		if agent.SessionID == sessionID && !agent.StartTime.Before(newest) {
			target = id
			newest = agent.StartTime
		}
	}
	r.mu.RUnlock()
	if target == "" {
		return nil, false
	}
	return r.Complete(target, status, durationMs)
}

// Active returns a snapshot of all running agents.
func (r *Registry) Active() []domain.ActiveAgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ActiveAgentStatus, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, *agent)
	}
	return out
}

// RecentlyCompleted returns agents completed within the recent window.
func (r *Registry) RecentlyCompleted() []domain.ActiveAgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := time.Now().Add(-r.recentWindow)
	var out []domain.ActiveAgentStatus
	for _, entry := range r.recent {
		if entry.completedAt.After(cutoff) {
			out = append(out, entry.status)
		}
	}
	return out
}

// Sweep expires agents past their TTL and prunes the recent set. Expired
// agents are returned (marked timeout) so the caller can broadcast them.
func (r *Registry) Sweep(now time.Time) []domain.ActiveAgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []domain.ActiveAgentStatus
	for id, agent := range r.agents {
		if now.Sub(agent.StartTime) > r.ttl {
			delete(r.agents, id)
			final := *agent
			final.Status = domain.AgentTimeout
			final.DurationMs = now.Sub(final.StartTime).Milliseconds()
			expired = append(expired, final)
		}
	}

	cutoff := now.Add(-r.recentWindow)
	kept := r.recent[:0]
	for _, entry := range r.recent {
		if entry.completedAt.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	r.recent = kept
	return expired
}

// Drain clears all state at shutdown.
func (r *Registry) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*domain.ActiveAgentStatus)
	r.recent = nil
}
