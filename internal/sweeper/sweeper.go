// Package sweeper runs the periodic lifecycle jobs: expiring abandoned
// agents, timing out inactive sessions, and broadcasting hook-coverage
// summaries.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xiaot623/tracehub/internal/config"
	"github.com/xiaot623/tracehub/internal/domain"
	"github.com/xiaot623/tracehub/internal/metrics"
	"github.com/xiaot623/tracehub/internal/relation"
	"github.com/xiaot623/tracehub/internal/store"
)

// Broadcaster receives stream messages produced by sweep jobs.
type Broadcaster interface {
	Push(msg domain.StreamMessage)
}

// Sweeper owns the cron ticker and the three periodic jobs.
type Sweeper struct {
	store     *store.SQLiteStore
	registry  *metrics.Registry
	relations *relation.Engine
	hub       Broadcaster
	cfg       *config.Config
	cron      *cron.Cron
}

func New(st *store.SQLiteStore, reg *metrics.Registry, rel *relation.Engine, hub Broadcaster, cfg *config.Config) *Sweeper {
	return &Sweeper{
		store:     st,
		registry:  reg,
		relations: rel,
		hub:       hub,
		cfg:       cfg,
		cron:      cron.New(),
	}
}

// Start registers the jobs and starts the cron ticker.
func (s *Sweeper) Start() error {
	jobs := []struct {
		interval time.Duration
		run      func()
	}{
		{s.cfg.SweepInterval, s.sweepAgents},
		{s.cfg.SweepInterval, s.sweepSessions},
		{s.cfg.SummaryInterval, s.broadcastCoverage},
	}
	for _, job := range jobs {
		spec := fmt.Sprintf("@every %s", job.interval)
		if _, err := s.cron.AddFunc(spec, job.run); err != nil {
			return fmt.Errorf("register sweep job: %w", err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron ticker and waits for running jobs.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// sweepAgents expires live agents past their TTL and announces each one.
func (s *Sweeper) sweepAgents() {
	expired := s.registry.Sweep(time.Now())
	for _, agent := range expired {
		slog.Info("agent expired without completion",
			"agent", agent.AgentID, "session", agent.SessionID)
		s.hub.Push(domain.NewStreamMessage(domain.StreamAgentStatusUpdate, map[string]any{
			"agent_id":           agent.AgentID,
			"expired":            agent,
			"active":             s.registry.Active(),
			"recently_completed": s.registry.RecentlyCompleted(),
		}))
	}
}

// sweepSessions marks sessions with no recent activity as timed out.
func (s *Sweeper) sweepSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	stale, err := s.store.StaleActiveSessions(ctx, now.Add(-s.cfg.SessionTimeout), 100)
	if err != nil {
		slog.Error("stale session query failed", "error", err)
		return
	}
	for i := range stale {
		if err := s.relations.TimeoutSession(ctx, &stale[i], now); err != nil {
			slog.Error("session timeout failed", "session", stale[i].SessionID, "error", err)
		}
	}
}

// broadcastCoverage pushes the per-hook event counts for the last summary
// window.
func (s *Sweeper) broadcastCoverage() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	until := time.Now().UTC()
	since := until.Add(-s.cfg.SummaryInterval)
	counts, err := s.store.CountEventsByHookType(ctx, since, until)
	if err != nil {
		slog.Error("hook coverage query failed", "error", err)
		return
	}
	s.hub.Push(domain.NewStreamMessage(domain.StreamHookStatusUpdate, domain.HookCoverage{
		WindowStart: since,
		WindowEnd:   until,
		Counts:      counts,
	}))
}
