// Package metrics implements the fallback coordinator: every metric write
// lands in the durable tier unconditionally and is mirrored into the
// accelerator best-effort; reads prefer the accelerator and fall back to
// recomputing from the durable tier.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xiaot623/tracehub/internal/cache"
	"github.com/xiaot623/tracehub/internal/config"
	"github.com/xiaot623/tracehub/internal/domain"
	"github.com/xiaot623/tracehub/internal/store"
)

// Cache is the accelerator surface the coordinator depends on. The DuckDB
// implementation lives in internal/cache; tests substitute failing fakes.
type Cache interface {
	Ping(ctx context.Context) error
	UpsertAggregate(ctx context.Context, agg domain.MetricAggregate) error
	ReplaceAggregates(ctx context.Context, since time.Time, aggs []domain.MetricAggregate) error
	QuerySummary(ctx context.Context, since time.Time, maxAge time.Duration) (*domain.MetricsSummary, error)
	QueryTimeline(ctx context.Context, since time.Time, maxAge time.Duration) ([]domain.TimelineBucket, error)
	QueryDistribution(ctx context.Context, since time.Time, maxAge time.Duration) ([]domain.AgentTypeCount, error)
	QueryToolUsage(ctx context.Context, maxAge time.Duration) ([]domain.ToolUsageStat, error)
	ReplaceToolUsage(ctx context.Context, stats []domain.ToolUsageStat) error
	Close() error
}

// Coordinator owns all metric reads and writes. The accelerator may be nil
// (disabled) or failing at any time; only durable-tier errors ever reach
// callers.
type Coordinator struct {
	store    *store.SQLiteStore
	cache    Cache
	registry *Registry
	cfg      *config.Config

	warm warmState
}

// NewCoordinator wires the coordinator. cache may be nil to run without an
// accelerator tier.
func NewCoordinator(st *store.SQLiteStore, c Cache, reg *Registry, cfg *config.Config) *Coordinator {
	return &Coordinator{store: st, cache: c, registry: reg, cfg: cfg, warm: newWarmState()}
}

// RecordMetric folds an event into the durable rollups and mirrors the
// result into the accelerator. The durable write's failure propagates; the
// mirror's failure is the one deliberately discarded error in this package.
func (c *Coordinator) RecordMetric(ctx context.Context, ev *domain.Event) error {
	agg := c.aggregateFor(ev)
	merged, err := c.store.UpsertMetricBucket(ctx, agg)
	if err != nil {
		return err
	}

	if c.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CacheOpTimeout)
		defer cancel()
		if err := c.cache.UpsertAggregate(cctx, *merged); err != nil {
			// Durable copy exists; the mirror will catch up on the next
			// successful write or warming pass.
			slog.Warn("accelerator write failed", "bucket", merged.Bucket, "error", err)
		}
	}
	return nil
}

// aggregateFor derives one rollup observation from an event. Missing or
// malformed payload fields fall back to zero values.
func (c *Coordinator) aggregateFor(ev *domain.Event) domain.MetricAggregate {
	agentType := ev.PayloadField("agent_type")
	if agentType == "" {
		agentType = ev.PayloadField("agent_name")
	}
	if agentType == "" {
		agentType = ev.HookEventType
	}

	agg := domain.MetricAggregate{
		Bucket:    ev.Timestamp.UTC().Truncate(c.cfg.MetricBucket),
		AgentType: agentType,
		Count:     1,
	}

	if ev.IsStopType() {
		switch ev.PayloadField("status") {
		case "failed", "error":
			agg.FailureCount = 1
		default:
			agg.SuccessCount = 1
		}
		if d, ok := ev.PayloadNumber("duration_ms"); ok {
			agg.TotalDurationMs = int64(d)
		} else if d, ok := ev.PayloadNumber("duration"); ok {
			// Producers sending "duration" report seconds.
			agg.TotalDurationMs = int64(d * 1000)
		}
		if t, ok := ev.PayloadNumber("total_tokens"); ok {
			agg.TotalTokens = int64(t)
		} else if t, ok := ev.PayloadNumber("tokens"); ok {
			agg.TotalTokens = int64(t)
		}
		if cost, ok := ev.PayloadNumber("cost_usd"); ok {
			agg.TotalCostUSD = cost
		}
	}
	return agg
}

// GetMetrics returns the aggregate snapshot for the time range, preferring
// the accelerator within the short snapshot freshness window.
func (c *Coordinator) GetMetrics(ctx context.Context, since time.Time) (*domain.MetricsSummary, error) {
	if c.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CacheOpTimeout)
		sum, err := c.cache.QuerySummary(cctx, since, c.cfg.SummaryFreshness)
		cancel()
		if err == nil {
			return sum, nil
		}
		c.noteMiss("summary", err)
	}

	sum, err := c.store.ComputeSummary(ctx, since)
	if err != nil {
		return nil, err
	}
	c.repopulateAsync()
	return sum, nil
}

// GetTimeline returns timeline buckets, coarsened to the requested width.
func (c *Coordinator) GetTimeline(ctx context.Context, since time.Time, bucket time.Duration) ([]domain.TimelineBucket, error) {
	var buckets []domain.TimelineBucket
	var err error

	fromCache := false
	if c.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CacheOpTimeout)
		buckets, err = c.cache.QueryTimeline(cctx, since, c.cfg.TimelineFreshness)
		cancel()
		if err == nil {
			fromCache = true
		} else {
			c.noteMiss("timeline", err)
		}
	}
	if !fromCache {
		buckets, err = c.store.ComputeTimeline(ctx, since)
		if err != nil {
			return nil, err
		}
		c.repopulateAsync()
	}

	if bucket > c.cfg.MetricBucket {
		buckets = coarsen(buckets, bucket)
	}
	return buckets, nil
}

// GetDistribution returns the agent-type distribution.
func (c *Coordinator) GetDistribution(ctx context.Context, since time.Time) ([]domain.AgentTypeCount, error) {
	if c.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CacheOpTimeout)
		dist, err := c.cache.QueryDistribution(cctx, since, c.cfg.TimelineFreshness)
		cancel()
		if err == nil {
			return dist, nil
		}
		c.noteMiss("distribution", err)
	}

	dist, err := c.store.ComputeDistribution(ctx, since)
	if err != nil {
		return nil, err
	}
	c.repopulateAsync()
	return dist, nil
}

// GetToolUsage returns per-tool invocation counts.
func (c *Coordinator) GetToolUsage(ctx context.Context) ([]domain.ToolUsageStat, error) {
	if c.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CacheOpTimeout)
		stats, err := c.cache.QueryToolUsage(cctx, c.cfg.TimelineFreshness)
		cancel()
		if err == nil {
			return stats, nil
		}
		c.noteMiss("tool_usage", err)
	}

	stats, err := c.store.ComputeToolUsage(ctx)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		// Repopulate off the request path.
		go func(stats []domain.ToolUsageStat) {
			cctx, cancel := context.WithTimeout(context.Background(), c.cfg.CacheOpTimeout)
			defer cancel()
			if err := c.cache.ReplaceToolUsage(cctx, stats); err != nil {
				slog.Debug("tool usage repopulation failed", "error", err)
			}
		}(stats)
	}
	return stats, nil
}

// MarkAgentStarted registers a live agent projection and returns its ID.
func (c *Coordinator) MarkAgentStarted(status domain.ActiveAgentStatus) string {
	return c.registry.Start(status)
}

// MarkAgentCompleted finalizes a live agent projection.
func (c *Coordinator) MarkAgentCompleted(agentID string, status domain.AgentStatus, durationMs int64) (*domain.ActiveAgentStatus, bool) {
	return c.registry.Complete(agentID, status, durationMs)
}

// ActiveAgents returns the current live agent projections.
func (c *Coordinator) ActiveAgents() []domain.ActiveAgentStatus {
	return c.registry.Active()
}

// RecentlyCompleted returns agents completed within the recent window.
func (c *Coordinator) RecentlyCompleted() []domain.ActiveAgentStatus {
	return c.registry.RecentlyCompleted()
}

// Health reports each tier independently. Overall is healthy only when the
// durable tier is; a dead accelerator only degrades.
func (c *Coordinator) Health(ctx context.Context) domain.HealthReport {
	report := domain.HealthReport{
		Durable:     domain.TierHealthy,
		Accelerator: domain.TierUnavailable,
	}
	if err := c.store.Ping(ctx); err != nil {
		report.Durable = domain.TierUnavailable
	}
	if c.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CacheOpTimeout)
		if err := c.cache.Ping(cctx); err == nil {
			report.Accelerator = domain.TierHealthy
		}
		cancel()
	}

	switch {
	case report.Durable != domain.TierHealthy:
		report.Overall = "unhealthy"
	case report.Accelerator != domain.TierHealthy:
		report.Overall = "degraded"
	default:
		report.Overall = "healthy"
	}
	return report
}

func (c *Coordinator) noteMiss(kind string, err error) {
	if errors.Is(err, cache.ErrMiss) {
		slog.Debug("accelerator miss", "kind", kind)
		return
	}
	slog.Warn("accelerator read failed", "kind", kind, "error", err)
}

func coarsen(buckets []domain.TimelineBucket, width time.Duration) []domain.TimelineBucket {
	var out []domain.TimelineBucket
	for _, b := range buckets {
		t := b.Bucket.Truncate(width)
		if n := len(out); n > 0 && out[n-1].Bucket.Equal(t) {
			out[n-1].Count += b.Count
			out[n-1].SuccessCount += b.SuccessCount
			out[n-1].FailureCount += b.FailureCount
			continue
		}
		out = append(out, domain.TimelineBucket{
			Bucket:       t,
			Count:        b.Count,
			SuccessCount: b.SuccessCount,
			FailureCount: b.FailureCount,
		})
	}
	return out
}
