package store

import (
	"context"
	"time"

	"github.com/xiaot623/tracehub/internal/domain"
)

// UpsertMetricBucket folds one observation into the durable rollup row for
// its (bucket, agent_type) pair and returns the merged row, so callers can
// mirror absolute values into the accelerator rather than re-applying deltas.
func (s *SQLiteStore) UpsertMetricBucket(ctx context.Context, agg domain.MetricAggregate) (*domain.MetricAggregate, error) {
	merged := domain.MetricAggregate{Bucket: agg.Bucket, AgentType: agg.AgentType}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO agent_metrics (bucket, agent_type, count, success_count, failure_count,
			total_duration_ms, total_tokens, total_cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, agent_type) DO UPDATE SET
			count = count + excluded.count,
			success_count = success_count + excluded.success_count,
			failure_count = failure_count + excluded.failure_count,
			total_duration_ms = total_duration_ms + excluded.total_duration_ms,
			total_tokens = total_tokens + excluded.total_tokens,
			total_cost_usd = total_cost_usd + excluded.total_cost_usd
		 RETURNING count, success_count, failure_count, total_duration_ms, total_tokens, total_cost_usd`,
		agg.Bucket, agg.AgentType, agg.Count, agg.SuccessCount, agg.FailureCount,
		agg.TotalDurationMs, agg.TotalTokens, agg.TotalCostUSD).Scan(
		&merged.Count, &merged.SuccessCount, &merged.FailureCount,
		&merged.TotalDurationMs, &merged.TotalTokens, &merged.TotalCostUSD)
	if err != nil {
		return nil, &DurableError{Op: "upsert metric bucket", Err: err}
	}
	return &merged, nil
}

// GetMetricBuckets returns all rollup rows at or after the given time,
// ascending by bucket. Used for cache warming and repopulation.
func (s *SQLiteStore) GetMetricBuckets(ctx context.Context, since time.Time) ([]domain.MetricAggregate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket, agent_type, count, success_count, failure_count,
			total_duration_ms, total_tokens, total_cost_usd
		 FROM agent_metrics WHERE bucket >= ? ORDER BY bucket ASC`, since)
	if err != nil {
		return nil, &DurableError{Op: "get metric buckets", Err: err}
	}
	defer rows.Close()

	var aggs []domain.MetricAggregate
	for rows.Next() {
		var a domain.MetricAggregate
		if err := rows.Scan(&a.Bucket, &a.AgentType, &a.Count, &a.SuccessCount,
			&a.FailureCount, &a.TotalDurationMs, &a.TotalTokens, &a.TotalCostUSD); err != nil {
			return nil, err
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

// ComputeSummary recomputes the aggregate snapshot from the durable rollups.
func (s *SQLiteStore) ComputeSummary(ctx context.Context, since time.Time) (*domain.MetricsSummary, error) {
	sum := &domain.MetricsSummary{Since: since}
	var totalDuration int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0), COALESCE(SUM(success_count), 0),
			COALESCE(SUM(failure_count), 0), COALESCE(SUM(total_duration_ms), 0),
			COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost_usd), 0)
		 FROM agent_metrics WHERE bucket >= ?`, since).Scan(
		&sum.Executions, &sum.SuccessCount, &sum.FailureCount,
		&totalDuration, &sum.TotalTokens, &sum.TotalCostUSD)
	if err != nil {
		return nil, &DurableError{Op: "compute summary", Err: err}
	}
	if sum.Executions > 0 {
		sum.AvgDurationMs = float64(totalDuration) / float64(sum.Executions)
	}
	return sum, nil
}

// ComputeTimeline recomputes timeline buckets from the durable rollups.
func (s *SQLiteStore) ComputeTimeline(ctx context.Context, since time.Time) ([]domain.TimelineBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket, SUM(count), SUM(success_count), SUM(failure_count)
		 FROM agent_metrics WHERE bucket >= ?
		 GROUP BY bucket ORDER BY bucket ASC`, since)
	if err != nil {
		return nil, &DurableError{Op: "compute timeline", Err: err}
	}
	defer rows.Close()

	var buckets []domain.TimelineBucket
	for rows.Next() {
		var b domain.TimelineBucket
		if err := rows.Scan(&b.Bucket, &b.Count, &b.SuccessCount, &b.FailureCount); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// ComputeDistribution recomputes the agent-type distribution from the
// durable rollups.
func (s *SQLiteStore) ComputeDistribution(ctx context.Context, since time.Time) ([]domain.AgentTypeCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_type, SUM(count) FROM agent_metrics
		 WHERE bucket >= ? GROUP BY agent_type ORDER BY SUM(count) DESC`, since)
	if err != nil {
		return nil, &DurableError{Op: "compute distribution", Err: err}
	}
	defer rows.Close()

	var dist []domain.AgentTypeCount
	for rows.Next() {
		var d domain.AgentTypeCount
		if err := rows.Scan(&d.AgentType, &d.Count); err != nil {
			return nil, err
		}
		dist = append(dist, d)
	}
	return dist, rows.Err()
}

// ComputeToolUsage recomputes per-tool counts from the raw event log. Tool
// names live inside the opaque payload, so this leans on SQLite's JSON
// functions; events without a tool_name field are skipped.
func (s *SQLiteStore) ComputeToolUsage(ctx context.Context) ([]domain.ToolUsageStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT json_extract(payload, '$.tool_name') AS tool,
			COUNT(*),
			SUM(CASE WHEN json_extract(payload, '$.error') IS NOT NULL THEN 1 ELSE 0 END)
		 FROM events
		 WHERE hook_event_type = ? AND json_extract(payload, '$.tool_name') IS NOT NULL
		 GROUP BY tool ORDER BY COUNT(*) DESC`, domain.HookPostToolUse)
	if err != nil {
		return nil, &DurableError{Op: "compute tool usage", Err: err}
	}
	defer rows.Close()

	var stats []domain.ToolUsageStat
	for rows.Next() {
		var st domain.ToolUsageStat
		if err := rows.Scan(&st.ToolName, &st.Count, &st.FailureCount); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
