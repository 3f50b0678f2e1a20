// Package cache implements the accelerator tier: a DuckDB mirror of the
// durable metric rollups. The file can be deleted, the process restarted,
// or every call can fail, and the only consequence is read latency. Nothing
// here is authoritative.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/xiaot623/tracehub/internal/domain"
)

// ErrMiss is returned when the cache has no sufficiently fresh answer.
// Callers treat it as "recompute from the durable tier", never as a failure.
var ErrMiss = errors.New("accelerator cache miss")

// Freshness meta kinds. Aggregate reads (summary, timeline, distribution)
// share one mirror table and therefore one freshness stamp; tool usage is
// repopulated independently.
const (
	KindAggregates = "aggregates"
	KindToolUsage  = "tool_usage"
)

// DuckDB is the accelerator cache backed by an embedded DuckDB database.
type DuckDB struct {
	db *sql.DB
}

// Open opens (or creates) the cache database and ensures its schema.
func Open(path string) (*DuckDB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS agent_metrics (
			bucket TIMESTAMP NOT NULL,
			agent_type VARCHAR NOT NULL,
			count BIGINT NOT NULL,
			success_count BIGINT NOT NULL,
			failure_count BIGINT NOT NULL,
			total_duration_ms BIGINT NOT NULL,
			total_tokens BIGINT NOT NULL,
			total_cost_usd DOUBLE NOT NULL,
			PRIMARY KEY (bucket, agent_type)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_usage (
			tool_name VARCHAR PRIMARY KEY,
			count BIGINT NOT NULL,
			failure_count BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cache_meta (
			kind VARCHAR PRIMARY KEY,
			updated_at TIMESTAMP NOT NULL,
			coverage_start TIMESTAMP
		)`,
		`ALTER TABLE cache_meta ADD COLUMN IF NOT EXISTS coverage_start TIMESTAMP`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache schema failed: %w", err)
		}
	}
	return &DuckDB{db: db}, nil
}

// Close closes the cache database.
func (c *DuckDB) Close() error {
	return c.db.Close()
}

// Ping verifies the cache is reachable.
func (c *DuckDB) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// UpsertAggregate mirrors one durable rollup row. The row carries absolute
// values, so re-delivery after a missed write self-heals the mirror.
func (c *DuckDB) UpsertAggregate(ctx context.Context, agg domain.MetricAggregate) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_metrics
			(bucket, agent_type, count, success_count, failure_count,
			 total_duration_ms, total_tokens, total_cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agg.Bucket, agg.AgentType, agg.Count, agg.SuccessCount, agg.FailureCount,
		agg.TotalDurationMs, agg.TotalTokens, agg.TotalCostUSD)
	if err != nil {
		return err
	}
	return c.touch(ctx, KindAggregates)
}

// ReplaceAggregates rebuilds the mirror from durable rows at or after since.
// Used by cache warming; idempotent.
func (c *DuckDB) ReplaceAggregates(ctx context.Context, since time.Time, aggs []domain.MetricAggregate) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_metrics WHERE bucket >= ?`, since); err != nil {
		return err
	}
	for _, agg := range aggs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO agent_metrics
				(bucket, agent_type, count, success_count, failure_count,
				 total_duration_ms, total_tokens, total_cost_usd)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			agg.Bucket, agg.AgentType, agg.Count, agg.SuccessCount, agg.FailureCount,
			agg.TotalDurationMs, agg.TotalTokens, agg.TotalCostUSD); err != nil {
			return err
		}
	}
	// coverage_start records how far back the rebuilt mirror reaches; reads
	// asking for earlier data must fall through to the durable tier.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_meta (kind, updated_at, coverage_start) VALUES (?, ?, ?)`,
		KindAggregates, time.Now().UTC(), since); err != nil {
		return err
	}
	return tx.Commit()
}

// QuerySummary answers the aggregate snapshot from the mirror, or ErrMiss
// when the mirror is older than maxAge or does not cover since.
func (c *DuckDB) QuerySummary(ctx context.Context, since time.Time, maxAge time.Duration) (*domain.MetricsSummary, error) {
	if err := c.requireFresh(ctx, KindAggregates, maxAge, since); err != nil {
		return nil, err
	}
	sum := &domain.MetricsSummary{Since: since, FromAccelerator: true}
	var totalDuration int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0), COALESCE(SUM(success_count), 0),
			COALESCE(SUM(failure_count), 0), COALESCE(SUM(total_duration_ms), 0),
			COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost_usd), 0)
		 FROM agent_metrics WHERE bucket >= ?`, since).Scan(
		&sum.Executions, &sum.SuccessCount, &sum.FailureCount,
		&totalDuration, &sum.TotalTokens, &sum.TotalCostUSD)
	if err != nil {
		return nil, err
	}
	if sum.Executions > 0 {
		sum.AvgDurationMs = float64(totalDuration) / float64(sum.Executions)
	}
	return sum, nil
}

// QueryTimeline answers timeline buckets from the mirror.
func (c *DuckDB) QueryTimeline(ctx context.Context, since time.Time, maxAge time.Duration) ([]domain.TimelineBucket, error) {
	if err := c.requireFresh(ctx, KindAggregates, maxAge, since); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT bucket, SUM(count), SUM(success_count), SUM(failure_count)
		 FROM agent_metrics WHERE bucket >= ?
		 GROUP BY bucket ORDER BY bucket ASC`, since)
	if err != nil {
		return nil, err
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

// QueryDistribution answers the agent-type distribution from the mirror.
func (c *DuckDB) QueryDistribution(ctx context.Context, since time.Time, maxAge time.Duration) ([]domain.AgentTypeCount, error) {
	if err := c.requireFresh(ctx, KindAggregates, maxAge, since); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT agent_type, SUM(count) FROM agent_metrics
		 WHERE bucket >= ? GROUP BY agent_type ORDER BY SUM(count) DESC`, since)
	if err != nil {
		return nil, err
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

// QueryToolUsage answers per-tool counts from the mirror.
func (c *DuckDB) QueryToolUsage(ctx context.Context, maxAge time.Duration) ([]domain.ToolUsageStat, error) {
	if err := c.requireFresh(ctx, KindToolUsage, maxAge, time.Time{}); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT tool_name, count, failure_count FROM tool_usage ORDER BY count DESC`)
	if err != nil {
		return nil, err
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

// ReplaceToolUsage rebuilds the tool usage mirror.
func (c *DuckDB) ReplaceToolUsage(ctx context.Context, stats []domain.ToolUsageStat) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_usage`); err != nil {
		return err
	}
	for _, st := range stats {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO tool_usage (tool_name, count, failure_count) VALUES (?, ?, ?)`,
			st.ToolName, st.Count, st.FailureCount); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_meta (kind, updated_at) VALUES (?, ?)`,
		KindToolUsage, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *DuckDB) touch(ctx context.Context, kind string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_meta (kind, updated_at) VALUES (?, ?)
		 ON CONFLICT (kind) DO UPDATE SET updated_at = excluded.updated_at`,
		kind, time.Now().UTC())
	return err
}

// requireFresh rejects a read when the mirror is stale or, for a nonzero
// since, when the last rebuild did not reach back that far.
func (c *DuckDB) requireFresh(ctx context.Context, kind string, maxAge time.Duration, since time.Time) error {
	var updatedAt time.Time
	var coverage sql.NullTime
	err := c.db.QueryRowContext(ctx,
		`SELECT updated_at, coverage_start FROM cache_meta WHERE kind = ?`, kind).Scan(&updatedAt, &coverage)
	if err == sql.ErrNoRows {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	if maxAge > 0 && time.Since(updatedAt) > maxAge {
		return ErrMiss
	}
	if !since.IsZero() {
		if !coverage.Valid || since.Before(coverage.Time) {
			return ErrMiss
		}
	}
	return nil
}
