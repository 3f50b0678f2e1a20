package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xiaot623/tracehub/internal/domain"
)

func TestUpsertMetricBucketReturnsMergedRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bucket := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	merged, err := s.UpsertMetricBucket(ctx, domain.MetricAggregate{
		Bucket: bucket, AgentType: "analyzer",
		Count: 1, SuccessCount: 1, TotalDurationMs: 400, TotalTokens: 50, TotalCostUSD: 0.01,
	})
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if merged.Count != 1 || merged.TotalTokens != 50 {
		t.Fatalf("unexpected first merge: %+v", merged)
	}

	merged, err = s.UpsertMetricBucket(ctx, domain.MetricAggregate{
		Bucket: bucket, AgentType: "analyzer",
		Count: 1, FailureCount: 1, TotalDurationMs: 600, TotalTokens: 25,
	})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if merged.Count != 2 || merged.SuccessCount != 1 || merged.FailureCount != 1 {
		t.Fatalf("counts not additive: %+v", merged)
	}
	if merged.TotalDurationMs != 1000 || merged.TotalTokens != 75 {
		t.Fatalf("sums not additive: %+v", merged)
	}

	// A different agent type in the same bucket is a separate row.
	if _, err := s.UpsertMetricBucket(ctx, domain.MetricAggregate{
		Bucket: bucket, AgentType: "reviewer", Count: 1, SuccessCount: 1,
	}); err != nil {
		t.Fatalf("third upsert failed: %v", err)
	}

	aggs, err := s.GetMetricBuckets(ctx, bucket.Add(-time.Minute))
	if err != nil {
		t.Fatalf("GetMetricBuckets failed: %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(aggs))
	}
}

func TestComputeSummary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Minute)

	rows := []domain.MetricAggregate{
		{Bucket: now, AgentType: "analyzer", Count: 2, SuccessCount: 1, FailureCount: 1, TotalDurationMs: 1000, TotalTokens: 100, TotalCostUSD: 0.05},
		{Bucket: now.Add(-time.Minute), AgentType: "reviewer", Count: 1, SuccessCount: 1, TotalDurationMs: 500},
		// Outside the queried range.
		{Bucket: now.Add(-48 * time.Hour), AgentType: "analyzer", Count: 9},
	}
	for _, r := range rows {
		if _, err := s.UpsertMetricBucket(ctx, r); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	sum, err := s.ComputeSummary(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ComputeSummary failed: %v", err)
	}
	if sum.Executions != 3 || sum.SuccessCount != 2 || sum.FailureCount != 1 {
		t.Fatalf("unexpected counts: %+v", sum)
	}
	if sum.AvgDurationMs != 500 {
		t.Fatalf("expected avg duration 500, got %f", sum.AvgDurationMs)
	}
	if sum.TotalTokens != 100 || sum.TotalCostUSD != 0.05 {
		t.Fatalf("unexpected totals: %+v", sum)
	}
	if sum.FromAccelerator {
		t.Fatal("durable recompute must not claim accelerator origin")
	}
}

func TestComputeTimelineAndDistribution(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Minute)

	rows := []domain.MetricAggregate{
		{Bucket: now.Add(-2 * time.Minute), AgentType: "analyzer", Count: 1, SuccessCount: 1},
		{Bucket: now.Add(-time.Minute), AgentType: "analyzer", Count: 2, SuccessCount: 2},
		{Bucket: now.Add(-time.Minute), AgentType: "reviewer", Count: 1, FailureCount: 1},
	}
	for _, r := range rows {
		if _, err := s.UpsertMetricBucket(ctx, r); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	timeline, err := s.ComputeTimeline(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ComputeTimeline failed: %v", err)
	}
	if len(timeline) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(timeline))
	}
	// Ascending by bucket; the second bucket folds both agent types.
	if timeline[1].Count != 3 || timeline[1].FailureCount != 1 {
		t.Fatalf("unexpected bucket: %+v", timeline[1])
	}

	dist, err := s.ComputeDistribution(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ComputeDistribution failed: %v", err)
	}
	if len(dist) != 2 || dist[0].AgentType != "analyzer" || dist[0].Count != 3 {
		t.Fatalf("unexpected distribution: %+v", dist)
	}
}

func TestComputeToolUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	payloads := []string{
		`{"tool_name":"grep"}`,
		`{"tool_name":"grep","error":"exit 2"}`,
		`{"tool_name":"read"}`,
		`{"other":"no tool name"}`,
	}
	for _, p := range payloads {
		ev := &domain.Event{
			SourceApp:     "app",
			SessionID:     "s1",
			HookEventType: domain.HookPostToolUse,
			Payload:       json.RawMessage(p),
			Timestamp:     now,
		}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}
	// PreToolUse events do not count.
	pre := &domain.Event{
		SourceApp: "app", SessionID: "s1", HookEventType: domain.HookPreToolUse,
		Payload: json.RawMessage(`{"tool_name":"grep"}`), Timestamp: now,
	}
	if err := s.AppendEvent(ctx, pre); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	stats, err := s.ComputeToolUsage(ctx)
	if err != nil {
		t.Fatalf("ComputeToolUsage failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 tools, got %+v", stats)
	}
	if stats[0].ToolName != "grep" || stats[0].Count != 2 || stats[0].FailureCount != 1 {
		t.Fatalf("unexpected grep stats: %+v", stats[0])
	}
	if stats[1].ToolName != "read" || stats[1].Count != 1 {
		t.Fatalf("unexpected read stats: %+v", stats[1])
	}
}
