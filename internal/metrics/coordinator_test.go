package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xiaot623/tracehub/internal/cache"
	"github.com/xiaot623/tracehub/internal/config"
	"github.com/xiaot623/tracehub/internal/domain"
	"github.com/xiaot623/tracehub/internal/store"
)

// fakeCache records writes and serves canned reads. Setting fail makes every
// operation error, simulating a dead accelerator.
type fakeCache struct {
	mu         sync.Mutex
	fail       bool
	upserts    []domain.MetricAggregate
	replaced   []domain.MetricAggregate
	tools      []domain.ToolUsageStat
	summary    *domain.MetricsSummary
	replaceErr error
}

var errCacheDown = errors.New("cache down")

func (f *fakeCache) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errCacheDown
	}
	return nil
}

func (f *fakeCache) UpsertAggregate(ctx context.Context, agg domain.MetricAggregate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errCacheDown
	}
	f.upserts = append(f.upserts, agg)
	return nil
}

func (f *fakeCache) ReplaceAggregates(ctx context.Context, since time.Time, aggs []domain.MetricAggregate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errCacheDown
	}
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.replaced = append([]domain.MetricAggregate(nil), aggs...)
	return nil
}

func (f *fakeCache) QuerySummary(ctx context.Context, since time.Time, maxAge time.Duration) (*domain.MetricsSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errCacheDown
	}
	if f.summary == nil {
		return nil, cache.ErrMiss
	}
	return f.summary, nil
}

func (f *fakeCache) QueryTimeline(ctx context.Context, since time.Time, maxAge time.Duration) ([]domain.TimelineBucket, error) {
	return nil, cache.ErrMiss
}

func (f *fakeCache) QueryDistribution(ctx context.Context, since time.Time, maxAge time.Duration) ([]domain.AgentTypeCount, error) {
	return nil, cache.ErrMiss
}

func (f *fakeCache) QueryToolUsage(ctx context.Context, maxAge time.Duration) ([]domain.ToolUsageStat, error) {
	return nil, cache.ErrMiss
}

func (f *fakeCache) ReplaceToolUsage(ctx context.Context, stats []domain.ToolUsageStat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errCacheDown
	}
	f.tools = append([]domain.ToolUsageStat(nil), stats...)
	return nil
}

func (f *fakeCache) Close() error { return nil }

func (f *fakeCache) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

func (f *fakeCache) replacedRows() []domain.MetricAggregate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MetricAggregate(nil), f.replaced...)
}

func newTestCoordinator(t *testing.T, fc Cache) (*Coordinator, *store.SQLiteStore, *config.Config) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Load()
	cfg.WarmingMinInterval = 0
	reg := NewRegistry(cfg.AgentTTL, cfg.RecentWindow)
	return NewCoordinator(st, fc, reg, cfg), st, cfg
}

func stopEventWith(sessionID, payload string) *domain.Event {
	return &domain.Event{
		SourceApp:     "runner",
		SessionID:     sessionID,
		HookEventType: domain.HookStop,
		Payload:       json.RawMessage(payload),
		Timestamp:     time.Now().UTC(),
	}
}

func TestRecordMetricWritesDurableAndMirrors(t *testing.T) {
	ctx := context.Background()
	fc := &fakeCache{}
	coord, st, _ := newTestCoordinator(t, fc)

	ev := stopEventWith("s1", `{"agent_type":"analyzer","status":"success","duration_ms":400,"total_tokens":50,"cost_usd":0.01}`)
	if err := coord.RecordMetric(ctx, ev); err != nil {
		t.Fatalf("RecordMetric failed: %v", err)
	}

	aggs, err := st.GetMetricBuckets(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetMetricBuckets failed: %v", err)
	}
	if len(aggs) != 1 || aggs[0].SuccessCount != 1 || aggs[0].TotalTokens != 50 {
		t.Fatalf("unexpected durable rows: %+v", aggs)
	}
	if fc.upsertCount() != 1 {
		t.Fatalf("expected one mirror write, got %d", fc.upsertCount())
	}
}

func TestRecordMetricMirrorsMergedValues(t *testing.T) {
	ctx := context.Background()
	fc := &fakeCache{}
	coord, _, _ := newTestCoordinator(t, fc)

	ev := stopEventWith("s1", `{"agent_type":"analyzer","status":"success","total_tokens":10}`)
	if err := coord.RecordMetric(ctx, ev); err != nil {
		t.Fatalf("first RecordMetric failed: %v", err)
	}
	ev2 := stopEventWith("s2", `{"agent_type":"analyzer","status":"success","total_tokens":15}`)
	ev2.Timestamp = ev.Timestamp
	if err := coord.RecordMetric(ctx, ev2); err != nil {
		t.Fatalf("second RecordMetric failed: %v", err)
	}

	fc.mu.Lock()
	last := fc.upserts[len(fc.upserts)-1]
	fc.mu.Unlock()
	// The mirror carries the merged row, not the delta.
	if last.Count != 2 || last.TotalTokens != 25 {
		t.Fatalf("expected merged mirror row, got %+v", last)
	}
}

func TestRecordMetricSurvivesCacheFailure(t *testing.T) {
	ctx := context.Background()
	fc := &fakeCache{fail: true}
	coord, st, _ := newTestCoordinator(t, fc)

	ev := stopEventWith("s1", `{"agent_type":"analyzer","status":"success"}`)
	if err := coord.RecordMetric(ctx, ev); err != nil {
		t.Fatalf("RecordMetric should absorb cache failure: %v", err)
	}

	aggs, err := st.GetMetricBuckets(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetMetricBuckets failed: %v", err)
	}
	if len(aggs) != 1 {
		t.Fatalf("expected durable row despite cache failure, got %d", len(aggs))
	}
}

func TestGetMetricsFallsBackOnMiss(t *testing.T) {
	ctx := context.Background()
	fc := &fakeCache{}
	coord, _, _ := newTestCoordinator(t, fc)

	ev := stopEventWith("s1", `{"agent_type":"analyzer","status":"success"}`)
	if err := coord.RecordMetric(ctx, ev); err != nil {
		t.Fatalf("RecordMetric failed: %v", err)
	}

	// fakeCache has no summary, so every read is a miss.
	sum, err := coord.GetMetrics(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if sum.Executions != 1 || sum.FromAccelerator {
		t.Fatalf("expected durable recompute, got %+v", sum)
	}
}

func TestGetMetricsPrefersCacheHit(t *testing.T) {
	ctx := context.Background()
	fc := &fakeCache{summary: &domain.MetricsSummary{Executions: 42, FromAccelerator: true}}
	coord, _, _ := newTestCoordinator(t, fc)

	sum, err := coord.GetMetrics(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if sum.Executions != 42 || !sum.FromAccelerator {
		t.Fatalf("expected cache hit, got %+v", sum)
	}
}

func TestGetMetricsWithNilCache(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newTestCoordinator(t, nil)

	ev := stopEventWith("s1", `{"agent_type":"analyzer","status":"failed"}`)
	if err := coord.RecordMetric(ctx, ev); err != nil {
		t.Fatalf("RecordMetric failed: %v", err)
	}

	sum, err := coord.GetMetrics(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if sum.Executions != 1 || sum.FailureCount != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestResyncRebuildsRecentAggregates(t *testing.T) {
	ctx := context.Background()
	fc := &fakeCache{fail: true}
	coord, _, _ := newTestCoordinator(t, fc)

	// Writes land durably while the cache is down.
	for _, sid := range []string{"s1", "s2"} {
		ev := stopEventWith(sid, `{"agent_type":"analyzer","status":"success"}`)
		if err := coord.RecordMetric(ctx, ev); err != nil {
			t.Fatalf("RecordMetric failed: %v", err)
		}
	}

	// Cache recovers; a forced warming pass rebuilds it.
	fc.mu.Lock()
	fc.fail = false
	fc.mu.Unlock()
	ran, err := coord.Resync(ctx, true)
	if err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	if !ran {
		t.Fatal("expected warming pass to run")
	}
	rows := fc.replacedRows()
	if len(rows) != 1 || rows[0].Count != 2 {
		t.Fatalf("expected rebuilt aggregate, got %+v", rows)
	}
}

func TestResyncRateLimited(t *testing.T) {
	ctx := context.Background()
	fc := &fakeCache{}
	coord, _, cfg := newTestCoordinator(t, fc)
	cfg.WarmingMinInterval = time.Hour

	ran, err := coord.Resync(ctx, false)
	if err != nil || !ran {
		t.Fatalf("first pass should run: %v %v", ran, err)
	}
	ran, err = coord.Resync(ctx, false)
	if err != nil {
		t.Fatalf("second pass errored: %v", err)
	}
	if ran {
		t.Fatal("second unforced pass should be rate-limited")
	}
	// Forced passes ignore the interval.
	ran, err = coord.Resync(ctx, true)
	if err != nil || !ran {
		t.Fatalf("forced pass should run: %v %v", ran, err)
	}
}

func TestResyncWithoutCache(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, nil)

	_, err := coord.Resync(context.Background(), true)
	if !errors.Is(err, ErrAcceleratorDisabled) {
		t.Fatalf("expected ErrAcceleratorDisabled, got %v", err)
	}
}

func TestHealthStates(t *testing.T) {
	ctx := context.Background()
	fc := &fakeCache{}
	coord, _, _ := newTestCoordinator(t, fc)

	report := coord.Health(ctx)
	if report.Overall != "healthy" {
		t.Fatalf("expected healthy, got %+v", report)
	}

	fc.fail = true
	report = coord.Health(ctx)
	if report.Overall != "degraded" || report.Durable != domain.TierHealthy {
		t.Fatalf("expected degraded, got %+v", report)
	}

	coordNoCache, _, _ := newTestCoordinator(t, nil)
	report = coordNoCache.Health(ctx)
	if report.Overall != "degraded" || report.Accelerator != domain.TierUnavailable {
		t.Fatalf("expected degraded without cache, got %+v", report)
	}
}

func TestRegistrySweepExpiresAgents(t *testing.T) {
	reg := NewRegistry(time.Minute, time.Minute)

	id := reg.Start(domain.ActiveAgentStatus{
		AgentName: "slow",
		AgentType: "analyzer",
		SessionID: "s1",
		StartTime: time.Now().Add(-2 * time.Minute),
	})
	reg.Start(domain.ActiveAgentStatus{
		AgentName: "fresh",
		AgentType: "analyzer",
		SessionID: "s2",
	})

	expired := reg.Sweep(time.Now())
	if len(expired) != 1 || expired[0].AgentID != id {
		t.Fatalf("unexpected expired set: %+v", expired)
	}
	if expired[0].Status != domain.AgentTimeout {
		t.Fatalf("expected timeout status, got %s", expired[0].Status)
	}
	if active := reg.Active(); len(active) != 1 || active[0].AgentName != "fresh" {
		t.Fatalf("unexpected active set: %+v", active)
	}
}

func TestRegistryCompleteBySessionPicksNewest(t *testing.T) {
	reg := NewRegistry(time.Minute, time.Minute)

	reg.Start(domain.ActiveAgentStatus{
		AgentName: "old",
		SessionID: "s1",
		StartTime: time.Now().Add(-time.Minute),
	})
	newest := reg.Start(domain.ActiveAgentStatus{
		AgentName: "new",
		SessionID: "s1",
		StartTime: time.Now(),
	})

	done, ok := reg.CompleteBySession("s1", domain.AgentComplete, 100)
	if !ok || done.AgentID != newest {
		t.Fatalf("expected newest agent completed, got %+v", done)
	}
	if active := reg.Active(); len(active) != 1 || active[0].AgentName != "old" {
		t.Fatalf("unexpected active set: %+v", active)
	}
}
