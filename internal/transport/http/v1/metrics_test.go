package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/tracehub/internal/domain"
)

func seedStopEvents(t *testing.T, h *Handler) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	payloads := []string{
		`{"agent_type":"analyzer","status":"success","duration_ms":800,"total_tokens":120,"cost_usd":0.02}`,
		`{"agent_type":"analyzer","status":"failed","duration_ms":300}`,
		`{"agent_type":"reviewer","status":"success","duration_ms":500,"total_tokens":80}`,
	}
	for i, p := range payloads {
		ev := &domain.Event{
			SourceApp:     "runner",
			SessionID:     "s" + string(rune('a'+i)),
			HookEventType: domain.HookStop,
			Payload:       json.RawMessage(p),
			Timestamp:     now,
		}
		_, err := h.gateway.Ingest(ctx, ev)
		require.NoError(t, err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	h := newTestHandler(t)
	seedStopEvents(t, h)

	rec := doJSON(t, h.GetMetrics, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var summary domain.MetricsSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.EqualValues(t, 3, summary.Executions)
	assert.EqualValues(t, 2, summary.SuccessCount)
	assert.EqualValues(t, 1, summary.FailureCount)
	assert.EqualValues(t, 200, summary.TotalTokens)
	// No accelerator wired in this handler fixture.
	assert.False(t, summary.FromAccelerator)
}

func TestGetMetricsBadSince(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.GetMetrics, http.MethodGet, "/metrics?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTimeline(t *testing.T) {
	h := newTestHandler(t)
	seedStopEvents(t, h)

	rec := doJSON(t, h.GetTimeline, http.MethodGet, "/metrics/timeline?bucket=1m", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Timeline []domain.TimelineBucket `json:"timeline"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Timeline)

	var total int64
	for _, b := range resp.Timeline {
		total += b.Count
	}
	assert.EqualValues(t, 3, total)
}

func TestGetDistribution(t *testing.T) {
	h := newTestHandler(t)
	seedStopEvents(t, h)

	rec := doJSON(t, h.GetDistribution, http.MethodGet, "/metrics/distribution", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Distribution []domain.AgentTypeCount `json:"distribution"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	counts := map[string]int64{}
	for _, d := range resp.Distribution {
		counts[d.AgentType] = d.Count
	}
	assert.EqualValues(t, 2, counts["analyzer"])
	assert.EqualValues(t, 1, counts["reviewer"])
}

func TestGetToolUsage(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	for _, p := range []string{
		`{"tool_name":"grep"}`,
		`{"tool_name":"grep","error":"not found"}`,
		`{"tool_name":"read"}`,
	} {
		ev := &domain.Event{
			SourceApp:     "runner",
			SessionID:     "s1",
			HookEventType: domain.HookPostToolUse,
			Payload:       json.RawMessage(p),
			Timestamp:     time.Now().UTC(),
		}
		_, err := h.gateway.Ingest(ctx, ev)
		require.NoError(t, err)
	}

	rec := doJSON(t, h.GetToolUsage, http.MethodGet, "/metrics/tools", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Tools []domain.ToolUsageStat `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	stats := map[string]domain.ToolUsageStat{}
	for _, s := range resp.Tools {
		stats[s.ToolName] = s
	}
	assert.EqualValues(t, 2, stats["grep"].Count)
	assert.EqualValues(t, 1, stats["grep"].FailureCount)
	assert.EqualValues(t, 1, stats["read"].Count)
}

func TestHealthDegradedWithoutAccelerator(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.Health, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var report domain.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, domain.TierHealthy, report.Durable)
	assert.Equal(t, domain.TierUnavailable, report.Accelerator)
	assert.Equal(t, "degraded", report.Overall)
}

func TestResyncCacheDisabled(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.ResyncCache, http.MethodPost, "/cache/resync", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}
