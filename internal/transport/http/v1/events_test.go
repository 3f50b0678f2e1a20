package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/tracehub/internal/config"
	"github.com/xiaot623/tracehub/internal/domain"
	"github.com/xiaot623/tracehub/internal/ingest"
	"github.com/xiaot623/tracehub/internal/metrics"
	"github.com/xiaot623/tracehub/internal/relation"
	"github.com/xiaot623/tracehub/tests/helpers"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	cfg := config.Load()
	reg := metrics.NewRegistry(cfg.AgentTTL, cfg.RecentWindow)
	coord := metrics.NewCoordinator(db, nil, reg, cfg)
	rel := relation.NewEngine(db, nil)
	gw := ingest.NewGateway(db, rel, coord, reg, nil)
	return NewHandler(gw, coord, rel, db, cfg)
}

func doJSON(t *testing.T, h echo.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, h(c))
	return rec
}

func TestIngestEventValidation(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.IngestEvent, http.MethodPost, "/events", `{"session_id":"s1","hook_event_type":"Stop"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "source_app")
}

func TestIngestEventSuccess(t *testing.T) {
	h := newTestHandler(t)

	body := `{"source_app":"runner","session_id":"s1","hook_event_type":"PreToolUse","payload":{"tool_name":"grep"}}`
	rec := doJSON(t, h.IngestEvent, http.MethodPost, "/events", body)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var stored domain.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.NotZero(t, stored.ID)
	assert.False(t, stored.Timestamp.IsZero())

	events, err := h.store.GetSessionEvents(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "PreToolUse", events[0].HookEventType)
}

func TestIngestEventIgnoresClientAssignedID(t *testing.T) {
	h := newTestHandler(t)

	body := `{"id":999,"source_app":"runner","session_id":"s1","hook_event_type":"Notification"}`
	rec := doJSON(t, h.IngestEvent, http.MethodPost, "/events", body)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var stored domain.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.EqualValues(t, 1, stored.ID)
}

func TestGetRecentEventsFilters(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	for _, spec := range []struct{ app, session, hook string }{
		{"alpha", "s1", "PreToolUse"},
		{"alpha", "s2", "Stop"},
		{"beta", "s3", "PreToolUse"},
	} {
		ev := &domain.Event{
			SourceApp:     spec.app,
			SessionID:     spec.session,
			HookEventType: spec.hook,
			Timestamp:     time.Now().UTC(),
		}
		require.NoError(t, h.store.AppendEvent(ctx, ev))
	}

	rec := doJSON(t, h.GetRecentEvents, http.MethodGet, "/events/recent?app=alpha", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)
	// Newest first.
	assert.Equal(t, "s2", resp.Events[0].SessionID)

	rec = doJSON(t, h.GetRecentEvents, http.MethodGet, "/events/recent?type=PreToolUse&limit=1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "beta", resp.Events[0].SourceApp)
}

func TestGetRecentEventsBadLimit(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.GetRecentEvents, http.MethodGet, "/events/recent?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSessionEvents(t *testing.T) {
	h := newTestHandler(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/events/session/s1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues("s1")

	require.NoError(t, h.GetSessionEvents(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		SessionID string         `json:"session_id"`
		Events    []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.NotNil(t, resp.Events)
	assert.Empty(t, resp.Events)
}
