// Package relation maintains the session graph: implicit session creation,
// parent/child edges with depth and path, lifecycle transitions, and the
// hierarchy tree query.
package relation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xiaot623/tracehub/internal/domain"
	"github.com/xiaot623/tracehub/internal/store"
)

// Notifier receives relationship-change messages. The broadcast hub satisfies
// it; tests substitute a recording fake.
type Notifier interface {
	Push(msg domain.StreamMessage)
}

// Engine applies lifecycle events to the session graph. Safe for concurrent
// use; per-session invariants rest on the store's idempotent upserts.
type Engine struct {
	store    *store.SQLiteStore
	notifier Notifier
}

func NewEngine(st *store.SQLiteStore, n Notifier) *Engine {
	return &Engine{store: st, notifier: n}
}

// HandleEvent routes one event through the session state machine. Start-type
// events create sessions and edges; stop-type events complete them; every
// other type only keeps the session row warm.
func (e *Engine) HandleEvent(ctx context.Context, ev *domain.Event) error {
	switch {
	case ev.IsStartType():
		return e.handleStart(ctx, ev)
	case ev.IsStopType():
		return e.handleStop(ctx, ev)
	default:
		return nil
	}
}

func (e *Engine) handleStart(ctx context.Context, ev *domain.Event) error {
	if ev.ParentSessionID != "" {
		// Out-of-order arrival: the child's start may precede the parent's.
		// The placeholder must not overwrite a parent row already recorded
		// from its own start event.
		parent := &domain.Session{
			SessionID:   ev.ParentSessionID,
			SourceApp:   ev.SourceApp,
			SessionType: domain.SessionTypeMain,
			StartTime:   ev.Timestamp,
			Status:      domain.SessionActive,
		}
		if err := e.store.EnsureSession(ctx, parent); err != nil {
			return err
		}
	}

	sess := &domain.Session{
		SessionID:       ev.SessionID,
		SourceApp:       ev.SourceApp,
		SessionType:     sessionTypeFor(ev),
		ParentSessionID: ev.ParentSessionID,
		StartTime:       ev.Timestamp,
		Status:          domain.SessionActive,
	}
	if err := e.store.UpsertSession(ctx, sess); err != nil {
		return err
	}
	if ev.ParentSessionID == "" {
		return nil
	}

	existing, err := e.store.GetRelationshipByChild(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.ParentSessionID != ev.ParentSessionID {
			// First writer wins; a reparent under reordering would break
			// every descendant's path.
			slog.Warn("session reported conflicting parent",
				"session", ev.SessionID,
				"recorded_parent", existing.ParentSessionID,
				"reported_parent", ev.ParentSessionID)
		}
		return nil
	}

	depth, path, err := e.placeUnder(ctx, ev.ParentSessionID, ev.SessionID)
	if err != nil {
		return err
	}

	rel := &domain.SessionRelationship{
		ParentSessionID:  ev.ParentSessionID,
		ChildSessionID:   ev.SessionID,
		RelationshipType: relationshipTypeFor(ev),
		SpawnReason:      spawnReason(ev),
		DelegationType:   delegationField(ev, "delegation_type"),
		DepthLevel:       depth,
		SessionPath:      path,
		CreatedAt:        ev.Timestamp,
	}
	inserted, err := e.store.InsertRelationship(ctx, rel)
	if err != nil {
		return err
	}
	if inserted && e.notifier != nil {
		e.notifier.Push(domain.NewStreamMessage(domain.StreamSessionSpawn, domain.SessionChange{
			SessionID:       ev.SessionID,
			ParentSessionID: ev.ParentSessionID,
			Status:          domain.SessionActive,
			DepthLevel:      depth,
			SessionPath:     path,
		}))
	}
	return nil
}

// placeUnder computes the child's depth and dot-joined path from the parent's
// position, rejecting placements that would close a cycle.
func (e *Engine) placeUnder(ctx context.Context, parentID, childID string) (int, string, error) {
	if parentID == childID {
		return 0, "", store.ErrSelfEdge
	}

	visited := map[string]bool{childID: true}
	cur := parentID
	parentDepth := 0
	parentPath := parentID
	for cur != "" {
		if visited[cur] {
			return 0, "", store.ErrCycle
		}
		visited[cur] = true
		edge, err := e.store.GetRelationshipByChild(ctx, cur)
		if err != nil {
			return 0, "", err
		}
		if edge == nil {
			break
		}
		if cur == parentID {
			parentDepth = edge.DepthLevel
			parentPath = edge.SessionPath
		}
		cur = edge.ParentSessionID
	}
	return parentDepth + 1, parentPath + "." + childID, nil
}

func (e *Engine) handleStop(ctx context.Context, ev *domain.Event) error {
	status := terminalStatusFor(ev)

	sess, err := e.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	var durationMs int64
	if sess != nil {
		durationMs = ev.Timestamp.Sub(sess.StartTime).Milliseconds()
		if durationMs < 0 {
			durationMs = 0
		}
	}

	transitioned, err := e.store.CompleteSession(ctx, ev.SessionID, status, ev.Timestamp, durationMs)
	if err != nil {
		return err
	}
	if !transitioned {
		// Already terminal or never seen; duplicate stop events are normal.
		return nil
	}
	if err := e.store.CompleteRelationships(ctx, ev.SessionID, ev.Timestamp); err != nil {
		return err
	}

	if e.notifier != nil {
		msgType := domain.StreamChildSessionCompleted
		if status == domain.SessionFailed {
			msgType = domain.StreamSessionFailed
		}
		parentID := ""
		if sess != nil {
			parentID = sess.ParentSessionID
		}
		e.notifier.Push(domain.NewStreamMessage(msgType, domain.SessionChange{
			SessionID:       ev.SessionID,
			ParentSessionID: parentID,
			Status:          status,
			DurationMs:      durationMs,
		}))
	}
	return nil
}

// TimeoutSession marks a stale session as timed out and announces it. The
// sweeper calls this for sessions with no recent activity.
func (e *Engine) TimeoutSession(ctx context.Context, sess *domain.Session, at time.Time) error {
	durationMs := at.Sub(sess.StartTime).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	transitioned, err := e.store.CompleteSession(ctx, sess.SessionID, domain.SessionTimeout, at, durationMs)
	if err != nil || !transitioned {
		return err
	}
	if err := e.store.CompleteRelationships(ctx, sess.SessionID, at); err != nil {
		return err
	}
	if e.notifier != nil {
		e.notifier.Push(domain.NewStreamMessage(domain.StreamSessionTimeout, domain.SessionChange{
			SessionID:       sess.SessionID,
			ParentSessionID: sess.ParentSessionID,
			Status:          domain.SessionTimeout,
			DurationMs:      durationMs,
		}))
	}
	return nil
}

// GetHierarchy returns the tree rooted at rootID, expanding maxDepth levels
// of children below the root. Nodes at the cutoff still list their child
// relationships; only the recursion stops. The depth limit is the
// unbounded-growth guard even though self edges and cycles are rejected at
// insert time.
func (e *Engine) GetHierarchy(ctx context.Context, rootID string, maxDepth int) (*domain.HierarchyNode, error) {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	visited := make(map[string]bool)
	return e.buildNode(ctx, rootID, maxDepth, visited)
}

func (e *Engine) buildNode(ctx context.Context, sessionID string, remaining int, visited map[string]bool) (*domain.HierarchyNode, error) {
	if visited[sessionID] {
		return nil, fmt.Errorf("hierarchy revisited session %s", sessionID)
	}
	visited[sessionID] = true

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	node := &domain.HierarchyNode{Session: sess}
	node.Events, err = e.store.GetSessionEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	node.Relationships, err = e.store.GetChildRelationships(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		return node, nil
	}
	for _, rel := range node.Relationships {
		child, err := e.buildNode(ctx, rel.ChildSessionID, remaining-1, visited)
		if err != nil {
			return nil, err
		}
		if child != nil {
			node.Children = append(node.Children, child)
		}
	}
	return node, nil
}

// Stats reports graph-wide relationship statistics.
func (e *Engine) Stats(ctx context.Context) (*domain.RelationshipStats, error) {
	return e.store.RelationshipStats(ctx)
}

func sessionTypeFor(ev *domain.Event) domain.SessionType {
	if ev.WaveID != "" {
		return domain.SessionTypeWave
	}
	if dt := delegationField(ev, "delegation_type"); dt == "continuation" {
		return domain.SessionTypeContinuation
	}
	if ev.HookEventType == domain.HookSubagentStart || ev.ParentSessionID != "" {
		return domain.SessionTypeSubagent
	}
	return domain.SessionTypeMain
}

func relationshipTypeFor(ev *domain.Event) domain.RelationshipType {
	if ev.WaveID != "" {
		return domain.RelWaveMember
	}
	switch delegationField(ev, "delegation_type") {
	case "continuation":
		return domain.RelContinuation
	case "sibling":
		return domain.RelSibling
	}
	return domain.RelParentChild
}

func terminalStatusFor(ev *domain.Event) domain.SessionStatus {
	switch ev.PayloadField("status") {
	case "failed", "error":
		return domain.SessionFailed
	case "cancelled", "canceled":
		return domain.SessionCancelled
	}
	if ev.PayloadField("error") != "" {
		return domain.SessionFailed
	}
	return domain.SessionCompleted
}

func spawnReason(ev *domain.Event) string {
	if r := delegationField(ev, "spawn_reason"); r != "" {
		return r
	}
	return ev.PayloadField("spawn_reason")
}

// delegationField pulls a string field out of the optional delegation
// context blob. Producers are uncontrolled; anything malformed reads as
// empty.
func delegationField(ev *domain.Event, key string) string {
	if len(ev.DelegationContext) == 0 {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(ev.DelegationContext, &m); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(m[key], &s); err != nil {
		return ""
	}
	return s
}
