package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/xiaot623/tracehub/internal/domain"
)

// InsertRelationship stores a parent->child edge. A duplicate (parent, child)
// pair is a no-op and returns false; a self edge returns ErrSelfEdge.
func (s *SQLiteStore) InsertRelationship(ctx context.Context, rel *domain.SessionRelationship) (bool, error) {
	if rel.ParentSessionID == rel.ChildSessionID {
		return false, ErrSelfEdge
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_relationships
			(parent_session_id, child_session_id, relationship_type, spawn_reason,
			 delegation_type, depth_level, session_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rel.ParentSessionID, rel.ChildSessionID, rel.RelationshipType,
		nullString(rel.SpawnReason), nullString(rel.DelegationType),
		rel.DepthLevel, rel.SessionPath, rel.CreatedAt)
	if err != nil {
		return false, &DurableError{Op: "insert relationship", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, &DurableError{Op: "insert relationship", Err: err}
	}
	return affected > 0, nil
}

// GetRelationshipByChild returns the edge where the given session is the
// child, or (nil, nil) when the session is a root.
func (s *SQLiteStore) GetRelationshipByChild(ctx context.Context, childID string) (*domain.SessionRelationship, error) {
	row := s.db.QueryRowContext(ctx,
		relationshipColumns+` FROM session_relationships WHERE child_session_id = ?`, childID)
	rel, err := scanRelationship(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &DurableError{Op: "get relationship", Err: err}
	}
	return rel, nil
}

// GetChildRelationships returns all edges where the given session is the parent.
func (s *SQLiteStore) GetChildRelationships(ctx context.Context, parentID string) ([]domain.SessionRelationship, error) {
	rows, err := s.db.QueryContext(ctx,
		relationshipColumns+` FROM session_relationships WHERE parent_session_id = ? ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, &DurableError{Op: "get child relationships", Err: err}
	}
	defer rows.Close()

	var rels []domain.SessionRelationship
	for rows.Next() {
		var rel domain.SessionRelationship
		var spawnReason, delegationType sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&rel.ID, &rel.ParentSessionID, &rel.ChildSessionID,
			&rel.RelationshipType, &spawnReason, &delegationType, &rel.DepthLevel,
			&rel.SessionPath, &rel.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if spawnReason.Valid {
			rel.SpawnReason = spawnReason.String
		}
		if delegationType.Valid {
			rel.DelegationType = delegationType.String
		}
		if completedAt.Valid {
			rel.CompletedAt = &completedAt.Time
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// CompleteRelationships stamps completed_at on every edge where the given
// session is the child. Idempotent: already-stamped edges are left alone.
func (s *SQLiteStore) CompleteRelationships(ctx context.Context, childID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE session_relationships SET completed_at = ?
		 WHERE child_session_id = ? AND completed_at IS NULL`, at, childID)
	if err != nil {
		return &DurableError{Op: "complete relationships", Err: err}
	}
	return nil
}

// RelationshipStats summarizes the stored graph: counts by type and spawn
// reason, depth statistics, and the edge completion rate.
func (s *SQLiteStore) RelationshipStats(ctx context.Context) (*domain.RelationshipStats, error) {
	stats := &domain.RelationshipStats{
		ByType:        make(map[string]int),
		BySpawnReason: make(map[string]int),
	}

	var completed int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(depth_level), 0), COALESCE(MAX(depth_level), 0),
			COALESCE(SUM(CASE WHEN completed_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		 FROM session_relationships`).Scan(
		&stats.TotalRelationships, &stats.AvgDepth, &stats.MaxDepth, &completed)
	if err != nil {
		return nil, &DurableError{Op: "relationship stats", Err: err}
	}
	if stats.TotalRelationships > 0 {
		stats.CompletionRate = float64(completed) / float64(stats.TotalRelationships)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT relationship_type, COUNT(*) FROM session_relationships GROUP BY relationship_type`)
	if err != nil {
		return nil, &DurableError{Op: "relationship stats", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		stats.ByType[t] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reasonRows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(spawn_reason, ''), COUNT(*) FROM session_relationships GROUP BY spawn_reason`)
	if err != nil {
		return nil, &DurableError{Op: "relationship stats", Err: err}
	}
	defer reasonRows.Close()
	for reasonRows.Next() {
		var r string
		var n int
		if err := reasonRows.Scan(&r, &n); err != nil {
			return nil, err
		}
		if r == "" {
			r = "unknown"
		}
		stats.BySpawnReason[r] = n
	}
	return stats, reasonRows.Err()
}

const relationshipColumns = `SELECT id, parent_session_id, child_session_id, relationship_type,
	spawn_reason, delegation_type, depth_level, session_path, created_at, completed_at`

func scanRelationship(row *sql.Row) (*domain.SessionRelationship, error) {
	var rel domain.SessionRelationship
	var spawnReason, delegationType sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&rel.ID, &rel.ParentSessionID, &rel.ChildSessionID,
		&rel.RelationshipType, &spawnReason, &delegationType, &rel.DepthLevel,
		&rel.SessionPath, &rel.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if spawnReason.Valid {
		rel.SpawnReason = spawnReason.String
	}
	if delegationType.Valid {
		rel.DelegationType = delegationType.String
	}
	if completedAt.Valid {
		rel.CompletedAt = &completedAt.Time
	}
	return &rel, nil
}
