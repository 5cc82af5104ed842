package store

import (
	"context"
	"fmt"

	"github.com/haasonsaas/steward/pkg/models"
)

// AppendActivity appends one record to a job's activity log and returns its
// per-job sequence number. Sequence numbers start at 1 and are strictly
// increasing; records are never mutated after insert.
func (s *Store) AppendActivity(ctx context.Context, act *models.Activity) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := act.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (job_id, seq, type, message, detail, tool_name, is_error, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?
		FROM activities WHERE job_id = ?`,
		act.JobID, act.Type, act.Message, act.Detail, act.ToolName, act.IsError,
		createdAt.UTC(), act.JobID)
	if err != nil {
		return 0, fmt.Errorf("append activity: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return 0, err
	}

	var seq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM activities WHERE job_id = ?`, act.JobID).Scan(&seq); err != nil {
		return 0, err
	}
	act.Seq = seq
	return seq, nil
}

// ReadActivities returns a job's activity records with seq > since, in
// order, together with the latest seq for the next poll.
func (s *Store) ReadActivities(ctx context.Context, jobID string, since int64) ([]*models.Activity, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, seq, type, message, detail, tool_name, is_error, created_at
		FROM activities WHERE job_id = ? AND seq > ? ORDER BY seq`, jobID, since)
	if err != nil {
		return nil, since, fmt.Errorf("read activities: %w", err)
	}
	defer rows.Close()

	latest := since
	var out []*models.Activity
	for rows.Next() {
		var act models.Activity
		if err := rows.Scan(&act.JobID, &act.Seq, &act.Type, &act.Message,
			&act.Detail, &act.ToolName, &act.IsError, &act.CreatedAt); err != nil {
			return nil, since, err
		}
		act.CreatedAt = act.CreatedAt.UTC()
		if act.Seq > latest {
			latest = act.Seq
		}
		out = append(out, &act)
	}
	return out, latest, rows.Err()
}
