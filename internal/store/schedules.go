package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/steward/pkg/models"
)

// UpsertSchedule inserts or replaces a schedule and returns it with an id
// assigned.
func (s *Store) UpsertSchedule(ctx context.Context, sched *models.Schedule) (*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *sched
	now := s.now().UTC()
	if out.ID == "" {
		out.ID = uuid.NewString()
		out.CreatedAt = now
	}
	out.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules
			(id, name, prompt, cron_expr, timezone, enabled, next_fire, run_count,
			 source_conversation_id, context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, prompt = excluded.prompt,
			cron_expr = excluded.cron_expr, timezone = excluded.timezone,
			enabled = excluded.enabled, next_fire = excluded.next_fire,
			source_conversation_id = excluded.source_conversation_id,
			context = excluded.context, updated_at = excluded.updated_at`,
		out.ID, out.Name, out.Prompt, out.CronExpr, out.Timezone, out.Enabled,
		nullTime(out.NextFire), out.RunCount, out.SourceConversationID, out.Context,
		out.CreatedAt, out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert schedule: %w", err)
	}
	return &out, nil
}

// GetSchedule returns a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelect+` WHERE id = ?`, id)
	return scanSchedule(row)
}

const scheduleSelect = `
	SELECT id, name, prompt, cron_expr, timezone, enabled, next_fire, run_count,
	       source_conversation_id, context, created_at, updated_at
	FROM schedules`

// ListSchedules returns all schedules; enabled ones first by next fire.
func (s *Store) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		scheduleSelect+` ORDER BY enabled DESC, next_fire, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// NextDue returns the enabled schedule with the earliest next fire time, or
// ErrNotFound when none is enabled.
func (s *Store) NextDue(ctx context.Context) (*models.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		scheduleSelect+` WHERE enabled = 1 AND next_fire IS NOT NULL ORDER BY next_fire, id LIMIT 1`)
	return scanSchedule(row)
}

// MarkFired persists the next fire time and bumps the run counter. This is
// written before the fired job runs, so a crash mid-run cannot replay the
// same fire.
func (s *Store) MarkFired(ctx context.Context, id string, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET next_fire = ?, run_count = run_count + 1, updated_at = ?
		WHERE id = ?`, nullTime(next), s.now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetScheduleEnabled enables or disables a schedule. Disabling nulls the
// next fire time; the caller recomputes it on re-enable.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fire any
	if enabled {
		fire = nullTime(next)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, next_fire = ?, updated_at = ? WHERE id = ?`,
		enabled, fire, s.now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanSchedule(row rowScanner) (*models.Schedule, error) {
	var sched models.Schedule
	var nextFire sql.NullTime
	err := row.Scan(&sched.ID, &sched.Name, &sched.Prompt, &sched.CronExpr,
		&sched.Timezone, &sched.Enabled, &nextFire, &sched.RunCount,
		&sched.SourceConversationID, &sched.Context, &sched.CreatedAt, &sched.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sched.NextFire = scanNullTime(nextFire)
	sched.CreatedAt = sched.CreatedAt.UTC()
	sched.UpdatedAt = sched.UpdatedAt.UTC()
	return &sched, nil
}
