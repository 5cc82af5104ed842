package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/steward/pkg/models"
)

// Submit atomically appends a user message and creates a pending job for it.
// This is the single entry point for both client submissions and scheduler
// fires.
func (s *Store) Submit(ctx context.Context, convID, text string) (jobID string, messageID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`, convID, models.RoleUser, text, now)
	if err != nil {
		return "", 0, fmt.Errorf("submit message: %w", err)
	}
	messageID, err = res.LastInsertId()
	if err != nil {
		return "", 0, err
	}

	jobID = uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, conversation_id, user_message, status, created_at)
		VALUES (?, ?, ?, ?, ?)`, jobID, convID, text, models.JobPending, now); err != nil {
		return "", 0, fmt.Errorf("submit job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", 0, err
	}
	return jobID, messageID, nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id)
	return scanJob(row)
}

const jobSelect = `
	SELECT id, conversation_id, user_message, status, result, error, worker_id,
	       pending_tool_call_id, pending_kind, created_at, started_at, finished_at
	FROM jobs`

// ClaimNext hands the oldest pending job to a worker, honoring the
// per-conversation exclusivity invariant: a conversation with any
// non-terminal job in flight is skipped. Returns ErrNotFound when nothing
// is claimable.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, jobSelect+`
		WHERE status = ? AND NOT EXISTS (
			SELECT 1 FROM jobs live
			WHERE live.conversation_id = jobs.conversation_id
			  AND live.id != jobs.id
			  AND live.status IN (?, ?, ?)
		)
		ORDER BY created_at, id LIMIT 1`,
		models.JobPending, models.JobRunning, models.JobWaitingForInput, models.JobOAuthPending)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, worker_id = ?, started_at = ? WHERE id = ?`,
		models.JobRunning, workerID, now, job.ID); err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	job.Status = models.JobRunning
	job.WorkerID = workerID
	job.StartedAt = &now
	return job, nil
}

// StatusUpdate carries the optional fields of a job status transition.
type StatusUpdate struct {
	Result            string
	Error             string
	PendingToolCallID string
	PendingKind       models.PendingKind
}

// UpdateJobStatus transitions a job to a new status, validating the move
// against the state machine. Terminal transitions record finished_at.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, to models.JobStatus, upd StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var from models.JobStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	var finishedAt any
	if to.Terminal() {
		finishedAt = s.now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = ?, error = ?,
		       pending_tool_call_id = ?, pending_kind = ?,
		       finished_at = COALESCE(?, finished_at)
		WHERE id = ?`,
		to, upd.Result, upd.Error, upd.PendingToolCallID, upd.PendingKind, finishedAt, jobID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// RequestCancel sets the cooperative cancel flag. Idempotent; a terminal
// job is left untouched.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1 WHERE id = ?`, jobID); err != nil {
		return nil, err
	}
	return job, nil
}

// CancelRequested reports whether the cooperative cancel flag is set.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = ?`, jobID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return flag, err
}

// ListJobsByStatus returns jobs in a given status, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+` WHERE status = ? ORDER BY created_at, id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// PendingDepth returns the number of pending jobs.
func (s *Store) PendingDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM jobs WHERE status = ?`, models.JobPending).Scan(&n)
	return n, err
}

// ResetOrphanedJobs reverts running jobs whose worker id is not in the
// alive set back to pending. Suspended jobs (waiting_for_input,
// oauth_pending) are preserved for re-arming. Returns the reverted jobs.
func (s *Store) ResetOrphanedJobs(ctx context.Context, aliveWorkers []string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alive := make(map[string]bool, len(aliveWorkers))
	for _, id := range aliveWorkers {
		alive[id] = true
	}

	rows, err := s.db.QueryContext(ctx, jobSelect+` WHERE status = ?`, models.JobRunning)
	if err != nil {
		return nil, err
	}
	var orphans []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if !alive[job.WorkerID] {
			orphans = append(orphans, job)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, job := range orphans {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, worker_id = '', started_at = NULL WHERE id = ?`,
			models.JobPending, job.ID); err != nil {
			return nil, fmt.Errorf("reset orphaned job %s: %w", job.ID, err)
		}
		job.Status = models.JobPending
		job.WorkerID = ""
		job.StartedAt = nil
	}
	return orphans, nil
}

// ResumeClaim transitions a suspended job (waiting_for_input or
// oauth_pending) directly back to running under a new worker. Used when a
// response arrives after a restart and no worker is blocked on the gate.
func (s *Store) ResumeClaim(ctx context.Context, jobID, workerID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ? AND status IN (?, ?)`,
		jobID, models.JobWaitingForInput, models.JobOAuthPending)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, worker_id = ?,
		       pending_tool_call_id = '', pending_kind = ''
		WHERE id = ?`, models.JobRunning, workerID, jobID); err != nil {
		return nil, err
	}
	job.Status = models.JobRunning
	job.WorkerID = workerID
	return job, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&job.ID, &job.ConversationID, &job.UserMessage, &job.Status,
		&job.Result, &job.Error, &job.WorkerID, &job.PendingToolCallID,
		&job.PendingKind, &job.CreatedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.StartedAt = scanNullTime(startedAt)
	job.FinishedAt = scanNullTime(finishedAt)
	return &job, nil
}
