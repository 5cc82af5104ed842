package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/steward/pkg/models"
)

// CreateConversation inserts a new conversation and returns it.
func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *conv
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, created_at, forked_from, branch_number, is_archived, scheduler_id, is_scheduler_run, summary, summary_up_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.CreatedAt, out.ForkedFrom, out.BranchNumber, out.IsArchived,
		out.SchedulerID, out.IsSchedulerRun, out.Summary, out.SummaryUpTo)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &out, nil
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, COALESCE(forked_from, ''), branch_number, is_archived,
		       COALESCE(scheduler_id, ''), is_scheduler_run, read_at, summary, summary_up_to
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns non-archived conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, includeArchived bool) ([]*models.Conversation, error) {
	query := `
		SELECT id, created_at, COALESCE(forked_from, ''), branch_number, is_archived,
		       COALESCE(scheduler_id, ''), is_scheduler_run, read_at, summary, summary_up_to
		FROM conversations`
	if !includeArchived {
		query += ` WHERE is_archived = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// Fork creates a branched conversation duplicating all messages of src with
// id <= messageID. The fork records its parent and branch number.
func (s *Store) Fork(ctx context.Context, srcID string, messageID int64) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM conversations WHERE id = ?`, srcID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	var branch int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM conversations WHERE forked_from = ?`, srcID).Scan(&branch); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	forkID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, forked_from, branch_number, is_archived)
		VALUES (?, ?, ?, ?, 0)`, forkID, now, srcID, branch+1); err != nil {
		return nil, fmt.Errorf("fork conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, thinking, tool_calls, tool_call_id, metadata, internal, created_at)
		SELECT ?, role, content, thinking, tool_calls, tool_call_id, metadata, internal, created_at
		FROM messages WHERE conversation_id = ? AND id <= ? ORDER BY id`,
		forkID, srcID, messageID); err != nil {
		return nil, fmt.Errorf("fork messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &models.Conversation{
		ID:           forkID,
		CreatedAt:    now,
		ForkedFrom:   srcID,
		BranchNumber: branch + 1,
	}, nil
}

// SetSummary persists the rolling summary and its high-water message id.
func (s *Store) SetSummary(ctx context.Context, convID, summary string, upTo int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET summary = ?, summary_up_to = ? WHERE id = ?`,
		summary, upTo, convID)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	return requireRow(res)
}

// SetArchived flips the archived flag.
func (s *Store) SetArchived(ctx context.Context, convID string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET is_archived = ? WHERE id = ?`, archived, convID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// PurgeConversation deletes a conversation and everything hanging off it:
// messages, capability rows, and terminal jobs with their activities and
// usage. A conversation with a non-terminal job cannot be purged.
func (s *Store) PurgeConversation(ctx context.Context, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM jobs
		WHERE conversation_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		convID).Scan(&active); err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("purge conversation %s: %w", convID, ErrConversationBusy)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM activities WHERE job_id IN (SELECT id FROM jobs WHERE conversation_id = ?)`,
		`DELETE FROM usage_records WHERE job_id IN (SELECT id FROM jobs WHERE conversation_id = ?)`,
		`DELETE FROM jobs WHERE conversation_id = ?`,
		`DELETE FROM capability_sets WHERE conversation_id = ?`,
		`DELETE FROM messages WHERE conversation_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, convID); err != nil {
			return fmt.Errorf("purge conversation: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, convID)
	if err != nil {
		return fmt.Errorf("purge conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// DelegateSpend returns how many delegate slots the conversation has used.
func (s *Store) DelegateSpend(ctx context.Context, convID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT delegate_spend FROM conversations WHERE id = ?`, convID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// AddDelegateSpend adds n to the conversation's delegate spend counter.
func (s *Store) AddDelegateSpend(ctx context.Context, convID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET delegate_spend = delegate_spend + ? WHERE id = ?`, n, convID)
	if err != nil {
		return fmt.Errorf("add delegate spend: %w", err)
	}
	return requireRow(res)
}

// MarkRead records when the client last viewed a conversation.
func (s *Store) MarkRead(ctx context.Context, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET read_at = ? WHERE id = ?`, s.now().UTC(), convID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	var readAt sql.NullTime
	err := row.Scan(&conv.ID, &conv.CreatedAt, &conv.ForkedFrom, &conv.BranchNumber,
		&conv.IsArchived, &conv.SchedulerID, &conv.IsSchedulerRun, &readAt,
		&conv.Summary, &conv.SummaryUpTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.ReadAt = scanNullTime(readAt)
	return &conv, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
