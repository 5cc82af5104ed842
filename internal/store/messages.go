package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/steward/pkg/models"
)

// AppendMessage durably appends a message to its conversation and returns
// the assigned id, strictly greater than any id previously returned for the
// same conversation.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendMessageLocked(ctx, msg)
}

func (s *Store) appendMessageLocked(ctx context.Context, msg *models.Message) (int64, error) {
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return 0, fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}
	var metadata any
	if !msg.Metadata.IsZero() {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(data)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, thinking, tool_calls, tool_call_id, metadata, internal, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Role, msg.Content, msg.Thinking, toolCalls,
		msg.ToolCallID, metadata, msg.Internal, createdAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	msg.ID = id
	return id, nil
}

// ReadMessages returns messages of a conversation with id > sinceID, oldest
// first, up to limit (0 = unlimited). It observes all committed appends.
func (s *Store) ReadMessages(ctx context.Context, convID string, sinceID int64, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, thinking, tool_calls, tool_call_id, metadata, internal, created_at
		FROM messages WHERE conversation_id = ? AND id > ? ORDER BY id`
	args := []any{convID, sinceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// LatestMessageID returns the id of the newest message in the conversation,
// or 0 when it has none.
func (s *Store) LatestMessageID(ctx context.Context, convID string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM messages WHERE conversation_id = ?`, convID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var toolCalls, metadata sql.NullString
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Thinking,
		&toolCalls, &msg.ToolCallID, &metadata, &msg.Internal, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &msg, nil
}
