package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/steward/pkg/models"
)

// GetCapabilitySet loads the active capability TTLs for a conversation.
// A conversation with no routing history yields an empty set.
func (s *Store) GetCapabilitySet(ctx context.Context, convID string) (models.CapabilitySet, error) {
	var entries string
	err := s.db.QueryRowContext(ctx,
		`SELECT entries FROM capability_sets WHERE conversation_id = ?`, convID).Scan(&entries)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CapabilitySet{}, nil
	}
	if err != nil {
		return nil, err
	}
	set := models.CapabilitySet{}
	if err := json.Unmarshal([]byte(entries), &set); err != nil {
		return nil, fmt.Errorf("unmarshal capability set: %w", err)
	}
	return set, nil
}

// SetCapabilitySet persists the capability TTLs for a conversation,
// replacing any previous set.
func (s *Store) SetCapabilitySet(ctx context.Context, convID string, set models.CapabilitySet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set == nil {
		set = models.CapabilitySet{}
	}
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal capability set: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capability_sets (conversation_id, entries, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET entries = excluded.entries, updated_at = excluded.updated_at`,
		convID, string(data), s.now().UTC())
	return err
}
