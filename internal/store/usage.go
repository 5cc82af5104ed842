package store

import (
	"context"
	"fmt"

	"github.com/haasonsaas/steward/pkg/models"
)

// AppendUsage records one LLM call's token accounting. Append-only.
func (s *Store) AppendUsage(ctx context.Context, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (job_id, component, provider, model, prompt_tokens, completion_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Component, rec.Provider, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.CostUSD, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// JobUsage sums the token accounting for one job.
func (s *Store) JobUsage(ctx context.Context, jobID string) (prompt, completion int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		FROM usage_records WHERE job_id = ?`, jobID).Scan(&prompt, &completion)
	return prompt, completion, err
}
