package models

import "time"

// Schedule is a CRON-triggered recurring job source. Each fire creates a
// fresh conversation tagged with the schedule id.
type Schedule struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Prompt   string `json:"prompt"`
	CronExpr string `json:"cron_expr"`
	Timezone string `json:"timezone"`
	Enabled  bool   `json:"enabled"`

	// NextFire is the earliest instant >= now satisfying the expression
	// while enabled; nil when disabled.
	NextFire *time.Time `json:"next_fire,omitempty"`
	RunCount int64      `json:"run_count"`

	// SourceConversationID records the conversation whose agent created
	// this schedule, for lineage.
	SourceConversationID string `json:"source_conversation_id,omitempty"`

	// Context is optional captured context appended to the prompt per fire.
	Context string `json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
