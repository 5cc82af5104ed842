package models

import "time"

// ActivityType tags one observable event inside a job's execution.
type ActivityType string

const (
	ActivityStart         ActivityType = "start"
	ActivityRouting       ActivityType = "routing"
	ActivityStep          ActivityType = "step"
	ActivityLLMCall       ActivityType = "llm_call"
	ActivityToolCall      ActivityType = "tool_call"
	ActivityDelegateStart ActivityType = "delegate_start"
	ActivityDelegateEnd   ActivityType = "delegate_end"
	ActivityExploreStep   ActivityType = "explore_step"
	ActivityNudge         ActivityType = "nudge"
	ActivityError         ActivityType = "error"
	ActivityComplete      ActivityType = "complete"
	ActivityCancelled     ActivityType = "cancelled"
	ActivityWaiting       ActivityType = "waiting"
)

// Activity is one append-only record in a job's progress log. Seq is
// per-job monotonic starting at 1 and never reused.
type Activity struct {
	Seq       int64        `json:"seq"`
	JobID     string       `json:"job_id"`
	Type      ActivityType `json:"type"`
	Message   string       `json:"message"`
	Detail    string       `json:"detail,omitempty"`
	ToolName  string       `json:"tool_name,omitempty"`
	IsError   bool         `json:"is_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
