package models

import "time"

// JobStatus represents the state of a job in the execution state machine.
type JobStatus string

const (
	JobPending         JobStatus = "pending"
	JobRunning         JobStatus = "running"
	JobWaitingForInput JobStatus = "waiting_for_input"
	JobOAuthPending    JobStatus = "oauth_pending"
	JobCompleted       JobStatus = "completed"
	JobFailed          JobStatus = "failed"
	JobCancelled       JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// legalTransitions is the job state machine. A transition not listed here
// is rejected by the store.
var legalTransitions = map[JobStatus][]JobStatus{
	JobPending:         {JobRunning, JobCancelled},
	JobRunning:         {JobWaitingForInput, JobOAuthPending, JobCompleted, JobFailed, JobCancelled},
	JobWaitingForInput: {JobRunning, JobCancelled, JobFailed},
	JobOAuthPending:    {JobRunning, JobCancelled, JobFailed},
}

// CanTransition reports whether from → to is a legal job status transition.
func CanTransition(from, to JobStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PendingKind distinguishes what a suspended job is waiting on.
type PendingKind string

const (
	PendingQuestion PendingKind = "question"
	PendingOAuth    PendingKind = "oauth"
)

// Job is one execution of the agent loop for one user turn.
type Job struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserMessage    string    `json:"user_message"`
	Status         JobStatus `json:"status"`
	Result         string    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	WorkerID       string    `json:"worker_id,omitempty"`

	// PendingToolCallID is set while the job is suspended on ask_user or
	// oauth_required; the resume path correlates the answer with it.
	PendingToolCallID string      `json:"pending_tool_call_id,omitempty"`
	PendingKind       PendingKind `json:"pending_kind,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
