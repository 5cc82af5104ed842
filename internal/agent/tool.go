// Package agent implements the autonomous agent core: the tool registry,
// capability router, context manager, loop detector, sub-agent executor, and
// the runtime that drives a job from claim to terminal state.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/steward/pkg/models"
)

// Tool is one callable capability offered to the model.
type Tool interface {
	// Name is the identifier the model calls the tool by.
	Name() string

	// Description is shown to the model.
	Description() string

	// Schema is the JSON schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. Arguments are already schema-validated.
	// Failures are returned as errors; the registry folds them into
	// structured tool results.
	Execute(ctx context.Context, tc *ToolContext, args json.RawMessage) (string, error)
}

// Blocking marks tools whose execution legitimately outlives the per-tool
// timeout, such as waiting on a user response.
type Blocking interface {
	Blocking() bool
}

// ToolContext carries the per-call facilities a tool may use. The runtime
// fills it before each dispatch.
type ToolContext struct {
	JobID          string
	ConversationID string
	ToolCallID     string
	WorkspaceDir   string

	// Activity appends to the job's activity stream. Best effort.
	Activity func(ctx context.Context, act *models.Activity)

	// AskUser suspends the job on a question and blocks until the answer
	// arrives. Only the core ask_user tool uses it.
	AskUser func(ctx context.Context, q Question) (string, error)

	// Delegate runs sub-agent tasks and returns their results in call
	// order. Only the core delegate/explore tools use it.
	Delegate func(ctx context.Context, specs []DelegateSpec) ([]DelegateResult, error)

	// Schedule registers a recurring prompt. Only the core schedule tool
	// uses it.
	Schedule func(ctx context.Context, req ScheduleRequest) (*models.Schedule, error)
}

// Question is what ask_user presents to the user.
type Question struct {
	Text        string   `json:"question"`
	Options     []string `json:"options,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// DelegateSpec describes one sub-agent task.
type DelegateSpec struct {
	Task    string `json:"task"`
	Context string `json:"context,omitempty"`

	// Explore restricts the sub-agent to read-only tools with a tighter
	// step budget.
	Explore bool `json:"-"`
}

// DelegateResult is one sub-agent outcome, in call order.
type DelegateResult struct {
	Task   string `json:"task"`
	Output string `json:"output"`
	Failed bool   `json:"failed,omitempty"`
	Steps  int    `json:"steps"`
}

// ScheduleRequest is what the schedule tool registers.
type ScheduleRequest struct {
	Name     string `json:"name"`
	Prompt   string `json:"prompt"`
	CronExpr string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
	Context  string `json:"context,omitempty"`

	// SourceConversationID records where the schedule was created. The
	// runtime fills it; the model cannot set it.
	SourceConversationID string `json:"-"`
}

// ErrorKind classifies tool failures. Every kind except KindFatal produces a
// structured error result the model can react to; KindFatal aborts the job.
type ErrorKind string

const (
	KindInvalidArgs   ErrorKind = "invalid_args"
	KindTimeout       ErrorKind = "timeout"
	KindExternal      ErrorKind = "external"
	KindRateLimited   ErrorKind = "rate_limited"
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	KindCancelled     ErrorKind = "cancelled"
	KindFatal         ErrorKind = "fatal"

	// KindAuthRequired marks a tool that needs the user to complete an
	// authorization flow first. The runtime suspends the job as
	// oauth_pending until the user confirms.
	KindAuthRequired ErrorKind = "auth_required"
)

// OAuthError signals that a tool cannot run until the user authorizes access
// with the named provider.
type OAuthError struct {
	Provider string
	AuthURL  string
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("authorization with %s required: %s", e.Provider, e.AuthURL)
}

// ToolError attaches a kind to a tool failure.
type ToolError struct {
	Kind ErrorKind
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Errf builds a ToolError with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the error kind, defaulting unclassified failures to
// KindExternal.
func KindOf(err error) ErrorKind {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindExternal
}
