// Package models defines the shared entities persisted by the store and
// exchanged between the queue, agent runtime, scheduler, and HTTP surface.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"

	// RoleInternal marks synthetic system messages (loop-detector nudges,
	// compaction directives). Internal messages stay in LLM context but are
	// hidden from clients.
	RoleInternal Role = "internal"
)

// Conversation is a single ordered dialogue thread.
type Conversation struct {
	ID             string     `json:"id"`
	CreatedAt      time.Time  `json:"created_at"`
	ForkedFrom     string     `json:"forked_from,omitempty"`
	BranchNumber   int        `json:"branch_number,omitempty"`
	IsArchived     bool       `json:"is_archived"`
	SchedulerID    string     `json:"scheduler_id,omitempty"`
	IsSchedulerRun bool       `json:"is_scheduler_run,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`

	// Summary is the rolling compressed prefix of the conversation.
	// SummaryUpTo is the id of the newest message folded into it.
	Summary     string `json:"summary,omitempty"`
	SummaryUpTo int64  `json:"summary_up_to_message_id,omitempty"`
}

// Message is one entry in a conversation. IDs are store-assigned and
// strictly increasing within a conversation.
type Message struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Thinking       string          `json:"thinking,omitempty"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"` // assistant only
	ToolCallID     string          `json:"tool_call_id,omitempty"` // tool only
	Metadata       MessageMetadata `json:"metadata,omitempty"`

	// Internal messages are kept in LLM context but never shown to clients.
	Internal  bool      `json:"internal,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageMetadata carries structured extras: question options, suggestions,
// attachments. Stored as JSON.
type MessageMetadata struct {
	Type        string       `json:"type,omitempty"` // e.g. "question", "oauth"
	Question    string       `json:"question,omitempty"`
	Options     []string     `json:"options,omitempty"`
	Suggestions []string     `json:"suggestions,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	AuthURL     string       `json:"auth_url,omitempty"`
	Provider    string       `json:"provider,omitempty"`
}

// IsZero reports whether the metadata carries nothing worth persisting.
func (m MessageMetadata) IsZero() bool {
	return m.Type == "" && m.Question == "" && len(m.Options) == 0 &&
		len(m.Suggestions) == 0 && len(m.Attachments) == 0 &&
		m.AuthURL == "" && m.Provider == ""
}

// Attachment references a file produced or consumed by a message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, document, file
	Path     string `json:"path,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall is an LLM request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the structured outcome of one tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`

	// ErrorKind classifies failures per the tool error taxonomy:
	// invalid_args, timeout, external, rate_limited, quota_exceeded,
	// cancelled, fatal. Empty on success.
	ErrorKind string `json:"error_kind,omitempty"`
}
