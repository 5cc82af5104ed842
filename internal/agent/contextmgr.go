package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/steward/internal/llm"
	"github.com/haasonsaas/steward/pkg/models"
)

// ErrWindowOverflow reports that the assembled window exceeds the hard token
// budget even after compression. The caller decides whether to compress more
// aggressively or give up; sending the window to a provider would only burn
// a rejected call.
var ErrWindowOverflow = errors.New("context window exceeds the token budget")

// ConversationStore is the slice of the store the context manager needs.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ReadMessages(ctx context.Context, convID string, sinceID int64, limit int) ([]*models.Message, error)
	SetSummary(ctx context.Context, convID, summary string, upTo int64) error
}

// ContextManager assembles the message window sent to the model and keeps it
// under the token budget by folding old exchanges into a rolling summary.
type ContextManager struct {
	store      ConversationStore
	summarizer llm.Client

	maxTokens     int
	threshold     float64
	keepRecent    int
	summaryTokens int

	logger *slog.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewContextManager builds a manager. Zero parameters take the documented
// defaults (200k budget, 0.7 threshold, 5 recent exchanges, 1000-token
// summary cap).
func NewContextManager(store ConversationStore, summarizer llm.Client, maxTokens int, threshold float64, keepRecent, summaryTokens int) *ContextManager {
	if maxTokens <= 0 {
		maxTokens = 200_000
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.7
	}
	if keepRecent <= 0 {
		keepRecent = 5
	}
	if summaryTokens <= 0 {
		summaryTokens = 1000
	}
	return &ContextManager{
		store:         store,
		summarizer:    summarizer,
		maxTokens:     maxTokens,
		threshold:     threshold,
		keepRecent:    keepRecent,
		summaryTokens: summaryTokens,
		logger:        slog.Default().With("component", "context"),
	}
}

// Snapshot is the window handed to the model for one step.
type Snapshot struct {
	Messages []models.Message
	Tokens   int

	// Compressed is true when this snapshot triggered a compression.
	Compressed bool
}

// Snapshot builds the current window: rolling summary (if any) followed by
// every message after the summary watermark. When the estimate crosses the
// threshold it compresses once, then rebuilds.
func (m *ContextManager) Snapshot(ctx context.Context, convID string, jobID string) (*Snapshot, error) {
	snap, err := m.build(ctx, convID)
	if err != nil {
		return nil, err
	}
	if snap.Tokens <= int(float64(m.maxTokens)*m.threshold) {
		return snap, nil
	}

	if err := m.Compress(ctx, convID, m.keepRecent); err != nil {
		// Compression failing is not fatal while the window still fits the
		// hard budget; the model may accept it.
		m.logger.Warn("compression failed", "conversation", convID, "error", err)
		if snap.Tokens > m.maxTokens {
			return nil, ErrWindowOverflow
		}
		return snap, nil
	}
	snap, err = m.build(ctx, convID)
	if err != nil {
		return nil, err
	}
	snap.Compressed = true
	if snap.Tokens > m.maxTokens {
		return nil, ErrWindowOverflow
	}
	return snap, nil
}

func (m *ContextManager) build(ctx context.Context, convID string) (*Snapshot, error) {
	conv, err := m.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	msgs, err := m.store.ReadMessages(ctx, convID, conv.SummaryUpTo, 0)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{}
	if conv.Summary != "" {
		snap.Messages = append(snap.Messages, models.Message{
			Role:     models.RoleInternal,
			Content:  "Summary of the earlier conversation:\n" + conv.Summary,
			Internal: true,
		})
	}
	for _, msg := range msgs {
		snap.Messages = append(snap.Messages, *msg)
	}
	snap.Tokens = m.estimateAll(snap.Messages)
	return snap, nil
}

// Compress folds everything but the most recent keepRecent exchanges into the
// rolling summary. Assistant tool-call messages and their results always land
// on the same side of the cut.
func (m *ContextManager) Compress(ctx context.Context, convID string, keepRecent int) error {
	conv, err := m.store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	msgs, err := m.store.ReadMessages(ctx, convID, conv.SummaryUpTo, 0)
	if err != nil {
		return err
	}

	cut := cutPoint(msgs, keepRecent)
	if cut <= 0 {
		return nil // nothing old enough to fold
	}

	summary, err := m.summarize(ctx, conv.Summary, msgs[:cut])
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	return m.store.SetSummary(ctx, convID, summary, msgs[cut-1].ID)
}

// cutPoint returns the index of the first message to keep verbatim so that
// the last keepRecent user exchanges survive, adjusted so no tool pair is
// split.
func cutPoint(msgs []*models.Message, keepRecent int) int {
	// Walk back to the start of the keepRecent-th exchange. An exchange
	// begins at a non-internal user message.
	seen := 0
	cut := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser && !msgs[i].Internal {
			seen++
			if seen == keepRecent {
				cut = i
				break
			}
		}
	}
	if seen < keepRecent {
		return 0
	}

	// A tool result at the cut boundary belongs with the assistant message
	// that requested it; pull the cut back until the boundary is clean.
	for cut > 0 && msgs[cut].Role == models.RoleTool {
		cut--
	}
	for cut > 0 && len(msgs[cut-1].ToolCalls) > 0 {
		cut--
	}
	return cut
}

func (m *ContextManager) summarize(ctx context.Context, prior string, folded []*models.Message) (string, error) {
	var b strings.Builder
	if prior != "" {
		b.WriteString("Existing summary:\n")
		b.WriteString(prior)
		b.WriteString("\n\nNew messages to fold in:\n")
	} else {
		b.WriteString("Messages to summarize:\n")
	}
	for _, msg := range folded {
		content := msg.Content
		if len(content) > 2000 {
			content = content[:2000] + "…"
		}
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, content)
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&b, "  (called %s)\n", tc.Name)
		}
	}

	resp, err := m.summarizer.Complete(ctx, &llm.Request{
		System: fmt.Sprintf("Produce a dense factual summary of the conversation so far, under %d tokens. "+
			"Preserve decisions, open tasks, file paths, and user preferences. Output only the summary.",
			m.summaryTokens),
		Messages:  []models.Message{{Role: models.RoleUser, Content: b.String()}},
		MaxTokens: m.summaryTokens * 2,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// EstimateTokens approximates the token count of a string.
func (m *ContextManager) EstimateTokens(s string) int {
	m.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			m.logger.Warn("tokenizer unavailable, using chars/4 estimate", "error", err)
			return
		}
		m.enc = enc
	})
	if m.enc != nil {
		return len(m.enc.Encode(s, nil, nil))
	}
	return len(s)/4 + 1
}

func (m *ContextManager) estimateAll(msgs []models.Message) int {
	total := 0
	for _, msg := range msgs {
		total += m.EstimateTokens(msg.Content) + 4
		for _, tc := range msg.ToolCalls {
			total += m.EstimateTokens(tc.Name) + m.EstimateTokens(string(tc.Input))
		}
	}
	return total
}
