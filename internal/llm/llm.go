// Package llm normalizes the LLM providers behind a single non-streaming
// client interface. The agent runtime, router, and summarizer all speak this
// shape; the adapters translate to the Anthropic and OpenAI SDKs.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/steward/internal/config"
	"github.com/haasonsaas/steward/pkg/models"
)

// Client is a single provider/model pair ready to serve completions.
type Client interface {
	// Name returns the provider identifier, e.g. "anthropic".
	Name() string

	// Model returns the model id requests are sent to.
	Model() string

	// Complete sends one request and blocks until the full response is
	// assembled. Errors are *ProviderError where the provider gave one.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Request is a normalized completion request.
type Request struct {
	System      string
	Messages    []models.Message
	Tools       []ToolDef
	MaxTokens   int
	Temperature float64
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// StopReason says why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Response is a normalized completion response.
type Response struct {
	Content    string
	Thinking   string
	ToolCalls  []models.ToolCall
	StopReason StopReason
	Usage      Usage
}

// Usage is the token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Tiers holds the three model tiers the host runs on. Main drives the agent
// loop, Cheap runs delegates and summaries, Router handles capability
// selection.
type Tiers struct {
	Main   Client
	Cheap  Client
	Router Client
}

// NewTiers builds the tier clients from configuration.
func NewTiers(cfg config.LLMConfig) (*Tiers, error) {
	main, err := newTier(cfg.Main)
	if err != nil {
		return nil, fmt.Errorf("llm main: %w", err)
	}
	cheap, err := newTier(cfg.Cheap)
	if err != nil {
		return nil, fmt.Errorf("llm cheap: %w", err)
	}
	router, err := newTier(cfg.Router)
	if err != nil {
		return nil, fmt.Errorf("llm router: %w", err)
	}
	return &Tiers{Main: main, Cheap: cheap, Router: router}, nil
}

func newTier(cfg config.TierConfig) (Client, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropic(cfg)
	case "openai":
		return NewOpenAI(cfg), nil
	case "mock":
		return NewMock(cfg.Model), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// UsageSink receives per-call token accounting. *store.Store satisfies it.
type UsageSink interface {
	AppendUsage(ctx context.Context, rec *models.UsageRecord) error
}

// RecordUsage writes one usage row for a completed call. Accounting is best
// effort; a sink failure never fails the call that produced it.
func RecordUsage(ctx context.Context, sink UsageSink, jobID string, component models.UsageComponent, c Client, resp *Response) error {
	if sink == nil || resp == nil {
		return nil
	}
	return sink.AppendUsage(ctx, &models.UsageRecord{
		JobID:            jobID,
		Component:        component,
		Provider:         c.Name(),
		Model:            c.Model(),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	})
}
