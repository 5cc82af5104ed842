package llm

import (
	"context"
	"encoding/json"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/steward/internal/config"
	"github.com/haasonsaas/steward/pkg/models"
)

// OpenAIClient serves completions through the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAI builds a client for one configured tier.
func NewOpenAI(cfg config.TierConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

func (c *OpenAIClient) Name() string  { return "openai" }
func (c *OpenAIClient) Model() string { return c.model }

// Complete sends one request and assembles the full response.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: c.convertMessages(req.System, req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	chatResp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, c.wrapError(err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, &ProviderError{
			Reason: ReasonUnknown, Provider: "openai", Model: c.model,
			Message: "response has no choices",
		}
	}

	choice := chatResp.Choices[0]
	resp := &Response{
		Content: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		resp.StopReason = StopToolUse
	case openai.FinishReasonLength:
		resp.StopReason = StopMaxTokens
	default:
		resp.StopReason = StopEndTurn
	}
	return resp, nil
}

func (c *OpenAIClient) convertMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: system,
		})
	}
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, m)
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		default:
			if msg.Content == "" {
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleUser, Content: msg.Content,
			})
		}
	}
	return out
}

func (c *OpenAIClient) wrapError(err error) error {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		reason := ReasonUnknown
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		return &ProviderError{Reason: reason, Provider: "openai", Model: c.model, Cause: err}
	}
	return &ProviderError{
		Reason:   classifyStatus(apiErr.HTTPStatusCode, apiErr.Message),
		Provider: "openai",
		Model:    c.model,
		Status:   apiErr.HTTPStatusCode,
		Message:  apiErr.Message,
		Cause:    err,
	}
}
