package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
)

const maxFetchBytes = 500_000

// WebFetchTool fetches a URL and returns the response body.
type WebFetchTool struct {
	client *http.Client
}

// NewWebFetchTool creates a fetcher. A nil client uses http.DefaultClient;
// tests inject their own.
func NewWebFetchTool(client *http.Client) *WebFetchTool {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebFetchTool{client: client}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL over HTTP GET and return the response body as text."
}

func (t *WebFetchTool) ReadOnly() bool { return true }

func (t *WebFetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The http or https URL to fetch."}
		},
		"required": ["url"]
	}`)
}

func (t *WebFetchTool) Execute(ctx context.Context, tc *agent.ToolContext, args json.RawMessage) (string, error) {
	var input struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", agent.Errf(agent.KindInvalidArgs, "parse arguments: %v", err)
	}
	if !strings.HasPrefix(input.URL, "http://") && !strings.HasPrefix(input.URL, "https://") {
		return "", agent.Errf(agent.KindInvalidArgs, "url must be http or https")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, input.URL, nil)
	if err != nil {
		return "", agent.Errf(agent.KindInvalidArgs, "build request: %v", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", agent.Errf(agent.KindExternal, "fetch %s: %v", input.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", agent.Errf(agent.KindRateLimited, "fetch %s: status 429", input.URL)
	}
	if resp.StatusCode >= 400 {
		return "", agent.Errf(agent.KindExternal, "fetch %s: status %d", input.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return "", agent.Errf(agent.KindExternal, "read body: %v", err)
	}
	if len(body) > maxFetchBytes {
		return string(body[:maxFetchBytes]) + fmt.Sprintf("\n… truncated at %d bytes", maxFetchBytes), nil
	}
	return string(body), nil
}
