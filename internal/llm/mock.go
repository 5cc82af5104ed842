package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/haasonsaas/steward/pkg/models"
)

// ErrScriptExhausted is returned by a Mock with no responses left.
var ErrScriptExhausted = errors.New("mock: no scripted response left")

type mockStep struct {
	resp *Response
	err  error
}

// Mock is a scripted Client. Responses are consumed in the order they were
// enqueued; every request is recorded for assertions. Safe for concurrent
// use.
type Mock struct {
	mu       sync.Mutex
	model    string
	script   []mockStep
	requests []*Request

	// Handler, when set, serves requests instead of the script.
	Handler func(*Request) (*Response, error)
}

// NewMock returns an empty scripted client.
func NewMock(model string) *Mock {
	if model == "" {
		model = "mock-model"
	}
	return &Mock{model: model}
}

func (m *Mock) Name() string  { return "mock" }
func (m *Mock) Model() string { return m.model }

// Enqueue appends a response to the script.
func (m *Mock) Enqueue(resp *Response) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockStep{resp: resp})
	return m
}

// EnqueueError appends a failure to the script.
func (m *Mock) EnqueueError(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockStep{err: err})
	return m
}

// Complete serves the next scripted step.
func (m *Mock) Complete(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if handler := m.Handler; handler != nil {
		// Handlers run outside the lock so concurrent requests overlap.
		m.mu.Unlock()
		return handler(req)
	}
	defer m.mu.Unlock()

	if len(m.script) == 0 {
		return nil, ErrScriptExhausted
	}
	step := m.script[0]
	m.script = m.script[1:]
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

// Requests returns a copy of every request served so far.
func (m *Mock) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns how many requests have been served.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Text builds a plain end-of-turn response.
func Text(content string) *Response {
	return &Response{
		Content:    content,
		StopReason: StopEndTurn,
		Usage:      Usage{PromptTokens: 10, CompletionTokens: 5},
	}
}

// ToolUse builds a response requesting one tool call.
func ToolUse(id, name string, input any) *Response {
	raw, _ := json.Marshal(input)
	return &Response{
		ToolCalls:  []models.ToolCall{{ID: id, Name: name, Input: raw}},
		StopReason: StopToolUse,
		Usage:      Usage{PromptTokens: 10, CompletionTokens: 5},
	}
}
