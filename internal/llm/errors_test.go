package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status  int
		message string
		want    Reason
	}{
		{400, "prompt is too long: 210000 tokens > 200000 maximum", ReasonContextOverflow},
		{400, "input exceeds the model's context window", ReasonContextOverflow},
		{400, "invalid tool schema", ReasonInvalidRequest},
		{401, "invalid x-api-key", ReasonAuth},
		{402, "billing hard limit reached", ReasonAuth},
		{403, "forbidden", ReasonAuth},
		{408, "request timed out", ReasonTimeout},
		{429, "rate limit exceeded", ReasonRateLimit},
		{500, "internal error", ReasonServerError},
		{529, "overloaded", ReasonServerError},
		{302, "redirect", ReasonUnknown},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status, tc.message); got != tc.want {
			t.Errorf("classifyStatus(%d, %q) = %s, want %s", tc.status, tc.message, got, tc.want)
		}
	}
}

func TestReasonRetryable(t *testing.T) {
	retryable := []Reason{ReasonRateLimit, ReasonServerError, ReasonTimeout}
	for _, r := range retryable {
		if !r.Retryable() {
			t.Errorf("%s should be retryable", r)
		}
	}
	terminal := []Reason{ReasonAuth, ReasonContextOverflow, ReasonInvalidRequest, ReasonUnknown}
	for _, r := range terminal {
		if r.Retryable() {
			t.Errorf("%s should not be retryable", r)
		}
	}
}

func TestErrorHelpers(t *testing.T) {
	rateLimited := fmt.Errorf("call failed: %w", &ProviderError{
		Reason: ReasonRateLimit, Provider: "anthropic", Model: "m", Status: 429,
	})
	if !IsRateLimited(rateLimited) {
		t.Error("IsRateLimited() = false through wrapping")
	}
	if IsContextOverflow(rateLimited) {
		t.Error("IsContextOverflow() = true for rate limit")
	}
	if !IsRetryable(rateLimited) {
		t.Error("IsRetryable() = false for rate limit")
	}

	overflow := &ProviderError{Reason: ReasonContextOverflow, Provider: "openai", Model: "m"}
	if !IsContextOverflow(overflow) {
		t.Error("IsContextOverflow() = false")
	}
	if IsRetryable(overflow) {
		t.Error("context overflow must not be retryable")
	}

	if IsRateLimited(errors.New("plain")) {
		t.Error("IsRateLimited() = true for non-provider error")
	}
}

func TestMockScript(t *testing.T) {
	m := NewMock("").
		Enqueue(ToolUse("tc_1", "read_file", map[string]string{"path": "a"})).
		Enqueue(Text("done"))

	resp, err := m.Complete(t.Context(), &Request{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "read_file" {
		t.Fatalf("first response = %+v", resp)
	}
	resp, err = m.Complete(t.Context(), &Request{})
	if err != nil || resp.Content != "done" {
		t.Fatalf("second response = %+v, %v", resp, err)
	}
	if _, err := m.Complete(t.Context(), &Request{}); !errors.Is(err, ErrScriptExhausted) {
		t.Fatalf("exhausted script error = %v", err)
	}
	if m.Calls() != 3 {
		t.Errorf("calls = %d, want 3", m.Calls())
	}
}
