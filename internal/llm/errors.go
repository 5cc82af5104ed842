package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reason categorizes a provider failure for retry decisions.
type Reason string

const (
	// ReasonAuth covers authentication and billing failures (401, 402, 403).
	ReasonAuth Reason = "auth"

	// ReasonRateLimit covers 429 responses.
	ReasonRateLimit Reason = "rate_limit"

	// ReasonContextOverflow means the request exceeded the model's context
	// window. Retrying without shrinking the request cannot succeed.
	ReasonContextOverflow Reason = "context_overflow"

	// ReasonInvalidRequest covers other 4xx client errors.
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonServerError covers 5xx and overload responses.
	ReasonServerError Reason = "server_error"

	// ReasonTimeout covers request timeouts and dropped connections.
	ReasonTimeout Reason = "timeout"

	ReasonUnknown Reason = "unknown"
)

// Retryable reports whether a retry with the same request may succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonServerError, ReasonTimeout:
		return true
	default:
		return false
	}
}

// ProviderError is a structured failure from an LLM provider.
type ProviderError struct {
	Reason   Reason
	Provider string
	Model    string
	Status   int
	Message  string

	// RetryAfter is the provider-suggested wait before retrying, when the
	// response carried one. Zero otherwise.
	RetryAfter time.Duration

	Cause error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: %s (status %d, %s)", e.Provider, e.Model, msg, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s (%s)", e.Provider, e.Model, msg, e.Reason)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether retrying the same request may succeed.
func (e *ProviderError) Retryable() bool { return e.Reason.Retryable() }

// IsRateLimited reports whether err is a provider rate limit.
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Reason == ReasonRateLimit
}

// IsContextOverflow reports whether err means the request was too large for
// the model's context window.
func IsContextOverflow(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Reason == ReasonContextOverflow
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}

// classifyStatus maps an HTTP status and error message to a Reason. Context
// overflow hides inside 400 responses, so the message text decides.
func classifyStatus(status int, message string) Reason {
	switch {
	case status == 400:
		if overflowMessage(message) {
			return ReasonContextOverflow
		}
		return ReasonInvalidRequest
	case status == 401 || status == 402 || status == 403:
		return ReasonAuth
	case status == 404 || status == 422:
		return ReasonInvalidRequest
	case status == 408:
		return ReasonTimeout
	case status == 429:
		return ReasonRateLimit
	case status == 529: // anthropic overloaded
		return ReasonServerError
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func overflowMessage(message string) bool {
	m := strings.ToLower(message)
	for _, marker := range []string{
		"context window",
		"context length",
		"maximum context",
		"prompt is too long",
		"too many tokens",
		"maximum number of tokens",
	} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
