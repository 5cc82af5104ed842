package models

import "time"

// UsageComponent tags which part of the system made an LLM call.
type UsageComponent string

const (
	UsageAgent      UsageComponent = "agent"
	UsageRouter     UsageComponent = "router"
	UsageDelegate   UsageComponent = "delegate"
	UsageSummarizer UsageComponent = "summarizer"
	UsageCompressor UsageComponent = "compressor"
)

// UsageRecord is one append-only accounting row per LLM call.
type UsageRecord struct {
	ID               int64          `json:"id"`
	JobID            string         `json:"job_id,omitempty"`
	Component        UsageComponent `json:"component"`
	Provider         string         `json:"provider"`
	Model            string         `json:"model"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	CostUSD          float64        `json:"cost_usd"`
	CreatedAt        time.Time      `json:"created_at"`
}

// CapabilitySet maps capability name to remaining TTL in steps. TTL 0
// entries are removed before the next step.
type CapabilitySet map[string]int

// Clone returns an independent copy of the set.
func (c CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(c))
	for name, ttl := range c {
		out[name] = ttl
	}
	return out
}
