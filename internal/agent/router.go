package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/haasonsaas/steward/internal/llm"
	"github.com/haasonsaas/steward/pkg/models"
)

// Capability is one named bundle of instructions and tools the router can
// activate for a conversation. The catalogue is registered in-process;
// capabilities have no filesystem representation.
type Capability struct {
	Name         string
	Description  string
	Instructions string

	// Tools are extra tool names unlocked while the capability is active.
	Tools []string
}

// CapabilityStore persists per-conversation capability TTLs.
type CapabilityStore interface {
	GetCapabilitySet(ctx context.Context, convID string) (models.CapabilitySet, error)
	SetCapabilitySet(ctx context.Context, convID string, set models.CapabilitySet) error
}

// Router maintains each conversation's active capability set: TTL decay every
// step, an LLM re-selection every stride steps, persistence across steps.
type Router struct {
	catalogue map[string]Capability
	ordered   []string

	client llm.Client
	store  CapabilityStore

	defaultTTL int
	stride     int
	logger     *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger overrides the default logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter builds a router over a fixed catalogue. defaultTTL and stride
// fall back to 5 and 1.
func NewRouter(catalogue []Capability, client llm.Client, store CapabilityStore, defaultTTL, stride int, opts ...RouterOption) *Router {
	if defaultTTL <= 0 {
		defaultTTL = 5
	}
	if stride <= 0 {
		stride = 1
	}
	r := &Router{
		catalogue:  make(map[string]Capability, len(catalogue)),
		client:     client,
		store:      store,
		defaultTTL: defaultTTL,
		stride:     stride,
		logger:     slog.Default().With("component", "router"),
	}
	for _, cap := range catalogue {
		r.catalogue[cap.Name] = cap
		r.ordered = append(r.ordered, cap.Name)
	}
	sort.Strings(r.ordered)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Decision is the outcome of one routing pass.
type Decision struct {
	Active models.CapabilitySet

	// Changed is true when this pass called the router model and the
	// resulting set differs from the decayed one.
	Changed bool
}

// Route runs one routing pass for a step: decay TTLs, and on stride steps ask
// the router model to revise the set. Router failures keep the decayed set.
// The resulting set is persisted before returning.
func (r *Router) Route(ctx context.Context, convID string, step int, recent []models.Message) (*Decision, error) {
	set, err := r.store.GetCapabilitySet(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("load capability set: %w", err)
	}

	set = decay(set)
	decision := &Decision{Active: set}

	if step%r.stride == 0 && len(r.catalogue) > 0 {
		revised, ok := r.consult(ctx, set, recent)
		if ok {
			decision.Changed = !sameSet(set, revised)
			set = revised
			decision.Active = set
		}
	}

	if err := r.store.SetCapabilitySet(ctx, convID, set); err != nil {
		return nil, fmt.Errorf("persist capability set: %w", err)
	}
	return decision, nil
}

// Resolve maps an active set to its catalogue entries, sorted by name.
// Unknown names are skipped.
func (r *Router) Resolve(set models.CapabilitySet) []Capability {
	names := make([]string, 0, len(set))
	for name := range set {
		if _, ok := r.catalogue[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]Capability, 0, len(names))
	for _, name := range names {
		out = append(out, r.catalogue[name])
	}
	return out
}

// decay ticks every TTL down one and drops exhausted entries.
func decay(set models.CapabilitySet) models.CapabilitySet {
	out := models.CapabilitySet{}
	for name, ttl := range set {
		if ttl > 1 {
			out[name] = ttl - 1
		}
	}
	return out
}

type routerVerdict struct {
	Keep []string `json:"keep"`
	Add  []string `json:"add"`
	Drop []string `json:"drop"`
}

// consult asks the router model to revise the set. The bool is false when
// the call or its parsing failed and the decayed set should stand.
func (r *Router) consult(ctx context.Context, set models.CapabilitySet, recent []models.Message) (models.CapabilitySet, bool) {
	resp, err := r.client.Complete(ctx, &llm.Request{
		System:    r.systemPrompt(set),
		Messages:  []models.Message{{Role: models.RoleUser, Content: renderTail(recent)}},
		MaxTokens: 500,
	})
	if err != nil {
		r.logger.Warn("router call failed, keeping decayed set", "error", err)
		return nil, false
	}

	var verdict routerVerdict
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &verdict); err != nil {
		r.logger.Warn("router returned unparseable verdict", "error", err)
		return nil, false
	}

	out := set.Clone()
	for _, name := range verdict.Drop {
		delete(out, name)
	}
	for _, name := range append(verdict.Keep, verdict.Add...) {
		if _, ok := r.catalogue[name]; !ok {
			r.logger.Warn("router named unknown capability", "capability", name)
			continue
		}
		out[name] = r.defaultTTL
	}
	return out, true
}

func (r *Router) systemPrompt(set models.CapabilitySet) string {
	var b strings.Builder
	b.WriteString("You select which capabilities an assistant needs for its next step.\n")
	b.WriteString("Available capabilities:\n")
	for _, name := range r.ordered {
		cap := r.catalogue[name]
		fmt.Fprintf(&b, "- %s: %s\n", cap.Name, cap.Description)
	}
	b.WriteString("Currently active:")
	if len(set) == 0 {
		b.WriteString(" none")
	}
	for _, name := range sortedNames(set) {
		b.WriteString(" " + name)
	}
	b.WriteString("\nReply with only a JSON object: {\"keep\": [...], \"add\": [...], \"drop\": [...]}")
	return b.String()
}

func renderTail(recent []models.Message) string {
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, msg := range recent {
		content := msg.Content
		if len(content) > 500 {
			content = content[:500] + "…"
		}
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, content)
	}
	return b.String()
}

func sortedNames(set models.CapabilitySet) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sameSet(a, b models.CapabilitySet) bool {
	if len(a) != len(b) {
		return false
	}
	for name := range a {
		if _, ok := b[name]; !ok {
			return false
		}
	}
	return true
}

// extractJSON pulls the first balanced JSON object out of model output that
// may wrap it in prose or fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return s
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}
