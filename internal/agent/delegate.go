package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/steward/internal/llm"
	"github.com/haasonsaas/steward/pkg/models"
)

// ReadOnly marks tools that never mutate state. Explore sub-agents are
// restricted to these.
type ReadOnly interface {
	ReadOnly() bool
}

// reserved tools a sub-agent can never call, regardless of mode.
var subAgentForbidden = map[string]bool{
	"ask_user": true,
	"delegate": true,
	"explore":  true,
	"schedule": true,
}

// QuotaStore tracks per-conversation delegate spend. A durable
// implementation (*store.Store) makes the quota survive restarts.
type QuotaStore interface {
	DelegateSpend(ctx context.Context, convID string) (int, error)
	AddDelegateSpend(ctx context.Context, convID string, n int) error
}

// memQuota is the fallback spend counter when no durable store is wired.
// Guarded by the executor's mutex.
type memQuota map[string]int

func (m memQuota) DelegateSpend(_ context.Context, convID string) (int, error) {
	return m[convID], nil
}

func (m memQuota) AddDelegateSpend(_ context.Context, convID string, n int) error {
	m[convID] += n
	return nil
}

// DelegateExecutor runs sub-agent tasks on the cheap tier with a restricted
// toolset. Sub-agent transcripts live only in memory; the parent sees one
// result per task, in call order.
type DelegateExecutor struct {
	client   llm.Client
	registry *Registry

	maxSteps     int
	exploreSteps int
	quota        int

	mu    sync.Mutex
	spent QuotaStore

	logger *slog.Logger
}

// DelegateOption configures a DelegateExecutor.
type DelegateOption func(*DelegateExecutor)

// WithQuotaStore persists delegate spend through the given store instead of
// the in-memory default.
func WithQuotaStore(qs QuotaStore) DelegateOption {
	return func(e *DelegateExecutor) { e.spent = qs }
}

// NewDelegateExecutor builds an executor. Zero budgets take the defaults
// (50 delegate steps, 25 explore steps, 25 delegates per conversation).
func NewDelegateExecutor(client llm.Client, registry *Registry, maxSteps, exploreSteps, quota int, opts ...DelegateOption) *DelegateExecutor {
	if maxSteps <= 0 {
		maxSteps = 50
	}
	if exploreSteps <= 0 {
		exploreSteps = 25
	}
	if quota <= 0 {
		quota = 25
	}
	e := &DelegateExecutor{
		client:       client,
		registry:     registry,
		maxSteps:     maxSteps,
		exploreSteps: exploreSteps,
		quota:        quota,
		spent:        memQuota{},
		logger:       slog.Default().With("component", "delegate"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the given tasks concurrently and returns their results in
// call order. The parent's step blocks until every task settles. A failing
// task yields a failed result, never an error from Run; only a quota breach
// errors, before anything starts.
func (e *DelegateExecutor) Run(ctx context.Context, tc *ToolContext, specs []DelegateSpec) ([]DelegateResult, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	if err := e.spend(ctx, tc.ConversationID, len(specs)); err != nil {
		return nil, err
	}

	results := make([]DelegateResult, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec DelegateSpec) {
			defer wg.Done()
			results[i] = e.runOne(ctx, tc, spec)
		}(i, spec)
	}
	wg.Wait()
	return results, nil
}

// spend reserves quota for n tasks atomically; partial fan-outs never start.
func (e *DelegateExecutor) spend(ctx context.Context, convID string, n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	used, err := e.spent.DelegateSpend(ctx, convID)
	if err != nil {
		return fmt.Errorf("read delegate spend: %w", err)
	}
	if used+n > e.quota {
		return Errf(KindQuotaExceeded,
			"delegate quota exhausted: %d of %d used, %d requested",
			used, e.quota, n)
	}
	if err := e.spent.AddDelegateSpend(ctx, convID, n); err != nil {
		return fmt.Errorf("record delegate spend: %w", err)
	}
	return nil
}

func (e *DelegateExecutor) runOne(ctx context.Context, parent *ToolContext, spec DelegateSpec) DelegateResult {
	mode := "delegate"
	budget := e.maxSteps
	if spec.Explore {
		mode = "explore"
		budget = e.exploreSteps
	}

	parent.Activity(ctx, &models.Activity{
		JobID:   parent.JobID,
		Type:    models.ActivityDelegateStart,
		Message: fmt.Sprintf("%s: %s", mode, truncate(spec.Task, 200)),
	})

	result := DelegateResult{Task: spec.Task}
	output, steps, err := e.loop(ctx, parent, spec, budget)
	result.Output = output
	result.Steps = steps
	if err != nil {
		result.Failed = true
		result.Output = err.Error()
		e.logger.Warn("sub-agent failed", "mode", mode, "error", err)
	}

	parent.Activity(ctx, &models.Activity{
		JobID:   parent.JobID,
		Type:    models.ActivityDelegateEnd,
		Message: fmt.Sprintf("%s finished in %d steps", mode, steps),
		IsError: result.Failed,
	})
	return result
}

func (e *DelegateExecutor) loop(ctx context.Context, parent *ToolContext, spec DelegateSpec, budget int) (string, int, error) {
	system := "You are a focused sub-agent. Complete exactly the task you are given, " +
		"then reply with your findings as plain text. Do not ask questions."
	prompt := spec.Task
	if spec.Context != "" {
		prompt += "\n\nContext:\n" + spec.Context
	}
	msgs := []models.Message{{Role: models.RoleUser, Content: prompt}}
	tools := e.toolset(spec.Explore)

	subCtx := &ToolContext{
		JobID:          parent.JobID,
		ConversationID: parent.ConversationID,
		WorkspaceDir:   parent.WorkspaceDir,
		Activity:       parent.Activity,
	}

	for step := 1; step <= budget; step++ {
		resp, err := e.client.Complete(ctx, &llm.Request{
			System:   system,
			Messages: msgs,
			Tools:    tools,
		})
		if err != nil {
			return "", step, fmt.Errorf("sub-agent llm call: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, step, nil
		}

		if spec.Explore {
			parent.Activity(ctx, &models.Activity{
				JobID:   parent.JobID,
				Type:    models.ActivityExploreStep,
				Message: fmt.Sprintf("explore step %d: %d tool calls", step, len(resp.ToolCalls)),
			})
		}

		msgs = append(msgs, models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			res := e.registry.Execute(ctx, subCtx, call)
			msgs = append(msgs, models.Message{
				Role:       models.RoleTool,
				Content:    res.Content,
				ToolCallID: res.ToolCallID,
			})
		}
	}
	return "", budget, fmt.Errorf("sub-agent exhausted its %d-step budget", budget)
}

// toolset returns the sub-agent tool definitions: never the reserved tools,
// and for explore only read-only ones.
func (e *DelegateExecutor) toolset(explore bool) []llm.ToolDef {
	var names []string
	for _, name := range e.registry.Names() {
		if subAgentForbidden[name] {
			continue
		}
		if explore {
			tool, _ := e.registry.Get(name)
			ro, ok := tool.(ReadOnly)
			if !ok || !ro.ReadOnly() {
				continue
			}
		}
		names = append(names, name)
	}
	return e.registry.Defs(names)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
