package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/steward/internal/gate"
	"github.com/haasonsaas/steward/internal/llm"
	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/internal/store"
	"github.com/haasonsaas/steward/pkg/models"
)

// RuntimeConfig holds the per-job budgets.
type RuntimeConfig struct {
	MaxSteps            int
	MaxWall             time.Duration
	MaxToolCallsPerStep int
	WorkspaceDir        string

	DetectorWindow  int
	RepeatThreshold int
	StallThreshold  int
}

// ScheduleFunc registers a recurring prompt. The scheduler provides it.
type ScheduleFunc func(ctx context.Context, req ScheduleRequest) (*models.Schedule, error)

// Runtime drives one claimed job through the agent loop to a terminal state.
type Runtime struct {
	store      *store.Store
	tiers      *llm.Tiers
	registry   *Registry
	router     *Router
	contextMgr *ContextManager
	delegates  *DelegateExecutor
	gate       *gate.Gate
	scheduleFn ScheduleFunc

	cfg    RuntimeConfig
	logger *slog.Logger
	now    func() time.Time
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeNow injects a clock for tests.
func WithRuntimeNow(now func() time.Time) RuntimeOption {
	return func(r *Runtime) { r.now = now }
}

// WithScheduleFunc wires the schedule tool to the scheduler.
func WithScheduleFunc(fn ScheduleFunc) RuntimeOption {
	return func(r *Runtime) { r.scheduleFn = fn }
}

// WithRuntimeLogger overrides the default logger.
func WithRuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime builds a runtime. Zero budgets take the documented defaults
// (100 steps, 30 minutes wall, 16 tool calls per step).
func NewRuntime(st *store.Store, tiers *llm.Tiers, registry *Registry, router *Router,
	contextMgr *ContextManager, delegates *DelegateExecutor, g *gate.Gate,
	cfg RuntimeConfig, opts ...RuntimeOption) *Runtime {

	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 100
	}
	if cfg.MaxWall <= 0 {
		cfg.MaxWall = 30 * time.Minute
	}
	if cfg.MaxToolCallsPerStep <= 0 {
		cfg.MaxToolCallsPerStep = 16
	}
	r := &Runtime{
		store:      st,
		tiers:      tiers,
		registry:   registry,
		router:     router,
		contextMgr: contextMgr,
		delegates:  delegates,
		gate:       g,
		cfg:        cfg,
		logger:     slog.Default().With("component", "runtime"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs a claimed job until it reaches a terminal state. resumed is
// true when the job re-entered running from a suspended state after a
// restart; the start activity is then not repeated.
func (r *Runtime) Execute(ctx context.Context, job *models.Job, resumed bool) {
	started := r.now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	defer func() {
		observability.JobDuration.Observe(r.now().Sub(started).Seconds())
	}()

	if !resumed {
		r.activity(ctx, &models.Activity{
			JobID: job.ID, Type: models.ActivityStart,
			Message: truncate(job.UserMessage, 200),
		})
	}

	tc := &ToolContext{
		JobID:          job.ID,
		ConversationID: job.ConversationID,
		WorkspaceDir:   r.cfg.WorkspaceDir,
		Activity:       r.activity,
	}
	if r.scheduleFn != nil {
		tc.Schedule = func(ctx context.Context, req ScheduleRequest) (*models.Schedule, error) {
			req.SourceConversationID = job.ConversationID
			return r.scheduleFn(ctx, req)
		}
	}
	tc.AskUser = r.askUserFn(job, tc)
	tc.Delegate = func(ctx context.Context, specs []DelegateSpec) ([]DelegateResult, error) {
		return r.delegates.Run(ctx, tc, specs)
	}

	detector := NewDetector(r.cfg.DetectorWindow, r.cfg.RepeatThreshold, r.cfg.StallThreshold)
	overflowed := false

	for step := 1; step <= r.cfg.MaxSteps; step++ {
		if r.cancelled(ctx, job) {
			r.finishCancelled(ctx, job)
			return
		}
		if r.now().Sub(started) > r.cfg.MaxWall {
			r.finishFailed(ctx, job, fmt.Sprintf(
				"wall-clock budget of %s exhausted after %d steps", r.cfg.MaxWall, step-1))
			return
		}

		active, err := r.route(ctx, job, step)
		if err != nil {
			r.finishFailed(ctx, job, fmt.Sprintf("routing failed: %v", err))
			return
		}

		snap, err := r.contextMgr.Snapshot(ctx, job.ConversationID, job.ID)
		if errors.Is(err, ErrWindowOverflow) && !overflowed {
			// One aggressive pass before giving up; the window never
			// reaches a provider while it cannot fit.
			overflowed = true
			if cerr := r.contextMgr.Compress(ctx, job.ConversationID, 2); cerr == nil {
				snap, err = r.contextMgr.Snapshot(ctx, job.ConversationID, job.ID)
			}
		}
		if err != nil {
			r.finishFailed(ctx, job, fmt.Sprintf("context assembly failed: %v", err))
			return
		}

		if nudge, ok := detector.Check(); ok {
			msg := &models.Message{
				ConversationID: job.ConversationID,
				Role:           models.RoleInternal,
				Content:        nudge,
				Internal:       true,
			}
			if _, err := r.store.AppendMessage(ctx, msg); err != nil {
				r.logger.Warn("persisting nudge failed", "job", job.ID, "error", err)
			} else {
				snap.Messages = append(snap.Messages, *msg)
			}
			r.activity(ctx, &models.Activity{
				JobID: job.ID, Type: models.ActivityNudge, Message: truncate(nudge, 200),
			})
		}

		resp, err := r.llmStep(ctx, job, snap, active, &overflowed)
		if err != nil {
			r.finishFailed(ctx, job, fmt.Sprintf("model call failed: %v", err))
			return
		}
		detector.ObserveText(resp.Content)

		if len(resp.ToolCalls) == 0 {
			r.finishCompleted(ctx, job, resp)
			return
		}

		if done := r.dispatchTools(ctx, job, tc, detector, resp); done {
			return
		}
	}

	r.finishFailed(ctx, job, fmt.Sprintf("step budget of %d exhausted", r.cfg.MaxSteps))
}

// route runs the router pass for one step and resolves the active
// capabilities.
func (r *Runtime) route(ctx context.Context, job *models.Job, step int) ([]Capability, error) {
	if r.router == nil {
		return nil, nil
	}
	msgs, err := r.store.ReadMessages(ctx, job.ConversationID, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 6 {
		msgs = msgs[len(msgs)-6:]
	}
	recent := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		recent = append(recent, *m)
	}

	decision, err := r.router.Route(ctx, job.ConversationID, step, recent)
	if err != nil {
		return nil, err
	}
	if decision.Changed {
		r.activity(ctx, &models.Activity{
			JobID: job.ID, Type: models.ActivityRouting,
			Message: "capabilities: " + strings.Join(sortedNames(decision.Active), ", "),
		})
	}
	return r.router.Resolve(decision.Active), nil
}

// llmStep performs the main-tier call with the retry policy: transient
// failures retry once after a short backoff, rate limits honor the hint and
// retry once, context overflow forces one aggressive compression. A second
// overflow fails the job.
func (r *Runtime) llmStep(ctx context.Context, job *models.Job, snap *Snapshot, active []Capability, overflowed *bool) (*llm.Response, error) {
	req := &llm.Request{
		System:   r.systemPrompt(active),
		Messages: snap.Messages,
		Tools:    r.toolDefs(active),
	}

	resp, err := r.tiers.Main.Complete(ctx, req)
	if err != nil {
		switch {
		case llm.IsContextOverflow(err):
			if *overflowed {
				return nil, fmt.Errorf("context overflow persists after aggressive compression: %w", err)
			}
			*overflowed = true
			if cerr := r.contextMgr.Compress(ctx, job.ConversationID, 2); cerr != nil {
				return nil, fmt.Errorf("aggressive compression failed: %w", cerr)
			}
			snap, err = r.contextMgr.Snapshot(ctx, job.ConversationID, job.ID)
			if err != nil {
				return nil, err
			}
			req.Messages = snap.Messages
			resp, err = r.tiers.Main.Complete(ctx, req)
		case llm.IsRateLimited(err):
			wait := retryAfter(err)
			r.logger.Warn("rate limited, retrying once", "job", job.ID, "wait", wait)
			if !sleepCtx(ctx, wait) {
				return nil, ctx.Err()
			}
			resp, err = r.tiers.Main.Complete(ctx, req)
		case llm.IsRetryable(err):
			r.logger.Warn("transient provider failure, retrying once", "job", job.ID, "error", err)
			if !sleepCtx(ctx, 2*time.Second) {
				return nil, ctx.Err()
			}
			resp, err = r.tiers.Main.Complete(ctx, req)
		}
	}
	if err != nil {
		observability.LLMCalls.WithLabelValues("main", "error").Inc()
		return nil, err
	}

	observability.LLMCalls.WithLabelValues("main", "ok").Inc()
	observability.LLMTokens.WithLabelValues("main", "prompt").Add(float64(resp.Usage.PromptTokens))
	observability.LLMTokens.WithLabelValues("main", "completion").Add(float64(resp.Usage.CompletionTokens))
	if err := llm.RecordUsage(ctx, r.store, job.ID, models.UsageAgent, r.tiers.Main, resp); err != nil {
		r.logger.Warn("usage accounting failed", "job", job.ID, "error", err)
	}
	r.activity(ctx, &models.Activity{
		JobID: job.ID, Type: models.ActivityLLMCall,
		Message: r.tiers.Main.Model(),
		Detail: fmt.Sprintf("prompt=%d completion=%d stop=%s",
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.StopReason),
	})
	return resp, nil
}

// dispatchTools persists the assistant turn and executes its tool calls
// concurrently, reassembling results in call order. Two blocking calls in
// one step (say, two delegate fan-outs) overlap instead of queueing.
// Returns true when the job reached a terminal state.
func (r *Runtime) dispatchTools(ctx context.Context, job *models.Job, tc *ToolContext, detector *Detector, resp *llm.Response) bool {
	calls := resp.ToolCalls
	var overflow []models.ToolCall
	if len(calls) > r.cfg.MaxToolCallsPerStep {
		overflow = calls[r.cfg.MaxToolCallsPerStep:]
		calls = calls[:r.cfg.MaxToolCallsPerStep]
	}

	// The assistant message with its calls lands before any result so a
	// crash never leaves a result without its request.
	if _, err := r.store.AppendMessage(ctx, &models.Message{
		ConversationID: job.ConversationID,
		Role:           models.RoleAssistant,
		Content:        resp.Content,
		Thinking:       resp.Thinking,
		ToolCalls:      resp.ToolCalls,
	}); err != nil {
		r.finishFailed(ctx, job, fmt.Sprintf("persisting assistant turn failed: %v", err))
		return true
	}

	results := make([]models.ToolResult, len(calls))
	if r.cancelled(ctx, job) {
		for i, call := range calls {
			results[i] = models.ToolResult{
				ToolCallID: call.ID, Content: "cancelled before execution",
				IsError: true, ErrorKind: string(KindCancelled),
			}
		}
	} else {
		for _, call := range calls {
			detector.ObserveCall(call.Name, call.Input)
		}
		// Execution fills per-call fields on the ToolContext, so each call
		// gets its own copy with AskUser rebound to it.
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call models.ToolCall) {
				defer wg.Done()
				callTC := *tc
				callTC.AskUser = r.askUserFn(job, &callTC)
				results[i] = r.registry.Execute(ctx, &callTC, call)
			}(i, call)
		}
		wg.Wait()
	}

	// Every result lands in the transcript before any terminal transition
	// so no call is left without its paired result.
	for i, call := range calls {
		result := results[i]

		outcome := "ok"
		if result.IsError {
			outcome = result.ErrorKind
		}
		observability.ToolCalls.WithLabelValues(call.Name, outcome).Inc()
		r.activity(ctx, &models.Activity{
			JobID: job.ID, Type: models.ActivityToolCall,
			ToolName: call.Name, IsError: result.IsError,
			Message: truncate(result.Content, 200),
		})
		r.persistResult(ctx, job, result)
	}

	// Calls past the per-step limit still need paired results.
	for _, call := range overflow {
		r.persistResult(ctx, job, models.ToolResult{
			ToolCallID: call.ID,
			Content: fmt.Sprintf("per-step tool call limit of %d exceeded; call not executed",
				r.cfg.MaxToolCallsPerStep),
			IsError:   true,
			ErrorKind: string(KindInvalidArgs),
		})
	}

	for i, call := range calls {
		result := results[i]
		if result.ErrorKind == string(KindFatal) {
			r.finishFailed(ctx, job, fmt.Sprintf("tool %s failed fatally: %s", call.Name, result.Content))
			return true
		}
		if result.ErrorKind == string(KindCancelled) && r.cancelled(ctx, job) {
			r.finishCancelled(ctx, job)
			return true
		}
		if result.ErrorKind == string(KindAuthRequired) {
			if done := r.suspendForAuth(ctx, job, call, result.Content); done {
				return true
			}
		}
	}
	return false
}

func (r *Runtime) persistResult(ctx context.Context, job *models.Job, result models.ToolResult) {
	content := result.Content
	if result.IsError {
		content = fmt.Sprintf("error (%s): %s", result.ErrorKind, result.Content)
	}
	if _, err := r.store.AppendMessage(ctx, &models.Message{
		ConversationID: job.ConversationID,
		Role:           models.RoleTool,
		Content:        content,
		ToolCallID:     result.ToolCallID,
	}); err != nil {
		r.logger.Error("persisting tool result failed", "job", job.ID, "error", err)
	}
}

// suspendForAuth parks the job as oauth_pending until the user confirms the
// authorization flow. The tool's error result is already persisted; after
// confirmation the loop continues and the model may retry the call. Returns
// true when the job terminated while suspended.
func (r *Runtime) suspendForAuth(ctx context.Context, job *models.Job, call models.ToolCall, authURL string) bool {
	pending, err := r.gate.Arm(job.ID)
	if err != nil {
		r.logger.Warn("cannot park for authorization", "job", job.ID, "error", err)
		return false
	}
	if _, err := r.store.AppendMessage(ctx, &models.Message{
		ConversationID: job.ConversationID,
		Role:           models.RoleAssistant,
		Content:        "Authorization needed before I can continue: " + authURL,
		Metadata: models.MessageMetadata{
			Type:    "oauth",
			AuthURL: authURL,
		},
	}); err != nil {
		r.logger.Error("persisting authorization prompt failed", "job", job.ID, "error", err)
	}
	if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobOAuthPending, store.StatusUpdate{
		PendingToolCallID: call.ID,
		PendingKind:       models.PendingOAuth,
	}); err != nil {
		r.logger.Error("suspending for authorization failed", "job", job.ID, "error", err)
		return false
	}
	r.activity(ctx, &models.Activity{
		JobID: job.ID, Type: models.ActivityWaiting,
		Message: "waiting for authorization",
	})

	answer, err := pending.Wait(ctx)
	if err != nil {
		r.finishCancelled(ctx, job)
		return true
	}
	if _, err := r.store.AppendMessage(ctx, &models.Message{
		ConversationID: job.ConversationID,
		Role:           models.RoleUser,
		Content:        answer,
	}); err != nil {
		r.logger.Error("persisting authorization confirmation failed", "job", job.ID, "error", err)
	}
	if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobRunning, store.StatusUpdate{}); err != nil {
		r.logger.Error("resuming after authorization failed", "job", job.ID, "error", err)
	}
	return false
}

// askUserFn builds the closure the ask_user tool blocks on: suspend the job,
// park on the gate, resume with the answer.
func (r *Runtime) askUserFn(job *models.Job, tc *ToolContext) func(ctx context.Context, q Question) (string, error) {
	return func(ctx context.Context, q Question) (string, error) {
		pending, err := r.gate.Arm(job.ID)
		if err != nil {
			return "", Errf(KindInvalidArgs, "cannot ask: %v", err)
		}

		if _, err := r.store.AppendMessage(ctx, &models.Message{
			ConversationID: job.ConversationID,
			Role:           models.RoleAssistant,
			Content:        q.Text,
			Metadata: models.MessageMetadata{
				Type:        "question",
				Question:    q.Text,
				Options:     q.Options,
				Suggestions: q.Suggestions,
			},
		}); err != nil {
			return "", fmt.Errorf("persist question: %w", err)
		}
		if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobWaitingForInput, store.StatusUpdate{
			PendingToolCallID: tc.ToolCallID,
			PendingKind:       models.PendingQuestion,
		}); err != nil {
			return "", fmt.Errorf("suspend job: %w", err)
		}
		r.activity(ctx, &models.Activity{
			JobID: job.ID, Type: models.ActivityWaiting,
			Message: truncate(q.Text, 200),
		})

		answer, err := pending.Wait(ctx)
		if err != nil {
			return "", &ToolError{Kind: KindCancelled, Err: err}
		}

		if _, err := r.store.AppendMessage(ctx, &models.Message{
			ConversationID: job.ConversationID,
			Role:           models.RoleUser,
			Content:        answer,
		}); err != nil {
			return "", fmt.Errorf("persist answer: %w", err)
		}
		if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobRunning, store.StatusUpdate{}); err != nil {
			return "", fmt.Errorf("resume job: %w", err)
		}
		return answer, nil
	}
}

func (r *Runtime) systemPrompt(active []Capability) string {
	var b strings.Builder
	b.WriteString("You are an autonomous assistant completing tasks for a single user. ")
	b.WriteString("Work step by step with the tools available. ")
	b.WriteString("Use ask_user only when you genuinely cannot proceed without input. ")
	b.WriteString("When the task is done, reply with a final answer and no tool calls.")
	for _, cap := range active {
		b.WriteString("\n\n## ")
		b.WriteString(cap.Name)
		b.WriteString("\n")
		b.WriteString(cap.Instructions)
	}
	return b.String()
}

// toolDefs exposes the base tools plus the extra tools of active
// capabilities. Capability-gated tools stay hidden while inactive.
func (r *Runtime) toolDefs(active []Capability) []llm.ToolDef {
	gated := map[string]bool{}
	if r.router != nil {
		for _, cap := range r.router.catalogue {
			for _, name := range cap.Tools {
				gated[name] = true
			}
		}
	}
	var names []string
	for _, name := range r.registry.Names() {
		if !gated[name] {
			names = append(names, name)
		}
	}
	for _, cap := range active {
		names = append(names, cap.Tools...)
	}
	return r.registry.Defs(names)
}

func (r *Runtime) cancelled(ctx context.Context, job *models.Job) bool {
	flag, err := r.store.CancelRequested(ctx, job.ID)
	if err != nil {
		r.logger.Warn("cancel check failed", "job", job.ID, "error", err)
		return false
	}
	return flag
}

func (r *Runtime) finishCompleted(ctx context.Context, job *models.Job, resp *llm.Response) {
	if _, err := r.store.AppendMessage(ctx, &models.Message{
		ConversationID: job.ConversationID,
		Role:           models.RoleAssistant,
		Content:        resp.Content,
		Thinking:       resp.Thinking,
	}); err != nil {
		r.finishFailed(ctx, job, fmt.Sprintf("persisting final answer failed: %v", err))
		return
	}
	r.activity(ctx, &models.Activity{
		JobID: job.ID, Type: models.ActivityComplete,
		Message: truncate(resp.Content, 200),
	})
	if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobCompleted, store.StatusUpdate{
		Result: resp.Content,
	}); err != nil {
		r.logger.Error("completing job failed", "job", job.ID, "error", err)
		return
	}
	observability.JobsFinished.WithLabelValues(string(models.JobCompleted)).Inc()
}

func (r *Runtime) finishFailed(ctx context.Context, job *models.Job, reason string) {
	r.logger.Warn("job failed", "job", job.ID, "reason", reason)
	if _, err := r.store.AppendMessage(ctx, &models.Message{
		ConversationID: job.ConversationID,
		Role:           models.RoleAssistant,
		Content:        "I could not finish this task: " + reason,
	}); err != nil {
		r.logger.Error("persisting failure summary failed", "job", job.ID, "error", err)
	}
	r.activity(ctx, &models.Activity{
		JobID: job.ID, Type: models.ActivityError, Message: truncate(reason, 500), IsError: true,
	})
	if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobFailed, store.StatusUpdate{
		Error: reason,
	}); err != nil {
		r.logger.Error("failing job failed", "job", job.ID, "error", err)
		return
	}
	observability.JobsFinished.WithLabelValues(string(models.JobFailed)).Inc()
}

func (r *Runtime) finishCancelled(ctx context.Context, job *models.Job) {
	if _, err := r.store.AppendMessage(ctx, &models.Message{
		ConversationID: job.ConversationID,
		Role:           models.RoleAssistant,
		Content:        "Task cancelled at your request.",
	}); err != nil {
		r.logger.Error("persisting cancel summary failed", "job", job.ID, "error", err)
	}
	r.activity(ctx, &models.Activity{
		JobID: job.ID, Type: models.ActivityCancelled, Message: "cancelled",
	})
	if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobCancelled, store.StatusUpdate{}); err != nil {
		r.logger.Error("cancelling job failed", "job", job.ID, "error", err)
		return
	}
	observability.JobsFinished.WithLabelValues(string(models.JobCancelled)).Inc()
}

func (r *Runtime) activity(ctx context.Context, act *models.Activity) {
	if _, err := r.store.AppendActivity(ctx, act); err != nil {
		r.logger.Warn("activity append failed", "job", act.JobID, "error", err)
	}
}

func retryAfter(err error) time.Duration {
	var pe *llm.ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter
	}
	return 2 * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
