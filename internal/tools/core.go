package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/steward/internal/agent"
)

// AskUserTool suspends the job on a question and blocks until the user
// answers. It is Blocking: the registry's per-tool timeout does not apply.
type AskUserTool struct{}

func (t *AskUserTool) Name() string { return "ask_user" }

func (t *AskUserTool) Description() string {
	return "Ask the user a question and wait for their answer. The task pauses until they respond."
}

func (t *AskUserTool) Blocking() bool { return true }

func (t *AskUserTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"question": {"type": "string", "description": "The question to ask."},
			"options": {"type": "array", "items": {"type": "string"}, "description": "Closed set of choices, if any."},
			"suggestions": {"type": "array", "items": {"type": "string"}, "description": "Suggested free-form answers."}
		},
		"required": ["question"]
	}`)
}

func (t *AskUserTool) Execute(ctx context.Context, tc *agent.ToolContext, args json.RawMessage) (string, error) {
	var q agent.Question
	if err := json.Unmarshal(args, &q); err != nil {
		return "", agent.Errf(agent.KindInvalidArgs, "parse arguments: %v", err)
	}
	if tc.AskUser == nil {
		return "", agent.Errf(agent.KindFatal, "ask_user is not available in this context")
	}
	return tc.AskUser(ctx, q)
}

type delegateArgs struct {
	Tasks []agent.DelegateSpec `json:"tasks"`
}

// DelegateTool fans tasks out to sub-agents and blocks until all settle.
type DelegateTool struct{}

func (t *DelegateTool) Name() string { return "delegate" }

func (t *DelegateTool) Description() string {
	return "Delegate one or more self-contained tasks to sub-agents that run in parallel. " +
		"Returns each task's findings in order."
}

func (t *DelegateTool) Blocking() bool { return true }

func (t *DelegateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"tasks": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"task": {"type": "string", "description": "What the sub-agent should do."},
						"context": {"type": "string", "description": "Background the sub-agent needs."}
					},
					"required": ["task"]
				}
			}
		},
		"required": ["tasks"]
	}`)
}

func (t *DelegateTool) Execute(ctx context.Context, tc *agent.ToolContext, args json.RawMessage) (string, error) {
	return runSubAgents(ctx, tc, args, false)
}

// ExploreTool is delegate restricted to read-only investigation.
type ExploreTool struct{}

func (t *ExploreTool) Name() string { return "explore" }

func (t *ExploreTool) Description() string {
	return "Send read-only sub-agents to investigate questions in parallel. " +
		"They can look but not change anything."
}

func (t *ExploreTool) Blocking() bool { return true }

func (t *ExploreTool) Schema() json.RawMessage {
	return (&DelegateTool{}).Schema()
}

func (t *ExploreTool) Execute(ctx context.Context, tc *agent.ToolContext, args json.RawMessage) (string, error) {
	return runSubAgents(ctx, tc, args, true)
}

func runSubAgents(ctx context.Context, tc *agent.ToolContext, args json.RawMessage, explore bool) (string, error) {
	var input delegateArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return "", agent.Errf(agent.KindInvalidArgs, "parse arguments: %v", err)
	}
	if tc.Delegate == nil {
		return "", agent.Errf(agent.KindFatal, "sub-agents are not available in this context")
	}
	for i := range input.Tasks {
		input.Tasks[i].Explore = explore
	}
	results, err := tc.Delegate(ctx, input.Tasks)
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode results: %w", err)
	}
	return string(out), nil
}

// ScheduleTool registers a recurring prompt with the scheduler.
type ScheduleTool struct{}

func (t *ScheduleTool) Name() string { return "schedule" }

func (t *ScheduleTool) Description() string {
	return "Register a recurring task that runs on a CRON schedule in its own conversation."
}

func (t *ScheduleTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "Short name for the schedule."},
			"prompt": {"type": "string", "description": "The prompt to run on each fire."},
			"cron": {"type": "string", "description": "CRON expression, 5 fields or 6 with seconds."},
			"timezone": {"type": "string", "description": "IANA timezone. Defaults to the host timezone."},
			"context": {"type": "string", "description": "Background carried into every run."}
		},
		"required": ["name", "prompt", "cron"]
	}`)
}

func (t *ScheduleTool) Execute(ctx context.Context, tc *agent.ToolContext, args json.RawMessage) (string, error) {
	var req agent.ScheduleRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return "", agent.Errf(agent.KindInvalidArgs, "parse arguments: %v", err)
	}
	if tc.Schedule == nil {
		return "", agent.Errf(agent.KindFatal, "scheduling is not available in this context")
	}
	sched, err := tc.Schedule(ctx, req)
	if err != nil {
		return "", err
	}
	next := "unknown"
	if sched.NextFire != nil {
		next = sched.NextFire.Format("2006-01-02 15:04:05 MST")
	}
	return fmt.Sprintf("schedule %q registered (%s), next run %s", sched.Name, sched.CronExpr, next), nil
}
