package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
)

const maxShellOutput = 100_000

// ShellTool runs a command in the workspace. The command inherits the
// registry's per-tool timeout through its context, so a runaway process is
// killed when the deadline passes.
type ShellTool struct {
	workspace string
}

// NewShellTool creates a shell tool rooted at the workspace.
func NewShellTool(workspace string) *ShellTool {
	return &ShellTool{workspace: workspace}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace directory and return its output."
}

func (t *ShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The command to run with sh -c."}
		},
		"required": ["command"]
	}`)
}

func (t *ShellTool) Execute(ctx context.Context, tc *agent.ToolContext, args json.RawMessage) (string, error) {
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", agent.Errf(agent.KindInvalidArgs, "parse arguments: %v", err)
	}
	if strings.TrimSpace(input.Command) == "" {
		return "", agent.Errf(agent.KindInvalidArgs, "command is required")
	}

	dir := t.workspace
	if tc.WorkspaceDir != "" {
		dir = tc.WorkspaceDir
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", input.Command)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if len(output) > maxShellOutput {
		output = output[:maxShellOutput] + fmt.Sprintf("\n… truncated at %d bytes", maxShellOutput)
	}

	if ctx.Err() != nil {
		return "", &agent.ToolError{Kind: agent.KindTimeout,
			Err: fmt.Errorf("command killed: %w", ctx.Err())}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return "", agent.Errf(agent.KindExternal,
			"command exited with code %d:\n%s", exitErr.ExitCode(), output)
	}
	if err != nil {
		return "", agent.Errf(agent.KindExternal, "run command: %v", err)
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}
