package tools

import (
	"fmt"
	"net/http"

	"github.com/haasonsaas/steward/internal/agent"
)

// RegisterBuiltins adds the standard toolset to a registry.
func RegisterBuiltins(registry *agent.Registry, workspace string) error {
	builtins := []agent.Tool{
		NewReadFileTool(workspace),
		NewWriteFileTool(workspace),
		NewListDirTool(workspace),
		NewShellTool(workspace),
		NewWebFetchTool(http.DefaultClient),
		&AskUserTool{},
		&DelegateTool{},
		&ExploreTool{},
		&ScheduleTool{},
	}
	for _, tool := range builtins {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}
	return nil
}
