// Package tools implements the built-in tools: workspace file access, shell
// execution, web fetch, and the core ask_user/delegate/explore/schedule
// tools that bridge into the runtime's facilities.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
)

const maxReadBytes = 200_000

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path inside the workspace root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

// ReadFileTool reads a workspace file.
type ReadFileTool struct {
	resolver Resolver
}

// NewReadFileTool creates a reader scoped to the workspace.
func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{resolver: Resolver{Root: workspace}}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a text file from the workspace."
}

func (t *ReadFileTool) ReadOnly() bool { return true }

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace."}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFileTool) Execute(ctx context.Context, tc *agent.ToolContext, args json.RawMessage) (string, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", agent.Errf(agent.KindInvalidArgs, "parse arguments: %v", err)
	}
	resolver := t.resolver
	if tc.WorkspaceDir != "" {
		resolver = Resolver{Root: tc.WorkspaceDir}
	}
	resolved, err := resolver.Resolve(input.Path)
	if err != nil {
		return "", agent.Errf(agent.KindInvalidArgs, "%v", err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", agent.Errf(agent.KindExternal, "read %s: %v", input.Path, err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + fmt.Sprintf("\n… truncated at %d bytes", maxReadBytes), nil
	}
	return string(data), nil
}

// WriteFileTool writes a workspace file, creating parent directories.
type WriteFileTool struct {
	resolver Resolver
}

// NewWriteFileTool creates a writer scoped to the workspace.
func NewWriteFileTool(workspace string) *WriteFileTool {
	return &WriteFileTool{resolver: Resolver{Root: workspace}}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, replacing it if it exists."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace."},
			"content": {"type": "string", "description": "Full file content to write."}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteFileTool) Execute(ctx context.Context, tc *agent.ToolContext, args json.RawMessage) (string, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", agent.Errf(agent.KindInvalidArgs, "parse arguments: %v", err)
	}
	resolver := t.resolver
	if tc.WorkspaceDir != "" {
		resolver = Resolver{Root: tc.WorkspaceDir}
	}
	resolved, err := resolver.Resolve(input.Path)
	if err != nil {
		return "", agent.Errf(agent.KindInvalidArgs, "%v", err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", agent.Errf(agent.KindExternal, "create directories: %v", err)
	}
	if err := os.WriteFile(resolved, []byte(input.Content), 0o644); err != nil {
		return "", agent.Errf(agent.KindExternal, "write %s: %v", input.Path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(input.Content), input.Path), nil
}

// ListDirTool lists a workspace directory.
type ListDirTool struct {
	resolver Resolver
}

// NewListDirTool creates a lister scoped to the workspace.
func NewListDirTool(workspace string) *ListDirTool {
	return &ListDirTool{resolver: Resolver{Root: workspace}}
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the entries of a workspace directory."
}

func (t *ListDirTool) ReadOnly() bool { return true }

func (t *ListDirTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory path relative to the workspace. Defaults to the workspace root.", "default": "."}
		}
	}`)
}

func (t *ListDirTool) Execute(ctx context.Context, tc *agent.ToolContext, args json.RawMessage) (string, error) {
	var input struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return "", agent.Errf(agent.KindInvalidArgs, "parse arguments: %v", err)
		}
	}
	if input.Path == "" {
		input.Path = "."
	}
	resolver := t.resolver
	if tc.WorkspaceDir != "" {
		resolver = Resolver{Root: tc.WorkspaceDir}
	}
	resolved, err := resolver.Resolve(input.Path)
	if err != nil {
		return "", agent.Errf(agent.KindInvalidArgs, "%v", err)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", agent.Errf(agent.KindExternal, "list %s: %v", input.Path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", nil
	}
	return strings.Join(names, "\n"), nil
}
