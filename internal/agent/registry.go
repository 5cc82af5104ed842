package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/steward/internal/llm"
	"github.com/haasonsaas/steward/pkg/models"
)

// Registry holds the tools offered to the model and dispatches calls with
// schema validation and per-tool timeouts. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema

	timeout time.Duration
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithToolTimeout overrides the default per-tool execution timeout.
func WithToolTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// WithRegistryLogger overrides the default logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		timeout: 120 * time.Second,
		logger:  slog.Default().With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool, compiling its schema. Re-registering a name replaces
// the previous tool.
func (r *Registry) Register(tool Tool) error {
	schema, err := jsonschema.CompileString(tool.Name()+".json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", tool.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schemas[tool.Name()] = schema
	return nil
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs returns the LLM tool definitions for the named tools. Unknown names
// are skipped. A nil filter means all tools, sorted by name.
func (r *Registry) Defs(names []string) []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if names == nil {
		names = make([]string, 0, len(r.tools))
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	var defs []llm.ToolDef
	for _, name := range names {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return defs
}

// Execute validates and runs one tool call, always returning a structured
// result. The per-tool timeout applies unless the tool declares itself
// Blocking.
func (r *Registry) Execute(ctx context.Context, tc *ToolContext, call models.ToolCall) models.ToolResult {
	tc.ToolCallID = call.ID

	tool, ok := r.Get(call.Name)
	if !ok {
		return errResult(call.ID, KindInvalidArgs, fmt.Errorf("unknown tool %q", call.Name))
	}

	if err := r.validate(call); err != nil {
		return errResult(call.ID, KindInvalidArgs, err)
	}

	execCtx := ctx
	if !isBlocking(tool) && r.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	started := time.Now()
	output, err := tool.Execute(execCtx, tc, call.Input)
	if err != nil {
		var oauth *OAuthError
		if errors.As(err, &oauth) {
			return models.ToolResult{
				ToolCallID: call.ID,
				Content:    oauth.AuthURL,
				IsError:    true,
				ErrorKind:  string(KindAuthRequired),
			}
		}
		kind := KindOf(err)
		// A deadline hit inside the tool surfaces as our timeout only
		// when the parent context is still live.
		if kind == KindTimeout && ctx.Err() != nil {
			kind = KindCancelled
		}
		r.logger.Warn("tool failed",
			"tool", call.Name, "kind", string(kind),
			"duration", time.Since(started), "error", err)
		return errResult(call.ID, kind, err)
	}

	return models.ToolResult{ToolCallID: call.ID, Content: output}
}

func (r *Registry) validate(call models.ToolCall) error {
	r.mu.RLock()
	schema := r.schemas[call.Name]
	r.mu.RUnlock()

	args := call.Input
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

func isBlocking(tool Tool) bool {
	b, ok := tool.(Blocking)
	return ok && b.Blocking()
}

func errResult(callID string, kind ErrorKind, err error) models.ToolResult {
	return models.ToolResult{
		ToolCallID: callID,
		Content:    err.Error(),
		IsError:    true,
		ErrorKind:  string(kind),
	}
}
