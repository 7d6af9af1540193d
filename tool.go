package conductor

import (
	"context"
	"encoding/json"
	"time"
)

// Tool is a named, reusable side-effect operation. Implementations must be
// safe for concurrent use and must not retain per-call state. Failures are
// reported inside the ToolResult, never as panics.
type Tool interface {
	Name() string
	Describe() string
	Invoke(ctx context.Context, args json.RawMessage) ToolResult
}

// Registry maps tool names to tool instances. The set is closed: tools are
// registered up front and unknown names resolve to a NotFound result rather
// than dynamic dispatch.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a second tool under an existing name is
// a configuration mistake and fails with Validation.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return NewError(CategoryValidation, "TOOL_NAME_EMPTY", "tool has no name")
	}
	if _, exists := r.tools[name]; exists {
		return Errorf(CategoryValidation, "TOOL_DUPLICATE", "tool %q already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Describe returns a name-to-description map for prompt construction.
func (r *Registry) Describe() map[string]string {
	out := make(map[string]string, len(r.order))
	for _, name := range r.order {
		out[name] = r.tools[name].Describe()
	}
	return out
}

// Invoke dispatches a call by name, timing the invocation. Unknown names
// produce a NotFound result so the agent can observe and react.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) ToolResult {
	t, ok := r.tools[name]
	if !ok {
		return ToolResult{
			Tool:  name,
			OK:    false,
			Error: Errorf(CategoryNotFound, "TOOL_UNKNOWN", "unknown tool: %s", name),
		}
	}
	start := time.Now()
	res := t.Invoke(ctx, args)
	res.Tool = name
	res.Duration = time.Since(start)
	return res
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.order) }
