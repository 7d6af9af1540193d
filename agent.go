package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Task is the input to one agent execution. Vars are substituted into the
// agent's prompt template alongside the built-in placeholders. When
// ArtifactKey is set, the final agent turn and the artifact commit in one
// store transaction.
type Task struct {
	Input        string
	Vars         map[string]string
	StageName    string
	WorkflowName string
	ArtifactKey  string
}

// Agent is a worker bound to one (workflowID, name) memory stream. It owns a
// prompt template, a provider reference, and an optional tool registry.
// Agents are safe for concurrent use; all per-call state lives on the stack.
type Agent struct {
	name         string
	systemPrompt string
	provider     Provider
	tools        *Registry
	store        MemoryStore
	workflowID   string
	memoryLimit  int
	followUp     bool
	vars         map[string]string
	renderer     *Renderer
	logger       *slog.Logger
	tracer       Tracer
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithSystemPrompt sets the agent's prompt template. The template may use
// ${var} or {{var}} placeholders; {{prompt}} receives the task input and
// {{memory}} the formatted memory window. An empty template renders the
// input unchanged.
func WithSystemPrompt(tmpl string) AgentOption {
	return func(a *Agent) { a.systemPrompt = tmpl }
}

// WithTools gives the agent access to a tool registry. Without one, tool
// calls in model output are treated as final text.
func WithTools(r *Registry) AgentOption {
	return func(a *Agent) { a.tools = r }
}

// WithMemoryLimit bounds the memory window read before each call.
// Zero reads the whole stream.
func WithMemoryLimit(n int) AgentOption {
	return func(a *Agent) { a.memoryLimit = n }
}

// WithToolFollowUp feeds tool results back to the provider as a follow-up
// turn. Without it, the tool output itself becomes the execution result.
func WithToolFollowUp() AgentOption {
	return func(a *Agent) { a.followUp = true }
}

// WithAgentVars sets variables substituted into every prompt this agent
// renders, below task-level vars in precedence.
func WithAgentVars(vars map[string]string) AgentOption {
	return func(a *Agent) { a.vars = vars }
}

// WithAgentRenderer shares a compiled-template cache across agents.
func WithAgentRenderer(r *Renderer) AgentOption {
	return func(a *Agent) { a.renderer = r }
}

// WithAgentLogger sets the structured logger. The default discards.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// WithAgentTracer enables span emission for provider and tool phases.
func WithAgentTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// NewAgent creates an agent bound to the (workflowID, name) memory stream.
// The provider is used as given; wrap it with WrapResilience first when the
// call should traverse the policy stack.
func NewAgent(name string, provider Provider, store MemoryStore, workflowID string, opts ...AgentOption) *Agent {
	a := &Agent{
		name:       name,
		provider:   provider,
		store:      store,
		workflowID: workflowID,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.renderer == nil {
		a.renderer = NewRenderer(TemplateCacheConfig{})
	}
	return a
}

// Name returns the agent's identifier.
func (a *Agent) Name() string { return a.name }

// WorkflowID returns the workflow the agent's memory stream belongs to.
func (a *Agent) WorkflowID() string { return a.workflowID }

// Provider returns the provider the agent calls, resilience wrapping included.
func (a *Agent) Provider() Provider { return a.provider }

// Execute runs one turn: read the memory window, render the prompt, call the
// provider, dispatch at most one parsed tool call, and record the turns.
// Failures are carried inside the result; Execute never panics and has no
// side effects beyond the provider call, tool invocation, and memory appends.
func (a *Agent) Execute(ctx context.Context, task Task) ExecutionResult {
	start := time.Now()

	var span Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "agent.execute",
			StringAttr("agent.name", a.name),
			StringAttr("workflow.id", a.workflowID))
		defer span.End()
	}

	prompt, err := a.renderPrompt(ctx, task)
	if err != nil {
		return a.fail(ctx, span, start, Classify(err))
	}

	a.record(ctx, EntryUserTurn, task.Input)

	response, err := a.provider.Generate(ctx, prompt)
	if err != nil {
		se := Classify(err)
		a.logger.Error("provider call failed",
			"agent", a.name, "provider", a.provider.Info().Name, "category", se.Category, "error", err)
		a.record(ctx, EntrySystem, fmt.Sprintf("provider failure: %s", se.Error()))
		return a.fail(ctx, span, start, se)
	}

	output := response
	var toolUsed string
	if call, ok := ParseToolCall(response); ok && a.tools != nil {
		output, toolUsed = a.dispatchTool(ctx, call, prompt)
	}

	if err := a.recordFinal(ctx, EntryAgentTurn, output, task.ArtifactKey); err != nil {
		return a.fail(ctx, span, start, Classify(err))
	}

	duration := time.Since(start)
	a.logger.Info("agent execution completed",
		"agent", a.name, "workflow", a.workflowID, "duration", duration, "tool", toolUsed)
	if span != nil {
		span.SetAttr(StringAttr("agent.status", "ok"), IntAttr("output.len", len(output)))
	}
	return ExecutionResult{Success: true, Output: output, Duration: duration, ToolUsed: toolUsed}
}

// renderPrompt builds the full prompt from the agent template, the memory
// window, and the task variables. Task vars win over agent vars, which win
// over the built-ins.
func (a *Agent) renderPrompt(ctx context.Context, task Task) (string, error) {
	vars := map[string]string{
		"prompt":        task.Input,
		"timestamp":     time.Now().Format(time.RFC3339),
		"stage_name":    task.StageName,
		"workflow_name": task.WorkflowName,
	}

	entries, err := a.store.Read(ctx, a.workflowID, a.name, a.memoryLimit)
	if err != nil {
		return "", WrapError(CategoryInternal, "MEMORY_READ_FAILED", err)
	}
	vars["memory"] = formatMemory(entries)

	for k, v := range a.vars {
		vars[k] = v
	}
	for k, v := range task.Vars {
		vars[k] = v
	}

	tmpl := a.systemPrompt
	if tmpl == "" {
		tmpl = "{{prompt}}"
	}
	return a.renderer.Render(tmpl, vars), nil
}

// dispatchTool invokes one parsed tool call and returns the resulting output
// plus the tool name. Unknown tools and tool failures are recorded in memory
// and never abort the turn; the agent falls back to the raw model text.
func (a *Agent) dispatchTool(ctx context.Context, call ToolCall, prompt string) (string, string) {
	if _, ok := a.tools.Get(call.Tool); !ok {
		res := ToolResult{
			Tool:  call.Tool,
			OK:    false,
			Error: Errorf(CategoryNotFound, "TOOL_UNKNOWN", "unknown tool: %s", call.Tool),
		}
		a.recordToolResult(ctx, res)
		a.logger.Warn("model requested unknown tool", "agent", a.name, "tool", call.Tool)
		return rawToolCallText(call), call.Tool
	}

	a.record(ctx, EntryToolCall, rawToolCallText(call))

	var span Span
	toolCtx := ctx
	if a.tracer != nil {
		toolCtx, span = a.tracer.Start(ctx, "agent.tool",
			StringAttr("tool.name", call.Tool))
	}
	res := a.tools.Invoke(toolCtx, call.Tool, call.Arguments)
	if span != nil {
		if res.Error != nil {
			span.Error(res.Error)
		}
		span.End()
	}
	a.recordToolResult(ctx, res)

	if !res.OK {
		a.logger.Warn("tool invocation failed",
			"agent", a.name, "tool", call.Tool, "error", res.Error)
		return fmt.Sprintf("tool %s failed: %s", call.Tool, res.Error.Error()), call.Tool
	}

	if !a.followUp {
		return res.Output, call.Tool
	}

	followPrompt := prompt + "\n\nTool " + call.Tool + " returned:\n" + res.Output +
		"\n\nIncorporate the tool result and give the final answer."
	text, err := a.provider.Generate(ctx, followPrompt)
	if err != nil {
		a.logger.Warn("follow-up call failed, returning tool output",
			"agent", a.name, "tool", call.Tool, "error", err)
		return res.Output, call.Tool
	}
	return text, call.Tool
}

// fail finalizes a failed execution.
func (a *Agent) fail(ctx context.Context, span Span, start time.Time, se *StructuredError) ExecutionResult {
	if span != nil {
		span.Error(se)
		span.SetAttr(StringAttr("agent.status", "error"))
	}
	return ExecutionResult{Success: false, Error: se, Duration: time.Since(start)}
}

// record appends one entry, logging storage faults without failing the turn.
// Only the final-turn append is allowed to fail an execution; intermediate
// records are forensic.
func (a *Agent) record(ctx context.Context, kind EntryKind, content string) {
	if _, err := a.store.Append(ctx, a.workflowID, a.name, kind, content); err != nil {
		a.logger.Error("memory append failed", "agent", a.name, "kind", kind, "error", err)
	}
}

func (a *Agent) recordToolResult(ctx context.Context, res ToolResult) {
	data, err := json.Marshal(res)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"tool":%q,"ok":false}`, res.Tool))
	}
	a.record(ctx, EntryToolResult, string(data))
}

// recordFinal appends the closing agent turn, committing the stage artifact
// in the same transaction when an artifact key is set. Unlike the forensic
// appends, this write is the durability boundary of the turn: a failure
// here fails the execution, after one retry on a transient fault.
func (a *Agent) recordFinal(ctx context.Context, kind EntryKind, content, artifactKey string) error {
	write := func() error {
		var err error
		if artifactKey != "" {
			_, err = a.store.AppendWithArtifact(ctx, a.workflowID, a.name, kind, content, artifactKey, content)
		} else {
			_, err = a.store.Append(ctx, a.workflowID, a.name, kind, content)
		}
		return err
	}

	err := write()
	if err != nil && Classify(err).Retryable {
		a.logger.Warn("final memory append failed, retrying", "agent", a.name, "error", err)
		err = write()
	}
	if err != nil {
		a.logger.Error("final memory append failed", "agent", a.name, "error", err)
		return WrapError(CategoryInternal, "MEMORY_WRITE_FAILED", err)
	}
	return nil
}

// formatMemory renders a memory window as one line per entry, oldest first.
func formatMemory(entries []MemoryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(fmt.Sprintf("[%s] %s", e.Kind, e.Content))
	}
	return b.String()
}

// rawToolCallText reserializes a tool call for the memory log.
func rawToolCallText(call ToolCall) string {
	data, err := json.Marshal(call)
	if err != nil {
		return call.Tool
	}
	return string(data)
}
