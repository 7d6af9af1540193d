package conductor

import (
	"context"
	"log/slog"
)

// Orchestrator is the thin coordinator over planner, engine, and agents. It
// owns the shared memory store and tool registry, wires both into every
// agent it creates, and wraps every provider in the resilience stack.
// Configuration is a value taken at construction; nothing mutates it later.
type Orchestrator struct {
	cfg       Config
	store     MemoryStore
	registry  *Registry
	providers map[string]Provider
	planner   Provider
	worker    Provider
	approval  ApprovalHandler
	agentSpec AgentSpec
	renderer  *Renderer
	logger    *slog.Logger
	tracer    Tracer
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithConfig sets the settings value. Defaults to DefaultConfig().
func WithConfig(cfg Config) OrchestratorOption {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithStore sets the shared memory store. Defaults to an in-memory store;
// durable deployments pass store/sqlite or store/postgres.
func WithStore(s MemoryStore) OrchestratorOption {
	return func(o *Orchestrator) { o.store = s }
}

// WithRegistry sets the shared tool registry injected into tool-enabled
// agents. Without one, tool calls in model output stand as final text.
func WithRegistry(r *Registry) OrchestratorOption {
	return func(o *Orchestrator) { o.registry = r }
}

// WithWorkerProvider sets the provider stages execute against. Required.
func WithWorkerProvider(p Provider) OrchestratorOption {
	return func(o *Orchestrator) { o.worker = p }
}

// WithPlannerProvider sets the provider used for planning. Defaults to the
// worker provider.
func WithPlannerProvider(p Provider) OrchestratorOption {
	return func(o *Orchestrator) { o.planner = p }
}

// WithProvider registers a named provider for stages whose AgentSpec carries
// an explicit ProviderRef.
func WithProvider(name string, p Provider) OrchestratorOption {
	return func(o *Orchestrator) { o.providers[NormalizeName(name)] = p }
}

// WithApprovalHandler sets the sink approval-gated stages publish to.
func WithApprovalHandler(h ApprovalHandler) OrchestratorOption {
	return func(o *Orchestrator) { o.approval = h }
}

// WithDefaultAgentSpec sets the binding applied to planner-produced stages.
func WithDefaultAgentSpec(spec AgentSpec) OrchestratorOption {
	return func(o *Orchestrator) { o.agentSpec = spec }
}

// WithOrchestratorLogger sets the structured logger shared with agents and
// the engine. The default discards.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorTracer enables span emission across the whole run.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator validates the configuration and builds the facade.
func NewOrchestrator(opts ...OrchestratorOption) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:       DefaultConfig(),
		providers: make(map[string]Provider),
		agentSpec: AgentSpec{Name: "worker", ToolsEnabled: true},
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.worker == nil {
		return nil, NewError(CategoryConfig, "WORKER_PROVIDER_MISSING", "orchestrator needs a worker provider")
	}
	if o.planner == nil {
		o.planner = o.worker
	}
	if o.store == nil {
		o.store = NewInMemoryStore()
	}
	o.renderer = NewRenderer(o.cfg.Template.Cache)
	return o, nil
}

// PlanAndExecute decomposes the goal into stages and runs them. An empty
// goal plans to zero stages and a succeeded workflow. Planning failures
// surface before any stage executes.
func (o *Orchestrator) PlanAndExecute(ctx context.Context, workflowID, goal string) ([]StageResult, error) {
	planner := NewPlanner(
		WrapResilience(o.planner, o.cfg.Resilience(), ResilienceLogger(o.logger)),
		WithPlannerLogger(o.logger),
		WithPlannerRenderer(o.renderer),
	)
	specs, err := planner.Plan(ctx, goal)
	if err != nil {
		return nil, err
	}
	stages := StagesFromSpecs(specs, o.agentSpec)
	return o.RunWorkflow(ctx, workflowID, stages)
}

// RunWorkflow executes a pre-planned stage list and returns per-stage
// results in planner order once every stage is terminal.
func (o *Orchestrator) RunWorkflow(ctx context.Context, workflowID string, stages []Stage) ([]StageResult, error) {
	if workflowID == "" {
		workflowID = NewID()
	}

	opts := []WorkflowOption{
		WithWorkflowStore(o.store),
		WithWorkflowParallelism(o.cfg.Parallelism),
		WithWorkflowLimits(o.cfg.Workflow),
		WithWorkflowRenderer(o.renderer),
		WithWorkflowLogger(o.logger),
	}
	if o.approval != nil {
		opts = append(opts, WithWorkflowApproval(o.approval))
	}
	if o.tracer != nil {
		opts = append(opts, WithWorkflowTracer(o.tracer))
	}
	opts = append(opts, WithWorkflowDefaultAgent(o.buildAgent(workflowID, o.agentSpec)))
	for _, spec := range o.distinctBindings(stages) {
		opts = append(opts, WithWorkflowAgent(o.buildAgent(workflowID, spec)))
	}

	w, err := NewWorkflow(workflowID, stages, opts...)
	if err != nil {
		return nil, err
	}
	o.logger.Info("workflow starting", "workflow", workflowID, "stages", len(stages))
	return w.Run(ctx)
}

// distinctBindings collects the distinct non-default agent specs from the
// stage list, first occurrence wins.
func (o *Orchestrator) distinctBindings(stages []Stage) []AgentSpec {
	seen := map[string]bool{o.agentSpec.Name: true, "": true}
	var out []AgentSpec
	for _, s := range stages {
		if !seen[s.Agent.Name] {
			seen[s.Agent.Name] = true
			out = append(out, s.Agent)
		}
	}
	return out
}

// buildAgent builds one agent for the workflow: provider resolved from the
// spec's ProviderRef, wrapped in the resilience stack, memory bound to the
// shared store, tools injected when the spec enables them.
func (o *Orchestrator) buildAgent(workflowID string, spec AgentSpec) *Agent {
	provider := o.worker
	if spec.ProviderRef != "" {
		if p, ok := o.providers[NormalizeName(spec.ProviderRef)]; ok {
			provider = p
		} else {
			o.logger.Warn("unknown provider ref, using worker provider",
				"agent", spec.Name, "provider_ref", spec.ProviderRef)
		}
	}
	wrapped := WrapResilience(provider, o.cfg.Resilience(), ResilienceLogger(o.logger))

	agentOpts := []AgentOption{
		WithSystemPrompt(spec.SystemPrompt),
		WithMemoryLimit(o.cfg.Memory.DefaultLimit),
		WithAgentRenderer(o.renderer),
		WithAgentLogger(o.logger),
	}
	if spec.ToolsEnabled && o.registry != nil {
		agentOpts = append(agentOpts, WithTools(o.registry))
	}
	if o.tracer != nil {
		agentOpts = append(agentOpts, WithAgentTracer(o.tracer))
	}
	return NewAgent(spec.Name, wrapped, o.store, workflowID, agentOpts...)
}
