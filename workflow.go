package conductor

import (
	"log/slog"
	"runtime"
)

// Workflow is a validated stage DAG bound to agents, a memory store, and an
// approval sink. Construction validates the graph; Run executes it. A
// Workflow instance owns its stages: at most one Running instance per stage
// id exists under one Workflow, and one process owns one workflow at a time.
type Workflow struct {
	id     string
	name   string
	stages []Stage
	byName map[string]*Stage

	// dependents is the forward adjacency: for each stage, the stages that
	// list it in DependsOn, in planner order.
	dependents map[string][]string

	agents       map[string]*Agent
	defaultAgent *Agent
	store        MemoryStore
	approval     ApprovalHandler
	vars         map[string]string
	renderer     *Renderer
	logger       *slog.Logger
	tracer       Tracer
	par          ParallelismConfig
	limits       WorkflowConfig
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

// WithWorkflowName sets a human-readable name exposed to prompt templates as
// {{workflow_name}}. Defaults to the workflow id.
func WithWorkflowName(name string) WorkflowOption {
	return func(w *Workflow) { w.name = name }
}

// WithWorkflowAgent binds an agent so stages whose AgentSpec.Name matches it
// dispatch to it.
func WithWorkflowAgent(a *Agent) WorkflowOption {
	return func(w *Workflow) { w.agents[a.Name()] = a }
}

// WithWorkflowDefaultAgent sets the agent used by stages whose binding names
// no registered agent and by stages with an empty binding.
func WithWorkflowDefaultAgent(a *Agent) WorkflowOption {
	return func(w *Workflow) { w.defaultAgent = a }
}

// WithWorkflowStore sets the memory store stage artifacts resolve through.
// Defaults to an in-memory store.
func WithWorkflowStore(s MemoryStore) WorkflowOption {
	return func(w *Workflow) { w.store = s }
}

// WithWorkflowApproval sets the sink approval-gated stages publish to.
// Without one, an approval-required stage fails at execution time.
func WithWorkflowApproval(h ApprovalHandler) WorkflowOption {
	return func(w *Workflow) { w.approval = h }
}

// WithWorkflowVars sets shared variables substituted into every stage prompt,
// below stage-output references in precedence.
func WithWorkflowVars(vars map[string]string) WorkflowOption {
	return func(w *Workflow) { w.vars = vars }
}

// WithWorkflowParallelism overrides the worker-pool settings.
func WithWorkflowParallelism(p ParallelismConfig) WorkflowOption {
	return func(w *Workflow) { w.par = p }
}

// WithWorkflowLimits overrides stage timeout, approval, and graph limits.
func WithWorkflowLimits(l WorkflowConfig) WorkflowOption {
	return func(w *Workflow) { w.limits = l }
}

// WithWorkflowRenderer shares a compiled-template cache.
func WithWorkflowRenderer(r *Renderer) WorkflowOption {
	return func(w *Workflow) { w.renderer = r }
}

// WithWorkflowLogger sets the structured logger. The default discards.
func WithWorkflowLogger(l *slog.Logger) WorkflowOption {
	return func(w *Workflow) { w.logger = l }
}

// WithWorkflowTracer enables span emission for the run and each stage.
func WithWorkflowTracer(t Tracer) WorkflowOption {
	return func(w *Workflow) { w.tracer = t }
}

// NewWorkflow validates the stage list and builds the executable DAG.
// Stages are immutable after this point. Rejections, in check order:
// too many stages, invalid or duplicate names, unknown dependencies,
// cycles, and dependency chains deeper than the configured maximum.
func NewWorkflow(id string, stages []Stage, opts ...WorkflowOption) (*Workflow, error) {
	cfg := DefaultConfig()
	w := &Workflow{
		id:         id,
		name:       id,
		stages:     append([]Stage(nil), stages...),
		byName:     make(map[string]*Stage, len(stages)),
		dependents: make(map[string][]string, len(stages)),
		agents:     make(map[string]*Agent),
		renderer:   NewRenderer(cfg.Template.Cache),
		logger:     nopLogger,
		par:        cfg.Parallelism,
		limits:     cfg.Workflow,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.store == nil {
		w.store = NewInMemoryStore()
	}

	if err := w.buildGraph(); err != nil {
		return nil, err
	}
	return w, nil
}

// ID returns the workflow id.
func (w *Workflow) ID() string { return w.id }

// Stages returns the stage list in planner order.
func (w *Workflow) Stages() []Stage {
	return append([]Stage(nil), w.stages...)
}

// buildGraph validates the stage list and fills byName and dependents.
func (w *Workflow) buildGraph() error {
	if max := w.limits.MaxStages; max > 0 && len(w.stages) > max {
		return Errorf(CategoryConfig, "TOO_MANY_STAGES",
			"workflow has %d stages, maximum is %d", len(w.stages), max)
	}

	for i := range w.stages {
		s := &w.stages[i]
		if !stageNameRE.MatchString(s.Name) {
			return Errorf(CategoryConfig, "INVALID_STAGE_NAME", "invalid stage name %q", s.Name)
		}
		if _, dup := w.byName[s.Name]; dup {
			return Errorf(CategoryConfig, "DUPLICATE_STAGE", "duplicate stage name %q", s.Name)
		}
		if s.ID == "" {
			s.ID = s.Name
		}
		w.byName[s.Name] = s
	}

	for _, s := range w.stages {
		for _, dep := range s.DependsOn {
			if _, ok := w.byName[dep]; !ok {
				return Errorf(CategoryConfig, "UNKNOWN_DEPENDENCY",
					"stage %q depends on unknown stage %q", s.Name, dep)
			}
			if dep == s.Name {
				return Errorf(CategoryConfig, "CYCLE_DETECTED", "stage %q depends on itself", s.Name)
			}
			w.dependents[dep] = append(w.dependents[dep], s.Name)
		}
	}

	return w.checkAcyclicAndDepth()
}

// checkAcyclicAndDepth runs a DFS over the dependency edges, detecting cycles
// by color marking and measuring the longest dependency chain. The recursion
// bound is the stage count, which buildGraph has already capped.
func (w *Workflow) checkAcyclicAndDepth() error {
	const (
		white = iota // unvisited
		gray         // on the current path
		black        // finished
	)
	color := make(map[string]int, len(w.stages))
	depth := make(map[string]int, len(w.stages))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return Errorf(CategoryConfig, "CYCLE_DETECTED", "dependency cycle through stage %q", name)
		case black:
			return nil
		}
		color[name] = gray
		d := 0
		for _, dep := range w.byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		color[name] = black
		depth[name] = d
		return nil
	}

	maxDepth := 0
	for _, s := range w.stages {
		if err := visit(s.Name); err != nil {
			return err
		}
		if depth[s.Name] > maxDepth {
			maxDepth = depth[s.Name]
		}
	}

	if limit := w.limits.MaxDependencyDepth; limit > 0 && maxDepth > limit {
		return Errorf(CategoryConfig, "DEPTH_EXCEEDED",
			"dependency depth %d exceeds maximum %d", maxDepth, limit)
	}
	return nil
}

// agentFor resolves the agent bound to a stage: an exact binding first, then
// the default agent.
func (w *Workflow) agentFor(s *Stage) *Agent {
	if a, ok := w.agents[s.Agent.Name]; ok {
		return a
	}
	return w.defaultAgent
}

// poolSize returns the worker pool bound: min(MaxThreads, MaxTasksPerBatch),
// with MaxThreads defaulting to the host's available parallelism.
func (w *Workflow) poolSize() int {
	threads := w.par.MaxThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	size := threads
	if w.par.MaxTasksPerBatch > 0 && w.par.MaxTasksPerBatch < size {
		size = w.par.MaxTasksPerBatch
	}
	if size < 1 {
		size = 1
	}
	return size
}

// WorkflowSucceeded reports the aggregate outcome: true iff every stage
// ended Succeeded or Skipped.
func WorkflowSucceeded(results []StageResult) bool {
	for _, r := range results {
		if r.Status != StageSucceeded && r.Status != StageSkipped {
			return false
		}
	}
	return true
}
