package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// stageNameRE bounds stage names to [A-Za-z0-9_-], length 1..128.
var stageNameRE = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)

// plannerPrompt asks the model for a flat ordered stage list. The contract
// mirrors the tool-call format: a raw or fenced JSON array.
const plannerPrompt = `You are a planning assistant. Decompose the goal below into an ordered list of stages.

Respond with ONLY a JSON array. Each element has the shape
{"name": "<stage-name>", "prompt": "<instruction for the worker>", "depends_on": ["<earlier stage name>", ...]}.
Stage names use letters, digits, underscore, or hyphen. depends_on may only reference stages listed earlier in the array. Omit depends_on for independent stages. Use ${<stage>.output} inside a prompt to reference an earlier stage's result.

Goal: {{goal}}`

// Planner turns a user goal into a validated stage list by prompting a
// provider. The provider should already be wrapped in the resilience stack;
// planning is an ordinary provider call.
type Planner struct {
	provider Provider
	renderer *Renderer
	logger   *slog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerLogger sets the structured logger. The default discards.
func WithPlannerLogger(l *slog.Logger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

// WithPlannerRenderer shares a compiled-template cache.
func WithPlannerRenderer(r *Renderer) PlannerOption {
	return func(p *Planner) { p.renderer = r }
}

// NewPlanner creates a Planner over the given provider.
func NewPlanner(provider Provider, opts ...PlannerOption) *Planner {
	p := &Planner{provider: provider, logger: nopLogger}
	for _, opt := range opts {
		opt(p)
	}
	if p.renderer == nil {
		p.renderer = NewRenderer(TemplateCacheConfig{})
	}
	return p
}

// Plan emits the stage specs for a goal. An empty goal plans to zero stages.
// Provider failure or an unparseable/invalid plan fails with
// config_error/INVALID_PLAN.
func (p *Planner) Plan(ctx context.Context, goal string) ([]StageSpec, error) {
	if strings.TrimSpace(goal) == "" {
		return []StageSpec{}, nil
	}

	start := time.Now()
	prompt := p.renderer.Render(plannerPrompt, map[string]string{"goal": goal})
	response, err := p.provider.Generate(ctx, prompt)
	if err != nil {
		p.logger.Error("planning call failed", "provider", p.provider.Info().Name, "error", err)
		return nil, WrapError(CategoryConfig, "INVALID_PLAN", err)
	}

	specs, err := ParseStageSpecs(response)
	if err != nil {
		p.logger.Error("plan rejected", "error", err)
		return nil, err
	}
	p.logger.Info("plan produced", "stages", len(specs), "duration", time.Since(start))
	return specs, nil
}

// ParseStageSpecs extracts and validates a stage list from model output. The
// whole response may be the JSON array, or the response contains exactly one
// fenced block holding it.
func ParseStageSpecs(response string) ([]StageSpec, error) {
	specs, ok := decodeStageSpecs(response)
	if !ok {
		var candidates [][]StageSpec
		for _, block := range fencedBlocks(response) {
			if s, ok := decodeStageSpecs(block); ok {
				candidates = append(candidates, s)
			}
		}
		if len(candidates) != 1 {
			return nil, NewError(CategoryConfig, "INVALID_PLAN", "response does not contain a single stage array")
		}
		specs = candidates[0]
	}
	if err := ValidateStageSpecs(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func decodeStageSpecs(s string) ([]StageSpec, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		return nil, false
	}
	var specs []StageSpec
	if err := json.Unmarshal([]byte(s), &specs); err != nil {
		return nil, false
	}
	return specs, true
}

// ValidateStageSpecs checks names and the earlier-stage dependency rule:
// every depends_on entry must name a stage that appears before it in the
// list, which also forces the graph acyclic.
func ValidateStageSpecs(specs []StageSpec) error {
	seen := make(map[string]bool, len(specs))
	for i, s := range specs {
		if !stageNameRE.MatchString(s.Name) {
			return Errorf(CategoryConfig, "INVALID_PLAN", "stage %d has invalid name %q", i, s.Name)
		}
		if seen[s.Name] {
			return Errorf(CategoryConfig, "DUPLICATE_STAGE", "duplicate stage name %q", s.Name)
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return Errorf(CategoryConfig, "INVALID_PLAN",
					"stage %q depends on %q which is not an earlier stage", s.Name, dep)
			}
		}
		seen[s.Name] = true
	}
	return nil
}

// StagesFromSpecs converts validated planner specs into engine stages bound
// to defaultAgent, except where a spec names its own agent.
func StagesFromSpecs(specs []StageSpec, defaultAgent AgentSpec) []Stage {
	stages := make([]Stage, len(specs))
	for i, s := range specs {
		agent := defaultAgent
		if s.Agent != "" {
			agent.Name = s.Agent
		}
		stages[i] = Stage{
			ID:             fmt.Sprintf("%s-%d", s.Name, i),
			Name:           s.Name,
			PromptTemplate: s.Prompt,
			DependsOn:      append([]string(nil), s.DependsOn...),
			Agent:          agent,
		}
	}
	return stages
}
