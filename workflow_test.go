package conductor

import (
	"fmt"
	"testing"
)

// linearStages builds a chain s0 <- s1 <- ... <- s(n-1).
func linearStages(n int) []Stage {
	stages := make([]Stage, n)
	for i := range stages {
		stages[i] = Stage{Name: fmt.Sprintf("s%d", i), PromptTemplate: "p"}
		if i > 0 {
			stages[i].DependsOn = []string{fmt.Sprintf("s%d", i-1)}
		}
	}
	return stages
}

func TestNewWorkflowValid(t *testing.T) {
	w, err := NewWorkflow("wf", []Stage{
		{Name: "a", PromptTemplate: "p"},
		{Name: "b", PromptTemplate: "p", DependsOn: []string{"a"}},
		{Name: "c", PromptTemplate: "p", DependsOn: []string{"a"}},
		{Name: "d", PromptTemplate: "p", DependsOn: []string{"b", "c"}},
	})
	if err != nil {
		t.Fatalf("NewWorkflow error = %v", err)
	}
	if w.ID() != "wf" {
		t.Errorf("ID() = %q, want wf", w.ID())
	}
	if got := len(w.Stages()); got != 4 {
		t.Errorf("len(Stages()) = %d, want 4", got)
	}
}

func TestNewWorkflowDefaultsStageIDToName(t *testing.T) {
	w, err := NewWorkflow("wf", []Stage{{Name: "only", PromptTemplate: "p"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := w.Stages()[0].ID; got != "only" {
		t.Errorf("stage ID = %q, want the name", got)
	}
}

func TestNewWorkflowRejections(t *testing.T) {
	tests := []struct {
		name     string
		stages   []Stage
		opts     []WorkflowOption
		wantCode string
	}{
		{
			"invalid stage name",
			[]Stage{{Name: "has space", PromptTemplate: "p"}},
			nil,
			"INVALID_STAGE_NAME",
		},
		{
			"empty stage name",
			[]Stage{{Name: "", PromptTemplate: "p"}},
			nil,
			"INVALID_STAGE_NAME",
		},
		{
			"duplicate stage name",
			[]Stage{{Name: "a", PromptTemplate: "p"}, {Name: "a", PromptTemplate: "p"}},
			nil,
			"DUPLICATE_STAGE",
		},
		{
			"unknown dependency",
			[]Stage{{Name: "a", PromptTemplate: "p", DependsOn: []string{"ghost"}}},
			nil,
			"UNKNOWN_DEPENDENCY",
		},
		{
			"self dependency",
			[]Stage{{Name: "a", PromptTemplate: "p", DependsOn: []string{"a"}}},
			nil,
			"CYCLE_DETECTED",
		},
		{
			"two-stage cycle",
			[]Stage{
				{Name: "a", PromptTemplate: "p", DependsOn: []string{"b"}},
				{Name: "b", PromptTemplate: "p", DependsOn: []string{"a"}},
			},
			nil,
			"CYCLE_DETECTED",
		},
		{
			"too many stages",
			linearStages(4),
			[]WorkflowOption{WithWorkflowLimits(WorkflowConfig{
				MaxStages:           3,
				MaxDependencyDepth:  20,
				StageDefaultTimeout: DefaultConfig().Workflow.StageDefaultTimeout,
				Approval:            DefaultConfig().Workflow.Approval,
			})},
			"TOO_MANY_STAGES",
		},
		{
			"dependency chain too deep",
			linearStages(4), // depth 3
			[]WorkflowOption{WithWorkflowLimits(WorkflowConfig{
				MaxStages:           100,
				MaxDependencyDepth:  2,
				StageDefaultTimeout: DefaultConfig().Workflow.StageDefaultTimeout,
				Approval:            DefaultConfig().Workflow.Approval,
			})},
			"DEPTH_EXCEEDED",
		},
	}
	for _, tt := range tests {
		_, err := NewWorkflow("wf", tt.stages, tt.opts...)
		if err == nil {
			t.Errorf("%s: NewWorkflow = nil error, want rejection", tt.name)
			continue
		}
		se := Classify(err)
		if se.Category != CategoryConfig {
			t.Errorf("%s: category = %s, want config_error", tt.name, se.Category)
		}
		if se.Code != tt.wantCode {
			t.Errorf("%s: code = %s, want %s", tt.name, se.Code, tt.wantCode)
		}
	}
}

func TestNewWorkflowDepthAtLimitAccepted(t *testing.T) {
	limits := DefaultConfig().Workflow
	limits.MaxDependencyDepth = 3
	if _, err := NewWorkflow("wf", linearStages(4), WithWorkflowLimits(limits)); err != nil {
		t.Errorf("depth exactly at the limit rejected: %v", err)
	}
}

func TestStageStatusTransitions(t *testing.T) {
	tests := []struct {
		from StageStatus
		to   StageStatus
		want bool
	}{
		{StagePending, StageReady, true},
		{StagePending, StageCancelled, true},
		{StageReady, StageRunning, true},
		{StageRunning, StageSucceeded, true},
		{StageRunning, StageFailed, true},
		{StageRunning, StageAwaitingApproval, true},
		{StageAwaitingApproval, StageSucceeded, true},
		{StageAwaitingApproval, StageFailed, true},
		{StagePending, StageRunning, false},
		{StagePending, StageSucceeded, false},
		{StageSucceeded, StageFailed, false},
		{StageFailed, StageRunning, false},
		{StageCancelled, StageReady, false},
		{StageSkipped, StageRunning, false},
		{StageAwaitingApproval, StageRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStageStatusIsTerminal(t *testing.T) {
	terminal := []StageStatus{StageSucceeded, StageFailed, StageCancelled, StageSkipped}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
	for _, s := range []StageStatus{StagePending, StageReady, StageRunning, StageAwaitingApproval} {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestWorkflowSucceeded(t *testing.T) {
	tests := []struct {
		name    string
		results []StageResult
		want    bool
	}{
		{"all succeeded", []StageResult{{Status: StageSucceeded}, {Status: StageSucceeded}}, true},
		{"skipped counts as success", []StageResult{{Status: StageSucceeded}, {Status: StageSkipped}}, true},
		{"one failed", []StageResult{{Status: StageSucceeded}, {Status: StageFailed}}, false},
		{"one cancelled", []StageResult{{Status: StageSucceeded}, {Status: StageCancelled}}, false},
		{"empty", nil, true},
	}
	for _, tt := range tests {
		if got := WorkflowSucceeded(tt.results); got != tt.want {
			t.Errorf("%s: WorkflowSucceeded = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWorkflowPoolSize(t *testing.T) {
	tests := []struct {
		name string
		par  ParallelismConfig
		want int
	}{
		{"batch cap wins", ParallelismConfig{MaxThreads: 8, MaxTasksPerBatch: 3}, 3},
		{"thread cap wins", ParallelismConfig{MaxThreads: 2, MaxTasksPerBatch: 10}, 2},
		{"floor of one", ParallelismConfig{MaxThreads: 1, MaxTasksPerBatch: 0}, 1},
	}
	for _, tt := range tests {
		w, err := NewWorkflow("wf", linearStages(1), WithWorkflowParallelism(tt.par))
		if err != nil {
			t.Fatal(err)
		}
		if got := w.poolSize(); got != tt.want {
			t.Errorf("%s: poolSize() = %d, want %d", tt.name, got, tt.want)
		}
	}
}
