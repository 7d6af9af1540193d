package conductor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// resultByName indexes run results for assertions.
func resultByName(results []StageResult) map[string]StageResult {
	out := make(map[string]StageResult, len(results))
	for _, r := range results {
		out[r.Name] = r
	}
	return out
}

// runWorkflow builds a workflow with one default agent over provider and
// runs it.
func runWorkflow(t *testing.T, stages []Stage, provider Provider, opts ...WorkflowOption) []StageResult {
	t.Helper()
	store := NewInMemoryStore()
	agent := NewAgent("worker", provider, store, "wf")
	opts = append([]WorkflowOption{
		WithWorkflowStore(store),
		WithWorkflowDefaultAgent(agent),
	}, opts...)
	w, err := NewWorkflow("wf", stages, opts...)
	if err != nil {
		t.Fatalf("NewWorkflow error = %v", err)
	}
	results, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	return results
}

func TestRunSingleStage(t *testing.T) {
	provider := newFakeProvider("worker", "done")
	results := runWorkflow(t, []Stage{{Name: "only", PromptTemplate: "go"}}, provider)

	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	r := results[0]
	if r.Status != StageSucceeded {
		t.Fatalf("status = %s, want succeeded (error: %v)", r.Status, r.Error)
	}
	if r.Output != "done" {
		t.Errorf("output = %q, want done", r.Output)
	}
	if r.Duration < 0 {
		t.Errorf("duration = %s, want non-negative", r.Duration)
	}
	if !WorkflowSucceeded(results) {
		t.Error("WorkflowSucceeded = false")
	}
}

func TestRunLinearChainPassesOutputs(t *testing.T) {
	provider := newFakeProvider("worker", "alpha", "beta")
	stages := []Stage{
		{Name: "first", PromptTemplate: "start"},
		{Name: "second", PromptTemplate: "continue from: ${first.output}", DependsOn: []string{"first"}},
	}
	results := runWorkflow(t, stages, provider)
	byName := resultByName(results)

	if byName["second"].Status != StageSucceeded {
		t.Fatalf("second status = %s (error: %v)", byName["second"].Status, byName["second"].Error)
	}
	if byName["second"].Output != "beta" {
		t.Errorf("second output = %q, want beta", byName["second"].Output)
	}
	// The second provider call saw the first stage's output substituted in.
	if got := provider.prompts[1]; got != "continue from: alpha" {
		t.Errorf("second prompt = %q, want the upstream output substituted", got)
	}
}

func TestRunBareStageReferenceResolves(t *testing.T) {
	provider := newFakeProvider("worker", "alpha", "beta")
	stages := []Stage{
		{Name: "first", PromptTemplate: "start"},
		{Name: "second", PromptTemplate: "${first}", DependsOn: []string{"first"}},
	}
	runWorkflow(t, stages, provider)
	if got := provider.prompts[1]; got != "alpha" {
		t.Errorf("second prompt = %q, want the bare reference resolved", got)
	}
}

func TestRunWorkflowVarsSubstituted(t *testing.T) {
	provider := newFakeProvider("worker", "ok")
	stages := []Stage{{Name: "only", PromptTemplate: "audience: ${audience}"}}
	runWorkflow(t, stages, provider, WithWorkflowVars(map[string]string{"audience": "engineers"}))
	if got := provider.lastPrompt(); got != "audience: engineers" {
		t.Errorf("prompt = %q, want the workflow var substituted", got)
	}
}

// overlapProvider reports the maximum number of concurrent Generate calls.
type overlapProvider struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (p *overlapProvider) Generate(ctx context.Context, _ string) (string, error) {
	p.mu.Lock()
	p.current++
	if p.current > p.peak {
		p.peak = p.current
	}
	p.mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	p.mu.Lock()
	p.current--
	p.mu.Unlock()
	return "ok", nil
}

func (p *overlapProvider) Info() ProviderInfo {
	return ProviderInfo{Name: "overlap", Model: "fake-model"}
}

func TestRunIndependentStagesOverlap(t *testing.T) {
	provider := &overlapProvider{}
	stages := []Stage{
		{Name: "left", PromptTemplate: "p"},
		{Name: "right", PromptTemplate: "p"},
	}
	par := DefaultConfig().Parallelism
	par.MaxThreads = 4
	results := runWorkflow(t, stages, provider, WithWorkflowParallelism(par))

	if !WorkflowSucceeded(results) {
		t.Fatalf("results = %+v", results)
	}
	if provider.peak < 2 {
		t.Errorf("peak concurrency = %d, want 2: independent stages must overlap", provider.peak)
	}
}

func TestRunParallelismDisabledIsSequential(t *testing.T) {
	provider := &overlapProvider{}
	stages := []Stage{
		{Name: "left", PromptTemplate: "p"},
		{Name: "right", PromptTemplate: "p"},
	}
	par := DefaultConfig().Parallelism
	par.Enabled = false
	results := runWorkflow(t, stages, provider, WithWorkflowParallelism(par))

	if !WorkflowSucceeded(results) {
		t.Fatalf("results = %+v", results)
	}
	if provider.peak != 1 {
		t.Errorf("peak concurrency = %d, want 1 with parallelism disabled", provider.peak)
	}
}

func TestRunPoolBoundsConcurrency(t *testing.T) {
	provider := &overlapProvider{}
	stages := []Stage{
		{Name: "a", PromptTemplate: "p"},
		{Name: "b", PromptTemplate: "p"},
		{Name: "c", PromptTemplate: "p"},
		{Name: "d", PromptTemplate: "p"},
	}
	par := DefaultConfig().Parallelism
	par.MaxThreads = 2
	par.MaxTasksPerBatch = 2
	results := runWorkflow(t, stages, provider, WithWorkflowParallelism(par))

	if !WorkflowSucceeded(results) {
		t.Fatalf("results = %+v", results)
	}
	if provider.peak > 2 {
		t.Errorf("peak concurrency = %d, want at most the pool size 2", provider.peak)
	}
}

func TestRunFailureCascadesToDependents(t *testing.T) {
	store := NewInMemoryStore()
	okAgent := NewAgent("worker", newFakeProvider("worker", "fine"), store, "wf")
	badAgent := NewAgent("breaker", &failNTimesProvider{
		name: "bad", n: 100, err: &ErrHTTP{Status: 401}, text: "never",
	}, store, "wf")

	stages := []Stage{
		{Name: "doomed", PromptTemplate: "p", Agent: AgentSpec{Name: "breaker"}},
		{Name: "child", PromptTemplate: "p", DependsOn: []string{"doomed"}},
		{Name: "grandchild", PromptTemplate: "p", DependsOn: []string{"child"}},
		{Name: "bystander", PromptTemplate: "p"},
	}
	w, err := NewWorkflow("wf", stages,
		WithWorkflowStore(store),
		WithWorkflowDefaultAgent(okAgent),
		WithWorkflowAgent(badAgent),
	)
	if err != nil {
		t.Fatal(err)
	}
	results, err := w.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	byName := resultByName(results)

	if byName["doomed"].Status != StageFailed {
		t.Errorf("doomed status = %s, want failed", byName["doomed"].Status)
	}
	if byName["doomed"].Error == nil || byName["doomed"].Error.Category != CategoryAuth {
		t.Errorf("doomed error = %v, want the auth failure", byName["doomed"].Error)
	}
	for _, name := range []string{"child", "grandchild"} {
		r := byName[name]
		if r.Status != StageCancelled {
			t.Errorf("%s status = %s, want cancelled", name, r.Status)
		}
		if r.Error == nil || r.Error.Code != "UPSTREAM_FAILED" {
			t.Errorf("%s error = %v, want UPSTREAM_FAILED", name, r.Error)
		}
	}
	if byName["bystander"].Status != StageSucceeded {
		t.Errorf("bystander status = %s, want succeeded: independent work continues", byName["bystander"].Status)
	}
	if WorkflowSucceeded(results) {
		t.Error("WorkflowSucceeded = true despite a failed stage")
	}
}

func TestRunStageRetryBudget(t *testing.T) {
	provider := &failNTimesProvider{name: "flaky", n: 2, err: &ErrHTTP{Status: 503}, text: "recovered"}
	stages := []Stage{{Name: "flaky", PromptTemplate: "p", RetryBudget: 2}}
	results := runWorkflow(t, stages, provider)

	if results[0].Status != StageSucceeded {
		t.Fatalf("status = %s (error: %v), want succeeded after retries", results[0].Status, results[0].Error)
	}
	if results[0].Output != "recovered" {
		t.Errorf("output = %q, want recovered", results[0].Output)
	}
	if provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", provider.callCount())
	}
}

func TestRunStageRetryBudgetExhausted(t *testing.T) {
	provider := &failNTimesProvider{name: "flaky", n: 100, err: &ErrHTTP{Status: 503}, text: "never"}
	stages := []Stage{{Name: "flaky", PromptTemplate: "p", RetryBudget: 1}}
	results := runWorkflow(t, stages, provider)

	if results[0].Status != StageFailed {
		t.Fatalf("status = %s, want failed", results[0].Status)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2 (1 + budget)", provider.callCount())
	}
}

func TestRunStageRetryBudgetSkipsNonRetryable(t *testing.T) {
	provider := &failNTimesProvider{name: "auth-broken", n: 100, err: &ErrHTTP{Status: 401}, text: "never"}
	stages := []Stage{{Name: "s", PromptTemplate: "p", RetryBudget: 3}}
	results := runWorkflow(t, stages, provider)

	if results[0].Status != StageFailed {
		t.Fatalf("status = %s, want failed", results[0].Status)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1: the budget covers retryable failures only", provider.callCount())
	}
}

func TestRunStageTimeout(t *testing.T) {
	provider := &slowProvider{name: "slow", delay: time.Minute, text: "never"}
	stages := []Stage{{Name: "slow", PromptTemplate: "p", Timeout: 30 * time.Millisecond}}
	results := runWorkflow(t, stages, provider)

	r := results[0]
	if r.Status != StageFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if r.Error == nil || r.Error.Code != "STAGE_TIMEOUT" {
		t.Errorf("error = %v, want STAGE_TIMEOUT", r.Error)
	}
	if r.Error.Category != CategoryTimeout {
		t.Errorf("category = %s, want timeout", r.Error.Category)
	}
}

func TestRunApprovalAccepted(t *testing.T) {
	provider := newFakeProvider("worker", "the draft")
	stages := []Stage{{Name: "gated", PromptTemplate: "p", ApprovalRequired: true}}
	results := runWorkflow(t, stages, provider,
		WithWorkflowApproval(AutoApprove{Feedback: "approved by policy"}))

	r := results[0]
	if r.Status != StageSucceeded {
		t.Fatalf("status = %s (error: %v), want succeeded", r.Status, r.Error)
	}
	if r.ApprovalFeedback != "approved by policy" {
		t.Errorf("ApprovalFeedback = %q, want the approver's feedback", r.ApprovalFeedback)
	}
}

func TestRunApprovalRejected(t *testing.T) {
	provider := newFakeProvider("worker", "the draft")
	reject := ApprovalFunc(func(context.Context, ApprovalRequest) (ApprovalDecision, error) {
		return ApprovalDecision{Approved: false, Feedback: "not good enough"}, nil
	})
	stages := []Stage{{Name: "gated", PromptTemplate: "p", ApprovalRequired: true}}
	results := runWorkflow(t, stages, provider, WithWorkflowApproval(reject))

	r := results[0]
	if r.Status != StageFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if r.Error == nil || r.Error.Code != "APPROVAL_REJECTED" {
		t.Errorf("error = %v, want APPROVAL_REJECTED", r.Error)
	}
	if got := r.Error.Metadata["feedback"]; got != "not good enough" {
		t.Errorf("feedback metadata = %v, want the approver's reason", got)
	}
}

func TestRunApprovalTimeout(t *testing.T) {
	provider := newFakeProvider("worker", "the draft")
	stall := ApprovalFunc(func(ctx context.Context, _ ApprovalRequest) (ApprovalDecision, error) {
		<-ctx.Done()
		return ApprovalDecision{}, ctx.Err()
	})
	stages := []Stage{{
		Name: "gated", PromptTemplate: "p",
		ApprovalRequired: true, ApprovalTimeout: 30 * time.Millisecond,
	}}
	results := runWorkflow(t, stages, provider, WithWorkflowApproval(stall))

	r := results[0]
	if r.Status != StageFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if r.Error == nil || r.Error.Code != "APPROVAL_TIMEOUT" {
		t.Errorf("error = %v, want APPROVAL_TIMEOUT", r.Error)
	}
}

func TestRunApprovalWithoutHandlerFails(t *testing.T) {
	provider := newFakeProvider("worker", "the draft")
	stages := []Stage{{Name: "gated", PromptTemplate: "p", ApprovalRequired: true}}
	results := runWorkflow(t, stages, provider)

	r := results[0]
	if r.Status != StageFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if r.Error == nil || r.Error.Code != "APPROVAL_SINK_MISSING" {
		t.Errorf("error = %v, want APPROVAL_SINK_MISSING", r.Error)
	}
}

func TestRunApprovalRequestCarriesStageOutput(t *testing.T) {
	provider := newFakeProvider("worker", "the draft")
	var seen ApprovalRequest
	capture := ApprovalFunc(func(_ context.Context, req ApprovalRequest) (ApprovalDecision, error) {
		seen = req
		return ApprovalDecision{Approved: true}, nil
	})
	stages := []Stage{{Name: "gated", PromptTemplate: "p", ApprovalRequired: true}}
	runWorkflow(t, stages, provider, WithWorkflowApproval(capture))

	if seen.Output != "the draft" {
		t.Errorf("request output = %q, want the stage output", seen.Output)
	}
	if seen.WorkflowID != "wf" || seen.StageName != "gated" {
		t.Errorf("request identity = (%q, %q), want (wf, gated)", seen.WorkflowID, seen.StageName)
	}
	if seen.Deadline.IsZero() {
		t.Error("request deadline is zero")
	}
}

func TestRunReviewPass(t *testing.T) {
	provider := newFakeProvider("worker", "the draft", "reads well")
	stages := []Stage{{
		Name: "reviewed", PromptTemplate: "p",
		ReviewTemplate: "Assess this: ${output}",
	}}
	results := runWorkflow(t, stages, provider)

	r := results[0]
	if r.Status != StageSucceeded {
		t.Fatalf("status = %s (error: %v)", r.Status, r.Error)
	}
	if r.Review != "reads well" {
		t.Errorf("review = %q, want the reviewer response", r.Review)
	}
	if got := provider.prompts[1]; got != "Assess this: the draft" {
		t.Errorf("review prompt = %q, want the output substituted", got)
	}
}

func TestRunReviewFailureDoesNotFailStage(t *testing.T) {
	provider := newFakeProvider("worker", "the draft")
	provider.errs = []error{nil, &ErrHTTP{Status: 503}}
	stages := []Stage{{Name: "reviewed", PromptTemplate: "p", ReviewTemplate: "Assess: ${output}"}}
	results := runWorkflow(t, stages, provider)

	r := results[0]
	if r.Status != StageSucceeded {
		t.Fatalf("status = %s, want succeeded despite the review failure", r.Status)
	}
	if r.Review != "" {
		t.Errorf("review = %q, want empty", r.Review)
	}
}

func TestRunUnboundAgentFailsStage(t *testing.T) {
	store := NewInMemoryStore()
	stages := []Stage{{Name: "orphan", PromptTemplate: "p"}}
	w, err := NewWorkflow("wf", stages, WithWorkflowStore(store))
	if err != nil {
		t.Fatal(err)
	}
	results, err := w.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	r := results[0]
	if r.Status != StageFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if r.Error == nil || r.Error.Code != "AGENT_UNBOUND" {
		t.Errorf("error = %v, want AGENT_UNBOUND", r.Error)
	}
}

func TestRunBatchTimeoutFailsInFlightAndCancelsPending(t *testing.T) {
	provider := &slowProvider{name: "glacial", delay: time.Minute, text: "never"}
	stages := []Stage{
		{Name: "left", PromptTemplate: "p"},
		{Name: "right", PromptTemplate: "p"},
	}
	par := DefaultConfig().Parallelism
	par.MaxThreads = 4
	par.BatchTimeoutSeconds = 1
	results := runWorkflow(t, stages, provider, WithWorkflowParallelism(par))

	for _, r := range results {
		if !r.Status.IsTerminal() {
			t.Errorf("%s status = %s, want terminal", r.Name, r.Status)
		}
		if r.Error == nil || r.Error.Code != "BATCH_TIMEOUT" {
			t.Errorf("%s error = %v, want BATCH_TIMEOUT", r.Name, r.Error)
		}
	}
	if WorkflowSucceeded(results) {
		t.Error("WorkflowSucceeded = true after a batch expiry")
	}
}

func TestRunBatchTimeoutInterruptsSequentialStage(t *testing.T) {
	// With parallelism off the stage runs on the coordinator goroutine; the
	// batch clock must still cut it off mid-flight.
	provider := newFakeProvider("worker", "the draft")
	stall := ApprovalFunc(func(ctx context.Context, _ ApprovalRequest) (ApprovalDecision, error) {
		<-ctx.Done()
		return ApprovalDecision{}, ctx.Err()
	})
	stages := []Stage{{
		Name: "gated", PromptTemplate: "p",
		ApprovalRequired: true, ApprovalTimeout: 3 * time.Second,
	}}
	par := DefaultConfig().Parallelism
	par.Enabled = false
	par.BatchTimeoutSeconds = 1

	start := time.Now()
	results := runWorkflow(t, stages, provider,
		WithWorkflowParallelism(par), WithWorkflowApproval(stall))
	elapsed := time.Since(start)

	r := results[0]
	if r.Status != StageFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if r.Error == nil || r.Error.Code != "BATCH_TIMEOUT" {
		t.Errorf("error = %v, want BATCH_TIMEOUT, not the approval timeout", r.Error)
	}
	if elapsed >= 2500*time.Millisecond {
		t.Errorf("run took %s, want the batch clock to end it near 1s", elapsed)
	}
}

func TestRunDiamondOrdering(t *testing.T) {
	// The join stage sees both branch outputs.
	provider := newFakeProvider("worker", "root-out", "l", "r", "joined")
	stages := []Stage{
		{Name: "root", PromptTemplate: "start"},
		{Name: "left", PromptTemplate: "L ${root.output}", DependsOn: []string{"root"}},
		{Name: "right", PromptTemplate: "R ${root.output}", DependsOn: []string{"root"}},
		{Name: "join", PromptTemplate: "${left.output}+${right.output}", DependsOn: []string{"left", "right"}},
	}
	par := DefaultConfig().Parallelism
	par.Enabled = false // deterministic call order for the scripted provider
	results := runWorkflow(t, stages, provider, WithWorkflowParallelism(par))

	if !WorkflowSucceeded(results) {
		t.Fatalf("results = %+v", results)
	}
	joinPrompt := provider.prompts[3]
	if !strings.Contains(joinPrompt, "l") || !strings.Contains(joinPrompt, "r") {
		t.Errorf("join prompt = %q, want both branch outputs", joinPrompt)
	}
	if joinPrompt != "l+r" {
		t.Errorf("join prompt = %q, want l+r", joinPrompt)
	}
}

func TestRunResultsInPlannerOrder(t *testing.T) {
	provider := newFakeProvider("worker", "x")
	stages := []Stage{
		{Name: "c", PromptTemplate: "p"},
		{Name: "a", PromptTemplate: "p"},
		{Name: "b", PromptTemplate: "p"},
	}
	par := DefaultConfig().Parallelism
	par.Enabled = false
	results := runWorkflow(t, stages, provider, WithWorkflowParallelism(par))

	want := []string{"c", "a", "b"}
	for i, r := range results {
		if r.Name != want[i] {
			t.Errorf("results[%d] = %s, want %s", i, r.Name, want[i])
		}
	}
}
