package conductor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// runState tracks per-stage results during one Run. Transitions are checked
// against the stage state machine; an illegal edge is a bug and is dropped
// with an error log rather than corrupting a terminal status.
type runState struct {
	mu            sync.Mutex
	results       map[string]*StageResult
	batchTimedOut atomic.Bool
	logger        *slog.Logger
}

func newRunState(w *Workflow) *runState {
	st := &runState{results: make(map[string]*StageResult, len(w.stages)), logger: w.logger}
	for _, s := range w.stages {
		st.results[s.Name] = &StageResult{StageID: s.ID, Name: s.Name, Status: StagePending}
	}
	return st
}

// transition moves a stage along a legal edge. Returns false when the edge
// is illegal (the stage is already terminal).
func (st *runState) transition(name string, next StageStatus) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	r := st.results[name]
	if !r.Status.CanTransition(next) {
		st.logger.Error("illegal stage transition dropped", "stage", name, "from", r.Status, "to", next)
		return false
	}
	r.Status = next
	if next == StageRunning {
		r.StartedAt = time.Now()
	}
	if next.IsTerminal() {
		st.finishLocked(r)
	}
	return true
}

func (st *runState) finishLocked(r *StageResult) {
	r.FinishedAt = time.Now()
	if !r.StartedAt.IsZero() {
		r.Duration = r.FinishedAt.Sub(r.StartedAt)
	}
}

func (st *runState) fail(name string, se *StructuredError) {
	st.mu.Lock()
	defer st.mu.Unlock()
	r := st.results[name]
	if r.Status.IsTerminal() {
		return
	}
	r.Status = StageFailed
	r.Error = se
	st.finishLocked(r)
}

func (st *runState) succeed(name, output, review, feedback string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	r := st.results[name]
	if r.Status.IsTerminal() {
		return
	}
	r.Status = StageSucceeded
	r.Output = output
	r.Review = review
	r.ApprovalFeedback = feedback
	st.finishLocked(r)
}

// cancelStage marks a never-started stage Cancelled.
func (st *runState) cancelStage(name string, se *StructuredError) {
	st.mu.Lock()
	defer st.mu.Unlock()
	r := st.results[name]
	if r.Status.IsTerminal() {
		return
	}
	r.Status = StageCancelled
	r.Error = se
	st.finishLocked(r)
}

func (st *runState) status(name string) StageStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.results[name].Status
}

func (st *runState) snapshot(order []Stage) []StageResult {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]StageResult, len(order))
	for i, s := range order {
		out[i] = *st.results[s.Name]
	}
	return out
}

// Run executes the DAG to completion and returns per-stage results in
// planner order. The returned error is non-nil only for engine-level
// failures; per-stage outcomes, including failures and cancellations, are
// carried in the results so no partial success is hidden.
func (w *Workflow) Run(ctx context.Context) ([]StageResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var span Span
	if w.tracer != nil {
		ctx, span = w.tracer.Start(ctx, "workflow.run",
			StringAttr("workflow.id", w.id),
			IntAttr("stage_count", len(w.stages)))
		defer span.End()
	}

	st := newRunState(w)
	w.runDAG(ctx, st, cancel)

	results := st.snapshot(w.stages)
	if span != nil {
		if WorkflowSucceeded(results) {
			span.SetAttr(StringAttr("workflow.status", "succeeded"))
		} else {
			span.SetAttr(StringAttr("workflow.status", "failed"))
		}
	}
	w.logger.Info("workflow finished", "workflow", w.id, "succeeded", WorkflowSucceeded(results))
	return results, nil
}

// runDAG is the reactive coordinator: each stage completion immediately
// unblocks dependents instead of waiting for a whole wave to drain. All
// bookkeeping maps are touched only from this goroutine; workers communicate
// through the done channel.
func (w *Workflow) runDAG(ctx context.Context, st *runState, cancel context.CancelFunc) {
	launched := make(map[string]bool, len(w.stages))
	finished := make(map[string]bool, len(w.stages))
	done := make(chan string, len(w.stages))
	inflight := 0
	sem := semaphore.NewWeighted(int64(w.poolSize()))

	// The batch clock starts at first dispatch.
	var batchDeadline time.Time

	// cascade marks every transitive dependent of a failed or cancelled
	// stage Cancelled without execution. Recursion depth is bounded by the
	// validated DAG depth.
	var cascade func(name string)
	cascade = func(name string) {
		for _, dep := range w.dependents[name] {
			if launched[dep] || finished[dep] {
				continue
			}
			st.cancelStage(dep, Errorf(CategoryInternal, "UPSTREAM_FAILED",
				"upstream stage %q did not succeed", name))
			launched[dep] = true
			finished[dep] = true
			w.logger.Info("stage cancelled", "workflow", w.id, "stage", dep, "upstream", name)
			cascade(dep)
		}
	}

	finish := func(name string) {
		finished[name] = true
		if s := st.status(name); s == StageFailed || s == StageCancelled {
			cascade(name)
		}
	}

	expireBatch := func() {
		st.batchTimedOut.Store(true)
		cancel()
		w.logger.Warn("batch timeout expired", "workflow", w.id)
		for inflight > 0 {
			finish(<-done)
			inflight--
		}
	}

	for {
		ready := w.readyStages(st, launched, finished)
		if len(ready) == 0 && inflight == 0 {
			break
		}
		if batchDeadline.IsZero() && len(ready) > 0 {
			batchDeadline = time.Now().Add(time.Duration(w.par.BatchTimeoutSeconds) * time.Second)
		}
		if st.batchTimedOut.Load() {
			break
		}

		if len(ready) > 0 {
			if w.parallelGate(ready) {
				for _, name := range ready {
					name := name
					launched[name] = true
					inflight++
					go func() {
						// Ready stages beyond the pool wait here in FIFO order.
						if err := sem.Acquire(ctx, 1); err != nil {
							st.cancelStage(name, Classify(err))
							done <- name
							return
						}
						defer sem.Release(1)
						w.executeStage(ctx, w.byName[name], st)
						done <- name
					}()
				}
			} else if inflight == 0 {
				// Sequential path: one stage at a time in planner order.
				name := ready[0]
				launched[name] = true
				if time.Now().After(batchDeadline) {
					st.batchTimedOut.Store(true)
					cancel()
					finished[name] = true
					continue
				}
				// The synchronous call must not outlive the batch clock: the
				// watchdog interrupts the stage mid-flight at the deadline.
				watchdog := time.AfterFunc(time.Until(batchDeadline), func() {
					st.batchTimedOut.Store(true)
					cancel()
					w.logger.Warn("batch timeout expired", "workflow", w.id)
				})
				w.executeStage(ctx, w.byName[name], st)
				watchdog.Stop()
				finish(name)
				continue
			}
			// Gate rejected while stages are in flight: wait for a
			// completion before dispatching sequentially.
		}

		if inflight == 0 {
			continue
		}
		select {
		case name := <-done:
			inflight--
			finish(name)
		case <-time.After(time.Until(batchDeadline)):
			expireBatch()
		}
	}

	// Normalize statuses after a batch expiry: whatever was interrupted
	// mid-flight becomes a batch-timeout failure, the rest is cancelled.
	if st.batchTimedOut.Load() {
		st.mu.Lock()
		for _, r := range st.results {
			switch r.Status {
			case StageRunning, StageAwaitingApproval:
				r.Status = StageFailed
				r.Error = Errorf(CategoryTimeout, "BATCH_TIMEOUT",
					"workflow %q exceeded the batch timeout", w.id)
				st.finishLocked(r)
			case StagePending, StageReady:
				r.Status = StageCancelled
				r.Error = NewError(CategoryTimeout, "BATCH_TIMEOUT", "batch timeout expired before dispatch")
				st.finishLocked(r)
			}
		}
		st.mu.Unlock()
	}
}

// readyStages returns, in planner order, every stage not yet dispatched
// whose dependencies all ended Succeeded or Skipped.
func (w *Workflow) readyStages(st *runState, launched, finished map[string]bool) []string {
	var ready []string
	for _, s := range w.stages {
		if launched[s.Name] || finished[s.Name] {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			switch st.status(dep) {
			case StageSucceeded, StageSkipped:
			default:
				ok = false
			}
		}
		if ok {
			ready = append(ready, s.Name)
		}
	}
	return ready
}

// parallelGate decides whether a ready set is dispatched concurrently:
// parallelism must be enabled, the pool must be wider than one worker, the
// set must reach the minimum task count, and the independent fraction of the
// set must reach the threshold. A ready stage counts as independent when no
// other ready stage shares a direct dependency with it.
func (w *Workflow) parallelGate(ready []string) bool {
	if !w.par.Enabled || w.poolSize() < 2 {
		return false
	}
	minTasks := w.par.MinTasksForParallelExecution
	if minTasks < 1 {
		minTasks = 1
	}
	if len(ready) < minTasks {
		return false
	}

	depUsers := make(map[string]int)
	for _, name := range ready {
		for _, dep := range w.byName[name].DependsOn {
			depUsers[dep]++
		}
	}
	independent := 0
	for _, name := range ready {
		shared := false
		for _, dep := range w.byName[name].DependsOn {
			if depUsers[dep] > 1 {
				shared = true
				break
			}
		}
		if !shared {
			independent++
		}
	}
	frac := float64(independent) / float64(len(ready))
	return frac >= w.par.ParallelismThreshold
}

// executeStage runs one stage end to end: agent resolution, prompt
// resolution, the agent call under the stage timeout with the stage's retry
// budget, the approval gate, and the optional review pass.
func (w *Workflow) executeStage(ctx context.Context, s *Stage, st *runState) {
	var span Span
	if w.tracer != nil {
		ctx, span = w.tracer.Start(ctx, "workflow.stage",
			StringAttr("stage.name", s.Name),
			StringAttr("workflow.id", w.id))
		defer span.End()
	}

	st.transition(s.Name, StageReady)
	if !st.transition(s.Name, StageRunning) {
		return
	}
	w.logger.Info("stage started", "workflow", w.id, "stage", s.Name)

	fail := func(se *StructuredError) {
		if st.batchTimedOut.Load() {
			se = Errorf(CategoryTimeout, "BATCH_TIMEOUT", "workflow %q exceeded the batch timeout", w.id)
		}
		st.fail(s.Name, se)
		w.logger.Error("stage failed", "workflow", w.id, "stage", s.Name, "category", se.Category, "code", se.Code)
		if span != nil {
			span.Error(se)
		}
	}

	agent := w.agentFor(s)
	if agent == nil {
		fail(Errorf(CategoryConfig, "AGENT_UNBOUND", "no agent bound for stage %q", s.Name))
		return
	}

	prompt, err := w.resolvePrompt(ctx, s)
	if err != nil {
		fail(Classify(err))
		return
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = w.limits.StageDefaultTimeout.Duration()
	}
	stageCtx, cancelStage := context.WithTimeout(ctx, timeout)
	defer cancelStage()

	task := Task{Input: prompt, StageName: s.Name, WorkflowName: w.name, ArtifactKey: s.Name}
	res := w.runWithBudget(stageCtx, agent, task, s)
	if !res.Success {
		se := res.Error
		if se == nil {
			se = NewError(CategoryInternal, "AGENT_FAILED", "agent returned no output and no error")
		}
		if stageCtx.Err() != nil && ctx.Err() == nil {
			se = Errorf(CategoryTimeout, "STAGE_TIMEOUT", "stage %q exceeded %s", s.Name, timeout)
		}
		fail(se)
		return
	}

	feedback := ""
	if s.ApprovalRequired {
		decision, se := w.requestApproval(ctx, s, st, res.Output)
		if se != nil {
			fail(se)
			return
		}
		if !decision.Approved {
			se := Errorf(CategoryValidation, "APPROVAL_REJECTED", "stage %q was rejected", s.Name)
			if decision.Feedback != "" {
				se.WithMeta("feedback", decision.Feedback)
			}
			fail(se)
			return
		}
		feedback = decision.Feedback
	}

	review := w.reviewOutput(ctx, agent, s, res.Output)

	st.succeed(s.Name, res.Output, review, feedback)
	w.logger.Info("stage succeeded", "workflow", w.id, "stage", s.Name, "duration", res.Duration)
	if span != nil {
		span.SetAttr(StringAttr("stage.status", "succeeded"))
	}
}

// runWithBudget re-runs the agent on retryable failures until the stage's
// own retry budget is spent. The provider-level retry policy sits below
// this; the stage budget covers failures that survive it.
func (w *Workflow) runWithBudget(ctx context.Context, agent *Agent, task Task, s *Stage) ExecutionResult {
	attempts := 1 + s.RetryBudget
	var res ExecutionResult
	for attempt := 1; attempt <= attempts; attempt++ {
		res = agent.Execute(ctx, task)
		if res.Success || ctx.Err() != nil {
			return res
		}
		if attempt == attempts || res.Error == nil || !res.Error.Retryable {
			return res
		}
		w.logger.Warn("stage retrying", "workflow", w.id, "stage", s.Name,
			"attempt", attempt, "budget", s.RetryBudget, "error", res.Error)
	}
	return res
}

// resolvePrompt renders the stage template against the workflow vars plus
// every prior stage output, addressable both as ${stage} and ${stage.output}.
func (w *Workflow) resolvePrompt(ctx context.Context, s *Stage) (string, error) {
	artifacts, err := w.store.ListArtifacts(ctx, w.id)
	if err != nil {
		return "", WrapError(CategoryInternal, "ARTIFACT_READ_FAILED", err)
	}
	vars := make(map[string]string, len(w.vars)+2*len(artifacts))
	for k, v := range w.vars {
		vars[k] = v
	}
	for k, v := range artifacts {
		vars[k] = v
		vars[k+".output"] = v
	}
	return w.renderer.Render(s.PromptTemplate, vars), nil
}

// requestApproval publishes the stage output to the approval sink and blocks
// until a decision, the approval timeout, or run cancellation.
func (w *Workflow) requestApproval(ctx context.Context, s *Stage, st *runState, output string) (ApprovalDecision, *StructuredError) {
	if w.approval == nil {
		return ApprovalDecision{}, Errorf(CategoryConfig, "APPROVAL_SINK_MISSING",
			"stage %q requires approval but no approval handler is configured", s.Name)
	}
	if !st.transition(s.Name, StageAwaitingApproval) {
		return ApprovalDecision{}, NewError(CategoryInternal, "APPROVAL_STATE", "stage left the running state early")
	}

	timeout := s.ApprovalTimeout
	if timeout <= 0 {
		timeout = w.limits.Approval.DefaultTimeout.Duration()
	}
	if max := w.limits.Approval.MaxTimeout.Duration(); max > 0 && timeout > max {
		timeout = max
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	w.logger.Info("stage awaiting approval", "workflow", w.id, "stage", s.Name, "timeout", timeout)
	decision, err := w.approval.RequestApproval(reqCtx, ApprovalRequest{
		WorkflowID: w.id,
		StageID:    s.ID,
		StageName:  s.Name,
		Output:     output,
		Deadline:   time.Now().Add(timeout),
	})
	if err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return ApprovalDecision{}, Errorf(CategoryTimeout, "APPROVAL_TIMEOUT",
				"no approval decision for stage %q within %s", s.Name, timeout)
		}
		return ApprovalDecision{}, Classify(err)
	}
	return decision, nil
}

// reviewOutput runs the optional reviewer prompt against the agent's
// provider. Review failures are logged and never fail the stage.
func (w *Workflow) reviewOutput(ctx context.Context, agent *Agent, s *Stage, output string) string {
	if s.ReviewTemplate == "" {
		return ""
	}
	prompt := w.renderer.Render(s.ReviewTemplate, map[string]string{"output": output})
	review, err := agent.Provider().Generate(ctx, prompt)
	if err != nil {
		w.logger.Warn("review pass failed", "workflow", w.id, "stage", s.Name, "error", err)
		return ""
	}
	return review
}
