package conductor

import (
	"context"
	"time"
)

// ApprovalRequest describes a stage awaiting a human (or automated) decision.
type ApprovalRequest struct {
	// WorkflowID and StageName identify the gated stage.
	WorkflowID string
	StageID    string
	StageName  string
	// Output is the agent output the approver is deciding on.
	Output string
	// Deadline is when the request expires.
	Deadline time.Time
}

// ApprovalDecision is the approver's reply.
type ApprovalDecision struct {
	Approved bool
	// Feedback is recorded on the stage result as ApprovalFeedback.
	Feedback string
}

// ApprovalHandler delivers approval requests to a decision channel and blocks
// until a decision arrives or ctx is cancelled. Implementations bridge to the
// actual sink (chat, HTTP callback, queue). The engine enforces the approval
// timeout through ctx; a handler that outlives it fails the stage with
// timeout/APPROVAL_TIMEOUT.
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// ApprovalFunc adapts a function to the ApprovalHandler interface.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)

// RequestApproval implements ApprovalHandler.
func (f ApprovalFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	return f(ctx, req)
}

// AutoApprove accepts every request immediately with a fixed feedback string.
// Useful for tests and for workflows where the gate is informational.
type AutoApprove struct {
	Feedback string
}

// RequestApproval implements ApprovalHandler.
func (a AutoApprove) RequestApproval(context.Context, ApprovalRequest) (ApprovalDecision, error) {
	return ApprovalDecision{Approved: true, Feedback: a.Feedback}, nil
}

// PendingApproval is one outstanding request published by a
// ChanApprovalHandler. Exactly one of Accept or Reject should be called.
type PendingApproval struct {
	Request  ApprovalRequest
	decision chan ApprovalDecision
}

// Accept resolves the request as approved with feedback.
func (p *PendingApproval) Accept(feedback string) {
	p.decision <- ApprovalDecision{Approved: true, Feedback: feedback}
}

// Reject resolves the request as rejected with feedback.
func (p *PendingApproval) Reject(feedback string) {
	p.decision <- ApprovalDecision{Approved: false, Feedback: feedback}
}

// ChanApprovalHandler publishes requests onto a channel for an external
// consumer to resolve. The engine side blocks until the consumer calls
// Accept or Reject, or the approval deadline passes.
type ChanApprovalHandler struct {
	pending chan *PendingApproval
}

// NewChanApprovalHandler creates a handler with the given queue depth.
func NewChanApprovalHandler(buffer int) *ChanApprovalHandler {
	return &ChanApprovalHandler{pending: make(chan *PendingApproval, buffer)}
}

// Pending returns the channel consumers receive requests on.
func (h *ChanApprovalHandler) Pending() <-chan *PendingApproval {
	return h.pending
}

// RequestApproval implements ApprovalHandler.
func (h *ChanApprovalHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	p := &PendingApproval{Request: req, decision: make(chan ApprovalDecision, 1)}
	select {
	case h.pending <- p:
	case <-ctx.Done():
		return ApprovalDecision{}, ctx.Err()
	}
	select {
	case d := <-p.decision:
		return d, nil
	case <-ctx.Done():
		return ApprovalDecision{}, ctx.Err()
	}
}

// compile-time checks
var (
	_ ApprovalHandler = ApprovalFunc(nil)
	_ ApprovalHandler = AutoApprove{}
	_ ApprovalHandler = (*ChanApprovalHandler)(nil)
)
