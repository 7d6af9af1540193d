package conductor

import (
	"encoding/json"
	"time"
)

// --- Memory records ---

// EntryKind labels a memory entry with the turn type that produced it.
type EntryKind string

const (
	EntryUserTurn   EntryKind = "user_turn"
	EntryAgentTurn  EntryKind = "agent_turn"
	EntryToolCall   EntryKind = "tool_call"
	EntryToolResult EntryKind = "tool_result"
	EntrySystem     EntryKind = "system"
)

// MemoryEntry is one immutable record in a per-(workflow, agent) log.
// Seq is assigned by the store: strictly increasing, gap-free, 1-based.
type MemoryEntry struct {
	WorkflowID string    `json:"workflow_id"`
	AgentName  string    `json:"agent_name"`
	Seq        uint64    `json:"seq"`
	Kind       EntryKind `json:"kind"`
	Content    string    `json:"content"`
	CreatedAt  int64     `json:"created_at"`
}

// --- Stages ---

// AgentSpec names the worker bound to a stage.
type AgentSpec struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	ProviderRef  string `json:"provider_ref,omitempty"`
	ToolsEnabled bool   `json:"tools_enabled,omitempty"`
}

// Stage is one node of a workflow DAG. Immutable after planning.
type Stage struct {
	ID               string
	Name             string
	PromptTemplate   string
	DependsOn        []string
	Timeout          time.Duration // 0 = engine default
	RetryBudget      int           // extra attempts for the stage itself, 0 = none
	ApprovalRequired bool
	ApprovalTimeout  time.Duration // 0 = engine default, capped at the configured max
	ReviewTemplate   string // optional reviewer prompt, rendered with ${output}
	Agent            AgentSpec
}

// StageSpec is the planner's wire form of a stage.
type StageSpec struct {
	Name      string   `json:"name"`
	Prompt    string   `json:"prompt"`
	DependsOn []string `json:"depends_on,omitempty"`
	Agent     string   `json:"agent,omitempty"`
}

// --- Stage lifecycle ---

// StageStatus is the lifecycle state of a stage. Transitions are monotone:
// once terminal, a stage never changes again.
type StageStatus string

const (
	StagePending          StageStatus = "pending"
	StageReady            StageStatus = "ready"
	StageRunning          StageStatus = "running"
	StageAwaitingApproval StageStatus = "awaiting_approval"
	StageSucceeded        StageStatus = "succeeded"
	StageFailed           StageStatus = "failed"
	StageCancelled        StageStatus = "cancelled"
	StageSkipped          StageStatus = "skipped"
)

// stageTransitions encodes the legal edges of the stage state machine.
var stageTransitions = map[StageStatus][]StageStatus{
	StagePending:          {StageReady, StageCancelled, StageSkipped},
	StageReady:            {StageRunning, StageCancelled, StageSkipped},
	StageRunning:          {StageAwaitingApproval, StageSucceeded, StageFailed},
	StageAwaitingApproval: {StageSucceeded, StageFailed},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s StageStatus) CanTransition(next StageStatus) bool {
	for _, t := range stageTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageSucceeded, StageFailed, StageCancelled, StageSkipped:
		return true
	}
	return false
}

// StageResult is the per-stage outcome returned to callers. Failures carry
// the structured error; partial success is never hidden.
type StageResult struct {
	StageID          string           `json:"stage_id"`
	Name             string           `json:"name"`
	Status           StageStatus      `json:"status"`
	Output           string           `json:"output,omitempty"`
	Review           string           `json:"review,omitempty"`
	StartedAt        time.Time        `json:"started_at,omitzero"`
	FinishedAt       time.Time        `json:"finished_at,omitzero"`
	Duration         time.Duration    `json:"duration"`
	Error            *StructuredError `json:"error,omitempty"`
	ApprovalFeedback string           `json:"approval_feedback,omitempty"`
}

// --- Tool records ---

// ToolCall is the single structured action parsed from a model response.
// Arguments may be a JSON string or object; RawMessage preserves either form.
type ToolCall struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of one tool invocation. Failures are carried as
// values so an agent can observe and react; tools never abort a stage.
type ToolResult struct {
	Tool     string           `json:"tool"`
	OK       bool             `json:"ok"`
	Output   string           `json:"output,omitempty"`
	Error    *StructuredError `json:"error,omitempty"`
	Duration time.Duration    `json:"duration"`
}

// --- Provider records ---

// ProviderInfo identifies a provider for routing and metrics. Name is
// normalized (see NormalizeName); Model is the raw model string for payloads.
type ProviderInfo struct {
	Name  string
	Model string
}

// ProviderCall is a transient record of one attempt against a provider.
type ProviderCall struct {
	ProviderName string
	Model        string
	Prompt       string
	StartedAt    time.Time
	Attempt      int
	MaxAttempts  int
}

// --- Agent results ---

// ExecutionResult is the outcome of one agent execution.
type ExecutionResult struct {
	Success  bool             `json:"success"`
	Output   string           `json:"output,omitempty"`
	Error    *StructuredError `json:"error,omitempty"`
	Duration time.Duration    `json:"duration"`
	ToolUsed string           `json:"tool_used,omitempty"`
}
