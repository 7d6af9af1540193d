package conductor

import (
	"context"
	"strings"
	"testing"
)

func TestAgentExecutePlainResponse(t *testing.T) {
	store := NewInMemoryStore()
	provider := newFakeProvider("worker", "the answer")
	a := NewAgent("writer", provider, store, "wf-1")

	res := a.Execute(context.Background(), Task{Input: "question"})
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if res.Output != "the answer" {
		t.Errorf("Output = %q, want %q", res.Output, "the answer")
	}
	if res.ToolUsed != "" {
		t.Errorf("ToolUsed = %q, want empty", res.ToolUsed)
	}

	// Input and final turn are both on the record.
	entries, _ := store.Read(context.Background(), "wf-1", "writer", 0)
	if len(entries) != 2 {
		t.Fatalf("memory = %v, want a user turn and an agent turn", entries)
	}
	if entries[0].Kind != EntryUserTurn || entries[0].Content != "question" {
		t.Errorf("entry 0 = %+v, want the user turn", entries[0])
	}
	if entries[1].Kind != EntryAgentTurn || entries[1].Content != "the answer" {
		t.Errorf("entry 1 = %+v, want the agent turn", entries[1])
	}
}

func TestAgentExecuteRendersSystemPrompt(t *testing.T) {
	store := NewInMemoryStore()
	provider := newFakeProvider("worker", "ok")
	a := NewAgent("writer", provider, store, "wf-1",
		WithSystemPrompt("Role: {{role}}\nTask: {{prompt}}\nStage: {{stage_name}}"),
		WithAgentVars(map[string]string{"role": "editor"}),
	)

	a.Execute(context.Background(), Task{Input: "fix typos", StageName: "polish"})
	prompt := provider.lastPrompt()
	for _, want := range []string{"Role: editor", "Task: fix typos", "Stage: polish"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt %q missing %q", prompt, want)
		}
	}
}

func TestAgentExecuteTaskVarsWinOverAgentVars(t *testing.T) {
	store := NewInMemoryStore()
	provider := newFakeProvider("worker", "ok")
	a := NewAgent("writer", provider, store, "wf-1",
		WithSystemPrompt("${tone}"),
		WithAgentVars(map[string]string{"tone": "formal"}),
	)
	a.Execute(context.Background(), Task{Input: "x", Vars: map[string]string{"tone": "casual"}})
	if got := provider.lastPrompt(); got != "casual" {
		t.Errorf("prompt = %q, want the task-level value", got)
	}
}

func TestAgentExecuteIncludesMemoryWindow(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	for _, turn := range []string{"first", "second", "third"} {
		_, _ = store.Append(ctx, "wf-1", "writer", EntryAgentTurn, turn)
	}

	provider := newFakeProvider("worker", "ok")
	a := NewAgent("writer", provider, store, "wf-1",
		WithSystemPrompt("{{memory}}\n---\n{{prompt}}"),
		WithMemoryLimit(2),
	)
	a.Execute(ctx, Task{Input: "go"})
	prompt := provider.lastPrompt()
	if strings.Contains(prompt, "first") {
		t.Error("memory window of 2 included the oldest entry")
	}
	for _, want := range []string{"[agent_turn] second", "[agent_turn] third"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestAgentExecuteProviderFailure(t *testing.T) {
	store := NewInMemoryStore()
	provider := &failNTimesProvider{name: "worker", n: 1, err: &ErrHTTP{Status: 401}, text: "never"}
	a := NewAgent("writer", provider, store, "wf-1")

	res := a.Execute(context.Background(), Task{Input: "q"})
	if res.Success {
		t.Fatal("Execute succeeded despite provider failure")
	}
	if res.Error == nil || res.Error.Category != CategoryAuth {
		t.Errorf("Error = %v, want auth classification", res.Error)
	}

	entries, _ := store.Read(context.Background(), "wf-1", "writer", 0)
	if len(entries) != 2 || entries[0].Kind != EntryUserTurn || entries[1].Kind != EntrySystem {
		t.Fatalf("memory = %v, want a user turn then a system entry", entries)
	}
	if !strings.Contains(entries[1].Content, "provider failure") {
		t.Errorf("system entry = %q, want a provider failure note", entries[1].Content)
	}
}

func TestAgentExecuteDispatchesToolCall(t *testing.T) {
	store := NewInMemoryStore()
	reg := NewRegistry()
	_ = reg.Register(fakeTool{name: "lookup", output: "tool says hi"})

	provider := newFakeProvider("worker", toolCallJSON("lookup", "query"))
	a := NewAgent("writer", provider, store, "wf-1", WithTools(reg))

	res := a.Execute(context.Background(), Task{Input: "q"})
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if res.Output != "tool says hi" {
		t.Errorf("Output = %q, want the tool output", res.Output)
	}
	if res.ToolUsed != "lookup" {
		t.Errorf("ToolUsed = %q, want lookup", res.ToolUsed)
	}

	// Call, result, and final turn are all on the record.
	entries, _ := store.Read(context.Background(), "wf-1", "writer", 0)
	var kinds []EntryKind
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	want := []EntryKind{EntryUserTurn, EntryToolCall, EntryToolResult, EntryAgentTurn}
	if len(kinds) != len(want) {
		t.Fatalf("entry kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("entry %d kind = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestAgentExecuteUnknownToolFallsBackToText(t *testing.T) {
	store := NewInMemoryStore()
	reg := NewRegistry()
	_ = reg.Register(fakeTool{name: "known"})

	raw := toolCallJSON("mystery", "x")
	provider := newFakeProvider("worker", raw)
	a := NewAgent("writer", provider, store, "wf-1", WithTools(reg))

	res := a.Execute(context.Background(), Task{Input: "q"})
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if res.Output != raw {
		t.Errorf("Output = %q, want the raw model text", res.Output)
	}
	if res.ToolUsed != "mystery" {
		t.Errorf("ToolUsed = %q, want mystery", res.ToolUsed)
	}
}

func TestAgentExecuteToolFailureSurfacesInOutput(t *testing.T) {
	store := NewInMemoryStore()
	reg := NewRegistry()
	_ = reg.Register(failingTool{name: "broken"})

	provider := newFakeProvider("worker", toolCallJSON("broken", "x"))
	a := NewAgent("writer", provider, store, "wf-1", WithTools(reg))

	res := a.Execute(context.Background(), Task{Input: "q"})
	if !res.Success {
		t.Fatal("tool failure must not fail the execution")
	}
	if !strings.Contains(res.Output, "tool broken failed") {
		t.Errorf("Output = %q, want a tool failure note", res.Output)
	}
}

func TestAgentExecuteToolCallWithoutRegistryIsFinalText(t *testing.T) {
	store := NewInMemoryStore()
	raw := toolCallJSON("lookup", "q")
	provider := newFakeProvider("worker", raw)
	a := NewAgent("writer", provider, store, "wf-1")

	res := a.Execute(context.Background(), Task{Input: "q"})
	if res.Output != raw {
		t.Errorf("Output = %q, want the untouched model text", res.Output)
	}
	if res.ToolUsed != "" {
		t.Errorf("ToolUsed = %q, want empty", res.ToolUsed)
	}
}

func TestAgentExecuteToolFollowUp(t *testing.T) {
	store := NewInMemoryStore()
	reg := NewRegistry()
	_ = reg.Register(fakeTool{name: "lookup", output: "42"})

	provider := newFakeProvider("worker", toolCallJSON("lookup", "q"), "the answer is 42")
	a := NewAgent("writer", provider, store, "wf-1", WithTools(reg), WithToolFollowUp())

	res := a.Execute(context.Background(), Task{Input: "q"})
	if !res.Success {
		t.Fatalf("Execute failed: %v", res.Error)
	}
	if res.Output != "the answer is 42" {
		t.Errorf("Output = %q, want the follow-up completion", res.Output)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
	if !strings.Contains(provider.lastPrompt(), "Tool lookup returned:\n42") {
		t.Errorf("follow-up prompt missing the tool output: %q", provider.lastPrompt())
	}
}

func TestAgentExecuteArtifactCommittedWithFinalTurn(t *testing.T) {
	store := NewInMemoryStore()
	provider := newFakeProvider("worker", "stage output")
	a := NewAgent("writer", provider, store, "wf-1")

	a.Execute(context.Background(), Task{Input: "q", ArtifactKey: "draft"})
	v, found, _ := store.GetArtifact(context.Background(), "wf-1", "draft")
	if !found || v != "stage output" {
		t.Errorf("artifact = (%q, %v), want the final output committed", v, found)
	}
}

func TestAgentExecuteMemoryReadFailure(t *testing.T) {
	store := &failingStore{
		InMemoryStore: NewInMemoryStore(),
		readErr:       NewError(CategoryInternal, "DB_DOWN", "backend gone"),
	}
	provider := newFakeProvider("worker", "never")
	a := NewAgent("writer", provider, store, "wf-1")

	res := a.Execute(context.Background(), Task{Input: "q"})
	if res.Success {
		t.Fatal("Execute succeeded despite a memory read failure")
	}
	if res.Error == nil || res.Error.Code != "MEMORY_READ_FAILED" {
		t.Errorf("Error = %v, want MEMORY_READ_FAILED", res.Error)
	}
	if provider.callCount() != 0 {
		t.Error("provider was called despite the read failure")
	}
}

func TestAgentExecuteFinalWriteFailureFailsExecution(t *testing.T) {
	store := &failingStore{
		InMemoryStore: NewInMemoryStore(),
		artifactErr:   NewError(CategoryInternal, "DISK_FULL", "disk full"),
	}
	provider := newFakeProvider("worker", "stage output")
	a := NewAgent("writer", provider, store, "wf-1")

	res := a.Execute(context.Background(), Task{Input: "q", ArtifactKey: "draft"})
	if res.Success {
		t.Fatal("Execute succeeded although the final write was lost")
	}
	if res.Error == nil || res.Error.Code != "MEMORY_WRITE_FAILED" {
		t.Errorf("Error = %v, want MEMORY_WRITE_FAILED", res.Error)
	}
	if res.Error != nil && res.Error.Category != CategoryInternal {
		t.Errorf("category = %s, want internal", res.Error.Category)
	}
	if _, found, _ := store.GetArtifact(context.Background(), "wf-1", "draft"); found {
		t.Error("artifact present despite the reported write failure")
	}
}

func TestAgentExecuteFinalWriteRetriedOnTransientFault(t *testing.T) {
	store := &failingStore{
		InMemoryStore:    NewInMemoryStore(),
		artifactErr:      &ErrHTTP{Status: 503},
		artifactFailures: 1,
	}
	provider := newFakeProvider("worker", "stage output")
	a := NewAgent("writer", provider, store, "wf-1")

	res := a.Execute(context.Background(), Task{Input: "q", ArtifactKey: "draft"})
	if !res.Success {
		t.Fatalf("Execute failed after a single transient fault: %v", res.Error)
	}
	if store.artifactCalls != 2 {
		t.Errorf("AppendWithArtifact calls = %d, want the one retry", store.artifactCalls)
	}
	v, found, _ := store.GetArtifact(context.Background(), "wf-1", "draft")
	if !found || v != "stage output" {
		t.Errorf("artifact = (%q, %v), want the output committed on retry", v, found)
	}
}

func TestAgentEmptySystemPromptPassesInputThrough(t *testing.T) {
	store := NewInMemoryStore()
	provider := newFakeProvider("worker", "ok")
	a := NewAgent("writer", provider, store, "wf-1")
	a.Execute(context.Background(), Task{Input: "exactly this"})
	if got := provider.lastPrompt(); got != "exactly this" {
		t.Errorf("prompt = %q, want the raw input", got)
	}
}
