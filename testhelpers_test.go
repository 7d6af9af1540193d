package conductor

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeProvider replays scripted responses in order. When the script runs out
// the last element repeats. Errors are scripted the same way: a nil entry in
// errs means the matching call succeeds.
type fakeProvider struct {
	name      string
	responses []string
	errs      []error

	mu      sync.Mutex
	calls   int
	prompts []string
}

func newFakeProvider(name string, responses ...string) *fakeProvider {
	return &fakeProvider{name: name, responses: responses}
}

func (f *fakeProvider) Generate(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if len(f.responses) == 0 {
		return "", nil
	}
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

func (f *fakeProvider) Info() ProviderInfo {
	return ProviderInfo{Name: f.name, Model: "fake-model"}
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

// failNTimesProvider fails the first n calls with err, then succeeds.
type failNTimesProvider struct {
	name string
	n    int
	err  error
	text string

	mu    sync.Mutex
	calls int
}

func (f *failNTimesProvider) Generate(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.n {
		return "", f.err
	}
	return f.text, nil
}

func (f *failNTimesProvider) Info() ProviderInfo {
	return ProviderInfo{Name: f.name, Model: "fake-model"}
}

func (f *failNTimesProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStreamProvider scripts one streamed response delivered token by token.
type fakeStreamProvider struct {
	fakeProvider
	tokens []string
}

func (f *fakeStreamProvider) GenerateStream(ctx context.Context, prompt string, sink func(token string)) (string, error) {
	text, err := f.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	if len(f.tokens) == 0 {
		sink(text)
		return text, nil
	}
	var full string
	for _, tok := range f.tokens {
		sink(tok)
		full += tok
	}
	return full, nil
}

// --- Tool mocks (shared across tool_test.go, agent_test.go, workflow tests) ---

// fakeTool returns a fixed output for every invocation.
type fakeTool struct {
	name   string
	output string
}

func (f fakeTool) Name() string     { return f.name }
func (f fakeTool) Describe() string { return "fake tool " + f.name }

func (f fakeTool) Invoke(_ context.Context, _ json.RawMessage) ToolResult {
	return ToolResult{OK: true, Output: f.output}
}

// failingTool reports a failure as a result value.
type failingTool struct {
	name string
}

func (f failingTool) Name() string     { return f.name }
func (f failingTool) Describe() string { return "always fails" }

func (f failingTool) Invoke(context.Context, json.RawMessage) ToolResult {
	return ToolResult{OK: false, Error: NewError(CategoryInternal, "TOOL_BROKEN", "tool broken")}
}

// echoTool returns the raw arguments it was given.
type echoTool struct{}

func (echoTool) Name() string     { return "echo" }
func (echoTool) Describe() string { return "echoes its arguments" }

func (echoTool) Invoke(_ context.Context, args json.RawMessage) ToolResult {
	return ToolResult{OK: true, Output: string(args)}
}

// toolCallJSON builds a model response invoking name with string arguments.
func toolCallJSON(name, args string) string {
	data, _ := json.Marshal(map[string]string{"tool": name, "arguments": args})
	return string(data)
}

// failingStore wraps InMemoryStore and fails selected operations.
// artifactFailures > 0 limits AppendWithArtifact failures to the first N
// calls; zero with artifactErr set fails every call.
type failingStore struct {
	*InMemoryStore
	readErr          error
	artifactErr      error
	artifactFailures int
	artifactCalls    int
}

func (s *failingStore) Read(ctx context.Context, workflowID, agentName string, lastN int) ([]MemoryEntry, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.InMemoryStore.Read(ctx, workflowID, agentName, lastN)
}

func (s *failingStore) AppendWithArtifact(ctx context.Context, workflowID, agentName string, kind EntryKind, content, artifactKey, artifactValue string) (uint64, error) {
	s.artifactCalls++
	if s.artifactErr != nil && (s.artifactFailures == 0 || s.artifactCalls <= s.artifactFailures) {
		return 0, s.artifactErr
	}
	return s.InMemoryStore.AppendWithArtifact(ctx, workflowID, agentName, kind, content, artifactKey, artifactValue)
}

// resetResilienceRegistries clears the process-global breaker and limiter
// maps so tests see fresh policy state.
func resetResilienceRegistries() {
	ResetBreakers()
	ResetRateLimiters()
}
