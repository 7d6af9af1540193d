// Package conductor is a framework for orchestrating multi-agent LLM
// workflows.
//
// A workflow is a directed acyclic graph of stages. Each stage binds an
// agent that renders a prompt template, calls a model provider through a
// resilience pipeline (rate limiter, circuit breaker, retry, time limiter),
// optionally invokes one registered tool, and records every turn in a
// durable memory store. The execution engine dispatches ready stages in
// parallel under a bounded worker pool, cascades failures to dependents, and
// can hold a stage for human approval before its output is released.
//
// The Orchestrator ties the pieces together:
//
//	store := conductor.NewInMemoryStore()
//	orc, err := conductor.NewOrchestrator(
//		conductor.WithStore(store),
//		conductor.WithWorkerProvider(provider),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	results, err := orc.PlanAndExecute(ctx, "", "summarize the quarterly report")
//
// Subpackages provide persistent stores (store/sqlite, store/postgres),
// model providers (provider/openaicompat, provider/anthropic,
// provider/gemini), baseline tools (tools/shell, tools/file, tools/search,
// tools/fetch, tools/sandbox), and OTEL instrumentation (observer).
package conductor
