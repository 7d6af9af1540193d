package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/skanga/conductor"
)

// AgentExecutor is the slice of the agent surface the wrapper instruments.
// *conductor.Agent satisfies it.
type AgentExecutor interface {
	Name() string
	Execute(ctx context.Context, task conductor.Task) conductor.ExecutionResult
}

// ObservedAgent wraps an agent to emit lifecycle spans, metrics, and logs.
// The Execute span is the parent of all inner operations (provider calls,
// tool invocations) via context propagation.
type ObservedAgent struct {
	inner AgentExecutor
	inst  *Instruments
}

var _ AgentExecutor = (*ObservedAgent)(nil)

// WrapAgent returns an instrumented agent.
func WrapAgent(inner AgentExecutor, inst *Instruments) *ObservedAgent {
	return &ObservedAgent{inner: inner, inst: inst}
}

func (o *ObservedAgent) Name() string { return o.inner.Name() }

// Execute wraps the inner agent's Execute with an agent.execute span.
func (o *ObservedAgent) Execute(ctx context.Context, task conductor.Task) conductor.ExecutionResult {
	ctx, span := o.inst.Tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
		AttrWorkflowID.String(task.WorkflowName),
		AttrStageName.String(task.StageName),
	))
	defer span.End()
	start := time.Now()

	result := o.inner.Execute(ctx, task)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if !result.Success {
		status = "error"
		if result.Error != nil {
			span.RecordError(result.Error)
			span.SetStatus(codes.Error, result.Error.Error())
			span.SetAttributes(AttrErrorCategory.String(string(result.Error.Category)))
		}
	}
	span.SetAttributes(AttrAgentStatus.String(status))

	o.inst.AgentRuns.Add(ctx, 1, metric.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.AgentDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("agent execution completed"))
	rec.AddAttributes(
		otellog.String("agent.name", o.inner.Name()),
		otellog.String("agent.status", status),
		otellog.String("workflow.stage", task.StageName),
		otellog.Float64("agent.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result
}
