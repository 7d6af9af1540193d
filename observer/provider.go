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

// ObservedProvider wraps a conductor.Provider with OTEL instrumentation.
// Streaming passes through when the inner provider supports it.
type ObservedProvider struct {
	inner conductor.Provider
	inst  *Instruments
}

var (
	_ conductor.Provider          = (*ObservedProvider)(nil)
	_ conductor.StreamingProvider = (*ObservedProvider)(nil)
)

// WrapProvider returns an instrumented provider that emits traces, metrics,
// and logs around every call.
func WrapProvider(inner conductor.Provider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Info() conductor.ProviderInfo { return o.inner.Info() }

// Generate instruments a single completion call.
func (o *ObservedProvider) Generate(ctx context.Context, prompt string) (string, error) {
	info := o.inner.Info()
	ctx, span := o.inst.Tracer.Start(ctx, "llm.generate", trace.WithAttributes(
		AttrLLMModel.String(info.Model),
		AttrLLMProvider.String(info.Name),
	))
	defer span.End()
	start := time.Now()

	out, err := o.inner.Generate(ctx, prompt)

	o.record(ctx, span, info, "generate", time.Since(start), err)
	return out, err
}

// GenerateStream instruments a streaming call, counting delivered tokens.
// When the inner provider has no streaming capability, the call degrades to
// Generate with a single sink invocation.
func (o *ObservedProvider) GenerateStream(ctx context.Context, prompt string, sink func(token string)) (string, error) {
	info := o.inner.Info()
	ctx, span := o.inst.Tracer.Start(ctx, "llm.generate_stream", trace.WithAttributes(
		AttrLLMModel.String(info.Model),
		AttrLLMProvider.String(info.Name),
	))
	defer span.End()
	start := time.Now()

	var (
		out    string
		err    error
		tokens int
	)
	counting := func(token string) {
		tokens++
		if sink != nil {
			sink(token)
		}
	}

	if sp, ok := conductor.AsStreaming(o.inner); ok {
		out, err = sp.GenerateStream(ctx, prompt, counting)
	} else {
		out, err = o.inner.Generate(ctx, prompt)
		if err == nil && out != "" {
			counting(out)
		}
	}

	span.SetAttributes(AttrStreamTokens.Int(tokens))
	o.record(ctx, span, info, "generate_stream", time.Since(start), err)
	return out, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, info conductor.ProviderInfo, method string, elapsed time.Duration, err error) {
	durationMs := float64(elapsed.Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(AttrErrorCategory.String(string(conductor.Classify(err).Category)))
	}

	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(info.Model),
		AttrLLMProvider.String(info.Name),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrLLMModel.String(info.Model),
		AttrLLMProvider.String(info.Name),
		AttrLLMMethod.String(method),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", info.Model),
		otellog.String("llm.provider", info.Name),
		otellog.String("llm.method", method),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}
