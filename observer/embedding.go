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

// ObservedEmbedding wraps a conductor.EmbeddingProvider with OTEL
// instrumentation.
type ObservedEmbedding struct {
	inner conductor.EmbeddingProvider
	inst  *Instruments
	model string
}

var _ conductor.EmbeddingProvider = (*ObservedEmbedding)(nil)

// WrapEmbedding returns an instrumented embedding provider.
func WrapEmbedding(inner conductor.EmbeddingProvider, model string, inst *Instruments) *ObservedEmbedding {
	return &ObservedEmbedding{inner: inner, inst: inst, model: model}
}

func (o *ObservedEmbedding) Dimensions() int { return o.inner.Dimensions() }

// Embed instruments a single-text embedding call.
func (o *ObservedEmbedding) Embed(ctx context.Context, text string) ([]float64, error) {
	return embedCall(o, ctx, 1, func(ctx context.Context) ([]float64, error) {
		return o.inner.Embed(ctx, text)
	})
}

// EmbedBatch instruments a batched embedding call.
func (o *ObservedEmbedding) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	return embedCall(o, ctx, len(texts), func(ctx context.Context) ([][]float64, error) {
		return o.inner.EmbedBatch(ctx, texts)
	})
}

func embedCall[T any](o *ObservedEmbedding, ctx context.Context, count int, call func(context.Context) (T, error)) (T, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.embed", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrEmbedTextCount.Int(count),
		AttrEmbedDimensions.Int(o.inner.Dimensions()),
	))
	defer span.End()
	start := time.Now()

	result, err := call(ctx)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.inst.EmbedRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		attribute.String("status", status),
	))
	o.inst.EmbedDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrLLMModel.String(o.model),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("embedding completed"))
	rec.AddAttributes(
		otellog.String("llm.model", o.model),
		otellog.Int("llm.embed.text_count", count),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}
