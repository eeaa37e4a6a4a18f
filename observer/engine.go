package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/orionhq/orion"
)

// approxCharsPerToken is the rough token estimate applied when a backend
// reports no usage. Engines only return text, so prompt and completion
// sizes stand in for exact counts.
const approxCharsPerToken = 4

// ObservedEngine wraps an orion.Engine with OTEL instrumentation.
type ObservedEngine struct {
	inner orion.Engine
	inst  *Instruments
}

// WrapEngine returns an instrumented engine that emits traces, metrics, and logs.
func WrapEngine(inner orion.Engine, inst *Instruments) *ObservedEngine {
	return &ObservedEngine{inner: inner, inst: inst}
}

func (o *ObservedEngine) Name() string         { return o.inner.Name() }
func (o *ObservedEngine) Provider() string     { return o.inner.Provider() }
func (o *ObservedEngine) DefaultModel() string { return o.inner.DefaultModel() }

func (o *ObservedEngine) IsAvailable(ctx context.Context) bool {
	return o.inner.IsAvailable(ctx)
}

func (o *ObservedEngine) Generate(ctx context.Context, req orion.GenerateRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = o.inner.DefaultModel()
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm.generate", trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Provider()),
	))
	defer span.End()
	start := time.Now()

	out, err := o.inner.Generate(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if out == "" {
		// Empty output with nil error is the transport-failure signal.
		status = "empty"
	}

	inputTokens := (len(req.Prompt) + len(req.Context) + len(req.SystemPrompt)) / approxCharsPerToken
	outputTokens := len(out) / approxCharsPerToken
	cost := o.inst.Cost.Calculate(model, inputTokens, outputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Provider()),
	)

	span.SetAttributes(
		AttrTokensInput.Int(inputTokens),
		AttrTokensOutput.Int(outputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(inputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Provider()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(outputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Provider()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Provider()),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Provider()),
		otellog.Int("llm.tokens.input", inputTokens),
		otellog.Int("llm.tokens.output", outputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return out, err
}

// compile-time check
var _ orion.Engine = (*ObservedEngine)(nil)
