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

// TurnProcessor is the per-turn processing surface. Implemented by
// orion.Pipeline; the gateway accepts the wrapped form in its place.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, ev orion.InboundEvent) (orion.TurnResult, error)
}

// ObservedPipeline wraps a TurnProcessor to emit a parent span per turn
// that contains all inner operations (LLM calls, tool invocations,
// retrieval) as child spans via context propagation.
type ObservedPipeline struct {
	inner TurnProcessor
	inst  *Instruments
}

// WrapPipeline returns an instrumented turn processor.
func WrapPipeline(inner TurnProcessor, inst *Instruments) *ObservedPipeline {
	return &ObservedPipeline{inner: inner, inst: inst}
}

func (o *ObservedPipeline) ProcessTurn(ctx context.Context, ev orion.InboundEvent) (orion.TurnResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "turn.process", trace.WithAttributes(
		AttrTurnUser.String(ev.UserID),
		AttrTurnChannel.String(ev.ChannelID),
	))
	defer span.End()
	start := time.Now()

	span.AddEvent("turn.started")

	result, err := o.inner.ProcessTurn(ctx, ev)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"

	switch {
	case ctx.Err() != nil && err != nil:
		status = "cancelled"
		span.AddEvent("turn.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	case err != nil:
		status = "error"
		span.AddEvent("turn.failed", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result.Blocked:
		status = "blocked"
		span.AddEvent("turn.blocked")
	default:
		span.AddEvent("turn.completed")
	}

	span.SetAttributes(
		AttrTurnStatus.String(status),
		AttrTurnBlocked.Bool(result.Blocked),
	)

	// Metrics
	o.inst.TurnExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrTurnChannel.String(ev.ChannelID),
		attribute.String("status", status),
	))
	o.inst.TurnDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrTurnChannel.String(ev.ChannelID),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("turn completed"))
	rec.AddAttributes(
		otellog.String("turn.user_id", ev.UserID),
		otellog.String("turn.channel_id", ev.ChannelID),
		otellog.String("turn.status", status),
		otellog.Bool("turn.blocked", result.Blocked),
		otellog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// compile-time check
var _ TurnProcessor = (*ObservedPipeline)(nil)
