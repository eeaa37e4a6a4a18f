package observer

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/orionhq/orion"
)

// ToolInvoker is the tool execution surface. Implemented by
// orion.ToolRegistry.
type ToolInvoker interface {
	Definitions() []orion.ToolDefinition
	Invoke(ctx context.Context, name string, args json.RawMessage) (orion.ToolResult, error)
}

// ObservedTools wraps a ToolInvoker with OTEL instrumentation.
type ObservedTools struct {
	inner ToolInvoker
	inst  *Instruments
}

// WrapTools returns an instrumented tool invoker.
func WrapTools(inner ToolInvoker, inst *Instruments) *ObservedTools {
	return &ObservedTools{inner: inner, inst: inst}
}

func (o *ObservedTools) Definitions() []orion.ToolDefinition {
	return o.inner.Definitions()
}

func (o *ObservedTools) Invoke(ctx context.Context, name string, args json.RawMessage) (orion.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Invoke(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool invoked"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(result.Content)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// compile-time check
var _ ToolInvoker = (*ObservedTools)(nil)
