// Tracing instrumentation for the executor.
package executor

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/conductor/internal/runner"
)

// startCycleSpan starts a span for one cycle.
func (e *Executor) startCycleSpan(ctx context.Context, cycle int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "cycle.run")
	span.SetAttributes(
		attribute.String("workflow.name", e.workflow.Name),
		attribute.Int("cycle.number", cycle),
	)
	return ctx, span
}

// endCycleSpan ends the cycle span with result info.
func (e *Executor) endCycleSpan(span trace.Span, res *CycleResult, err error) {
	span.SetAttributes(
		attribute.Int("cycle.steps", res.Steps),
		attribute.Int("cycle.failures", len(res.Failures)),
		attribute.Int("cycle.commits", res.Commits),
		attribute.Int("cycle.turns", res.Counters.Turns),
		attribute.Bool("cycle.paused", res.Paused != nil),
	)
	endSpan(span, err)
}

// startPhaseSpan starts a span for a phase.
func (e *Executor) startPhaseSpan(ctx context.Context, cycle int, phase string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "phase."+phase)
	span.SetAttributes(
		attribute.String("phase.name", phase),
		attribute.Int("cycle.number", cycle),
	)
	return ctx, span
}

// startStepSpan starts a span for a RUN or VERIFY step.
func (e *Executor) startStepSpan(ctx context.Context, kind, name string, line int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "step."+kind)
	span.SetAttributes(
		attribute.String("step.kind", kind),
		attribute.String("step.name", truncateForLog(name, 200)),
		attribute.Int("step.line", line),
	)
	return ctx, span
}

// endRunSpan ends a RUN span with process details.
func (e *Executor) endRunSpan(span trace.Span, res *runner.Result) {
	span.SetAttributes(
		attribute.Int("run.exit_code", res.ExitCode),
		attribute.Bool("run.timed_out", res.TimedOut),
		attribute.Int64("run.elided_bytes", res.Elided),
		attribute.Int64("run.duration_ms", res.Duration.Milliseconds()),
	)
	if telemetry.GetTracer().Debug() {
		span.SetAttributes(attribute.String("run.output", truncateForLog(res.Output(), 2000)))
	}
	endSpan(span, runErr(res))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
