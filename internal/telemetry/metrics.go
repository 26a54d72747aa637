// Package telemetry holds the OpenTelemetry instruments used by workers
// and the control plane.
package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "swarmq"

// Metrics holds all swarmq metric instruments.
type Metrics struct {
	Claims          metric.Int64Counter
	ClaimConflicts  metric.Int64Counter
	Transitions     metric.Int64Counter
	Routes          metric.Int64Counter
	Grants          metric.Int64Counter
	AttemptDuration metric.Float64Histogram
	AttemptCost     metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	m.Claims, err = meter.Int64Counter("swarmq.claims",
		metric.WithDescription("Number of tasks claimed"))
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("swarmq.claims.conflicts",
		metric.WithDescription("Number of claim or transition races lost"))
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("swarmq.transitions",
		metric.WithDescription("Number of task status transitions"))
	if err != nil {
		return nil, err
	}

	m.Routes, err = meter.Int64Counter("swarmq.routes",
		metric.WithDescription("Number of routing decisions"))
	if err != nil {
		return nil, err
	}

	m.Grants, err = meter.Int64Counter("swarmq.grants",
		metric.WithDescription("Number of reward grants"))
	if err != nil {
		return nil, err
	}

	m.AttemptDuration, err = meter.Float64Histogram("swarmq.attempt.duration_seconds",
		metric.WithDescription("Attempt duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.AttemptCost, err = meter.Float64Histogram("swarmq.attempt.cost",
		metric.WithDescription("Realized attempt cost"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Claim counts a won claim.
func (m *Metrics) Claim(ctx context.Context) {
	if m == nil {
		return
	}
	m.Claims.Add(ctx, 1)
}

// Conflict counts a lost claim or transition race.
func (m *Metrics) Conflict(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ClaimConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Grant counts a reward grant by result.
func (m *Metrics) Grant(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.Grants.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// Transition counts a status change.
func (m *Metrics) Transition(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", to)))
}

// Route counts a routing decision.
func (m *Metrics) Route(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.Routes.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}

// Attempt records the duration and cost of one execution.
func (m *Metrics) Attempt(ctx context.Context, backend string, seconds, cost float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("backend", backend))
	m.AttemptDuration.Record(ctx, seconds, attrs)
	m.AttemptCost.Record(ctx, cost, attrs)
}

// StartAttemptSpan starts a span for one attempt of a task.
func StartAttemptSpan(ctx context.Context, taskID, workerID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "attempt",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("worker.id", workerID),
			attribute.Int("task.attempt", attempt),
		),
	)
}

// HTTPMiddleware returns a chi-compatible middleware that creates spans for HTTP requests.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	}
}
