package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the governance instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Transitions      metric.Int64Counter
	VersionConflicts metric.Int64Counter
	Approvals        metric.Int64Counter
	Dispatches       metric.Int64Counter
	ExtCallDecisions metric.Int64Counter
	ProviderDuration metric.Float64Histogram
	InFlight         metric.Int64UpDownCounter
	IngressRejects   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Transitions, err = meter.Int64Counter("clawgov.task.transitions",
		metric.WithDescription("Accepted task state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.VersionConflicts, err = meter.Int64Counter("clawgov.task.version_conflicts",
		metric.WithDescription("Mutations rejected on optimistic version mismatch"),
	)
	if err != nil {
		return nil, err
	}

	m.Approvals, err = meter.Int64Counter("clawgov.task.approvals",
		metric.WithDescription("New approval rows recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.Dispatches, err = meter.Int64Counter("clawgov.dispatch.claims",
		metric.WithDescription("Dispatch ledger outcomes"),
	)
	if err != nil {
		return nil, err
	}

	m.ExtCallDecisions, err = meter.Int64Counter("clawgov.ext_call.decisions",
		metric.WithDescription("Access broker terminal decisions by status and reason"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderDuration, err = meter.Float64Histogram("clawgov.provider.duration",
		metric.WithDescription("Provider execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InFlight, err = meter.Int64UpDownCounter("clawgov.ext_call.in_flight",
		metric.WithDescription("Provider executions currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.IngressRejects, err = meter.Int64Counter("clawgov.ipc.rate_limited",
		metric.WithDescription("Request files deferred by the ingress rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to string, override bool) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.Bool("override", override),
	))
}

func (m *Metrics) RecordConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.VersionConflicts.Add(ctx, 1)
}

func (m *Metrics) RecordApproval(ctx context.Context, gate string) {
	if m == nil {
		return
	}
	m.Approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", gate)))
}

// RecordDispatch counts a dispatch attempt; outcome is dispatched, duplicate or conflict.
func (m *Metrics) RecordDispatch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordDecision(ctx context.Context, provider, status, reason string) {
	if m == nil {
		return
	}
	m.ExtCallDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
		attribute.String("reason", reason),
	))
}

// TrackExecution marks a provider call in flight and returns the func that
// records its duration and releases the slot.
func (m *Metrics) TrackExecution(ctx context.Context, provider, action string) func(ok bool) {
	if m == nil {
		return func(bool) {}
	}
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("provider", provider), attribute.String("action", action))
	m.InFlight.Add(ctx, 1, attrs)
	return func(ok bool) {
		m.InFlight.Add(ctx, -1, attrs)
		m.ProviderDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("action", action),
			attribute.Bool("ok", ok),
		))
	}
}

func (m *Metrics) RecordIngressReject(ctx context.Context, group string) {
	if m == nil {
		return
	}
	m.IngressRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("group", group)))
}
