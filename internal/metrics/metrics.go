// Package metrics records pipeline counters through OpenTelemetry. With no
// provider installed the global no-op provider is used.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "signoff"

type Recorder struct {
	intake       metric.Int64Counter
	plans        metric.Int64Counter
	transitions  metric.Int64Counter
	dispatches   metric.Int64Counter
	dispatchTime metric.Float64Histogram
	remediations metric.Int64Counter
	iterations   metric.Int64Counter
}

// New builds a Recorder on mp, or on the global provider when mp is nil.
func New(mp metric.MeterProvider) (*Recorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)
	var (
		r   Recorder
		err error
	)
	if r.intake, err = m.Int64Counter("signoff.intake.items",
		metric.WithDescription("Intake items by outcome"), metric.WithUnit("{item}")); err != nil {
		return nil, err
	}
	if r.plans, err = m.Int64Counter("signoff.plans.created",
		metric.WithDescription("Plans drafted"), metric.WithUnit("{plan}")); err != nil {
		return nil, err
	}
	if r.transitions, err = m.Int64Counter("signoff.plans.transitions",
		metric.WithDescription("Plan status transitions"), metric.WithUnit("{transition}")); err != nil {
		return nil, err
	}
	if r.dispatches, err = m.Int64Counter("signoff.dispatch.calls",
		metric.WithDescription("Dispatcher calls by mode and outcome"), metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if r.dispatchTime, err = m.Float64Histogram("signoff.dispatch.duration",
		metric.WithDescription("Dispatcher call duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.remediations, err = m.Int64Counter("signoff.remediations",
		metric.WithDescription("Remediation records by action"), metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if r.iterations, err = m.Int64Counter("signoff.loop.iterations",
		metric.WithDescription("Orchestrator iterations by outcome"), metric.WithUnit("{iteration}")); err != nil {
		return nil, err
	}
	return &r, nil
}

// Nop returns a Recorder on the global provider, ignoring errors.
func Nop() *Recorder {
	r, err := New(nil)
	if err != nil {
		return nil
	}
	return r
}

func (r *Recorder) IntakeItem(ctx context.Context, source, outcome string) {
	if r == nil {
		return
	}
	r.intake.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source), attribute.String("outcome", outcome)))
}

func (r *Recorder) PlanCreated(ctx context.Context, risk string) {
	if r == nil {
		return
	}
	r.plans.Add(ctx, 1, metric.WithAttributes(attribute.String("risk", risk)))
}

func (r *Recorder) Transition(ctx context.Context, from, to string) {
	if r == nil {
		return
	}
	r.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
}

func (r *Recorder) Dispatch(ctx context.Context, server, mode string, success bool, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("server", server), attribute.String("mode", mode), attribute.Bool("success", success))
	r.dispatches.Add(ctx, 1, attrs)
	r.dispatchTime.Record(ctx, d.Seconds(), attrs)
}

func (r *Recorder) Remediation(ctx context.Context, kind, action string) {
	if r == nil {
		return
	}
	r.remediations.Add(ctx, 1, metric.WithAttributes(attribute.String("error_kind", kind), attribute.String("action", action)))
}

func (r *Recorder) Iteration(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.iterations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
