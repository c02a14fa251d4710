package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the tracer and meter providers of one process. A failing
// exporter marks it degraded; extraction carries on without it.
type Telemetry struct {
	cfg    *Config
	traces *sdktrace.TracerProvider
	meters *sdkmetric.MeterProvider

	mu     sync.Mutex
	closed bool
	faults []string
}

// HealthStatus is a snapshot of exporter state.
type HealthStatus struct {
	Healthy  bool
	Degraded bool
	Reason   string
}

// New installs the OTLP providers described by cfg as the global otel
// providers. Only an invalid cfg is an error.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)

	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.fault("tracer provider failed: %v", err)
	} else {
		t.traces = tp
		otel.SetTracerProvider(tp)
	}

	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.fault("meter provider failed: %v", err)
	} else if mp != nil {
		t.meters = mp
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Tracer falls back to the global provider when tracing is off.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.traces == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.traces.Tracer(name, opts...)
}

// Shutdown flushes pending spans and metrics. Without a deadline on ctx
// the configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Shutdown.Timeout.Duration())
		defer cancel()
	}

	var errs []error
	if t.traces != nil {
		if err := t.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meters != nil {
		if err := t.meters.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return errors.Join(errs...)
}

// Health reports exporter state. A nil Telemetry is degraded.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Degraded: true}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h := HealthStatus{Healthy: !t.closed, Degraded: len(t.faults) > 0}
	if h.Degraded {
		h.Reason = t.faults[len(t.faults)-1]
	}
	return h
}

// IsEnabled reports whether export is configured and not yet shut down.
func (t *Telemetry) IsEnabled() bool {
	if t == nil || t.cfg == nil {
		return false
	}
	return t.cfg.Enabled && t.Health().Healthy
}

func (t *Telemetry) fault(format string, args ...interface{}) {
	t.mu.Lock()
	t.faults = append(t.faults, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}
