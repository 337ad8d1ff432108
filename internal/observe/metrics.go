// Package observe wires Brewhaven into OpenTelemetry: metric instruments,
// spans with W3C trace context, request-scoped slog loggers and the chi
// middleware that connects them.
//
// Instruments are created against a [metric.MeterProvider]. In production
// that is the provider installed by [InitProvider], which bridges every
// instrument into a Prometheus registry; tests pass their own provider to
// [NewMetrics] so readings stay isolated.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/brewhaven"

// Metrics bundles the instruments recorded by the session controller, the
// dispatcher and the HTTP layer. Instruments are safe for concurrent use.
type Metrics struct {
	// ── Session lifecycle ──

	// ConnectDuration measures a connect attempt from Start until it resolves.
	ConnectDuration metric.Float64Histogram
	// SessionTransitions is keyed by "from" and "to" phase.
	SessionTransitions metric.Int64Counter
	// ActiveSessions is 1 while a session is connected.
	ActiveSessions metric.Int64UpDownCounter
	// TranscriptEntries is keyed by "origin".
	TranscriptEntries metric.Int64Counter

	// ── Credential issuer ──

	CredentialDuration metric.Float64Histogram
	// CredentialErrors is keyed by fetch error "kind".
	CredentialErrors metric.Int64Counter

	// ── Dispatch ──

	// MessagesSent is keyed by "status" ("ok" or "error").
	MessagesSent metric.Int64Counter

	// ── HTTP ──

	// HTTPRequestDuration is keyed by "method", "route" and "status" class.
	HTTPRequestDuration metric.Float64Histogram
}

// Bucket boundaries in seconds.
var (
	roundTripBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	httpBuckets      = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// instruments creates instruments on one meter and keeps the first error per
// instrument, so NewMetrics can report all of them at once.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) note(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	b.note(name, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.note(name, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.note(name, err)
	return g
}

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ConnectDuration: b.seconds("brewhaven.connect.duration",
			"Time from session start until the connect attempt resolves.", roundTripBuckets),
		SessionTransitions: b.counter("brewhaven.session.transitions",
			"Session phase transitions by source and target phase."),
		ActiveSessions: b.gauge("brewhaven.active_sessions",
			"Sessions currently connected to the agent."),
		TranscriptEntries: b.counter("brewhaven.transcript.entries",
			"Transcript entries appended by origin."),

		CredentialDuration: b.seconds("brewhaven.credential.duration",
			"Round trip time of credential issuer requests.", roundTripBuckets),
		CredentialErrors: b.counter("brewhaven.credential.errors",
			"Failed credential fetches by kind."),

		MessagesSent: b.counter("brewhaven.messages.sent",
			"Outgoing chat messages by status."),

		HTTPRequestDuration: b.seconds("brewhaven.http.request.duration",
			"HTTP request latency by method, route and status class.", httpBuckets),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		panic(err)
	}
	return m
})

// DefaultMetrics returns a process-wide [Metrics] built on the global meter
// provider at first use. Install the provider with [InitProvider] before
// calling it.
func DefaultMetrics() *Metrics {
	return defaultMetrics()
}

// RecordTransition counts one phase change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordMessageSent counts one send with status "ok" or "error".
func (m *Metrics) RecordMessageSent(ctx context.Context, status string) {
	m.MessagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordTranscriptEntry(ctx context.Context, origin string) {
	m.TranscriptEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", origin)))
}

func (m *Metrics) RecordCredentialError(ctx context.Context, kind string) {
	m.CredentialErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
