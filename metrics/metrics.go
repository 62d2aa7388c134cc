package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName identifies this library's instruments.
const MeterName = "github.com/opd-ai/toxrelay"

// Metrics holds OpenTelemetry metric instruments for the relay.
type Metrics struct {
	meter metric.Meter

	attemptsTotal        metric.Int64Counter
	retriesTotal         metric.Int64Counter
	ackTimeoutsTotal     metric.Int64Counter
	stateChangesTotal    metric.Int64Counter
	receivedTotal        metric.Int64Counter
	gapsTotal            metric.Int64Counter
	reconciliationsTotal metric.Int64Counter
	reconciledMessages   metric.Int64Counter
	malformedTotal       metric.Int64Counter
}

// NewMetrics creates the instruments on provider's meter. A nil provider
// uses the global provider, which is a no-op until one is installed.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	var meter metric.Meter
	if provider != nil {
		meter = provider.Meter(MeterName)
	} else {
		meter = otel.Meter(MeterName)
	}
	m := &Metrics{meter: meter}

	var err error

	m.attemptsTotal, err = m.meter.Int64Counter(
		"toxrelay.delivery.attempts.total",
		metric.WithDescription("Send attempts handed to the transport, by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attemptsTotal counter: %w", err)
	}

	m.retriesTotal, err = m.meter.Int64Counter(
		"toxrelay.delivery.retries.total",
		metric.WithDescription("Send attempts after the first"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retriesTotal counter: %w", err)
	}

	m.ackTimeoutsTotal, err = m.meter.Int64Counter(
		"toxrelay.delivery.ack_timeouts.total",
		metric.WithDescription("Acknowledgment windows that elapsed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackTimeoutsTotal counter: %w", err)
	}

	m.stateChangesTotal, err = m.meter.Int64Counter(
		"toxrelay.messages.state_changes.total",
		metric.WithDescription("Committed delivery state changes, by target state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stateChangesTotal counter: %w", err)
	}

	m.receivedTotal, err = m.meter.Int64Counter(
		"toxrelay.messages.received.total",
		metric.WithDescription("Inbound messages admitted, by source"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create receivedTotal counter: %w", err)
	}

	m.gapsTotal, err = m.meter.Int64Counter(
		"toxrelay.transport.gaps.total",
		metric.WithDescription("Transport gap events, by transition"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gapsTotal counter: %w", err)
	}

	m.reconciliationsTotal, err = m.meter.Int64Counter(
		"toxrelay.reconcile.runs.total",
		metric.WithDescription("Conversation reconciliations, by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciliationsTotal counter: %w", err)
	}

	m.reconciledMessages, err = m.meter.Int64Counter(
		"toxrelay.reconcile.messages.total",
		metric.WithDescription("Messages returned by the authoritative fetch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciledMessages counter: %w", err)
	}

	m.malformedTotal, err = m.meter.Int64Counter(
		"toxrelay.transport.malformed.total",
		metric.WithDescription("Inbound events dropped as malformed, by source"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create malformedTotal counter: %w", err)
	}

	return m, nil
}

func result(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("result", "error")
	}
	return attribute.String("result", "ok")
}

// RecordAttempt records one send attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, attempt int, err error) {
	m.attemptsTotal.Add(ctx, 1, metric.WithAttributes(result(err)))
	if attempt > 1 {
		m.retriesTotal.Add(ctx, 1)
	}
}

// RecordAckTimeout records an elapsed acknowledgment window.
func (m *Metrics) RecordAckTimeout(ctx context.Context, attempt int) {
	m.ackTimeoutsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("attempt", attempt),
	))
}

// RecordStateChange records a committed state change.
func (m *Metrics) RecordStateChange(ctx context.Context, state string) {
	m.stateChangesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
	))
}

// RecordReceived records an inbound message admitted from source.
func (m *Metrics) RecordReceived(ctx context.Context, source string) {
	m.receivedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
	))
}

// RecordGap records a transport gap event.
func (m *Metrics) RecordGap(ctx context.Context, from, to string) {
	m.gapsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordReconciliation records one conversation reconciliation.
func (m *Metrics) RecordReconciliation(ctx context.Context, fetched int, err error) {
	m.reconciliationsTotal.Add(ctx, 1, metric.WithAttributes(result(err)))
	if fetched > 0 {
		m.reconciledMessages.Add(ctx, int64(fetched))
	}
}

// RecordMalformed records an inbound event dropped as malformed.
func (m *Metrics) RecordMalformed(ctx context.Context, source string) {
	m.malformedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
	))
}
