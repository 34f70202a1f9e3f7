package transport

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type transportMetrics struct {
	framesSent     metric.Int64Counter
	framesReceived metric.Int64Counter
	framesSkipped  metric.Int64Counter
	writeFailures  metric.Int64Counter
	dialFailures   metric.Int64Counter
	reconnects     metric.Int64Counter
	refused        metric.Int64Counter
	sessions       metric.Int64ObservableGauge
	queued         metric.Int64ObservableGauge
}

func newTransportMetrics(logger pslog.Logger) *transportMetrics {
	meter := otel.Meter("pkt.systems/lanptt/transport")
	m := &transportMetrics{}
	var err error

	m.framesSent, err = meter.Int64Counter(
		"lanptt.transport.frames.sent",
		metric.WithDescription("Frames written to peer sockets"),
	)
	logMetricInitError(logger, "lanptt.transport.frames.sent", err)

	m.framesReceived, err = meter.Int64Counter(
		"lanptt.transport.frames.received",
		metric.WithDescription("Frames read from peer sockets"),
	)
	logMetricInitError(logger, "lanptt.transport.frames.received", err)

	m.framesSkipped, err = meter.Int64Counter(
		"lanptt.transport.frames.skipped",
		metric.WithDescription("Inbound frames discarded for an invalid length"),
	)
	logMetricInitError(logger, "lanptt.transport.frames.skipped", err)

	m.writeFailures, err = meter.Int64Counter(
		"lanptt.transport.write.failures",
		metric.WithDescription("Frame writes that failed"),
	)
	logMetricInitError(logger, "lanptt.transport.write.failures", err)

	m.dialFailures, err = meter.Int64Counter(
		"lanptt.transport.dial.failures",
		metric.WithDescription("Outbound connection attempts that failed"),
	)
	logMetricInitError(logger, "lanptt.transport.dial.failures", err)

	m.reconnects, err = meter.Int64Counter(
		"lanptt.transport.reconnects",
		metric.WithDescription("Scheduled reconnect attempts"),
	)
	logMetricInitError(logger, "lanptt.transport.reconnects", err)

	m.refused, err = meter.Int64Counter(
		"lanptt.transport.sessions.refused",
		metric.WithDescription("Inbound connections refused from blocked hosts"),
	)
	logMetricInitError(logger, "lanptt.transport.sessions.refused", err)

	m.sessions, err = meter.Int64ObservableGauge(
		"lanptt.transport.sessions",
		metric.WithDescription("Live peer sessions"),
	)
	logMetricInitError(logger, "lanptt.transport.sessions", err)

	m.queued, err = meter.Int64ObservableGauge(
		"lanptt.transport.queue.depth",
		metric.WithDescription("Frames waiting in outbound queues"),
	)
	logMetricInitError(logger, "lanptt.transport.queue.depth", err)

	return m
}

func (m *transportMetrics) registerTransport(t *Transport) metric.Registration {
	if m == nil || t == nil || (m.sessions == nil && m.queued == nil) {
		return nil
	}
	meter := otel.Meter("pkt.systems/lanptt/transport")
	reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		inbound, outbound, queued := t.metricsSnapshot()
		if m.sessions != nil {
			o.ObserveInt64(m.sessions, inbound, metric.WithAttributes(directionAttr(false)))
			o.ObserveInt64(m.sessions, outbound, metric.WithAttributes(directionAttr(true)))
		}
		if m.queued != nil {
			o.ObserveInt64(m.queued, queued)
		}
		return nil
	}, m.sessions, m.queued)
	if err != nil {
		t.logger.Warn("telemetry.metric.callback_failed", "name", "lanptt.transport.sessions", "error", err)
		return nil
	}
	return reg
}

func (m *transportMetrics) recordSent(outbound bool) {
	if m == nil || m.framesSent == nil {
		return
	}
	m.framesSent.Add(context.Background(), 1, metric.WithAttributes(directionAttr(outbound)))
}

func (m *transportMetrics) recordReceived(outbound bool) {
	if m == nil || m.framesReceived == nil {
		return
	}
	m.framesReceived.Add(context.Background(), 1, metric.WithAttributes(directionAttr(outbound)))
}

func (m *transportMetrics) recordSkipped(reason string) {
	if m == nil || m.framesSkipped == nil {
		return
	}
	m.framesSkipped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("lanptt.transport.skip_reason", reason)))
}

func (m *transportMetrics) recordRefused() {
	if m == nil || m.refused == nil {
		return
	}
	m.refused.Add(context.Background(), 1)
}

func (m *transportMetrics) recordWriteFailure() {
	if m == nil || m.writeFailures == nil {
		return
	}
	m.writeFailures.Add(context.Background(), 1)
}

func (m *transportMetrics) recordDialFailure() {
	if m == nil || m.dialFailures == nil {
		return
	}
	m.dialFailures.Add(context.Background(), 1)
}

func (m *transportMetrics) recordReconnect() {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1)
}

func directionAttr(outbound bool) attribute.KeyValue {
	if outbound {
		return attribute.String("lanptt.transport.direction", "outbound")
	}
	return attribute.String("lanptt.transport.direction", "inbound")
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
