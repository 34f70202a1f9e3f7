package lanptt

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type engineMetrics struct {
	frames         metric.Int64Counter
	decodeFailures metric.Int64Counter
	members        metric.Int64ObservableGauge
	leader         metric.Int64ObservableGauge
	term           metric.Int64ObservableGauge
}

func newEngineMetrics(logger pslog.Logger) *engineMetrics {
	meter := otel.Meter("pkt.systems/lanptt")
	m := &engineMetrics{}
	var err error

	m.frames, err = meter.Int64Counter(
		"lanptt.frames.received",
		metric.WithDescription("Inbound frames by payload kind"),
	)
	logMetricInitError(logger, "lanptt.frames.received", err)

	m.decodeFailures, err = meter.Int64Counter(
		"lanptt.frames.discarded",
		metric.WithDescription("Inbound frames discarded as unrecognized"),
	)
	logMetricInitError(logger, "lanptt.frames.discarded", err)

	m.members, err = meter.Int64ObservableGauge(
		"lanptt.cluster.members.active",
		metric.WithDescription("Active members counted by the last election"),
	)
	logMetricInitError(logger, "lanptt.cluster.members.active", err)

	m.leader, err = meter.Int64ObservableGauge(
		"lanptt.cluster.leader",
		metric.WithDescription("1 when the local node is the elected leader"),
	)
	logMetricInitError(logger, "lanptt.cluster.leader", err)

	m.term, err = meter.Int64ObservableGauge(
		"lanptt.cluster.term",
		metric.WithDescription("Highest membership term observed"),
	)
	logMetricInitError(logger, "lanptt.cluster.term", err)

	return m
}

func (m *engineMetrics) register(e *Engine) metric.Registration {
	if m == nil || e == nil || (m.members == nil && m.leader == nil && m.term == nil) {
		return nil
	}
	meter := otel.Meter("pkt.systems/lanptt")
	reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		status := e.members.Status()
		if m.members != nil {
			o.ObserveInt64(m.members, int64(status.ActiveMembers))
		}
		if m.leader != nil {
			var v int64
			if status.IsLeader() {
				v = 1
			}
			o.ObserveInt64(m.leader, v)
		}
		if m.term != nil {
			o.ObserveInt64(m.term, int64(status.Term))
		}
		return nil
	}, m.members, m.leader, m.term)
	if err != nil {
		e.logger.Warn("telemetry.metric.callback_failed", "name", "lanptt.cluster", "error", err)
		return nil
	}
	return reg
}

func (m *engineMetrics) recordFrame(kind string) {
	if m == nil || m.frames == nil {
		return
	}
	m.frames.Add(context.Background(), 1, metric.WithAttributes(attribute.String("lanptt.frame.kind", kind)))
}

func (m *engineMetrics) recordDiscarded() {
	if m == nil || m.decodeFailures == nil {
		return
	}
	m.decodeFailures.Add(context.Background(), 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
