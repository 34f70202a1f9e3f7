package floor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type floorMetrics struct {
	grants   metric.Int64Counter
	releases metric.Int64Counter
	timeouts metric.Int64Counter
	busy     metric.Int64Counter
}

func newFloorMetrics(logger pslog.Logger) *floorMetrics {
	meter := otel.Meter("pkt.systems/lanptt/floor")
	m := &floorMetrics{}
	var err error

	m.grants, err = meter.Int64Counter(
		"lanptt.floor.grants",
		metric.WithDescription("Floor grants issued by the coordinating node"),
	)
	logMetricInitError(logger, "lanptt.floor.grants", err)

	m.releases, err = meter.Int64Counter(
		"lanptt.floor.releases",
		metric.WithDescription("Floor releases observed"),
	)
	logMetricInitError(logger, "lanptt.floor.releases", err)

	m.timeouts, err = meter.Int64Counter(
		"lanptt.floor.timeouts",
		metric.WithDescription("Floor acquisitions cleared by the fallback timer"),
	)
	logMetricInitError(logger, "lanptt.floor.timeouts", err)

	m.busy, err = meter.Int64Counter(
		"lanptt.floor.busy",
		metric.WithDescription("FLOOR_BUSY replies sent or received"),
	)
	logMetricInitError(logger, "lanptt.floor.busy", err)

	return m
}

func (m *floorMetrics) recordGrant(self bool) {
	if m == nil || m.grants == nil {
		return
	}
	m.grants.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("lanptt.floor.self", self)))
}

func (m *floorMetrics) recordRelease(mode string) {
	if m == nil || m.releases == nil {
		return
	}
	m.releases.Add(context.Background(), 1, metric.WithAttributes(attribute.String("lanptt.floor.mode", mode)))
}

func (m *floorMetrics) recordTimeout() {
	if m == nil || m.timeouts == nil {
		return
	}
	m.timeouts.Add(context.Background(), 1)
}

func (m *floorMetrics) recordBusy(direction string) {
	if m == nil || m.busy == nil {
		return
	}
	m.busy.Add(context.Background(), 1, metric.WithAttributes(attribute.String("lanptt.floor.direction", direction)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
