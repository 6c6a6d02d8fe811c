package goxa

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xiaoxuxiansheng/goxa/log"
)

type coordinatorMetrics struct {
	refreshes      metric.Int64Counter
	recovered      metric.Int64Counter
	claimed        metric.Int64Counter
	presumedAborts metric.Int64Counter
	resolved       metric.Int64Counter
}

func newCoordinatorMetrics() *coordinatorMetrics {
	meter := otel.Meter("github.com/xiaoxuxiansheng/goxa")
	m := &coordinatorMetrics{}
	var err error

	m.refreshes, err = meter.Int64Counter(
		"goxa.resource.refreshes",
		metric.WithDescription("XAResource connection refresh attempts"),
	)
	logMetricInitError("goxa.resource.refreshes", err)

	m.recovered, err = meter.Int64Counter(
		"goxa.recovery.xids",
		metric.WithDescription("In-doubt XIDs reported by a resource and owned by this service"),
	)
	logMetricInitError("goxa.recovery.xids", err)

	m.claimed, err = meter.Int64Counter(
		"goxa.recovery.claimed",
		metric.WithDescription("Recovered XIDs claimed by a logged branch"),
	)
	logMetricInitError("goxa.recovery.claimed", err)

	m.presumedAborts, err = meter.Int64Counter(
		"goxa.recovery.presumed_aborts",
		metric.WithDescription("Rollbacks issued for unclaimed XIDs"),
	)
	logMetricInitError("goxa.recovery.presumed_aborts", err)

	m.resolved, err = meter.Int64Counter(
		"goxa.recovery.resolved",
		metric.WithDescription("Logged branches resolved by a recovery pass"),
	)
	logMetricInitError("goxa.recovery.resolved", err)

	return m
}

func logMetricInitError(name string, err error) {
	if err == nil {
		return
	}
	log.Warnf("goxa: failed to init metric %s, err: %v", name, err)
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func (m *coordinatorMetrics) recordRefresh(ctx context.Context, resource string, err error) {
	if m == nil || m.refreshes == nil {
		return
	}
	m.refreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("goxa.resource", resource),
		attribute.String("goxa.result", metricResultLabel(err)),
	))
}

func (m *coordinatorMetrics) recordRecovered(ctx context.Context, resource string, count int) {
	if m == nil || m.recovered == nil || count == 0 {
		return
	}
	m.recovered.Add(ctx, int64(count), metric.WithAttributes(attribute.String("goxa.resource", resource)))
}

func (m *coordinatorMetrics) recordClaimed(ctx context.Context, resource string) {
	if m == nil || m.claimed == nil {
		return
	}
	m.claimed.Add(ctx, 1, metric.WithAttributes(attribute.String("goxa.resource", resource)))
}

func (m *coordinatorMetrics) recordPresumedAbort(ctx context.Context, resource string, err error) {
	if m == nil || m.presumedAborts == nil {
		return
	}
	m.presumedAborts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("goxa.resource", resource),
		attribute.String("goxa.result", metricResultLabel(err)),
	))
}

func (m *coordinatorMetrics) recordResolved(ctx context.Context, state string, err error) {
	if m == nil || m.resolved == nil {
		return
	}
	m.resolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("goxa.branch.state", state),
		attribute.String("goxa.result", metricResultLabel(err)),
	))
}
