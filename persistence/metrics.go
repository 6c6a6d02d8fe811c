package persistence

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/xiaoxuxiansheng/goxa/log"
)

type logMetrics struct {
	flushDuration  metric.Int64Histogram
	flushes        metric.Int64Counter
	deletes        metric.Int64Counter
	checkpoints    metric.Int64Counter
	replayRecords  metric.Int64Counter
	replayDuration metric.Int64Histogram
}

func newLogMetrics() *logMetrics {
	meter := otel.Meter("github.com/xiaoxuxiansheng/goxa/persistence")
	m := &logMetrics{}
	var err error

	m.flushDuration, err = meter.Int64Histogram(
		"goxa.log.flush.duration_us",
		metric.WithDescription("Time spent appending and syncing a state image"),
		metric.WithUnit("us"),
	)
	logMetricInitError("goxa.log.flush.duration_us", err)

	m.flushes, err = meter.Int64Counter(
		"goxa.log.flushes",
		metric.WithDescription("State images written to the log"),
	)
	logMetricInitError("goxa.log.flushes", err)

	m.deletes, err = meter.Int64Counter(
		"goxa.log.deletes",
		metric.WithDescription("State images deleted from the log"),
	)
	logMetricInitError("goxa.log.deletes", err)

	m.checkpoints, err = meter.Int64Counter(
		"goxa.log.checkpoints",
		metric.WithDescription("Checkpoints written"),
	)
	logMetricInitError("goxa.log.checkpoints", err)

	m.replayRecords, err = meter.Int64Counter(
		"goxa.log.replay.records",
		metric.WithDescription("Records applied while replaying the log"),
	)
	logMetricInitError("goxa.log.replay.records", err)

	m.replayDuration, err = meter.Int64Histogram(
		"goxa.log.replay.duration_ms",
		metric.WithDescription("Time spent replaying the log"),
		metric.WithUnit("ms"),
	)
	logMetricInitError("goxa.log.replay.duration_ms", err)

	return m
}

func logMetricInitError(name string, err error) {
	if err == nil {
		return
	}
	log.Warnf("metric %s init failed: %v", name, err)
}

func (m *logMetrics) recordFlush(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	if m.flushDuration != nil {
		m.flushDuration.Record(ctx, duration.Microseconds())
	}
	if m.flushes != nil {
		m.flushes.Add(ctx, 1)
	}
}

func (m *logMetrics) recordDelete(ctx context.Context) {
	if m == nil || m.deletes == nil {
		return
	}
	m.deletes.Add(ctx, 1)
}

func (m *logMetrics) recordCheckpoint(ctx context.Context) {
	if m == nil || m.checkpoints == nil {
		return
	}
	m.checkpoints.Add(ctx, 1)
}

func (m *logMetrics) recordReplay(ctx context.Context, records int, duration time.Duration) {
	if m == nil {
		return
	}
	if m.replayRecords != nil {
		m.replayRecords.Add(ctx, int64(records))
	}
	if m.replayDuration != nil {
		m.replayDuration.Record(ctx, duration.Milliseconds())
	}
}
