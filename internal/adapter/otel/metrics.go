package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agenttask"

// Metrics holds the scheduler's metric instruments.
type Metrics struct {
	TasksCreated    metric.Int64Counter
	TasksQueued     metric.Int64Counter
	TasksStarted    metric.Int64Counter
	TasksReported   metric.Int64Counter
	TasksFallback   metric.Int64Counter
	TasksTerminated metric.Int64Counter
	WaitDuration    metric.Float64Histogram

	meter metric.Meter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{meter: meter}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TasksCreated, "agenttask.tasks.created", "Number of tasks admitted"},
		{&m.TasksQueued, "agenttask.tasks.queued", "Number of tasks queued for lack of capacity"},
		{&m.TasksStarted, "agenttask.tasks.started", "Number of tasks that began execution"},
		{&m.TasksReported, "agenttask.tasks.reported", "Number of tasks finalized with a report"},
		{&m.TasksFallback, "agenttask.tasks.fallback", "Number of tasks finalized with a fallback report"},
		{&m.TasksTerminated, "agenttask.tasks.terminated", "Number of tasks torn down by termination"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.WaitDuration, err = meter.Float64Histogram("agenttask.wait.duration_seconds",
		metric.WithDescription("Time callers spent waiting for a task report"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterActiveGauge reports the scheduler's active task count on every
// collection cycle.
func (m *Metrics) RegisterActiveGauge(active func(ctx context.Context) (int64, error)) error {
	_, err := m.meter.Int64ObservableGauge("agenttask.tasks.active",
		metric.WithDescription("Tasks counted against the parallelism limit"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := active(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		}),
	)
	return err
}
