package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yungbote/conductor/internal/events"
	"github.com/yungbote/conductor/internal/pkg/logger"
)

// Metrics holds the engine's counters. It subscribes to the event bus and
// records synchronously; the OTel SDK batches export off the hot path, so no
// network I/O happens inside a publish.
type Metrics struct {
	log *logger.Logger

	tasksStarted    metric.Int64Counter
	tasksCompleted  metric.Int64Counter
	tasksFailed     metric.Int64Counter
	tasksReenqueued metric.Int64Counter
	stepsCompleted  metric.Int64Counter
	stepsFailed     metric.Int64Counter
	stepBackoffs    metric.Int64Counter
	cycles          metric.Int64Counter
}

func NewMetrics(baseLog *logger.Logger) *Metrics {
	meter := otel.Meter("conductor/engine")
	m := &Metrics{log: baseLog.With("component", "Metrics")}
	m.tasksStarted, _ = meter.Int64Counter("conductor.tasks.started")
	m.tasksCompleted, _ = meter.Int64Counter("conductor.tasks.completed")
	m.tasksFailed, _ = meter.Int64Counter("conductor.tasks.failed")
	m.tasksReenqueued, _ = meter.Int64Counter("conductor.tasks.reenqueued")
	m.stepsCompleted, _ = meter.Int64Counter("conductor.steps.completed")
	m.stepsFailed, _ = meter.Int64Counter("conductor.steps.failed")
	m.stepBackoffs, _ = meter.Int64Counter("conductor.steps.backoff_scheduled")
	m.cycles, _ = meter.Int64Counter("conductor.cycles.finished")
	return m
}

// Attach registers the metrics subscriber on the bus.
func (m *Metrics) Attach(bus *events.Bus) {
	bus.SubscribeAll("metrics", m.observe)
}

func (m *Metrics) observe(ctx context.Context, ev events.Event) {
	switch ev.Name {
	case events.TaskStarted:
		m.tasksStarted.Add(ctx, 1)
	case events.TaskCompleted:
		m.tasksCompleted.Add(ctx, 1)
	case events.TaskFailed:
		m.tasksFailed.Add(ctx, 1)
	case events.TaskReenqueued:
		m.tasksReenqueued.Add(ctx, 1)
	case events.StepCompleted:
		m.stepsCompleted.Add(ctx, 1)
	case events.StepFailed:
		m.stepsFailed.Add(ctx, 1)
	case events.StepBackoff:
		m.stepBackoffs.Add(ctx, 1)
	case events.CycleFinished:
		status, _ := ev.Metadata["execution_status"].(string)
		m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("execution_status", status)))
	}
}
