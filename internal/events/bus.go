package events

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/conductor/internal/pkg/ctxutil"
	"github.com/yungbote/conductor/internal/pkg/logger"
)

// Event names published by the engine.
const (
	TaskSubmitted    = "task.submitted"
	TaskStarted      = "task.started"
	TaskCompleted    = "task.completed"
	TaskFailed       = "task.failed"
	TaskCancelled    = "task.cancelled"
	TaskReenqueued   = "task.reenqueued"
	StepBeforeHandle = "step.before_handle"
	StepCompleted    = "step.completed"
	StepFailed       = "step.failed"
	StepBackoff      = "step.backoff"
	CycleStarted     = "cycle.started"
	CycleFinished    = "cycle.finished"
)

// Event is what subscribers receive. Metadata is a fresh map per publish;
// subscribers may read it but must not assume it survives the call.
type Event struct {
	Name     string
	TaskID   int64
	StepID   int64
	At       time.Time
	Metadata map[string]any
}

type Subscriber func(ctx context.Context, ev Event)

type subscription struct {
	name string
	fn   Subscriber
}

// Bus delivers events synchronously to named subscribers. A subscriber
// panicking or misbehaving never fails the workflow: the panic is recovered
// and logged, and delivery continues. Subscribers that publish metrics must
// not perform synchronous network I/O here.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscription
	log  *logger.Logger
}

func NewBus(baseLog *logger.Logger) *Bus {
	return &Bus{
		subs: map[string][]subscription{},
		log:  baseLog.With("component", "EventBus"),
	}
}

// Subscribe registers fn for one event name. The subscriber name is only
// used for logging failures.
func (b *Bus) Subscribe(event string, name string, fn Subscriber) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[event] = append(b.subs[event], subscription{name: name, fn: fn})
}

// SubscribeAll registers fn for every event name the engine publishes.
func (b *Bus) SubscribeAll(name string, fn Subscriber) {
	for _, ev := range []string{
		TaskSubmitted, TaskStarted, TaskCompleted, TaskFailed, TaskCancelled, TaskReenqueued,
		StepBeforeHandle, StepCompleted, StepFailed, StepBackoff,
		CycleStarted, CycleFinished,
	} {
		b.Subscribe(ev, name, fn)
	}
}

// Publish delivers ev to all subscribers of ev.Name, in registration order,
// on the caller's goroutine. The correlation id on ctx is injected into the
// event metadata.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if cid := ctxutil.CorrelationID(ctx); cid != "" {
		if ev.Metadata == nil {
			ev.Metadata = map[string]any{}
		}
		ev.Metadata["correlation_id"] = cid
	}

	b.mu.RLock()
	subs := b.subs[ev.Name]
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(ctx, sub, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, sub subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("event subscriber panicked", "event", ev.Name, "subscriber", sub.name, "panic", r)
		}
	}()
	sub.fn(ctx, ev)
}
