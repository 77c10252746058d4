package engine

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/conductor/internal/pkg/logger"
)

// LoopReenqueuer is the in-process fallback when no host job system is
// configured: it schedules the next cycle on a timer inside this process.
// Nothing survives a restart, which is fine for dev and tests; production
// runs behind Temporal. Duplicate enqueues for one task collapse to the
// timer already pending; a later enqueue does not reschedule it, even with a
// shorter delay.
type LoopReenqueuer struct {
	log    *logger.Logger
	handle func(ctx context.Context, taskID int64) error

	mu      sync.Mutex
	pending map[int64]*time.Timer
	base    context.Context
}

func NewLoopReenqueuer(baseLog *logger.Logger) *LoopReenqueuer {
	return &LoopReenqueuer{
		log:     baseLog.With("component", "LoopReenqueuer"),
		pending: map[int64]*time.Timer{},
		base:    context.Background(),
	}
}

// Bind attaches the cycle entrypoint. Done after construction because the
// coordinator's finalizer needs the reenqueuer first.
func (l *LoopReenqueuer) Bind(handle func(ctx context.Context, taskID int64) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handle = handle
}

func (l *LoopReenqueuer) Enqueue(ctx context.Context, taskID int64, delay time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == nil {
		l.log.Warn("enqueue before Bind; dropping", "task_id", taskID)
		return nil
	}
	if _, exists := l.pending[taskID]; exists {
		return nil
	}
	if delay < 0 {
		delay = 0
	}
	l.pending[taskID] = time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.pending, taskID)
		handle := l.handle
		l.mu.Unlock()
		if err := handle(l.base, taskID); err != nil {
			l.log.Warn("cycle failed", "task_id", taskID, "error", err)
		}
	})
	return nil
}

// Stop cancels all pending timers.
func (l *LoopReenqueuer) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, t := range l.pending {
		t.Stop()
		delete(l.pending, id)
	}
}
