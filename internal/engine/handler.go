package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yungbote/conductor/internal/types"
)

// Handler is the code the engine invokes to run one step. It reads inputs
// from task.Context and from previous steps' results via seq.Find, and
// returns the output the engine serializes into step.Results. Failures are
// signalled with apperr.Retryable / apperr.Permanent; any other error is
// treated as retryable. Handlers need not be safe for concurrent use: the
// engine guarantees at most one concurrent invocation per step.
type Handler interface {
	Handle(ctx context.Context, task *types.Task, seq *StepSequence, step *types.WorkflowStep) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *types.Task, seq *StepSequence, step *types.WorkflowStep) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, task *types.Task, seq *StepSequence, step *types.WorkflowStep) (map[string]any, error) {
	return f(ctx, task, seq, step)
}

// StepSequence is the ordered view of a task's steps handed to handlers.
type StepSequence struct {
	steps  []*types.WorkflowStep
	byName map[string]*types.WorkflowStep
}

func NewStepSequence(steps []*types.WorkflowStep) *StepSequence {
	sorted := make([]*types.WorkflowStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SortKey != sorted[j].SortKey {
			return sorted[i].SortKey < sorted[j].SortKey
		}
		return sorted[i].ID < sorted[j].ID
	})
	byName := make(map[string]*types.WorkflowStep, len(sorted))
	for _, s := range sorted {
		byName[s.Name] = s
	}
	return &StepSequence{steps: sorted, byName: byName}
}

// Find returns the step with the given name, or nil.
func (s *StepSequence) Find(name string) *types.WorkflowStep {
	return s.byName[name]
}

func (s *StepSequence) Steps() []*types.WorkflowStep { return s.steps }

// Registry maps handler class names to handler implementations. Registration
// happens at boot; lookups are read-mostly.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(handlerClass string, h Handler) error {
	handlerClass = strings.TrimSpace(handlerClass)
	if handlerClass == "" {
		return fmt.Errorf("handler class is empty")
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", handlerClass)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[handlerClass]; exists {
		return fmt.Errorf("handler %q already registered", handlerClass)
	}
	r.handlers[handlerClass] = h
	return nil
}

func (r *Registry) Get(handlerClass string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerClass]
	return h, ok
}

func (r *Registry) Known(handlerClass string) bool {
	_, ok := r.Get(handlerClass)
	return ok
}
