package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/conductor/internal/backoff"
	"github.com/yungbote/conductor/internal/cache"
	"github.com/yungbote/conductor/internal/db"
	"github.com/yungbote/conductor/internal/engine"
	"github.com/yungbote/conductor/internal/events"
	"github.com/yungbote/conductor/internal/pkg/apperr"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/readiness"
	"github.com/yungbote/conductor/internal/repos"
	"github.com/yungbote/conductor/internal/services"
	"github.com/yungbote/conductor/internal/statemachine"
	"github.com/yungbote/conductor/internal/types"
)

// recordReenqueuer captures finalizer decisions instead of scheduling.
type recordReenqueuer struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *recordReenqueuer) Enqueue(ctx context.Context, taskID int64, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, delay)
	return nil
}

type harness struct {
	gdb         *gorm.DB
	machine     *statemachine.Machine
	readiness   *readiness.Engine
	handlers    *engine.Registry
	coordinator *engine.Coordinator
	bus         *events.Bus
	registry    *services.RegistryService
	intake      *services.IntakeService
	reenqueued  *recordReenqueuer

	mu        sync.Mutex
	completed []string
}

func newHarness(t *testing.T, backoffCfg backoff.Config, execCfg engine.ExecutionConfig) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLogger.Default.LogMode(gormLogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := gdb.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := logger.NewNop()
	bus := events.NewBus(log)
	taskRepo := repos.NewTaskRepo(gdb, log)
	stepRepo := repos.NewWorkflowStepRepo(gdb, log)
	edgeRepo := repos.NewStepEdgeRepo(gdb, log)
	namedRepo := repos.NewNamedRepo(gdb, log)

	machine := statemachine.New(gdb, log)
	readinessEngine := readiness.NewEngine(gdb, backoffCfg, log)
	store := cache.NewLocalStore()
	governor := engine.NewGovernor(taskRepo, stepRepo, sqlDB.Stats, execCfg, store, nil, log)
	handlerRegistry := engine.NewRegistry()
	executor := engine.NewExecutor(gdb, machine, backoffCfg, governor, bus, execCfg, log)
	reenqueued := &recordReenqueuer{}
	finalizer := engine.NewFinalizer(machine, taskRepo, backoffCfg, reenqueued, bus, log)
	coordinator := engine.NewCoordinator(gdb, taskRepo, stepRepo, namedRepo, readinessEngine, machine, executor, finalizer, handlerRegistry, bus, log)

	h := &harness{
		gdb:         gdb,
		machine:     machine,
		readiness:   readinessEngine,
		handlers:    handlerRegistry,
		coordinator: coordinator,
		bus:         bus,
		registry:    services.NewRegistryService(gdb, namedRepo, handlerRegistry, log),
		intake:      services.NewIntakeService(gdb, taskRepo, stepRepo, edgeRepo, namedRepo, engine.NopReenqueuer{}, bus, time.Minute, log),
		reenqueued:  reenqueued,
	}
	bus.Subscribe(events.StepCompleted, "order", func(ctx context.Context, ev events.Event) {
		name, _ := ev.Metadata["step"].(string)
		h.mu.Lock()
		h.completed = append(h.completed, name)
		h.mu.Unlock()
	})
	return h
}

func fastBackoff() backoff.Config {
	cfg := backoff.DefaultConfig()
	cfg.DefaultBackoffSeconds = []int{0, 0, 0, 0, 0, 0}
	cfg.JitterEnabled = false
	return cfg
}

func (h *harness) submit(t *testing.T, def services.TaskDefinition, req services.TaskRequest) *types.Task {
	t.Helper()
	if _, err := h.registry.RegisterTaskDefinition(context.Background(), def); err != nil {
		t.Fatalf("register: %v", err)
	}
	task, err := h.intake.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return task
}

func (h *harness) registerOK(t *testing.T, class string) {
	t.Helper()
	err := h.handlers.Register(class, engine.HandlerFunc(func(ctx context.Context, task *types.Task, seq *engine.StepSequence, step *types.WorkflowStep) (map[string]any, error) {
		return map[string]any{"handled": step.Name}, nil
	}))
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}
}

func (h *harness) taskState(t *testing.T, taskID int64) string {
	t.Helper()
	state, err := h.machine.CurrentTaskState(context.Background(), nil, taskID)
	if err != nil {
		t.Fatalf("task state: %v", err)
	}
	return state
}

func (h *harness) stepByName(t *testing.T, taskID int64, name string) *types.WorkflowStep {
	t.Helper()
	var step types.WorkflowStep
	if err := h.gdb.Where("task_id = ? AND name = ?", taskID, name).First(&step).Error; err != nil {
		t.Fatalf("step %s: %v", name, err)
	}
	return &step
}

func linearDef(steps ...string) services.TaskDefinition {
	def := services.TaskDefinition{Name: "linear", Version: "1.0.0"}
	for i, name := range steps {
		st := services.StepTemplate{Name: name, HandlerClass: "ok"}
		if i > 0 {
			st.DependsOn = []string{steps[i-1]}
		}
		def.Steps = append(def.Steps, st)
	}
	return def
}

func TestLinearChainHappyPath(t *testing.T) {
	h := newHarness(t, fastBackoff(), engine.DefaultExecutionConfig())
	h.registerOK(t, "ok")
	task := h.submit(t, linearDef("a", "b", "c"), services.TaskRequest{Name: "linear", Context: map[string]any{}})

	if err := h.coordinator.Handle(context.Background(), task.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := h.taskState(t, task.ID); got != statemachine.TaskComplete {
		t.Fatalf("task state %q", got)
	}
	h.mu.Lock()
	order := append([]string{}, h.completed...)
	h.mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("completion order %v", order)
	}
	for _, name := range []string{"a", "b", "c"} {
		step := h.stepByName(t, task.ID, name)
		if step.Attempts != 1 || !step.Processed {
			t.Fatalf("step %s attempts=%d processed=%v", name, step.Attempts, step.Processed)
		}
		var transitions []*types.WorkflowStepTransition
		h.gdb.Where("workflow_step_id = ?", step.ID).Order("sort_key ASC").Find(&transitions)
		if len(transitions) != 2 ||
			transitions[0].ToState != statemachine.StepInProgress ||
			transitions[1].ToState != statemachine.StepComplete {
			t.Fatalf("step %s transition log unexpected: %+v", name, transitions)
		}
	}
}

func TestTransientFailureRecovered(t *testing.T) {
	h := newHarness(t, fastBackoff(), engine.DefaultExecutionConfig())
	var fails int
	err := h.handlers.Register("flaky", engine.HandlerFunc(func(ctx context.Context, task *types.Task, seq *engine.StepSequence, step *types.WorkflowStep) (map[string]any, error) {
		if fails < 2 {
			fails++
			return nil, apperr.Retryable(errors.New("transient"))
		}
		return map[string]any{"ok": true}, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h.registerOK(t, "ok")

	def := services.TaskDefinition{
		Name:    "flaky_chain",
		Version: "1.0.0",
		Steps: []services.StepTemplate{
			{Name: "a", HandlerClass: "flaky"},
			{Name: "b", HandlerClass: "ok", DependsOn: []string{"a"}},
		},
	}
	task := h.submit(t, def, services.TaskRequest{Name: "flaky_chain", Context: map[string]any{}})

	if err := h.coordinator.Handle(context.Background(), task.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := h.taskState(t, task.ID); got != statemachine.TaskComplete {
		t.Fatalf("task state %q", got)
	}
	a := h.stepByName(t, task.ID, "a")
	if a.Attempts != 3 {
		t.Fatalf("a attempts %d want 3", a.Attempts)
	}
	b := h.stepByName(t, task.ID, "b")
	if b.Attempts != 1 {
		t.Fatalf("b attempts %d want 1", b.Attempts)
	}
}

func TestPermanentFailureStopsRetries(t *testing.T) {
	h := newHarness(t, fastBackoff(), engine.DefaultExecutionConfig())
	calls := 0
	err := h.handlers.Register("fatal", engine.HandlerFunc(func(ctx context.Context, task *types.Task, seq *engine.StepSequence, step *types.WorkflowStep) (map[string]any, error) {
		calls++
		return nil, apperr.Permanent("validation", errors.New("bad input"))
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	retryLimit := 5
	def := services.TaskDefinition{
		Name:    "fatal_wf",
		Version: "1.0.0",
		Steps:   []services.StepTemplate{{Name: "only", HandlerClass: "fatal", DefaultRetryLimit: &retryLimit}},
	}
	task := h.submit(t, def, services.TaskRequest{Name: "fatal_wf", Context: map[string]any{}})

	if err := h.coordinator.Handle(context.Background(), task.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := h.taskState(t, task.ID); got != statemachine.TaskError {
		t.Fatalf("task state %q", got)
	}
	if calls != 1 {
		t.Fatalf("handler invoked %d times, want 1", calls)
	}
	step := h.stepByName(t, task.ID, "only")
	if step.Attempts != 1 {
		t.Fatalf("attempts %d want 1", step.Attempts)
	}
	tr, err := h.machine.MostRecentStepTo(context.Background(), nil, step.ID, statemachine.StepError)
	if err != nil || tr == nil {
		t.Fatalf("error transition missing: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(tr.Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if p, _ := meta["permanent"].(bool); !p {
		t.Fatalf("permanent marker missing: %v", meta)
	}
	if len(h.reenqueued.calls) != 0 {
		t.Fatalf("terminal error must not reenqueue: %v", h.reenqueued.calls)
	}
}

func TestRetriesExhaustedBlocksTask(t *testing.T) {
	h := newHarness(t, fastBackoff(), engine.DefaultExecutionConfig())
	err := h.handlers.Register("always_fail", engine.HandlerFunc(func(ctx context.Context, task *types.Task, seq *engine.StepSequence, step *types.WorkflowStep) (map[string]any, error) {
		return nil, apperr.Retryable(errors.New("still broken"))
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	retryLimit := 3
	def := services.TaskDefinition{
		Name:    "doomed",
		Version: "1.0.0",
		Steps:   []services.StepTemplate{{Name: "only", HandlerClass: "always_fail", DefaultRetryLimit: &retryLimit}},
	}
	task := h.submit(t, def, services.TaskRequest{Name: "doomed", Context: map[string]any{}})

	if err := h.coordinator.Handle(context.Background(), task.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := h.taskState(t, task.ID); got != statemachine.TaskError {
		t.Fatalf("task state %q want error", got)
	}
	step := h.stepByName(t, task.ID, "only")
	if step.Attempts != 3 {
		t.Fatalf("attempts %d want 3", step.Attempts)
	}
}

func TestDiamondParallelBranches(t *testing.T) {
	h := newHarness(t, fastBackoff(), engine.DefaultExecutionConfig())
	h.registerOK(t, "ok")
	def := services.TaskDefinition{
		Name:    "diamond",
		Version: "1.0.0",
		Steps: []services.StepTemplate{
			{Name: "a", HandlerClass: "ok"},
			{Name: "b", HandlerClass: "ok", DependsOn: []string{"a"}},
			{Name: "c", HandlerClass: "ok", DependsOn: []string{"a"}},
			{Name: "d", HandlerClass: "ok", DependsOn: []string{"b", "c"}},
		},
	}
	task := h.submit(t, def, services.TaskRequest{Name: "diamond", Context: map[string]any{}})

	if err := h.coordinator.Handle(context.Background(), task.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := h.taskState(t, task.ID); got != statemachine.TaskComplete {
		t.Fatalf("task state %q", got)
	}

	h.mu.Lock()
	order := append([]string{}, h.completed...)
	h.mu.Unlock()
	if len(order) != 4 || order[0] != "a" || order[3] != "d" {
		t.Fatalf("completion order %v: a must be first, d last", order)
	}

	summary, err := h.readiness.WorkflowSummary(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.ParallelBranchCount != 2 || summary.ParallelismPotential != readiness.ParallelismModerate {
		t.Fatalf("parallelism: %d %q", summary.ParallelBranchCount, summary.ParallelismPotential)
	}
}

func TestRerunCompletedTaskIsNoop(t *testing.T) {
	h := newHarness(t, fastBackoff(), engine.DefaultExecutionConfig())
	h.registerOK(t, "ok")
	task := h.submit(t, linearDef("a"), services.TaskRequest{Name: "linear", Context: map[string]any{}})

	if err := h.coordinator.Handle(context.Background(), task.ID); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	var before int64
	h.gdb.Model(&types.TaskTransition{}).Where("task_id = ?", task.ID).Count(&before)

	if err := h.coordinator.Handle(context.Background(), task.ID); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	var after int64
	h.gdb.Model(&types.TaskTransition{}).Where("task_id = ?", task.ID).Count(&after)
	if before != after {
		t.Fatalf("rerun added transitions: %d -> %d", before, after)
	}
}

func TestCancelledTaskHaltsDispatch(t *testing.T) {
	h := newHarness(t, fastBackoff(), engine.DefaultExecutionConfig())
	h.registerOK(t, "ok")
	task := h.submit(t, linearDef("a", "b"), services.TaskRequest{Name: "linear", Context: map[string]any{}})

	if err := h.coordinator.Cancel(context.Background(), task.ID, "operator request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := h.coordinator.Handle(context.Background(), task.ID); err != nil {
		t.Fatalf("handle after cancel: %v", err)
	}
	a := h.stepByName(t, task.ID, "a")
	if a.Attempts != 0 {
		t.Fatalf("cancelled task dispatched a step")
	}
	if got := h.taskState(t, task.ID); got != statemachine.TaskCancelled {
		t.Fatalf("task state %q", got)
	}
}

func TestBatchTimeoutIsRetryableWithTimeoutCode(t *testing.T) {
	execCfg := engine.DefaultExecutionConfig()
	execCfg.BaseTimeout = 50 * time.Millisecond
	execCfg.PerStepTimeout = 0
	h := newHarness(t, fastBackoff(), execCfg)

	err := h.handlers.Register("sleepy", engine.HandlerFunc(func(ctx context.Context, task *types.Task, seq *engine.StepSequence, step *types.WorkflowStep) (map[string]any, error) {
		time.Sleep(300 * time.Millisecond) // ignores cancellation on purpose
		return map[string]any{}, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	retryLimit := 1
	def := services.TaskDefinition{
		Name:    "slow",
		Version: "1.0.0",
		Steps:   []services.StepTemplate{{Name: "only", HandlerClass: "sleepy", DefaultRetryLimit: &retryLimit}},
	}
	task := h.submit(t, def, services.TaskRequest{Name: "slow", Context: map[string]any{}})

	if err := h.coordinator.Handle(context.Background(), task.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := h.taskState(t, task.ID); got != statemachine.TaskError {
		t.Fatalf("task state %q want error", got)
	}
	step := h.stepByName(t, task.ID, "only")
	tr, err := h.machine.MostRecentStepTo(context.Background(), nil, step.ID, statemachine.StepError)
	if err != nil || tr == nil {
		t.Fatalf("error transition missing: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(tr.Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if code, _ := meta["code"].(string); code != "timeout" {
		t.Fatalf("code %q want timeout (meta %v)", code, meta)
	}
}

func TestNoStepDispatchedTwiceInOneCycle(t *testing.T) {
	h := newHarness(t, fastBackoff(), engine.DefaultExecutionConfig())
	var mu sync.Mutex
	invocations := map[string]int{}
	err := h.handlers.Register("count", engine.HandlerFunc(func(ctx context.Context, task *types.Task, seq *engine.StepSequence, step *types.WorkflowStep) (map[string]any, error) {
		mu.Lock()
		invocations[step.Name]++
		mu.Unlock()
		return map[string]any{}, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	def := services.TaskDefinition{
		Name:    "fanout",
		Version: "1.0.0",
		Steps: []services.StepTemplate{
			{Name: "a", HandlerClass: "count"},
			{Name: "b", HandlerClass: "count"},
			{Name: "c", HandlerClass: "count"},
		},
	}
	task := h.submit(t, def, services.TaskRequest{Name: "fanout", Context: map[string]any{}})
	if err := h.coordinator.Handle(context.Background(), task.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	for name, n := range invocations {
		if n != 1 {
			t.Fatalf("step %s invoked %d times", name, n)
		}
	}
	if len(invocations) != 3 {
		t.Fatalf("invocations %v", invocations)
	}
}

func TestHandlerReadsPreviousResults(t *testing.T) {
	h := newHarness(t, fastBackoff(), engine.DefaultExecutionConfig())
	err := h.handlers.Register("produce", engine.HandlerFunc(func(ctx context.Context, task *types.Task, seq *engine.StepSequence, step *types.WorkflowStep) (map[string]any, error) {
		return map[string]any{"value": 21}, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	var got float64
	err = h.handlers.Register("consume", engine.HandlerFunc(func(ctx context.Context, task *types.Task, seq *engine.StepSequence, step *types.WorkflowStep) (map[string]any, error) {
		parent := seq.Find("produce_step")
		if parent == nil || len(parent.Results) == 0 {
			return nil, apperr.Permanent("missing_input", errors.New("parent results unavailable"))
		}
		var out map[string]any
		if err := json.Unmarshal(parent.Results, &out); err != nil {
			return nil, err
		}
		got, _ = out["value"].(float64)
		return map[string]any{"doubled": got * 2}, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	def := services.TaskDefinition{
		Name:    "pipeline",
		Version: "1.0.0",
		Steps: []services.StepTemplate{
			{Name: "produce_step", HandlerClass: "produce"},
			{Name: "consume_step", HandlerClass: "consume", DependsOn: []string{"produce_step"}},
		},
	}
	task := h.submit(t, def, services.TaskRequest{Name: "pipeline", Context: map[string]any{}})
	if err := h.coordinator.Handle(context.Background(), task.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := h.taskState(t, task.ID); got != statemachine.TaskComplete {
		t.Fatalf("task state %q", got)
	}
	if got != 21 {
		t.Fatalf("consumer read %v want 21", got)
	}
}

func TestFinalizerReenqueuesWhenWaiting(t *testing.T) {
	cfg := backoff.DefaultConfig() // real backoff: failure leaves a future retry
	cfg.JitterEnabled = false
	h := newHarness(t, cfg, engine.DefaultExecutionConfig())
	err := h.handlers.Register("flaky_once", engine.HandlerFunc(func(ctx context.Context, task *types.Task, seq *engine.StepSequence, step *types.WorkflowStep) (map[string]any, error) {
		return nil, apperr.RetryableAfter(errors.New("slow down"), 30)
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	def := services.TaskDefinition{
		Name:    "backoff_wf",
		Version: "1.0.0",
		Steps:   []services.StepTemplate{{Name: "only", HandlerClass: "flaky_once"}},
	}
	task := h.submit(t, def, services.TaskRequest{Name: "backoff_wf", Context: map[string]any{}})
	if err := h.coordinator.Handle(context.Background(), task.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := h.taskState(t, task.ID); got != statemachine.TaskInProgress {
		t.Fatalf("task state %q want in_progress (waiting on retry)", got)
	}
	if len(h.reenqueued.calls) != 1 {
		t.Fatalf("expected one reenqueue, got %v", h.reenqueued.calls)
	}
	// The 30s server retry-after is shorter than the configured 45s waiting
	// delay, so the waiting delay wins: 45s plus the 5s buffer.
	if h.reenqueued.calls[0] < 45*time.Second {
		t.Fatalf("reenqueue delay %v too short", h.reenqueued.calls[0])
	}
	step := h.stepByName(t, task.ID, "only")
	if step.BackoffRequestSeconds == nil || *step.BackoffRequestSeconds != 30 {
		t.Fatalf("backoff_request_seconds %v want 30", step.BackoffRequestSeconds)
	}
}
