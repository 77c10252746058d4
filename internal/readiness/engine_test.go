package readiness

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/conductor/internal/backoff"
	"github.com/yungbote/conductor/internal/db"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/statemachine"
	"github.com/yungbote/conductor/internal/types"
)

type fixture struct {
	gdb     *gorm.DB
	machine *statemachine.Machine
	engine  *Engine
	task    *types.Task
	steps   map[string]*types.WorkflowStep
}

func newFixture(t *testing.T, stepNames []string, edges [][2]string, bypass []string) *fixture {
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

	ns := &types.TaskNamespace{Name: "default"}
	gdb.Create(ns)
	nt := &types.NamedTask{NamespaceID: ns.ID, Name: "wf", Version: "1.0.0"}
	gdb.Create(nt)
	ds := &types.DependentSystem{Name: "default"}
	gdb.Create(ds)

	var bypassJSON datatypes.JSON
	if len(bypass) > 0 {
		b, _ := json.Marshal(bypass)
		bypassJSON = datatypes.JSON(b)
	}
	task := &types.Task{
		NamedTaskID:  nt.ID,
		RequestedAt:  time.Now().UTC(),
		IdentityHash: fmt.Sprintf("hash-%s", t.Name()),
		Initiator:    "unknown",
		SourceSystem: "unknown",
		Reason:       "unknown",
		BypassSteps:  bypassJSON,
	}
	if err := gdb.Create(task).Error; err != nil {
		t.Fatalf("task: %v", err)
	}

	f := &fixture{
		gdb:     gdb,
		machine: statemachine.New(gdb, logger.NewNop()),
		task:    task,
		steps:   map[string]*types.WorkflowStep{},
	}
	for i, name := range stepNames {
		nstep := &types.NamedStep{DependentSystemID: ds.ID, Name: name}
		if err := gdb.Create(nstep).Error; err != nil {
			t.Fatalf("named step %s: %v", name, err)
		}
		step := &types.WorkflowStep{
			TaskID:      task.ID,
			NamedStepID: nstep.ID,
			Name:        name,
			SortKey:     i,
			RetryLimit:  3,
		}
		if err := gdb.Create(step).Error; err != nil {
			t.Fatalf("step %s: %v", name, err)
		}
		f.steps[name] = step
	}
	for _, e := range edges {
		edge := &types.WorkflowStepEdge{
			TaskID:     task.ID,
			FromStepID: f.steps[e[0]].ID,
			ToStepID:   f.steps[e[1]].ID,
			Name:       "provides",
		}
		if err := gdb.Create(edge).Error; err != nil {
			t.Fatalf("edge %v: %v", e, err)
		}
	}

	cfg := backoff.DefaultConfig()
	f.engine = NewEngine(gdb, cfg, logger.NewNop())
	return f
}

func (f *fixture) complete(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()
	step := f.steps[name]
	if _, err := f.machine.TransitionStep(ctx, nil, step.ID, statemachine.StepInProgress, nil); err != nil {
		t.Fatalf("%s in_progress: %v", name, err)
	}
	if _, err := f.machine.TransitionStep(ctx, nil, step.ID, statemachine.StepComplete, nil); err != nil {
		t.Fatalf("%s complete: %v", name, err)
	}
	if err := f.gdb.Model(step).Updates(map[string]interface{}{"processed": true, "attempts": 1}).Error; err != nil {
		t.Fatalf("%s processed: %v", name, err)
	}
}

func (f *fixture) fail(t *testing.T, name string, attempts int, backoffSeconds *int, attemptedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	step := f.steps[name]
	if _, err := f.machine.TransitionStep(ctx, nil, step.ID, statemachine.StepInProgress, nil); err != nil {
		t.Fatalf("%s in_progress: %v", name, err)
	}
	if _, err := f.machine.TransitionStep(ctx, nil, step.ID, statemachine.StepError, nil); err != nil {
		t.Fatalf("%s error: %v", name, err)
	}
	updates := map[string]interface{}{"attempts": attempts, "last_attempted_at": attemptedAt}
	if backoffSeconds != nil {
		updates["backoff_request_seconds"] = *backoffSeconds
	}
	if err := f.gdb.Model(step).Updates(updates).Error; err != nil {
		t.Fatalf("%s updates: %v", name, err)
	}
}

func (f *fixture) row(t *testing.T, name string) StepReadinessRow {
	t.Helper()
	rows, err := f.engine.Readiness(context.Background(), f.task.ID)
	if err != nil {
		t.Fatalf("readiness: %v", err)
	}
	for _, r := range rows {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("row %q missing", name)
	return StepReadinessRow{}
}

func TestRootStepIsReady(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, [][2]string{{"a", "b"}}, nil)
	a := f.row(t, "a")
	if !a.ReadyForExecution {
		t.Fatalf("root step should be ready: %+v", a)
	}
	b := f.row(t, "b")
	if b.ReadyForExecution || b.DependenciesSatisfied {
		t.Fatalf("child with incomplete parent should not be ready: %+v", b)
	}
}

func TestParentCompletionUnblocksChild(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, [][2]string{{"a", "b"}}, nil)
	f.complete(t, "a")
	b := f.row(t, "b")
	if !b.DependenciesSatisfied || b.CompletedParents != 1 || !b.ReadyForExecution {
		t.Fatalf("child should be ready after parent completes: %+v", b)
	}
}

func TestInProcessBlocksDispatch(t *testing.T) {
	f := newFixture(t, []string{"a"}, nil, nil)
	f.gdb.Model(f.steps["a"]).Update("in_process", true)
	if r := f.row(t, "a"); r.ReadyForExecution {
		t.Fatalf("in_process step must not be ready")
	}
}

func TestProcessedBlocksDispatch(t *testing.T) {
	f := newFixture(t, []string{"a"}, nil, nil)
	f.gdb.Model(f.steps["a"]).Update("processed", true)
	if r := f.row(t, "a"); r.ReadyForExecution {
		t.Fatalf("processed step must not be ready")
	}
}

func TestRetryableFalseBlocksDispatch(t *testing.T) {
	f := newFixture(t, []string{"a"}, nil, nil)
	f.gdb.Model(f.steps["a"]).Update("retryable", false)
	if r := f.row(t, "a"); r.ReadyForExecution {
		t.Fatalf("non-retryable step must not be ready")
	}
}

func TestAttemptsAtLimitBlocksDispatch(t *testing.T) {
	f := newFixture(t, []string{"a"}, nil, nil)
	f.fail(t, "a", 3, nil, time.Now().Add(-time.Hour))
	r := f.row(t, "a")
	if r.ReadyForExecution || !r.ExhaustedFailure() {
		t.Fatalf("exhausted step must not be ready: %+v", r)
	}
}

func TestBackoffGatesRetry(t *testing.T) {
	f := newFixture(t, []string{"a"}, nil, nil)
	seven := 7
	f.fail(t, "a", 1, &seven, time.Now().UTC())
	r := f.row(t, "a")
	if r.ReadyForExecution {
		t.Fatalf("step inside backoff window must not be ready")
	}
	if r.NextRetryAt == nil {
		t.Fatalf("next_retry_at should be set")
	}

	// Move the attempt into the past: backoff expired.
	f.gdb.Model(f.steps["a"]).Update("last_attempted_at", time.Now().Add(-time.Minute))
	r = f.row(t, "a")
	if !r.ReadyForExecution || !r.RetryEligible {
		t.Fatalf("step past backoff should be ready: %+v", r)
	}
}

func TestExponentialBackoffWithoutRequest(t *testing.T) {
	f := newFixture(t, []string{"a"}, nil, nil)
	// attempts=1 and a fresh failure: exponential table entry 1 = 1s.
	f.fail(t, "a", 1, nil, time.Now().UTC())
	r := f.row(t, "a")
	if r.LastFailureAt == nil || r.NextRetryAt == nil {
		t.Fatalf("failure timestamps missing: %+v", r)
	}
	want := r.LastFailureAt.Add(1 * time.Second)
	if !r.NextRetryAt.Equal(want) {
		t.Fatalf("next retry %v want %v", r.NextRetryAt, want)
	}
}

func TestBypassSkippableSatisfiesDependency(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, [][2]string{{"a", "b"}}, []string{"a"})
	f.gdb.Model(f.steps["a"]).Update("skippable", true)
	b := f.row(t, "b")
	if !b.DependenciesSatisfied || !b.ReadyForExecution {
		t.Fatalf("bypassed skippable parent should satisfy dependency: %+v", b)
	}
}

func TestBypassNonSkippableIgnored(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, [][2]string{{"a", "b"}}, []string{"a"})
	b := f.row(t, "b")
	if b.DependenciesSatisfied || b.ReadyForExecution {
		t.Fatalf("bypass of non-skippable parent must be ignored: %+v", b)
	}
}

func TestExecutionStatusAllComplete(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, [][2]string{{"a", "b"}}, nil)
	f.complete(t, "a")
	f.complete(t, "b")
	execCtx, err := f.engine.ExecutionContext(context.Background(), f.task.ID)
	if err != nil {
		t.Fatalf("execution context: %v", err)
	}
	if execCtx.ExecutionStatus != StatusAllComplete || execCtx.CompletionPercentage != 100 {
		t.Fatalf("got %+v", execCtx)
	}
	if execCtx.RecommendedAction != ActionFinalize || execCtx.HealthStatus != HealthComplete {
		t.Fatalf("labels: %+v", execCtx)
	}
}

func TestExecutionStatusBlockedByFailures(t *testing.T) {
	f := newFixture(t, []string{"a", "b"}, [][2]string{{"a", "b"}}, nil)
	f.fail(t, "a", 3, nil, time.Now().Add(-time.Hour))
	execCtx, err := f.engine.ExecutionContext(context.Background(), f.task.ID)
	if err != nil {
		t.Fatalf("execution context: %v", err)
	}
	if execCtx.ExecutionStatus != StatusBlockedByFailures {
		t.Fatalf("got %q", execCtx.ExecutionStatus)
	}
	if execCtx.RecommendedAction != ActionIntervene {
		t.Fatalf("labels: %+v", execCtx)
	}
}

func TestExecutionStatusWaitingWithMinNextRetry(t *testing.T) {
	f := newFixture(t, []string{"a"}, nil, nil)
	sixty := 60
	f.fail(t, "a", 1, &sixty, time.Now().UTC())
	execCtx, err := f.engine.ExecutionContext(context.Background(), f.task.ID)
	if err != nil {
		t.Fatalf("execution context: %v", err)
	}
	if execCtx.ExecutionStatus != StatusWaitingForDependencies {
		t.Fatalf("got %q", execCtx.ExecutionStatus)
	}
	if execCtx.MinNextRetryAt == nil {
		t.Fatalf("min_next_retry_at missing")
	}
}

func TestExecutionStatusProcessing(t *testing.T) {
	f := newFixture(t, []string{"a"}, nil, nil)
	ctx := context.Background()
	if _, err := f.machine.TransitionStep(ctx, nil, f.steps["a"].ID, statemachine.StepInProgress, nil); err != nil {
		t.Fatalf("in_progress: %v", err)
	}
	f.gdb.Model(f.steps["a"]).Update("in_process", true)
	execCtx, err := f.engine.ExecutionContext(ctx, f.task.ID)
	if err != nil {
		t.Fatalf("execution context: %v", err)
	}
	if execCtx.ExecutionStatus != StatusProcessing {
		t.Fatalf("got %q", execCtx.ExecutionStatus)
	}
}

func TestDiamondWorkflowSummary(t *testing.T) {
	f := newFixture(t, []string{"a", "b", "c", "d"}, [][2]string{
		{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"},
	}, nil)
	f.complete(t, "a")

	summary, err := f.engine.WorkflowSummary(context.Background(), f.task.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(summary.RootStepIDs) != 1 || summary.RootStepIDs[0] != f.steps["a"].ID {
		t.Fatalf("roots: %v", summary.RootStepIDs)
	}
	if len(summary.LeafStepIDs) != 1 || summary.LeafStepIDs[0] != f.steps["d"].ID {
		t.Fatalf("leaves: %v", summary.LeafStepIDs)
	}
	if len(summary.NextExecutableStepIDs) != 2 {
		t.Fatalf("next executable: %v", summary.NextExecutableStepIDs)
	}
	if summary.MaxDependencyDepth != 2 {
		t.Fatalf("depth %d want 2", summary.MaxDependencyDepth)
	}
	if summary.ParallelBranchCount != 2 {
		t.Fatalf("branches %d want 2", summary.ParallelBranchCount)
	}
	if summary.ParallelismPotential != ParallelismModerate {
		t.Fatalf("parallelism %q want %q", summary.ParallelismPotential, ParallelismModerate)
	}
	// d blocked on both branches.
	foundBlocked := false
	for _, b := range summary.BlockedSteps {
		if b.StepID == f.steps["d"].ID {
			foundBlocked = true
		}
	}
	if !foundBlocked {
		t.Fatalf("d should be reported blocked: %+v", summary.BlockedSteps)
	}
}

func TestReadinessSubsetFilter(t *testing.T) {
	f := newFixture(t, []string{"a", "b", "c"}, nil, nil)
	rows, err := f.engine.Readiness(context.Background(), f.task.ID, f.steps["b"].ID)
	if err != nil {
		t.Fatalf("readiness: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "b" {
		t.Fatalf("subset filter broken: %+v", rows)
	}
}

func TestRetryLimitZeroStillRunsOnce(t *testing.T) {
	f := newFixture(t, []string{"a"}, nil, nil)
	f.gdb.Model(f.steps["a"]).Update("retry_limit", 0)
	r := f.row(t, "a")
	if !r.ReadyForExecution {
		t.Fatalf("retry_limit 0 should still allow the first execution")
	}
	// After one failure it is terminal.
	f.fail(t, "a", 1, nil, time.Now().Add(-time.Hour))
	r = f.row(t, "a")
	if r.ReadyForExecution || !r.ExhaustedFailure() {
		t.Fatalf("first failure should be terminal at retry_limit 0: %+v", r)
	}
}
