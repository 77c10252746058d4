package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/conductor/internal/db"
	"github.com/yungbote/conductor/internal/engine"
	"github.com/yungbote/conductor/internal/events"
	"github.com/yungbote/conductor/internal/pkg/apperr"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/repos"
	"github.com/yungbote/conductor/internal/types"
)

type svcFixture struct {
	gdb      *gorm.DB
	handlers *engine.Registry
	registry *RegistryService
	intake   *IntakeService
}

func newSvcFixture(t *testing.T) *svcFixture {
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
	handlers := engine.NewRegistry()
	_ = handlers.Register("noop", engine.HandlerFunc(func(ctx context.Context, task *types.Task, seq *engine.StepSequence, step *types.WorkflowStep) (map[string]any, error) {
		return nil, nil
	}))
	namedRepo := repos.NewNamedRepo(gdb, log)
	return &svcFixture{
		gdb:      gdb,
		handlers: handlers,
		registry: NewRegistryService(gdb, namedRepo, handlers, log),
		intake: NewIntakeService(
			gdb,
			repos.NewTaskRepo(gdb, log),
			repos.NewWorkflowStepRepo(gdb, log),
			repos.NewStepEdgeRepo(gdb, log),
			namedRepo,
			engine.NopReenqueuer{},
			events.NewBus(log),
			time.Minute,
			log,
		),
	}
}

func demoDefinition() TaskDefinition {
	return TaskDefinition{
		Name:    "order_fulfillment",
		Version: "1.2.0",
		Steps: []StepTemplate{
			{Name: "reserve_stock", HandlerClass: "noop"},
			{Name: "charge_payment", HandlerClass: "noop", DependsOn: []string{"reserve_stock"}},
			{Name: "ship", HandlerClass: "noop", DependsOn: []string{"charge_payment"}},
		},
	}
}

func TestRegisterAndSubmit(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	if _, err := f.registry.RegisterTaskDefinition(ctx, demoDefinition()); err != nil {
		t.Fatalf("register: %v", err)
	}

	task, err := f.intake.Submit(ctx, TaskRequest{
		Name:    "order_fulfillment",
		Context: map[string]any{"order_id": 42},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Initiator != "unknown" || task.SourceSystem != "unknown" || task.Reason != "unknown" {
		t.Fatalf("defaults not applied: %+v", task)
	}
	if task.IdentityHash == "" {
		t.Fatalf("identity hash missing")
	}

	var steps []*types.WorkflowStep
	f.gdb.Where("task_id = ?", task.ID).Order("sort_key ASC").Find(&steps)
	if len(steps) != 3 {
		t.Fatalf("steps %d want 3", len(steps))
	}
	if steps[0].Name != "reserve_stock" || steps[2].Name != "ship" {
		t.Fatalf("step order: %s .. %s", steps[0].Name, steps[2].Name)
	}
	var edges []*types.WorkflowStepEdge
	f.gdb.Where("task_id = ?", task.ID).Find(&edges)
	if len(edges) != 2 {
		t.Fatalf("edges %d want 2", len(edges))
	}
}

func TestSubmitUnknownTask(t *testing.T) {
	f := newSvcFixture(t)
	_, err := f.intake.Submit(context.Background(), TaskRequest{Name: "never_registered", Context: map[string]any{}})
	if !errors.Is(err, apperr.ErrUnknownTask) {
		t.Fatalf("want ErrUnknownTask, got %v", err)
	}
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	if _, err := f.registry.RegisterTaskDefinition(ctx, demoDefinition()); err != nil {
		t.Fatalf("register: %v", err)
	}
	requestedAt := time.Now().UTC()
	req := TaskRequest{
		Name:        "order_fulfillment",
		Context:     map[string]any{"order_id": 7},
		Initiator:   "billing",
		RequestedAt: requestedAt,
	}
	if _, err := f.intake.Submit(ctx, req); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := f.intake.Submit(ctx, req)
	if !errors.Is(err, apperr.ErrDuplicateTask) {
		t.Fatalf("want ErrDuplicateTask, got %v", err)
	}
	var count int64
	f.gdb.Model(&types.Task{}).Count(&count)
	if count != 1 {
		t.Fatalf("task rows %d want 1", count)
	}
}

func TestIdentityHashStability(t *testing.T) {
	at := time.Date(2024, 7, 1, 10, 30, 45, 0, time.UTC)
	base := TaskRequest{
		Name:         "wf",
		Initiator:    "svc",
		SourceSystem: "crm",
		Reason:       "sync",
		Context:      map[string]any{"b": 2, "a": 1},
		RequestedAt:  at,
	}
	h1, err := IdentityHash(base)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	// Same fields, different map insertion order, same minute.
	same := base
	same.Context = map[string]any{"a": 1, "b": 2}
	same.RequestedAt = at.Add(10 * time.Second)
	h2, _ := IdentityHash(same)
	if h1 != h2 {
		t.Fatalf("hash should be canonical: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("hex sha-256 length %d", len(h1))
	}

	diff := base
	diff.Context = map[string]any{"a": 1, "b": 3}
	h3, _ := IdentityHash(diff)
	if h3 == h1 {
		t.Fatalf("different context must change hash")
	}

	nextMinute := base
	nextMinute.RequestedAt = at.Add(time.Minute)
	h4, _ := IdentityHash(nextMinute)
	if h4 == h1 {
		t.Fatalf("next minute must change hash")
	}
}

func TestSubmitRequiresContext(t *testing.T) {
	f := newSvcFixture(t)
	if _, err := f.intake.Submit(context.Background(), TaskRequest{Name: "wf"}); err == nil {
		t.Fatalf("nil context accepted")
	}
}

func TestBypassStepsStored(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	if _, err := f.registry.RegisterTaskDefinition(ctx, demoDefinition()); err != nil {
		t.Fatalf("register: %v", err)
	}
	task, err := f.intake.Submit(ctx, TaskRequest{
		Name:        "order_fulfillment",
		Context:     map[string]any{},
		BypassSteps: []string{"reserve_stock"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var names []string
	if err := json.Unmarshal(task.BypassSteps, &names); err != nil || len(names) != 1 || names[0] != "reserve_stock" {
		t.Fatalf("bypass steps %v err %v", names, err)
	}
}

func TestRegisterRejectsCycle(t *testing.T) {
	f := newSvcFixture(t)
	def := TaskDefinition{
		Name:    "cyclic",
		Version: "1.0.0",
		Steps: []StepTemplate{
			{Name: "a", HandlerClass: "noop", DependsOn: []string{"b"}},
			{Name: "b", HandlerClass: "noop", DependsOn: []string{"a"}},
		},
	}
	if _, err := f.registry.RegisterTaskDefinition(context.Background(), def); err == nil {
		t.Fatalf("cycle accepted")
	}
}

func TestRegisterRejectsUnknownDependency(t *testing.T) {
	f := newSvcFixture(t)
	def := TaskDefinition{
		Name:    "dangling",
		Version: "1.0.0",
		Steps:   []StepTemplate{{Name: "a", HandlerClass: "noop", DependsOn: []string{"ghost"}}},
	}
	if _, err := f.registry.RegisterTaskDefinition(context.Background(), def); err == nil {
		t.Fatalf("unknown dependency accepted")
	}
}

func TestRegisterRejectsUnknownHandler(t *testing.T) {
	f := newSvcFixture(t)
	def := TaskDefinition{
		Name:    "nohandler",
		Version: "1.0.0",
		Steps:   []StepTemplate{{Name: "a", HandlerClass: "missing"}},
	}
	if _, err := f.registry.RegisterTaskDefinition(context.Background(), def); err == nil {
		t.Fatalf("unknown handler accepted")
	}
}

func TestRegisterRejectsBadVersion(t *testing.T) {
	f := newSvcFixture(t)
	def := TaskDefinition{
		Name:    "badver",
		Version: "1.0",
		Steps:   []StepTemplate{{Name: "a", HandlerClass: "noop"}},
	}
	if _, err := f.registry.RegisterTaskDefinition(context.Background(), def); err == nil {
		t.Fatalf("bad version accepted")
	}
}

func TestSubmitPicksLatestVersion(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	v1 := demoDefinition()
	if _, err := f.registry.RegisterTaskDefinition(ctx, v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	v2 := demoDefinition()
	v2.Version = "2.0.0"
	nt2, err := f.registry.RegisterTaskDefinition(ctx, v2)
	if err != nil {
		t.Fatalf("register v2: %v", err)
	}
	task, err := f.intake.Submit(ctx, TaskRequest{Name: "order_fulfillment", Context: map[string]any{}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.NamedTaskID != nt2.ID {
		t.Fatalf("latest version not selected: got %d want %d", task.NamedTaskID, nt2.ID)
	}
}
