package app

import (
	"context"
	"net/http"
	"time"

	temporalsdkclient "go.temporal.io/sdk/client"
	"gorm.io/gorm"

	"github.com/yungbote/conductor/internal/cache"
	"github.com/yungbote/conductor/internal/db"
	"github.com/yungbote/conductor/internal/engine"
	"github.com/yungbote/conductor/internal/events"
	"github.com/yungbote/conductor/internal/handlers"
	"github.com/yungbote/conductor/internal/observability"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/readiness"
	"github.com/yungbote/conductor/internal/repos"
	"github.com/yungbote/conductor/internal/server"
	"github.com/yungbote/conductor/internal/services"
	"github.com/yungbote/conductor/internal/statemachine"
	"github.com/yungbote/conductor/internal/temporalx"
	"github.com/yungbote/conductor/internal/temporalx/taskcycle"
	"github.com/yungbote/conductor/internal/temporalx/temporalworker"
)

// App owns every long-lived component. Construction is boot-time wiring;
// nothing here mutates after New returns.
type App struct {
	Log *logger.Logger
	Cfg Config

	DB    *gorm.DB
	PG    *db.PostgresService
	Cache cache.Strategy
	Bus   *events.Bus

	Machine   *statemachine.Machine
	Readiness *readiness.Engine

	Handlers    *engine.Registry
	Coordinator *engine.Coordinator

	Registry *services.RegistryService
	Intake   *services.IntakeService
	Queries  *services.QueryService

	TemporalClient temporalsdkclient.Client
	worker         *temporalworker.Runner
	loop           *engine.LoopReenqueuer
	httpServer     *http.Server
	otelShutdown   func(context.Context) error
}

func New(log *logger.Logger) (*App, error) {
	cfg := LoadConfig()

	pg, err := db.NewPostgresService(log)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(); err != nil {
		return nil, err
	}
	gdb := pg.DB()

	store := cache.New(log, cfg.RedisAddr)
	bus := events.NewBus(log)

	taskRepo := repos.NewTaskRepo(gdb, log)
	stepRepo := repos.NewWorkflowStepRepo(gdb, log)
	edgeRepo := repos.NewStepEdgeRepo(gdb, log)
	namedRepo := repos.NewNamedRepo(gdb, log)
	transitionRepo := repos.NewTransitionRepo(gdb, log)

	machine := statemachine.New(gdb, log)
	readinessEngine := readiness.NewEngine(gdb, cfg.Backoff, log)
	governor := engine.NewGovernor(taskRepo, stepRepo, pg.Stats, cfg.Execution, store, cache.NewAdaptiveTTL(cfg.CacheTTLMin, cfg.CacheTTLMax), log)
	handlerRegistry := engine.NewRegistry()
	executor := engine.NewExecutor(gdb, machine, cfg.Backoff, governor, bus, cfg.Execution, log)

	tc, err := temporalx.NewClient(log)
	if err != nil {
		return nil, err
	}

	var (
		finalizerReenqueuer engine.Reenqueuer
		intakeReenqueuer    engine.Reenqueuer
		capture             *taskcycle.CaptureReenqueuer
		loop                *engine.LoopReenqueuer
	)
	if tc != nil {
		capture = taskcycle.NewCaptureReenqueuer()
		finalizerReenqueuer = capture
		intakeReenqueuer = temporalx.NewReenqueuer(log, tc)
	} else {
		loop = engine.NewLoopReenqueuer(log)
		finalizerReenqueuer = loop
		intakeReenqueuer = loop
	}

	finalizer := engine.NewFinalizer(machine, taskRepo, cfg.Backoff, finalizerReenqueuer, bus, log)
	coordinator := engine.NewCoordinator(gdb, taskRepo, stepRepo, namedRepo, readinessEngine, machine, executor, finalizer, handlerRegistry, bus, log)
	if loop != nil {
		loop.Bind(coordinator.Handle)
	}

	registrySvc := services.NewRegistryService(gdb, namedRepo, handlerRegistry, log)
	intakeSvc := services.NewIntakeService(gdb, taskRepo, stepRepo, edgeRepo, namedRepo, intakeReenqueuer, bus, cfg.DuplicateWindow, log)
	querySvc := services.NewQueryService(taskRepo, transitionRepo, machine, readinessEngine, log)

	if cfg.TelemetryEnabled {
		observability.NewMetrics(log).Attach(bus)
	}

	a := &App{
		Log:            log,
		Cfg:            cfg,
		DB:             gdb,
		PG:             pg,
		Cache:          store,
		Bus:            bus,
		Machine:        machine,
		Readiness:      readinessEngine,
		Handlers:       handlerRegistry,
		Coordinator:    coordinator,
		Registry:       registrySvc,
		Intake:         intakeSvc,
		Queries:        querySvc,
		TemporalClient: tc,
		loop:           loop,
	}

	if tc != nil {
		runner, err := temporalworker.NewRunner(log, tc, coordinator, machine, readinessEngine, capture)
		if err != nil {
			return nil, err
		}
		a.worker = runner
	}

	taskHandler := handlers.NewTaskHandler(intakeSvc, querySvc, coordinator)
	router := server.NewRouter(server.RouterConfig{
		TaskHandler:         taskHandler,
		CorrelationIDHeader: cfg.CorrelationIDHeader,
	})
	a.httpServer = &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	return a, nil
}

// Run starts telemetry, the Temporal worker and the HTTP server, then blocks
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.otelShutdown = observability.InitOTel(ctx, a.Log, observability.OtelConfig{
		ServiceName: a.Cfg.ServiceName,
		Environment: a.Cfg.Environment,
		Version:     a.Cfg.Version,
	})

	if a.worker != nil {
		if err := a.worker.Start(ctx); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("HTTP server listening", "addr", a.Cfg.HTTPAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	return a.Shutdown()
}

func (a *App) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if a.httpServer != nil {
		_ = a.httpServer.Shutdown(shutdownCtx)
	}
	if a.loop != nil {
		a.loop.Stop()
	}
	if a.TemporalClient != nil {
		a.TemporalClient.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(shutdownCtx)
	}
	a.Log.Info("shutdown complete")
	return nil
}
