package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/conductor/internal/pkg/envutil"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/types"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(logg *logger.Logger) (*PostgresService, error) {
	serviceLog := logg.With("service", "PostgresService")

	postgresHost := envutil.String("POSTGRES_HOST", "localhost")
	postgresPort := envutil.String("POSTGRES_PORT", "5432")
	postgresUser := envutil.String("POSTGRES_USER", "postgres")
	postgresPassword := envutil.String("POSTGRES_PASSWORD", "")
	postgresName := envutil.String("POSTGRES_NAME", "conductor")

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser,
		postgresPassword,
		postgresHost,
		postgresPort,
		postgresName,
	)

	// GORM logger: ignore "record not found" spam (critical for polling workers)
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(envutil.Int("POSTGRES_MAX_OPEN_CONNS", 20))
	sqlDB.SetMaxIdleConns(envutil.Int("POSTGRES_MAX_IDLE_CONNS", 10))
	sqlDB.SetConnMaxLifetime(envutil.Seconds("POSTGRES_CONN_MAX_LIFETIME_SECONDS", 1800))

	serviceLog.Info("Connected to Postgres", "host", postgresHost, "db", postgresName)
	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

// Stats exposes the pool counters the concurrency governor feeds on.
func (s *PostgresService) Stats() sql.DBStats {
	sqlDB, err := s.db.DB()
	if err != nil {
		return sql.DBStats{}
	}
	return sqlDB.Stats()
}

// Migrate creates or updates the orchestrator tables.
func (s *PostgresService) Migrate() error {
	return Migrate(s.db)
}

// Migrate runs the schema migration on any gorm handle. Split out so tests
// can run it against sqlite.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&types.TaskNamespace{},
		&types.DependentSystem{},
		&types.DependentSystemObjectMap{},
		&types.NamedTask{},
		&types.NamedStep{},
		&types.NamedTasksNamedStep{},
		&types.Task{},
		&types.WorkflowStep{},
		&types.WorkflowStepEdge{},
		&types.TaskTransition{},
		&types.WorkflowStepTransition{},
	)
}
