// Package postgres provides PostgreSQL persistence for executions and step
// logs.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/nuvoh/runway/pkg/persistence"
	"github.com/nuvoh/runway/pkg/persistence/sqlbase"
)

// Persistence implements persistence.Persistence on PostgreSQL.
type Persistence struct {
	db            *sql.DB
	logger        *slog.Logger
	executionRepo *ExecutionRepository
	stepLogRepo   *StepLogRepository
}

// NewPersistence connects, pings, and migrates the schema.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:            database,
		logger:        logger,
		executionRepo: NewExecutionRepository(database),
		stepLogRepo:   NewStepLogRepository(database),
	}, nil
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return p.executionRepo
}

func (p *Persistence) StepLogs() persistence.StepLogRepository {
	return p.stepLogRepo
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflow_executions (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				status TEXT NOT NULL,
				revision BIGINT NOT NULL DEFAULT 0,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				document JSONB NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_workflow_executions_status
				ON workflow_executions (status);
			CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow
				ON workflow_executions (workflow_id);
			CREATE INDEX IF NOT EXISTS idx_workflow_executions_user
				ON workflow_executions (user_id);

			CREATE TABLE IF NOT EXISTS step_log_entries (
				id TEXT PRIMARY KEY,
				execution_id TEXT NOT NULL,
				step_order INTEGER NOT NULL,
				event TEXT NOT NULL,
				attempt INTEGER NOT NULL,
				timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
				document JSONB NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_step_log_entries_execution
				ON step_log_entries (execution_id, timestamp);
		`,
	}
}
