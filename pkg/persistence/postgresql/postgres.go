// Package postgresql provides the PostgreSQL persistence implementation.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/driply/driply/pkg/persistence"
	"github.com/driply/driply/pkg/persistence/sqlbase"
	_ "github.com/lib/pq" // postgres driver
)

// Persistence implements persistence.Persistence on PostgreSQL.
type Persistence struct {
	db           *sql.DB
	logger       *slog.Logger
	campaignRepo *CampaignRepository
	runRepo      *RunRepository
	eventRepo    *EventRepository
	taskRepo     *TaskRepository
}

// NewPersistence connects, runs migrations and wires the repositories.
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
		db:           database,
		logger:       logger,
		campaignRepo: &CampaignRepository{db: database, logger: logger},
		runRepo:      &RunRepository{db: database},
		eventRepo:    &EventRepository{db: database},
		taskRepo:     &TaskRepository{db: database},
	}, nil
}

// CampaignRepository returns the campaign repository.
func (p *Persistence) CampaignRepository() persistence.CampaignRepository {
	return p.campaignRepo
}

// RunRepository returns the run repository.
func (p *Persistence) RunRepository() persistence.RunRepository {
	return p.runRepo
}

// EventRepository returns the event repository.
func (p *Persistence) EventRepository() persistence.EventRepository {
	return p.eventRepo
}

// TaskRepository returns the deferred task repository.
func (p *Persistence) TaskRepository() persistence.TaskRepository {
	return p.taskRepo
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db == nil {
		return nil
	}

	err := p.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}
