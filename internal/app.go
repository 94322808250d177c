// Package internal assembles the pulse application.
package internal

import (
	"context"
	"fmt"

	"github.com/karloscodes/cartridge"

	"pulse/internal/config"
	"pulse/internal/database"
)

// Application wraps cartridge.Application with pulse-specific components
type Application struct {
	*cartridge.Application
	DBManager *database.DBManager // pulse DB manager with migration methods
	Services  *Services
}

// NewApp creates a new application instance from the process configuration
func NewApp() (*Application, error) {
	return NewAppWithConfig(config.GetConfig())
}

// NewAppWithConfig creates a new application with the provided config
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	logger := cartridge.NewLogger(cfg, nil)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	services := NewServices(cfg, dbManager, logger)

	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:         cfg,
		Logger:         logger,
		DBManager:      dbManager,
		RouteMountFunc: MountAppRoutes(cfg, services),
		BackgroundWorkers: []cartridge.BackgroundWorker{
			services.Dispatcher,
			services.Scheduler,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	return &Application{
		Application: app,
		DBManager:   dbManager,
		Services:    services,
	}, nil
}

// Prepare migrates the schema and loads persisted state. Call it before
// StartAsync so the scheduler sees the stored salt.
func (a *Application) Prepare(ctx context.Context) error {
	if err := a.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return a.Services.LoadState(ctx)
}

// Shutdown stops the server and workers, then drains goal evaluations.
func (a *Application) Shutdown(ctx context.Context) error {
	err := a.Application.Shutdown(ctx)
	a.Services.Close()
	return err
}
