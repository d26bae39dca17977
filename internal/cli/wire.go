package cli

import (
	"fmt"

	"github.com/lucasnoah/foundry/internal/artifact"
	"github.com/lucasnoah/foundry/internal/checkpoint"
	"github.com/lucasnoah/foundry/internal/config"
	"github.com/lucasnoah/foundry/internal/converge"
	"github.com/lucasnoah/foundry/internal/db"
	"github.com/lucasnoah/foundry/internal/orchestrator"
	"github.com/lucasnoah/foundry/internal/session"
)

// openDB opens the event database at the default path, applying migrations.
func openDB() (*db.DB, error) {
	path, err := db.DefaultDBPath()
	if err != nil {
		return nil, err
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return database, nil
}

// newGuard wires the lifecycle guard from default locations.
func newGuard(database *db.DB) (*session.Guard, *session.FileRegistry, error) {
	registry, err := session.DefaultRegistry()
	if err != nil {
		return nil, nil, err
	}
	guard := session.NewGuard(session.NewExecTmux(), registry, database)
	return guard, registry, nil
}

// newOrchestrator wires the full orchestrator stack. The returned
// cleanup closes the event database.
func newOrchestrator(configPath string) (*orchestrator.Orchestrator, func(), error) {
	var cfg *config.PipelineConfig
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, nil, err
	}

	store, err := checkpoint.DefaultStore()
	if err != nil {
		return nil, nil, err
	}
	database, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	guard, registry, err := newGuard(database)
	if err != nil {
		database.Close()
		return nil, nil, err
	}

	scopeID, err := artifact.InstallationScopeID()
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	signalPath, err := artifact.DefaultSignalPath()
	if err != nil {
		database.Close()
		return nil, nil, err
	}

	controller := converge.NewController(store, database, cfg.Pipeline.Convergence)
	signal := artifact.NewSignalWriter(signalPath, scopeID)
	delegate := orchestrator.NewSessionDelegate(
		session.NewExecTmux(), registry, database, cfg.Pipeline.Defaults.Command)

	orch := orchestrator.New(store, database, guard, controller, signal, delegate, cfg)
	return orch, func() { database.Close() }, nil
}
