package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pulsemetrics/refreshd/internal/config"
	"github.com/pulsemetrics/refreshd/internal/engine"
	"github.com/pulsemetrics/refreshd/internal/stages"
	"github.com/pulsemetrics/refreshd/internal/state"
)

// runtime bundles the orchestrator's wired components for a command.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *state.SQLiteStore
	engine *engine.Engine
}

// newRuntime opens the state store, builds the stage registry, and
// creates the engine (which performs interrupted-run detection).
// The returned cleanup must be called, typically via defer.
func newRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, func(), error) {
	if err := cfg.EnsureStateDir(); err != nil {
		return nil, nil, err
	}

	store := state.NewSQLiteStore(logger)
	if err := store.Open(cfg.StatePath); err != nil {
		return nil, nil, fmt.Errorf("failed to open state store: %w", err)
	}

	registry, err := stages.NewRegistry(stages.Deps{
		Client:      &http.Client{Timeout: 60 * time.Second},
		Metrics:     store,
		Logger:      logger,
		MixpanelURL: cfg.Sources.MixpanelURL,
		MetaURL:     cfg.Sources.MetaURL,
		DayWindow:   cfg.DayWindow,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to build stage registry: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Registry:     registry,
		Store:        store,
		Logger:       logger,
		StageTimeout: cfg.StageTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to create engine: %w", err)
	}

	cleanup := func() {
		_ = store.Close()
	}
	return &runtime{cfg: cfg, logger: logger, store: store, engine: eng}, cleanup, nil
}
