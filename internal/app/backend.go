package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ldi/claimdeck/internal/backend"
	"github.com/ldi/claimdeck/internal/config"
	"github.com/ldi/claimdeck/internal/db"
	"github.com/ldi/claimdeck/internal/postgres"
	"github.com/ldi/claimdeck/internal/remote"
	"github.com/ldi/claimdeck/internal/seed"
	"github.com/ldi/claimdeck/pkg/models"
)

// ErrRemoteBackend is returned for operations only a local backend supports.
var ErrRemoteBackend = errors.New("operation needs a local backend")

// OpenBackend connects to the backend cfg selects and applies its limits.
func OpenBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return OpenSQLite(ctx, cfg, logger)
	case config.BackendPostgres:
		store, err := postgres.Connect(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			store.Close()
			return nil, err
		}
		store.SetMaxActiveClaims(cfg.Claims.MaxActive)
		store.SetPageSize(cfg.Catalog.PageSize)
		return store, nil
	case config.BackendRemote:
		return remote.New(cfg.Client.ServerURL,
			remote.WithToken(cfg.Client.Token),
			remote.WithLogger(logger),
		)
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

// OpenSQLite opens and initializes the sqlite database at cfg.DBPath.
func OpenSQLite(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*db.DB, error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := database.Init(ctx); err != nil {
		database.Close()
		return nil, err
	}
	database.SetMaxActiveClaims(cfg.Claims.MaxActive)
	database.SetPageSize(cfg.Catalog.PageSize)
	if cfg.SnapshotPath != "" {
		database.EnableAutoSnapshot(cfg.SnapshotPath)
	}

	logger.Debug().Str("path", cfg.DBPath).Msg("opened sqlite database")
	return database, nil
}

type upserter interface {
	UpsertTasks(ctx context.Context, tasks []models.Task) error
}

type catalogImporter interface {
	ImportCatalog(ctx context.Context, path string) (int, error)
}

// ImportCatalog loads a JSONL or YAML catalog file into b.
func ImportCatalog(ctx context.Context, b backend.Backend, path string) (int, error) {
	if imp, ok := b.(catalogImporter); ok {
		return imp.ImportCatalog(ctx, path)
	}
	u, ok := b.(upserter)
	if !ok {
		return 0, ErrRemoteBackend
	}
	tasks, err := seed.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if err := u.UpsertTasks(ctx, tasks); err != nil {
		return 0, err
	}
	return len(tasks), nil
}
