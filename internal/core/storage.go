package core

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"

	"stagecore/internal/infra/persistence/memory"
	"stagecore/internal/infra/persistence/postgres"
	"stagecore/internal/infra/persistence/sqlite"
	"stagecore/pkg/domain"
)

// Storage driver identifiers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// StorageConfig selects and configures the persistent store backend.
type StorageConfig struct {
	Driver      string `env:"STAGECORE_STORAGE_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"STAGECORE_SQLITE_PATH" envDefault:"stagecore.db"`
	PostgresDSN string `env:"STAGECORE_POSTGRES_DSN"`
}

// OpenPersistentStore reads StorageConfig from the environment and opens the
// configured backend.
func OpenPersistentStore(ctx context.Context) (domain.PersistentStore, error) {
	cfg, err := env.ParseAs[StorageConfig]()
	if err != nil {
		return nil, fmt.Errorf("parse storage config: %w", err)
	}
	return OpenPersistentStoreWith(ctx, cfg)
}

// OpenPersistentStoreWith opens the backend named by cfg.Driver.
func OpenPersistentStoreWith(ctx context.Context, cfg StorageConfig) (domain.PersistentStore, error) {
	switch cfg.Driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite, "":
		return sqlite.NewStore(cfg.SQLitePath)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
