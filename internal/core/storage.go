package core

import (
	"context"
	"fmt"

	"stockroom/internal/infra/persistence/memory"
	"stockroom/internal/infra/persistence/postgres"
	"stockroom/internal/infra/persistence/sqlite"
	"stockroom/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server, safe for several processes
)

// StorageOptions selects and configures a backend.
type StorageOptions struct {
	Driver           StorageDriver
	SQLitePath       string
	PostgresDSN      string
	PostgresMaxConns int32
	SkipMigrations   bool
}

// OpenPersistentStore opens the configured backend. Defaults to sqlite when
// no driver is set.
func OpenPersistentStore(ctx context.Context, opts StorageOptions, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	driver := opts.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.New(engine), nil
	case StorageSQLite:
		return sqlite.Open(ctx, opts.SQLitePath, engine)
	case StoragePostgres:
		return postgres.Open(ctx, opts.PostgresDSN, engine, postgres.Options{
			MaxConns:       opts.PostgresMaxConns,
			SkipMigrations: opts.SkipMigrations,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
