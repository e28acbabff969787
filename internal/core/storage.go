package core

import (
	"context"
	"fmt"
	"time"

	"samplecore/internal/config"
	"samplecore/internal/infra/persistence/memory"
	"samplecore/internal/infra/persistence/postgres"
	"samplecore/internal/infra/persistence/sqlite"

	"golang.org/x/time/rate"
)

// Compile-time contract assertions for the storage backends.
var (
	_ Storage = (*memory.Store)(nil)
	_ Storage = (*sqlite.Store)(nil)
	_ Storage = (*postgres.Store)(nil)
)

// StorageDriver identifies a concrete storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageEngine is the full storage surface: request-path operations plus
// the maintenance hooks the scrubber and archiver need.
type StorageEngine interface {
	Storage
	Scrub(ctx context.Context, grace time.Duration, limiter *rate.Limiter) (memory.ScrubReport, error)
	ExportState() memory.Snapshot
	ImportState(memory.Snapshot)
}

// OpenStorage selects and opens a storage backend from configuration.
func OpenStorage(ctx context.Context, cfg config.Config) (StorageEngine, error) {
	var opts []memory.Option
	if cfg.Links.MaxPerSample > 0 {
		opts = append(opts, memory.WithMaxLinksPerSample(cfg.Links.MaxPerSample))
	}
	if cfg.Links.MaxPerObject > 0 {
		opts = append(opts, memory.WithMaxLinksPerObject(cfg.Links.MaxPerObject))
	}
	switch StorageDriver(cfg.Storage.Driver) {
	case StorageMemory:
		return memory.NewStore(opts...), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.Storage.SQLitePath, opts...)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.Storage.PostgresDSN, opts...)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Storage.Driver)
	}
}
