package core

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"fiscalcore/internal/infra/persistence/memory"
	"fiscalcore/internal/infra/persistence/postgres"
	"fiscalcore/internal/infra/persistence/sqlite"
	"fiscalcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent ledger implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenPersistentStore selects a ledger backend using environment variables.
// Defaults to sqlite when unset.
//
//	FISCALCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	FISCALCORE_SQLITE_PATH: path to sqlite file (default ./fiscalcore.db)
//	FISCALCORE_POSTGRES_DSN: postgres DSN when driver=postgres
//	FISCALCORE_SEQUENCE_SEED: last consumed reference number on a fresh ledger
//	(the first allocation returns seed+1)
func OpenPersistentStore(ctx context.Context) (domain.PersistentStore, error) {
	seed := int64(0)
	if raw := os.Getenv("FISCALCORE_SEQUENCE_SEED"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse FISCALCORE_SEQUENCE_SEED: %w", err)
		}
		seed = parsed
	}
	driver := os.Getenv("FISCALCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(seed), nil
	case StorageSQLite:
		return sqlite.NewStore(os.Getenv("FISCALCORE_SQLITE_PATH"), seed)
	case StoragePostgres:
		return postgres.NewStore(ctx, os.Getenv("FISCALCORE_POSTGRES_DSN"), seed)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
