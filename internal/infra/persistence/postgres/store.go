// Package postgres provides a Postgres-backed ledger store that mirrors the
// in-memory semantics, for deployments that already run a database server.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"fiscalcore/internal/infra/persistence/memory"
	"fiscalcore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

const (
	driverName = "pgx"
	defaultDSN = "postgres://localhost/fiscalcore?sslmode=disable"
)

// Store persists state to Postgres while reusing the in-memory implementation
// for transactions. The full snapshot lands in a single-row state table after
// every commit, same shape as the sqlite backend.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the state table exists, and hydrates the in-memory
// store from any existing snapshot.
func NewStore(ctx context.Context, dsn string, seed int64) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS fiscalcore_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload JSONB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(seed), db: db}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction applies fn in memory and snapshots to Postgres before the
// in-memory commit. A snapshot failure leaves observable state untouched.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	return s.Store.RunInTransactionWithCommit(ctx, fn, func(snapshot domain.Snapshot) error {
		return s.persist(ctx, snapshot)
	})
}

// ImportState replaces the ledger state, persisting it before the swap.
func (s *Store) ImportState(snapshot domain.Snapshot) error {
	return s.Store.ImportStateWithCommit(snapshot, func(snapshot domain.Snapshot) error {
		return s.persist(context.Background(), snapshot)
	})
}

func (s *Store) load(ctx context.Context) error {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM fiscalcore_state WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	var snapshot domain.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	return s.Store.ImportState(snapshot)
}

// persist runs as the commit hook inside the store's write lock; it must not
// call back into locked accessors like ExportState.
func (s *Store) persist(ctx context.Context, snapshot domain.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO fiscalcore_state(id,payload) VALUES(1,$1)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`, payload); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}
