// Package sqlite provides the default durable ledger store. It reuses the
// in-memory transactional semantics and snapshots the full state to a single
// SQLite table as JSON buckets after every successful transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"fiscalcore/internal/infra/persistence/memory"
	"fiscalcore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

const (
	bucketLedger   = "ledger"
	bucketSequence = "sequence"
)

// Store persists the in-memory state to SQLite. The sequence bucket is
// persisted by the same transaction as the ledger rows, so the reference
// counter is exactly as durable as the records it numbers.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) a SQLite-backed ledger store at path and
// hydrates the in-memory state from any existing snapshot. On a fresh database
// the first allocated reference number is seed+1.
func NewStore(path string, seed int64) (*Store, error) {
	if path == "" {
		path = "fiscalcore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(seed), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the location of the backing database file.
func (s *Store) Path() string { return s.path }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction applies fn in memory and snapshots to SQLite before the
// in-memory commit. A snapshot failure surfaces to the caller and leaves the
// store's observable state exactly as it was, so readers never see state that
// was not made durable.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	return s.Store.RunInTransactionWithCommit(ctx, fn, s.persist)
}

// ImportState replaces the ledger state, persisting it before the swap.
func (s *Store) ImportState(snapshot domain.Snapshot) error {
	return s.Store.ImportStateWithCommit(snapshot, s.persist)
}

type sequencePayload struct {
	Seed    int64 `json:"seed"`
	Counter int64 `json:"counter"`
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := domain.Snapshot{Seed: s.Seed(), Counter: s.Counter()}
	var loaded bool
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		switch bucket {
		case bucketLedger:
			var led struct {
				Invoices   []domain.Invoice         `json:"invoices"`
				References []domain.ReferenceRecord `json:"references"`
				Receipts   []domain.ReceiptRecord   `json:"receipts"`
			}
			if err := json.Unmarshal(payload, &led); err != nil {
				return fmt.Errorf("decode ledger: %w", err)
			}
			snapshot.Invoices = led.Invoices
			snapshot.References = led.References
			snapshot.Receipts = led.Receipts
			loaded = true
		case bucketSequence:
			var seq sequencePayload
			if err := json.Unmarshal(payload, &seq); err != nil {
				return fmt.Errorf("decode sequence: %w", err)
			}
			snapshot.Seed = seq.Seed
			snapshot.Counter = seq.Counter
			loaded = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if !loaded {
		return nil
	}
	return s.Store.ImportState(snapshot)
}

// persist runs as the commit hook inside the store's write lock; it must not
// call back into locked accessors like ExportState.
func (s *Store) persist(snapshot domain.Snapshot) (retErr error) {
	ledger, err := json.Marshal(struct {
		Invoices   []domain.Invoice         `json:"invoices"`
		References []domain.ReferenceRecord `json:"references"`
		Receipts   []domain.ReceiptRecord   `json:"receipts"`
	}{snapshot.Invoices, snapshot.References, snapshot.Receipts})
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	sequence, err := json.Marshal(sequencePayload{Seed: snapshot.Seed, Counter: snapshot.Counter})
	if err != nil {
		return fmt.Errorf("encode sequence: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for bucket, payload := range map[string][]byte{bucketLedger: ledger, bucketSequence: sequence} {
		if _, err := tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?)
			ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, payload); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	if err := tx.Commit(); err != nil {
		retErr = fmt.Errorf("commit snapshot: %w", err)
	}
	return retErr
}
