// Package memory implements the in-memory transactional ledger store. It is
// the reference semantics every durable backend wraps: transactions run
// against a cloned state and commit by swapping it in, so readers never see a
// half-applied mutation.
package memory

import (
	"context"
	"sync"
	"time"

	"fiscalcore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

// DefaultSeed is the sequence seed used when none is configured. The seed is
// the last number considered consumed, so allocations start at seed+1.
const DefaultSeed int64 = 0

type ledgerState struct {
	seed       int64
	counter    int64
	invoices   map[string]domain.Invoice
	references map[int64]domain.ReferenceRecord
	receipts   map[string]domain.ReceiptRecord
}

func newLedgerState(seed int64) ledgerState {
	return ledgerState{
		seed:       seed,
		counter:    seed + 1,
		invoices:   make(map[string]domain.Invoice),
		references: make(map[int64]domain.ReferenceRecord),
		receipts:   make(map[string]domain.ReceiptRecord),
	}
}

func (s ledgerState) clone() ledgerState {
	cloned := newLedgerState(s.seed)
	cloned.counter = s.counter
	for k, v := range s.invoices {
		cloned.invoices[k] = cloneInvoice(v)
	}
	for k, v := range s.references {
		cloned.references[k] = cloneReference(v)
	}
	for k, v := range s.receipts {
		cloned.receipts[k] = v
	}
	return cloned
}

func cloneInvoice(in domain.Invoice) domain.Invoice {
	cp := in
	if in.Reference != nil {
		n := *in.Reference
		cp.Reference = &n
	}
	if in.ReceiptKey != nil {
		k := *in.ReceiptKey
		cp.ReceiptKey = &k
	}
	if in.ReceiptHash != nil {
		h := *in.ReceiptHash
		cp.ReceiptHash = &h
	}
	return cp
}

func cloneReference(r domain.ReferenceRecord) domain.ReferenceRecord {
	cp := r
	if r.InvoiceID != nil {
		id := *r.InvoiceID
		cp.InvoiceID = &id
	}
	if r.VoidedAt != nil {
		t := *r.VoidedAt
		cp.VoidedAt = &t
	}
	return cp
}

// Store provides an in-memory transactional ledger store.
type Store struct {
	mu    sync.RWMutex
	state ledgerState
	nowFn func() time.Time
}

// NewStore constructs an in-memory store seeded so the first allocated
// reference number is seed+1.
func NewStore(seed int64) *Store {
	if seed < 0 {
		seed = DefaultSeed
	}
	return &Store{
		state: newLedgerState(seed),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock; test hook.
func (s *Store) SetNowFunc(fn func() time.Time) { s.nowFn = fn }

// RunInTransaction executes fn against a transactional copy of the ledger
// state and commits it atomically when fn returns nil.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	return s.RunInTransactionWithCommit(ctx, fn, nil)
}

// RunInTransactionWithCommit is the durability hook for wrapping backends:
// commit receives the would-be state as a snapshot before the swap, still
// under the write lock. If commit fails the swap never happens, so readers
// cannot observe state that was not made durable.
func (s *Store) RunInTransactionWithCommit(_ context.Context, fn func(domain.Transaction) error, commit func(domain.Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &transaction{state: s.state.clone(), now: s.nowFn()}
	if err := fn(tx); err != nil {
		return err
	}
	if commit != nil {
		if err := commit(snapshotFromState(tx.state)); err != nil {
			return err
		}
	}
	s.state = tx.state
	return nil
}

// View runs fn against a read-only snapshot of the current state.
func (s *Store) View(_ context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(&view{state: &snapshot})
}

// ExportState returns a point-in-time copy of the full ledger state.
func (s *Store) ExportState() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromState(s.state)
}

// ImportState replaces the full ledger state.
func (s *Store) ImportState(snapshot domain.Snapshot) error {
	return s.ImportStateWithCommit(snapshot, nil)
}

// ImportStateWithCommit replaces the full ledger state, running the
// durability hook on the normalized snapshot first; the swap happens only
// when commit succeeds.
func (s *Store) ImportStateWithCommit(snapshot domain.Snapshot, commit func(domain.Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := stateFromSnapshot(snapshot)
	if commit != nil {
		if err := commit(snapshotFromState(state)); err != nil {
			return err
		}
	}
	s.state = state
	return nil
}

// GetInvoice returns an invoice by ID.
func (s *Store) GetInvoice(id string) (domain.Invoice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.state.invoices[id]
	if !ok {
		return domain.Invoice{}, false
	}
	return cloneInvoice(inv), true
}

// GetReceipt returns the receipt record for an invoice.
func (s *Store) GetReceipt(invoiceID string) (domain.ReceiptRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state.receipts[invoiceID]
	return rec, ok
}

// GetReference returns a reference record by number.
func (s *Store) GetReference(number int64) (domain.ReferenceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.state.references[number]
	if !ok {
		return domain.ReferenceRecord{}, false
	}
	return cloneReference(ref), true
}

// ListInvoices returns all invoices.
func (s *Store) ListInvoices() []domain.Invoice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listInvoices(&s.state)
}

// ListReferences returns all reference records ordered by number.
func (s *Store) ListReferences() []domain.ReferenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listReferences(&s.state)
}

// ListReceipts returns all receipt records.
func (s *Store) ListReceipts() []domain.ReceiptRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listReceipts(&s.state)
}

// Counter returns the next unissued reference number.
func (s *Store) Counter() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.counter
}

// Seed returns the last number considered consumed before the sequence began.
func (s *Store) Seed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.seed
}
