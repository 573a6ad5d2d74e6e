// Package core implements the invoice approval core: sequential payment
// reference allocation with permanent voiding, and the crash-safe receipt
// lifecycle built on top of the ledger store and the blob store.
package core

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fiscalcore/internal/blob"
	"fiscalcore/internal/logging"
	"fiscalcore/pkg/domain"
)

// ReferencePrefix is the fixed textual prefix used when formatting reference
// numbers for display. Only the numeric value is ordered or compared.
const ReferencePrefix = "TF-"

// FormatReference renders a reference number for display.
func FormatReference(number int64) string {
	return ReferencePrefix + strconv.FormatInt(number, 10)
}

// Service exposes the core operations to the surrounding request handlers
// and scheduled jobs.
type Service struct {
	store   domain.PersistentStore
	blobs   blob.Store
	log     *logging.Logger
	metrics MetricsRecorder
	tracer  Tracer
	nowFn   func() time.Time

	// refMu serializes allocations on the global counter; nothing else
	// blocks on it.
	refMu sync.Mutex
	locks invoiceLocks
}

// Option configures a Service.
type Option func(*Service)

// WithLogger attaches a logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithMetrics attaches a metrics recorder observing every operation outcome.
func WithMetrics(rec MetricsRecorder) Option {
	return func(s *Service) { s.metrics = rec }
}

// WithTracer attaches a tracer emitting one span per operation.
func WithTracer(tr Tracer) Option {
	return func(s *Service) { s.tracer = tr }
}

// WithNowFunc overrides the clock; test hook.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Service) { s.nowFn = fn }
}

// NewService constructs the core service over a ledger store and a receipt
// blob store.
func NewService(store domain.PersistentStore, blobs blob.Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		blobs: blobs,
		log:   logging.Nop(),
		nowFn: func() time.Time { return time.Now().UTC() },
		locks: newInvoiceLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying ledger store.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Blobs returns the underlying receipt blob store.
func (s *Service) Blobs() blob.Store { return s.blobs }

// CreateInvoice records a new invoice row. Approval and receipt handling
// happen through the dedicated operations.
func (s *Service) CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	var created Invoice
	err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		created, err = tx.CreateInvoice(inv)
		return err
	})
	return created, err
}

// Allocate atomically issues the next payment reference to an invoice. The
// counter advance commits durably before the reference record is created; a
// crash between the two phases is healed by ReconcileReferences at startup,
// never by re-decrementing the counter.
func (s *Service) Allocate(ctx context.Context, invoiceID string) (number int64, err error) {
	ctx, done := s.instrument(ctx, "allocate")
	defer func() { done(err) }()

	s.refMu.Lock()
	defer s.refMu.Unlock()

	// Phase 1: reserve the number. No record is ever created for an
	// unpersisted counter value.
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		inv, ok := tx.FindInvoice(invoiceID)
		if !ok {
			return domain.ErrNotFound{Entity: EntityInvoice, ID: invoiceID}
		}
		if inv.Reference != nil {
			return domain.ErrAlreadyExists{Entity: EntityReference, ID: invoiceID}
		}
		number = tx.Counter()
		return tx.SetCounter(number + 1)
	})
	if err != nil {
		return 0, err
	}

	// Phase 2: record the issuance and stamp the invoice.
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		owner := invoiceID
		if _, err := tx.CreateReference(ReferenceRecord{
			Number:    number,
			InvoiceID: &owner,
			Status:    ReferenceActive,
			IssuedAt:  s.nowFn(),
		}); err != nil {
			return err
		}
		_, err := tx.UpdateInvoice(invoiceID, func(inv *Invoice) error {
			inv.Reference = &number
			inv.Status = InvoiceStatusApproved
			return nil
		})
		return err
	})
	if err != nil {
		s.log.Warn("reference reserved but record creation failed; startup reconciliation will backfill",
			"number", number, "invoice_id", invoiceID, "error", err)
		return 0, fmt.Errorf("record reference %d: %w", number, err)
	}
	s.log.Info("reference allocated", "number", number, "invoice_id", invoiceID)
	return number, nil
}

// PreviewNext returns the number the next allocation would issue, without
// reserving it.
func (s *Service) PreviewNext() int64 {
	return s.store.Counter()
}

// Void permanently retires a reference number. The counter never moves and
// the number is never reissued; the ledger keeps a continuous number line
// with explicit voids instead of silent holes.
func (s *Service) Void(ctx context.Context, number int64, reason string) (err error) {
	ctx, done := s.instrument(ctx, "void")
	defer func() { done(err) }()

	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		ref, ok := tx.FindReference(number)
		if !ok {
			return domain.ErrNotFound{Entity: EntityReference, ID: strconv.FormatInt(number, 10)}
		}
		if ref.Status == ReferenceVoided {
			return domain.ErrAlreadyVoided{Number: number}
		}
		now := s.nowFn()
		if _, err := tx.UpdateReference(number, func(r *ReferenceRecord) error {
			r.Status = ReferenceVoided
			r.VoidedAt = &now
			r.VoidReason = reason
			return nil
		}); err != nil {
			return err
		}
		if ref.InvoiceID == nil {
			return nil
		}
		if _, ok := tx.FindInvoice(*ref.InvoiceID); !ok {
			return nil
		}
		_, err := tx.UpdateInvoice(*ref.InvoiceID, func(inv *Invoice) error {
			inv.Voided = true
			inv.VoidReason = reason
			return nil
		})
		return err
	})
	if err == nil {
		s.log.Info("reference voided", "number", number, "reason", reason)
	}
	return err
}

// ReconcileReferences heals the crash window between the two allocation
// phases: any number below the counter with no record is backfilled as a
// voided record, so the number line stays continuous and the number is never
// handed to a different invoice. Run once at startup.
func (s *Service) ReconcileReferences(ctx context.Context) (backfilled int, err error) {
	ctx, done := s.instrument(ctx, "reconcile_references")
	defer func() { done(err) }()

	seed := s.store.ExportState().Seed
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		now := s.nowFn()
		for n := seed + 1; n < tx.Counter(); n++ {
			if _, ok := tx.FindReference(n); ok {
				continue
			}
			voidedAt := now
			if _, err := tx.CreateReference(ReferenceRecord{
				Number:     n,
				Status:     ReferenceVoided,
				IssuedAt:   now,
				VoidedAt:   &voidedAt,
				VoidReason: "allocation interrupted before record creation",
			}); err != nil {
				return err
			}
			backfilled++
		}
		return nil
	})
	if err != nil {
		backfilled = 0
		return 0, err
	}
	if backfilled > 0 {
		s.log.Warn("backfilled reference records lost to interrupted allocations", "count", backfilled)
	}
	return backfilled, nil
}

// invoiceLocks provides per-invoice mutual exclusion for receipt mutations.
// Operations on different invoices proceed independently. Entries are
// refcounted and removed when the last holder releases, so the map only holds
// invoices with an operation in flight.
type invoiceLocks struct {
	mu   sync.Mutex
	held map[string]*invoiceLock
}

type invoiceLock struct {
	mu   sync.Mutex
	refs int
}

func newInvoiceLocks() invoiceLocks {
	return invoiceLocks{held: make(map[string]*invoiceLock)}
}

func (l *invoiceLocks) lock(invoiceID string) func() {
	l.mu.Lock()
	entry, ok := l.held[invoiceID]
	if !ok {
		entry = &invoiceLock{}
		l.held[invoiceID] = entry
	}
	entry.refs++
	l.mu.Unlock()
	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.held, invoiceID)
		}
		l.mu.Unlock()
	}
}
