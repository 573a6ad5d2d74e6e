package domain

import "context"

// Transaction exposes the ledger operations a persistence implementation must
// support within an atomic scope. All mutations either commit together or not
// at all.
type Transaction interface {
	CreateInvoice(Invoice) (Invoice, error)
	UpdateInvoice(id string, mutator func(*Invoice) error) (Invoice, error)
	FindInvoice(id string) (Invoice, bool)

	// Counter returns the next unissued reference number.
	Counter() int64
	// SetCounter persists the next reference number. The counter is
	// monotonic: lowering it is an error.
	SetCounter(next int64) error

	CreateReference(ReferenceRecord) (ReferenceRecord, error)
	UpdateReference(number int64, mutator func(*ReferenceRecord) error) (ReferenceRecord, error)
	FindReference(number int64) (ReferenceRecord, bool)

	CreateReceipt(ReceiptRecord) (ReceiptRecord, error)
	UpdateReceipt(invoiceID string, mutator func(*ReceiptRecord) error) (ReceiptRecord, error)
	DeleteReceipt(invoiceID string) error
	FindReceipt(invoiceID string) (ReceiptRecord, bool)
}

// TransactionView provides read-only access to a consistent state snapshot.
// Auditors (integrity scans, backups) read through views and never block
// writers for their full duration.
type TransactionView interface {
	ListInvoices() []Invoice
	ListReferences() []ReferenceRecord
	ListReceipts() []ReceiptRecord
	FindInvoice(id string) (Invoice, bool)
	FindReference(number int64) (ReferenceRecord, bool)
	FindReceipt(invoiceID string) (ReceiptRecord, bool)
	Counter() int64
}

// PersistentStore is a minimal abstraction over durable ledger backends. It
// mirrors the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	View(ctx context.Context, fn func(TransactionView) error) error

	// ExportState returns a point-in-time copy of the full ledger state.
	ExportState() Snapshot
	// ImportState replaces the full ledger state, e.g. during a restore.
	ImportState(Snapshot) error

	GetInvoice(id string) (Invoice, bool)
	GetReceipt(invoiceID string) (ReceiptRecord, bool)
	GetReference(number int64) (ReferenceRecord, bool)
	ListInvoices() []Invoice
	ListReferences() []ReferenceRecord
	ListReceipts() []ReceiptRecord
	Counter() int64
}
