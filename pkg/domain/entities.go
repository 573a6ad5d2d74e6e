// Package domain defines the core persistent entities, value types, and
// persistence contracts used by fiscalcore.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in error reporting and persistence buckets.
const (
	// EntityInvoice identifies an invoice ledger row.
	EntityInvoice EntityType = "invoice"
	// EntityReference identifies a payment reference record.
	EntityReference EntityType = "reference"
	// EntityReceipt identifies a fiscal receipt record.
	EntityReceipt EntityType = "receipt"
	// EntityBackup identifies a backup bundle.
	EntityBackup EntityType = "backup"
)

// InvoiceStatus enumerates the approval workflow states of an invoice.
type InvoiceStatus string

const (
	// InvoiceStatusPending marks an invoice awaiting approval.
	InvoiceStatusPending InvoiceStatus = "pending"
	// InvoiceStatusApproved marks an invoice that has been approved and
	// carries a payment reference.
	InvoiceStatusApproved InvoiceStatus = "approved"
	// InvoiceStatusPaid marks an invoice whose payment has been executed.
	InvoiceStatusPaid InvoiceStatus = "paid"
)

// ReferenceStatus enumerates the lifecycle states of an issued payment reference.
type ReferenceStatus string

const (
	// ReferenceActive marks a reference bound to a live invoice.
	ReferenceActive ReferenceStatus = "active"
	// ReferenceVoided marks a permanently retired reference. Voided numbers
	// are never reissued; they appear as explicit holes in the number line.
	ReferenceVoided ReferenceStatus = "voided"
)

// Invoice is the thin ledger row the core components read and write through
// transactions. Rendering, list filtering, and data entry live outside this
// module.
type Invoice struct {
	ID          string          `json:"id"`
	Supplier    string          `json:"supplier,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Status      InvoiceStatus   `json:"status"`
	Reference   *int64          `json:"reference,omitempty"`
	ReceiptKey  *string         `json:"receipt_key,omitempty"`
	ReceiptHash *string         `json:"receipt_hash,omitempty"`
	Voided      bool            `json:"voided,omitempty"`
	VoidReason  string          `json:"void_reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ReferenceRecord tracks one issued payment reference. Numbers are issued in
// strictly increasing order with no gaps at issuance time; a gap can only
// appear later through voiding, and a voided number stays voided forever.
type ReferenceRecord struct {
	Number     int64           `json:"number"`
	InvoiceID  *string         `json:"invoice_id,omitempty"`
	Status     ReferenceStatus `json:"status"`
	IssuedAt   time.Time       `json:"issued_at"`
	VoidedAt   *time.Time      `json:"voided_at,omitempty"`
	VoidReason string          `json:"void_reason,omitempty"`
}

// ReceiptRecord binds an invoice to its fiscal receipt blob. If StorageKey is
// recorded, the blob must exist and hash to ContentHash.
type ReceiptRecord struct {
	InvoiceID   string    `json:"invoice_id"`
	ContentHash string    `json:"content_hash"`
	StorageKey  string    `json:"storage_key"`
	Size        int64     `json:"size_bytes"`
	ContentType string    `json:"content_type,omitempty"`
	AttachedAt  time.Time `json:"attached_at"`
	Version     int       `json:"version"`
}

// BackupManifest describes one snapshot bundle. The manifest is written only
// after the ledger snapshot and every listed blob are present in the bundle;
// its absence marks the artifact as invalid.
type BackupManifest struct {
	BackupID      string    `json:"backup_id"`
	Label         string    `json:"label,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	DBSnapshotRef string    `json:"db_snapshot_ref"`
	ReceiptKeys   []string  `json:"receipt_keys"`
	TotalSize     int64     `json:"total_size_bytes"`
	Checksum      string    `json:"checksum"`
}

// MissingReceipt reports a ledger pointer whose blob could not be found.
type MissingReceipt struct {
	InvoiceID  string `json:"invoice_id"`
	StorageKey string `json:"storage_key"`
}

// ChecksumMismatch reports a blob whose content drifted from the recorded hash.
type ChecksumMismatch struct {
	InvoiceID  string `json:"invoice_id"`
	StorageKey string `json:"storage_key"`
	WantHash   string `json:"want_hash"`
	GotHash    string `json:"got_hash"`
}

// IntegrityReport is the immutable outcome of one scanner run.
type IntegrityReport struct {
	RunAt              time.Time          `json:"run_at"`
	ScannedCount       int                `json:"scanned_count"`
	Missing            []MissingReceipt   `json:"missing"`
	Orphans            []string           `json:"orphans"`
	ChecksumMismatches []ChecksumMismatch `json:"checksum_mismatches"`
}

// Clean reports whether the run found nothing wrong.
func (r IntegrityReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Orphans) == 0 && len(r.ChecksumMismatches) == 0
}

// Snapshot is the serialisable representation of the full ledger state. It is
// what persistent backends store and what backups bundle.
type Snapshot struct {
	Seed       int64             `json:"seed"`
	Counter    int64             `json:"counter"`
	Invoices   []Invoice         `json:"invoices"`
	References []ReferenceRecord `json:"references"`
	Receipts   []ReceiptRecord   `json:"receipts"`
}
