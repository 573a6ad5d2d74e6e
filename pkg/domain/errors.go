package domain

import "fmt"

// ErrNotFound indicates a referenced entity is absent from the ledger.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrAlreadyExists indicates a create collided with an existing record.
type ErrAlreadyExists struct {
	Entity EntityType
	ID     string
}

func (e ErrAlreadyExists) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Entity, e.ID)
}

// ErrDuplicateReceipt indicates an attach was attempted on an invoice that
// already owns a receipt; callers must use replace instead.
type ErrDuplicateReceipt struct {
	InvoiceID string
}

func (e ErrDuplicateReceipt) Error() string {
	return fmt.Sprintf("invoice %s already has a receipt; use replace", e.InvoiceID)
}

// ErrAlreadyVoided indicates a void was attempted on a reference that is
// already permanently voided.
type ErrAlreadyVoided struct {
	Number int64
}

func (e ErrAlreadyVoided) Error() string {
	return fmt.Sprintf("reference %d is already voided", e.Number)
}

// ErrCorruption indicates a receipt blob no longer hashes to the recorded
// content hash. Bytes are never returned on this path.
type ErrCorruption struct {
	InvoiceID  string
	StorageKey string
	WantHash   string
	GotHash    string
}

func (e ErrCorruption) Error() string {
	return fmt.Sprintf("receipt %s for invoice %s is corrupt: hash %s, want %s",
		e.StorageKey, e.InvoiceID, e.GotHash, e.WantHash)
}

// ErrManifestInvalid indicates a backup artifact cannot be restored from:
// the manifest is absent, fails its checksum, or names content the bundle
// does not carry.
type ErrManifestInvalid struct {
	BackupID string
	Reason   string
}

func (e ErrManifestInvalid) Error() string {
	return fmt.Sprintf("backup %s manifest invalid: %s", e.BackupID, e.Reason)
}

// ErrStorageWrite indicates a durable blob write failed. It always aborts the
// operation before any ledger record or pointer mutation.
type ErrStorageWrite struct {
	Key string
	Err error
}

func (e ErrStorageWrite) Error() string {
	return fmt.Sprintf("durable write of blob %s failed: %v", e.Key, e.Err)
}

// Unwrap exposes the underlying storage failure.
func (e ErrStorageWrite) Unwrap() error { return e.Err }
