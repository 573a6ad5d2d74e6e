package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"fiscalcore/internal/blob"
	"fiscalcore/pkg/domain"
)

// receiptKeyPrefix is the namespace all receipt blobs live under. Scanner and
// backup listings use the same prefix.
const receiptKeyPrefix = "receipts/"

// ReceiptKeyPrefix returns the blob key namespace for receipts.
func ReceiptKeyPrefix() string { return receiptKeyPrefix }

func receiptKey(invoiceID string, version int, contentHash string) string {
	return fmt.Sprintf("%s%s/v%04d-%s", receiptKeyPrefix, invoiceID, version, contentHash[:16])
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Attach stores the first fiscal receipt for an invoice. The blob write is
// made durable before the ledger record and pointer commit in one
// transaction; a failure on either side leaves no partial state visible.
func (s *Service) Attach(ctx context.Context, invoiceID string, content []byte, contentType string) (rec ReceiptRecord, err error) {
	ctx, done := s.instrument(ctx, "receipt_attach")
	defer func() { done(err) }()

	unlock := s.locks.lock(invoiceID)
	defer unlock()

	if _, ok := s.store.GetInvoice(invoiceID); !ok {
		return ReceiptRecord{}, domain.ErrNotFound{Entity: EntityInvoice, ID: invoiceID}
	}
	if _, exists := s.store.GetReceipt(invoiceID); exists {
		return ReceiptRecord{}, domain.ErrDuplicateReceipt{InvoiceID: invoiceID}
	}

	hash := hashContent(content)
	key := receiptKey(invoiceID, 1, hash)
	info, err := s.blobs.Put(ctx, key, bytes.NewReader(content), blob.PutOptions{ContentType: contentType})
	if err != nil {
		return ReceiptRecord{}, domain.ErrStorageWrite{Key: key, Err: err}
	}

	rec = ReceiptRecord{
		InvoiceID:   invoiceID,
		ContentHash: hash,
		StorageKey:  key,
		Size:        info.Size,
		ContentType: contentType,
		AttachedAt:  s.nowFn(),
		Version:     1,
	}
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, exists := tx.FindReceipt(invoiceID); exists {
			return domain.ErrDuplicateReceipt{InvoiceID: invoiceID}
		}
		created, err := tx.CreateReceipt(rec)
		if err != nil {
			return err
		}
		rec = created
		_, err = tx.UpdateInvoice(invoiceID, func(inv *Invoice) error {
			inv.ReceiptKey = &rec.StorageKey
			inv.ReceiptHash = &rec.ContentHash
			return nil
		})
		return err
	})
	if err != nil {
		s.removeBlob(ctx, key, "attach aborted")
		return ReceiptRecord{}, err
	}
	s.log.Info("receipt attached", "invoice_id", invoiceID, "key", key, "size", rec.Size)
	return rec, nil
}

// Replace swaps an invoice's receipt for new content. The new blob always
// lands under a new key and is durable before the pointer transaction
// commits, so a crash in between leaves the old receipt valid and
// retrievable. The old blob is removed only after the commit; if that
// cleanup fails the key becomes an orphan for the integrity scanner to
// reclaim, never a dangling pointer.
func (s *Service) Replace(ctx context.Context, invoiceID string, content []byte, contentType string) (rec ReceiptRecord, err error) {
	ctx, done := s.instrument(ctx, "receipt_replace")
	defer func() { done(err) }()

	unlock := s.locks.lock(invoiceID)
	defer unlock()

	existing, ok := s.store.GetReceipt(invoiceID)
	if !ok {
		return ReceiptRecord{}, domain.ErrNotFound{Entity: EntityReceipt, ID: invoiceID}
	}

	hash := hashContent(content)
	newKey := receiptKey(invoiceID, existing.Version+1, hash)
	info, err := s.blobs.Put(ctx, newKey, bytes.NewReader(content), blob.PutOptions{ContentType: contentType})
	if err != nil {
		return ReceiptRecord{}, domain.ErrStorageWrite{Key: newKey, Err: err}
	}

	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		updated, err := tx.UpdateReceipt(invoiceID, func(r *ReceiptRecord) error {
			r.ContentHash = hash
			r.StorageKey = newKey
			r.Size = info.Size
			r.ContentType = contentType
			r.AttachedAt = s.nowFn()
			r.Version++
			return nil
		})
		if err != nil {
			return err
		}
		rec = updated
		_, err = tx.UpdateInvoice(invoiceID, func(inv *Invoice) error {
			inv.ReceiptKey = &rec.StorageKey
			inv.ReceiptHash = &rec.ContentHash
			return nil
		})
		return err
	})
	if err != nil {
		// Old pointer still committed and valid; roll back the new blob.
		s.removeBlob(ctx, newKey, "replace aborted")
		return ReceiptRecord{}, err
	}

	// Post-commit cleanup is best effort and never surfaces to the caller.
	s.removeBlob(ctx, existing.StorageKey, "replace cleanup")
	s.log.Info("receipt replaced", "invoice_id", invoiceID, "key", newKey, "version", rec.Version)
	return rec, nil
}

// Delete removes an invoice's receipt. The ledger pointer clears first in a
// transaction, then the blob is removed best effort; a crash mid-operation
// leaves at worst an orphan blob, never a dangling pointer.
func (s *Service) Delete(ctx context.Context, invoiceID string) (err error) {
	ctx, done := s.instrument(ctx, "receipt_delete")
	defer func() { done(err) }()

	unlock := s.locks.lock(invoiceID)
	defer unlock()

	existing, ok := s.store.GetReceipt(invoiceID)
	if !ok {
		return domain.ErrNotFound{Entity: EntityReceipt, ID: invoiceID}
	}
	err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if err := tx.DeleteReceipt(invoiceID); err != nil {
			return err
		}
		_, err := tx.UpdateInvoice(invoiceID, func(inv *Invoice) error {
			inv.ReceiptKey = nil
			inv.ReceiptHash = nil
			return nil
		})
		var nf domain.ErrNotFound
		if errors.As(err, &nf) {
			return nil // invoice row already gone; pointer clear is moot
		}
		return err
	})
	if err != nil {
		return err
	}
	s.removeBlob(ctx, existing.StorageKey, "delete cleanup")
	s.log.Info("receipt deleted", "invoice_id", invoiceID, "key", existing.StorageKey)
	return nil
}

// Get returns the receipt bytes for an invoice. With verify set the content
// is re-hashed against the recorded hash and a mismatch fails with a
// corruption error instead of returning bad bytes silently.
func (s *Service) Get(ctx context.Context, invoiceID string, verify bool) (content []byte, rec ReceiptRecord, err error) {
	ctx, done := s.instrument(ctx, "receipt_get")
	defer func() { done(err) }()

	rec, ok := s.store.GetReceipt(invoiceID)
	if !ok {
		return nil, ReceiptRecord{}, domain.ErrNotFound{Entity: EntityReceipt, ID: invoiceID}
	}
	_, rc, err := s.blobs.Get(ctx, rec.StorageKey)
	if err != nil {
		return nil, ReceiptRecord{}, fmt.Errorf("receipt blob for invoice %s: %w", invoiceID, err)
	}
	defer func() { _ = rc.Close() }()
	content, err = io.ReadAll(rc)
	if err != nil {
		return nil, ReceiptRecord{}, fmt.Errorf("read receipt for invoice %s: %w", invoiceID, err)
	}
	if verify {
		if got := hashContent(content); got != rec.ContentHash {
			return nil, ReceiptRecord{}, domain.ErrCorruption{
				InvoiceID:  invoiceID,
				StorageKey: rec.StorageKey,
				WantHash:   rec.ContentHash,
				GotHash:    got,
			}
		}
	}
	return content, rec, nil
}

// removeBlob deletes a blob best effort, logging instead of failing: the
// ledger is already in a valid state and orphans are the scanner's job.
func (s *Service) removeBlob(ctx context.Context, key, why string) {
	if _, err := s.blobs.Delete(ctx, key); err != nil {
		s.log.Warn("blob removal deferred to integrity scanner", "key", key, "stage", why, "error", err)
	}
}
