// Package integrity implements the read-only auditor over the ledger and the
// receipt blob store. It detects missing blobs, orphan blobs, and content
// drift, and never mutates either store.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"fiscalcore/internal/blob"
	"fiscalcore/internal/core"
	"fiscalcore/internal/logging"
	"fiscalcore/pkg/domain"
)

// Scanner walks receipt records and blobs producing an IntegrityReport.
// It holds no lock that blocks receipt mutations; records are read from a
// point-in-time view and rechecked against live state before anything is
// flagged, so a record that changed mid-scan is a benign skip.
type Scanner struct {
	store domain.PersistentStore
	blobs blob.Store
	log   *logging.Logger
	nowFn func() time.Time
}

// New constructs a scanner over the ledger store and blob store.
func New(store domain.PersistentStore, blobs blob.Store, log *logging.Logger) *Scanner {
	if log == nil {
		log = logging.Nop()
	}
	return &Scanner{
		store: store,
		blobs: blobs,
		log:   log,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock; test hook.
func (s *Scanner) SetNowFunc(fn func() time.Time) { s.nowFn = fn }

// Run performs a single read-only pass. Orphans are reported as reclamation
// candidates, never deleted within the run.
func (s *Scanner) Run(ctx context.Context) (domain.IntegrityReport, error) {
	report := domain.IntegrityReport{
		RunAt:              s.nowFn(),
		Missing:            []domain.MissingReceipt{},
		Orphans:            []string{},
		ChecksumMismatches: []domain.ChecksumMismatch{},
	}

	var records []domain.ReceiptRecord
	if err := s.store.View(ctx, func(v domain.TransactionView) error {
		records = v.ListReceipts()
		return nil
	}); err != nil {
		return domain.IntegrityReport{}, fmt.Errorf("snapshot receipts: %w", err)
	}

	infos, err := s.blobs.List(ctx, core.ReceiptKeyPrefix())
	if err != nil {
		return domain.IntegrityReport{}, fmt.Errorf("list blobs: %w", err)
	}
	onDisk := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		onDisk[info.Key] = struct{}{}
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return domain.IntegrityReport{}, err
		}
		report.ScannedCount++
		if _, ok := onDisk[rec.StorageKey]; !ok {
			if s.recordMoved(rec) {
				continue // replaced or deleted mid-scan
			}
			report.Missing = append(report.Missing, domain.MissingReceipt{
				InvoiceID:  rec.InvoiceID,
				StorageKey: rec.StorageKey,
			})
			continue
		}
		got, err := s.hashBlob(ctx, rec.StorageKey)
		if err != nil {
			if errors.Is(err, blob.ErrNotExist) && s.recordMoved(rec) {
				continue
			}
			if errors.Is(err, blob.ErrNotExist) {
				report.Missing = append(report.Missing, domain.MissingReceipt{
					InvoiceID:  rec.InvoiceID,
					StorageKey: rec.StorageKey,
				})
				continue
			}
			return domain.IntegrityReport{}, fmt.Errorf("hash blob %s: %w", rec.StorageKey, err)
		}
		if got != rec.ContentHash {
			if s.recordMoved(rec) {
				continue
			}
			report.ChecksumMismatches = append(report.ChecksumMismatches, domain.ChecksumMismatch{
				InvoiceID:  rec.InvoiceID,
				StorageKey: rec.StorageKey,
				WantHash:   rec.ContentHash,
				GotHash:    got,
			})
		}
	}

	// Orphans are judged against live pointers, not the initial snapshot,
	// so a replace that committed mid-scan doesn't flag its new key.
	referenced := make(map[string]struct{})
	for _, rec := range s.store.ListReceipts() {
		referenced[rec.StorageKey] = struct{}{}
	}
	for _, info := range infos {
		if _, ok := referenced[info.Key]; !ok {
			report.Orphans = append(report.Orphans, info.Key)
		}
	}

	s.log.Info("integrity scan complete",
		"scanned", report.ScannedCount,
		"missing", len(report.Missing),
		"orphans", len(report.Orphans),
		"mismatches", len(report.ChecksumMismatches))
	return report, nil
}

// recordMoved reports whether the live record no longer points at the key the
// snapshot saw, meaning the blob was legitimately replaced or deleted while
// the scan was running.
func (s *Scanner) recordMoved(rec domain.ReceiptRecord) bool {
	current, ok := s.store.GetReceipt(rec.InvoiceID)
	return !ok || current.StorageKey != rec.StorageKey
}

func (s *Scanner) hashBlob(ctx context.Context, key string) (string, error) {
	_, rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteReport persists a report as a dated JSON file under dir, returning the
// path written.
func WriteReport(dir string, report domain.IntegrityReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("receipt_integrity_%s.json", report.RunAt.Format("2006-01-02_15-04-05"))
	path := filepath.Join(dir, name)
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
