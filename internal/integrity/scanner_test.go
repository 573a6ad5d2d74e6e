package integrity

import (
	"bytes"
	"context"
	"testing"

	"fiscalcore/internal/blob"
	"fiscalcore/internal/core"
	blobmem "fiscalcore/internal/infra/blob/memory"
	"fiscalcore/internal/infra/persistence/memory"
	"fiscalcore/pkg/domain"
)

func seedInvoiceWithReceipt(t *testing.T, svc *core.Service, id string, body []byte) domain.ReceiptRecord {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.CreateInvoice(ctx, domain.Invoice{ID: id}); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	rec, err := svc.Attach(ctx, id, body, "application/pdf")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return rec
}

func TestScanner_CleanLedger(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(0)
	blobs := blob.NewMemory()
	svc := core.NewService(store, blobs)
	seedInvoiceWithReceipt(t, svc, "inv-1", []byte("A"))
	seedInvoiceWithReceipt(t, svc, "inv-2", []byte("B"))

	report, err := New(store, blobs, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("expected clean report, got %+v", report)
	}
	if report.ScannedCount != 2 {
		t.Fatalf("scanned %d, want 2", report.ScannedCount)
	}
}

func TestScanner_ReportsMissingBlob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(0)
	blobs := blob.NewMemory()
	svc := core.NewService(store, blobs)
	rec := seedInvoiceWithReceipt(t, svc, "inv-1", []byte("A"))

	if ok, err := blobs.Delete(ctx, rec.StorageKey); err != nil || !ok {
		t.Fatalf("delete blob: ok=%v err=%v", ok, err)
	}

	report, err := New(store, blobs, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Missing) != 1 || report.Missing[0].InvoiceID != "inv-1" || report.Missing[0].StorageKey != rec.StorageKey {
		t.Fatalf("unexpected missing set %+v", report.Missing)
	}
}

func TestScanner_ReportsOrphanBlob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(0)
	blobs := blob.NewMemory()
	svc := core.NewService(store, blobs)
	seedInvoiceWithReceipt(t, svc, "inv-1", []byte("A"))

	orphanKey := core.ReceiptKeyPrefix() + "inv-gone/v0001-deadbeefdeadbeef"
	if _, err := blobs.Put(ctx, orphanKey, bytes.NewReader([]byte("stale")), blob.PutOptions{}); err != nil {
		t.Fatalf("put orphan: %v", err)
	}

	report, err := New(store, blobs, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Orphans) != 1 || report.Orphans[0] != orphanKey {
		t.Fatalf("unexpected orphans %+v", report.Orphans)
	}
	if len(report.Missing) != 0 || len(report.ChecksumMismatches) != 0 {
		t.Fatalf("orphan misreported elsewhere: %+v", report)
	}
}

func TestScanner_ReportsChecksumDrift(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(0)
	raw := blobmem.New()
	svc := core.NewService(store, raw)
	rec := seedInvoiceWithReceipt(t, svc, "inv-1", []byte("pristine"))

	if !raw.Corrupt(rec.StorageKey, []byte("tampered")) {
		t.Fatalf("corrupt hook missed key")
	}

	report, err := New(store, raw, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.ChecksumMismatches) != 1 {
		t.Fatalf("unexpected mismatches %+v", report.ChecksumMismatches)
	}
	mm := report.ChecksumMismatches[0]
	if mm.InvoiceID != "inv-1" || mm.WantHash != rec.ContentHash || mm.GotHash == rec.ContentHash {
		t.Fatalf("mismatch details wrong: %+v", mm)
	}
}

// listHookBlobs runs a callback once before the first List, injecting a
// concurrent mutation between the scanner's record snapshot and its blob
// listing.
type listHookBlobs struct {
	blob.Store
	onList func()
}

func (h *listHookBlobs) List(ctx context.Context, prefix string) ([]blob.Info, error) {
	if h.onList != nil {
		hook := h.onList
		h.onList = nil
		hook()
	}
	return h.Store.List(ctx, prefix)
}

func TestScanner_SkipsRecordReplacedMidScan(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(0)
	blobs := blob.NewMemory()
	svc := core.NewService(store, blobs)
	seedInvoiceWithReceipt(t, svc, "inv-1", []byte("A"))

	// The replace lands after the scanner snapshots receipt records but
	// before it lists blobs: the snapshot's key is gone from storage and
	// the live record points at the new one. Neither side is a finding.
	hooked := &listHookBlobs{Store: blobs, onList: func() {
		if _, err := svc.Replace(ctx, "inv-1", []byte("B"), ""); err != nil {
			t.Errorf("replace: %v", err)
		}
	}}

	report, err := New(store, hooked, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("concurrent replace misreported: %+v", report)
	}
}

func TestWriteReport(t *testing.T) {
	dir := t.TempDir()
	report := domain.IntegrityReport{Orphans: []string{"receipts/x/v0001-abc"}}
	path, err := WriteReport(dir, report)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if path == "" {
		t.Fatalf("empty path")
	}
}
