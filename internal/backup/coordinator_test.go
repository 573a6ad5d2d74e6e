package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fiscalcore/internal/blob"
	"fiscalcore/internal/core"
	"fiscalcore/internal/infra/persistence/memory"
	"fiscalcore/internal/integrity"
	"fiscalcore/pkg/domain"
)

func seedLedger(t *testing.T, store domain.PersistentStore, blobs blob.Store) {
	t.Helper()
	ctx := context.Background()
	svc := core.NewService(store, blobs)
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("inv-%d", i)
		if _, err := svc.CreateInvoice(ctx, domain.Invoice{ID: id}); err != nil {
			t.Fatalf("create invoice: %v", err)
		}
		if _, err := svc.Allocate(ctx, id); err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if _, err := svc.Attach(ctx, id, []byte("receipt body "+id), "application/pdf"); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
}

func TestCreateRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	srcStore := memory.NewStore(5460)
	srcBlobs := blob.NewMemory()
	seedLedger(t, srcStore, srcBlobs)

	manifest, err := New(srcStore, srcBlobs, root, nil).CreateSnapshot(ctx, "nightly")
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if len(manifest.ReceiptKeys) != 3 || manifest.Label != "nightly" || manifest.Checksum == "" {
		t.Fatalf("unexpected manifest %+v", manifest)
	}

	dstStore := memory.NewStore(0)
	dstBlobs := blob.NewMemory()
	restorer := New(dstStore, dstBlobs, root, nil)
	if err := restorer.RestoreSnapshot(ctx, manifest.BackupID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if dstStore.Counter() != srcStore.Counter() {
		t.Fatalf("counter not restored: %d vs %d", dstStore.Counter(), srcStore.Counter())
	}
	if len(dstStore.ListInvoices()) != 3 || len(dstStore.ListReceipts()) != 3 {
		t.Fatalf("ledger not fully restored")
	}

	report, err := integrity.New(dstStore, dstBlobs, nil).Run(ctx)
	if err != nil {
		t.Fatalf("scan restored target: %v", err)
	}
	if len(report.Missing) != 0 || len(report.ChecksumMismatches) != 0 {
		t.Fatalf("restored target not intact: %+v", report)
	}
}

func TestRestore_RefusesTamperedManifest(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := memory.NewStore(0)
	blobs := blob.NewMemory()
	seedLedger(t, store, blobs)

	coord := New(store, blobs, root, nil)
	manifest, err := coord.CreateSnapshot(ctx, "")
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	path := filepath.Join(root, manifest.BackupID, manifestFile)
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var tampered domain.BackupManifest
	if err := json.Unmarshal(body, &tampered); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	tampered.ReceiptKeys = tampered.ReceiptKeys[:1] // shrink without recomputing checksum
	body, err = json.Marshal(tampered)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("tamper manifest: %v", err)
	}

	var invalid domain.ErrManifestInvalid
	if err := coord.RestoreSnapshot(ctx, manifest.BackupID); !errors.As(err, &invalid) {
		t.Fatalf("expected ErrManifestInvalid, got %v", err)
	}
}

func TestRestore_RefusesMissingManifest(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "half-written"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	coord := New(memory.NewStore(0), blob.NewMemory(), root, nil)
	var invalid domain.ErrManifestInvalid
	if err := coord.RestoreSnapshot(ctx, "half-written"); !errors.As(err, &invalid) {
		t.Fatalf("expected ErrManifestInvalid, got %v", err)
	}
	if manifests, err := coord.ListBackups(); err != nil || len(manifests) != 0 {
		t.Fatalf("manifest-less bundle listed: %v %v", manifests, err)
	}
}

func TestVerify_DetectsMissingBundleBlob(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := memory.NewStore(0)
	blobs := blob.NewMemory()
	seedLedger(t, store, blobs)

	coord := New(store, blobs, root, nil)
	manifest, err := coord.CreateSnapshot(ctx, "")
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	victim, err := bundleBlobPath(filepath.Join(root, manifest.BackupID), manifest.ReceiptKeys[0])
	if err != nil {
		t.Fatalf("bundle path: %v", err)
	}
	if err := os.Remove(victim); err != nil {
		t.Fatalf("remove bundled blob: %v", err)
	}
	var invalid domain.ErrManifestInvalid
	if _, err := coord.VerifyBackup(ctx, manifest.BackupID); !errors.As(err, &invalid) {
		t.Fatalf("expected ErrManifestInvalid, got %v", err)
	}
}

func TestVerify_DetectsDriftedBundleBlob(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := memory.NewStore(0)
	blobs := blob.NewMemory()
	seedLedger(t, store, blobs)

	coord := New(store, blobs, root, nil)
	manifest, err := coord.CreateSnapshot(ctx, "")
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	victim, err := bundleBlobPath(filepath.Join(root, manifest.BackupID), manifest.ReceiptKeys[0])
	if err != nil {
		t.Fatalf("bundle path: %v", err)
	}
	if err := os.WriteFile(victim, []byte("rot"), 0o644); err != nil {
		t.Fatalf("overwrite bundled blob: %v", err)
	}
	var invalid domain.ErrManifestInvalid
	if _, err := coord.VerifyBackup(ctx, manifest.BackupID); !errors.As(err, &invalid) {
		t.Fatalf("expected ErrManifestInvalid for drifted blob, got %v", err)
	}
	// RestoreInto must refuse before touching the target.
	dst := memory.NewStore(0)
	if err := coord.RestoreInto(ctx, manifest.BackupID, dst, blob.NewMemory()); !errors.As(err, &invalid) {
		t.Fatalf("expected restore refusal, got %v", err)
	}
	if len(dst.ListInvoices()) != 0 {
		t.Fatalf("refused restore mutated target")
	}
}

func TestCreateSnapshot_CancellationLeavesNoManifest(t *testing.T) {
	root := t.TempDir()
	store := memory.NewStore(0)
	blobs := blob.NewMemory()
	seedLedger(t, store, blobs)
	coord := New(store, blobs, root, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := coord.CreateSnapshot(ctx, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	for _, entry := range entries {
		if _, err := os.Stat(filepath.Join(root, entry.Name(), manifestFile)); err == nil {
			t.Fatalf("interrupted bundle has a manifest")
		}
	}
	if manifests, err := coord.ListBackups(); err != nil || len(manifests) != 0 {
		t.Fatalf("interrupted bundle listed as valid: %v %v", manifests, err)
	}
}

func TestRunRestoreDrill_CleanOnValidBundle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := memory.NewStore(5460)
	blobs := blob.NewMemory()
	seedLedger(t, store, blobs)
	coord := New(store, blobs, root, nil)

	manifest, err := coord.CreateSnapshot(ctx, "")
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	report, err := coord.RunRestoreDrill(ctx, manifest.BackupID)
	if err != nil {
		t.Fatalf("drill: %v", err)
	}
	if !report.Clean() || report.ScannedCount != 3 {
		t.Fatalf("drill report not clean: %+v", report)
	}
	// Live state untouched by the drill.
	if len(store.ListReceipts()) != 3 || store.Counter() != 5464 {
		t.Fatalf("drill mutated live state")
	}
}

func TestPrune_KeepsNewestAndClearsIncomplete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := memory.NewStore(0)
	blobs := blob.NewMemory()
	seedLedger(t, store, blobs)
	coord := New(store, blobs, root, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		stamp := base.Add(time.Duration(i) * time.Hour)
		coord.SetNowFunc(func() time.Time { return stamp })
		manifest, err := coord.CreateSnapshot(ctx, "")
		if err != nil {
			t.Fatalf("create snapshot %d: %v", i, err)
		}
		ids = append(ids, manifest.BackupID)
	}
	if err := os.MkdirAll(filepath.Join(root, "leftover"), 0o755); err != nil {
		t.Fatalf("mkdir leftover: %v", err)
	}

	if err := coord.Prune(1); err != nil {
		t.Fatalf("prune: %v", err)
	}
	manifests, err := coord.ListBackups()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(manifests) != 1 || manifests[0].BackupID != ids[2] {
		t.Fatalf("prune kept wrong bundles: %+v", manifests)
	}
	if _, err := os.Stat(filepath.Join(root, "leftover")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("incomplete bundle survived prune")
	}
	if _, err := os.Stat(filepath.Join(root, ids[0])); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("old bundle survived prune")
	}
}
