package sqlite_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"fiscalcore/internal/blob"
	"fiscalcore/internal/core"
	"fiscalcore/internal/infra/persistence/sqlite"
)

// A replace whose pointer commit cannot be made durable must leave the old
// receipt readable; a half-committed pointer would dangle once the aborted
// blob is cleaned up.
func TestReplace_SnapshotFailureKeepsOldReceipt(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "ledger.db"), 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	blobs := blob.NewMemory()
	svc := core.NewService(store, blobs)

	if _, err := svc.CreateInvoice(ctx, core.Invoice{ID: "inv-1"}); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	first, err := svc.Attach(ctx, "inv-1", []byte("A"), "application/pdf")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	// A closed handle makes every later snapshot write fail.
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := svc.Replace(ctx, "inv-1", []byte("B"), "application/pdf"); err == nil {
		t.Fatalf("replace succeeded against a closed database")
	}
	content, rec, err := svc.Get(ctx, "inv-1", true)
	if err != nil {
		t.Fatalf("get after failed replace: %v", err)
	}
	if !bytes.Equal(content, []byte("A")) {
		t.Fatalf("content = %q after failed replace, want original", content)
	}
	if rec.StorageKey != first.StorageKey || rec.Version != first.Version {
		t.Fatalf("pointer moved despite failed replace: %+v vs %+v", rec, first)
	}
}
