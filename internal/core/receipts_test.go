package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"fiscalcore/internal/blob"
	blobmem "fiscalcore/internal/infra/blob/memory"
	"fiscalcore/internal/infra/persistence/memory"
	"fiscalcore/pkg/domain"
)

// flakyBlobs wraps a blob store with switchable failure injection.
type flakyBlobs struct {
	blob.Store
	failPut    bool
	failDelete bool
}

func (f *flakyBlobs) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	if f.failPut {
		return blob.Info{}, errors.New("simulated storage outage")
	}
	return f.Store.Put(ctx, key, r, opts)
}

func (f *flakyBlobs) Delete(ctx context.Context, key string) (bool, error) {
	if f.failDelete {
		return false, errors.New("simulated delete failure")
	}
	return f.Store.Delete(ctx, key)
}

func TestAttachGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, 0)
	mustCreateInvoice(t, svc, "inv-1")

	body := []byte("fiscal receipt A")
	rec, err := svc.Attach(ctx, "inv-1", body, "application/pdf")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if rec.Version != 1 || rec.Size != int64(len(body)) || rec.ContentHash != hashContent(body) {
		t.Fatalf("unexpected record %+v", rec)
	}

	got, gotRec, err := svc.Get(ctx, "inv-1", true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, body) || gotRec.StorageKey != rec.StorageKey {
		t.Fatalf("get returned wrong content")
	}

	inv, _ := store.GetInvoice("inv-1")
	if inv.ReceiptKey == nil || *inv.ReceiptKey != rec.StorageKey {
		t.Fatalf("invoice pointer not stamped: %+v", inv)
	}

	var dup domain.ErrDuplicateReceipt
	if _, err := svc.Attach(ctx, "inv-1", []byte("again"), ""); !errors.As(err, &dup) {
		t.Fatalf("expected ErrDuplicateReceipt, got %v", err)
	}
	var nf domain.ErrNotFound
	if _, err := svc.Attach(ctx, "nope", body, ""); !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttach_StorageFailureLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(0)
	blobs := &flakyBlobs{Store: blob.NewMemory(), failPut: true}
	svc := NewService(store, blobs)
	mustCreateInvoice(t, svc, "inv-1")

	_, err := svc.Attach(ctx, "inv-1", []byte("body"), "")
	var sw domain.ErrStorageWrite
	if !errors.As(err, &sw) {
		t.Fatalf("expected ErrStorageWrite, got %v", err)
	}
	if _, ok := store.GetReceipt("inv-1"); ok {
		t.Fatalf("record created despite failed blob write")
	}
	inv, _ := store.GetInvoice("inv-1")
	if inv.ReceiptKey != nil {
		t.Fatalf("pointer stamped despite failed blob write")
	}
}

func TestReplace_SwapsPointerAndCleansOldBlob(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 0)
	mustCreateInvoice(t, svc, "inv-1")

	oldRec, err := svc.Attach(ctx, "inv-1", []byte("A"), "")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	newRec, err := svc.Replace(ctx, "inv-1", []byte("B"), "")
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if newRec.Version != 2 || newRec.StorageKey == oldRec.StorageKey {
		t.Fatalf("replace kept old identity: %+v", newRec)
	}
	got, _, err := svc.Get(ctx, "inv-1", true)
	if err != nil || string(got) != "B" {
		t.Fatalf("get after replace = %q, %v", got, err)
	}
	if _, err := svc.Blobs().Head(ctx, oldRec.StorageKey); !errors.Is(err, blob.ErrNotExist) {
		t.Fatalf("old blob not cleaned up: %v", err)
	}

	var nf domain.ErrNotFound
	if _, err := svc.Replace(ctx, "inv-2", []byte("C"), ""); !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound for replace without receipt, got %v", err)
	}
}

func TestReplace_CrashBeforePointerCommitKeepsOldContent(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore(0)
	blobs := blob.NewMemory()
	svc := NewService(inner, blobs)
	mustCreateInvoice(t, svc, "inv-1")
	if _, err := svc.Attach(ctx, "inv-1", []byte("A"), ""); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Fail the pointer transaction after the new blob is durable.
	crashy := &txFailStore{PersistentStore: inner, remaining: 0}
	broken := NewService(crashy, blobs)
	if _, err := broken.Replace(ctx, "inv-1", []byte("B"), ""); err == nil {
		t.Fatalf("expected replace to fail")
	}

	got, rec, err := svc.Get(ctx, "inv-1", true)
	if err != nil {
		t.Fatalf("get after failed replace: %v", err)
	}
	if string(got) != "A" || rec.Version != 1 {
		t.Fatalf("old content lost: %q version=%d", got, rec.Version)
	}
}

func TestReplace_FailedCleanupLeavesOrphanNotDanglingPointer(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(0)
	blobs := &flakyBlobs{Store: blob.NewMemory()}
	svc := NewService(store, blobs)
	mustCreateInvoice(t, svc, "inv-1")
	oldRec, err := svc.Attach(ctx, "inv-1", []byte("A"), "")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	blobs.failDelete = true
	newRec, err := svc.Replace(ctx, "inv-1", []byte("B"), "")
	if err != nil {
		t.Fatalf("replace must succeed despite cleanup failure: %v", err)
	}
	blobs.failDelete = false

	got, _, err := svc.Get(ctx, "inv-1", true)
	if err != nil || string(got) != "B" {
		t.Fatalf("get = %q, %v; want new content", got, err)
	}
	// Old blob is still present under its old key: an orphan, never pointed at.
	if _, err := blobs.Head(ctx, oldRec.StorageKey); err != nil {
		t.Fatalf("old blob should remain as orphan: %v", err)
	}
	rec, _ := store.GetReceipt("inv-1")
	if rec.StorageKey != newRec.StorageKey {
		t.Fatalf("pointer does not reference new blob")
	}
}

func TestDeleteReceipt(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, 0)
	mustCreateInvoice(t, svc, "inv-1")
	rec, err := svc.Attach(ctx, "inv-1", []byte("A"), "")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := svc.Delete(ctx, "inv-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := store.GetReceipt("inv-1"); ok {
		t.Fatalf("record survived delete")
	}
	inv, _ := store.GetInvoice("inv-1")
	if inv.ReceiptKey != nil || inv.ReceiptHash != nil {
		t.Fatalf("pointer survived delete: %+v", inv)
	}
	if _, err := svc.Blobs().Head(ctx, rec.StorageKey); !errors.Is(err, blob.ErrNotExist) {
		t.Fatalf("blob survived delete: %v", err)
	}
	var nf domain.ErrNotFound
	if err := svc.Delete(ctx, "inv-1"); !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestGet_VerifyDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(0)
	raw := blobmem.New()
	svc := NewService(store, raw)
	mustCreateInvoice(t, svc, "inv-1")
	rec, err := svc.Attach(ctx, "inv-1", []byte("pristine"), "")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if !raw.Corrupt(rec.StorageKey, []byte("tampered")) {
		t.Fatalf("corrupt hook missed key")
	}
	_, _, err = svc.Get(ctx, "inv-1", true)
	var corr domain.ErrCorruption
	if !errors.As(err, &corr) || corr.StorageKey != rec.StorageKey {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}

	// Without verification the raw bytes come back.
	got, _, err := svc.Get(ctx, "inv-1", false)
	if err != nil || string(got) != "tampered" {
		t.Fatalf("unverified get = %q, %v", got, err)
	}
}
