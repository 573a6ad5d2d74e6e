package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"fiscalcore/internal/blob/core"
)

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New()

	info, err := store.Put(ctx, "receipts/inv-1/v0001-aaa", bytes.NewReader([]byte("body")), core.PutOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 4 || info.SHA256 == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "receipts/inv-1/v0001-aaa", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	_, rc, err := store.Get(ctx, "receipts/inv-1/v0001-aaa")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "body" {
		t.Fatalf("got %q", b)
	}

	ok, err := store.Delete(ctx, "receipts/inv-1/v0001-aaa")
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if _, err := store.Head(ctx, "receipts/inv-1/v0001-aaa"); !errors.Is(err, core.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestStore_CorruptKeepsMetadata(t *testing.T) {
	ctx := context.Background()
	store := New()
	info, err := store.Put(ctx, "receipts/inv-1/v0001-aaa", bytes.NewReader([]byte("original")), core.PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !store.Corrupt("receipts/inv-1/v0001-aaa", []byte("tampered")) {
		t.Fatalf("corrupt reported missing key")
	}
	got, rc, err := store.Get(ctx, "receipts/inv-1/v0001-aaa")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "tampered" {
		t.Fatalf("expected tampered bytes, got %q", b)
	}
	if got.SHA256 != info.SHA256 {
		t.Fatalf("metadata hash changed on corrupt")
	}
}
