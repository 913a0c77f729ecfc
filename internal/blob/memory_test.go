package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestMemoryPutGetHead(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	if store.Driver() != DriverMemory {
		t.Fatalf("unexpected driver %s", store.Driver())
	}

	info, err := store.Put(ctx, "aggregated/income_tax/2025-01-01/agg.json", strings.NewReader(`{"x":1}`), PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"run": "r-1"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 7 || info.ContentType != "application/json" {
		t.Fatalf("unexpected info %+v", info)
	}

	// Create-only semantics.
	if _, err := store.Put(ctx, "aggregated/income_tax/2025-01-01/agg.json", strings.NewReader("x"), PutOptions{}); err == nil {
		t.Fatalf("expected duplicate key rejection")
	}

	got, body, err := store.Get(ctx, "aggregated/income_tax/2025-01-01/agg.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(body)
	_ = body.Close()
	if string(data) != `{"x":1}` {
		t.Fatalf("content mismatch: %s", data)
	}
	if got.Metadata["run"] != "r-1" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}

	head, err := store.Head(ctx, "aggregated/income_tax/2025-01-01/agg.json")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Size != info.Size {
		t.Fatalf("head size mismatch")
	}
	if _, err := store.Head(ctx, "missing"); err == nil {
		t.Fatalf("expected head miss")
	}
}

func TestMemoryDeleteAndList(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	for _, key := range []string{"schemas/paye/v2.json", "schemas/paye/v1.json", "schemas/vat/v1.json"} {
		if _, err := store.Put(ctx, key, strings.NewReader("{}"), PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	infos, err := store.List(ctx, "schemas/paye/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "schemas/paye/v1.json" || infos[1].Key != "schemas/paye/v2.json" {
		t.Fatalf("expected sorted paye keys, got %+v", infos)
	}

	existed, err := store.Delete(ctx, "schemas/paye/v1.json")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	existed, err = store.Delete(ctx, "schemas/paye/v1.json")
	if err != nil || existed {
		t.Fatalf("second delete should report missing, existed=%v err=%v", existed, err)
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 remaining blobs, got %d", len(all))
	}
}

func TestMemoryPresignUnsupported(t *testing.T) {
	store := NewMemory()
	if _, err := store.PresignURL(context.Background(), "k", SignedURLOptions{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestMemoryMetadataIsolated(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	md := map[string]string{"run": "r-1"}
	if _, err := store.Put(ctx, "k", strings.NewReader("v"), PutOptions{Metadata: md}); err != nil {
		t.Fatalf("put: %v", err)
	}
	md["run"] = "mutated"
	head, err := store.Head(ctx, "k")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Metadata["run"] != "r-1" {
		t.Fatalf("caller mutation leaked into stored metadata")
	}
}
