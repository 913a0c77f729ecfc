package blob

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestS3RoundTrip(t *testing.T) {
	store := NewMockS3ForTests()
	ctx := context.Background()
	if store.Driver() != DriverS3 {
		t.Fatalf("unexpected driver %s", store.Driver())
	}

	info, err := store.Put(ctx, "aggregated/paye/2025-01-01/agg.json", strings.NewReader(`{"ok":true}`), PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "aggregated/paye/2025-01-01/agg.json" {
		t.Fatalf("unexpected info %+v", info)
	}

	if _, err := store.Put(ctx, "aggregated/paye/2025-01-01/agg.json", strings.NewReader("x"), PutOptions{}); err == nil {
		t.Fatalf("expected duplicate key rejection")
	}

	got, body, err := store.Get(ctx, "aggregated/paye/2025-01-01/agg.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(body)
	_ = body.Close()
	if string(data) != `{"ok":true}` {
		t.Fatalf("content mismatch: %s", data)
	}
	if got.ContentType != "application/json" {
		t.Fatalf("content type lost: %+v", got)
	}

	head, err := store.Head(ctx, "aggregated/paye/2025-01-01/agg.json")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Size != int64(len(`{"ok":true}`)) {
		t.Fatalf("head size mismatch: %+v", head)
	}
	if _, err := store.Head(ctx, "missing"); err == nil {
		t.Fatalf("expected head miss")
	}
}

func TestS3List(t *testing.T) {
	store := NewMockS3ForTests()
	ctx := context.Background()
	for _, key := range []string{"schemas/vat/v2.json", "schemas/vat/v1.json", "aggregated/vat/2025-01-01/agg.json"} {
		if _, err := store.Put(ctx, key, strings.NewReader("{}"), PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	infos, err := store.List(ctx, "schemas/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "schemas/vat/v1.json" || infos[1].Key != "schemas/vat/v2.json" {
		t.Fatalf("unexpected listing %+v", infos)
	}
	for _, info := range infos {
		if info.Size != 2 {
			t.Fatalf("size not surfaced in listing: %+v", info)
		}
	}
}

func TestS3Delete(t *testing.T) {
	store := NewMockS3ForTests()
	ctx := context.Background()
	if _, err := store.Put(ctx, "k", strings.NewReader("v"), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	existed, err := store.Delete(ctx, "k")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	if _, err := store.Head(ctx, "k"); err == nil {
		t.Fatalf("object must be gone after delete")
	}
	// DeleteObject is idempotent on the wire.
	if existed, err := store.Delete(ctx, "k"); err != nil || !existed {
		t.Fatalf("idempotent delete: existed=%v err=%v", existed, err)
	}
}

func TestNewS3StaticCredentials(t *testing.T) {
	ctx := context.Background()
	store, err := NewS3(ctx, S3Config{
		Bucket:          "archive",
		Region:          "eu-west-1",
		Endpoint:        "https://minio.local",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		PathStyle:       true,
	})
	if err != nil {
		t.Fatalf("new s3: %v", err)
	}

	// Presigning signs locally, so the configured key pair must show up in
	// the credential scope of the generated URL.
	u, err := store.PresignURL(ctx, "schemas/vat/v1.json", SignedURLOptions{})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(u, "AKIDEXAMPLE") {
		t.Fatalf("static access key not applied: %q", u)
	}
	if !strings.Contains(u, "minio.local") {
		t.Fatalf("endpoint not applied: %q", u)
	}

	if _, err := NewS3(ctx, S3Config{}); err == nil {
		t.Fatalf("missing bucket must be rejected")
	}
}

func TestS3PresignURL(t *testing.T) {
	store := NewMockS3ForTests()
	ctx := context.Background()

	u, err := store.PresignURL(ctx, "schemas/vat/v1.json", SignedURLOptions{})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(u, "mock-bucket") || !strings.Contains(u, "schemas/vat/v1.json") {
		t.Fatalf("unexpected url %q", u)
	}
	if !strings.Contains(u, "X-Amz-Signature") {
		t.Fatalf("url is not signed: %q", u)
	}
	if _, err := store.PresignURL(ctx, "k", SignedURLOptions{Method: "PUT"}); err == nil {
		t.Fatalf("non-GET presign must be rejected")
	}
}
