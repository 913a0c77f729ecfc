package blob

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenDefaultsToFilesystem(t *testing.T) {
	t.Setenv(EnvDriver, "")
	t.Setenv(EnvFSRoot, filepath.Join(t.TempDir(), "blobs"))

	store, err := Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store.Driver() != DriverFilesystem {
		t.Fatalf("expected filesystem default, got %s", store.Driver())
	}
}

func TestOpenMemoryDriver(t *testing.T) {
	t.Setenv(EnvDriver, "memory")

	store, err := Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store.Driver() != DriverMemory {
		t.Fatalf("expected memory driver, got %s", store.Driver())
	}
}

func TestOpenS3RequiresBucket(t *testing.T) {
	t.Setenv(EnvDriver, "s3")
	t.Setenv("TAXCORE_BLOB_S3_BUCKET", "")

	if _, err := Open(context.Background()); err == nil || !strings.Contains(err.Error(), "TAXCORE_BLOB_S3_BUCKET") {
		t.Fatalf("expected bucket requirement error, got %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Setenv(EnvDriver, "tape")

	if _, err := Open(context.Background()); err == nil || !strings.Contains(err.Error(), "unknown driver") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}
