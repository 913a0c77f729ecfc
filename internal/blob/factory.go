package blob

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Environment variables consulted by Open.
const (
	EnvDriver = "TAXCORE_BLOB_DRIVER"
	EnvFSRoot = "TAXCORE_BLOB_FS_ROOT"
)

// Open builds a Store from environment configuration. The driver defaults
// to the filesystem store when TAXCORE_BLOB_DRIVER is unset.
func Open(ctx context.Context) (Store, error) {
	driver := Driver(strings.TrimSpace(strings.ToLower(os.Getenv(EnvDriver))))
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv(EnvFSRoot))
	case DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return OpenS3FromEnv(ctx)
	default:
		return nil, fmt.Errorf("blob: unknown driver %q", driver)
	}
}
