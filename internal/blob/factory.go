package blob

import (
	"context"
	"fmt"
	"os"

	"fiscalcore/internal/infra/blob/fs"
	"fiscalcore/internal/infra/blob/memory"
	"fiscalcore/internal/infra/blob/s3"
)

// NewFilesystem constructs a filesystem-backed blob.Store rooted at the
// provided path. Returns blob.Store so call sites depend on the interface
// instead of concrete implementations.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}

// NewMemory constructs an in-memory blob.Store for tests.
func NewMemory() Store {
	return memory.New()
}

// Open selects a blob.Store implementation using environment variables.
//
//	FISCALCORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	FISCALCORE_BLOB_FS_ROOT: directory root when driver=fs (default ./receiptdata)
//	(S3 specific variables documented in the s3 package)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("FISCALCORE_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		root := os.Getenv("FISCALCORE_BLOB_FS_ROOT")
		return NewFilesystem(root)
	case DriverS3:
		return s3.OpenFromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
