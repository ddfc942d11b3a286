package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names accepted by OBJECT_STORE_TYPE.
const (
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// NewFromEnv builds the object store the environment selects.
//
//	OBJECT_STORE_TYPE: fs (default) | s3 | gcs | memory
//	DATA_DIR: base dir for fs (default "data")
//	OBJECT_STORE_S3_BUCKET / _REGION / _ENDPOINT / _PREFIX
//	OBJECT_STORE_GCS_BUCKET / _PREFIX (requires -tags gcp)
func NewFromEnv(ctx context.Context) (Store, error) {
	backend := os.Getenv("OBJECT_STORE_TYPE")
	if backend == "" {
		backend = BackendFS
	}
	switch backend {
	case BackendFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "objects"))
	case BackendS3:
		bucket := os.Getenv("OBJECT_STORE_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("objectstore: OBJECT_STORE_S3_BUCKET required for s3 backend")
		}
		region := os.Getenv("OBJECT_STORE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("OBJECT_STORE_S3_ENDPOINT"),
			Prefix:   os.Getenv("OBJECT_STORE_S3_PREFIX"),
		})
	case BackendGCS:
		return newGCSFromEnv(ctx)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("objectstore: unknown backend %q", backend)
	}
}

// NewGCS builds the GCS-backed store from OBJECT_STORE_GCS_* env vars.
// Requires the gcp build tag; without it the constructor returns an error.
func NewGCS(ctx context.Context) (Store, error) {
	return newGCSFromEnv(ctx)
}
