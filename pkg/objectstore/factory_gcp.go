//go:build gcp

package objectstore

import (
	"context"
	"fmt"
	"os"
)

func newGCSFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("OBJECT_STORE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("objectstore: OBJECT_STORE_GCS_BUCKET required for gcs backend")
	}
	return NewGCSStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("OBJECT_STORE_GCS_PREFIX"),
	})
}
