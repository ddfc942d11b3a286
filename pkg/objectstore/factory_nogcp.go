//go:build !gcp

package objectstore

import (
	"context"
	"fmt"
)

func newGCSFromEnv(ctx context.Context) (Store, error) {
	return nil, fmt.Errorf("objectstore: gcs backend not compiled in (build with -tags gcp)")
}
