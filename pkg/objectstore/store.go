// Package objectstore provides content-addressed blob storage for evidence
// objects, artifact documents, and finance pack archives. Backends share one
// contract: Put computes the sha256 address, writes are idempotent, and refs
// carry a "sha256:" prefix so a ref is never mistaken for a key.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no blob exists at a ref.
var ErrNotFound = errors.New("objectstore: blob not found")

// MaxBlobBytes caps a single stored object.
const MaxBlobBytes = 64 * 1024 * 1024

// Store is the content-addressed storage contract.
type Store interface {
	// Put persists data and returns its ref ("sha256:<hex>"). Re-putting
	// identical bytes is a no-op returning the same ref.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves the blob at ref, ErrNotFound if absent.
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// Ref computes the storage ref for data without storing it.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// parseRef validates a ref and returns the bare hex digest.
func parseRef(ref string) (string, error) {
	const prefix = "sha256:"
	if len(ref) != len(prefix)+64 || ref[:len(prefix)] != prefix {
		return "", fmt.Errorf("objectstore: malformed ref %q", ref)
	}
	digest := ref[len(prefix):]
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("objectstore: ref digest not hex: %w", err)
	}
	return digest, nil
}

func checkSize(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("objectstore: refusing empty blob")
	}
	if len(data) > MaxBlobBytes {
		return fmt.Errorf("objectstore: blob %d bytes exceeds %d limit", len(data), MaxBlobBytes)
	}
	return nil
}
