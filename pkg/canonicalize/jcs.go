// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of events, policies, and artifacts.
//
// Every hash in the system (payloadHash, chainHash, policyHash, artifactHash,
// factsHash) is computed over the canonical form produced here, so two
// structurally equal documents always hash identically regardless of key
// order or number spelling.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json (respecting struct tags), then
// transformed: map keys sorted lexicographically by UTF-16 code units,
// numbers rendered with ES6 shortest-round-trip formatting (1.0 -> 1,
// 1e2 -> 100), and no HTML escaping. Non-finite numbers (NaN, ±Inf) are
// rejected by the pre-marshal step.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return JCSBytes(intermediate)
}

// JCSBytes canonicalizes raw JSON bytes. This is the hot path for event
// payloads, which are carried through the system as json.RawMessage.
func JCSBytes(raw []byte) ([]byte, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("jcs: input is not valid JSON")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashRaw returns the SHA-256 hex digest of the canonical form of raw JSON.
func HashRaw(raw []byte) (string, error) {
	b, err := JCSBytes(raw)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns it hex encoded.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the canonical form as a string.
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
