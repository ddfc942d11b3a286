// Package governance manages signer-key material and the signed events
// that drive the governance streams: server key registration, rotation,
// revocation, and effective-dated tenant policy overrides. Reduction and
// override selection live in pkg/domain; this package owns key derivation,
// directory lookups, and command construction.
package governance

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/settld-labs/settld/pkg/crypto"
)

// kdfSalt binds derived keys to this system; rotating it re-keys every
// tenant.
var kdfSalt = []byte("settld-tenant-kdf-v1")

// Keyring holds the master server signing key and derives per-tenant
// signers from it. Derivation is deterministic, so a restart with the
// same master seed resolves to the same tenant keys.
type Keyring struct {
	master *crypto.Ed25519Signer
	seed   []byte
}

// NewKeyring builds a keyring from a hex-encoded 32-byte master seed.
func NewKeyring(seedHex string) (*Keyring, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("keyring seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keyring seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	master := crypto.NewEd25519SignerFromKey(priv, KeyID(priv.Public().(ed25519.PublicKey)))
	return &Keyring{master: master, seed: seed}, nil
}

// NewEphemeralKeyring generates a throwaway keyring, for lite mode and
// tests.
func NewEphemeralKeyring() (*Keyring, error) {
	s, err := crypto.NewEd25519Signer("")
	if err != nil {
		return nil, err
	}
	return NewKeyring(s.SeedHex())
}

// KeyID derives the stable id for a public key: "srv_" plus the first 16
// hex of its sha256.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "srv_" + hex.EncodeToString(sum[:8])
}

// Master returns the platform-level server signer.
func (k *Keyring) Master() crypto.Signer { return k.master }

// TenantSigner derives the server signer for one tenant via HKDF-SHA256
// over the master seed, keyed by tenant id.
func (k *Keyring) TenantSigner(tenantID string) (crypto.Signer, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id required for key derivation")
	}
	r := hkdf.New(sha256.New, k.seed, kdfSalt, []byte(tenantID))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(derived)
	return crypto.NewEd25519SignerFromKey(priv, KeyID(priv.Public().(ed25519.PublicKey))), nil
}
