// Package crypto wraps the Ed25519 primitives used for event, verdict, and
// artifact signing. Signatures travel as standard base64; public keys are
// distributed base64 encoded and resolved through per-tenant key registries.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Signer produces detached signatures under a stable key id.
type Signer interface {
	Sign(data []byte) (string, error)
	KeyID() string
	PublicKey() string
	PublicKeyBytes() []byte
}

// Ed25519Signer is the only production implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		keyID:   keyID,
	}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

// NewEd25519SignerFromSeedHex restores a signer from a hex-encoded 32-byte
// seed, the format the key files on disk use.
func NewEd25519SignerFromSeedHex(seedHex, keyID string) (*Ed25519Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size %d, want %d", len(seed), ed25519.SeedSize)
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *Ed25519Signer) KeyID() string {
	return s.keyID
}

func (s *Ed25519Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

// SeedHex exports the private seed for persistence. Callers own file modes.
func (s *Ed25519Signer) SeedHex() string {
	return hex.EncodeToString(s.privKey.Seed())
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(pubKeyB64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid public key base64: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks a base64 signature over data against a base64 public key.
func Verify(pubKeyB64, sigB64 string, data []byte) (bool, error) {
	pubKey, err := ParsePublicKey(pubKeyB64)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size %d, want %d", len(sig), ed25519.SignatureSize)
	}
	return ed25519.Verify(pubKey, data, sig), nil
}
