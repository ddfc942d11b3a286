package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet signs tokens with the current key and verifies against every key
// still held, so rotation does not invalidate tokens mid-flight.
type KeySet interface {
	Sign(claims jwt.Claims) (string, error)
	KeyFunc() jwt.Keyfunc
}

// Ed25519KeySet holds rotating EdDSA keys in memory, keyed by kid.
type Ed25519KeySet struct {
	mu      sync.RWMutex
	current string
	keys    map[string]ed25519.PrivateKey
}

// NewEd25519KeySet generates the initial signing key.
func NewEd25519KeySet() (*Ed25519KeySet, error) {
	ks := &Ed25519KeySet{keys: make(map[string]ed25519.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewEd25519KeySetFromKey builds a keyset around an existing key, for
// deployments that persist the token key alongside the server signer.
func NewEd25519KeySetFromKey(kid string, priv ed25519.PrivateKey) *Ed25519KeySet {
	return &Ed25519KeySet{
		current: kid,
		keys:    map[string]ed25519.PrivateKey{kid: priv},
	}
}

// Rotate generates a fresh key and makes it current. Old keys stay valid
// for verification; the map is capped so revoked history cannot grow
// unbounded.
func (ks *Ed25519KeySet) Rotate() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("auth: generate token key: %w", err)
	}
	sum := sha256.Sum256(priv.Public().(ed25519.PublicKey))
	kid := "tok_" + hex.EncodeToString(sum[:8])

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[kid] = priv
	ks.current = kid
	if len(ks.keys) > 4 {
		for k := range ks.keys {
			if k != kid {
				delete(ks.keys, k)
				break
			}
		}
	}
	return nil
}

func (ks *Ed25519KeySet) Sign(claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.current
	key := ks.keys[kid]
	ks.mu.RUnlock()
	if key == nil {
		return "", fmt.Errorf("auth: no active token key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *Ed25519KeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("auth: token missing kid")
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, ok := ks.keys[kid]
		if !ok {
			return nil, fmt.Errorf("auth: unknown token key %s", kid)
		}
		return key.Public(), nil
	}
}
