package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/objectstore"
)

// Registry persists signed artifact envelopes in content-addressed
// storage. The blob ref and the artifact id are independent handles: the
// ref addresses the envelope bytes, the id addresses the core content.
type Registry struct {
	store  objectstore.Store
	signer crypto.Signer
}

// NewRegistry creates a registry. signer may be nil for read-only use;
// Seal and Put then refuse to mint signed artifacts.
func NewRegistry(store objectstore.Store, signer crypto.Signer) *Registry {
	return &Registry{store: store, signer: signer}
}

// Seal signs the envelope with the registry's server key.
func (r *Registry) Seal(env *Envelope) error {
	if r.signer == nil {
		return errors.New("artifact registry has no signer")
	}
	return env.Sign(r.signer)
}

// Put verifies, seals if needed, and persists the envelope. It returns
// the object store ref of the stored bytes. Storing the same envelope
// twice lands on the same ref.
func (r *Registry) Put(ctx context.Context, env *Envelope) (string, error) {
	if env == nil {
		return "", errors.New("nil envelope")
	}
	if err := env.Verify(); err != nil {
		return "", err
	}
	if env.Signature == "" {
		if err := r.Seal(env); err != nil {
			return "", err
		}
	}
	data, err := canonicalize.JCS(env)
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}
	return r.store.Put(ctx, data)
}

// Get retrieves an envelope by ref and re-verifies its content hash.
func (r *Registry) Get(ctx context.Context, ref string) (*Envelope, error) {
	data, err := r.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("corrupt artifact %s: %w", ref, err)
	}
	if err := env.Verify(); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", ref, err)
	}
	return &env, nil
}

// Audit fetches an artifact and reports every integrity problem instead
// of stopping at the first. Unsigned artifacts fail closed.
func (r *Registry) Audit(ctx context.Context, ref, serverPubKeyB64 string) (bool, []string, error) {
	data, err := r.store.Get(ctx, ref)
	if err != nil {
		return false, nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, []string{"envelope does not parse"}, nil
	}

	var reasons []string
	if err := env.Verify(); err != nil {
		reasons = append(reasons, err.Error())
	}
	if env.Signature == "" || env.SignerKeyID == "" {
		return false, append(reasons, "missing signature or signer key id"), nil
	}
	if serverPubKeyB64 == "" {
		return false, append(reasons, "no server public key configured"), nil
	}
	if err := env.VerifySignature(serverPubKeyB64); err != nil {
		reasons = append(reasons, err.Error())
	}
	return len(reasons) == 0, reasons, nil
}
