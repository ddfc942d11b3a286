package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/settld-labs/settld/pkg/crypto"
)

// Agent request signing headers. The signature covers method, path,
// timestamp, and the body digest, so a captured request cannot be replayed
// against another endpoint or with a different payload.
const (
	HeaderAgentID        = "x-settld-agent-id"
	HeaderAgentKeyID     = "x-settld-agent-key-id"
	HeaderAgentTimestamp = "x-settld-agent-timestamp"
	HeaderAgentSignature = "x-settld-agent-signature"
)

// MaxAgentSkew bounds how far a signed timestamp may drift from server time.
const MaxAgentSkew = 5 * time.Minute

// AgentKey is one registered agent signing key.
type AgentKey struct {
	TenantID  string
	AgentID   string
	KeyID     string
	PublicKey string // base64 Ed25519
	Revoked   bool
}

// AgentKeys resolves registered keys; the API server backs this with the
// store's public-key rows.
type AgentKeys interface {
	AgentKey(ctx context.Context, tenantID, keyID string) (*AgentKey, error)
}

// AgentRequest carries the signed parts of one inbound agent call.
type AgentRequest struct {
	AgentID   string
	KeyID     string
	Timestamp string // unix seconds
	Signature string // base64 Ed25519 over SigningString
	Method    string
	Path      string
	Body      []byte
}

// SigningString is the exact byte string an agent signs.
func (r AgentRequest) SigningString() string {
	sum := sha256.Sum256(r.Body)
	return r.Method + "\n" + r.Path + "\n" + r.Timestamp + "\n" + hex.EncodeToString(sum[:])
}

// AgentVerifier authenticates signed agent requests.
type AgentVerifier struct {
	keys AgentKeys
	now  func() time.Time
}

func NewAgentVerifier(keys AgentKeys, now func() time.Time) *AgentVerifier {
	if now == nil {
		now = time.Now
	}
	return &AgentVerifier{keys: keys, now: now}
}

// Verify checks the request signature against the registered key and returns
// the agent principal. Every failure is generic on purpose: callers must not
// learn whether an agent id, key id, or signature was the wrong part.
func (v *AgentVerifier) Verify(ctx context.Context, tenantID string, req AgentRequest) (*Principal, error) {
	if req.AgentID == "" || req.KeyID == "" || req.Timestamp == "" || req.Signature == "" {
		return nil, fmt.Errorf("auth: agent signature headers incomplete")
	}
	secs, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("auth: agent signature rejected")
	}
	if d := v.now().Sub(time.Unix(secs, 0)); d > MaxAgentSkew || d < -MaxAgentSkew {
		return nil, fmt.Errorf("auth: agent signature rejected")
	}

	key, err := v.keys.AgentKey(ctx, tenantID, req.KeyID)
	if err != nil {
		return nil, fmt.Errorf("auth: agent signature rejected")
	}
	if key.Revoked || key.AgentID != req.AgentID {
		return nil, fmt.Errorf("auth: agent signature rejected")
	}

	ok, err := crypto.Verify(key.PublicKey, req.Signature, []byte(req.SigningString()))
	if err != nil || !ok {
		return nil, fmt.Errorf("auth: agent signature rejected")
	}
	return &Principal{Kind: KindAgent, ID: req.AgentID, TenantID: tenantID}, nil
}
