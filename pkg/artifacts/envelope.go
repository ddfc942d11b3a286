// Package artifacts defines the content-addressed document catalog produced
// by the worker pipeline and delivered on the rails: certificates,
// statements, receipts, verdicts, and finance packs. An artifact's hash is
// computed over its canonical core body, so identity is a pure function of
// schema version, source event proofs, and payload.
package artifacts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/events"
)

// The artifact catalog. The version suffix is part of the type name on the
// wire; a schema change mints a new type.
const (
	TypeWorkCertificate       = "WorkCertificate.v1"
	TypeSettlementStatement   = "SettlementStatement.v1"
	TypeProofReceipt          = "ProofReceipt.v1"
	TypeDisputeVerdict        = "DisputeVerdict.v1"
	TypeMonthlyCloseStatement = "MonthlyCloseStatement.v1"
	TypeFinancePackBundle     = "FinancePackBundle.v1"
)

// MaxPayloadBytes caps a single artifact payload.
const MaxPayloadBytes = 10 * 1024 * 1024

// EventProof pins an artifact to one source event. Holders of the stream
// can check the event exists, hashes match, and the chain includes it.
type EventProof struct {
	EventID     string `json:"eventId"`
	StreamID    string `json:"streamId"`
	ChainHash   string `json:"chainHash"`
	PayloadHash string `json:"payloadHash"`
}

// SourceProof extracts the proof for one event.
func SourceProof(e events.Event) EventProof {
	return EventProof{
		EventID:     e.ID,
		StreamID:    e.StreamID,
		ChainHash:   e.ChainHash,
		PayloadHash: e.PayloadHash,
	}
}

// CoreBody is the hashed portion of an artifact. Everything outside it
// (id, timestamps, signature) can be recomputed or re-stamped without
// changing identity.
type CoreBody struct {
	SchemaVersion string          `json:"schemaVersion"`
	TenantID      string          `json:"tenantId"`
	Sources       []EventProof    `json:"sources,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Envelope is the stored and delivered artifact document.
type Envelope struct {
	ArtifactID   string   `json:"artifactId"`
	ArtifactType string   `json:"artifactType"`
	ArtifactHash string   `json:"artifactHash"`
	Core         CoreBody `json:"core"`
	CreatedAt    string   `json:"createdAt"`
	// Signature covers the artifact hash with the server signer key.
	Signature   string `json:"signature,omitempty"`
	SignerKeyID string `json:"signerKeyId,omitempty"`
}

// New builds an envelope for a payload. The artifact id derives from the
// hash, which makes building idempotent: the same sources and payload
// always produce the same id.
func New(tenantID, artifactType string, payload any, sources []EventProof, at time.Time) (*Envelope, error) {
	if artifactType == "" {
		return nil, fmt.Errorf("artifacts: empty artifact type")
	}
	raw, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("artifacts: canonicalize payload: %w", err)
	}
	if len(raw) == 0 || len(raw) > MaxPayloadBytes {
		return nil, fmt.Errorf("artifacts: payload size %d out of bounds", len(raw))
	}
	core := CoreBody{
		SchemaVersion: artifactType,
		TenantID:      tenantID,
		Sources:       sources,
		Payload:       raw,
	}
	hash, err := canonicalize.CanonicalHash(core)
	if err != nil {
		return nil, fmt.Errorf("artifacts: hash core: %w", err)
	}
	return &Envelope{
		ArtifactID:   "art_" + hash[:24],
		ArtifactType: artifactType,
		ArtifactHash: hash,
		Core:         core,
		CreatedAt:    at.UTC().Format(time.RFC3339),
	}, nil
}

// Verify recomputes the hash and id from the core and checks them against
// the envelope's claims.
func (e *Envelope) Verify() error {
	if e.Core.SchemaVersion != e.ArtifactType {
		return fmt.Errorf("artifacts: schemaVersion %s disagrees with type %s", e.Core.SchemaVersion, e.ArtifactType)
	}
	hash, err := canonicalize.CanonicalHash(e.Core)
	if err != nil {
		return fmt.Errorf("artifacts: hash core: %w", err)
	}
	if hash != e.ArtifactHash {
		return fmt.Errorf("artifacts: hash mismatch: computed %s, claimed %s", hash, e.ArtifactHash)
	}
	if want := "art_" + hash[:24]; want != e.ArtifactID {
		return fmt.Errorf("artifacts: id %s does not derive from hash", e.ArtifactID)
	}
	return nil
}

// Sign stamps the server signature over the artifact hash.
func (e *Envelope) Sign(signer crypto.Signer) error {
	if signer == nil {
		return fmt.Errorf("artifacts: signer not configured")
	}
	sig, err := signer.Sign([]byte(e.ArtifactHash))
	if err != nil {
		return fmt.Errorf("artifacts: sign: %w", err)
	}
	e.Signature = sig
	e.SignerKeyID = signer.KeyID()
	return nil
}

// VerifySignature checks the server signature against a public key.
func (e *Envelope) VerifySignature(pubKeyB64 string) error {
	if e.Signature == "" {
		return fmt.Errorf("artifacts: envelope unsigned")
	}
	valid, err := crypto.Verify(pubKeyB64, e.Signature, []byte(e.ArtifactHash))
	if err != nil {
		return fmt.Errorf("artifacts: signature malformed: %w", err)
	}
	if !valid {
		return fmt.Errorf("artifacts: signature does not verify")
	}
	return nil
}

// DecodePayload unmarshals the payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if err := json.Unmarshal(e.Core.Payload, out); err != nil {
		return fmt.Errorf("artifacts: decode %s payload: %w", e.ArtifactType, err)
	}
	return nil
}
