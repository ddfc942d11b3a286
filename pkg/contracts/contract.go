// Package contracts implements contracts-as-code: a canonical-JSON
// contract document moves draft → published → active, collecting party
// signatures on its content hash along the way. Activation compiles the
// document into the settlement policy template that bookings snapshot.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/events"
)

// Status is the contract lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusActive    Status = "active"
	StatusRetired   Status = "retired"
)

// Lifecycle error codes.
const (
	CodeHashMismatch   = "CONTRACT_HASH_MISMATCH"
	CodeStateInvalid   = "CONTRACT_STATE_INVALID"
	CodeSignerUnknown  = "CONTRACT_SIGNER_UNKNOWN"
	CodeAlreadySigned  = "CONTRACT_ALREADY_SIGNED"
	CodeNotFullySigned = "CONTRACT_NOT_FULLY_SIGNED"
	CodeCompileFailed  = "CONTRACT_COMPILE_FAILED"
)

// LifecycleError is a contract transition rejection with a stable code.
type LifecycleError struct {
	Code   string
	Detail string
}

func (e *LifecycleError) Error() string { return e.Code + ": " + e.Detail }

func lifecycleErr(code, format string, args ...any) error {
	return &LifecycleError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Party identifies one required signer.
type Party struct {
	PartyID string `json:"partyId"`
	Role    string `json:"role"`
}

// PartySignature is one collected signature over the contract hash.
type PartySignature struct {
	PartyID   string `json:"partyId"`
	Role      string `json:"role"`
	KeyID     string `json:"keyId"`
	Signature string `json:"signature"`
	SignedAt  string `json:"signedAt"`
}

// Contract is the stored contract row. Document holds the canonical
// bytes; ContractHash is sha256 over them and never changes after
// publish.
type Contract struct {
	ContractID string `json:"contractId"`
	TenantID   string `json:"tenantId"`
	Version    int    `json:"version"`
	Status     Status `json:"status"`

	Document     json.RawMessage `json:"document"`
	ContractHash string          `json:"contractHash"`

	RequiredSigners []Party          `json:"requiredSigners,omitempty"`
	Signatures      []PartySignature `json:"signatures,omitempty"`

	Policy     *PolicyTemplate `json:"policy,omitempty"`
	PolicyHash string          `json:"policyHash,omitempty"`
	CompilerID string          `json:"compilerId,omitempty"`

	CreatedAt   string `json:"createdAt"`
	PublishedAt string `json:"publishedAt,omitempty"`
	ActivatedAt string `json:"activatedAt,omitempty"`
	RetiredAt   string `json:"retiredAt,omitempty"`
	UpdatedAt   string `json:"updatedAt"`

	Revision int64 `json:"revision"`
}

// NewDraft creates a draft contract from a document. The document is
// stored canonicalized so its hash is reproducible from the stored bytes.
func NewDraft(tenantID, contractID string, doc any, signers []Party, at time.Time) (*Contract, error) {
	if tenantID == "" || contractID == "" {
		return nil, lifecycleErr(CodeStateInvalid, "tenant and contract ids are required")
	}
	canonical, hash, err := canonicalizeDoc(doc)
	if err != nil {
		return nil, err
	}
	for _, p := range signers {
		if p.PartyID == "" || p.Role == "" {
			return nil, lifecycleErr(CodeSignerUnknown, "required signer needs partyId and role")
		}
	}
	now := events.FormatTime(at)
	return &Contract{
		ContractID:      contractID,
		TenantID:        tenantID,
		Version:         1,
		Status:          StatusDraft,
		Document:        canonical,
		ContractHash:    hash,
		RequiredSigners: signers,
		CreatedAt:       now,
		UpdatedAt:       now,
		Revision:        1,
	}, nil
}

func canonicalizeDoc(doc any) (json.RawMessage, string, error) {
	canonical, err := canonicalize.JCS(doc)
	if err != nil {
		return nil, "", lifecycleErr(CodeStateInvalid, "document does not canonicalize: %v", err)
	}
	return canonical, canonicalize.HashBytes(canonical), nil
}

func (c *Contract) touch(at time.Time) {
	c.UpdatedAt = events.FormatTime(at)
	c.Revision++
}

// UpdateDraft replaces the document. Drafts only; published hashes are
// frozen.
func (c *Contract) UpdateDraft(doc any, at time.Time) error {
	if c.Status != StatusDraft {
		return lifecycleErr(CodeStateInvalid, "contract %s is %s, drafts only", c.ContractID, c.Status)
	}
	canonical, hash, err := canonicalizeDoc(doc)
	if err != nil {
		return err
	}
	c.Document = canonical
	c.ContractHash = hash
	c.Version++
	c.touch(at)
	return nil
}

// Publish freezes the document. The caller restates the hash it reviewed;
// a mismatch means the draft changed under them and the publish aborts.
func (c *Contract) Publish(claimedHash string, at time.Time) error {
	if c.Status != StatusDraft {
		return lifecycleErr(CodeStateInvalid, "contract %s is %s, cannot publish", c.ContractID, c.Status)
	}
	if claimedHash != c.ContractHash {
		return lifecycleErr(CodeHashMismatch, "claimed %s, document is %s", claimedHash, c.ContractHash)
	}
	c.Status = StatusPublished
	c.PublishedAt = events.FormatTime(at)
	c.touch(at)
	return nil
}

// Sign collects one required party's signature over the contract hash.
func (c *Contract) Sign(party Party, signer crypto.Signer, at time.Time) error {
	if c.Status != StatusPublished {
		return lifecycleErr(CodeStateInvalid, "contract %s is %s, signatures attach to published contracts", c.ContractID, c.Status)
	}
	if !c.requires(party) {
		return lifecycleErr(CodeSignerUnknown, "%s (%s) is not a required signer", party.PartyID, party.Role)
	}
	for _, s := range c.Signatures {
		if s.PartyID == party.PartyID && s.Role == party.Role {
			return lifecycleErr(CodeAlreadySigned, "%s already signed", party.PartyID)
		}
	}
	sig, err := signer.Sign([]byte(c.ContractHash))
	if err != nil {
		return fmt.Errorf("sign contract %s: %w", c.ContractID, err)
	}
	c.Signatures = append(c.Signatures, PartySignature{
		PartyID:   party.PartyID,
		Role:      party.Role,
		KeyID:     signer.KeyID(),
		Signature: sig,
		SignedAt:  events.FormatTime(at),
	})
	c.touch(at)
	return nil
}

// AttachSignature records an externally produced signature after checking
// it verifies over the contract hash with the party's registered key.
func (c *Contract) AttachSignature(party Party, keyID, signature, pubKey string, at time.Time) error {
	if c.Status != StatusPublished {
		return lifecycleErr(CodeStateInvalid, "contract %s is %s, signatures attach to published contracts", c.ContractID, c.Status)
	}
	if !c.requires(party) {
		return lifecycleErr(CodeSignerUnknown, "%s (%s) is not a required signer", party.PartyID, party.Role)
	}
	for _, s := range c.Signatures {
		if s.PartyID == party.PartyID && s.Role == party.Role {
			return lifecycleErr(CodeAlreadySigned, "%s already signed", party.PartyID)
		}
	}
	valid, err := crypto.Verify(pubKey, signature, []byte(c.ContractHash))
	if err != nil {
		return fmt.Errorf("contract %s signature of %s: %w", c.ContractID, party.PartyID, err)
	}
	if !valid {
		return lifecycleErr(CodeStateInvalid, "signature of %s does not verify over the contract hash", party.PartyID)
	}
	c.Signatures = append(c.Signatures, PartySignature{
		PartyID:   party.PartyID,
		Role:      party.Role,
		KeyID:     keyID,
		Signature: signature,
		SignedAt:  events.FormatTime(at),
	})
	c.touch(at)
	return nil
}

func (c *Contract) requires(party Party) bool {
	for _, p := range c.RequiredSigners {
		if p.PartyID == party.PartyID && p.Role == party.Role {
			return true
		}
	}
	return false
}

// FullySigned reports whether every required party has signed.
func (c *Contract) FullySigned() bool {
	for _, p := range c.RequiredSigners {
		found := false
		for _, s := range c.Signatures {
			if s.PartyID == p.PartyID && s.Role == p.Role {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// VerifySignatures checks every collected signature against the key
// directory.
func (c *Contract) VerifySignatures(resolve events.KeyResolver) error {
	for _, s := range c.Signatures {
		pub, ok := resolve(s.KeyID)
		if !ok {
			return lifecycleErr(CodeSignerUnknown, "key %s of %s is not registered", s.KeyID, s.PartyID)
		}
		valid, err := crypto.Verify(pub, s.Signature, []byte(c.ContractHash))
		if err != nil {
			return fmt.Errorf("contract %s signature of %s: %w", c.ContractID, s.PartyID, err)
		}
		if !valid {
			return lifecycleErr(CodeStateInvalid, "signature of %s does not verify", s.PartyID)
		}
	}
	return nil
}

// Activate compiles the document into the policy template bookings will
// snapshot. Requires a fully signed published contract.
func (c *Contract) Activate(compiler *Compiler, at time.Time) error {
	if c.Status != StatusPublished {
		return lifecycleErr(CodeStateInvalid, "contract %s is %s, cannot activate", c.ContractID, c.Status)
	}
	if !c.FullySigned() {
		return lifecycleErr(CodeNotFullySigned, "contract %s is missing required signatures", c.ContractID)
	}
	tpl, policyHash, err := compiler.Compile(c.Document)
	if err != nil {
		return lifecycleErr(CodeCompileFailed, "contract %s: %v", c.ContractID, err)
	}
	c.Policy = tpl
	c.PolicyHash = policyHash
	c.CompilerID = tpl.CompilerID
	c.Status = StatusActive
	c.ActivatedAt = events.FormatTime(at)
	c.touch(at)
	return nil
}

// Retire takes an active contract out of service. Existing booking
// snapshots are unaffected.
func (c *Contract) Retire(at time.Time) error {
	if c.Status != StatusActive {
		return lifecycleErr(CodeStateInvalid, "contract %s is %s, cannot retire", c.ContractID, c.Status)
	}
	c.Status = StatusRetired
	c.RetiredAt = events.FormatTime(at)
	c.touch(at)
	return nil
}
