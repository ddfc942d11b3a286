package escrow

import (
	"fmt"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/crypto"
)

// VerdictSchemaVersion tags the signed verdict document.
const VerdictSchemaVersion = "DisputeVerdict.v1"

// Verdict outcomes.
const (
	VerdictOutcomeRelease = "release"
	VerdictOutcomeRefund  = "refund"
	VerdictOutcomePartial = "partial"
)

// VerdictCore is the canonical body the arbiter signs. Every field is part
// of the signature; the hash of the canonical form addresses the verdict
// artifact.
type VerdictCore struct {
	SchemaVersion  string `json:"schemaVersion"`
	TenantID       string `json:"tenantId"`
	RunID          string `json:"runId"`
	DisputeID      string `json:"disputeId"`
	ArbiterAgentID string `json:"arbiterAgentId"`
	Outcome        string `json:"outcome"`
	ReleaseRatePct int    `json:"releaseRatePct"`
	Rationale      string `json:"rationale,omitempty"`
	DecidedAt      string `json:"decidedAt"`
}

// Verdict is the signed document: core + detached Ed25519 signature over
// the canonical core bytes.
type Verdict struct {
	Core        VerdictCore `json:"core"`
	Signature   string      `json:"signature"`
	SignerKeyID string      `json:"signerKeyId"`
}

// Validate checks internal consistency before any signature work.
func (c VerdictCore) Validate() error {
	if c.SchemaVersion != VerdictSchemaVersion {
		return fmt.Errorf("verdict schemaVersion %q, want %s", c.SchemaVersion, VerdictSchemaVersion)
	}
	if c.RunID == "" || c.DisputeID == "" || c.ArbiterAgentID == "" {
		return fmt.Errorf("verdict missing run, dispute, or arbiter id")
	}
	switch c.Outcome {
	case VerdictOutcomeRelease:
		if c.ReleaseRatePct != 100 {
			return fmt.Errorf("release verdict must carry rate 100, got %d", c.ReleaseRatePct)
		}
	case VerdictOutcomeRefund:
		if c.ReleaseRatePct != 0 {
			return fmt.Errorf("refund verdict must carry rate 0, got %d", c.ReleaseRatePct)
		}
	case VerdictOutcomePartial:
		if c.ReleaseRatePct <= 0 || c.ReleaseRatePct >= 100 {
			return fmt.Errorf("partial verdict rate %d outside (0, 100)", c.ReleaseRatePct)
		}
	default:
		return fmt.Errorf("unknown verdict outcome %q", c.Outcome)
	}
	return nil
}

// Hash returns the canonical content hash of the verdict core, which also
// serves as the artifact hash of the delivered verdict document.
func (c VerdictCore) Hash() (string, error) {
	return canonicalize.CanonicalHash(c)
}

// SignVerdict signs the canonical core with the arbiter's key.
func SignVerdict(core VerdictCore, signer crypto.Signer) (*Verdict, error) {
	if err := core.Validate(); err != nil {
		return nil, err
	}
	canonical, err := canonicalize.JCS(core)
	if err != nil {
		return nil, fmt.Errorf("verdict canonicalize: %w", err)
	}
	sig, err := signer.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("verdict sign: %w", err)
	}
	return &Verdict{Core: core, Signature: sig, SignerKeyID: signer.KeyID()}, nil
}

// VerifyVerdict checks the signature over the canonical core against the
// arbiter's registered public key.
func VerifyVerdict(v *Verdict, arbiterPubKeyB64 string) error {
	if err := v.Core.Validate(); err != nil {
		return err
	}
	canonical, err := canonicalize.JCS(v.Core)
	if err != nil {
		return fmt.Errorf("verdict canonicalize: %w", err)
	}
	valid, err := crypto.Verify(arbiterPubKeyB64, v.Signature, canonical)
	if err != nil {
		return fmt.Errorf("verdict signature malformed: %w", err)
	}
	if !valid {
		return fmt.Errorf("verdict signature does not verify for arbiter %s", v.Core.ArbiterAgentID)
	}
	return nil
}
