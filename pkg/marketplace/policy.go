package marketplace

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/events"
)

const policySchemaURL = "https://settld.dev/schemas/settlement-policy.json"

// Tenant settlement policy documents are accepted as raw JSON and must
// pass this schema before the engine ever sees them. Unknown fields are
// rejected so a typo'd rate cannot silently fall back to a default.
const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://settld.dev/schemas/settlement-policy.json",
  "type": "object",
  "required": ["policyId", "version", "greenReleaseRatePct", "amberReleaseRatePct", "redReleaseRatePct", "disputeWindowDays"],
  "additionalProperties": false,
  "properties": {
    "policyId": {"type": "string", "minLength": 1},
    "version": {"type": "integer", "minimum": 1},
    "autoResolveMethods": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "autoResolveMaxAmountCents": {"type": "integer", "minimum": 0},
    "greenReleaseRatePct": {"type": "integer", "minimum": 0, "maximum": 100},
    "amberReleaseRatePct": {"type": "integer", "minimum": 0, "maximum": 100},
    "redReleaseRatePct": {"type": "integer", "minimum": 0, "maximum": 100},
    "amberManualReview": {"type": "boolean"},
    "disputeWindowDays": {"type": "integer", "minimum": 0},
    "allowReproofAfterSettlementWithinDisputeWindow": {"type": "boolean"}
  }
}`

// Error codes for policy documents.
const (
	CodePolicyInvalid = "SETTLEMENT_POLICY_INVALID"
)

var (
	policyCompiled *jsonschema.Schema
	policyOnce     sync.Once
	policyCompile  error
)

func compiledPolicySchema() (*jsonschema.Schema, error) {
	policyOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(policySchemaURL, strings.NewReader(policySchema)); err != nil {
			policyCompile = err
			return
		}
		policyCompiled, policyCompile = c.Compile(policySchemaURL)
	})
	return policyCompiled, policyCompile
}

// ParseSettlementPolicy validates a raw policy document against the
// schema and decodes it. The returned policy is safe to hand to the
// settlement engine as-is.
func ParseSettlementPolicy(doc []byte) (escrow.SettlementPolicy, error) {
	var zero escrow.SettlementPolicy
	schema, err := compiledPolicySchema()
	if err != nil {
		return zero, fmt.Errorf("compile settlement policy schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return zero, marketErr(CodePolicyInvalid, "policy document is not valid JSON: %v", err)
	}
	if err := schema.Validate(v); err != nil {
		return zero, marketErr(CodePolicyInvalid, "policy document rejected: %v", err)
	}
	var p escrow.SettlementPolicy
	if err := json.Unmarshal(doc, &p); err != nil {
		return zero, marketErr(CodePolicyInvalid, "policy document decode: %v", err)
	}
	return p, nil
}

// TenantPolicy is a stored per-tenant settlement policy document plus its
// decoded form. PolicyID comes from the document itself.
type TenantPolicy struct {
	TenantID string          `json:"tenantId"`
	PolicyID string          `json:"policyId"`
	Version  int             `json:"version"`
	Document json.RawMessage `json:"document"`

	Policy escrow.SettlementPolicy `json:"-"`

	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
	Revision  int64  `json:"revision"`
}

// NewTenantPolicy validates and wraps a policy document for storage.
func NewTenantPolicy(tenantID string, doc []byte, at time.Time) (*TenantPolicy, error) {
	if tenantID == "" {
		return nil, marketErr(CodePolicyInvalid, "tenant id is required")
	}
	p, err := ParseSettlementPolicy(doc)
	if err != nil {
		return nil, err
	}
	now := events.FormatTime(at)
	return &TenantPolicy{
		TenantID:  tenantID,
		PolicyID:  p.PolicyID,
		Version:   p.Version,
		Document:  append(json.RawMessage(nil), doc...),
		Policy:    p,
		CreatedAt: now,
		UpdatedAt: now,
		Revision:  1,
	}, nil
}

// Update replaces the document. The policy id must stay put and the
// version must move forward, so references from open tasks stay valid.
func (tp *TenantPolicy) Update(doc []byte, at time.Time) error {
	p, err := ParseSettlementPolicy(doc)
	if err != nil {
		return err
	}
	if p.PolicyID != tp.PolicyID {
		return marketErr(CodePolicyInvalid, "policy id is immutable: have %s, got %s", tp.PolicyID, p.PolicyID)
	}
	if p.Version <= tp.Version {
		return marketErr(CodePolicyInvalid, "policy version must increase: have %d, got %d", tp.Version, p.Version)
	}
	tp.Version = p.Version
	tp.Document = append(json.RawMessage(nil), doc...)
	tp.Policy = p
	tp.UpdatedAt = events.FormatTime(at)
	tp.Revision++
	return nil
}
