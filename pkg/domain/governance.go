package domain

import (
	"sort"

	"github.com/settld-labs/settld/pkg/events"
)

// Governance stream ids. Server signer governance lives in the default
// tenant; each tenant carries its own policy stream.
const (
	GovernanceSignerStream = "governance:server_signer"
	GovernancePolicyStream = "governance:policy"
)

// Settlement gate modes.
const (
	GateModeStrict   = "strict"
	GateModeHoldback = "holdback"
	GateModeWarn     = "warn"
	GateModeNone     = "none"
)

// Account map modes for finance exports.
const (
	AccountMapStrict = "strict"
	AccountMapWarn   = "warn"
)

// EvidenceContentTypes is the capture allowlist.
var EvidenceContentTypes = []string{
	"image/jpeg",
	"image/png",
	"video/mp4",
	"application/pdf",
	"application/json",
	"text/plain",
}

// EvidenceContentTypeAllowed reports whether ct is capturable.
func EvidenceContentTypeAllowed(ct string) bool {
	for _, allowed := range EvidenceContentTypes {
		if ct == allowed {
			return true
		}
	}
	return false
}

// Evidence privacy modes.
const (
	PrivacyStandard = "standard"
	PrivacyMinimal  = "minimal"
)

// DefaultPolicySettings are the platform defaults a tenant inherits until an
// override takes effect.
func DefaultPolicySettings() PolicySettings {
	return PolicySettings{
		MonthCloseHoldPolicy:  HoldPolicyBlockAnyOpen,
		AccountMapMode:        AccountMapStrict,
		EvidenceRetentionDays: 90,
		EvidencePrivacyMode:   PrivacyStandard,
		EvidenceMaxSizeBytes:  50 << 20,
		VideoQuotaPerJob:      3,
		ClaimAutoApproveCents: 10_000,
		DisputeWindowDays:     14,
		OutboxMaxAttempts:     8,
		SettlementGateMode:    GateModeStrict,
		SLACreditDefaultPct:   5,
		SLACreditMaxCents:     50_000,
	}
}

// MergeSettings overlays non-zero override fields onto base. The boolean
// reproof flag is taken from the override as-is, because overrides carry the
// whole settings document.
func MergeSettings(base, override PolicySettings) PolicySettings {
	out := base
	if override.MonthCloseHoldPolicy != "" {
		out.MonthCloseHoldPolicy = override.MonthCloseHoldPolicy
	}
	if override.AccountMapMode != "" {
		out.AccountMapMode = override.AccountMapMode
	}
	if override.EvidenceRetentionDays != 0 {
		out.EvidenceRetentionDays = override.EvidenceRetentionDays
	}
	if override.EvidencePrivacyMode != "" {
		out.EvidencePrivacyMode = override.EvidencePrivacyMode
	}
	if override.EvidenceMaxSizeBytes != 0 {
		out.EvidenceMaxSizeBytes = override.EvidenceMaxSizeBytes
	}
	if override.VideoQuotaPerJob != 0 {
		out.VideoQuotaPerJob = override.VideoQuotaPerJob
	}
	if override.ClaimAutoApproveCents != 0 {
		out.ClaimAutoApproveCents = override.ClaimAutoApproveCents
	}
	if override.DisputeWindowDays != 0 {
		out.DisputeWindowDays = override.DisputeWindowDays
	}
	if override.OutboxMaxAttempts != 0 {
		out.OutboxMaxAttempts = override.OutboxMaxAttempts
	}
	if override.SettlementGateMode != "" {
		out.SettlementGateMode = override.SettlementGateMode
	}
	if override.SLACreditDefaultPct != 0 {
		out.SLACreditDefaultPct = override.SLACreditDefaultPct
	}
	if override.SLACreditMaxCents != 0 {
		out.SLACreditMaxCents = override.SLACreditMaxCents
	}
	out.AllowReproofInDispute = override.AllowReproofInDispute
	return out
}

// SignerKeyState is one server signer key's lifecycle.
type SignerKeyState struct {
	KeyID     string `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Owner     string `json:"owner"`
	ValidFrom string `json:"validFrom"`
	Revoked   bool   `json:"revoked,omitempty"`
}

// PolicyOverride is one committed override with its commit position, which
// breaks effectiveFrom ties.
type PolicyOverride struct {
	EffectiveFrom string         `json:"effectiveFrom"`
	Settings      PolicySettings `json:"settings"`
	CommitIndex   int            `json:"commitIndex"`
}

// Governance is the reduced view of a governance stream.
type Governance struct {
	SignerKeys    map[string]*SignerKeyState `json:"signerKeys,omitempty"`
	ActiveKeyID   string                     `json:"activeKeyId,omitempty"`
	Overrides     []PolicyOverride           `json:"overrides,omitempty"`
	Version       int                        `json:"version"`
	HeadChainHash string                     `json:"headChainHash,omitempty"`
}

// ReduceGovernance folds a governance stream (signer or policy flavored).
func ReduceGovernance(evs []events.Event) (*Governance, error) {
	g := &Governance{SignerKeys: map[string]*SignerKeyState{}}
	for i := range evs {
		if err := g.apply(evs[i]); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Governance) apply(e events.Event) error {
	illegal := func(detail string) error {
		return &TransitionError{Aggregate: AggregateGovernance, From: g.ActiveKeyID, EventType: e.Type, Detail: detail}
	}

	switch e.Type {
	case EvSignerKeyRegistered:
		var p SignerKeyRegisteredPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if _, dup := g.SignerKeys[p.KeyID]; dup {
			return illegal("key " + p.KeyID + " already registered")
		}
		g.SignerKeys[p.KeyID] = &SignerKeyState{KeyID: p.KeyID, PublicKey: p.PublicKey, Owner: p.Owner, ValidFrom: p.ValidFrom}
		g.ActiveKeyID = p.KeyID

	case EvSignerKeyRotated:
		var p SignerKeyRotatedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		old, ok := g.SignerKeys[p.OldKeyID]
		if !ok || old.Revoked {
			return illegal("rotation source key " + p.OldKeyID + " not active")
		}
		if _, dup := g.SignerKeys[p.KeyID]; dup {
			return illegal("rotation target key " + p.KeyID + " already exists")
		}
		g.SignerKeys[p.KeyID] = &SignerKeyState{KeyID: p.KeyID, PublicKey: p.PublicKey, Owner: old.Owner, ValidFrom: p.ValidFrom}
		g.ActiveKeyID = p.KeyID

	case EvSignerKeyRevoked:
		var p SignerKeyRevokedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		key, ok := g.SignerKeys[p.KeyID]
		if !ok {
			return illegal("revocation of unknown key " + p.KeyID)
		}
		if key.Revoked {
			return illegal("key " + p.KeyID + " already revoked")
		}
		key.Revoked = true
		if g.ActiveKeyID == p.KeyID {
			g.ActiveKeyID = ""
		}

	case EvPolicyOverrideSet:
		var p PolicyOverridePayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if _, err := events.ParseTime(p.EffectiveFrom); err != nil {
			return illegal("invalid effectiveFrom: " + err.Error())
		}
		g.Overrides = append(g.Overrides, PolicyOverride{
			EffectiveFrom: p.EffectiveFrom,
			Settings:      p.Settings,
			CommitIndex:   g.Version,
		})

	default:
		return illegal("unknown event type")
	}

	g.Version++
	g.HeadChainHash = e.ChainHash
	return nil
}

// ResolveKey looks up a non-revoked signer key, for chain verification.
func (g *Governance) ResolveKey(keyID string) (string, bool) {
	k, ok := g.SignerKeys[keyID]
	if !ok || k.Revoked {
		return "", false
	}
	return k.PublicKey, true
}

// EffectiveSettings selects the override that governs a period ending at
// periodEnd: the one with the latest effectiveFrom strictly before periodEnd,
// ties resolved to the later committed override. The result is the override
// merged over platform defaults.
func (g *Governance) EffectiveSettings(periodEnd string) PolicySettings {
	candidates := make([]PolicyOverride, 0, len(g.Overrides))
	for _, o := range g.Overrides {
		if o.EffectiveFrom < periodEnd {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		return DefaultPolicySettings()
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].EffectiveFrom != candidates[j].EffectiveFrom {
			return candidates[i].EffectiveFrom < candidates[j].EffectiveFrom
		}
		return candidates[i].CommitIndex < candidates[j].CommitIndex
	})
	chosen := candidates[len(candidates)-1]
	return MergeSettings(DefaultPolicySettings(), chosen.Settings)
}
