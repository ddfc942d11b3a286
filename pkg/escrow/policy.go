package escrow

import (
	"fmt"
)

// Verification statuses, traffic-light coded.
const (
	VerificationGreen = "green"
	VerificationAmber = "amber"
	VerificationRed   = "red"
)

// Settlement statuses for a run's escrow.
const (
	SettlementLocked   = "locked"
	SettlementReleased = "released"
	SettlementRefunded = "refunded"
)

// Decision statuses on a settlement.
const (
	DecisionPending        = "pending"
	DecisionAutoResolved   = "auto_resolved"
	DecisionManualRequired = "manual_review_required"
	DecisionManualResolved = "manual_resolved"
)

// Policy reason codes.
const (
	ReasonAutoGreen        = "AUTO_RELEASE_GREEN"
	ReasonAmberHoldback    = "AMBER_HOLDBACK"
	ReasonRedRefund        = "RED_REFUND"
	ReasonRunFailed        = "RUN_FAILED"
	ReasonManualThreshold  = "AMOUNT_ABOVE_AUTO_THRESHOLD"
	ReasonMethodUnverified = "METHOD_NOT_AUTO_RESOLVABLE"
	ReasonMilestoneCap     = "MILESTONE_CAP_APPLIED"
	ReasonKillFee          = "KILL_FEE_APPLIED"
	ReasonVerdictOverride  = "VERDICT_OVERRIDE"
)

// SettlementPolicy is the declarative per-tenant (or per-task) policy the
// engine evaluates when a run reaches a terminal state.
type SettlementPolicy struct {
	PolicyID string `json:"policyId"`
	Version  int    `json:"version"`

	// Verification methods that may auto-resolve. Empty means any.
	AutoResolveMethods []string `json:"autoResolveMethods,omitempty"`
	// Amounts strictly above this always go to manual review. 0 = no cap.
	AutoResolveMaxAmountCents int64 `json:"autoResolveMaxAmountCents,omitempty"`

	// Release rates per verification status, percent of the locked amount.
	GreenReleaseRatePct int `json:"greenReleaseRatePct"`
	AmberReleaseRatePct int `json:"amberReleaseRatePct"`
	RedReleaseRatePct   int `json:"redReleaseRatePct"`

	// Amber results can be forced to manual review instead of holdback.
	AmberManualReview bool `json:"amberManualReview,omitempty"`

	DisputeWindowDays int `json:"disputeWindowDays"`
	// Re-proof on dispute open is permitted only inside the dispute window
	// and only when this is set.
	AllowReproofAfterSettlementWithinDisputeWindow bool `json:"allowReproofAfterSettlementWithinDisputeWindow,omitempty"`
}

// DefaultSettlementPolicy releases green in full, holds back half on amber,
// refunds red, and auto-resolves everything under $1,000.
func DefaultSettlementPolicy() SettlementPolicy {
	return SettlementPolicy{
		PolicyID:                  "policy_default",
		Version:                   1,
		AutoResolveMaxAmountCents: 100_000,
		GreenReleaseRatePct:       100,
		AmberReleaseRatePct:       50,
		RedReleaseRatePct:         0,
		DisputeWindowDays:         14,
	}
}

// PolicyDecision is the outcome of evaluating a policy against a run.
type PolicyDecision struct {
	ShouldAutoResolve  bool     `json:"shouldAutoResolve"`
	ReleaseRatePct     int      `json:"releaseRatePct"`
	ReleaseAmountCents int64    `json:"releaseAmountCents"`
	RefundAmountCents  int64    `json:"refundAmountCents"`
	SettlementStatus   string   `json:"settlementStatus"`
	ReasonCodes        []string `json:"reasonCodes"`
}

// SplitByRate divides amountCents into release and refund parts at ratePct,
// rounding release down so the refund absorbs the remainder.
func SplitByRate(amountCents int64, ratePct int) (release, refund int64) {
	if ratePct <= 0 {
		return 0, amountCents
	}
	if ratePct >= 100 {
		return amountCents, 0
	}
	release = amountCents * int64(ratePct) / 100
	return release, amountCents - release
}

// EvaluateSettlementPolicy maps (policy, verification, run outcome, amount)
// to a decision. The decision never moves money; callers apply it through
// the wallet ops and record it on the settlement row.
func EvaluateSettlementPolicy(policy SettlementPolicy, verificationMethod, verificationStatus, runStatus string, amountCents int64) (PolicyDecision, error) {
	if amountCents <= 0 {
		return PolicyDecision{}, fmt.Errorf("%w: evaluate over %d", ErrNonPositiveAmount, amountCents)
	}

	d := PolicyDecision{ShouldAutoResolve: true}

	// A failed or cancelled run refunds in full regardless of verification.
	if runStatus == "failed" {
		d.ReleaseRatePct = 0
		d.ReleaseAmountCents, d.RefundAmountCents = SplitByRate(amountCents, 0)
		d.SettlementStatus = SettlementRefunded
		d.ReasonCodes = append(d.ReasonCodes, ReasonRunFailed)
		return d, nil
	}

	switch verificationStatus {
	case VerificationGreen:
		d.ReleaseRatePct = policy.GreenReleaseRatePct
		d.ReasonCodes = append(d.ReasonCodes, ReasonAutoGreen)
	case VerificationAmber:
		d.ReleaseRatePct = policy.AmberReleaseRatePct
		d.ReasonCodes = append(d.ReasonCodes, ReasonAmberHoldback)
		if policy.AmberManualReview {
			d.ShouldAutoResolve = false
		}
	case VerificationRed:
		d.ReleaseRatePct = policy.RedReleaseRatePct
		d.ReasonCodes = append(d.ReasonCodes, ReasonRedRefund)
	default:
		return PolicyDecision{}, fmt.Errorf("unknown verification status %q", verificationStatus)
	}

	if len(policy.AutoResolveMethods) > 0 && !containsString(policy.AutoResolveMethods, verificationMethod) {
		d.ShouldAutoResolve = false
		d.ReasonCodes = append(d.ReasonCodes, ReasonMethodUnverified)
	}
	if policy.AutoResolveMaxAmountCents > 0 && amountCents > policy.AutoResolveMaxAmountCents {
		d.ShouldAutoResolve = false
		d.ReasonCodes = append(d.ReasonCodes, ReasonManualThreshold)
	}

	d.ReleaseAmountCents, d.RefundAmountCents = SplitByRate(amountCents, d.ReleaseRatePct)
	switch {
	case d.RefundAmountCents == 0:
		d.SettlementStatus = SettlementReleased
	case d.ReleaseAmountCents == 0:
		d.SettlementStatus = SettlementRefunded
	default:
		// Partial releases settle as released; the refund leg rides along.
		d.SettlementStatus = SettlementReleased
	}
	return d, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
