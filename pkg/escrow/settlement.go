package escrow

import (
	"fmt"
	"time"
)

// Settlement is the projection row tracking one run's escrow through lock,
// resolution, and disputes. The Revision column guards concurrent updates
// in the store.
type Settlement struct {
	TenantID string `json:"tenantId"`
	RunID    string `json:"runId"`

	PayerAgentID string `json:"payerAgentId"`
	PayeeAgentID string `json:"payeeAgentId"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
	PolicyID     string `json:"policyId"`

	Status         string   `json:"status"`         // locked | released | refunded
	DecisionStatus string   `json:"decisionStatus"` // pending | auto_resolved | manual_review_required | manual_resolved
	ReasonCodes    []string `json:"reasonCodes,omitempty"`

	ReleaseAmountCents int64  `json:"releaseAmountCents,omitempty"`
	RefundAmountCents  int64  `json:"refundAmountCents,omitempty"`
	ResolvedAt         string `json:"resolvedAt,omitempty"`
	ResolutionEventID  string `json:"resolutionEventId,omitempty"`

	DisputeID        string `json:"disputeId,omitempty"`
	DisputeStatus    string `json:"disputeStatus,omitempty"` // open | escalated | closed
	VerdictRef       string `json:"verdictRef,omitempty"`    // artifact id of the signed verdict
	DisputeWindowEnd string `json:"disputeWindowEnd,omitempty"`

	Revision  int64  `json:"revision"`
	UpdatedAt string `json:"updatedAt"`
}

func (s *Settlement) touch(at time.Time) {
	s.Revision++
	s.UpdatedAt = at.UTC().Format(time.RFC3339)
}

// NewLockedSettlement records the escrow lock taken when a run is created.
func NewLockedSettlement(tenantID, runID, payer, payee, currency, policyID string, amountCents int64, at time.Time) *Settlement {
	s := &Settlement{
		TenantID: tenantID, RunID: runID,
		PayerAgentID: payer, PayeeAgentID: payee,
		AmountCents: amountCents, Currency: currency, PolicyID: policyID,
		Status: SettlementLocked, DecisionStatus: DecisionPending,
	}
	s.touch(at)
	return s
}

// Resolved reports whether escrow has left the locked state.
func (s *Settlement) Resolved() bool {
	return s.Status == SettlementReleased || s.Status == SettlementRefunded
}

// WithinDisputeWindow reports whether at falls before the dispute deadline.
// An unresolved settlement has no window yet.
func (s *Settlement) WithinDisputeWindow(at time.Time) bool {
	if s.DisputeWindowEnd == "" {
		return false
	}
	end, err := time.Parse(time.RFC3339, s.DisputeWindowEnd)
	if err != nil {
		return false
	}
	return at.Before(end)
}

// Resolve applies a policy decision: either the escrow moves and the
// settlement closes as auto_resolved/manual_resolved, or it stays locked
// flagged for manual review. The wallet moves happen in the caller through
// the ledger ops; Resolve only records the outcome and opens the dispute
// window.
func (s *Settlement) Resolve(decision PolicyDecision, decisionStatus, resolutionEventID string, windowDays int, at time.Time) error {
	if s.Resolved() {
		return fmt.Errorf("settlement %s already %s", s.RunID, s.Status)
	}
	if !decision.ShouldAutoResolve && decisionStatus == DecisionAutoResolved {
		s.DecisionStatus = DecisionManualRequired
		s.ReasonCodes = decision.ReasonCodes
		s.touch(at)
		return nil
	}

	s.Status = decision.SettlementStatus
	s.DecisionStatus = decisionStatus
	s.ReasonCodes = decision.ReasonCodes
	s.ReleaseAmountCents = decision.ReleaseAmountCents
	s.RefundAmountCents = decision.RefundAmountCents
	s.ResolvedAt = wireTime(at)
	s.ResolutionEventID = resolutionEventID
	s.DisputeWindowEnd = wireTime(at.Add(time.Duration(windowDays) * 24 * time.Hour))
	s.touch(at)
	return nil
}

// OpenDispute marks the dispute open. Callers have already checked the
// window and counterparty rules.
func (s *Settlement) OpenDispute(disputeID string, at time.Time) error {
	if s.DisputeStatus == "open" || s.DisputeStatus == "escalated" {
		return fmt.Errorf("settlement %s already has dispute %s", s.RunID, s.DisputeID)
	}
	s.DisputeID = disputeID
	s.DisputeStatus = "open"
	s.touch(at)
	return nil
}

// Escalate hands the dispute to an arbiter.
func (s *Settlement) Escalate(at time.Time) error {
	if s.DisputeStatus != "open" {
		return fmt.Errorf("settlement %s has no open dispute", s.RunID)
	}
	s.DisputeStatus = "escalated"
	s.touch(at)
	return nil
}

// CloseDispute records the verdict artifact and the final split. The caller
// has verified the verdict signature and applied the wallet delta.
func (s *Settlement) CloseDispute(verdictArtifactID string, releaseCents, refundCents int64, at time.Time) error {
	if s.DisputeStatus != "open" && s.DisputeStatus != "escalated" {
		return fmt.Errorf("settlement %s has no open dispute", s.RunID)
	}
	s.DisputeStatus = "closed"
	s.VerdictRef = verdictArtifactID
	s.ReleaseAmountCents = releaseCents
	s.RefundAmountCents = refundCents
	s.ReasonCodes = append(s.ReasonCodes, ReasonVerdictOverride)
	if releaseCents == 0 {
		s.Status = SettlementRefunded
	} else {
		s.Status = SettlementReleased
	}
	if s.DecisionStatus == DecisionManualRequired || s.DecisionStatus == DecisionPending {
		s.DecisionStatus = DecisionManualResolved
	}
	s.touch(at)
	return nil
}

// VerdictDelta computes the wallet moves needed to go from the recorded
// split to a verdict's split. A positive payeeDelta pays the payee more
// (escrow must still hold it); a positive payerDelta claws back from the
// payee to the payer. Exactly one of the two is positive unless the verdict
// matches the current split.
func (s *Settlement) VerdictDelta(verdictReleaseCents int64) (payeeDelta, payerDelta int64) {
	current := s.ReleaseAmountCents
	switch {
	case verdictReleaseCents > current:
		return verdictReleaseCents - current, 0
	case verdictReleaseCents < current:
		return 0, current - verdictReleaseCents
	default:
		return 0, 0
	}
}
