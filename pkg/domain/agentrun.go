package domain

import (
	"github.com/settld-labs/settld/pkg/events"
)

// Agent run statuses (lower case on the wire).
const (
	RunCreated   = "created"
	RunStarted   = "started"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunDispute tracks the dispute lifecycle on a run settlement.
type RunDispute struct {
	DisputeID      string   `json:"disputeId"`
	Status         string   `json:"status"` // open | escalated | closed
	OpenedAt       string   `json:"openedAt"`
	ArbiterAgentID string   `json:"arbiterAgentId,omitempty"`
	EvidenceRefs   []string `json:"evidenceRefs,omitempty"`
	ClosedAt       string   `json:"closedAt,omitempty"`
	ReleaseRatePct int      `json:"releaseRatePct,omitempty"`
}

// AgentRun is the reduced view of an agent run stream.
type AgentRun struct {
	ID           string `json:"id"`
	AgentID      string `json:"agentId"`
	TaskID       string `json:"taskId,omitempty"`
	PayerAgentID string `json:"payerAgentId"`
	PayeeAgentID string `json:"payeeAgentId"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
	PolicyID     string `json:"policyId"`
	Status       string `json:"status"`

	StartedAt          string `json:"startedAt,omitempty"`
	EndedAt            string `json:"endedAt,omitempty"`
	FailureReason      string `json:"failureReason,omitempty"`
	VerificationMethod string `json:"verificationMethod,omitempty"`
	VerificationStatus string `json:"verificationStatus,omitempty"`

	SettlementResolved   bool        `json:"settlementResolved,omitempty"`
	SettlementResolvedAt string      `json:"settlementResolvedAt,omitempty"`
	SettlementStatus     string      `json:"settlementStatus,omitempty"`
	ReleaseAmountCents   int64       `json:"releaseAmountCents,omitempty"`
	RefundAmountCents    int64       `json:"refundAmountCents,omitempty"`
	Dispute              *RunDispute `json:"dispute,omitempty"`
	CancelledAt          string      `json:"cancelledAt,omitempty"`
	KillFeeRatePct       int         `json:"killFeeRatePct,omitempty"`

	Version       int    `json:"version"`
	HeadChainHash string `json:"headChainHash,omitempty"`
	LastEventAt   string `json:"lastEventAt,omitempty"`
}

// Terminal reports whether the run itself (not its settlement) is done.
func (r *AgentRun) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

// ReduceAgentRun folds an agent run stream.
func ReduceAgentRun(evs []events.Event) (*AgentRun, error) {
	r := &AgentRun{}
	for i := range evs {
		if err := r.apply(evs[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *AgentRun) apply(e events.Event) error {
	illegal := func(detail string) error {
		return &TransitionError{Aggregate: AggregateAgentRun, From: r.Status, EventType: e.Type, Detail: detail}
	}
	if r.Version == 0 && e.Type != EvAgentRunCreated {
		return illegal("stream must start with AGENT_RUN_CREATED")
	}

	switch e.Type {
	case EvAgentRunCreated:
		if r.Version != 0 {
			return illegal("run already created")
		}
		var p AgentRunCreatedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		_, r.ID = events.SplitStreamID(e.StreamID)
		r.AgentID = p.AgentID
		r.TaskID = p.TaskID
		r.PayerAgentID = p.PayerAgentID
		r.PayeeAgentID = p.PayeeAgentID
		r.AmountCents = p.AmountCents
		r.Currency = p.Currency
		r.PolicyID = p.PolicyID
		r.Status = RunCreated

	case EvAgentRunStarted:
		if r.Status != RunCreated {
			return illegal("start requires created")
		}
		r.StartedAt = e.At
		r.Status = RunStarted

	case EvAgentRunCompleted:
		if r.Status != RunStarted {
			return illegal("completion requires started")
		}
		var p AgentRunCompletedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		r.VerificationMethod = p.VerificationMethod
		r.VerificationStatus = p.VerificationStatus
		r.EndedAt = e.At
		r.Status = RunCompleted

	case EvAgentRunFailed:
		if r.Status != RunCreated && r.Status != RunStarted {
			return illegal("failure requires created or started")
		}
		var p AgentRunFailedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		r.FailureReason = p.Reason
		r.EndedAt = e.At
		r.Status = RunFailed

	case EvRunSettlementResolved:
		if !r.Terminal() && r.CancelledAt == "" {
			return illegal("settlement requires a terminal run")
		}
		if r.SettlementResolved {
			return illegal("settlement already resolved")
		}
		var p RunSettlementResolvedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		r.SettlementResolved = true
		r.SettlementResolvedAt = e.At
		r.SettlementStatus = p.SettlementStatus
		r.ReleaseAmountCents = p.ReleaseAmountCents
		r.RefundAmountCents = p.RefundAmountCents

	case EvRunDisputeOpened:
		if !r.Terminal() {
			return illegal("dispute requires a terminal run")
		}
		if r.Dispute != nil && r.Dispute.Status != "closed" {
			return illegal("dispute already open")
		}
		var p RunDisputeOpenedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		r.Dispute = &RunDispute{
			DisputeID:    p.DisputeID,
			Status:       "open",
			OpenedAt:     e.At,
			EvidenceRefs: p.EvidenceRefs,
		}

	case EvRunDisputeEvidence:
		if r.Dispute == nil || r.Dispute.Status == "closed" {
			return illegal("no open dispute")
		}
		var p RunDisputeEvidencePayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		r.Dispute.EvidenceRefs = append(r.Dispute.EvidenceRefs, p.EvidenceRef)

	case EvRunDisputeEscalated:
		if r.Dispute == nil || r.Dispute.Status != "open" {
			return illegal("escalation requires an open dispute")
		}
		var p RunDisputeEscalatedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		r.Dispute.Status = "escalated"
		r.Dispute.ArbiterAgentID = p.ArbiterAgentID

	case EvRunDisputeClosed:
		if r.Dispute == nil || r.Dispute.Status == "closed" {
			return illegal("no open dispute")
		}
		var p RunDisputeClosedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		r.Dispute.Status = "closed"
		r.Dispute.ClosedAt = e.At
		r.Dispute.ReleaseRatePct = p.ReleaseRatePct

	case EvRunChangeOrdered:
		if r.Status != RunCreated && r.Status != RunStarted {
			return illegal("change order requires an in-flight run")
		}
		var p RunChangeOrderPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if p.NewAmountCents <= 0 {
			return illegal("change order amount must be positive")
		}
		r.AmountCents = p.NewAmountCents

	case EvRunCancelled:
		if r.Terminal() || r.CancelledAt != "" {
			return illegal("cancel requires an in-flight run")
		}
		var p RunCancelledPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if p.KillFeeRatePct < 0 || p.KillFeeRatePct > 100 {
			return illegal("kill fee rate out of range")
		}
		r.CancelledAt = e.At
		r.KillFeeRatePct = p.KillFeeRatePct
		r.EndedAt = e.At
		r.Status = RunFailed
		r.FailureReason = "cancelled"

	default:
		return illegal("unknown event type")
	}

	r.Version++
	r.HeadChainHash = e.ChainHash
	r.LastEventAt = e.At
	return nil
}
