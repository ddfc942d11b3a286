package artifacts

import (
	"fmt"
	"time"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/events"
)

// WorkCertificatePayload attests that a job was performed, verified, and
// paid. It is the customer-facing record of record.
type WorkCertificatePayload struct {
	JobID       string         `json:"jobId"`
	RequesterID string         `json:"requesterId,omitempty"`
	RobotID     string         `json:"robotId,omitempty"`
	OperatorID  string         `json:"operatorId,omitempty"`
	Zone        string         `json:"zone,omitempty"`
	Window      *domain.Window `json:"window,omitempty"`

	AmountCents        int64  `json:"amountCents"`
	SettledAmountCents int64  `json:"settledAmountCents"`
	Currency           string `json:"currency"`
	SettlementBasis    string `json:"settlementBasis,omitempty"`

	CompletedAt string `json:"completedAt"`
	SettledAt   string `json:"settledAt"`

	ProofVerdict string  `json:"proofVerdict,omitempty"`
	CoveragePct  float64 `json:"coveragePct,omitempty"`
	FactsHash    string  `json:"factsHash,omitempty"`
}

// SettlementStatementPayload itemizes one settlement decision. Job
// settlements carry a jobId and hold reference; agent run settlements
// carry a runId and the payer/payee split.
type SettlementStatementPayload struct {
	JobID string `json:"jobId,omitempty"`
	RunID string `json:"runId,omitempty"`

	HoldID         string `json:"holdId,omitempty"`
	PayerAgentID   string `json:"payerAgentId,omitempty"`
	PayeeAgentID   string `json:"payeeAgentId,omitempty"`
	PolicyID       string `json:"policyId,omitempty"`
	DecisionStatus string `json:"decisionStatus,omitempty"`

	AmountCents        int64  `json:"amountCents"`
	ReleaseAmountCents int64  `json:"releaseAmountCents"`
	RefundAmountCents  int64  `json:"refundAmountCents"`
	Currency           string `json:"currency"`
	Basis              string `json:"basis,omitempty"`

	ReasonCodes []string                   `json:"reasonCodes,omitempty"`
	ProofRef    *domain.SettlementProofRef `json:"proofRef,omitempty"`
	SettledAt   string                     `json:"settledAt"`
}

// ProofReceiptPayload records one proof evaluation verbatim, pinned to the
// chain position it was computed against.
type ProofReceiptPayload struct {
	JobID                string  `json:"jobId"`
	ProofVersion         string  `json:"proofVersion"`
	EvaluatedAtChainHash string  `json:"evaluatedAtChainHash"`
	CustomerPolicyHash   string  `json:"customerPolicyHash"`
	OperatorPolicyHash   string  `json:"operatorPolicyHash,omitempty"`
	FactsHash            string  `json:"factsHash"`
	Verdict              string  `json:"verdict"`
	CoveragePct          float64 `json:"coveragePct"`
	EvaluatedAt          string  `json:"evaluatedAt"`
}

// DisputeVerdictPayload wraps an arbiter-signed verdict. The inner
// signature stays intact so the artifact carries two independent
// attestations: the arbiter's over the core, the server's over the hash.
type DisputeVerdictPayload struct {
	Verdict escrow.Verdict `json:"verdict"`
}

// BuildWorkCertificate derives a WorkCertificate.v1 from a settled job.
// Sources pin the completion, latest proof evaluation, and settlement
// events so any holder can re-verify against the stream.
func BuildWorkCertificate(tenantID string, job *domain.Job, evs []events.Event, at time.Time) (*Envelope, error) {
	if job == nil {
		return nil, fmt.Errorf("work certificate: nil job")
	}
	if job.Status != domain.JobSettled {
		return nil, fmt.Errorf("work certificate: job %s is %s, not settled", job.ID, job.Status)
	}
	payload := WorkCertificatePayload{
		JobID:              job.ID,
		RequesterID:        job.RequesterID,
		RobotID:            job.RobotID,
		OperatorID:         job.OperatorID,
		Zone:               job.Zone,
		Window:             job.Window,
		AmountCents:        job.AmountCents,
		SettledAmountCents: job.SettledAmountCents,
		Currency:           job.Currency,
		SettlementBasis:    job.SettlementBasis,
		CompletedAt:        job.CompletedAt,
		SettledAt:          job.SettledAt,
	}
	if job.LastProofEval != nil {
		payload.ProofVerdict = job.LastProofEval.Verdict
		payload.CoveragePct = job.LastProofEval.CoveragePct
		payload.FactsHash = job.LastProofEval.FactsHash
	}
	sources := sourcesByType(evs, domain.EvJobCompleted, domain.EvProofEvaluated, domain.EvJobSettled)
	if len(sources) == 0 {
		return nil, fmt.Errorf("work certificate: job %s has no completion or settlement events", job.ID)
	}
	return New(tenantID, TypeWorkCertificate, payload, sources, at)
}

// BuildSettlementStatement derives a SettlementStatement.v1 from a settled
// job and its SETTLED event.
func BuildSettlementStatement(tenantID string, job *domain.Job, settled events.Event, at time.Time) (*Envelope, error) {
	if job == nil {
		return nil, fmt.Errorf("settlement statement: nil job")
	}
	if settled.Type != domain.EvJobSettled {
		return nil, fmt.Errorf("settlement statement: anchor event is %s, want %s", settled.Type, domain.EvJobSettled)
	}
	var p domain.JobSettledPayload
	if err := settled.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("settlement statement: %w", err)
	}
	payload := SettlementStatementPayload{
		JobID:              job.ID,
		HoldID:             p.HoldID,
		AmountCents:        job.AmountCents,
		ReleaseAmountCents: p.AmountCents,
		RefundAmountCents:  job.AmountCents - p.AmountCents,
		Currency:           p.Currency,
		Basis:              p.Basis,
		ProofRef:           p.SettlementProofRef,
		SettledAt:          settled.At,
	}
	return New(tenantID, TypeSettlementStatement, payload, []EventProof{SourceProof(settled)}, at)
}

// BuildRunSettlementStatement derives a SettlementStatement.v1 from a
// resolved agent run settlement and its SETTLEMENT_RESOLVED event.
func BuildRunSettlementStatement(tenantID string, s *escrow.Settlement, resolved events.Event, at time.Time) (*Envelope, error) {
	if s == nil {
		return nil, fmt.Errorf("run settlement statement: nil settlement")
	}
	if s.Status == escrow.SettlementLocked {
		return nil, fmt.Errorf("run settlement statement: settlement %s still locked", s.RunID)
	}
	payload := SettlementStatementPayload{
		RunID:              s.RunID,
		PayerAgentID:       s.PayerAgentID,
		PayeeAgentID:       s.PayeeAgentID,
		PolicyID:           s.PolicyID,
		DecisionStatus:     s.DecisionStatus,
		AmountCents:        s.AmountCents,
		ReleaseAmountCents: s.ReleaseAmountCents,
		RefundAmountCents:  s.RefundAmountCents,
		Currency:           s.Currency,
		ReasonCodes:        s.ReasonCodes,
		SettledAt:          s.ResolvedAt,
	}
	return New(tenantID, TypeSettlementStatement, payload, []EventProof{SourceProof(resolved)}, at)
}

// BuildProofReceipt derives a ProofReceipt.v1 from a PROOF_EVALUATED event.
func BuildProofReceipt(tenantID, jobID string, evaluated events.Event, at time.Time) (*Envelope, error) {
	if evaluated.Type != domain.EvProofEvaluated {
		return nil, fmt.Errorf("proof receipt: anchor event is %s, want %s", evaluated.Type, domain.EvProofEvaluated)
	}
	var p domain.ProofEvaluatedPayload
	if err := evaluated.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("proof receipt: %w", err)
	}
	payload := ProofReceiptPayload{
		JobID:                jobID,
		ProofVersion:         p.ProofVersion,
		EvaluatedAtChainHash: p.EvaluatedAtChainHash,
		CustomerPolicyHash:   p.CustomerPolicyHash,
		OperatorPolicyHash:   p.OperatorPolicyHash,
		FactsHash:            p.FactsHash,
		Verdict:              p.Verdict,
		CoveragePct:          p.CoveragePct,
		EvaluatedAt:          evaluated.At,
	}
	return New(tenantID, TypeProofReceipt, payload, []EventProof{SourceProof(evaluated)}, at)
}

// BuildDisputeVerdict wraps an arbiter verdict. The verdict's own
// signature is validated before wrapping; a bad inner signature must not
// become a server-signed artifact. anchor is the dispute event the verdict
// resolves (the artifact exists before the closing event that references
// it).
func BuildDisputeVerdict(tenantID string, v *escrow.Verdict, arbiterPubKeyB64 string, anchor events.Event, at time.Time) (*Envelope, error) {
	if v == nil {
		return nil, fmt.Errorf("dispute verdict: nil verdict")
	}
	if err := escrow.VerifyVerdict(v, arbiterPubKeyB64); err != nil {
		return nil, fmt.Errorf("dispute verdict: %w", err)
	}
	return New(tenantID, TypeDisputeVerdict, DisputeVerdictPayload{Verdict: *v}, []EventProof{SourceProof(anchor)}, at)
}

// sourcesByType collects stream proofs for the listed event types in
// stream order. For PROOF_EVALUATED only the latest occurrence is kept.
func sourcesByType(evs []events.Event, types ...string) []EventProof {
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	var out []EventProof
	lastProofIdx := -1
	for i := range evs {
		if !wanted[evs[i].Type] {
			continue
		}
		if evs[i].Type == domain.EvProofEvaluated {
			if lastProofIdx >= 0 {
				out[lastProofIdx] = SourceProof(evs[i])
				continue
			}
			lastProofIdx = len(out)
		}
		out = append(out, SourceProof(evs[i]))
	}
	return out
}
