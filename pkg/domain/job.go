package domain

import (
	"github.com/settld-labs/settld/pkg/events"
)

// JobStatus is the lifecycle state of a physical job.
type JobStatus string

const (
	JobCreated       JobStatus = "CREATED"
	JobQuoted        JobStatus = "QUOTED"
	JobBooked        JobStatus = "BOOKED"
	JobMatched       JobStatus = "MATCHED"
	JobReserved      JobStatus = "RESERVED"
	JobEnRoute       JobStatus = "EN_ROUTE"
	JobAccessGranted JobStatus = "ACCESS_GRANTED"
	JobExecuting     JobStatus = "EXECUTING"
	JobAssisted      JobStatus = "ASSISTED"
	JobStalled       JobStatus = "STALLED"
	JobAbortingSafe  JobStatus = "ABORTING_SAFE_EXIT"
	JobCompleted     JobStatus = "COMPLETED"
	JobAborted       JobStatus = "ABORTED"
	JobSettled       JobStatus = "SETTLED"
)

// EvidenceRecord is one captured evidence object on a job.
type EvidenceRecord struct {
	EvidenceID  string `json:"evidenceId"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	Sha256      string `json:"sha256"`
	EvidenceRef string `json:"evidenceRef"`
	CapturedAt  string `json:"capturedAt"`
	Expired     bool   `json:"expired,omitempty"`
}

// ClaimState tracks one claim through submission and decision.
type ClaimState struct {
	ClaimID     string `json:"claimId"`
	Kind        string `json:"kind"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Status      string `json:"status"` // pending | approved | rejected
}

// IncidentRecord is one reported incident.
type IncidentRecord struct {
	Kind     string `json:"kind"`
	Severity int    `json:"severity"`
	At       string `json:"at"`
}

// DisputeState tracks the open dispute on a job, if any.
type DisputeState struct {
	DisputeID string `json:"disputeId"`
	Status    string `json:"status"` // open | closed
	OpenedAt  string `json:"openedAt"`
	ClosedAt  string `json:"closedAt,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

// Job is the reduced view of a job stream.
type Job struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`

	RequesterID string `json:"requesterId,omitempty"`
	Tier        string `json:"tier,omitempty"`
	Zone        string `json:"zone,omitempty"`
	Currency    string `json:"currency,omitempty"`

	QuoteAmountCents   int64   `json:"quoteAmountCents,omitempty"`
	AmountCents        int64   `json:"amountCents,omitempty"`
	PolicyHash         string  `json:"policyHash,omitempty"`
	CustomerPolicyHash string  `json:"customerPolicyHash,omitempty"`
	OperatorPolicyHash string  `json:"operatorPolicyHash,omitempty"`
	ContractID         string  `json:"contractId,omitempty"`
	Window             *Window `json:"window,omitempty"`

	RobotID           string  `json:"robotId,omitempty"`
	ReservationID     string  `json:"reservationId,omitempty"`
	ReservationWindow *Window `json:"reservationWindow,omitempty"`
	OperatorID        string  `json:"operatorId,omitempty"`
	CoverageWindow    *Window `json:"coverageWindow,omitempty"`
	DispatchConfirmed bool    `json:"dispatchConfirmed,omitempty"`
	LastDispatchFail  string  `json:"lastDispatchFail,omitempty"`

	LastTelemetryAt string           `json:"lastTelemetryAt,omitempty"`
	Incidents       []IncidentRecord `json:"incidents,omitempty"`
	AssistOperator  string           `json:"assistOperator,omitempty"`
	AssistRequested string           `json:"assistRequestedAt,omitempty"`
	StallCount      int              `json:"stallCount,omitempty"`
	LastStalledAt   string           `json:"lastStalledAt,omitempty"`

	CompletionChainHash string                 `json:"completionChainHash,omitempty"`
	CompletedAt         string                 `json:"completedAt,omitempty"`
	LastProofEval       *ProofEvaluatedPayload `json:"lastProofEval,omitempty"`
	ProofEvaluatedAt    string                 `json:"proofEvaluatedAt,omitempty"`
	ProofEvalVersion    int                    `json:"proofEvalVersion,omitempty"`
	FactsChangeVersion  int                    `json:"factsChangeVersion,omitempty"`
	HoldForfeited       bool                   `json:"holdForfeited,omitempty"`
	ForfeitReason       string                 `json:"forfeitReason,omitempty"`
	ForfeitedAt         string                 `json:"forfeitedAt,omitempty"`

	SettledAt          string              `json:"settledAt,omitempty"`
	SettledAmountCents int64               `json:"settledAmountCents,omitempty"`
	SettlementBasis    string              `json:"settlementBasis,omitempty"`
	SettlementProofRef *SettlementProofRef `json:"settlementProofRef,omitempty"`

	Evidence   []EvidenceRecord       `json:"evidence,omitempty"`
	VideoCount int                    `json:"videoCount,omitempty"`
	Claims     map[string]*ClaimState `json:"claims,omitempty"`
	RiskScore  *int                   `json:"riskScore,omitempty"`
	Dispute    *DisputeState          `json:"dispute,omitempty"`

	OperatorCostCents int64 `json:"operatorCostCents,omitempty"`
	SLABreachCount    int   `json:"slaBreachCount,omitempty"`
	SLACreditCents    int64 `json:"slaCreditCents,omitempty"`

	Version       int    `json:"version"`
	HeadChainHash string `json:"headChainHash,omitempty"`
	LastEventAt   string `json:"lastEventAt,omitempty"`
}

// HoldOpen reports whether the job carries an unreleased settlement hold.
func (j *Job) HoldOpen() bool {
	return j.Status == JobCompleted && !j.HoldForfeited
}

// Active reports whether the job occupies its robot reservation.
func (j *Job) Active() bool {
	switch j.Status {
	case JobReserved, JobEnRoute, JobAccessGranted, JobExecuting, JobAssisted, JobStalled, JobAbortingSafe:
		return true
	}
	return false
}

// ReduceJob folds a job stream into its aggregate. The fold is pure and
// deterministic; an event that is illegal in the current state returns a
// TransitionError and leaves no partial effects.
func ReduceJob(evs []events.Event) (*Job, error) {
	job := &Job{Claims: map[string]*ClaimState{}}
	for i := range evs {
		if err := job.apply(evs[i]); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func (j *Job) illegal(e events.Event, detail string) error {
	return &TransitionError{Aggregate: AggregateJob, From: string(j.Status), EventType: e.Type, Detail: detail}
}

func (j *Job) in(statuses ...JobStatus) bool {
	for _, s := range statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

func (j *Job) apply(e events.Event) error {
	if j.Version == 0 && e.Type != EvJobCreated {
		return j.illegal(e, "stream must start with CREATED")
	}

	switch e.Type {
	case EvJobCreated:
		if j.Version != 0 {
			return j.illegal(e, "CREATED must be the first event")
		}
		var p JobCreatedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		_, j.ID = events.SplitStreamID(e.StreamID)
		j.RequesterID = p.RequesterID
		j.Tier = p.Tier
		j.Zone = p.Zone
		j.Currency = p.Currency
		j.Status = JobCreated

	case EvJobQuoted:
		if !j.in(JobCreated, JobQuoted) {
			return j.illegal(e, "quote requires CREATED or QUOTED")
		}
		var p JobQuotedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.QuoteAmountCents = p.AmountCents
		j.Status = JobQuoted

	case EvJobBooked:
		if !j.in(JobCreated, JobQuoted) {
			return j.illegal(e, "booking requires CREATED or QUOTED")
		}
		var p JobBookedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.PolicyHash = p.PolicyHash
		j.CustomerPolicyHash = p.CustomerPolicyHash
		j.OperatorPolicyHash = p.OperatorPolicyHash
		j.ContractID = p.ContractID
		j.AmountCents = p.AmountCents
		if p.Currency != "" {
			j.Currency = p.Currency
		}
		w := p.Window
		j.Window = &w
		j.Status = JobBooked

	case EvJobRescheduled:
		if !j.in(JobBooked, JobMatched, JobReserved) {
			return j.illegal(e, "reschedule requires BOOKED, MATCHED or RESERVED")
		}
		var p JobRescheduledPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		w := p.Window
		j.Window = &w
		j.RobotID = ""
		j.ReservationID = ""
		j.ReservationWindow = nil
		j.OperatorID = ""
		j.CoverageWindow = nil
		j.DispatchConfirmed = false
		j.Status = JobBooked

	case EvJobCancelled:
		if !j.in(JobCreated, JobQuoted, JobBooked, JobMatched, JobReserved) {
			return j.illegal(e, "cancel only before execution starts")
		}
		j.Status = JobAborted

	case EvDispatchEvaluated:
		if !j.in(JobBooked, JobMatched) {
			return j.illegal(e, "dispatch evaluation requires BOOKED")
		}

	case EvJobMatched:
		if j.Status != JobBooked {
			return j.illegal(e, "match requires BOOKED")
		}
		var p JobMatchedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.RobotID = p.RobotID
		j.Status = JobMatched

	case EvDispatchFailed:
		if !j.in(JobBooked, JobMatched) {
			return j.illegal(e, "dispatch failure requires BOOKED or MATCHED")
		}
		var p DispatchFailedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.LastDispatchFail = p.Reason
		j.RobotID = ""
		j.Status = JobBooked

	case EvJobReserved:
		if j.Status != JobMatched {
			return j.illegal(e, "reservation requires MATCHED")
		}
		var p JobReservedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.ReservationID = p.ReservationID
		if p.RobotID != "" {
			j.RobotID = p.RobotID
		}
		w := p.Window
		j.ReservationWindow = &w
		j.Status = JobReserved

	case EvOperatorCoverage:
		if j.Status != JobReserved {
			return j.illegal(e, "operator coverage requires RESERVED")
		}
		var p OperatorCoveragePayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.OperatorID = p.OperatorID
		w := p.Window
		j.CoverageWindow = &w

	case EvDispatchConfirmed:
		if j.Status != JobReserved {
			return j.illegal(e, "dispatch confirmation requires RESERVED")
		}
		j.DispatchConfirmed = true

	case EvJobEnRoute:
		if j.Status != JobReserved {
			return j.illegal(e, "en-route requires RESERVED")
		}
		j.Status = JobEnRoute

	case EvAccessGranted:
		if j.Status != JobEnRoute {
			return j.illegal(e, "access grant requires EN_ROUTE")
		}
		j.Status = JobAccessGranted

	case EvJobExecuting:
		if j.Status != JobAccessGranted {
			return j.illegal(e, "execution start requires ACCESS_GRANTED")
		}
		j.Status = JobExecuting

	case EvTelemetryReceived:
		if !j.in(JobEnRoute, JobAccessGranted, JobExecuting, JobAssisted, JobStalled, JobAbortingSafe) {
			return j.illegal(e, "telemetry outside active execution")
		}
		j.LastTelemetryAt = e.At

	case EvIncidentReported:
		if !j.in(JobEnRoute, JobAccessGranted, JobExecuting, JobAssisted, JobStalled, JobAbortingSafe, JobCompleted) {
			return j.illegal(e, "incident outside active execution")
		}
		var p IncidentPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.Incidents = append(j.Incidents, IncidentRecord{Kind: p.Kind, Severity: p.Severity, At: e.At})

	case EvAssistRequested:
		if j.Status != JobExecuting {
			return j.illegal(e, "assist request requires EXECUTING")
		}
		j.AssistRequested = e.At
		j.AssistOperator = ""
		j.Status = JobAssisted

	case EvAssistQueued:
		if j.Status != JobAssisted {
			return j.illegal(e, "assist queue requires ASSISTED")
		}

	case EvAssistAssigned:
		if j.Status != JobAssisted {
			return j.illegal(e, "assist assignment requires ASSISTED")
		}
		var p AssistAssignedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.AssistOperator = p.OperatorID

	case EvAssistResolved:
		if j.Status != JobAssisted {
			return j.illegal(e, "assist resolution requires ASSISTED")
		}
		j.Status = JobExecuting

	case EvAssistTimeout:
		if j.Status != JobAssisted {
			return j.illegal(e, "assist timeout requires ASSISTED")
		}

	case EvExecutionStalled:
		if !j.in(JobExecuting, JobAssisted) {
			return j.illegal(e, "stall requires EXECUTING or ASSISTED")
		}
		j.StallCount++
		j.LastStalledAt = e.At
		j.Status = JobStalled

	case EvExecutionResumed:
		if j.Status != JobStalled {
			return j.illegal(e, "resume requires STALLED")
		}
		j.Status = JobExecuting

	case EvEscalationNeeded:
		if !j.in(JobStalled, JobAssisted) {
			return j.illegal(e, "escalation requires STALLED or ASSISTED")
		}

	case EvAbortRequested:
		if !j.in(JobEnRoute, JobAccessGranted, JobExecuting, JobAssisted, JobStalled) {
			return j.illegal(e, "abort requires an active execution state")
		}
		j.Status = JobAbortingSafe

	case EvJobAborted:
		if j.Status != JobAbortingSafe {
			return j.illegal(e, "abort completion requires ABORTING_SAFE_EXIT")
		}
		j.Status = JobAborted

	case EvJobCompleted:
		if j.Status != JobExecuting {
			return j.illegal(e, "completion requires EXECUTING")
		}
		j.CompletionChainHash = e.ChainHash
		j.CompletedAt = e.At
		j.Status = JobCompleted

	case EvEvidenceCaptured:
		if !j.in(JobExecuting, JobAssisted, JobStalled, JobAbortingSafe, JobCompleted) {
			return j.illegal(e, "evidence capture outside execution or completion")
		}
		var p EvidenceCapturedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.Evidence = append(j.Evidence, EvidenceRecord{
			EvidenceID:  p.EvidenceID,
			ContentType: p.ContentType,
			SizeBytes:   p.SizeBytes,
			Sha256:      p.Sha256,
			EvidenceRef: p.EvidenceRef,
			CapturedAt:  e.At,
		})
		if isVideoContentType(p.ContentType) {
			j.VideoCount++
		}
		j.FactsChangeVersion = j.Version + 1

	case EvEvidenceExpired:
		var p EvidenceExpiredPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		found := false
		for i := range j.Evidence {
			if j.Evidence[i].EvidenceID == p.EvidenceID {
				j.Evidence[i].Expired = true
				found = true
			}
		}
		if !found {
			return j.illegal(e, "expiry references unknown evidence "+p.EvidenceID)
		}
		j.FactsChangeVersion = j.Version + 1

	case EvZoneCoverage:
		if !j.in(JobExecuting, JobAssisted, JobStalled, JobCompleted) {
			return j.illegal(e, "zone coverage outside execution")
		}
		j.FactsChangeVersion = j.Version + 1

	case EvProofEvaluated:
		if j.Status != JobCompleted {
			return j.illegal(e, "proof evaluation requires COMPLETED")
		}
		var p ProofEvaluatedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.LastProofEval = &p
		j.ProofEvaluatedAt = e.At
		j.ProofEvalVersion = j.Version + 1

	case EvJobSettled:
		if j.Status != JobCompleted {
			return j.illegal(e, "settlement requires COMPLETED")
		}
		var p JobSettledPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.SettledAt = e.At
		j.SettledAmountCents = p.AmountCents
		j.SettlementBasis = p.Basis
		j.SettlementProofRef = p.SettlementProofRef
		j.Status = JobSettled

	case EvSettlementForfeit:
		if j.Status != JobCompleted {
			return j.illegal(e, "forfeit requires COMPLETED")
		}
		var p SettlementForfeitPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.HoldForfeited = true
		j.ForfeitReason = p.Reason
		j.ForfeitedAt = e.At

	case EvOperatorCost:
		if !j.in(JobExecuting, JobAssisted, JobStalled, JobAbortingSafe, JobCompleted, JobAborted, JobSettled) {
			return j.illegal(e, "operator cost outside execution or afterward")
		}
		var p OperatorCostPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.OperatorCostCents += p.AmountCents

	case EvSLABreachDetected:
		if !j.in(JobReserved, JobEnRoute, JobAccessGranted, JobExecuting, JobAssisted, JobStalled, JobCompleted, JobSettled) {
			return j.illegal(e, "SLA breach outside scheduled lifecycle")
		}
		j.SLABreachCount++

	case EvSLACreditIssued:
		if !j.in(JobCompleted, JobSettled, JobAborted) {
			return j.illegal(e, "SLA credit requires a terminal-ish state")
		}
		var p SLACreditPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.SLACreditCents += p.AmountCents

	case EvClaimSubmitted:
		if !j.in(JobCompleted, JobSettled, JobAborted) {
			return j.illegal(e, "claims open after completion or abort")
		}
		var p ClaimSubmittedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if _, dup := j.Claims[p.ClaimID]; dup {
			return j.illegal(e, "claim "+p.ClaimID+" already exists")
		}
		j.Claims[p.ClaimID] = &ClaimState{
			ClaimID:     p.ClaimID,
			Kind:        p.Kind,
			AmountCents: p.AmountCents,
			Currency:    p.Currency,
			Status:      "pending",
		}

	case EvClaimApproved, EvClaimRejected:
		var p ClaimDecisionPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		claim, ok := j.Claims[p.ClaimID]
		if !ok || claim.Status != "pending" {
			return j.illegal(e, "claim "+p.ClaimID+" not pending")
		}
		if e.Type == EvClaimApproved {
			claim.Status = "approved"
			if p.AmountCents > 0 {
				claim.AmountCents = p.AmountCents
			}
		} else {
			claim.Status = "rejected"
		}

	case EvRiskScored:
		if j.Status == "" || j.Status == JobCreated {
			return j.illegal(e, "risk scoring requires at least QUOTED")
		}
		var p RiskScoredPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		score := p.Score
		j.RiskScore = &score

	case EvDisputeOpened:
		if !j.in(JobCompleted, JobSettled) {
			return j.illegal(e, "dispute requires COMPLETED or SETTLED")
		}
		if j.Dispute != nil && j.Dispute.Status == "open" {
			return j.illegal(e, "dispute already open")
		}
		var p DisputeOpenedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.Dispute = &DisputeState{DisputeID: p.DisputeID, Status: "open", OpenedAt: e.At}

	case EvDisputeClosed:
		if j.Dispute == nil || j.Dispute.Status != "open" {
			return j.illegal(e, "no open dispute")
		}
		var p DisputeClosedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		j.Dispute.Status = "closed"
		j.Dispute.ClosedAt = e.At
		j.Dispute.Outcome = p.Outcome

	default:
		return j.illegal(e, "unknown event type")
	}

	j.Version++
	j.HeadChainHash = e.ChainHash
	j.LastEventAt = e.At
	return nil
}

func isVideoContentType(ct string) bool {
	return len(ct) >= 6 && ct[:6] == "video/"
}
