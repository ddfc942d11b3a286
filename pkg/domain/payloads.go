package domain

import "encoding/json"

// Typed payloads for the events the reducers and validators inspect.
// Payloads the system only carries (never branches on) stay raw JSON.

type JobCreatedPayload struct {
	JobID       string `json:"jobId"`
	RequesterID string `json:"requesterId"`
	Tier        string `json:"tier"`
	Zone        string `json:"zone"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}

type JobQuotedPayload struct {
	QuoteID     string `json:"quoteId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

type JobBookedPayload struct {
	PolicyHash         string `json:"policyHash"`
	CustomerPolicyHash string `json:"customerPolicyHash"`
	OperatorPolicyHash string `json:"operatorPolicyHash,omitempty"`
	ContractID         string `json:"contractId,omitempty"`
	AmountCents        int64  `json:"amountCents"`
	Currency           string `json:"currency"`
	Window             Window `json:"window"`
}

type JobRescheduledPayload struct {
	Window Window `json:"window"`
	Reason string `json:"reason,omitempty"`
}

type JobCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

type DispatchEvaluatedPayload struct {
	Candidates []string `json:"candidates"`
	ChosenID   string   `json:"chosenId,omitempty"`
	Attempt    int      `json:"attempt"`
}

type JobMatchedPayload struct {
	RobotID    string `json:"robotId"`
	TrustScore int    `json:"trustScore"`
}

type JobReservedPayload struct {
	ReservationID string `json:"reservationId"`
	RobotID       string `json:"robotId"`
	Window        Window `json:"window"`
}

type OperatorCoveragePayload struct {
	OperatorID string `json:"operatorId"`
	ShiftID    string `json:"shiftId,omitempty"`
	Window     Window `json:"window"`
}

type DispatchConfirmedPayload struct {
	RobotID    string `json:"robotId"`
	OperatorID string `json:"operatorId,omitempty"`
}

// Dispatch failure reasons.
const (
	DispatchFailNoRobots    = "NO_ROBOTS"
	DispatchFailNoOperators = "NO_OPERATORS"
	DispatchFailConflict    = "CONFLICT"
)

type DispatchFailedPayload struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

type TelemetryPayload struct {
	Seq        int64              `json:"seq"`
	RecordedAt string             `json:"recordedAt"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

type IncidentPayload struct {
	Kind     string `json:"kind"`
	Severity int    `json:"severity"`
	Note     string `json:"note,omitempty"`
}

type AssistRequestedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type AssistAssignedPayload struct {
	OperatorID string `json:"operatorId"`
}

type AssistResolvedPayload struct {
	OperatorID string `json:"operatorId"`
	Resolution string `json:"resolution,omitempty"`
}

type AssistTimeoutPayload struct {
	AfterMs int64 `json:"afterMs"`
}

type EscalationPayload struct {
	Reason string `json:"reason,omitempty"`
}

type ExecutionStalledPayload struct {
	LastTelemetryAt string `json:"lastTelemetryAt,omitempty"`
	IdleMs          int64  `json:"idleMs"`
}

type AbortPayload struct {
	Reason string `json:"reason,omitempty"`
}

type JobCompletedPayload struct {
	Summary string `json:"summary,omitempty"`
}

type EvidenceCapturedPayload struct {
	EvidenceID  string `json:"evidenceId"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	Sha256      string `json:"sha256"`
	EvidenceRef string `json:"evidenceRef"`
	Severity    int    `json:"severity,omitempty"`
	CapturedBy  string `json:"capturedBy,omitempty"`
}

type EvidenceExpiredPayload struct {
	EvidenceID    string `json:"evidenceId"`
	RetentionDays int    `json:"retentionDays"`
}

type ZoneCoveragePayload struct {
	ZoneID       string  `json:"zoneId"`
	Seq          int64   `json:"seq"`
	CellsCovered int64   `json:"cellsCovered"`
	CellsTotal   int64   `json:"cellsTotal"`
	CoveragePct  float64 `json:"coveragePct"`
	ReportedAt   string  `json:"reportedAt"`
}

// Proof verdicts.
const (
	ProofVerdictSufficient   = "SUFFICIENT"
	ProofVerdictInsufficient = "INSUFFICIENT_EVIDENCE"
)

type ProofEvaluatedPayload struct {
	ProofVersion         string  `json:"proofVersion"`
	EvaluatedAtChainHash string  `json:"evaluatedAtChainHash"`
	CustomerPolicyHash   string  `json:"customerPolicyHash"`
	OperatorPolicyHash   string  `json:"operatorPolicyHash,omitempty"`
	FactsHash            string  `json:"factsHash"`
	Verdict              string  `json:"verdict"`
	CoveragePct          float64 `json:"coveragePct"`
}

// SettlementProofRef pins a SETTLED event to the proof evaluation it relied on.
type SettlementProofRef struct {
	EvaluatedAtChainHash string `json:"evaluatedAtChainHash"`
	CustomerPolicyHash   string `json:"customerPolicyHash"`
	FactsHash            string `json:"factsHash"`
}

type JobSettledPayload struct {
	HoldID             string              `json:"holdId"`
	AmountCents        int64               `json:"amountCents"`
	Currency           string              `json:"currency"`
	ReleaseRatePct     int                 `json:"releaseRatePct"`
	Basis              string              `json:"basis"`
	SettlementProofRef *SettlementProofRef `json:"settlementProofRef,omitempty"`
}

type SettlementForfeitPayload struct {
	HoldID string `json:"holdId"`
	Reason string `json:"reason,omitempty"`
}

type OperatorCostPayload struct {
	OperatorID  string `json:"operatorId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Minutes     int64  `json:"minutes"`
}

type SLABreachPayload struct {
	Kind       string `json:"kind"`
	Detail     string `json:"detail,omitempty"`
	DetectedAt string `json:"detectedAt"`
}

type SLACreditPayload struct {
	AmountCents   int64  `json:"amountCents"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason"`
	BreachEventID string `json:"breachEventId,omitempty"`
}

type ClaimSubmittedPayload struct {
	ClaimID     string `json:"claimId"`
	Kind        string `json:"kind"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Note        string `json:"note,omitempty"`
}

type ClaimDecisionPayload struct {
	ClaimID     string `json:"claimId"`
	AmountCents int64  `json:"amountCents,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type RiskScoredPayload struct {
	Score         int                `json:"score"`
	Features      map[string]float64 `json:"features"`
	FeaturesHash  string             `json:"featuresHash"`
	SourceEventID string             `json:"sourceEventId"`
}

type DisputeOpenedPayload struct {
	DisputeID string `json:"disputeId"`
	Reason    string `json:"reason"`
	OpenedBy  string `json:"openedBy"`
}

type DisputeClosedPayload struct {
	DisputeID         string `json:"disputeId"`
	Outcome           string `json:"outcome"`
	VerdictArtifactID string `json:"verdictArtifactId,omitempty"`
}

// Robot stream payloads.

type RobotRegisteredPayload struct {
	RobotID      string   `json:"robotId"`
	Zone         string   `json:"zone"`
	PublicKey    string   `json:"publicKey"`
	SignerKeyID  string   `json:"signerKeyId"`
	TrustScore   int      `json:"trustScore"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type RobotAvailabilityPayload struct {
	Windows []Window `json:"windows"`
}

type StatusChangedPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Operator stream payloads.

type OperatorRegisteredPayload struct {
	OperatorID    string   `json:"operatorId"`
	Zones         []string `json:"zones"`
	PublicKey     string   `json:"publicKey"`
	SignerKeyID   string   `json:"signerKeyId"`
	MaxConcurrent int      `json:"maxConcurrent"`
}

type OperatorShiftPayload struct {
	ShiftID       string   `json:"shiftId"`
	Window        Window   `json:"window"`
	Zones         []string `json:"zones"`
	MaxConcurrent int      `json:"maxConcurrent"`
}

// Agent run stream payloads.

type AgentRunCreatedPayload struct {
	RunID        string `json:"runId"`
	AgentID      string `json:"agentId"`
	TaskID       string `json:"taskId,omitempty"`
	PayerAgentID string `json:"payerAgentId"`
	PayeeAgentID string `json:"payeeAgentId"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
	PolicyID     string `json:"policyId"`
}

type AgentRunCompletedPayload struct {
	VerificationMethod string          `json:"verificationMethod"`
	VerificationStatus string          `json:"verificationStatus"`
	Output             json.RawMessage `json:"output,omitempty"`
}

type AgentRunFailedPayload struct {
	Reason string `json:"reason"`
}

type RunSettlementResolvedPayload struct {
	Mode               string   `json:"mode"`
	SettlementStatus   string   `json:"settlementStatus"`
	ReleaseAmountCents int64    `json:"releaseAmountCents"`
	RefundAmountCents  int64    `json:"refundAmountCents"`
	ReasonCodes        []string `json:"reasonCodes,omitempty"`
}

type RunDisputeOpenedPayload struct {
	DisputeID    string   `json:"disputeId"`
	Reason       string   `json:"reason"`
	EvidenceRefs []string `json:"evidenceRefs,omitempty"`
}

type RunDisputeEvidencePayload struct {
	DisputeID   string `json:"disputeId"`
	EvidenceRef string `json:"evidenceRef"`
	Note        string `json:"note,omitempty"`
}

type RunDisputeEscalatedPayload struct {
	DisputeID      string `json:"disputeId"`
	ArbiterAgentID string `json:"arbiterAgentId"`
}

type RunDisputeClosedPayload struct {
	DisputeID         string `json:"disputeId"`
	ReleaseRatePct    int    `json:"releaseRatePct"`
	VerdictArtifactID string `json:"verdictArtifactId,omitempty"`
	VerdictHash       string `json:"verdictHash,omitempty"`
}

type RunChangeOrderPayload struct {
	NewAmountCents int64  `json:"newAmountCents"`
	Reason         string `json:"reason,omitempty"`
}

type RunCancelledPayload struct {
	KillFeeRatePct int    `json:"killFeeRatePct"`
	Reason         string `json:"reason,omitempty"`
}

// Month stream payloads.

type MonthClosedPayload struct {
	Month               string   `json:"month"`
	Basis               string   `json:"basis"`
	HoldPolicy          string   `json:"holdPolicy"`
	StatementArtifactID string   `json:"statementArtifactId"`
	StatementHash       string   `json:"statementHash"`
	ProofRoot           string   `json:"proofRoot,omitempty"`
	Disclosures         []string `json:"disclosures,omitempty"`
}

type MonthReopenedPayload struct {
	Reason     string `json:"reason"`
	ReopenedBy string `json:"reopenedBy"`
}

// Governance stream payloads.

type SignerKeyRegisteredPayload struct {
	KeyID     string `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Owner     string `json:"owner"`
	ValidFrom string `json:"validFrom"`
}

type SignerKeyRotatedPayload struct {
	OldKeyID  string `json:"oldKeyId"`
	KeyID     string `json:"keyId"`
	PublicKey string `json:"publicKey"`
	ValidFrom string `json:"validFrom"`
}

type SignerKeyRevokedPayload struct {
	KeyID  string `json:"keyId"`
	Reason string `json:"reason,omitempty"`
}

// PolicySettings are the tenant knobs selectable by effectiveFrom. Zero
// values mean "inherit" and are filled from defaults at selection time.
type PolicySettings struct {
	MonthCloseHoldPolicy  string `json:"monthCloseHoldPolicy,omitempty"`
	AccountMapMode        string `json:"accountMapMode,omitempty"`
	EvidenceRetentionDays int    `json:"evidenceRetentionDays,omitempty"`
	EvidencePrivacyMode   string `json:"evidencePrivacyMode,omitempty"`
	EvidenceMaxSizeBytes  int64  `json:"evidenceMaxSizeBytes,omitempty"`
	VideoQuotaPerJob      int    `json:"videoQuotaPerJob,omitempty"`
	ClaimAutoApproveCents int64  `json:"claimAutoApproveCents,omitempty"`
	DisputeWindowDays     int    `json:"disputeWindowDays,omitempty"`
	OutboxMaxAttempts     int    `json:"outboxMaxAttempts,omitempty"`
	SettlementGateMode    string `json:"settlementGateMode,omitempty"`
	AllowReproofInDispute bool   `json:"allowReproofAfterSettlementWithinDisputeWindow,omitempty"`
	SLACreditDefaultPct   int    `json:"slaCreditDefaultPct,omitempty"`
	SLACreditMaxCents     int64  `json:"slaCreditMaxCents,omitempty"`
}

type PolicyOverridePayload struct {
	EffectiveFrom string         `json:"effectiveFrom"`
	Settings      PolicySettings `json:"settings"`
}
