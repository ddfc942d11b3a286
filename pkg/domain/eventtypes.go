package domain

// Job stream event types. Plain lifecycle transitions are named after the
// status they produce; worker- and evidence-class events keep their own
// names and leave the status untouched unless noted.
const (
	EvJobCreated        = "CREATED"
	EvJobQuoted         = "QUOTED"
	EvJobBooked         = "BOOKED"
	EvJobRescheduled    = "RESCHEDULED"
	EvJobCancelled      = "CANCELLED"
	EvDispatchEvaluated = "DISPATCH_EVALUATED"
	EvJobMatched        = "MATCHED"
	EvJobReserved       = "RESERVED"
	EvOperatorCoverage  = "OPERATOR_COVERAGE_RESERVED"
	EvDispatchConfirmed = "DISPATCH_CONFIRMED"
	EvDispatchFailed    = "DISPATCH_FAILED"
	EvJobEnRoute        = "EN_ROUTE"
	EvAccessGranted     = "ACCESS_GRANTED"
	EvJobExecuting      = "EXECUTING"
	EvTelemetryReceived = "TELEMETRY_RECEIVED"
	EvIncidentReported  = "INCIDENT_REPORTED"
	EvAssistRequested   = "ASSIST_REQUESTED"
	EvAssistQueued      = "ASSIST_QUEUED"
	EvAssistAssigned    = "ASSIST_ASSIGNED"
	EvAssistResolved    = "ASSIST_RESOLVED"
	EvAssistTimeout     = "ASSIST_TIMEOUT"
	EvExecutionStalled  = "JOB_EXECUTION_STALLED"
	EvExecutionResumed  = "JOB_EXECUTION_RESUMED"
	EvEscalationNeeded  = "ESCALATION_NEEDED"
	EvAbortRequested    = "ABORT_REQUESTED"
	EvJobAborted        = "ABORTED"
	EvJobCompleted      = "COMPLETED"
	EvEvidenceCaptured  = "EVIDENCE_CAPTURED"
	EvEvidenceExpired   = "EVIDENCE_EXPIRED"
	EvZoneCoverage      = "ZONE_COVERAGE_REPORTED"
	EvProofEvaluated    = "PROOF_EVALUATED"
	EvJobSettled        = "SETTLED"
	EvSettlementForfeit = "SETTLEMENT_FORFEITED"
	EvOperatorCost      = "OPERATOR_COST_RECORDED"
	EvSLABreachDetected = "SLA_BREACH_DETECTED"
	EvSLACreditIssued   = "SLA_CREDIT_ISSUED"
	EvClaimSubmitted    = "CLAIM_SUBMITTED"
	EvClaimApproved     = "CLAIM_APPROVED"
	EvClaimRejected     = "CLAIM_REJECTED"
	EvRiskScored        = "RISK_SCORED"
	EvDisputeOpened     = "DISPUTE_OPENED"
	EvDisputeClosed     = "DISPUTE_CLOSED"
)

// Robot stream event types.
const (
	EvRobotRegistered      = "ROBOT_REGISTERED"
	EvRobotAvailabilitySet = "ROBOT_AVAILABILITY_SET"
	EvRobotStatusChanged   = "ROBOT_STATUS_CHANGED"
)

// Operator stream event types.
const (
	EvOperatorRegistered    = "OPERATOR_REGISTERED"
	EvOperatorShiftSet      = "OPERATOR_SHIFT_SET"
	EvOperatorStatusChanged = "OPERATOR_STATUS_CHANGED"
)

// Agent run stream event types.
const (
	EvAgentRunCreated   = "AGENT_RUN_CREATED"
	EvAgentRunStarted   = "AGENT_RUN_STARTED"
	EvAgentRunCompleted = "AGENT_RUN_COMPLETED"
	EvAgentRunFailed    = "AGENT_RUN_FAILED"

	EvRunSettlementResolved = "SETTLEMENT_RESOLVED"
	EvRunDisputeOpened      = "RUN_DISPUTE_OPENED"
	EvRunDisputeEvidence    = "RUN_DISPUTE_EVIDENCE_ADDED"
	EvRunDisputeEscalated   = "RUN_DISPUTE_ESCALATED"
	EvRunDisputeClosed      = "RUN_DISPUTE_CLOSED"
	EvRunChangeOrdered      = "AGREEMENT_CHANGE_ORDERED"
	EvRunCancelled          = "AGREEMENT_CANCELLED"
)

// Month stream event types. Streams are named month:{YYYY-MM}:{basis}.
const (
	EvMonthClosed        = "MONTH_CLOSED"
	EvMonthCloseReopened = "MONTH_CLOSE_REOPENED"
)

// Governance stream event types. Server signer events live in the
// DEFAULT_TENANT_ID governance stream; policy overrides in each tenant's.
const (
	EvSignerKeyRegistered = "SERVER_SIGNER_REGISTERED"
	EvSignerKeyRotated    = "SERVER_SIGNER_ROTATED"
	EvSignerKeyRevoked    = "SERVER_SIGNER_REVOKED"
	EvPolicyOverrideSet   = "TENANT_POLICY_OVERRIDE_SET"
)

// SignerKind is the signature requirement class for an event type.
type SignerKind string

const (
	SignServer           SignerKind = "server"
	SignRobot            SignerKind = "robot"
	SignOperator         SignerKind = "operator"
	SignServerOrOperator SignerKind = "server_or_operator"
	SignServerOrRobot    SignerKind = "server_or_robot"
	SignRobotOrOperator  SignerKind = "robot_or_operator"
	SignNone             SignerKind = "none"
)

// signerPolicy maps event types to their required signer kind. Types absent
// from the table require no signature.
var signerPolicy = map[string]SignerKind{
	// Robot-authored ground truth must carry the robot's key.
	EvTelemetryReceived: SignRobot,
	EvZoneCoverage:      SignRobot,
	EvJobEnRoute:        SignRobot,
	EvJobExecuting:      SignRobot,
	EvJobCompleted:      SignServerOrRobot,
	EvIncidentReported:  SignRobotOrOperator,
	EvEvidenceCaptured:  SignRobotOrOperator,

	// Operator interventions.
	EvAssistResolved: SignOperator,
	EvAssistAssigned: SignServerOrOperator,
	EvAccessGranted:  SignServerOrOperator,

	// Settlement-critical events are server-signed, always.
	EvJobSettled:         SignServer,
	EvProofEvaluated:     SignServer,
	EvSettlementForfeit:  SignServerOrOperator,
	EvSLACreditIssued:    SignServer,
	EvClaimApproved:      SignServer,
	EvMonthClosed:        SignServer,
	EvMonthCloseReopened: SignServer,

	// Governance.
	EvSignerKeyRegistered: SignServer,
	EvSignerKeyRotated:    SignServer,
	EvSignerKeyRevoked:    SignServer,
	EvPolicyOverrideSet:   SignServer,
}

// RequiredSigner returns the signature requirement for an event type.
func RequiredSigner(eventType string) SignerKind {
	if k, ok := signerPolicy[eventType]; ok {
		return k
	}
	return SignNone
}

// AllowsActorKind reports whether a signer kind admits the given key owner
// class ("server", "robot", "operator").
func (k SignerKind) AllowsActorKind(owner string) bool {
	switch k {
	case SignNone:
		return true
	case SignServer, SignRobot, SignOperator:
		return owner == string(k)
	case SignServerOrOperator:
		return owner == "server" || owner == "operator"
	case SignServerOrRobot:
		return owner == "server" || owner == "robot"
	case SignRobotOrOperator:
		return owner == "robot" || owner == "operator"
	default:
		return false
	}
}
