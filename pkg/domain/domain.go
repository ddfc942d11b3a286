// Package domain holds the aggregate models, the pure reducers that fold
// event streams into them, the cross-event validators, and the signature
// policy table. Nothing in this package performs I/O; the store and HTTP
// layers feed it events and act on its verdicts.
package domain

import (
	"fmt"
	"time"
)

// DefaultTenantID anchors platform-global streams (server signer governance).
const DefaultTenantID = "default"

// Aggregate stream types.
const (
	AggregateJob        = "job"
	AggregateRobot      = "robot"
	AggregateOperator   = "operator"
	AggregateAgentRun   = "agent_run"
	AggregateMonth      = "month"
	AggregateGovernance = "governance"
)

// Window is a half-open [StartAt, EndAt) interval on the wire clock.
type Window struct {
	StartAt string `json:"startAt"`
	EndAt   string `json:"endAt"`
}

// Overlaps reports whether two half-open windows intersect.
func (w Window) Overlaps(other Window) bool {
	return w.StartAt < other.EndAt && other.StartAt < w.EndAt
}

// Contains reports whether the instant at lies inside the window.
func (w Window) Contains(at string) bool {
	return w.StartAt <= at && at < w.EndAt
}

// Valid reports whether the window parses and is non-empty.
func (w Window) Valid() bool {
	s, err1 := time.Parse(time.RFC3339, w.StartAt)
	e, err2 := time.Parse(time.RFC3339, w.EndAt)
	return err1 == nil && err2 == nil && s.Before(e)
}

// TransitionError reports an event that is illegal in the aggregate's
// current state. It maps to HTTP 409.
type TransitionError struct {
	Aggregate string
	From      string
	EventType string
	Detail    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s in state %q cannot apply %s: %s", e.Aggregate, e.From, e.EventType, e.Detail)
}

// Code returns the stable error code for transition failures.
func (e *TransitionError) Code() string { return "ILLEGAL_TRANSITION" }

// ValidationError reports an event that violates a cross-event invariant.
// CodeStr is one of the stable domain codes surfaced in HTTP envelopes.
type ValidationError struct {
	CodeStr string
	Detail  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.CodeStr, e.Detail)
}

// Code returns the stable error code.
func (e *ValidationError) Code() string { return e.CodeStr }

func newValidationError(code, format string, args ...any) *ValidationError {
	return &ValidationError{CodeStr: code, Detail: fmt.Sprintf(format, args...)}
}

// Stable validation codes referenced across packages.
const (
	CodeValidationFailed            = "VALIDATION_FAILED"
	CodePolicyHashMismatch          = "POLICY_HASH_MISMATCH"
	CodeReservationConflict         = "CONFLICT"
	CodeOperatorCoverageExhausted   = "OPERATOR_COVERAGE_EXHAUSTED"
	CodeMonthClosed                 = "MONTH_CLOSED"
	CodeProofRequired               = "PROOF_REQUIRED"
	CodeProofStale                  = "PROOF_STALE"
	CodeProofInsufficient           = "PROOF_INSUFFICIENT"
	CodeSettlementProofRefRequired  = "SETTLEMENT_PROOF_REF_REQUIRED"
	CodeEvidenceContentTypeForbid   = "EVIDENCE_CONTENT_TYPE_FORBIDDEN"
	CodeEvidenceTooLarge            = "EVIDENCE_TOO_LARGE"
	CodeEvidenceQuotaExceeded       = "EVIDENCE_QUOTA_EXCEEDED"
	CodeClaimThresholdExceeded      = "CLAIM_THRESHOLD_EXCEEDED"
	CodeRiskFeatureMismatch         = "RISK_FEATURE_MISMATCH"
	CodeSignatureRequired           = "SIGNATURE_REQUIRED"
	CodeSignatureInvalid            = "SIG_INVALID"
	CodeUnknownSignerKey            = "UNKNOWN_SIGNER_KEY"
	CodeContractHashMismatch        = "CONTRACT_HASH_MISMATCH"
	CodeEscrowLedgerMismatch        = "ESCROW_LEDGER_MISMATCH"
	CodePrevChainHashMismatch       = "PREV_CHAIN_HASH_MISMATCH"
)
