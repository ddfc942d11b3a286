package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/marketplace"
	"github.com/settld-labs/settld/pkg/store"
	"github.com/settld-labs/settld/pkg/workers"
)

// ErrorBody is the wire error envelope. Code is stable; Error is for humans
// and may change between releases.
type ErrorBody struct {
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Codes raised by this package itself. Domain, store, and policy codes come
// from their own packages and pass through the envelope verbatim.
const (
	CodeNotFound             = "NOT_FOUND"
	CodeForbidden            = "FORBIDDEN"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInternal             = "INTERNAL"
	CodeProtocolTooOld       = "PROTOCOL_TOO_OLD"
	CodeProtocolTooNew       = "PROTOCOL_TOO_NEW"
	CodeProtocolRequired     = "PROTOCOL_REQUIRED"
	CodeProtocolDeprecated   = "PROTOCOL_DEPRECATED"
	CodePreconditionRequired = "PRECONDITION_REQUIRED"
	CodeIdempotencyInvalid   = "IDEMPOTENCY_KEY_INVALID"
	CodeMaintenanceRunning   = "MAINTENANCE_ALREADY_RUNNING"
	CodeFinanceExportBlocked = "FINANCE_EXPORT_BLOCKED"
	CodeInsufficientFunds    = "INSUFFICIENT_FUNDS"
	CodeEvidenceExpired      = "EVIDENCE_EXPIRED"
	CodePresignInvalid       = "PRESIGN_INVALID"
)

// statusForCode maps every stable error code to its HTTP status. Codes not
// in the table are client input faults and answer 400.
var statusForCode = map[string]int{
	// Client input.
	"VALIDATION_FAILED":               http.StatusBadRequest,
	"SETTLEMENT_PROOF_REF_REQUIRED":   http.StatusBadRequest,
	"EVIDENCE_CONTENT_TYPE_FORBIDDEN": http.StatusBadRequest,
	"EVIDENCE_TOO_LARGE":              http.StatusBadRequest,
	"EVIDENCE_QUOTA_EXCEEDED":         http.StatusBadRequest,
	"CLAIM_THRESHOLD_EXCEEDED":        http.StatusBadRequest,
	"RISK_FEATURE_MISMATCH":           http.StatusBadRequest,
	"SETTLEMENT_POLICY_INVALID":       http.StatusBadRequest,
	"BID_INVALID":                     http.StatusBadRequest,
	"CONTRACT_COMPILE_FAILED":         http.StatusBadRequest,
	CodeIdempotencyInvalid:            http.StatusBadRequest,
	CodeProtocolTooNew:                http.StatusBadRequest,
	CodeProtocolRequired:              http.StatusBadRequest,
	CodeProtocolDeprecated:            http.StatusBadRequest,
	CodePresignInvalid:                http.StatusBadRequest,

	// Proof gate failures on settle attempts.
	"PROOF_REQUIRED":     http.StatusBadRequest,
	"PROOF_STALE":        http.StatusBadRequest,
	"PROOF_INSUFFICIENT": http.StatusBadRequest,

	// Signature policy.
	"SIGNATURE_REQUIRED": http.StatusBadRequest,
	"SIG_INVALID":        http.StatusBadRequest,

	// Chain verification on submitted events.
	events.CodeChainBreak:          http.StatusBadRequest,
	events.CodePayloadHashMismatch: http.StatusBadRequest,
	events.CodeSignatureInvalid:    http.StatusBadRequest,
	events.CodeUnknownSignerKey:    http.StatusBadRequest,

	CodeForbidden: http.StatusForbidden,

	CodeNotFound:  http.StatusNotFound,
	"BID_UNKNOWN": http.StatusNotFound,

	// State conflicts.
	"ILLEGAL_TRANSITION":          http.StatusConflict,
	"CONFLICT":                    http.StatusConflict,
	"PREV_CHAIN_HASH_MISMATCH":    http.StatusConflict,
	"REVISION_CONFLICT":           http.StatusConflict,
	"IDEMPOTENCY_KEY_REUSED":      http.StatusConflict,
	"ARTIFACT_HASH_IMMUTABLE":     http.StatusConflict,
	"MONTH_CLOSED":                http.StatusConflict,
	"POLICY_HASH_MISMATCH":        http.StatusConflict,
	"OPERATOR_COVERAGE_EXHAUSTED": http.StatusConflict,
	"CONTRACT_HASH_MISMATCH":      http.StatusConflict,
	"CONTRACT_STATE_INVALID":      http.StatusConflict,
	"CONTRACT_ALREADY_SIGNED":     http.StatusConflict,
	"CONTRACT_NOT_FULLY_SIGNED":   http.StatusConflict,
	"CONTRACT_SIGNER_UNKNOWN":     http.StatusConflict,
	"ESCROW_LEDGER_MISMATCH":      http.StatusConflict,
	"TASK_STATE_INVALID":          http.StatusConflict,
	"BID_STATE_INVALID":           http.StatusConflict,
	CodeMaintenanceRunning:        http.StatusConflict,
	CodeFinanceExportBlocked:      http.StatusConflict,
	CodeInsufficientFunds:         http.StatusConflict,

	CodeEvidenceExpired: http.StatusGone,

	CodeProtocolTooOld: http.StatusUpgradeRequired,

	CodePreconditionRequired: http.StatusPreconditionRequired,

	CodeRateLimited:         http.StatusTooManyRequests,
	"TENANT_QUOTA_EXCEEDED": http.StatusTooManyRequests,

	CodeInternal: http.StatusInternalServerError,
}

// StatusForCode resolves a stable code to its HTTP status.
func StatusForCode(code string) int {
	if s, ok := statusForCode[code]; ok {
		return s
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorBody{Error: msg, Code: code})
}

func writeErrorDetails(w http.ResponseWriter, status int, code, msg string, details any) {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = nil
	}
	writeJSON(w, status, ErrorBody{Error: msg, Code: code, Details: raw})
}

// WriteFromError classifies a domain, store, or policy error into the
// envelope. Anything it cannot classify is a 500; the cause is logged,
// never echoed.
func WriteFromError(w http.ResponseWriter, log *slog.Logger, err error) {
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		writeErrorDetails(w, StatusForCode(conflict.Code), conflict.Code, conflict.Error(),
			map[string]string{"key": conflict.Key})
		return
	}
	var market *marketplace.Error
	if errors.As(err, &market) {
		writeError(w, StatusForCode(market.Code), market.Code, market.Detail)
		return
	}
	var lifecycle *contracts.LifecycleError
	if errors.As(err, &lifecycle) {
		writeError(w, StatusForCode(lifecycle.Code), lifecycle.Code, lifecycle.Detail)
		return
	}
	var chain *events.ChainError
	if errors.As(err, &chain) {
		writeError(w, StatusForCode(chain.Code), chain.Code, chain.Error())
		return
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		writeError(w, StatusForCode(coded.Code()), coded.Code(), err.Error())
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, workers.ErrMaintenanceRunning):
		writeError(w, http.StatusConflict, CodeMaintenanceRunning, err.Error())
	case errors.Is(err, escrow.ErrInsufficientAvailable), errors.Is(err, escrow.ErrInsufficientEscrow):
		writeError(w, http.StatusConflict, CodeInsufficientFunds, err.Error())
	case errors.Is(err, escrow.ErrCurrencyMismatch), errors.Is(err, escrow.ErrNonPositiveAmount):
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	default:
		if log != nil {
			log.Error("request failed", "error", err)
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
