package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/events"
)

// Reservation is one robot time slot held by a job.
type Reservation struct {
	ReservationID string `json:"reservationId"`
	JobID         string `json:"jobId"`
	RobotID       string `json:"robotId"`
	Window        Window `json:"window"`
}

// ReadView gives validators transaction-consistent access to neighboring
// aggregates and projections. The store implements it inside the commit
// transaction so validation and append cannot race.
type ReadView interface {
	Robot(robotID string) (*Robot, error)
	Operator(operatorID string) (*Operator, error)
	// ActiveReservations returns reservations currently held on a robot by
	// jobs that have not released them.
	ActiveReservations(robotID string) ([]Reservation, error)
	// OperatorCoverageCount returns how many jobs hold operator coverage
	// overlapping the window.
	OperatorCoverageCount(operatorID string, w Window) (int, error)
	MonthClosed(month, basis string) (bool, error)
	// ContractPolicyHash resolves the active compiled policy hash for a
	// contract, "" if the contract is unknown or inactive.
	ContractPolicyHash(contractID string) (string, error)
	Settings() PolicySettings
}

// KeyDirectory resolves signer key ids for signature policy enforcement.
// owner is the key class: "server", "robot", or "operator".
type KeyDirectory interface {
	SignerKey(keyID string) (pubKeyB64, owner string, ok bool)
}

// FactsHasher recomputes the verification facts hash for a job stream from
// its completion anchor. Injected to keep this package free of proof wiring.
type FactsHasher func(evs []events.Event, anchorChainHash string) (string, error)

// DeriveHoldID derives the settlement hold id for a completed job:
// "hold_" + hex(sha256(completionChainHash || customerPolicyHash)).
func DeriveHoldID(completionChainHash, customerPolicyHash string) string {
	h := sha256.Sum256([]byte(completionChainHash + customerPolicyHash))
	return "hold_" + hex.EncodeToString(h[:])
}

// VerifySignaturePolicy enforces the per-type signer requirement on one
// event. Events whose type requires no signature pass untouched; any
// signature present is still verified when the key is known.
func VerifySignaturePolicy(e events.Event, keys KeyDirectory) error {
	required := RequiredSigner(e.Type)

	if e.Signature == "" && e.SignerKeyID == "" {
		if required == SignNone {
			return nil
		}
		return newValidationError(CodeSignatureRequired, "%s requires a %s signature", e.Type, required)
	}
	if e.Signature == "" || e.SignerKeyID == "" {
		return newValidationError(CodeSignatureInvalid, "signature and signerKeyId must be present together on %s", e.Type)
	}

	pub, owner, ok := keys.SignerKey(e.SignerKeyID)
	if !ok {
		return newValidationError(CodeUnknownSignerKey, "signer key %s is not registered", e.SignerKeyID)
	}
	if !required.AllowsActorKind(owner) {
		return newValidationError(CodeSignatureInvalid, "%s requires a %s key, got %s key %s", e.Type, required, owner, e.SignerKeyID)
	}
	valid, err := crypto.Verify(pub, e.Signature, []byte(e.ChainHash))
	if err != nil {
		return newValidationError(CodeSignatureInvalid, "signature on %s malformed: %v", e.Type, err)
	}
	if !valid {
		return newValidationError(CodeSignatureInvalid, "signature on %s does not verify over chainHash", e.Type)
	}
	return nil
}

// JobValidationResult carries non-fatal findings alongside acceptance.
type JobValidationResult struct {
	Warnings []string
}

// ValidateJobEvent enforces the cross-event invariants for one new job
// event against the pre-event aggregate and the stream history. The fold
// itself (ReduceJob) has already vetted the pure transition.
func ValidateJobEvent(view ReadView, job *Job, prior []events.Event, e events.Event, factsHash FactsHasher) (*JobValidationResult, error) {
	res := &JobValidationResult{}
	settings := view.Settings()

	switch e.Type {
	case EvJobBooked:
		var p JobBookedPayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, err
		}
		if !p.Window.Valid() {
			return nil, newValidationError(CodeValidationFailed, "booking window invalid")
		}
		if p.PolicyHash == "" || p.CustomerPolicyHash == "" {
			return nil, newValidationError(CodeValidationFailed, "booking requires policyHash and customerPolicyHash")
		}
		if p.ContractID != "" {
			active, err := view.ContractPolicyHash(p.ContractID)
			if err != nil {
				return nil, err
			}
			if active == "" {
				return nil, newValidationError(CodeValidationFailed, "contract %s has no active policy", p.ContractID)
			}
			if active != p.PolicyHash {
				return nil, newValidationError(CodePolicyHashMismatch, "booking policyHash %s does not match active contract policy %s", p.PolicyHash, active)
			}
		}

	case EvJobReserved:
		var p JobReservedPayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, err
		}
		if !p.Window.Valid() {
			return nil, newValidationError(CodeValidationFailed, "reservation window invalid")
		}
		robot, err := view.Robot(p.RobotID)
		if err != nil {
			return nil, err
		}
		if robot == nil {
			return nil, newValidationError(CodeValidationFailed, "robot %s not registered", p.RobotID)
		}
		if !robot.Dispatchable() {
			return nil, newValidationError(CodeReservationConflict, "robot %s is %s", p.RobotID, robot.Status)
		}
		if job.Zone != "" && robot.Zone != job.Zone {
			return nil, newValidationError(CodeValidationFailed, "robot %s zone %s does not serve job zone %s", p.RobotID, robot.Zone, job.Zone)
		}
		if len(robot.Availability) > 0 && !robot.AvailableDuring(p.Window) {
			return nil, newValidationError(CodeReservationConflict, "robot %s not available during window", p.RobotID)
		}
		held, err := view.ActiveReservations(p.RobotID)
		if err != nil {
			return nil, err
		}
		for _, r := range held {
			if r.JobID != job.ID && r.Window.Overlaps(p.Window) {
				return nil, newValidationError(CodeReservationConflict, "robot %s already reserved by job %s in overlapping window", p.RobotID, r.JobID)
			}
		}

	case EvOperatorCoverage:
		var p OperatorCoveragePayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, err
		}
		op, err := view.Operator(p.OperatorID)
		if err != nil {
			return nil, err
		}
		if op == nil || op.Status != OperatorActive {
			return nil, newValidationError(CodeValidationFailed, "operator %s not active", p.OperatorID)
		}
		shift := op.ShiftCovering(job.Zone, p.Window)
		if shift == nil {
			return nil, newValidationError(CodeValidationFailed, "operator %s has no shift covering zone %s in window", p.OperatorID, job.Zone)
		}
		used, err := view.OperatorCoverageCount(p.OperatorID, p.Window)
		if err != nil {
			return nil, err
		}
		if used >= shift.MaxConcurrent {
			return nil, newValidationError(CodeOperatorCoverageExhausted, "operator %s at max concurrent coverage %d", p.OperatorID, shift.MaxConcurrent)
		}

	case EvEvidenceCaptured:
		var p EvidenceCapturedPayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, err
		}
		if !EvidenceContentTypeAllowed(p.ContentType) {
			return nil, newValidationError(CodeEvidenceContentTypeForbid, "content type %s not allowed", p.ContentType)
		}
		if p.SizeBytes <= 0 || p.SizeBytes > settings.EvidenceMaxSizeBytes {
			return nil, newValidationError(CodeEvidenceTooLarge, "evidence size %d outside (0, %d]", p.SizeBytes, settings.EvidenceMaxSizeBytes)
		}
		if isVideoContentType(p.ContentType) {
			if settings.EvidencePrivacyMode == PrivacyMinimal && p.Severity < 4 {
				return nil, newValidationError(CodeEvidenceContentTypeForbid, "video capture under minimal privacy requires incident severity >= 4")
			}
			if job.VideoCount >= settings.VideoQuotaPerJob {
				return nil, newValidationError(CodeEvidenceQuotaExceeded, "video quota %d reached for job", settings.VideoQuotaPerJob)
			}
		}

	case EvJobSettled:
		var p JobSettledPayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, err
		}
		wantHold := DeriveHoldID(job.CompletionChainHash, job.CustomerPolicyHash)
		if p.HoldID != wantHold {
			return nil, newValidationError(CodeValidationFailed, "holdId %s does not derive from completion", p.HoldID)
		}
		if p.Basis != BasisAccrual && p.Basis != BasisCash {
			return nil, newValidationError(CodeValidationFailed, "invalid settlement basis %s", p.Basis)
		}
		// Forfeited escrow already moved back to the payer; the closing
		// settlement cannot release anything, in any gate mode.
		if job.HoldForfeited && (p.ReleaseRatePct != 0 || p.AmountCents != 0) {
			return nil, newValidationError(CodeValidationFailed, "forfeited hold settles at zero release")
		}
		closed, err := view.MonthClosed(monthOf(e.At), p.Basis)
		if err != nil {
			return nil, err
		}
		if closed {
			return nil, newValidationError(CodeMonthClosed, "accounting month %s (%s) is closed", monthOf(e.At), p.Basis)
		}
		if err := validateSettlementProof(job, prior, p, settings, factsHash, res); err != nil {
			return nil, err
		}

	case EvSettlementForfeit:
		var p SettlementForfeitPayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, err
		}
		wantHold := DeriveHoldID(job.CompletionChainHash, job.CustomerPolicyHash)
		if p.HoldID != wantHold {
			return nil, newValidationError(CodeValidationFailed, "forfeit holdId %s does not derive from completion", p.HoldID)
		}
		if e.Signature == "" {
			return nil, newValidationError(CodeSignatureRequired, "SETTLEMENT_FORFEITED must be signed")
		}

	case EvClaimApproved:
		var p ClaimDecisionPayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, err
		}
		claim := job.Claims[p.ClaimID]
		if claim == nil {
			return nil, newValidationError(CodeValidationFailed, "claim %s not found", p.ClaimID)
		}
		amount := p.AmountCents
		if amount == 0 {
			amount = claim.AmountCents
		}
		if amount > claim.AmountCents {
			return nil, newValidationError(CodeClaimThresholdExceeded, "approval %d exceeds claimed %d", amount, claim.AmountCents)
		}
		if amount > settings.ClaimAutoApproveCents && e.Actor.Type != events.ActorOps && e.Actor.Type != events.ActorFinance {
			return nil, newValidationError(CodeClaimThresholdExceeded, "approval %d above auto-approve threshold %d requires ops or finance", amount, settings.ClaimAutoApproveCents)
		}

	case EvRiskScored:
		var p RiskScoredPayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, err
		}
		if !containsEventID(prior, p.SourceEventID) {
			return nil, newValidationError(CodeRiskFeatureMismatch, "sourceEventId %s not in stream", p.SourceEventID)
		}
		wantFeatures := ComputeRiskFeatures(prior)
		if !floatMapsEqual(p.Features, wantFeatures) {
			return nil, newValidationError(CodeRiskFeatureMismatch, "risk features do not match stream recomputation")
		}
		wantHash, err := canonicalize.CanonicalHash(wantFeatures)
		if err != nil {
			return nil, err
		}
		if p.FeaturesHash != wantHash {
			return nil, newValidationError(CodeRiskFeatureMismatch, "featuresHash does not match features")
		}
		if p.Score != ScoreRiskFeatures(wantFeatures) {
			return nil, newValidationError(CodeRiskFeatureMismatch, "score does not match deterministic scoring")
		}
	}

	return res, nil
}

func validateSettlementProof(job *Job, prior []events.Event, p JobSettledPayload, settings PolicySettings, factsHash FactsHasher, res *JobValidationResult) error {
	mode := settings.SettlementGateMode
	if mode == GateModeNone {
		return nil
	}

	check := func() error {
		pe := job.LastProofEval
		if pe == nil {
			return newValidationError(CodeProofRequired, "settlement requires a proof evaluation")
		}
		if pe.CustomerPolicyHash != job.CustomerPolicyHash {
			return newValidationError(CodeProofStale, "proof evaluated against different customer policy")
		}
		if job.FactsChangeVersion > job.ProofEvalVersion {
			return newValidationError(CodeProofStale, "verification facts changed after proof evaluation")
		}
		if factsHash != nil {
			recomputed, err := factsHash(prior, job.CompletionChainHash)
			if err != nil {
				return err
			}
			if recomputed != pe.FactsHash {
				return newValidationError(CodeProofStale, "proof factsHash does not match stream recomputation")
			}
		}
		if p.SettlementProofRef == nil {
			return newValidationError(CodeSettlementProofRefRequired, "settlement payload missing settlementProofRef")
		}
		ref := *p.SettlementProofRef
		if ref.EvaluatedAtChainHash != pe.EvaluatedAtChainHash || ref.CustomerPolicyHash != pe.CustomerPolicyHash || ref.FactsHash != pe.FactsHash {
			return newValidationError(CodeSettlementProofRefRequired, "settlementProofRef does not match the proof evaluation")
		}
		if pe.Verdict != ProofVerdictSufficient && !job.HoldForfeited {
			// An insufficient proof can only settle once the hold was
			// forfeited by a signed decision.
			return newValidationError(CodeProofInsufficient, "proof verdict %s without a hold forfeit", pe.Verdict)
		}
		return nil
	}

	err := check()
	if err == nil {
		return nil
	}
	if mode == GateModeWarn {
		res.Warnings = append(res.Warnings, err.Error())
		return nil
	}
	return err
}

// ValidateRunDisputeOpen enforces the dispute window on resolved settlements.
func ValidateRunDisputeOpen(run *AgentRun, at string, settings PolicySettings) error {
	if !run.SettlementResolved {
		return nil
	}
	resolvedAt, err := events.ParseTime(run.SettlementResolvedAt)
	if err != nil {
		return err
	}
	openAt, err := events.ParseTime(at)
	if err != nil {
		return err
	}
	deadline := resolvedAt.Add(time.Duration(settings.DisputeWindowDays) * 24 * time.Hour)
	if openAt.After(deadline) {
		return newValidationError(CodeValidationFailed, "dispute window of %d days elapsed", settings.DisputeWindowDays)
	}
	return nil
}

// monthOf extracts YYYY-MM from a wire timestamp.
func monthOf(at string) string {
	if len(at) < 7 {
		return at
	}
	return at[:7]
}

func containsEventID(evs []events.Event, id string) bool {
	for i := range evs {
		if evs[i].ID == id {
			return true
		}
	}
	return false
}

func floatMapsEqual(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// ComputeRiskFeatures derives the deterministic feature vector for risk
// scoring from a job stream. Heavier models stay out of the ledger; anything
// scored here must be recomputable by any verifier.
func ComputeRiskFeatures(evs []events.Event) map[string]float64 {
	features := map[string]float64{
		"telemetryCount": 0,
		"incidentCount":  0,
		"maxSeverity":    0,
		"stallCount":     0,
		"assistCount":    0,
	}
	for i := range evs {
		switch evs[i].Type {
		case EvTelemetryReceived:
			features["telemetryCount"]++
		case EvIncidentReported:
			features["incidentCount"]++
			var p IncidentPayload
			if err := evs[i].DecodePayload(&p); err == nil && float64(p.Severity) > features["maxSeverity"] {
				features["maxSeverity"] = float64(p.Severity)
			}
		case EvExecutionStalled:
			features["stallCount"]++
		case EvAssistRequested:
			features["assistCount"]++
		}
	}
	return features
}

// ScoreRiskFeatures maps a feature vector to a 0-100 risk score.
func ScoreRiskFeatures(features map[string]float64) int {
	score := features["incidentCount"]*10 + features["maxSeverity"]*8 + features["stallCount"]*6 + features["assistCount"]*4
	if score > 100 {
		score = 100
	}
	return int(score)
}
