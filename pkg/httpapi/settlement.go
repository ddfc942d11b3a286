package httpapi

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

// settlementParty reports whether an agent principal is payer or payee on
// a settlement.
func settlementParty(r *http.Request, s *escrow.Settlement) bool {
	p := auth.PrincipalFrom(r.Context())
	if p == nil || p.Kind != auth.KindAgent {
		return true
	}
	return p.ID == s.PayerAgentID || p.ID == s.PayeeAgentID
}

// settlementPolicy resolves the policy document a settlement was locked
// under, falling back to the built-in default.
func (s *Server) settlementPolicy(r *http.Request, settlement *escrow.Settlement) (escrow.SettlementPolicy, error) {
	row, err := s.store.TenantSettlementPolicy(r.Context(), settlement.TenantID, settlement.PolicyID)
	if err == nil {
		return row.Policy, nil
	}
	if err == store.ErrNotFound {
		return escrow.DefaultSettlementPolicy(), nil
	}
	return escrow.SettlementPolicy{}, err
}

// payeeWallet loads or creates the payee side of a release.
func (s *Server) payeeWallet(r *http.Request, tenantID, agentID, currency string) (*escrow.Wallet, error) {
	w, err := s.store.Wallet(r.Context(), tenantID, agentID)
	if err == store.ErrNotFound {
		return escrow.NewWallet(tenantID, agentID, currency), nil
	}
	return w, err
}

// handleRunResolve evaluates the settlement policy for a terminal run and
// moves the escrowed amount. A releaseRatePct in the body is a manual
// resolution and bypasses the auto-resolve gate; without it, decisions the
// policy cannot auto-resolve park the settlement in manual review.
func (s *Server) handleRunResolve(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req struct {
		ReleaseRatePct *int `json:"releaseRatePct"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, run, err := s.runState(ctx, tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	settlement, err := s.store.RunSettlement(ctx, tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if settlement.Resolved() {
		writeError(w, http.StatusConflict, domain.CodeValidationFailed,
			"settlement for run "+runID+" is already "+settlement.Status)
		return
	}
	if !run.Terminal() {
		writeError(w, http.StatusConflict, domain.CodeValidationFailed,
			"run "+runID+" is "+run.Status+", settlement needs a terminal run")
		return
	}

	policy, err := s.settlementPolicy(r, settlement)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	now := s.now()

	var decision escrow.PolicyDecision
	mode := "auto"
	decisionStatus := escrow.DecisionAutoResolved
	switch {
	case req.ReleaseRatePct != nil:
		rate := *req.ReleaseRatePct
		if rate < 0 || rate > 100 {
			writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
				"releaseRatePct must be between 0 and 100")
			return
		}
		release, refund := escrow.SplitByRate(settlement.AmountCents, rate)
		decision = escrow.PolicyDecision{
			ShouldAutoResolve:  true,
			ReleaseRatePct:     rate,
			ReleaseAmountCents: release,
			RefundAmountCents:  refund,
			ReasonCodes:        []string{escrow.DecisionManualResolved},
		}
		if release == 0 {
			decision.SettlementStatus = escrow.SettlementRefunded
		} else {
			decision.SettlementStatus = escrow.SettlementReleased
		}
		mode = "manual"
		decisionStatus = escrow.DecisionManualResolved

	case run.CancelledAt != "":
		// A cancelled agreement settles at the kill fee.
		release, refund := escrow.SplitByRate(settlement.AmountCents, run.KillFeeRatePct)
		decision = escrow.PolicyDecision{
			ShouldAutoResolve:  true,
			ReleaseRatePct:     run.KillFeeRatePct,
			ReleaseAmountCents: release,
			RefundAmountCents:  refund,
			ReasonCodes:        []string{escrow.ReasonKillFee},
		}
		if release == 0 {
			decision.SettlementStatus = escrow.SettlementRefunded
		} else {
			decision.SettlementStatus = escrow.SettlementReleased
		}

	default:
		status := run.VerificationStatus
		if run.Status == domain.RunFailed {
			status = escrow.VerificationRed
		}
		if status == "" {
			writeError(w, http.StatusConflict, domain.CodeValidationFailed,
				"run "+runID+" completed without a verification status")
			return
		}
		runStatus := "completed"
		if run.Status == domain.RunFailed {
			runStatus = "failed"
		}
		decision, err = escrow.EvaluateSettlementPolicy(policy, run.VerificationMethod, status,
			runStatus, settlement.AmountCents)
		if err != nil {
			WriteFromError(w, s.log, err)
			return
		}
	}

	windowDays := policy.DisputeWindowDays
	if windowDays == 0 {
		_, settings, serr := s.tenantView(ctx, tenantID)
		if serr != nil {
			WriteFromError(w, s.log, serr)
			return
		}
		windowDays = settings.DisputeWindowDays
	}

	if !decision.ShouldAutoResolve {
		if err := settlement.Resolve(decision, escrow.DecisionAutoResolved, "", windowDays, now); err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		if err := s.store.CommitTx(ctx, tenantID, []store.Op{store.UpsertRunSettlement(settlement)}); err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"settlement": settlement})
		return
	}

	payer, err := s.store.Wallet(ctx, tenantID, settlement.PayerAgentID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	payee, err := s.payeeWallet(r, tenantID, settlement.PayeeAgentID, settlement.Currency)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if decision.ReleaseAmountCents > 0 {
		if err := escrow.ReleaseEscrowToPayee(payer, payee, decision.ReleaseAmountCents, now); err != nil {
			WriteFromError(w, s.log, err)
			return
		}
	}
	if decision.RefundAmountCents > 0 {
		if err := escrow.RefundEscrow(payer, decision.RefundAmountCents, now); err != nil {
			WriteFromError(w, s.log, err)
			return
		}
	}

	e, err := events.New(events.StreamID(domain.AggregateAgentRun, runID), domain.EvRunSettlementResolved,
		requestActor(r, events.ActorFinance),
		domain.RunSettlementResolvedPayload{
			Mode:               mode,
			SettlementStatus:   decision.SettlementStatus,
			ReleaseAmountCents: decision.ReleaseAmountCents,
			RefundAmountCents:  decision.RefundAmountCents,
			ReasonCodes:        decision.ReasonCodes,
		}, events.HeadHash(prior), now)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.serverSign(tenantID, &e); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	staged := append(append([]events.Event(nil), prior...), e)
	run, err = domain.ReduceAgentRun(staged)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := settlement.Resolve(decision, decisionStatus, e.ID, windowDays, now); err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	op, err := store.AppendAgentRunEvents(e)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	ops := []store.Op{op,
		store.UpsertWallet(payer),
		store.UpsertWallet(payee),
		store.UpsertRunSettlement(settlement),
	}
	if err := s.store.CommitTx(ctx, tenantID, ops); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateAgentRun).Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"run":        run,
		"settlement": settlement,
	})
}

func (s *Server) handleRunSettlementGet(w http.ResponseWriter, r *http.Request) {
	settlement, err := s.store.RunSettlement(r.Context(), s.tenantID(r), r.PathValue("id"))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if !settlementParty(r, settlement) {
		writeError(w, http.StatusForbidden, CodeForbidden, "agent is not a party to this settlement")
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

// runAppend commits one server-built event to a run stream together with
// any extra ops.
func (s *Server) runAppend(w http.ResponseWriter, r *http.Request, tenantID string,
	prior []events.Event, e events.Event, extra ...store.Op) (*domain.AgentRun, bool) {

	staged := append(append([]events.Event(nil), prior...), e)
	run, err := domain.ReduceAgentRun(staged)
	if err != nil {
		WriteFromError(w, s.log, err)
		return nil, false
	}
	op, err := store.AppendAgentRunEvents(e)
	if err != nil {
		WriteFromError(w, s.log, err)
		return nil, false
	}
	if err := s.store.CommitTx(r.Context(), tenantID, append([]store.Op{op}, extra...)); err != nil {
		WriteFromError(w, s.log, err)
		return nil, false
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateAgentRun).Inc()
	return run, true
}

func (s *Server) handleRunDisputeOpen(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req struct {
		DisputeID    string   `json:"disputeId"`
		Reason       string   `json:"reason"`
		EvidenceRefs []string `json:"evidenceRefs"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "reason is required")
		return
	}
	if req.DisputeID == "" {
		req.DisputeID = "dsp_" + uuid.NewString()
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, run, err := s.runState(ctx, tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	settlement, err := s.store.RunSettlement(ctx, tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if !settlementParty(r, settlement) {
		writeError(w, http.StatusForbidden, CodeForbidden, "only payer or payee may dispute")
		return
	}
	_, settings, err := s.tenantView(ctx, tenantID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	now := s.now()
	if err := domain.ValidateRunDisputeOpen(run, events.FormatTime(now), settings); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := settlement.OpenDispute(req.DisputeID, now); err != nil {
		writeError(w, http.StatusConflict, domain.CodeValidationFailed, err.Error())
		return
	}

	e, err := events.New(events.StreamID(domain.AggregateAgentRun, runID), domain.EvRunDisputeOpened,
		requestActor(r, events.ActorOps),
		domain.RunDisputeOpenedPayload{
			DisputeID:    req.DisputeID,
			Reason:       req.Reason,
			EvidenceRefs: req.EvidenceRefs,
		}, events.HeadHash(prior), now)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	run, ok := s.runAppend(w, r, tenantID, prior, e, store.UpsertRunSettlement(settlement))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "settlement": settlement})
}

func (s *Server) handleRunDisputeEvidence(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req struct {
		EvidenceRef string `json:"evidenceRef"`
		Note        string `json:"note"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.EvidenceRef == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "evidenceRef is required")
		return
	}
	tenantID := s.tenantID(r)

	prior, run, err := s.runState(r.Context(), tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if run.Dispute == nil || run.Dispute.Status == "closed" {
		writeError(w, http.StatusConflict, domain.CodeValidationFailed, "run has no open dispute")
		return
	}
	e, err := events.New(events.StreamID(domain.AggregateAgentRun, runID), domain.EvRunDisputeEvidence,
		requestActor(r, events.ActorOps),
		domain.RunDisputeEvidencePayload{
			DisputeID:   run.Dispute.DisputeID,
			EvidenceRef: req.EvidenceRef,
			Note:        req.Note,
		}, events.HeadHash(prior), s.now())
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	run, ok := s.runAppend(w, r, tenantID, prior, e)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunDisputeEscalate(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req struct {
		ArbiterAgentID string `json:"arbiterAgentId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.ArbiterAgentID == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "arbiterAgentId is required")
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, run, err := s.runState(ctx, tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if run.Dispute == nil || run.Dispute.Status != "open" {
		writeError(w, http.StatusConflict, domain.CodeValidationFailed, "escalation requires an open dispute")
		return
	}
	settlement, err := s.store.RunSettlement(ctx, tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	now := s.now()
	if err := settlement.Escalate(now); err != nil {
		writeError(w, http.StatusConflict, domain.CodeValidationFailed, err.Error())
		return
	}
	e, err := events.New(events.StreamID(domain.AggregateAgentRun, runID), domain.EvRunDisputeEscalated,
		requestActor(r, events.ActorOps),
		domain.RunDisputeEscalatedPayload{
			DisputeID:      run.Dispute.DisputeID,
			ArbiterAgentID: req.ArbiterAgentID,
		}, events.HeadHash(prior), now)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	run, ok := s.runAppend(w, r, tenantID, prior, e, store.UpsertRunSettlement(settlement))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "settlement": settlement})
}

// handleRunDisputeClose applies an arbiter-signed verdict: the signature is
// checked against the arbiter's registered key, the verdict document is
// sealed as an artifact, and wallets move to match the verdict's split.
func (s *Server) handleRunDisputeClose(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req struct {
		Verdict *escrow.Verdict `json:"verdict"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Verdict == nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "verdict is required")
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, run, err := s.runState(ctx, tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if run.Dispute == nil || run.Dispute.Status == "closed" {
		writeError(w, http.StatusConflict, domain.CodeValidationFailed, "run has no open dispute")
		return
	}
	settlement, err := s.store.RunSettlement(ctx, tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	v := req.Verdict
	if v.Core.RunID != runID || v.Core.DisputeID != run.Dispute.DisputeID {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"verdict does not reference this run's dispute")
		return
	}
	if run.Dispute.Status == "escalated" && v.Core.ArbiterAgentID != run.Dispute.ArbiterAgentID {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"verdict arbiter "+v.Core.ArbiterAgentID+" is not the assigned arbiter")
		return
	}
	arbiterKey, err := s.store.PublicKeyByID(ctx, tenantID, v.SignerKeyID)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusBadRequest, domain.CodeUnknownSignerKey,
				"verdict signer key "+v.SignerKeyID+" is not registered")
			return
		}
		WriteFromError(w, s.log, err)
		return
	}
	if arbiterKey.Revoked || arbiterKey.AgentID != v.Core.ArbiterAgentID {
		writeError(w, http.StatusBadRequest, domain.CodeSignatureInvalid,
			"verdict signer key does not belong to the arbiter")
		return
	}
	if err := escrow.VerifyVerdict(v, arbiterKey.PublicKey); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeSignatureInvalid, err.Error())
		return
	}
	verdictHash, err := v.Core.Hash()
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	now := s.now()

	// Seal the verdict document before the closing event references it.
	var artifactID string
	if s.blobs != nil && s.keyring != nil {
		signer, err := s.keyring.TenantSigner(tenantID)
		if err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		env, err := artifacts.BuildDisputeVerdict(tenantID, v, arbiterKey.PublicKey, prior[len(prior)-1], now)
		if err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		ref, err := artifacts.NewRegistry(s.blobs, signer).Put(ctx, env)
		if err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		if err := s.store.PutArtifact(ctx, &store.ArtifactRow{
			TenantID:     tenantID,
			ArtifactID:   env.ArtifactID,
			ArtifactType: env.ArtifactType,
			ArtifactHash: env.ArtifactHash,
			Ref:          ref,
			JobID:        runID,
			CreatedAt:    env.CreatedAt,
		}); err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		artifactID = env.ArtifactID
	}

	release, refund := escrow.SplitByRate(settlement.AmountCents, v.Core.ReleaseRatePct)
	payer, err := s.store.Wallet(ctx, tenantID, settlement.PayerAgentID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	payee, err := s.payeeWallet(r, tenantID, settlement.PayeeAgentID, settlement.Currency)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if settlement.Status == escrow.SettlementLocked {
		// Escrow never moved; apply the verdict split directly.
		if release > 0 {
			if err := escrow.ReleaseEscrowToPayee(payer, payee, release, now); err != nil {
				WriteFromError(w, s.log, err)
				return
			}
		}
		if refund > 0 {
			if err := escrow.RefundEscrow(payer, refund, now); err != nil {
				WriteFromError(w, s.log, err)
				return
			}
		}
	} else {
		// Money already moved at resolution; shift the difference between
		// available balances through a transient escrow hold.
		payeeDelta, payerDelta := settlement.VerdictDelta(release)
		if payeeDelta > 0 {
			if err := escrow.LockEscrow(payer, payeeDelta, now); err != nil {
				WriteFromError(w, s.log, err)
				return
			}
			if err := escrow.ReleaseEscrowToPayee(payer, payee, payeeDelta, now); err != nil {
				WriteFromError(w, s.log, err)
				return
			}
		}
		if payerDelta > 0 {
			if err := escrow.LockEscrow(payee, payerDelta, now); err != nil {
				WriteFromError(w, s.log, fmt.Errorf("verdict clawback: %w", err))
				return
			}
			if err := escrow.ReleaseEscrowToPayee(payee, payer, payerDelta, now); err != nil {
				WriteFromError(w, s.log, err)
				return
			}
		}
	}
	if err := settlement.CloseDispute(artifactID, release, refund, now); err != nil {
		writeError(w, http.StatusConflict, domain.CodeValidationFailed, err.Error())
		return
	}

	e, err := events.New(events.StreamID(domain.AggregateAgentRun, runID), domain.EvRunDisputeClosed,
		requestActor(r, events.ActorFinance),
		domain.RunDisputeClosedPayload{
			DisputeID:         run.Dispute.DisputeID,
			ReleaseRatePct:    v.Core.ReleaseRatePct,
			VerdictArtifactID: artifactID,
			VerdictHash:       verdictHash,
		}, events.HeadHash(prior), now)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.serverSign(tenantID, &e); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	run, ok := s.runAppend(w, r, tenantID, prior, e,
		store.UpsertWallet(payer), store.UpsertWallet(payee), store.UpsertRunSettlement(settlement))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "settlement": settlement})
}

// handleRunChangeOrder renegotiates the agreed amount mid-run and adjusts
// the escrow hold to match.
func (s *Server) handleRunChangeOrder(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req struct {
		NewAmountCents int64  `json:"newAmountCents"`
		Reason         string `json:"reason"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.NewAmountCents <= 0 {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "newAmountCents must be positive")
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, _, err := s.runState(ctx, tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	settlement, err := s.store.RunSettlement(ctx, tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if !settlementParty(r, settlement) {
		writeError(w, http.StatusForbidden, CodeForbidden, "only payer or payee may change the order")
		return
	}
	if settlement.Resolved() {
		writeError(w, http.StatusConflict, domain.CodeValidationFailed, "settlement already resolved")
		return
	}
	now := s.now()

	payer, err := s.store.Wallet(ctx, tenantID, settlement.PayerAgentID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	switch {
	case req.NewAmountCents > settlement.AmountCents:
		if err := escrow.LockEscrow(payer, req.NewAmountCents-settlement.AmountCents, now); err != nil {
			WriteFromError(w, s.log, err)
			return
		}
	case req.NewAmountCents < settlement.AmountCents:
		if err := escrow.RefundEscrow(payer, settlement.AmountCents-req.NewAmountCents, now); err != nil {
			WriteFromError(w, s.log, err)
			return
		}
	}
	settlement.AmountCents = req.NewAmountCents
	settlement.Revision++
	settlement.UpdatedAt = events.FormatTime(now)

	e, err := events.New(events.StreamID(domain.AggregateAgentRun, runID), domain.EvRunChangeOrdered,
		requestActor(r, events.ActorOps),
		domain.RunChangeOrderPayload{NewAmountCents: req.NewAmountCents, Reason: req.Reason},
		events.HeadHash(prior), now)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	run, ok := s.runAppend(w, r, tenantID, prior, e,
		store.UpsertWallet(payer), store.UpsertRunSettlement(settlement))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "settlement": settlement})
}

// handleRunAgreementCancel records a kill-fee cancellation. The run fails
// closed; the follow-up settlement resolve splits escrow at the kill fee.
func (s *Server) handleRunAgreementCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req struct {
		KillFeeRatePct int    `json:"killFeeRatePct"`
		Reason         string `json:"reason"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.KillFeeRatePct < 0 || req.KillFeeRatePct > 100 {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"killFeeRatePct must be between 0 and 100")
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, _, err := s.runState(ctx, tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	settlement, err := s.store.RunSettlement(ctx, tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if !settlementParty(r, settlement) {
		writeError(w, http.StatusForbidden, CodeForbidden, "only payer or payee may cancel")
		return
	}
	e, err := events.New(events.StreamID(domain.AggregateAgentRun, runID), domain.EvRunCancelled,
		requestActor(r, events.ActorOps),
		domain.RunCancelledPayload{KillFeeRatePct: req.KillFeeRatePct, Reason: req.Reason},
		events.HeadHash(prior), s.now())
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	run, ok := s.runAppend(w, r, tenantID, prior, e)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "settlement": settlement})
}
