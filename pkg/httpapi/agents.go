package httpapi

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/quota"
	"github.com/settld-labs/settld/pkg/store"
)

// handleAgentRegister stores an agent's request-signing key. Agents sign
// every API call with this key; registration itself rides the ops token.
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string `json:"agentId"`
		KeyID     string `json:"keyId"`
		PublicKey string `json:"publicKey"`
		Algo      string `json:"algo"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.KeyID == "" || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"agentId, keyId, and publicKey are required")
		return
	}
	if req.Algo == "" {
		req.Algo = "ed25519"
	}
	tenantID := s.tenantID(r)
	key := &store.PublicKey{
		TenantID:  tenantID,
		AgentID:   req.AgentID,
		KeyID:     req.KeyID,
		PublicKey: req.PublicKey,
		Algo:      req.Algo,
		CreatedAt: events.FormatTime(s.now()),
	}
	if err := s.store.CommitTx(r.Context(), tenantID, []store.Op{store.PutPublicKey(key)}); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleWalletCredit(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var req struct {
		AmountCents int64  `json:"amountCents"`
		Currency    string `json:"currency"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Currency == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "currency is required")
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	wallet, err := s.store.Wallet(ctx, tenantID, agentID)
	if err != nil {
		if err != store.ErrNotFound {
			WriteFromError(w, s.log, err)
			return
		}
		wallet = escrow.NewWallet(tenantID, agentID, req.Currency)
	}
	if wallet.Currency != req.Currency {
		WriteFromError(w, s.log, fmt.Errorf("%w: wallet holds %s, credit in %s",
			escrow.ErrCurrencyMismatch, wallet.Currency, req.Currency))
		return
	}
	if err := escrow.Credit(wallet, req.AmountCents, s.now()); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.store.CommitTx(ctx, tenantID, []store.Op{store.UpsertWallet(wallet)}); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleWalletGet(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if !requireAgentSelf(w, r, agentID) {
		return
	}
	wallet, err := s.store.Wallet(r.Context(), s.tenantID(r), agentID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// handleRunCreate opens an agent run under the payee agent's stream and
// locks the payer's escrow in the same transaction. Agent-signed callers
// may only spend their own wallet.
func (s *Server) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var req struct {
		RunID        string `json:"runId"`
		TaskID       string `json:"taskId"`
		PayerAgentID string `json:"payerAgentId"`
		PayeeAgentID string `json:"payeeAgentId"`
		AmountCents  int64  `json:"amountCents"`
		Currency     string `json:"currency"`
		PolicyID     string `json:"policyId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	p := auth.PrincipalFrom(r.Context())
	if req.PayerAgentID == "" && p != nil && p.Kind == auth.KindAgent {
		req.PayerAgentID = p.ID
	}
	if req.PayeeAgentID == "" {
		req.PayeeAgentID = agentID
	}
	if req.PayerAgentID == "" || req.AmountCents <= 0 || req.Currency == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"payerAgentId, positive amountCents, and currency are required")
		return
	}
	if p != nil && p.Kind == auth.KindAgent && p.ID != req.PayerAgentID {
		writeError(w, http.StatusForbidden, CodeForbidden, "agent may only lock its own funds")
		return
	}
	if req.RunID == "" {
		req.RunID = "run_" + uuid.NewString()
	}
	if req.PolicyID == "" {
		req.PolicyID = escrow.DefaultSettlementPolicy().PolicyID
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	if err := s.quotas.Check(ctx, tenantID, quota.EventAgentRun, 1); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	prior, err := s.store.Events(ctx, tenantID, events.StreamID(domain.AggregateAgentRun, req.RunID))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	payer, err := s.store.Wallet(ctx, tenantID, req.PayerAgentID)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusConflict, CodeInsufficientFunds,
				"payer "+req.PayerAgentID+" has no wallet")
			return
		}
		WriteFromError(w, s.log, err)
		return
	}
	if payer.Currency != req.Currency {
		WriteFromError(w, s.log, fmt.Errorf("%w: wallet holds %s, run pays %s",
			escrow.ErrCurrencyMismatch, payer.Currency, req.Currency))
		return
	}
	now := s.now()
	if err := escrow.LockEscrow(payer, req.AmountCents, now); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	settlement := escrow.NewLockedSettlement(tenantID, req.RunID,
		req.PayerAgentID, req.PayeeAgentID, req.Currency, req.PolicyID, req.AmountCents, now)

	e, err := events.New(events.StreamID(domain.AggregateAgentRun, req.RunID), domain.EvAgentRunCreated,
		requestActor(r, events.ActorOps),
		domain.AgentRunCreatedPayload{
			RunID:        req.RunID,
			AgentID:      agentID,
			TaskID:       req.TaskID,
			PayerAgentID: req.PayerAgentID,
			PayeeAgentID: req.PayeeAgentID,
			AmountCents:  req.AmountCents,
			Currency:     req.Currency,
			PolicyID:     req.PolicyID,
		}, events.HeadHash(prior), now)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	run, err := domain.ReduceAgentRun(append(append([]events.Event(nil), prior...), e))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	op, err := store.AppendAgentRunEvents(e)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	ops := []store.Op{op, store.UpsertWallet(payer), store.UpsertRunSettlement(settlement)}
	if err := s.store.CommitTx(ctx, tenantID, ops); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateAgentRun).Inc()
	if err := s.quotas.Count(ctx, tenantID, quota.EventAgentRun, 1); err != nil {
		s.log.Warn("quota count failed", "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"run":        run,
		"settlement": settlement,
	})
}

// runParty reports whether an agent principal is allowed to see a run.
// Bearer principals passed the scope check already.
func runParty(r *http.Request, run *domain.AgentRun) bool {
	p := auth.PrincipalFrom(r.Context())
	if p == nil || p.Kind != auth.KindAgent {
		return true
	}
	return p.ID == run.AgentID || p.ID == run.PayerAgentID || p.ID == run.PayeeAgentID
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenantID(r)
	_, run, err := s.runState(r.Context(), tenantID, r.PathValue("runId"))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if run.AgentID != r.PathValue("id") {
		WriteFromError(w, s.log, store.ErrNotFound)
		return
	}
	if !runParty(r, run) {
		writeError(w, http.StatusForbidden, CodeForbidden, "agent is not a party to this run")
		return
	}
	resp := map[string]any{"run": run}
	if settlement, err := s.store.RunSettlement(r.Context(), tenantID, run.ID); err == nil {
		resp["settlement"] = settlement
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRunEventsAppend accepts externally signed run lifecycle events from
// the agent that owns the run.
func (s *Server) handleRunEventsAppend(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	runID := r.PathValue("runId")
	var req struct {
		Events []events.Event `json:"events"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "events must not be empty")
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, run, err := s.runState(ctx, tenantID, runID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if run.AgentID != agentID {
		WriteFromError(w, s.log, store.ErrNotFound)
		return
	}
	if !requireAgentSelf(w, r, agentID) {
		return
	}
	if !requireHead(w, r, prior) {
		return
	}
	if err := s.quotas.Check(ctx, tenantID, quota.EventIngest, int64(len(req.Events))); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	dir, err := s.signerDirectory(ctx, tenantID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	streamID := events.StreamID(domain.AggregateAgentRun, runID)
	evs := append([]events.Event(nil), prior...)
	for i := range req.Events {
		e := req.Events[i]
		if e.StreamID != streamID {
			writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
				"event streamId must be "+streamID)
			return
		}
		if cerr := events.VerifyEvent(e, events.HeadHash(evs), len(evs)); cerr != nil {
			WriteFromError(w, s.log, cerr)
			return
		}
		if err := domain.VerifySignaturePolicy(e, dir); err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		evs = append(evs, e)
	}
	if _, err := domain.ReduceAgentRun(evs); err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	op, err := store.AppendAgentRunEvents(evs[len(prior):]...)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.store.CommitTx(ctx, tenantID, []store.Op{op}); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateAgentRun).Add(float64(len(req.Events)))
	if err := s.quotas.Count(ctx, tenantID, quota.EventIngest, int64(len(req.Events))); err != nil {
		s.log.Warn("quota count failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"appended":  len(req.Events),
		"chainHash": headValue(evs),
	})
}
