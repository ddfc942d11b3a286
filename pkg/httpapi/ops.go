package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/audit"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/proofs"
	"github.com/settld-labs/settld/pkg/store"
)

func (s *Server) handleMaintenanceRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxRows int `json:"maxRows"`
	}
	if r.ContentLength != 0 && !readJSON(w, r, &req) {
		return
	}
	if req.MaxRows <= 0 {
		req.MaxRows = 1000
	}
	if s.retention == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "maintenance is not configured")
		return
	}
	purged, err := s.retention.Run(r.Context(), req.MaxRows)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	tenantID := s.tenantID(r)
	row := s.audit.Row(r.Context(), tenantID, audit.ActionMaintenanceRun, "maintenance",
		map[string]any{"purged": purged})
	if err := s.store.CommitTx(r.Context(), tenantID, nil, row); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

func (s *Server) handleOutboxDepth(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	d, err := s.store.OutboxDepth(r.Context(), topic)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topic":   topic,
		"pending": d.Pending,
		"dead":    d.Dead,
	})
}

// contractCommand loads a contract, applies one lifecycle mutation, and
// commits the row with its audit trail.
func (s *Server) contractCommand(w http.ResponseWriter, r *http.Request, contractID string,
	mutate func(c *contracts.Contract) error) {

	tenantID := s.tenantID(r)
	ctx := r.Context()
	c, err := s.store.Contract(ctx, tenantID, contractID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := mutate(c); err != nil {
		if err == errHandled {
			return
		}
		WriteFromError(w, s.log, err)
		return
	}
	row := s.audit.Row(ctx, tenantID, audit.ActionContractPut, "contract:"+c.ContractID,
		map[string]any{"status": c.Status, "version": c.Version})
	if err := s.store.CommitTx(ctx, tenantID, []store.Op{store.UpsertContract(c)}, row); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleContractCreate drafts a new contract, or replaces the document of
// an existing draft with the same id.
func (s *Server) handleContractCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContractID      string            `json:"contractId"`
		Document        json.RawMessage   `json:"document"`
		RequiredSigners []contracts.Party `json:"requiredSigners"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Document) == 0 {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "document is required")
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()
	now := s.now()

	if req.ContractID != "" {
		existing, err := s.store.Contract(ctx, tenantID, req.ContractID)
		if err == nil {
			if uerr := existing.UpdateDraft(req.Document, now); uerr != nil {
				WriteFromError(w, s.log, uerr)
				return
			}
			row := s.audit.Row(ctx, tenantID, audit.ActionContractPut, "contract:"+existing.ContractID,
				map[string]any{"status": existing.Status, "version": existing.Version})
			if cerr := s.store.CommitTx(ctx, tenantID, []store.Op{store.UpsertContract(existing)}, row); cerr != nil {
				WriteFromError(w, s.log, cerr)
				return
			}
			writeJSON(w, http.StatusOK, existing)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			WriteFromError(w, s.log, err)
			return
		}
	} else {
		req.ContractID = "ctr_" + uuid.NewString()
	}

	c, err := contracts.NewDraft(tenantID, req.ContractID, req.Document, req.RequiredSigners, now)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	row := s.audit.Row(ctx, tenantID, audit.ActionContractPut, "contract:"+c.ContractID,
		map[string]any{"status": c.Status, "version": c.Version})
	if err := s.store.CommitTx(ctx, tenantID, []store.Op{store.UpsertContract(c)}, row); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleContractList(w http.ResponseWriter, r *http.Request) {
	cs, err := s.store.ListContracts(r.Context(), s.tenantID(r))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": cs})
}

func (s *Server) handleContractGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Contract(r.Context(), s.tenantID(r), r.PathValue("id"))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleContractPublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContractHash string `json:"contractHash"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.ContractHash == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "contractHash is required")
		return
	}
	s.contractCommand(w, r, r.PathValue("id"), func(c *contracts.Contract) error {
		return c.Publish(req.ContractHash, s.now())
	})
}

// handleContractSign collects one party signature. A body without a
// signature asks the server to sign as that party with the tenant key;
// external parties submit a signature made with their registered key.
func (s *Server) handleContractSign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PartyID   string `json:"partyId"`
		Role      string `json:"role"`
		KeyID     string `json:"keyId"`
		Signature string `json:"signature"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.PartyID == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "partyId and role are required")
		return
	}
	party := contracts.Party{PartyID: req.PartyID, Role: req.Role}
	s.contractCommand(w, r, r.PathValue("id"), func(c *contracts.Contract) error {
		now := s.now()
		if req.Signature == "" {
			signer, err := s.keyring.TenantSigner(c.TenantID)
			if err != nil {
				return err
			}
			return c.Sign(party, signer, now)
		}
		if req.KeyID == "" {
			writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
				"keyId is required with an external signature")
			return errHandled
		}
		pub, err := s.partySigningKey(r, c.TenantID, req.KeyID)
		if err != nil {
			return err
		}
		return c.AttachSignature(party, req.KeyID, req.Signature, pub, now)
	})
}

// partySigningKey resolves a contract party's public key from the signer
// key registry, falling back to agent auth keys.
func (s *Server) partySigningKey(r *http.Request, tenantID, keyID string) (string, error) {
	if k, err := s.store.SignerKeyByID(r.Context(), tenantID, keyID); err == nil {
		if k.Status != signerKeyActive {
			return "", &domain.ValidationError{CodeStr: domain.CodeUnknownSignerKey,
				Detail: "signer key " + keyID + " is revoked"}
		}
		return k.PublicKey, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	k, err := s.store.PublicKeyByID(r.Context(), tenantID, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", &domain.ValidationError{CodeStr: domain.CodeUnknownSignerKey,
				Detail: "key " + keyID + " is not registered"}
		}
		return "", err
	}
	if k.Revoked {
		return "", &domain.ValidationError{CodeStr: domain.CodeUnknownSignerKey,
			Detail: "key " + keyID + " is revoked"}
	}
	return k.PublicKey, nil
}

func (s *Server) handleContractActivate(w http.ResponseWriter, r *http.Request) {
	s.contractCommand(w, r, r.PathValue("id"), func(c *contracts.Contract) error {
		return c.Activate(s.compiler, s.now())
	})
}

func (s *Server) handleContractRetire(w http.ResponseWriter, r *http.Request) {
	s.contractCommand(w, r, r.PathValue("id"), func(c *contracts.Contract) error {
		return c.Retire(s.now())
	})
}

func (s *Server) handleSignerKeyRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeyID     string `json:"keyId"`
		PublicKey string `json:"publicKey"`
		Owner     string `json:"owner"`
		OwnerID   string `json:"ownerId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.KeyID == "" || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "keyId and publicKey are required")
		return
	}
	switch req.Owner {
	case "robot", "operator", "server":
	default:
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"owner must be robot, operator, or server")
		return
	}
	if req.Owner != "server" && req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"ownerId is required for robot and operator keys")
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	if existing, err := s.store.SignerKeyByID(ctx, tenantID, req.KeyID); err == nil {
		if existing.PublicKey == req.PublicKey && existing.Owner == req.Owner {
			writeJSON(w, http.StatusOK, existing)
			return
		}
		writeError(w, http.StatusConflict, store.CodeRevisionConflict,
			"key "+req.KeyID+" is already registered with different material")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		WriteFromError(w, s.log, err)
		return
	}

	k := &store.SignerKey{
		TenantID:     tenantID,
		KeyID:        req.KeyID,
		Owner:        req.Owner,
		OwnerID:      req.OwnerID,
		PublicKey:    req.PublicKey,
		Status:       signerKeyActive,
		RegisteredAt: events.FormatTime(s.now()),
	}
	row := s.audit.Row(ctx, tenantID, audit.ActionSignerKeyRegister, "signer_key:"+k.KeyID,
		map[string]any{"owner": k.Owner, "ownerId": k.OwnerID})
	if err := s.store.CommitTx(ctx, tenantID, []store.Op{store.UpsertSignerKey(k)}, row); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, k)
}

func (s *Server) handleSignerKeyList(w http.ResponseWriter, r *http.Request) {
	ks, err := s.store.ListSignerKeys(r.Context(), s.tenantID(r))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": ks})
}

func (s *Server) handleSignerKeyRevoke(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenantID(r)
	ctx := r.Context()
	k, err := s.store.SignerKeyByID(ctx, tenantID, r.PathValue("keyId"))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if k.Status == signerKeyRevoked {
		writeJSON(w, http.StatusOK, k)
		return
	}
	k.Status = signerKeyRevoked
	k.RevokedAt = events.FormatTime(s.now())
	row := s.audit.Row(ctx, tenantID, audit.ActionSignerKeyRevoke, "signer_key:"+k.KeyID, nil)
	if err := s.store.CommitTx(ctx, tenantID, []store.Op{store.UpsertSignerKey(k)}, row); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

func (s *Server) handleDeliveryList(w http.ResponseWriter, r *http.Request) {
	states := r.URL.Query()["state"]
	ds, err := s.store.ListDeliveries(r.Context(), s.tenantID(r), states...)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": ds})
}

func (s *Server) handleDeliveryRequeue(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenantID(r)
	ctx := r.Context()
	deliveryID := r.PathValue("id")
	if err := s.store.RequeueDelivery(ctx, tenantID, deliveryID); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	row := s.audit.Row(ctx, tenantID, audit.ActionDeliveryRequeue, "delivery:"+deliveryID, nil)
	if err := s.store.CommitTx(ctx, tenantID, nil, row); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	d, err := s.store.Delivery(ctx, tenantID, deliveryID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// monthState loads and reduces one month stream; an empty stream reduces
// to an open month.
func (s *Server) monthState(r *http.Request, month, basis string) ([]events.Event, *domain.MonthClose, error) {
	evs, err := s.store.Events(r.Context(), s.tenantID(r), domain.MonthStreamID(month, basis))
	if err != nil {
		return nil, nil, err
	}
	m, err := domain.ReduceMonthClose(evs)
	if err != nil {
		return nil, nil, err
	}
	return evs, m, nil
}

// handleMonthClose enqueues a month close; the worker gates on open holds,
// builds the statements, and appends MONTH_CLOSED.
func (s *Server) handleMonthClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Month string `json:"month"`
		Basis string `json:"basis"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if !domain.ValidMonth(req.Month) {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "month must be YYYY-MM")
		return
	}
	if req.Basis == "" {
		req.Basis = domain.BasisAccrual
	}
	if req.Basis != domain.BasisAccrual && req.Basis != domain.BasisCash {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "basis must be accrual or cash")
		return
	}
	_, m, err := s.monthState(r, req.Month, req.Basis)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if m.Closed {
		writeError(w, http.StatusConflict, domain.CodeMonthClosed,
			"month "+req.Month+" ("+req.Basis+") is already closed")
		return
	}
	tenantID := s.tenantID(r)
	op, err := store.EnqueueOutbox(store.TopicMonthClose, store.MonthCloseRequest{
		TenantID:    tenantID,
		Month:       req.Month,
		Basis:       req.Basis,
		RequestedBy: requestActor(r, events.ActorFinance).ID,
	})
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	row := s.audit.Row(r.Context(), tenantID, audit.ActionMonthClose, "month:"+req.Month,
		map[string]any{"basis": req.Basis})
	if err := s.store.CommitTx(r.Context(), tenantID, []store.Op{op}, row); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"enqueued": true,
		"month":    req.Month,
		"basis":    req.Basis,
	})
}

func (s *Server) handleMonthReopen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Month  string `json:"month"`
		Basis  string `json:"basis"`
		Reason string `json:"reason"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if !domain.ValidMonth(req.Month) {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "month must be YYYY-MM")
		return
	}
	if req.Basis == "" {
		req.Basis = domain.BasisAccrual
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "reason is required")
		return
	}
	prior, m, err := s.monthState(r, req.Month, req.Basis)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if len(prior) == 0 {
		writeError(w, http.StatusNotFound, CodeNotFound, "month "+req.Month+" has no close history")
		return
	}
	if !m.Closed {
		writeError(w, http.StatusConflict, domain.CodeValidationFailed,
			"month "+req.Month+" ("+req.Basis+") is not closed")
		return
	}
	tenantID := s.tenantID(r)
	actor := requestActor(r, events.ActorFinance)
	e, err := events.New(domain.MonthStreamID(req.Month, req.Basis), domain.EvMonthCloseReopened, actor,
		domain.MonthReopenedPayload{Reason: req.Reason, ReopenedBy: actor.ID},
		events.HeadHash(prior), s.now())
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.serverSign(tenantID, &e); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	staged := append(append([]events.Event(nil), prior...), e)
	updated, err := domain.ReduceMonthClose(staged)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	op, err := store.AppendMonthEvents(e)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	row := s.audit.Row(r.Context(), tenantID, audit.ActionMonthReopen, "month:"+req.Month,
		map[string]any{"basis": req.Basis, "reason": req.Reason})
	if err := s.store.CommitTx(r.Context(), tenantID, []store.Op{op}, row); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateMonth).Inc()
	writeJSON(w, http.StatusOK, updated)
}

// handleReimbursement decides a pending claim on a job. Approvals above the
// tenant's auto-approve threshold pass because the decision is recorded by
// a finance actor.
func (s *Server) handleReimbursement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID       string `json:"jobId"`
		ClaimID     string `json:"claimId"`
		Approve     bool   `json:"approve"`
		AmountCents int64  `json:"amountCents"`
		Reason      string `json:"reason"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.JobID == "" || req.ClaimID == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "jobId and claimId are required")
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, job, err := s.jobState(ctx, tenantID, req.JobID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	view, _, err := s.tenantView(ctx, tenantID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	eventType := domain.EvClaimRejected
	if req.Approve {
		eventType = domain.EvClaimApproved
	}
	e, err := events.New(events.StreamID(domain.AggregateJob, req.JobID), eventType,
		requestActor(r, events.ActorFinance),
		domain.ClaimDecisionPayload{ClaimID: req.ClaimID, AmountCents: req.AmountCents, Reason: req.Reason},
		events.HeadHash(prior), s.now())
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.serverSign(tenantID, &e); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	staged := append(append([]events.Event(nil), prior...), e)
	updated, err := domain.ReduceJob(staged)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if _, err := domain.ValidateJobEvent(view, job, prior, e, proofs.FactsHash); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	row := s.audit.Row(ctx, tenantID, audit.ActionReimbursement, "job:"+req.JobID,
		map[string]any{"claimId": req.ClaimID, "approve": req.Approve, "amountCents": req.AmountCents})
	op, err := store.AppendJobEvents(e)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.store.CommitTx(ctx, tenantID, []store.Op{op}, row); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateJob).Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"job":   updated,
		"claim": updated.Claims[req.ClaimID],
	})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	rows, err := s.store.ListAudit(r.Context(), s.tenantID(r), limit)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": rows})
}

// handleAuditExport streams the tenant's audit pack as a checksummed zip.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	tenantID := s.tenantID(r)
	pack, checksum, err := s.exporter.GeneratePack(r.Context(), tenantID, limit)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	row := s.audit.Row(r.Context(), tenantID, audit.ActionExportGenerate, "export:audit",
		map[string]any{"bytes": len(pack), "checksum": checksum})
	if err := s.store.CommitTx(r.Context(), tenantID, nil, row); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-`+tenantID+`.zip"`)
	w.Header().Set("X-Checksum-Sha256", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack)
}

// handlePartyStatements serves the per-party statements a month close
// produced. Statements only exist for closed months; an open month blocks
// the export rather than serving partial numbers.
func (s *Server) handlePartyStatements(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")
	if !domain.ValidMonth(month) {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "month must be YYYY-MM")
		return
	}
	basis := r.URL.Query().Get("basis")
	if basis == "" {
		basis = domain.BasisAccrual
	}
	_, m, err := s.monthState(r, month, basis)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if !m.Closed {
		writeError(w, http.StatusConflict, CodeFinanceExportBlocked,
			"month "+month+" ("+basis+") is not closed")
		return
	}
	stmts, err := s.store.ListPartyStatements(r.Context(), s.tenantID(r), month, basis)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"month":      month,
		"basis":      basis,
		"statements": stmts,
	})
}

// handleGovernanceEvent appends one server-signed governance event. Signer
// key events land on the server-signer stream, which is platform-effective
// only under the default tenant; policy overrides ride the tenant's own
// policy stream.
func (s *Server) handleGovernanceEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	var streamID string
	switch req.Type {
	case domain.EvSignerKeyRegistered, domain.EvSignerKeyRotated, domain.EvSignerKeyRevoked:
		streamID = domain.GovernanceSignerStream
	case domain.EvPolicyOverrideSet:
		streamID = domain.GovernancePolicyStream
	default:
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"unsupported governance event type "+req.Type)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "payload is required")
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, err := s.store.Events(ctx, tenantID, streamID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	e, err := events.NewFromRaw(streamID, req.Type, requestActor(r, events.ActorOps),
		req.Payload, events.HeadHash(prior), s.now())
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.serverSign(tenantID, &e); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	staged := append(append([]events.Event(nil), prior...), e)
	updated, err := domain.ReduceGovernance(staged)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	op, err := store.AppendGovernanceEvents(e)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	row := s.audit.Row(ctx, tenantID, audit.ActionGovernancePut, streamID,
		map[string]any{"type": req.Type})
	if err := s.store.CommitTx(ctx, tenantID, []store.Op{op}, row); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateGovernance).Inc()
	writeJSON(w, http.StatusOK, updated)
}

// handleGovernanceGet reports the platform signer governance, this tenant's
// policy overrides, and the settings currently in effect.
func (s *Server) handleGovernanceGet(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenantID(r)
	ctx := r.Context()

	signerEvs, err := s.store.Events(ctx, domain.DefaultTenantID, domain.GovernanceSignerStream)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	signer, err := domain.ReduceGovernance(signerEvs)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	policyEvs, err := s.store.Events(ctx, tenantID, domain.GovernancePolicyStream)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	policy, err := domain.ReduceGovernance(policyEvs)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	settings, err := store.TenantSettings(ctx, s.store, tenantID, events.FormatTime(s.now()))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"serverSigner":      signer,
		"policy":            policy,
		"effectiveSettings": settings,
	})
}
