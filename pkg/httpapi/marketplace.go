package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/audit"
	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/marketplace"
	"github.com/settld-labs/settld/pkg/quota"
	"github.com/settld-labs/settld/pkg/store"
)

// errHandled signals that the callback already wrote the response.
var errHandled = errors.New("httpapi: response already written")

// callerAgent resolves the acting agent id: the signed agent principal, or
// an explicit id supplied by an ops bearer caller.
func callerAgent(r *http.Request, explicit string) string {
	p := auth.PrincipalFrom(r.Context())
	if p != nil && p.Kind == auth.KindAgent {
		return p.ID
	}
	return explicit
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID             string `json:"taskId"`
		CreatedBy          string `json:"createdBy"`
		Title              string `json:"title"`
		Description        string `json:"description"`
		BudgetCents        int64  `json:"budgetCents"`
		Currency           string `json:"currency"`
		PolicyID           string `json:"policyId"`
		VerificationMethod string `json:"verificationMethod"`
		ExpiresAt          string `json:"expiresAt"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	createdBy := callerAgent(r, req.CreatedBy)
	if createdBy == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "createdBy is required")
		return
	}
	if req.TaskID == "" {
		req.TaskID = "task_" + uuid.NewString()
	}
	if req.PolicyID == "" {
		req.PolicyID = escrow.DefaultSettlementPolicy().PolicyID
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	if req.PolicyID != escrow.DefaultSettlementPolicy().PolicyID {
		if _, err := s.store.TenantSettlementPolicy(ctx, tenantID, req.PolicyID); err != nil {
			if err == store.ErrNotFound {
				writeError(w, http.StatusBadRequest, marketplace.CodePolicyInvalid,
					"settlement policy "+req.PolicyID+" is not registered")
				return
			}
			WriteFromError(w, s.log, err)
			return
		}
	}

	task, err := marketplace.NewTask(tenantID, req.TaskID, createdBy, req.Title,
		req.BudgetCents, req.Currency, req.PolicyID, s.now())
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	task.Description = req.Description
	task.VerificationMethod = req.VerificationMethod
	task.ExpiresAt = req.ExpiresAt

	if err := s.store.CommitTx(ctx, tenantID, []store.Op{store.UpsertMarketplaceTask(task)}); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	if q := r.URL.Query().Get("status"); q != "" {
		statuses = append(statuses, q)
	}
	tasks, err := s.store.ListMarketplaceTasks(r.Context(), s.tenantID(r), statuses...)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.MarketplaceTask(r.Context(), s.tenantID(r), r.PathValue("id"))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// taskCommand loads a task, applies mutate, and persists the result with
// its bid set.
func (s *Server) taskCommand(w http.ResponseWriter, r *http.Request, taskID string,
	mutate func(task *marketplace.Task) error) {

	tenantID := s.tenantID(r)
	task, err := s.store.MarketplaceTask(r.Context(), tenantID, taskID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := mutate(task); err != nil {
		if err != errHandled {
			WriteFromError(w, s.log, err)
		}
		return
	}
	ops := []store.Op{
		store.UpsertMarketplaceTask(task),
		store.SetMarketplaceTaskBids(task.TaskID, task.Bids),
	}
	if err := s.store.CommitTx(r.Context(), tenantID, ops); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// requireTaskOwner rejects agent principals that do not own the task.
func requireTaskOwner(w http.ResponseWriter, r *http.Request, task *marketplace.Task) bool {
	p := auth.PrincipalFrom(r.Context())
	if p != nil && p.Kind == auth.KindAgent && p.ID != task.CreatedBy {
		writeError(w, http.StatusForbidden, CodeForbidden, "only the task owner may do this")
		return false
	}
	return true
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	s.taskCommand(w, r, r.PathValue("id"), func(task *marketplace.Task) error {
		if !requireTaskOwner(w, r, task) {
			return errHandled
		}
		return task.Cancel(s.now())
	})
}

func (s *Server) handleBidSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BidID       string `json:"bidId"`
		AgentID     string `json:"agentId"`
		AmountCents int64  `json:"amountCents"`
		Currency    string `json:"currency"`
		Note        string `json:"note"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	agentID := callerAgent(r, req.AgentID)
	if agentID == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "agentId is required")
		return
	}
	if req.BidID == "" {
		req.BidID = "bid_" + uuid.NewString()
	}
	s.taskCommand(w, r, r.PathValue("id"), func(task *marketplace.Task) error {
		return task.SubmitBid(req.BidID, agentID, req.AmountCents, req.Currency, req.Note, s.now())
	})
}

func (s *Server) handleBidCounter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CounterAmountCents int64 `json:"counterAmountCents"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	bidID := r.PathValue("bidId")
	s.taskCommand(w, r, r.PathValue("id"), func(task *marketplace.Task) error {
		if !requireTaskOwner(w, r, task) {
			return errHandled
		}
		return task.Counter(bidID, req.CounterAmountCents, s.now())
	})
}

func (s *Server) handleBidAcceptCounter(w http.ResponseWriter, r *http.Request) {
	bidID := r.PathValue("bidId")
	s.taskCommand(w, r, r.PathValue("id"), func(task *marketplace.Task) error {
		p := auth.PrincipalFrom(r.Context())
		if p != nil && p.Kind == auth.KindAgent {
			for i := range task.Bids {
				if task.Bids[i].BidID == bidID && task.Bids[i].AgentID != p.ID {
					writeError(w, http.StatusForbidden, CodeForbidden, "only the bidder may accept a counter")
					return errHandled
				}
			}
		}
		return task.AcceptCounter(bidID, s.now())
	})
}

func (s *Server) handleBidWithdraw(w http.ResponseWriter, r *http.Request) {
	bidID := r.PathValue("bidId")
	s.taskCommand(w, r, r.PathValue("id"), func(task *marketplace.Task) error {
		p := auth.PrincipalFrom(r.Context())
		if p != nil && p.Kind == auth.KindAgent {
			for i := range task.Bids {
				if task.Bids[i].BidID == bidID && task.Bids[i].AgentID != p.ID {
					writeError(w, http.StatusForbidden, CodeForbidden, "only the bidder may withdraw")
					return errHandled
				}
			}
		}
		return task.Withdraw(bidID, s.now())
	})
}

// handleBidAccept awards the task and opens the run: the accepted bid seeds
// AGENT_RUN_CREATED, the owner's escrow locks, and the settlement row is
// born locked, all in one commit.
func (s *Server) handleBidAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"runId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.RunID == "" {
		req.RunID = "run_" + uuid.NewString()
	}
	taskID := r.PathValue("id")
	bidID := r.PathValue("bidId")
	tenantID := s.tenantID(r)
	ctx := r.Context()

	task, err := s.store.MarketplaceTask(ctx, tenantID, taskID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if !requireTaskOwner(w, r, task) {
		return
	}
	if err := s.quotas.Check(ctx, tenantID, quota.EventAgentRun, 1); err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	now := s.now()
	payload, err := task.Accept(bidID, req.RunID, now)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	payer, err := s.store.Wallet(ctx, tenantID, payload.PayerAgentID)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusConflict, CodeInsufficientFunds,
				"task owner "+payload.PayerAgentID+" has no wallet")
			return
		}
		WriteFromError(w, s.log, err)
		return
	}
	if err := escrow.LockEscrow(payer, payload.AmountCents, now); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	settlement := escrow.NewLockedSettlement(tenantID, req.RunID,
		payload.PayerAgentID, payload.PayeeAgentID, payload.Currency, payload.PolicyID,
		payload.AmountCents, now)

	e, err := events.New(events.StreamID(domain.AggregateAgentRun, req.RunID), domain.EvAgentRunCreated,
		requestActor(r, events.ActorOps), payload, nil, now)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	run, err := domain.ReduceAgentRun([]events.Event{e})
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	appendOp, err := store.AppendAgentRunEvents(e)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	ops := []store.Op{
		appendOp,
		store.UpsertWallet(payer),
		store.UpsertRunSettlement(settlement),
		store.UpsertMarketplaceTask(task),
		store.SetMarketplaceTaskBids(task.TaskID, task.Bids),
	}
	if err := s.store.CommitTx(ctx, tenantID, ops); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateAgentRun).Inc()
	if err := s.quotas.Count(ctx, tenantID, quota.EventAgentRun, 1); err != nil {
		s.log.Warn("quota count failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":       task,
		"run":        run,
		"settlement": settlement,
	})
}

// handlePolicyPut registers or versions a settlement-policy document. The
// body is the policy JSON itself, schema-checked before storage.
func (s *Server) handlePolicyPut(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "unreadable body")
		return
	}
	if !json.Valid(doc) {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "body must be a JSON policy document")
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()
	now := s.now()

	parsed, err := marketplace.ParseSettlementPolicy(doc)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	status := http.StatusCreated
	policy, err := s.store.TenantSettlementPolicy(ctx, tenantID, parsed.PolicyID)
	switch {
	case err == nil:
		if err := policy.Update(doc, now); err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		status = http.StatusOK
	case err == store.ErrNotFound:
		policy, err = marketplace.NewTenantPolicy(tenantID, doc, now)
		if err != nil {
			WriteFromError(w, s.log, err)
			return
		}
	default:
		WriteFromError(w, s.log, err)
		return
	}

	row := s.audit.Row(ctx, tenantID, audit.ActionPolicyPut, "policy:"+policy.PolicyID,
		map[string]any{"version": policy.Version})
	if err := s.store.CommitTx(ctx, tenantID, []store.Op{store.UpsertTenantPolicy(policy)}, row); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, status, policy)
}

func (s *Server) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	policies, err := s.store.ListTenantSettlementPolicies(r.Context(), s.tenantID(r))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	policy, err := s.store.TenantSettlementPolicy(r.Context(), s.tenantID(r), r.PathValue("policyId"))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}
