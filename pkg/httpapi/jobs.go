package httpapi

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/proofs"
	"github.com/settld-labs/settld/pkg/quota"
	"github.com/settld-labs/settld/pkg/store"
)

// requestActor names the event author from the authenticated principal,
// falling back to the endpoint's natural actor class.
func requestActor(r *http.Request, fallback events.ActorType) events.Actor {
	p := auth.PrincipalFrom(r.Context())
	if p == nil {
		return events.Actor{Type: fallback, ID: string(fallback)}
	}
	switch p.Kind {
	case auth.KindAgent:
		return events.Actor{Type: events.ActorAgent, ID: p.ID}
	case auth.KindIngest:
		return events.Actor{Type: events.ActorSystem, ID: "ingest"}
	}
	return events.Actor{Type: fallback, ID: p.ID}
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID       string `json:"jobId"`
		RequesterID string `json:"requesterId"`
		Tier        string `json:"tier"`
		Zone        string `json:"zone"`
		Currency    string `json:"currency"`
		Description string `json:"description"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.RequesterID == "" || req.Tier == "" || req.Zone == "" || req.Currency == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"requesterId, tier, zone, and currency are required")
		return
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = "job_" + uuid.NewString()
	}
	tenantID := s.tenantID(r)

	e, err := events.New(events.StreamID(domain.AggregateJob, jobID), domain.EvJobCreated,
		events.Actor{Type: events.ActorRequester, ID: req.RequesterID},
		domain.JobCreatedPayload{
			JobID:       jobID,
			RequesterID: req.RequesterID,
			Tier:        req.Tier,
			Zone:        req.Zone,
			Currency:    req.Currency,
			Description: req.Description,
		}, nil, s.now())
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	job, err := domain.ReduceJob([]events.Event{e})
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.commitJob(r.Context(), tenantID, []events.Event{e}); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	if q := r.URL.Query().Get("status"); q != "" {
		statuses = append(statuses, q)
	}
	rows, err := s.store.ListAggregates(r.Context(), s.tenantID(r), domain.AggregateJob, statuses...)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := store.DecodeState[domain.Job](&rows[i])
		if err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		jobs = append(jobs, job)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	_, job, err := s.jobState(r.Context(), s.tenantID(r), r.PathValue("id"))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEventsGet(w http.ResponseWriter, r *http.Request) {
	evs, _, err := s.jobState(r.Context(), s.tenantID(r), r.PathValue("id"))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":    evs,
		"chainHash": headValue(evs),
	})
}

// handleJobEventsAppend accepts externally built and signed events: the
// proxy or robot supplies ids, timestamps, hashes, and signatures, and the
// server re-verifies everything before committing.
func (s *Server) handleJobEventsAppend(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
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

	prior, _, err := s.jobState(ctx, tenantID, jobID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if !requireHead(w, r, prior) {
		return
	}
	if err := s.quotas.Check(ctx, tenantID, quota.EventIngest, int64(len(req.Events))); err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	view, _, err := s.tenantView(ctx, tenantID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	dir, err := s.signerDirectory(ctx, tenantID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	streamID := events.StreamID(domain.AggregateJob, jobID)
	evs := append([]events.Event(nil), prior...)
	var evidenceBytes int64
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
		pre, err := domain.ReduceJob(evs)
		if err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		if _, err := domain.ValidateJobEvent(view, pre, evs, e, proofs.FactsHash); err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		if e.Type == domain.EvEvidenceCaptured {
			var p domain.EvidenceCapturedPayload
			if err := e.DecodePayload(&p); err != nil {
				WriteFromError(w, s.log, err)
				return
			}
			evidenceBytes += p.SizeBytes
		}
		evs = append(evs, e)
	}
	if evidenceBytes > 0 {
		if err := s.quotas.Check(ctx, tenantID, quota.EventEvidenceByte, evidenceBytes); err != nil {
			WriteFromError(w, s.log, err)
			return
		}
	}

	if err := s.commitJob(ctx, tenantID, evs[len(prior):]); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateJob).Add(float64(len(req.Events)))
	if err := s.quotas.Count(ctx, tenantID, quota.EventIngest, int64(len(req.Events))); err != nil {
		s.log.Warn("quota count failed", "error", err)
	}
	if evidenceBytes > 0 {
		if err := s.quotas.Count(ctx, tenantID, quota.EventEvidenceByte, evidenceBytes); err != nil {
			s.log.Warn("quota count failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"appended":  len(req.Events),
		"chainHash": headValue(evs),
	})
}

// jobCommand runs the shared load-validate-commit flow for single-event job
// verbs. build returns the staged event; extra ops commit atomically with it.
func (s *Server) jobCommand(w http.ResponseWriter, r *http.Request, jobID string,
	build func(prior []events.Event, job *domain.Job, view *store.View) (events.Event, []store.Op, error)) {

	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, job, err := s.jobState(ctx, tenantID, jobID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if !optionalHead(w, r, prior) {
		return
	}
	view, _, err := s.tenantView(ctx, tenantID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	e, extra, err := build(prior, job, view)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	staged := append(append([]events.Event(nil), prior...), e)
	updated, err := domain.ReduceJob(staged)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	res, err := domain.ValidateJobEvent(view, job, prior, e, proofs.FactsHash)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.commitJob(ctx, tenantID, []events.Event{e}, extra...); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateJob).Inc()
	if res != nil && len(res.Warnings) > 0 {
		writeJSON(w, http.StatusOK, map[string]any{"job": updated, "warnings": res.Warnings})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleJobQuote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuoteID     string `json:"quoteId"`
		AmountCents int64  `json:"amountCents"`
		Currency    string `json:"currency"`
		ExpiresAt   string `json:"expiresAt"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.AmountCents <= 0 || req.Currency == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"amountCents must be positive and currency set")
		return
	}
	if req.QuoteID == "" {
		req.QuoteID = "qt_" + uuid.NewString()
	}
	actor := requestActor(r, events.ActorPricing)
	s.jobCommand(w, r, r.PathValue("id"), func(prior []events.Event, job *domain.Job, view *store.View) (events.Event, []store.Op, error) {
		e, err := events.New(events.StreamID(domain.AggregateJob, job.ID), domain.EvJobQuoted, actor,
			domain.JobQuotedPayload{
				QuoteID:     req.QuoteID,
				AmountCents: req.AmountCents,
				Currency:    req.Currency,
				ExpiresAt:   req.ExpiresAt,
			}, events.HeadHash(prior), s.now())
		return e, nil, err
	})
}

// handleJobBook pins the booking policy. Booking under a contract without
// an explicit policyHash captures the active contract's compiled policy.
func (s *Server) handleJobBook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PolicyHash         string        `json:"policyHash"`
		CustomerPolicyHash string        `json:"customerPolicyHash"`
		OperatorPolicyHash string        `json:"operatorPolicyHash"`
		ContractID         string        `json:"contractId"`
		AmountCents        int64         `json:"amountCents"`
		Currency           string        `json:"currency"`
		Window             domain.Window `json:"window"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.AmountCents <= 0 || req.Currency == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"amountCents must be positive and currency set")
		return
	}
	tenantID := s.tenantID(r)
	if req.ContractID != "" && req.PolicyHash == "" {
		c, err := s.store.Contract(r.Context(), tenantID, req.ContractID)
		if err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		snap, err := c.Snapshot(s.now())
		if err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		req.PolicyHash = snap.PolicyHash
	}
	actor := requestActor(r, events.ActorOps)
	s.jobCommand(w, r, r.PathValue("id"), func(prior []events.Event, job *domain.Job, view *store.View) (events.Event, []store.Op, error) {
		e, err := events.New(events.StreamID(domain.AggregateJob, job.ID), domain.EvJobBooked, actor,
			domain.JobBookedPayload{
				PolicyHash:         req.PolicyHash,
				CustomerPolicyHash: req.CustomerPolicyHash,
				OperatorPolicyHash: req.OperatorPolicyHash,
				ContractID:         req.ContractID,
				AmountCents:        req.AmountCents,
				Currency:           req.Currency,
				Window:             req.Window,
			}, events.HeadHash(prior), s.now())
		if err != nil {
			return events.Event{}, nil, err
		}
		trigger, err := store.EnqueueOutbox(store.TopicDispatch, store.TriggerMessage{
			TenantID:  tenantID,
			JobID:     job.ID,
			EventID:   e.ID,
			EventType: e.Type,
			ChainHash: e.ChainHash,
		})
		if err != nil {
			return events.Event{}, nil, err
		}
		return e, []store.Op{trigger}, nil
	})
}

// handleJobDispatch re-enqueues placement for a booked job, typically after
// a DISPATCH_FAILED once capacity recovered.
func (s *Server) handleJobDispatch(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenantID(r)
	_, job, err := s.jobState(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if job.Status != domain.JobBooked {
		writeError(w, http.StatusConflict, "ILLEGAL_TRANSITION",
			"dispatch requires BOOKED, job is "+string(job.Status))
		return
	}
	trigger, err := store.EnqueueOutbox(store.TopicDispatch, store.TriggerMessage{
		TenantID:  tenantID,
		JobID:     job.ID,
		EventType: domain.EvJobBooked,
		ChainHash: job.HeadChainHash,
	})
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.store.CommitTx(r.Context(), tenantID, []store.Op{trigger}); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"enqueued": true})
}

func (s *Server) handleJobReschedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Window domain.Window `json:"window"`
		Reason string        `json:"reason"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if !req.Window.Valid() {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "window invalid")
		return
	}
	actor := requestActor(r, events.ActorOps)
	s.jobCommand(w, r, r.PathValue("id"), func(prior []events.Event, job *domain.Job, view *store.View) (events.Event, []store.Op, error) {
		e, err := events.New(events.StreamID(domain.AggregateJob, job.ID), domain.EvJobRescheduled, actor,
			domain.JobRescheduledPayload{Window: req.Window, Reason: req.Reason},
			events.HeadHash(prior), s.now())
		return e, nil, err
	})
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	actor := requestActor(r, events.ActorOps)
	s.jobCommand(w, r, r.PathValue("id"), func(prior []events.Event, job *domain.Job, view *store.View) (events.Event, []store.Op, error) {
		e, err := events.New(events.StreamID(domain.AggregateJob, job.ID), domain.EvJobCancelled, actor,
			domain.JobCancelledPayload{Reason: req.Reason},
			events.HeadHash(prior), s.now())
		return e, nil, err
	})
}

func (s *Server) handleJobAbort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	actor := requestActor(r, events.ActorOps)
	s.jobCommand(w, r, r.PathValue("id"), func(prior []events.Event, job *domain.Job, view *store.View) (events.Event, []store.Op, error) {
		e, err := events.New(events.StreamID(domain.AggregateJob, job.ID), domain.EvAbortRequested, actor,
			domain.AbortPayload{Reason: req.Reason},
			events.HeadHash(prior), s.now())
		return e, nil, err
	})
}

// handleJobSettle builds the server-signed SETTLED event. The proof gate
// runs in the validator; the proof reference is pinned to the latest
// evaluation so a stale proof fails rather than silently settling.
func (s *Server) handleJobSettle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Basis          string `json:"basis"`
		AmountCents    int64  `json:"amountCents"`
		ReleaseRatePct int    `json:"releaseRatePct"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Basis == "" {
		req.Basis = domain.BasisAccrual
	}
	tenantID := s.tenantID(r)
	actor := requestActor(r, events.ActorFinance)
	s.jobCommand(w, r, r.PathValue("id"), func(prior []events.Event, job *domain.Job, view *store.View) (events.Event, []store.Op, error) {
		amount := req.AmountCents
		if amount == 0 {
			amount = job.AmountCents
		}
		rate := req.ReleaseRatePct
		if rate == 0 {
			rate = 100
		}
		if job.HoldForfeited {
			amount, rate = 0, 0
		}
		payload := domain.JobSettledPayload{
			HoldID:         domain.DeriveHoldID(job.CompletionChainHash, job.CustomerPolicyHash),
			AmountCents:    amount,
			Currency:       job.Currency,
			ReleaseRatePct: rate,
			Basis:          req.Basis,
		}
		if job.LastProofEval != nil {
			payload.SettlementProofRef = &domain.SettlementProofRef{
				EvaluatedAtChainHash: job.LastProofEval.EvaluatedAtChainHash,
				CustomerPolicyHash:   job.LastProofEval.CustomerPolicyHash,
				FactsHash:            job.LastProofEval.FactsHash,
			}
		}
		e, err := events.New(events.StreamID(domain.AggregateJob, job.ID), domain.EvJobSettled, actor,
			payload, events.HeadHash(prior), s.now())
		if err != nil {
			return events.Event{}, nil, err
		}
		if err := s.serverSign(tenantID, &e); err != nil {
			return events.Event{}, nil, err
		}
		return e, nil, nil
	})
}

func (s *Server) handleJobSLACredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountCents   int64  `json:"amountCents"`
		Reason        string `json:"reason"`
		BreachEventID string `json:"breachEventId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "reason is required")
		return
	}
	tenantID := s.tenantID(r)
	actor := requestActor(r, events.ActorFinance)
	s.jobCommand(w, r, r.PathValue("id"), func(prior []events.Event, job *domain.Job, view *store.View) (events.Event, []store.Op, error) {
		settings := view.Settings()
		amount := req.AmountCents
		if amount == 0 {
			amount = job.AmountCents * int64(settings.SLACreditDefaultPct) / 100
		}
		if room := settings.SLACreditMaxCents - job.SLACreditCents; amount > room {
			amount = room
		}
		if amount <= 0 {
			return events.Event{}, nil, &domain.ValidationError{
				CodeStr: domain.CodeValidationFailed,
				Detail:  fmt.Sprintf("SLA credit cap %d cents reached", settings.SLACreditMaxCents),
			}
		}
		e, err := events.New(events.StreamID(domain.AggregateJob, job.ID), domain.EvSLACreditIssued, actor,
			domain.SLACreditPayload{
				AmountCents:   amount,
				Currency:      job.Currency,
				Reason:        req.Reason,
				BreachEventID: req.BreachEventID,
			}, events.HeadHash(prior), s.now())
		if err != nil {
			return events.Event{}, nil, err
		}
		if err := s.serverSign(tenantID, &e); err != nil {
			return events.Event{}, nil, err
		}
		return e, nil, nil
	})
}

func (s *Server) handleJobDisputeOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisputeID string `json:"disputeId"`
		Reason    string `json:"reason"`
		OpenedBy  string `json:"openedBy"`
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
	actor := requestActor(r, events.ActorOps)
	if req.OpenedBy == "" {
		req.OpenedBy = actor.ID
	}
	s.jobCommand(w, r, r.PathValue("id"), func(prior []events.Event, job *domain.Job, view *store.View) (events.Event, []store.Op, error) {
		e, err := events.New(events.StreamID(domain.AggregateJob, job.ID), domain.EvDisputeOpened, actor,
			domain.DisputeOpenedPayload{
				DisputeID: req.DisputeID,
				Reason:    req.Reason,
				OpenedBy:  req.OpenedBy,
			}, events.HeadHash(prior), s.now())
		return e, nil, err
	})
}

func (s *Server) handleJobDisputeClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome           string `json:"outcome"`
		VerdictArtifactID string `json:"verdictArtifactId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Outcome == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "outcome is required")
		return
	}
	actor := requestActor(r, events.ActorOps)
	s.jobCommand(w, r, r.PathValue("id"), func(prior []events.Event, job *domain.Job, view *store.View) (events.Event, []store.Op, error) {
		if job.Dispute == nil || job.Dispute.Status != "open" {
			return events.Event{}, nil, &domain.ValidationError{
				CodeStr: domain.CodeValidationFailed,
				Detail:  fmt.Sprintf("no open dispute on job %s", job.ID),
			}
		}
		e, err := events.New(events.StreamID(domain.AggregateJob, job.ID), domain.EvDisputeClosed, actor,
			domain.DisputeClosedPayload{
				DisputeID:         job.Dispute.DisputeID,
				Outcome:           req.Outcome,
				VerdictArtifactID: req.VerdictArtifactID,
			}, events.HeadHash(prior), s.now())
		return e, nil, err
	})
}
