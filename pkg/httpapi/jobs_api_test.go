package httpapi_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/httpapi"
	"github.com/settld-labs/settld/pkg/proofs"
	"github.com/settld-labs/settld/pkg/store"
)

func (f *fixture) createJob(jobID string) {
	f.t.Helper()
	w := f.do(http.MethodPost, "/jobs", map[string]any{
		"jobId": jobID, "requesterId": "req_1", "tier": "standard", "zone": "z1", "currency": "USD",
	})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
}

// jobEvents fetches the stream and decodes it for client-side chaining.
func (f *fixture) jobEvents(jobID string) []events.Event {
	f.t.Helper()
	w := f.do(http.MethodGet, "/jobs/"+jobID+"/events", nil)
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Events []events.Event `json:"events"`
	}
	f.decode(w, &resp)
	return resp.Events
}

// activateContract drafts, publishes, platform-signs, and activates a
// single-party contract, returning the compiled state.
func (f *fixture) activateContract(contractID string) contracts.Contract {
	f.t.Helper()
	parties := []map[string]string{{"partyId": "settld", "role": "platform"}}
	doc := map[string]any{"title": "Standing service terms", "parties": parties, "killFeeRatePct": 15}

	var c contracts.Contract
	w := f.do(http.MethodPost, "/ops/contracts", map[string]any{
		"contractId": contractID, "document": doc, "requiredSigners": parties,
	})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	f.decode(w, &c)

	w = f.do(http.MethodPost, "/ops/contracts/"+contractID+"/publish", map[string]any{"contractHash": c.ContractHash})
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	w = f.do(http.MethodPost, "/ops/contracts/"+contractID+"/sign", map[string]any{"partyId": "settld", "role": "platform"})
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	w = f.do(http.MethodPost, "/ops/contracts/"+contractID+"/activate", nil)
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	f.decode(w, &c)
	return c
}

// completedJob books jobID and lands the robot's field events directly at
// the store, standing in for the ingest path, through COMPLETED. Returns
// the resulting chain.
func (f *fixture) completedJob(jobID string) []events.Event {
	f.t.Helper()
	f.bookJob(jobID)
	chain := f.jobEvents(jobID)

	window := domain.Window{
		StartAt: apiAt.Add(time.Hour).Format(time.RFC3339),
		EndAt:   apiAt.Add(3 * time.Hour).Format(time.RFC3339),
	}
	dispatch := events.Actor{Type: events.ActorOps, ID: "dispatch"}
	robot := events.Actor{Type: events.ActorRobot, ID: "rb_field"}
	var batch []events.Event
	add := func(typ string, actor events.Actor, payload any) {
		e := f.fieldEvent(jobID, typ, actor, payload, chain)
		batch = append(batch, e)
		chain = append(chain, e)
	}
	add(domain.EvJobMatched, dispatch, domain.JobMatchedPayload{RobotID: "rb_field", TrustScore: 80})
	add(domain.EvJobReserved, dispatch, domain.JobReservedPayload{ReservationID: "rsv_" + jobID, RobotID: "rb_field", Window: window})
	add(domain.EvJobEnRoute, robot, map[string]any{"robotId": "rb_field"})
	add(domain.EvAccessGranted, events.Actor{Type: events.ActorSystem, ID: "access"}, struct{}{})
	add(domain.EvJobExecuting, robot, map[string]any{"robotId": "rb_field"})
	add(domain.EvZoneCoverage, robot, domain.ZoneCoveragePayload{
		ZoneID: "z1", Seq: 1, CellsCovered: 184, CellsTotal: 200,
		CoveragePct: 92, ReportedAt: events.FormatTime(f.clock.Now()),
	})
	add(domain.EvJobCompleted, robot, domain.JobCompletedPayload{Summary: "route covered"})

	op, err := store.AppendJobEvents(batch...)
	require.NoError(f.t, err)
	require.NoError(f.t, f.store.CommitTx(f.t.Context(), f.tenant, []store.Op{op}))
	return chain
}

// evaluateProof runs the coverage verifier over the chain and appends its
// verdict, standing in for the proof worker.
func (f *fixture) evaluateProof(jobID string, chain []events.Event) []events.Event {
	f.t.Helper()
	job, err := domain.ReduceJob(chain)
	require.NoError(f.t, err)
	eval, err := proofs.VerifyZoneCoverageProofV1(job, chain, job.CompletionChainHash,
		job.CustomerPolicyHash, job.OperatorPolicyHash, 0)
	require.NoError(f.t, err)

	e := f.fieldEvent(jobID, domain.EvProofEvaluated,
		events.Actor{Type: events.ActorSystem, ID: "proof"}, eval.Payload(), chain)
	op, err := store.AppendJobEvents(e)
	require.NoError(f.t, err)
	require.NoError(f.t, f.store.CommitTx(f.t.Context(), f.tenant, []store.Op{op}))
	return append(chain, e)
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t)
	f.createJob("job_1")

	w := f.do(http.MethodGet, "/jobs/job_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job domain.Job
	f.decode(w, &job)
	assert.Equal(t, domain.JobCreated, job.Status)
	assert.Equal(t, "z1", job.Zone)

	w = f.do(http.MethodPost, "/jobs/job_1/quote", map[string]any{
		"quoteId": "qt_1", "amountCents": 40_000, "currency": "USD",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	f.decode(w, &job)
	assert.Equal(t, domain.JobQuoted, job.Status)

	start := apiAt.Add(time.Hour).Format(time.RFC3339)
	end := apiAt.Add(3 * time.Hour).Format(time.RFC3339)
	w = f.do(http.MethodPost, "/jobs/job_1/book", map[string]any{
		"policyHash":         "ph_1",
		"customerPolicyHash": "cph_1",
		"amountCents":        40_000,
		"currency":           "USD",
		"window":             map[string]string{"startAt": start, "endAt": end},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	f.decode(w, &job)
	assert.Equal(t, domain.JobBooked, job.Status)

	// Booking enqueues dispatch.
	depth, err := f.store.OutboxDepth(t.Context(), store.TopicDispatch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.Pending)

	evs := f.jobEvents("job_1")
	require.Len(t, evs, 3)
	assert.Equal(t, domain.EvJobCreated, evs[0].Type)
	assert.Equal(t, domain.EvJobBooked, evs[2].Type)
	for i := range evs {
		require.Nil(t, events.VerifyEvent(evs[i], events.HeadHash(evs[:i]), i))
	}

	// Re-dispatch is allowed while booked.
	w = f.do(http.MethodPost, "/jobs/job_1/dispatch", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(http.MethodGet, "/jobs?status="+string(domain.JobBooked), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Jobs []domain.Job `json:"jobs"`
	}
	f.decode(w, &list)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "job_1", list.Jobs[0].ID)
}

func TestJobCreateValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/jobs", map[string]any{"requesterId": "req_1"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domain.CodeValidationFailed, f.errCode(w))
}

func TestJobBookUnderContract(t *testing.T) {
	f := newFixture(t)
	c := f.activateContract("ctr_terms")
	require.NotEmpty(t, c.PolicyHash)

	window := map[string]string{
		"startAt": apiAt.Add(time.Hour).Format(time.RFC3339),
		"endAt":   apiAt.Add(3 * time.Hour).Format(time.RFC3339),
	}
	book := func(jobID string, body map[string]any) *httptest.ResponseRecorder {
		f.createJob(jobID)
		w := f.do(http.MethodPost, "/jobs/"+jobID+"/quote", map[string]any{"amountCents": 40_000, "currency": "USD"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body["amountCents"] = 40_000
		body["currency"] = "USD"
		body["window"] = window
		return f.do(http.MethodPost, "/jobs/"+jobID+"/book", body)
	}

	t.Run("omitted policyHash pins the contract policy", func(t *testing.T) {
		w := book("job_c1", map[string]any{"contractId": "ctr_terms", "customerPolicyHash": "cph_1"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var job domain.Job
		f.decode(w, &job)
		assert.Equal(t, c.PolicyHash, job.PolicyHash)
		assert.Equal(t, "ctr_terms", job.ContractID)
	})

	t.Run("stale explicit hash is rejected", func(t *testing.T) {
		w := book("job_c2", map[string]any{
			"contractId": "ctr_terms", "policyHash": "ph_stale", "customerPolicyHash": "cph_1",
		})
		require.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, domain.CodePolicyHashMismatch, f.errCode(w))
	})

	t.Run("unknown contract", func(t *testing.T) {
		w := book("job_c3", map[string]any{"contractId": "ctr_missing", "customerPolicyHash": "cph_1"})
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, httpapi.CodeNotFound, f.errCode(w))
	})

	t.Run("retired contract refuses new bookings", func(t *testing.T) {
		w := f.do(http.MethodPost, "/ops/contracts/ctr_terms/retire", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = book("job_c4", map[string]any{"contractId": "ctr_terms", "customerPolicyHash": "cph_1"})
		require.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, contracts.CodeStateInvalid, f.errCode(w))
	})
}

func TestJobSettleProofGate(t *testing.T) {
	f := newFixture(t)

	t.Run("sufficient proof settles and pins the evaluation", func(t *testing.T) {
		chain := f.completedJob("job_s1")
		f.evaluateProof("job_s1", chain)

		w := f.do(http.MethodPost, "/jobs/job_s1/settle", map[string]any{})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var job domain.Job
		f.decode(w, &job)
		assert.Equal(t, domain.JobSettled, job.Status)
		assert.Equal(t, int64(40_000), job.SettledAmountCents)
		assert.Equal(t, domain.BasisAccrual, job.SettlementBasis)
		require.NotNil(t, job.SettlementProofRef)
		assert.Equal(t, job.CompletionChainHash, job.SettlementProofRef.EvaluatedAtChainHash)

		// The evaluation and the settlement each queue an artifact build.
		depth, err := f.store.OutboxDepth(t.Context(), store.TopicArtifactBuild)
		require.NoError(t, err)
		assert.Equal(t, int64(2), depth.Pending)
	})

	t.Run("no evaluation on file", func(t *testing.T) {
		f.completedJob("job_s2")

		w := f.do(http.MethodPost, "/jobs/job_s2/settle", map[string]any{})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, domain.CodeProofRequired, f.errCode(w))
	})

	t.Run("coverage after the evaluation makes it stale", func(t *testing.T) {
		chain := f.completedJob("job_s3")
		chain = f.evaluateProof("job_s3", chain)

		late := f.fieldEvent("job_s3", domain.EvZoneCoverage,
			events.Actor{Type: events.ActorRobot, ID: "rb_field"},
			domain.ZoneCoveragePayload{
				ZoneID: "z1", Seq: 2, CellsCovered: 196, CellsTotal: 200,
				CoveragePct: 98, ReportedAt: events.FormatTime(f.clock.Now()),
			}, chain)
		op, err := store.AppendJobEvents(late)
		require.NoError(t, err)
		require.NoError(t, f.store.CommitTx(t.Context(), f.tenant, []store.Op{op}))

		w := f.do(http.MethodPost, "/jobs/job_s3/settle", map[string]any{})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, domain.CodeProofStale, f.errCode(w))
	})
}

func TestJobDisputeLifecycle(t *testing.T) {
	f := newFixture(t)
	f.completedJob("job_d1")

	w := f.do(http.MethodPost, "/jobs/job_d1/dispute/open", map[string]any{"reason": "missed the loading dock"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var job domain.Job
	f.decode(w, &job)
	require.NotNil(t, job.Dispute)
	assert.Equal(t, "open", job.Dispute.Status)
	assert.NotEmpty(t, job.Dispute.DisputeID)

	// Only one dispute can be pending at a time.
	w = f.do(http.MethodPost, "/jobs/job_d1/dispute/open", map[string]any{"reason": "second opinion"})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ILLEGAL_TRANSITION", f.errCode(w))

	w = f.do(http.MethodPost, "/jobs/job_d1/dispute/close", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domain.CodeValidationFailed, f.errCode(w))

	w = f.do(http.MethodPost, "/jobs/job_d1/dispute/close", map[string]any{"outcome": "partial_refund"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	f.decode(w, &job)
	require.NotNil(t, job.Dispute)
	assert.Equal(t, "closed", job.Dispute.Status)
	assert.Equal(t, "partial_refund", job.Dispute.Outcome)

	// The verdict artifact build is queued off the close.
	depth, err := f.store.OutboxDepth(t.Context(), store.TopicArtifactBuild)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.Pending)

	w = f.do(http.MethodPost, "/jobs/job_d1/dispute/close", map[string]any{"outcome": "partial_refund"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domain.CodeValidationFailed, f.errCode(w))
}

func TestJobDispatchRequiresBooked(t *testing.T) {
	f := newFixture(t)
	f.createJob("job_2")

	w := f.do(http.MethodPost, "/jobs/job_2/dispatch", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ILLEGAL_TRANSITION", f.errCode(w))
}

func TestJobCancel(t *testing.T) {
	f := newFixture(t)
	f.createJob("job_3")

	w := f.do(http.MethodPost, "/jobs/job_3/cancel", map[string]any{"reason": "requester changed plans"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var job domain.Job
	f.decode(w, &job)
	assert.Equal(t, domain.JobAborted, job.Status)

	// Quoting an aborted job is illegal.
	w = f.do(http.MethodPost, "/jobs/job_3/quote", map[string]any{"amountCents": 100, "currency": "USD"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestJobCommandHeadPrecondition(t *testing.T) {
	f := newFixture(t)
	f.createJob("job_4")

	body := map[string]any{"quoteId": "qt_4", "amountCents": 500, "currency": "USD"}
	w := f.doRaw(http.MethodPost, "/jobs/job_4/quote", mustJSON(t, body), map[string]string{
		"Authorization":            "Bearer " + f.token,
		httpapi.HeaderExpectedPrev: "stale-hash",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, store.CodePrevChainHashMismatch, f.errCode(w))

	// With the real head the command goes through.
	head := events.HeadHash(f.jobEvents("job_4"))
	require.NotNil(t, head)
	w = f.doRaw(http.MethodPost, "/jobs/job_4/quote", mustJSON(t, body), map[string]string{
		"Authorization":            "Bearer " + f.token,
		httpapi.HeaderExpectedPrev: *head,
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestJobEventsAppend(t *testing.T) {
	f := newFixture(t)
	f.createJob("job_5")
	prior := f.jobEvents("job_5")

	quoted, err := events.New(events.StreamID(domain.AggregateJob, "job_5"), domain.EvJobQuoted,
		events.Actor{Type: events.ActorPricing, ID: "pricer_1"},
		domain.JobQuotedPayload{QuoteID: "qt_5", AmountCents: 1_000, Currency: "USD"},
		events.HeadHash(prior), f.clock.Now())
	require.NoError(t, err)

	t.Run("head header required", func(t *testing.T) {
		w := f.do(http.MethodPost, "/jobs/job_5/events", map[string]any{"events": []events.Event{quoted}})
		require.Equal(t, http.StatusPreconditionRequired, w.Code)
		assert.Equal(t, httpapi.CodePreconditionRequired, f.errCode(w))
	})

	appendHdr := map[string]string{
		"Authorization":            "Bearer " + f.token,
		httpapi.HeaderExpectedPrev: headOf(t, prior),
	}

	t.Run("broken chain rejected", func(t *testing.T) {
		detached, err := events.New(events.StreamID(domain.AggregateJob, "job_5"), domain.EvJobQuoted,
			events.Actor{Type: events.ActorPricing, ID: "pricer_1"},
			domain.JobQuotedPayload{QuoteID: "qt_x", AmountCents: 1_000, Currency: "USD"},
			nil, f.clock.Now())
		require.NoError(t, err)
		body := mustJSON(t, map[string]any{"events": []events.Event{detached}})
		w := f.doRaw(http.MethodPost, "/jobs/job_5/events", body, appendHdr)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, events.CodeChainBreak, f.errCode(w))
	})

	t.Run("unsigned robot event rejected", func(t *testing.T) {
		enroute, err := events.New(events.StreamID(domain.AggregateJob, "job_5"), domain.EvJobEnRoute,
			events.Actor{Type: events.ActorRobot, ID: "r_1"},
			map[string]any{"robotId": "r_1"},
			events.HeadHash(prior), f.clock.Now())
		require.NoError(t, err)
		body := mustJSON(t, map[string]any{"events": []events.Event{enroute}})
		w := f.doRaw(http.MethodPost, "/jobs/job_5/events", body, appendHdr)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "SIGNATURE_REQUIRED", f.errCode(w))
	})

	t.Run("valid append lands", func(t *testing.T) {
		body := mustJSON(t, map[string]any{"events": []events.Event{quoted}})
		w := f.doRaw(http.MethodPost, "/jobs/job_5/events", body, appendHdr)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp struct {
			Appended  int    `json:"appended"`
			ChainHash string `json:"chainHash"`
		}
		f.decode(w, &resp)
		assert.Equal(t, 1, resp.Appended)
		assert.Equal(t, quoted.ChainHash, resp.ChainHash)

		var job domain.Job
		got := f.do(http.MethodGet, "/jobs/job_5", nil)
		f.decode(got, &job)
		assert.Equal(t, domain.JobQuoted, job.Status)
	})
}
