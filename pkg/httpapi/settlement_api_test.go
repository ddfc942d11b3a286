package httpapi_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/httpapi"
)

type runView struct {
	Run        *domain.AgentRun   `json:"run"`
	Settlement *escrow.Settlement `json:"settlement"`
}

func (f *fixture) openRun(runID, payer, payee string, amount int64) runView {
	f.t.Helper()
	w := f.do(http.MethodPost, "/agents/"+payee+"/runs", map[string]any{
		"runId": runID, "payerAgentId": payer, "amountCents": amount, "currency": "USD",
	})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	var rv runView
	f.decode(w, &rv)
	return rv
}

func (f *fixture) getRun(payee, runID string) runView {
	f.t.Helper()
	w := f.do(http.MethodGet, "/agents/"+payee+"/runs/"+runID, nil)
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	var rv runView
	f.decode(w, &rv)
	return rv
}

func (f *fixture) wallet(agentID string) escrow.Wallet {
	f.t.Helper()
	w := f.do(http.MethodGet, "/agents/"+agentID+"/wallet", nil)
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	var wal escrow.Wallet
	f.decode(w, &wal)
	return wal
}

type runStep struct {
	Type    string
	Payload any
}

// advanceRun appends unsigned lifecycle events built against the current
// stream head, the way an agent-side SDK would.
func (f *fixture) advanceRun(payee, runID string, steps ...runStep) {
	f.t.Helper()
	run := f.getRun(payee, runID).Run
	head := run.HeadChainHash
	prev := &head
	var evs []events.Event
	at := f.clock.Now()
	for _, s := range steps {
		e, err := events.New(events.StreamID(domain.AggregateAgentRun, runID), s.Type,
			events.Actor{Type: events.ActorAgent, ID: payee}, s.Payload, prev, at)
		require.NoError(f.t, err)
		evs = append(evs, e)
		prev = &evs[len(evs)-1].ChainHash
	}
	body := mustJSON(f.t, map[string]any{"events": evs})
	w := f.doRaw(http.MethodPost, "/agents/"+payee+"/runs/"+runID+"/events", body, map[string]string{
		"Authorization":            "Bearer " + f.token,
		httpapi.HeaderExpectedPrev: head,
	})
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
}

// completeRun drives a created run to completion with the given
// verification status.
func (f *fixture) completeRun(payee, runID, verification string) {
	f.t.Helper()
	f.advanceRun(payee, runID,
		runStep{Type: domain.EvAgentRunStarted, Payload: map[string]any{}},
		runStep{Type: domain.EvAgentRunCompleted, Payload: domain.AgentRunCompletedPayload{
			VerificationMethod: "attestation",
			VerificationStatus: verification,
		}},
	)
}

func (f *fixture) resolveRun(runID string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	return f.do(http.MethodPost, "/runs/"+runID+"/settlement/resolve", body)
}

func TestRunCreateLocksEscrow(t *testing.T) {
	f := newFixture(t)
	f.credit("payer_1", 100_000)

	rv := f.openRun("run_1", "payer_1", "payee_1", 40_000)
	assert.Equal(t, domain.RunCreated, rv.Run.Status)
	assert.Equal(t, escrow.SettlementLocked, rv.Settlement.Status)
	assert.Equal(t, escrow.DecisionPending, rv.Settlement.DecisionStatus)

	payer := f.wallet("payer_1")
	assert.Equal(t, int64(60_000), payer.AvailableCents)
	assert.Equal(t, int64(40_000), payer.EscrowLockedCents)

	t.Run("insufficient funds", func(t *testing.T) {
		w := f.do(http.MethodPost, "/agents/payee_1/runs", map[string]any{
			"payerAgentId": "payer_1", "amountCents": 1_000_000, "currency": "USD",
		})
		require.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, httpapi.CodeInsufficientFunds, f.errCode(w))
	})

	t.Run("no wallet", func(t *testing.T) {
		w := f.do(http.MethodPost, "/agents/payee_1/runs", map[string]any{
			"payerAgentId": "ghost", "amountCents": 100, "currency": "USD",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestRunResolveGreenReleases(t *testing.T) {
	f := newFixture(t)
	f.credit("payer_1", 100_000)
	f.openRun("run_g", "payer_1", "payee_1", 40_000)
	f.completeRun("payee_1", "run_g", escrow.VerificationGreen)

	w := f.resolveRun("run_g", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rv runView
	f.decode(w, &rv)
	assert.Equal(t, escrow.SettlementReleased, rv.Settlement.Status)
	assert.Equal(t, escrow.DecisionAutoResolved, rv.Settlement.DecisionStatus)
	assert.Equal(t, int64(40_000), rv.Settlement.ReleaseAmountCents)
	assert.Zero(t, rv.Settlement.RefundAmountCents)
	assert.NotEmpty(t, rv.Settlement.DisputeWindowEnd)
	assert.True(t, rv.Run.SettlementResolved)

	assert.Equal(t, int64(40_000), f.wallet("payee_1").AvailableCents)
	payer := f.wallet("payer_1")
	assert.Equal(t, int64(60_000), payer.AvailableCents)
	assert.Zero(t, payer.EscrowLockedCents)

	t.Run("second resolve refused", func(t *testing.T) {
		w := f.resolveRun("run_g", map[string]any{})
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestRunResolveAmberHoldsBackHalf(t *testing.T) {
	f := newFixture(t)
	f.credit("payer_1", 50_000)
	f.openRun("run_a", "payer_1", "payee_1", 10_000)
	f.completeRun("payee_1", "run_a", escrow.VerificationAmber)

	w := f.resolveRun("run_a", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rv runView
	f.decode(w, &rv)
	assert.Equal(t, int64(5_000), rv.Settlement.ReleaseAmountCents)
	assert.Equal(t, int64(5_000), rv.Settlement.RefundAmountCents)

	assert.Equal(t, int64(5_000), f.wallet("payee_1").AvailableCents)
	assert.Equal(t, int64(45_000), f.wallet("payer_1").AvailableCents)
}

func TestRunResolveFailedRunRefunds(t *testing.T) {
	f := newFixture(t)
	f.credit("payer_1", 50_000)
	f.openRun("run_f", "payer_1", "payee_1", 10_000)
	f.advanceRun("payee_1", "run_f",
		runStep{Type: domain.EvAgentRunStarted, Payload: map[string]any{}},
		runStep{Type: domain.EvAgentRunFailed, Payload: domain.AgentRunFailedPayload{Reason: "task crashed"}},
	)

	w := f.resolveRun("run_f", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rv runView
	f.decode(w, &rv)
	assert.Equal(t, escrow.SettlementRefunded, rv.Settlement.Status)
	assert.Contains(t, rv.Settlement.ReasonCodes, escrow.ReasonRunFailed)

	assert.Equal(t, int64(50_000), f.wallet("payer_1").AvailableCents)
}

func TestRunResolveAboveCapParksForReview(t *testing.T) {
	f := newFixture(t)
	f.credit("payer_1", 500_000)
	f.openRun("run_m", "payer_1", "payee_1", 200_000)
	f.completeRun("payee_1", "run_m", escrow.VerificationGreen)

	w := f.resolveRun("run_m", map[string]any{})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var parked struct {
		Settlement *escrow.Settlement `json:"settlement"`
	}
	f.decode(w, &parked)
	assert.Equal(t, escrow.SettlementLocked, parked.Settlement.Status)
	assert.Equal(t, escrow.DecisionManualRequired, parked.Settlement.DecisionStatus)

	// Escrow has not moved while the settlement waits on a human.
	assert.Equal(t, int64(200_000), f.wallet("payer_1").EscrowLockedCents)

	// The finance operator settles at 80%.
	rate := 80
	w = f.resolveRun("run_m", map[string]any{"releaseRatePct": rate})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rv runView
	f.decode(w, &rv)
	assert.Equal(t, escrow.DecisionManualResolved, rv.Settlement.DecisionStatus)
	assert.Equal(t, int64(160_000), rv.Settlement.ReleaseAmountCents)
	assert.Equal(t, int64(40_000), rv.Settlement.RefundAmountCents)
	assert.Equal(t, int64(160_000), f.wallet("payee_1").AvailableCents)
	assert.Equal(t, int64(340_000), f.wallet("payer_1").AvailableCents)
}

func TestRunResolveRequiresTerminalRun(t *testing.T) {
	f := newFixture(t)
	f.credit("payer_1", 50_000)
	f.openRun("run_p", "payer_1", "payee_1", 10_000)

	w := f.resolveRun("run_p", map[string]any{})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, domain.CodeValidationFailed, f.errCode(w))
}

func TestRunDisputeLifecycle(t *testing.T) {
	f := newFixture(t)
	arbiter := f.registerAgent("arb_1")
	f.credit("payer_1", 100_000)
	f.openRun("run_d", "payer_1", "payee_1", 40_000)
	f.completeRun("payee_1", "run_d", escrow.VerificationGreen)

	w := f.resolveRun("run_d", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/runs/run_d/dispute/open", map[string]any{
		"reason": "output did not match the task brief",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rv runView
	f.decode(w, &rv)
	require.NotNil(t, rv.Run.Dispute)
	disputeID := rv.Run.Dispute.DisputeID
	assert.Equal(t, "open", rv.Settlement.DisputeStatus)

	w = f.do(http.MethodPost, "/runs/run_d/dispute/evidence", map[string]any{
		"evidenceRef": "blob://evidence/run_d/1", "note": "diff against the brief",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	f.decode(w, &rv)
	assert.Contains(t, rv.Run.Dispute.EvidenceRefs, "blob://evidence/run_d/1")

	w = f.do(http.MethodPost, "/runs/run_d/dispute/escalate", map[string]any{
		"arbiterAgentId": "arb_1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	core := escrow.VerdictCore{
		SchemaVersion:  escrow.VerdictSchemaVersion,
		TenantID:       f.tenant,
		RunID:          "run_d",
		DisputeID:      disputeID,
		ArbiterAgentID: "arb_1",
		Outcome:        escrow.VerdictOutcomePartial,
		ReleaseRatePct: 50,
		Rationale:      "half the deliverable was usable",
		DecidedAt:      events.FormatTime(f.clock.Now()),
	}

	t.Run("verdict from a stranger key rejected", func(t *testing.T) {
		stranger := f.registerAgent("stranger_1")
		forged, err := escrow.SignVerdict(core, stranger)
		require.NoError(t, err)
		w := f.do(http.MethodPost, "/runs/run_d/dispute/close", map[string]any{"verdict": forged})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, domain.CodeSignatureInvalid, f.errCode(w))
	})

	verdict, err := escrow.SignVerdict(core, arbiter)
	require.NoError(t, err)
	w = f.do(http.MethodPost, "/runs/run_d/dispute/close", map[string]any{"verdict": verdict})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	f.decode(w, &rv)
	assert.Equal(t, "closed", rv.Settlement.DisputeStatus)
	assert.Equal(t, "closed", rv.Run.Dispute.Status)
	assert.Equal(t, 50, rv.Run.Dispute.ReleaseRatePct)

	// The green release moved 40k to the payee; the 50% verdict claws half
	// back to the payer.
	assert.Equal(t, int64(20_000), f.wallet("payee_1").AvailableCents)
	assert.Equal(t, int64(80_000), f.wallet("payer_1").AvailableCents)

	// The signed verdict is archived as an artifact.
	arts, err := f.store.ListArtifacts(t.Context(), f.tenant, "", 0)
	require.NoError(t, err)
	var found bool
	for _, a := range arts {
		if a.JobID == "run_d" {
			found = true
		}
	}
	assert.True(t, found, "verdict artifact should be indexed")
}

func TestRunDisputeWindowElapsed(t *testing.T) {
	f := newFixture(t)
	f.credit("payer_1", 50_000)
	f.openRun("run_w", "payer_1", "payee_1", 10_000)
	f.completeRun("payee_1", "run_w", escrow.VerificationGreen)
	w := f.resolveRun("run_w", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	f.clock.Advance(15 * 24 * time.Hour)
	w = f.do(http.MethodPost, "/runs/run_w/dispute/open", map[string]any{"reason": "too late"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domain.CodeValidationFailed, f.errCode(w))
}

func TestRunChangeOrderAndKillFee(t *testing.T) {
	f := newFixture(t)
	f.credit("payer_1", 100_000)
	f.openRun("run_c", "payer_1", "payee_1", 40_000)

	w := f.do(http.MethodPost, "/runs/run_c/agreement/change-order", map[string]any{
		"newAmountCents": 60_000, "reason": "scope grew",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rv runView
	f.decode(w, &rv)
	assert.Equal(t, int64(60_000), rv.Run.AmountCents)
	assert.Equal(t, int64(60_000), rv.Settlement.AmountCents)
	payer := f.wallet("payer_1")
	assert.Equal(t, int64(40_000), payer.AvailableCents)
	assert.Equal(t, int64(60_000), payer.EscrowLockedCents)

	w = f.do(http.MethodPost, "/runs/run_c/agreement/cancel", map[string]any{
		"killFeeRatePct": 25, "reason": "requester pulled the task",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	f.decode(w, &rv)
	assert.NotEmpty(t, rv.Run.CancelledAt)
	assert.Equal(t, 25, rv.Run.KillFeeRatePct)

	w = f.resolveRun("run_c", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	f.decode(w, &rv)
	assert.Contains(t, rv.Settlement.ReasonCodes, escrow.ReasonKillFee)
	assert.Equal(t, int64(15_000), rv.Settlement.ReleaseAmountCents)
	assert.Equal(t, int64(45_000), rv.Settlement.RefundAmountCents)
	assert.Equal(t, int64(15_000), f.wallet("payee_1").AvailableCents)
	assert.Equal(t, int64(85_000), f.wallet("payer_1").AvailableCents)
}

func TestAgentSignedRequest(t *testing.T) {
	f := newFixture(t)
	signer := f.registerAgent("agent_a")
	f.credit("agent_a", 1_000)
	f.credit("agent_b", 1_000)

	signedGet := func(signer *crypto.Ed25519Signer, agentID, path string) *httptest.ResponseRecorder {
		ts := strconv.FormatInt(f.clock.Now().Unix(), 10)
		sig, err := signer.Sign([]byte(auth.AgentRequest{
			AgentID: agentID, KeyID: signer.KeyID(), Timestamp: ts,
			Method: http.MethodGet, Path: path,
		}.SigningString()))
		require.NoError(t, err)
		return f.doRaw(http.MethodGet, path, nil, map[string]string{
			auth.HeaderAgentID:        agentID,
			auth.HeaderAgentKeyID:     signer.KeyID(),
			auth.HeaderAgentTimestamp: ts,
			auth.HeaderAgentSignature: sig,
		})
	}

	w := signedGet(signer, "agent_a", "/agents/agent_a/wallet")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var wal escrow.Wallet
	f.decode(w, &wal)
	assert.Equal(t, int64(1_000), wal.AvailableCents)

	// Signed agents cannot read another agent's wallet.
	w = signedGet(signer, "agent_a", "/agents/agent_b/wallet")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// A stale timestamp fails verification.
	f.clock.Advance(10 * time.Minute)
	staleTS := strconv.FormatInt(f.clock.Now().Add(-8*time.Minute).Unix(), 10)
	sig, err := signer.Sign([]byte(auth.AgentRequest{
		AgentID: "agent_a", KeyID: signer.KeyID(), Timestamp: staleTS,
		Method: http.MethodGet, Path: "/agents/agent_a/wallet",
	}.SigningString()))
	require.NoError(t, err)
	w = f.doRaw(http.MethodGet, "/agents/agent_a/wallet", nil, map[string]string{
		auth.HeaderAgentID:        "agent_a",
		auth.HeaderAgentKeyID:     signer.KeyID(),
		auth.HeaderAgentTimestamp: staleTS,
		auth.HeaderAgentSignature: sig,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
