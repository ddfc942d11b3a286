package artifacts_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/objectstore"
)

var artAt = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func systemEvent(t *testing.T, streamID, typ string, payload any, prev *string, at time.Time) events.Event {
	t.Helper()
	e, err := events.New(streamID, typ, events.Actor{Type: events.ActorSystem, ID: "settld"}, payload, prev, at)
	require.NoError(t, err)
	return e
}

// settledJobFixture returns a settled job aggregate plus the three events
// the certificate pipeline anchors to.
func settledJobFixture(t *testing.T) (*domain.Job, []events.Event) {
	t.Helper()
	streamID := events.StreamID("job", "job_cert_1")

	completed := systemEvent(t, streamID, domain.EvJobCompleted,
		domain.JobCompletedPayload{Summary: "all zones covered"}, nil, artAt)
	proof := systemEvent(t, streamID, domain.EvProofEvaluated, domain.ProofEvaluatedPayload{
		ProofVersion:         "zone_coverage_proof.v1",
		EvaluatedAtChainHash: completed.ChainHash,
		CustomerPolicyHash:   "cust_pol_hash",
		FactsHash:            "facts_hash_1",
		Verdict:              "SUFFICIENT",
		CoveragePct:          92.5,
	}, &completed.ChainHash, artAt.Add(time.Minute))
	settled := systemEvent(t, streamID, domain.EvJobSettled, domain.JobSettledPayload{
		HoldID:         "hold_abc",
		AmountCents:    8_500,
		Currency:       "USD",
		ReleaseRatePct: 85,
		Basis:          "policy",
		SettlementProofRef: &domain.SettlementProofRef{
			EvaluatedAtChainHash: completed.ChainHash,
			CustomerPolicyHash:   "cust_pol_hash",
			FactsHash:            "facts_hash_1",
		},
	}, &proof.ChainHash, artAt.Add(2*time.Minute))

	job := &domain.Job{
		ID:                 "job_cert_1",
		Status:             domain.JobSettled,
		RequesterID:        "req_1",
		RobotID:            "rob_1",
		OperatorID:         "op_1",
		Zone:               "zone_a",
		Currency:           "USD",
		AmountCents:        10_000,
		CompletedAt:        completed.At,
		SettledAt:          settled.At,
		SettledAmountCents: 8_500,
		SettlementBasis:    "policy",
		LastProofEval: &domain.ProofEvaluatedPayload{
			ProofVersion:         "zone_coverage_proof.v1",
			EvaluatedAtChainHash: completed.ChainHash,
			CustomerPolicyHash:   "cust_pol_hash",
			FactsHash:            "facts_hash_1",
			Verdict:              "SUFFICIENT",
			CoveragePct:          92.5,
		},
	}
	return job, []events.Event{completed, proof, settled}
}

func TestNew_IdentityIsContentDerived(t *testing.T) {
	sources := []artifacts.EventProof{{EventID: "evt_1", StreamID: "job:j1", ChainHash: "ch", PayloadHash: "ph"}}

	a, err := artifacts.New("tn_1", artifacts.TypeProofReceipt,
		map[string]any{"b": 2, "a": 1}, sources, artAt)
	require.NoError(t, err)
	b, err := artifacts.New("tn_1", artifacts.TypeProofReceipt,
		map[string]any{"a": 1, "b": 2}, sources, artAt.Add(48*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, a.ArtifactHash, b.ArtifactHash)
	assert.Equal(t, a.ArtifactID, b.ArtifactID)
	assert.True(t, strings.HasPrefix(a.ArtifactID, "art_"))
	assert.Len(t, a.ArtifactHash, 64)
	assert.NotEqual(t, a.CreatedAt, b.CreatedAt)

	c, err := artifacts.New("tn_2", artifacts.TypeProofReceipt,
		map[string]any{"a": 1, "b": 2}, sources, artAt)
	require.NoError(t, err)
	assert.NotEqual(t, a.ArtifactID, c.ArtifactID, "tenant is part of identity")
}

func TestNew_Bounds(t *testing.T) {
	_, err := artifacts.New("tn_1", "", map[string]any{"a": 1}, nil, artAt)
	require.Error(t, err)

	big := strings.Repeat("x", artifacts.MaxPayloadBytes)
	_, err = artifacts.New("tn_1", artifacts.TypeProofReceipt, map[string]any{"blob": big}, nil, artAt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of bounds")
}

func TestEnvelope_VerifyCatchesTamper(t *testing.T) {
	env, err := artifacts.New("tn_1", artifacts.TypeProofReceipt, map[string]any{"a": 1}, nil, artAt)
	require.NoError(t, err)
	require.NoError(t, env.Verify())

	tampered := *env
	tampered.Core.Payload = []byte(`{"a":2}`)
	require.ErrorContains(t, tampered.Verify(), "hash mismatch")

	renamed := *env
	renamed.ArtifactID = "art_000000000000000000000000"
	require.ErrorContains(t, renamed.Verify(), "does not derive")

	relabeled := *env
	relabeled.ArtifactType = artifacts.TypeWorkCertificate
	require.ErrorContains(t, relabeled.Verify(), "schemaVersion")
}

func TestEnvelope_SignAndVerifySignature(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("server_key_1")
	require.NoError(t, err)
	other, err := crypto.NewEd25519Signer("server_key_2")
	require.NoError(t, err)

	env, err := artifacts.New("tn_1", artifacts.TypeProofReceipt, map[string]any{"a": 1}, nil, artAt)
	require.NoError(t, err)

	require.Error(t, env.VerifySignature(signer.PublicKey()), "unsigned envelope must not verify")

	require.NoError(t, env.Sign(signer))
	assert.Equal(t, "server_key_1", env.SignerKeyID)
	require.NoError(t, env.VerifySignature(signer.PublicKey()))
	require.Error(t, env.VerifySignature(other.PublicKey()))

	env.Signature = strings.Repeat("A", len(env.Signature))
	require.Error(t, env.VerifySignature(signer.PublicKey()))
}

func TestBuildWorkCertificate(t *testing.T) {
	job, evs := settledJobFixture(t)

	env, err := artifacts.BuildWorkCertificate("tn_1", job, evs, artAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, artifacts.TypeWorkCertificate, env.ArtifactType)
	require.NoError(t, env.Verify())
	require.Len(t, env.Core.Sources, 3)
	assert.Equal(t, evs[0].ID, env.Core.Sources[0].EventID)
	assert.Equal(t, evs[2].ID, env.Core.Sources[2].EventID)

	var p artifacts.WorkCertificatePayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "job_cert_1", p.JobID)
	assert.Equal(t, int64(10_000), p.AmountCents)
	assert.Equal(t, int64(8_500), p.SettledAmountCents)
	assert.Equal(t, "SUFFICIENT", p.ProofVerdict)
	assert.InDelta(t, 92.5, p.CoveragePct, 0.0001)
	assert.Equal(t, "facts_hash_1", p.FactsHash)

	again, err := artifacts.BuildWorkCertificate("tn_1", job, evs, artAt.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, env.ArtifactID, again.ArtifactID, "rebuilds are idempotent")
}

func TestBuildWorkCertificate_KeepsLatestProofEvaluation(t *testing.T) {
	job, evs := settledJobFixture(t)
	head := evs[len(evs)-1].ChainHash
	reproof := systemEvent(t, evs[0].StreamID, domain.EvProofEvaluated, domain.ProofEvaluatedPayload{
		ProofVersion:         "zone_coverage_proof.v1",
		EvaluatedAtChainHash: evs[0].ChainHash,
		CustomerPolicyHash:   "cust_pol_hash",
		FactsHash:            "facts_hash_2",
		Verdict:              "SUFFICIENT",
		CoveragePct:          97.0,
	}, &head, artAt.Add(3*time.Minute))
	evs = append(evs, reproof)

	env, err := artifacts.BuildWorkCertificate("tn_1", job, evs, artAt.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, env.Core.Sources, 3, "superseded proof evaluation drops out")
	assert.Equal(t, reproof.ID, env.Core.Sources[1].EventID)
}

func TestBuildWorkCertificate_RequiresSettledJob(t *testing.T) {
	job, evs := settledJobFixture(t)
	job.Status = domain.JobCompleted
	_, err := artifacts.BuildWorkCertificate("tn_1", job, evs, artAt)
	require.ErrorContains(t, err, "not settled")

	_, err = artifacts.BuildWorkCertificate("tn_1", nil, evs, artAt)
	require.Error(t, err)
}

func TestBuildSettlementStatement(t *testing.T) {
	job, evs := settledJobFixture(t)
	settled := evs[2]

	env, err := artifacts.BuildSettlementStatement("tn_1", job, settled, artAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, artifacts.TypeSettlementStatement, env.ArtifactType)
	require.Len(t, env.Core.Sources, 1)
	assert.Equal(t, settled.ID, env.Core.Sources[0].EventID)

	var p artifacts.SettlementStatementPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "job_cert_1", p.JobID)
	assert.Equal(t, "hold_abc", p.HoldID)
	assert.Equal(t, int64(8_500), p.ReleaseAmountCents)
	assert.Equal(t, int64(1_500), p.RefundAmountCents)
	require.NotNil(t, p.ProofRef)
	assert.Equal(t, "facts_hash_1", p.ProofRef.FactsHash)

	_, err = artifacts.BuildSettlementStatement("tn_1", job, evs[0], artAt)
	require.ErrorContains(t, err, "anchor event")
}

func TestBuildRunSettlementStatement(t *testing.T) {
	resolved := systemEvent(t, events.StreamID("agent_run", "run_1"),
		domain.EvRunSettlementResolved, map[string]any{"status": "released"}, nil, artAt)
	s := &escrow.Settlement{
		TenantID:           "tn_1",
		RunID:              "run_1",
		PayerAgentID:       "agent_payer",
		PayeeAgentID:       "agent_payee",
		AmountCents:        10_000,
		Currency:           "USD",
		PolicyID:           "pol_1",
		Status:             escrow.SettlementReleased,
		DecisionStatus:     escrow.DecisionAutoResolved,
		ReasonCodes:        []string{escrow.ReasonAutoGreen},
		ReleaseAmountCents: 10_000,
		ResolvedAt:         resolved.At,
	}

	env, err := artifacts.BuildRunSettlementStatement("tn_1", s, resolved, artAt.Add(time.Minute))
	require.NoError(t, err)

	var p artifacts.SettlementStatementPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "run_1", p.RunID)
	assert.Empty(t, p.JobID)
	assert.Equal(t, "agent_payee", p.PayeeAgentID)
	assert.Equal(t, escrow.DecisionAutoResolved, p.DecisionStatus)
	assert.Equal(t, []string{escrow.ReasonAutoGreen}, p.ReasonCodes)

	s.Status = escrow.SettlementLocked
	_, err = artifacts.BuildRunSettlementStatement("tn_1", s, resolved, artAt)
	require.ErrorContains(t, err, "still locked")
}

func TestBuildProofReceipt(t *testing.T) {
	_, evs := settledJobFixture(t)
	proof := evs[1]

	env, err := artifacts.BuildProofReceipt("tn_1", "job_cert_1", proof, artAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, artifacts.TypeProofReceipt, env.ArtifactType)

	var p artifacts.ProofReceiptPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "job_cert_1", p.JobID)
	assert.Equal(t, evs[0].ChainHash, p.EvaluatedAtChainHash)
	assert.Equal(t, "SUFFICIENT", p.Verdict)
	assert.Equal(t, proof.At, p.EvaluatedAt)

	_, err = artifacts.BuildProofReceipt("tn_1", "job_cert_1", evs[0], artAt)
	require.ErrorContains(t, err, "anchor event")
}

func TestBuildDisputeVerdict(t *testing.T) {
	arbiter, err := crypto.NewEd25519Signer("arbiter_key_1")
	require.NoError(t, err)
	verdict, err := escrow.SignVerdict(escrow.VerdictCore{
		SchemaVersion:  escrow.VerdictSchemaVersion,
		TenantID:       "tn_1",
		RunID:          "run_1",
		DisputeID:      "dsp_1",
		ArbiterAgentID: "agent_arbiter",
		Outcome:        escrow.VerdictOutcomePartial,
		ReleaseRatePct: 60,
		Rationale:      "partial delivery confirmed",
		DecidedAt:      events.FormatTime(artAt),
	}, arbiter)
	require.NoError(t, err)

	closed := systemEvent(t, events.StreamID("agent_run", "run_1"),
		domain.EvRunDisputeClosed, map[string]any{"disputeId": "dsp_1"}, nil, artAt)

	env, err := artifacts.BuildDisputeVerdict("tn_1", verdict, arbiter.PublicKey(), closed, artAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, artifacts.TypeDisputeVerdict, env.ArtifactType)

	var p artifacts.DisputeVerdictPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, verdict.Signature, p.Verdict.Signature, "inner arbiter signature survives wrapping")
	assert.Equal(t, 60, p.Verdict.Core.ReleaseRatePct)

	stranger, err := crypto.NewEd25519Signer("other")
	require.NoError(t, err)
	_, err = artifacts.BuildDisputeVerdict("tn_1", verdict, stranger.PublicKey(), closed, artAt)
	require.Error(t, err, "verdicts with unverifiable inner signatures are refused")
}

func TestRegistry_PutSealsAndGetVerifies(t *testing.T) {
	ctx := context.Background()
	signer, err := crypto.NewEd25519Signer("server_key_1")
	require.NoError(t, err)
	reg := artifacts.NewRegistry(objectstore.NewMemoryStore(), signer)

	env, err := artifacts.New("tn_1", artifacts.TypeProofReceipt, map[string]any{"a": 1}, nil, artAt)
	require.NoError(t, err)

	ref, err := reg.Put(ctx, env)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "sha256:"))
	assert.NotEmpty(t, env.Signature, "put seals unsigned envelopes")

	ref2, err := reg.Put(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)

	got, err := reg.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, env.ArtifactID, got.ArtifactID)
	require.NoError(t, got.VerifySignature(signer.PublicKey()))
}

func TestRegistry_PutRejectsBrokenEnvelopes(t *testing.T) {
	ctx := context.Background()
	signer, err := crypto.NewEd25519Signer("server_key_1")
	require.NoError(t, err)
	reg := artifacts.NewRegistry(objectstore.NewMemoryStore(), signer)

	env, err := artifacts.New("tn_1", artifacts.TypeProofReceipt, map[string]any{"a": 1}, nil, artAt)
	require.NoError(t, err)
	env.Core.Payload = []byte(`{"a":2}`)
	_, err = reg.Put(ctx, env)
	require.Error(t, err)

	_, err = reg.Put(ctx, nil)
	require.Error(t, err)

	unsigned := artifacts.NewRegistry(objectstore.NewMemoryStore(), nil)
	fresh, err := artifacts.New("tn_1", artifacts.TypeProofReceipt, map[string]any{"a": 1}, nil, artAt)
	require.NoError(t, err)
	_, err = unsigned.Put(ctx, fresh)
	require.ErrorContains(t, err, "no signer")
}

func TestRegistry_Audit(t *testing.T) {
	ctx := context.Background()
	signer, err := crypto.NewEd25519Signer("server_key_1")
	require.NoError(t, err)
	store := objectstore.NewMemoryStore()
	reg := artifacts.NewRegistry(store, signer)

	env, err := artifacts.New("tn_1", artifacts.TypeProofReceipt, map[string]any{"a": 1}, nil, artAt)
	require.NoError(t, err)
	ref, err := reg.Put(ctx, env)
	require.NoError(t, err)

	valid, reasons, err := reg.Audit(ctx, ref, signer.PublicKey())
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Empty(t, reasons)

	other, err := crypto.NewEd25519Signer("other")
	require.NoError(t, err)
	valid, reasons, err = reg.Audit(ctx, ref, other.PublicKey())
	require.NoError(t, err)
	assert.False(t, valid)
	assert.NotEmpty(t, reasons)

	// An unsigned envelope smuggled straight into the store fails closed.
	bare, err := artifacts.New("tn_1", artifacts.TypeProofReceipt, map[string]any{"b": 2}, nil, artAt)
	require.NoError(t, err)
	raw, err := canonicalize.JCS(bare)
	require.NoError(t, err)
	bareRef, err := store.Put(ctx, raw)
	require.NoError(t, err)
	valid, reasons, err = reg.Audit(ctx, bareRef, signer.PublicKey())
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Contains(t, strings.Join(reasons, "; "), "missing signature")
}
