package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/objectstore"
	"github.com/settld-labs/settld/pkg/store"
)

func artifactRig(t *testing.T, st *store.MemoryStore) (*ArtifactBuilder, *artifacts.Registry) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("srv_1")
	require.NoError(t, err)
	registry := artifacts.NewRegistry(objectstore.NewMemoryStore(), signer)
	dests := map[string][]delivery.Destination{
		"t1": {
			{TenantID: "t1", DestinationID: "wh_1", Kind: "webhook", URL: "https://hooks.example.com/settld", Secret: "whsec_1", Enabled: true},
			{TenantID: "t1", DestinationID: "s3_1", Kind: "s3", Bucket: "exports", Prefix: "finance",
				ArtifactTypes: []string{artifacts.TypeSettlementStatement}, Enabled: true},
		},
	}
	return NewArtifactBuilder(st, registry, dests, quiet(), fixedClock(acctAt)), registry
}

func TestArtifact_ProofReceiptOnEvaluation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	commitJob(t, st, completedJobStream(t, "j_1", true), false)

	pw := NewProof(st, quiet(), fixedClock(tickAt), 0)
	_, err := pw.Tick(ctx, 10)
	require.NoError(t, err)

	w, registry := artifactRig(t, st)
	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, err := st.ListArtifacts(ctx, "t1", artifacts.TypeProofReceipt, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "j_1", rows[0].JobID)

	env, err := registry.Get(ctx, rows[0].Ref)
	require.NoError(t, err)
	require.NotEmpty(t, env.Signature)
	var receipt artifacts.ProofReceiptPayload
	require.NoError(t, env.DecodePayload(&receipt))
	require.Equal(t, "j_1", receipt.JobID)
	require.Equal(t, domain.ProofVerdictSufficient, receipt.Verdict)

	// Only the webhook destination subscribes to receipts.
	ds, err := st.ListDeliveries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, "wh_1", ds[0].DestinationID)
	require.Equal(t, delivery.StatePending, ds[0].State)
}

func TestArtifact_SettlementBuildsStatementAndCertificate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	commitJob(t, st, settledJobStream(t, "j_1", "premium", true, time.Time{}), false)

	w, registry := artifactRig(t, st)
	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stmts, err := st.ListArtifacts(ctx, "t1", artifacts.TypeSettlementStatement, 10)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	certs, err := st.ListArtifacts(ctx, "t1", artifacts.TypeWorkCertificate, 10)
	require.NoError(t, err)
	require.Len(t, certs, 1)

	env, err := registry.Get(ctx, certs[0].Ref)
	require.NoError(t, err)
	var cert artifacts.WorkCertificatePayload
	require.NoError(t, env.DecodePayload(&cert))
	require.Equal(t, "j_1", cert.JobID)
	require.Equal(t, "r_1", cert.RobotID)
	require.Equal(t, int64(40_000), cert.SettledAmountCents)

	// Webhook takes both artifacts, the s3 export only the statement.
	ds, err := st.ListDeliveries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ds, 3)

	// A redelivered trigger changes nothing: same ids, deduped deliveries.
	enqueueTrigger(t, st, store.TopicArtifactBuild, "j_1", domain.EvJobSettled)
	n, err = w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	ds, err = st.ListDeliveries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ds, 3)
}

func TestArtifact_DisputeCloseRedeliversVerdict(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	w, registry := artifactRig(t, st)

	// Index the verdict artifact the close event will reference.
	env, err := artifacts.New("t1", artifacts.TypeDisputeVerdict,
		map[string]string{"disputeId": "d_1", "outcome": "upheld"}, nil, acctAt)
	require.NoError(t, err)
	ref, err := registry.Put(ctx, env)
	require.NoError(t, err)
	require.NoError(t, st.PutArtifact(ctx, &store.ArtifactRow{
		TenantID: "t1", ArtifactID: env.ArtifactID, ArtifactType: env.ArtifactType,
		ArtifactHash: env.ArtifactHash, Ref: ref, JobID: "j_1", CreatedAt: env.CreatedAt,
	}))

	b := completedJobStream(t, "j_1", true)
	b.add(domain.EvDisputeOpened, reqActor(), domain.DisputeOpenedPayload{DisputeID: "d_1", Reason: "missed rooms", OpenedBy: "req_1"})
	b.add(domain.EvDisputeClosed, sysActor(), domain.DisputeClosedPayload{
		DisputeID: "d_1", Outcome: "upheld", VerdictArtifactID: env.ArtifactID,
	})
	commitJob(t, st, b, false)

	pw := NewProof(st, quiet(), fixedClock(tickAt), 0)
	_, err = pw.Tick(ctx, 10)
	require.NoError(t, err)

	// One trigger from the dispute close, one from the fresh evaluation.
	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ds, err := st.ListDeliveries(ctx, "t1")
	require.NoError(t, err)
	var verdictDelivery *delivery.Delivery
	for i := range ds {
		if ds[i].ArtifactID == env.ArtifactID {
			verdictDelivery = &ds[i]
		}
	}
	require.NotNil(t, verdictDelivery)
	require.Equal(t, "wh_1", verdictDelivery.DestinationID)

	// Redelivered triggers dedupe against the existing delivery rows.
	enqueueTrigger(t, st, store.TopicArtifactBuild, "j_1", domain.EvDisputeClosed)
	n, err = w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	again, err := st.ListDeliveries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, again, len(ds))
}

func TestArtifact_StaleTriggerConsumed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	commitJob(t, st, bookedJobStream(t, "j_1", "standard"), false)

	w, _ := artifactRig(t, st)
	enqueueTrigger(t, st, store.TopicArtifactBuild, "j_1", domain.EvJobSettled)
	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, err := st.ListArtifacts(ctx, "t1", "", 10)
	require.NoError(t, err)
	require.Empty(t, rows)
}
