package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/proofs"
	"github.com/settld-labs/settld/pkg/store"
)

// completedJobStream builds a job through COMPLETED, optionally with zone
// coverage reports that clear the default threshold.
func completedJobStream(t *testing.T, jobID string, withCoverage bool) *streamBuilder {
	b := executingJobStream(t, jobID, "standard", false)
	if withCoverage {
		b.add(domain.EvZoneCoverage, robotActor("r_1"), domain.ZoneCoveragePayload{
			ZoneID: "z1", Seq: 1, CellsCovered: 60, CellsTotal: 100, CoveragePct: 60, ReportedAt: events.FormatTime(b.at),
		})
		b.add(domain.EvZoneCoverage, robotActor("r_1"), domain.ZoneCoveragePayload{
			ZoneID: "z1", Seq: 2, CellsCovered: 92, CellsTotal: 100, CoveragePct: 92, ReportedAt: events.FormatTime(b.at),
		})
	}
	b.add(domain.EvJobCompleted, robotActor("r_1"), domain.JobCompletedPayload{Summary: "done"})
	return b
}

func TestProof_SufficientCoverage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	// The committer derives the proof trigger from the completion event.
	commitJob(t, st, completedJobStream(t, "j_1", true), false)

	w := NewProof(st, quiet(), fixedClock(tickAt), 0)
	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, evs := reduceJob(t, st, "j_1")
	require.Equal(t, domain.EvProofEvaluated, evs[len(evs)-1].Type)
	require.NoError(t, events.VerifyChain(evs, nil))

	require.NotNil(t, job.LastProofEval)
	require.Equal(t, domain.ProofVerdictSufficient, job.LastProofEval.Verdict)
	require.Equal(t, proofs.ProofVersionZoneCoverageV1, job.LastProofEval.ProofVersion)
	require.Equal(t, job.CompletionChainHash, job.LastProofEval.EvaluatedAtChainHash)
	require.Equal(t, "cph_1", job.LastProofEval.CustomerPolicyHash)
	require.Equal(t, float64(92), job.LastProofEval.CoveragePct)
	require.NotEmpty(t, job.LastProofEval.FactsHash)
	require.Greater(t, job.ProofEvalVersion, job.FactsChangeVersion)

	n, err = w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestProof_NoCoverageIsInsufficient(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	commitJob(t, st, completedJobStream(t, "j_1", false), false)

	w := NewProof(st, quiet(), fixedClock(tickAt), 0)
	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, _ := reduceJob(t, st, "j_1")
	require.NotNil(t, job.LastProofEval)
	require.Equal(t, domain.ProofVerdictInsufficient, job.LastProofEval.Verdict)
	require.Zero(t, job.LastProofEval.CoveragePct)
}

func TestProof_ReevaluatesAfterLateEvidence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	commitJob(t, st, completedJobStream(t, "j_1", true), false)

	w := NewProof(st, quiet(), fixedClock(tickAt), 0)
	_, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	job, evs := reduceJob(t, st, "j_1")
	firstFacts := job.LastProofEval.FactsHash

	// Late evidence staling the proof. Ingest re-enqueues an evaluation.
	capture, err := events.New("job:j_1", domain.EvEvidenceCaptured, robotActor("r_1"), domain.EvidenceCapturedPayload{
		EvidenceID: "ev_late", ContentType: "image/png", SizeBytes: 512, Sha256: "aa", EvidenceRef: "tenants/t1/ev_late",
	}, events.HeadHash(evs), tickAt)
	require.NoError(t, err)
	appendOp, err := store.AppendJobEvents(capture)
	require.NoError(t, err)
	require.NoError(t, st.CommitTx(ctx, "t1", []store.Op{appendOp}))
	enqueueTrigger(t, st, store.TopicProofEval, "j_1", domain.EvEvidenceCaptured)

	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, _ = reduceJob(t, st, "j_1")
	require.Equal(t, 2, countEvents(t, st, "j_1", domain.EvProofEvaluated))
	require.NotEqual(t, firstFacts, job.LastProofEval.FactsHash)
	require.Greater(t, job.ProofEvalVersion, job.FactsChangeVersion)
}

func TestProof_FreshProofConsumesDuplicateTrigger(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	commitJob(t, st, completedJobStream(t, "j_1", true), false)

	w := NewProof(st, quiet(), fixedClock(tickAt), 0)
	_, err := w.Tick(ctx, 10)
	require.NoError(t, err)

	enqueueTrigger(t, st, store.TopicProofEval, "j_1", domain.EvJobCompleted)
	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, countEvents(t, st, "j_1", domain.EvProofEvaluated))
}

func TestProof_SettledJobSkipsEvaluation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	commitJob(t, st, settledJobStream(t, "j_1", "standard", false, lateAt), false)

	w := NewProof(st, quiet(), fixedClock(acctAt), 0)
	// Drain the completion-derived trigger against the now settled job.
	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, countEvents(t, st, "j_1", domain.EvProofEvaluated))
}

func TestProof_OpenDisputeSuppressesReproof(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	commitJob(t, st, completedJobStream(t, "j_1", true), false)

	w := NewProof(st, quiet(), fixedClock(tickAt), 0)
	_, err := w.Tick(ctx, 10)
	require.NoError(t, err)

	_, evs := reduceJob(t, st, "j_1")
	b := &streamBuilder{t: t, stream: "job:j_1", evs: evs, at: tickAt}
	b.add(domain.EvDisputeOpened, reqActor(), domain.DisputeOpenedPayload{DisputeID: "d_1", Reason: "missed rooms", OpenedBy: "req_1"})
	b.add(domain.EvEvidenceCaptured, robotActor("r_1"), domain.EvidenceCapturedPayload{
		EvidenceID: "ev_d", ContentType: "image/png", SizeBytes: 512, Sha256: "bb", EvidenceRef: "tenants/t1/ev_d",
	})
	appendOp, err := store.AppendJobEvents(b.evs[len(b.evs)-2:]...)
	require.NoError(t, err)
	require.NoError(t, st.CommitTx(ctx, "t1", []store.Op{appendOp}))
	enqueueTrigger(t, st, store.TopicProofEval, "j_1", domain.EvEvidenceCaptured)

	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	// Default policy keeps the pre-dispute proof frozen.
	require.Equal(t, 1, countEvents(t, st, "j_1", domain.EvProofEvaluated))
}
