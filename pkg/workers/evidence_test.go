package workers

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/objectstore"
	"github.com/settld-labs/settld/pkg/store"
)

// sweepAt is far enough past the seeded captures to age them beyond the
// default 90 day retention.
var sweepAt = time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)

// capturedEvidence stores data and appends its capture to the stream.
func capturedEvidence(t *testing.T, b *streamBuilder, blobs objectstore.Store, evidenceID string, data []byte) string {
	t.Helper()
	ref, err := blobs.Put(context.Background(), data)
	require.NoError(t, err)
	b.add(domain.EvEvidenceCaptured, robotActor("r_1"), domain.EvidenceCapturedPayload{
		EvidenceID:  evidenceID,
		ContentType: "image/png",
		SizeBytes:   int64(len(data)),
		Sha256:      strings.TrimPrefix(ref, "sha256:"),
		EvidenceRef: ref,
	})
	return ref
}

func settleWithEvidence(t *testing.T, st *store.MemoryStore, blobs objectstore.Store, jobID string) []string {
	t.Helper()
	b := executingJobStream(t, jobID, "standard", false)
	refs := []string{
		capturedEvidence(t, b, blobs, "ev_1", []byte("frame-1")),
		capturedEvidence(t, b, blobs, "ev_2", []byte("clip-2")),
	}
	b.add(domain.EvJobCompleted, robotActor("r_1"), domain.JobCompletedPayload{Summary: "done"})
	b.add(domain.EvJobSettled, sysActor(), domain.JobSettledPayload{
		HoldID: "hold_" + jobID, AmountCents: 40_000, Currency: "USD",
		ReleaseRatePct: 100, Basis: domain.BasisAccrual,
	})
	commitJob(t, st, b, false)
	return refs
}

func TestEvidenceRetention_ExpiresAgedRecords(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	blobs := objectstore.NewMemoryStore()
	refs := settleWithEvidence(t, st, blobs, "j_1")

	w := NewEvidenceRetention(st, blobs, quiet(), fixedClock(sweepAt))
	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, evs := reduceJob(t, st, "j_1")
	require.NoError(t, events.VerifyChain(evs, nil))
	tail := eventTypes(evs[len(evs)-2:])
	require.Equal(t, []string{domain.EvEvidenceExpired, domain.EvEvidenceExpired}, tail)

	var p domain.EvidenceExpiredPayload
	require.NoError(t, evs[len(evs)-2].DecodePayload(&p))
	require.Equal(t, "ev_1", p.EvidenceID)
	require.Equal(t, 90, p.RetentionDays)

	for _, rec := range job.Evidence {
		require.True(t, rec.Expired, rec.EvidenceID)
	}
	for _, ref := range refs {
		ok, err := blobs.Exists(ctx, ref)
		require.NoError(t, err)
		require.False(t, ok, ref)
	}

	n, err = w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEvidenceRetention_FreshEvidenceKept(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	blobs := objectstore.NewMemoryStore()
	refs := settleWithEvidence(t, st, blobs, "j_1")

	w := NewEvidenceRetention(st, blobs, quiet(), fixedClock(tickAt))
	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)

	ok, err := blobs.Exists(ctx, refs[0])
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvidenceRetention_NegativeRetentionDisables(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	seedPolicyOverride(t, st, domain.PolicySettings{EvidenceRetentionDays: -1})
	blobs := objectstore.NewMemoryStore()
	refs := settleWithEvidence(t, st, blobs, "j_1")

	w := NewEvidenceRetention(st, blobs, quiet(), fixedClock(sweepAt))
	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)

	ok, err := blobs.Exists(ctx, refs[0])
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvidenceRetention_LiveJobUntouched(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))
	blobs := objectstore.NewMemoryStore()

	// Completed but unsettled: the job still faces its proof gate, so its
	// evidence stays whole no matter how old.
	b := executingJobStream(t, "j_1", "standard", false)
	ref := capturedEvidence(t, b, blobs, "ev_1", []byte("frame-1"))
	b.add(domain.EvJobCompleted, robotActor("r_1"), domain.JobCompletedPayload{Summary: "done"})
	commitJob(t, st, b, false)

	w := NewEvidenceRetention(st, blobs, quiet(), fixedClock(sweepAt))
	n, err := w.Tick(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)

	ok, err := blobs.Exists(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
}
