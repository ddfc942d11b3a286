package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

func TestDispatcher_PlacesBestRobotWithCoverage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))

	seedRobot(t, st, "r_slow", 60)
	seedRobot(t, st, "r_best", 90)
	seedOperator(t, st, "op_1", 2)
	commitJob(t, st, bookedJobStream(t, "j_1", "assisted"), true)

	d := NewDispatcher(st, quiet(), fixedClock(tickAt), []string{"assisted"})
	n, err := d.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, evs := reduceJob(t, st, "j_1")
	assert.Equal(t, domain.JobReserved, job.Status)
	assert.Equal(t, "r_best", job.RobotID)
	assert.Equal(t, "op_1", job.OperatorID)
	assert.True(t, job.DispatchConfirmed)
	require.NotNil(t, job.ReservationWindow)
	assert.Equal(t, bookWindow, *job.ReservationWindow)

	tail := eventTypes(evs[3:])
	assert.Equal(t, []string{
		domain.EvDispatchEvaluated,
		domain.EvJobMatched,
		domain.EvJobReserved,
		domain.EvOperatorCoverage,
		domain.EvDispatchConfirmed,
	}, tail)

	var eval domain.DispatchEvaluatedPayload
	require.NoError(t, evs[3].DecodePayload(&eval))
	assert.Equal(t, "r_best", eval.ChosenID)
	assert.Equal(t, []string{"r_best", "r_slow"}, eval.Candidates)
	assert.Equal(t, 1, eval.Attempt)

	require.NoError(t, events.VerifyChain(evs, nil))

	// The trigger is consumed; a second tick finds nothing.
	n, err = d.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDispatcher_StandardTierSkipsCoverage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))

	seedRobot(t, st, "r_1", 75)
	commitJob(t, st, bookedJobStream(t, "j_1", "standard"), true)

	d := NewDispatcher(st, quiet(), fixedClock(tickAt), []string{"assisted"})
	n, err := d.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, _ := reduceJob(t, st, "j_1")
	assert.Equal(t, domain.JobReserved, job.Status)
	assert.Equal(t, "r_1", job.RobotID)
	assert.Empty(t, job.OperatorID)
	assert.True(t, job.DispatchConfirmed)
}

func TestDispatcher_NoRobotsFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))

	commitJob(t, st, bookedJobStream(t, "j_1", "standard"), true)

	d := NewDispatcher(st, quiet(), fixedClock(tickAt), nil)
	n, err := d.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, _ := reduceJob(t, st, "j_1")
	assert.Equal(t, domain.JobBooked, job.Status)
	assert.Equal(t, domain.DispatchFailNoRobots, job.LastDispatchFail)
	assert.Empty(t, job.RobotID)
}

func TestDispatcher_NoOperatorsFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))

	seedRobot(t, st, "r_1", 75)
	commitJob(t, st, bookedJobStream(t, "j_1", "assisted"), true)

	d := NewDispatcher(st, quiet(), fixedClock(tickAt), []string{"assisted"})
	n, err := d.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, _ := reduceJob(t, st, "j_1")
	assert.Equal(t, domain.JobBooked, job.Status)
	assert.Equal(t, domain.DispatchFailNoOperators, job.LastDispatchFail)
}

func TestDispatcher_OverlapRetriesNextCandidate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))

	seedRobot(t, st, "r_a", 90)
	seedRobot(t, st, "r_b", 80)

	// j_0 already holds r_a for the same window.
	b0 := bookedJobStream(t, "j_0", "standard")
	b0.add(domain.EvJobMatched, sysActor(), domain.JobMatchedPayload{RobotID: "r_a", TrustScore: 90})
	b0.add(domain.EvJobReserved, sysActor(), domain.JobReservedPayload{
		ReservationID: "rsv_0", RobotID: "r_a", Window: bookWindow,
	})
	commitJob(t, st, b0, false)

	commitJob(t, st, bookedJobStream(t, "j_1", "standard"), true)

	d := NewDispatcher(st, quiet(), fixedClock(tickAt), nil)
	n, err := d.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, evs := reduceJob(t, st, "j_1")
	assert.Equal(t, domain.JobReserved, job.Status)
	assert.Equal(t, "r_b", job.RobotID)

	// The committed evaluation records the candidate that actually fit.
	var eval domain.DispatchEvaluatedPayload
	require.NoError(t, evs[3].DecodePayload(&eval))
	assert.Equal(t, []string{"r_a", "r_b"}, eval.Candidates)
	assert.Equal(t, "r_b", eval.ChosenID)
}

func TestDispatcher_AllCandidatesConflictFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))

	seedRobot(t, st, "r_a", 90)

	b0 := bookedJobStream(t, "j_0", "standard")
	b0.add(domain.EvJobMatched, sysActor(), domain.JobMatchedPayload{RobotID: "r_a", TrustScore: 90})
	b0.add(domain.EvJobReserved, sysActor(), domain.JobReservedPayload{
		ReservationID: "rsv_0", RobotID: "r_a", Window: bookWindow,
	})
	commitJob(t, st, b0, false)

	commitJob(t, st, bookedJobStream(t, "j_1", "standard"), true)

	d := NewDispatcher(st, quiet(), fixedClock(tickAt), nil)
	n, err := d.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, _ := reduceJob(t, st, "j_1")
	assert.Equal(t, domain.JobBooked, job.Status)
	assert.Equal(t, domain.DispatchFailConflict, job.LastDispatchFail)

	// The failure raised an ops alert in the same commit.
	assert.Equal(t, int64(1), outboxPending(t, st, store.TopicNotifyOpsDispatch))
}

func TestDispatcher_StaleTriggerIsConsumed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))

	seedRobot(t, st, "r_1", 75)
	b := bookedJobStream(t, "j_1", "standard")
	b.add(domain.EvJobCancelled, reqActor(), domain.JobCancelledPayload{Reason: "requester change"})
	commitJob(t, st, b, true)

	d := NewDispatcher(st, quiet(), fixedClock(tickAt), nil)
	n, err := d.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, _ := reduceJob(t, st, "j_1")
	assert.Equal(t, domain.JobAborted, job.Status)
	assert.Empty(t, job.RobotID)
}
