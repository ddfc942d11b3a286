package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/store"
)

// assistAt sits inside the seeded operator shift.
var assistAt = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

func enqueueTrigger(t *testing.T, st *store.MemoryStore, topic, jobID, eventType string) {
	t.Helper()
	enq, err := store.EnqueueOutbox(topic, store.TriggerMessage{
		TenantID: "t1", JobID: jobID, EventType: eventType,
	})
	require.NoError(t, err)
	require.NoError(t, st.CommitTx(context.Background(), "t1", []store.Op{enq}))
}

func countEvents(t *testing.T, st *store.MemoryStore, jobID, eventType string) int {
	t.Helper()
	_, evs := reduceJob(t, st, jobID)
	n := 0
	for i := range evs {
		if evs[i].Type == eventType {
			n++
		}
	}
	return n
}

func TestOperatorQueue_QueuesAndAssigns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(assistAt))

	seedOperator(t, st, "op_1", 2)
	b := executingJobStream(t, "j_1", "assisted", true)
	b.add(domain.EvAssistRequested, robotActor("r_1"), domain.AssistRequestedPayload{Reason: "blocked path"})
	commitJob(t, st, b, false)
	enqueueTrigger(t, st, store.TopicOperatorAssist, "j_1", domain.EvAssistRequested)

	q := NewOperatorQueue(st, quiet(), fixedClock(assistAt), 0)
	n, err := q.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, evs := reduceJob(t, st, "j_1")
	assert.Equal(t, domain.JobAssisted, job.Status)
	assert.Equal(t, "op_1", job.AssistOperator)
	tail := eventTypes(evs[len(evs)-2:])
	assert.Equal(t, []string{domain.EvAssistQueued, domain.EvAssistAssigned}, tail)

	n, err = q.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOperatorQueue_PrefersCoverageOperator(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(assistAt))

	seedOperator(t, st, "op_a", 2)
	seedOperator(t, st, "op_b", 2)

	// Coverage was reserved with op_b, not the alphabetically first operator.
	b := bookedJobStream(t, "j_1", "assisted")
	b.add(domain.EvJobMatched, sysActor(), domain.JobMatchedPayload{RobotID: "r_1", TrustScore: 75})
	b.add(domain.EvJobReserved, sysActor(), domain.JobReservedPayload{ReservationID: "rsv_j_1", RobotID: "r_1", Window: bookWindow})
	b.add(domain.EvOperatorCoverage, sysActor(), domain.OperatorCoveragePayload{OperatorID: "op_b", ShiftID: "shift_op_b", Window: bookWindow})
	b.add(domain.EvJobEnRoute, robotActor("r_1"), struct{}{})
	b.add(domain.EvAccessGranted, sysActor(), struct{}{})
	b.add(domain.EvJobExecuting, robotActor("r_1"), struct{}{})
	b.add(domain.EvAssistRequested, robotActor("r_1"), domain.AssistRequestedPayload{})
	commitJob(t, st, b, false)
	enqueueTrigger(t, st, store.TopicOperatorAssist, "j_1", domain.EvAssistRequested)

	q := NewOperatorQueue(st, quiet(), fixedClock(assistAt), 0)
	_, err := q.Tick(ctx, 10)
	require.NoError(t, err)

	job, _ := reduceJob(t, st, "j_1")
	assert.Equal(t, "op_b", job.AssistOperator)
}

func TestOperatorQueue_WaitsWhileOperatorsBusy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(assistAt))

	seedOperator(t, st, "op_1", 1)

	// j_0 already holds op_1's single assist slot.
	b0 := executingJobStream(t, "j_0", "assisted", true)
	b0.add(domain.EvAssistRequested, robotActor("r_1"), domain.AssistRequestedPayload{})
	b0.add(domain.EvAssistAssigned, sysActor(), domain.AssistAssignedPayload{OperatorID: "op_1"})
	commitJob(t, st, b0, false)

	b1 := executingJobStream(t, "j_1", "assisted", true)
	b1.at = assistAt.Add(-2 * time.Minute)
	b1.add(domain.EvAssistRequested, robotActor("r_1"), domain.AssistRequestedPayload{})
	commitJob(t, st, b1, false)
	enqueueTrigger(t, st, store.TopicOperatorAssist, "j_1", domain.EvAssistRequested)

	q := NewOperatorQueue(st, quiet(), fixedClock(assistAt), 0)
	n, err := q.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Queued but neither assigned nor timed out; the message stays pending.
	job, _ := reduceJob(t, st, "j_1")
	assert.Equal(t, domain.JobAssisted, job.Status)
	assert.Empty(t, job.AssistOperator)
	assert.Equal(t, 1, countEvents(t, st, "j_1", domain.EvAssistQueued))
	assert.Equal(t, 0, countEvents(t, st, "j_1", domain.EvAssistTimeout))
	assert.Equal(t, int64(1), outboxPending(t, st, store.TopicOperatorAssist))
}

func TestOperatorQueue_TimesOutStaleRequest(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(assistAt))

	// No operators at all; the request is almost a day old by tick time.
	b := executingJobStream(t, "j_1", "assisted", true)
	b.add(domain.EvAssistRequested, robotActor("r_1"), domain.AssistRequestedPayload{})
	commitJob(t, st, b, false)
	enqueueTrigger(t, st, store.TopicOperatorAssist, "j_1", domain.EvAssistRequested)

	q := NewOperatorQueue(st, quiet(), fixedClock(assistAt), 0)
	n, err := q.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, evs := reduceJob(t, st, "j_1")
	assert.Equal(t, domain.JobAssisted, job.Status)
	assert.Empty(t, job.AssistOperator)
	assert.Equal(t, domain.EvAssistTimeout, evs[len(evs)-1].Type)
	var p domain.AssistTimeoutPayload
	require.NoError(t, evs[len(evs)-1].DecodePayload(&p))
	assert.Greater(t, p.AfterMs, int64(DefaultAssistTimeoutMs))
}

func TestOperatorQueue_SweepTimesOutWithoutTrigger(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(assistAt))

	b := executingJobStream(t, "j_1", "assisted", true)
	b.add(domain.EvAssistRequested, robotActor("r_1"), domain.AssistRequestedPayload{})
	b.add(domain.EvAssistQueued, sysActor(), struct{}{})
	commitJob(t, st, b, false)

	q := NewOperatorQueue(st, quiet(), fixedClock(assistAt), 0)
	n, err := q.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 1, countEvents(t, st, "j_1", domain.EvAssistTimeout))

	// Idempotent: the sweep never doubles a recorded timeout.
	n, err = q.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOperatorQueue_EscalationRecordedOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(assistAt))

	b := executingJobStream(t, "j_1", "assisted", true)
	b.add(domain.EvExecutionStalled, sysActor(), domain.ExecutionStalledPayload{IdleMs: 600_000})
	commitJob(t, st, b, false)
	enqueueTrigger(t, st, store.TopicEscalation, "j_1", domain.EvExecutionStalled)
	enqueueTrigger(t, st, store.TopicEscalation, "j_1", domain.EvExecutionStalled)

	q := NewOperatorQueue(st, quiet(), fixedClock(assistAt), 0)
	n, err := q.Tick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, 1, countEvents(t, st, "j_1", domain.EvEscalationNeeded))
}
