package workers

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

var workerAt = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// tickAt is when worker ticks run in these tests, after every seeded event.
var tickAt = workerAt.Add(time.Hour)

var bookWindow = domain.Window{StartAt: "2026-03-03T08:00:00Z", EndAt: "2026-03-03T12:00:00Z"}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

type streamBuilder struct {
	t      *testing.T
	stream string
	evs    []events.Event
	at     time.Time
}

func newStream(t *testing.T, streamID string) *streamBuilder {
	return &streamBuilder{t: t, stream: streamID, at: workerAt}
}

func (b *streamBuilder) add(eventType string, actor events.Actor, payload any) events.Event {
	b.t.Helper()
	b.at = b.at.Add(time.Minute)
	e, err := events.New(b.stream, eventType, actor, payload, events.HeadHash(b.evs), b.at)
	require.NoError(b.t, err)
	b.evs = append(b.evs, e)
	return e
}

func sysActor() events.Actor { return events.Actor{Type: events.ActorSystem, ID: "system"} }
func reqActor() events.Actor { return events.Actor{Type: events.ActorRequester, ID: "req_1"} }

func robotActor(id string) events.Actor { return events.Actor{Type: events.ActorRobot, ID: id} }

// seedRobot registers an active robot in zone z1.
func seedRobot(t *testing.T, st *store.MemoryStore, robotID string, trust int) {
	t.Helper()
	b := newStream(t, "robot:"+robotID)
	b.add(domain.EvRobotRegistered, sysActor(), domain.RobotRegisteredPayload{
		RobotID: robotID, Zone: "z1", PublicKey: "pk_" + robotID, SignerKeyID: "sk_" + robotID, TrustScore: trust,
	})
	op, err := store.AppendRobotEvents(b.evs...)
	require.NoError(t, err)
	require.NoError(t, st.CommitTx(context.Background(), "t1", []store.Op{op}))
}

// seedOperator registers an active operator with one z1 shift spanning the
// standard booking window.
func seedOperator(t *testing.T, st *store.MemoryStore, operatorID string, maxConcurrent int) {
	t.Helper()
	b := newStream(t, "operator:"+operatorID)
	b.add(domain.EvOperatorRegistered, sysActor(), domain.OperatorRegisteredPayload{
		OperatorID: operatorID, Zones: []string{"z1"}, PublicKey: "pk_" + operatorID,
		SignerKeyID: "sk_" + operatorID, MaxConcurrent: maxConcurrent,
	})
	b.add(domain.EvOperatorShiftSet, sysActor(), domain.OperatorShiftPayload{
		ShiftID: "shift_" + operatorID,
		Window:  domain.Window{StartAt: "2026-03-03T06:00:00Z", EndAt: "2026-03-03T18:00:00Z"},
	})
	op, err := store.AppendOperatorEvents(b.evs...)
	require.NoError(t, err)
	require.NoError(t, st.CommitTx(context.Background(), "t1", []store.Op{op}))
}

// bookedJobStream builds a job through BOOKED in zone z1.
func bookedJobStream(t *testing.T, jobID, tier string) *streamBuilder {
	b := newStream(t, "job:"+jobID)
	b.add(domain.EvJobCreated, reqActor(), domain.JobCreatedPayload{
		JobID: jobID, RequesterID: "req_1", Tier: tier, Zone: "z1", Currency: "USD",
	})
	b.add(domain.EvJobQuoted, sysActor(), domain.JobQuotedPayload{QuoteID: "q_" + jobID, AmountCents: 40_000, Currency: "USD"})
	b.add(domain.EvJobBooked, reqActor(), domain.JobBookedPayload{
		PolicyHash:         "ph_1",
		CustomerPolicyHash: "cph_1",
		AmountCents:        40_000,
		Currency:           "USD",
		Window:             bookWindow,
	})
	return b
}

// executingJobStream builds a job through EXECUTING on robot r_1.
func executingJobStream(t *testing.T, jobID, tier string, withOperator bool) *streamBuilder {
	b := bookedJobStream(t, jobID, tier)
	b.add(domain.EvJobMatched, sysActor(), domain.JobMatchedPayload{RobotID: "r_1", TrustScore: 75})
	b.add(domain.EvJobReserved, sysActor(), domain.JobReservedPayload{
		ReservationID: "rsv_" + jobID, RobotID: "r_1", Window: bookWindow,
	})
	if withOperator {
		b.add(domain.EvOperatorCoverage, sysActor(), domain.OperatorCoveragePayload{
			OperatorID: "op_1", ShiftID: "shift_op_1", Window: bookWindow,
		})
	}
	b.add(domain.EvJobEnRoute, robotActor("r_1"), struct{}{})
	b.add(domain.EvAccessGranted, sysActor(), struct{}{})
	b.add(domain.EvJobExecuting, robotActor("r_1"), struct{}{})
	return b
}

// settledJobStream builds a job through SETTLED. completedAt zero keeps the
// completion inside the booked window.
func settledJobStream(t *testing.T, jobID, tier string, withOperator bool, completedAt time.Time) *streamBuilder {
	b := executingJobStream(t, jobID, tier, withOperator)
	if !completedAt.IsZero() {
		b.at = completedAt.Add(-time.Minute)
	}
	b.add(domain.EvJobCompleted, robotActor("r_1"), domain.JobCompletedPayload{Summary: "done"})
	b.add(domain.EvJobSettled, sysActor(), domain.JobSettledPayload{
		HoldID:         "hold_" + jobID,
		AmountCents:    40_000,
		Currency:       "USD",
		ReleaseRatePct: 100,
		Basis:          domain.BasisAccrual,
	})
	return b
}

// seedPolicyOverride commits a tenant policy override effective from the
// start of the test epoch.
func seedPolicyOverride(t *testing.T, st *store.MemoryStore, settings domain.PolicySettings) {
	t.Helper()
	b := newStream(t, domain.GovernancePolicyStream)
	b.add(domain.EvPolicyOverrideSet, sysActor(), domain.PolicyOverridePayload{
		EffectiveFrom: events.FormatTime(workerAt),
		Settings:      settings,
	})
	op, err := store.AppendGovernanceEvents(b.evs...)
	require.NoError(t, err)
	require.NoError(t, st.CommitTx(context.Background(), "t1", []store.Op{op}))
}

// commitJob commits a job stream plus a dispatch trigger for it.
func commitJob(t *testing.T, st *store.MemoryStore, b *streamBuilder, withTrigger bool) {
	t.Helper()
	op, err := store.AppendJobEvents(b.evs...)
	require.NoError(t, err)
	ops := []store.Op{op}
	if withTrigger {
		_, jobID := events.SplitStreamID(b.stream)
		enq, err := store.EnqueueOutbox(store.TopicDispatch, store.TriggerMessage{
			TenantID: "t1", JobID: jobID, EventType: domain.EvJobBooked,
		})
		require.NoError(t, err)
		ops = append(ops, enq)
	}
	require.NoError(t, st.CommitTx(context.Background(), "t1", ops))
}

// reduceJob reads and folds a job stream from the store.
func reduceJob(t *testing.T, st *store.MemoryStore, jobID string) (*domain.Job, []events.Event) {
	t.Helper()
	evs, err := st.Events(context.Background(), "t1", "job:"+jobID)
	require.NoError(t, err)
	job, err := domain.ReduceJob(evs)
	require.NoError(t, err)
	return job, evs
}

func eventTypes(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i := range evs {
		out[i] = evs[i].Type
	}
	return out
}
