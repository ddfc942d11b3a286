package workers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

func TestOpsNotifier_PostsSignedAlerts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))

	enqueueTrigger(t, st, store.TopicNotifyOps, "j_1", domain.EvExecutionStalled)
	enqueueTrigger(t, st, store.TopicNotifyOpsDispatch, "j_2", domain.EvDispatchFailed)

	var got []receivedPost
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = append(got, receivedPost{
			deliveryID: r.Header.Get(delivery.HeaderDelivery),
			timestamp:  r.Header.Get(delivery.HeaderTimestamp),
			signature:  r.Header.Get(delivery.HeaderSignature),
			body:       b,
		})
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := NewOpsNotifier(st, OpsWebhook{
		URL: srv.URL, Secret: "opssec_1", Checker: laxChecker(),
	}, quiet(), fixedClock(tickAt))
	n, err := o.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Len(t, got, 2)

	var first OpsNotification
	require.NoError(t, json.Unmarshal(got[0].body, &first))
	require.Equal(t, store.TopicNotifyOps, first.Kind)
	require.Equal(t, "t1", first.TenantID)
	require.Equal(t, "j_1", first.JobID)
	require.Equal(t, domain.EvExecutionStalled, first.EventType)
	require.Equal(t, events.FormatTime(tickAt), first.At)

	var second OpsNotification
	require.NoError(t, json.Unmarshal(got[1].body, &second))
	require.Equal(t, store.TopicNotifyOpsDispatch, second.Kind)
	require.Equal(t, "j_2", second.JobID)

	ok, err := delivery.VerifyBody("opssec_1", got[0].timestamp, got[0].body, got[0].signature)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(got[0].deliveryID, "ops_"))

	require.Zero(t, outboxPending(t, st, store.TopicNotifyOps))
	require.Zero(t, outboxPending(t, st, store.TopicNotifyOpsDispatch))

	n, err = o.Tick(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestOpsNotifier_MaxSpansTopics(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))

	enqueueTrigger(t, st, store.TopicNotifyOps, "j_1", domain.EvExecutionStalled)
	enqueueTrigger(t, st, store.TopicNotifyOps, "j_2", domain.EvExecutionStalled)
	enqueueTrigger(t, st, store.TopicNotifyOpsDispatch, "j_3", domain.EvDispatchFailed)

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := NewOpsNotifier(st, OpsWebhook{
		URL: srv.URL, Secret: "opssec_1", Checker: laxChecker(),
	}, quiet(), fixedClock(tickAt))

	// The budget is spent on the first topic before the second is touched.
	n, err := o.Tick(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Zero(t, outboxPending(t, st, store.TopicNotifyOps))
	require.Equal(t, int64(1), outboxPending(t, st, store.TopicNotifyOpsDispatch))

	n, err = o.Tick(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestOpsNotifier_UnconfiguredConsumes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))

	enqueueTrigger(t, st, store.TopicNotifyOps, "j_1", domain.EvExecutionStalled)

	o := NewOpsNotifier(st, OpsWebhook{}, quiet(), fixedClock(tickAt))
	n, err := o.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, outboxPending(t, st, store.TopicNotifyOps))
}

func TestOpsNotifier_FailedPostStaysQueued(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))

	enqueueTrigger(t, st, store.TopicNotifyOps, "j_1", domain.EvExecutionStalled)

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	o := NewOpsNotifier(st, OpsWebhook{
		URL: srv.URL, Secret: "opssec_1", Checker: laxChecker(),
	}, quiet(), fixedClock(tickAt))
	n, err := o.Tick(ctx, 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
	require.Zero(t, n)

	// Failed messages stay pending for the next tick.
	require.Equal(t, int64(1), outboxPending(t, st, store.TopicNotifyOps))
}

func TestOpsNotifier_PrivateURLRefused(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SetClock(fixedClock(workerAt))

	enqueueTrigger(t, st, store.TopicNotifyOps, "j_1", domain.EvExecutionStalled)

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		t.Error("loopback webhook must not be reached")
	}))
	defer srv.Close()

	// Default checker: loopback is refused before any request is made.
	o := NewOpsNotifier(st, OpsWebhook{URL: srv.URL, Secret: "opssec_1"}, quiet(), fixedClock(tickAt))
	n, err := o.Tick(ctx, 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "non-public address")
	require.Zero(t, n)
	require.Equal(t, int64(1), outboxPending(t, st, store.TopicNotifyOps))
}
