package httpapi_test

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/httpapi"
	"github.com/settld-labs/settld/pkg/store"
)

// seedExecutingJob books a job over the API and then advances it to
// EXECUTING with a direct append, returning the stream for further
// chaining.
func (f *fixture) seedExecutingJob(jobID string) []events.Event {
	f.t.Helper()
	f.bookJob(jobID)
	chain := f.jobEvents(jobID)

	window := domain.Window{
		StartAt: apiAt.Add(time.Hour).Format(time.RFC3339),
		EndAt:   apiAt.Add(3 * time.Hour).Format(time.RFC3339),
	}
	steps := []struct {
		typ     string
		payload any
	}{
		{domain.EvJobMatched, domain.JobMatchedPayload{RobotID: "rb_evd", TrustScore: 80}},
		{domain.EvJobReserved, domain.JobReservedPayload{ReservationID: "rsv_" + jobID, RobotID: "rb_evd", Window: window}},
		{domain.EvJobEnRoute, map[string]any{"robotId": "rb_evd"}},
		{domain.EvAccessGranted, map[string]any{"grantedBy": "op_1"}},
		{domain.EvJobExecuting, map[string]any{}},
	}
	var fresh []events.Event
	for _, st := range steps {
		e := f.fieldEvent(jobID, st.typ, events.Actor{Type: events.ActorOps, ID: "seed"}, st.payload, chain)
		chain = append(chain, e)
		fresh = append(fresh, e)
	}
	op, err := store.AppendJobEvents(fresh...)
	require.NoError(f.t, err)
	require.NoError(f.t, f.store.CommitTx(f.t.Context(), f.tenant, []store.Op{op}))
	return chain
}

// captureEvidence stores blob bytes and appends the matching capture event.
func (f *fixture) captureEvidence(jobID, evidenceID string, chain []events.Event, blob []byte, contentType string) []events.Event {
	f.t.Helper()
	ref, err := f.blobs.Put(f.t.Context(), blob)
	require.NoError(f.t, err)
	sum := sha256.Sum256(blob)
	e := f.fieldEvent(jobID, domain.EvEvidenceCaptured,
		events.Actor{Type: events.ActorRobot, ID: "rb_evd"},
		domain.EvidenceCapturedPayload{
			EvidenceID:  evidenceID,
			ContentType: contentType,
			SizeBytes:   int64(len(blob)),
			Sha256:      hex.EncodeToString(sum[:]),
			EvidenceRef: ref,
		}, chain)
	op, err := store.AppendJobEvents(e)
	require.NoError(f.t, err)
	require.NoError(f.t, f.store.CommitTx(f.t.Context(), f.tenant, []store.Op{op}))
	return append(chain, e)
}

func TestEvidencePresignAndDownload(t *testing.T) {
	f := newFixture(t)
	blob := []byte("front-door-frame-000017")
	chain := f.seedExecutingJob("job_evd")
	chain = f.captureEvidence("job_evd", "ev_1", chain, blob, "image/jpeg")

	type presign struct {
		URL        string `json:"url"`
		ExpiresAt  int64  `json:"expiresAt"`
		TTLSeconds int    `json:"ttlSeconds"`
	}

	var link presign
	w := f.do(http.MethodPost, "/jobs/job_evd/evidence/ev_1/presign", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	f.decode(w, &link)
	assert.Equal(t, delivery.PresignDefaultTTLSeconds, link.TTLSeconds)
	assert.Equal(t, f.clock.Now().Unix()+int64(link.TTLSeconds), link.ExpiresAt)
	require.True(t, strings.HasPrefix(link.URL, "/evidence/download?"))

	t.Run("download needs no auth headers", func(t *testing.T) {
		w := f.doRaw(http.MethodGet, link.URL, nil, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, blob, w.Body.Bytes())
		assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
		assert.Equal(t, "private, no-store", w.Header().Get("Cache-Control"))
	})

	t.Run("requested ttl is clamped", func(t *testing.T) {
		var short presign
		w := f.do(http.MethodPost, "/jobs/job_evd/evidence/ev_1/presign?ttlSeconds=60", nil)
		require.Equal(t, http.StatusOK, w.Code)
		f.decode(w, &short)
		assert.Equal(t, 60, short.TTLSeconds)

		var capped presign
		w = f.do(http.MethodPost, "/jobs/job_evd/evidence/ev_1/presign?ttlSeconds=99999", nil)
		require.Equal(t, http.StatusOK, w.Code)
		f.decode(w, &capped)
		assert.Equal(t, delivery.PresignDefaultTTLSeconds, capped.TTLSeconds)

		w = f.do(http.MethodPost, "/jobs/job_evd/evidence/ev_1/presign?ttlSeconds=abc", nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("tampered token rejected", func(t *testing.T) {
		u, err := url.Parse(link.URL)
		require.NoError(t, err)
		q := u.Query()
		q.Set("token", strings.Repeat("ab", 32))
		w := f.doRaw(http.MethodGet, u.Path+"?"+q.Encode(), nil, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, httpapi.CodePresignInvalid, f.errCode(w))
	})

	t.Run("malformed parameters rejected", func(t *testing.T) {
		w := f.doRaw(http.MethodGet, "/evidence/download?job=job_evd", nil, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, httpapi.CodePresignInvalid, f.errCode(w))
	})

	t.Run("unknown evidence answers 404", func(t *testing.T) {
		w := f.do(http.MethodPost, "/jobs/job_evd/evidence/ev_nope/presign", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
		w = f.do(http.MethodPost, "/jobs/job_nope/evidence/ev_1/presign", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("link expires", func(t *testing.T) {
		var short presign
		w := f.do(http.MethodPost, "/jobs/job_evd/evidence/ev_1/presign?ttlSeconds=60", nil)
		require.Equal(t, http.StatusOK, w.Code)
		f.decode(w, &short)

		f.clock.Advance(2 * time.Minute)
		got := f.doRaw(http.MethodGet, short.URL, nil, nil)
		require.Equal(t, http.StatusGone, got.Code)
		assert.Equal(t, httpapi.CodeEvidenceExpired, f.errCode(got))
	})

	t.Run("expired evidence is gone", func(t *testing.T) {
		e := f.fieldEvent("job_evd", domain.EvEvidenceExpired,
			events.Actor{Type: events.ActorSystem, ID: "retention"},
			domain.EvidenceExpiredPayload{EvidenceID: "ev_1", RetentionDays: 30}, chain)
		op, err := store.AppendJobEvents(e)
		require.NoError(t, err)
		require.NoError(t, f.store.CommitTx(t.Context(), f.tenant, []store.Op{op}))

		w := f.do(http.MethodPost, "/jobs/job_evd/evidence/ev_1/presign", nil)
		require.Equal(t, http.StatusGone, w.Code)
		assert.Equal(t, httpapi.CodeEvidenceExpired, f.errCode(w))
	})
}

// seedDelivery inserts one delivery row the way the settlement worker
// enqueues them.
func (f *fixture) seedDelivery(id, destinationID, artifactID, state string) {
	f.t.Helper()
	now := events.FormatTime(f.clock.Now())
	d := delivery.Delivery{
		TenantID:      f.tenant,
		ID:            id,
		DestinationID: destinationID,
		ArtifactType:  "month_statement",
		ArtifactID:    artifactID,
		ArtifactHash:  "deadbeef" + artifactID,
		DedupeKey:     delivery.DedupeKey(f.tenant, destinationID, "month_statement", artifactID, "deadbeef"+artifactID),
		ScopeKey:      f.tenant,
		OrderKey:      delivery.OrderKey(f.tenant, 1, 100, artifactID),
		State:         state,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	n, err := f.store.PutDeliveries(f.t.Context(), []delivery.Delivery{d})
	require.NoError(f.t, err)
	require.Equal(f.t, 1, n)
}

func TestExportAck(t *testing.T) {
	f := newFixture(t)
	f.seedDelivery("dlv_1", "dest_hook", "art_1", delivery.StatePending)

	body := []byte(`{"received":true}`)
	ts := delivery.Timestamp(f.clock.Now())
	sig, err := delivery.SignBody("dest-secret", ts, body)
	require.NoError(t, err)

	ack := func(sig, ts, deliveryID string) *httptest.ResponseRecorder {
		hdr := map[string]string{}
		if sig != "" {
			hdr[delivery.HeaderSignature] = sig
		}
		if ts != "" {
			hdr[delivery.HeaderTimestamp] = ts
		}
		if deliveryID != "" {
			hdr[delivery.HeaderDelivery] = deliveryID
		}
		return f.doRaw(http.MethodPost, "/exports/ack", body, hdr)
	}

	t.Run("headers required", func(t *testing.T) {
		w := ack(sig, ts, "")
		require.Equal(t, http.StatusBadRequest, w.Code)
		w = ack("", ts, "dlv_1")
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("stale timestamp rejected", func(t *testing.T) {
		old := delivery.Timestamp(f.clock.Now().Add(-10 * time.Minute))
		oldSig, err := delivery.SignBody("dest-secret", old, body)
		require.NoError(t, err)
		w := ack(oldSig, old, "dlv_1")
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown delivery answers 404", func(t *testing.T) {
		w := ack(sig, ts, "dlv_nope")
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		bad, err := delivery.SignBody("not-the-secret", ts, body)
		require.NoError(t, err)
		w := ack(bad, ts, "dlv_1")
		require.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, httpapi.CodeForbidden, f.errCode(w))
	})

	t.Run("unroutable destination cannot ack", func(t *testing.T) {
		f.seedDelivery("dlv_stray", "dest_gone", "art_stray", delivery.StatePending)
		w := ack(sig, ts, "dlv_stray")
		require.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("valid ack lands and repeats idempotently", func(t *testing.T) {
		w := ack(sig, ts, "dlv_1")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp struct {
			Acked      bool   `json:"acked"`
			DeliveryID string `json:"deliveryId"`
		}
		f.decode(w, &resp)
		assert.True(t, resp.Acked)
		assert.Equal(t, "dlv_1", resp.DeliveryID)

		d, err := f.store.Delivery(t.Context(), f.tenant, "dlv_1")
		require.NoError(t, err)
		assert.Equal(t, delivery.StateAcked, d.State)

		w = ack(sig, ts, "dlv_1")
		require.Equal(t, http.StatusOK, w.Code)
	})
}

func TestDeliveryListAndRequeue(t *testing.T) {
	f := newFixture(t)
	f.seedDelivery("dlv_ok", "dest_hook", "art_a", delivery.StatePending)
	f.seedDelivery("dlv_bad", "dest_hook", "art_b", delivery.StateFailed)

	var list struct {
		Deliveries []delivery.Delivery `json:"deliveries"`
	}
	w := f.do(http.MethodGet, "/ops/deliveries", nil)
	require.Equal(t, http.StatusOK, w.Code)
	f.decode(w, &list)
	assert.Len(t, list.Deliveries, 2)

	w = f.do(http.MethodGet, "/ops/deliveries?state="+delivery.StateFailed, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list.Deliveries = nil
	f.decode(w, &list)
	require.Len(t, list.Deliveries, 1)
	assert.Equal(t, "dlv_bad", list.Deliveries[0].ID)

	w = f.do(http.MethodPost, "/ops/deliveries/dlv_bad/requeue", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var d delivery.Delivery
	f.decode(w, &d)
	assert.Equal(t, delivery.StatePending, d.State)
	assert.Zero(t, d.Attempts)
	assert.Empty(t, d.LastError)

	w = f.do(http.MethodPost, "/ops/deliveries/dlv_nope/requeue", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
