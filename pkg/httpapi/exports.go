package httpapi

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/objectstore"
)

// handleExportAck receives a destination's receipt for a delivered
// artifact. The caller authenticates by HMAC over the body with the
// destination's shared secret, the same scheme the push was signed with.
func (s *Server) handleExportAck(w http.ResponseWriter, r *http.Request) {
	sig := r.Header.Get(delivery.HeaderSignature)
	ts := r.Header.Get(delivery.HeaderTimestamp)
	deliveryID := r.Header.Get(delivery.HeaderDelivery)
	if sig == "" || ts == "" || deliveryID == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"signature, timestamp, and delivery id headers are required")
		return
	}
	now := s.now()
	if err := delivery.CheckTimestamp(ts, now); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, err.Error())
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "unreadable body")
		return
	}

	tenantID := s.tenantID(r)
	ctx := r.Context()
	d, err := s.store.Delivery(ctx, tenantID, deliveryID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	var dest *delivery.Destination
	for i := range s.dests[tenantID] {
		if s.dests[tenantID][i].DestinationID == d.DestinationID {
			dest = &s.dests[tenantID][i]
			break
		}
	}
	if dest == nil || dest.Secret == "" {
		writeError(w, http.StatusForbidden, CodeForbidden,
			"destination "+d.DestinationID+" cannot sign acks")
		return
	}
	ok, err := delivery.VerifyBody(dest.Secret, ts, body, sig)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, CodeForbidden, "ack signature does not verify")
		return
	}

	if d.State == delivery.StateAcked {
		writeJSON(w, http.StatusOK, map[string]any{"acked": true, "deliveryId": d.ID})
		return
	}
	receipt := &delivery.Receipt{
		TenantID:     tenantID,
		DeliveryID:   d.ID,
		ArtifactHash: d.ArtifactHash,
		Signature:    sig,
		ReceivedAt:   events.FormatTime(now),
	}
	if err := s.store.PutDeliveryReceipt(ctx, receipt); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	d.State = delivery.StateAcked
	d.UpdatedAt = events.FormatTime(now)
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.DeliveryAttempts.WithLabelValues(delivery.DestinationWebhook, "acked").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"acked": true, "deliveryId": d.ID})
}

// jobEvidence finds one evidence record on a job.
func jobEvidence(job *domain.Job, evidenceID string) *domain.EvidenceRecord {
	for i := range job.Evidence {
		if job.Evidence[i].EvidenceID == evidenceID {
			return &job.Evidence[i]
		}
	}
	return nil
}

// handleEvidencePresign issues a time-boxed download token for one captured
// evidence object. The resulting URL works without auth headers so it can
// be handed to insurers and browsers.
func (s *Server) handleEvidencePresign(w http.ResponseWriter, r *http.Request) {
	if s.presignSecret == "" {
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "evidence presign is not configured")
		return
	}
	jobID := r.PathValue("id")
	evidenceID := r.PathValue("evidenceId")
	tenantID := s.tenantID(r)

	_, job, err := s.jobState(r.Context(), tenantID, jobID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	rec := jobEvidence(job, evidenceID)
	if rec == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "evidence "+evidenceID+" not found on job "+jobID)
		return
	}
	if rec.Expired {
		writeError(w, http.StatusGone, CodeEvidenceExpired,
			"evidence "+evidenceID+" passed its retention window")
		return
	}

	requested := 0
	if v := r.URL.Query().Get("ttlSeconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "ttlSeconds must be a non-negative integer")
			return
		}
		requested = n
	}
	ttl := delivery.ClampPresignTTL(requested, s.presignMaxTTL)
	token, expiresAt := delivery.PresignEvidence(s.presignSecret, tenantID, jobID, evidenceID, rec.EvidenceRef, ttl, s.now())

	q := url.Values{}
	q.Set("tenant", tenantID)
	q.Set("job", jobID)
	q.Set("evidence", evidenceID)
	q.Set("ref", rec.EvidenceRef)
	q.Set("expires", strconv.FormatInt(expiresAt, 10))
	q.Set("token", token)
	writeJSON(w, http.StatusOK, map[string]any{
		"url":        "/evidence/download?" + q.Encode(),
		"expiresAt":  expiresAt,
		"ttlSeconds": ttl,
	})
}

// handleEvidenceDownload serves a presigned evidence blob. The token is the
// only credential; expiry answers 410 so clients distinguish a dead link
// from a bad one.
func (s *Server) handleEvidenceDownload(w http.ResponseWriter, r *http.Request) {
	if s.presignSecret == "" {
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "evidence presign is not configured")
		return
	}
	q := r.URL.Query()
	tenantID := q.Get("tenant")
	jobID := q.Get("job")
	evidenceID := q.Get("evidence")
	ref := q.Get("ref")
	token := q.Get("token")
	expiresAt, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if tenantID == "" || jobID == "" || evidenceID == "" || ref == "" || token == "" || err != nil {
		writeError(w, http.StatusBadRequest, CodePresignInvalid, "malformed presign parameters")
		return
	}
	now := s.now()
	if now.UTC().Unix() >= expiresAt {
		writeError(w, http.StatusGone, CodeEvidenceExpired, "presigned link expired")
		return
	}
	if err := delivery.VerifyPresign(s.presignSecret, tenantID, jobID, evidenceID, ref, token, expiresAt, now); err != nil {
		writeError(w, http.StatusBadRequest, CodePresignInvalid, "presign token does not verify")
		return
	}

	_, job, err := s.jobState(r.Context(), tenantID, jobID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	rec := jobEvidence(job, evidenceID)
	if rec == nil || rec.EvidenceRef != ref {
		writeError(w, http.StatusNotFound, CodeNotFound, "evidence not found")
		return
	}
	if rec.Expired {
		writeError(w, http.StatusGone, CodeEvidenceExpired,
			"evidence "+evidenceID+" passed its retention window")
		return
	}
	blob, err := s.blobs.Get(r.Context(), ref)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "evidence blob missing")
			return
		}
		WriteFromError(w, s.log, err)
		return
	}
	ct := rec.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}
