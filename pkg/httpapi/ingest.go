package httpapi

import (
	"errors"
	"net/http"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/proofs"
	"github.com/settld-labs/settld/pkg/quota"
	"github.com/settld-labs/settld/pkg/store"
)

// maxIngestBatch bounds one proxy call. Proxies with more buffered records
// page through multiple calls.
const maxIngestBatch = 500

// IngestItem is one buffered record a field proxy forwards: the signed
// event plus the proxy's own dedupe id.
type IngestItem struct {
	RecordID string       `json:"recordId"`
	JobID    string       `json:"jobId"`
	Source   string       `json:"source,omitempty"`
	Event    events.Event `json:"event"`
}

// IngestReject reports one refused record.
type IngestReject struct {
	RecordID string `json:"recordId"`
	Code     string `json:"code"`
	Error    string `json:"error"`
}

// rejectCode extracts the stable code a refused record reports.
func rejectCode(err error) string {
	var chain *events.ChainError
	if errors.As(err, &chain) {
		return chain.Code
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return domain.CodeValidationFailed
}

// handleIngestProxy accepts a batch of robot-signed events buffered by a
// field proxy. Records dedupe on recordId, so a proxy that crashed after a
// partial upload can blindly resend its buffer. Verification and commit run
// per job: one job's broken chain rejects that job's remaining records but
// leaves other jobs in the batch untouched.
func (s *Server) handleIngestProxy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Records []IngestItem `json:"records"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "records must not be empty")
		return
	}
	if len(req.Records) > maxIngestBatch {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"batch exceeds the per-call record cap")
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	ids := make([]string, 0, len(req.Records))
	for i := range req.Records {
		if req.Records[i].RecordID == "" || req.Records[i].JobID == "" {
			writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
				"every record needs recordId and jobId")
			return
		}
		ids = append(ids, req.Records[i].RecordID)
	}
	seen, err := s.store.IngestSeen(ctx, tenantID, ids)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	var fresh []IngestItem
	var duplicates []string
	batchSeen := map[string]bool{}
	for _, rec := range req.Records {
		if seen[rec.RecordID] || batchSeen[rec.RecordID] {
			duplicates = append(duplicates, rec.RecordID)
			continue
		}
		batchSeen[rec.RecordID] = true
		fresh = append(fresh, rec)
	}
	if len(fresh) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": 0, "duplicates": duplicates})
		return
	}
	if err := s.quotas.Check(ctx, tenantID, quota.EventIngest, int64(len(fresh))); err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	view, _, err := s.tenantView(ctx, tenantID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	dir, err := s.signerDirectory(ctx, tenantID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	// Group per job, preserving record order within each group.
	jobOrder := []string{}
	groups := map[string][]IngestItem{}
	for _, rec := range fresh {
		if _, ok := groups[rec.JobID]; !ok {
			jobOrder = append(jobOrder, rec.JobID)
		}
		groups[rec.JobID] = append(groups[rec.JobID], rec)
	}

	accepted := 0
	var rejected []IngestReject
	now := events.FormatTime(s.now())

	for _, jobID := range jobOrder {
		group := groups[jobID]
		streamID := events.StreamID(domain.AggregateJob, jobID)
		prior, err := s.store.Events(ctx, tenantID, streamID)
		if err != nil {
			WriteFromError(w, s.log, err)
			return
		}

		evs := append([]events.Event(nil), prior...)
		var commit []events.Event
		var records []store.IngestRecord
		for gi, rec := range group {
			e := rec.Event
			verr := func() error {
				if e.StreamID != streamID {
					return &domain.ValidationError{CodeStr: domain.CodeValidationFailed,
						Detail: "event streamId must be " + streamID}
				}
				if cerr := events.VerifyEvent(e, events.HeadHash(evs), len(evs)); cerr != nil {
					return cerr
				}
				if err := domain.VerifySignaturePolicy(e, dir); err != nil {
					return err
				}
				pre, err := domain.ReduceJob(evs)
				if err != nil {
					return err
				}
				if _, err := domain.ValidateJobEvent(view, pre, evs, e, proofs.FactsHash); err != nil {
					return err
				}
				return nil
			}()
			if verr != nil {
				// The chain after a refused event cannot verify either;
				// park the whole remainder of this job's group.
				for _, rest := range group[gi:] {
					code := rejectCode(verr)
					rejected = append(rejected, IngestReject{RecordID: rest.RecordID, Code: code, Error: verr.Error()})
					s.metrics.IngestRejected.WithLabelValues(code).Inc()
				}
				break
			}
			evs = append(evs, e)
			commit = append(commit, e)
			records = append(records, store.IngestRecord{
				TenantID:    tenantID,
				RecordID:    rec.RecordID,
				JobID:       rec.JobID,
				Source:      rec.Source,
				PayloadHash: e.PayloadHash,
				ReceivedAt:  now,
			})
		}
		if len(commit) == 0 {
			continue
		}
		op, err := store.AppendJobEvents(commit...)
		if err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		if err := s.store.CommitTx(ctx, tenantID, []store.Op{op, store.PutIngestRecords(records...)}); err != nil {
			// A concurrent append moved the head; the proxy retries with
			// refreshed events.
			for _, rec := range group[:len(commit)] {
				rejected = append(rejected, IngestReject{RecordID: rec.RecordID,
					Code: store.CodePrevChainHashMismatch, Error: err.Error()})
				s.metrics.IngestRejected.WithLabelValues(store.CodePrevChainHashMismatch).Inc()
			}
			continue
		}
		accepted += len(commit)
		s.metrics.EventsAppended.WithLabelValues(domain.AggregateJob).Add(float64(len(commit)))
	}

	if accepted > 0 {
		if err := s.quotas.Count(ctx, tenantID, quota.EventIngest, int64(accepted)); err != nil {
			s.log.Warn("quota count failed", "error", err)
		}
	}
	if len(rejected) > 0 {
		if err := s.quotas.Count(ctx, tenantID, quota.EventIngestDLQ, int64(len(rejected))); err != nil {
			s.log.Warn("quota count failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":   accepted,
		"duplicates": duplicates,
		"rejected":   rejected,
	})
}
