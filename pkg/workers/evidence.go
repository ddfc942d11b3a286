package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/objectstore"
	"github.com/settld-labs/settld/pkg/store"
)

type evidenceStore interface {
	store.Committer
	store.ProjectionReader
}

// EvidenceRetention ages evidence out of terminal jobs. Each sweep deletes
// the stored object and appends EVIDENCE_EXPIRED so the stream records what
// was purged and when. Live jobs are never swept: expiring evidence there
// would churn the proof facts of a job still heading to settlement.
type EvidenceRetention struct {
	store evidenceStore
	blobs objectstore.Store
	log   *slog.Logger
	now   func() time.Time
}

func NewEvidenceRetention(s evidenceStore, blobs objectstore.Store, log *slog.Logger, now func() time.Time) *EvidenceRetention {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &EvidenceRetention{
		store: s,
		blobs: blobs,
		log:   log.With("component", "evidence_retention"),
		now:   now,
	}
}

func (w *EvidenceRetention) Name() string { return "evidence_retention" }

func (w *EvidenceRetention) Tick(ctx context.Context, max int) (int, error) {
	tenants, err := w.store.Tenants(ctx)
	if err != nil {
		return 0, err
	}
	processed := 0
	var firstErr error
	for _, tenant := range tenants {
		settings, err := store.TenantSettings(ctx, w.store, tenant, events.FormatTime(w.now()))
		if err != nil {
			return processed, err
		}
		days := settings.EvidenceRetentionDays
		if days <= 0 {
			continue
		}
		cutoff := events.FormatTime(w.now().AddDate(0, 0, -days))
		rows, err := w.store.ListAggregates(ctx, tenant, domain.AggregateJob,
			string(domain.JobSettled), string(domain.JobAborted))
		if err != nil {
			return processed, err
		}
		for i := range rows {
			if processed >= max {
				return processed, firstErr
			}
			n, err := w.sweep(ctx, tenant, &rows[i], cutoff, days)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			processed += n
		}
	}
	return processed, firstErr
}

// sweep expires every aged record on one job in a single commit. Objects are
// deleted before the append: a crash in between leaves a record the next
// sweep retries, and Delete tolerates the blob already being gone.
func (w *EvidenceRetention) sweep(ctx context.Context, tenant string, row *store.AggregateRow, cutoff string, days int) (int, error) {
	job, err := store.DecodeState[domain.Job](row)
	if err != nil {
		return 0, err
	}
	var aged []domain.EvidenceRecord
	for _, rec := range job.Evidence {
		if !rec.Expired && rec.CapturedAt < cutoff {
			aged = append(aged, rec)
		}
	}
	if len(aged) == 0 {
		return 0, nil
	}

	streamID := events.StreamID(domain.AggregateJob, row.ID)
	actor := events.Actor{Type: events.ActorRetention, ID: "retention"}
	head := job.HeadChainHash
	var evs []events.Event
	for _, rec := range aged {
		if err := w.blobs.Delete(ctx, rec.EvidenceRef); err != nil {
			w.log.Warn("evidence object delete failed",
				"tenant", tenant, "job", row.ID, "evidence", rec.EvidenceID, "err", err)
			continue
		}
		prev := head
		e, err := events.New(streamID, domain.EvEvidenceExpired, actor, domain.EvidenceExpiredPayload{
			EvidenceID:    rec.EvidenceID,
			RetentionDays: days,
		}, &prev, w.now())
		if err != nil {
			return 0, err
		}
		head = e.ChainHash
		evs = append(evs, e)
	}
	if len(evs) == 0 {
		return 0, nil
	}
	op, err := store.AppendJobEvents(evs...)
	if err != nil {
		return 0, err
	}
	if err := w.store.CommitTx(ctx, tenant, []store.Op{op}); err != nil {
		return 0, err
	}
	w.log.Info("evidence expired", "tenant", tenant, "job", row.ID, "records", len(evs), "retentionDays", days)
	return 1, nil
}
