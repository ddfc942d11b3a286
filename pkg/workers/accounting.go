package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

// DefaultOperatorRateCentsPerMin is the operator cost rate applied when no
// rate is configured.
const DefaultOperatorRateCentsPerMin = 150

const (
	SLABreachLateCompletion = "late_completion"
	SLABreachStall          = "stall"
)

type accountingStore interface {
	store.Committer
	store.ProjectionReader
}

// Accounting settles the books behind a settled job: it records the operator
// cost for the covered window, detects SLA breaches from the job's own
// history, and issues the policy credit for them. Every append is guarded by
// a zero-value check on the projection, so a job is touched at most once.
type Accounting struct {
	store     accountingStore
	log       *slog.Logger
	now       func() time.Time
	rateCents int64
}

// NewAccounting builds the accounting worker. rateCentsPerMin prices operator
// coverage per started minute; zero falls back to the default rate.
func NewAccounting(s accountingStore, log *slog.Logger, now func() time.Time, rateCentsPerMin int64) *Accounting {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if rateCentsPerMin <= 0 {
		rateCentsPerMin = DefaultOperatorRateCentsPerMin
	}
	return &Accounting{
		store:     s,
		log:       log.With("component", "accounting"),
		now:       now,
		rateCents: rateCentsPerMin,
	}
}

func (a *Accounting) Name() string { return "accounting" }

func (a *Accounting) Tick(ctx context.Context, max int) (int, error) {
	tenants, err := a.store.Tenants(ctx)
	if err != nil {
		return 0, err
	}
	processed := 0
	var firstErr error
	for _, tenant := range tenants {
		rows, err := a.store.ListAggregates(ctx, tenant, domain.AggregateJob, string(domain.JobSettled))
		if err != nil {
			return processed, err
		}
		settings, err := store.TenantSettings(ctx, a.store, tenant, events.FormatTime(a.now()))
		if err != nil {
			return processed, err
		}
		for i := range rows {
			if processed >= max {
				return processed, firstErr
			}
			n, err := a.book(ctx, tenant, &rows[i], settings)
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

// book appends whatever accounting events the settled job still lacks, in one
// commit. Racing writers surface as a chain-head conflict and the next tick
// re-reads the projection.
func (a *Accounting) book(ctx context.Context, tenant string, row *store.AggregateRow, settings domain.PolicySettings) (int, error) {
	job, err := store.DecodeState[domain.Job](row)
	if err != nil {
		return 0, err
	}
	if job.Status != domain.JobSettled {
		return 0, nil
	}

	at := a.now()
	streamID := events.StreamID(domain.AggregateJob, row.ID)
	actor := events.Actor{Type: events.ActorAccounting, ID: "accounting"}
	head := job.HeadChainHash
	var evs []events.Event
	add := func(eventType string, payload any) error {
		prev := head
		e, err := events.New(streamID, eventType, actor, payload, &prev, at)
		if err != nil {
			return err
		}
		head = e.ChainHash
		evs = append(evs, e)
		return nil
	}

	if job.OperatorID != "" && job.OperatorCostCents == 0 && job.CoverageWindow != nil {
		mins, err := windowMinutes(job.CoverageWindow)
		if err != nil {
			return 0, err
		}
		if err := add(domain.EvOperatorCost, domain.OperatorCostPayload{
			OperatorID:  job.OperatorID,
			AmountCents: mins * a.rateCents,
			Currency:    job.Currency,
			Minutes:     mins,
		}); err != nil {
			return 0, err
		}
	}

	breachEventID := ""
	newBreaches := 0
	if job.SLABreachCount == 0 {
		for _, b := range a.breaches(job) {
			if err := add(domain.EvSLABreachDetected, b); err != nil {
				return 0, err
			}
			if breachEventID == "" {
				breachEventID = evs[len(evs)-1].ID
			}
			newBreaches++
		}
	}

	totalBreaches := job.SLABreachCount + newBreaches
	if job.SLACreditCents == 0 && totalBreaches > 0 && settings.SLACreditDefaultPct > 0 {
		credit := int64(totalBreaches) * job.AmountCents * int64(settings.SLACreditDefaultPct) / 100
		if settings.SLACreditMaxCents > 0 && credit > settings.SLACreditMaxCents {
			credit = settings.SLACreditMaxCents
		}
		if credit > 0 {
			if err := add(domain.EvSLACreditIssued, domain.SLACreditPayload{
				AmountCents:   credit,
				Currency:      job.Currency,
				Reason:        fmt.Sprintf("%d sla breach(es) at %d%%", totalBreaches, settings.SLACreditDefaultPct),
				BreachEventID: breachEventID,
			}); err != nil {
				return 0, err
			}
		}
	}

	if len(evs) == 0 {
		return 0, nil
	}
	appendOp, err := store.AppendJobEvents(evs...)
	if err != nil {
		return 0, err
	}
	if err := a.store.CommitTx(ctx, tenant, []store.Op{appendOp}); err != nil {
		return 0, err
	}
	a.log.Info("job accounted", "tenant", tenant, "job", row.ID, "events", len(evs), "breaches", newBreaches)
	return 1, nil
}

// breaches derives SLA breaches from the settled job's own record.
func (a *Accounting) breaches(job *domain.Job) []domain.SLABreachPayload {
	detected := events.FormatTime(a.now())
	var out []domain.SLABreachPayload
	if job.Window != nil && job.CompletedAt != "" && job.CompletedAt > job.Window.EndAt {
		out = append(out, domain.SLABreachPayload{
			Kind:       SLABreachLateCompletion,
			Detail:     fmt.Sprintf("completed %s, window ended %s", job.CompletedAt, job.Window.EndAt),
			DetectedAt: detected,
		})
	}
	if job.StallCount > 0 {
		out = append(out, domain.SLABreachPayload{
			Kind:       SLABreachStall,
			Detail:     fmt.Sprintf("%d stalls during execution", job.StallCount),
			DetectedAt: detected,
		})
	}
	return out
}

// windowMinutes bills a half-open window per started minute.
func windowMinutes(w *domain.Window) (int64, error) {
	start, err := events.ParseTime(w.StartAt)
	if err != nil {
		return 0, err
	}
	end, err := events.ParseTime(w.EndAt)
	if err != nil {
		return 0, err
	}
	d := end.Sub(start)
	if d <= 0 {
		return 0, nil
	}
	return int64((d + time.Minute - 1) / time.Minute), nil
}
