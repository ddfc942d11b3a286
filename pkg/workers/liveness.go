package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

// DefaultStallAfterMs is the heartbeat gap that stalls a job when its tier
// has no configured threshold.
const DefaultStallAfterMs = 120_000

type livenessStore interface {
	store.Committer
	store.ProjectionReader
}

// Liveness watches executing jobs for heartbeat gaps. A job whose telemetry
// goes quiet past its tier threshold is stalled and ops notified; a stalled
// job with fresh telemetry resumes.
type Liveness struct {
	store      livenessStore
	log        *slog.Logger
	now        func() time.Time
	stallAfter map[string]time.Duration
	defaultGap time.Duration
}

// NewLiveness builds the liveness worker. stallAfterMs maps job tiers to the
// allowed heartbeat gap in milliseconds; zero values fall back to the default.
func NewLiveness(s livenessStore, log *slog.Logger, now func() time.Time, stallAfterMs map[string]int64) *Liveness {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	gaps := make(map[string]time.Duration, len(stallAfterMs))
	for tier, ms := range stallAfterMs {
		if ms > 0 {
			gaps[tier] = time.Duration(ms) * time.Millisecond
		}
	}
	return &Liveness{
		store:      s,
		log:        log.With("component", "liveness"),
		now:        now,
		stallAfter: gaps,
		defaultGap: DefaultStallAfterMs * time.Millisecond,
	}
}

func (l *Liveness) Name() string { return "liveness" }

func (l *Liveness) Tick(ctx context.Context, max int) (int, error) {
	tenants, err := l.store.Tenants(ctx)
	if err != nil {
		return 0, err
	}
	processed := 0
	var firstErr error
	for _, tenant := range tenants {
		rows, err := l.store.ListAggregates(ctx, tenant, domain.AggregateJob,
			string(domain.JobExecuting), string(domain.JobAssisted), string(domain.JobStalled))
		if err != nil {
			return processed, err
		}
		for i := range rows {
			if processed >= max {
				return processed, firstErr
			}
			n, err := l.check(ctx, tenant, &rows[i])
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

func (l *Liveness) check(ctx context.Context, tenant string, row *store.AggregateRow) (int, error) {
	job, err := store.DecodeState[domain.Job](row)
	if err != nil {
		return 0, err
	}
	if job.Status == domain.JobStalled {
		return l.maybeResume(ctx, tenant, row.ID, job)
	}
	if job.Status != domain.JobExecuting && job.Status != domain.JobAssisted {
		return 0, nil
	}

	heartbeat := job.LastTelemetryAt
	if heartbeat == "" {
		heartbeat = job.LastEventAt
	}
	at, err := events.ParseTime(heartbeat)
	if err != nil {
		return 0, err
	}
	idle := l.now().Sub(at)
	if idle <= l.gapFor(job.Tier) {
		return 0, nil
	}

	streamID := events.StreamID(domain.AggregateJob, row.ID)
	actor := events.Actor{Type: events.ActorSystem, ID: "liveness"}
	stalled, err := events.New(streamID, domain.EvExecutionStalled, actor, domain.ExecutionStalledPayload{
		LastTelemetryAt: job.LastTelemetryAt,
		IdleMs:          idle.Milliseconds(),
	}, &job.HeadChainHash, l.now())
	if err != nil {
		return 0, err
	}
	appendOp, err := store.AppendJobEvents(stalled)
	if err != nil {
		return 0, err
	}
	trig := store.TriggerMessage{
		TenantID:  tenant,
		JobID:     row.ID,
		EventID:   stalled.ID,
		EventType: stalled.Type,
		ChainHash: stalled.ChainHash,
	}
	ops := []store.Op{appendOp}
	for _, topic := range []string{store.TopicJobStalled, store.TopicNotifyOps} {
		enq, err := store.EnqueueOutbox(topic, trig)
		if err != nil {
			return 0, err
		}
		ops = append(ops, enq)
	}
	if job.OperatorID != "" {
		// Coverage jobs escalate straight to the operator queue.
		enq, err := store.EnqueueOutbox(store.TopicEscalation, trig)
		if err != nil {
			return 0, err
		}
		ops = append(ops, enq)
	}
	if err := l.store.CommitTx(ctx, tenant, ops); err != nil {
		return 0, err
	}
	l.log.Warn("job stalled", "tenant", tenant, "job", row.ID, "idleMs", idle.Milliseconds(), "tier", job.Tier)
	return 1, nil
}

// maybeResume flips a stalled job back once telemetry postdates the stall.
func (l *Liveness) maybeResume(ctx context.Context, tenant, jobID string, job *domain.Job) (int, error) {
	if job.LastTelemetryAt == "" || job.LastTelemetryAt <= job.LastStalledAt {
		return 0, nil
	}
	streamID := events.StreamID(domain.AggregateJob, jobID)
	actor := events.Actor{Type: events.ActorSystem, ID: "liveness"}
	resumed, err := events.New(streamID, domain.EvExecutionResumed, actor, struct{}{}, &job.HeadChainHash, l.now())
	if err != nil {
		return 0, err
	}
	op, err := store.AppendJobEvents(resumed)
	if err != nil {
		return 0, err
	}
	if err := l.store.CommitTx(ctx, tenant, []store.Op{op}); err != nil {
		return 0, err
	}
	l.log.Info("job resumed", "tenant", tenant, "job", jobID)
	return 1, nil
}

func (l *Liveness) gapFor(tier string) time.Duration {
	if d, ok := l.stallAfter[tier]; ok {
		return d
	}
	return l.defaultGap
}
