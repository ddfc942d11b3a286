package workers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/proofs"
	"github.com/settld-labs/settld/pkg/store"
)

type proofStore interface {
	store.Committer
	store.StreamReader
	store.ProjectionReader
	store.OutboxQueue
}

// Proof consumes proof-eval triggers and appends the verifier's verdict to
// the job stream. Completion enqueues the first evaluation; later fact
// changes enqueue re-evaluations, which supersede the old verdict under the
// same anchor.
type Proof struct {
	store  proofStore
	log    *slog.Logger
	now    func() time.Time
	minPct float64
}

// NewProof builds the proof worker. minCoveragePct overrides the verifier
// default when positive.
func NewProof(s proofStore, log *slog.Logger, now func() time.Time, minCoveragePct float64) *Proof {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Proof{
		store:  s,
		log:    log.With("component", "proof"),
		now:    now,
		minPct: minCoveragePct,
	}
}

func (p *Proof) Name() string { return "proof" }

func (p *Proof) Tick(ctx context.Context, max int) (int, error) {
	msgs, err := p.store.ClaimOutbox(ctx, store.TopicProofEval, max, p.Name())
	if err != nil {
		return 0, err
	}
	var done, failed []int64
	var firstErr error
	for i := range msgs {
		if err := p.handle(ctx, &msgs[i]); err != nil {
			failed = append(failed, msgs[i].ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		done = append(done, msgs[i].ID)
	}
	if len(done) > 0 {
		if err := p.store.MarkOutboxProcessed(ctx, done); err != nil {
			return len(done), err
		}
	}
	if len(failed) > 0 {
		if err := p.store.MarkOutboxFailed(ctx, failed, firstErr.Error()); err != nil {
			return len(done), err
		}
	}
	return len(done), firstErr
}

func (p *Proof) handle(ctx context.Context, msg *store.OutboxMessage) error {
	var trig store.TriggerMessage
	if err := json.Unmarshal(msg.Payload, &trig); err != nil {
		return err
	}
	evs, err := p.store.Events(ctx, trig.TenantID, events.StreamID(domain.AggregateJob, trig.JobID))
	if err != nil {
		return err
	}
	job, err := domain.ReduceJob(evs)
	if err != nil {
		return err
	}
	if job.Status != domain.JobCompleted {
		// Settled, forfeited or aborted since the trigger. Nothing to prove.
		return nil
	}
	if job.LastProofEval != nil && job.ProofEvalVersion > job.FactsChangeVersion {
		return nil
	}
	if job.LastProofEval != nil && job.Dispute != nil && job.Dispute.Status == "open" {
		settings, err := store.TenantSettings(ctx, p.store, trig.TenantID, events.FormatTime(p.now()))
		if err != nil {
			return err
		}
		if !settings.AllowReproofInDispute {
			p.log.Info("reproof suppressed in dispute", "tenant", trig.TenantID, "job", trig.JobID)
			return nil
		}
	}

	eval, err := proofs.VerifyZoneCoverageProofV1(job, evs,
		job.CompletionChainHash, job.CustomerPolicyHash, job.OperatorPolicyHash, p.minPct)
	if err != nil {
		return err
	}
	actor := events.Actor{Type: events.ActorSystem, ID: "proof"}
	e, err := events.New(events.StreamID(domain.AggregateJob, trig.JobID),
		domain.EvProofEvaluated, actor, eval.Payload(), events.HeadHash(evs), p.now())
	if err != nil {
		return err
	}
	appendOp, err := store.AppendJobEvents(e)
	if err != nil {
		return err
	}
	if err := p.store.CommitTx(ctx, trig.TenantID, []store.Op{appendOp}); err != nil {
		return err
	}
	p.log.Info("proof evaluated",
		"tenant", trig.TenantID, "job", trig.JobID,
		"verdict", eval.Verdict, "coveragePct", eval.CoveragePct, "reasons", eval.Reasons)
	return nil
}
