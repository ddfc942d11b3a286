package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

type artifactStore interface {
	store.StreamReader
	store.OutboxQueue
	store.ArtifactIndex
	store.DeliveryQueue
}

// ArtifactBuilder turns job milestones into signed artifacts and fans them
// out to the tenant's delivery destinations. Proof evaluations yield a
// ProofReceipt, settlements a SettlementStatement plus WorkCertificate,
// dispute closes re-deliver the verdict artifact the close event references.
// Builds are idempotent: the artifact id derives from the content hash, and
// delivery dedupe keys absorb redelivered triggers.
type ArtifactBuilder struct {
	store    artifactStore
	registry *artifacts.Registry
	dests    map[string][]delivery.Destination
	log      *slog.Logger
	now      func() time.Time
}

// NewArtifactBuilder builds the artifact worker. dests maps tenant ids to
// their configured destinations.
func NewArtifactBuilder(s artifactStore, registry *artifacts.Registry, dests map[string][]delivery.Destination, log *slog.Logger, now func() time.Time) *ArtifactBuilder {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &ArtifactBuilder{
		store:    s,
		registry: registry,
		dests:    dests,
		log:      log.With("component", "artifact"),
		now:      now,
	}
}

func (a *ArtifactBuilder) Name() string { return "artifact" }

func (a *ArtifactBuilder) Tick(ctx context.Context, max int) (int, error) {
	msgs, err := a.store.ClaimOutbox(ctx, store.TopicArtifactBuild, max, a.Name())
	if err != nil {
		return 0, err
	}
	var done, failed []int64
	var firstErr error
	for i := range msgs {
		if err := a.handle(ctx, &msgs[i]); err != nil {
			failed = append(failed, msgs[i].ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		done = append(done, msgs[i].ID)
	}
	if len(done) > 0 {
		if err := a.store.MarkOutboxProcessed(ctx, done); err != nil {
			return len(done), err
		}
	}
	if len(failed) > 0 {
		if err := a.store.MarkOutboxFailed(ctx, failed, firstErr.Error()); err != nil {
			return len(done), err
		}
	}
	return len(done), firstErr
}

func (a *ArtifactBuilder) handle(ctx context.Context, msg *store.OutboxMessage) error {
	var trig store.TriggerMessage
	if err := json.Unmarshal(msg.Payload, &trig); err != nil {
		return err
	}
	evs, err := a.store.Events(ctx, trig.TenantID, events.StreamID(domain.AggregateJob, trig.JobID))
	if err != nil {
		return err
	}
	job, err := domain.ReduceJob(evs)
	if err != nil {
		return err
	}
	anchor, pos := anchorEvent(evs, trig.EventID, trig.EventType)
	if anchor == nil {
		// The stream moved on without the milestone; nothing to build.
		return nil
	}

	switch trig.EventType {
	case domain.EvProofEvaluated:
		receipt, err := artifacts.BuildProofReceipt(trig.TenantID, trig.JobID, *anchor, a.now())
		if err != nil {
			return err
		}
		return a.publish(ctx, trig.TenantID, trig.JobID, int64(pos), []*artifacts.Envelope{receipt})

	case domain.EvJobSettled:
		if job.Status != domain.JobSettled {
			return nil
		}
		statement, err := artifacts.BuildSettlementStatement(trig.TenantID, job, *anchor, a.now())
		if err != nil {
			return err
		}
		certificate, err := artifacts.BuildWorkCertificate(trig.TenantID, job, evs, a.now())
		if err != nil {
			return err
		}
		return a.publish(ctx, trig.TenantID, trig.JobID, int64(pos), []*artifacts.Envelope{statement, certificate})

	case domain.EvDisputeClosed:
		var p domain.DisputeClosedPayload
		if err := anchor.DecodePayload(&p); err != nil {
			return err
		}
		if p.VerdictArtifactID == "" {
			return nil
		}
		row, err := a.store.Artifact(ctx, trig.TenantID, p.VerdictArtifactID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("dispute %s references unknown artifact %s", p.DisputeID, p.VerdictArtifactID)
		}
		if err != nil {
			return err
		}
		return a.deliver(ctx, trig.TenantID, trig.JobID, int64(pos), row.ArtifactType, row.ArtifactID, row.ArtifactHash)

	default:
		a.log.Warn("unexpected artifact trigger", "tenant", trig.TenantID, "job", trig.JobID, "eventType", trig.EventType)
		return nil
	}
}

// publish stores the envelopes, indexes them, and enqueues deliveries. The
// blob write happens before any row lands so a crash can only leave an
// unreferenced blob, never a dangling row.
func (a *ArtifactBuilder) publish(ctx context.Context, tenantID, jobID string, orderSeq int64, envs []*artifacts.Envelope) error {
	for i, env := range envs {
		ref, err := a.registry.Put(ctx, env)
		if err != nil {
			return err
		}
		row := &store.ArtifactRow{
			TenantID:     tenantID,
			ArtifactID:   env.ArtifactID,
			ArtifactType: env.ArtifactType,
			ArtifactHash: env.ArtifactHash,
			Ref:          ref,
			JobID:        jobID,
			CreatedAt:    env.CreatedAt,
		}
		if err := a.store.PutArtifact(ctx, row); err != nil {
			return err
		}
		if err := a.deliverWithPriority(ctx, tenantID, jobID, orderSeq, i, env.ArtifactType, env.ArtifactID, env.ArtifactHash); err != nil {
			return err
		}
		a.log.Info("artifact published",
			"tenant", tenantID, "job", jobID,
			"artifactType", env.ArtifactType, "artifactId", env.ArtifactID, "ref", ref)
	}
	return nil
}

func (a *ArtifactBuilder) deliver(ctx context.Context, tenantID, jobID string, orderSeq int64, artifactType, artifactID, artifactHash string) error {
	return a.deliverWithPriority(ctx, tenantID, jobID, orderSeq, 0, artifactType, artifactID, artifactHash)
}

func (a *ArtifactBuilder) deliverWithPriority(ctx context.Context, tenantID, jobID string, orderSeq int64, priority int, artifactType, artifactID, artifactHash string) error {
	var ds []delivery.Delivery
	for i := range a.dests[tenantID] {
		dest := &a.dests[tenantID][i]
		if !dest.Accepts(artifactType) {
			continue
		}
		d, err := delivery.NewDelivery(tenantID, "dlv_"+uuid.NewString(), dest,
			artifactType, artifactID, artifactHash, jobID, orderSeq, priority, a.now())
		if err != nil {
			return err
		}
		ds = append(ds, *d)
	}
	if len(ds) == 0 {
		return nil
	}
	inserted, err := a.store.PutDeliveries(ctx, ds)
	if err != nil {
		return err
	}
	if inserted > 0 {
		a.log.Info("deliveries enqueued", "tenant", tenantID, "artifactId", artifactID, "count", inserted)
	}
	return nil
}

// anchorEvent finds the trigger's source event, by id when the trigger
// carries one, else the latest event of the trigger type. pos is the
// 1-based stream position, used as the delivery order sequence.
func anchorEvent(evs []events.Event, eventID, eventType string) (*events.Event, int) {
	for i := range evs {
		if eventID != "" && evs[i].ID == eventID {
			return &evs[i], i + 1
		}
	}
	if eventID != "" {
		return nil, 0
	}
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == eventType {
			return &evs[i], i + 1
		}
	}
	return nil, 0
}
