package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

type dispatchStore interface {
	store.Committer
	store.StreamReader
	store.ProjectionReader
	store.RowReader
	store.OutboxQueue
}

// Dispatcher consumes DISPATCH_REQUESTED triggers and places the best robot,
// plus operator coverage for coverage tiers, onto each booked job. The whole
// placement commits as one append; a chain-head conflict retries the message.
type Dispatcher struct {
	store    dispatchStore
	log      *slog.Logger
	now      func() time.Time
	coverage map[string]bool
}

// NewDispatcher builds the dispatch worker. coverageTiers lists the job tiers
// that must not run without a human operator on standby.
func NewDispatcher(s dispatchStore, log *slog.Logger, now func() time.Time, coverageTiers []string) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	cov := make(map[string]bool, len(coverageTiers))
	for _, t := range coverageTiers {
		cov[t] = true
	}
	return &Dispatcher{store: s, log: log.With("component", "dispatch"), now: now, coverage: cov}
}

func (d *Dispatcher) Name() string { return "dispatch" }

func (d *Dispatcher) Tick(ctx context.Context, max int) (int, error) {
	msgs, err := d.store.ClaimOutbox(ctx, store.TopicDispatch, max, d.Name())
	if err != nil || len(msgs) == 0 {
		return 0, err
	}
	var done, failed []int64
	var firstErr error
	for i := range msgs {
		if err := d.handle(ctx, &msgs[i]); err != nil {
			failed = append(failed, msgs[i].ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		done = append(done, msgs[i].ID)
	}
	if len(done) > 0 {
		if err := d.store.MarkOutboxProcessed(ctx, done); err != nil {
			return len(done), err
		}
	}
	if len(failed) > 0 {
		if err := d.store.MarkOutboxFailed(ctx, failed, firstErr.Error()); err != nil {
			return len(done), err
		}
		return len(done), firstErr
	}
	return len(done), nil
}

func (d *Dispatcher) handle(ctx context.Context, msg *store.OutboxMessage) error {
	var trig store.TriggerMessage
	if err := json.Unmarshal(msg.Payload, &trig); err != nil {
		return fmt.Errorf("dispatch trigger: %w", err)
	}

	streamID := events.StreamID(domain.AggregateJob, trig.JobID)
	evs, err := d.store.Events(ctx, trig.TenantID, streamID)
	if err != nil {
		return err
	}
	job, err := domain.ReduceJob(evs)
	if err != nil {
		return err
	}
	if job.Status != domain.JobBooked {
		// Stale trigger: the job moved on or was cancelled.
		return nil
	}
	if job.Window == nil {
		return fmt.Errorf("job %s booked without a window", trig.JobID)
	}
	window := *job.Window

	settings, err := store.TenantSettings(ctx, d.store, trig.TenantID, events.FormatTime(d.now()))
	if err != nil {
		return err
	}
	view := store.NewView(ctx, d.store, trig.TenantID, settings)

	candidates, err := d.robotCandidates(ctx, trig.TenantID, job, window)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return d.fail(ctx, trig.TenantID, streamID, evs, domain.DispatchFailNoRobots,
			"no dispatchable robot covers zone "+job.Zone)
	}

	attempt := 1
	for i := range evs {
		if evs[i].Type == domain.EvDispatchEvaluated {
			attempt++
		}
	}
	ids := make([]string, len(candidates))
	for i := range candidates {
		ids[i] = candidates[i].ID
	}

	conflicts := 0
	for i := range candidates {
		err := d.place(ctx, trig.TenantID, streamID, evs, job, view, &candidates[i], ids, attempt, window)
		if err == nil {
			d.log.Info("job dispatched", "tenant", trig.TenantID, "job", trig.JobID,
				"robot", candidates[i].ID, "attempt", attempt)
			return nil
		}
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			// This candidate lost a race or regressed since listing; the
			// next one may still fit.
			conflicts++
			continue
		}
		if errors.Is(err, errNoOperator) {
			return d.fail(ctx, trig.TenantID, streamID, evs, domain.DispatchFailNoOperators,
				"no active operator shift covers zone "+job.Zone)
		}
		return err
	}
	return d.fail(ctx, trig.TenantID, streamID, evs, domain.DispatchFailConflict,
		fmt.Sprintf("all %d candidates conflicted", conflicts))
}

var errNoOperator = errors.New("no operator with coverage capacity")

// place builds and commits the full placement for one candidate robot:
// DISPATCH_EVALUATED, MATCHED, RESERVED, coverage when the tier needs it,
// DISPATCH_CONFIRMED.
func (d *Dispatcher) place(ctx context.Context, tenantID, streamID string, prior []events.Event,
	job *domain.Job, view *store.View, robot *domain.Robot, candidateIDs []string, attempt int,
	window domain.Window) error {

	at := d.now()
	actor := events.Actor{Type: events.ActorDispatch, ID: "dispatch"}
	evs := append([]events.Event(nil), prior...)

	add := func(eventType string, payload any) (events.Event, error) {
		e, err := events.New(streamID, eventType, actor, payload, events.HeadHash(evs), at)
		if err != nil {
			return events.Event{}, err
		}
		evs = append(evs, e)
		return e, nil
	}

	if _, err := add(domain.EvDispatchEvaluated, domain.DispatchEvaluatedPayload{
		Candidates: candidateIDs,
		ChosenID:   robot.ID,
		Attempt:    attempt,
	}); err != nil {
		return err
	}
	if _, err := add(domain.EvJobMatched, domain.JobMatchedPayload{
		RobotID:    robot.ID,
		TrustScore: robot.TrustScore,
	}); err != nil {
		return err
	}

	reserved, err := add(domain.EvJobReserved, domain.JobReservedPayload{
		ReservationID: "rsv_" + uuid.NewString(),
		RobotID:       robot.ID,
		Window:        window,
	})
	if err != nil {
		return err
	}
	pre, err := domain.ReduceJob(evs[:len(evs)-1])
	if err != nil {
		return err
	}
	if _, err := domain.ValidateJobEvent(view, pre, evs[:len(evs)-1], reserved, nil); err != nil {
		return err
	}

	operatorID := ""
	if d.coverage[job.Tier] {
		op, err := d.operatorFor(ctx, tenantID, view, job.Zone, window)
		if err != nil {
			return err
		}
		if op == nil {
			return errNoOperator
		}
		shift := op.ShiftCovering(job.Zone, window)
		coverage, err := add(domain.EvOperatorCoverage, domain.OperatorCoveragePayload{
			OperatorID: op.ID,
			ShiftID:    shift.ShiftID,
			Window:     window,
		})
		if err != nil {
			return err
		}
		pre, err = domain.ReduceJob(evs[:len(evs)-1])
		if err != nil {
			return err
		}
		if _, err := domain.ValidateJobEvent(view, pre, evs[:len(evs)-1], coverage, nil); err != nil {
			return err
		}
		operatorID = op.ID
	}

	if _, err := add(domain.EvDispatchConfirmed, domain.DispatchConfirmedPayload{
		RobotID:    robot.ID,
		OperatorID: operatorID,
	}); err != nil {
		return err
	}

	op, err := store.AppendJobEvents(evs[len(prior):]...)
	if err != nil {
		return err
	}
	return d.store.CommitTx(ctx, tenantID, []store.Op{op})
}

// robotCandidates lists dispatchable robots for the job's zone and window,
// best first.
func (d *Dispatcher) robotCandidates(ctx context.Context, tenantID string, job *domain.Job, window domain.Window) ([]domain.Robot, error) {
	rows, err := d.store.ListAggregates(ctx, tenantID, domain.AggregateRobot)
	if err != nil {
		return nil, err
	}
	var out []domain.Robot
	for i := range rows {
		r, err := store.DecodeState[domain.Robot](&rows[i])
		if err != nil {
			return nil, err
		}
		if !r.Dispatchable() {
			continue
		}
		if job.Zone != "" && r.Zone != job.Zone {
			continue
		}
		if len(r.Availability) > 0 && !r.AvailableDuring(window) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TrustScore != out[j].TrustScore {
			return out[i].TrustScore > out[j].TrustScore
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// operatorFor picks the first active operator, id order, with a shift covering
// the zone and window and spare concurrent capacity.
func (d *Dispatcher) operatorFor(ctx context.Context, tenantID string, view *store.View, zone string, window domain.Window) (*domain.Operator, error) {
	rows, err := d.store.ListAggregates(ctx, tenantID, domain.AggregateOperator)
	if err != nil {
		return nil, err
	}
	var ops []*domain.Operator
	for i := range rows {
		o, err := store.DecodeState[domain.Operator](&rows[i])
		if err != nil {
			return nil, err
		}
		if o.Status != domain.OperatorActive || o.ShiftCovering(zone, window) == nil {
			continue
		}
		ops = append(ops, o)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	for _, o := range ops {
		used, err := view.OperatorCoverageCount(o.ID, window)
		if err != nil {
			return nil, err
		}
		if used < o.ShiftCovering(zone, window).MaxConcurrent {
			return o, nil
		}
	}
	return nil, nil
}

func (d *Dispatcher) fail(ctx context.Context, tenantID, streamID string, prior []events.Event, reason, detail string) error {
	actor := events.Actor{Type: events.ActorDispatch, ID: "dispatch"}
	e, err := events.New(streamID, domain.EvDispatchFailed, actor,
		domain.DispatchFailedPayload{Reason: reason, Detail: detail}, events.HeadHash(prior), d.now())
	if err != nil {
		return err
	}
	op, err := store.AppendJobEvents(e)
	if err != nil {
		return err
	}
	_, jobID := events.SplitStreamID(streamID)
	enq, err := store.EnqueueOutbox(store.TopicNotifyOpsDispatch, store.TriggerMessage{
		TenantID:  tenantID,
		JobID:     jobID,
		EventID:   e.ID,
		EventType: e.Type,
		ChainHash: e.ChainHash,
	})
	if err != nil {
		return err
	}
	if err := d.store.CommitTx(ctx, tenantID, []store.Op{op, enq}); err != nil {
		return err
	}
	d.log.Warn("dispatch failed", "tenant", tenantID, "stream", streamID, "reason", reason, "detail", detail)
	return nil
}
