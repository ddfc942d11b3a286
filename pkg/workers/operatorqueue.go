package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

// DefaultAssistTimeoutMs is how long an assist request may wait for an
// operator before ASSIST_TIMEOUT is recorded.
const DefaultAssistTimeoutMs = 300_000

type operatorQueueStore interface {
	store.Committer
	store.StreamReader
	store.ProjectionReader
	store.OutboxQueue
}

// OperatorQueue routes assist requests to operators. Assist triggers queue
// the request and assign the first operator on shift with spare capacity;
// escalation triggers record ESCALATION_NEEDED on stalled coverage jobs. A
// sweep records ASSIST_TIMEOUT on requests no retry will ever fill.
type OperatorQueue struct {
	store   operatorQueueStore
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

func NewOperatorQueue(s operatorQueueStore, log *slog.Logger, now func() time.Time, timeoutMs int64) *OperatorQueue {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if timeoutMs <= 0 {
		timeoutMs = DefaultAssistTimeoutMs
	}
	return &OperatorQueue{
		store:   s,
		log:     log.With("component", "operator_queue"),
		now:     now,
		timeout: time.Duration(timeoutMs) * time.Millisecond,
	}
}

func (q *OperatorQueue) Name() string { return "operator_queue" }

// errAssistPending marks a message that should retry once capacity frees.
var errAssistPending = errors.New("no operator free for assist")

func (q *OperatorQueue) Tick(ctx context.Context, max int) (int, error) {
	processed := 0
	var firstErr error
	for _, topic := range []string{store.TopicOperatorAssist, store.TopicEscalation} {
		n, err := q.drain(ctx, topic, max-processed)
		processed += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if processed >= max {
			return processed, firstErr
		}
	}
	n, err := q.sweepTimeouts(ctx, max-processed)
	processed += n
	if err != nil && firstErr == nil {
		firstErr = err
	}
	return processed, firstErr
}

func (q *OperatorQueue) drain(ctx context.Context, topic string, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	msgs, err := q.store.ClaimOutbox(ctx, topic, max, q.Name())
	if err != nil || len(msgs) == 0 {
		return 0, err
	}
	var done, failed []int64
	var firstErr error
	for i := range msgs {
		if err := q.handle(ctx, topic, &msgs[i]); err != nil {
			failed = append(failed, msgs[i].ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		done = append(done, msgs[i].ID)
	}
	if len(done) > 0 {
		if err := q.store.MarkOutboxProcessed(ctx, done); err != nil {
			return len(done), err
		}
	}
	if len(failed) > 0 {
		if err := q.store.MarkOutboxFailed(ctx, failed, firstErr.Error()); err != nil {
			return len(done), err
		}
		if !errors.Is(firstErr, errAssistPending) {
			return len(done), firstErr
		}
	}
	return len(done), nil
}

func (q *OperatorQueue) handle(ctx context.Context, topic string, msg *store.OutboxMessage) error {
	var trig store.TriggerMessage
	if err := json.Unmarshal(msg.Payload, &trig); err != nil {
		return fmt.Errorf("operator queue trigger: %w", err)
	}
	streamID := events.StreamID(domain.AggregateJob, trig.JobID)
	evs, err := q.store.Events(ctx, trig.TenantID, streamID)
	if err != nil {
		return err
	}
	job, err := domain.ReduceJob(evs)
	if err != nil {
		return err
	}

	switch {
	case topic == store.TopicEscalation && job.Status == domain.JobStalled:
		return q.escalate(ctx, trig.TenantID, streamID, evs, job)
	case job.Status == domain.JobAssisted:
		return q.assign(ctx, trig.TenantID, streamID, evs, job)
	default:
		// Stale trigger: the job moved on before we got to it.
		return nil
	}
}

// escalate records ESCALATION_NEEDED once per stall.
func (q *OperatorQueue) escalate(ctx context.Context, tenant, streamID string, evs []events.Event, job *domain.Job) error {
	if eventSince(evs, domain.EvEscalationNeeded, domain.EvExecutionStalled) {
		return nil
	}
	actor := events.Actor{Type: events.ActorOps, ID: "operator_queue"}
	e, err := events.New(streamID, domain.EvEscalationNeeded, actor,
		domain.EscalationPayload{Reason: "stalled with operator coverage"}, events.HeadHash(evs), q.now())
	if err != nil {
		return err
	}
	op, err := store.AppendJobEvents(e)
	if err != nil {
		return err
	}
	if err := q.store.CommitTx(ctx, tenant, []store.Op{op}); err != nil {
		return err
	}
	q.log.Warn("job escalated", "tenant", tenant, "stream", streamID, "operator", job.OperatorID)
	return nil
}

// assign queues the assist and hands it to an operator, or leaves the
// message pending until one frees up or the request times out.
func (q *OperatorQueue) assign(ctx context.Context, tenant, streamID string, evs []events.Event, job *domain.Job) error {
	if job.AssistOperator != "" || eventSince(evs, domain.EvAssistTimeout, domain.EvAssistRequested) {
		return nil
	}

	actor := events.Actor{Type: events.ActorOps, ID: "operator_queue"}
	at := q.now()
	pending := append([]events.Event(nil), evs...)
	var newEvs []events.Event

	if !eventSince(evs, domain.EvAssistQueued, domain.EvAssistRequested) {
		queued, err := events.New(streamID, domain.EvAssistQueued, actor, struct{}{}, events.HeadHash(pending), at)
		if err != nil {
			return err
		}
		pending = append(pending, queued)
		newEvs = append(newEvs, queued)
	}

	operator, err := q.operatorFor(ctx, tenant, job)
	if err != nil {
		return err
	}
	if operator == "" {
		requested, err := events.ParseTime(job.AssistRequested)
		if err != nil {
			return err
		}
		if q.now().Sub(requested) < q.timeout {
			if len(newEvs) > 0 {
				op, err := store.AppendJobEvents(newEvs...)
				if err != nil {
					return err
				}
				if err := q.store.CommitTx(ctx, tenant, []store.Op{op}); err != nil {
					return err
				}
			}
			return errAssistPending
		}
		timeoutEv, err := events.New(streamID, domain.EvAssistTimeout, actor,
			domain.AssistTimeoutPayload{AfterMs: q.now().Sub(requested).Milliseconds()}, events.HeadHash(pending), at)
		if err != nil {
			return err
		}
		newEvs = append(newEvs, timeoutEv)
	} else {
		assigned, err := events.New(streamID, domain.EvAssistAssigned, actor,
			domain.AssistAssignedPayload{OperatorID: operator}, events.HeadHash(pending), at)
		if err != nil {
			return err
		}
		newEvs = append(newEvs, assigned)
	}

	op, err := store.AppendJobEvents(newEvs...)
	if err != nil {
		return err
	}
	if err := q.store.CommitTx(ctx, tenant, []store.Op{op}); err != nil {
		return err
	}
	if operator != "" {
		q.log.Info("assist assigned", "tenant", tenant, "stream", streamID, "operator", operator)
	} else {
		q.log.Warn("assist timed out", "tenant", tenant, "stream", streamID)
	}
	return nil
}

// operatorFor picks an operator for an assist happening now: the job's
// coverage operator when free, otherwise the least loaded active operator on
// shift in the job's zone.
func (q *OperatorQueue) operatorFor(ctx context.Context, tenant string, job *domain.Job) (string, error) {
	rows, err := q.store.ListAggregates(ctx, tenant, domain.AggregateOperator)
	if err != nil {
		return "", err
	}
	nowWire := events.FormatTime(q.now())
	type candidate struct {
		id       string
		capacity int
	}
	var cands []candidate
	for i := range rows {
		o, err := store.DecodeState[domain.Operator](&rows[i])
		if err != nil {
			return "", err
		}
		if o.Status != domain.OperatorActive {
			continue
		}
		shift := o.OnShift(job.Zone, nowWire)
		if shift == nil {
			continue
		}
		cands = append(cands, candidate{id: o.ID, capacity: shift.MaxConcurrent})
	}
	if len(cands) == 0 {
		return "", nil
	}

	assisting, err := q.store.ListAggregates(ctx, tenant, domain.AggregateJob, string(domain.JobAssisted))
	if err != nil {
		return "", err
	}
	load := map[string]int{}
	for i := range assisting {
		j, err := store.DecodeState[domain.Job](&assisting[i])
		if err != nil {
			return "", err
		}
		if j.AssistOperator != "" {
			load[j.AssistOperator]++
		}
	}

	sort.Slice(cands, func(i, j int) bool {
		if load[cands[i].id] != load[cands[j].id] {
			return load[cands[i].id] < load[cands[j].id]
		}
		return cands[i].id < cands[j].id
	})
	for _, c := range cands {
		if c.id == job.OperatorID && load[c.id] < c.capacity {
			return c.id, nil
		}
	}
	for _, c := range cands {
		if load[c.id] < c.capacity {
			return c.id, nil
		}
	}
	return "", nil
}

// sweepTimeouts records ASSIST_TIMEOUT on assists whose trigger message died
// before capacity freed.
func (q *OperatorQueue) sweepTimeouts(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	tenants, err := q.store.Tenants(ctx)
	if err != nil {
		return 0, err
	}
	processed := 0
	var firstErr error
	for _, tenant := range tenants {
		rows, err := q.store.ListAggregates(ctx, tenant, domain.AggregateJob, string(domain.JobAssisted))
		if err != nil {
			return processed, err
		}
		for i := range rows {
			if processed >= max {
				return processed, firstErr
			}
			job, err := store.DecodeState[domain.Job](&rows[i])
			if err != nil {
				return processed, err
			}
			if job.AssistOperator != "" || job.AssistRequested == "" {
				continue
			}
			requested, err := events.ParseTime(job.AssistRequested)
			if err != nil {
				return processed, err
			}
			waited := q.now().Sub(requested)
			if waited < q.timeout {
				continue
			}
			streamID := events.StreamID(domain.AggregateJob, rows[i].ID)
			evs, err := q.store.Events(ctx, tenant, streamID)
			if err != nil {
				return processed, err
			}
			if eventSince(evs, domain.EvAssistTimeout, domain.EvAssistRequested) {
				continue
			}
			actor := events.Actor{Type: events.ActorOps, ID: "operator_queue"}
			e, err := events.New(streamID, domain.EvAssistTimeout, actor,
				domain.AssistTimeoutPayload{AfterMs: waited.Milliseconds()}, events.HeadHash(evs), q.now())
			if err != nil {
				return processed, err
			}
			op, err := store.AppendJobEvents(e)
			if err != nil {
				return processed, err
			}
			if err := q.store.CommitTx(ctx, tenant, []store.Op{op}); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			processed++
		}
	}
	return processed, firstErr
}

// eventSince reports whether eventType appears after the latest occurrence
// of marker in the stream.
func eventSince(evs []events.Event, eventType, marker string) bool {
	for i := len(evs) - 1; i >= 0; i-- {
		switch evs[i].Type {
		case marker:
			return false
		case eventType:
			return true
		}
	}
	return false
}
