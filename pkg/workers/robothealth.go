package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

// Quarantine thresholds.
const (
	QuarantineSeverity  = 4
	StallsPerHourLimit  = 3
	SafetyIncidentLimit = 3
)

// safetyIncidentKinds are the incident kinds that count toward the safety
// quarantine threshold regardless of severity.
var safetyIncidentKinds = map[string]bool{
	"safety":          true,
	"collision":       true,
	"near_miss":       true,
	"human_contact":   true,
	"property_damage": true,
}

type robotHealthStore interface {
	store.Committer
	store.StreamReader
	store.ProjectionReader
	store.OutboxQueue
}

// RobotHealth quarantines robots that stall repeatedly or rack up safety
// incidents. Stall triggers are consumed as hints; the scan itself works off
// the job projections so incident-only cases are caught too.
type RobotHealth struct {
	store robotHealthStore
	log   *slog.Logger
	now   func() time.Time
}

func NewRobotHealth(s robotHealthStore, log *slog.Logger, now func() time.Time) *RobotHealth {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &RobotHealth{store: s, log: log.With("component", "robot_health"), now: now}
}

func (h *RobotHealth) Name() string { return "robot_health" }

func (h *RobotHealth) Tick(ctx context.Context, max int) (int, error) {
	// Stall notifications only point at work the scan below finds anyway.
	msgs, err := h.store.ClaimOutbox(ctx, store.TopicJobStalled, max, h.Name())
	if err != nil {
		return 0, err
	}
	if len(msgs) > 0 {
		ids := make([]int64, len(msgs))
		for i := range msgs {
			ids[i] = msgs[i].ID
		}
		if err := h.store.MarkOutboxProcessed(ctx, ids); err != nil {
			return 0, err
		}
	}

	tenants, err := h.store.Tenants(ctx)
	if err != nil {
		return 0, err
	}
	quarantined := 0
	var firstErr error
	for _, tenant := range tenants {
		n, err := h.scanTenant(ctx, tenant, max-quarantined)
		quarantined += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if quarantined >= max {
			break
		}
	}
	return quarantined, firstErr
}

func (h *RobotHealth) scanTenant(ctx context.Context, tenant string, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	rows, err := h.store.ListAggregates(ctx, tenant, domain.AggregateJob,
		string(domain.JobExecuting), string(domain.JobAssisted), string(domain.JobStalled),
		string(domain.JobAbortingSafe), string(domain.JobCompleted))
	if err != nil {
		return 0, err
	}

	type health struct {
		stallJobs   []string // jobs worth reading for stall times
		maxSeverity int
		safetyCount int
	}
	byRobot := map[string]*health{}
	cutoff := events.FormatTime(h.now().Add(-time.Hour))
	for i := range rows {
		job, err := store.DecodeState[domain.Job](&rows[i])
		if err != nil {
			return 0, err
		}
		if job.RobotID == "" {
			continue
		}
		hl := byRobot[job.RobotID]
		if hl == nil {
			hl = &health{}
			byRobot[job.RobotID] = hl
		}
		if job.StallCount > 0 && job.LastStalledAt >= cutoff {
			hl.stallJobs = append(hl.stallJobs, rows[i].ID)
		}
		for _, inc := range job.Incidents {
			if inc.Severity > hl.maxSeverity {
				hl.maxSeverity = inc.Severity
			}
			if safetyIncidentKinds[inc.Kind] {
				hl.safetyCount++
			}
		}
	}

	quarantined := 0
	var firstErr error
	for robotID, hl := range byRobot {
		if quarantined >= max {
			break
		}
		reason, err := h.verdict(ctx, tenant, hl.maxSeverity, hl.safetyCount, hl.stallJobs, cutoff)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if reason == "" {
			continue
		}
		n, err := h.quarantine(ctx, tenant, robotID, reason)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		quarantined += n
	}
	return quarantined, firstErr
}

// verdict decides whether the accumulated signals cross a threshold.
func (h *RobotHealth) verdict(ctx context.Context, tenant string, maxSeverity, safetyCount int, stallJobs []string, cutoff string) (string, error) {
	if maxSeverity >= QuarantineSeverity {
		return fmt.Sprintf("incident severity %d", maxSeverity), nil
	}
	if safetyCount >= SafetyIncidentLimit {
		return fmt.Sprintf("%d safety incidents", safetyCount), nil
	}
	stalls := 0
	for _, jobID := range stallJobs {
		evs, err := h.store.Events(ctx, tenant, events.StreamID(domain.AggregateJob, jobID))
		if err != nil {
			return "", err
		}
		for i := range evs {
			if evs[i].Type == domain.EvExecutionStalled && evs[i].At >= cutoff {
				stalls++
			}
		}
	}
	if stalls >= StallsPerHourLimit {
		return fmt.Sprintf("%d stalls within the hour", stalls), nil
	}
	return "", nil
}

// quarantine flips the robot's status unless it is already out of rotation.
func (h *RobotHealth) quarantine(ctx context.Context, tenant, robotID, reason string) (int, error) {
	row, err := h.store.Aggregate(ctx, tenant, domain.AggregateRobot, robotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	robot, err := store.DecodeState[domain.Robot](row)
	if err != nil {
		return 0, err
	}
	if robot.Status != domain.RobotActive {
		return 0, nil
	}
	actor := events.Actor{Type: events.ActorSystem, ID: "robot_health"}
	e, err := events.New(events.StreamID(domain.AggregateRobot, robotID), domain.EvRobotStatusChanged, actor,
		domain.StatusChangedPayload{Status: domain.RobotQuarantined, Reason: reason}, &robot.HeadChainHash, h.now())
	if err != nil {
		return 0, err
	}
	op, err := store.AppendRobotEvents(e)
	if err != nil {
		return 0, err
	}
	if err := h.store.CommitTx(ctx, tenant, []store.Op{op}); err != nil {
		return 0, err
	}
	h.log.Warn("robot quarantined", "tenant", tenant, "robot", robotID, "reason", reason)
	return 1, nil
}
