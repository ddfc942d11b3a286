package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
)

// DecodeState unmarshals an aggregate row's reduced state.
func DecodeState[T any](row *AggregateRow) (*T, error) {
	var v T
	if err := json.Unmarshal(row.State, &v); err != nil {
		return nil, fmt.Errorf("store: decode %s/%s state: %w", row.Type, row.ID, err)
	}
	return &v, nil
}

// reservationHeldStatuses are the job states during which a robot
// reservation and any operator coverage stay held.
var reservationHeldStatuses = []string{
	string(domain.JobReserved),
	string(domain.JobEnRoute),
	string(domain.JobAccessGranted),
	string(domain.JobExecuting),
	string(domain.JobAssisted),
	string(domain.JobStalled),
	string(domain.JobAbortingSafe),
}

type viewStore interface {
	ProjectionReader
	RowReader
}

// View adapts committed projections to domain.ReadView for one tenant. It is
// request scoped and carries the request context because the validator
// interface has none. Reading committed state instead of sharing the commit
// transaction is sound: a commit that validated against a view made stale by
// a neighboring write fails its chain-head check, and the caller revalidates
// on retry.
type View struct {
	ctx      context.Context
	store    viewStore
	tenantID string
	settings domain.PolicySettings
}

var _ domain.ReadView = (*View)(nil)

// NewView builds a request-scoped read view with the given effective policy
// settings.
func NewView(ctx context.Context, s viewStore, tenantID string, settings domain.PolicySettings) *View {
	return &View{ctx: ctx, store: s, tenantID: tenantID, settings: settings}
}

func (v *View) Robot(robotID string) (*domain.Robot, error) {
	row, err := v.store.Aggregate(v.ctx, v.tenantID, domain.AggregateRobot, robotID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeState[domain.Robot](row)
}

func (v *View) Operator(operatorID string) (*domain.Operator, error) {
	row, err := v.store.Aggregate(v.ctx, v.tenantID, domain.AggregateOperator, operatorID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeState[domain.Operator](row)
}

func (v *View) ActiveReservations(robotID string) ([]domain.Reservation, error) {
	rows, err := v.store.ListAggregates(v.ctx, v.tenantID, domain.AggregateJob, reservationHeldStatuses...)
	if err != nil {
		return nil, err
	}
	var out []domain.Reservation
	for i := range rows {
		job, err := DecodeState[domain.Job](&rows[i])
		if err != nil {
			return nil, err
		}
		if job.RobotID != robotID || job.ReservationID == "" || job.ReservationWindow == nil {
			continue
		}
		out = append(out, domain.Reservation{
			ReservationID: job.ReservationID,
			JobID:         job.ID,
			RobotID:       job.RobotID,
			Window:        *job.ReservationWindow,
		})
	}
	return out, nil
}

func (v *View) OperatorCoverageCount(operatorID string, w domain.Window) (int, error) {
	rows, err := v.store.ListAggregates(v.ctx, v.tenantID, domain.AggregateJob, reservationHeldStatuses...)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range rows {
		job, err := DecodeState[domain.Job](&rows[i])
		if err != nil {
			return 0, err
		}
		if job.OperatorID == operatorID && job.CoverageWindow != nil && job.CoverageWindow.Overlaps(w) {
			count++
		}
	}
	return count, nil
}

func (v *View) MonthClosed(month, basis string) (bool, error) {
	row, err := v.store.Aggregate(v.ctx, v.tenantID, domain.AggregateMonth, month+":"+basis)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m, err := DecodeState[domain.MonthClose](row)
	if err != nil {
		return false, err
	}
	return m.Closed, nil
}

func (v *View) ContractPolicyHash(contractID string) (string, error) {
	c, err := v.store.Contract(v.ctx, v.tenantID, contractID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if c.Status != contracts.StatusActive {
		return "", nil
	}
	return c.PolicyHash, nil
}

func (v *View) Settings() domain.PolicySettings { return v.settings }

// TenantGovernance loads a tenant's reduced policy governance stream, empty
// when the tenant has never committed one.
func TenantGovernance(ctx context.Context, s ProjectionReader, tenantID string) (*domain.Governance, error) {
	_, policyID := events.SplitStreamID(domain.GovernancePolicyStream)
	row, err := s.Aggregate(ctx, tenantID, domain.AggregateGovernance, policyID)
	if errors.Is(err, ErrNotFound) {
		return &domain.Governance{}, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeState[domain.Governance](row)
}

// TenantSettings resolves the policy settings governing a period that ends
// at periodEnd, platform defaults when no override applies.
func TenantSettings(ctx context.Context, s ProjectionReader, tenantID, periodEnd string) (domain.PolicySettings, error) {
	g, err := TenantGovernance(ctx, s, tenantID)
	if err != nil {
		return domain.PolicySettings{}, err
	}
	return g.EffectiveSettings(periodEnd), nil
}
