// Package quota meters per-tenant usage and enforces daily ceilings. The
// API layer checks the enforcer before committing ingest batches and
// records accepted work afterwards, so a tenant that blows through its
// allowance gets TENANT_QUOTA_EXCEEDED instead of unbounded writes.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyTenantID    = errors.New("quota: tenant id must not be empty")
	ErrEmptyEventType   = errors.New("quota: event type must not be empty")
	ErrNegativeQuantity = errors.New("quota: quantity must not be negative")
)

// EventType names a metered unit of work.
type EventType string

const (
	// EventIngest counts events accepted through POST /ingest and /proxy.
	EventIngest EventType = "ingest_event"
	// EventIngestDLQ counts envelopes parked on the ingest dead-letter path.
	EventIngestDLQ EventType = "ingest_dlq_depth"
	// EventEvidenceByte counts evidence payload bytes committed.
	EventEvidenceByte EventType = "evidence_byte"
	// EventDelivery counts webhook deliveries pushed out.
	EventDelivery EventType = "delivery"
	// EventAgentRun counts agent runs opened.
	EventAgentRun EventType = "agent_run"
)

// Event is a single metered usage record.
type Event struct {
	TenantID  string    `json:"tenantId"`
	EventType EventType `json:"eventType"`
	Quantity  int64     `json:"quantity"`
	At        time.Time `json:"at"`
}

func (e Event) Validate() error {
	if e.TenantID == "" {
		return ErrEmptyTenantID
	}
	if e.EventType == "" {
		return ErrEmptyEventType
	}
	if e.Quantity < 0 {
		return ErrNegativeQuantity
	}
	return nil
}

// Period is a half-open [Start, End) aggregation window.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) Contains(at time.Time) bool {
	return !at.Before(p.Start) && at.Before(p.End)
}

// DayOf returns the UTC day containing at. Quota ceilings reset on this
// boundary.
func DayOf(at time.Time) Period {
	at = at.UTC()
	start := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.Add(24 * time.Hour)}
}

// Usage holds aggregated totals for one tenant over one period.
type Usage struct {
	TenantID string
	Period   Period
	Totals   map[EventType]int64
}

// Meter records usage events and answers aggregate queries.
type Meter interface {
	Record(ctx context.Context, event Event) error
	RecordBatch(ctx context.Context, events []Event) error
	Usage(ctx context.Context, tenantID string, period Period) (*Usage, error)
	UsageByType(ctx context.Context, tenantID string, eventType EventType, period Period) (int64, error)
}

// Limits are per-day ceilings. Zero means unlimited.
type Limits struct {
	IngestEventsPerDay  int64
	EvidenceBytesPerDay int64
	DeliveriesPerDay    int64
	AgentRunsPerDay     int64
}

func (l Limits) limitFor(et EventType) int64 {
	switch et {
	case EventIngest:
		return l.IngestEventsPerDay
	case EventEvidenceByte:
		return l.EvidenceBytesPerDay
	case EventDelivery:
		return l.DeliveriesPerDay
	case EventAgentRun:
		return l.AgentRunsPerDay
	default:
		return 0
	}
}

// ExceededError reports a quota breach. Kind surfaces in the API error
// details so callers can tell which allowance ran out.
type ExceededError struct {
	TenantID string
	Kind     EventType
	Limit    int64
	Used     int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota: tenant %s exceeded %s limit (%d/%d)", e.TenantID, e.Kind, e.Used, e.Limit)
}

func (e *ExceededError) Code() string { return "TENANT_QUOTA_EXCEEDED" }

// Enforcer checks proposed work against the tenant's remaining daily
// allowance. Check and Record are separate so a rejected batch never
// counts against the tenant.
type Enforcer struct {
	meter  Meter
	limits func(tenantID string) Limits
	now    func() time.Time
}

// NewEnforcer wires a meter to a per-tenant limit source. A nil limits
// func disables enforcement (everything unlimited).
func NewEnforcer(meter Meter, limits func(tenantID string) Limits, now func() time.Time) *Enforcer {
	if limits == nil {
		limits = func(string) Limits { return Limits{} }
	}
	if now == nil {
		now = time.Now
	}
	return &Enforcer{meter: meter, limits: limits, now: now}
}

// Check returns an *ExceededError when used+quantity would cross the
// tenant's daily ceiling for the event type. It records nothing.
func (e *Enforcer) Check(ctx context.Context, tenantID string, et EventType, quantity int64) error {
	limit := e.limits(tenantID).limitFor(et)
	if limit <= 0 {
		return nil
	}
	used, err := e.meter.UsageByType(ctx, tenantID, et, DayOf(e.now()))
	if err != nil {
		return fmt.Errorf("quota: read usage: %w", err)
	}
	if used+quantity > limit {
		return &ExceededError{TenantID: tenantID, Kind: et, Limit: limit, Used: used}
	}
	return nil
}

// Count records accepted work against today's window.
func (e *Enforcer) Count(ctx context.Context, tenantID string, et EventType, quantity int64) error {
	if quantity == 0 {
		return nil
	}
	return e.meter.Record(ctx, Event{TenantID: tenantID, EventType: et, Quantity: quantity, At: e.now()})
}
