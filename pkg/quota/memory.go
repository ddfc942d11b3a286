package quota

import (
	"context"
	"sync"
	"time"
)

// retainFor bounds how long the in-process meter keeps raw events. Daily
// windows only ever look 24h back, so anything older is dead weight.
const retainFor = 48 * time.Hour

// MemoryMeter keeps usage in process. It backs lite mode and tests; a
// multi-node deployment uses the Postgres meter instead.
type MemoryMeter struct {
	mu     sync.Mutex
	events []Event
	now    func() time.Time
}

func NewMemoryMeter(now func() time.Time) *MemoryMeter {
	if now == nil {
		now = time.Now
	}
	return &MemoryMeter{now: now}
}

func (m *MemoryMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.At.IsZero() {
		event.At = m.now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryMeter) RecordBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := m.Record(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryMeter) Usage(ctx context.Context, tenantID string, period Period) (*Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &Usage{TenantID: tenantID, Period: period, Totals: make(map[EventType]int64)}
	for _, e := range m.events {
		if e.TenantID == tenantID && period.Contains(e.At) {
			u.Totals[e.EventType] += e.Quantity
		}
	}
	return u, nil
}

func (m *MemoryMeter) UsageByType(ctx context.Context, tenantID string, et EventType, period Period) (int64, error) {
	u, err := m.Usage(ctx, tenantID, period)
	if err != nil {
		return 0, err
	}
	return u.Totals[et], nil
}

// prune drops events past the retention horizon. Caller holds mu.
func (m *MemoryMeter) prune() {
	cutoff := m.now().UTC().Add(-retainFor)
	kept := m.events[:0]
	for _, e := range m.events {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	m.events = kept
}
