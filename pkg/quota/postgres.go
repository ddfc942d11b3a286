package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresMeter persists usage events so quota windows survive restarts
// and hold across replicas.
type PostgresMeter struct {
	db *sql.DB
}

func NewPostgresMeter(db *sql.DB) *PostgresMeter {
	return &PostgresMeter{db: db}
}

const usageSchema = `
CREATE TABLE IF NOT EXISTS settld_usage_events (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	quantity BIGINT NOT NULL,
	at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settld_usage_tenant_at ON settld_usage_events(tenant_id, at);
`

// Init creates the usage table.
func (m *PostgresMeter) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, usageSchema)
	return err
}

func (m *PostgresMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO settld_usage_events (tenant_id, event_type, quantity, at)
		VALUES ($1, $2, $3, $4)
	`, event.TenantID, string(event.EventType), event.Quantity, event.At)
	if err != nil {
		return fmt.Errorf("quota: record event: %w", err)
	}
	return nil
}

func (m *PostgresMeter) RecordBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("quota: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO settld_usage_events (tenant_id, event_type, quantity, at)
		VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return fmt.Errorf("quota: prepare batch: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, event := range events {
		if err := event.Validate(); err != nil {
			return err
		}
		if event.At.IsZero() {
			event.At = now
		}
		if _, err := stmt.ExecContext(ctx, event.TenantID, string(event.EventType), event.Quantity, event.At); err != nil {
			return fmt.Errorf("quota: insert event: %w", err)
		}
	}
	return tx.Commit()
}

func (m *PostgresMeter) Usage(ctx context.Context, tenantID string, period Period) (*Usage, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT event_type, SUM(quantity)
		FROM settld_usage_events
		WHERE tenant_id = $1 AND at >= $2 AND at < $3
		GROUP BY event_type
	`, tenantID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("quota: query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	u := &Usage{TenantID: tenantID, Period: period, Totals: make(map[EventType]int64)}
	for rows.Next() {
		var et EventType
		var total int64
		if err := rows.Scan(&et, &total); err != nil {
			return nil, fmt.Errorf("quota: scan usage: %w", err)
		}
		u.Totals[et] = total
	}
	return u, rows.Err()
}

func (m *PostgresMeter) UsageByType(ctx context.Context, tenantID string, et EventType, period Period) (int64, error) {
	var total sql.NullInt64
	err := m.db.QueryRowContext(ctx, `
		SELECT SUM(quantity)
		FROM settld_usage_events
		WHERE tenant_id = $1 AND event_type = $2 AND at >= $3 AND at < $4
	`, tenantID, string(et), period.Start, period.End).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("quota: query usage by type: %w", err)
	}
	return total.Int64, nil
}
