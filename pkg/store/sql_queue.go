package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/events"
)

// ClaimOutbox selects due unleased rows for one topic, leases them to the
// worker, and parks rows past the attempt limit on the DLQ. SKIP LOCKED lets
// concurrent claimers pass each other.
func (s *SQLStore) ClaimOutbox(ctx context.Context, topic string, max int, worker string) ([]OutboxMessage, error) {
	now := s.now()
	nowWire := events.FormatTime(now)
	leaseUntil := events.FormatTime(now.Add(s.LeaseDuration))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.q(`
		SELECT id, topic, payload, attempts, last_error, created_at FROM outbox
		WHERE topic = $1 AND processed_at IS NULL
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		  AND (leased_until IS NULL OR leased_until < $3 OR leased_by = $4)
		ORDER BY id LIMIT $5 FOR UPDATE SKIP LOCKED`),
		topic, nowWire, nowWire, worker, max)
	if err != nil {
		return nil, err
	}
	var due []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var payload string
		if err := rows.Scan(&m.ID, &m.Topic, &payload, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		m.Payload = json.RawMessage(payload)
		due = append(due, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var claimed []OutboxMessage
	for _, m := range due {
		if m.Attempts >= s.OutboxMaxAttempts {
			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE outbox SET processed_at = $1, last_error = $2,
				leased_by = NULL, leased_until = NULL WHERE id = $3`),
				nowWire, DeadLetterPrefix+m.LastError, m.ID); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE outbox SET leased_by = $1, leased_until = $2 WHERE id = $3`),
			worker, leaseUntil, m.ID); err != nil {
			return nil, err
		}
		claimed = append(claimed, m)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLStore) MarkOutboxProcessed(ctx context.Context, ids []int64) error {
	nowWire := events.FormatTime(s.now())
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, s.q(`
			UPDATE outbox SET processed_at = $1, leased_by = NULL, leased_until = NULL
			WHERE id = $2`), nowWire, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) MarkOutboxFailed(ctx context.Context, ids []int64, lastError string) error {
	now := s.now()
	for _, id := range ids {
		var attempts int
		err := s.db.QueryRowContext(ctx, s.q(`
			SELECT attempts FROM outbox WHERE id = $1 AND processed_at IS NULL`), id).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		next := events.FormatTime(now.Add(outboxRetryDelay(attempts + 1)))
		if _, err := s.db.ExecContext(ctx, s.q(`
			UPDATE outbox SET attempts = $1, last_error = $2, next_attempt_at = $3,
			leased_by = NULL, leased_until = NULL WHERE id = $4`),
			attempts+1, lastError, next, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) OutboxDepth(ctx context.Context, topic string) (OutboxDepth, error) {
	var d OutboxDepth
	filter := ""
	args := []any{}
	if topic != "" {
		filter = " AND topic = $1"
		args = append(args, topic)
	}
	if err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL`+filter),
		args...).Scan(&d.Pending); err != nil {
		return d, err
	}
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM outbox WHERE processed_at IS NOT NULL AND last_error LIKE 'DLQ:%'`+filter),
		args...).Scan(&d.Dead)
	return d, err
}

func (s *SQLStore) PutDeliveries(ctx context.Context, ds []delivery.Delivery) (int, error) {
	inserted := 0
	for i := range ds {
		d := ds[i]
		doc, err := json.Marshal(&d)
		if err != nil {
			return inserted, err
		}
		res, err := s.db.ExecContext(ctx, s.q(`
			INSERT INTO deliveries (tenant_id, id, dedupe_key, order_key, state, next_attempt_at, updated_at, doc)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (dedupe_key) DO NOTHING`),
			d.TenantID, d.ID, d.DedupeKey, d.OrderKey, d.State, d.NextAttemptAt, d.UpdatedAt, string(doc))
		if err != nil {
			return inserted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

func (s *SQLStore) ClaimDeliveries(ctx context.Context, max int, now string) ([]delivery.Delivery, error) {
	return docRows[delivery.Delivery](ctx, s, `
		SELECT doc FROM deliveries
		WHERE state = 'pending' AND (next_attempt_at = '' OR next_attempt_at <= $1)
		ORDER BY order_key LIMIT $2`, now, max)
}

func (s *SQLStore) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE deliveries SET state = $1, next_attempt_at = $2, updated_at = $3, doc = $4
		WHERE tenant_id = $5 AND id = $6`),
		d.State, d.NextAttemptAt, d.UpdatedAt, string(doc), d.TenantID, d.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) RequeueDelivery(ctx context.Context, tenantID, deliveryID string) error {
	d, err := s.Delivery(ctx, tenantID, deliveryID)
	if err != nil {
		return err
	}
	d.State = delivery.StatePending
	d.Attempts = 0
	d.NextAttemptAt = ""
	d.LastError = ""
	d.UpdatedAt = events.FormatTime(s.now())
	return s.UpdateDelivery(ctx, d)
}

func (s *SQLStore) PutDeliveryReceipt(ctx context.Context, r *delivery.Receipt) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO delivery_receipts (tenant_id, delivery_id, received_at, doc)
		VALUES ($1, $2, $3, $4)`),
		r.TenantID, r.DeliveryID, r.ReceivedAt, string(doc))
	return err
}

func (s *SQLStore) Delivery(ctx context.Context, tenantID, deliveryID string) (*delivery.Delivery, error) {
	return docRow[delivery.Delivery](ctx, s, `
		SELECT doc FROM deliveries WHERE tenant_id = $1 AND id = $2`, tenantID, deliveryID)
}

func (s *SQLStore) ListDeliveries(ctx context.Context, tenantID string, states ...string) ([]delivery.Delivery, error) {
	query := `SELECT doc FROM deliveries WHERE tenant_id = $1`
	args := []any{tenantID}
	if len(states) > 0 {
		ph := make([]string, len(states))
		for i, st := range states {
			args = append(args, st)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND state IN (" + strings.Join(ph, ", ") + ")"
	}
	query += " ORDER BY order_key"
	return docRows[delivery.Delivery](ctx, s, query, args...)
}

// TryAdvisoryLock takes a session advisory lock in Postgres; lite mode keeps
// the keys in process because a lite node is single-process by definition.
func (s *SQLStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if s.lite {
		if _, loaded := s.liteLocks.LoadOrStore(key, true); loaded {
			return nil, false, nil
		}
		return func() { s.liteLocks.Delete(key) }, true, nil
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !got {
		_ = conn.Close()
		return nil, false, nil
	}
	release := func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		_ = conn.Close()
	}
	return release, true, nil
}

func (s *SQLStore) PurgeExpired(ctx context.Context, kind PurgeKind, cutoff string, limit int) (int64, error) {
	var table, where string
	switch kind {
	case PurgeIngestRecords:
		table, where = "ingest_records", "received_at < $1"
	case PurgeDeliveries:
		table, where = "deliveries", "state <> 'pending' AND updated_at < $1"
	case PurgeDeliveryReceipts:
		table, where = "delivery_receipts", "received_at < $1"
	default:
		return 0, fmt.Errorf("unknown purge kind %q", kind)
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, table, where)
	args := []any{cutoff}
	if limit > 0 {
		rowRef := "ctid"
		if s.lite {
			rowRef = "rowid"
		}
		query = fmt.Sprintf(`DELETE FROM %[1]s WHERE %[2]s IN
			(SELECT %[2]s FROM %[1]s WHERE %[3]s LIMIT $2)`, table, rowRef, where)
		args = append(args, limit)
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
