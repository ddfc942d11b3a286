package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/finance"
	"github.com/settld-labs/settld/pkg/marketplace"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const eventsQuery = `
	SELECT v, id, stream_id, type, at, actor_type, actor_id,
	       payload, payload_hash, prev_chain_hash, chain_hash, signature, signer_key_id
	FROM events WHERE tenant_id = $1 AND stream_id = $2 ORDER BY seq`

func scanEvents(ctx context.Context, q querier, query string, args ...any) ([]events.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var payload string
		var prev sql.NullString
		if err := rows.Scan(&e.V, &e.ID, &e.StreamID, &e.Type, &e.At,
			&e.Actor.Type, &e.Actor.ID, &payload, &e.PayloadHash,
			&prev, &e.ChainHash, &e.Signature, &e.SignerKeyID); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		if prev.Valid {
			p := prev.String
			e.PrevChainHash = &p
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Events(ctx context.Context, tenantID, streamID string) ([]events.Event, error) {
	return scanEvents(ctx, s.db, s.q(eventsQuery), tenantID, streamID)
}

func (s *SQLStore) StreamHead(ctx context.Context, tenantID, streamID string) (string, int64, error) {
	var head string
	var seq int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT chain_hash, seq FROM stream_heads WHERE tenant_id = $1 AND stream_id = $2`),
		tenantID, streamID).Scan(&head, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	return head, seq, err
}

func (s *SQLStore) Aggregate(ctx context.Context, tenantID, aggregateType, id string) (*AggregateRow, error) {
	row := &AggregateRow{TenantID: tenantID, Type: aggregateType, ID: id}
	var state string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT status, seq, state, updated_at FROM aggregates
		WHERE tenant_id = $1 AND type = $2 AND id = $3`),
		tenantID, aggregateType, id).Scan(&row.Status, &row.Seq, &state, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	row.State = json.RawMessage(state)
	return row, nil
}

func (s *SQLStore) ListAggregates(ctx context.Context, tenantID, aggregateType string, statuses ...string) ([]AggregateRow, error) {
	query := `
		SELECT id, status, seq, state, updated_at FROM aggregates
		WHERE tenant_id = $1 AND type = $2`
	args := []any{tenantID, aggregateType}
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, st := range statuses {
			args = append(args, st)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND status IN (" + strings.Join(ph, ", ") + ")"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AggregateRow
	for rows.Next() {
		row := AggregateRow{TenantID: tenantID, Type: aggregateType}
		var state string
		if err := rows.Scan(&row.ID, &row.Status, &row.Seq, &state, &row.UpdatedAt); err != nil {
			return nil, err
		}
		row.State = json.RawMessage(state)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT DISTINCT tenant_id FROM aggregates ORDER BY tenant_id`))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, err
		}
		out = append(out, tenant)
	}
	return out, rows.Err()
}

// docRow reads a single JSON doc column into T.
func docRow[T any](ctx context.Context, s *SQLStore, query string, args ...any) (*T, error) {
	var doc string
	if err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return nil, fmt.Errorf("corrupt row: %w", err)
	}
	return out, nil
}

// docRows reads a JSON doc column per row into []T.
func docRows[T any](ctx context.Context, s *SQLStore, query string, args ...any) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("corrupt row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLStore) Wallet(ctx context.Context, tenantID, agentID string) (*escrow.Wallet, error) {
	return docRow[escrow.Wallet](ctx, s, `
		SELECT doc FROM wallets WHERE tenant_id = $1 AND agent_id = $2`, tenantID, agentID)
}

func (s *SQLStore) RunSettlement(ctx context.Context, tenantID, runID string) (*escrow.Settlement, error) {
	return docRow[escrow.Settlement](ctx, s, `
		SELECT doc FROM run_settlements WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID)
}

func (s *SQLStore) Contract(ctx context.Context, tenantID, contractID string) (*contracts.Contract, error) {
	return docRow[contracts.Contract](ctx, s, `
		SELECT doc FROM contracts WHERE tenant_id = $1 AND contract_id = $2`, tenantID, contractID)
}

func (s *SQLStore) ListContracts(ctx context.Context, tenantID string) ([]contracts.Contract, error) {
	return docRows[contracts.Contract](ctx, s, `
		SELECT doc FROM contracts WHERE tenant_id = $1 ORDER BY contract_id`, tenantID)
}

func (s *SQLStore) MarketplaceTask(ctx context.Context, tenantID, taskID string) (*marketplace.Task, error) {
	t, err := docRow[marketplace.Task](ctx, s, `
		SELECT doc FROM marketplace_tasks WHERE tenant_id = $1 AND task_id = $2`, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	t.Bids, err = s.taskBidRows(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLStore) ListMarketplaceTasks(ctx context.Context, tenantID string, statuses ...string) ([]marketplace.Task, error) {
	query := `SELECT doc FROM marketplace_tasks WHERE tenant_id = $1`
	args := []any{tenantID}
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, st := range statuses {
			args = append(args, st)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND status IN (" + strings.Join(ph, ", ") + ")"
	}
	query += " ORDER BY task_id"

	tasks, err := docRows[marketplace.Task](ctx, s, query, args...)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Bids, err = s.taskBidRows(ctx, tenantID, tasks[i].TaskID)
		if err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *SQLStore) taskBidRows(ctx context.Context, tenantID, taskID string) ([]marketplace.Bid, error) {
	return docRows[marketplace.Bid](ctx, s, `
		SELECT doc FROM marketplace_bids WHERE tenant_id = $1 AND task_id = $2 ORDER BY pos`,
		tenantID, taskID)
}

func (s *SQLStore) TenantSettlementPolicy(ctx context.Context, tenantID, policyID string) (*marketplace.TenantPolicy, error) {
	p, err := docRow[marketplace.TenantPolicy](ctx, s, `
		SELECT doc FROM tenant_policies WHERE tenant_id = $1 AND policy_id = $2`, tenantID, policyID)
	if err != nil {
		return nil, err
	}
	p.Policy, err = marketplace.ParseSettlementPolicy(p.Document)
	if err != nil {
		return nil, fmt.Errorf("corrupt settlement policy %s: %w", policyID, err)
	}
	return p, nil
}

func (s *SQLStore) ListTenantSettlementPolicies(ctx context.Context, tenantID string) ([]marketplace.TenantPolicy, error) {
	ps, err := docRows[marketplace.TenantPolicy](ctx, s, `
		SELECT doc FROM tenant_policies WHERE tenant_id = $1 ORDER BY policy_id`, tenantID)
	if err != nil {
		return nil, err
	}
	for i := range ps {
		ps[i].Policy, err = marketplace.ParseSettlementPolicy(ps[i].Document)
		if err != nil {
			return nil, fmt.Errorf("corrupt settlement policy %s: %w", ps[i].PolicyID, err)
		}
	}
	return ps, nil
}

func (s *SQLStore) SignerKeyByID(ctx context.Context, tenantID, keyID string) (*SignerKey, error) {
	return docRow[SignerKey](ctx, s, `
		SELECT doc FROM signer_keys WHERE tenant_id = $1 AND key_id = $2`, tenantID, keyID)
}

func (s *SQLStore) ListSignerKeys(ctx context.Context, tenantID string) ([]SignerKey, error) {
	return docRows[SignerKey](ctx, s, `
		SELECT doc FROM signer_keys WHERE tenant_id = $1 ORDER BY key_id`, tenantID)
}

func (s *SQLStore) PublicKeyByID(ctx context.Context, tenantID, keyID string) (*PublicKey, error) {
	return docRow[PublicKey](ctx, s, `
		SELECT doc FROM public_keys WHERE tenant_id = $1 AND key_id = $2`, tenantID, keyID)
}

func (s *SQLStore) IdempotencyReceipt(ctx context.Context, tenantID, key string) (*IdempotencyReceipt, error) {
	r := &IdempotencyReceipt{TenantID: tenantID, Key: key}
	var body string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT request_hash, status_code, body, created_at FROM idempotency
		WHERE tenant_id = $1 AND key = $2`),
		tenantID, key).Scan(&r.RequestHash, &r.StatusCode, &body, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Body = []byte(body)
	return r, nil
}

func (s *SQLStore) IngestSeen(ctx context.Context, tenantID string, recordIDs []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		var one int
		err := s.db.QueryRowContext(ctx, s.q(`
			SELECT 1 FROM ingest_records WHERE tenant_id = $1 AND record_id = $2`),
			tenantID, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		seen[id] = true
	}
	return seen, nil
}

func (s *SQLStore) ListAudit(ctx context.Context, tenantID string, limit int) ([]AuditRecord, error) {
	query := `
		SELECT at, actor, action, resource, request_id, detail FROM audit_log
		WHERE tenant_id = $1 ORDER BY id DESC`
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AuditRecord
	for rows.Next() {
		a := AuditRecord{TenantID: tenantID}
		var detail string
		if err := rows.Scan(&a.At, &a.Actor, &a.Action, &a.Resource, &a.RequestID, &detail); err != nil {
			return nil, err
		}
		if detail != "" {
			a.Detail = json.RawMessage(detail)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutArtifact(ctx context.Context, row *ArtifactRow) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO artifacts (tenant_id, artifact_id, artifact_type, artifact_hash, ref, job_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, artifact_id) DO NOTHING`),
		row.TenantID, row.ArtifactID, row.ArtifactType, row.ArtifactHash,
		row.Ref, row.JobID, row.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var have string
		if err := s.db.QueryRowContext(ctx, s.q(`
			SELECT artifact_hash FROM artifacts WHERE tenant_id = $1 AND artifact_id = $2`),
			row.TenantID, row.ArtifactID).Scan(&have); err != nil {
			return err
		}
		if have != row.ArtifactHash {
			return &ConflictError{Code: CodeArtifactImmutable, Key: row.ArtifactID,
				Detail: "artifact hash is immutable per id"}
		}
	}
	return nil
}

func (s *SQLStore) Artifact(ctx context.Context, tenantID, artifactID string) (*ArtifactRow, error) {
	row := &ArtifactRow{TenantID: tenantID, ArtifactID: artifactID}
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT artifact_type, artifact_hash, ref, job_id, created_at FROM artifacts
		WHERE tenant_id = $1 AND artifact_id = $2`),
		tenantID, artifactID).Scan(&row.ArtifactType, &row.ArtifactHash, &row.Ref, &row.JobID, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *SQLStore) ListArtifacts(ctx context.Context, tenantID, artifactType string, limit int) ([]ArtifactRow, error) {
	query := `
		SELECT artifact_id, artifact_type, artifact_hash, ref, job_id, created_at FROM artifacts
		WHERE tenant_id = $1`
	args := []any{tenantID}
	if artifactType != "" {
		query += " AND artifact_type = $2"
		args = append(args, artifactType)
	}
	query += " ORDER BY artifact_id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ArtifactRow
	for rows.Next() {
		row := ArtifactRow{TenantID: tenantID}
		if err := rows.Scan(&row.ArtifactID, &row.ArtifactType, &row.ArtifactHash,
			&row.Ref, &row.JobID, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutPartyStatements(ctx context.Context, tenantID, month, basis string, stmts []finance.PartyStatement) error {
	doc, err := json.Marshal(stmts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO party_statements (tenant_id, month, basis, doc) VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, month, basis) DO UPDATE SET doc = excluded.doc`),
		tenantID, month, basis, string(doc))
	return err
}

func (s *SQLStore) ListPartyStatements(ctx context.Context, tenantID, month, basis string) ([]finance.PartyStatement, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT doc FROM party_statements WHERE tenant_id = $1 AND month = $2 AND basis = $3`),
		tenantID, month, basis).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stmts []finance.PartyStatement
	if err := json.Unmarshal([]byte(doc), &stmts); err != nil {
		return nil, fmt.Errorf("corrupt party statements %s/%s: %w", month, basis, err)
	}
	return stmts, nil
}
