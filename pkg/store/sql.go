package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/settld-labs/settld/pkg/events"
)

// SQLStore backs the store with Postgres, or SQLite in lite mode. Both
// dialects share one query set: placeholders are written $N and rebound to ?
// for SQLite, and row locking clauses are stripped there because SQLite's
// writer lock already serializes transactions.
type SQLStore struct {
	db   *sql.DB
	lite bool
	now  func() time.Time

	OutboxMaxAttempts int
	LeaseDuration     time.Duration

	liteLocks sync.Map
}

// NewPostgres wraps an open Postgres handle.
func NewPostgres(db *sql.DB) *SQLStore {
	return &SQLStore{
		db:                db,
		now:               time.Now,
		OutboxMaxAttempts: 8,
		LeaseDuration:     30 * time.Second,
	}
}

// NewSQLite wraps an open SQLite handle for single-node lite deployments.
func NewSQLite(db *sql.DB) *SQLStore {
	s := NewPostgres(db)
	s.lite = true
	return s
}

// SetClock pins the store clock, for tests.
func (s *SQLStore) SetClock(now func() time.Time) { s.now = now }

// All timestamps are stored as wire strings (RFC3339 UTC, whole seconds), so
// SQL comparisons and ORDER BY agree with string comparison in Go. The two
// serial columns are the only dialect difference in the DDL.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	tenant_id TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	v INT NOT NULL,
	id TEXT NOT NULL,
	type TEXT NOT NULL,
	at TEXT NOT NULL,
	actor_type TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	prev_chain_hash TEXT,
	chain_hash TEXT NOT NULL,
	signature TEXT NOT NULL DEFAULT '',
	signer_key_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, stream_id, seq)
);

CREATE TABLE IF NOT EXISTS stream_heads (
	tenant_id TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	chain_hash TEXT NOT NULL,
	seq BIGINT NOT NULL,
	PRIMARY KEY (tenant_id, stream_id)
);

CREATE TABLE IF NOT EXISTS aggregates (
	tenant_id TEXT NOT NULL,
	type TEXT NOT NULL,
	id TEXT NOT NULL,
	status TEXT NOT NULL,
	seq BIGINT NOT NULL,
	state TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, type, id)
);

CREATE TABLE IF NOT EXISTS outbox (
	id %[1]s,
	topic TEXT NOT NULL,
	payload TEXT NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	processed_at TEXT,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at TEXT,
	leased_by TEXT,
	leased_until TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS outbox_pending ON outbox (topic, id) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS idempotency (
	tenant_id TEXT NOT NULL,
	key TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	status_code INT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, key)
);

CREATE TABLE IF NOT EXISTS ingest_records (
	tenant_id TEXT NOT NULL,
	record_id TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	payload_hash TEXT NOT NULL DEFAULT '',
	received_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, record_id)
);

CREATE TABLE IF NOT EXISTS contracts (
	tenant_id TEXT NOT NULL,
	contract_id TEXT NOT NULL,
	revision BIGINT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, contract_id)
);

CREATE TABLE IF NOT EXISTS wallets (
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	revision BIGINT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, agent_id)
);

CREATE TABLE IF NOT EXISTS run_settlements (
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	revision BIGINT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, run_id)
);

CREATE TABLE IF NOT EXISTS marketplace_tasks (
	tenant_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	status TEXT NOT NULL,
	revision BIGINT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, task_id)
);

CREATE TABLE IF NOT EXISTS marketplace_bids (
	tenant_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	pos INT NOT NULL,
	bid_id TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, task_id, pos)
);

CREATE TABLE IF NOT EXISTS tenant_policies (
	tenant_id TEXT NOT NULL,
	policy_id TEXT NOT NULL,
	revision BIGINT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, policy_id)
);

CREATE TABLE IF NOT EXISTS public_keys (
	tenant_id TEXT NOT NULL,
	key_id TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, key_id)
);

CREATE TABLE IF NOT EXISTS signer_keys (
	tenant_id TEXT NOT NULL,
	key_id TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, key_id)
);

CREATE TABLE IF NOT EXISTS deliveries (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	dedupe_key TEXT NOT NULL UNIQUE,
	order_key TEXT NOT NULL,
	state TEXT NOT NULL,
	next_attempt_at TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS deliveries_pending ON deliveries (order_key) WHERE state = 'pending';

CREATE TABLE IF NOT EXISTS delivery_receipts (
	tenant_id TEXT NOT NULL,
	delivery_id TEXT NOT NULL,
	received_at TEXT NOT NULL,
	doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	tenant_id TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	artifact_hash TEXT NOT NULL,
	ref TEXT NOT NULL DEFAULT '',
	job_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, artifact_id)
);

CREATE TABLE IF NOT EXISTS party_statements (
	tenant_id TEXT NOT NULL,
	month TEXT NOT NULL,
	basis TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, month, basis)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id %[1]s,
	tenant_id TEXT NOT NULL,
	at TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	resource TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	serial := "BIGSERIAL PRIMARY KEY"
	if s.lite {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(schemaDDL, serial))
	return err
}

func (s *SQLStore) Close() error { return s.db.Close() }

// q rewrites a Postgres-flavored query for the active dialect. Each $N
// placeholder must appear once, in argument order.
func (s *SQLStore) q(query string) string {
	if !s.lite {
		return query
	}
	query = strings.ReplaceAll(query, " FOR UPDATE SKIP LOCKED", "")
	query = strings.ReplaceAll(query, " FOR UPDATE", "")
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqe *pq.Error
	if errors.As(err, &pqe) {
		return pqe.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// CommitTx applies ops in one database transaction. Stream-head rows are
// locked before the append check, so concurrent writers to the same stream
// serialize and the loser fails its chain check cleanly.
func (s *SQLStore) CommitTx(ctx context.Context, tenantID string, ops []Op, audit ...AuditRecord) error {
	all := make([]Op, 0, len(ops))
	for _, op := range ops {
		all = append(all, op)
		all = append(all, derivedEnqueues(tenantID, op)...)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	nowWire := events.FormatTime(s.now())
	for i := range all {
		if err := all[i].validate(); err != nil {
			return err
		}
		if err := s.applyOp(ctx, tx, tenantID, &all[i], nowWire); err != nil {
			return err
		}
	}
	for i := range audit {
		a := audit[i]
		if a.At == "" {
			a.At = nowWire
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO audit_log (tenant_id, at, actor, action, resource, request_id, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`),
			tenantID, a.At, a.Actor, a.Action, a.Resource, a.RequestID, string(a.Detail)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) applyOp(ctx context.Context, tx *sql.Tx, tenantID string, op *Op, nowWire string) error {
	switch op.Kind {
	case OpJobEventsAppended, OpRobotEventsAppended, OpOperatorEventsAppended,
		OpMonthEventsAppended, OpAgentRunEventsAppended, OpGovernanceEventsAppended:
		return s.applyAppend(ctx, tx, tenantID, op, nowWire)

	case OpOutboxEnqueue:
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO outbox (topic, payload, attempts, last_error, created_at)
			VALUES ($1, $2, 0, '', $3)`),
			op.Topic, string(op.Message), nowWire)
		return err

	case OpIngestRecordsPut:
		for i := range op.IngestRecords {
			r := op.IngestRecords[i]
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO ingest_records (tenant_id, record_id, job_id, source, payload_hash, received_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (tenant_id, record_id) DO NOTHING`),
				tenantID, r.RecordID, r.JobID, r.Source, r.PayloadHash, r.ReceivedAt); err != nil {
				return err
			}
		}
		return nil

	case OpIdempotencyPut:
		r := op.Receipt
		res, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO idempotency (tenant_id, key, request_hash, status_code, body, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, key) DO NOTHING`),
			tenantID, r.Key, r.RequestHash, r.StatusCode, string(r.Body), r.CreatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var have string
			if err := tx.QueryRowContext(ctx, s.q(`
				SELECT request_hash FROM idempotency WHERE tenant_id = $1 AND key = $2`),
				tenantID, r.Key).Scan(&have); err != nil {
				return err
			}
			if have != r.RequestHash {
				return &ConflictError{Code: CodeIdempotencyConflict, Key: r.Key,
					Detail: "idempotency key reused with a different request"}
			}
		}
		return nil

	case OpContractUpsert:
		doc, err := json.Marshal(op.Contract)
		if err != nil {
			return err
		}
		return s.revisionUpsert(ctx, tx, "contracts", "contract_id", "contract",
			tenantID, op.Contract.ContractID, op.Contract.Revision, doc)

	case OpAgentWalletUpsert:
		doc, err := json.Marshal(op.Wallet)
		if err != nil {
			return err
		}
		return s.revisionUpsert(ctx, tx, "wallets", "agent_id", "wallet",
			tenantID, op.Wallet.AgentID, op.Wallet.Revision, doc)

	case OpRunSettlementUpsert:
		doc, err := json.Marshal(op.Settlement)
		if err != nil {
			return err
		}
		return s.revisionUpsert(ctx, tx, "run_settlements", "run_id", "settlement",
			tenantID, op.Settlement.RunID, op.Settlement.Revision, doc)

	case OpMarketTaskUpsert:
		t := *op.Task
		t.Bids = nil
		doc, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO marketplace_tasks (tenant_id, task_id, status, revision, doc)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, task_id) DO UPDATE
			SET status = excluded.status, revision = excluded.revision, doc = excluded.doc
			WHERE marketplace_tasks.revision < excluded.revision`),
			tenantID, t.TaskID, t.Status, t.Revision, string(doc))
		if err != nil {
			return err
		}
		return revisionOutcome(res, t.TaskID, "marketplace task")

	case OpMarketTaskBidsSet:
		if _, err := tx.ExecContext(ctx, s.q(`
			DELETE FROM marketplace_bids WHERE tenant_id = $1 AND task_id = $2`),
			tenantID, op.TaskID); err != nil {
			return err
		}
		for i := range op.Bids {
			doc, err := json.Marshal(&op.Bids[i])
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO marketplace_bids (tenant_id, task_id, pos, bid_id, doc)
				VALUES ($1, $2, $3, $4, $5)`),
				tenantID, op.TaskID, i, op.Bids[i].BidID, string(doc)); err != nil {
				return err
			}
		}
		return nil

	case OpTenantPolicyUpsert:
		doc, err := json.Marshal(op.TenantPolicy)
		if err != nil {
			return err
		}
		return s.revisionUpsert(ctx, tx, "tenant_policies", "policy_id", "tenant policy",
			tenantID, op.TenantPolicy.PolicyID, op.TenantPolicy.Revision, doc)

	case OpPublicKeyPut:
		k := *op.PublicKey
		k.TenantID = tenantID
		doc, err := json.Marshal(&k)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO public_keys (tenant_id, key_id, doc) VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, key_id) DO UPDATE SET doc = excluded.doc`),
			tenantID, k.KeyID, string(doc))
		return err

	case OpSignerKeyUpsert:
		k := *op.SignerKey
		k.TenantID = tenantID
		doc, err := json.Marshal(&k)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO signer_keys (tenant_id, key_id, doc) VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, key_id) DO UPDATE SET doc = excluded.doc`),
			tenantID, k.KeyID, string(doc))
		return err

	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

func (s *SQLStore) applyAppend(ctx context.Context, tx *sql.Tx, tenantID string, op *Op, nowWire string) error {
	var head string
	var seq int64
	err := tx.QueryRowContext(ctx, s.q(`
		SELECT chain_hash, seq FROM stream_heads
		WHERE tenant_id = $1 AND stream_id = $2 FOR UPDATE`),
		tenantID, op.StreamID).Scan(&head, &seq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err := checkAppend(op.StreamID, head, op.Events); err != nil {
		return err
	}
	for i := range op.Events {
		e := op.Events[i]
		var prev sql.NullString
		if e.PrevChainHash != nil {
			prev = sql.NullString{String: *e.PrevChainHash, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO events
			(tenant_id, stream_id, seq, v, id, type, at, actor_type, actor_id,
			 payload, payload_hash, prev_chain_hash, chain_hash, signature, signer_key_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`),
			tenantID, op.StreamID, seq+int64(i)+1, e.V, e.ID, e.Type, e.At,
			string(e.Actor.Type), e.Actor.ID, string(e.Payload), e.PayloadHash,
			prev, e.ChainHash, e.Signature, e.SignerKeyID); err != nil {
			if isUniqueViolation(err) {
				return &ConflictError{Code: CodePrevChainHashMismatch, Key: op.StreamID,
					Detail: "concurrent append to " + op.StreamID}
			}
			return err
		}
	}
	last := op.Events[len(op.Events)-1]
	newSeq := seq + int64(len(op.Events))
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO stream_heads (tenant_id, stream_id, chain_hash, seq)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, stream_id) DO UPDATE
		SET chain_hash = excluded.chain_hash, seq = excluded.seq`),
		tenantID, op.StreamID, last.ChainHash, newSeq); err != nil {
		return err
	}

	evs, err := scanEvents(ctx, tx, s.q(eventsQuery), tenantID, op.StreamID)
	if err != nil {
		return err
	}
	typ, id := events.SplitStreamID(op.StreamID)
	status, state, err := reduceProjection(typ, evs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO aggregates (tenant_id, type, id, status, seq, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, type, id) DO UPDATE
		SET status = excluded.status, seq = excluded.seq, state = excluded.state,
		    updated_at = excluded.updated_at`),
		tenantID, typ, id, status, newSeq, string(state), nowWire)
	return err
}

// revisionUpsert writes a doc row guarded by its revision column: the row
// only changes when the incoming revision is strictly newer.
func (s *SQLStore) revisionUpsert(ctx context.Context, tx *sql.Tx, table, keyCol, what, tenantID, key string, revision int64, doc []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (tenant_id, %[2]s, revision, doc) VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, %[2]s) DO UPDATE
		SET revision = excluded.revision, doc = excluded.doc
		WHERE %[1]s.revision < excluded.revision`, table, keyCol)
	res, err := tx.ExecContext(ctx, s.q(query), tenantID, key, revision, string(doc))
	if err != nil {
		return err
	}
	return revisionOutcome(res, key, what)
}

func revisionOutcome(res sql.Result, key, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ConflictError{Code: CodeRevisionConflict, Key: key,
			Detail: what + " revision did not advance"}
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
