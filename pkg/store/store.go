// Package store is the single durable surface of the system. All writes go
// through CommitTx, which applies an ordered op list atomically: in Postgres
// under one transaction with the stream head row locked, in memory under the
// store mutex. Reads are plain queries; workers claim outbox rows and
// deliveries through the queue methods.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/finance"
	"github.com/settld-labs/settld/pkg/marketplace"
)

// ErrNotFound is returned by point reads that miss.
var ErrNotFound = errors.New("store: not found")

// Outbox topics. The committer derives TopicProofEval and TopicArtifactBuild
// enqueues from job-event appends; the rest are enqueued explicitly.
const (
	TopicDispatch          = "DISPATCH_REQUESTED"
	TopicProofEval         = "PROOF_EVAL_ENQUEUE"
	TopicArtifactBuild     = "ARTIFACT_BUILD"
	TopicMonthClose        = "MONTH_CLOSE_REQUESTED"
	TopicJobStalled        = "JOB_STALLED"
	TopicNotifyOps         = "NOTIFY_OPS_JOB_STALLED"
	TopicNotifyOpsDispatch = "NOTIFY_OPS_DISPATCH_FAILED"
	TopicEscalation        = "ESCALATION_NEEDED"
	TopicOperatorAssist    = "OPERATOR_ASSIST"
)

// DeadLetterPrefix marks an outbox row the claim path gave up on.
const DeadLetterPrefix = "DLQ:"

// Conflict codes.
const (
	CodePrevChainHashMismatch = "PREV_CHAIN_HASH_MISMATCH"
	CodeRevisionConflict      = "REVISION_CONFLICT"
	CodeArtifactImmutable     = "ARTIFACT_HASH_IMMUTABLE"
	CodeIdempotencyConflict   = "IDEMPOTENCY_KEY_REUSED"
)

// ConflictError is a commit rejected by an optimistic concurrency check or
// an immutability rule. It maps to HTTP 409.
type ConflictError struct {
	Code   string
	Key    string
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Key, e.Detail)
}

// OutboxMessage is one queued unit of asynchronous work.
type OutboxMessage struct {
	ID            int64           `json:"id"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	ProcessedAt   string          `json:"processedAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt string          `json:"nextAttemptAt,omitempty"`
	CreatedAt     string          `json:"createdAt"`
}

// DeadLettered reports whether the message was parked on the DLQ.
func (m *OutboxMessage) DeadLettered() bool {
	return m.ProcessedAt != "" && len(m.LastError) >= len(DeadLetterPrefix) &&
		m.LastError[:len(DeadLetterPrefix)] == DeadLetterPrefix
}

// TriggerMessage is the payload of committer-derived enqueues.
type TriggerMessage struct {
	TenantID  string `json:"tenantId"`
	JobID     string `json:"jobId"`
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	ChainHash string `json:"chainHash"`
}

// MonthCloseRequest is the payload of a MONTH_CLOSE_REQUESTED message.
type MonthCloseRequest struct {
	TenantID    string `json:"tenantId"`
	Month       string `json:"month"`
	Basis       string `json:"basis"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// OutboxDepth summarizes queue pressure for one topic ("" = all).
type OutboxDepth struct {
	Pending int64 `json:"pending"`
	Dead    int64 `json:"dead"`
}

// IdempotencyReceipt caches one idempotent request's outcome. A replay with
// the same key and request hash returns the stored response; a different
// hash is a conflict.
type IdempotencyReceipt struct {
	TenantID    string `json:"tenantId"`
	Key         string `json:"key"`
	RequestHash string `json:"requestHash"`
	StatusCode  int    `json:"statusCode"`
	Body        []byte `json:"body,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// IngestRecord dedupes one external ingest item per job.
type IngestRecord struct {
	TenantID    string `json:"tenantId"`
	RecordID    string `json:"recordId"`
	JobID       string `json:"jobId"`
	Source      string `json:"source,omitempty"`
	PayloadHash string `json:"payloadHash"`
	ReceivedAt  string `json:"receivedAt"`
}

// SignerKey is one registered signing key for a robot, operator, or the
// server, resolved by the signature policy.
type SignerKey struct {
	TenantID     string `json:"tenantId"`
	KeyID        string `json:"keyId"`
	Owner        string `json:"owner"` // server | robot | operator
	OwnerID      string `json:"ownerId,omitempty"`
	PublicKey    string `json:"publicKey"`
	Status       string `json:"status"` // active | revoked
	RegisteredAt string `json:"registeredAt"`
	RevokedAt    string `json:"revokedAt,omitempty"`
}

// PublicKey is an agent's auth key for request signing.
type PublicKey struct {
	TenantID  string `json:"tenantId"`
	AgentID   string `json:"agentId"`
	KeyID     string `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Algo      string `json:"algo"`
	Revoked   bool   `json:"revoked,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// AuditRecord is one ops-write audit row.
type AuditRecord struct {
	TenantID  string          `json:"tenantId"`
	At        string          `json:"at"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	RequestID string          `json:"requestId,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// AggregateRow is the projection of one reduced aggregate, refreshed by the
// committer on every append to its stream.
type AggregateRow struct {
	TenantID  string          `json:"tenantId"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Seq       int64           `json:"seq"`
	State     json.RawMessage `json:"state"`
	UpdatedAt string          `json:"updatedAt"`
}

// ArtifactRow indexes a stored artifact by id; the blob lives in the object
// store under Ref. The hash is immutable per id.
type ArtifactRow struct {
	TenantID     string `json:"tenantId"`
	ArtifactID   string `json:"artifactId"`
	ArtifactType string `json:"artifactType"`
	ArtifactHash string `json:"artifactHash"`
	Ref          string `json:"ref"`
	JobID        string `json:"jobId,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

// Committer is the only write path.
type Committer interface {
	CommitTx(ctx context.Context, tenantID string, ops []Op, audit ...AuditRecord) error
}

// StreamReader reads raw event streams.
type StreamReader interface {
	Events(ctx context.Context, tenantID, streamID string) ([]events.Event, error)
	// StreamHead returns the current chain head; "" with seq 0 means the
	// stream does not exist yet.
	StreamHead(ctx context.Context, tenantID, streamID string) (head string, seq int64, err error)
}

// ProjectionReader reads reduced aggregates.
type ProjectionReader interface {
	Aggregate(ctx context.Context, tenantID, aggregateType, id string) (*AggregateRow, error)
	// ListAggregates filters by status; no statuses means all.
	ListAggregates(ctx context.Context, tenantID, aggregateType string, statuses ...string) ([]AggregateRow, error)
	// Tenants lists every tenant holding at least one aggregate, for the
	// scan-based workers.
	Tenants(ctx context.Context) ([]string, error)
}

// OutboxQueue is the at-least-once work queue workers drain.
type OutboxQueue interface {
	ClaimOutbox(ctx context.Context, topic string, max int, worker string) ([]OutboxMessage, error)
	MarkOutboxProcessed(ctx context.Context, ids []int64) error
	MarkOutboxFailed(ctx context.Context, ids []int64, lastError string) error
	OutboxDepth(ctx context.Context, topic string) (OutboxDepth, error)
}

// DeliveryQueue holds artifact deliveries and their receipts.
type DeliveryQueue interface {
	// PutDeliveries inserts deliveries, silently skipping dedupe-key hits.
	PutDeliveries(ctx context.Context, ds []delivery.Delivery) (inserted int, err error)
	// ClaimDeliveries returns due pending deliveries in order key order.
	ClaimDeliveries(ctx context.Context, max int, now string) ([]delivery.Delivery, error)
	UpdateDelivery(ctx context.Context, d *delivery.Delivery) error
	RequeueDelivery(ctx context.Context, tenantID, deliveryID string) error
	PutDeliveryReceipt(ctx context.Context, r *delivery.Receipt) error
	Delivery(ctx context.Context, tenantID, deliveryID string) (*delivery.Delivery, error)
	ListDeliveries(ctx context.Context, tenantID string, states ...string) ([]delivery.Delivery, error)
}

// RowReader reads the projection rows CommitTx upserts.
type RowReader interface {
	Wallet(ctx context.Context, tenantID, agentID string) (*escrow.Wallet, error)
	RunSettlement(ctx context.Context, tenantID, runID string) (*escrow.Settlement, error)
	Contract(ctx context.Context, tenantID, contractID string) (*contracts.Contract, error)
	ListContracts(ctx context.Context, tenantID string) ([]contracts.Contract, error)
	MarketplaceTask(ctx context.Context, tenantID, taskID string) (*marketplace.Task, error)
	ListMarketplaceTasks(ctx context.Context, tenantID string, statuses ...string) ([]marketplace.Task, error)
	TenantSettlementPolicy(ctx context.Context, tenantID, policyID string) (*marketplace.TenantPolicy, error)
	ListTenantSettlementPolicies(ctx context.Context, tenantID string) ([]marketplace.TenantPolicy, error)
	SignerKeyByID(ctx context.Context, tenantID, keyID string) (*SignerKey, error)
	ListSignerKeys(ctx context.Context, tenantID string) ([]SignerKey, error)
	PublicKeyByID(ctx context.Context, tenantID, keyID string) (*PublicKey, error)
	IdempotencyReceipt(ctx context.Context, tenantID, key string) (*IdempotencyReceipt, error)
	IngestSeen(ctx context.Context, tenantID string, recordIDs []string) (map[string]bool, error)
	ListAudit(ctx context.Context, tenantID string, limit int) ([]AuditRecord, error)
}

// ArtifactIndex tracks stored artifacts. Puts are idempotent; a second put
// with a different hash for the same id is a conflict.
type ArtifactIndex interface {
	PutArtifact(ctx context.Context, row *ArtifactRow) error
	Artifact(ctx context.Context, tenantID, artifactID string) (*ArtifactRow, error)
	ListArtifacts(ctx context.Context, tenantID, artifactType string, limit int) ([]ArtifactRow, error)
}

// FinanceRows persists month-close outputs for finance reads.
type FinanceRows interface {
	PutPartyStatements(ctx context.Context, tenantID, month, basis string, stmts []finance.PartyStatement) error
	ListPartyStatements(ctx context.Context, tenantID, month, basis string) ([]finance.PartyStatement, error)
}

// Maintenance serializes janitor work and purges expired rows.
type Maintenance interface {
	// TryAdvisoryLock returns a release func when the lock was acquired.
	TryAdvisoryLock(ctx context.Context, key int64) (release func(), acquired bool, err error)
	PurgeExpired(ctx context.Context, kind PurgeKind, cutoff string, limit int) (purged int64, err error)
}

// PurgeKind names a retention-managed table.
type PurgeKind string

const (
	PurgeIngestRecords    PurgeKind = "ingest_records"
	PurgeDeliveries       PurgeKind = "deliveries"
	PurgeDeliveryReceipts PurgeKind = "delivery_receipts"
)

// Store is the full surface; backends implement all of it.
type Store interface {
	Committer
	StreamReader
	ProjectionReader
	OutboxQueue
	DeliveryQueue
	RowReader
	ArtifactIndex
	FinanceRows
	Maintenance

	Init(ctx context.Context) error
	Close() error
}
