package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/finance"
	"github.com/settld-labs/settld/pkg/marketplace"
)

// MemoryStore is the in-process backend used by lite deployments and tests.
// One mutex guards everything; CommitTx stages all mutations first and
// applies them only when every op validated, so a failed commit changes
// nothing. Outbox claims advance per-worker cursors over a shared array.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	OutboxMaxAttempts int
	LeaseDuration     time.Duration

	streams    map[string][]events.Event
	aggregates map[string]*AggregateRow

	outbox  []*OutboxMessage
	leases  map[int64]memLease
	cursors map[string]int

	idempotency map[string]*IdempotencyReceipt
	ingest      map[string]*IngestRecord

	contractRows   map[string]*contracts.Contract
	wallets        map[string]*escrow.Wallet
	settlements    map[string]*escrow.Settlement
	tasks          map[string]*marketplace.Task
	taskBids       map[string][]marketplace.Bid
	tenantPolicies map[string]*marketplace.TenantPolicy
	publicKeys     map[string]*PublicKey
	signerKeys     map[string]*SignerKey

	deliveries map[string]*delivery.Delivery
	dedupe     map[string]bool
	receipts   []delivery.Receipt

	artifacts map[string]*ArtifactRow
	party     map[string][]finance.PartyStatement
	audits    []AuditRecord

	advisory map[int64]bool
}

type memLease struct {
	worker string
	until  time.Time
}

// NewMemory returns an empty memory store with default queue settings.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		now:               time.Now,
		OutboxMaxAttempts: 8,
		LeaseDuration:     30 * time.Second,
		streams:           map[string][]events.Event{},
		aggregates:        map[string]*AggregateRow{},
		leases:            map[int64]memLease{},
		cursors:           map[string]int{},
		idempotency:       map[string]*IdempotencyReceipt{},
		ingest:            map[string]*IngestRecord{},
		contractRows:      map[string]*contracts.Contract{},
		wallets:           map[string]*escrow.Wallet{},
		settlements:       map[string]*escrow.Settlement{},
		tasks:             map[string]*marketplace.Task{},
		taskBids:          map[string][]marketplace.Bid{},
		tenantPolicies:    map[string]*marketplace.TenantPolicy{},
		publicKeys:        map[string]*PublicKey{},
		signerKeys:        map[string]*SignerKey{},
		deliveries:        map[string]*delivery.Delivery{},
		dedupe:            map[string]bool{},
		artifacts:         map[string]*ArtifactRow{},
		party:             map[string][]finance.PartyStatement{},
		advisory:          map[int64]bool{},
	}
}

// SetClock pins the store clock, for tests.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) Init(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func skey(tenantID, streamID string) string { return tenantID + "\x00" + streamID }

func akey(tenantID, typ, id string) string { return tenantID + "\x00" + typ + "\x00" + id }

func kkey(tenantID, key string) string { return tenantID + "\x00" + key }

// cloneJSON deep-copies a row through its JSON form so callers never alias
// store-owned memory.
func cloneJSON[T any](src *T) *T {
	raw, err := json.Marshal(src)
	if err != nil {
		return src
	}
	dst := new(T)
	if err := json.Unmarshal(raw, dst); err != nil {
		return src
	}
	return dst
}

// CommitTx applies ops atomically under the store lock. Validation runs
// first over staged state; mutations apply only when every op passed.
func (s *MemoryStore) CommitTx(ctx context.Context, tenantID string, ops []Op, audit ...AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowWire := events.FormatTime(s.now())

	all := make([]Op, 0, len(ops))
	for _, op := range ops {
		all = append(all, op)
		all = append(all, derivedEnqueues(tenantID, op)...)
	}

	var apply []func()
	stagedEvents := map[string][]events.Event{}
	stagedRevs := map[string]int64{}

	for i := range all {
		op := all[i]
		if err := op.validate(); err != nil {
			return err
		}
		switch op.Kind {
		case OpJobEventsAppended, OpRobotEventsAppended, OpOperatorEventsAppended,
			OpMonthEventsAppended, OpAgentRunEventsAppended, OpGovernanceEventsAppended:
			key := skey(tenantID, op.StreamID)
			prior := append(append([]events.Event{}, s.streams[key]...), stagedEvents[key]...)
			if err := checkAppend(op.StreamID, streamHead(prior), op.Events); err != nil {
				return err
			}
			merged := append(prior, op.Events...)
			typ, id := events.SplitStreamID(op.StreamID)
			status, state, err := reduceProjection(typ, merged)
			if err != nil {
				return err
			}
			stagedEvents[key] = append(stagedEvents[key], op.Events...)
			evs := op.Events
			row := &AggregateRow{
				TenantID: tenantID, Type: typ, ID: id,
				Status: status, Seq: int64(len(merged)), State: state, UpdatedAt: nowWire,
			}
			apply = append(apply, func() {
				s.streams[key] = append(s.streams[key], evs...)
				s.aggregates[akey(tenantID, typ, id)] = row
			})

		case OpOutboxEnqueue:
			msg := &OutboxMessage{Topic: op.Topic, Payload: op.Message, CreatedAt: nowWire}
			apply = append(apply, func() {
				msg.ID = int64(len(s.outbox) + 1)
				s.outbox = append(s.outbox, msg)
			})

		case OpIngestRecordsPut:
			records := op.IngestRecords
			apply = append(apply, func() {
				for j := range records {
					r := records[j]
					r.TenantID = tenantID
					key := kkey(tenantID, r.RecordID)
					if _, seen := s.ingest[key]; !seen {
						s.ingest[key] = &r
					}
				}
			})

		case OpIdempotencyPut:
			r := *op.Receipt
			r.TenantID = tenantID
			key := kkey(tenantID, r.Key)
			if prev, ok := s.idempotency[key]; ok {
				if prev.RequestHash != r.RequestHash {
					return &ConflictError{Code: CodeIdempotencyConflict, Key: r.Key,
						Detail: "idempotency key reused with a different request"}
				}
				// Replay with the same request hash keeps the first receipt.
				continue
			}
			apply = append(apply, func() { s.idempotency[key] = &r })

		case OpContractUpsert:
			c := cloneJSON(op.Contract)
			key := kkey(tenantID, c.ContractID)
			var have int64
			if prev, ok := s.contractRows[key]; ok {
				have = prev.Revision
			}
			if err := s.checkRevision(stagedRevs, "contract", key, have, c.Revision); err != nil {
				return err
			}
			apply = append(apply, func() { s.contractRows[key] = c })

		case OpAgentWalletUpsert:
			w := cloneJSON(op.Wallet)
			key := kkey(tenantID, w.AgentID)
			var have int64
			if prev, ok := s.wallets[key]; ok {
				have = prev.Revision
			}
			if err := s.checkRevision(stagedRevs, "wallet", key, have, w.Revision); err != nil {
				return err
			}
			apply = append(apply, func() { s.wallets[key] = w })

		case OpRunSettlementUpsert:
			st := cloneJSON(op.Settlement)
			key := kkey(tenantID, st.RunID)
			var have int64
			if prev, ok := s.settlements[key]; ok {
				have = prev.Revision
			}
			if err := s.checkRevision(stagedRevs, "settlement", key, have, st.Revision); err != nil {
				return err
			}
			apply = append(apply, func() { s.settlements[key] = st })

		case OpMarketTaskUpsert:
			t := cloneJSON(op.Task)
			t.Bids = nil
			key := kkey(tenantID, t.TaskID)
			var have int64
			if prev, ok := s.tasks[key]; ok {
				have = prev.Revision
			}
			if err := s.checkRevision(stagedRevs, "task", key, have, t.Revision); err != nil {
				return err
			}
			apply = append(apply, func() { s.tasks[key] = t })

		case OpMarketTaskBidsSet:
			bids := make([]marketplace.Bid, len(op.Bids))
			copy(bids, op.Bids)
			key := kkey(tenantID, op.TaskID)
			apply = append(apply, func() { s.taskBids[key] = bids })

		case OpTenantPolicyUpsert:
			p := cloneTenantPolicy(op.TenantPolicy)
			key := kkey(tenantID, p.PolicyID)
			var have int64
			if prev, ok := s.tenantPolicies[key]; ok {
				have = prev.Revision
			}
			if err := s.checkRevision(stagedRevs, "tenant policy", key, have, p.Revision); err != nil {
				return err
			}
			apply = append(apply, func() { s.tenantPolicies[key] = p })

		case OpPublicKeyPut:
			k := *op.PublicKey
			k.TenantID = tenantID
			key := kkey(tenantID, k.KeyID)
			apply = append(apply, func() { s.publicKeys[key] = &k })

		case OpSignerKeyUpsert:
			k := *op.SignerKey
			k.TenantID = tenantID
			key := kkey(tenantID, k.KeyID)
			apply = append(apply, func() { s.signerKeys[key] = &k })
		}
	}

	for _, fn := range apply {
		fn()
	}
	for i := range audit {
		a := audit[i]
		a.TenantID = tenantID
		if a.At == "" {
			a.At = nowWire
		}
		s.audits = append(s.audits, a)
	}
	return nil
}

// checkRevision enforces forward-moving revisions per row within and across
// commits.
func (s *MemoryStore) checkRevision(staged map[string]int64, what, key string, have, next int64) error {
	if prev, ok := staged[key]; ok {
		have = prev
	}
	if next <= have {
		return &ConflictError{Code: CodeRevisionConflict, Key: key,
			Detail: what + " revision did not advance"}
	}
	staged[key] = next
	return nil
}

func streamHead(evs []events.Event) string {
	if len(evs) == 0 {
		return ""
	}
	return evs[len(evs)-1].ChainHash
}

func (s *MemoryStore) Events(ctx context.Context, tenantID, streamID string) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.streams[skey(tenantID, streamID)]
	out := make([]events.Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *MemoryStore) StreamHead(ctx context.Context, tenantID, streamID string) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.streams[skey(tenantID, streamID)]
	return streamHead(evs), int64(len(evs)), nil
}

func (s *MemoryStore) Aggregate(ctx context.Context, tenantID, aggregateType, id string) (*AggregateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.aggregates[akey(tenantID, aggregateType, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(row), nil
}

func (s *MemoryStore) ListAggregates(ctx context.Context, tenantID, aggregateType string, statuses ...string) ([]AggregateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AggregateRow
	for _, row := range s.aggregates {
		if row.TenantID != tenantID || row.Type != aggregateType {
			continue
		}
		if len(statuses) > 0 && !containsString(statuses, row.Status) {
			continue
		}
		out = append(out, *cloneJSON(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Tenants(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, row := range s.aggregates {
		if !seen[row.TenantID] {
			seen[row.TenantID] = true
			out = append(out, row.TenantID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ClaimOutbox(ctx context.Context, topic string, max int, worker string) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	nowWire := events.FormatTime(now)

	cursorKey := topic + "\x00" + worker
	i := s.cursors[cursorKey]
	for i < len(s.outbox) && s.outbox[i].ProcessedAt != "" {
		i++
	}
	s.cursors[cursorKey] = i

	var claimed []OutboxMessage
	for j := i; j < len(s.outbox) && len(claimed) < max; j++ {
		m := s.outbox[j]
		if m.Topic != topic || m.ProcessedAt != "" {
			continue
		}
		if lease, held := s.leases[m.ID]; held && lease.worker != worker && now.Before(lease.until) {
			continue
		}
		if m.NextAttemptAt != "" && nowWire < m.NextAttemptAt {
			continue
		}
		if m.Attempts >= s.OutboxMaxAttempts {
			m.LastError = DeadLetterPrefix + m.LastError
			m.ProcessedAt = nowWire
			delete(s.leases, m.ID)
			continue
		}
		s.leases[m.ID] = memLease{worker: worker, until: now.Add(s.LeaseDuration)}
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *MemoryStore) MarkOutboxProcessed(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowWire := events.FormatTime(s.now())
	for _, id := range ids {
		if m := s.outboxByID(id); m != nil {
			m.ProcessedAt = nowWire
			delete(s.leases, id)
		}
	}
	return nil
}

func (s *MemoryStore) MarkOutboxFailed(ctx context.Context, ids []int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, id := range ids {
		if m := s.outboxByID(id); m != nil && m.ProcessedAt == "" {
			m.Attempts++
			m.LastError = lastError
			m.NextAttemptAt = events.FormatTime(now.Add(outboxRetryDelay(m.Attempts)))
			delete(s.leases, id)
		}
	}
	return nil
}

func (s *MemoryStore) outboxByID(id int64) *OutboxMessage {
	if id < 1 || id > int64(len(s.outbox)) {
		return nil
	}
	return s.outbox[id-1]
}

// outboxRetryDelay schedules the next attempt: 1s doubling, capped at 60s.
func outboxRetryDelay(attempts int) time.Duration {
	d := time.Second << uint(minInt(attempts, 6))
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (s *MemoryStore) OutboxDepth(ctx context.Context, topic string) (OutboxDepth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d OutboxDepth
	for _, m := range s.outbox {
		if topic != "" && m.Topic != topic {
			continue
		}
		switch {
		case m.ProcessedAt == "":
			d.Pending++
		case m.DeadLettered():
			d.Dead++
		}
	}
	return d, nil
}

func (s *MemoryStore) PutDeliveries(ctx context.Context, ds []delivery.Delivery) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for i := range ds {
		d := ds[i]
		if s.dedupe[d.DedupeKey] {
			continue
		}
		s.dedupe[d.DedupeKey] = true
		s.deliveries[kkey(d.TenantID, d.ID)] = &d
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) ClaimDeliveries(ctx context.Context, max int, now string) ([]delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []delivery.Delivery
	for _, d := range s.deliveries {
		if d.State != delivery.StatePending {
			continue
		}
		if d.NextAttemptAt != "" && now < d.NextAttemptAt {
			continue
		}
		due = append(due, *d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].OrderKey < due[j].OrderKey })
	if len(due) > max {
		due = due[:max]
	}
	return due, nil
}

func (s *MemoryStore) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := kkey(d.TenantID, d.ID)
	if _, ok := s.deliveries[key]; !ok {
		return ErrNotFound
	}
	cp := *d
	s.deliveries[key] = &cp
	return nil
}

func (s *MemoryStore) RequeueDelivery(ctx context.Context, tenantID, deliveryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[kkey(tenantID, deliveryID)]
	if !ok {
		return ErrNotFound
	}
	d.State = delivery.StatePending
	d.Attempts = 0
	d.NextAttemptAt = ""
	d.LastError = ""
	d.UpdatedAt = events.FormatTime(s.now())
	return nil
}

func (s *MemoryStore) PutDeliveryReceipt(ctx context.Context, r *delivery.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, *r)
	return nil
}

func (s *MemoryStore) Delivery(ctx context.Context, tenantID, deliveryID string) (*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[kkey(tenantID, deliveryID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDeliveries(ctx context.Context, tenantID string, states ...string) ([]delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery.Delivery
	for _, d := range s.deliveries {
		if d.TenantID != tenantID {
			continue
		}
		if len(states) > 0 && !containsString(states, d.State) {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderKey < out[j].OrderKey })
	return out, nil
}

func (s *MemoryStore) Wallet(ctx context.Context, tenantID, agentID string) (*escrow.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[kkey(tenantID, agentID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(w), nil
}

func (s *MemoryStore) RunSettlement(ctx context.Context, tenantID, runID string) (*escrow.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settlements[kkey(tenantID, runID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(st), nil
}

func (s *MemoryStore) Contract(ctx context.Context, tenantID, contractID string) (*contracts.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contractRows[kkey(tenantID, contractID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(c), nil
}

func (s *MemoryStore) ListContracts(ctx context.Context, tenantID string) ([]contracts.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contracts.Contract
	for _, c := range s.contractRows {
		if c.TenantID == tenantID {
			out = append(out, *cloneJSON(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out, nil
}

func (s *MemoryStore) MarketplaceTask(ctx context.Context, tenantID, taskID string) (*marketplace.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[kkey(tenantID, taskID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneJSON(t)
	cp.Bids = append([]marketplace.Bid(nil), s.taskBids[kkey(tenantID, taskID)]...)
	return cp, nil
}

func (s *MemoryStore) ListMarketplaceTasks(ctx context.Context, tenantID string, statuses ...string) ([]marketplace.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []marketplace.Task
	for key, t := range s.tasks {
		if t.TenantID != tenantID {
			continue
		}
		if len(statuses) > 0 && !containsString(statuses, t.Status) {
			continue
		}
		cp := cloneJSON(t)
		cp.Bids = append([]marketplace.Bid(nil), s.taskBids[key]...)
		out = append(out, *cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *MemoryStore) TenantSettlementPolicy(ctx context.Context, tenantID, policyID string) (*marketplace.TenantPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tenantPolicies[kkey(tenantID, policyID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTenantPolicy(p), nil
}

func (s *MemoryStore) ListTenantSettlementPolicies(ctx context.Context, tenantID string) ([]marketplace.TenantPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []marketplace.TenantPolicy
	for _, p := range s.tenantPolicies {
		if p.TenantID == tenantID {
			out = append(out, *cloneTenantPolicy(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out, nil
}

// cloneTenantPolicy re-decodes the document because the parsed policy is
// excluded from the row's JSON form.
func cloneTenantPolicy(p *marketplace.TenantPolicy) *marketplace.TenantPolicy {
	cp := cloneJSON(p)
	cp.Policy = p.Policy
	return cp
}

func (s *MemoryStore) SignerKeyByID(ctx context.Context, tenantID, keyID string) (*SignerKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.signerKeys[kkey(tenantID, keyID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) ListSignerKeys(ctx context.Context, tenantID string) ([]SignerKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SignerKey
	for _, k := range s.signerKeys {
		if k.TenantID == tenantID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out, nil
}

func (s *MemoryStore) PublicKeyByID(ctx context.Context, tenantID, keyID string) (*PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.publicKeys[kkey(tenantID, keyID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) IdempotencyReceipt(ctx context.Context, tenantID, key string) (*IdempotencyReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.idempotency[kkey(tenantID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) IngestSeen(ctx context.Context, tenantID string, recordIDs []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		if _, ok := s.ingest[kkey(tenantID, id)]; ok {
			seen[id] = true
		}
	}
	return seen, nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, tenantID string, limit int) ([]AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditRecord
	for i := len(s.audits) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.audits[i].TenantID == tenantID {
			out = append(out, s.audits[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) PutArtifact(ctx context.Context, row *ArtifactRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := kkey(row.TenantID, row.ArtifactID)
	if prev, ok := s.artifacts[key]; ok {
		if prev.ArtifactHash != row.ArtifactHash {
			return &ConflictError{Code: CodeArtifactImmutable, Key: row.ArtifactID,
				Detail: "artifact hash is immutable per id"}
		}
		return nil
	}
	cp := *row
	s.artifacts[key] = &cp
	return nil
}

func (s *MemoryStore) Artifact(ctx context.Context, tenantID, artifactID string) (*ArtifactRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.artifacts[kkey(tenantID, artifactID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *MemoryStore) ListArtifacts(ctx context.Context, tenantID, artifactType string, limit int) ([]ArtifactRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ArtifactRow
	for _, row := range s.artifacts {
		if row.TenantID != tenantID {
			continue
		}
		if artifactType != "" && row.ArtifactType != artifactType {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactID < out[j].ArtifactID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PutPartyStatements(ctx context.Context, tenantID, month, basis string, stmts []finance.PartyStatement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]finance.PartyStatement, len(stmts))
	copy(cp, stmts)
	s.party[tenantID+"\x00"+month+"\x00"+basis] = cp
	return nil
}

func (s *MemoryStore) ListPartyStatements(ctx context.Context, tenantID, month, basis string) ([]finance.PartyStatement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stmts := s.party[tenantID+"\x00"+month+"\x00"+basis]
	out := make([]finance.PartyStatement, len(stmts))
	copy(out, stmts)
	return out, nil
}

func (s *MemoryStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advisory[key] {
		return nil, false, nil
	}
	s.advisory[key] = true
	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.advisory, key)
	}
	return release, true, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, kind PurgeKind, cutoff string, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	switch kind {
	case PurgeIngestRecords:
		for key, r := range s.ingest {
			if limit > 0 && purged >= int64(limit) {
				break
			}
			if r.ReceivedAt < cutoff {
				delete(s.ingest, key)
				purged++
			}
		}
	case PurgeDeliveries:
		for key, d := range s.deliveries {
			if limit > 0 && purged >= int64(limit) {
				break
			}
			if d.State != delivery.StatePending && d.UpdatedAt < cutoff {
				delete(s.dedupe, d.DedupeKey)
				delete(s.deliveries, key)
				purged++
			}
		}
	case PurgeDeliveryReceipts:
		kept := s.receipts[:0]
		for _, r := range s.receipts {
			if r.ReceivedAt < cutoff && (limit <= 0 || purged < int64(limit)) {
				purged++
				continue
			}
			kept = append(kept, r)
		}
		s.receipts = kept
	}
	return purged, nil
}

var _ Store = (*MemoryStore)(nil)
