package store

import (
	"encoding/json"
	"fmt"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/marketplace"
)

// Op kinds CommitTx applies, in the order given.
const (
	OpJobEventsAppended      = "JOB_EVENTS_APPENDED"
	OpRobotEventsAppended    = "ROBOT_EVENTS_APPENDED"
	OpOperatorEventsAppended = "OPERATOR_EVENTS_APPENDED"
	OpMonthEventsAppended    = "MONTH_EVENTS_APPENDED"
	OpAgentRunEventsAppended = "AGENT_RUN_EVENTS_APPENDED"
	// The governance stream is written through the same committer even
	// though it carries platform configuration rather than workload state.
	OpGovernanceEventsAppended = "GOVERNANCE_EVENTS_APPENDED"

	OpOutboxEnqueue    = "OUTBOX_ENQUEUE"
	OpIngestRecordsPut = "INGEST_RECORDS_PUT"
	OpIdempotencyPut   = "IDEMPOTENCY_PUT"

	OpContractUpsert      = "CONTRACT_UPSERT"
	OpAgentWalletUpsert   = "AGENT_WALLET_UPSERT"
	OpRunSettlementUpsert = "AGENT_RUN_SETTLEMENT_UPSERT"
	OpMarketTaskUpsert    = "MARKETPLACE_TASK_UPSERT"
	OpMarketTaskBidsSet   = "MARKETPLACE_TASK_BIDS_SET"
	OpTenantPolicyUpsert  = "TENANT_SETTLEMENT_POLICY_UPSERT"
	OpPublicKeyPut        = "PUBLIC_KEY_PUT"
	OpSignerKeyUpsert     = "SIGNER_KEY_UPSERT"
)

// Op is one unit of a commit. Exactly the fields for its kind are set;
// the constructors below are the supported way to build one.
type Op struct {
	Kind string

	// *_EVENTS_APPENDED
	StreamID string
	Events   []events.Event

	// OUTBOX_ENQUEUE
	Topic   string
	Message json.RawMessage

	// INGEST_RECORDS_PUT
	IngestRecords []IngestRecord

	// IDEMPOTENCY_PUT
	Receipt *IdempotencyReceipt

	// Row upserts.
	Contract     *contracts.Contract
	Wallet       *escrow.Wallet
	Settlement   *escrow.Settlement
	Task         *marketplace.Task
	TaskID       string
	Bids         []marketplace.Bid
	TenantPolicy *marketplace.TenantPolicy
	PublicKey    *PublicKey
	SignerKey    *SignerKey
}

func appendOp(kind, aggregateType string, evs []events.Event) (Op, error) {
	if len(evs) == 0 {
		return Op{}, fmt.Errorf("store: %s with no events", kind)
	}
	streamID := evs[0].StreamID
	typ, _ := events.SplitStreamID(streamID)
	if typ != aggregateType {
		return Op{}, fmt.Errorf("store: %s events on stream %q", kind, streamID)
	}
	for i := range evs {
		if evs[i].StreamID != streamID {
			return Op{}, fmt.Errorf("store: %s mixes streams %q and %q", kind, streamID, evs[i].StreamID)
		}
	}
	return Op{Kind: kind, StreamID: streamID, Events: evs}, nil
}

// AppendJobEvents builds a job-stream append op.
func AppendJobEvents(evs ...events.Event) (Op, error) {
	return appendOp(OpJobEventsAppended, domain.AggregateJob, evs)
}

// AppendRobotEvents builds a robot-stream append op.
func AppendRobotEvents(evs ...events.Event) (Op, error) {
	return appendOp(OpRobotEventsAppended, domain.AggregateRobot, evs)
}

// AppendOperatorEvents builds an operator-stream append op.
func AppendOperatorEvents(evs ...events.Event) (Op, error) {
	return appendOp(OpOperatorEventsAppended, domain.AggregateOperator, evs)
}

// AppendMonthEvents builds a month-stream append op.
func AppendMonthEvents(evs ...events.Event) (Op, error) {
	return appendOp(OpMonthEventsAppended, domain.AggregateMonth, evs)
}

// AppendAgentRunEvents builds an agent-run-stream append op.
func AppendAgentRunEvents(evs ...events.Event) (Op, error) {
	return appendOp(OpAgentRunEventsAppended, domain.AggregateAgentRun, evs)
}

// AppendGovernanceEvents builds a governance-stream append op.
func AppendGovernanceEvents(evs ...events.Event) (Op, error) {
	return appendOp(OpGovernanceEventsAppended, domain.AggregateGovernance, evs)
}

// EnqueueOutbox builds an outbox enqueue op.
func EnqueueOutbox(topic string, payload any) (Op, error) {
	if topic == "" {
		return Op{}, fmt.Errorf("store: enqueue with empty topic")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Op{}, fmt.Errorf("store: enqueue payload: %w", err)
	}
	return Op{Kind: OpOutboxEnqueue, Topic: topic, Message: raw}, nil
}

// PutIngestRecords builds an ingest-record dedupe op.
func PutIngestRecords(records ...IngestRecord) Op {
	return Op{Kind: OpIngestRecordsPut, IngestRecords: records}
}

// PutIdempotency builds an idempotency-receipt op.
func PutIdempotency(r *IdempotencyReceipt) Op {
	return Op{Kind: OpIdempotencyPut, Receipt: r}
}

// UpsertContract builds a contract row op.
func UpsertContract(c *contracts.Contract) Op {
	return Op{Kind: OpContractUpsert, Contract: c}
}

// UpsertWallet builds a wallet row op. The wallet's revision must exceed the
// stored one or the commit conflicts.
func UpsertWallet(w *escrow.Wallet) Op {
	return Op{Kind: OpAgentWalletUpsert, Wallet: w}
}

// UpsertRunSettlement builds a settlement row op.
func UpsertRunSettlement(s *escrow.Settlement) Op {
	return Op{Kind: OpRunSettlementUpsert, Settlement: s}
}

// UpsertMarketplaceTask builds a task row op. Bids are persisted separately
// via SetMarketplaceTaskBids.
func UpsertMarketplaceTask(t *marketplace.Task) Op {
	return Op{Kind: OpMarketTaskUpsert, Task: t}
}

// SetMarketplaceTaskBids replaces the bid set of a task.
func SetMarketplaceTaskBids(taskID string, bids []marketplace.Bid) Op {
	return Op{Kind: OpMarketTaskBidsSet, TaskID: taskID, Bids: bids}
}

// UpsertTenantPolicy builds a tenant settlement-policy row op.
func UpsertTenantPolicy(p *marketplace.TenantPolicy) Op {
	return Op{Kind: OpTenantPolicyUpsert, TenantPolicy: p}
}

// PutPublicKey builds an agent public-key row op.
func PutPublicKey(k *PublicKey) Op {
	return Op{Kind: OpPublicKeyPut, PublicKey: k}
}

// UpsertSignerKey builds a signer-key row op.
func UpsertSignerKey(k *SignerKey) Op {
	return Op{Kind: OpSignerKeyUpsert, SignerKey: k}
}

// validate rejects structurally broken ops before any backend work.
func (op *Op) validate() error {
	switch op.Kind {
	case OpJobEventsAppended, OpRobotEventsAppended, OpOperatorEventsAppended,
		OpMonthEventsAppended, OpAgentRunEventsAppended, OpGovernanceEventsAppended:
		if op.StreamID == "" || len(op.Events) == 0 {
			return fmt.Errorf("store: %s without stream or events", op.Kind)
		}
	case OpOutboxEnqueue:
		if op.Topic == "" {
			return fmt.Errorf("store: outbox enqueue without topic")
		}
	case OpIngestRecordsPut:
		for i := range op.IngestRecords {
			if op.IngestRecords[i].RecordID == "" {
				return fmt.Errorf("store: ingest record %d without id", i)
			}
		}
	case OpIdempotencyPut:
		if op.Receipt == nil || op.Receipt.Key == "" {
			return fmt.Errorf("store: idempotency put without key")
		}
	case OpContractUpsert:
		if op.Contract == nil || op.Contract.ContractID == "" {
			return fmt.Errorf("store: contract upsert without contract")
		}
	case OpAgentWalletUpsert:
		if op.Wallet == nil || op.Wallet.AgentID == "" {
			return fmt.Errorf("store: wallet upsert without wallet")
		}
	case OpRunSettlementUpsert:
		if op.Settlement == nil || op.Settlement.RunID == "" {
			return fmt.Errorf("store: settlement upsert without settlement")
		}
	case OpMarketTaskUpsert:
		if op.Task == nil || op.Task.TaskID == "" {
			return fmt.Errorf("store: task upsert without task")
		}
	case OpMarketTaskBidsSet:
		if op.TaskID == "" {
			return fmt.Errorf("store: bids set without task id")
		}
	case OpTenantPolicyUpsert:
		if op.TenantPolicy == nil || op.TenantPolicy.PolicyID == "" {
			return fmt.Errorf("store: tenant policy upsert without policy")
		}
	case OpPublicKeyPut:
		if op.PublicKey == nil || op.PublicKey.KeyID == "" {
			return fmt.Errorf("store: public key put without key")
		}
	case OpSignerKeyUpsert:
		if op.SignerKey == nil || op.SignerKey.KeyID == "" {
			return fmt.Errorf("store: signer key upsert without key")
		}
	default:
		return fmt.Errorf("store: unknown op kind %q", op.Kind)
	}
	return nil
}

// derivedEnqueues maps job-event appends to the asynchronous work they
// trigger. Proof evaluation follows every completion; artifact builds follow
// proof evaluations, settlements, and dispute closes.
func derivedEnqueues(tenantID string, op Op) []Op {
	if op.Kind != OpJobEventsAppended {
		return nil
	}
	_, jobID := events.SplitStreamID(op.StreamID)
	var out []Op
	for i := range op.Events {
		ev := &op.Events[i]
		var topic string
		switch ev.Type {
		case domain.EvJobCompleted:
			topic = TopicProofEval
		case domain.EvProofEvaluated, domain.EvJobSettled, domain.EvDisputeClosed:
			topic = TopicArtifactBuild
		default:
			continue
		}
		enq, err := EnqueueOutbox(topic, TriggerMessage{
			TenantID:  tenantID,
			JobID:     jobID,
			EventID:   ev.ID,
			EventType: ev.Type,
			ChainHash: ev.ChainHash,
		})
		if err != nil {
			continue
		}
		out = append(out, enq)
	}
	return out
}
