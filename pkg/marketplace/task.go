// Package marketplace models posted tasks, the bid / counter-offer /
// accept negotiation, and tenant settlement policy documents. Accepting a
// bid hands off to the agent-run stream; nothing here touches storage.
package marketplace

import (
	"fmt"
	"time"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
)

// Task statuses.
const (
	TaskOpen      = "open"
	TaskAwarded   = "awarded"
	TaskCancelled = "cancelled"
	TaskExpired   = "expired"
)

// Bid statuses.
const (
	BidSubmitted = "submitted"
	BidCountered = "countered"
	BidAccepted  = "accepted"
	BidRejected  = "rejected"
	BidWithdrawn = "withdrawn"
)

// Error codes.
const (
	CodeTaskStateInvalid = "TASK_STATE_INVALID"
	CodeBidStateInvalid  = "BID_STATE_INVALID"
	CodeBidUnknown       = "BID_UNKNOWN"
	CodeBidInvalid       = "BID_INVALID"
)

// Error is a marketplace rejection with a stable code.
type Error struct {
	Code   string
	Detail string
}

func (e *Error) Error() string { return e.Code + ": " + e.Detail }

func marketErr(code, format string, args ...any) error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Bid is one agent's offer on a task. A counter-offer from the task owner
// parks the bid in countered until the bidder accepts the new amount or
// withdraws.
type Bid struct {
	BidID   string `json:"bidId"`
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`

	AmountCents        int64  `json:"amountCents"`
	Currency           string `json:"currency"`
	Note               string `json:"note,omitempty"`
	Status             string `json:"status"`
	CounterAmountCents int64  `json:"counterAmountCents,omitempty"`

	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// Task is a posted unit of work agents bid on.
type Task struct {
	TaskID    string `json:"taskId"`
	TenantID  string `json:"tenantId"`
	CreatedBy string `json:"createdBy"`

	Title              string `json:"title"`
	Description        string `json:"description,omitempty"`
	BudgetCents        int64  `json:"budgetCents"`
	Currency           string `json:"currency"`
	PolicyID           string `json:"policyId"`
	VerificationMethod string `json:"verificationMethod,omitempty"`

	Status        string `json:"status"`
	AcceptedBidID string `json:"acceptedBidId,omitempty"`
	RunID         string `json:"runId,omitempty"`

	Bids []Bid `json:"bids,omitempty"`

	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
	ExpiresAt string `json:"expiresAt,omitempty"`

	Revision int64 `json:"revision"`
}

// NewTask posts a task.
func NewTask(tenantID, taskID, createdBy, title string, budgetCents int64, currency, policyID string, at time.Time) (*Task, error) {
	if tenantID == "" || taskID == "" || createdBy == "" {
		return nil, marketErr(CodeTaskStateInvalid, "tenant, task, and creator ids are required")
	}
	if title == "" {
		return nil, marketErr(CodeTaskStateInvalid, "task needs a title")
	}
	if budgetCents <= 0 {
		return nil, marketErr(CodeTaskStateInvalid, "budget must be positive, got %d", budgetCents)
	}
	if currency == "" || policyID == "" {
		return nil, marketErr(CodeTaskStateInvalid, "currency and settlement policy are required")
	}
	now := events.FormatTime(at)
	return &Task{
		TaskID:      taskID,
		TenantID:    tenantID,
		CreatedBy:   createdBy,
		Title:       title,
		BudgetCents: budgetCents,
		Currency:    currency,
		PolicyID:    policyID,
		Status:      TaskOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
		Revision:    1,
	}, nil
}

func (t *Task) touch(at time.Time) {
	t.UpdatedAt = events.FormatTime(at)
	t.Revision++
}

func (t *Task) bid(bidID string) *Bid {
	for i := range t.Bids {
		if t.Bids[i].BidID == bidID {
			return &t.Bids[i]
		}
	}
	return nil
}

// activeBidBy returns the agent's live bid, if any.
func (t *Task) activeBidBy(agentID string) *Bid {
	for i := range t.Bids {
		b := &t.Bids[i]
		if b.AgentID == agentID && (b.Status == BidSubmitted || b.Status == BidCountered) {
			return b
		}
	}
	return nil
}

// SubmitBid places a new bid on an open task. One live bid per agent; a
// new bid after withdrawal is fine.
func (t *Task) SubmitBid(bidID, agentID string, amountCents int64, currency, note string, at time.Time) error {
	if t.Status != TaskOpen {
		return marketErr(CodeTaskStateInvalid, "task %s is %s, bids need an open task", t.TaskID, t.Status)
	}
	if agentID == t.CreatedBy {
		return marketErr(CodeBidInvalid, "task owner cannot bid on own task")
	}
	if amountCents <= 0 {
		return marketErr(CodeBidInvalid, "bid amount must be positive, got %d", amountCents)
	}
	if currency != t.Currency {
		return marketErr(CodeBidInvalid, "bid currency %s, task pays %s", currency, t.Currency)
	}
	if t.bid(bidID) != nil {
		return marketErr(CodeBidInvalid, "bid id %s already used", bidID)
	}
	if live := t.activeBidBy(agentID); live != nil {
		return marketErr(CodeBidInvalid, "agent %s already has live bid %s", agentID, live.BidID)
	}
	now := events.FormatTime(at)
	t.Bids = append(t.Bids, Bid{
		BidID:       bidID,
		TaskID:      t.TaskID,
		AgentID:     agentID,
		AmountCents: amountCents,
		Currency:    currency,
		Note:        note,
		Status:      BidSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	t.touch(at)
	return nil
}

// Counter makes a counter-offer on a submitted bid. The bid moves to
// countered until the bidder responds.
func (t *Task) Counter(bidID string, counterCents int64, at time.Time) error {
	if t.Status != TaskOpen {
		return marketErr(CodeTaskStateInvalid, "task %s is %s", t.TaskID, t.Status)
	}
	b := t.bid(bidID)
	if b == nil {
		return marketErr(CodeBidUnknown, "bid %s not found", bidID)
	}
	if b.Status != BidSubmitted && b.Status != BidCountered {
		return marketErr(CodeBidStateInvalid, "bid %s is %s, cannot counter", bidID, b.Status)
	}
	if counterCents <= 0 {
		return marketErr(CodeBidInvalid, "counter amount must be positive, got %d", counterCents)
	}
	b.Status = BidCountered
	b.CounterAmountCents = counterCents
	b.UpdatedAt = events.FormatTime(at)
	t.touch(at)
	return nil
}

// AcceptCounter is the bidder taking the owner's counter-offer: the bid
// amount becomes the countered amount and the bid is submitted again.
func (t *Task) AcceptCounter(bidID string, at time.Time) error {
	if t.Status != TaskOpen {
		return marketErr(CodeTaskStateInvalid, "task %s is %s", t.TaskID, t.Status)
	}
	b := t.bid(bidID)
	if b == nil {
		return marketErr(CodeBidUnknown, "bid %s not found", bidID)
	}
	if b.Status != BidCountered {
		return marketErr(CodeBidStateInvalid, "bid %s is %s, nothing to accept", bidID, b.Status)
	}
	b.AmountCents = b.CounterAmountCents
	b.CounterAmountCents = 0
	b.Status = BidSubmitted
	b.UpdatedAt = events.FormatTime(at)
	t.touch(at)
	return nil
}

// Withdraw pulls a live bid.
func (t *Task) Withdraw(bidID string, at time.Time) error {
	b := t.bid(bidID)
	if b == nil {
		return marketErr(CodeBidUnknown, "bid %s not found", bidID)
	}
	if b.Status != BidSubmitted && b.Status != BidCountered {
		return marketErr(CodeBidStateInvalid, "bid %s is %s, cannot withdraw", bidID, b.Status)
	}
	b.Status = BidWithdrawn
	b.UpdatedAt = events.FormatTime(at)
	t.touch(at)
	return nil
}

// Accept awards the task to a submitted bid. Every other live bid is
// rejected, and the returned payload seeds the run stream's first event.
// The caller mints runID and owns committing both sides atomically.
func (t *Task) Accept(bidID, runID string, at time.Time) (*domain.AgentRunCreatedPayload, error) {
	if t.Status != TaskOpen {
		return nil, marketErr(CodeTaskStateInvalid, "task %s is %s, cannot accept", t.TaskID, t.Status)
	}
	if runID == "" {
		return nil, marketErr(CodeTaskStateInvalid, "accept requires a run id")
	}
	b := t.bid(bidID)
	if b == nil {
		return nil, marketErr(CodeBidUnknown, "bid %s not found", bidID)
	}
	if b.Status != BidSubmitted {
		return nil, marketErr(CodeBidStateInvalid, "bid %s is %s, accept a submitted bid (counters must be resolved first)", bidID, b.Status)
	}

	now := events.FormatTime(at)
	for i := range t.Bids {
		other := &t.Bids[i]
		if other.BidID == bidID {
			continue
		}
		if other.Status == BidSubmitted || other.Status == BidCountered {
			other.Status = BidRejected
			other.UpdatedAt = now
		}
	}
	b.Status = BidAccepted
	b.UpdatedAt = now
	t.Status = TaskAwarded
	t.AcceptedBidID = bidID
	t.RunID = runID
	t.touch(at)

	return &domain.AgentRunCreatedPayload{
		RunID:        runID,
		AgentID:      b.AgentID,
		TaskID:       t.TaskID,
		PayerAgentID: t.CreatedBy,
		PayeeAgentID: b.AgentID,
		AmountCents:  b.AmountCents,
		Currency:     b.Currency,
		PolicyID:     t.PolicyID,
	}, nil
}

// Cancel closes an open task without award. Live bids are rejected.
func (t *Task) Cancel(at time.Time) error {
	if t.Status != TaskOpen {
		return marketErr(CodeTaskStateInvalid, "task %s is %s, cannot cancel", t.TaskID, t.Status)
	}
	now := events.FormatTime(at)
	for i := range t.Bids {
		b := &t.Bids[i]
		if b.Status == BidSubmitted || b.Status == BidCountered {
			b.Status = BidRejected
			b.UpdatedAt = now
		}
	}
	t.Status = TaskCancelled
	t.touch(at)
	return nil
}

// Expire closes an open task past its expiry.
func (t *Task) Expire(now time.Time) error {
	if t.Status != TaskOpen {
		return marketErr(CodeTaskStateInvalid, "task %s is %s, cannot expire", t.TaskID, t.Status)
	}
	if t.ExpiresAt == "" || events.FormatTime(now) < t.ExpiresAt {
		return marketErr(CodeTaskStateInvalid, "task %s has not reached its expiry", t.TaskID)
	}
	wire := events.FormatTime(now)
	for i := range t.Bids {
		b := &t.Bids[i]
		if b.Status == BidSubmitted || b.Status == BidCountered {
			b.Status = BidRejected
			b.UpdatedAt = wire
		}
	}
	t.Status = TaskExpired
	t.touch(now)
	return nil
}
