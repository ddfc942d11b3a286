package escrow

import (
	"errors"
	"fmt"
	"time"
)

// ErrLedgerMismatch is raised when the projected double-entry balances
// disagree with a wallet snapshot. Surfaced as ESCROW_LEDGER_MISMATCH.
var ErrLedgerMismatch = errors.New("ESCROW_LEDGER_MISMATCH")

// Ledger operation kinds.
const (
	LedgerOpCredit  = "CREDIT"
	LedgerOpHold    = "HOLD"
	LedgerOpRelease = "RELEASE"
	LedgerOpRefund  = "REFUND"
	LedgerOpForfeit = "FORFEIT"
)

// Posting is one double-entry line: a positive amount debits the account,
// a negative amount credits it. Each LedgerOp's postings sum to zero unless
// funds enter from outside (CREDIT), which posts against the external
// funding account.
type Posting struct {
	Account     string `json:"account"`
	AmountCents int64  `json:"amountCents"`
}

// LedgerOp is one projected wallet transition with its postings.
type LedgerOp struct {
	Kind     string    `json:"kind"`
	RefID    string    `json:"refId"` // run id, hold id, or credit reference
	Currency string    `json:"currency"`
	Postings []Posting `json:"postings"`
	At       string    `json:"at"`
}

// Well-known accounts.
const (
	AccountExternalFunding = "external:funding"
	AccountExternalPayout  = "external:payout"
)

// AvailableAccount names the projected available-balance account of an agent.
func AvailableAccount(agentID string) string { return "wallet_available:" + agentID }

// EscrowAccount names the projected escrow-balance account of an agent.
func EscrowAccount(agentID string) string { return "wallet_escrow:" + agentID }

// LedgerProjection accumulates account balances from ledger ops. It is the
// independent double-entry shadow of the wallet snapshots; Reconcile asserts
// the two agree after every transition.
type LedgerProjection struct {
	Balances map[string]int64 `json:"balances"`
	Ops      []LedgerOp       `json:"ops,omitempty"`
}

// NewLedgerProjection returns an empty projection.
func NewLedgerProjection() *LedgerProjection {
	return &LedgerProjection{Balances: map[string]int64{}}
}

// Apply posts one op into the projection. Non-CREDIT ops must balance to
// zero; a non-balancing op is rejected before any posting lands.
func (p *LedgerProjection) Apply(op LedgerOp) error {
	var sum int64
	for _, post := range op.Postings {
		sum += post.AmountCents
	}
	if sum != 0 {
		return fmt.Errorf("%w: op %s/%s postings sum to %d", ErrLedgerMismatch, op.Kind, op.RefID, sum)
	}
	for _, post := range op.Postings {
		p.Balances[post.Account] += post.AmountCents
	}
	p.Ops = append(p.Ops, op)
	return nil
}

// Reconcile asserts the projected balances equal the wallet snapshot.
func (p *LedgerProjection) Reconcile(w *Wallet) error {
	if got := p.Balances[AvailableAccount(w.AgentID)]; got != w.AvailableCents {
		return fmt.Errorf("%w: %s available projected %d, wallet %d", ErrLedgerMismatch, w.AgentID, got, w.AvailableCents)
	}
	if got := p.Balances[EscrowAccount(w.AgentID)]; got != w.EscrowLockedCents {
		return fmt.Errorf("%w: %s escrow projected %d, wallet %d", ErrLedgerMismatch, w.AgentID, got, w.EscrowLockedCents)
	}
	return nil
}

func wireTime(at time.Time) string { return at.UTC().Format(time.RFC3339) }

// CreditOp builds the postings for an external credit into available.
func CreditOp(agentID, currency, refID string, cents int64, at time.Time) LedgerOp {
	return LedgerOp{
		Kind: LedgerOpCredit, RefID: refID, Currency: currency, At: wireTime(at),
		Postings: []Posting{
			{Account: AvailableAccount(agentID), AmountCents: cents},
			{Account: AccountExternalFunding, AmountCents: -cents},
		},
	}
}

// HoldOp builds the postings for moving available into escrow.
func HoldOp(agentID, currency, refID string, cents int64, at time.Time) LedgerOp {
	return LedgerOp{
		Kind: LedgerOpHold, RefID: refID, Currency: currency, At: wireTime(at),
		Postings: []Posting{
			{Account: AvailableAccount(agentID), AmountCents: -cents},
			{Account: EscrowAccount(agentID), AmountCents: cents},
		},
	}
}

// ReleaseOp builds the postings for paying escrow out to the payee.
func ReleaseOp(payerID, payeeID, currency, refID string, cents int64, at time.Time) LedgerOp {
	return LedgerOp{
		Kind: LedgerOpRelease, RefID: refID, Currency: currency, At: wireTime(at),
		Postings: []Posting{
			{Account: EscrowAccount(payerID), AmountCents: -cents},
			{Account: AvailableAccount(payeeID), AmountCents: cents},
		},
	}
}

// RefundOp builds the postings for returning escrow to the payer.
func RefundOp(agentID, currency, refID string, cents int64, at time.Time) LedgerOp {
	return LedgerOp{
		Kind: LedgerOpRefund, RefID: refID, Currency: currency, At: wireTime(at),
		Postings: []Posting{
			{Account: EscrowAccount(agentID), AmountCents: -cents},
			{Account: AvailableAccount(agentID), AmountCents: cents},
		},
	}
}

// ForfeitOp builds the postings for a forfeited hold returning to the payer.
// Identical shape to a refund but tagged for the GL export.
func ForfeitOp(agentID, currency, refID string, cents int64, at time.Time) LedgerOp {
	op := RefundOp(agentID, currency, refID, cents, at)
	op.Kind = LedgerOpForfeit
	return op
}
