// Package escrow implements the settlement engine: agent wallets with
// escrow holds, the projected double-entry ledger that shadows every wallet
// move, declarative settlement policies, milestone gating, and the dispute
// lifecycle with signed verdicts.
//
// Wallet operations are pure transformations. Callers apply them to copies
// and persist the results through the transactional committer; nothing here
// touches storage.
package escrow

import (
	"errors"
	"fmt"
	"time"
)

// Wallet errors. Balance violations are programmer-visible invariants, so
// they carry typed sentinels rather than codes.
var (
	ErrInsufficientAvailable = errors.New("escrow: insufficient available balance")
	ErrInsufficientEscrow    = errors.New("escrow: insufficient escrow balance")
	ErrCurrencyMismatch      = errors.New("escrow: currency mismatch")
	ErrNonPositiveAmount     = errors.New("escrow: amount must be positive")
)

// Wallet is the balance snapshot for one agent in one tenant. Balances are
// integer minor units; both are always >= 0.
type Wallet struct {
	TenantID          string `json:"tenantId"`
	AgentID           string `json:"agentId"`
	Currency          string `json:"currency"`
	AvailableCents    int64  `json:"availableCents"`
	EscrowLockedCents int64  `json:"escrowLockedCents"`
	Revision          int64  `json:"revision"`
	UpdatedAt         string `json:"updatedAt"`
}

// NewWallet returns an empty wallet at revision 0.
func NewWallet(tenantID, agentID, currency string) *Wallet {
	return &Wallet{TenantID: tenantID, AgentID: agentID, Currency: currency}
}

func (w *Wallet) touch(at time.Time) {
	w.Revision++
	w.UpdatedAt = at.UTC().Format(time.RFC3339)
}

// Credit adds external funds to the available balance.
func Credit(w *Wallet, cents int64, at time.Time) error {
	if cents <= 0 {
		return fmt.Errorf("%w: credit %d", ErrNonPositiveAmount, cents)
	}
	w.AvailableCents += cents
	w.touch(at)
	return nil
}

// LockEscrow moves cents from available into escrow on the same wallet.
func LockEscrow(w *Wallet, cents int64, at time.Time) error {
	if cents <= 0 {
		return fmt.Errorf("%w: lock %d", ErrNonPositiveAmount, cents)
	}
	if w.AvailableCents < cents {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientAvailable, cents, w.AvailableCents)
	}
	w.AvailableCents -= cents
	w.EscrowLockedCents += cents
	w.touch(at)
	return nil
}

// ReleaseEscrowToPayee moves cents out of the payer's escrow into the
// payee's available balance. Both wallets advance one revision.
func ReleaseEscrowToPayee(payer, payee *Wallet, cents int64, at time.Time) error {
	if cents <= 0 {
		return fmt.Errorf("%w: release %d", ErrNonPositiveAmount, cents)
	}
	if payer.Currency != payee.Currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, payer.Currency, payee.Currency)
	}
	if payer.EscrowLockedCents < cents {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientEscrow, cents, payer.EscrowLockedCents)
	}
	payer.EscrowLockedCents -= cents
	payee.AvailableCents += cents
	payer.touch(at)
	payee.touch(at)
	return nil
}

// RefundEscrow returns cents from the wallet's escrow to its own available
// balance.
func RefundEscrow(w *Wallet, cents int64, at time.Time) error {
	if cents <= 0 {
		return fmt.Errorf("%w: refund %d", ErrNonPositiveAmount, cents)
	}
	if w.EscrowLockedCents < cents {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientEscrow, cents, w.EscrowLockedCents)
	}
	w.EscrowLockedCents -= cents
	w.AvailableCents += cents
	w.touch(at)
	return nil
}

// Total returns available + escrow, the quantity wallet conservation is
// stated over.
func (w *Wallet) Total() int64 {
	return w.AvailableCents + w.EscrowLockedCents
}

// Clone returns an independent copy for speculative application.
func (w *Wallet) Clone() *Wallet {
	c := *w
	return &c
}
