package escrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_ApplyRejectsUnbalancedOp(t *testing.T) {
	p := NewLedgerProjection()
	err := p.Apply(LedgerOp{
		Kind: LedgerOpHold, RefID: "run_1", Currency: "USD",
		Postings: []Posting{
			{Account: AvailableAccount("a"), AmountCents: -100},
			{Account: EscrowAccount("a"), AmountCents: 99},
		},
	})
	require.ErrorIs(t, err, ErrLedgerMismatch)
	assert.Empty(t, p.Ops)
	assert.Zero(t, p.Balances[AvailableAccount("a")])
}

func TestLedger_ShadowsWalletLifecycle(t *testing.T) {
	payer := NewWallet("default", "agent_payer", "USD")
	payee := NewWallet("default", "agent_payee", "USD")
	p := NewLedgerProjection()

	require.NoError(t, Credit(payer, 10_000, testAt))
	require.NoError(t, p.Apply(CreditOp("agent_payer", "USD", "dep_1", 10_000, testAt)))
	require.NoError(t, p.Reconcile(payer))

	require.NoError(t, LockEscrow(payer, 6_000, testAt))
	require.NoError(t, p.Apply(HoldOp("agent_payer", "USD", "run_1", 6_000, testAt)))
	require.NoError(t, p.Reconcile(payer))

	require.NoError(t, ReleaseEscrowToPayee(payer, payee, 4_000, testAt))
	require.NoError(t, p.Apply(ReleaseOp("agent_payer", "agent_payee", "USD", "run_1", 4_000, testAt)))
	require.NoError(t, p.Reconcile(payer))
	require.NoError(t, p.Reconcile(payee))

	require.NoError(t, RefundEscrow(payer, 2_000, testAt))
	require.NoError(t, p.Apply(RefundOp("agent_payer", "USD", "run_1", 2_000, testAt)))
	require.NoError(t, p.Reconcile(payer))

	// Escrow accounts all drained; external funding carries the offset.
	assert.Zero(t, p.Balances[EscrowAccount("agent_payer")])
	assert.Equal(t, int64(-10_000), p.Balances[AccountExternalFunding])
}

func TestLedger_ReconcileDetectsDrift(t *testing.T) {
	w := NewWallet("default", "agent_a", "USD")
	require.NoError(t, Credit(w, 500, testAt))

	p := NewLedgerProjection()
	require.NoError(t, p.Apply(CreditOp("agent_a", "USD", "dep_1", 400, testAt)))

	err := p.Reconcile(w)
	require.ErrorIs(t, err, ErrLedgerMismatch)
	assert.Contains(t, err.Error(), "ESCROW_LEDGER_MISMATCH")
}

func TestLedger_ForfeitOpShape(t *testing.T) {
	op := ForfeitOp("agent_a", "USD", "hold_123", 700, testAt)
	assert.Equal(t, LedgerOpForfeit, op.Kind)
	require.Len(t, op.Postings, 2)
	assert.Equal(t, EscrowAccount("agent_a"), op.Postings[0].Account)
	assert.Equal(t, int64(-700), op.Postings[0].AmountCents)
	assert.Equal(t, AvailableAccount("agent_a"), op.Postings[1].Account)
	assert.Equal(t, int64(700), op.Postings[1].AmountCents)
}

func TestLedger_AccountNames(t *testing.T) {
	assert.Equal(t, "wallet_available:agent_1", AvailableAccount("agent_1"))
	assert.Equal(t, "wallet_escrow:agent_1", EscrowAccount("agent_1"))
}
