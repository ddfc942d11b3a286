package escrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitByRate(t *testing.T) {
	cases := []struct {
		amount  int64
		rate    int
		release int64
		refund  int64
	}{
		{10_000, 100, 10_000, 0},
		{10_000, 0, 0, 10_000},
		{10_000, 50, 5_000, 5_000},
		{10_001, 50, 5_000, 5_001}, // release rounds down
		{3, 33, 0, 3},
		{100, 33, 33, 67},
		{10_000, 120, 10_000, 0},
		{10_000, -5, 0, 10_000},
	}
	for _, c := range cases {
		release, refund := SplitByRate(c.amount, c.rate)
		assert.Equal(t, c.release, release, "amount=%d rate=%d", c.amount, c.rate)
		assert.Equal(t, c.refund, refund, "amount=%d rate=%d", c.amount, c.rate)
		assert.Equal(t, c.amount, release+refund)
	}
}

func TestEvaluatePolicy_GreenAutoReleases(t *testing.T) {
	d, err := EvaluateSettlementPolicy(DefaultSettlementPolicy(), "attestation", VerificationGreen, "completed", 50_000)
	require.NoError(t, err)
	assert.True(t, d.ShouldAutoResolve)
	assert.Equal(t, 100, d.ReleaseRatePct)
	assert.Equal(t, int64(50_000), d.ReleaseAmountCents)
	assert.Zero(t, d.RefundAmountCents)
	assert.Equal(t, SettlementReleased, d.SettlementStatus)
	assert.Contains(t, d.ReasonCodes, ReasonAutoGreen)
}

func TestEvaluatePolicy_AmberHoldback(t *testing.T) {
	d, err := EvaluateSettlementPolicy(DefaultSettlementPolicy(), "attestation", VerificationAmber, "completed", 10_000)
	require.NoError(t, err)
	assert.Equal(t, 50, d.ReleaseRatePct)
	assert.Equal(t, int64(5_000), d.ReleaseAmountCents)
	assert.Equal(t, int64(5_000), d.RefundAmountCents)
	assert.Equal(t, SettlementReleased, d.SettlementStatus)
	assert.Contains(t, d.ReasonCodes, ReasonAmberHoldback)
}

func TestEvaluatePolicy_AmberManualReview(t *testing.T) {
	policy := DefaultSettlementPolicy()
	policy.AmberManualReview = true
	d, err := EvaluateSettlementPolicy(policy, "attestation", VerificationAmber, "completed", 10_000)
	require.NoError(t, err)
	assert.False(t, d.ShouldAutoResolve)
}

func TestEvaluatePolicy_RedRefunds(t *testing.T) {
	d, err := EvaluateSettlementPolicy(DefaultSettlementPolicy(), "attestation", VerificationRed, "completed", 10_000)
	require.NoError(t, err)
	assert.Zero(t, d.ReleaseAmountCents)
	assert.Equal(t, int64(10_000), d.RefundAmountCents)
	assert.Equal(t, SettlementRefunded, d.SettlementStatus)
	assert.Contains(t, d.ReasonCodes, ReasonRedRefund)
}

func TestEvaluatePolicy_FailedRunRefundsRegardless(t *testing.T) {
	d, err := EvaluateSettlementPolicy(DefaultSettlementPolicy(), "attestation", VerificationGreen, "failed", 10_000)
	require.NoError(t, err)
	assert.True(t, d.ShouldAutoResolve)
	assert.Equal(t, SettlementRefunded, d.SettlementStatus)
	assert.Equal(t, int64(10_000), d.RefundAmountCents)
	assert.Equal(t, []string{ReasonRunFailed}, d.ReasonCodes)
}

func TestEvaluatePolicy_AmountAboveAutoThreshold(t *testing.T) {
	policy := DefaultSettlementPolicy()
	require.Positive(t, policy.AutoResolveMaxAmountCents)

	d, err := EvaluateSettlementPolicy(policy, "attestation", VerificationGreen, "completed", policy.AutoResolveMaxAmountCents+1)
	require.NoError(t, err)
	assert.False(t, d.ShouldAutoResolve)
	assert.Contains(t, d.ReasonCodes, ReasonManualThreshold)
	// The split is still computed so a reviewer sees the proposed outcome.
	assert.Equal(t, policy.AutoResolveMaxAmountCents+1, d.ReleaseAmountCents)
}

func TestEvaluatePolicy_MethodNotAutoResolvable(t *testing.T) {
	policy := DefaultSettlementPolicy()
	policy.AutoResolveMethods = []string{"attestation", "oracle"}

	d, err := EvaluateSettlementPolicy(policy, "manual_inspection", VerificationGreen, "completed", 1_000)
	require.NoError(t, err)
	assert.False(t, d.ShouldAutoResolve)
	assert.Contains(t, d.ReasonCodes, ReasonMethodUnverified)

	d, err = EvaluateSettlementPolicy(policy, "oracle", VerificationGreen, "completed", 1_000)
	require.NoError(t, err)
	assert.True(t, d.ShouldAutoResolve)
}

func TestEvaluatePolicy_Rejects(t *testing.T) {
	_, err := EvaluateSettlementPolicy(DefaultSettlementPolicy(), "attestation", VerificationGreen, "completed", 0)
	require.ErrorIs(t, err, ErrNonPositiveAmount)

	_, err = EvaluateSettlementPolicy(DefaultSettlementPolicy(), "attestation", "chartreuse", "completed", 100)
	require.Error(t, err)
}
