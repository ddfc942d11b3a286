//go:build property
// +build property

package escrow_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/settld-labs/settld/pkg/escrow"
)

// Property: for any sequence of wallet operations, the sum of available +
// escrowLocked across all wallets equals the initial total plus credits.
// Failed operations must leave balances untouched.
func TestWalletConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300

	properties := gopter.NewProperties(parameters)

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("available+escrow is conserved across op sequences", prop.ForAll(
		func(ops []int, amounts []int64) bool {
			a := escrow.NewWallet("default", "agent_a", "USD")
			b := escrow.NewWallet("default", "agent_b", "USD")
			credited := int64(0)

			n := len(ops)
			if len(amounts) < n {
				n = len(amounts)
			}
			for i := 0; i < n; i++ {
				amt := amounts[i]%10_000 + 1 // positive, bounded
				switch ops[i] % 5 {
				case 0:
					if escrow.Credit(a, amt, at) == nil {
						credited += amt
					}
				case 1:
					if escrow.Credit(b, amt, at) == nil {
						credited += amt
					}
				case 2:
					_ = escrow.LockEscrow(a, amt, at)
				case 3:
					_ = escrow.ReleaseEscrowToPayee(a, b, amt, at)
				case 4:
					_ = escrow.RefundEscrow(a, amt, at)
				}
				if a.AvailableCents < 0 || a.EscrowLockedCents < 0 ||
					b.AvailableCents < 0 || b.EscrowLockedCents < 0 {
					return false
				}
			}
			return a.Total()+b.Total() == credited
		},
		gen.SliceOf(gen.IntRange(0, 4)),
		gen.SliceOf(gen.Int64Range(0, 1_000_000)),
	))

	properties.Property("release moves exactly what the payer escrow loses", prop.ForAll(
		func(fund, lock, release int64) bool {
			fund = fund%100_000 + 1
			lock = lock%fund + 1
			release = release%lock + 1

			payer := escrow.NewWallet("default", "p", "USD")
			payee := escrow.NewWallet("default", "q", "USD")
			if escrow.Credit(payer, fund, at) != nil {
				return false
			}
			if escrow.LockEscrow(payer, lock, at) != nil {
				return false
			}
			before := payer.EscrowLockedCents
			if escrow.ReleaseEscrowToPayee(payer, payee, release, at) != nil {
				return false
			}
			return before-payer.EscrowLockedCents == payee.AvailableCents &&
				payee.AvailableCents == release
		},
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(1, 1_000_000),
	))

	properties.TestingRun(t)
}
