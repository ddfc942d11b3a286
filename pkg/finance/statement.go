package finance

import (
	"fmt"
	"sort"

	"github.com/settld-labs/settld/pkg/domain"
)

// SettlementLine is one settled job flattened for accounting. The
// month-close worker derives lines from job projections; amounts are
// minor units in the line's currency.
type SettlementLine struct {
	JobID       string `json:"jobId"`
	RequesterID string `json:"requesterId"`
	OperatorID  string `json:"operatorId,omitempty"`
	RobotID     string `json:"robotId,omitempty"`
	Currency    string `json:"currency"`

	BookedAmountCents   int64 `json:"bookedAmountCents"`
	ReleasedAmountCents int64 `json:"releasedAmountCents"`
	RefundedAmountCents int64 `json:"refundedAmountCents"`
	OperatorCostCents   int64 `json:"operatorCostCents,omitempty"`
	SLACreditCents      int64 `json:"slaCreditCents,omitempty"`
	ClaimsPaidCents     int64 `json:"claimsPaidCents,omitempty"`

	SettledAt string `json:"settledAt"`
}

// HoldRecord is one settlement hold's lifecycle for exposure reporting.
// At most one of ReleasedAt/ForfeitedAt is set.
type HoldRecord struct {
	HoldID      string `json:"holdId"`
	JobID       string `json:"jobId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	HeldAt      string `json:"heldAt"`
	ReleasedAt  string `json:"releasedAt,omitempty"`
	ForfeitedAt string `json:"forfeitedAt,omitempty"`
}

// settledAt returns the instant the hold left the open state, or "".
func (h HoldRecord) settledAt() string {
	if h.ReleasedAt != "" {
		return h.ReleasedAt
	}
	return h.ForfeitedAt
}

// OpenDuring reports whether the hold was still open at the period end.
func (h HoldRecord) OpenDuring(p Period) bool {
	if h.HeldAt == "" || !h.Before(p.EndAt) {
		return false
	}
	done := h.settledAt()
	return done == "" || done >= p.EndAt
}

// Before reports whether the hold originated before the given instant.
func (h HoldRecord) Before(at string) bool { return h.HeldAt < at }

// Rollforward is the held-exposure movement for one period. The identity
// closing = opening + new - released - forfeited holds by construction
// and is re-checked against an independent closing computation.
type Rollforward struct {
	OpeningHeldCents   int64 `json:"openingHeldCents"`
	NewHeldCents       int64 `json:"newHeldCents"`
	ReleasedHeldCents  int64 `json:"releasedHeldCents"`
	ForfeitedHeldCents int64 `json:"forfeitedHeldCents"`
	ClosingHeldCents   int64 `json:"closingHeldCents"`
	OpenHoldCount      int   `json:"openHoldCount"`
}

// MonthlyStatement is the MonthlyCloseStatement.v1 payload.
type MonthlyStatement struct {
	Month    string `json:"month"`
	Basis    string `json:"basis"`
	Currency string `json:"currency"`

	JobsSettled         int   `json:"jobsSettled"`
	ReleasedAmountCents int64 `json:"releasedAmountCents"`
	RefundedAmountCents int64 `json:"refundedAmountCents"`
	OperatorCostCents   int64 `json:"operatorCostCents"`
	SLACreditCents      int64 `json:"slaCreditCents"`
	ClaimsPaidCents     int64 `json:"claimsPaidCents"`
	NetAmountCents      int64 `json:"netAmountCents"`

	Rollforward Rollforward `json:"rollforward"`

	GeneratedAt string `json:"generatedAt"`
}

// BuildMonthlyStatement aggregates the period's settlement lines and hold
// movements. Lines outside the period are ignored so callers can pass an
// unfiltered dump. Mixed currencies are an error; a single-currency book
// per tenant is a close precondition.
func BuildMonthlyStatement(month, basis string, lines []SettlementLine, holds []HoldRecord, generatedAt string) (*MonthlyStatement, error) {
	p, err := MonthPeriod(month)
	if err != nil {
		return nil, err
	}

	st := &MonthlyStatement{Month: month, Basis: basis, GeneratedAt: generatedAt}
	for _, l := range lines {
		if !p.Contains(l.SettledAt) {
			continue
		}
		if st.Currency == "" {
			st.Currency = l.Currency
		} else if l.Currency != st.Currency {
			return nil, fmt.Errorf("mixed currencies in %s: %s and %s", month, st.Currency, l.Currency)
		}
		st.JobsSettled++
		st.ReleasedAmountCents += l.ReleasedAmountCents
		st.RefundedAmountCents += l.RefundedAmountCents
		st.OperatorCostCents += l.OperatorCostCents
		st.SLACreditCents += l.SLACreditCents
		st.ClaimsPaidCents += l.ClaimsPaidCents
	}
	st.NetAmountCents = st.ReleasedAmountCents - st.OperatorCostCents - st.SLACreditCents - st.ClaimsPaidCents

	rf, err := buildRollforward(p, holds)
	if err != nil {
		return nil, err
	}
	st.Rollforward = rf
	return st, nil
}

func buildRollforward(p Period, holds []HoldRecord) (Rollforward, error) {
	var rf Rollforward
	var closingCheck int64
	for _, h := range holds {
		if h.HeldAt == "" {
			return Rollforward{}, fmt.Errorf("hold %s has no heldAt", h.HoldID)
		}
		done := h.settledAt()
		openAtStart := h.Before(p.StartAt) && (done == "" || done >= p.StartAt)
		if openAtStart {
			rf.OpeningHeldCents += h.AmountCents
		}
		if p.Contains(h.HeldAt) {
			rf.NewHeldCents += h.AmountCents
		}
		if h.ReleasedAt != "" && p.Contains(h.ReleasedAt) {
			rf.ReleasedHeldCents += h.AmountCents
		}
		if h.ForfeitedAt != "" && p.Contains(h.ForfeitedAt) {
			rf.ForfeitedHeldCents += h.AmountCents
		}
		if h.OpenDuring(p) {
			closingCheck += h.AmountCents
			rf.OpenHoldCount++
		}
	}
	rf.ClosingHeldCents = rf.OpeningHeldCents + rf.NewHeldCents - rf.ReleasedHeldCents - rf.ForfeitedHeldCents
	if rf.ClosingHeldCents != closingCheck {
		return Rollforward{}, fmt.Errorf("rollforward does not reconcile: movement says %d, open holds say %d",
			rf.ClosingHeldCents, closingCheck)
	}
	return rf, nil
}

// HoldGate is the month-close decision for one hold policy.
type HoldGate struct {
	Policy        string   `json:"policy"`
	BlockingHolds []string `json:"blockingHolds,omitempty"`
	Disclosures   []string `json:"disclosures,omitempty"`
}

// Blocked reports whether the close must fail.
func (g HoldGate) Blocked() bool { return len(g.BlockingHolds) > 0 }

// EvaluateHoldGate applies the tenant's hold policy to the period's open
// holds. allow_with_disclosure never blocks but discloses every open
// hold; the block policies differ on whether pre-period holds count.
func EvaluateHoldGate(policy, month string, holds []HoldRecord) (HoldGate, error) {
	p, err := MonthPeriod(month)
	if err != nil {
		return HoldGate{}, err
	}
	g := HoldGate{Policy: policy}

	var open []HoldRecord
	for _, h := range holds {
		if h.OpenDuring(p) {
			open = append(open, h)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].HoldID < open[j].HoldID })

	switch policy {
	case domain.HoldPolicyBlockAnyOpen:
		for _, h := range open {
			g.BlockingHolds = append(g.BlockingHolds, h.HoldID)
		}
	case domain.HoldPolicyBlockOriginated:
		for _, h := range open {
			if p.Contains(h.HeldAt) {
				g.BlockingHolds = append(g.BlockingHolds, h.HoldID)
			}
		}
	case domain.HoldPolicyAllowWithDisclose:
		for _, h := range open {
			g.Disclosures = append(g.Disclosures,
				fmt.Sprintf("hold %s on job %s open: %s", h.HoldID, h.JobID, NewMoney(h.AmountCents, h.Currency)))
		}
	default:
		return HoldGate{}, fmt.Errorf("unknown hold policy %q", policy)
	}
	return g, nil
}
