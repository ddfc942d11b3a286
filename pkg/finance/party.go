package finance

import (
	"fmt"
	"sort"
)

// Party roles on a statement.
const (
	RoleProvider  = "provider"
	RoleOperator  = "operator"
	RoleRequester = "requester"
)

// Statement line kinds. Each kind maps to one GL posting pair.
const (
	LineEscrowRelease = "escrow_release"
	LineRefund        = "refund"
	LineOperatorCost  = "operator_cost"
	LineSLACredit     = "sla_credit"
	LineClaimPaid     = "claim_paid"
)

// PartyLine is one amount owed to a party for one job.
type PartyLine struct {
	JobID       string `json:"jobId"`
	Kind        string `json:"kind"`
	AmountCents int64  `json:"amountCents"`
}

// PayoutInstruction tells the payment rail what to move. Reference is
// stable per party and month so reruns do not double-pay.
type PayoutInstruction struct {
	Method      string `json:"method"`
	Reference   string `json:"reference"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

// PartyStatement is one party's month of owed amounts.
type PartyStatement struct {
	PartyID  string `json:"partyId"`
	Role     string `json:"role"`
	Month    string `json:"month"`
	Basis    string `json:"basis"`
	Currency string `json:"currency"`

	Lines      []PartyLine `json:"lines"`
	TotalCents int64       `json:"totalCents"`

	Payout *PayoutInstruction `json:"payout,omitempty"`
}

// BuildPartyStatements groups the period's settlement lines into per-party
// statements: providers receive escrow releases, operators their costs,
// requesters refunds plus SLA credits plus paid claims. Output order is
// (role, partyId) so reruns byte-match.
func BuildPartyStatements(month, basis string, lines []SettlementLine) ([]PartyStatement, error) {
	p, err := MonthPeriod(month)
	if err != nil {
		return nil, err
	}

	type key struct{ role, party string }
	byParty := map[key]*PartyStatement{}
	add := func(role, party, jobID, kind, currency string, cents int64) error {
		if cents == 0 || party == "" {
			return nil
		}
		k := key{role, party}
		st := byParty[k]
		if st == nil {
			st = &PartyStatement{PartyID: party, Role: role, Month: month, Basis: basis, Currency: currency}
			byParty[k] = st
		}
		if st.Currency != currency {
			return fmt.Errorf("party %s: mixed currencies %s and %s", party, st.Currency, currency)
		}
		st.Lines = append(st.Lines, PartyLine{JobID: jobID, Kind: kind, AmountCents: cents})
		st.TotalCents += cents
		return nil
	}

	for _, l := range lines {
		if !p.Contains(l.SettledAt) {
			continue
		}
		provider := l.RobotID
		if provider == "" {
			provider = l.OperatorID
		}
		if err := add(RoleProvider, provider, l.JobID, LineEscrowRelease, l.Currency, l.ReleasedAmountCents); err != nil {
			return nil, err
		}
		if err := add(RoleOperator, l.OperatorID, l.JobID, LineOperatorCost, l.Currency, l.OperatorCostCents); err != nil {
			return nil, err
		}
		if err := add(RoleRequester, l.RequesterID, l.JobID, LineRefund, l.Currency, l.RefundedAmountCents); err != nil {
			return nil, err
		}
		if err := add(RoleRequester, l.RequesterID, l.JobID, LineSLACredit, l.Currency, l.SLACreditCents); err != nil {
			return nil, err
		}
		if err := add(RoleRequester, l.RequesterID, l.JobID, LineClaimPaid, l.Currency, l.ClaimsPaidCents); err != nil {
			return nil, err
		}
	}

	out := make([]PartyStatement, 0, len(byParty))
	for _, st := range byParty {
		sort.Slice(st.Lines, func(i, j int) bool {
			if st.Lines[i].JobID != st.Lines[j].JobID {
				return st.Lines[i].JobID < st.Lines[j].JobID
			}
			return st.Lines[i].Kind < st.Lines[j].Kind
		})
		if st.TotalCents > 0 {
			st.Payout = &PayoutInstruction{
				Method:      "ledger_transfer",
				Reference:   fmt.Sprintf("payout_%s_%s_%s_%s", month, basis, st.Role, st.PartyID),
				AmountCents: st.TotalCents,
				Currency:    st.Currency,
			}
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].PartyID < out[j].PartyID
	})
	return out, nil
}
