package finance

import (
	"fmt"
	"sort"
)

// GL account roles the batch posts to. Tenants map each role to their own
// chart of accounts; an unmapped role either fails the close (strict) or
// skips the posting pair with a warning (warn).
const (
	AccountEscrowLiability  = "escrow_liability"
	AccountProviderPayable  = "provider_payable"
	AccountRequesterPayable = "requester_payable"
	AccountOperatorExpense  = "operator_expense"
	AccountOperatorPayable  = "operator_payable"
	AccountSLAExpense       = "sla_expense"
	AccountClaimsExpense    = "claims_expense"
)

// Account-map gate modes.
const (
	GateStrict = "strict"
	GateWarn   = "warn"
)

// AccountMap maps account roles to tenant GL codes.
type AccountMap map[string]string

// MissingAccountError reports an unmapped role under the strict gate.
type MissingAccountError struct {
	Role string
}

func (e *MissingAccountError) Error() string {
	return fmt.Sprintf("no GL account mapped for %s", e.Role)
}

// GLEntry is one journal line. Exactly one of debit/credit is nonzero.
type GLEntry struct {
	EntryID     string `json:"entryId"`
	Account     string `json:"account"`
	DebitCents  int64  `json:"debitCents"`
	CreditCents int64  `json:"creditCents"`
	Currency    string `json:"currency"`
	JobID       string `json:"jobId,omitempty"`
	Memo        string `json:"memo,omitempty"`
}

// GLBatch is the GLBatch.v1 payload: the month's postings, balanced.
type GLBatch struct {
	BatchID  string    `json:"batchId"`
	Month    string    `json:"month"`
	Basis    string    `json:"basis"`
	Currency string    `json:"currency,omitempty"`
	Entries  []GLEntry `json:"entries"`
	Warnings []string  `json:"warnings,omitempty"`
}

// Balanced reports whether debits equal credits.
func (b *GLBatch) Balanced() bool {
	var debit, credit int64
	for _, e := range b.Entries {
		debit += e.DebitCents
		credit += e.CreditCents
	}
	return debit == credit
}

// posting is one debit/credit pair derived from a settlement line amount.
type posting struct {
	debitRole  string
	creditRole string
	cents      int64
	jobID      string
	memo       string
}

func linePostings(l SettlementLine) []posting {
	var out []posting
	if l.ReleasedAmountCents > 0 {
		out = append(out, posting{AccountEscrowLiability, AccountProviderPayable, l.ReleasedAmountCents, l.JobID, LineEscrowRelease})
	}
	if l.RefundedAmountCents > 0 {
		out = append(out, posting{AccountEscrowLiability, AccountRequesterPayable, l.RefundedAmountCents, l.JobID, LineRefund})
	}
	if l.OperatorCostCents > 0 {
		out = append(out, posting{AccountOperatorExpense, AccountOperatorPayable, l.OperatorCostCents, l.JobID, LineOperatorCost})
	}
	if l.SLACreditCents > 0 {
		out = append(out, posting{AccountSLAExpense, AccountRequesterPayable, l.SLACreditCents, l.JobID, LineSLACredit})
	}
	if l.ClaimsPaidCents > 0 {
		out = append(out, posting{AccountClaimsExpense, AccountRequesterPayable, l.ClaimsPaidCents, l.JobID, LineClaimPaid})
	}
	return out
}

// BuildGLBatch turns the period's settlement lines into a balanced journal
// batch. Postings always land in debit/credit pairs, so skipping an
// unmapped pair under the warn gate keeps the batch balanced. Entry ids
// are deterministic per (month, basis, position).
func BuildGLBatch(month, basis string, lines []SettlementLine, accounts AccountMap, gateMode string) (*GLBatch, error) {
	if gateMode != GateStrict && gateMode != GateWarn {
		return nil, fmt.Errorf("unknown account-map gate mode %q", gateMode)
	}
	p, err := MonthPeriod(month)
	if err != nil {
		return nil, err
	}

	batch := &GLBatch{
		BatchID: fmt.Sprintf("glb_%s_%s", month, basis),
		Month:   month,
		Basis:   basis,
	}

	inPeriod := make([]SettlementLine, 0, len(lines))
	for _, l := range lines {
		if p.Contains(l.SettledAt) {
			inPeriod = append(inPeriod, l)
		}
	}
	sort.Slice(inPeriod, func(i, j int) bool { return inPeriod[i].JobID < inPeriod[j].JobID })

	warned := map[string]bool{}
	seq := 0
	for _, l := range inPeriod {
		if batch.Currency == "" {
			batch.Currency = l.Currency
		} else if l.Currency != batch.Currency {
			return nil, fmt.Errorf("mixed currencies in %s: %s and %s", month, batch.Currency, l.Currency)
		}
		for _, post := range linePostings(l) {
			debitAcct, debitOK := accounts[post.debitRole]
			creditAcct, creditOK := accounts[post.creditRole]
			if !debitOK || !creditOK {
				missing := post.debitRole
				if debitOK {
					missing = post.creditRole
				}
				if gateMode == GateStrict {
					return nil, &MissingAccountError{Role: missing}
				}
				if !warned[missing] {
					warned[missing] = true
					batch.Warnings = append(batch.Warnings, fmt.Sprintf("no GL account mapped for %s, postings skipped", missing))
				}
				continue
			}
			seq++
			batch.Entries = append(batch.Entries,
				GLEntry{
					EntryID:    fmt.Sprintf("%s_%04d", batch.BatchID, seq),
					Account:    debitAcct,
					DebitCents: post.cents,
					Currency:   l.Currency,
					JobID:      post.jobID,
					Memo:       post.memo,
				})
			seq++
			batch.Entries = append(batch.Entries,
				GLEntry{
					EntryID:     fmt.Sprintf("%s_%04d", batch.BatchID, seq),
					Account:     creditAcct,
					CreditCents: post.cents,
					Currency:    l.Currency,
					JobID:       post.jobID,
					Memo:        post.memo,
				})
		}
	}

	if !batch.Balanced() {
		return nil, fmt.Errorf("batch %s does not balance", batch.BatchID)
	}
	return batch, nil
}
