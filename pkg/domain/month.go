package domain

import (
	"fmt"
	"regexp"

	"github.com/settld-labs/settld/pkg/events"
)

// Accounting bases.
const (
	BasisAccrual = "accrual"
	BasisCash    = "cash"
)

// Month close hold policies.
const (
	HoldPolicyBlockAnyOpen      = "block_any_open_holds"
	HoldPolicyBlockOriginated   = "block_holds_originated_in_period"
	HoldPolicyAllowWithDisclose = "allow_with_disclosure"
)

var monthRe = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// ValidMonth reports whether s is a YYYY-MM month key.
func ValidMonth(s string) bool { return monthRe.MatchString(s) }

// MonthStreamID builds the stream id month:{YYYY-MM}:{basis}.
func MonthStreamID(month, basis string) string {
	return events.StreamID(AggregateMonth, month+":"+basis)
}

// MonthClose is the reduced view of a month stream. A month alternates
// between open and closed; every close carries the statement it published.
type MonthClose struct {
	Month  string `json:"month"`
	Basis  string `json:"basis"`
	Closed bool   `json:"closed"`

	ClosedAt            string   `json:"closedAt,omitempty"`
	HoldPolicy          string   `json:"holdPolicy,omitempty"`
	StatementArtifactID string   `json:"statementArtifactId,omitempty"`
	StatementHash       string   `json:"statementHash,omitempty"`
	ProofRoot           string   `json:"proofRoot,omitempty"`
	Disclosures         []string `json:"disclosures,omitempty"`
	ReopenCount         int      `json:"reopenCount,omitempty"`
	ReopenedAt          string   `json:"reopenedAt,omitempty"`

	Version       int    `json:"version"`
	HeadChainHash string `json:"headChainHash,omitempty"`
}

// ReduceMonthClose folds a month stream.
func ReduceMonthClose(evs []events.Event) (*MonthClose, error) {
	m := &MonthClose{}
	for i := range evs {
		if err := m.apply(evs[i]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MonthClose) apply(e events.Event) error {
	illegal := func(detail string) error {
		return &TransitionError{Aggregate: AggregateMonth, From: fmt.Sprintf("closed=%v", m.Closed), EventType: e.Type, Detail: detail}
	}

	switch e.Type {
	case EvMonthClosed:
		if m.Closed {
			return illegal("month already closed")
		}
		var p MonthClosedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if !ValidMonth(p.Month) {
			return illegal("invalid month key " + p.Month)
		}
		if p.Basis != BasisAccrual && p.Basis != BasisCash {
			return illegal("invalid basis " + p.Basis)
		}
		if m.Version > 0 && (p.Month != m.Month || p.Basis != m.Basis) {
			return illegal("month/basis changed across close")
		}
		m.Month = p.Month
		m.Basis = p.Basis
		m.Closed = true
		m.ClosedAt = e.At
		m.HoldPolicy = p.HoldPolicy
		m.StatementArtifactID = p.StatementArtifactID
		m.StatementHash = p.StatementHash
		m.ProofRoot = p.ProofRoot
		m.Disclosures = p.Disclosures

	case EvMonthCloseReopened:
		if !m.Closed {
			return illegal("month not closed")
		}
		var p MonthReopenedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if p.Reason == "" {
			return illegal("reopen requires a reason")
		}
		m.Closed = false
		m.ReopenCount++
		m.ReopenedAt = e.At

	default:
		return illegal("unknown event type")
	}

	m.Version++
	m.HeadChainHash = e.ChainHash
	return nil
}
