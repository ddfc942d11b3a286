package contracts

import (
	"time"

	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/events"
)

// PolicySnapshot is the policy a booking captured from the then-active
// contract. It is copied, not referenced: later contract versions,
// retirement, or recompilation never reach back into a booked job.
type PolicySnapshot struct {
	ContractID   string         `json:"contractId"`
	ContractHash string         `json:"contractHash"`
	PolicyHash   string         `json:"policyHash"`
	CompilerID   string         `json:"compilerId"`
	Template     PolicyTemplate `json:"template"`
	TakenAt      string         `json:"takenAt"`
}

// Snapshot captures the active contract's policy for a booking.
func (c *Contract) Snapshot(at time.Time) (*PolicySnapshot, error) {
	if c.Status != StatusActive {
		return nil, lifecycleErr(CodeStateInvalid, "contract %s is %s, only active contracts snapshot", c.ContractID, c.Status)
	}
	return &PolicySnapshot{
		ContractID:   c.ContractID,
		ContractHash: c.ContractHash,
		PolicyHash:   c.PolicyHash,
		CompilerID:   c.CompilerID,
		Template:     c.Policy.clone(),
		TakenAt:      events.FormatTime(at),
	}, nil
}

// clone deep-copies the template so snapshot holders cannot alias the
// contract's slices.
func (t *PolicyTemplate) clone() PolicyTemplate {
	out := *t
	if t.Milestones != nil {
		out.Milestones = append([]escrow.Milestone(nil), t.Milestones...)
	}
	if t.Guards != nil {
		out.Guards = append([]Guard(nil), t.Guards...)
	}
	if t.Settlement.AutoResolveMethods != nil {
		out.Settlement.AutoResolveMethods = append([]string(nil), t.Settlement.AutoResolveMethods...)
	}
	return out
}
