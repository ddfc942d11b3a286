package contracts

import (
	"encoding/json"
	"fmt"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/escrow"
)

// CompilerID names the compiler build that produced a policy template.
// Bump the suffix whenever compilation output changes for the same input.
const CompilerID = "settld-policy-compiler/v1"

// Guard is a named CEL constraint evaluated over {run, verification}
// facts at settlement time.
type Guard struct {
	GuardID string `json:"guardId"`
	Expr    string `json:"expr"`
}

// Document is the parsed shape of a contract document. Unknown fields are
// preserved in the stored canonical bytes but do not affect compilation.
type Document struct {
	Title          string                   `json:"title,omitempty"`
	Parties        []Party                  `json:"parties,omitempty"`
	Settlement     *escrow.SettlementPolicy `json:"settlement,omitempty"`
	Milestones     []escrow.Milestone       `json:"milestones,omitempty"`
	KillFeeRatePct int                      `json:"killFeeRatePct,omitempty"`
	Guards         []Guard                  `json:"guards,omitempty"`
}

// PolicyTemplate is the compiled settlement policy a booking snapshots.
type PolicyTemplate struct {
	Settlement     escrow.SettlementPolicy `json:"settlement"`
	Milestones     []escrow.Milestone      `json:"milestones,omitempty"`
	KillFeeRatePct int                     `json:"killFeeRatePct,omitempty"`
	Guards         []Guard                 `json:"guards,omitempty"`
	CompilerID     string                  `json:"compilerId"`
}

// Compiler turns contract documents into policy templates. Guard and gate
// expressions are CEL-checked at compile time so activation fails fast
// instead of settlement failing later.
type Compiler struct {
	gates *escrow.GateEvaluator
}

// NewCompiler builds a compiler with a fresh gate environment.
func NewCompiler() (*Compiler, error) {
	gates, err := escrow.NewGateEvaluator()
	if err != nil {
		return nil, err
	}
	return &Compiler{gates: gates}, nil
}

// Compile parses, validates, and normalizes a contract document. It
// returns the template and its policy hash, which is stable across
// recompilation of the same document by the same compiler.
func (c *Compiler) Compile(doc json.RawMessage) (*PolicyTemplate, string, error) {
	var d Document
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, "", fmt.Errorf("parse document: %w", err)
	}

	settlement := escrow.DefaultSettlementPolicy()
	if d.Settlement != nil {
		settlement = *d.Settlement
	}
	for _, rate := range []int{settlement.GreenReleaseRatePct, settlement.AmberReleaseRatePct, settlement.RedReleaseRatePct} {
		if rate < 0 || rate > 100 {
			return nil, "", fmt.Errorf("release rate %d outside [0, 100]", rate)
		}
	}
	if settlement.DisputeWindowDays < 0 {
		return nil, "", fmt.Errorf("dispute window %d days is negative", settlement.DisputeWindowDays)
	}

	if err := escrow.ValidateMilestones(d.Milestones); err != nil {
		return nil, "", err
	}
	for _, m := range d.Milestones {
		if m.Gate == "" {
			continue
		}
		if err := c.gates.Check(m.Gate); err != nil {
			return nil, "", fmt.Errorf("milestone %s: %w", m.MilestoneID, err)
		}
	}

	if d.KillFeeRatePct < 0 || d.KillFeeRatePct > 100 {
		return nil, "", fmt.Errorf("kill fee rate %d outside [0, 100]", d.KillFeeRatePct)
	}

	seen := map[string]bool{}
	for _, g := range d.Guards {
		if g.GuardID == "" {
			return nil, "", fmt.Errorf("guard without id")
		}
		if seen[g.GuardID] {
			return nil, "", fmt.Errorf("duplicate guard id %s", g.GuardID)
		}
		seen[g.GuardID] = true
		if g.Expr == "" {
			return nil, "", fmt.Errorf("guard %s has no expression", g.GuardID)
		}
		if err := c.gates.Check(g.Expr); err != nil {
			return nil, "", fmt.Errorf("guard %s: %w", g.GuardID, err)
		}
	}

	tpl := &PolicyTemplate{
		Settlement:     settlement,
		Milestones:     d.Milestones,
		KillFeeRatePct: d.KillFeeRatePct,
		Guards:         d.Guards,
		CompilerID:     CompilerID,
	}
	hash, err := canonicalize.CanonicalHash(tpl)
	if err != nil {
		return nil, "", fmt.Errorf("hash template: %w", err)
	}
	return tpl, hash, nil
}

// EvaluateGuards runs every guard over the run and verification facts.
// The first failing guard is returned; compile-checked guards only fail
// here on genuinely false conditions or non-boolean results.
func (c *Compiler) EvaluateGuards(guards []Guard, run, verification map[string]any) (string, error) {
	for _, g := range guards {
		pass, err := c.gates.Eval(g.Expr, run, verification)
		if err != nil {
			return g.GuardID, fmt.Errorf("guard %s: %w", g.GuardID, err)
		}
		if !pass {
			return g.GuardID, nil
		}
	}
	return "", nil
}
