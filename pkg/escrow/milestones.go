package escrow

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Milestone is one slice of an agreement's release schedule. Its rate
// contributes to the release cap only when the milestone is completed and
// its gate expression (if any) evaluates true over the verification facts.
type Milestone struct {
	MilestoneID    string `json:"milestoneId"`
	Title          string `json:"title,omitempty"`
	ReleaseRatePct int    `json:"releaseRatePct"`
	// Gate is a CEL expression over {run, verification}. Empty = no gate.
	Gate string `json:"gate,omitempty"`
}

// Agreement carries the negotiated terms attached to a run: the milestone
// schedule and the cancellation kill fee.
type Agreement struct {
	AgreementID    string      `json:"agreementId"`
	Milestones     []Milestone `json:"milestones,omitempty"`
	KillFeeRatePct int         `json:"killFeeRatePct,omitempty"`
	// CompletedMilestoneIDs is maintained from run events.
	CompletedMilestoneIDs []string `json:"completedMilestoneIds,omitempty"`
}

// ValidateMilestones rejects schedules that do not sum to exactly 100.
func ValidateMilestones(ms []Milestone) error {
	if len(ms) == 0 {
		return nil
	}
	sum := 0
	seen := map[string]bool{}
	for _, m := range ms {
		if m.MilestoneID == "" {
			return fmt.Errorf("milestone without id")
		}
		if seen[m.MilestoneID] {
			return fmt.Errorf("duplicate milestone id %s", m.MilestoneID)
		}
		seen[m.MilestoneID] = true
		if m.ReleaseRatePct <= 0 || m.ReleaseRatePct > 100 {
			return fmt.Errorf("milestone %s rate %d out of range", m.MilestoneID, m.ReleaseRatePct)
		}
		sum += m.ReleaseRatePct
	}
	if sum != 100 {
		return fmt.Errorf("milestone rates sum to %d, want 100", sum)
	}
	return nil
}

// GateEvaluator compiles and caches milestone gate expressions. The CEL
// environment exposes the run and the verification facts; programs are
// cached by expression text.
type GateEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewGateEvaluator builds the shared CEL environment for milestone gates.
func NewGateEvaluator() (*GateEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("run", cel.DynType),
		cel.Variable("verification", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("milestone gate env: %w", err)
	}
	return &GateEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

func (g *GateEvaluator) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, ok := g.cache[expr]
	g.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("milestone gate compile: %w", issues.Err())
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("milestone gate program: %w", err)
	}

	g.mu.Lock()
	g.cache[expr] = prg
	g.mu.Unlock()
	return prg, nil
}

// Check compiles an expression without evaluating it, for validating
// gates at contract-compile time. Checked programs stay cached.
func (g *GateEvaluator) Check(expr string) error {
	_, err := g.program(expr)
	return err
}

// Eval runs one gate expression. A gate that evaluates to a non-boolean is
// an error, not a pass.
func (g *GateEvaluator) Eval(expr string, run, verification map[string]any) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"run": run, "verification": verification})
	if err != nil {
		return false, fmt.Errorf("milestone gate eval: %w", err)
	}
	pass, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("milestone gate returned %T, want bool", out.Value())
	}
	return pass, nil
}

// RunFacts is the minimal run view milestone gates evaluate over.
type RunFacts struct {
	RunID              string `json:"runId"`
	Status             string `json:"status"`
	AmountCents        int64  `json:"amountCents"`
	VerificationMethod string `json:"verificationMethod"`
	VerificationStatus string `json:"verificationStatus"`
}

func (r RunFacts) asMap() map[string]any {
	return map[string]any{
		"runId":              r.RunID,
		"status":             r.Status,
		"amountCents":        r.AmountCents,
		"verificationMethod": r.VerificationMethod,
		"verificationStatus": r.VerificationStatus,
	}
}

// ApplyMilestoneRelease caps a policy decision's release rate at the sum of
// the applicable milestones: those completed whose gates pass. An agreement
// without milestones leaves the decision untouched. The recomputed split
// keeps release + refund equal to the original total.
func ApplyMilestoneRelease(decision PolicyDecision, agreement *Agreement, run RunFacts, verification map[string]any, gates *GateEvaluator) (PolicyDecision, error) {
	if agreement == nil || len(agreement.Milestones) == 0 {
		return decision, nil
	}
	if err := ValidateMilestones(agreement.Milestones); err != nil {
		return PolicyDecision{}, err
	}

	completed := map[string]bool{}
	for _, id := range agreement.CompletedMilestoneIDs {
		completed[id] = true
	}

	applicable := 0
	for _, m := range agreement.Milestones {
		if !completed[m.MilestoneID] {
			continue
		}
		if m.Gate != "" {
			if gates == nil {
				return PolicyDecision{}, fmt.Errorf("milestone %s has a gate but no evaluator provided", m.MilestoneID)
			}
			pass, err := gates.Eval(m.Gate, run.asMap(), verification)
			if err != nil {
				return PolicyDecision{}, err
			}
			if !pass {
				continue
			}
		}
		applicable += m.ReleaseRatePct
	}

	if applicable >= decision.ReleaseRatePct {
		return decision, nil
	}

	total := decision.ReleaseAmountCents + decision.RefundAmountCents
	capped := decision
	capped.ReleaseRatePct = applicable
	capped.ReleaseAmountCents, capped.RefundAmountCents = SplitByRate(total, applicable)
	capped.ReasonCodes = append(append([]string{}, decision.ReasonCodes...), ReasonMilestoneCap)
	if capped.ReleaseAmountCents == 0 {
		capped.SettlementStatus = SettlementRefunded
	}
	return capped, nil
}
