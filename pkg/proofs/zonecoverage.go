package proofs

import (
	"fmt"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
)

// ProofVersionZoneCoverageV1 names the only verifier currently shipped.
const ProofVersionZoneCoverageV1 = "zone_coverage_proof.v1"

// DefaultMinCoveragePct applies when the booking policy carries no coverage
// threshold of its own.
const DefaultMinCoveragePct = 85.0

// Reason codes attached to insufficient verdicts.
const (
	ReasonNoCoverageReports     = "NO_COVERAGE_REPORTS"
	ReasonCoverageBelowMin      = "COVERAGE_BELOW_THRESHOLD"
	ReasonZoneMismatch          = "COVERAGE_ZONE_MISMATCH"
	ReasonAllEvidenceExpired    = "ALL_EVIDENCE_EXPIRED"
	ReasonCoverageNonMonotonic  = "COVERAGE_SEQ_NON_MONOTONIC"
	ReasonCoverageCellsConflict = "COVERAGE_CELLS_CONFLICT"
)

// Evaluation is the outcome of one verifier run. Its fields map one to one
// onto the PROOF_EVALUATED payload.
type Evaluation struct {
	ProofVersion         string   `json:"proofVersion"`
	EvaluatedAtChainHash string   `json:"evaluatedAtChainHash"`
	CustomerPolicyHash   string   `json:"customerPolicyHash"`
	OperatorPolicyHash   string   `json:"operatorPolicyHash,omitempty"`
	FactsHash            string   `json:"factsHash"`
	CoveragePct          float64  `json:"coveragePct"`
	Verdict              string   `json:"verdict"`
	Reasons              []string `json:"reasons,omitempty"`
}

// Payload converts the evaluation into the event payload the proof worker
// appends.
func (ev *Evaluation) Payload() domain.ProofEvaluatedPayload {
	return domain.ProofEvaluatedPayload{
		ProofVersion:         ev.ProofVersion,
		EvaluatedAtChainHash: ev.EvaluatedAtChainHash,
		CustomerPolicyHash:   ev.CustomerPolicyHash,
		OperatorPolicyHash:   ev.OperatorPolicyHash,
		FactsHash:            ev.FactsHash,
		Verdict:              ev.Verdict,
		CoveragePct:          ev.CoveragePct,
	}
}

func (ev *Evaluation) insufficient(reason string) {
	ev.Verdict = domain.ProofVerdictInsufficient
	ev.Reasons = append(ev.Reasons, reason)
}

// VerifyZoneCoverageProofV1 recomputes the facts for a completed job and
// judges whether the coverage reports support settlement. The anchor must be
// the job's completion chain hash; the policy hashes are echoed into the
// evaluation so the settlement validator can pin freshness.
func VerifyZoneCoverageProofV1(job *domain.Job, evs []events.Event, anchorChainHash, customerPolicyHash, operatorPolicyHash string, minCoveragePct float64) (*Evaluation, error) {
	if job == nil {
		return nil, fmt.Errorf("proofs: nil job")
	}
	if job.CompletionChainHash == "" {
		return nil, fmt.Errorf("proofs: job %s has no completion anchor", job.ID)
	}
	if anchorChainHash != job.CompletionChainHash {
		return nil, fmt.Errorf("proofs: anchor %s does not match completion %s", anchorChainHash, job.CompletionChainHash)
	}
	if minCoveragePct <= 0 {
		minCoveragePct = DefaultMinCoveragePct
	}

	facts, err := BuildFacts(evs, anchorChainHash)
	if err != nil {
		return nil, err
	}
	factsHash, err := facts.Hash()
	if err != nil {
		return nil, err
	}

	ev := &Evaluation{
		ProofVersion:         ProofVersionZoneCoverageV1,
		EvaluatedAtChainHash: anchorChainHash,
		CustomerPolicyHash:   customerPolicyHash,
		OperatorPolicyHash:   operatorPolicyHash,
		FactsHash:            factsHash,
		Verdict:              domain.ProofVerdictSufficient,
	}

	inZone := coverageForZone(facts.Coverage, job.Zone)
	if len(inZone) == 0 {
		if len(facts.Coverage) > 0 {
			ev.insufficient(ReasonZoneMismatch)
		} else {
			ev.insufficient(ReasonNoCoverageReports)
		}
		return ev, nil
	}

	latest := inZone[0]
	lastSeq := int64(-1)
	for _, c := range inZone {
		if c.Seq <= lastSeq {
			ev.insufficient(ReasonCoverageNonMonotonic)
			return ev, nil
		}
		lastSeq = c.Seq
		if c.CellsTotal != latest.CellsTotal {
			ev.insufficient(ReasonCoverageCellsConflict)
			return ev, nil
		}
		if c.Seq >= latest.Seq {
			latest = c
		}
	}
	ev.CoveragePct = latest.CoveragePct

	if ev.CoveragePct < minCoveragePct {
		ev.insufficient(ReasonCoverageBelowMin)
	}
	if len(facts.Evidence) > 0 && allExpired(facts.Evidence) {
		ev.insufficient(ReasonAllEvidenceExpired)
	}
	return ev, nil
}

func coverageForZone(coverage []CoverageFact, zone string) []CoverageFact {
	if zone == "" {
		return coverage
	}
	var out []CoverageFact
	for _, c := range coverage {
		if c.ZoneID == zone {
			out = append(out, c)
		}
	}
	return out
}

func allExpired(evidence []EvidenceFact) bool {
	for _, e := range evidence {
		if !e.Expired {
			return false
		}
	}
	return true
}
