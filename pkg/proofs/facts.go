// Package proofs recomputes verification facts from job streams and runs the
// zone-coverage verifier that gates settlement. Everything here is
// deterministic: any party holding the stream can reproduce the facts hash
// and the verdict bit for bit.
package proofs

import (
	"fmt"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
)

// Facts is the canonical verification view of one job stream, anchored at
// the completion event. Its hash is what PROOF_EVALUATED freshness is
// checked against, so the field set and ordering must stay stable.
type Facts struct {
	AnchorChainHash string         `json:"anchorChainHash"`
	Coverage        []CoverageFact `json:"coverage,omitempty"`
	Evidence        []EvidenceFact `json:"evidence,omitempty"`
}

// CoverageFact is one ZONE_COVERAGE_REPORTED observation.
type CoverageFact struct {
	EventID      string  `json:"eventId"`
	ZoneID       string  `json:"zoneId"`
	Seq          int64   `json:"seq"`
	CellsCovered int64   `json:"cellsCovered"`
	CellsTotal   int64   `json:"cellsTotal"`
	CoveragePct  float64 `json:"coveragePct"`
	ReportedAt   string  `json:"reportedAt"`
}

// EvidenceFact is one captured evidence record, with its expiry state. The
// content hash stands in for the object; the object store is not consulted.
type EvidenceFact struct {
	EvidenceID  string `json:"evidenceId"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	Sha256      string `json:"sha256"`
	Expired     bool   `json:"expired"`
}

// BuildFacts folds the facts-bearing events out of a job stream. Events are
// taken in stream order, so two holders of the same stream always build the
// same Facts value. The anchor must appear in the stream.
func BuildFacts(evs []events.Event, anchorChainHash string) (*Facts, error) {
	if anchorChainHash == "" {
		return nil, fmt.Errorf("proofs: empty anchor chain hash")
	}
	anchored := false
	f := &Facts{AnchorChainHash: anchorChainHash}
	expired := map[string]bool{}

	for i := range evs {
		e := &evs[i]
		if e.ChainHash == anchorChainHash {
			anchored = true
		}
		switch e.Type {
		case domain.EvZoneCoverage:
			var p domain.ZoneCoveragePayload
			if err := e.DecodePayload(&p); err != nil {
				return nil, fmt.Errorf("proofs: decode %s: %w", e.ID, err)
			}
			f.Coverage = append(f.Coverage, CoverageFact{
				EventID:      e.ID,
				ZoneID:       p.ZoneID,
				Seq:          p.Seq,
				CellsCovered: p.CellsCovered,
				CellsTotal:   p.CellsTotal,
				CoveragePct:  p.CoveragePct,
				ReportedAt:   p.ReportedAt,
			})
		case domain.EvEvidenceCaptured:
			var p domain.EvidenceCapturedPayload
			if err := e.DecodePayload(&p); err != nil {
				return nil, fmt.Errorf("proofs: decode %s: %w", e.ID, err)
			}
			f.Evidence = append(f.Evidence, EvidenceFact{
				EvidenceID:  p.EvidenceID,
				ContentType: p.ContentType,
				SizeBytes:   p.SizeBytes,
				Sha256:      p.Sha256,
			})
		case domain.EvEvidenceExpired:
			var p domain.EvidenceExpiredPayload
			if err := e.DecodePayload(&p); err != nil {
				return nil, fmt.Errorf("proofs: decode %s: %w", e.ID, err)
			}
			expired[p.EvidenceID] = true
		}
	}
	if !anchored {
		return nil, fmt.Errorf("proofs: anchor %s not present in stream", anchorChainHash)
	}
	for i := range f.Evidence {
		if expired[f.Evidence[i].EvidenceID] {
			f.Evidence[i].Expired = true
		}
	}
	return f, nil
}

// Hash returns the canonical content hash of the facts.
func (f *Facts) Hash() (string, error) {
	return canonicalize.CanonicalHash(f)
}

// FactsHash recomputes the facts hash for a stream. It satisfies
// domain.FactsHasher and backs proof staleness checks in the validator.
func FactsHash(evs []events.Event, anchorChainHash string) (string, error) {
	f, err := BuildFacts(evs, anchorChainHash)
	if err != nil {
		return "", err
	}
	return f.Hash()
}
