package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ProofStep is one sibling on the path from a leaf to the root. Side says
// where the sibling sits relative to the running hash.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"siblingHash"`
}

// InclusionProof shows one leaf belongs to the tree with the given root.
type InclusionProof struct {
	LeafPath string      `json:"leafPath"`
	LeafHash string      `json:"leafHash"`
	Root     string      `json:"root"`
	Steps    []ProofStep `json:"steps"`
}

// Prove builds the inclusion proof for the leaf at path.
func (t *Tree) Prove(path string) (*InclusionProof, error) {
	idx := -1
	for i, l := range t.leaves {
		if l.Path == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("no leaf at path %q", path)
	}

	p := &InclusionProof{
		LeafPath: path,
		LeafHash: t.leaves[idx].LeafHash,
		Root:     t.Root(),
	}
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(level) {
			// Odd level: the last hash was paired with itself.
			sibling = idx
		}
		side := "R"
		if sibling < idx {
			side = "L"
		}
		p.Steps = append(p.Steps, ProofStep{Side: side, SiblingHash: level[sibling]})
		idx /= 2
	}
	return p, nil
}

// VerifyInclusion recomputes the root from the leaf hash and the proof path.
// expectedRoot is the trusted root the caller holds (from the MONTH_CLOSED
// event or the close artifact); an empty value falls back to the proof's own
// root, which only checks internal consistency.
func VerifyInclusion(p *InclusionProof, expectedRoot string) bool {
	if p == nil {
		return false
	}
	if expectedRoot != "" && p.Root != expectedRoot {
		return false
	}

	cur, err := hex.DecodeString(p.LeafHash)
	if err != nil || len(cur) != sha256.Size {
		return false
	}
	for _, step := range p.Steps {
		sib, err := hex.DecodeString(step.SiblingHash)
		if err != nil || len(sib) != sha256.Size {
			return false
		}
		buf := make([]byte, 0, len(nodePrefix)+1+2*sha256.Size)
		buf = append(buf, nodePrefix...)
		buf = append(buf, 0)
		switch step.Side {
		case "L":
			buf = append(buf, sib...)
			buf = append(buf, cur...)
		case "R":
			buf = append(buf, cur...)
			buf = append(buf, sib...)
		default:
			return false
		}
		sum := sha256.Sum256(buf)
		cur = sum[:]
	}
	return hex.EncodeToString(cur) == p.Root
}
