package finance

import (
	"fmt"

	"github.com/settld-labs/settld/pkg/merkle"
)

// Merkle paths inside the month proof. Party statements commit under
// "party:<role>:<partyId>" so the same party in two roles stays distinct.
const (
	ProofPathStatement = "statement"
	ProofPathGLBatch   = "glbatch"
)

// MonthProof is the MonthProofBundle.v1 document shipped as
// proof_bundle.json inside the finance pack. The merkle root commits to
// every close document; the statement's inclusion proof rides along so the
// common verification (statement against the MONTH_CLOSED event) needs
// nothing else from the pack.
type MonthProof struct {
	Month          string                 `json:"month"`
	Basis          string                 `json:"basis"`
	MerkleRoot     string                 `json:"merkleRoot"`
	Leaves         []merkle.Leaf          `json:"leaves"`
	StatementProof *merkle.InclusionProof `json:"statementProof"`
}

// BuildMonthProof commits the close documents into one merkle tree. Inputs
// must be the exact documents going into the pack; the root lands in the
// MONTH_CLOSED payload so the chain pins the whole close.
func BuildMonthProof(statement *MonthlyStatement, parties []PartyStatement, batch *GLBatch) (*MonthProof, error) {
	if statement == nil || batch == nil {
		return nil, fmt.Errorf("statement and batch are required")
	}
	docs := map[string]any{
		ProofPathStatement: statement,
		ProofPathGLBatch:   batch,
	}
	for i := range parties {
		p := &parties[i]
		path := PartyProofPath(p.Role, p.PartyID)
		if _, dup := docs[path]; dup {
			return nil, fmt.Errorf("duplicate party statement %s", path)
		}
		docs[path] = p
	}

	tree, err := merkle.Build(docs)
	if err != nil {
		return nil, err
	}
	stmtProof, err := tree.Prove(ProofPathStatement)
	if err != nil {
		return nil, err
	}
	return &MonthProof{
		Month:          statement.Month,
		Basis:          statement.Basis,
		MerkleRoot:     tree.Root(),
		Leaves:         tree.Leaves(),
		StatementProof: stmtProof,
	}, nil
}

// PartyProofPath is the merkle path committing one party statement.
func PartyProofPath(role, partyID string) string {
	return fmt.Sprintf("party:%s:%s", role, partyID)
}

// VerifyPartyInclusion checks a party statement against a trusted close
// root: the statement document must hash to the proof's leaf and the proof
// must fold to the root.
func VerifyPartyInclusion(st *PartyStatement, proof *merkle.InclusionProof, root string) error {
	if st == nil || proof == nil {
		return fmt.Errorf("statement and proof are required")
	}
	path := PartyProofPath(st.Role, st.PartyID)
	if proof.LeafPath != path {
		return fmt.Errorf("proof is for %s, statement is %s", proof.LeafPath, path)
	}
	leaf, err := merkle.LeafHash(path, st)
	if err != nil {
		return err
	}
	if leaf != proof.LeafHash {
		return fmt.Errorf("statement does not match committed leaf")
	}
	if !merkle.VerifyInclusion(proof, root) {
		return fmt.Errorf("inclusion proof does not reach root")
	}
	return nil
}
