package merkle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/merkle"
)

func closeDocs() map[string]any {
	return map[string]any{
		"statement":    map[string]any{"month": "2025-01", "netAmountCents": 40000},
		"glbatch":      map[string]any{"batchId": "gl_2025-01_accrual", "entries": 4},
		"party:op_1":   map[string]any{"partyId": "op_1", "totalCents": 12000},
		"party:req_1":  map[string]any{"partyId": "req_1", "totalCents": -50000},
		"party:agent1": map[string]any{"partyId": "agent1", "totalCents": 38000},
	}
}

func TestBuildDeterministic(t *testing.T) {
	t1, err := merkle.Build(closeDocs())
	require.NoError(t, err)
	t2, err := merkle.Build(closeDocs())
	require.NoError(t, err)

	assert.Equal(t, t1.Root(), t2.Root())
	assert.Len(t, t1.Leaves(), 5)
	// Leaves come back sorted by path regardless of map order.
	paths := []string{}
	for _, l := range t1.Leaves() {
		paths = append(paths, l.Path)
	}
	assert.Equal(t, []string{"glbatch", "party:agent1", "party:op_1", "party:req_1", "statement"}, paths)
}

func TestBuildRejectsEmpty(t *testing.T) {
	_, err := merkle.Build(nil)
	assert.Error(t, err)
	_, err = merkle.Build(map[string]any{"": 1})
	assert.Error(t, err)
}

func TestRootChangesWithAnyDocument(t *testing.T) {
	base, err := merkle.Build(closeDocs())
	require.NoError(t, err)

	docs := closeDocs()
	docs["statement"] = map[string]any{"month": "2025-01", "netAmountCents": 40001}
	changed, err := merkle.Build(docs)
	require.NoError(t, err)
	assert.NotEqual(t, base.Root(), changed.Root())
}

func TestProveAndVerifyEveryLeaf(t *testing.T) {
	tree, err := merkle.Build(closeDocs())
	require.NoError(t, err)

	for _, leaf := range tree.Leaves() {
		p, err := tree.Prove(leaf.Path)
		require.NoError(t, err, leaf.Path)
		assert.True(t, merkle.VerifyInclusion(p, tree.Root()), leaf.Path)
		assert.False(t, merkle.VerifyInclusion(p, "0000000000000000000000000000000000000000000000000000000000000000"))
	}

	_, err = tree.Prove("missing")
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedStep(t *testing.T) {
	tree, err := merkle.Build(closeDocs())
	require.NoError(t, err)
	p, err := tree.Prove("statement")
	require.NoError(t, err)

	p.Steps[0].Side = map[string]string{"L": "R", "R": "L"}[p.Steps[0].Side]
	assert.False(t, merkle.VerifyInclusion(p, tree.Root()))
}

func TestSingleLeafTree(t *testing.T) {
	tree, err := merkle.Build(map[string]any{"statement": map[string]any{"month": "2025-02"}})
	require.NoError(t, err)

	p, err := tree.Prove("statement")
	require.NoError(t, err)
	assert.Empty(t, p.Steps)
	assert.Equal(t, tree.Root(), p.LeafHash)
	assert.True(t, merkle.VerifyInclusion(p, tree.Root()))
}

func TestLeafHashBindsPath(t *testing.T) {
	doc := map[string]any{"amount": 100}
	h1, err := merkle.LeafHash("party:a", doc)
	require.NoError(t, err)
	h2, err := merkle.LeafHash("party:b", doc)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
