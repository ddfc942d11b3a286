// Package merkle builds the commitment tree behind the month-close proof
// bundle. Leaves are (path, canonical JSON document) pairs; the root commits
// to every close document at once, so a counterparty holding one inclusion
// proof can show its statement was part of the close without the full pack.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/settld-labs/settld/pkg/canonicalize"
)

// Domain-separation prefixes. Leaf and node hashing must never collide, and
// neither may collide with plain document hashes.
const (
	leafPrefix = "settld:close:leaf:v1"
	nodePrefix = "settld:close:node:v1"
)

// Leaf is one committed document: its path inside the tree and the hash of
// its prefixed leaf bytes.
type Leaf struct {
	Path     string `json:"path"`
	LeafHash string `json:"leafHash"`
}

// Tree is an immutable merkle tree over sorted leaf paths. Levels run from
// the leaf hashes up to the single root.
type Tree struct {
	leaves []Leaf
	levels [][]string
}

// Build canonicalizes every document, hashes it under its path, and folds
// the sorted leaves into a tree. At least one document is required; a close
// always commits the statement, so an empty tree is a caller bug.
func Build(docs map[string]any) (*Tree, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("merkle tree needs at least one leaf")
	}
	paths := make([]string, 0, len(docs))
	for p := range docs {
		if p == "" {
			return nil, fmt.Errorf("leaf with empty path")
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	leaves := make([]Leaf, len(paths))
	for i, p := range paths {
		h, err := LeafHash(p, docs[p])
		if err != nil {
			return nil, err
		}
		leaves[i] = Leaf{Path: p, LeafHash: h}
	}

	t := &Tree{leaves: leaves}
	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = l.LeafHash
	}
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		level = nextLevel(level)
		t.levels = append(t.levels, level)
	}
	return t, nil
}

// LeafHash hashes one document under its path with the leaf prefix:
// sha256(prefix || 0 || path || 0 || JCS(doc)).
func LeafHash(path string, doc any) (string, error) {
	body, err := canonicalize.JCS(doc)
	if err != nil {
		return "", fmt.Errorf("leaf %s: %w", path, err)
	}
	buf := make([]byte, 0, len(leafPrefix)+len(path)+len(body)+2)
	buf = append(buf, leafPrefix...)
	buf = append(buf, 0)
	buf = append(buf, path...)
	buf = append(buf, 0)
	buf = append(buf, body...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// Root returns the hex root hash.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Leaves returns the sorted leaves in tree order.
func (t *Tree) Leaves() []Leaf {
	out := make([]Leaf, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// nextLevel pairs adjacent hashes; an odd count duplicates the last entry so
// every node has two children.
func nextLevel(level []string) []string {
	if len(level)%2 != 0 {
		level = append(level, level[len(level)-1])
	}
	next := make([]string, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next[i/2] = nodeHash(level[i], level[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	buf := make([]byte, 0, len(nodePrefix)+1+2*sha256.Size)
	buf = append(buf, nodePrefix...)
	buf = append(buf, 0)
	buf = append(buf, mustHex(left)...)
	buf = append(buf, mustHex(right)...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		// Node hashes are produced internally from hex output only.
		panic(fmt.Sprintf("merkle: non-hex node hash %q", s))
	}
	return b
}
