// Package merkle builds and verifies Merkle trees over chunk hashes using
// the duplicate-last-leaf rule: a lone trailing node at any level is paired
// with itself rather than dropped. This keeps the tree well-defined for any
// leaf count, including the single-leaf and power-of-two cases described in
// the file integrity design (see spec.md S1-S3).
package merkle

import (
	"errors"
	"fmt"

	"github.com/swarmfs/swarmfs/pkg/swarmhash"
)

var (
	ErrLeafOutOfBounds     = errors.New("merkle: leaf index out of bounds")
	ErrInvalidLevelOrIndex = errors.New("merkle: invalid level or index")
	ErrProofLengthMismatch = errors.New("merkle: proof length mismatch")
	ErrEmptyTree           = errors.New("merkle: tree has no leaves")
)

// Tree is a bottom-up binary Merkle tree over an ordered set of leaf
// hashes.
type Tree struct {
	levels [][]swarmhash.Hash // levels[0] = leaves, levels[len-1] = [root]
}

// Build constructs a Tree from the ordered leaf hashes. It returns
// ErrEmptyTree on an empty input (callers must supply at least one chunk
// hash).
func Build(leaves []swarmhash.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	level := make([]swarmhash.Hash, len(leaves))
	copy(level, leaves)

	levels := [][]swarmhash.Hash{level}
	for len(level) > 1 {
		next := make([]swarmhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, swarmhash.Combine(level[i], level[i+1]))
			} else {
				// duplicate-last-leaf rule
				next = append(next, swarmhash.Combine(level[i], level[i]))
			}
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

// Root returns the tree's Merkle root.
func (t *Tree) Root() swarmhash.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of leaves the tree was built from.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Levels returns every level of the tree, leaves first, root last. Used
// for diagnostics such as locating the first mismatching chunk after a
// failed download (spec.md S4.5 finalization).
func (t *Tree) Levels() [][]swarmhash.Hash {
	out := make([][]swarmhash.Hash, len(t.levels))
	for i, lvl := range t.levels {
		cp := make([]swarmhash.Hash, len(lvl))
		copy(cp, lvl)
		out[i] = cp
	}
	return out
}

// ProofStep is one sibling hash collected while walking from a leaf (or
// subtree node) to the root.
type ProofStep struct {
	Sibling swarmhash.Hash
	IsLeft  bool // true if Sibling is the LEFT operand when recombining
}

// Proof is an ordered list of proof steps from a node to the root.
type Proof []ProofStep

// LeafProof returns the proof that leaf i belongs under the tree's root.
func (t *Tree) LeafProof(i int) (Proof, error) {
	return t.proofFrom(0, i)
}

// VerifyLeafProof recombines leaf with the proof steps and checks the
// result equals root.
func VerifyLeafProof(leaf swarmhash.Hash, proof Proof, root swarmhash.Hash) bool {
	return verify(leaf, proof, root)
}

// SubtreeProof returns the proof that the internal node at (level, index)
// belongs under the tree's root. level=0 is the leaf level.
func (t *Tree) SubtreeProof(level, index int) (Proof, error) {
	return t.proofFrom(level, index)
}

// VerifySubtreeProof recombines a subtree root with the proof steps and
// checks the result equals the file's Merkle root.
func VerifySubtreeProof(subtreeRoot swarmhash.Hash, proof Proof, root swarmhash.Hash) bool {
	return verify(subtreeRoot, proof, root)
}

func (t *Tree) proofFrom(level, index int) (Proof, error) {
	if level < 0 || level >= len(t.levels) {
		return nil, fmt.Errorf("%w: level %d", ErrInvalidLevelOrIndex, level)
	}
	if index < 0 || index >= len(t.levels[level]) {
		return nil, fmt.Errorf("%w: index %d at level %d", ErrLeafOutOfBounds, index, level)
	}

	var proof Proof
	idx := index
	for lvl := level; lvl < len(t.levels)-1; lvl++ {
		cur := t.levels[lvl]
		var sibling swarmhash.Hash
		var isLeft bool
		if idx%2 == 0 {
			// we are the left node; sibling is to the right (or ourselves
			// if we are the dangling last node)
			if idx+1 < len(cur) {
				sibling = cur[idx+1]
			} else {
				sibling = cur[idx]
			}
			isLeft = false
		} else {
			sibling = cur[idx-1]
			isLeft = true
		}
		proof = append(proof, ProofStep{Sibling: sibling, IsLeft: isLeft})
		idx = idx / 2
	}

	return proof, nil
}

func verify(node swarmhash.Hash, proof Proof, root swarmhash.Hash) bool {
	cur := node
	for _, step := range proof {
		if step.IsLeft {
			cur = swarmhash.Combine(step.Sibling, cur)
		} else {
			cur = swarmhash.Combine(cur, step.Sibling)
		}
	}
	return cur == root
}

// ProofLen returns the expected proof length for a subtree rooted at
// `level` within a tree holding `leafCount` leaves. A generated proof
// whose length disagrees with this is a protocol violation
// (ErrProofLengthMismatch).
func ProofLen(leafCount, level int) int {
	n := leafCount
	for l := 0; l < level; l++ {
		n = (n + 1) / 2
	}
	steps := 0
	for n > 1 {
		n = (n + 1) / 2
		steps++
	}
	return steps
}

// CheckProofLength validates a received proof's length against what the
// tree shape demands, returning ErrProofLengthMismatch on disagreement.
func CheckProofLength(proof Proof, leafCount, level int) error {
	want := ProofLen(leafCount, level)
	if len(proof) != want {
		return fmt.Errorf("%w: got %d want %d", ErrProofLengthMismatch, len(proof), want)
	}
	return nil
}

// RootOf is a convenience wrapper computing just the root of a leaf set
// without retaining the intermediate levels.
func RootOf(leaves []swarmhash.Hash) (swarmhash.Hash, error) {
	t, err := Build(leaves)
	if err != nil {
		return swarmhash.Hash{}, err
	}
	return t.Root(), nil
}
