// Package merkle builds inclusion trees over canonically ordered
// announcement hashes and produces/verifies inclusion proofs.
//
// The tree shape is consensus-critical: leaf nodes are hashed with a 0x00
// domain prefix, internal nodes with 0x01, and an odd node at any level is
// paired with itself (duplicate-last). Reordering leaves changes the root.
package merkle

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/annmine/engine/shared"
)

var (
	ErrEmptyTree       = errors.New("cannot build a tree with no leaves")
	ErrIndexOutOfRange = errors.New("leaf index out of range")
	ErrMalformedLeaf   = errors.New("malformed leaf hash")
)

// Tree is a value object derived from an ordered leaf-hash sequence. It
// holds every level so proofs are O(log n) lookups; trees are rebuilt
// whenever the underlying announcement set changes, never mutated.
type Tree struct {
	// levels[0] holds the domain-hashed leaves, the last level the root.
	levels [][][]byte
}

// BuildTree hashes the ordered leaves into a binary tree.
func BuildTree(leafHashes [][]byte) (*Tree, error) {
	if len(leafHashes) == 0 {
		return nil, ErrEmptyTree
	}

	level := make([][]byte, len(leafHashes))
	for i, leaf := range leafHashes {
		if len(leaf) != shared.HashSize {
			return nil, fmt.Errorf("%w: leaf %d has %d bytes", ErrMalformedLeaf, i, len(leaf))
		}
		level[i] = leafNodeHash(leaf)
	}

	levels := [][][]byte{level}
	for len(level) > 1 {
		next := make([][]byte, (len(level)+1)/2)
		for i := range next {
			left := level[2*i]
			right := left
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			next[i] = internalNodeHash(left, right)
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

// Root returns the tree root.
func (t *Tree) Root() []byte {
	return t.levels[len(t.levels)-1][0]
}

// Count returns the number of leaves.
func (t *Tree) Count() uint64 {
	return uint64(len(t.levels[0]))
}

// Prove returns the inclusion proof for the leaf at the given index:
// the sibling hash at each level from leaf to root, tagged with the side
// the sibling sits on.
func (t *Tree) Prove(index uint64) (shared.MerkleProof, error) {
	if index >= t.Count() {
		return shared.MerkleProof{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, t.Count())
	}

	proof := shared.MerkleProof{LeafIndex: index}
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling >= uint64(len(level)) {
			// Odd node at this level pairs with itself.
			sibling = idx
		}
		side := shared.SideRight
		if idx%2 == 1 {
			side = shared.SideLeft
		}
		proof.Siblings = append(proof.Siblings, append([]byte{}, level[sibling]...))
		proof.Sides = append(proof.Sides, side)
		idx >>= 1
	}

	return proof, nil
}

// Verify recomputes the path from leafHash to the root using the same
// domain-separated rules and compares the result to root. It returns false
// on any hash mismatch, malformed proof shape, or unknown side tag.
//
// The side path encodes the leaf's position (bit i of the position is set
// iff the level-i sibling sits on the left), so Verify also rejects proofs
// whose LeafIndex does not match the position the path actually proves.
// Without that binding a valid path for one leaf could be presented under
// another leaf's index.
func Verify(leafHash []byte, proof shared.MerkleProof, root []byte) bool {
	if len(leafHash) != shared.HashSize || len(root) != shared.HashSize {
		return false
	}
	if len(proof.Siblings) != len(proof.Sides) {
		return false
	}

	node := leafNodeHash(leafHash)
	var index uint64
	for i, sibling := range proof.Siblings {
		if len(sibling) != shared.HashSize {
			return false
		}
		switch proof.Sides[i] {
		case shared.SideRight:
			node = internalNodeHash(node, sibling)
		case shared.SideLeft:
			node = internalNodeHash(sibling, node)
			index |= 1 << uint(i)
		default:
			return false
		}
	}
	if index != proof.LeafIndex {
		return false
	}

	return bytes.Equal(node, root)
}

func leafNodeHash(leaf []byte) []byte {
	hasher := blake3.New()
	_, _ = hasher.Write([]byte{0x00})
	_, _ = hasher.Write(leaf)
	return hasher.Sum(nil)[:shared.HashSize]
}

func internalNodeHash(left, right []byte) []byte {
	hasher := blake3.New()
	_, _ = hasher.Write([]byte{0x01})
	_, _ = hasher.Write(left)
	_, _ = hasher.Write(right)
	return hasher.Sum(nil)[:shared.HashSize]
}
