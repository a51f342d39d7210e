// Package merkle computes RFC 6962 style Merkle roots and audit paths over
// the canonical-JSON encodings of committed ledger transactions.
package merkle

import (
	"crypto/sha256"
	"fmt"

	"microledger.dev/consensus/canonicaljson"
)

const (
	leafTag byte = 0x00
	nodeTag byte = 0x01
)

// RootOfTransactions returns the Merkle root over the canonical-JSON
// encodings of txns, in order. An empty list has root equal to the all-zero
// digest, matching an empty committed ledger having no meaningful root yet.
func RootOfTransactions(txns []interface{}) ([32]byte, error) {
	leaves, err := leafHashes(txns)
	if err != nil {
		return [32]byte{}, err
	}
	return rootOf(leaves), nil
}

// RootOfCanonicalLeaves is RootOfTransactions for leaves already encoded as
// canonical JSON, letting a caller that persists canonical bytes directly
// (store.Ledger) skip a redundant re-encode/decode round trip.
func RootOfCanonicalLeaves(canonicalLeaves [][]byte) [32]byte {
	leaves := make([][32]byte, len(canonicalLeaves))
	for i, enc := range canonicalLeaves {
		leaves[i] = leafHash(enc)
	}
	return rootOf(leaves)
}

// AuditPathOfCanonicalLeaves is AuditPath for already-canonical leaves.
func AuditPathOfCanonicalLeaves(canonicalLeaves [][]byte, index int) ([]AuditStep, error) {
	if index < 0 || index >= len(canonicalLeaves) {
		return nil, fmt.Errorf("merkle: index %d out of range [0,%d)", index, len(canonicalLeaves))
	}
	leaves := make([][32]byte, len(canonicalLeaves))
	for i, enc := range canonicalLeaves {
		leaves[i] = leafHash(enc)
	}
	return auditPathFromLeafHashes(leaves, index)
}

func leafHashes(txns []interface{}) ([][32]byte, error) {
	leaves := make([][32]byte, 0, len(txns))
	for i, t := range txns {
		enc, err := canonicaljson.Encode(t)
		if err != nil {
			return nil, fmt.Errorf("merkle: leaf %d: %w", i, err)
		}
		leaves = append(leaves, leafHash(enc))
	}
	return leaves, nil
}

func leafHash(canonical []byte) [32]byte {
	buf := make([]byte, 0, 1+len(canonical))
	buf = append(buf, leafTag)
	buf = append(buf, canonical...)
	return sha256.Sum256(buf)
}

func nodeHash(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 1+32+32)
	buf = append(buf, nodeTag)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

func rootOf(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return [32]byte{}
	}
	level := make([][32]byte, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); {
			if i == len(level)-1 {
				// Odd promotion rule: carry the unpaired node forward unchanged.
				next = append(next, level[i])
				i++
				continue
			}
			next = append(next, nodeHash(level[i], level[i+1]))
			i += 2
		}
		level = next
	}
	return level[0]
}

// AuditStep is one sibling hash plus its side, read bottom-up from a leaf to
// the root.
type AuditStep struct {
	Sibling [32]byte
	OnLeft  bool // true if Sibling is the left child at this level (leaf/subtree is on the right)
}

// AuditPath returns the sibling path from the leaf at index to the root,
// sufficient for a verifier to recompute the root from a single leaf.
func AuditPath(txns []interface{}, index int) ([]AuditStep, error) {
	if index < 0 || index >= len(txns) {
		return nil, fmt.Errorf("merkle: index %d out of range [0,%d)", index, len(txns))
	}
	leaves, err := leafHashes(txns)
	if err != nil {
		return nil, err
	}
	return auditPathFromLeafHashes(leaves, index)
}

func auditPathFromLeafHashes(leaves [][32]byte, index int) ([]AuditStep, error) {
	var path []AuditStep
	level := leaves
	idx := index
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); {
			if i == len(level)-1 {
				if idx == i {
					// No sibling at this level; idx carries forward unchanged.
					idx = len(next)
				}
				next = append(next, level[i])
				i++
				continue
			}
			if idx == i {
				path = append(path, AuditStep{Sibling: level[i+1], OnLeft: false})
				idx = len(next)
			} else if idx == i+1 {
				path = append(path, AuditStep{Sibling: level[i], OnLeft: true})
				idx = len(next)
			}
			next = append(next, nodeHash(level[i], level[i+1]))
			i += 2
		}
		level = next
	}
	return path, nil
}

// VerifyAuditPath recomputes a root from a leaf and its audit path.
func VerifyAuditPath(leaf interface{}, path []AuditStep, root [32]byte) (bool, error) {
	enc, err := canonicaljson.Encode(leaf)
	if err != nil {
		return false, err
	}
	cur := leafHash(enc)
	for _, step := range path {
		if step.OnLeft {
			cur = nodeHash(step.Sibling, cur)
		} else {
			cur = nodeHash(cur, step.Sibling)
		}
	}
	return cur == root, nil
}
