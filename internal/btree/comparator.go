// Package btree implements the B-tree cursor primitives from spec §4.4: the
// coupled/uncoupled cursor states and the leaf neighbour walk used for
// ordered iteration. The tree's own insertion/erase/split/merge algorithms
// are an external collaborator contract (spec §6) — this package defines
// that contract and a concrete single-leaf implementation exercising it,
// not a full paged B-tree balancer.
//
// Ground: core/indexing/btree/btree.go and node.go (the teacher's key
// comparator and leaf layout) generalized to the collaborator-contract
// split spec §1 draws between "cursor primitives" (in scope) and "tree
// algorithms" (out of scope).
package btree

import "bytes"

// Ordering is the three-way result of a Comparator call.
type Ordering int

const (
	Less Ordering = -1
	Equal Ordering = 0
	Greater Ordering = 1
)

// Comparator is the collaborator contract spec §6 assigns key ordering to:
// "compare(a, b) → {Less, Equal, Greater}, stable across calls, total
// order."
type Comparator interface {
	Compare(a, b []byte) Ordering
}

// ByteComparator orders keys lexicographically by their raw bytes, the
// default used when no domain-specific collation is configured.
type ByteComparator struct{}

func (ByteComparator) Compare(a, b []byte) Ordering {
	switch bytes.Compare(a, b) {
	case -1:
		return Less
	case 1:
		return Greater
	default:
		return Equal
	}
}
