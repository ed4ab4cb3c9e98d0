// Package dupecache implements the DupeCache from spec §4.5: the
// per-cursor ordered list of duplicate references MergeCursor rebuilds by
// merging the B-tree's duplicate table with the transaction overlay's op
// list for the current key.
//
// Ground: no direct teacher analogue (the teacher has no duplicate-key
// concept); grounded on spec §4.5's explicit operation list and the
// teacher's container/list-style growable-buffer idiom used elsewhere
// (internal/storage/cache's LRU list) for the doubling-capacity slice.
package dupecache

import (
	kverrors "github.com/pagedkv/pagedkv/errors"
	"github.com/pagedkv/pagedkv/internal/txn"
)

// Source tags where a duplicate line's data comes from.
type Source int

const (
	SourceBtree Source = iota
	SourceTxn
)

// Line is one duplicate reference: either a B-tree duplicate-table index
// or a transaction-overlay op (spec §3's "DupeCache line").
type Line struct {
	Source     Source
	BtreeIndex int
	TxnOp      *txn.Op
}

// initialCapacity is the cache's starting backing size (spec §4.5:
// "initial capacity 8, doubles as needed").
const initialCapacity = 8

// Cache is the DupeCache: an ordered, resizable sequence of Lines.
// Positions passed to Insert/Erase/Get are 1-based — position 0 is
// reserved by callers to mean "no selection" and is never a valid index
// into this cache.
type Cache struct {
	lines []Line
}

// New builds an empty Cache with its initial capacity pre-reserved.
func New() *Cache {
	return &Cache{lines: make([]Line, 0, initialCapacity)}
}

// Count returns the number of lines currently held.
func (c *Cache) Count() int { return len(c.lines) }

// Append adds l to the end of the cache.
func (c *Cache) Append(l Line) { c.lines = append(c.lines, l) }

// Insert places l at the 1-based position pos, shifting later lines back.
// pos == Count()+1 is equivalent to Append.
func (c *Cache) Insert(pos int, l Line) error {
	if pos < 1 || pos > len(c.lines)+1 {
		return kverrors.New(kverrors.InvIndex, "dupecache: insert position %d out of range [1,%d]", pos, len(c.lines)+1)
	}
	idx := pos - 1
	c.lines = append(c.lines, Line{})
	copy(c.lines[idx+1:], c.lines[idx:])
	c.lines[idx] = l
	return nil
}

// Set overwrites the line at the 1-based position pos in place, used by
// InsertOverwrite ops that target an existing duplicate line.
func (c *Cache) Set(pos int, l Line) error {
	if pos < 1 || pos > len(c.lines) {
		return kverrors.New(kverrors.InvIndex, "dupecache: set position %d out of range [1,%d]", pos, len(c.lines))
	}
	c.lines[pos-1] = l
	return nil
}

// Erase removes the line at the 1-based position pos.
func (c *Cache) Erase(pos int) error {
	if pos < 1 || pos > len(c.lines) {
		return kverrors.New(kverrors.InvIndex, "dupecache: erase position %d out of range [1,%d]", pos, len(c.lines))
	}
	idx := pos - 1
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
	return nil
}

// Get returns the line at the 1-based position pos.
func (c *Cache) Get(pos int) (Line, bool) {
	if pos < 1 || pos > len(c.lines) {
		return Line{}, false
	}
	return c.lines[pos-1], true
}

// Reset empties the cache but keeps its backing storage, for the common
// "rebuild from scratch" path in MergeCursor.update.
func (c *Cache) Reset() {
	c.lines = c.lines[:0]
}

// Clear empties the cache and releases its backing storage.
func (c *Cache) Clear() {
	c.lines = nil
}

// Clone returns an independent copy of the cache.
func (c *Cache) Clone() *Cache {
	clone := &Cache{lines: make([]Line, len(c.lines))}
	copy(clone.lines, c.lines)
	return clone
}
