package btree

import (
	"sync"

	kverrors "github.com/pagedkv/pagedkv/errors"
	"github.com/pagedkv/pagedkv/internal/storage/page"
)

type cursorState int

const (
	stateNil cursorState = iota
	stateCoupled
	stateUncoupled
)

// Cursor is the BTreeCursor from spec §4.4: a tagged state — Nil,
// Coupled{leaf, idx}, or Uncoupled{key copy} — plus the couple/uncouple
// transitions and the leaf-sibling walk for ordered iteration.
//
// Ground: core/indexing/btree/page.go's cursor bookkeeping, replaced here
// with page.Page's intrusive cursor list so eviction can force-uncouple
// without this package and the page package importing each other (spec §9).
type Cursor struct {
	mu    sync.Mutex
	tree  Btree
	state cursorState

	leaf  Leaf
	idx   int
	token page.Token

	keyCopy []byte
}

// NewCursor builds a Nil cursor over tree.
func NewCursor(tree Btree) *Cursor {
	return &Cursor{tree: tree}
}

// ForceUncouple implements page.CursorHandle: it is called by the page
// (via UncoupleAllCursors) when the page is about to be evicted or
// repurposed. It copies the current key into the cursor's own buffer and
// drops its leaf reference, but — per the page.CursorHandle contract —
// does not touch the page's cursor list itself; the caller owns that.
func (c *Cursor) ForceUncouple() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateCoupled {
		return
	}
	c.keyCopy = append([]byte(nil), c.leaf.GetKey(c.idx)...)
	c.leaf = nil
	c.state = stateUncoupled
}

// SetToNil frees any uncoupled key or removes the cursor from its coupled
// page's cursor list, transitioning to Nil.
func (c *Cursor) SetToNil() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setToNilLocked()
}

func (c *Cursor) setToNilLocked() {
	if c.state == stateCoupled {
		c.leaf.Page().RemoveCursor(c.token)
	}
	c.state = stateNil
	c.leaf = nil
	c.keyCopy = nil
	c.idx = 0
}

// coupleLocked binds the cursor to (leaf, idx), removing any prior
// coupled-page registration first. Safe to call from any state.
func (c *Cursor) coupleLocked(leaf Leaf, idx int) {
	if c.state == stateCoupled && c.leaf != nil {
		c.leaf.Page().RemoveCursor(c.token)
	}
	c.leaf = leaf
	c.idx = idx
	c.token = leaf.Page().AddCursor(c)
	c.state = stateCoupled
	c.keyCopy = nil
}

// coupleFromUncoupledLocked re-finds the cursor's cached key in the tree
// and couples to the result — the shared "From Uncoupled: couple first"
// behaviour Couple, Next and Previous all fall back on.
func (c *Cursor) coupleFromUncoupledLocked() error {
	leaf, idx, err := c.tree.Find(c.keyCopy, 0)
	if err != nil {
		return err
	}
	c.coupleLocked(leaf, idx)
	return nil
}

// Couple transitions Uncoupled{k} -> Coupled by re-finding k in the tree
// (spec §4.4's couple transition).
func (c *Cursor) Couple() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateUncoupled {
		return kverrors.New(kverrors.InvParameter, "Couple requires an uncoupled cursor")
	}
	return c.coupleFromUncoupledLocked()
}

// Uncouple transitions Coupled{page, idx} -> Uncoupled{key}, copying the
// leaf key at idx into an owned buffer before leaving the page's list.
func (c *Cursor) Uncouple() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateCoupled {
		return kverrors.New(kverrors.InvParameter, "Uncouple requires a coupled cursor")
	}
	key := append([]byte(nil), c.leaf.GetKey(c.idx)...)
	c.leaf.Page().RemoveCursor(c.token)
	c.leaf = nil
	c.state = stateUncoupled
	c.keyCopy = key
	return nil
}

// First couples to the leftmost key in the tree.
func (c *Cursor) First() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	leaf, err := c.tree.FirstLeaf()
	if err != nil {
		return err
	}
	if leaf.Count() == 0 {
		return kverrors.New(kverrors.KeyNotFound, "tree is empty")
	}
	c.coupleLocked(leaf, 0)
	return nil
}

// Last couples to the rightmost key in the tree.
func (c *Cursor) Last() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	leaf, err := c.tree.LastLeaf()
	if err != nil {
		return err
	}
	if leaf.Count() == 0 {
		return kverrors.New(kverrors.KeyNotFound, "tree is empty")
	}
	c.coupleLocked(leaf, leaf.Count()-1)
	return nil
}

// Next advances to the next key: within the leaf if possible, otherwise
// across the right sibling pointer. An uncoupled cursor couples first
// without advancing; a nil cursor reports CursorIsNil (spec §4.4).
func (c *Cursor) Next() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateNil:
		return kverrors.New(kverrors.CursorIsNil, "cursor is nil")
	case stateUncoupled:
		return c.coupleFromUncoupledLocked()
	}

	if c.idx+1 < c.leaf.Count() {
		c.idx++
		return nil
	}
	sib := c.leaf.SiblingRight()
	if sib == nil {
		c.setToNilLocked()
		return kverrors.New(kverrors.CursorIsNil, "cursor is nil")
	}
	c.coupleLocked(sib, 0)
	return nil
}

// Previous is Next's mirror image, walking the left sibling pointer.
func (c *Cursor) Previous() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateNil:
		return kverrors.New(kverrors.CursorIsNil, "cursor is nil")
	case stateUncoupled:
		return c.coupleFromUncoupledLocked()
	}

	if c.idx-1 >= 0 {
		c.idx--
		return nil
	}
	sib := c.leaf.SiblingLeft()
	if sib == nil {
		c.setToNilLocked()
		return kverrors.New(kverrors.CursorIsNil, "cursor is nil")
	}
	c.coupleLocked(sib, sib.Count()-1)
	return nil
}

// Seek couples the cursor to key using the tree's approximate-match rules
// and reports whether the match was exact — the primitive MergeCursor.Sync
// builds on (spec §4.6.2).
func (c *Cursor) Seek(key []byte, flags FindFlags) (exact bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	leaf, idx, err := c.tree.Find(key, flags)
	if err != nil {
		return false, err
	}
	found := leaf.GetKey(idx)
	exact = c.tree.Comparator().Compare(found, key) == Equal
	c.coupleLocked(leaf, idx)
	return exact, nil
}

// IsNil reports whether the cursor is in the Nil state.
func (c *Cursor) IsNil() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateNil
}

// Key returns the cursor's current key, from the coupled leaf or the
// cached buffer, or nil if the cursor is Nil.
func (c *Cursor) Key() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateCoupled:
		return c.leaf.GetKey(c.idx)
	case stateUncoupled:
		return c.keyCopy
	default:
		return nil
	}
}

// Record returns the record id at the cursor's current position, or 0 if
// not coupled.
func (c *Cursor) Record() RecordID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateCoupled {
		return 0
	}
	return c.leaf.GetRecord(c.idx)
}

// LeafPosition exposes the coupled (leaf, index) pair, used by
// MergeCursor to ask the tree for the current key's duplicate table.
func (c *Cursor) LeafPosition() (Leaf, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateCoupled {
		return nil, 0, false
	}
	return c.leaf, c.idx, true
}

// DuplicateTable returns the duplicate table for the cursor's current
// position (spec §6's get_duplicate_table).
func (c *Cursor) DuplicateTable() ([]RecordID, bool) {
	leaf, idx, ok := c.LeafPosition()
	if !ok {
		return nil, false
	}
	return c.tree.GetDuplicateTable(leaf, idx)
}

// Clone produces an independent cursor at the same position, used by
// MergeCursor.Sync ("clone the btree cursor, uncouple the clone").
func (c *Cursor) Clone() *Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()

	clone := &Cursor{tree: c.tree, state: c.state, idx: c.idx, leaf: c.leaf}
	switch c.state {
	case stateUncoupled:
		clone.keyCopy = append([]byte(nil), c.keyCopy...)
	case stateCoupled:
		clone.token = c.leaf.Page().AddCursor(clone)
	}
	return clone
}
