package txn

import (
	"sync"

	kverrors "github.com/pagedkv/pagedkv/errors"
)

// MoveFlags selects the direction for Cursor.Move, mirroring btree.Cursor's
// first/last/next/previous surface (spec §6's TxnCursor "move(flags)").
type MoveFlags uint32

const (
	MoveFirst MoveFlags = 1 << iota
	MoveLast
	MoveNext
	MovePrevious
)

func (f MoveFlags) has(bit MoveFlags) bool { return f&bit != 0 }

// FindFlags controls approximate matching in Cursor.Find, symmetric with
// btree.FindFlags (spec §4.6.2's GEQ/LEQ sync directions).
type FindFlags uint32

const (
	FindGEQ FindFlags = 1 << iota
	FindLEQ
)

func (f FindFlags) has(bit FindFlags) bool { return f&bit != 0 }

// Cursor is the TxnCursor collaborator from spec §6: a position inside the
// transaction-overlay tree, coupled to a Node or Nil. It belongs to the
// transaction that opened it — Erase and Overwrite record new ops under
// that transaction.
type Cursor struct {
	mu      sync.Mutex
	overlay *Overlay
	txn     *Txn
	node    *Node
	isNil   bool
}

// NewCursor builds a Nil cursor over overlay, scoped to txn.
func NewCursor(overlay *Overlay, txn *Txn) *Cursor {
	return &Cursor{overlay: overlay, txn: txn, isNil: true}
}

func (c *Cursor) coupleLocked(n *Node) {
	c.node = n
	c.isNil = n == nil
}

// SetToNil detaches the cursor from its node.
func (c *Cursor) SetToNil() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coupleLocked(nil)
}

// IsNil reports whether the cursor is coupled to a node.
func (c *Cursor) IsNil() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isNil
}

// Move repositions the cursor to the first, last, next, or previous node
// in the overlay. Next/Previous at a boundary transition to Nil and
// report CursorIsNil, matching btree.Cursor's neighbour-walk contract.
func (c *Cursor) Move(flags MoveFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case flags.has(MoveFirst):
		n := c.overlay.First()
		if n == nil {
			c.coupleLocked(nil)
			return kverrors.New(kverrors.KeyNotFound, "overlay is empty")
		}
		c.coupleLocked(n)
		return nil

	case flags.has(MoveLast):
		n := c.overlay.Last()
		if n == nil {
			c.coupleLocked(nil)
			return kverrors.New(kverrors.KeyNotFound, "overlay is empty")
		}
		c.coupleLocked(n)
		return nil

	case flags.has(MoveNext):
		if c.isNil {
			return kverrors.New(kverrors.CursorIsNil, "cursor is nil")
		}
		n := c.overlay.Next(c.node.Key)
		if n == nil {
			c.coupleLocked(nil)
			return kverrors.New(kverrors.CursorIsNil, "cursor is nil")
		}
		c.coupleLocked(n)
		return nil

	case flags.has(MovePrevious):
		if c.isNil {
			return kverrors.New(kverrors.CursorIsNil, "cursor is nil")
		}
		n := c.overlay.Previous(c.node.Key)
		if n == nil {
			c.coupleLocked(nil)
			return kverrors.New(kverrors.CursorIsNil, "cursor is nil")
		}
		c.coupleLocked(n)
		return nil

	default:
		return kverrors.New(kverrors.InvParameter, "Move requires a direction flag")
	}
}

// Find couples the cursor to key (or its nearest neighbour under
// FindGEQ/FindLEQ) and reports whether the match was exact.
func (c *Cursor) Find(key []byte, flags FindFlags) (exact bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, exact := c.overlay.Seek(key, flags.has(FindGEQ), flags.has(FindLEQ))
	if n == nil {
		c.coupleLocked(nil)
		return false, kverrors.New(kverrors.KeyNotFound, "key not found")
	}
	c.coupleLocked(n)
	return exact, nil
}

// GetCoupledOp returns the newest non-Nop op at the cursor's current
// node, or nil if the cursor is Nil or the node has no applicable op.
func (c *Cursor) GetCoupledOp() *Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.node == nil {
		return nil
	}
	for i := len(c.node.Ops) - 1; i >= 0; i-- {
		if c.node.Ops[i].Kind != OpNop {
			return c.node.Ops[i]
		}
	}
	return nil
}

// Txn returns the transaction that owns this cursor.
func (c *Cursor) Txn() *Txn { return c.txn }

// HasConflict reports whether the cursor's current node carries its newest
// op from a different transaction that is still Active. Such an op is
// chronologically newer than anything this cursor's own transaction (or,
// for a non-transactional cursor, the persisted tree) can see, but it has
// not committed or aborted yet — the true value at this key is undecided,
// mirroring original_source/src/cursor.c's HAM_TXN_CONFLICT.
func (c *Cursor) HasConflict() bool {
	op := c.GetCoupledOp()
	if op == nil || op.Txn == nil || op.Txn == c.txn {
		return false
	}
	return op.Txn.State() == Active
}

// Node returns the overlay node the cursor is coupled to, or nil if the
// cursor is Nil. MergeCursor.update walks Node().Ops to merge the txn
// contribution into the DupeCache.
func (c *Cursor) Node() *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node
}

// GetKey returns the cursor's current key, or nil if Nil.
func (c *Cursor) GetKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.node == nil {
		return nil
	}
	return c.node.Key
}

// GetRecord returns the record carried by the coupled op, or nil.
func (c *Cursor) GetRecord() []byte {
	op := c.GetCoupledOp()
	if op == nil {
		return nil
	}
	return op.Record
}

// Erase records an OpErase for the cursor's current key under its owning
// transaction.
func (c *Cursor) Erase() error {
	c.mu.Lock()
	node := c.node
	c.mu.Unlock()
	if node == nil {
		return kverrors.New(kverrors.CursorIsNil, "cursor is nil")
	}
	c.overlay.Erase(c.txn, node.Key, 0)
	return nil
}

// Overwrite records an OpInsertOverwrite for the cursor's current key
// under its owning transaction.
func (c *Cursor) Overwrite(record []byte) error {
	c.mu.Lock()
	node := c.node
	c.mu.Unlock()
	if node == nil {
		return kverrors.New(kverrors.CursorIsNil, "cursor is nil")
	}
	c.overlay.InsertOverwrite(c.txn, node.Key, record, 0)
	return nil
}
