package kv

import (
	"github.com/pagedkv/pagedkv/internal/btree"
	"github.com/pagedkv/pagedkv/internal/mergecursor"
	"github.com/pagedkv/pagedkv/internal/txn"
	"github.com/pagedkv/pagedkv/pkg/telemetry"
)

// Cursor is the user-visible ordered cursor (spec §1's "ordered
// iteration"), wrapping a mergecursor.Cursor over the store's persisted
// tree and, when opened from a Txn, that transaction's overlay view.
type Cursor struct {
	store *Store
	mc    *mergecursor.Cursor
	bt    *btree.Cursor
	tc    *txn.Cursor
}

// NewCursor opens a non-transactional cursor: it sees only the persisted
// tree, never another transaction's uncommitted writes.
func (s *Store) NewCursor() *Cursor {
	return newCursor(s, nil)
}

func newCursor(s *Store, t *txn.Txn) *Cursor {
	bt := btree.NewCursor(s.tree)
	tc := txn.NewCursor(s.overlay, t)
	return &Cursor{
		store: s,
		mc:    mergecursor.New(bt, tc, s.log, telemetry.NewPageManagerMetrics(s.tel.Meter)),
		bt:    bt,
		tc:    tc,
	}
}

func (c *Cursor) resolve(kr mergecursor.KeyRecord, err error) ([]byte, []byte, error) {
	if err != nil {
		return nil, nil, err
	}
	value, err := c.store.resolveRecord(kr.Record, c.mc.Side() == mergecursor.SideBtree)
	if err != nil {
		return nil, nil, err
	}
	return kr.Key, value, nil
}

// First moves to the smallest key in the merged view.
func (c *Cursor) First() ([]byte, []byte, error) {
	return c.resolve(c.mc.Move(mergecursor.MoveFirst))
}

// Last moves to the largest key in the merged view.
func (c *Cursor) Last() ([]byte, []byte, error) {
	return c.resolve(c.mc.Move(mergecursor.MoveLast))
}

// Next advances to the next key or duplicate, per spec §4.6.3.
func (c *Cursor) Next() ([]byte, []byte, error) {
	return c.resolve(c.mc.Move(mergecursor.MoveNext))
}

// Previous retreats to the previous key or duplicate.
func (c *Cursor) Previous() ([]byte, []byte, error) {
	return c.resolve(c.mc.Move(mergecursor.MovePrevious))
}

// Close detaches the cursor from its current page, if coupled, so the
// page becomes eligible for eviction again.
func (c *Cursor) Close() {
	c.bt.SetToNil()
	c.tc.SetToNil()
}
