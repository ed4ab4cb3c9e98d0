package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	kverrors "github.com/pagedkv/pagedkv/errors"
)

func TestCursorMoveFirstLastNextPrevious(t *testing.T) {
	o := NewOverlay()
	tx := o.Begin()
	o.Insert(tx, []byte("b"), []byte("B"))
	o.Insert(tx, []byte("a"), []byte("A"))
	o.Insert(tx, []byte("c"), []byte("C"))

	c := NewCursor(o, tx)
	require.NoError(t, c.Move(MoveFirst))
	require.Equal(t, "a", string(c.GetKey()))

	require.NoError(t, c.Move(MoveNext))
	require.Equal(t, "b", string(c.GetKey()))
	require.NoError(t, c.Move(MoveNext))
	require.Equal(t, "c", string(c.GetKey()))

	err := c.Move(MoveNext)
	require.True(t, kverrors.Is(err, kverrors.CursorIsNil))
	require.True(t, c.IsNil())
}

func TestGetCoupledOpReturnsNewestOpRegardlessOfTxnState(t *testing.T) {
	// GetCoupledOp returns the newest op regardless of txn state; callers
	// (MergeCursor.update) are responsible for filtering aborted ops.
	o := NewOverlay()
	tx1 := o.Begin()
	tx2 := o.Begin()
	o.Insert(tx1, []byte("k"), []byte("v1"))
	require.NoError(t, tx2.Commit())
	o.InsertOverwrite(tx2, []byte("k"), []byte("v2"), 0)

	c := NewCursor(o, tx2)
	require.NoError(t, c.Move(MoveFirst))
	op := c.GetCoupledOp()
	require.Equal(t, OpInsertOverwrite, op.Kind)
	require.Equal(t, "v2", string(op.Record))
}

func TestEraseAndOverwriteAppendOpsUnderOwningTxn(t *testing.T) {
	o := NewOverlay()
	tx := o.Begin()
	o.Insert(tx, []byte("k"), []byte("v1"))

	c := NewCursor(o, tx)
	require.NoError(t, c.Move(MoveFirst))
	require.NoError(t, c.Overwrite([]byte("v2")))

	node, ok := o.NodeAt([]byte("k"))
	require.True(t, ok)
	require.Len(t, node.Ops, 2)
	require.Equal(t, OpInsertOverwrite, node.Ops[1].Kind)
	require.Same(t, tx, node.Ops[1].Txn)

	require.NoError(t, c.Erase())
	require.Equal(t, OpErase, node.Ops[2].Kind)
}

func TestFindGEQFallsBackToNearestNeighbour(t *testing.T) {
	o := NewOverlay()
	tx := o.Begin()
	o.Insert(tx, []byte("a"), nil)
	o.Insert(tx, []byte("c"), nil)

	c := NewCursor(o, tx)
	exact, err := c.Find([]byte("b"), FindGEQ)
	require.NoError(t, err)
	require.False(t, exact)
	require.Equal(t, "c", string(c.GetKey()))
}
