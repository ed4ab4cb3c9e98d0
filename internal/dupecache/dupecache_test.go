package dupecache

import (
	"testing"

	"github.com/stretchr/testify/require"

	kverrors "github.com/pagedkv/pagedkv/errors"
	"github.com/pagedkv/pagedkv/internal/txn"
)

func TestAppendAndGetPreserveOrder(t *testing.T) {
	c := New()
	c.Append(Line{Source: SourceBtree, BtreeIndex: 0})
	c.Append(Line{Source: SourceBtree, BtreeIndex: 1})
	require.Equal(t, 2, c.Count())

	l, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, SourceBtree, l.Source)
	require.Equal(t, 0, l.BtreeIndex)

	l, ok = c.Get(2)
	require.True(t, ok)
	require.Equal(t, 1, l.BtreeIndex)
}

func TestGetOutOfRangeReturnsFalse(t *testing.T) {
	c := New()
	c.Append(Line{Source: SourceBtree, BtreeIndex: 0})

	_, ok := c.Get(0)
	require.False(t, ok)
	_, ok = c.Get(2)
	require.False(t, ok)
}

func TestInsertInterleavesBtreeAndTxnLines(t *testing.T) {
	// spec §8's "Duplicate interleave" example: B:D1, T:Dx, B:D2, B:D3.
	c := New()
	c.Append(Line{Source: SourceBtree, BtreeIndex: 0}) // B:D1
	c.Append(Line{Source: SourceBtree, BtreeIndex: 1}) // B:D2
	c.Append(Line{Source: SourceBtree, BtreeIndex: 2}) // B:D3

	op := &txn.Op{Kind: txn.OpInsertDuplicate}
	require.NoError(t, c.Insert(2, Line{Source: SourceTxn, TxnOp: op}))

	require.Equal(t, 4, c.Count())
	l0, _ := c.Get(1)
	require.Equal(t, SourceBtree, l0.Source)
	require.Equal(t, 0, l0.BtreeIndex)

	l1, _ := c.Get(2)
	require.Equal(t, SourceTxn, l1.Source)
	require.Same(t, op, l1.TxnOp)

	l2, _ := c.Get(3)
	require.Equal(t, SourceBtree, l2.Source)
	require.Equal(t, 1, l2.BtreeIndex)

	l3, _ := c.Get(4)
	require.Equal(t, 2, l3.BtreeIndex)
}

func TestInsertAtCountPlusOneAppends(t *testing.T) {
	c := New()
	c.Append(Line{Source: SourceBtree, BtreeIndex: 0})
	require.NoError(t, c.Insert(2, Line{Source: SourceBtree, BtreeIndex: 1}))
	require.Equal(t, 2, c.Count())
}

func TestInsertOutOfRangeReturnsInvIndex(t *testing.T) {
	c := New()
	err := c.Insert(0, Line{})
	require.True(t, kverrors.Is(err, kverrors.InvIndex))

	err = c.Insert(5, Line{})
	require.True(t, kverrors.Is(err, kverrors.InvIndex))
}

func TestEraseShiftsLaterLinesForward(t *testing.T) {
	c := New()
	c.Append(Line{Source: SourceBtree, BtreeIndex: 0})
	c.Append(Line{Source: SourceBtree, BtreeIndex: 1})
	c.Append(Line{Source: SourceBtree, BtreeIndex: 2})

	require.NoError(t, c.Erase(2))
	require.Equal(t, 2, c.Count())

	l, _ := c.Get(2)
	require.Equal(t, 2, l.BtreeIndex)
}

func TestEraseOutOfRangeReturnsInvIndex(t *testing.T) {
	c := New()
	err := c.Erase(1)
	require.True(t, kverrors.Is(err, kverrors.InvIndex))
}

func TestResetKeepsCapacityClearReleasesIt(t *testing.T) {
	c := New()
	for i := 0; i < 10; i++ {
		c.Append(Line{Source: SourceBtree, BtreeIndex: i})
	}
	require.Equal(t, 10, c.Count())

	c.Reset()
	require.Equal(t, 0, c.Count())
	require.NotNil(t, c.lines) // backing storage retained

	c.Clear()
	require.Equal(t, 0, c.Count())
	require.Nil(t, c.lines) // backing storage released
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	c := New()
	c.Append(Line{Source: SourceBtree, BtreeIndex: 0})

	clone := c.Clone()
	clone.Append(Line{Source: SourceBtree, BtreeIndex: 1})

	require.Equal(t, 1, c.Count())
	require.Equal(t, 2, clone.Count())
}
