package btree

import (
	"testing"

	"github.com/stretchr/testify/require"

	kverrors "github.com/pagedkv/pagedkv/errors"
	"github.com/pagedkv/pagedkv/internal/storage/page"
)

func newTestTree() *MemTree {
	return NewMemTree(page.New(0, 512), ByteComparator{})
}

func insert(t *testing.T, tree *MemTree, key string, rid RecordID) {
	t.Helper()
	_, _, err := tree.InsertCursor([]byte(key), nil, rid, 0)
	require.NoError(t, err)
}

func TestFirstOnEmptyTreeReportsKeyNotFound(t *testing.T) {
	tree := newTestTree()
	c := NewCursor(tree)
	err := c.First()
	require.True(t, kverrors.Is(err, kverrors.KeyNotFound))
}

func TestFirstLastAndNeighbourWalk(t *testing.T) {
	tree := newTestTree()
	insert(t, tree, "b", 2)
	insert(t, tree, "a", 1)
	insert(t, tree, "c", 3)

	c := NewCursor(tree)
	require.NoError(t, c.First())
	require.Equal(t, "a", string(c.Key()))

	require.NoError(t, c.Next())
	require.Equal(t, "b", string(c.Key()))
	require.NoError(t, c.Next())
	require.Equal(t, "c", string(c.Key()))

	err := c.Next()
	require.True(t, kverrors.Is(err, kverrors.CursorIsNil))
	require.True(t, c.IsNil())

	require.NoError(t, c.Last())
	require.Equal(t, "c", string(c.Key()))
	require.NoError(t, c.Previous())
	require.Equal(t, "b", string(c.Key()))
}

func TestUncoupleThenCoupleSurvivesPageEviction(t *testing.T) {
	tree := newTestTree()
	insert(t, tree, "k", 42)

	c := NewCursor(tree)
	require.NoError(t, c.First())
	require.True(t, tree.Page().HasCoupledCursors())

	require.NoError(t, c.Uncouple())
	require.False(t, tree.Page().HasCoupledCursors())
	require.Equal(t, "k", string(c.Key()))

	require.NoError(t, c.Couple())
	require.True(t, tree.Page().HasCoupledCursors())
	require.Equal(t, RecordID(42), c.Record())
}

func TestForceUncoupleDetachesWithoutTouchingPageList(t *testing.T) {
	tree := newTestTree()
	insert(t, tree, "k", 1)

	c := NewCursor(tree)
	require.NoError(t, c.First())

	c.ForceUncouple()
	require.Equal(t, "k", string(c.Key()))
	// the page still thinks the cursor is registered: ForceUncouple must
	// not mutate the page's list itself (page.UncoupleAllCursors does).
	require.True(t, tree.Page().HasCoupledCursors())
}

func TestCloneProducesIndependentCursor(t *testing.T) {
	tree := newTestTree()
	insert(t, tree, "a", 1)
	insert(t, tree, "b", 2)

	c := NewCursor(tree)
	require.NoError(t, c.First())

	clone := c.Clone()
	require.NoError(t, clone.Next())
	require.Equal(t, "a", string(c.Key()))
	require.Equal(t, "b", string(clone.Key()))
}
