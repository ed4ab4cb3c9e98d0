package mergecursor

import (
	"testing"

	"github.com/stretchr/testify/require"

	kverrors "github.com/pagedkv/pagedkv/errors"
	"github.com/pagedkv/pagedkv/internal/btree"
	"github.com/pagedkv/pagedkv/internal/storage/page"
	"github.com/pagedkv/pagedkv/internal/txn"
)

func newFixture() (*btree.MemTree, *btree.Cursor, *txn.Overlay, *txn.Cursor) {
	tree := btree.NewMemTree(page.New(0, 512), btree.ByteComparator{})
	bt := btree.NewCursor(tree)
	overlay := txn.NewOverlay()
	tx := overlay.Begin()
	txc := txn.NewCursor(overlay, tx)
	return tree, bt, overlay, txc
}

func TestFirstOnEmptyStoreReturnsKeyNotFound(t *testing.T) {
	_, bt, _, txc := newFixture()
	mc := New(bt, txc, nil, nil)

	_, err := mc.Move(MoveFirst)
	require.Error(t, err)
}

func TestFirstWithOnlyBtreeData(t *testing.T) {
	tree, bt, _, txc := newFixture()
	_, _, err := tree.InsertCursor([]byte("a"), nil, 1, 0)
	require.NoError(t, err)

	mc := New(bt, txc, nil, nil)
	kr, err := mc.Move(MoveFirst)
	require.NoError(t, err)
	require.Equal(t, "a", string(kr.Key))
	require.Equal(t, SideBtree, mc.Side())
}

func TestFirstWithOnlyTxnData(t *testing.T) {
	_, bt, overlay, txc := newFixture()
	overlay.Insert(txc.Txn(), []byte("a"), []byte("v1"))

	mc := New(bt, txc, nil, nil)
	kr, err := mc.Move(MoveFirst)
	require.NoError(t, err)
	require.Equal(t, "a", string(kr.Key))
	require.Equal(t, "v1", string(kr.Record))
	require.Equal(t, SideTxn, mc.Side())
}

// TestEqualKeyConflictPrefersTxnOverwrite is spec §8 scenario 5: btree has
// K->V1; txn has an insert-overwrite K->V2. first() couples to txn.
func TestEqualKeyConflictPrefersTxnOverwrite(t *testing.T) {
	tree, bt, overlay, txc := newFixture()
	_, _, err := tree.InsertCursor([]byte("K"), nil, 1, 0)
	require.NoError(t, err)
	overlay.InsertOverwrite(txc.Txn(), []byte("K"), []byte("V2"), 0)

	mc := New(bt, txc, nil, nil)
	kr, err := mc.Move(MoveFirst)
	require.NoError(t, err)
	require.Equal(t, "K", string(kr.Key))
	require.Equal(t, "V2", string(kr.Record))
	require.Equal(t, SideTxn, mc.Side())
}

// TestEqualKeyEraseWithNoDuplicatesAdvances is spec §8 scenario 5's
// erase variant: "If the txn op is Erase K, first() advances to the next
// btree key."
func TestEqualKeyEraseWithNoDuplicatesAdvances(t *testing.T) {
	tree, bt, overlay, txc := newFixture()
	_, _, err := tree.InsertCursor([]byte("K"), nil, 1, 0)
	require.NoError(t, err)
	_, _, err = tree.InsertCursor([]byte("Z"), nil, 2, 0)
	require.NoError(t, err)
	overlay.Erase(txc.Txn(), []byte("K"), 0)

	mc := New(bt, txc, nil, nil)
	kr, err := mc.Move(MoveFirst)
	require.NoError(t, err)
	require.Equal(t, "Z", string(kr.Key))
}

// TestEqualKeyConflictFromAnotherActiveTxnSurfacesConflict grounds
// TxnConflict on original_source/src/cursor.c:628-673's HAM_TXN_CONFLICT:
// a cursor belonging to one transaction (here, none — a non-transactional
// cursor) must not silently couple to an insert-overwrite made by a
// different, still-open transaction.
func TestEqualKeyConflictFromAnotherActiveTxnSurfacesConflict(t *testing.T) {
	tree, bt, overlay, _ := newFixture()
	_, _, err := tree.InsertCursor([]byte("K"), nil, 1, 0)
	require.NoError(t, err)

	other := overlay.Begin()
	overlay.InsertOverwrite(other, []byte("K"), []byte("V2"), 0)

	reader := txn.NewCursor(overlay, nil)
	mc := New(bt, reader, nil, nil)
	_, err = mc.Move(MoveFirst)
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.TxnConflict))
}

// TestEqualKeyConflictResolvesOnceOwningTxnCommits shows the conflict is
// transient: once the other transaction leaves the Active state, the same
// move succeeds and couples to the (now-committed) txn value.
func TestEqualKeyConflictResolvesOnceOwningTxnCommits(t *testing.T) {
	tree, bt, overlay, _ := newFixture()
	_, _, err := tree.InsertCursor([]byte("K"), nil, 1, 0)
	require.NoError(t, err)

	other := overlay.Begin()
	overlay.InsertOverwrite(other, []byte("K"), []byte("V2"), 0)
	require.NoError(t, other.Commit())

	reader := txn.NewCursor(overlay, nil)
	mc := New(bt, reader, nil, nil)
	kr, err := mc.Move(MoveFirst)
	require.NoError(t, err)
	require.Equal(t, "V2", string(kr.Record))
	require.Equal(t, SideTxn, mc.Side())
}

// TestLoneTxnSideConflictSurfacesEvenWithoutBtreeKey covers the
// btree-exhausted branch of the outcome matrix: a solitary txn-side key
// still must not be exposed if it belongs to another active transaction.
func TestLoneTxnSideConflictSurfacesEvenWithoutBtreeKey(t *testing.T) {
	_, bt, overlay, _ := newFixture()
	other := overlay.Begin()
	overlay.Insert(other, []byte("K"), []byte("V1"))

	reader := txn.NewCursor(overlay, nil)
	mc := New(bt, reader, nil, nil)
	_, err := mc.Move(MoveFirst)
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.TxnConflict))
}

func TestNextVisitsEveryKeyAscendingAndTerminates(t *testing.T) {
	tree, bt, _, txc := newFixture()
	for _, k := range []string{"c", "a", "b"} {
		_, _, err := tree.InsertCursor([]byte(k), nil, 1, 0)
		require.NoError(t, err)
	}

	mc := New(bt, txc, nil, nil)
	kr, err := mc.Move(MoveFirst)
	require.NoError(t, err)
	require.Equal(t, "a", string(kr.Key))

	kr, err = mc.Move(MoveNext)
	require.NoError(t, err)
	require.Equal(t, "b", string(kr.Key))

	kr, err = mc.Move(MoveNext)
	require.NoError(t, err)
	require.Equal(t, "c", string(kr.Key))

	_, err = mc.Move(MoveNext)
	require.Error(t, err)
}
