package freelist

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagedkv/pagedkv/internal/storage/page"
)

func TestFindRunAtLeastIsFirstFitAscending(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert(page.ID(100), 5))
	require.NoError(t, f.Insert(page.ID(10), 2))
	require.NoError(t, f.Insert(page.ID(50), 8))

	// ascending order is 10(2), 50(8), 100(5); first run >= 3 is at base 50,
	// even though base 100 also qualifies and is "closer to best fit".
	e, ok := f.FindRunAtLeast(3)
	require.True(t, ok)
	require.Equal(t, page.ID(50), e.Base)
	require.Equal(t, 8, e.RunLength)
}

func TestTakeFirstReturnsLowestBase(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert(page.ID(200), 1))
	require.NoError(t, f.Insert(page.ID(100), 1))

	e, ok := f.TakeFirst()
	require.True(t, ok)
	require.Equal(t, page.ID(100), e.Base)
	require.Equal(t, 1, f.Len())
}

func TestInsertRejectsDuplicateBaseAndBadRunLength(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert(page.ID(100), 1))
	require.Error(t, f.Insert(page.ID(100), 1))
	require.Error(t, f.Insert(page.ID(200), 0))
	require.Error(t, f.Insert(page.ID(200), 16))
}

func TestSplitTailLeavesRemainder(t *testing.T) {
	const pageSize = 16384
	f := New()
	require.NoError(t, f.Insert(page.ID(0), 5))

	require.NoError(t, f.SplitTail(page.ID(0), 2, pageSize))
	_, exists := f.Get(page.ID(0))
	require.False(t, exists)

	rl, ok := f.Get(page.ID(2 * pageSize))
	require.True(t, ok)
	require.Equal(t, 3, rl)
}

func TestSplitTailTakingEntireRunLeavesNothing(t *testing.T) {
	const pageSize = 16384
	f := New()
	require.NoError(t, f.Insert(page.ID(0), 3))
	require.NoError(t, f.SplitTail(page.ID(0), 3, pageSize))
	require.Equal(t, 0, f.Len())
}

func TestEraseRemovesEntry(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert(page.ID(0), 1))
	f.Erase(page.ID(0))
	require.Equal(t, 0, f.Len())
	_, ok := f.TakeFirst()
	require.False(t, ok)
}
