package pagemanager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagedkv/pagedkv/internal/storage/changeset"
	"github.com/pagedkv/pagedkv/internal/storage/device"
	"github.com/pagedkv/pagedkv/internal/storage/page"
)

const testPageSize = 512

func newTestManager(t *testing.T, enableRecovery bool) (*Manager, Header) {
	t.Helper()
	dev := device.NewMemory()
	hp := page.New(0, testPageSize)
	header := NewHeader(hp)
	cs := changeset.NewSet()
	lsn := changeset.NewCounter()
	m, err := New(dev, header, cs, lsn, Config{
		PageSize:           testPageSize,
		EnableRecovery:     enableRecovery,
		CacheCapacityBytes: int64(64 * testPageSize),
	}, nil, nil)
	require.NoError(t, err)
	return m, header
}

func TestAllocGrowsFileWhenFreelistEmpty(t *testing.T) {
	m, _ := newTestManager(t, false)
	p1, err := m.Alloc(1, page.TypeBtreeIndex, 0)
	require.NoError(t, err)
	p2, err := m.Alloc(1, page.TypeBtreeIndex, 0)
	require.NoError(t, err)
	require.NotEqual(t, p1.Address(), p2.Address())
	require.True(t, p1.Dirty())
	require.Equal(t, page.TypeBtreeIndex, p1.Type())
}

func TestDelThenAllocReusesFreedPage(t *testing.T) {
	m, _ := newTestManager(t, false)
	p1, err := m.Alloc(1, page.TypeBlob, 0)
	require.NoError(t, err)
	addr := p1.Address()
	require.NoError(t, m.Del(p1, 1))

	p2, err := m.Alloc(1, page.TypeBtreeIndex, 0)
	require.NoError(t, err)
	require.Equal(t, addr, p2.Address())

	_, _, hits, misses, _ := m.Metrics()
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)
}

func TestAllocIgnoreFreelistSkipsReuse(t *testing.T) {
	m, _ := newTestManager(t, false)
	p1, err := m.Alloc(1, page.TypeBlob, 0)
	require.NoError(t, err)
	require.NoError(t, m.Del(p1, 1))

	p2, err := m.Alloc(1, page.TypeBlob, IgnoreFreelist)
	require.NoError(t, err)
	require.NotEqual(t, p1.Address(), p2.Address())
}

func TestAllocMultiBlobFallsBackWhenNoRunLongEnough(t *testing.T) {
	m, _ := newTestManager(t, false)
	first, err := m.AllocMultiBlob(1, 3)
	require.NoError(t, err)
	require.False(t, first.WithoutHeader())
	require.Equal(t, page.TypeBlob, first.Type())
}

func TestAllocMultiBlobReusesFreelistRunAndSplitsTail(t *testing.T) {
	m, _ := newTestManager(t, false)
	var pages []*page.Page
	for i := 0; i < 5; i++ {
		p, err := m.Alloc(1, page.TypeBlob, 0)
		require.NoError(t, err)
		pages = append(pages, p)
	}
	// free pages 1..4 (keep page 0) as one contiguous 4-page run, the way a
	// multi-page blob is freed in a single Del call.
	require.NoError(t, m.Del(pages[1], 4))

	first, err := m.AllocMultiBlob(1, 2)
	require.NoError(t, err)
	require.Equal(t, pages[1].Address(), first.Address())

	rl, ok := m.free.Get(pages[3].Address())
	require.True(t, ok)
	require.Equal(t, 2, rl)
}

func TestStoreStateAndInitializeRoundTripsFreelist(t *testing.T) {
	m, header := newTestManager(t, true)
	var freed []*page.Page
	for i := 0; i < 4; i++ {
		p, err := m.Alloc(1, page.TypeBlob, 0)
		require.NoError(t, err)
		freed = append(freed, p)
	}
	for _, p := range freed {
		require.NoError(t, m.Del(p, 1))
	}
	require.NoError(t, m.ForceStoreState())
	require.NotZero(t, header.PageManagerBlobID())
	// the state page lives in the cache until flushed; Close writes it out.
	require.NoError(t, m.Close())

	dev := m.dev
	cs := changeset.NewSet()
	lsn := changeset.NewCounter()
	reopened, err := New(dev, header, cs, lsn, Config{
		PageSize:           testPageSize,
		EnableRecovery:     true,
		CacheCapacityBytes: int64(64 * testPageSize),
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, reopened.Initialize(page.ID(header.PageManagerBlobID())))

	// the four contiguous single-page dels are re-merged by the encoder
	// into one run starting at the first freed address.
	rl, ok := reopened.free.Get(freed[0].Address())
	require.True(t, ok, "expected address %d to survive round trip", freed[0].Address())
	require.Equal(t, len(freed), rl)
}

func TestReclaimSpaceTruncatesTrailingFreeSingletons(t *testing.T) {
	m, _ := newTestManager(t, false)
	var pages []*page.Page
	for i := 0; i < 3; i++ {
		p, err := m.Alloc(1, page.TypeBlob, 0)
		require.NoError(t, err)
		pages = append(pages, p)
	}
	sizeBefore, err := m.dev.FileSize()
	require.NoError(t, err)

	require.NoError(t, m.Del(pages[2], 1))
	require.NoError(t, m.Del(pages[1], 1))

	require.NoError(t, m.ReclaimSpace())

	sizeAfter, err := m.dev.FileSize()
	require.NoError(t, err)
	require.Less(t, sizeAfter, sizeBefore)
	require.Equal(t, 1, m.free.Len())
}

func TestStatePageSurvivesCachePressure(t *testing.T) {
	dev := device.NewMemory()
	hp := page.New(0, testPageSize)
	header := NewHeader(hp)
	cs := changeset.NewSet()
	lsn := changeset.NewCounter()
	m, err := New(dev, header, cs, lsn, Config{
		PageSize:           testPageSize,
		EnableRecovery:     true,
		CacheCapacityBytes: int64(2 * testPageSize), // tiny: at most 2 pages fit
	}, nil, nil)
	require.NoError(t, err)

	p, err := m.Alloc(1, page.TypeBlob, 0)
	require.NoError(t, err)
	require.NoError(t, m.Del(p, 1))
	require.NoError(t, m.ForceStoreState())
	require.NotNil(t, m.statePage)
	require.True(t, m.statePage.IsManagerState())
	stateAddr := m.statePage.Address()

	// Allocate well past the cache's budget; the state page must never be
	// selected as a purge victim even though it is never touched again.
	for i := 0; i < 20; i++ {
		_, err := m.Alloc(1, page.TypeBtreeIndex, 0)
		require.NoError(t, err)
	}

	require.NotNil(t, m.cache.Get(stateAddr), "state page must survive cache pressure")
	require.NoError(t, m.ForceStoreState())
	require.NotZero(t, header.PageManagerBlobID())
}

func TestCloseFlushesDirtyPages(t *testing.T) {
	m, _ := newTestManager(t, false)
	p, err := m.Alloc(1, page.TypeBtreeIndex, 0)
	require.NoError(t, err)
	require.True(t, p.Dirty())

	require.NoError(t, m.Close())
	require.False(t, p.Dirty())
}
