package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagedkv/pagedkv/internal/storage/page"
)

const testPageSize = 4096

func newTestCache(capacityPages int) *Cache {
	return New(testPageSize, int64(capacityPages)*int64(testPageSize), nil, nil)
}

func TestPutGetHitsAndMisses(t *testing.T) {
	c := newTestCache(10)
	p := page.New(page.ID(testPageSize), testPageSize)
	c.Put(p)

	require.Same(t, p, c.Get(p.Address()))
	require.Nil(t, c.Get(page.ID(testPageSize*2)))

	hits, misses := c.Stats()
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)
}

func TestPutOverwriteSameAddressPanics(t *testing.T) {
	c := newTestCache(10)
	p := page.New(page.ID(testPageSize), testPageSize)
	c.Put(p)
	require.Panics(t, func() { c.Put(page.New(p.Address(), testPageSize)) })
}

func TestPurgeEvictsLeastRecentlyUsedEligiblePages(t *testing.T) {
	c := newTestCache(2) // budget: 2 pages
	var pages []*page.Page
	for i := 0; i < 5; i++ {
		p := page.New(page.ID((i+1)*testPageSize), testPageSize)
		pages = append(pages, p)
		c.Put(p)
	}
	// touch the last page so it's most-recently-used; it is still evicted,
	// since the forward-progress minimum takes every eligible page here
	c.Get(pages[4].Address())

	var evicted []page.ID
	err := c.Purge(func(p *page.Page) error {
		evicted = append(evicted, p.Address())
		return nil
	})
	require.NoError(t, err)
	require.Len(t, evicted, 5) // forward-progress: fewer than kPurgeAtLeast eligible, so all go
	require.Equal(t, 0, c.AllocatedElements())
}

func TestPurgeSkipsPinnedPages(t *testing.T) {
	c := newTestCache(1)
	pinned := page.New(page.ID(testPageSize), testPageSize)
	pinned.Pin()
	c.Put(pinned)

	free := page.New(page.ID(testPageSize*2), testPageSize)
	c.Put(free)

	var evicted []page.ID
	require.NoError(t, c.Purge(func(p *page.Page) error {
		evicted = append(evicted, p.Address())
		return nil
	}))
	require.Equal(t, []page.ID{free.Address()}, evicted)
	require.Equal(t, 1, c.AllocatedElements())
}

func TestPurgeSkipsManagerStatePages(t *testing.T) {
	c := newTestCache(1)
	state := page.New(page.ID(testPageSize), testPageSize)
	state.SetManagerState(true)
	c.Put(state)

	free := page.New(page.ID(testPageSize*2), testPageSize)
	c.Put(free)

	var evicted []page.ID
	require.NoError(t, c.Purge(func(p *page.Page) error {
		evicted = append(evicted, p.Address())
		return nil
	}))
	require.Equal(t, []page.ID{free.Address()}, evicted)
	require.Equal(t, 1, c.AllocatedElements())
}

func TestPurgeIfEvictsMatchingPages(t *testing.T) {
	c := newTestCache(10)
	keep := page.New(page.ID(testPageSize), testPageSize)
	keep.SetType(page.TypeHeader)
	c.Put(keep)
	drop := page.New(page.ID(testPageSize*2), testPageSize)
	c.Put(drop)

	var evicted []page.ID
	err := c.PurgeIf(func(p *page.Page) bool { return p.Type() != page.TypeHeader }, func(p *page.Page) error {
		evicted = append(evicted, p.Address())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []page.ID{drop.Address()}, evicted)
	require.Equal(t, 1, c.AllocatedElements())
}

func TestFullReportsOverBudget(t *testing.T) {
	c := newTestCache(1)
	require.False(t, c.Full())
	c.Put(page.New(page.ID(testPageSize), testPageSize))
	require.False(t, c.Full())
	c.Put(page.New(page.ID(testPageSize*2), testPageSize))
	require.True(t, c.Full())
}
