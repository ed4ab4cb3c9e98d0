// Package pagemanager implements the PageManager from spec §4.3: the
// allocator that turns the page cache, the freelist, and a raw Device into
// alloc/fetch/del/store_state/initialize operations, plus the reclaim and
// close lifecycle around them.
//
// Ground: core/write_engine/page_manager/*.go (the teacher's allocator,
// free-page tracking and flush loop) generalized to this spec's freelist
// encoding and state-page persistence; original_source/page_manager.cc
// resolves the on-disk layout and the kPurgeAtLeast/reclaim edge cases the
// distilled spec leaves implicit.
package pagemanager

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	kverrors "github.com/pagedkv/pagedkv/errors"
	"github.com/pagedkv/pagedkv/internal/storage/cache"
	"github.com/pagedkv/pagedkv/internal/storage/changeset"
	"github.com/pagedkv/pagedkv/internal/storage/device"
	"github.com/pagedkv/pagedkv/internal/storage/freelist"
	"github.com/pagedkv/pagedkv/internal/storage/page"
	"github.com/pagedkv/pagedkv/pkg/telemetry"
)

// Config carries the construction-time parameters spec §4.3 takes as
// given: page size, in-memory mode, and the recovery/reclaim/read-only
// flags that gate store_state and close behaviour.
type Config struct {
	PageSize               int
	InMemory               bool
	EnableRecovery         bool
	ReadOnly               bool
	DisableReclaimInternal bool
	// MMapNoTruncate mirrors the source's Win32 caveat: when the device
	// can't shrink a file that's memory-mapped, ReclaimSpace must not try.
	MMapNoTruncate    bool
	CacheCapacityBytes int64
}

// Manager is the PageManager described in spec §4.3. All public methods
// are safe for concurrent use; spec §5 treats this as the single-writer
// lock boundary around page allocation and freelist mutation.
type Manager struct {
	mu sync.Mutex

	dev    device.Device
	cache  *cache.Cache
	free   *freelist.Freelist
	header Header
	cs     changeset.Changeset
	lsn    changeset.LsnManager

	log     *zap.Logger
	metrics *telemetry.PageManagerMetrics

	cfg      Config
	pageSize int

	fileSize       int64
	lastBlobPageID page.ID
	lastBlobPage   *page.Page
	statePage      *page.Page
	needsFlush     bool

	fetchedCount    int64
	flushedCount    int64
	freelistHits    int64
	freelistMisses  int64
	allocatedByType map[page.Type]int64
}

// New builds a Manager over an already-open Device. fileSize is read from
// dev so a reopened store picks up where it left off.
func New(dev device.Device, header Header, cs changeset.Changeset, lsn changeset.LsnManager, cfg Config, log *zap.Logger, metrics *telemetry.PageManagerMetrics) (*Manager, error) {
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("pagemanager: page size must be positive, got %d", cfg.PageSize)
	}
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	fileSize, err := dev.FileSize()
	if err != nil {
		return nil, err
	}
	if header != nil {
		header.Page().SetManagerState(true)
	}
	return &Manager{
		dev:             dev,
		cache:           cache.New(cfg.PageSize, cfg.CacheCapacityBytes, log, metrics),
		free:            freelist.New(),
		header:          header,
		cs:              cs,
		lsn:             lsn,
		log:             log,
		metrics:         metrics,
		cfg:             cfg,
		pageSize:        cfg.PageSize,
		fileSize:        fileSize,
		allocatedByType: make(map[page.Type]int64),
	}, nil
}

// Alloc returns a page for db, reusing a freelist entry unless
// IgnoreFreelist is set (spec §4.3.1).
func (m *Manager) Alloc(db page.DatabaseID, pageType page.Type, flags Flags) (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocLocked(db, pageType, flags)
}

func (m *Manager) allocLocked(db page.DatabaseID, pageType page.Type, flags Flags) (*page.Page, error) {
	var p *page.Page
	inCache := false

	if !flags.has(IgnoreFreelist) && m.free.Len() > 0 {
		entry, _ := m.free.TakeFirst()
		m.needsFlush = true
		m.freelistHits++
		m.metrics.FreelistHits.Add(context.Background(), 1)

		if cached := m.cache.Get(entry.Base); cached != nil {
			p = cached
			inCache = true
		} else {
			p = page.New(entry.Base, m.pageSize)
			if err := m.readPage(p); err != nil {
				return nil, err
			}
		}
	} else {
		m.freelistMisses++
		m.metrics.FreelistMisses.Add(context.Background(), 1)

		addr := page.ID(m.fileSize)
		p = page.New(addr, m.pageSize)
		if !m.cfg.InMemory {
			m.fileSize += int64(m.pageSize)
			if err := m.dev.Truncate(m.fileSize); err != nil {
				return nil, err
			}
		} else {
			m.fileSize += int64(m.pageSize)
		}
	}

	if flags.has(ClearWithZero) {
		data := p.Data()
		for i := range data {
			data[i] = 0
		}
	}

	p.SetType(pageType)
	p.SetDirty(true)
	p.SetDatabase(db)
	p.DiscardNodeProxy()

	if m.cfg.EnableRecovery {
		m.cs.Put(p)
	}
	if !inCache {
		m.cache.Put(p)
		if err := m.maybePurgeCacheLocked(); err != nil {
			return nil, err
		}
	}

	if !flags.has(DisableStoreState) && !flags.has(ReadOnly) && !m.cfg.ReadOnly {
		if err := m.maybeStoreStateLocked(false); err != nil {
			return nil, err
		}
	}

	m.allocatedByType[pageType]++
	m.metrics.PagesAllocated.Add(context.Background(), 1, metric.WithAttributes(attribute.String("page_type", pageType.String())))
	return p, nil
}

// AllocMultiBlob allocates n contiguous pages for a multi-page blob,
// preferring a single freelist run long enough to satisfy n before
// falling back to n fresh pages (spec §4.3.1's alloc_multi_blob). Only the
// first returned page carries a header; the rest are headerless
// continuations.
func (m *Manager) AllocMultiBlob(db page.DatabaseID, n int) (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 {
		return nil, fmt.Errorf("pagemanager: AllocMultiBlob requires n >= 1, got %d", n)
	}
	if n == 1 {
		return m.allocLocked(db, page.TypeBlob, 0)
	}

	if entry, ok := m.free.FindRunAtLeast(n); ok {
		m.needsFlush = true
		m.freelistHits++
		m.metrics.FreelistHits.Add(context.Background(), 1)

		var first *page.Page
		for i := 0; i < n; i++ {
			addr := entry.Base + page.ID(i*m.pageSize)
			f := Flags(0)
			if i > 0 {
				f = NoHeader
			}
			p, err := m.fetchLocked(db, addr, f)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, fmt.Errorf("pagemanager: freelist run at %d missing page %d", entry.Base, addr)
			}
			p.SetType(page.TypeBlob)
			if i == 0 {
				p.SetWithoutHeader(false)
				first = p
			} else {
				p.SetWithoutHeader(true)
			}
			p.SetDirty(true)
		}
		if err := m.free.SplitTail(entry.Base, n, m.pageSize); err != nil {
			return nil, err
		}
		m.allocatedByType[page.TypeBlob]++
		m.metrics.PagesAllocated.Add(context.Background(), 1, metric.WithAttributes(attribute.String("page_type", page.TypeBlob.String())))
		return first, nil
	}

	m.freelistMisses++
	m.metrics.FreelistMisses.Add(context.Background(), 1)

	var first *page.Page
	for i := 0; i < n; i++ {
		p, err := m.allocLocked(db, page.TypeBlob, IgnoreFreelist|DisableStoreState)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			first = p
		} else {
			p.SetWithoutHeader(true)
		}
	}
	if err := m.maybeStoreStateLocked(false); err != nil {
		return nil, err
	}
	return first, nil
}

// Fetch returns the page at address, from cache or disk (spec §4.3.2).
func (m *Manager) Fetch(db page.DatabaseID, address page.ID, flags Flags) (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchLocked(db, address, flags)
}

func (m *Manager) fetchLocked(db page.DatabaseID, address page.ID, flags Flags) (*page.Page, error) {
	if p := m.cache.Get(address); p != nil {
		if flags.has(NoHeader) {
			p.SetWithoutHeader(true)
		}
		if m.cfg.EnableRecovery && !flags.has(ReadOnly) {
			m.cs.Put(p)
		}
		return p, nil
	}

	if flags.has(OnlyFromCache) || m.cfg.InMemory {
		return nil, nil
	}

	p := page.New(address, m.pageSize)
	if err := m.readPage(p); err != nil {
		return nil, err
	}
	p.SetDatabase(db)
	if flags.has(NoHeader) {
		p.SetWithoutHeader(true)
	}
	m.cache.Put(p)
	if err := m.maybePurgeCacheLocked(); err != nil {
		return nil, err
	}
	if m.cfg.EnableRecovery && !flags.has(ReadOnly) {
		m.cs.Put(p)
	}

	m.fetchedCount++
	m.metrics.PagesFetched.Add(context.Background(), 1)
	return p, nil
}

// Del frees p's run of runLength pages (spec §4.3.3). It is a no-op in
// in-memory mode, where freed pages simply vanish with the page itself.
// Runs longer than the freelist's 15-page encoding cap are split into
// consecutive sub-runs at insertion (see coalesceForEncoding's doc comment
// for why this departs from the source it's grounded on).
func (m *Manager) Del(p *page.Page, runLength int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if runLength <= 0 {
		return fmt.Errorf("pagemanager: Del requires runLength >= 1, got %d", runLength)
	}
	if m.cfg.InMemory {
		return nil
	}

	base := p.Address()
	remaining := runLength
	for remaining > 0 {
		chunk := remaining
		if chunk > freelist.MaxRunLength {
			chunk = freelist.MaxRunLength
		}
		if err := m.free.Insert(base, chunk); err != nil {
			return kverrors.Wrap(kverrors.InvParameter, err, "freelist insert at %d", base)
		}
		base += page.ID(chunk * m.pageSize)
		remaining -= chunk
	}

	m.needsFlush = true
	p.DiscardNodeProxy()
	return nil
}

// readPage fills p.Data() from the device at p's address.
func (m *Manager) readPage(p *page.Page) error {
	if m.cfg.InMemory {
		return kverrors.New(kverrors.IOError, "cannot read page %d from an in-memory device", p.Address())
	}
	if err := m.dev.ReadAt(int64(p.Address()), p.Data()); err != nil {
		return kverrors.Wrap(kverrors.IOError, err, "read page %d", p.Address())
	}
	return nil
}

// flushPage writes p to disk if dirty and clears the dirty flag.
func (m *Manager) flushPage(p *page.Page) error {
	if !p.Dirty() {
		return nil
	}
	if !m.cfg.InMemory {
		if err := m.dev.WriteAt(int64(p.Address()), p.Data()); err != nil {
			return kverrors.Wrap(kverrors.IOError, err, "write page %d", p.Address())
		}
	}
	p.SetDirty(false)
	m.flushedCount++
	m.metrics.PagesFlushed.Add(context.Background(), 1)
	return nil
}

// PurgeCache evicts least-recently-used eligible pages, flushing dirty
// ones first, until the cache is back under budget (spec §4.1, §4.3.6). It
// is a no-op in in-memory mode, where evicting a page would lose data that
// exists nowhere else. Called automatically by allocLocked/fetchLocked via
// maybePurgeCacheLocked whenever the cache exceeds its byte budget, and
// exposed here for callers (close, explicit flush-all) that want to force
// it outside of that path.
func (m *Manager) PurgeCache() error {
	if m.cfg.InMemory {
		return nil
	}
	return m.cache.Purge(func(p *page.Page) error {
		p.UncoupleAllCursors()
		return m.flushPage(p)
	})
}

// maybePurgeCacheLocked calls PurgeCache whenever the cache is over its
// byte budget, wiring §4.1's "Full condition" into the alloc/fetch path so
// the cache's budget is actually enforced during normal operation rather
// than only when a caller happens to invoke PurgeCache directly.
func (m *Manager) maybePurgeCacheLocked() error {
	if !m.cache.Full() {
		return nil
	}
	return m.PurgeCache()
}

// flushAllDirtyLocked walks every resident page and flushes it, leaving it
// resident (spec §4.3.7's close_impl "flush all dirty pages, then discard
// them" — discarding happens by simply dropping the Manager, not by this
// method).
func (m *Manager) flushAllDirtyLocked() error {
	var firstErr error
	for _, p := range m.residentPagesLocked() {
		if err := m.flushPage(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// residentPagesLocked collects every page currently cached, via a PurgeIf
// that never evicts anything: its predicate records each page it is shown
// while walking the LRU list and always returns false.
func (m *Manager) residentPagesLocked() []*page.Page {
	var pages []*page.Page
	_ = m.cache.PurgeIf(func(p *page.Page) bool {
		pages = append(pages, p)
		return false
	}, func(*page.Page) error { return nil })
	return pages
}

// MaybeStoreState calls StoreState if recovery is enabled, matching
// maybe_store_state's default (force=false) call sites on every
// allocation (spec §4.3.4).
func (m *Manager) MaybeStoreState() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maybeStoreStateLocked(false)
}

// ForceStoreState stores the page-manager state unconditionally, the way
// close_impl and reclaim_space_impl call maybe_store_state(true).
func (m *Manager) ForceStoreState() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maybeStoreStateLocked(true)
}

func (m *Manager) maybeStoreStateLocked(force bool) error {
	if !force && !m.cfg.EnableRecovery {
		return nil
	}
	blobID, err := m.storeStateLocked()
	if err != nil {
		return err
	}
	if m.header != nil && blobID != m.header.PageManagerBlobID() {
		m.header.SetPageManagerBlobID(blobID)
		m.header.Page().SetDirty(true)
		if m.cfg.EnableRecovery {
			m.cs.Put(m.header.Page())
		}
	}
	return nil
}

// storeStateLocked persists the freelist to the state-page chain and
// returns the blob id (the state page's address) a caller should compare
// against the header's recorded value (spec §4.3.4).
func (m *Manager) storeStateLocked() (uint64, error) {
	if !m.needsFlush {
		if m.statePage != nil {
			return uint64(m.statePage.Address()), nil
		}
		return 0, nil
	}
	m.needsFlush = false

	entries := coalesceForEncoding(m.free.Entries(), m.pageSize)

	if m.statePage == nil && len(entries) == 0 {
		return 0, nil
	}

	if m.statePage == nil {
		p, err := m.allocLocked(0, page.TypePageManager, IgnoreFreelist|DisableStoreState)
		if err != nil {
			return 0, err
		}
		p.SetManagerState(true)
		m.statePage = p
	}

	cur := m.statePage
	first := true
	var leakedOverflow page.ID

	for {
		data := cur.Data()
		nextOff := 0
		if first {
			binaryOrder.PutUint64(data[0:8], uint64(m.lastBlobPageID))
			nextOff = 8
		}
		oldNext := page.ID(binaryOrder.Uint64(data[nextOff : nextOff+8]))
		headerSize := overflowPageHeaderSize
		if first {
			headerSize = firstPageHeaderSize
		}
		avail := m.pageSize - headerSize

		var chosen []freelist.Entry
		used := 0
		for len(entries) > 0 {
			enc := encodeEntry(entries[0].Base, entries[0].RunLength, m.pageSize)
			if used+len(enc) > avail {
				break
			}
			chosen = append(chosen, entries[0])
			used += len(enc)
			entries = entries[1:]
		}

		countOff := nextOff + 8
		entryOff := countOff + 4
		binaryOrder.PutUint32(data[countOff:countOff+4], uint32(len(chosen)))
		off := entryOff
		for _, e := range chosen {
			enc := encodeEntry(e.Base, e.RunLength, m.pageSize)
			copy(data[off:], enc)
			off += len(enc)
		}
		cur.SetDirty(true)
		if m.cfg.EnableRecovery {
			m.cs.Put(cur)
		}

		if len(entries) == 0 {
			binaryOrder.PutUint64(data[nextOff:nextOff+8], 0)
			if oldNext != 0 {
				leakedOverflow = oldNext
			}
			break
		}

		var nextPage *page.Page
		var err error
		if oldNext != 0 {
			nextPage, err = m.fetchLocked(0, oldNext, 0)
			if err != nil {
				return 0, err
			}
		}
		if nextPage == nil {
			nextPage, err = m.allocLocked(0, page.TypeFreelistOverflow, IgnoreFreelist|DisableStoreState)
			if err != nil {
				return 0, err
			}
		}
		binaryOrder.PutUint64(data[nextOff:nextOff+8], uint64(nextPage.Address()))
		nextPage.SetDirty(true)

		cur = nextPage
		first = false
	}

	if leakedOverflow != 0 {
		// The previous chain had more overflow pages than this store
		// needs. The source acknowledges leaking the tail; this
		// implementation reclaims at least the first orphaned page by
		// pushing it onto the freelist for the *next* store_state call.
		_ = m.free.Insert(leakedOverflow, 1)
		m.needsFlush = true
	}

	return uint64(m.statePage.Address()), nil
}

// Initialize loads the page-manager state chain starting at pageID,
// repopulating the freelist (spec §4.3.5). Called once at database open.
func (m *Manager) Initialize(pageID page.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pageID == page.Invalid {
		return nil
	}

	p, err := m.fetchLocked(0, pageID, 0)
	if err != nil {
		return err
	}
	if p == nil {
		return kverrors.New(kverrors.IOError, "state page %d not found", pageID)
	}

	m.free = freelist.New()
	p.SetManagerState(true)
	m.statePage = p

	data := p.Data()
	m.lastBlobPageID = page.ID(binaryOrder.Uint64(data[0:8]))

	cur := p
	first := true
	for {
		data = cur.Data()
		nextOff := 0
		if first {
			nextOff = 8
		}
		overflow := page.ID(binaryOrder.Uint64(data[nextOff : nextOff+8]))
		countOff := nextOff + 8
		count := binaryOrder.Uint32(data[countOff : countOff+4])
		offset := countOff + 4

		for i := uint32(0); i < count; i++ {
			base, runLength, consumed, err := decodeEntry(data, offset, m.pageSize)
			if err != nil {
				return kverrors.Wrap(kverrors.IOError, err, "decode freelist entry %d/%d", i, count)
			}
			offset += consumed
			if _, exists := m.free.Get(base); !exists {
				if err := m.free.Insert(base, runLength); err != nil {
					return kverrors.Wrap(kverrors.IOError, err, "restore freelist entry at %d", base)
				}
			}
		}

		if overflow == page.Invalid {
			break
		}
		next, err := m.fetchLocked(0, overflow, 0)
		if err != nil {
			return err
		}
		if next == nil {
			break
		}
		cur = next
		first = false
	}

	m.needsFlush = false
	return nil
}

// ReclaimSpace shrinks the file by dropping every freelist entry that sits
// exactly at the current tail, one page at a time, stopping once fewer
// than two entries remain or the tail page isn't itself a free entry
// (spec §4.3.7). It never runs in in-memory mode or when the caller has
// flagged that the device can't be truncated while mapped.
func (m *Manager) ReclaimSpace() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.InMemory || m.cfg.MMapNoTruncate {
		return nil
	}

	if m.lastBlobPage != nil {
		m.lastBlobPageID = m.lastBlobPage.Address()
		m.lastBlobPage = nil
	}

	truncated := false
	for m.free.Len() > 1 {
		tailBase := page.ID(m.fileSize) - page.ID(m.pageSize)
		if _, ok := m.free.Get(tailBase); !ok {
			break
		}
		if cached := m.cache.Get(tailBase); cached != nil {
			m.cache.Del(cached)
		}
		m.free.Erase(tailBase)
		m.fileSize -= int64(m.pageSize)
		truncated = true
	}

	if truncated {
		m.needsFlush = true
		if err := m.maybeStoreStateLocked(true); err != nil {
			return err
		}
		if err := m.dev.Truncate(m.fileSize); err != nil {
			return err
		}
	}
	return nil
}

// Close persists the page-manager state, reclaims trailing free space, and
// flushes every dirty page, in that order (spec §4.3.7's close_impl).
func (m *Manager) Close() error {
	m.mu.Lock()

	if !m.cfg.InMemory && !m.cfg.ReadOnly {
		if err := m.maybeStoreStateLocked(true); err != nil {
			m.mu.Unlock()
			return err
		}
	}

	tryReclaim := !m.cfg.DisableReclaimInternal && !m.cfg.MMapNoTruncate
	m.mu.Unlock()

	if tryReclaim {
		if err := m.ReclaimSpace(); err != nil {
			return err
		}
		if m.cfg.EnableRecovery {
			if err := m.cs.Flush(m.lsn.Next()); err != nil {
				return err
			}
		}
	}

	m.mu.Lock()
	err := m.flushAllDirtyLocked()
	m.statePage = nil
	m.lastBlobPage = nil
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.dev.Flush()
}

// Metrics returns a snapshot of the cumulative counters (spec §4.3's
// "Transient ... counters for metrics").
func (m *Manager) Metrics() (fetched, flushed, freelistHits, freelistMisses int64, byType map[page.Type]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[page.Type]int64, len(m.allocatedByType))
	for k, v := range m.allocatedByType {
		out[k] = v
	}
	return m.fetchedCount, m.flushedCount, m.freelistHits, m.freelistMisses, out
}

// LastBlobPageID returns the page manager's record of the last page used
// for small-blob packing, read by the blob allocator collaborator.
func (m *Manager) LastBlobPageID() page.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBlobPageID
}

// SetLastBlobPage records p as the page the blob allocator should try to
// pack the next small blob into.
func (m *Manager) SetLastBlobPage(p *page.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBlobPage = p
}
