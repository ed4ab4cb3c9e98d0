// Package page defines the in-memory representation of a paged-file page
// (spec §3) and the intrusive cursor list a page uses to let the cache
// evict it safely while cursors are coupled to it (spec §9, "Cyclic
// ownership btree-page ↔ cursor").
//
// Ground: the teacher's core/write_engine/page_manager/page.go — the pin
// counter, dirty flag,
// and RWMutex latch are carried over unchanged; the cursor list and node
// proxy are new, since the teacher's Page had no notion of coupled
// cursors.
package page

import (
	"container/list"
	"sync"
)

// ID is a page's address: its byte offset within the paged file. Address
// mod P == 0 is an invariant enforced by the allocator, not by this type.
type ID uint64

// Invalid is the sentinel page ID meaning "no page" / the header page slot
// before it has been assigned.
const Invalid ID = 0

// Type classifies a page's payload (spec §3).
type Type uint8

const (
	TypeUnknown Type = iota
	TypeHeader
	TypeBtreeRoot
	TypeBtreeIndex
	TypeBlob
	TypePageManager
	TypeFreelistOverflow
)

func (t Type) String() string {
	switch t {
	case TypeHeader:
		return "header"
	case TypeBtreeRoot:
		return "btree-root"
	case TypeBtreeIndex:
		return "btree-index"
	case TypeBlob:
		return "blob"
	case TypePageManager:
		return "page-manager"
	case TypeFreelistOverflow:
		return "freelist-overflow"
	default:
		return "unknown"
	}
}

// DatabaseID identifies the logical database a page belongs to. The store
// described by this spec only ever opens one, but the field is carried
// because pages are tagged with it on allocation (spec §3).
type DatabaseID uint16

// CursorHandle is implemented by anything that can be coupled to a page
// and must be told to detach when the page is about to be evicted or
// reused. BTreeCursor is the only implementation; this package does not
// import it, breaking the page/cursor cyclic dependency the original
// source had via raw back-pointers (spec §9).
type CursorHandle interface {
	// ForceUncouple detaches the cursor from its current page without
	// touching the page's cursor list — the caller (Page) owns removing
	// the list entry itself.
	ForceUncouple()
}

// Token is the stable handle a coupled cursor keeps so it can remove
// itself from its page's cursor list in O(1) without the page needing to
// know the cursor's own representation.
type Token struct{ elem *list.Element }

// Page is the in-memory residency of one page-sized region of the file.
type Page struct {
	address       ID
	data          []byte
	pageType      Type
	dirty         bool
	withoutHeader bool
	db            DatabaseID
	lsn           uint64

	// nodeProxy is the typed view of btree-leaf/interior contents cached
	// on top of data. It is opaque here (an `any`) so this package never
	// imports the btree package; internal/btree casts it back.
	nodeProxy any

	pinCount uint32
	latch    sync.RWMutex

	cursors list.List // of CursorHandle

	// managerState marks this page as the header page or the page
	// manager's live state page (spec §4.1 rule (b)): ineligible for
	// eviction regardless of pin count or coupled cursors, since the
	// Manager holds a bare Go pointer to it outside the cache's own
	// bookkeeping.
	managerState bool
}

// New allocates a resident Page with a zeroed payload of size bytes.
func New(address ID, size int) *Page {
	return &Page{
		address: address,
		data:    make([]byte, size),
	}
}

func (p *Page) Address() ID        { return p.address }
func (p *Page) SetAddress(id ID)   { p.address = id }
func (p *Page) Data() []byte       { return p.data }
func (p *Page) Type() Type         { return p.pageType }
func (p *Page) SetType(t Type)     { p.pageType = t }
func (p *Page) Dirty() bool        { return p.dirty }
func (p *Page) SetDirty(d bool)    { p.dirty = d }
func (p *Page) WithoutHeader() bool     { return p.withoutHeader }
func (p *Page) SetWithoutHeader(v bool) { p.withoutHeader = v }
func (p *Page) Database() DatabaseID    { return p.db }
func (p *Page) SetDatabase(db DatabaseID) { p.db = db }
func (p *Page) LSN() uint64           { return p.lsn }
func (p *Page) SetLSN(lsn uint64)     { p.lsn = lsn }
func (p *Page) NodeProxy() any        { return p.nodeProxy }
func (p *Page) SetNodeProxy(v any)    { p.nodeProxy = v }
func (p *Page) DiscardNodeProxy()     { p.nodeProxy = nil }

// Pin/Unpin/PinCount implement the pin counter from spec §5: "An eviction
// candidate must have pin == 0 and no coupled cursors."
func (p *Page) Pin()   { p.pinCount++ }
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}
func (p *Page) PinCount() uint32 { return p.pinCount }

// RLock/RUnlock/Lock/Unlock protect the page's in-memory payload.
func (p *Page) RLock()   { p.latch.RLock() }
func (p *Page) RUnlock() { p.latch.RUnlock() }
func (p *Page) Lock()    { p.latch.Lock() }
func (p *Page) Unlock()  { p.latch.Unlock() }

// AddCursor registers h as coupled to this page and returns the token h
// must present to RemoveCursor when it uncouples.
func (p *Page) AddCursor(h CursorHandle) Token {
	return Token{elem: p.cursors.PushBack(h)}
}

// RemoveCursor detaches the cursor identified by tok from this page's
// cursor list. It is a programming error to call it with a token from a
// different page; List.Remove is a no-op in that case.
func (p *Page) RemoveCursor(tok Token) {
	if tok.elem != nil {
		p.cursors.Remove(tok.elem)
	}
}

// HasCoupledCursors reports whether any cursor currently holds a token on
// this page — such a page is ineligible for eviction (spec §4.1).
func (p *Page) HasCoupledCursors() bool { return p.cursors.Len() > 0 }

// UncoupleAllCursors forces every coupled cursor off this page, the way
// the cache's purge visitor must before it releases the page (spec §4.3.6).
func (p *Page) UncoupleAllCursors() {
	for e := p.cursors.Front(); e != nil; e = e.Next() {
		e.Value.(CursorHandle).ForceUncouple()
	}
	p.cursors.Init()
}

// SetManagerState marks or unmarks this page as the header or manager
// state page (spec §4.1 rule (b)).
func (p *Page) SetManagerState(v bool) { p.managerState = v }

// IsManagerState reports whether this page is pinned as the header or
// manager state page.
func (p *Page) IsManagerState() bool { return p.managerState }

// Evictable reports whether this page may be chosen as a purge victim:
// unpinned, with no coupled cursors, and not the header or manager state
// page (spec §4.1 rules (a)-(c)).
func (p *Page) Evictable() bool {
	return p.pinCount == 0 && !p.HasCoupledCursors() && !p.managerState
}
