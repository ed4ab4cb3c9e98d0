package pagemanager

import "github.com/pagedkv/pagedkv/internal/storage/page"

// Header is the collaborator contract spec §6 assigns to the header page:
// "Fields read/written by the core: page_manager_blobid: u64."
type Header interface {
	PageManagerBlobID() uint64
	SetPageManagerBlobID(id uint64)
	Page() *page.Page
}

// memHeader is a minimal concrete Header backed by a resident page.Page,
// used when the store has no richer header-page format layered on top
// (the full header-page format is out of scope per spec §1).
type memHeader struct {
	page  *page.Page
	blobID uint64
}

func NewHeader(p *page.Page) Header {
	return &memHeader{page: p}
}

func (h *memHeader) PageManagerBlobID() uint64     { return h.blobID }
func (h *memHeader) SetPageManagerBlobID(id uint64) { h.blobID = id }
func (h *memHeader) Page() *page.Page               { return h.page }
