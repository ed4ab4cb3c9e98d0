// Package changeset implements the Changeset and LsnManager collaborator
// contracts from spec §6. A changeset collects the pages one logical
// operation dirtied so they can be flushed together under a single log
// sequence number (spec GLOSSARY: "Changeset").
package changeset

import (
	"sync"

	"github.com/pagedkv/pagedkv/internal/storage/page"
)

// Changeset is the collaborator contract: put is idempotent, clear resets
// it for the next operation, flush assigns everything in it the given LSN.
type Changeset interface {
	Put(p *page.Page)
	Clear()
	Flush(lsn uint64) error
	Pages() []*page.Page
}

// Set is the concrete, in-process Changeset implementation: an
// address-keyed set so duplicate enlistment is a no-op, plus insertion
// order preserved for a deterministic flush sequence.
type Set struct {
	mu      sync.Mutex
	order   []*page.Page
	present map[page.ID]struct{}
}

func NewSet() *Set {
	return &Set{present: make(map[page.ID]struct{})}
}

func (s *Set) Put(p *page.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.present[p.Address()]; ok {
		return
	}
	s.present[p.Address()] = struct{}{}
	s.order = append(s.order, p)
}

func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.present = make(map[page.ID]struct{})
}

func (s *Set) Pages() []*page.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*page.Page, len(s.order))
	copy(out, s.order)
	return out
}

// Flush marks every enlisted page dirty-cleared is NOT this package's job —
// flushing page bytes to disk belongs to the page manager/cache. Flush here
// only stamps the LSN each page was last touched under and clears the set,
// matching spec §5's ordering: "changeset enlistment happens before
// store-state which happens before log flush which happens before page
// flush".
func (s *Set) Flush(lsn uint64) error {
	s.mu.Lock()
	pages := s.order
	s.order = nil
	s.present = make(map[page.ID]struct{})
	s.mu.Unlock()

	for _, p := range pages {
		p.SetLSN(lsn)
	}
	return nil
}

// LsnManager hands out strictly increasing log sequence numbers.
type LsnManager interface {
	Next() uint64
}

// Counter is a trivial in-process LsnManager.
type Counter struct {
	mu  sync.Mutex
	lsn uint64
}

func NewCounter() *Counter { return &Counter{} }

func (c *Counter) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lsn++
	return c.lsn
}
