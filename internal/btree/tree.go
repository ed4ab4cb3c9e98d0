package btree

import (
	"sort"
	"sync"

	kverrors "github.com/pagedkv/pagedkv/errors"
	"github.com/pagedkv/pagedkv/internal/storage/page"
)

// RecordID is an opaque reference to a stored record: either an inline
// payload offset or a blob page address, depending on record size. This
// package never interprets the bits; it only carries them between Find,
// InsertCursor, Erase and the duplicate table.
type RecordID uint64

// FindFlags controls approximate matching in Find/Btree.Find, mirroring
// the MergeCursor sync directions from spec §4.6.2.
type FindFlags uint32

const (
	// FindGEQ requests the smallest key >= the search key when there is
	// no exact match ("approx-match-from-flags" for a Next sync).
	FindGEQ FindFlags = 1 << iota
	// FindLEQ requests the largest key <= the search key ("Previous"
	// sync direction).
	FindLEQ
	// FindDontLoadKey skips copying the matched key into the cursor's
	// uncoupled-key buffer (spec §4.6.2's SyncDontLoadKey).
	FindDontLoadKey
)

// InsertFlags controls InsertCursor's duplicate handling.
type InsertFlags uint32

const (
	InsertOverwrite InsertFlags = 1 << iota
	InsertDuplicate
	InsertDuplicateFirst
)

// Leaf is the collaborator surface spec §6 lists for leaf navigation:
// "leaf sibling pointers left/right, per-leaf count, is_leaf, get_key(idx),
// ptr_left". BTreeCursor only ever touches leaves through this interface.
type Leaf interface {
	Page() *page.Page
	Count() int
	IsLeaf() bool
	GetKey(idx int) []byte
	GetRecord(idx int) RecordID
	PtrLeft() RecordID
	SiblingLeft() Leaf
	SiblingRight() Leaf
}

// Btree is the collaborator contract spec §6 assigns to the tree itself:
// find/insert_cursor/erase/get_duplicate_table are opaque primitives here
// (spec §1's "B-tree split/merge algorithms ... out of scope"); this
// package only consumes them.
type Btree interface {
	Comparator() Comparator
	FirstLeaf() (Leaf, error)
	LastLeaf() (Leaf, error)
	Find(key []byte, flags FindFlags) (Leaf, int, error)
	InsertCursor(key, record []byte, rid RecordID, flags InsertFlags) (Leaf, int, error)
	Erase(key []byte, flags uint32) (rid RecordID, intflags uint32, err error)
	GetDuplicateTable(leaf Leaf, idx int) (table []RecordID, owned bool)
}

type memEntry struct {
	key    []byte
	record RecordID
	dupes  []RecordID
}

// MemTree is a concrete Btree/Leaf implementation backed by one sorted
// in-memory leaf. It exists to give BTreeCursor, TxnCursor and MergeCursor
// something real to exercise; it deliberately does not split or page —
// that algorithm is the out-of-scope "B-tree split/merge" spec §1 excludes,
// so a single growing leaf is the honest minimal stand-in rather than a
// half-built paged balancer.
type MemTree struct {
	mu      sync.Mutex
	cmp     Comparator
	entries []memEntry
	leafPage *page.Page
}

// NewMemTree builds an empty tree backed by leafPage, which BTreeCursor
// couples cursors onto via the page's cursor list.
func NewMemTree(leafPage *page.Page, cmp Comparator) *MemTree {
	if cmp == nil {
		cmp = ByteComparator{}
	}
	leafPage.SetType(page.TypeBtreeRoot)
	return &MemTree{cmp: cmp, leafPage: leafPage}
}

func (t *MemTree) Comparator() Comparator { return t.cmp }

// search returns the index of the first entry whose key is >= key, and
// whether that entry's key equals key exactly (classic lower-bound).
func (t *MemTree) search(key []byte) (idx int, exact bool) {
	idx = sort.Search(len(t.entries), func(i int) bool {
		return t.cmp.Compare(t.entries[i].key, key) != Less
	})
	exact = idx < len(t.entries) && t.cmp.Compare(t.entries[idx].key, key) == Equal
	return idx, exact
}

func (t *MemTree) Count() int            { return len(t.entries) }
func (t *MemTree) IsLeaf() bool          { return true }
func (t *MemTree) Page() *page.Page      { return t.leafPage }
func (t *MemTree) PtrLeft() RecordID     { return 0 }
func (t *MemTree) SiblingLeft() Leaf     { return nil }
func (t *MemTree) SiblingRight() Leaf    { return nil }

func (t *MemTree) GetKey(idx int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.entries) {
		return nil
	}
	return t.entries[idx].key
}

func (t *MemTree) GetRecord(idx int) RecordID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.entries) {
		return 0
	}
	return t.entries[idx].record
}

// FirstLeaf and LastLeaf both return the tree's single leaf; real
// multi-level root descent (spec §4.4's "traverse from root ... until a
// leaf is reached") is the out-of-scope tree algorithm this stands in for.
func (t *MemTree) FirstLeaf() (Leaf, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) == 0 {
		return nil, kverrors.New(kverrors.KeyNotFound, "tree is empty")
	}
	return t, nil
}

func (t *MemTree) LastLeaf() (Leaf, error) { return t.FirstLeaf() }

func (t *MemTree) Find(key []byte, flags FindFlags) (Leaf, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, exact := t.search(key)
	if exact {
		return t, idx, nil
	}
	switch {
	case flags&FindGEQ != 0:
		if idx < len(t.entries) {
			return t, idx, nil
		}
	case flags&FindLEQ != 0:
		if idx > 0 {
			return t, idx - 1, nil
		}
	}
	return nil, 0, kverrors.New(kverrors.KeyNotFound, "key not found")
}

func (t *MemTree) InsertCursor(key, record []byte, rid RecordID, flags InsertFlags) (Leaf, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, exact := t.search(key)
	if exact {
		switch {
		case flags&InsertOverwrite != 0:
			t.entries[idx].record = rid
			return t, idx, nil
		case flags&InsertDuplicate != 0:
			if flags&InsertDuplicateFirst != 0 {
				t.entries[idx].dupes = append([]RecordID{rid}, t.entries[idx].dupes...)
			} else {
				t.entries[idx].dupes = append(t.entries[idx].dupes, rid)
			}
			return t, idx, nil
		default:
			return nil, 0, kverrors.New(kverrors.DuplicateKey, "key already exists")
		}
	}

	entry := memEntry{key: append([]byte(nil), key...), record: rid}
	t.entries = append(t.entries, memEntry{})
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = entry
	t.leafPage.SetDirty(true)
	return t, idx, nil
}

func (t *MemTree) Erase(key []byte, flags uint32) (RecordID, uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, exact := t.search(key)
	if !exact {
		return 0, 0, kverrors.New(kverrors.KeyNotFound, "key not found")
	}
	rid := t.entries[idx].record
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	t.leafPage.SetDirty(true)
	return rid, 0, nil
}

func (t *MemTree) GetDuplicateTable(leaf Leaf, idx int) ([]RecordID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.entries) {
		return nil, false
	}
	out := make([]RecordID, 0, len(t.entries[idx].dupes)+1)
	out = append(out, t.entries[idx].record)
	out = append(out, t.entries[idx].dupes...)
	return out, true
}
