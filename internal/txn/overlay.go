// Package txn implements the transaction-overlay tree and the TxnCursor
// collaborator contract from spec §6 and §4.6.1: an in-memory tree of
// per-key operation lists that MergeCursor merges against the persistent
// B-tree during traversal.
//
// Ground: core/transaction/transaction.go (the teacher's Txn lifecycle and
// ID assignment) generalized from a WAL-log-entry record into the
// overlay's per-key op list this spec requires; google/uuid replaces the
// teacher's counter-based transaction IDs.
package txn

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	kverrors "github.com/pagedkv/pagedkv/errors"
)

// State is a transaction's lifecycle stage.
type State int

const (
	Active State = iota
	Committed
	Aborted
)

// Txn is a single logical transaction. Ops reference the Txn that created
// them so MergeCursor can skip ops "belonging to" an aborted transaction
// without deleting them from the overlay (spec §4.6.1).
type Txn struct {
	ID    uuid.UUID
	mu    sync.Mutex
	state State
}

func newTxn() *Txn {
	return &Txn{ID: uuid.New(), state: Active}
}

func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return kverrors.New(kverrors.InvParameter, "transaction %s is not active", t.ID)
	}
	t.state = Committed
	return nil
}

func (t *Txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return kverrors.New(kverrors.InvParameter, "transaction %s is not active", t.ID)
	}
	t.state = Aborted
	return nil
}

// OpKind is one of the operation kinds spec §4.6.1 enumerates.
type OpKind int

const (
	OpInsert OpKind = iota
	OpInsertOverwrite
	OpInsertDuplicate
	OpErase
	OpNop
)

// DuplicatePosition controls where OpInsertDuplicate lands in the merged
// duplicate order (spec §4.6.1).
type DuplicatePosition int

const (
	DuplicateDefault DuplicatePosition = iota // append
	DuplicateFirst
	DuplicateBefore
	DuplicateAfter
)

// Op is one entry in a key's op list: an insert, overwrite, duplicate
// insert, erase, or nop, stamped with the transaction that issued it.
type Op struct {
	Txn            *Txn
	Kind           OpKind
	Key            []byte
	Record         []byte
	ReferencedDupe int // 1-based; 0 means "no specific duplicate referenced"
	DupPosition    DuplicatePosition
}

// Node is the overlay's per-key record: an ordered, oldest-to-newest list
// of ops touching that key (spec §3's "MergeCursor ... txn op list").
type Node struct {
	Key []byte
	Ops []*Op
}

// Overlay is the transaction-overlay tree: an in-memory, sorted set of
// per-key Nodes. It is not itself a B-tree — no paging, no splitting —
// because the txn overlay never touches disk (spec §1 scopes persistence
// to the core B-tree only).
type Overlay struct {
	mu    sync.Mutex
	nodes []*Node
}

func NewOverlay() *Overlay {
	return &Overlay{}
}

func (o *Overlay) Begin() *Txn { return newTxn() }

func (o *Overlay) search(key []byte) (idx int, exact bool) {
	idx = sort.Search(len(o.nodes), func(i int) bool {
		return compareBytes(o.nodes[i].Key, key) >= 0
	})
	exact = idx < len(o.nodes) && compareBytes(o.nodes[idx].Key, key) == 0
	return idx, exact
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// nodeAt returns (and lazily creates) the node for key.
func (o *Overlay) nodeAt(key []byte) *Node {
	idx, exact := o.search(key)
	if exact {
		return o.nodes[idx]
	}
	n := &Node{Key: append([]byte(nil), key...)}
	o.nodes = append(o.nodes, nil)
	copy(o.nodes[idx+1:], o.nodes[idx:])
	o.nodes[idx] = n
	return n
}

// Append records op against key's node, creating the node if needed.
func (o *Overlay) Append(key []byte, op *Op) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.nodeAt(key)
	n.Ops = append(n.Ops, op)
}

// Insert is the Insert op helper: records an OpInsert for key/record under
// txn.
func (o *Overlay) Insert(txn *Txn, key, record []byte) {
	o.Append(key, &Op{Txn: txn, Kind: OpInsert, Key: key, Record: record})
}

// InsertOverwrite records an OpInsertOverwrite, optionally targeting a
// specific existing duplicate line (referencedDupe, 1-based; 0 = reset).
func (o *Overlay) InsertOverwrite(txn *Txn, key, record []byte, referencedDupe int) {
	o.Append(key, &Op{Txn: txn, Kind: OpInsertOverwrite, Key: key, Record: record, ReferencedDupe: referencedDupe})
}

// InsertDuplicate records an OpInsertDuplicate at the given position.
func (o *Overlay) InsertDuplicate(txn *Txn, key, record []byte, pos DuplicatePosition, ref int) {
	o.Append(key, &Op{Txn: txn, Kind: OpInsertDuplicate, Key: key, Record: record, DupPosition: pos, ReferencedDupe: ref})
}

// Erase records an OpErase, optionally targeting one duplicate line.
func (o *Overlay) Erase(txn *Txn, key []byte, referencedDupe int) {
	o.Append(key, &Op{Txn: txn, Kind: OpErase, Key: key, ReferencedDupe: referencedDupe})
}

// NodeAt returns the node for key if one exists, without creating it.
func (o *Overlay) NodeAt(key []byte) (*Node, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx, exact := o.search(key)
	if !exact {
		return nil, false
	}
	return o.nodes[idx], true
}

// First returns the lowest-keyed node, or nil if the overlay is empty.
func (o *Overlay) First() *Node {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.nodes) == 0 {
		return nil
	}
	return o.nodes[0]
}

// Last returns the highest-keyed node, or nil if the overlay is empty.
func (o *Overlay) Last() *Node {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.nodes) == 0 {
		return nil
	}
	return o.nodes[len(o.nodes)-1]
}

// Next returns the node immediately after key, or nil if none.
func (o *Overlay) Next(key []byte) *Node {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx, exact := o.search(key)
	if exact {
		idx++
	}
	if idx >= len(o.nodes) {
		return nil
	}
	return o.nodes[idx]
}

// Previous returns the node immediately before key, or nil if none.
func (o *Overlay) Previous(key []byte) *Node {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx, _ := o.search(key)
	if idx == 0 {
		return nil
	}
	return o.nodes[idx-1]
}

// KeysForTxn returns the keys of every node carrying at least one op
// issued by txn, in ascending order — used by the kv façade's Commit to
// replay a transaction's writes onto the persisted tree.
func (o *Overlay) KeysForTxn(t *Txn) [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	var keys [][]byte
	for _, n := range o.nodes {
		for _, op := range n.Ops {
			if op.Txn == t {
				keys = append(keys, n.Key)
				break
			}
		}
	}
	return keys
}

// DropTxn removes every op issued by t from the overlay, pruning nodes
// that end up empty. Called after a transaction is committed or aborted
// so its ops are not merged twice (spec §5 treats two-phase commit as out
// of scope; this is the façade's own cleanup, not part of MergeCursor's
// contract).
func (o *Overlay) DropTxn(t *Txn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.nodes[:0]
	for _, n := range o.nodes {
		filtered := n.Ops[:0]
		for _, op := range n.Ops {
			if op.Txn != t {
				filtered = append(filtered, op)
			}
		}
		n.Ops = filtered
		if len(n.Ops) > 0 {
			kept = append(kept, n)
		}
	}
	o.nodes = kept
}

// Seek returns the node matching key, or — under geq/leq — the nearest
// neighbour, mirroring btree.Find's approximate-match rules.
func (o *Overlay) Seek(key []byte, geq, leq bool) (*Node, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx, exact := o.search(key)
	if exact {
		return o.nodes[idx], true
	}
	switch {
	case geq:
		if idx < len(o.nodes) {
			return o.nodes[idx], false
		}
	case leq:
		if idx > 0 {
			return o.nodes[idx-1], false
		}
	}
	return nil, false
}
