package kv

import (
	"github.com/pagedkv/pagedkv/internal/btree"
	kverrors "github.com/pagedkv/pagedkv/errors"
	"github.com/pagedkv/pagedkv/internal/txn"
)

// Txn is the transactional overlay handle spec §1 calls out: "an optional
// transactional overlay whose uncommitted operations are merged with the
// persistent B-tree during cursor traversal." Writes made through a Txn
// are only visible to cursors opened against it until Commit replays them
// into the persisted tree.
type Txn struct {
	store *Store
	txn   *txn.Txn
	done  bool
}

// Begin opens a new transaction against the store's shared overlay.
func (s *Store) Begin() *Txn {
	return &Txn{store: s, txn: s.overlay.Begin()}
}

// Put records an overwrite-insert under this transaction, visible to this
// Txn's cursors immediately and to the rest of the store only after
// Commit (spec §4.6.1's OpInsertOverwrite).
func (t *Txn) Put(key, value []byte) error {
	if t.done {
		return kverrors.New(kverrors.InvParameter, "kv: transaction already committed or aborted")
	}
	t.store.overlay.InsertOverwrite(t.txn, key, append([]byte(nil), value...), 0)
	return nil
}

// Delete records an erase under this transaction.
func (t *Txn) Delete(key []byte) error {
	if t.done {
		return kverrors.New(kverrors.InvParameter, "kv: transaction already committed or aborted")
	}
	t.store.overlay.Erase(t.txn, key, 0)
	return nil
}

// Get resolves key through this Txn's merged view: its own uncommitted
// writes take precedence over the persisted tree (spec §4.6.3's equal-key
// resolution, "couple to txn (chronologically newer)").
func (t *Txn) Get(key []byte) ([]byte, error) {
	if node, ok := t.store.overlay.NodeAt(key); ok {
		for i := len(node.Ops) - 1; i >= 0; i-- {
			op := node.Ops[i]
			if op.Txn != t.txn || op.Txn.State() == txn.Aborted {
				continue
			}
			switch op.Kind {
			case txn.OpErase:
				return nil, kverrors.New(kverrors.KeyNotFound, "key erased in transaction")
			case txn.OpInsert, txn.OpInsertOverwrite:
				return op.Record, nil
			}
		}
	}
	return t.store.Get(key)
}

// Cursor opens a MergeCursor-backed cursor over the persisted tree merged
// with this transaction's uncommitted overlay ops.
func (t *Txn) Cursor() *Cursor {
	return newCursor(t.store, t.txn)
}

// Commit replays this transaction's ops onto the persisted tree key by key
// in ascending key order (each key's ops in issue order) and marks it
// committed. Two-phase-commit ordering is out of
// scope (spec §5); this is a direct, single-writer replay.
func (t *Txn) Commit() error {
	if t.done {
		return kverrors.New(kverrors.InvParameter, "kv: transaction already committed or aborted")
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for _, key := range t.store.overlay.KeysForTxn(t.txn) {
		n, ok := t.store.overlay.NodeAt(key)
		if !ok {
			continue
		}
		for _, op := range n.Ops {
			if op.Txn != t.txn {
				continue
			}
			if err := t.applyLocked(op); err != nil {
				_ = t.txn.Abort()
				t.done = true
				return err
			}
		}
	}

	if err := t.txn.Commit(); err != nil {
		return err
	}
	t.store.overlay.DropTxn(t.txn)
	t.done = true
	return nil
}

func (t *Txn) applyLocked(op *txn.Op) error {
	switch op.Kind {
	case txn.OpInsert:
		rid, err := t.store.storeValueLocked(op.Record)
		if err != nil {
			return err
		}
		_, _, err = t.store.tree.InsertCursor(op.Key, nil, rid, 0)
		return err
	case txn.OpInsertOverwrite:
		rid, err := t.store.storeValueLocked(op.Record)
		if err != nil {
			return err
		}
		_, _, err = t.store.tree.InsertCursor(op.Key, nil, rid, btree.InsertOverwrite)
		return err
	case txn.OpInsertDuplicate:
		rid, err := t.store.storeValueLocked(op.Record)
		if err != nil {
			return err
		}
		flags := btree.InsertDuplicate
		if op.DupPosition == txn.DuplicateFirst {
			flags |= btree.InsertDuplicateFirst
		}
		_, _, err = t.store.tree.InsertCursor(op.Key, nil, rid, flags)
		return err
	case txn.OpErase:
		_, _, err := t.store.tree.Erase(op.Key, 0)
		if kverrors.Is(err, kverrors.KeyNotFound) {
			return nil
		}
		return err
	default:
		return nil
	}
}

// Abort discards this transaction's uncommitted ops.
func (t *Txn) Abort() error {
	if t.done {
		return kverrors.New(kverrors.InvParameter, "kv: transaction already committed or aborted")
	}
	if err := t.txn.Abort(); err != nil {
		return err
	}
	t.store.overlay.DropTxn(t.txn)
	t.done = true
	return nil
}
