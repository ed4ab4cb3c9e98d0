// Package mergecursor implements the MergeCursor from spec §4.6: the
// user-visible cursor that composes a btree.Cursor and a txn.Cursor,
// resolves which side "owns" the effective position, and maintains a
// DupeCache reflecting the merged btree/txn duplicate order for the
// current key.
//
// Ground: no single teacher file plays this role directly (the teacher
// has no transactional overlay to merge against); grounded on spec
// §4.6.1-§4.6.4's explicit algorithm and on the surrounding packages'
// idiom — mutex-guarded state, *kverrors.Error returns, zap-logger and
// OpenTelemetry-metrics fields threaded through from kv.Open.
package mergecursor

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	kverrors "github.com/pagedkv/pagedkv/errors"
	"github.com/pagedkv/pagedkv/internal/btree"
	"github.com/pagedkv/pagedkv/internal/dupecache"
	"github.com/pagedkv/pagedkv/internal/txn"
	"github.com/pagedkv/pagedkv/pkg/telemetry"
)

// What selects which side(s) Update should rebuild the DupeCache from
// (spec §4.6.1's "update(what ∈ {Btree, Txn, Both})").
type What int

const (
	UpdateBtree What = iota
	UpdateTxn
	UpdateBoth
)

// Direction is the last move direction MergeCursor issued, used to decide
// whether a Sync is required when the caller reverses direction (spec
// §4.6.3 step 2).
type Direction int

const (
	DirNone Direction = iota
	DirNext
	DirPrevious
	DirLookup
)

// Side tags which sub-cursor currently owns the effective position (spec
// §3's "a bit indicating which side ... currently owns the effective
// position").
type Side int

const (
	SideBtree Side = iota
	SideTxn
)

// MoveFlags directs Move's key- and duplicate-dimension traversal.
type MoveFlags uint32

const (
	MoveFirst MoveFlags = 1 << iota
	MoveLast
	MoveNext
	MovePrevious
	// SkipDuplicates requests key-to-key movement even when the current
	// key has further duplicates (spec §4.6.3 step 3).
	SkipDuplicates
)

func (f MoveFlags) has(bit MoveFlags) bool { return f&bit != 0 }

func (f MoveFlags) direction() Direction {
	switch {
	case f.has(MoveNext):
		return DirNext
	case f.has(MovePrevious):
		return DirPrevious
	case f.has(MoveFirst), f.has(MoveLast):
		return DirLookup
	default:
		return DirNone
	}
}

// Cursor is the MergeCursor described in spec §4.6: the merged, ordered
// view across the persistent B-tree and the transaction overlay.
type Cursor struct {
	mu sync.Mutex

	bt  *btree.Cursor
	txc *txn.Cursor

	dupes   *dupecache.Cache
	dupeIdx int // 1-based; 0 = no selection

	side    Side
	lastDir Direction

	log     *zap.Logger
	metrics *telemetry.PageManagerMetrics
}

// New builds a MergeCursor over a coupled pair of sub-cursors, both
// initially Nil.
func New(bt *btree.Cursor, txc *txn.Cursor, log *zap.Logger, metrics *telemetry.PageManagerMetrics) *Cursor {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &Cursor{bt: bt, txc: txc, dupes: dupecache.New(), log: log, metrics: metrics}
}

// KeyRecord is the (key, record) pair Move resolves from whichever side
// currently owns the effective position.
type KeyRecord struct {
	Key    []byte
	Record []byte
}

// Update rebuilds the DupeCache from the requested side(s). A no-op if the
// cache is already populated — spec §4.6.1: "If the cache is non-empty,
// return (it is already current)."
func (c *Cursor) Update(what What) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateLocked(what)
}

func (c *Cursor) updateLocked(what What) error {
	if c.dupes.Count() > 0 {
		return nil
	}

	if what == UpdateBoth && c.bt.IsNil() && !c.txc.IsNil() {
		if _, err := c.syncLocked(DirLookup); err != nil {
			return err
		}
	}

	if what != UpdateTxn && !c.bt.IsNil() {
		table, _ := c.bt.DuplicateTable()
		for i := range table {
			c.dupes.Append(dupecache.Line{Source: dupecache.SourceBtree, BtreeIndex: i})
		}
	}

	if what != UpdateBtree && !c.txc.IsNil() {
		node := c.txc.Node()
		if node != nil {
			for _, op := range node.Ops {
				if err := c.applyOpLocked(op); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// applyOpLocked folds one overlay op into the DupeCache, in oldest-to-
// newest order, per spec §4.6.1's per-kind rules.
func (c *Cursor) applyOpLocked(op *txn.Op) error {
	if op.Txn != nil && op.Txn.State() == txn.Aborted {
		return nil
	}

	switch op.Kind {
	case txn.OpInsert:
		c.dupes.Reset()
		c.dupes.Append(dupecache.Line{Source: dupecache.SourceTxn, TxnOp: op})

	case txn.OpInsertOverwrite:
		if op.ReferencedDupe != 0 {
			if err := c.dupes.Set(op.ReferencedDupe, dupecache.Line{Source: dupecache.SourceTxn, TxnOp: op}); err != nil {
				c.dupes.Reset()
				c.dupes.Append(dupecache.Line{Source: dupecache.SourceTxn, TxnOp: op})
			}
		} else {
			c.dupes.Reset()
			c.dupes.Append(dupecache.Line{Source: dupecache.SourceTxn, TxnOp: op})
		}

	case txn.OpInsertDuplicate:
		line := dupecache.Line{Source: dupecache.SourceTxn, TxnOp: op}
		switch op.DupPosition {
		case txn.DuplicateFirst:
			_ = c.dupes.Insert(1, line)
		case txn.DuplicateBefore:
			_ = c.dupes.Insert(op.ReferencedDupe, line)
		case txn.DuplicateAfter:
			pos := op.ReferencedDupe + 1
			if pos > c.dupes.Count()+1 {
				pos = c.dupes.Count() + 1
			}
			_ = c.dupes.Insert(pos, line)
		default:
			c.dupes.Append(line)
		}

	case txn.OpErase:
		if op.ReferencedDupe != 0 {
			_ = c.dupes.Erase(op.ReferencedDupe)
		} else {
			c.dupes.Reset()
		}

	case txn.OpNop:
		// ignore

	default:
		return kverrors.New(kverrors.InvParameter, "mergecursor: unexpected op kind %d", op.Kind)
	}
	return nil
}

// Sync aligns the nil side of the dual cursor to the other side's current
// key (spec §4.6.2). equalKeys reports whether the match was exact.
func (c *Cursor) Sync(dir Direction) (equalKeys bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncLocked(dir)
}

func (c *Cursor) syncLocked(dir Direction) (equalKeys bool, err error) {
	switch {
	case c.bt.IsNil() && !c.txc.IsNil():
		key := c.txc.GetKey()
		flags := approxFlags(dir)
		exact, err := c.bt.Seek(key, flags)
		if err != nil {
			if kverrors.Is(err, kverrors.KeyNotFound) {
				return false, nil
			}
			return false, err
		}
		return exact, nil

	case c.txc.IsNil() && !c.bt.IsNil():
		clone := c.bt.Clone()
		_ = clone.Uncouple()
		key := clone.Key()
		txflags := txn.FindGEQ
		if dir == DirPrevious {
			txflags = txn.FindLEQ
		}
		exact, err := c.txc.Find(key, txflags)
		if err != nil {
			if kverrors.Is(err, kverrors.KeyNotFound) {
				return false, nil
			}
			return false, err
		}
		return exact, nil
	}
	return false, nil
}

func approxFlags(dir Direction) btree.FindFlags {
	if dir == DirPrevious {
		return btree.FindLEQ | btree.FindDontLoadKey
	}
	return btree.FindGEQ | btree.FindDontLoadKey
}

// Move repositions the cursor along flags' direction and returns the
// resolved (key, record) pair at the new position (spec §4.6.3).
func (c *Cursor) Move(flags MoveFlags) (KeyRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moveLocked(flags)
}

// moveLocked is Move's body, split out so the step-5 "all dupes erased"
// fallback (spec §4.6.3: "re-issue move with First→Next or Last→Previous")
// can recurse without re-entering the (non-reentrant) mutex.
func (c *Cursor) moveLocked(flags MoveFlags) (KeyRecord, error) {
	dir := flags.direction()

	if dir == DirNone {
		return c.readLocked()
	}

	if dir != c.lastDir {
		if _, err := c.syncLocked(dir); err != nil {
			return KeyRecord{}, err
		}
	}

	if !flags.has(SkipDuplicates) {
		if kr, handled, err := c.tryDupeMoveLocked(dir); handled {
			c.lastDir = dir
			c.recordMove(dir)
			return kr, err
		}
	}

	c.dupes.Clear()

	if err := c.moveKeyLocked(flags); err != nil {
		return KeyRecord{}, err
	}

	if !flags.has(SkipDuplicates) {
		if err := c.positionAtBoundaryDupeLocked(dir); err != nil {
			if kverrors.Is(err, kverrors.LimitsReached) {
				again := MoveNext
				if dir == DirPrevious {
					again = MovePrevious
				}
				c.lastDir = dir
				return c.moveLocked(again)
			}
			return KeyRecord{}, err
		}
	}

	c.lastDir = dir
	c.recordMove(dir)
	return c.readLocked()
}

func (c *Cursor) recordMove(dir Direction) {
	if c.metrics == nil || c.metrics.MergeCursorMove == nil {
		return
	}
	c.metrics.MergeCursorMove.Add(context.Background(), 1, metric.WithAttributes(attribute.String("direction", dirName(dir))))
}

func dirName(dir Direction) string {
	switch dir {
	case DirNext:
		return "next"
	case DirPrevious:
		return "previous"
	case DirLookup:
		return "lookup"
	default:
		return "none"
	}
}

// tryDupeMoveLocked attempts to advance within the current key's
// duplicates before falling back to a key-dimension move (spec §4.6.3
// step 3). handled is false when duplicates are empty or exhausted and a
// key move should proceed instead.
func (c *Cursor) tryDupeMoveLocked(dir Direction) (kr KeyRecord, handled bool, err error) {
	if c.dupes.Count() == 0 {
		return KeyRecord{}, false, nil
	}

	var next int
	switch dir {
	case DirNext:
		next = c.dupeIdx + 1
	case DirPrevious:
		next = c.dupeIdx - 1
	case DirLookup:
		return KeyRecord{}, false, nil
	default:
		return KeyRecord{}, false, nil
	}

	if next < 1 || next > c.dupes.Count() {
		return KeyRecord{}, false, nil
	}
	c.dupeIdx = next
	if err := c.coupleToDupeLocked(); err != nil {
		return KeyRecord{}, true, err
	}
	kr, err = c.readLocked()
	return kr, true, err
}

// positionAtBoundaryDupeLocked selects the first or last duplicate of the
// key a key-move just landed on, matching the intended traversal
// direction (spec §4.6.3 step 5).
func (c *Cursor) positionAtBoundaryDupeLocked(dir Direction) error {
	if c.dupes.Count() == 0 {
		return nil
	}
	if dir == DirPrevious {
		c.dupeIdx = c.dupes.Count()
	} else {
		c.dupeIdx = 1
	}
	return c.coupleToDupeLocked()
}

func (c *Cursor) coupleToDupeLocked() error {
	line, ok := c.dupes.Get(c.dupeIdx)
	if !ok {
		return kverrors.New(kverrors.LimitsReached, "mergecursor: no duplicate at position %d", c.dupeIdx)
	}
	switch line.Source {
	case dupecache.SourceBtree:
		c.side = SideBtree
	case dupecache.SourceTxn:
		c.side = SideTxn
	}
	return nil
}

// moveKeyLocked performs the key-dimension move spec §4.6.3 step 4
// describes, delegating to firstKeyLocked for MoveFirst and to the
// symmetric sibling operations (per spec §9's "defined by analogy") for
// the rest.
func (c *Cursor) moveKeyLocked(flags MoveFlags) error {
	switch {
	case flags.has(MoveFirst):
		return c.firstKeyLocked()
	case flags.has(MoveLast):
		return c.lastKeyLocked()
	case flags.has(MoveNext):
		return c.nextKeyLocked()
	case flags.has(MovePrevious):
		return c.previousKeyLocked()
	default:
		return kverrors.New(kverrors.InvParameter, "mergecursor: Move requires a direction flag")
	}
}

// firstKeyLocked is spec §4.6.3's fully-specified first_key algorithm:
// move both sides to their minimums, then resolve the outcome matrix.
func (c *Cursor) firstKeyLocked() error {
	btErr := c.bt.First()
	txErr := c.txc.Move(txn.MoveFirst)

	btOK := btErr == nil
	txOK := txErr == nil

	switch {
	case !btOK && !txOK:
		return kverrors.New(kverrors.KeyNotFound, "mergecursor: store is empty")

	case !btOK && txOK:
		if err := c.conflictErrLocked(); err != nil {
			return err
		}
		c.side = SideTxn
		return c.updateLocked(UpdateTxn)

	case btOK && !txOK:
		c.side = SideBtree
		return c.updateLocked(UpdateBtree)

	default:
		return c.resolveBothLocked(DirNext)
	}
}

// lastKeyLocked mirrors firstKeyLocked, moving both sides to their
// maximums (spec §9: "implementers must verify tie-breaking ... matches
// _first_key").
func (c *Cursor) lastKeyLocked() error {
	btErr := c.bt.Last()
	txErr := c.txc.Move(txn.MoveLast)

	btOK := btErr == nil
	txOK := txErr == nil

	switch {
	case !btOK && !txOK:
		return kverrors.New(kverrors.KeyNotFound, "mergecursor: store is empty")
	case !btOK && txOK:
		if err := c.conflictErrLocked(); err != nil {
			return err
		}
		c.side = SideTxn
		return c.updateLocked(UpdateTxn)
	case btOK && !txOK:
		c.side = SideBtree
		return c.updateLocked(UpdateBtree)
	default:
		return c.resolveBothLocked(DirPrevious)
	}
}

// nextKeyLocked advances the side that owns the current position (and the
// other side too when it sits on the same key) and resolves the outcome the
// same way firstKeyLocked does, but starting from the current position
// rather than the minimum (spec §9's analogy instruction).
func (c *Cursor) nextKeyLocked() error {
	return c.advanceAndResolveLocked(DirNext)
}

func (c *Cursor) previousKeyLocked() error {
	return c.advanceAndResolveLocked(DirPrevious)
}

func (c *Cursor) advanceAndResolveLocked(dir Direction) error {
	// A side positioned beyond the current key keeps its position; it is
	// only moved when it owns the position or shares the current key.
	cur := c.bt.Key()
	if c.side == SideTxn {
		cur = c.txc.GetKey()
	}
	atCurrent := func(key []byte) bool {
		return cur == nil || btree.ByteComparator{}.Compare(key, cur) == btree.Equal
	}

	var btErr, txErr error
	if !c.bt.IsNil() {
		if c.side == SideBtree || atCurrent(c.bt.Key()) {
			if dir == DirNext {
				btErr = c.bt.Next()
			} else {
				btErr = c.bt.Previous()
			}
		}
	} else {
		btErr = kverrors.New(kverrors.CursorIsNil, "btree side is nil")
	}

	if !c.txc.IsNil() {
		mv := txn.MoveNext
		if dir == DirPrevious {
			mv = txn.MovePrevious
		}
		if c.side == SideTxn || atCurrent(c.txc.GetKey()) {
			txErr = c.txc.Move(mv)
		}
	} else {
		txErr = kverrors.New(kverrors.CursorIsNil, "txn side is nil")
	}

	btOK := btErr == nil
	txOK := txErr == nil

	switch {
	case !btOK && !txOK:
		return kverrors.New(kverrors.KeyNotFound, "mergecursor: no further keys")
	case !btOK && txOK:
		if err := c.conflictErrLocked(); err != nil {
			return err
		}
		c.side = SideTxn
		return c.updateLocked(UpdateTxn)
	case btOK && !txOK:
		c.side = SideBtree
		return c.updateLocked(UpdateBtree)
	default:
		return c.resolveBothLocked(dir)
	}
}

// resolveBothLocked implements the "both ok / txn-erased / txn-conflict"
// branch of spec §4.6.3's outcome matrix: compare keys, prefer the
// chronologically newer txn side on a tie, and fall through scanning past
// erased/overwritten btree keys. A txn side positioned on an op from
// another still-active transaction never wins the comparison — it is
// surfaced as TxnConflict instead of being coupled to, unless the btree
// side is preferred outright.
func (c *Cursor) resolveBothLocked(dir Direction) error {
	btKey := c.bt.Key()
	txKey := c.txc.GetKey()
	cmp := btree.ByteComparator{}.Compare(btKey, txKey)

	if cmp == btree.Equal {
		if err := c.conflictErrLocked(); err != nil {
			return err
		}
		op := c.txc.GetCoupledOp()
		if op != nil && op.Kind == txn.OpErase {
			if c.hasDuplicatesAtLocked() {
				c.side = SideTxn
				if err := c.updateLocked(UpdateBoth); err != nil {
					return err
				}
				return kverrors.New(kverrors.KeyErasedInTxn, "key erased in transaction")
			}
			return c.advanceAndResolveLocked(dir)
		}
		c.side = SideTxn
		return c.updateLocked(UpdateBoth)
	}

	preferBtree := (dir == DirNext && cmp == btree.Less) || (dir == DirPrevious && cmp == btree.Greater)
	if preferBtree {
		c.side = SideBtree
		return c.updateLocked(UpdateBtree)
	}
	if err := c.conflictErrLocked(); err != nil {
		return err
	}
	c.side = SideTxn
	return c.updateLocked(UpdateTxn)
}

// conflictErrLocked returns a TxnConflict error if the txn side is
// currently positioned on an op belonging to another still-active
// transaction, else nil (spec §4.6.4's TxnConflict error surface).
func (c *Cursor) conflictErrLocked() error {
	if !c.txc.HasConflict() {
		return nil
	}
	return kverrors.New(kverrors.TxnConflict, "mergecursor: key %q has an uncommitted write from another transaction", c.txc.GetKey())
}

// hasDuplicatesAtLocked reports whether the btree side's current key has
// more than one record — queried directly against the tree rather than
// the DupeCache, which the caller has not yet rebuilt at this point in
// the key-move algorithm (spec §4.6.3 step 4).
func (c *Cursor) hasDuplicatesAtLocked() bool {
	table, _ := c.bt.DuplicateTable()
	return len(table) > 1
}

// readLocked resolves (key, record) from whichever side currently owns
// the effective position.
func (c *Cursor) readLocked() (KeyRecord, error) {
	switch c.side {
	case SideTxn:
		if c.txc.IsNil() {
			return KeyRecord{}, kverrors.New(kverrors.CursorIsNil, "cursor is nil")
		}
		return KeyRecord{Key: c.txc.GetKey(), Record: c.txc.GetRecord()}, nil
	default:
		if c.bt.IsNil() {
			return KeyRecord{}, kverrors.New(kverrors.CursorIsNil, "cursor is nil")
		}
		rid := c.bt.Record()
		return KeyRecord{Key: c.bt.Key(), Record: recordBytes(rid)}, nil
	}
}

func recordBytes(rid btree.RecordID) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(rid >> (8 * i))
	}
	return b
}

// Side reports which sub-cursor currently owns the effective position.
func (c *Cursor) Side() Side {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.side
}

// DupeIndex reports the 1-based duplicate index currently selected, or 0
// if there is no selection.
func (c *Cursor) DupeIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dupeIdx
}
