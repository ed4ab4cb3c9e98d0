package kv

import (
	"encoding/binary"
	"fmt"

	"github.com/pagedkv/pagedkv/internal/btree"
	"github.com/pagedkv/pagedkv/internal/storage/page"
	"github.com/pagedkv/pagedkv/internal/storage/pagemanager"
)

// inlineThreshold is the cutoff between a value stored inline in the
// record table and one spilled to an out-of-line multi-page blob run
// (spec §1: "values ... may be stored inline (tiny/small) or as
// out-of-line blobs").
const inlineThreshold = 64

// blobTag marks a RecordID as a page address rather than an inline
// counter value, so Get/Delete can tell the two numbering spaces apart
// without a side table.
const blobTag btree.RecordID = 1 << 63

func isBlobRecord(rid btree.RecordID) bool { return rid&blobTag != 0 }

func blobAddress(rid btree.RecordID) page.ID { return page.ID(rid &^ blobTag) }

func blobRecordID(addr page.ID) btree.RecordID { return btree.RecordID(addr) | blobTag }

// storeValueLocked records value under a fresh RecordID, spilling to the
// page manager's multi-page blob allocator when it exceeds
// inlineThreshold. Caller holds s.mu.
func (s *Store) storeValueLocked(value []byte) (btree.RecordID, error) {
	if len(value) <= inlineThreshold {
		return s.allocRecordLocked(value), nil
	}
	return s.writeBlobLocked(value)
}

// writeBlobLocked allocates a contiguous page run via PageManager and
// writes an 8-byte little-endian length prefix followed by value, spread
// across the run (spec §4.3.1's alloc_multi_blob; the length prefix and
// payload layout are this façade's own encoding, since the on-disk blob
// format itself is out of scope per spec §1).
func (s *Store) writeBlobLocked(value []byte) (btree.RecordID, error) {
	pageSize := int(s.cfg.PageSize)
	total := 8 + len(value)
	n := (total + pageSize - 1) / pageSize

	first, err := s.mgr.AllocMultiBlob(s.dbID, n)
	if err != nil {
		return 0, fmt.Errorf("kv: allocate blob run of %d pages: %w", n, err)
	}

	binary.LittleEndian.PutUint64(first.Data()[:8], uint64(len(value)))
	remaining := value
	remaining = copyAndAdvance(first.Data()[8:], remaining)
	first.SetDirty(true)

	for i := 1; i < n; i++ {
		addr := first.Address() + page.ID(i*pageSize)
		p, err := s.mgr.Fetch(s.dbID, addr, pagemanager.NoHeader)
		if err != nil {
			return 0, fmt.Errorf("kv: fetch blob continuation page %d: %w", addr, err)
		}
		if p == nil {
			return 0, fmt.Errorf("kv: blob continuation page %d missing from cache", addr)
		}
		remaining = copyAndAdvance(p.Data(), remaining)
		p.SetDirty(true)
	}

	return blobRecordID(first.Address()), nil
}

// copyAndAdvance copies as much of src into dst as fits and returns the
// unwritten remainder of src.
func copyAndAdvance(dst []byte, src []byte) []byte {
	n := copy(dst, src)
	return src[n:]
}

// readValueLocked resolves rid back into its value bytes, following the
// blob run's continuation pages if rid tags an out-of-line blob.
func (s *Store) readValueLocked(rid btree.RecordID) ([]byte, error) {
	if !isBlobRecord(rid) {
		return s.blobs[rid], nil
	}
	return s.readBlobLocked(blobAddress(rid))
}

func (s *Store) readBlobLocked(addr page.ID) ([]byte, error) {
	pageSize := int(s.cfg.PageSize)
	first, err := s.mgr.Fetch(s.dbID, addr, 0)
	if err != nil {
		return nil, fmt.Errorf("kv: fetch blob page %d: %w", addr, err)
	}
	if first == nil {
		return nil, fmt.Errorf("kv: blob page %d not resident", addr)
	}
	length := binary.LittleEndian.Uint64(first.Data()[:8])
	out := make([]byte, 0, length)
	out = appendUpTo(out, first.Data()[8:], length)

	for page.ID(len(out)) < page.ID(length) {
		i := len(out) + 8 // bytes written so far including the length prefix
		pageIdx := i / pageSize
		addr := first.Address() + page.ID(pageIdx*pageSize)
		p, err := s.mgr.Fetch(s.dbID, addr, pagemanager.NoHeader)
		if err != nil {
			return nil, fmt.Errorf("kv: fetch blob continuation page %d: %w", addr, err)
		}
		if p == nil {
			return nil, fmt.Errorf("kv: blob continuation page %d not resident", addr)
		}
		out = appendUpTo(out, p.Data(), length)
	}
	return out, nil
}

func appendUpTo(out []byte, chunk []byte, total uint64) []byte {
	need := int(total) - len(out)
	if need <= 0 {
		return out
	}
	if need > len(chunk) {
		need = len(chunk)
	}
	return append(out, chunk[:need]...)
}

// deleteValueLocked releases rid's storage: a no-op for inline records
// beyond forgetting the map entry, or a Del of the blob's full page run.
func (s *Store) deleteValueLocked(rid btree.RecordID) error {
	if !isBlobRecord(rid) {
		delete(s.blobs, rid)
		return nil
	}
	addr := blobAddress(rid)
	pageSize := int(s.cfg.PageSize)
	first, err := s.mgr.Fetch(s.dbID, addr, 0)
	if err != nil {
		return fmt.Errorf("kv: fetch blob page %d for delete: %w", addr, err)
	}
	if first == nil {
		return fmt.Errorf("kv: blob page %d not resident for delete", addr)
	}
	length := binary.LittleEndian.Uint64(first.Data()[:8])
	n := (8 + int(length) + pageSize - 1) / pageSize
	return s.mgr.Del(first, n)
}
