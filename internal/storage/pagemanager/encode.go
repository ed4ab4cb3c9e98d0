package pagemanager

import (
	"encoding/binary"
	"fmt"

	"github.com/pagedkv/pagedkv/internal/storage/freelist"
	"github.com/pagedkv/pagedkv/internal/storage/page"
)

// firstPageHeaderSize is the payload offset past the persistent header of
// the state page: 8 bytes for last_blob_page_id, 8 for the overflow
// pointer, 4 for the entry counter (spec §4.3.4).
const firstPageHeaderSize = 8 + 8 + 4

// overflowPageHeaderSize is the same, minus last_blob_page_id, for every
// page after the first in the chain.
const overflowPageHeaderSize = 8 + 4

// maxEncodedEntrySize is the largest an encoded freelist entry can be: a
// 1-byte header plus up to 8 bytes of page-id (spec §4.3.4, §9).
const maxEncodedEntrySize = 9

// encodeEntry serializes one freelist run as a 1-byte header (high nibble
// run length, low nibble byte count) followed by the minimal little-endian
// encoding of base/pageSize.
func encodeEntry(base page.ID, runLength int, pageSize int) []byte {
	val := uint64(base) / uint64(pageSize)
	n := 0
	for v := val; v > 0; v >>= 8 {
		n++
	}
	buf := make([]byte, 1+n)
	buf[0] = byte(runLength<<4) | byte(n)
	for i := 0; i < n; i++ {
		buf[1+i] = byte(val >> (8 * i))
	}
	return buf
}

// decodeEntry is the inverse of encodeEntry; it returns the consumed byte
// count alongside the decoded entry.
func decodeEntry(data []byte, pos int, pageSize int) (base page.ID, runLength int, consumed int, err error) {
	if pos >= len(data) {
		return 0, 0, 0, fmt.Errorf("pagemanager: entry header out of bounds at %d", pos)
	}
	header := data[pos]
	runLength = int(header >> 4)
	n := int(header & 0x0F)
	if pos+1+n > len(data) {
		return 0, 0, 0, fmt.Errorf("pagemanager: truncated entry at %d (n=%d)", pos, n)
	}
	var val uint64
	for i := 0; i < n; i++ {
		val |= uint64(data[pos+1+i]) << (8 * i)
	}
	return page.ID(val * uint64(pageSize)), runLength, 1 + n, nil
}

// coalesceForEncoding walks entries (already sorted ascending by base, as
// Freelist.Entries returns them) and greedily merges address-adjacent runs
// up to the 15-page encoding cap, the way store_state groups contiguous
// free pages into one persisted entry.
//
// Unlike the source this is grounded on, this reads each entry's own run
// length rather than assuming every map key is a single page; the source's
// encoder silently truncated a multi-page del to one page on the next
// reload, which this implementation avoids by capping run length at
// Freelist.Insert time instead (see Del).
func coalesceForEncoding(entries []freelist.Entry, pageSize int) []freelist.Entry {
	var out []freelist.Entry
	i := 0
	for i < len(entries) {
		base := entries[i].Base
		run := entries[i].RunLength
		next := base + page.ID(run*pageSize)
		j := i + 1
		for j < len(entries) && run < freelist.MaxRunLength && entries[j].Base == next {
			run += entries[j].RunLength
			if run > freelist.MaxRunLength {
				run -= entries[j].RunLength
				break
			}
			next += page.ID(entries[j].RunLength * pageSize)
			j++
		}
		out = append(out, freelist.Entry{Base: base, RunLength: run})
		i = j
	}
	return out
}

// binaryOrder is the byte order every persisted page-manager field uses.
var binaryOrder = binary.LittleEndian
