package pagemanager

// Flags controls per-call behaviour of Alloc/Fetch (spec §4.3.1, §4.3.2).
type Flags uint32

const (
	// IgnoreFreelist skips freelist reuse on Alloc, forcing a fresh page.
	IgnoreFreelist Flags = 1 << iota
	// ClearWithZero zeroes the page payload after allocation.
	ClearWithZero
	// DisableStoreState skips the maybe_store_state call an Alloc would
	// otherwise trigger.
	DisableStoreState
	// ReadOnly marks the manager (or this call) as forbidden from mutating
	// persisted state.
	ReadOnly
	// NoHeader marks a fetched page as a headerless continuation page of a
	// multi-page blob run.
	NoHeader
	// OnlyFromCache makes Fetch return nil instead of going to disk on a
	// cache miss.
	OnlyFromCache
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }
