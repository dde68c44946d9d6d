package arena

// Provenance identifies how a [Memid]'s memory was obtained. This is what
// lets [PurgeEngine.Free] route a release to the right place instead of
// assuming every Memid came out of an arena's bitmaps.
type Provenance uint8

const (
	// NoProvenance is the zero value: a Memid that does not refer to any
	// memory yet.
	NoProvenance Provenance = iota

	// StaticProvenance marks memory that is never released back to the
	// OS, such as a statically embedded fallback region. Freeing it is a
	// no-op.
	StaticProvenance

	// OSProvenance marks memory obtained directly from the OS layer,
	// bypassing arena placement entirely: either because arena allocation
	// is disabled, or because the request's size or alignment falls
	// outside what an arena can satisfy.
	OSProvenance

	// ArenaProvenance marks a run of blocks claimed from a specific
	// arena's bitmaps.
	ArenaProvenance
)

func (p Provenance) String() string {
	switch p {
	case StaticProvenance:
		return "static"
	case OSProvenance:
		return "os"
	case ArenaProvenance:
		return "arena"
	default:
		return "none"
	}
}

// MemidFlags records provenance bits about how a [Memid]'s memory was
// obtained, which later determines how it may legally be freed or purged.
type MemidFlags uint8

const (
	// FlagExclusive marks memory drawn from an arena reserved exclusively
	// for one heap; such memory is never offered to other heaps' placement
	// searches.
	FlagExclusive MemidFlags = 1 << iota

	// FlagInitiallyCommitted marks memory that was already committed at the
	// time it was claimed, so the allocator does not need to commit it
	// again before use.
	FlagInitiallyCommitted

	// FlagInitiallyZero marks memory that is known to already be
	// zero-filled (fresh OS pages, or a chunk that was decommitted and
	// never reused), letting a caller skip zeroing it itself.
	FlagInitiallyZero

	// FlagPinned marks memory that must never be purged or decommitted,
	// such as huge pages or externally managed regions.
	FlagPinned
)

// Has reports whether every bit in want is set in f.
func (f MemidFlags) Has(want MemidFlags) bool { return f&want == want }

// Memid is a tagged value identifying where a piece of memory came from:
// a run of blocks inside a specific arena, a direct OS allocation, or a
// static region never meant to be released at all. Every allocating
// operation in this package returns one, and [PurgeEngine.Free] dispatches
// on its Provenance to release the memory the right way.
type Memid struct {
	Provenance Provenance

	// Arena-provenance fields: which arena, where within it, how many
	// blocks. Meaningless for any other provenance.
	ArenaID uint16
	Block   uint32
	Blocks  uint32

	// OS/static-provenance fields. Ptr is the address handed back to the
	// caller. Reserved and ReservedLen describe the full underlying OS
	// reservation, which can start before Ptr and run longer than Bytes
	// when an over-aligned request needed padding; they are what
	// [Provider.Release] needs to give the address space back.
	Ptr         *byte
	Reserved    *byte
	ReservedLen int64
	Bytes       int64

	Flags MemidFlags
}

// NewArenaMemid returns a Memid for a run of blocks claimed from the named
// arena.
func NewArenaMemid(arenaID uint16, block, blocks uint32, flags MemidFlags) Memid {
	return Memid{Provenance: ArenaProvenance, ArenaID: arenaID, Block: block, Blocks: blocks, Flags: flags}
}

// NewOSMemid returns a Memid for memory obtained directly from the OS
// layer instead of from any arena. reserved and reservedLen describe the
// whole reservation backing ptr, which may be larger than size when
// alignment padding was needed.
func NewOSMemid(ptr, reserved *byte, reservedLen, size int64, flags MemidFlags) Memid {
	return Memid{
		Provenance:  OSProvenance,
		Ptr:         ptr,
		Reserved:    reserved,
		ReservedLen: reservedLen,
		Bytes:       size,
		Flags:       flags,
	}
}

// End returns the index one past the last block this Memid covers. Only
// meaningful for arena-provenance memory.
func (m Memid) End() uint32 { return m.Block + m.Blocks }

// Size returns the size in bytes of the memory this Memid covers.
func (m Memid) Size() int64 {
	if m.Provenance == ArenaProvenance {
		return int64(m.Blocks) * BlockSize
	}
	return m.Bytes
}
