package arena

import (
	"github.com/flier/goarena/internal/debug"
	"github.com/flier/goarena/pkg/opt"
	"github.com/flier/goarena/pkg/xunsafe"
)

// AllocRequest describes the blocks a caller wants claimed.
type AllocRequest struct {
	// Blocks is the number of contiguous blocks needed. A request that
	// can be satisfied by an arena can never span chunks (see
	// [BitsPerChunk]); a larger request is still valid, it simply always
	// delegates straight to the OS layer.
	Blocks uint32

	// NUMANode, if present, is preferred but not required: a first search
	// pass only considers arenas on this node (or bound to no node), and a
	// second pass falls back to any suitable arena.
	NUMANode opt.Option[int]

	// RequestedArena, if present, restricts the search to that one arena.
	// This is how an exclusive-arena caller (one heap bound to one arena)
	// finds its own memory.
	RequestedArena opt.Option[uint16]

	// RequireLarge restricts the search to huge-page-backed arenas.
	RequireLarge bool

	// NoCommit tells the engine the caller accepts uncommitted memory and
	// will commit it lazily itself.
	NoCommit bool

	// Alignment, if greater than [BlockAlign], forces this request past
	// the admission filter straight to the OS layer: no arena ever hands
	// out a run aligned to more than one block.
	Alignment int64

	// AlignOffset, if non-zero, forces this request to the OS layer the
	// same way Alignment does: it names a byte offset into the
	// allocation that must land on the requested alignment, a shape only
	// the OS-direct path knows how to satisfy.
	AlignOffset int64
}

// size returns req's size in bytes, derived from Blocks.
func (req AllocRequest) size() int64 { return int64(req.Blocks) * BlockSize }

// admitsArena reports whether req may even be attempted against the arena
// placement search, per the admission filter: arena allocation must not be
// globally disabled (unless a specific arena is named), the request must
// fall inside [MinObjSize, MaxObjSize], and it must not need more
// alignment than an arena claim can offer. Anything else always goes
// straight to the OS.
func (req AllocRequest) admitsArena(opts Options) bool {
	if opts.DisallowArenaAlloc && req.RequestedArena.IsNone() {
		return false
	}
	size := req.size()
	if size < MinObjSize || size > MaxObjSize {
		return false
	}
	if req.Alignment > BlockAlign || req.AlignOffset != 0 {
		return false
	}
	return true
}

// AllocEngine places allocation requests into existing arenas, growing the
// address space through its [ReserveEngine] when nothing existing fits,
// and falling through to a direct OS allocation when a request can't be
// satisfied by an arena at all.
type AllocEngine struct {
	registry *ArenaRegistry
	reserve  *ReserveEngine
	os       Provider
	stats    StatsSink
	opts     Options
}

// NewAllocEngine builds an AllocEngine over the given registry and OS
// provider.
func NewAllocEngine(registry *ArenaRegistry, reserve *ReserveEngine, os Provider, stats StatsSink, opts Options) *AllocEngine {
	if stats == nil {
		stats = NopStats{}
	}
	return &AllocEngine{registry: registry, reserve: reserve, os: os, stats: stats, opts: opts}
}

// Alloc claims req.Blocks contiguous blocks, searching existing arenas
// before growing the address space, and falling back to a direct OS
// allocation when the request can't be served by an arena at all (the
// admission filter rejects it) or arenas are exhausted or disabled.
//
// The arena search runs in two passes: the first only considers arenas
// on req.NUMANode or not bound to any node, the second considers every suitable
// arena regardless of NUMA locality. This way a NUMA-aware caller gets
// local memory when it's available without failing outright when it
// isn't.
func (a *AllocEngine) Alloc(req AllocRequest) (Memid, error) {
	debug.Assert(req.Blocks > 0, "arena: alloc request of zero blocks")

	if req.admitsArena(a.opts) {
		if m, ok, err := a.searchExisting(req, true); err != nil {
			return Memid{}, err
		} else if ok {
			return m, nil
		}

		if m, ok, err := a.searchExisting(req, false); err != nil {
			return Memid{}, err
		} else if ok {
			return m, nil
		}

		if !a.opts.DisallowOSAlloc {
			d, err := a.reserve.Grow(req, a.opts)
			if err == nil {
				if m, ok, claimErr := a.claimFromArena(d, req); claimErr != nil {
					return Memid{}, claimErr
				} else if ok {
					return m, nil
				}
				// The arena we just grew to fit this request couldn't
				// satisfy it; this should not happen absent a concurrent
				// claim racing us for the same freshly reserved arena,
				// which is itself a sign of a badly undersized
				// reservation. Fall through to the OS layer rather than
				// fail outright.
			}
		}
	}

	return a.allocOS(req)
}

// allocOS satisfies req directly from the OS layer, bypassing arena
// placement entirely. This is the path for requests the admission filter
// rejects (oversized, overaligned, or arena allocation disabled) and for
// the case where no arena, existing or newly grown, could serve req. When
// [Options.DisallowOSAlloc] is set it fails with KindOutOfAddressSpace
// instead.
func (a *AllocEngine) allocOS(req AllocRequest) (Memid, error) {
	if a.opts.DisallowOSAlloc {
		return Memid{}, newErr("Alloc", KindOutOfAddressSpace, nil)
	}

	size := req.size()
	align := req.Alignment
	if align < BlockAlign {
		align = BlockAlign
	}

	numaNode := req.NUMANode
	if numaNode.IsNone() {
		numaNode = a.os.CurrentNUMANode()
	}

	// Over-reserve by a full alignment's worth so a properly aligned,
	// offset user pointer can always be carved out of the reservation no
	// matter where the OS placed it.
	reserveSize := size + req.AlignOffset + align

	reserved := a.os.Reserve(reserveSize, numaNode)
	if reserved.IsErr() {
		return Memid{}, newErr("Alloc", KindOutOfAddressSpace, reserved.UnwrapErr())
	}
	raw := reserved.Unwrap()

	userBase := xunsafe.AddrOf(raw).RoundUpTo(int(align)).ByteAdd(int(req.AlignOffset)).AssertValid()

	flags := FlagInitiallyZero
	if !req.NoCommit {
		if commit := a.os.Commit(userBase, size); commit.IsErr() {
			a.os.Release(raw, reserveSize)
			return Memid{}, newErr("Alloc", KindCommitFailed, commit.UnwrapErr())
		}
		flags |= FlagInitiallyCommitted
		a.stats.CommittedBytes(size)
	}

	a.stats.BlocksClaimed(uint32(layout_roundUpBlocks(size)))
	arenaLog(nil, "alloc-os", "reserved %d byte(s) directly from the OS (user offset %d)", reserveSize,
		xunsafe.AddrOf(userBase).Sub(xunsafe.AddrOf(raw)))

	return NewOSMemid(userBase, raw, reserveSize, size, flags), nil
}

// searchExisting walks the registry for an arena that can satisfy req. When
// strictNUMA is true, arenas on a different NUMA node than requested are
// skipped outright rather than merely deprioritized.
func (a *AllocEngine) searchExisting(req AllocRequest, strictNUMA bool) (m Memid, found bool, err error) {
	search := req
	if !strictNUMA {
		search.NUMANode = opt.None[int]()
	}

	a.registry.Visit(func(d *ArenaDescriptor) bool {
		if !d.IsSuitable(search) {
			return true
		}
		claimed, ok, claimErr := a.claimFromArena(d, req)
		if claimErr != nil {
			err = claimErr
			return false
		}
		if ok {
			m, found = claimed, true
			return false
		}
		return true
	})
	return m, found, err
}

// claimFromArena attempts to claim req.Blocks free blocks from d,
// committing and marking them dirty as needed.
func (a *AllocEngine) claimFromArena(d *ArenaDescriptor, req AllocRequest) (Memid, bool, error) {
	found := d.blocksFree.TryFindAndClearN(int(req.Blocks))
	if found.IsNone() {
		return Memid{}, false, nil
	}
	block := found.Unwrap()

	var flags MemidFlags
	if d.exclusive {
		flags |= FlagExclusive
	}
	if d.isLarge {
		flags |= FlagPinned
	}

	alreadyCommitted := d.blocksCommitted.IsRangeSet(block, int(req.Blocks))
	if alreadyCommitted {
		flags |= FlagInitiallyCommitted
	} else if !req.NoCommit {
		base := d.BlockAddr(uint32(block))
		if commit := a.os.Commit(base, int64(req.Blocks)*BlockSize); commit.IsErr() {
			// Roll back the claim: these blocks are free again.
			d.blocksFree.XSetRange(Set, block, int(req.Blocks))
			return Memid{}, false, newErr("Alloc", KindCommitFailed, commit.UnwrapErr())
		}
		d.blocksCommitted.XSetRange(Set, block, int(req.Blocks))
		a.stats.CommittedBytes(int64(req.Blocks) * BlockSize)
	}

	wasDirty := d.blocksDirty.IsRangeSet(block, int(req.Blocks))
	if !wasDirty {
		flags |= FlagInitiallyZero
	}
	d.blocksDirty.XSetRange(Set, block, int(req.Blocks))

	// A fresh claim cancels any purge scheduled for these blocks from a
	// prior free.
	d.blocksPurge.XSetRange(Clear, block, int(req.Blocks))

	a.stats.BlocksClaimed(req.Blocks)
	arenaLog(d, "alloc", "claimed %d block(s) at index %d", req.Blocks, block)

	return NewArenaMemid(d.id, uint32(block), req.Blocks, flags), true, nil
}

// layout_roundUpBlocks reports how many BlockSize-sized units size spans,
// rounding up, purely for reporting an OS-direct allocation's size in the
// same block-count unit [StatsSink.BlocksClaimed] otherwise uses.
func layout_roundUpBlocks(size int64) int64 {
	return (size + BlockSize - 1) / BlockSize
}
