package arena

import (
	"sync"
	"sync/atomic"

	"github.com/flier/goarena/pkg/opt"
	"github.com/flier/goarena/pkg/xunsafe"
)

// infoBlocks is the number of blocks at the start of every arena that are
// permanently reserved for the arena's own bookkeeping and are never
// offered to a placement search, never purged, and always considered
// committed.
//
// mimalloc embeds its arena descriptor directly in these blocks, since C
// structs have no garbage collector to satisfy. Go's GC cannot scan
// arbitrary mmap'd bytes for pointers, so [ArenaDescriptor] itself stays an
// ordinary heap object; infoBlocks instead models the same "permanently
// off-limits" accounting, so the usable block count and placement math
// match the original even though the descriptor is not literally stored
// there. See the design notes for the accompanying module for more detail.
const infoBlocks = 1

// ArenaDescriptor describes one reserved region of OS memory and the
// lock-free bitmaps tracking which of its blocks are free, committed,
// scheduled for purge, or dirty.
type ArenaDescriptor struct {
	id    uint16
	base  *byte
	total uint32 // total blocks in the region, including infoBlocks

	numaNode  opt.Option[int]
	exclusive bool
	isLarge   bool // backed by huge pages; FlagPinned, never purged
	owned     bool // backing memory came from Provider.Reserve, not an adopted caller region

	blocksFree      *Bitmap // 1 == free
	blocksCommitted *Bitmap // 1 == committed
	blocksPurge     *Bitmap // 1 == scheduled for purge
	blocksDirty     *Bitmap // 1 == may be non-zero (written, or not known zero, since last decommit)

	abandoned           [BinCount]*Bitmap // 1 == abandoned block of that size bin
	abandonedVisitLock sync.Mutex

	purgeExpire atomic.Int64  // unix ms when purge becomes due; 0 == not scheduled
	purgeChurn  atomic.Uint32 // purge cycles observed, feeds the retirement heuristic
	retired     atomic.Bool   // excluded from new placement searches
}

// NewArenaDescriptor builds the descriptor for a freshly reserved region of
// totalBlocks blocks starting at base. The region's [infoBlocks] are marked
// in-use and committed up front; every other block starts free and
// uncommitted. owned marks whether this process obtained base itself (and
// so must hand it back to the OS on [ArenaRegistry.DestroyAll]) as opposed
// to adopting a caller-supplied region via [ReserveEngine.Manage].
func NewArenaDescriptor(id uint16, base *byte, totalBlocks uint32, numaNode opt.Option[int], exclusive, isLarge bool, owned bool) *ArenaDescriptor {
	d := &ArenaDescriptor{
		id:              id,
		base:            base,
		total:           totalBlocks,
		numaNode:        numaNode,
		exclusive:       exclusive,
		isLarge:         isLarge,
		owned:           owned,
		blocksFree:      NewBitmap(int(totalBlocks)),
		blocksCommitted: NewBitmap(int(totalBlocks)),
		blocksPurge:     NewBitmap(int(totalBlocks)),
		blocksDirty:     NewBitmap(int(totalBlocks)),
	}
	for i := range d.abandoned {
		d.abandoned[i] = NewBitmap(int(totalBlocks))
	}

	d.blocksFree.XSetRange(Set, infoBlocks, int(totalBlocks)-infoBlocks)
	d.blocksCommitted.XSetRange(Set, 0, infoBlocks)
	if isLarge {
		// Huge pages arrive fully committed and pinned.
		d.blocksCommitted.XSetRange(Set, 0, int(totalBlocks))
	}

	return d
}

// ID returns this arena's slot index in the [ArenaRegistry].
func (d *ArenaDescriptor) ID() uint16 { return d.id }

// NUMANode returns the NUMA node this arena was reserved on, if any.
func (d *ArenaDescriptor) NUMANode() opt.Option[int] { return d.numaNode }

// UsableBlocks returns the number of blocks available to callers, excluding
// the reserved [infoBlocks] prefix.
func (d *ArenaDescriptor) UsableBlocks() uint32 { return d.total - infoBlocks }

// Owned reports whether this arena's backing memory was reserved from the
// OS by this process, as opposed to adopted from a caller-supplied region
// via [ReserveEngine.Manage]. Only owned arenas are released back to the
// OS by [ArenaRegistry.DestroyAll].
func (d *ArenaDescriptor) Owned() bool { return d.owned }

// Area returns the (base, size) of the entire region this descriptor
// covers, including the infoBlocks prefix, matching mimalloc's
// mi_arena_area contract: callers who want only the usable range subtract
// infoBlocks*BlockSize themselves.
func (d *ArenaDescriptor) Area() (base *byte, size int64) {
	return d.base, int64(d.total) * BlockSize
}

// BlockAddr returns the address of the block at the given index within
// this arena's region.
func (d *ArenaDescriptor) BlockAddr(block uint32) *byte {
	if d.base == nil {
		return nil
	}
	return xunsafe.ByteAdd[byte](d.base, int64(block)*BlockSize)
}

// IsSuitable reports whether this arena may satisfy req, applying the
// admission filters an [AllocEngine] placement pass must honor before ever
// probing the free bitmap: exclusivity, NUMA preference, huge-page
// requirement, and retirement.
func (d *ArenaDescriptor) IsSuitable(req AllocRequest) bool {
	if d.retired.Load() {
		return false
	}
	if req.RequestedArena.IsSome() {
		if req.RequestedArena.Unwrap() != d.id {
			return false
		}
	} else if d.exclusive {
		return false
	}
	if req.RequireLarge && !d.isLarge {
		return false
	}
	if req.NUMANode.IsSome() && d.numaNode.IsSome() && req.NUMANode.Unwrap() != d.numaNode.Unwrap() {
		return false
	}
	return true
}

// Retire marks this arena as no longer eligible for new placements. A
// retired arena still answers queries about blocks it has already handed
// out; it is simply removed from future search passes.
func (d *ArenaDescriptor) Retire() { d.retired.Store(true) }
