package arena

import (
	"github.com/flier/goarena/pkg/opt"
	"github.com/flier/goarena/pkg/xunsafe"
	"github.com/flier/goarena/pkg/xunsafe/layout"
)

// ReserveEngine grows the arena address space: it reserves fresh memory
// from the OS, wraps it in an [ArenaDescriptor], and publishes it into the
// [ArenaRegistry].
type ReserveEngine struct {
	registry *ArenaRegistry
	os       Provider
	stats    StatsSink
}

// NewReserveEngine builds a ReserveEngine over the given registry and OS
// provider.
func NewReserveEngine(registry *ArenaRegistry, os Provider, stats StatsSink) *ReserveEngine {
	if stats == nil {
		stats = NopStats{}
	}
	return &ReserveEngine{registry: registry, os: os, stats: stats}
}

// maxArenaBytes is the largest region a single arena's bitmaps can
// describe.
const maxArenaBytes = int64(BitmapMaxBits) * BlockSize

// growthSize computes how large the next arena should be: Options.ArenaReserve
// doubled every 8 arenas already registered, capped at 2^16x and at
// maxArenaBytes, quartered on a platform with no virtual-reserve support
// (where every reserved byte is paid for immediately), and bumped up if
// necessary to fit req.
func growthSize(registry *ArenaRegistry, opts Options, req AllocRequest, os Provider) int64 {
	shift := registry.Count() / 8
	if shift > 16 {
		shift = 16
	}

	size := opts.ArenaReserve << uint(shift)
	if size > maxArenaBytes || size <= 0 {
		size = maxArenaBytes
	}

	if !os.HasVirtualReserve() {
		size /= 4
	}

	need := int64(infoBlocks+int(req.Blocks)) * BlockSize
	if size < need {
		size = need
	}

	return layout.RoundUp(size, int64(BlockSize))
}

// shouldEagerCommit resolves an [EagerCommitMode] against a Provider's
// overcommit support.
func shouldEagerCommit(mode EagerCommitMode, os Provider) bool {
	switch mode {
	case EagerCommitAlways:
		return true
	case EagerCommitIfOvercommit:
		return os.HasOvercommit()
	default:
		return false
	}
}

// Grow reserves a new arena sized to satisfy req (and Options.ArenaReserve's
// growth curve beyond that) and publishes it to the registry.
func (e *ReserveEngine) Grow(req AllocRequest, opts Options) (*ArenaDescriptor, error) {
	if e.registry.Full() {
		return nil, newErr("Grow", KindOutOfArenaSlots, nil)
	}

	size := growthSize(e.registry, opts, req, e.os)

	numaNode := req.NUMANode
	if numaNode.IsNone() {
		numaNode = e.os.CurrentNUMANode()
	}

	isLarge := req.RequireLarge

	var reserved = e.os.Reserve(size, numaNode)
	if isLarge {
		reserved = e.os.ReserveHuge(size, numaNode)
	}
	if reserved.IsErr() {
		return nil, newErr("Grow", KindOutOfAddressSpace, reserved.UnwrapErr())
	}
	base := reserved.Unwrap()

	totalBlocks := uint32(size / BlockSize)
	eager := !isLarge && size >= eagerCommitThreshold && shouldEagerCommit(opts.ArenaEagerCommit, e.os)

	d := e.registry.Append(func(id uint16) *ArenaDescriptor {
		nd := NewArenaDescriptor(id, base, totalBlocks, numaNode, req.RequestedArena.IsSome(), isLarge, true)
		if eager {
			if c := e.os.Commit(base, size); c.IsOk() {
				nd.blocksCommitted.XSetRange(Set, 0, int(totalBlocks))
			}
		}
		return nd
	})

	e.stats.ArenaReserved(size)
	arenaLog(d, "reserve", "reserved %d bytes (%d blocks) on numa=%v large=%v", size, totalBlocks, numaNode, isLarge)

	return d, nil
}

// Manage adopts a caller-supplied, already-committed region of memory as a
// new arena, instead of reserving fresh memory from the OS. This is how a
// host process hands this package memory it obtained some other way (a
// pre-allocated pool, a memory-mapped file, memory from a different
// allocator being retired).
func (e *ReserveEngine) Manage(base *byte, size int64, numaNode opt.Option[int], exclusive bool) (*ArenaDescriptor, error) {
	if xunsafe.AddrOf(base)%BlockAlign != 0 {
		return nil, newErr("Manage", KindMisalignedExternalMemory, nil)
	}
	if size < int64(infoBlocks+1)*BlockSize {
		return nil, newErr("Manage", KindTooSmallExternalMemory, nil)
	}
	if size/BlockSize > BitmapMaxBits {
		return nil, newErr("Manage", KindTooLargeExternalMemory, nil)
	}
	if e.registry.Full() {
		return nil, newErr("Manage", KindOutOfArenaSlots, nil)
	}

	totalBlocks := uint32(size / BlockSize)

	d := e.registry.Append(func(id uint16) *ArenaDescriptor {
		nd := NewArenaDescriptor(id, base, totalBlocks, numaNode, exclusive, false, false)
		// Adopted memory is assumed already committed and readable, but
		// not known to be zero.
		nd.blocksCommitted.XSetRange(Set, 0, int(totalBlocks))
		nd.blocksDirty.XSetRange(Set, 0, int(totalBlocks))
		return nd
	})

	arenaLog(d, "manage", "adopted %d bytes (%d blocks)", size, totalBlocks)

	return d, nil
}

// ReserveHugeAt reserves a huge-page-backed arena pinned to a specific NUMA
// node. size is a lower bound on the arena's usable blocks: the arena is
// sized by [ReserveEngine.Grow]'s growth curve, so it may be larger.
func (e *ReserveEngine) ReserveHugeAt(size int64, numaNode int, opts Options) (*ArenaDescriptor, error) {
	req := AllocRequest{
		Blocks:       uint32(size / BlockSize),
		NUMANode:     opt.Some(numaNode),
		RequireLarge: true,
	}
	return e.Grow(req, opts)
}

// ReserveHugeInterleaved reserves one huge-page-backed arena per visible
// NUMA node (or a single arena on node 0 when none are visible), asking
// each for an even, block-rounded share of totalSize. Each share goes
// through [ReserveEngine.ReserveHugeAt], so the arenas together may cover
// more than totalSize.
func (e *ReserveEngine) ReserveHugeInterleaved(totalSize int64, opts Options) ([]*ArenaDescriptor, error) {
	nodes := e.os.NUMANodes()
	if len(nodes) == 0 {
		d, err := e.ReserveHugeAt(totalSize, 0, opts)
		if err != nil {
			return nil, err
		}
		return []*ArenaDescriptor{d}, nil
	}

	perNode := layout.RoundUp(totalSize/int64(len(nodes)), int64(BlockSize))

	out := make([]*ArenaDescriptor, 0, len(nodes))
	for _, node := range nodes {
		d, err := e.ReserveHugeAt(perNode, node, opts)
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}
