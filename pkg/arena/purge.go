package arena

import (
	"time"

	"github.com/flier/goarena/internal/xsync"
	"github.com/flier/goarena/pkg/opt"
	"github.com/flier/goarena/pkg/zc"
)

// FreeOpts modifies how a single [PurgeEngine.Free] call behaves.
type FreeOpts struct {
	// NoPurge skips scheduling these blocks for purge even if purging is
	// otherwise enabled, for callers (like a heap destructor) that know the
	// memory is about to be reused or the whole arena torn down anyway.
	NoPurge bool

	// CommittedBytes, if present, reports how much of the freed range is
	// actually committed when it's less than the whole run: a caller that
	// allocated with AllocRequest.NoCommit and only committed part of what
	// it claimed ends up freeing a run that is partially, not fully,
	// backed by physical memory. Free uses this to correct the arena's
	// commit bitmap and the committed-bytes gauge instead of assuming the
	// whole run was committed.
	CommittedBytes opt.Option[int64]
}

// runsPool recycles the scratch slices used while sweeping an arena's
// purge-pending bitmap for contiguous runs, so a busy purge cycle doesn't
// churn the GC.
var runsPool = xsync.Pool[[]zc.View]{
	New: func() *[]zc.View { s := make([]zc.View, 0, 16); return &s },
	Reset: func(s *[]zc.View) { *s = (*s)[:0] },
}

// PurgeEngine implements deferred reclamation: freeing a run schedules it
// for purge after Options.PurgeDelay rather than decommitting it
// immediately, so memory churn doesn't turn into OS-syscall churn. A
// PurgeDelay of exactly zero skips the deferral and purges synchronously,
// inline with the free.
type PurgeEngine struct {
	registry *ArenaRegistry
	os       Provider
	stats    StatsSink
	opts     Options
	now      func() time.Time
}

// NewPurgeEngine builds a PurgeEngine over the given registry and OS
// provider.
func NewPurgeEngine(registry *ArenaRegistry, os Provider, stats StatsSink, opts Options) *PurgeEngine {
	if stats == nil {
		stats = NopStats{}
	}
	return &PurgeEngine{registry: registry, os: os, stats: stats, opts: opts, now: time.Now}
}

// Free releases m's memory, dispatching on its [Provenance]: a run claimed
// from an arena goes back to that arena's free bitmap and (unless disabled)
// is scheduled for purge; a direct OS allocation is decommitted and
// released outright; a static Memid is never released at all.
func (e *PurgeEngine) Free(m Memid, opts FreeOpts) error {
	switch m.Provenance {
	case ArenaProvenance:
		return e.freeArena(m, opts)
	case OSProvenance:
		return e.freeOS(m)
	case StaticProvenance:
		return nil
	default:
		return newErr("Free", KindInvalidArenaOnFree, nil)
	}
}

// freeArena returns m's blocks to their arena's free bitmap and, unless
// purging is disabled, schedules them for deferred purge — or, when
// Options.PurgeDelay is exactly zero, purges them immediately.
func (e *PurgeEngine) freeArena(m Memid, opts FreeOpts) error {
	d := e.registry.At(int(m.ArenaID))
	if d == nil {
		return newErr("Free", KindInvalidArenaOnFree, nil)
	}

	alreadyFree := d.blocksFree.XSetRange(Set, int(m.Block), int(m.Blocks))
	if alreadyFree {
		arenaLog(d, "free", "double free of %d block(s) at index %d", m.Blocks, m.Block)
		return newErr("Free", KindDoubleFree, nil)
	}

	if opts.CommittedBytes.IsSome() {
		committed := opts.CommittedBytes.Unwrap()
		if full := m.Size(); committed < full {
			// Some of what this run claimed was never actually committed
			// (the caller allocated with NoCommit and backed only part of
			// it itself). Treat the whole run as needing a recommit next
			// time it's claimed, and correct the gauge for the portion we
			// had assumed was committed but wasn't.
			d.blocksCommitted.XSetRange(Clear, int(m.Block), int(m.Blocks))
			e.stats.CommittedBytes(committed - full)
		}
	}

	e.stats.BlocksFreed(m.Blocks)
	arenaLog(d, "free", "freed %d block(s) at index %d", m.Blocks, m.Block)

	if opts.NoPurge || m.Flags.Has(FlagPinned) || e.opts.PurgeDelay < 0 {
		return nil
	}

	e.schedulePurge(d, int(m.Block), int(m.Blocks))

	if e.opts.PurgeDelay == 0 {
		e.collect(d)
	}

	return nil
}

// freeOS releases a direct OS allocation: its committed pages are
// decommitted and the whole reservation backing it, including any
// alignment padding, is released back to the OS. A pinned allocation
// (huge-page-backed) is left alone, matching how freeArena never purges
// pinned blocks either.
func (e *PurgeEngine) freeOS(m Memid) error {
	if m.Flags.Has(FlagPinned) {
		return nil
	}

	if m.Flags.Has(FlagInitiallyCommitted) {
		e.os.Decommit(m.Ptr, m.Bytes)
	}

	if r := e.os.Release(m.Reserved, m.ReservedLen); r.IsErr() {
		return newErr("Free", KindOutOfAddressSpace, r.UnwrapErr())
	}

	e.stats.BlocksFreed(uint32(m.Bytes / BlockSize))
	arenaLog(nil, "free-os", "released %d byte(s) directly back to the OS", m.ReservedLen)

	return nil
}

// schedulePurge marks [start, start+n) purge-pending and pulls the arena's
// purge-expire deadline in if it would otherwise fire later.
func (e *PurgeEngine) schedulePurge(d *ArenaDescriptor, start, n int) {
	d.blocksPurge.XSetRange(Set, start, n)

	expireAt := e.now().Add(e.opts.PurgeDelay).UnixMilli()
	for {
		cur := d.purgeExpire.Load()
		if cur != 0 && cur <= expireAt {
			return
		}
		if d.purgeExpire.CompareAndSwap(cur, expireAt) {
			return
		}
	}
}

// CollectDue purges every arena whose purge-expire deadline has passed,
// returning the total number of blocks actually purged.
func (e *PurgeEngine) CollectDue() (purged uint32) {
	now := e.now().UnixMilli()

	e.registry.Visit(func(d *ArenaDescriptor) bool {
		expire := d.purgeExpire.Load()
		if expire == 0 || now < expire {
			return true
		}
		if !d.purgeExpire.CompareAndSwap(expire, 0) {
			return true // someone else is already collecting this arena
		}
		purged += e.collect(d)
		return true
	})
	return purged
}

// collect sweeps d's purge-pending bitmap, re-claiming each contiguous run
// from the free bitmap before purging it.
//
// This re-claim is the step that makes deferred purge safe: a run is only
// ever decommitted or advised away while it is held out of blocksFree, so a
// concurrent [AllocEngine] can never observe memory that is mid-purge as
// allocatable. A run that an allocator reclaimed first (so it is no longer
// free) is simply dropped from the purge-pending set instead of purged.
func (e *PurgeEngine) collect(d *ArenaDescriptor) (purged uint32) {
	runsPtr := runsPool.Get()
	defer runsPool.Put(runsPtr)

	*runsPtr = d.blocksPurge.AppendSetRuns((*runsPtr)[:0])

	for _, run := range *runsPtr {
		start, n := run.Start(), run.Len()

		if !d.blocksFree.IsRangeSet(start, n) {
			// Already reclaimed by an allocator since it was scheduled.
			d.blocksPurge.XSetRange(Clear, start, n)
			continue
		}

		if !d.blocksFree.TryClaimExact(start, n) {
			// Lost the re-claim race to a concurrent allocator; leave
			// purge-pending state alone, a later pass will sort it out.
			continue
		}

		d.blocksPurge.XSetRange(Clear, start, n)
		e.purgeRun(d, start, n)

		// The run is ours again to give back to the free pool.
		d.blocksFree.XSetRange(Set, start, n)

		purged += uint32(n)
		e.stats.BlocksPurged(uint32(n))
	}

	if purged > 0 {
		churn := d.purgeChurn.Add(1)
		if e.opts.ArenaPurgeMult > 0 && int(churn) >= e.opts.ArenaPurgeMult {
			d.Retire()
			arenaLog(d, "purge", "retired after %d purge cycles", churn)
		}
	}

	return purged
}

// purgeRun actually decommits or advises away one reclaimed run, branching
// on whether the run was fully committed: a fully committed run can be
// decommitted outright (OS purge with reset) when Options.PurgeDecommits
// asks for that, while a partially committed run is only ever advised (OS
// purge without reset), since decommitting a range that is already
// partially uncommitted would need a correcting recommit this engine has
// no way to schedule on its own.
func (e *PurgeEngine) purgeRun(d *ArenaDescriptor, start, n int) {
	base := d.BlockAddr(uint32(start))
	size := int64(n) * BlockSize

	fullyCommitted := d.blocksCommitted.IsRangeSet(start, n)

	if e.opts.PurgeDecommits && fullyCommitted {
		if r := e.os.Decommit(base, size); r.IsOk() {
			d.blocksCommitted.XSetRange(Clear, start, n)
			// Decommitted pages read as zero once recommitted; advised
			// pages may keep their old contents, so they stay dirty.
			d.blocksDirty.XSetRange(Clear, start, n)
			e.stats.CommittedBytes(-size)
		}
	} else {
		e.os.Advise(base, size)
	}

	arenaLog(d, "purge", "purged %d block(s) at index %d (decommit=%v full=%v)", n, start, e.opts.PurgeDecommits, fullyCommitted)
}
