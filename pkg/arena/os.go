package arena

import (
	"github.com/flier/goarena/pkg/opt"
	"github.com/flier/goarena/pkg/res"
)

// Provider is the operating-system abstraction layer this package builds
// on: reserving address space, committing and decommitting pages, and
// discovering NUMA topology. [github.com/flier/goarena/internal/osmem]
// supplies the concrete implementations.
type Provider interface {
	// PageSize returns the OS page size in bytes.
	PageSize() int

	// Reserve reserves size bytes of address space without committing it,
	// preferring the given NUMA node when non-empty. It returns the base
	// address of the reservation.
	Reserve(size int64, numaNode opt.Option[int]) res.Result[*byte]

	// ReserveHuge reserves size bytes backed by huge pages, which arrive
	// already committed and pinned. Providers that can't support huge
	// pages return an error, not a silent fallback.
	ReserveHuge(size int64, numaNode opt.Option[int]) res.Result[*byte]

	// Commit makes the given range of a previous reservation accessible.
	Commit(base *byte, size int64) res.Result[struct{}]

	// Decommit releases the physical pages backing the given range back to
	// the OS, without releasing the address space itself. Future accesses
	// to this range must be preceded by another Commit.
	Decommit(base *byte, size int64) res.Result[struct{}]

	// Advise tells the OS that the given range is not needed right now but
	// may be accessed again later (e.g. MADV_FREE); unlike Decommit, the
	// range stays readable without an explicit re-commit, but its contents
	// may have been reclaimed.
	Advise(base *byte, size int64) res.Result[struct{}]

	// Release gives back the entire address-space reservation starting at
	// base, including any pages still committed within it.
	Release(base *byte, size int64) res.Result[struct{}]

	// NUMANodes returns the NUMA node ids visible to this process, or an
	// empty slice if the platform has no NUMA support or none could be
	// detected.
	NUMANodes() []int

	// CurrentNUMANode returns the NUMA node closest to the calling thread.
	CurrentNUMANode() opt.Option[int]

	// HasOvercommit reports whether the platform will hand out address
	// space it has not backed with physical memory (e.g. Linux with
	// vm.overcommit_memory != 2), so that [Options.ArenaEagerCommit]'s
	// conditional-eager-commit mode can decide whether committing a whole
	// arena up front is actually free.
	HasOvercommit() bool

	// HasVirtualReserve reports whether [Provider.Reserve] can reserve
	// address space without committing it, as opposed to a platform where
	// reserving and committing are the same operation. [ReserveEngine]
	// shrinks its growth target on platforms that answer false, since
	// every byte reserved there is a byte actually paid for up front.
	HasVirtualReserve() bool
}

// StatsSink receives point-in-time counters about arena activity. It is
// deliberately minimal and lossy (relaxed-ordering increments): it exists
// for monitoring, not for any correctness decision inside this package.
type StatsSink interface {
	// ArenaReserved is called every time a new arena is added to the
	// registry, with the size in bytes of the new reservation.
	ArenaReserved(bytes int64)

	// BlocksClaimed is called every time a placement search succeeds, with
	// the number of blocks claimed.
	BlocksClaimed(blocks uint32)

	// BlocksFreed is called every time a run is freed, with the number of
	// blocks returned.
	BlocksFreed(blocks uint32)

	// BlocksPurged is called every time a purge pass actually decommits or
	// advises away a run, with the number of blocks affected.
	BlocksPurged(blocks uint32)

	// CommittedBytes applies a signed delta to a running gauge of bytes
	// believed committed. [AllocEngine] increments it when a claim commits
	// fresh pages, [PurgeEngine.Free] decrements it by the uncommitted
	// shortfall when a freed range turns out to be only partially
	// committed, and [PurgeEngine]'s purge pass decrements it when it
	// decommits a fully committed run. No path adds a decremented
	// shortfall back.
	CommittedBytes(delta int64)
}

// NopStats is a [StatsSink] that discards everything, used when a caller
// has no interest in statistics.
type NopStats struct{}

func (NopStats) ArenaReserved(int64)  {}
func (NopStats) BlocksClaimed(uint32) {}
func (NopStats) BlocksFreed(uint32)   {}
func (NopStats) BlocksPurged(uint32)  {}
func (NopStats) CommittedBytes(int64) {}
