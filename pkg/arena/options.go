package arena

import (
	"strconv"
	"time"

	"github.com/flier/goarena/internal/xflag"
)

// Command-line-tunable defaults, registered the same way the teacher
// registers its debug flags: a host binary gets these for free from
// flag.Parse(), while library callers can just build an [Options] literal.
var (
	defaultArenaReserve   = xflag.Func("arena-reserve", "default bytes to reserve per new arena", parseInt64)
	defaultEagerCommit    = xflag.Func("arena-eager-commit", "eager-commit mode: 0=lazy, 1=always, 2=if the OS overcommits", parseEagerCommitMode)
	defaultPurgeDelay     = xflag.Func("purge-delay", "delay before a scheduled purge becomes due", time.ParseDuration)
	defaultPurgeMult      = xflag.Func("arena-purge-mult", "purge churn multiplier before an arena is retired", strconv.Atoi)
	defaultDisallowArena  = xflag.Func("disallow-arena-alloc", "never satisfy allocations from arenas", strconv.ParseBool)
	defaultDisallowOS     = xflag.Func("disallow-os-alloc", "never reserve new arenas from the OS", strconv.ParseBool)
	defaultPurgeDecommits = xflag.Func("purge-decommits", "purging decommits pages instead of just advising the OS", strconv.ParseBool)
	defaultDestroyOnExit  = xflag.Func("destroy-arenas-on-exit", "release every arena back to the OS on shutdown", strconv.ParseBool)
)

func parseInt64(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

func parseEagerCommitMode(s string) (EagerCommitMode, error) {
	n, err := strconv.Atoi(s)
	return EagerCommitMode(n), err
}

// eagerCommitThreshold is the size an arena must reach before
// Options.ArenaEagerCommit is honored at all; below it, arenas are always
// lazily committed regardless of the option, matching the original
// mimalloc source's size-gated eager-commit rule (see the design notes).
const eagerCommitThreshold = 1 << 30 // 1 GiB

// EagerCommitMode selects when [ReserveEngine.Grow] commits a whole new
// arena at reservation time instead of lazily, block by block, on first
// claim.
type EagerCommitMode int

const (
	// EagerCommitLazy never commits eagerly: every block is committed on
	// its own first claim.
	EagerCommitLazy EagerCommitMode = iota

	// EagerCommitAlways commits the whole arena at reservation time, once
	// it is at least eagerCommitThreshold bytes.
	EagerCommitAlways

	// EagerCommitIfOvercommit behaves like EagerCommitAlways only when
	// [Provider.HasOvercommit] reports the platform hands out address
	// space it hasn't backed yet, so committing memory that may go
	// unused costs nothing; elsewhere it behaves like EagerCommitLazy.
	EagerCommitIfOvercommit
)

// Options configures arena reservation, commit, and purge policy.
type Options struct {
	// ArenaReserve is the number of bytes [ReserveEngine] tries to reserve
	// the next time it grows the address space.
	ArenaReserve int64

	// ArenaEagerCommit, once the candidate arena is at least
	// eagerCommitThreshold bytes, selects whether the whole arena is
	// committed at reservation time instead of block-by-block on first
	// claim. See [EagerCommitMode].
	ArenaEagerCommit EagerCommitMode

	// PurgeDelay is how long a freed run waits before [PurgeEngine]
	// actually decommits or advises it away. A negative value disables
	// purging globally.
	PurgeDelay time.Duration

	// ArenaPurgeMult is how many purge cycles an arena can go through
	// before [PurgeEngine] retires it rather than reusing it again.
	ArenaPurgeMult int

	// DisallowArenaAlloc, when true, makes [AllocEngine] skip arena
	// placement so every request that does not name a specific arena falls
	// through to a direct OS allocation instead.
	DisallowArenaAlloc bool

	// DisallowOSAlloc, when true, makes [AllocEngine] never reserve new
	// memory from the OS (no arena growth, no direct OS allocation); once
	// existing arenas are exhausted, allocation fails with
	// [ErrOutOfAddressSpace]. Calling [ReserveEngine] directly is not
	// affected.
	DisallowOSAlloc bool

	// PurgeDecommits, when true, makes a purge actually decommit pages
	// (returning them to the OS, losing their contents) rather than merely
	// advising the OS they are reclaimable.
	PurgeDecommits bool

	// DestroyOnExit releases every arena back to the OS when the owning
	// process shuts down cleanly.
	DestroyOnExit bool
}

// DefaultOptions returns Options seeded from whatever command-line flags
// were registered by this package and parsed by the host binary, falling
// back to conservative built-in defaults for anything left unset.
func DefaultOptions() Options {
	o := Options{
		ArenaReserve:     64 << 20, // 64 MiB
		ArenaEagerCommit: EagerCommitLazy,
		PurgeDelay:       10 * time.Second,
		ArenaPurgeMult:   16,
	}

	if defaultArenaReserve != nil && *defaultArenaReserve != 0 {
		o.ArenaReserve = *defaultArenaReserve
	}
	if defaultEagerCommit != nil {
		o.ArenaEagerCommit = *defaultEagerCommit
	}
	if defaultPurgeDelay != nil && *defaultPurgeDelay != 0 {
		o.PurgeDelay = *defaultPurgeDelay
	}
	if defaultPurgeMult != nil && *defaultPurgeMult != 0 {
		o.ArenaPurgeMult = *defaultPurgeMult
	}
	if defaultDisallowArena != nil {
		o.DisallowArenaAlloc = *defaultDisallowArena
	}
	if defaultDisallowOS != nil {
		o.DisallowOSAlloc = *defaultDisallowOS
	}
	if defaultPurgeDecommits != nil {
		o.PurgeDecommits = *defaultPurgeDecommits
	}
	if defaultDestroyOnExit != nil {
		o.DestroyOnExit = *defaultDestroyOnExit
	}

	return o
}
