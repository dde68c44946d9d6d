package arena

import (
	"sync/atomic"

	"github.com/dolthub/maphash"
	"github.com/timandy/routine"

	"github.com/flier/goarena/internal/debug"
	"github.com/flier/goarena/internal/xsync"
	"github.com/flier/goarena/pkg/opt"
	"github.com/flier/goarena/pkg/zc"
)

// chunk is one word-aligned group of [BitsPerChunk] bits, the unit a claim
// is never allowed to straddle.
type chunk struct {
	words [WordsPerChunk]atomic.Uint64
}

// maxProbesPerChunk bounds how many candidate positions [chunk.tryClearN]
// will attempt before giving up and letting the caller move to the next
// chunk. Without a bound, a chunk under heavy contention could keep a
// caller spinning indefinitely.
const maxProbesPerChunk = 4

// load takes an acquire snapshot of every word in the chunk.
func (c *chunk) load() (words [WordsPerChunk]uint64) {
	for i := range c.words {
		words[i] = c.words[i].Load()
	}
	return words
}

// bitSet reports whether bit i is set in the given word snapshot.
func bitSet(words [WordsPerChunk]uint64, i int) bool {
	return words[i/BitsPerWord]>>(uint(i)%BitsPerWord)&1 != 0
}

// scanRun finds the lowest index in [from, to) at which a run of n
// consecutive set bits begins, without considering bits outside that
// half-open range.
func scanRun(words [WordsPerChunk]uint64, n, from, to int) (int, bool) {
	run := 0
	for i := from; i < to; i++ {
		if bitSet(words, i) {
			run++
			if run == n {
				return i - n + 1, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// findRun looks for the lowest run of n set bits starting at hint, then
// wraps around to the start of the chunk if nothing was found. It never
// considers a run that would wrap across the chunk's own boundary, since
// bit BitsPerChunk-1 and bit 0 do not describe adjacent blocks.
func findRun(words [WordsPerChunk]uint64, n, hint int) (int, bool) {
	if n <= 0 || n > BitsPerChunk {
		return 0, false
	}
	if idx, ok := scanRun(words, n, hint, BitsPerChunk); ok {
		return idx, true
	}
	// Runs starting before hint may end at or after it.
	return scanRun(words, n, 0, min(hint+n-1, BitsPerChunk))
}

// wordMasks decomposes the bit range [start, start+n) into the words it
// touches and the mask of targeted bits within each.
func wordMasks(start, n int) (firstWord int, masks []uint64) {
	firstWord = start / BitsPerWord
	lastWord := (start + n - 1) / BitsPerWord
	masks = make([]uint64, lastWord-firstWord+1)
	for i := 0; i < n; i++ {
		bit := start + i
		w := bit/BitsPerWord - firstWord
		masks[w] |= 1 << (uint(bit) % BitsPerWord)
	}
	return firstWord, masks
}

// tryClearN attempts to claim (clear) a run of n consecutive free (set)
// bits within this chunk only, preferring runs starting at or after hint
// and otherwise wrapping around to the lowest run before it.
//
// The claim is all-or-nothing: if any touched word loses its bits to a
// concurrent claimant partway through, the words already cleared are rolled
// back before reporting failure, so a partial claim can never strand blocks
// as permanently unreachable.
func (c *chunk) tryClearN(n, hint int) opt.Option[int] {
	for attempt := 0; attempt < maxProbesPerChunk; attempt++ {
		snap := c.load()

		idx, ok := findRun(snap, n, hint%BitsPerChunk)
		if !ok {
			return opt.None[int]()
		}

		if c.tryClearExact(idx, n) {
			return opt.Some(idx)
		}

		hint = idx + 1
	}
	return opt.None[int]()
}

// tryClearExact attempts to claim the fixed bit range [start, start+n),
// failing (and rolling back any partial clear) if any touched word has
// already lost one of those bits to a concurrent claimant.
func (c *chunk) tryClearExact(start, n int) bool {
	firstWord, masks := wordMasks(start, n)

	cleared := 0
	for i, mask := range masks {
		if !xsync.TryClearBits(&c.words[firstWord+i], mask) {
			break
		}
		cleared++
	}

	if cleared == len(masks) {
		return true
	}

	for i := 0; i < cleared; i++ {
		xsync.SetBits(&c.words[firstWord+i], masks[i])
	}
	return false
}

// setRange sets (clears, for inverted bitmaps the caller never inverts; see
// [Bitmap]) every bit in [start, start+n) and reports whether all of them
// were already set beforehand.
func (c *chunk) setRange(start, n int) (allAlreadySet bool) {
	firstWord, masks := wordMasks(start, n)
	allAlreadySet = true
	for i, mask := range masks {
		if !xsync.SetBits(&c.words[firstWord+i], mask) {
			allAlreadySet = false
		}
	}
	return allAlreadySet
}

// clearRange clears every bit in [start, start+n) and reports whether all
// of them were already clear beforehand.
func (c *chunk) clearRange(start, n int) (allAlreadyClear bool) {
	firstWord, masks := wordMasks(start, n)
	allAlreadyClear = true
	for i, mask := range masks {
		if !xsync.ClearBits(&c.words[firstWord+i], mask) {
			allAlreadyClear = false
		}
	}
	return allAlreadyClear
}

// isRangeSet reports whether every bit in [start, start+n) is currently
// set. This is a point-in-time snapshot with no synchronization beyond the
// per-word atomic loads; callers needing a stronger guarantee must pair it
// with a claim.
func (c *chunk) isRangeSet(start, n int) bool {
	snap := c.load()
	for i := start; i < start+n; i++ {
		if !bitSet(snap, i) {
			return false
		}
	}
	return true
}

// BitOp selects which direction [Bitmap.XSetRange] writes in.
type BitOp int

const (
	// Clear drives the targeted bits to zero.
	Clear BitOp = iota
	// Set drives the targeted bits to one.
	Set
)

// Bitmap is a lock-free concurrent bitmap over up to [BitmapMaxBits] bits,
// organized into fixed-size [chunk]s so that a claim never needs to
// synchronize across more than one chunk's worth of words.
//
// The word array is fixed at construction; every mutation is a sequence of
// atomic CAS operations on those pre-existing words (the per-call word
// masks and rollback lists are small temporary slices).
type Bitmap struct {
	chunks []chunk
}

// NewBitmap allocates a Bitmap able to describe at least nbits bits. All
// bits start clear.
func NewBitmap(nbits int) *Bitmap {
	debug.Assert(nbits > 0 && nbits <= BitmapMaxBits, "arena: bitmap size %d out of range", nbits)

	nchunks := (nbits + BitsPerChunk - 1) / BitsPerChunk

	return &Bitmap{chunks: make([]chunk, nchunks)}
}

// Bits returns the total number of bits this Bitmap describes.
func (b *Bitmap) Bits() int { return len(b.chunks) * BitsPerChunk }

// threadSeq derives a search-start hint for the calling goroutine, so that
// concurrent callers fan out across chunks and bit positions instead of all
// starting the scan from index zero and immediately colliding.
//
// The goroutine id is hashed rather than used directly so that goroutine
// ids allocated close together in time (as happens when a worker pool
// spins up) don't all land on the same chunk.
var goidHasher = maphash.NewHasher[int64]()

func threadSeq() uint64 {
	gid := routine.Goid()
	return goidHasher.Hash(gid)
}

// TryFindAndClearN searches for a run of n consecutive set bits across the
// whole Bitmap and clears it atomically, returning the index at which the
// run begins. It returns None if no such run was found within a bounded
// search; the caller decides what "none available" means for its domain
// (grow the arena, try another arena, fail the allocation).
func (b *Bitmap) TryFindAndClearN(n int) opt.Option[int] {
	if n <= 0 || n > BitsPerChunk || len(b.chunks) == 0 {
		return opt.None[int]()
	}

	seq := threadSeq()
	start := int(seq % uint64(len(b.chunks)))

	for i := 0; i < len(b.chunks); i++ {
		ci := (start + i) % len(b.chunks)
		if found := b.chunks[ci].tryClearN(n, int(seq%BitsPerChunk)); found.IsSome() {
			return opt.Some(ci*BitsPerChunk + found.Unwrap())
		}
	}
	return opt.None[int]()
}

// XSetRange performs a bookkeeping write of op over [start, start+n),
// decomposing the range across chunks and ANDing the per-chunk
// "all bits already in the target state" results together.
//
// Unlike [Bitmap.TryFindAndClearN], this always succeeds: it is meant for
// unconditional state transitions (committed, dirty, purged) where the
// return value only matters for detecting a redundant call (e.g. a
// double-free).
func (b *Bitmap) XSetRange(op BitOp, start, n int) (allAlreadyInTargetState bool) {
	allAlreadyInTargetState = true
	remaining := n
	pos := start
	for remaining > 0 {
		ci := pos / BitsPerChunk
		within := pos % BitsPerChunk
		take := min(remaining, BitsPerChunk-within)

		var already bool
		if op == Set {
			already = b.chunks[ci].setRange(within, take)
		} else {
			already = b.chunks[ci].clearRange(within, take)
		}
		allAlreadyInTargetState = allAlreadyInTargetState && already

		pos += take
		remaining -= take
	}
	return allAlreadyInTargetState
}

// TryClaimExact attempts to clear every bit in the fixed range
// [start, start+n), which must currently all be set. Unlike
// [Bitmap.TryFindAndClearN], the caller names the exact position: this is
// used by the purge path to re-claim a run it already knows about, not to
// search for one.
//
// The claim is all-or-nothing across every chunk the range touches: if any
// chunk loses the race, every chunk already claimed is rolled back.
func (b *Bitmap) TryClaimExact(start, n int) bool {
	type claim struct{ ci, within, take int }
	var claimed []claim

	remaining := n
	pos := start
	ok := true
	for remaining > 0 {
		ci := pos / BitsPerChunk
		within := pos % BitsPerChunk
		take := min(remaining, BitsPerChunk-within)

		if !b.chunks[ci].tryClearExact(within, take) {
			ok = false
			break
		}

		claimed = append(claimed, claim{ci, within, take})
		pos += take
		remaining -= take
	}

	if !ok {
		for _, c := range claimed {
			b.chunks[c.ci].setRange(c.within, c.take)
		}
		return false
	}
	return true
}

// AppendSetRuns appends every maximal run of consecutive set bits in the
// Bitmap to dst, as (offset, length) pairs, and returns the extended slice.
// This walks the whole bitmap bit by bit; it is meant for the purge path's
// periodic sweep over a single arena's purge-pending bitmap, not for
// anything on a hot allocation path.
func (b *Bitmap) AppendSetRuns(dst []zc.View) []zc.View {
	start := -1
	n := b.Bits()
	for i := 0; i <= n; i++ {
		set := i < n && b.IsRangeSet(i, 1)
		switch {
		case set && start < 0:
			start = i
		case !set && start >= 0:
			dst = append(dst, zc.Raw(start, i-start))
			start = -1
		}
	}
	return dst
}

// IsRangeSet reports whether every bit in [start, start+n) is set.
func (b *Bitmap) IsRangeSet(start, n int) bool {
	remaining := n
	pos := start
	for remaining > 0 {
		ci := pos / BitsPerChunk
		within := pos % BitsPerChunk
		take := min(remaining, BitsPerChunk-within)

		if !b.chunks[ci].isRangeSet(within, take) {
			return false
		}

		pos += take
		remaining -= take
	}
	return true
}
