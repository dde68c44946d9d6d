// Package arena manages OS-backed virtual memory arenas: large regions
// reserved directly from the operating system and carved into fixed-size
// blocks that are claimed and released through lock-free atomic bitmaps.
//
// An Arena is not a general-purpose allocator. It hands out block-granular,
// block-aligned runs of memory to a caller-supplied placement policy
// ([AllocEngine]) and reclaims them, eventually, back to the OS through a
// deferred purge schedule ([PurgeEngine]). Object-level allocation, small
// object free lists, and cross-arena coalescing live above this package, not
// in it.
package arena

// BlockSizeLog is the base-2 logarithm of [BlockSize].
const BlockSizeLog = 22

// BlockSize is the granularity at which an Arena's address space is carved
// up: every claim is a whole number of contiguous blocks, and every block
// starts at a BlockSize-aligned address.
const BlockSize = 1 << BlockSizeLog // 4 MiB

// BlockAlign is the alignment guaranteed for the base address of a claimed
// run. It is always equal to BlockSize.
const BlockAlign = BlockSize

// BitsPerWord is the width of a single bitmap word.
const BitsPerWord = 64

// WordsPerChunk is the number of words in a single [chunk] of a [Bitmap].
const WordsPerChunk = 8

// BitsPerChunk is the number of blocks described by one [chunk]. A claim can
// never span two chunks: this is the hard upper bound on a single request.
const BitsPerChunk = WordsPerChunk * BitsPerWord // 512

// MaxChunks bounds how many chunks a single Arena's bitmaps may have,
// which in turn bounds how large a single arena's backing region can be
// (MaxChunks * BitsPerChunk * BlockSize). 16K chunks covers gigabyte-to-
// terabyte class regions at 4 MiB granularity without needing a second
// bitmap tier above chunks.
const MaxChunks = 16 * 1024

// BitmapMaxBits is the largest bit count a single [Bitmap] can describe.
const BitmapMaxBits = MaxChunks * BitsPerChunk

// MinObjSize is the smallest run an [AllocEngine] will ever claim: exactly
// one block.
const MinObjSize = BlockSize

// MaxObjSize is the largest run a single claim can cover: a claim can't
// straddle a chunk boundary, so it tops out at one full chunk of blocks.
const MaxObjSize = BitsPerChunk * BlockSize

// MaxArenas is the fixed size of the process-wide [ArenaRegistry]. Arenas
// are never compacted out of the registry, so this is also the hard limit
// on how many times [ReserveEngine] can grow the address space.
const MaxArenas = 1024

// BinCount is the number of abandoned-block size bins an [ArenaDescriptor]
// tracks, mirroring the size-class bucketing used by the segment/page
// allocator layered on top of this package.
const BinCount = 32
