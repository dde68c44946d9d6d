//go:build go1.19

package xsync

import "sync/atomic"

// SetBits atomically ORs mask into x and reports whether every bit in mask
// was already set beforehand.
//
// This is the bookkeeping primitive behind unconditional bitmap writes
// (commit, dirty, purge tracking): it always succeeds, and its return value
// is only useful for detecting a redundant write.
func SetBits(x *atomic.Uint64, mask uint64) (allAlreadySet bool) {
retry:
	old := x.Load()
	if old&mask == mask {
		return true
	}
	if !x.CompareAndSwap(old, old|mask) {
		goto retry
	}
	return false
}

// ClearBits atomically ANDs the complement of mask into x and reports
// whether every bit in mask was already clear beforehand.
//
// Like [SetBits], this always succeeds; it is the unconditional bookkeeping
// counterpart, not the conditional claim primitive.
func ClearBits(x *atomic.Uint64, mask uint64) (allAlreadyClear bool) {
retry:
	old := x.Load()
	if old&mask == 0 {
		return true
	}
	if !x.CompareAndSwap(old, old&^mask) {
		goto retry
	}
	return false
}

// TryClearBits attempts to atomically clear every bit in mask, but only if
// all of them are currently set. It reports whether the claim succeeded.
//
// Unlike [ClearBits], this can fail: it is the primitive behind "find and
// clear N free bits", where losing bits to a concurrent claimant must abort
// rather than silently proceed.
func TryClearBits(x *atomic.Uint64, mask uint64) (claimed bool) {
retry:
	old := x.Load()
	if old&mask != mask {
		return false
	}
	if !x.CompareAndSwap(old, old&^mask) {
		goto retry
	}
	return true
}
