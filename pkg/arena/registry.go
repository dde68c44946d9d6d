package arena

import (
	"sync/atomic"
	"unsafe"

	"github.com/flier/goarena/internal/debug"
)

// ArenaRegistry is the fixed-size, append-only table of every arena ever
// reserved by this process. Slots are published with a release store and
// read with an acquire load, so a goroutine that observes a non-nil slot
// always observes a fully initialized [ArenaDescriptor].
//
// Outside [ArenaRegistry.DestroyAll] the registry never shrinks and never
// reuses a slot: an arena that is retired stays in its slot, just marked so
// placement searches skip it.
type ArenaRegistry struct {
	slots [MaxArenas]atomic.Pointer[ArenaDescriptor]
	count atomic.Uint32
}

// NewArenaRegistry returns an empty registry.
func NewArenaRegistry() *ArenaRegistry {
	return &ArenaRegistry{}
}

// Count returns the number of arenas published so far.
func (r *ArenaRegistry) Count() int { return int(r.count.Load()) }

// At returns the arena published in slot i, or nil if i is out of range or
// that slot has not been published yet.
func (r *ArenaRegistry) At(i int) *ArenaDescriptor {
	if i < 0 || i >= MaxArenas {
		return nil
	}
	return r.slots[i].Load()
}

// Append reserves the next slot and publishes d into it, returning the
// arena id it was assigned. It panics if the registry is full; callers
// (the [ReserveEngine]) are expected to check [ArenaRegistry.Count] against
// [MaxArenas] and return [ErrOutOfArenaSlots] before calling Append.
func (r *ArenaRegistry) Append(newArena func(id uint16) *ArenaDescriptor) *ArenaDescriptor {
	slot := r.count.Add(1) - 1
	debug.Assert(slot < MaxArenas, "arena: registry overflow, slot %d", slot)

	d := newArena(uint16(slot))
	r.slots[slot].Store(d) // release: publishes every bitmap d owns

	return d
}

// Full reports whether the registry has no more slots available.
func (r *ArenaRegistry) Full() bool { return r.count.Load() >= MaxArenas }

// Contains reports whether p falls within the region owned by any
// registered arena, and if so returns that arena and the block index of p
// within it.
func (r *ArenaRegistry) Contains(p *byte) (d *ArenaDescriptor, block uint32, ok bool) {
	addr := uintptr(unsafe.Pointer(p))

	for i := 0; i < r.Count(); i++ {
		cand := r.At(i)
		if cand == nil {
			continue
		}
		base, size := cand.Area()
		baseAddr := uintptr(unsafe.Pointer(base))
		if addr >= baseAddr && addr < baseAddr+uintptr(size) {
			return cand, uint32((addr - baseAddr) / BlockSize), true
		}
	}
	return nil, 0, false
}

// Visit calls f for every published arena, stopping early if f returns
// false.
func (r *ArenaRegistry) Visit(f func(*ArenaDescriptor) bool) {
	for i := 0; i < r.Count(); i++ {
		d := r.At(i)
		if d == nil {
			continue
		}
		if !f(d) {
			return
		}
	}
}

// DestroyAll tears the registry down: for every published slot whose
// arena owns its backing memory (reserved via [ReserveEngine.Grow], not
// adopted via [ReserveEngine.Manage]), it clears the slot and releases
// the memory back to os. Adopted regions are left alone since this
// process never owned them. After clearing every owned slot it makes a
// best-effort attempt to bring the live count back to zero; a concurrent
// [ArenaRegistry.Append] racing this call can keep that CAS from
// succeeding, in which case the registry is left with cleared-but-counted
// slots rather than panicking or blocking.
//
// This is meant for process shutdown or test teardown, not for reclaiming
// one arena while others stay in service: once the count is back at zero,
// adopted arenas still in their slots are no longer visited, the next
// [ArenaRegistry.Append] reuses slot 0, and nothing stops a concurrent
// placement search from observing a slot mid-clear.
func (r *ArenaRegistry) DestroyAll(os Provider) {
	n := r.Count()

	for i := 0; i < n; i++ {
		d := r.slots[i].Load()
		if d == nil || !d.Owned() {
			continue
		}
		if !r.slots[i].CompareAndSwap(d, nil) {
			continue // raced with something else touching this slot
		}
		base, size := d.Area()
		os.Release(base, size)
	}

	for {
		cur := r.count.Load()
		if cur == 0 {
			return
		}
		if r.count.CompareAndSwap(cur, 0) {
			return
		}
	}
}
