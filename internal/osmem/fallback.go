//go:build !linux

package osmem

import (
	"os"

	"github.com/flier/goarena/internal/debug"
	"github.com/flier/goarena/pkg/opt"
	"github.com/flier/goarena/pkg/res"
)

func newProvider() Provider { return heapProvider{} }

// heapProvider backs arena.Provider with ordinary Go heap memory. It exists
// so this module builds and runs its algorithms (placement, purge
// scheduling, bitmap bookkeeping) on platforms without a real mmap-based
// implementation; it does not actually return memory to an OS on
// Decommit/Release, since a Go slice can't be partially unmapped.
type heapProvider struct{}

func (heapProvider) PageSize() int { return os.Getpagesize() }

func (heapProvider) Reserve(size int64, _ opt.Option[int]) res.Result[*byte] {
	return res.Ok(allocBacking(size))
}

func (heapProvider) ReserveHuge(int64, opt.Option[int]) res.Result[*byte] {
	return res.Err[*byte](debug.Unsupported())
}

func (heapProvider) Commit(*byte, int64) res.Result[struct{}] { return res.Ok(struct{}{}) }

func (heapProvider) Decommit(*byte, int64) res.Result[struct{}] { return res.Ok(struct{}{}) }

func (heapProvider) Advise(*byte, int64) res.Result[struct{}] { return res.Ok(struct{}{}) }

func (heapProvider) Release(*byte, int64) res.Result[struct{}] { return res.Ok(struct{}{}) }

func (heapProvider) NUMANodes() []int { return nil }

func (heapProvider) CurrentNUMANode() opt.Option[int] { return opt.None[int]() }

// HasOvercommit and HasVirtualReserve are both false here: make() touches
// and zeroes every byte it returns, so this provider never actually
// reserves address space without paying for it up front.
func (heapProvider) HasOvercommit() bool     { return false }
func (heapProvider) HasVirtualReserve() bool { return false }

func allocBacking(size int64) *byte {
	debug.Assert(size >= 0, "osmem: negative reservation size %d", size)
	if size == 0 {
		return nil
	}
	b := make([]byte, size)
	return &b[0]
}
