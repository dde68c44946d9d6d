//go:build go1.23

package xunsafe

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/flier/goarena/internal/debug"
	"github.com/flier/goarena/pkg/xunsafe/layout"
)

// Addr is an untyped-but-phantom-typed address: a uintptr that remembers
// what it points to without pinning the GC or permitting a dereference
// until [Addr.AssertValid] is called.
//
// Arithmetic on an Addr[T] is scaled by sizeof(T), same as [Add]; use
// [Addr.ByteAdd] for raw byte arithmetic.
type Addr[T any] uintptr

// AddrOf takes the address of p without letting the result alias p for the
// purposes of escape analysis.
func AddrOf[T any](p *T) Addr[T] {
	return Addr[T](uintptr(unsafe.Pointer(p)))
}

// EndOf returns the address immediately past the end of a slice's backing
// array.
func EndOf[S ~[]E, E any](s S) Addr[E] {
	return AddrOf(unsafe.SliceData(s)).Add(len(s))
}

// AssertValid asserts that this address is non-nil and returns it as a
// pointer.
func (a Addr[T]) AssertValid() *T {
	debug.Assert(a != 0, "xunsafe: dereferencing a nil Addr[%T]", *new(T))

	return (*T)(unsafe.Pointer(uintptr(a))) //nolint:govet
}

// Add adds n elements' worth of offset to this address.
func (a Addr[T]) Add(n int) Addr[T] {
	return a + Addr[T](layout.Size[T]()*n)
}

// ByteAdd adds n bytes of offset to this address, without scaling.
func (a Addr[T]) ByteAdd(n int) Addr[T] {
	return a + Addr[T](n)
}

// Sub returns the number of Ts between a and b.
func (a Addr[T]) Sub(b Addr[T]) int {
	return int(a-b) / layout.Size[T]()
}

// Padding returns how many bytes must be added to this address to reach the
// next multiple of align.
func (a Addr[T]) Padding(align int) int {
	return layout.Padding(int(a), align)
}

// Misalign returns how far past the last multiple of align this address is.
func (a Addr[T]) Misalign(align int) int {
	return int(a) & (align - 1)
}

// RoundUpTo rounds this address up to the given alignment.
func (a Addr[T]) RoundUpTo(align int) Addr[T] {
	return Addr[T](layout.RoundUp(int(a), align))
}

// SignBit returns the value of this address' most significant bit.
//
// This is occasionally useful for treating an address as a tagged value,
// since real addresses never use that bit on the platforms this package
// targets.
func (a Addr[T]) SignBit() bool {
	return a&(Addr[T](1)<<63) != 0
}

// SignBitMask returns all-ones if [Addr.SignBit] is set, and all-zeros
// otherwise.
func (a Addr[T]) SignBitMask() Addr[T] {
	return Addr[T](uintptr(int64(a) >> 63)) //nolint:govet
}

// ClearSignBit returns this address with its sign bit, per [Addr.SignBit],
// forced to zero.
func (a Addr[T]) ClearSignBit() Addr[T] {
	return a &^ (Addr[T](1) << 63)
}

// String implements [fmt.Stringer].
func (a Addr[T]) String() string {
	return fmt.Sprintf("0x%x", uintptr(a))
}

// Format implements [fmt.Formatter].
func (a Addr[T]) Format(s fmt.State, verb rune) {
	switch verb {
	case 'x', 'X':
		_, _ = fmt.Fprintf(s, "0x%"+string(verb), uintptr(a))
	default:
		_, _ = io.WriteString(s, a.String())
	}
}
