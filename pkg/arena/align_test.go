package arena_test

import (
	. "github.com/flier/goarena/pkg/arena"
	"github.com/flier/goarena/pkg/xunsafe"
)

// alignedWithin returns the first BlockAlign-aligned address inside region,
// for tests that need a real, block-aligned region to hand to
// [ReserveEngine.Manage] without going through the OS.
func alignedWithin(region []byte, align int) *byte {
	base := xunsafe.AddrOf(&region[0])
	return base.RoundUpTo(align).AssertValid()
}

func xunsafeByteAdd(p *byte, n int) *byte {
	return xunsafe.ByteAdd[byte](p, n)
}
