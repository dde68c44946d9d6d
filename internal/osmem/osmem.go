// Package osmem supplies concrete operating-system backends for
// [github.com/flier/goarena/pkg/arena]'s Provider interface: real
// mmap/mprotect/madvise on Linux, and a portable heap-backed fallback
// everywhere else.
package osmem

import "github.com/flier/goarena/pkg/arena"

// Provider is re-exported so callers can name the interface this package
// implements without importing pkg/arena themselves.
type Provider = arena.Provider

// New returns the best [Provider] available on the current platform.
func New() Provider { return newProvider() }
