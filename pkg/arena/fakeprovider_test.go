package arena_test

import (
	"sync"

	. "github.com/flier/goarena/pkg/arena"
	"github.com/flier/goarena/pkg/opt"
	"github.com/flier/goarena/pkg/res"
)

// fakeProvider backs Provider with plain heap allocations, standing in for
// a real OS mapping so the placement, growth, and purge engines can be
// exercised without ever touching mmap.
type fakeProvider struct {
	mu    sync.Mutex
	nodes []int

	reserves  int
	commits   int
	decommits int
	advises   int
	releases  int
}

func newFakeProvider(nodes ...int) *fakeProvider {
	return &fakeProvider{nodes: nodes}
}

func (p *fakeProvider) PageSize() int { return 4096 }

func (p *fakeProvider) Reserve(size int64, _ opt.Option[int]) res.Result[*byte] {
	p.mu.Lock()
	p.reserves++
	p.mu.Unlock()
	b := make([]byte, size)
	return res.Ok(&b[0])
}

func (p *fakeProvider) ReserveHuge(size int64, numaNode opt.Option[int]) res.Result[*byte] {
	return p.Reserve(size, numaNode)
}

func (p *fakeProvider) Commit(*byte, int64) res.Result[struct{}] {
	p.mu.Lock()
	p.commits++
	p.mu.Unlock()
	return res.Ok(struct{}{})
}

func (p *fakeProvider) Decommit(*byte, int64) res.Result[struct{}] {
	p.mu.Lock()
	p.decommits++
	p.mu.Unlock()
	return res.Ok(struct{}{})
}

func (p *fakeProvider) Advise(*byte, int64) res.Result[struct{}] {
	p.mu.Lock()
	p.advises++
	p.mu.Unlock()
	return res.Ok(struct{}{})
}

func (p *fakeProvider) Release(*byte, int64) res.Result[struct{}] {
	p.mu.Lock()
	p.releases++
	p.mu.Unlock()
	return res.Ok(struct{}{})
}

func (p *fakeProvider) NUMANodes() []int { return p.nodes }

func (p *fakeProvider) CurrentNUMANode() opt.Option[int] {
	if len(p.nodes) == 0 {
		return opt.None[int]()
	}
	return opt.Some(p.nodes[0])
}

// HasOvercommit and HasVirtualReserve default to true: a fake backed by
// plain heap allocations has no platform restrictions to model, so tests
// that care about the conditional-commit and quartered-reserve paths
// override these with a dedicated provider instead.
func (p *fakeProvider) HasOvercommit() bool     { return true }
func (p *fakeProvider) HasVirtualReserve() bool { return true }

// statsRecorder is a [StatsSink] that just accumulates everything it's told,
// so tests can assert on the running committed-bytes gauge.
type statsRecorder struct {
	mu             sync.Mutex
	committedBytes int64
}

func (s *statsRecorder) ArenaReserved(int64)  {}
func (s *statsRecorder) BlocksClaimed(uint32) {}
func (s *statsRecorder) BlocksFreed(uint32)   {}
func (s *statsRecorder) BlocksPurged(uint32)  {}

func (s *statsRecorder) CommittedBytes(delta int64) {
	s.mu.Lock()
	s.committedBytes += delta
	s.mu.Unlock()
}

func (s *statsRecorder) committed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committedBytes
}

// failCommitProvider wraps a fakeProvider but fails every Commit, so tests
// can exercise the claim-rollback path in AllocEngine.
type failCommitProvider struct {
	*fakeProvider
}

func (p failCommitProvider) Commit(*byte, int64) res.Result[struct{}] {
	return res.Err[struct{}](errCommit)
}

var errCommit = &commitErr{}

type commitErr struct{}

func (*commitErr) Error() string { return "fake commit failure" }

// noVirtualReserveProvider wraps a fakeProvider but reports no overcommit
// and no virtual-reserve support, so tests can exercise ReserveEngine's
// quartered growth target and its conditional eager-commit mode
// on a platform that can't cheaply reserve-without-committing.
type noVirtualReserveProvider struct {
	*fakeProvider
}

func (noVirtualReserveProvider) HasOvercommit() bool     { return false }
func (noVirtualReserveProvider) HasVirtualReserve() bool { return false }
