// Command arenastat exercises the arena package end to end: it reserves
// arenas, allocates and frees blocks against them, runs a purge collection
// pass, and prints a summary of what happened.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/flier/goarena/internal/osmem"
	"github.com/flier/goarena/pkg/arena"
)

var (
	blocksPerAlloc = flag.Int("blocks", 4, "blocks to request per allocation")
	allocations    = flag.Int("allocations", 64, "number of allocate/free rounds to run")
	large          = flag.Bool("large", false, "request huge-page-backed arenas")
)

type counters struct {
	reserved  int64
	claimed   uint32
	freed     uint32
	purged    uint32
	committed int64
}

func (c *counters) ArenaReserved(bytes int64)   { c.reserved += bytes }
func (c *counters) BlocksClaimed(blocks uint32) { c.claimed += blocks }
func (c *counters) BlocksFreed(blocks uint32)   { c.freed += blocks }
func (c *counters) BlocksPurged(blocks uint32)  { c.purged += blocks }
func (c *counters) CommittedBytes(delta int64)  { c.committed += delta }

func main() {
	flag.Parse()

	opts := arena.DefaultOptions()

	registry := arena.NewArenaRegistry()
	provider := osmem.New()
	stats := &counters{}

	reserve := arena.NewReserveEngine(registry, provider, stats)
	alloc := arena.NewAllocEngine(registry, reserve, provider, stats, opts)
	purge := arena.NewPurgeEngine(registry, provider, stats, opts)

	var live []arena.Memid
	for i := 0; i < *allocations; i++ {
		req := arena.AllocRequest{
			Blocks:       uint32(*blocksPerAlloc),
			NUMANode:     provider.CurrentNUMANode(),
			RequireLarge: *large,
		}

		m, err := alloc.Alloc(req)
		if err != nil {
			log.Fatalf("alloc round %d: %v", i, err)
		}
		live = append(live, m)

		if i%2 == 1 {
			if err := purge.Free(live[0], arena.FreeOpts{}); err != nil {
				log.Fatalf("free round %d: %v", i, err)
			}
			live = live[1:]
		}
	}

	for _, m := range live {
		if err := purge.Free(m, arena.FreeOpts{}); err != nil {
			log.Fatalf("final free: %v", err)
		}
	}

	purged := purge.CollectDue()

	if opts.DestroyOnExit {
		defer registry.DestroyAll(provider)
	}

	fmt.Fprintf(os.Stdout, "arenas reserved: %d\n", registry.Count())
	fmt.Fprintf(os.Stdout, "bytes reserved:  %d\n", stats.reserved)
	fmt.Fprintf(os.Stdout, "blocks claimed:  %d\n", stats.claimed)
	fmt.Fprintf(os.Stdout, "blocks freed:    %d\n", stats.freed)
	fmt.Fprintf(os.Stdout, "blocks purged now: %d (lifetime: %d)\n", purged, stats.purged)

	registry.Visit(func(d *arena.ArenaDescriptor) bool {
		base, size := d.Area()
		fmt.Fprintf(os.Stdout, "arena %d: base=%p size=%d numa=%s usable_blocks=%d\n",
			d.ID(), base, size, d.NUMANode(), d.UsableBlocks())
		return true
	})
}
