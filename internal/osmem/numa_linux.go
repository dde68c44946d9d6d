//go:build linux

package osmem

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/flier/goarena/pkg/opt"
)

const numaSysPath = "/sys/devices/system/node"

// discoverNUMANodes lists the NUMA nodes visible under sysfs. There is no
// real libnuma cgo binding grounded anywhere in this module's dependency
// stack, so this is a plain filesystem walk rather than a cgo call; it
// returns nil (not an error) on any platform or container where the path
// doesn't exist.
func discoverNUMANodes() []int {
	entries, err := os.ReadDir(numaSysPath)
	if err != nil {
		return nil
	}

	var nodes []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(name, "node")); err == nil {
			nodes = append(nodes, n)
		}
	}
	sort.Ints(nodes)
	return nodes
}

// currentNUMANode returns the lowest-numbered discovered node as a stand-in
// for "the node closest to the calling thread": without a cgo
// sched_getcpu()/numa_node_of_cpu() binding there is no portable way to ask
// the kernel directly, so this is intentionally conservative rather than
// guessing.
func currentNUMANode() opt.Option[int] {
	nodes := discoverNUMANodes()
	if len(nodes) == 0 {
		return opt.None[int]()
	}
	return opt.Some(nodes[0])
}
