package arena

import "github.com/flier/goarena/internal/debug"

// arenaLog forwards to debug.Log with a consistent context prefix
// identifying which arena an operation touched. It costs nothing in
// non-debug builds, since debug.Log is a no-op there.
func arenaLog(d *ArenaDescriptor, op, format string, args ...any) {
	id := uint16(0)
	if d != nil {
		id = d.id
	}
	debug.Log([]any{"arena %d", id}, op, format, args...)
}
