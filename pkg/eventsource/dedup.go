package eventsource

import (
	"sync"
	"time"
)

// DedupTable maps ProcessId to last-seen monotonic timestamp (spec §3). An
// entry with age < window suppresses re-admission. Mutations are serialized
// behind a mutex with only short critical sections held, matching the
// teacher's guard pattern around its own shared per-pid maps in
// pkg/system/proc/v1.go (cpuPrev, rbytesPrev, ...), generalized here to an
// explicit admit/reclaim lifecycle instead of implicit per-field maps.
type DedupTable struct {
	window time.Duration

	mu   sync.Mutex
	seen map[uint32]time.Time
}

// NewDedupTable creates a table with the given suppression window.
func NewDedupTable(window time.Duration) *DedupTable {
	return &DedupTable{window: window, seen: make(map[uint32]time.Time)}
}

// Admit reports whether pid should be admitted at t: true if this is the
// first observation, or if the previous observation is at least window old.
// A suppressed call leaves the stored timestamp untouched; only an
// admitting call (first sighting, or a stale entry) refreshes it, matching
// original_source/code/the_main.c's is_pid_recent exactly (it returns early
// without touching entry->timestamp when the entry is still within the
// window, and only updates it on the stale-or-new path).
func (d *DedupTable) Admit(pid uint32, t time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.seen[pid]
	if ok && t.Sub(last) < d.window {
		return false
	}
	d.seen[pid] = t
	return true
}

// Len reports the current entry count, for metrics.
func (d *DedupTable) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Reclaim drops entries older than window+extra, bounding memory under
// unbounded process churn (spec §5 "DedupTable entries are reclaimed after
// T_dedup + T_idle").
func (d *DedupTable) Reclaim(now time.Time, extra time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.window + extra
	for pid, last := range d.seen {
		if now.Sub(last) >= cutoff {
			delete(d.seen, pid)
		}
	}
}
