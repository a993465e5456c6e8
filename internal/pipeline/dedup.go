package pipeline

import (
	"sync"
	"time"
)

// dedupWindow is the pipeline-private in-memory half of the dedup check
// (spec.md §4.1 intake step (c)): the last maxSize command ids seen,
// each expiring after ttl. The audit store's processed_commands table
// backs the persisted half so a restart does not reopen the window.
type dedupWindow struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	seen    map[string]time.Time
	order   []string // insertion order, for bounded eviction
}

func newDedupWindow(maxSize int, ttl time.Duration) *dedupWindow {
	return &dedupWindow{
		ttl:     ttl,
		maxSize: maxSize,
		seen:    make(map[string]time.Time, maxSize),
	}
}

// seenRecently reports whether id was recorded within ttl, without
// recording it.
func (d *dedupWindow) seenRecently(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.seen[id]
	if !ok {
		return false
	}
	return time.Since(t) < d.ttl
}

// record marks id as seen now, evicting the oldest entry if over capacity.
func (d *dedupWindow) record(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.seen[id]; !exists {
		d.order = append(d.order, id)
	}
	d.seen[id] = time.Now()

	for len(d.order) > d.maxSize {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
}
