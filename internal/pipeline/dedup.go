// Package pipeline absorbs events from the connection manager at line
// rate: deduplication, the configurable filter chain, transformation to
// storage points, optional enrichment, and dispatch to the writer and
// the alert engine through a bounded queue and a fixed worker pool.
package pipeline

import (
	"sync"
	"time"
)

const (
	defaultDedupWindow  = 5 * time.Second
	defaultDedupCeiling = 10_000
)

// deduper keeps a sliding window of recently seen event identities.
// Eviction runs opportunistically once the cache exceeds its ceiling;
// it never blocks the hot path for long.
type deduper struct {
	mu      sync.Mutex
	window  time.Duration
	ceiling int
	seen    map[string]time.Time
}

func newDeduper(window time.Duration, ceiling int) *deduper {
	if window <= 0 {
		window = defaultDedupWindow
	}
	if ceiling <= 0 {
		ceiling = defaultDedupCeiling
	}
	return &deduper{
		window:  window,
		ceiling: ceiling,
		seen:    make(map[string]time.Time),
	}
}

// isDuplicate records the identity and reports whether it was already
// seen inside the window.
func (d *deduper) isDuplicate(identity string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[identity]; ok && now.Sub(at) < d.window {
		return true
	}
	d.seen[identity] = now

	if len(d.seen) > d.ceiling {
		d.evictLocked(now)
	}
	return false
}

// evictLocked drops expired entries; if the cache is still over its
// ceiling afterwards, arbitrary entries go until it fits.
func (d *deduper) evictLocked(now time.Time) {
	for id, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, id)
		}
	}
	for id := range d.seen {
		if len(d.seen) <= d.ceiling {
			break
		}
		delete(d.seen, id)
	}
}

func (d *deduper) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
