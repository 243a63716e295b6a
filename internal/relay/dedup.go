package relay

import (
	"sync"
	"time"
)

// pruneInterval bounds how often Seen scans for expired ids.
const pruneInterval = time.Second

// Dedup is a TTL-bounded set of recently seen message ids. Broker pub/sub
// may redeliver under reconnect races; duplicates are dropped silently
// instead of being re-delivered to subscribers.
type Dedup struct {
	mu        sync.Mutex
	seen      map[string]time.Time // id -> expiry
	lastPrune time.Time
	now       func() time.Time
}

// NewDedup creates an empty dedup set.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]time.Time), now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (d *Dedup) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Seen records id for ttl and reports whether it was already present. The
// set is bounded by the message TTL: ids fall out once their ttl passes.
func (d *Dedup) Seen(id string, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.Sub(d.lastPrune) >= pruneInterval {
		for seenID, expiry := range d.seen {
			if !now.Before(expiry) {
				delete(d.seen, seenID)
			}
		}
		d.lastPrune = now
	}

	if expiry, ok := d.seen[id]; ok && now.Before(expiry) {
		return true
	}
	d.seen[id] = now.Add(ttl)
	return false
}

// Len returns the number of tracked ids, counting entries not yet pruned.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
