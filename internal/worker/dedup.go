package worker

import (
	"sync"
	"time"
)

// Dedup rate-limits repeats of the same alert key to one per ttl so a triple
// or user that fails every tick cannot flood the operator channel. The
// repeats it swallows are counted and handed to the next alert that passes.
type Dedup struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	keys map[string]*sighting
}

type sighting struct {
	at         time.Time
	suppressed int
}

func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{ttl: ttl, now: time.Now, keys: make(map[string]*sighting)}
}

// Admit reports whether an alert for key may go out now. When it may,
// suppressed is the number of repeats swallowed since the previous one.
func (d *Dedup) Admit(key string) (ok bool, suppressed int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	s, seen := d.keys[key]
	if !seen {
		d.keys[key] = &sighting{at: now}
		return true, 0
	}
	if now.Sub(s.at) < d.ttl {
		s.suppressed++
		return false, 0
	}
	suppressed = s.suppressed
	*s = sighting{at: now}
	return true, suppressed
}

// Cleanup forgets keys idle for a full window. Their suppressed counts are
// dropped with them.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for key, s := range d.keys {
		if now.Sub(s.at) >= d.ttl {
			delete(d.keys, key)
		}
	}
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}
