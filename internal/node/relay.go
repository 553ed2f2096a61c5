// internal/node/relay.go
package node

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	seenTTL        = 5 * time.Minute
	seenEstimate   = 100_000
	seenFalseRate  = 0.001
	seenResetAfter = 500_000
)

// seenCache remembers message ids long enough to break relay loops. The
// bloom filter answers the common "never seen" case without touching the
// map; positives are confirmed against the exact TTL map, so a filter
// false-positive can never drop a fresh message.
type seenCache struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	exact  map[string]time.Time
	ttl    time.Duration
	adds   int
	sweep  time.Time
}

func newSeenCache(ttl time.Duration) *seenCache {
	if ttl <= 0 {
		ttl = seenTTL
	}
	return &seenCache{
		filter: bloom.NewWithEstimates(seenEstimate, seenFalseRate),
		exact:  make(map[string]time.Time),
		ttl:    ttl,
		sweep:  time.Now(),
	}
}

// Seen reports whether id is inside the TTL window, without marking it.
func (c *seenCache) Seen(id string) bool {
	if id == "" {
		return false
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.filter.TestString(id) {
		return false
	}
	at, ok := c.exact[id]
	return ok && now.Sub(at) < c.ttl
}

// Mark records id. Marking is separate from Seen so a message rejected for
// a possibly transient reason can stay re-admittable under the same id.
func (c *seenCache) Mark(id string) {
	if id == "" {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.filter.TestString(id) {
		c.filter.AddString(id)
	}
	c.exact[id] = now
	c.adds++

	if now.Sub(c.sweep) > c.ttl {
		for k, at := range c.exact {
			if now.Sub(at) >= c.ttl {
				delete(c.exact, k)
			}
		}
		c.sweep = now
	}
	// the filter cannot forget, so rebuild it once it has absorbed far more
	// ids than it was sized for
	if c.adds > seenResetAfter {
		c.filter.ClearAll()
		for k := range c.exact {
			c.filter.AddString(k)
		}
		c.adds = len(c.exact)
	}
}

// CheckAndMark reports whether id was already seen, and marks it either way.
func (c *seenCache) CheckAndMark(id string) bool {
	seen := c.Seen(id)
	c.Mark(id)
	return seen
}
