package resolver

import (
	"sort"
	"sync"
	"time"
)

// Entry is the cached blocked state of one element.
type Entry struct {
	ElementID   string `json:"elementId"`
	IsBlocked   bool   `json:"isBlocked"`
	BlockReason string `json:"blockReason,omitempty"`
	// BlockedBy is the first responsible element, empty when unblocked.
	BlockedBy string `json:"blockedBy,omitempty"`
}

type record struct {
	entry Entry
	// recheckAt and recheckOwner are set while the entry depends on a timer
	// gate; owner is the element carrying the AWAITS edge.
	recheckAt    *time.Time
	recheckOwner string
}

func (r record) expired(now time.Time) bool {
	return r.recheckAt != nil && !now.Before(*r.recheckAt)
}

// Cache holds materialized blocked state. It is owned by whoever creates it
// and handed to a Resolver; nothing in this package keeps a global cache.
type Cache struct {
	mu      sync.Mutex
	records map[string]record
	// timers maps owners of timer-gated entries to their recheck instant.
	timers map[string]time.Time
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{records: map[string]record{}, timers: map[string]time.Time{}}
}

// Peek returns the cached entry without computing or rechecking it.
func (c *Cache) Peek(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	return rec.entry, ok
}

// Snapshot copies every cached entry, keyed by element id.
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry, len(c.records))
	for id, rec := range c.records {
		out[id] = rec.entry
	}
	return out
}

// The helpers below expect c.mu to be held.

func (c *Cache) put(id string, rec record) {
	c.records[id] = rec
	if rec.recheckAt != nil && rec.recheckOwner == id {
		c.timers[id] = *rec.recheckAt
	} else {
		delete(c.timers, id)
	}
}

func (c *Cache) drop(id string) {
	delete(c.records, id)
	delete(c.timers, id)
}

func (c *Cache) replace(records map[string]record) {
	c.records = records
	c.timers = map[string]time.Time{}
	for id, rec := range records {
		if rec.recheckAt != nil && rec.recheckOwner == id {
			c.timers[id] = *rec.recheckAt
		}
	}
}

// due returns owners whose timer gates have elapsed, ordered by id.
func (c *Cache) due(now time.Time) []string {
	var ids []string
	for id, at := range c.timers {
		if !now.Before(at) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
