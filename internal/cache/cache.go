// Package cache holds the latest classified record for every target.
//
// Readers load an immutable snapshot through an atomic pointer and never
// block. Writers build a new snapshot and swap it in; they are serialized by
// a mutex that readers never touch.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazz-dev/pingboard/internal/status"
)

// Snapshot is an immutable view of the cache.
type Snapshot struct {
	cycle       uint64
	committedAt time.Time
	records     map[string]status.Record
}

// Cycle is the number of the last committed cycle, 0 before the first.
func (s *Snapshot) Cycle() uint64 {
	return s.cycle
}

// CommittedAt is when Cycle was committed. It is zero before the first
// commit.
func (s *Snapshot) CommittedAt() time.Time {
	return s.committedAt
}

// Lookup returns the record for a target id.
func (s *Snapshot) Lookup(id string) (status.Record, bool) {
	r, ok := s.records[id]
	return r, ok
}

// Records returns a copy of all records keyed by target id.
func (s *Snapshot) Records() map[string]status.Record {
	out := make(map[string]status.Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Len returns the number of targets with a record.
func (s *Snapshot) Len() int {
	return len(s.records)
}

// Cache is the process-wide state cache.
type Cache struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// New returns an empty cache.
func New() *Cache {
	c := &Cache{}
	c.snap.Store(&Snapshot{records: map[string]status.Record{}})
	return c
}

// Get returns the last published snapshot.
func (c *Cache) Get() *Snapshot {
	return c.snap.Load()
}

// Update publishes a single record. Other entries are carried over.
func (c *Cache) Update(id string, rec status.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	next := cur.clone(len(cur.records) + 1)
	next.records[id] = rec
	c.snap.Store(next)
}

// Commit publishes all records of one cycle in a single swap, so readers see
// either none or all of them.
func (c *Cache) Commit(cycle uint64, records []status.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	next := cur.clone(len(cur.records) + len(records))
	for _, r := range records {
		next.records[r.TargetID] = r
	}
	next.cycle = cycle
	next.committedAt = time.Now()
	c.snap.Store(next)
}

func (s *Snapshot) clone(capacity int) *Snapshot {
	next := &Snapshot{
		cycle:       s.cycle,
		committedAt: s.committedAt,
		records:     make(map[string]status.Record, capacity),
	}
	for k, v := range s.records {
		next.records[k] = v
	}
	return next
}
