// Package cache implements the remote cache a node keeps for data owned by
// other nodes: a fixed number of direct-mapped slots, each tagged with the
// write version seen when the copy was fetched or last pushed.
package cache

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/dreamware/memmesh/internal/cluster"
	"github.com/dreamware/memmesh/internal/storage"
)

// EmptyAddress marks a slot that holds no entry.
const EmptyAddress = -1

// Entry is a cached copy of a remote memory item.
type Entry struct {
	Address int            `json:"address"`
	Data    cluster.Value  `json:"data"`
	Status  storage.Status `json:"istatus"`
	WTag    int64          `json:"wtag"`
}

type slot struct {
	mu    sync.Mutex
	entry Entry
}

// Cache maps address mod Size() to a slot. A slot is valid for an address
// only if it currently stores that address; writing a different address into
// an occupied slot evicts the previous entry.
//
// Each slot has its own mutex. There is no cache-wide lock, so unrelated
// addresses never wait on each other unless they collide in the same slot.
type Cache struct {
	slots   []slot
	metrics *metrics
}

// New returns a cache of size slots, all empty.
func New(size int) (*Cache, error) {
	if size <= 0 {
		return nil, errors.Errorf("cache size must be positive, got %d", size)
	}
	c := &Cache{
		slots:   make([]slot, size),
		metrics: newMetrics(),
	}
	for i := range c.slots {
		c.slots[i].entry = Entry{Address: EmptyAddress}
	}
	return c, nil
}

// Size returns the number of slots.
func (c *Cache) Size() int {
	return len(c.slots)
}

func (c *Cache) slot(addr int) *slot {
	i := addr % len(c.slots)
	if i < 0 {
		i += len(c.slots)
	}
	return &c.slots[i]
}

// Read returns the entry for addr if its slot currently holds addr.
func (c *Cache) Read(addr int) (Entry, bool) {
	s := c.slot(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry.Address != addr || addr == EmptyAddress {
		c.metrics.misses.Inc()
		return Entry{}, false
	}
	c.metrics.hits.Inc()
	return s.entry, true
}

// Write stores a copy of addr, replacing whatever the slot held.
func (c *Cache) Write(addr int, data cluster.Value, status storage.Status, wtag int64) {
	s := c.slot(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry.Address != addr && s.entry.Address != EmptyAddress {
		c.metrics.evictions.Inc()
	}
	s.entry = Entry{Address: addr, Data: data, Status: status, WTag: wtag}
	c.metrics.writes.Inc()
}

// Remove clears the slot of addr if, and only if, it currently holds addr.
func (c *Cache) Remove(addr int) {
	s := c.slot(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry.Address == addr {
		s.entry = Entry{Address: EmptyAddress}
		c.metrics.removals.Inc()
	}
}

// Dump returns the valid entries in slot order. Slots are visited one at a
// time, so the result may mix states from before and after concurrent writes.
func (c *Cache) Dump() []Entry {
	out := make([]Entry, 0, len(c.slots))
	for i := range c.slots {
		s := &c.slots[i]
		s.mu.Lock()
		e := s.entry
		s.mu.Unlock()
		if e.Address != EmptyAddress {
			out = append(out, e)
		}
	}
	return out
}
