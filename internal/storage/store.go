package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/memmesh/internal/cluster"
	"github.com/dreamware/memmesh/internal/lease"
)

// Status is the coherence state of a memory item.
type Status string

const (
	// StatusExclusive means no other node holds a cached copy.
	StatusExclusive Status = "E"
	// StatusShared means at least one copy holder is registered.
	StatusShared Status = "S"
	// StatusInFlight is an internal placeholder; it is never stored on an item
	// and never intentionally sent to a remote caller.
	StatusInFlight Status = "I"
	// StatusCold marks data with no known owner state. Reserved for caches.
	StatusCold Status = "C"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusExclusive, StatusShared, StatusInFlight, StatusCold:
		return true
	}
	return false
}

// Item is the content of one owned address.
type Item struct {
	Data   cluster.Value `json:"data"`
	Status Status        `json:"istatus"`
	WTag   int64         `json:"wtag"`
}

// Stats contains counters about the store.
type Stats struct {
	Addresses        int    `json:"addresses"`         // Number of owned addresses
	Shared           int    `json:"shared"`            // Addresses with at least one copy holder
	Holders          int    `json:"holders"`           // Sum of copy holders over all addresses
	Reads            uint64 `json:"reads"`             // Completed Read calls
	Writes           uint64 `json:"writes"`            // Completed Write calls
	LeaseExpirations uint64 `json:"lease_expirations"` // Locks released by an expired lease
}

// slot is the per-address state. lock provides the semantic mutual
// exclusion; mu only guards field access so that diagnostics and stale
// releases never race with the holder.
type slot struct {
	lock    *lease.Lock
	mu      sync.Mutex
	item    Item
	holders []cluster.NodeAddr
}

// Store holds the memory items of the address range owned by this node, their
// lease locks, and the ordered list of remote copy holders per address.
//
// The store is an arena: slot i belongs to address Range.Start+i and lives for
// the lifetime of the process. There is no store-wide lock; operations on
// different addresses never contend.
//
// Read, Write and the copy-holder mutators expect the caller to hold the
// address's lease lock (AcquireLock). The store does not check this; the
// router is the only caller and always does.
type Store struct {
	rng    cluster.Range
	slots  []slot
	logger *zap.Logger

	reads       atomic.Uint64
	writes      atomic.Uint64
	expirations atomic.Uint64
}

type options struct {
	seed   int64
	clock  clock.Clock
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*options)

// WithSeed sets the initial write and lock tags. Defaults to the current time
// in nanoseconds so that tags keep increasing across restarts.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// WithClock sets the clock driving lease expiry.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.logger = log }
}

// New creates a store owning every address in rng. Each item starts Exclusive
// with null data.
func New(rng cluster.Range, opts ...Option) *Store {
	o := options{
		seed:   time.Now().UnixNano(),
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{
		rng:    rng,
		slots:  make([]slot, rng.Len()),
		logger: o.logger.With(zap.String("service", "store")),
	}
	for i := range s.slots {
		addr := rng.Start + i
		s.slots[i].item = Item{Data: cluster.Null(), Status: StatusExclusive, WTag: o.seed}
		s.slots[i].lock = lease.New(o.seed,
			lease.WithClock(o.clock),
			lease.OnExpire(func(ltag int64) {
				s.expirations.Add(1)
				s.logger.Info("Lease expired", zap.Int("address", addr), zap.Int64("ltag", ltag))
			}),
		)
	}
	return s
}

// Range returns the owned address range.
func (s *Store) Range() cluster.Range {
	return s.rng
}

// Owns reports whether addr belongs to this store.
func (s *Store) Owns(addr int) bool {
	return s.rng.Contains(addr)
}

func (s *Store) slot(addr int) *slot {
	if !s.rng.Contains(addr) {
		return nil
	}
	return &s.slots[addr-s.rng.Start]
}

// AcquireLock blocks until the lock on addr is free, takes it, and returns the
// new lock tag together with the item's current write tag. A positive lease
// makes the lock release itself after that long.
//
// For an address this store does not own it returns ok=false and tags of -1.
func (s *Store) AcquireLock(ctx context.Context, addr int, lease time.Duration) (ok bool, ltag, wtag int64, err error) {
	sl := s.slot(addr)
	if sl == nil {
		return false, -1, -1, nil
	}
	ltag, err = sl.lock.Acquire(ctx, lease)
	if err != nil {
		return false, -1, -1, err
	}
	sl.mu.Lock()
	wtag = sl.item.WTag
	sl.mu.Unlock()
	return true, ltag, wtag, nil
}

// ReleaseLock releases the lock on addr if it is held under ltag. It returns
// the lock tag after the call and the item's write tag. A mismatched tag is not
// an error: ok is false and the tags are reported unchanged.
func (s *Store) ReleaseLock(addr int, ltag int64) (ok bool, current, wtag int64) {
	sl := s.slot(addr)
	if sl == nil {
		return false, -1, -1
	}
	sl.mu.Lock()
	wtag = sl.item.WTag
	sl.mu.Unlock()
	ok, current = sl.lock.Release(ltag)
	return ok, current, wtag
}

// Read returns the item stored at addr.
func (s *Store) Read(addr int) (Item, bool) {
	sl := s.slot(addr)
	if sl == nil {
		return Item{}, false
	}
	s.reads.Add(1)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.item, true
}

// Write replaces the data at addr and bumps its write tag by one.
func (s *Store) Write(addr int, data cluster.Value) (Item, bool) {
	sl := s.slot(addr)
	if sl == nil {
		return Item{}, false
	}
	s.writes.Add(1)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.item.Data = data
	sl.item.WTag++
	return sl.item, true
}

// AddCopyHolder appends node to the holder list of addr unless it is already
// present, and marks the item Shared. Returns false only if addr is not owned.
func (s *Store) AddCopyHolder(addr int, node cluster.NodeAddr) bool {
	sl := s.slot(addr)
	if sl == nil {
		return false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !slices.Contains(sl.holders, node) {
		sl.holders = append(sl.holders, node)
	}
	sl.item.Status = StatusShared
	return true
}

// RemoveCopyHolder drops node from the holder list of addr. When the list
// becomes empty the item reverts to Exclusive. Returns false only if addr is
// not owned.
func (s *Store) RemoveCopyHolder(addr int, node cluster.NodeAddr) bool {
	sl := s.slot(addr)
	if sl == nil {
		return false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	s.removeLocked(sl, node)
	return true
}

func (s *Store) removeLocked(sl *slot, node cluster.NodeAddr) bool {
	i := slices.Index(sl.holders, node)
	if i < 0 {
		return false
	}
	sl.holders = slices.Delete(sl.holders, i, i+1)
	if len(sl.holders) == 0 && sl.item.Status == StatusShared {
		sl.item.Status = StatusExclusive
	}
	return true
}

// CopyHolders returns a snapshot of the holders of addr in insertion order.
func (s *Store) CopyHolders(addr int) []cluster.NodeAddr {
	sl := s.slot(addr)
	if sl == nil {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return slices.Clone(sl.holders)
}

// RemoveHolderEverywhere drops node from the holder list of every owned
// address, taking each address's lease lock in turn. It returns the number of
// lists node was removed from.
func (s *Store) RemoveHolderEverywhere(ctx context.Context, node cluster.NodeAddr) (int, error) {
	removed := 0
	for i := range s.slots {
		sl := &s.slots[i]
		sl.mu.Lock()
		present := slices.Contains(sl.holders, node)
		sl.mu.Unlock()
		if !present {
			continue
		}

		ltag, err := sl.lock.Acquire(ctx, 0)
		if err != nil {
			return removed, err
		}
		sl.mu.Lock()
		if s.removeLocked(sl, node) {
			removed++
		}
		sl.mu.Unlock()
		sl.lock.Release(ltag)
	}
	return removed, nil
}

// LockState reports whether the lock on addr is held and its tag.
func (s *Store) LockState(addr int) (held bool, ltag int64, ok bool) {
	sl := s.slot(addr)
	if sl == nil {
		return false, -1, false
	}
	held, ltag = sl.lock.State()
	return held, ltag, true
}

// Stats returns a point-in-time summary of the store.
func (s *Store) Stats() Stats {
	st := Stats{
		Addresses:        len(s.slots),
		Reads:            s.reads.Load(),
		Writes:           s.writes.Load(),
		LeaseExpirations: s.expirations.Load(),
	}
	for i := range s.slots {
		sl := &s.slots[i]
		sl.mu.Lock()
		if n := len(sl.holders); n > 0 {
			st.Shared++
			st.Holders += n
		}
		sl.mu.Unlock()
	}
	return st
}
