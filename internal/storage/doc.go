// Package storage keeps the memory owned by a node: one item per address in
// the node's partition, the lease lock guarding it, and the ordered list of
// remote nodes that hold a cached copy.
//
// # Layout
//
// The store is a fixed arena allocated at startup. Slot i serves address
// Range.Start+i and is never freed:
//
//	┌──────── slot ────────┐
//	│ lock     lease.Lock  │  ltag: generation, bumps on acquire and release
//	│ item     Item        │  data, status (E/S), wtag
//	│ holders  []NodeAddr  │  propagation chain, insertion ordered
//	└──────────────────────┘
//
// # Coherence State
//
// An item is Shared while it has at least one copy holder and reverts to
// Exclusive when the last holder is removed. The write tag starts at a large
// seed (startup nanoseconds by default) and increases by one per write, so a
// cached copy can be validated by comparing tags alone.
//
// # Concurrency
//
// Callers serialize work on an address through AcquireLock/ReleaseLock. The
// per-slot mutex underneath only makes individual field reads and writes
// atomic; it is never held across a call out of the package. Different
// addresses never share a lock.
package storage
