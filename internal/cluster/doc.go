// Package cluster holds the static topology of a memmesh deployment and the
// small value types every other package shares.
//
// # Overview
//
// A deployment is an ordered list of nodes and a fixed address space
// [0, MemorySize). The list order defines the partition: node i owns the i-th
// contiguous range. Nothing in the mesh can change this at runtime, so every
// node computes the same PartitionTable from the same configuration and
// routes without asking anyone.
//
//	addresses   0 ........ 99 | 100 ...... 199 | 200 ...... 299
//	owner       127.0.0.1:5000 | 127.0.0.1:5001 | 127.0.0.1:5002
//
// # Types
//
// NodeAddr: host and port of a node. Encodes as ["host", port] on the wire.
//
// Range: half-open address interval owned by one node.
//
// PartitionTable: immutable address → owner lookup. Owner returns
// ErrOutOfRange for addresses outside the space.
//
// Value: the data stored at an address. A closed union of null, integer and
// text; the engine stores and forwards it without interpreting it.
//
// # Thread Safety
//
// All types in this package are values or immutable after construction and
// can be shared between goroutines freely.
package cluster
