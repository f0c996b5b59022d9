package cluster

import (
	"github.com/pkg/errors"
)

// ErrOutOfRange is returned when an address is not covered by any partition.
var ErrOutOfRange = errors.New("memory address out of range")

// Range is a half-open interval [Start, End) of memory addresses.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether addr falls inside r.
func (r Range) Contains(addr int) bool {
	return addr >= r.Start && addr < r.End
}

// Len returns the number of addresses in r.
func (r Range) Len() int {
	return r.End - r.Start
}

// SplitRanges divides [0, memorySize) into n contiguous ranges of equal
// length. The last range absorbs the remainder so that every address has an
// owner.
//
// Example:
//
//	SplitRanges(10, 3) // [0,3) [3,6) [6,10)
func SplitRanges(memorySize, n int) []Range {
	if n <= 0 || memorySize <= 0 {
		return nil
	}
	per := memorySize / n
	ranges := make([]Range, n)
	for i := range ranges {
		ranges[i] = Range{Start: i * per, End: (i + 1) * per}
	}
	ranges[n-1].End = memorySize
	return ranges
}

// PartitionTable maps memory addresses to the node that owns them. Entry i of
// the node list owns range i. A table is immutable once built and safe for
// concurrent use without locking.
//
// Lookup is a binary search over the ranges, which are sorted and contiguous
// by construction:
//
//	address 7 → range [5,10) → index 1 → 127.0.0.1:5001
type PartitionTable struct {
	nodes  []NodeAddr
	ranges []Range
}

// NewPartitionTable validates and builds a table. Ranges must be non-empty,
// start at 0, and follow each other without gaps or overlap.
func NewPartitionTable(nodes []NodeAddr, ranges []Range) (*PartitionTable, error) {
	if len(nodes) == 0 {
		return nil, errors.New("partition table: no nodes")
	}
	if len(nodes) != len(ranges) {
		return nil, errors.Errorf("partition table: %d nodes but %d ranges", len(nodes), len(ranges))
	}
	next := 0
	seen := make(map[NodeAddr]bool, len(nodes))
	for i, r := range ranges {
		if r.Start != next {
			return nil, errors.Errorf("partition table: range %d starts at %d, want %d", i, r.Start, next)
		}
		if r.Len() <= 0 {
			return nil, errors.Errorf("partition table: range %d [%d,%d) is empty", i, r.Start, r.End)
		}
		if seen[nodes[i]] {
			return nil, errors.Errorf("partition table: node %s listed twice", nodes[i])
		}
		seen[nodes[i]] = true
		next = r.End
	}

	t := &PartitionTable{
		nodes:  make([]NodeAddr, len(nodes)),
		ranges: make([]Range, len(ranges)),
	}
	copy(t.nodes, nodes)
	copy(t.ranges, ranges)
	return t, nil
}

// Owner returns the node owning addr and its index in the node list.
// Returns ErrOutOfRange if no partition covers addr.
func (t *PartitionTable) Owner(addr int) (NodeAddr, int, error) {
	i := t.indexOf(addr)
	if i < 0 {
		return NodeAddr{}, -1, errors.Wrapf(ErrOutOfRange, "address %d", addr)
	}
	return t.nodes[i], i, nil
}

func (t *PartitionTable) indexOf(addr int) int {
	lo, hi := 0, len(t.ranges)
	for lo < hi {
		mid := (lo + hi) / 2
		r := t.ranges[mid]
		switch {
		case addr < r.Start:
			hi = mid
		case addr >= r.End:
			lo = mid + 1
		default:
			return mid
		}
	}
	return -1
}

// IndexOf returns the position of node in the table, or -1.
func (t *PartitionTable) IndexOf(node NodeAddr) int {
	for i, n := range t.nodes {
		if n == node {
			return i
		}
	}
	return -1
}

// Node returns the address of node i.
func (t *PartitionTable) Node(i int) NodeAddr {
	return t.nodes[i]
}

// RangeOf returns the range owned by node i.
func (t *PartitionTable) RangeOf(i int) Range {
	return t.ranges[i]
}

// Nodes returns a copy of the node list in partition order.
func (t *PartitionTable) Nodes() []NodeAddr {
	out := make([]NodeAddr, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// Len returns the number of nodes.
func (t *PartitionTable) Len() int {
	return len(t.nodes)
}

// Size returns the total number of addresses covered by the table.
func (t *PartitionTable) Size() int {
	return t.ranges[len(t.ranges)-1].End
}
