package cluster

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodes(n int) []NodeAddr {
	nodes := make([]NodeAddr, n)
	for i := range nodes {
		nodes[i] = NodeAddr{Host: "localhost", Port: 5000 + i}
	}
	return nodes
}

func TestSplitRanges(t *testing.T) {
	tests := []struct {
		name string
		size int
		n    int
		want []Range
	}{
		{"even split", 10, 2, []Range{{0, 5}, {5, 10}}},
		{"remainder goes to last", 10, 3, []Range{{0, 3}, {3, 6}, {6, 10}}},
		{"single node", 300, 1, []Range{{0, 300}}},
		{"no nodes", 10, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitRanges(tt.size, tt.n)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("SplitRanges(%d, %d) mismatch (-want +got):\n%s", tt.size, tt.n, diff)
			}
		})
	}
}

// TestPartitionTableOwner verifies that every address maps to exactly one node.
func TestPartitionTableOwner(t *testing.T) {
	nodes := testNodes(2)
	table, err := NewPartitionTable(nodes, SplitRanges(10, 2))
	require.NoError(t, err)

	for addr := 0; addr < 10; addr++ {
		owner, idx, err := table.Owner(addr)
		require.NoError(t, err)
		want := 0
		if addr >= 5 {
			want = 1
		}
		assert.Equal(t, want, idx, "address %d", addr)
		assert.Equal(t, nodes[want], owner)
	}

	for _, addr := range []int{-1, 10, 1 << 20} {
		_, idx, err := table.Owner(addr)
		assert.True(t, errors.Is(err, ErrOutOfRange), "address %d", addr)
		assert.Equal(t, -1, idx)
	}

	assert.Equal(t, 10, table.Size())
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, Range{5, 10}, table.RangeOf(1))
	assert.Equal(t, 1, table.IndexOf(nodes[1]))
	assert.Equal(t, -1, table.IndexOf(NodeAddr{"elsewhere", 1}))
}

func TestNewPartitionTableValidation(t *testing.T) {
	tests := []struct {
		name   string
		nodes  []NodeAddr
		ranges []Range
	}{
		{"no nodes", nil, nil},
		{"length mismatch", testNodes(2), []Range{{0, 10}}},
		{"gap", testNodes(2), []Range{{0, 4}, {5, 10}}},
		{"overlap", testNodes(2), []Range{{0, 6}, {5, 10}}},
		{"not starting at zero", testNodes(1), []Range{{1, 10}}},
		{"empty range", testNodes(2), []Range{{0, 0}, {0, 10}}},
		{"duplicate node", []NodeAddr{{"a", 1}, {"a", 1}}, []Range{{0, 5}, {5, 10}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPartitionTable(tt.nodes, tt.ranges)
			assert.Error(t, err)
		})
	}
}

func TestPartitionTableCopies(t *testing.T) {
	nodes := testNodes(3)
	table, err := NewPartitionTable(nodes, SplitRanges(9, 3))
	require.NoError(t, err)

	nodes[0].Port = 1
	got := table.Nodes()
	got[1].Port = 2

	assert.Equal(t, 5000, table.Node(0).Port)
	assert.Equal(t, 5001, table.Node(1).Port)
}

func TestPartitionTableConcurrentLookups(t *testing.T) {
	table, err := NewPartitionTable(testNodes(4), SplitRanges(400, 4))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for addr := 0; addr < 400; addr++ {
				_, idx, err := table.Owner(addr)
				if err != nil || idx != addr/100 {
					t.Errorf("Owner(%d) = %d, %v", addr, idx, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
