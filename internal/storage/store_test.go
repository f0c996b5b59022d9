package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/memmesh/internal/cluster"
)

var (
	h1 = cluster.NodeAddr{Host: "localhost", Port: 6001}
	h2 = cluster.NodeAddr{Host: "localhost", Port: 6002}
	h3 = cluster.NodeAddr{Host: "localhost", Port: 6003}
)

// TestStore tests the owned-range store
func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("new store is exclusive and null", func(t *testing.T) {
		s := New(cluster.Range{Start: 5, End: 10}, WithSeed(0))

		for addr := 5; addr < 10; addr++ {
			item, ok := s.Read(addr)
			if !ok {
				t.Fatalf("address %d should be owned", addr)
			}
			if item.Status != StatusExclusive {
				t.Errorf("address %d: expected Exclusive, got %s", addr, item.Status)
			}
			if !item.Data.IsNull() {
				t.Errorf("address %d: expected null data, got %s", addr, item.Data)
			}
			if item.WTag != 0 {
				t.Errorf("address %d: expected wtag 0, got %d", addr, item.WTag)
			}
		}
	})

	t.Run("unowned addresses", func(t *testing.T) {
		s := New(cluster.Range{Start: 5, End: 10})

		for _, addr := range []int{-1, 0, 4, 10} {
			assert.False(t, s.Owns(addr))
			_, ok := s.Read(addr)
			assert.False(t, ok)
			_, ok = s.Write(addr, cluster.Int(1))
			assert.False(t, ok)
			assert.False(t, s.AddCopyHolder(addr, h1))
			assert.False(t, s.RemoveCopyHolder(addr, h1))
			assert.Nil(t, s.CopyHolders(addr))

			ok, ltag, wtag, err := s.AcquireLock(ctx, addr, 0)
			assert.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, int64(-1), ltag)
			assert.Equal(t, int64(-1), wtag)

			ok, ltag, wtag = s.ReleaseLock(addr, 0)
			assert.False(t, ok)
			assert.Equal(t, int64(-1), ltag)
			assert.Equal(t, int64(-1), wtag)
		}
	})

	t.Run("write bumps wtag by one", func(t *testing.T) {
		s := New(cluster.Range{Start: 0, End: 5}, WithSeed(1000))

		item, ok := s.Write(3, cluster.Text("x"))
		require.True(t, ok)
		assert.Equal(t, int64(1001), item.WTag)

		item, _ = s.Write(3, cluster.Int(7))
		assert.Equal(t, int64(1002), item.WTag)

		read, _ := s.Read(3)
		assert.Equal(t, item, read)

		other, _ := s.Read(4)
		assert.Equal(t, int64(1000), other.WTag, "other addresses are untouched")
	})

	t.Run("lock reports wtag", func(t *testing.T) {
		s := New(cluster.Range{Start: 0, End: 5}, WithSeed(10))

		ok, ltag, wtag, err := s.AcquireLock(ctx, 2, 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(11), ltag)
		assert.Equal(t, int64(10), wtag)

		s.Write(2, cluster.Int(1))

		ok, after, wtag := s.ReleaseLock(2, ltag)
		assert.True(t, ok)
		assert.Equal(t, int64(12), after)
		assert.Equal(t, int64(11), wtag)

		ok, cur, _ := s.ReleaseLock(2, ltag)
		assert.False(t, ok, "second release is already released")
		assert.Equal(t, after, cur)
	})
}

// TestCopyHolders tests the ordered copy-holder registry
func TestCopyHolders(t *testing.T) {
	t.Run("insertion order and idempotence", func(t *testing.T) {
		s := New(cluster.Range{Start: 0, End: 10})

		assert.True(t, s.AddCopyHolder(5, h2))
		assert.True(t, s.AddCopyHolder(5, h1))
		assert.True(t, s.AddCopyHolder(5, h2))
		assert.True(t, s.AddCopyHolder(5, h3))

		want := []cluster.NodeAddr{h2, h1, h3}
		if diff := cmp.Diff(want, s.CopyHolders(5)); diff != "" {
			t.Errorf("holders mismatch (-want +got):\n%s", diff)
		}

		item, _ := s.Read(5)
		assert.Equal(t, StatusShared, item.Status)
	})

	t.Run("removing the last holder reverts to exclusive", func(t *testing.T) {
		s := New(cluster.Range{Start: 0, End: 10})
		s.AddCopyHolder(1, h1)
		s.AddCopyHolder(1, h2)

		assert.True(t, s.RemoveCopyHolder(1, h1))
		item, _ := s.Read(1)
		assert.Equal(t, StatusShared, item.Status)

		assert.True(t, s.RemoveCopyHolder(1, h3), "removing an absent holder is fine")
		assert.True(t, s.RemoveCopyHolder(1, h2))
		item, _ = s.Read(1)
		assert.Equal(t, StatusExclusive, item.Status)
		assert.Empty(t, s.CopyHolders(1))
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		s := New(cluster.Range{Start: 0, End: 10})
		s.AddCopyHolder(0, h1)

		snap := s.CopyHolders(0)
		snap[0] = h3

		assert.Equal(t, []cluster.NodeAddr{h1}, s.CopyHolders(0))
	})

	t.Run("remove holder everywhere", func(t *testing.T) {
		s := New(cluster.Range{Start: 0, End: 10})
		s.AddCopyHolder(0, h1)
		s.AddCopyHolder(0, h2)
		s.AddCopyHolder(4, h1)
		s.AddCopyHolder(9, h2)

		n, err := s.RemoveHolderEverywhere(context.Background(), h1)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		assert.Equal(t, []cluster.NodeAddr{h2}, s.CopyHolders(0))
		assert.Empty(t, s.CopyHolders(4))
		item, _ := s.Read(4)
		assert.Equal(t, StatusExclusive, item.Status)

		held, _, _ := s.LockState(0)
		assert.False(t, held, "locks are released afterwards")
	})

	t.Run("stats", func(t *testing.T) {
		s := New(cluster.Range{Start: 0, End: 10})
		s.AddCopyHolder(0, h1)
		s.AddCopyHolder(0, h2)
		s.AddCopyHolder(3, h1)
		s.Write(3, cluster.Int(1))
		s.Read(3)

		st := s.Stats()
		assert.Equal(t, 10, st.Addresses)
		assert.Equal(t, 2, st.Shared)
		assert.Equal(t, 3, st.Holders)
		assert.Equal(t, uint64(1), st.Writes)
		assert.Equal(t, uint64(1), st.Reads)
	})
}

func TestStoreLeaseExpiry(t *testing.T) {
	mock := clock.NewMock()
	s := New(cluster.Range{Start: 0, End: 4}, WithSeed(0), WithClock(mock))
	ctx := context.Background()

	ok, ltag, _, err := s.AcquireLock(ctx, 3, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool {
		held, _, _ := s.LockState(3)
		return !held
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats().LeaseExpirations)

	ok, _, _, err = s.AcquireLock(ctx, 3, 0)
	require.NoError(t, err)
	assert.True(t, ok, "a second client can take the lock after the lease")

	ok, _, _ = s.ReleaseLock(3, ltag)
	assert.False(t, ok, "the first holder's tag is stale")
}

// TestStoreConcurrentWrites verifies wtag strictly increases under contention.
func TestStoreConcurrentWrites(t *testing.T) {
	s := New(cluster.Range{Start: 0, End: 2}, WithSeed(0))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]bool)

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, ltag, _, err := s.AcquireLock(ctx, 1, 0)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				item, _ := s.Write(1, cluster.Int(int64(g)))
				s.ReleaseLock(1, ltag)

				mu.Lock()
				if seen[item.WTag] {
					t.Errorf("wtag %d observed twice", item.WTag)
				}
				seen[item.WTag] = true
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()

	item, _ := s.Read(1)
	assert.Equal(t, int64(8*50), item.WTag)
	assert.Len(t, seen, 8*50)
}
