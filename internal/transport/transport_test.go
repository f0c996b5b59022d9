package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/memmesh/internal/cache"
	"github.com/dreamware/memmesh/internal/cluster"
	"github.com/dreamware/memmesh/internal/router"
	"github.com/dreamware/memmesh/internal/storage"
	"github.com/dreamware/memmesh/internal/wire"
)

type testNode struct {
	addr   cluster.NodeAddr
	store  *storage.Store
	cache  *cache.Cache
	router *router.Router
	server *Server
}

var (
	testCodec = wire.NewCodec(0)
	testCodes = wire.DefaultStatusCodes()
)

// startCluster starts n nodes on loopback listeners over [0, memorySize).
func startCluster(t *testing.T, memorySize, n int) []*testNode {
	t.Helper()

	listeners := make([]net.Listener, n)
	addrs := make([]cluster.NodeAddr, n)
	for i := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = ln
		addrs[i] = cluster.NodeAddr{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	}

	table, err := cluster.NewPartitionTable(addrs, cluster.SplitRanges(memorySize, n))
	require.NoError(t, err)

	nodes := make([]*testNode, n)
	for i, addr := range addrs {
		c, err := cache.New(4)
		require.NoError(t, err)
		s := storage.New(table.RangeOf(i), storage.WithSeed(0))
		peer := NewPeerClient(testCodec, testCodes, time.Second)
		peer.WithLockWait(time.Second)
		r := router.New(router.Config{Self: addr, Table: table, LeaseTimeout: time.Second}, s, c, peer)
		srv := NewServer(r, testCodec, testCodes)

		ln := listeners[i]
		go srv.Serve(context.Background(), ln)
		t.Cleanup(func() { srv.Close() })

		nodes[i] = &testNode{addr: addr, store: s, cache: c, router: r, server: srv}
	}
	return nodes
}

// startSilentNode listens on loopback and accepts connections but never
// replies to anything.
func startSilentNode(t *testing.T) cluster.NodeAddr {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
	})
	return cluster.NodeAddr{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
}

func dialNode(t *testing.T, n *testNode) *Session {
	t.Helper()
	s, err := Dial(context.Background(), n.addr, testCodec, testCodes, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionReadWrite(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 10, 2)

	// nodes[1] owns 5..9; the write lands there directly.
	owner := dialNode(t, nodes[1])
	wtag, err := owner.Write(ctx, 7, cluster.Text("x"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), wtag)

	other := dialNode(t, nodes[0])
	res, err := other.Read(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, cluster.Text("x"), res.Data)
	assert.Equal(t, int64(1), res.WTag)
	assert.Equal(t, storage.StatusShared, res.Status)

	entries, err := other.DumpCache(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 7, entries[0].Address)
	assert.Equal(t, cluster.Text("x"), entries[0].Data)
	assert.Equal(t, int64(1), entries[0].WTag)

	entries, err = owner.DumpCache(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, owner.Disconnect(ctx))
	require.NoError(t, other.Disconnect(ctx))
	_, err = other.Read(ctx, 7)
	assert.Equal(t, ErrClosed, err)
}

func TestWritePropagatesOverTCP(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 9, 3)

	// Both non-owners read address 1, becoming copy holders.
	for _, n := range nodes[1:] {
		_, err := dialNode(t, n).Read(ctx, 1)
		require.NoError(t, err)
	}

	wtag, err := dialNode(t, nodes[0]).Write(ctx, 1, cluster.Int(99))
	require.NoError(t, err)
	assert.Equal(t, int64(1), wtag)

	for _, n := range nodes[1:] {
		entry, ok := n.cache.Read(1)
		require.True(t, ok)
		assert.Equal(t, cluster.Int(99), entry.Data)
		assert.Equal(t, int64(1), entry.WTag)
	}
}

func TestPropagationPrunesUnreachableHolder(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 12, 4)
	owner := nodes[0]

	for _, n := range nodes[1:] {
		_, err := dialNode(t, n).Read(ctx, 2)
		require.NoError(t, err)
	}
	require.Equal(t, []cluster.NodeAddr{nodes[1].addr, nodes[2].addr, nodes[3].addr}, owner.store.CopyHolders(2))

	require.NoError(t, nodes[2].server.Close())

	_, err := dialNode(t, owner).Write(ctx, 2, cluster.Text("after"))
	require.NoError(t, err)
	assert.Equal(t, []cluster.NodeAddr{nodes[1].addr}, owner.store.CopyHolders(2))
}

func TestSilentHolderIsPruned(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 10, 2)
	owner := nodes[0]
	silent := startSilentNode(t)

	_, err := owner.router.Read(ctx, 2, silent, false)
	require.NoError(t, err)
	require.Equal(t, []cluster.NodeAddr{silent}, owner.store.CopyHolders(2))

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	wtag, err := dialNode(t, owner).Write(wctx, 2, cluster.Int(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), wtag)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Empty(t, owner.store.CopyHolders(2))

	held, _, ok := owner.store.LockState(2)
	require.True(t, ok)
	assert.False(t, held, "address lock released after the chain timed out")

	// The address stays usable.
	wtag, err = dialNode(t, owner).Write(wctx, 2, cluster.Int(2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), wtag)
}

func TestSessionCloseInterruptsRequest(t *testing.T) {
	silent := startSilentNode(t)
	s, err := Dial(context.Background(), silent, testCodec, testCodes, time.Second)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background(), 1)
		errc <- err
	}()
	time.Sleep(100 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close waited for the in-flight request")
	}

	select {
	case err := <-errc:
		assert.Equal(t, ErrClosed, err)
	case <-time.After(time.Second):
		t.Fatal("request still blocked after Close")
	}
	assert.NoError(t, s.Close())
}

func TestLeaseAutoRelease(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 10, 2)

	first := dialNode(t, nodes[1])
	lock, err := first.Lock(ctx, 3, time.Second)
	require.NoError(t, err)
	assert.True(t, lock.OK)

	// Never released; the second acquire succeeds once the lease runs out.
	second := dialNode(t, nodes[0])
	start := time.Now()
	lock2, err := second.Lock(ctx, 3, time.Second)
	require.NoError(t, err)
	assert.True(t, lock2.OK)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	assert.Greater(t, lock2.LTag, lock.LTag+1)

	// The stale holder's release is reported, not failed.
	rel, err := first.Unlock(ctx, 3, lock.LTag)
	require.NoError(t, err)
	assert.False(t, rel.OK)

	rel, err = second.Unlock(ctx, 3, lock2.LTag)
	require.NoError(t, err)
	assert.True(t, rel.OK)
}

func TestStatusCodes(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 10, 2)
	s := dialNode(t, nodes[0])

	t.Run("out of range", func(t *testing.T) {
		_, err := s.Read(ctx, 10)
		var rerr *router.RemoteError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, testCodes.InvalidAddress, rerr.Code)
		assert.True(t, errors.Is(err, router.ErrOutOfRange))
	})

	t.Run("unknown type keeps connection", func(t *testing.T) {
		resp, err := s.Do(ctx, wire.Request{Type: "serve_nothing"})
		require.NoError(t, err)
		assert.Equal(t, testCodes.InvalidOperation, resp.Status)

		_, err = s.Read(ctx, 1)
		assert.NoError(t, err)
	})

	t.Run("bad arguments keep connection", func(t *testing.T) {
		req, err := wire.NewRequest(wire.TypeRead, "", -1, "seven", true)
		require.NoError(t, err)
		resp, err := s.Do(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, testCodes.InvalidOperation, resp.Status)

		_, err = s.Write(ctx, 1, cluster.Int(1))
		assert.NoError(t, err)
	})

	t.Run("misrouted", func(t *testing.T) {
		req, err := wire.ReadArgs{Requester: nodes[1].addr, Address: 8}.Request()
		require.NoError(t, err)
		resp, err := s.Do(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, testCodes.Error, resp.Status)
	})
}

func TestMalformedPayload(t *testing.T) {
	nodes := startCluster(t, 10, 1)

	conn, err := net.Dial("tcp", nodes[0].addr.String())
	require.NoError(t, err)
	defer conn.Close()

	bad := "{not json"
	header := strconv.Itoa(len(bad))
	for len(header) < testCodec.HeaderLength {
		header += " "
	}
	_, err = conn.Write([]byte(header + bad))
	require.NoError(t, err)

	var resp wire.Response
	require.NoError(t, testCodec.ReadMessage(conn, &resp))
	assert.Equal(t, testCodes.InvalidOperation, resp.Status)

	require.NoError(t, testCodec.WriteMessage(conn, wire.Request{Type: wire.TypeDisconnect}))
	require.NoError(t, testCodec.ReadMessage(conn, &resp))
	assert.Equal(t, testCodes.Success, resp.Status)
	assert.Equal(t, "disconnected", resp.Message)
}

func TestPeerClient(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 10, 2)
	peer := NewPeerClient(testCodec, testCodes, time.Second)

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, peer.Ping(ctx, nodes[0].addr))
	})

	t.Run("dial failure", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		dead := cluster.NodeAddr{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
		ln.Close()

		assert.Error(t, peer.Ping(ctx, dead))
		_, err = peer.Read(ctx, dead, nodes[0].addr, 1)
		assert.Error(t, err)
	})

	t.Run("remote errors", func(t *testing.T) {
		_, err := peer.Read(ctx, nodes[0].addr, nodes[1].addr, 42)
		assert.True(t, errors.Is(err, router.ErrOutOfRange))

		_, err = peer.Write(ctx, nodes[0].addr, nodes[1].addr, 8, cluster.Int(1))
		var rerr *router.RemoteError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, testCodes.Error, rerr.Code)
	})

	t.Run("silent node times out", func(t *testing.T) {
		silent := startSilentNode(t)
		u := router.CacheUpdate{Address: 1, Data: cluster.Int(1), Status: storage.StatusShared, WTag: 1}

		start := time.Now()
		assert.Error(t, peer.UpdateCache(ctx, silent, nil, u))
		_, err := peer.ReleaseLock(ctx, silent, 1, 1)
		assert.Error(t, err)
		_, err = peer.Read(ctx, silent, nodes[0].addr, 1)
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 6*time.Second)
	})

	t.Run("lock round trip", func(t *testing.T) {
		lock, err := peer.AcquireLock(ctx, nodes[0].addr, 4, 0)
		require.NoError(t, err)
		assert.True(t, lock.OK)

		rel, err := peer.ReleaseLock(ctx, nodes[0].addr, 4, lock.LTag)
		require.NoError(t, err)
		assert.True(t, rel.OK)
	})

	t.Run("propagation error names failed hop", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		dead := cluster.NodeAddr{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
		ln.Close()

		u := router.CacheUpdate{Address: 1, Data: cluster.Int(1), Status: storage.StatusShared, WTag: 1}
		err = peer.UpdateCache(ctx, nodes[1].addr, []cluster.NodeAddr{dead}, u)
		var perr *router.PropagationError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, dead, perr.Node)

		entry, ok := nodes[1].cache.Read(1)
		require.True(t, ok, "the reachable hop applied the update")
		assert.Equal(t, int64(1), entry.WTag)
	})
}

func TestServerClose(t *testing.T) {
	nodes := startCluster(t, 10, 1)
	s := dialNode(t, nodes[0])

	require.NoError(t, nodes[0].server.Close())
	require.NoError(t, nodes[0].server.Close())

	_, err := s.Read(context.Background(), 1)
	assert.Error(t, err)
}
