package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/memmesh/internal/cache"
	"github.com/dreamware/memmesh/internal/cluster"
	"github.com/dreamware/memmesh/internal/config"
	"github.com/dreamware/memmesh/internal/router"
	"github.com/dreamware/memmesh/internal/storage"
	"github.com/dreamware/memmesh/internal/transport"
)

// startNodes runs n nodes over ten addresses and returns their configuration
// and servers.
func startNodes(t *testing.T, n int) (config.Config, []*transport.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.MemorySize = 10
	cfg.CacheSize = 4
	cfg.ConnectionTimeout = time.Second
	cfg.LeaseTimeout = time.Second

	listeners := make([]net.Listener, n)
	for i := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = ln
		cfg.Servers = append(cfg.Servers, cluster.NodeAddr{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port})
	}
	require.NoError(t, cfg.Validate())
	table, err := cfg.PartitionTable()
	require.NoError(t, err)

	servers := make([]*transport.Server, n)
	for i, ln := range listeners {
		c, err := cache.New(cfg.CacheSize)
		require.NoError(t, err)
		s := storage.New(table.RangeOf(i), storage.WithSeed(0))
		peer := transport.NewPeerClient(cfg.Codec(), cfg.Status, cfg.ConnectionTimeout)
		peer.WithLockWait(cfg.LeaseTimeout)
		r := router.New(router.Config{Self: table.Node(i), Table: table, LeaseTimeout: cfg.LeaseTimeout}, s, c, peer)

		srv := transport.NewServer(r, cfg.Codec(), cfg.Status)
		go srv.Serve(context.Background(), ln)
		t.Cleanup(func() { srv.Close() })
		servers[i] = srv
	}
	return cfg, servers
}

func TestREPLCommands(t *testing.T) {
	cfg, _ := startNodes(t, 2)

	in := strings.NewReader(strings.Join([]string{
		"write 7 x",
		"read 7",
		"write 2   hello world",
		"read 2",
		"write 3 42",
		"lock 4",
		"unlock 4 0",
		"dumpcache",
		"bogus",
		"read seven",
		"read 99",
		"disconnect",
		"read 7",
	}, "\n"))
	var out bytes.Buffer

	r := newREPL(cfg, in, &out)
	require.NoError(t, r.Run(context.Background(), 0))

	got := out.String()
	assert.Contains(t, got, "write 7: wtag=1")
	assert.Contains(t, got, "read 7: data=x istatus=S wtag=1")
	assert.Contains(t, got, "read 2: data=hello world istatus=E wtag=1")
	assert.Contains(t, got, "lock 4: ltag=")
	assert.Contains(t, got, "unlock 4: lock was already released")
	assert.Contains(t, got, "cache: 1 entries")
	assert.Contains(t, got, "  7: data=x istatus=S wtag=1")
	assert.Contains(t, got, "invalid command")
	assert.Contains(t, got, `bad address "seven"`)
	assert.Contains(t, got, "error: ")
	assert.Contains(t, got, "disconnected")
	assert.Equal(t, 1, strings.Count(got, "read 7:"), "input after disconnect is ignored")
}

func TestREPLReconnects(t *testing.T) {
	cfg, servers := startNodes(t, 2)

	in := strings.NewReader("read 2\nread 2\n")
	var out bytes.Buffer
	r := newREPL(cfg, in, &out)

	require.NoError(t, r.dial(context.Background(), 1))
	require.NoError(t, servers[1].Close())

	// The open session now points at a closed node.
	_, err := r.execute(context.Background(), "read 2")
	require.Error(t, err)
	assert.False(t, isReply(err))

	i, err := r.reconnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, i)

	quit, err := r.execute(context.Background(), "read 2")
	assert.False(t, quit)
	assert.NoError(t, err)
}

func TestREPLReconnectFails(t *testing.T) {
	cfg, servers := startNodes(t, 1)

	r := newREPL(cfg, strings.NewReader("read 1\n"), &bytes.Buffer{})
	require.NoError(t, r.dial(context.Background(), 0))
	require.NoError(t, servers[0].Close())

	_, err := r.reconnect(context.Background())
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"read 7", []string{"read", "7"}},
		{"  write   3   two words ", []string{"write", "3", "two words"}},
		{"dumpcache", []string{"dumpcache"}},
		{"unlock 4 17", []string{"unlock", "4", "17"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, split(tt.line, 3), tt.line)
	}
}
