package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/memmesh/internal/cache"
	"github.com/dreamware/memmesh/internal/cluster"
	"github.com/dreamware/memmesh/internal/config"
	"github.com/dreamware/memmesh/internal/peers"
	"github.com/dreamware/memmesh/internal/router"
	"github.com/dreamware/memmesh/internal/storage"
	"github.com/dreamware/memmesh/internal/transport"
)

// Node is one member of the mesh: the memory it owns, its cache of memory
// owned by others, and the servers exposing both.
//
// Components:
//   - store    - owned address range with locks and copy holders
//   - cache    - direct-mapped cache of remote addresses
//   - router   - decides local, cached, or forwarded for every request
//   - server   - TCP listener speaking the framed JSON protocol
//   - monitor  - optional prober of the other nodes
//   - registry - Prometheus metrics served on the admin listener
type Node struct {
	cfg   config.Config
	index int
	self  cluster.NodeAddr
	table *cluster.PartitionTable

	store   *storage.Store
	cache   *cache.Cache
	router  *router.Router
	peer    *transport.PeerClient
	server  *transport.Server
	monitor *peers.Monitor

	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewNode builds the node at position index of cfg.Servers.
//
// Parameters:
//   - cfg: validated cluster configuration
//   - index: this node's position in cfg.Servers
//   - log: base logger; components tag their own entries
//
// Returns an error if the index is out of bounds or the partition table or
// cache cannot be built.
func NewNode(cfg config.Config, index int, log *zap.Logger) (*Node, error) {
	if index < 0 || index >= len(cfg.Servers) {
		return nil, errors.Errorf("node index %d out of range [0, %d)", index, len(cfg.Servers))
	}
	table, err := cfg.PartitionTable()
	if err != nil {
		return nil, errors.Wrap(err, "partition table")
	}
	c, err := cache.New(cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "remote cache")
	}

	self := table.Node(index)
	log = log.With(zap.Stringer("node", self), zap.Int("index", index))

	store := storage.New(table.RangeOf(index),
		storage.WithSeed(cfg.Seed(time.Now())),
		storage.WithLogger(log))

	peer := transport.NewPeerClient(cfg.Codec(), cfg.Status, cfg.ConnectionTimeout)
	peer.WithLockWait(cfg.LeaseTimeout)
	peer.WithLogger(log)

	r := router.New(router.Config{
		Self:         self,
		Table:        table,
		LeaseTimeout: cfg.LeaseTimeout,
	}, store, c, peer)
	r.WithLogger(log)

	srv := transport.NewServer(r, cfg.Codec(), cfg.Status)
	srv.WithLogger(log)

	n := &Node{
		cfg:      cfg,
		index:    index,
		self:     self,
		table:    table,
		store:    store,
		cache:    c,
		router:   r,
		peer:     peer,
		server:   srv,
		registry: prometheus.NewRegistry(),
		logger:   log,
	}

	if cfg.HealthInterval > 0 {
		others := make([]cluster.NodeAddr, 0, table.Len()-1)
		for _, addr := range table.Nodes() {
			if addr != self {
				others = append(others, addr)
			}
		}
		n.monitor = peers.NewMonitor(others, cfg.HealthInterval, peer.Ping)
		n.monitor.WithLogger(log)
		if cfg.PruneUnhealthyHolders {
			n.monitor.SetOnUnhealthy(n.pruneHolder)
		}
	}

	n.registry.MustRegister(collectors.NewGoCollector())
	n.registry.MustRegister(r.PrometheusCollectors()...)
	n.registry.MustRegister(c.PrometheusCollectors()...)
	return n, nil
}

// pruneHolder drops node from every copy-holder list this node keeps.
func (n *Node) pruneHolder(node cluster.NodeAddr) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.LeaseTimeout*time.Duration(n.store.Range().Len()))
	defer cancel()

	removed, err := n.store.RemoveHolderEverywhere(ctx, node)
	if err != nil {
		n.logger.Warn("Pruning unhealthy holder stopped early", zap.Stringer("holder", node), zap.Int("removed", removed), zap.Error(err))
		return
	}
	n.logger.Info("Pruned unhealthy holder", zap.Stringer("holder", node), zap.Int("removed", removed))
}

// Run serves the protocol on ln and, if httpLn is non-nil, the admin API on
// httpLn, until ctx is done or a server fails.
func (n *Node) Run(ctx context.Context, ln, httpLn net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	n.logger.Info("Node starting",
		zap.Int("range_start", n.store.Range().Start),
		zap.Int("range_end", n.store.Range().End),
		zap.Int("cache_size", n.cache.Size()))

	g.Go(func() error {
		err := n.server.Serve(ctx, ln)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	if httpLn != nil {
		s := &http.Server{
			Handler:           n.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			n.logger.Info("Admin API listening", zap.Stringer("addr", httpLn.Addr()))
			if err := s.Serve(httpLn); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "admin api")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.Shutdown(sctx)
		})
	}

	if n.monitor != nil {
		g.Go(func() error { return n.monitor.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		return n.server.Close()
	})

	err := g.Wait()
	n.logger.Info("Node stopped")
	return err
}

// Handler returns the admin HTTP API.
//
// Routes:
//   - GET /health  - liveness, always 200
//   - GET /info    - node identity, owned range, store statistics, peer health
//   - GET /cache   - remote-cache entries
//   - GET /metrics - Prometheus metrics
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", n.handleInfo)
	mux.HandleFunc("/cache", n.handleCache)
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	return mux
}

// nodeInfo is the body of GET /info.
type nodeInfo struct {
	Index int              `json:"index"`
	Addr  cluster.NodeAddr `json:"addr"`
	Range cluster.Range    `json:"range"`
	Nodes int              `json:"nodes"`
	Store storage.Stats    `json:"store"`
	Peers []peers.Health   `json:"peers,omitempty"`
}

// handleInfo reports the node's identity and state.
//
// Endpoint: GET /info
//
// Response body:
//
//	{
//	  "index": 1,
//	  "addr": ["localhost", 5001],
//	  "range": {"start": 100, "end": 200},
//	  "nodes": 3,
//	  "store": {"addresses": 100, "shared": 2, ...},
//	  "peers": [{"node": ["localhost", 5000], "status": "healthy", ...}]
//	}
func (n *Node) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info := nodeInfo{
		Index: n.index,
		Addr:  n.self,
		Range: n.store.Range(),
		Nodes: n.table.Len(),
		Store: n.store.Stats(),
	}
	if n.monitor != nil {
		info.Peers = n.monitor.All()
	}
	writeJSON(w, info)
}

// handleCache dumps the remote cache.
//
// Endpoint: GET /cache
func (n *Node) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := n.router.DumpCache()
	if entries == nil {
		entries = []cache.Entry{}
	}
	writeJSON(w, struct {
		Entries []cache.Entry `json:"entries"`
		Count   int           `json:"count"`
	}{
		Entries: entries,
		Count:   len(entries),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
