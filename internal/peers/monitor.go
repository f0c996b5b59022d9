// Package peers tracks the reachability of the other nodes in the cluster.
//
// A Monitor probes every peer on a fixed interval. A peer that fails
// maxFailures probes in a row is marked unhealthy and the OnUnhealthy
// callback runs once; the next successful probe marks it healthy again.
//
// Health is advisory. Routing never consults it; a node uses it to drop
// unreachable copy holders before a write has to discover them.
package peers

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dreamware/memmesh/internal/cluster"
)

// Status is a peer's health state.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Health is a snapshot of one peer's probe history.
type Health struct {
	Node             cluster.NodeAddr `json:"node"`
	Status           Status           `json:"status"`
	ConsecutiveFails int              `json:"consecutive_fails"`
	LastCheck        time.Time        `json:"last_check"`
	LastHealthy      time.Time        `json:"last_healthy"`
}

// ProbeFunc checks that node is reachable.
type ProbeFunc func(ctx context.Context, node cluster.NodeAddr) error

// Monitor probes a fixed set of peers.
type Monitor struct {
	nodes       []cluster.NodeAddr
	probe       ProbeFunc
	onUnhealthy func(cluster.NodeAddr)

	interval    time.Duration
	timeout     time.Duration
	maxFailures int

	mu     sync.RWMutex
	health map[cluster.NodeAddr]*Health

	wg     sync.WaitGroup // callbacks in flight
	clock  clock.Clock
	logger *zap.Logger
}

// NewMonitor returns a monitor for nodes. It does nothing until Run.
func NewMonitor(nodes []cluster.NodeAddr, interval time.Duration, probe ProbeFunc) *Monitor {
	m := &Monitor{
		nodes:       append([]cluster.NodeAddr(nil), nodes...),
		probe:       probe,
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		health:      make(map[cluster.NodeAddr]*Health, len(nodes)),
		clock:       clock.New(),
		logger:      zap.NewNop(),
	}
	now := m.clock.Now()
	for _, n := range m.nodes {
		m.health[n] = &Health{Node: n, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
	}
	return m
}

// WithLogger sets the logger on the monitor.
func (m *Monitor) WithLogger(log *zap.Logger) {
	m.logger = log.With(zap.String("service", "peers"))
}

// SetOnUnhealthy registers fn to run, in its own goroutine, each time a peer
// turns unhealthy.
func (m *Monitor) SetOnUnhealthy(fn func(node cluster.NodeAddr)) {
	m.onUnhealthy = fn
}

// Run probes all peers immediately and then every interval until ctx is
// done. It waits for running callbacks before returning.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.wg.Wait()

	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Peer monitor started", zap.Duration("interval", m.interval), zap.Int("peers", len(m.nodes)))
	m.checkAll(ctx)

	for {
		select {
		case <-ticker.C:
			m.checkAll(ctx)
		case <-ctx.Done():
			m.logger.Info("Peer monitor stopped")
			return nil
		}
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	for _, n := range m.nodes {
		if ctx.Err() != nil {
			return
		}
		m.check(ctx, n)
	}
}

func (m *Monitor) check(ctx context.Context, node cluster.NodeAddr) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe(pctx, node)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.health[node]
	h.LastCheck = m.clock.Now()

	if err == nil {
		if h.Status == StatusUnhealthy {
			m.logger.Info("Peer recovered", zap.Stringer("node", node))
		}
		h.Status = StatusHealthy
		h.ConsecutiveFails = 0
		h.LastHealthy = h.LastCheck
		return
	}

	h.ConsecutiveFails++
	m.logger.Debug("Peer probe failed",
		zap.Stringer("node", node),
		zap.Int("attempt", h.ConsecutiveFails),
		zap.Error(err))
	if h.ConsecutiveFails < m.maxFailures || h.Status == StatusUnhealthy {
		return
	}

	h.Status = StatusUnhealthy
	m.logger.Warn("Peer marked unhealthy", zap.Stringer("node", node), zap.Int("failures", h.ConsecutiveFails))
	if m.onUnhealthy != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.onUnhealthy(node)
		}()
	}
}

// Health returns the state of node.
func (m *Monitor) Health(node cluster.NodeAddr) (Health, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[node]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// All returns the state of every peer in configuration order.
func (m *Monitor) All() []Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Health, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *m.health[n])
	}
	return out
}

// IsHealthy reports whether the last probe of node succeeded.
func (m *Monitor) IsHealthy(node cluster.NodeAddr) bool {
	h, ok := m.Health(node)
	return ok && h.Status == StatusHealthy
}
