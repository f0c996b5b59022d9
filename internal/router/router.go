// Package router decides, for every memory operation a node receives,
// whether to serve it from local memory, from the remote cache, or by
// forwarding it to the owning node, and drives the write-update chain that
// keeps remote caches coherent.
package router

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/memmesh/internal/cache"
	"github.com/dreamware/memmesh/internal/cluster"
	"github.com/dreamware/memmesh/internal/storage"
)

// maxStaleRetries bounds how many times a read re-runs after evicting a stale
// cached copy.
const maxStaleRetries = 3

// LocalStore is the memory owned by this node.
type LocalStore interface {
	AcquireLock(ctx context.Context, addr int, lease time.Duration) (ok bool, ltag, wtag int64, err error)
	ReleaseLock(addr int, ltag int64) (ok bool, current, wtag int64)
	Read(addr int) (storage.Item, bool)
	Write(addr int, data cluster.Value) (storage.Item, bool)
	AddCopyHolder(addr int, node cluster.NodeAddr) bool
	RemoveCopyHolder(addr int, node cluster.NodeAddr) bool
	CopyHolders(addr int) []cluster.NodeAddr
}

// RemoteCache holds copies of data owned by other nodes.
type RemoteCache interface {
	Read(addr int) (cache.Entry, bool)
	Write(addr int, data cluster.Value, status storage.Status, wtag int64)
	Remove(addr int)
	Dump() []cache.Entry
}

// Peer performs operations on another node. Every call is addressed to the
// node believed to own the address and is sent without cascading, so the
// receiver fails instead of forwarding again.
type Peer interface {
	Read(ctx context.Context, node, requester cluster.NodeAddr, addr int) (ReadResult, error)
	Write(ctx context.Context, node, requester cluster.NodeAddr, addr int, data cluster.Value) (int64, error)
	AcquireLock(ctx context.Context, node cluster.NodeAddr, addr int, lease time.Duration) (LockResult, error)
	ReleaseLock(ctx context.Context, node cluster.NodeAddr, addr int, ltag int64) (LockResult, error)
	UpdateCache(ctx context.Context, node cluster.NodeAddr, chain []cluster.NodeAddr, u CacheUpdate) error
}

// ReadResult is the value read from an address.
type ReadResult struct {
	Data   cluster.Value
	Status storage.Status
	WTag   int64
	LTag   int64
}

// LockResult is the outcome of a lock operation. OK is false only for a
// release whose tag no longer matched, meaning the lock was already released.
type LockResult struct {
	OK   bool
	LTag int64
	WTag int64
}

// CacheUpdate is the new state of an address pushed along a copy-holder chain.
type CacheUpdate struct {
	Address int
	Data    cluster.Value
	Status  storage.Status
	WTag    int64
}

// Config is the static configuration of a Router.
type Config struct {
	// Self is this node's own address, as listed in Table.
	Self cluster.NodeAddr
	// Table maps addresses to owners.
	Table *cluster.PartitionTable
	// LeaseTimeout is the lease taken on the owner while validating a cached
	// copy.
	LeaseTimeout time.Duration
}

// Router serves memory operations for one node.
//
// Requests carry a cascade flag. A cascading request comes from an end client
// (or is the first hop) and may be forwarded to the owner. A non-cascading
// request comes from another node that believes this node is the owner; if it
// is wrong the request fails with ErrMisrouted rather than being forwarded
// again.
type Router struct {
	self         cluster.NodeAddr
	table        *cluster.PartitionTable
	leaseTimeout time.Duration

	store LocalStore
	cache RemoteCache
	peer  Peer

	logger  *zap.Logger
	metrics *metrics
}

// New returns a router for the node cfg.Self.
func New(cfg Config, store LocalStore, cache RemoteCache, peer Peer) *Router {
	return &Router{
		self:         cfg.Self,
		table:        cfg.Table,
		leaseTimeout: cfg.LeaseTimeout,
		store:        store,
		cache:        cache,
		peer:         peer,
		logger:       zap.NewNop(),
		metrics:      newMetrics(),
	}
}

// WithLogger sets the logger for the router.
func (r *Router) WithLogger(log *zap.Logger) {
	r.logger = log.With(zap.String("service", "router"))
}

// Self returns the address of the node this router serves.
func (r *Router) Self() cluster.NodeAddr {
	return r.self
}

func (r *Router) owner(addr int) (cluster.NodeAddr, error) {
	owner, _, err := r.table.Owner(addr)
	return owner, err
}

func (r *Router) misrouted(op string, addr int, owner cluster.NodeAddr) error {
	r.metrics.Misrouted.Inc()
	r.logger.Error("Routing inconsistency: forwarded request reached a non-owner",
		zap.String("op", op),
		zap.Int("address", addr),
		zap.Stringer("owner", owner))
	return errors.Wrapf(ErrMisrouted, "%s of address %d: owner is %s, not %s", op, addr, owner, r.self)
}

// isHolderCandidate reports whether requester should be recorded as a copy
// holder for a non-cascading request.
func (r *Router) isHolderCandidate(requester cluster.NodeAddr, cascade bool) bool {
	return !cascade && !requester.IsZero() && requester != r.self
}

// Read returns the value at addr.
//
// On the owner the value is read under the address lock, and a forwarding
// node (cascade false) is registered as a copy holder. Elsewhere a cached copy
// is used if the owner confirms its write tag; a stale copy is evicted and the
// read starts over. Without a cached copy a cascading read is forwarded to
// the owner and the reply is cached.
func (r *Router) Read(ctx context.Context, addr int, requester cluster.NodeAddr, cascade bool) (res ReadResult, err error) {
	defer func() { r.observe("read", err) }()

	owner, err := r.owner(addr)
	if err != nil {
		return ReadResult{}, err
	}
	if owner == r.self {
		return r.readLocal(ctx, addr, requester, cascade)
	}

	for attempt := 0; attempt <= maxStaleRetries; attempt++ {
		if entry, ok := r.cache.Read(addr); ok {
			res, fresh, err := r.validate(ctx, owner, entry)
			if err != nil {
				return ReadResult{}, err
			}
			if fresh {
				return res, nil
			}
			r.logger.Debug("Evicted stale cached copy", zap.Int("address", addr), zap.Int64("wtag", entry.WTag))
			continue
		}

		if !cascade {
			return ReadResult{}, r.misrouted("read", addr, owner)
		}

		res, err := r.peer.Read(ctx, owner, r.self, addr)
		if err != nil {
			return ReadResult{}, errors.Wrapf(err, "forward read of address %d", addr)
		}
		r.cache.Write(addr, res.Data, res.Status, res.WTag)
		return res, nil
	}
	return ReadResult{}, errors.Wrapf(ErrStaleRetries, "address %d", addr)
}

func (r *Router) readLocal(ctx context.Context, addr int, requester cluster.NodeAddr, cascade bool) (ReadResult, error) {
	ok, ltag, _, err := r.store.AcquireLock(ctx, addr, 0)
	if err != nil {
		return ReadResult{}, errors.Wrapf(err, "lock address %d", addr)
	}
	if !ok {
		return ReadResult{}, errors.Wrapf(ErrLockUnavailable, "address %d", addr)
	}
	defer r.store.ReleaseLock(addr, ltag)

	if r.isHolderCandidate(requester, cascade) {
		r.store.AddCopyHolder(addr, requester)
	}
	item, _ := r.store.Read(addr)
	return ReadResult{Data: item.Data, Status: item.Status, WTag: item.WTag, LTag: ltag}, nil
}

// validate checks a cached copy against the owner. It takes a leased lock on
// the owner, compares write tags, releases, and compares again to catch a
// write that slipped in between. A stale entry is evicted and fresh is false.
func (r *Router) validate(ctx context.Context, owner cluster.NodeAddr, entry cache.Entry) (res ReadResult, fresh bool, err error) {
	addr := entry.Address

	lock, err := r.peer.AcquireLock(ctx, owner, addr, r.leaseTimeout)
	if err != nil {
		r.cache.Remove(addr)
		r.metrics.Validations.WithLabelValues("error").Inc()
		return ReadResult{}, false, errors.Wrapf(err, "validate cached address %d", addr)
	}

	if lock.WTag != entry.WTag {
		r.cache.Remove(addr)
		r.metrics.Validations.WithLabelValues("stale").Inc()
		if _, err := r.peer.ReleaseLock(ctx, owner, addr, lock.LTag); err != nil {
			return ReadResult{}, false, errors.Wrapf(err, "release owner lock on address %d", addr)
		}
		return ReadResult{}, false, nil
	}

	rel, err := r.peer.ReleaseLock(ctx, owner, addr, lock.LTag)
	if err != nil {
		r.cache.Remove(addr)
		r.metrics.Validations.WithLabelValues("error").Inc()
		return ReadResult{}, false, errors.Wrapf(err, "release owner lock on address %d", addr)
	}
	if rel.WTag != entry.WTag {
		r.cache.Remove(addr)
		r.metrics.Validations.WithLabelValues("stale").Inc()
		return ReadResult{}, false, nil
	}

	r.metrics.Validations.WithLabelValues("fresh").Inc()
	return ReadResult{Data: entry.Data, Status: entry.Status, WTag: entry.WTag, LTag: lock.LTag}, true, nil
}

// Write stores data at addr and returns the new write tag.
//
// On the owner the write happens under the address lock; a forwarding node is
// registered as a copy holder first, and if the item is Shared the update is
// pushed down the copy-holder chain before the lock is released. Elsewhere a
// cascading write is forwarded to the owner.
func (r *Router) Write(ctx context.Context, addr int, data cluster.Value, requester cluster.NodeAddr, cascade bool) (wtag int64, err error) {
	defer func() { r.observe("write", err) }()

	owner, err := r.owner(addr)
	if err != nil {
		return 0, err
	}
	if owner == r.self {
		return r.writeLocal(ctx, addr, data, requester, cascade)
	}
	if !cascade {
		return 0, r.misrouted("write", addr, owner)
	}

	wtag, err = r.peer.Write(ctx, owner, r.self, addr, data)
	if err != nil {
		return 0, errors.Wrapf(err, "forward write of address %d", addr)
	}
	return wtag, nil
}

func (r *Router) writeLocal(ctx context.Context, addr int, data cluster.Value, requester cluster.NodeAddr, cascade bool) (int64, error) {
	ok, ltag, _, err := r.store.AcquireLock(ctx, addr, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "lock address %d", addr)
	}
	if !ok {
		return 0, errors.Wrapf(ErrLockUnavailable, "address %d", addr)
	}
	defer r.store.ReleaseLock(addr, ltag)

	if r.isHolderCandidate(requester, cascade) {
		r.store.AddCopyHolder(addr, requester)
	}
	item, _ := r.store.Write(addr, data)
	if item.Status == storage.StatusShared {
		r.propagate(ctx, addr, item)
	}
	return item.WTag, nil
}

// propagate pushes item to every copy holder of addr. The first holder gets
// the rest of the list as its chain and forwards hop by hop. If a hop fails,
// that holder and every holder after it in list order are dropped.
// The caller holds the address lock.
func (r *Router) propagate(ctx context.Context, addr int, item storage.Item) {
	chain := r.store.CopyHolders(addr)
	if len(chain) == 0 {
		return
	}

	update := CacheUpdate{Address: addr, Data: item.Data, Status: item.Status, WTag: item.WTag}
	err := r.peer.UpdateCache(ctx, chain[0], chain[1:], update)
	if err == nil {
		r.metrics.Propagations.WithLabelValues("ok").Inc()
		return
	}
	r.metrics.Propagations.WithLabelValues("failed").Inc()

	failed := chain[0]
	var perr *PropagationError
	if errors.As(err, &perr) {
		failed = perr.Node
	}
	cut := slices.Index(chain, failed)
	if cut < 0 {
		cut = 0
	}

	pruned := chain[cut:]
	for _, holder := range pruned {
		r.store.RemoveCopyHolder(addr, holder)
	}
	r.metrics.HoldersPruned.Add(float64(len(pruned)))
	r.logger.Warn("Update chain broken, pruned copy holders",
		zap.Int("address", addr),
		zap.Stringer("failed", failed),
		zap.Int("pruned", len(pruned)),
		zap.Error(err))
}

// AcquireLock takes the lock on addr for an explicit critical section. A
// positive lease releases the lock automatically if the holder never does.
func (r *Router) AcquireLock(ctx context.Context, addr int, lease time.Duration, cascade bool) (res LockResult, err error) {
	defer func() { r.observe("acquire_lock", err) }()

	owner, err := r.owner(addr)
	if err != nil {
		return LockResult{}, err
	}
	if owner == r.self {
		ok, ltag, wtag, err := r.store.AcquireLock(ctx, addr, lease)
		if err != nil {
			return LockResult{}, errors.Wrapf(err, "lock address %d", addr)
		}
		if !ok {
			return LockResult{}, errors.Wrapf(ErrLockUnavailable, "address %d", addr)
		}
		return LockResult{OK: true, LTag: ltag, WTag: wtag}, nil
	}
	if !cascade {
		return LockResult{}, r.misrouted("acquire_lock", addr, owner)
	}

	res, err = r.peer.AcquireLock(ctx, owner, addr, lease)
	if err != nil {
		return LockResult{}, errors.Wrapf(err, "forward lock of address %d", addr)
	}
	return res, nil
}

// ReleaseLock releases the lock on addr taken under ltag. A tag that no
// longer matches yields OK false, not an error.
func (r *Router) ReleaseLock(ctx context.Context, addr int, ltag int64, cascade bool) (res LockResult, err error) {
	defer func() { r.observe("release_lock", err) }()

	owner, err := r.owner(addr)
	if err != nil {
		return LockResult{}, err
	}
	if owner == r.self {
		ok, current, wtag := r.store.ReleaseLock(addr, ltag)
		return LockResult{OK: ok, LTag: current, WTag: wtag}, nil
	}
	if !cascade {
		return LockResult{}, r.misrouted("release_lock", addr, owner)
	}

	res, err = r.peer.ReleaseLock(ctx, owner, addr, ltag)
	if err != nil {
		return LockResult{}, errors.Wrapf(err, "forward unlock of address %d", addr)
	}
	return res, nil
}

// UpdateCache applies a pushed update and forwards it to the next node of
// chain. The owner never caches its own data. A failure downstream is
// returned as a *PropagationError naming the first node that could not be
// reached.
func (r *Router) UpdateCache(ctx context.Context, chain []cluster.NodeAddr, u CacheUpdate) (err error) {
	defer func() { r.observe("update_cache", err) }()

	owner, err := r.owner(u.Address)
	if err != nil {
		return err
	}
	if owner != r.self {
		r.cache.Write(u.Address, u.Data, u.Status, u.WTag)
	}
	if len(chain) == 0 {
		return nil
	}

	next, rest := chain[0], chain[1:]
	if err := r.peer.UpdateCache(ctx, next, rest, u); err != nil {
		var perr *PropagationError
		if errors.As(err, &perr) {
			return perr
		}
		return &PropagationError{Node: next, Err: err}
	}
	return nil
}

// DumpCache returns the valid remote-cache entries. It is meant for
// debugging and may observe a torn snapshot.
func (r *Router) DumpCache() []cache.Entry {
	r.observe("dump_cache", nil)
	return r.cache.Dump()
}
