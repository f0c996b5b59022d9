package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/memmesh/internal/cluster"
	"github.com/dreamware/memmesh/internal/router"
	"github.com/dreamware/memmesh/internal/wire"
)

// DefaultTimeout is used for dialing and sending when none is configured.
const DefaultTimeout = 5 * time.Second

// anonymous is the requester sent by end clients. Owners never record it as
// a copy holder.
var anonymous = cluster.NodeAddr{Port: -1}

// PeerClient performs router calls on other nodes. Each call opens its own
// connection, exchanges one request, and closes with a disconnect handshake.
type PeerClient struct {
	codec   wire.Codec
	codes   wire.StatusCodes
	timeout time.Duration

	// lockWait is how long an owner may hold a request while it waits for
	// an address lock held by someone else.
	lockWait time.Duration

	Logger *zap.Logger
}

// NewPeerClient returns a client that bounds dialing, sending and receiving
// by timeout. Replies to requests that take an address lock on the owner are
// allowed an extra lock wait, see WithLockWait.
func NewPeerClient(codec wire.Codec, codes wire.StatusCodes, timeout time.Duration) *PeerClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PeerClient{
		codec:   codec,
		codes:   codes,
		timeout: timeout,
		Logger:  zap.NewNop(),
	}
}

// WithLockWait sets how long a reply may be delayed by an address lock held
// on the owner. Nodes use their lease timeout, which bounds every lock hold.
func (c *PeerClient) WithLockWait(d time.Duration) {
	if d > 0 {
		c.lockWait = d
	}
}

// WithLogger sets the logger on the client.
func (c *PeerClient) WithLogger(log *zap.Logger) {
	c.Logger = log.With(zap.String("service", "peer"))
}

// call sends req to node over a fresh connection and returns the reply, which
// must arrive within wait. Non-success replies are returned as errors.
func (c *PeerClient) call(ctx context.Context, node cluster.NodeAddr, req wire.Request, wait time.Duration) (wire.Response, error) {
	conn, err := dial(ctx, node, c.timeout)
	if err != nil {
		return wire.Response{}, err
	}

	resp, err := exchange(ctx, conn, c.codec, c.timeout, wait, req)
	if err != nil {
		conn.Close()
		return wire.Response{}, errors.Wrapf(err, "%s to %s", req.Type, node)
	}
	c.disconnect(conn)
	c.Logger.Debug("Peer call",
		zap.String("type", string(req.Type)),
		zap.Stringer("node", node),
		zap.Int("status", resp.Status))
	return resp, c.check(node, resp)
}

// disconnect performs the disconnect handshake and closes conn. Failures are
// ignored; the reply has already been received.
func (c *PeerClient) disconnect(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	if err := c.codec.WriteMessage(conn, wire.Request{Type: wire.TypeDisconnect}); err != nil {
		return
	}
	var resp wire.Response
	_ = c.codec.ReadMessage(conn, &resp)
}

func (c *PeerClient) check(node cluster.NodeAddr, resp wire.Response) error {
	if resp.Status == c.codes.Success {
		return nil
	}
	rerr := &router.RemoteError{
		Node:       node,
		Code:       resp.Status,
		Message:    resp.Message,
		OutOfRange: resp.Status == c.codes.InvalidAddress,
	}
	if resp.ServerAddress != nil {
		return &router.PropagationError{Node: *resp.ServerAddress, Err: rerr}
	}
	return rerr
}

// Read implements router.Peer.
func (c *PeerClient) Read(ctx context.Context, node, requester cluster.NodeAddr, addr int) (router.ReadResult, error) {
	req, err := wire.ReadArgs{Requester: requester, Address: addr}.Request()
	if err != nil {
		return router.ReadResult{}, err
	}
	resp, err := c.call(ctx, node, req, c.lockWait+c.timeout)
	if err != nil {
		return router.ReadResult{}, err
	}
	return readResult(resp)
}

// Write implements router.Peer.
func (c *PeerClient) Write(ctx context.Context, node, requester cluster.NodeAddr, addr int, data cluster.Value) (int64, error) {
	req, err := wire.WriteArgs{Requester: requester, Address: addr, Data: data}.Request()
	if err != nil {
		return 0, err
	}
	resp, err := c.call(ctx, node, req, c.lockWait+c.timeout)
	if err != nil {
		return 0, err
	}
	return field(resp.WTag, "wtag")
}

// AcquireLock implements router.Peer.
func (c *PeerClient) AcquireLock(ctx context.Context, node cluster.NodeAddr, addr int, lease time.Duration) (router.LockResult, error) {
	req, err := wire.AcquireLockArgs{Address: addr, Lease: lease}.Request()
	if err != nil {
		return router.LockResult{}, err
	}
	resp, err := c.call(ctx, node, req, max(lease, c.lockWait)+c.timeout)
	if err != nil {
		return router.LockResult{}, err
	}
	return lockResult(resp)
}

// ReleaseLock implements router.Peer.
func (c *PeerClient) ReleaseLock(ctx context.Context, node cluster.NodeAddr, addr int, ltag int64) (router.LockResult, error) {
	req, err := wire.ReleaseLockArgs{Address: addr, LTag: ltag}.Request()
	if err != nil {
		return router.LockResult{}, err
	}
	resp, err := c.call(ctx, node, req, c.timeout)
	if err != nil {
		return router.LockResult{}, err
	}
	return lockResult(resp)
}

// UpdateCache implements router.Peer.
func (c *PeerClient) UpdateCache(ctx context.Context, node cluster.NodeAddr, chain []cluster.NodeAddr, u router.CacheUpdate) error {
	req, err := wire.UpdateCacheArgs{
		Chain:   chain,
		Address: u.Address,
		Data:    u.Data,
		Status:  u.Status,
		WTag:    u.WTag,
	}.Request()
	if err != nil {
		return err
	}
	// Each hop waits on the next, so the first reply may take one timeout per
	// remaining hop.
	_, err = c.call(ctx, node, req, time.Duration(len(chain)+1)*c.timeout)
	return err
}

// Ping completes a disconnect handshake with node.
func (c *PeerClient) Ping(ctx context.Context, node cluster.NodeAddr) error {
	conn, err := dial(ctx, node, c.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := exchange(ctx, conn, c.codec, c.timeout, c.timeout, wire.Request{Type: wire.TypeDisconnect})
	if err != nil {
		return errors.Wrapf(err, "ping %s", node)
	}
	return c.check(node, resp)
}

func dial(ctx context.Context, node cluster.NodeAddr, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", node.String())
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", node)
	}
	return conn, nil
}

// exchange writes req and reads one reply. The write must finish within
// timeout and the reply must arrive within wait of the write. A zero wait
// leaves the read bounded by ctx alone.
func exchange(ctx context.Context, conn net.Conn, codec wire.Codec, timeout, wait time.Duration, req wire.Request) (wire.Response, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return wire.Response{}, err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return wire.Response{}, err
	}
	if err := codec.WriteMessage(conn, req); err != nil {
		return wire.Response{}, err
	}
	if wait > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return wire.Response{}, err
		}
		// The deadline above may have replaced the one set on cancellation.
		if err := ctx.Err(); err != nil {
			return wire.Response{}, err
		}
	}

	var resp wire.Response
	if err := codec.ReadMessage(conn, &resp); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return wire.Response{}, ctxErr
		}
		return wire.Response{}, errors.Wrap(err, "read reply")
	}
	return resp, nil
}

func field(p *int64, name string) (int64, error) {
	if p == nil {
		return 0, errors.Wrapf(wire.ErrMalformed, "reply is missing %s", name)
	}
	return *p, nil
}

func readResult(resp wire.Response) (router.ReadResult, error) {
	wtag, err := field(resp.WTag, "wtag")
	if err != nil {
		return router.ReadResult{}, err
	}
	ltag, err := field(resp.LTag, "ltag")
	if err != nil {
		return router.ReadResult{}, err
	}
	res := router.ReadResult{Status: resp.IStatus, WTag: wtag, LTag: ltag}
	if resp.Data != nil {
		res.Data = *resp.Data
	}
	return res, nil
}

func lockResult(resp wire.Response) (router.LockResult, error) {
	ltag, err := field(resp.LTag, "ltag")
	if err != nil {
		return router.LockResult{}, err
	}
	wtag, err := field(resp.WTag, "wtag")
	if err != nil {
		return router.LockResult{}, err
	}
	ok := true
	if resp.RetVal != nil {
		ok = *resp.RetVal
	}
	return router.LockResult{OK: ok, LTag: ltag, WTag: wtag}, nil
}
