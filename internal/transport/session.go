package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/memmesh/internal/cache"
	"github.com/dreamware/memmesh/internal/cluster"
	"github.com/dreamware/memmesh/internal/router"
	"github.com/dreamware/memmesh/internal/wire"
)

// ErrClosed is returned by a Session after Disconnect.
var ErrClosed = errors.New("session closed")

// Session is a long-lived client connection to one node. Requests are sent
// with cascade set, so the node forwards whatever it does not own. A Session
// is safe for concurrent use; requests are serialized. Close may be called
// while a request is in flight and makes it fail with ErrClosed.
type Session struct {
	mu     sync.Mutex // serializes requests
	conn   net.Conn
	closed atomic.Bool

	node    cluster.NodeAddr
	codec   wire.Codec
	codes   wire.StatusCodes
	timeout time.Duration
}

// Dial connects to node.
func Dial(ctx context.Context, node cluster.NodeAddr, codec wire.Codec, codes wire.StatusCodes, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := dial(ctx, node, timeout)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn, node: node, codec: codec, codes: codes, timeout: timeout}, nil
}

// Node returns the address the session is connected to.
func (s *Session) Node() cluster.NodeAddr {
	return s.node
}

// Do sends req and returns the raw reply, whatever its status.
func (s *Session) Do(ctx context.Context, req wire.Request) (wire.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return wire.Response{}, ErrClosed
	}
	resp, err := exchange(ctx, s.conn, s.codec, s.timeout, 0, req)
	if err != nil && s.closed.Load() {
		return wire.Response{}, ErrClosed
	}
	return resp, err
}

func (s *Session) call(ctx context.Context, req wire.Request) (wire.Response, error) {
	resp, err := s.Do(ctx, req)
	if err != nil {
		return wire.Response{}, err
	}
	if resp.Status != s.codes.Success {
		return resp, &router.RemoteError{
			Node:       s.node,
			Code:       resp.Status,
			Message:    resp.Message,
			OutOfRange: resp.Status == s.codes.InvalidAddress,
		}
	}
	return resp, nil
}

// Read reads addr.
func (s *Session) Read(ctx context.Context, addr int) (router.ReadResult, error) {
	req, err := wire.ReadArgs{Requester: anonymous, Address: addr, Cascade: true}.Request()
	if err != nil {
		return router.ReadResult{}, err
	}
	resp, err := s.call(ctx, req)
	if err != nil {
		return router.ReadResult{}, err
	}
	return readResult(resp)
}

// Write stores data at addr and returns the new write tag.
func (s *Session) Write(ctx context.Context, addr int, data cluster.Value) (int64, error) {
	req, err := wire.WriteArgs{Requester: anonymous, Address: addr, Data: data, Cascade: true}.Request()
	if err != nil {
		return 0, err
	}
	resp, err := s.call(ctx, req)
	if err != nil {
		return 0, err
	}
	return field(resp.WTag, "wtag")
}

// Lock acquires the lock on addr. A positive lease releases it automatically.
func (s *Session) Lock(ctx context.Context, addr int, lease time.Duration) (router.LockResult, error) {
	req, err := wire.AcquireLockArgs{Address: addr, Lease: lease, Cascade: true}.Request()
	if err != nil {
		return router.LockResult{}, err
	}
	resp, err := s.call(ctx, req)
	if err != nil {
		return router.LockResult{}, err
	}
	return lockResult(resp)
}

// Unlock releases the lock on addr taken under ltag. OK is false if the lock
// had already been released.
func (s *Session) Unlock(ctx context.Context, addr int, ltag int64) (router.LockResult, error) {
	req, err := wire.ReleaseLockArgs{Address: addr, LTag: ltag, Cascade: true}.Request()
	if err != nil {
		return router.LockResult{}, err
	}
	resp, err := s.call(ctx, req)
	if err != nil {
		return router.LockResult{}, err
	}
	return lockResult(resp)
}

// DumpCache returns the node's remote-cache entries.
func (s *Session) DumpCache(ctx context.Context) ([]cache.Entry, error) {
	resp, err := s.call(ctx, wire.Request{Type: wire.TypeDumpCache})
	if err != nil {
		return nil, err
	}
	return resp.Cache, nil
}

// Disconnect performs the disconnect handshake and closes the connection.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil
	}
	defer s.Close()

	resp, err := exchange(ctx, s.conn, s.codec, s.timeout, s.timeout, wire.Request{Type: wire.TypeDisconnect})
	if err != nil {
		return err
	}
	if resp.Status != s.codes.Success {
		return &router.RemoteError{Node: s.node, Code: resp.Status, Message: resp.Message}
	}
	return nil
}

// Close drops the connection without the handshake. It does not wait for an
// in-flight request.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}
