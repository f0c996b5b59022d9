// Package transport carries memmesh requests over TCP: the node-side server
// loop, the peer client nodes use to reach each other, and the session used
// by interactive clients.
package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/memmesh/internal/cache"
	"github.com/dreamware/memmesh/internal/cluster"
	"github.com/dreamware/memmesh/internal/router"
	"github.com/dreamware/memmesh/internal/wire"
)

// Handler serves decoded requests. *router.Router implements it.
type Handler interface {
	Read(ctx context.Context, addr int, requester cluster.NodeAddr, cascade bool) (router.ReadResult, error)
	Write(ctx context.Context, addr int, data cluster.Value, requester cluster.NodeAddr, cascade bool) (int64, error)
	AcquireLock(ctx context.Context, addr int, lease time.Duration, cascade bool) (router.LockResult, error)
	ReleaseLock(ctx context.Context, addr int, ltag int64, cascade bool) (router.LockResult, error)
	UpdateCache(ctx context.Context, chain []cluster.NodeAddr, u router.CacheUpdate) error
	DumpCache() []cache.Entry
}

// Server accepts connections and serves requests on each until the peer
// disconnects.
type Server struct {
	wg sync.WaitGroup

	codec   wire.Codec
	codes   wire.StatusCodes
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc

	Logger *zap.Logger
}

// NewServer returns a server dispatching to h.
func NewServer(h Handler, codec wire.Codec, codes wire.StatusCodes) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		codec:   codec,
		codes:   codes,
		handler: h,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		Logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger on the server.
func (s *Server) WithLogger(log *zap.Logger) {
	s.Logger = log.With(zap.String("service", "transport"))
}

// Serve accepts connections on ln until ctx is done or Close is called. It
// always returns a non-nil error; after Close or cancellation that error is
// net.ErrClosed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.Logger.Info("Listening", zap.Stringer("addr", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			s.Logger.Info("Listener closed")
			return net.ErrClosed
		} else if err != nil {
			s.Logger.Info("Error accepting connection", zap.Error(err))
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return net.ErrClosed
		}
		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			defer s.untrack(conn)
			if err := s.handleConn(conn); err != nil {
				s.Logger.Info("Connection ended", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
		}(conn)
	}
}

// Addr returns the listener's address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, drops every open connection, and waits for their
// goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// handleConn serves requests on conn until disconnect, EOF, or an IO error.
func (s *Server) handleConn(conn net.Conn) error {
	log := s.Logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	log.Debug("Connection opened")

	for {
		var req wire.Request
		err := s.codec.ReadMessage(conn, &req)
		if err == io.EOF {
			log.Debug("Connection closed by peer")
			return nil
		}

		var resp wire.Response
		switch {
		case errors.Is(err, wire.ErrMalformed):
			resp = s.invalid(err.Error())
		case err != nil:
			return errors.Wrap(err, "read request")
		default:
			resp = s.dispatch(s.ctx, req)
		}

		if err := s.codec.WriteMessage(conn, resp); err != nil {
			return errors.Wrap(err, "write response")
		}
		if err == nil && req.Type == wire.TypeDisconnect {
			log.Debug("Disconnected")
			return nil
		}
	}
}

// dispatch decodes req and runs it against the handler.
func (s *Server) dispatch(ctx context.Context, req wire.Request) wire.Response {
	switch req.Type {
	case wire.TypeDisconnect:
		return wire.Response{Status: s.codes.Success, Message: "disconnected"}

	case wire.TypeRead:
		a, err := wire.DecodeReadArgs(req.Args)
		if err != nil {
			return s.invalid(err.Error())
		}
		res, err := s.handler.Read(ctx, a.Address, a.Requester, a.Cascade)
		if err != nil {
			return s.failure(err)
		}
		return wire.Response{
			Status:  s.codes.Success,
			Message: "read successful",
			Data:    &res.Data,
			IStatus: res.Status,
			WTag:    wire.Int64(res.WTag),
			LTag:    wire.Int64(res.LTag),
		}

	case wire.TypeWrite:
		a, err := wire.DecodeWriteArgs(req.Args)
		if err != nil {
			return s.invalid(err.Error())
		}
		wtag, err := s.handler.Write(ctx, a.Address, a.Data, a.Requester, a.Cascade)
		if err != nil {
			return s.failure(err)
		}
		return wire.Response{Status: s.codes.Success, Message: "write successful", WTag: wire.Int64(wtag)}

	case wire.TypeAcquireLock:
		a, err := wire.DecodeAcquireLockArgs(req.Args)
		if err != nil {
			return s.invalid(err.Error())
		}
		res, err := s.handler.AcquireLock(ctx, a.Address, a.Lease, a.Cascade)
		if err != nil {
			return s.failure(err)
		}
		return wire.Response{
			Status:  s.codes.Success,
			Message: "lock acquired",
			LTag:    wire.Int64(res.LTag),
			WTag:    wire.Int64(res.WTag),
			RetVal:  wire.Bool(res.OK),
		}

	case wire.TypeReleaseLock:
		a, err := wire.DecodeReleaseLockArgs(req.Args)
		if err != nil {
			return s.invalid(err.Error())
		}
		res, err := s.handler.ReleaseLock(ctx, a.Address, a.LTag, a.Cascade)
		if err != nil {
			return s.failure(err)
		}
		msg := "lock released"
		if !res.OK {
			msg = "lock was already released"
		}
		return wire.Response{
			Status:  s.codes.Success,
			Message: msg,
			LTag:    wire.Int64(res.LTag),
			WTag:    wire.Int64(res.WTag),
			RetVal:  wire.Bool(res.OK),
		}

	case wire.TypeUpdateCache:
		a, err := wire.DecodeUpdateCacheArgs(req.Args)
		if err != nil {
			return s.invalid(err.Error())
		}
		u := router.CacheUpdate{Address: a.Address, Data: a.Data, Status: a.Status, WTag: a.WTag}
		if err := s.handler.UpdateCache(ctx, a.Chain, u); err != nil {
			return s.failure(err)
		}
		return wire.Response{Status: s.codes.Success, Message: "cache updated"}

	case wire.TypeDumpCache:
		entries := s.handler.DumpCache()
		if entries == nil {
			entries = []cache.Entry{}
		}
		return wire.Response{Status: s.codes.Success, Message: "cache dumped", Cache: entries}
	}

	return s.invalid("invalid message type " + string(req.Type))
}

func (s *Server) invalid(msg string) wire.Response {
	return wire.Response{Status: s.codes.InvalidOperation, Message: msg}
}

// failure maps a handler error to a response.
func (s *Server) failure(err error) wire.Response {
	var perr *router.PropagationError
	switch {
	case errors.As(err, &perr):
		node := perr.Node
		return wire.Response{Status: s.codes.Error, Message: err.Error(), ServerAddress: &node}
	case errors.Is(err, router.ErrOutOfRange):
		return wire.Response{Status: s.codes.InvalidAddress, Message: err.Error()}
	}
	s.Logger.Debug("Request failed", zap.Error(err))
	return wire.Response{Status: s.codes.Error, Message: err.Error()}
}
