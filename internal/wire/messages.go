package wire

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/memmesh/internal/cache"
	"github.com/dreamware/memmesh/internal/cluster"
	"github.com/dreamware/memmesh/internal/storage"
)

// MessageType names a request.
type MessageType string

const (
	TypeDisconnect  MessageType = "disconnect"
	TypeRead        MessageType = "serve_read"
	TypeWrite       MessageType = "serve_write"
	TypeAcquireLock MessageType = "serve_acquire_lock"
	TypeReleaseLock MessageType = "serve_release_lock"
	TypeUpdateCache MessageType = "serve_update_cache"
	TypeDumpCache   MessageType = "serve_dump_cache"
)

// StatusCodes are the integers carried in the status field of a response.
// They are part of the deployment configuration.
type StatusCodes struct {
	Success          int `yaml:"success" json:"success"`
	Error            int `yaml:"error" json:"error"`
	InvalidAddress   int `yaml:"invalid_address" json:"invalid_address"`
	InvalidOperation int `yaml:"invalid_operation" json:"invalid_operation"`
}

// DefaultStatusCodes returns SUCCESS=0, ERROR=1, INVALID_ADDRESS=2,
// INVALID_OPERATION=3.
func DefaultStatusCodes() StatusCodes {
	return StatusCodes{Success: 0, Error: 1, InvalidAddress: 2, InvalidOperation: 3}
}

// Name returns the symbolic name of code.
func (c StatusCodes) Name(code int) string {
	switch code {
	case c.Success:
		return "SUCCESS"
	case c.Error:
		return "ERROR"
	case c.InvalidAddress:
		return "INVALID_ADDRESS"
	case c.InvalidOperation:
		return "INVALID_OPERATION"
	}
	return "UNKNOWN"
}

// Request is a message sent to a node.
type Request struct {
	Type MessageType       `json:"type"`
	Args []json.RawMessage `json:"args,omitempty"`
}

// Response is a node's reply. Fields other than Status and Message are set
// only by the operations that produce them.
type Response struct {
	Status        int               `json:"status"`
	Message       string            `json:"message"`
	Data          *cluster.Value    `json:"data,omitempty"`
	IStatus       storage.Status    `json:"istatus,omitempty"`
	WTag          *int64            `json:"wtag,omitempty"`
	LTag          *int64            `json:"ltag,omitempty"`
	RetVal        *bool             `json:"ret_val,omitempty"`
	ServerAddress *cluster.NodeAddr `json:"server_address,omitempty"`
	Cache         []cache.Entry     `json:"cache,omitempty"`
}

// Int64 returns a pointer to v, for the optional response fields.
func Int64(v int64) *int64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// NewRequest encodes args positionally.
func NewRequest(t MessageType, args ...any) (Request, error) {
	req := Request{Type: t}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Request{}, errors.Wrapf(err, "%s: encode arg %d", t, i)
		}
		req.Args = append(req.Args, raw)
	}
	return req, nil
}

func decodeArgs(t MessageType, raw []json.RawMessage, dst ...any) error {
	if len(raw) != len(dst) {
		return errors.Wrapf(ErrMalformed, "%s: want %d args, got %d", t, len(dst), len(raw))
	}
	for i := range raw {
		if err := json.Unmarshal(raw[i], dst[i]); err != nil {
			return errors.Wrapf(ErrMalformed, "%s: arg %d: %v", t, i, err)
		}
	}
	return nil
}

// ReadArgs: [requesterHost, requesterPort, address, cascade].
type ReadArgs struct {
	Requester cluster.NodeAddr
	Address   int
	Cascade   bool
}

// Request encodes a as a serve_read message.
func (a ReadArgs) Request() (Request, error) {
	return NewRequest(TypeRead, a.Requester.Host, a.Requester.Port, a.Address, a.Cascade)
}

// DecodeReadArgs decodes the args of a serve_read message.
func DecodeReadArgs(raw []json.RawMessage) (ReadArgs, error) {
	var a ReadArgs
	err := decodeArgs(TypeRead, raw, &a.Requester.Host, &a.Requester.Port, &a.Address, &a.Cascade)
	return a, err
}

// WriteArgs: [requesterHost, requesterPort, address, data, cascade].
type WriteArgs struct {
	Requester cluster.NodeAddr
	Address   int
	Data      cluster.Value
	Cascade   bool
}

// Request encodes a as a serve_write message.
func (a WriteArgs) Request() (Request, error) {
	return NewRequest(TypeWrite, a.Requester.Host, a.Requester.Port, a.Address, a.Data, a.Cascade)
}

// DecodeWriteArgs decodes the args of a serve_write message.
func DecodeWriteArgs(raw []json.RawMessage) (WriteArgs, error) {
	var a WriteArgs
	err := decodeArgs(TypeWrite, raw, &a.Requester.Host, &a.Requester.Port, &a.Address, &a.Data, &a.Cascade)
	return a, err
}

// AcquireLockArgs: [address, leaseSeconds, cascade]. A null or non-positive
// lease means the lock never expires on its own.
type AcquireLockArgs struct {
	Address int
	Lease   time.Duration
	Cascade bool
}

// Request encodes a as a serve_acquire_lock message.
func (a AcquireLockArgs) Request() (Request, error) {
	var lease *float64
	if a.Lease > 0 {
		s := a.Lease.Seconds()
		lease = &s
	}
	return NewRequest(TypeAcquireLock, a.Address, lease, a.Cascade)
}

// MaxLease is the longest lease a serve_acquire_lock message may ask for.
const MaxLease = 24 * time.Hour

// DecodeAcquireLockArgs decodes the args of a serve_acquire_lock message.
func DecodeAcquireLockArgs(raw []json.RawMessage) (AcquireLockArgs, error) {
	var a AcquireLockArgs
	var lease *float64
	if err := decodeArgs(TypeAcquireLock, raw, &a.Address, &lease, &a.Cascade); err != nil {
		return a, err
	}
	if lease != nil && *lease > 0 {
		if *lease > MaxLease.Seconds() {
			return a, errors.Wrapf(ErrMalformed, "%s: lease %gs exceeds %s", TypeAcquireLock, *lease, MaxLease)
		}
		a.Lease = time.Duration(*lease * float64(time.Second))
	}
	return a, nil
}

// ReleaseLockArgs: [address, ltag, cascade].
type ReleaseLockArgs struct {
	Address int
	LTag    int64
	Cascade bool
}

// Request encodes a as a serve_release_lock message.
func (a ReleaseLockArgs) Request() (Request, error) {
	return NewRequest(TypeReleaseLock, a.Address, a.LTag, a.Cascade)
}

// DecodeReleaseLockArgs decodes the args of a serve_release_lock message.
func DecodeReleaseLockArgs(raw []json.RawMessage) (ReleaseLockArgs, error) {
	var a ReleaseLockArgs
	err := decodeArgs(TypeReleaseLock, raw, &a.Address, &a.LTag, &a.Cascade)
	return a, err
}

// UpdateCacheArgs: [addressChain, address, data, status, wtag].
type UpdateCacheArgs struct {
	Chain   []cluster.NodeAddr
	Address int
	Data    cluster.Value
	Status  storage.Status
	WTag    int64
}

// Request encodes a as a serve_update_cache message.
func (a UpdateCacheArgs) Request() (Request, error) {
	chain := a.Chain
	if chain == nil {
		chain = []cluster.NodeAddr{}
	}
	return NewRequest(TypeUpdateCache, chain, a.Address, a.Data, a.Status, a.WTag)
}

// DecodeUpdateCacheArgs decodes the args of a serve_update_cache message.
func DecodeUpdateCacheArgs(raw []json.RawMessage) (UpdateCacheArgs, error) {
	var a UpdateCacheArgs
	if err := decodeArgs(TypeUpdateCache, raw, &a.Chain, &a.Address, &a.Data, &a.Status, &a.WTag); err != nil {
		return a, err
	}
	if !a.Status.Valid() {
		return a, errors.Wrapf(ErrMalformed, "%s: unknown item status %q", TypeUpdateCache, a.Status)
	}
	return a, nil
}
