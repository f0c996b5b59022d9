package router

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/dreamware/memmesh/internal/cluster"
)

var (
	// ErrOutOfRange is returned for addresses no node owns.
	ErrOutOfRange = cluster.ErrOutOfRange

	// ErrMisrouted is returned when a non-cascading request reaches a node
	// that neither owns the address nor, for reads, caches it. It means the
	// nodes disagree about the partition table.
	ErrMisrouted = errors.New("request reached a node that does not own the address")

	// ErrLockUnavailable is returned when the lock for an owned address could
	// not be taken.
	ErrLockUnavailable = errors.New("lock not acquired")

	// ErrStaleRetries is returned when a cached copy was found stale more
	// times in a row than a read is willing to retry.
	ErrStaleRetries = errors.New("cached copy kept going stale")
)

// PropagationError reports the first node of an update chain that could not
// be reached. Nodes after it were never contacted.
type PropagationError struct {
	Node cluster.NodeAddr
	Err  error
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("update cache at %s: %v", e.Node, e.Err)
}

func (e *PropagationError) Unwrap() error { return e.Err }

// RemoteError is a non-success reply from another node.
type RemoteError struct {
	Node    cluster.NodeAddr
	Code    int
	Message string

	// OutOfRange is set when the remote node reported INVALID_ADDRESS.
	OutOfRange bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s replied %d: %s", e.Node, e.Code, e.Message)
}

// Is makes an INVALID_ADDRESS reply match ErrOutOfRange.
func (e *RemoteError) Is(target error) bool {
	return e.OutOfRange && target == ErrOutOfRange
}
