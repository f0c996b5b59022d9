// Package lease implements the per-address mutual exclusion used by memmesh
// nodes: a binary lock tagged with a generation counter and an optional
// lease after which the lock releases itself.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Lock is a binary lock with a generation tag (ltag).
//
// The tag increases on every acquire and on every release, so each state
// transition has a distinct tag. Release must present the tag returned by the
// matching Acquire; anything else is rejected without changing the lock. This
// is what makes lease expiry safe: a holder whose lease already fired cannot
// release a lock that has since been handed to someone else.
//
//	A: Acquire      → ltag 5
//	   lease fires  → ltag 6 (released under tag 5)
//	B: Acquire      → ltag 7
//	A: Release(5)   → rejected, ltag stays 7
//
// Waiters are woken one at a time. Ordering among waiters is not FIFO.
type Lock struct {
	clock    clock.Clock
	onExpire func(ltag int64)

	// sem has capacity 1; holding the token means holding the lock.
	sem chan struct{}

	mu   sync.Mutex // protects held and ltag
	held bool
	ltag int64
}

// Option configures a Lock.
type Option func(*Lock)

// WithClock sets the clock used to schedule lease expiry.
func WithClock(c clock.Clock) Option {
	return func(l *Lock) { l.clock = c }
}

// OnExpire registers fn to run whenever a lease releases the lock. fn receives
// the tag the lock was held under.
func OnExpire(fn func(ltag int64)) Option {
	return func(l *Lock) { l.onExpire = fn }
}

// New returns an unheld lock whose generation starts at seed.
func New(seed int64, opts ...Option) *Lock {
	l := &Lock{
		clock: clock.New(),
		sem:   make(chan struct{}, 1),
		ltag:  seed,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until the lock is free or ctx is done. On success it returns
// the new generation tag. If lease is positive the lock releases itself after
// lease elapses, provided it is still held under the returned tag.
func (l *Lock) Acquire(ctx context.Context, lease time.Duration) (int64, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	l.mu.Lock()
	l.held = true
	l.ltag++
	tag := l.ltag
	l.mu.Unlock()

	if lease > 0 {
		l.clock.AfterFunc(lease, func() { l.expire(tag) })
	}
	return tag, nil
}

// Release frees the lock if it is held under ltag. It returns true and the
// new tag on success. Otherwise the lock is left untouched and the current
// tag is returned; callers treat that as "already released".
func (l *Lock) Release(ltag int64) (bool, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held || l.ltag != ltag {
		return false, l.ltag
	}
	l.held = false
	l.ltag++
	<-l.sem
	return true, l.ltag
}

// State returns whether the lock is held and its current tag.
func (l *Lock) State() (held bool, ltag int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held, l.ltag
}

func (l *Lock) expire(ltag int64) {
	if ok, _ := l.Release(ltag); ok && l.onExpire != nil {
		l.onExpire(ltag)
	}
}
