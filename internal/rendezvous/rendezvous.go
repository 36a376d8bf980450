// Package rendezvous hands one response from an
// asynchronous receive goroutine to a caller blocked on
// the matching request.
package rendezvous

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrOutstanding is returned by Begin while a
	// previous request has not been resolved.
	ErrOutstanding = errors.New("rendezvous: request already outstanding")
	// ErrNotPending is returned by Wait without a
	// matching Begin.
	ErrNotPending = errors.New("rendezvous: no request pending")
)

type result[T any] struct {
	v   T
	err error
}

// Slot is a single-valued pending-result slot. At most
// one request is outstanding at a time: Begin claims the
// slot, the receive path resolves it with Deliver or
// Fail, and Wait releases it.
type Slot[T any] struct { // A
	mu      sync.Mutex
	pending bool
	match   func(T) bool
	ch      chan result[T]
}

// New returns an idle slot.
func New[T any]() *Slot[T] { // A
	return &Slot[T]{ch: make(chan result[T], 1)}
}

// Begin claims the slot before the request is sent, so
// a reply that races ahead of Wait is not lost.
func (s *Slot[T]) Begin() error { // A
	return s.BeginMatch(nil)
}

// BeginMatch is Begin for a request whose reply can be
// told apart from replies to earlier requests. Delivered
// values for which match returns false are dropped.
func (s *Slot[T]) BeginMatch(match func(T) bool) error { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending {
		return ErrOutstanding
	}
	s.pending = true
	s.match = match
	return nil
}

// Deliver resolves the outstanding request with v. It
// returns false when nothing is pending, v does not
// match it, or the slot was already resolved.
func (s *Slot[T]) Deliver(v T) bool { // A
	return s.resolve(result[T]{v: v})
}

// Fail resolves the outstanding request with err.
func (s *Slot[T]) Fail(err error) bool { // A
	return s.resolve(result[T]{err: err})
}

// Cancel releases a claimed slot whose request could not
// be sent.
func (s *Slot[T]) Cancel() { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	s.match = nil
	s.drain()
}

// Wait blocks until the outstanding request is resolved
// or ctx ends, then releases the slot.
func (s *Slot[T]) Wait(ctx context.Context) (T, error) { // A
	var zero T
	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return zero, ErrNotPending
	}
	s.mu.Unlock()

	select {
	case r := <-s.ch:
		s.release()
		return r.v, r.err
	case <-ctx.Done():
		s.release()
		return zero, ctx.Err()
	}
}

func (s *Slot[T]) resolve(r result[T]) bool { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return false
	}
	if r.err == nil && s.match != nil && !s.match(r.v) {
		return false
	}
	select {
	case s.ch <- r:
		return true
	default:
		return false
	}
}

func (s *Slot[T]) release() { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	s.match = nil
	s.drain()
}

// drain discards a late result so the next request never
// sees a stale value. Caller holds mu.
func (s *Slot[T]) drain() { // A
	select {
	case <-s.ch:
	default:
	}
}
