// Package signal holds the channel plumbing shared by the capture, detection and scoring
// contexts.
package signal

import "sync"

// Slot is a single-slot, last-value-wins channel. Publishing never blocks: a value that the
// consumer has not picked up yet is replaced by the newer one.
type Slot[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

// NewSlot returns an open Slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{ch: make(chan T, 1)}
}

// Publish stores v as the latest value. If an unread value was displaced it is returned
// with replaced=true so the caller can recycle it. Publishing to a closed slot is a no-op.
func (s *Slot[T]) Publish(v T) (old T, replaced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return old, false
	}
	select {
	case old = <-s.ch:
		replaced = true
	default:
	}
	// Only publishers drain under the lock, so the buffer has room now.
	s.ch <- v
	return old, replaced
}

// C is the receive side. It is closed by Close.
func (s *Slot[T]) C() <-chan T {
	return s.ch
}

// Take returns the pending value without blocking.
func (s *Slot[T]) Take() (v T, ok bool) {
	select {
	case v, ok = <-s.ch:
		return v, ok
	default:
		return v, false
	}
}

// Close closes the receive side. The pending value, if any, stays readable.
func (s *Slot[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
