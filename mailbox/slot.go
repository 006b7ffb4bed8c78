// Package mailbox implements the hand-off between a background producer
// (capture thread, network receiver) and the chain goroutine.
//
// Semantics:
//   - Single pending frame, latest wins: Put over an untaken frame
//     releases the older one and counts a drop.
//   - Deduplicated wake: the wake channel is signaled only when the
//     unhandled flag goes from clear to set, so between two Takes the
//     consumer sees at most one wake token.
//   - Non-blocking consume: Take returns nil when nothing is pending.
//
// Thread-safety:
//   - Put and Fail may be called from any goroutine.
//   - Take is intended for the chain goroutine (single consumer).
//   - mu guards exactly the pending frame, the unhandled flag and the
//     recorded fault.
package mailbox

import (
	"sync"
	"sync/atomic"

	"github.com/ashuang/camunits-sub002/framebuffer"
)

// Slot is a latest-wins single-frame mailbox with a readiness channel.
type Slot struct {
	mu        sync.Mutex
	frame     *framebuffer.FrameBuffer
	unhandled bool
	fault     error

	wake chan struct{}

	arrivals  atomic.Uint64
	drops     atomic.Uint64
	wakes     atomic.Uint64
	delivered atomic.Uint64
}

// Stats is a snapshot of slot counters.
type Stats struct {
	Arrivals  uint64 // frames handed to Put
	Drops     uint64 // frames overwritten before Take
	Wakes     uint64 // wake tokens issued
	Delivered uint64 // frames returned by Take
}

// New returns an empty slot.
func New() *Slot {
	return &Slot{wake: make(chan struct{}, 1)}
}

// WaitHandle becomes readable when a frame or fault is pending. The token
// is consumed by Take.
func (s *Slot) WaitHandle() <-chan struct{} { return s.wake }

// Put stores buf as the pending frame, taking over the caller's reference.
func (s *Slot) Put(buf *framebuffer.FrameBuffer) {
	s.arrivals.Add(1)

	s.mu.Lock()
	dropped := s.frame
	s.frame = buf
	if !s.unhandled {
		s.unhandled = true
		s.signal()
	}
	s.mu.Unlock()

	if dropped != nil {
		s.drops.Add(1)
		dropped.Release()
	}
}

// Fail records a background error. The next Take returns it.
func (s *Slot) Fail(err error) {
	s.mu.Lock()
	if s.fault == nil {
		s.fault = err
	}
	if !s.unhandled {
		s.unhandled = true
		s.signal()
	}
	s.mu.Unlock()
}

// signal and drain run under mu so the token always mirrors the flag.
func (s *Slot) signal() {
	select {
	case s.wake <- struct{}{}:
		s.wakes.Add(1)
	default:
	}
}

func (s *Slot) drain() {
	select {
	case <-s.wake:
	default:
	}
}

// Take returns the pending frame, or nil. The caller owns the returned
// reference. A recorded fault is returned once, ahead of any frame.
func (s *Slot) Take() (*framebuffer.FrameBuffer, error) {
	s.mu.Lock()
	if err := s.fault; err != nil {
		s.fault = nil
		if s.frame == nil {
			s.unhandled = false
			s.drain()
		}
		s.mu.Unlock()
		return nil, err
	}
	buf := s.frame
	s.frame = nil
	s.unhandled = false
	s.drain()
	s.mu.Unlock()

	if buf != nil {
		s.delivered.Add(1)
	}
	return buf, nil
}

// Reset drops any pending frame and fault. Called on stream shutdown.
func (s *Slot) Reset() {
	s.mu.Lock()
	buf := s.frame
	s.frame = nil
	s.fault = nil
	s.unhandled = false
	s.drain()
	s.mu.Unlock()

	if buf != nil {
		buf.Release()
	}
}

// Pending reports whether a frame is waiting.
func (s *Slot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame != nil
}

// Stats returns counters (atomic reads, no lock).
func (s *Slot) Stats() Stats {
	return Stats{
		Arrivals:  s.arrivals.Load(),
		Drops:     s.drops.Load(),
		Wakes:     s.wakes.Load(),
		Delivered: s.delivered.Load(),
	}
}
