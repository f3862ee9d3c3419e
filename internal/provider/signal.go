package provider

import (
	"context"
	"sync/atomic"
)

// Event is a bit set of things that happened since the last Take.
type Event uint32

const (
	TilesChanged Event = 1 << iota
	RequestFailed
)

func (e Event) Changed() bool { return e&TilesChanged != 0 }
func (e Event) Failed() bool  { return e&RequestFailed != 0 }

// Signal coalesces provider notifications for the render side. Any number of
// Notify calls between two receives collapse into one wakeup.
type Signal struct {
	pending atomic.Uint32
	c       chan struct{}
}

func NewSignal() *Signal {
	return &Signal{c: make(chan struct{}, 1)}
}

func (s *Signal) Notify(e Event) {
	s.pending.Or(uint32(e))
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// C is ready whenever events are pending.
func (s *Signal) C() <-chan struct{} {
	return s.c
}

// Take returns and clears the pending events.
func (s *Signal) Take() Event {
	return Event(s.pending.Swap(0))
}

// Wait blocks until events are pending or ctx is done.
func (s *Signal) Wait(ctx context.Context) (Event, error) {
	select {
	case <-s.c:
		return s.Take(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
