// Package bridge hands complete universes from the acquisition goroutine to
// the rendering goroutine through a single lock-protected snapshot.
package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/coreman2200/picoled-bridge/internal/dmx"
)

// State is the snapshot's life cycle: Empty, then Filled and Consumed in
// turn. Filled to Filled is an overwrite: the latest frame wins.
type State int

const (
	Empty State = iota
	Filled
	Consumed
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Filled:
		return "filled"
	case Consumed:
		return "consumed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type SlotStats struct {
	State     State
	Published uint64
	Consumed  uint64
	// Coalesced counts frames overwritten before anyone took them.
	Coalesced uint64
	LastSeq   uint64
	LastFrame time.Time
}

// Slot holds one copy of the most recent universe. The lock covers only the
// 513 byte copy, never a wait on hardware.
type Slot struct {
	mu        sync.Mutex
	snap      dmx.Universe
	seq       uint64
	at        time.Time
	state     State
	published uint64
	consumed  uint64
	coalesced uint64
	notify    chan struct{}
	now       func() time.Time
}

func NewSlot() *Slot {
	return &Slot{notify: make(chan struct{}, 1), now: time.Now}
}

// Publish copies u into the snapshot and raises the notification. It never
// blocks beyond the copy.
func (s *Slot) Publish(u *dmx.Universe) uint64 {
	s.mu.Lock()
	s.snap = *u
	s.seq++
	seq := s.seq
	s.at = s.now()
	if s.state == Filled {
		s.coalesced++
	}
	s.state = Filled
	s.published++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return seq
}

// Notify fires after a Publish. A single pending signal stands for any
// number of publishes.
func (s *Slot) Notify() <-chan struct{} { return s.notify }

// Take copies the snapshot into dst if a frame is waiting and marks it
// Consumed. ok is false when nothing new has arrived.
func (s *Slot) Take(dst *dmx.Universe) (seq uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Filled {
		return s.seq, false
	}
	*dst = s.snap
	s.state = Consumed
	s.consumed++
	return s.seq, true
}

// LastArrival is when the newest frame was published; zero before the first.
func (s *Slot) LastArrival() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.at
}

func (s *Slot) Stats() SlotStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotStats{
		State:     s.state,
		Published: s.published,
		Consumed:  s.consumed,
		Coalesced: s.coalesced,
		LastSeq:   s.seq,
		LastFrame: s.at,
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
