// Package timer provides a named single-slot timer owner: at most one pending
// callback per slot, where arming always supersedes the previous callback.
package timer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/farewatch/internal/clock"
)

var log = slog.Default()

// Slot owns exactly one pending timer handle.
type Slot struct {
	name  string
	clock clock.Clock

	mu     sync.Mutex
	handle clock.Timer
	gen    uint64
	armed  bool
	due    time.Time
}

// NewSlot creates an empty slot. name is only used for logging.
func NewSlot(name string, c clock.Clock) *Slot {
	if c == nil {
		c = clock.Real{}
	}
	return &Slot{name: name, clock: c}
}

// Arm cancels any pending callback and schedules fn after d.
// A superseded callback never runs, even if its timer already fired and is
// waiting on the lock.
func (s *Slot) Arm(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.gen++
	gen := s.gen
	s.armed = true
	s.due = s.clock.Now().Add(d)

	s.handle = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if !s.armed || s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.armed = false
		s.handle = nil
		s.mu.Unlock()

		log.Debug("Timer fired", "slot", s.name)
		fn()
	})
}

// Disarm cancels the pending callback. Safe to call repeatedly.
func (s *Slot) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Pending reports whether a callback is scheduled.
func (s *Slot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Due returns the fire time of the pending callback.
func (s *Slot) Due() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due, s.armed
}

func (s *Slot) stopLocked() {
	if s.handle != nil {
		s.handle.Stop()
		s.handle = nil
	}
	s.armed = false
	s.due = time.Time{}
}
