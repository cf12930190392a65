package events

import (
	"sync"
	"time"
)

// FakeEventScheduler keeps its own notion of simulation time so tests can
// advance it explicitly and run due events deterministically.
type FakeEventScheduler struct {
	mu  sync.Mutex
	now time.Time
	q   queue
}

// NewFakeEventScheduler creates a fake scheduler starting at start.
func NewFakeEventScheduler(start time.Time) *FakeEventScheduler {
	return &FakeEventScheduler{now: start, q: newQueue("fake-ev")}
}

// Now returns the current fake simulation time.
func (s *FakeEventScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *FakeEventScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.push(at, f)
}

func (s *FakeEventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.cancel(id)
}

func (s *FakeEventScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.len()
}

// NextAt returns the time of the earliest pending event.
func (s *FakeEventScheduler) NextAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.q.events {
		if !ev.cancelled {
			return ev.when, true
		}
	}
	return time.Time{}, false
}

func (s *FakeEventScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.q.pop(s.now)
		s.mu.Unlock()
		if ev == nil {
			return
		}
		if ev.f != nil {
			ev.f()
		}
	}
}

// AdvanceTo moves fake time to t and runs every due event. Time never moves
// backwards.
func (s *FakeEventScheduler) AdvanceTo(t time.Time) {
	s.mu.Lock()
	if t.Before(s.now) {
		s.mu.Unlock()
		return
	}
	s.now = t
	s.mu.Unlock()

	s.RunDue()
}

// RunNext advances to the earliest pending event and runs everything due
// then. It reports false when nothing is pending.
func (s *FakeEventScheduler) RunNext() bool {
	at, ok := s.NextAt()
	if !ok {
		return false
	}
	if at.After(s.Now()) {
		s.AdvanceTo(at)
	} else {
		s.RunDue()
	}
	return true
}
