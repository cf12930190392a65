// Package events runs callbacks at simulation times. The sync engine uses it
// to schedule the connect and per-step callbacks; the CLI drives it from a
// timectrl.TimeController.
package events

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/traci-sync/timectrl"
)

// EventScheduler schedules callbacks against a simulation clock. Whoever
// advances the clock calls RunDue afterwards.
type EventScheduler interface {
	// Schedule registers f to run at simulation time at and returns an id
	// usable with Cancel.
	Schedule(at time.Time, f func()) (id string)

	// Cancel drops a pending event. Unknown or already-run ids are ignored.
	Cancel(id string)

	// Now returns the current simulation time.
	Now() time.Time

	// RunDue executes every event due at or before Now, in time order.
	// Events scheduled for the same instant run in scheduling order.
	RunDue()

	// Len reports the number of pending events.
	Len() int
}

type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// queue is the time-ordered event list shared by both schedulers.
type queue struct {
	counter uint64
	prefix  string
	events  []*scheduledEvent
	index   map[string]*scheduledEvent
}

func newQueue(prefix string) queue {
	return queue{prefix: prefix, index: make(map[string]*scheduledEvent)}
}

func (q *queue) push(at time.Time, f func()) string {
	q.counter++
	ev := &scheduledEvent{id: fmt.Sprintf("%s-%d", q.prefix, q.counter), when: at, f: f}

	// First position strictly after at keeps equal times FIFO.
	idx := sort.Search(len(q.events), func(i int) bool {
		return at.Before(q.events[i].when)
	})
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = ev

	q.index[ev.id] = ev
	return ev.id
}

func (q *queue) cancel(id string) {
	if ev, ok := q.index[id]; ok {
		ev.cancelled = true
		delete(q.index, id)
	}
}

// pop removes and returns the earliest live event due at now.
func (q *queue) pop(now time.Time) *scheduledEvent {
	for len(q.events) > 0 {
		ev := q.events[0]
		if ev.cancelled {
			q.events = q.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		q.events = q.events[1:]
		delete(q.index, ev.id)
		return ev
	}
	return nil
}

func (q *queue) len() int { return len(q.index) }

// eventScheduler reads time from a SimClock.
type eventScheduler struct {
	clock timectrl.SimClock

	mu sync.Mutex
	q  queue
}

// NewEventScheduler creates a scheduler backed by clock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{clock: clock, q: newQueue("ev")}
}

func (s *eventScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.push(at, f)
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.cancel(id)
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *eventScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.len()
}

func (s *eventScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.q.pop(s.clock.Now())
		s.mu.Unlock()
		if ev == nil {
			return
		}
		// Callbacks run outside the lock so they can schedule follow-ups.
		if ev.f != nil {
			ev.f()
		}
	}
}
