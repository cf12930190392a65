package events

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.RWMutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *fakeClock) After(time.Duration) <-chan time.Time {
	return make(chan time.Time, 1)
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestEventSchedulerRunsOnceWhenDue(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	sched := NewEventScheduler(clock)

	var counter int
	id := sched.Schedule(start.Add(10*time.Second), func() { counter++ })
	if id == "" {
		t.Fatalf("Schedule returned empty ID")
	}

	sched.RunDue()
	if counter != 0 {
		t.Fatalf("counter = %d before due time, want 0", counter)
	}

	clock.set(start.Add(10 * time.Second))
	sched.RunDue()
	sched.RunDue()
	if counter != 1 {
		t.Fatalf("counter = %d, want 1", counter)
	}
	if sched.Len() != 0 {
		t.Fatalf("Len() = %d after run, want 0", sched.Len())
	}
}

func TestEventSchedulerOrdersByTimeThenFIFO(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	sched := NewEventScheduler(clock)

	var order []string
	at := start.Add(time.Second)
	sched.Schedule(at.Add(time.Second), func() { order = append(order, "late") })
	sched.Schedule(at, func() { order = append(order, "first") })
	sched.Schedule(at, func() { order = append(order, "second") })

	clock.set(at.Add(time.Second))
	sched.RunDue()

	want := []string{"first", "second", "late"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEventSchedulerCancel(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	sched := NewEventScheduler(clock)

	ran := false
	id := sched.Schedule(start, func() { ran = true })
	sched.Cancel(id)
	sched.Cancel("unknown")
	sched.RunDue()
	if ran {
		t.Fatalf("cancelled event ran")
	}
}

func TestEventSchedulerCallbackMaySchedule(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	sched := NewEventScheduler(clock)

	var runs int
	var tick func()
	tick = func() {
		runs++
		if runs < 3 {
			sched.Schedule(sched.Now(), tick)
		}
	}
	sched.Schedule(start, tick)
	sched.RunDue()
	if runs != 3 {
		t.Fatalf("runs = %d, want 3", runs)
	}
}
