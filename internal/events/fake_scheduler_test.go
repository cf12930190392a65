package events

import (
	"testing"
	"time"
)

func TestFakeEventSchedulerAdvance(t *testing.T) {
	start := time.Unix(0, 0)
	sched := NewFakeEventScheduler(start)

	var order []string
	sched.Schedule(start.Add(30*time.Second), func() { order = append(order, "e3") })
	sched.Schedule(start.Add(10*time.Second), func() { order = append(order, "e1") })
	sched.Schedule(start.Add(20*time.Second), func() { order = append(order, "e2") })

	sched.AdvanceTo(start.Add(20 * time.Second))
	if len(order) != 2 || order[0] != "e1" || order[1] != "e2" {
		t.Fatalf("order after 20s = %v, want [e1 e2]", order)
	}

	sched.AdvanceTo(start.Add(5 * time.Second))
	if got := sched.Now(); !got.Equal(start.Add(20 * time.Second)) {
		t.Fatalf("Now() = %v after moving backwards, want unchanged", got)
	}

	if !sched.RunNext() {
		t.Fatalf("RunNext() = false with a pending event")
	}
	if len(order) != 3 || order[2] != "e3" {
		t.Fatalf("order = %v, want e3 last", order)
	}
	if sched.RunNext() {
		t.Fatalf("RunNext() = true with nothing pending")
	}
}

func TestFakeEventSchedulerNextAtSkipsCancelled(t *testing.T) {
	start := time.Unix(0, 0)
	sched := NewFakeEventScheduler(start)

	id := sched.Schedule(start.Add(time.Second), func() {})
	sched.Schedule(start.Add(2*time.Second), func() {})
	sched.Cancel(id)

	at, ok := sched.NextAt()
	if !ok || !at.Equal(start.Add(2*time.Second)) {
		t.Fatalf("NextAt() = %v, %v, want 2s", at, ok)
	}
	if sched.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", sched.Len())
	}
}
